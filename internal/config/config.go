// Package config handles Quill configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/quill/config.yaml, /etc/quill/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "quill", "config.yaml"))
	}

	paths = append(paths, "/etc/quill/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Quill configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Database  DatabaseConfig  `yaml:"database"`
	Models    ModelsConfig    `yaml:"models"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
	OpenAI    OpenAIConfig    `yaml:"openai"`
	Gemini    GeminiConfig    `yaml:"gemini"`
	Ollama    OllamaConfig    `yaml:"ollama"`
	Agent     AgentConfig     `yaml:"agent"`
	Usage     UsageConfig     `yaml:"usage"`
	Lock      LockConfig      `yaml:"lock"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	Scope     ScopeConfig     `yaml:"scope"`
	CRM       CRMConfig       `yaml:"crm"`
	LogLevel  string          `yaml:"log_level" validate:"omitempty,oneof=trace debug info warn warning error"`
	LogFormat string          `yaml:"log_format" validate:"omitempty,oneof=text json"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port" validate:"min=1,max=65535"`
}

// DatabaseConfig selects the sqlite driver and file.
type DatabaseConfig struct {
	// Driver is "sqlite3" (mattn/go-sqlite3, cgo) or "sqlite"
	// (modernc.org/sqlite, pure Go).
	Driver string `yaml:"driver" validate:"oneof=sqlite3 sqlite"`
	Path   string `yaml:"path" validate:"required"`
}

// ModelsConfig selects the primary and optional secondary provider.
type ModelsConfig struct {
	Primary   ModelRef      `yaml:"primary"`
	Secondary *ModelRef     `yaml:"secondary"`
	Timeout   time.Duration `yaml:"timeout"` // per provider call
}

// ModelRef names a provider and the model to use on it.
type ModelRef struct {
	Provider string `yaml:"provider" validate:"oneof=anthropic openai gemini ollama"`
	Model    string `yaml:"model" validate:"required"`
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// OpenAIConfig defines OpenAI (or compatible) API settings.
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// GeminiConfig defines Google Gemini API settings.
type GeminiConfig struct {
	APIKey string `yaml:"api_key"`
}

// OllamaConfig defines the local Ollama endpoint.
type OllamaConfig struct {
	URL string `yaml:"url"`
}

// AgentConfig tunes the turn orchestrator.
type AgentConfig struct {
	// MaxIterations bounds model-call rounds per turn.
	MaxIterations int `yaml:"max_iterations" validate:"min=1,max=50"`
	// DedupWindow is how many recent tool messages of the same tool are
	// searched for a reusable result.
	DedupWindow int `yaml:"dedup_window" validate:"min=1,max=200"`
	// PendingTTL is how long a confirmation stays consumable.
	PendingTTL time.Duration `yaml:"pending_ttl"`
	// PendingSweepInterval is how often expired confirmations are purged.
	PendingSweepInterval time.Duration `yaml:"pending_sweep_interval"`
	// LockTimeout bounds the wait for a busy conversation.
	LockTimeout time.Duration `yaml:"lock_timeout"`
	// Timezone is used when the client does not send one.
	Timezone string `yaml:"timezone"`
}

// UsageConfig defines the per-user quota and token pricing.
type UsageConfig struct {
	// MonthlyMessageLimit is the number of user messages allowed per
	// calendar month. Zero disables the quota.
	MonthlyMessageLimit int                     `yaml:"monthly_message_limit" validate:"min=0"`
	Pricing             map[string]PricingEntry `yaml:"pricing"`
}

// PricingEntry is the per-million-token price of a model.
type PricingEntry struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// LockConfig selects the per-conversation lock backend.
type LockConfig struct {
	Backend string      `yaml:"backend" validate:"oneof=memory redis"`
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig defines the Redis connection used for distributed locks.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"` // lock lease, renewed while held
}

// MQTTConfig defines the optional audit publisher.
type MQTTConfig struct {
	Broker      string `yaml:"broker"` // e.g. mqtt://localhost:1883 or mqtts://...
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// Configured reports whether an MQTT broker has been set.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// APIConfig tunes the HTTP surface.
type APIConfig struct {
	// RateLimit is the sustained turns per second allowed per user.
	RateLimit float64 `yaml:"rate_limit" validate:"min=0"`
	Burst     int     `yaml:"burst" validate:"min=0"`
}

// ScopeConfig lists topics the assistant must refuse.
type ScopeConfig struct {
	BlockedTopics []string `yaml:"blocked_topics"`
}

// CRMConfig tunes the business tools.
type CRMConfig struct {
	// From is the sender of outgoing e-mails ("Name <addr@host>").
	From string `yaml:"from" validate:"required"`
	// DefaultVATRate applies to products created without a rate, in
	// percent.
	DefaultVATRate float64 `yaml:"default_vat_rate" validate:"min=0,max=100"`
	// InvoiceDueDays is the payment term of new invoices.
	InvoiceDueDays int `yaml:"invoice_due_days" validate:"min=0,max=365"`
}

// Load reads configuration from a YAML file, applies defaults and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{
		Models: ModelsConfig{
			Primary: ModelRef{Provider: "anthropic", Model: "claude-sonnet-4-20250514"},
		},
	}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite3"
	}
	if c.Database.Path == "" {
		c.Database.Path = "quill.db"
	}
	if c.Models.Timeout == 0 {
		c.Models.Timeout = 90 * time.Second
	}
	if c.Ollama.URL == "" {
		c.Ollama.URL = "http://localhost:11434"
	}
	if c.Agent.MaxIterations == 0 {
		c.Agent.MaxIterations = 8
	}
	if c.Agent.DedupWindow == 0 {
		c.Agent.DedupWindow = 12
	}
	if c.Agent.PendingTTL == 0 {
		c.Agent.PendingTTL = 30 * time.Minute
	}
	if c.Agent.PendingSweepInterval == 0 {
		c.Agent.PendingSweepInterval = 5 * time.Minute
	}
	if c.Agent.LockTimeout == 0 {
		c.Agent.LockTimeout = 10 * time.Second
	}
	if c.Agent.Timezone == "" {
		c.Agent.Timezone = "Europe/Paris"
	}
	if c.Lock.Backend == "" {
		c.Lock.Backend = "memory"
	}
	if c.Lock.Redis.TTL == 0 {
		c.Lock.Redis.TTL = 2 * time.Minute
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "quill"
	}
	if c.CRM.From == "" {
		c.CRM.From = "Quill <facturation@example.com>"
	}
	if c.CRM.DefaultVATRate == 0 {
		c.CRM.DefaultVATRate = 20
	}
	if c.CRM.InvoiceDueDays == 0 {
		c.CRM.InvoiceDueDays = 30
	}
	if c.API.RateLimit == 0 {
		c.API.RateLimit = 1
	}
	if c.API.Burst == 0 {
		c.API.Burst = 5
	}
}

var validate = validator.New()

// Validate checks field constraints and cross-field requirements such as
// API keys for the selected providers.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	refs := []ModelRef{c.Models.Primary}
	if c.Models.Secondary != nil {
		refs = append(refs, *c.Models.Secondary)
	}
	for _, ref := range refs {
		if err := c.checkProvider(ref.Provider); err != nil {
			return err
		}
	}

	if c.Lock.Backend == "redis" && c.Lock.Redis.Addr == "" {
		return errors.New("invalid config: lock.redis.addr is required for the redis lock backend")
	}
	if _, err := time.LoadLocation(c.Agent.Timezone); err != nil {
		return fmt.Errorf("invalid config: agent.timezone: %w", err)
	}
	return nil
}

func (c *Config) checkProvider(provider string) error {
	switch provider {
	case "anthropic":
		if c.Anthropic.APIKey == "" {
			return errors.New("invalid config: anthropic.api_key is required when anthropic is selected")
		}
	case "openai":
		if c.OpenAI.APIKey == "" && c.OpenAI.BaseURL == "" {
			return errors.New("invalid config: openai.api_key or openai.base_url is required when openai is selected")
		}
	case "gemini":
		if c.Gemini.APIKey == "" {
			return errors.New("invalid config: gemini.api_key is required when gemini is selected")
		}
	}
	return nil
}
