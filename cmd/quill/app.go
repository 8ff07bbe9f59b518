package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/nugget/quill/internal/agent"
	"github.com/nugget/quill/internal/audit"
	"github.com/nugget/quill/internal/config"
	"github.com/nugget/quill/internal/confirm"
	"github.com/nugget/quill/internal/conversation"
	"github.com/nugget/quill/internal/crm"
	"github.com/nugget/quill/internal/database"
	"github.com/nugget/quill/internal/events"
	"github.com/nugget/quill/internal/llm"
	"github.com/nugget/quill/internal/lock"
	"github.com/nugget/quill/internal/scope"
	"github.com/nugget/quill/internal/tools"
	"github.com/nugget/quill/internal/usage"
)

// app holds every long-lived component. serve and ask build the same
// graph; only the surface in front of the loop differs.
type app struct {
	db            *sql.DB
	conversations *conversation.SQLiteStore
	usage         *usage.Store
	pending       *confirm.Store
	auditLog      *audit.SQLiteSink
	mqtt          *audit.MQTTSink // nil when no broker is configured
	crm           *crm.Store
	registry      *tools.Registry
	bus           *events.Bus
	loop          *agent.Loop
	closers       []io.Closer
}

// newApp opens the database and wires the turn loop.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	db, err := database.Open(cfg.Database.Driver, cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	a := &app{db: db, bus: events.NewBus()}
	a.closers = append(a.closers, db)

	if err := a.openStores(cfg); err != nil {
		a.Close()
		return nil, err
	}

	a.registry, err = tools.NewRegistry(crm.NewTools(a.crm, cfg.CRM).Descriptors()...)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("build tool registry: %w", err)
	}

	model, err := createLLMClient(ctx, cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	sinks := audit.Multi{a.auditLog}
	if cfg.MQTT.Configured() {
		a.mqtt = audit.NewMQTTSink(cfg.MQTT, logger)
		sinks = append(sinks, a.mqtt)
	}

	a.loop, err = agent.New(agent.Config{
		MaxIterations: cfg.Agent.MaxIterations,
		DedupWindow:   cfg.Agent.DedupWindow,
		Timezone:      cfg.Agent.Timezone,
	}, agent.Deps{
		Conversations: a.conversations,
		Usage:         a.usage,
		Pending:       a.pending,
		Scope:         scope.NewKeywordEvaluator(cfg.Scope.BlockedTopics),
		Audit:         sinks,
		Locker:        a.newLocker(cfg, logger),
		LLM:           model,
		Tools:         a.registry,
		Bus:           a.bus,
		Logger:        logger,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("build agent loop: %w", err)
	}

	logger.Info("agent ready",
		"tools", len(a.registry.Names()),
		"primary", cfg.Models.Primary.Provider+"/"+cfg.Models.Primary.Model,
		"lock", cfg.Lock.Backend,
		"mqtt", cfg.MQTT.Configured(),
	)
	return a, nil
}

func (a *app) openStores(cfg *config.Config) error {
	var err error
	if a.conversations, err = conversation.NewSQLiteStore(a.db); err != nil {
		return fmt.Errorf("open conversation store: %w", err)
	}
	if a.usage, err = usage.NewStore(a.db, cfg.Usage.MonthlyMessageLimit, cfg.Usage.Pricing); err != nil {
		return fmt.Errorf("open usage store: %w", err)
	}
	if a.pending, err = confirm.NewStore(a.db, cfg.Agent.PendingTTL); err != nil {
		return fmt.Errorf("open pending store: %w", err)
	}
	if a.auditLog, err = audit.NewSQLiteSink(a.db); err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	if a.crm, err = crm.NewStore(a.db); err != nil {
		return fmt.Errorf("open crm store: %w", err)
	}
	return nil
}

func (a *app) newLocker(cfg *config.Config, logger *slog.Logger) lock.Locker {
	if cfg.Lock.Backend == "redis" {
		client := lock.NewRedisClient(cfg.Lock.Redis.Addr, cfg.Lock.Redis.Password, cfg.Lock.Redis.DB)
		a.closers = append(a.closers, client)
		return lock.NewRedis(client, cfg.Lock.Redis.TTL, cfg.Agent.LockTimeout, logger)
	}
	return lock.NewMemory(cfg.Agent.LockTimeout)
}

// Close releases the database and lock backend, newest first.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// createLLMClient builds the primary route and optional secondary route
// behind a fallback client.
func createLLMClient(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*llm.FallbackClient, error) {
	primary, err := newRoute(ctx, cfg, cfg.Models.Primary, logger)
	if err != nil {
		return nil, err
	}
	var secondary *llm.Route
	if cfg.Models.Secondary != nil {
		r, err := newRoute(ctx, cfg, *cfg.Models.Secondary, logger)
		if err != nil {
			return nil, err
		}
		secondary = &r
	}

	logger.Info("LLM client initialized",
		"primary_provider", primary.Provider,
		"primary_model", primary.Model,
		"fallback", secondary != nil,
	)
	return llm.NewFallbackClient(primary, secondary, logger,
		llm.WithCallTimeout(cfg.Models.Timeout),
		llm.WithFallbackHook(agent.ObserveFallback),
	), nil
}

func newRoute(ctx context.Context, cfg *config.Config, ref config.ModelRef, logger *slog.Logger) (llm.Route, error) {
	route := llm.Route{Provider: ref.Provider, Model: ref.Model}
	switch ref.Provider {
	case "anthropic":
		route.Client = llm.NewAnthropicClient(cfg.Anthropic.APIKey, cfg.Anthropic.BaseURL, logger)
	case "openai":
		route.Client = llm.NewOpenAIClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, logger)
	case "gemini":
		c, err := llm.NewGeminiClient(ctx, cfg.Gemini.APIKey, logger)
		if err != nil {
			return llm.Route{}, err
		}
		route.Client = c
	case "ollama":
		route.Client = llm.NewOllamaClient(cfg.Ollama.URL, logger)
	default:
		return llm.Route{}, fmt.Errorf("unknown model provider %q", ref.Provider)
	}
	return route, nil
}
