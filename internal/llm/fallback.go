package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Route binds a provider client to the model it should serve.
type Route struct {
	Provider string
	Model    string
	Client   Client
}

// FallbackClient sends each request to the primary route and, when that
// fails with a transient ProviderError, retries it once on the secondary
// route. Non-transient failures and caller cancellation are returned
// as is.
type FallbackClient struct {
	primary    Route
	secondary  *Route
	timeout    time.Duration
	logger     *slog.Logger
	onFallback func(from, to string, err error)
}

// FallbackOption configures a FallbackClient.
type FallbackOption func(*FallbackClient)

// WithCallTimeout bounds each provider call. Zero leaves only the
// caller's deadline.
func WithCallTimeout(d time.Duration) FallbackOption {
	return func(f *FallbackClient) { f.timeout = d }
}

// WithFallbackHook is called every time a request is rerouted.
func WithFallbackHook(fn func(from, to string, err error)) FallbackOption {
	return func(f *FallbackClient) { f.onFallback = fn }
}

// NewFallbackClient creates a client over primary and an optional
// secondary route.
func NewFallbackClient(primary Route, secondary *Route, logger *slog.Logger, opts ...FallbackOption) *FallbackClient {
	if logger == nil {
		logger = slog.Default()
	}
	f := &FallbackClient{
		primary:   primary,
		secondary: secondary,
		logger:    logger,
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Complete runs one model call with fallback.
func (f *FallbackClient) Complete(ctx context.Context, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	resp, err := f.call(ctx, f.primary, messages, tools)
	if err == nil {
		return resp, nil
	}
	if f.secondary == nil || !IsTransient(err) || ctx.Err() != nil {
		return nil, err
	}

	f.logger.Warn("primary provider failed, falling back",
		"from", f.primary.Provider,
		"to", f.secondary.Provider,
		"error", err,
	)
	if f.onFallback != nil {
		f.onFallback(f.primary.Provider, f.secondary.Provider, err)
	}

	resp, err2 := f.call(ctx, *f.secondary, messages, tools)
	if err2 != nil {
		return nil, fmt.Errorf("%s failed (%v), fallback: %w", f.primary.Provider, err, err2)
	}
	return resp, nil
}

// Ping checks the primary provider.
func (f *FallbackClient) Ping(ctx context.Context) error {
	return f.primary.Client.Ping(ctx)
}

// Providers lists the configured provider names, primary first.
func (f *FallbackClient) Providers() []string {
	names := []string{f.primary.Provider}
	if f.secondary != nil {
		names = append(names, f.secondary.Provider)
	}
	return names
}

func (f *FallbackClient) call(ctx context.Context, r Route, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := r.Client.Chat(ctx, r.Model, messages, tools)
	if err != nil {
		return nil, err
	}
	resp.Provider = r.Provider
	if resp.Model == "" {
		resp.Model = r.Model
	}
	if resp.Duration == 0 {
		resp.Duration = time.Since(start)
	}
	return resp, nil
}
