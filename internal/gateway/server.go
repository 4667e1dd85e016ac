// Package gateway provides the fingate HTTP and WebSocket surface.
//
// A Server owns the session store, the auth flow, the dispatcher, the
// background sweeper and, when a model is configured, the agent loop.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/haasonsaas/fingate/internal/agent"
	"github.com/haasonsaas/fingate/internal/agent/providers"
	"github.com/haasonsaas/fingate/internal/auth"
	"github.com/haasonsaas/fingate/internal/authflow"
	"github.com/haasonsaas/fingate/internal/config"
	"github.com/haasonsaas/fingate/internal/dispatch"
	"github.com/haasonsaas/fingate/internal/observability"
	"github.com/haasonsaas/fingate/internal/provider"
	"github.com/haasonsaas/fingate/internal/ratelimit"
	"github.com/haasonsaas/fingate/internal/sessions"
)

// Server is the fingate gateway.
type Server struct {
	config    *config.Config
	logger    *slog.Logger
	registry  *prometheus.Registry
	metrics   *observability.Metrics
	tracer    *observability.Tracer
	transport provider.Transport

	store      *sessions.MemoryStore
	flow       *authflow.Flow
	dispatcher *dispatch.Dispatcher
	sweeper    *sessions.Sweeper
	loop       *agent.Loop

	auth        *auth.Service
	chatLimiter *ratelimit.Limiter
	authLimiter *ratelimit.Limiter

	handler      http.Handler
	httpServer   *http.Server
	httpListener net.Listener
	startTime    time.Time

	mu      sync.Mutex
	stopped bool
}

type serverOptions struct {
	transport provider.Transport
	model     agent.LLMProvider
	registry  *prometheus.Registry
	tracer    *observability.Tracer
	nowFunc   func() time.Time
}

// Option customizes NewServer.
type Option func(*serverOptions)

// WithTransport replaces the provider transport built from configuration.
func WithTransport(transport provider.Transport) Option {
	return func(o *serverOptions) { o.transport = transport }
}

// WithLLMProvider replaces the model provider built from configuration.
func WithLLMProvider(model agent.LLMProvider) Option {
	return func(o *serverOptions) { o.model = model }
}

// WithRegistry registers metrics on registry instead of a fresh one.
func WithRegistry(registry *prometheus.Registry) Option {
	return func(o *serverOptions) { o.registry = registry }
}

// WithTracer sets the tracer used for spans.
func WithTracer(tracer *observability.Tracer) Option {
	return func(o *serverOptions) { o.tracer = tracer }
}

// WithNowFunc sets the session clock.
func WithNowFunc(now func() time.Time) Option {
	return func(o *serverOptions) { o.nowFunc = now }
}

// NewServer wires every component from cfg. A model provider that cannot be
// built leaves chat disabled; the auth and tool endpoints still work.
func NewServer(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	var o serverOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.registry == nil {
		o.registry = prometheus.NewRegistry()
		o.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	if o.tracer == nil {
		o.tracer, _ = observability.NewTracer(observability.TraceConfig{ServiceName: cfg.Tracing.ServiceName})
	}

	s := &Server{
		config:   cfg,
		logger:   logger.With("component", "gateway"),
		registry: o.registry,
		metrics:  observability.NewMetrics(o.registry),
		tracer:   o.tracer,
	}

	s.transport = o.transport
	if s.transport == nil {
		transport, err := BuildTransport(cfg.Provider, logger, s.metrics, s.tracer)
		if err != nil {
			return nil, err
		}
		s.transport = transport
	}

	s.store = sessions.NewMemoryStore(sessions.Config{
		PendingWindow:       cfg.Session.PendingWindow,
		AuthenticatedWindow: cfg.Session.AuthenticatedWindow,
	})
	if o.nowFunc != nil {
		s.store.SetNowFunc(o.nowFunc)
	}

	s.flow = authflow.New(s.store, s.transport, authflow.Config{
		RemoteTimeout:       cfg.Provider.Timeout,
		MaxPasscodeAttempts: cfg.Session.MaxPasscodeAttempts,
		AttemptWindow:       cfg.Session.PendingWindow,
	}, logger, s.metrics)

	dispatcher, err := dispatch.New(s.flow, s.transport, dispatch.Config{
		RemoteTimeout:  cfg.Provider.Timeout,
		MaxConcurrency: cfg.Provider.MaxConcurrency,
	}, dispatch.WithLogger(logger), dispatch.WithMetrics(s.metrics), dispatch.WithTracer(s.tracer))
	if err != nil {
		s.flow.Close()
		return nil, fmt.Errorf("dispatcher: %w", err)
	}
	s.dispatcher = dispatcher

	s.sweeper = sessions.NewSweeper(s.store, cfg.Session.SweepInterval, logger, s.metrics)

	model := o.model
	if model == nil {
		model, err = providers.New(providers.Config{
			Provider:   cfg.LLM.Provider,
			APIKey:     cfg.LLM.APIKey,
			BaseURL:    cfg.LLM.BaseURL,
			Model:      cfg.LLM.Model,
			MaxRetries: cfg.LLM.MaxRetries,
			RetryDelay: cfg.LLM.RetryDelay,
		})
		if err != nil {
			s.logger.Warn("chat disabled: model provider unavailable", "provider", cfg.LLM.Provider, "error", err)
			model = nil
		}
	}
	if model != nil {
		loop, err := agent.NewLoop(model, dispatcher, agent.Declarations(dispatcher.Tools()), loopConfig(cfg.LLM),
			agent.WithLogger(logger), agent.WithMetrics(s.metrics), agent.WithTracer(s.tracer))
		if err != nil {
			s.flow.Close()
			return nil, fmt.Errorf("agent loop: %w", err)
		}
		s.loop = loop
	}

	s.auth = auth.NewService(authConfig(cfg.Auth))
	if !s.auth.Enabled() {
		s.logger.Warn("no jwt secret or api keys configured; trusting " + auth.UserIDHeader)
	}
	s.chatLimiter = ratelimit.NewLimiter(cfg.RateLimit.Chat)
	s.authLimiter = ratelimit.NewLimiter(cfg.RateLimit.Auth)
	s.handler = s.routes()
	return s, nil
}

// BuildTransport creates the provider transport selected by cfg.Mode.
func BuildTransport(cfg config.ProviderConfig, logger *slog.Logger, metrics *observability.Metrics, tracer *observability.Tracer) (provider.Transport, error) {
	switch cfg.Mode {
	case config.ProviderModeSandbox:
		logger.Warn("using sandbox provider; financial data is fixture data")
		return provider.NewSandboxTransport(cfg.SandboxLoginURL), nil
	case config.ProviderModeHTTP:
		transport, err := provider.NewHTTPTransport(provider.HTTPConfig{
			URL:              cfg.URL,
			Headers:          cfg.Headers,
			Timeout:          cfg.Timeout,
			MaxResponseBytes: cfg.MaxResponseBytes,
		}, provider.WithLogger(logger), provider.WithMetrics(metrics), provider.WithTracer(tracer))
		if err != nil {
			return nil, fmt.Errorf("provider transport: %w", err)
		}
		return transport, nil
	default:
		return nil, fmt.Errorf("unknown provider mode %q", cfg.Mode)
	}
}

func loopConfig(cfg config.LLMConfig) agent.LoopConfig {
	system := cfg.SystemPrompt
	if system == "" {
		system = agent.DefaultSystemPrompt
	}
	return agent.LoopConfig{
		Model:                    cfg.Model,
		System:                   system,
		MaxIterations:            cfg.MaxIterations,
		MaxTokens:                cfg.MaxTokens,
		MaxWallTime:              cfg.MaxWallTime,
		MaxToolCallsPerIteration: cfg.MaxToolCallsPerIteration,
	}
}

func authConfig(cfg config.AuthConfig) auth.Config {
	keys := make([]auth.APIKeyConfig, 0, len(cfg.APIKeys))
	for _, key := range cfg.APIKeys {
		keys = append(keys, auth.APIKeyConfig{Key: key.Key, UserID: key.UserID, Email: key.Email, Name: key.Name})
	}
	return auth.Config{JWTSecret: cfg.JWTSecret, TokenExpiry: cfg.TokenExpiry, APIKeys: keys}
}

// Handler returns the HTTP handler serving every endpoint.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Dispatcher returns the tool dispatcher.
func (s *Server) Dispatcher() *dispatch.Dispatcher {
	return s.dispatcher
}

// Loop returns the agent loop, or nil when chat is disabled.
func (s *Server) Loop() *agent.Loop {
	return s.loop
}

// Auth returns the identity service.
func (s *Server) Auth() *auth.Service {
	return s.auth
}

// Start starts the sweeper and begins serving HTTP on the configured
// address. It returns once the listener is open.
func (s *Server) Start(ctx context.Context) error {
	s.startTime = time.Now()
	if err := s.sweeper.Start(); err != nil {
		return fmt.Errorf("failed to start session sweeper: %w", err)
	}
	if err := s.startHTTPServer(ctx); err != nil {
		return fmt.Errorf("failed to start http server: %w", err)
	}
	return nil
}

// Addr returns the bound listen address, or "" before Start.
func (s *Server) Addr() string {
	if s.httpListener == nil {
		return ""
	}
	return s.httpListener.Addr().String()
}

// Stop shuts down the HTTP server, then the sweeper, then the attempt
// limiter. Calling Stop more than once is a no-op.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	s.logger.Info("stopping server")
	s.stopHTTPServer(ctx)
	var errs []error
	if err := s.sweeper.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop sweeper: %w", err))
	}
	s.flow.Close()
	return errors.Join(errs...)
}
