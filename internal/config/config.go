// Package config loads the fingate configuration file.
//
// Files are YAML or JSON5, may pull in other files through $include, and
// may reference environment variables as ${NAME} or ${NAME:-default}.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/fingate/internal/ratelimit"
)

// Config is the main configuration structure for fingate.
type Config struct {
	Version   int             `yaml:"version"`
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Session   SessionConfig   `yaml:"session"`
	Provider  ProviderConfig  `yaml:"provider"`
	LLM       LLMConfig       `yaml:"llm"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Logging   LoggingConfig   `yaml:"logging"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	HTTPPort        int           `yaml:"http_port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// MaxBodyBytes caps request bodies.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
	// AllowedOrigins lists WebSocket origins. Empty allows same-origin only.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.HTTPPort)
}

// AuthConfig configures caller identity. With neither a JWT secret nor API
// keys the gateway runs in development mode and trusts X-User-ID.
type AuthConfig struct {
	JWTSecret   string         `yaml:"jwt_secret"`
	TokenExpiry time.Duration  `yaml:"token_expiry"`
	APIKeys     []APIKeyConfig `yaml:"api_keys"`
}

type APIKeyConfig struct {
	Key    string `yaml:"key"`
	UserID string `yaml:"user_id"`
	Email  string `yaml:"email"`
	Name   string `yaml:"name"`
}

type SessionConfig struct {
	PendingWindow       time.Duration `yaml:"pending_window"`
	AuthenticatedWindow time.Duration `yaml:"authenticated_window"`
	SweepInterval       time.Duration `yaml:"sweep_interval"`
	MaxPasscodeAttempts int           `yaml:"max_passcode_attempts"`
}

// Provider modes.
const (
	ProviderModeHTTP    = "http"
	ProviderModeSandbox = "sandbox"
)

// ProviderConfig configures the remote financial data provider.
type ProviderConfig struct {
	// Mode is "http" or "sandbox".
	Mode    string            `yaml:"mode"`
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
	// Timeout bounds every remote call.
	Timeout          time.Duration `yaml:"timeout"`
	MaxResponseBytes int64         `yaml:"max_response_bytes"`
	// MaxConcurrency bounds parallel calls of one request.
	MaxConcurrency  int    `yaml:"max_concurrency"`
	SandboxLoginURL string `yaml:"sandbox_login_url"`
}

type LLMConfig struct {
	// Provider is "google", "anthropic" or "openai".
	Provider   string        `yaml:"provider"`
	APIKey     string        `yaml:"api_key"`
	BaseURL    string        `yaml:"base_url"`
	Model      string        `yaml:"model"`
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`

	MaxIterations            int           `yaml:"max_iterations"`
	MaxTokens                int           `yaml:"max_tokens"`
	MaxWallTime              time.Duration `yaml:"max_wall_time"`
	MaxToolCallsPerIteration int           `yaml:"max_tool_calls_per_iteration"`
	// SystemPrompt replaces the built-in prompt when set.
	SystemPrompt string `yaml:"system_prompt"`
}

type RateLimitConfig struct {
	Chat ratelimit.Config `yaml:"chat"`
	Auth ratelimit.Config `yaml:"auth"`
}

type LoggingConfig struct {
	Level          string   `yaml:"level"`
	Format         string   `yaml:"format"`
	AddSource      bool     `yaml:"add_source"`
	RedactPatterns []string `yaml:"redact_patterns"`
}

// TracingConfig controls OpenTelemetry tracing. An empty endpoint disables
// export.
type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	ServiceName  string  `yaml:"service_name"`
	Environment  string  `yaml:"environment"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
}

// Load reads, defaults and validates the configuration file at path.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied. It runs the
// sandbox provider, suitable for local development.
func Default() *Config {
	cfg := newConfig()
	cfg.Provider.Mode = ProviderModeSandbox
	applyDefaults(cfg)
	return cfg
}

// newConfig returns the decode target. Fields a file cannot express as a
// zero value, such as an enabled limiter, are preset here.
func newConfig() *Config {
	return &Config{
		RateLimit: RateLimitConfig{
			Chat: ratelimit.Config{Enabled: true},
			Auth: ratelimit.Config{Enabled: true},
		},
	}
}

func applyLimitDefaults(limit *ratelimit.Config, defaults ratelimit.Config) {
	if limit.RequestsPerSecond == 0 {
		limit.RequestsPerSecond = defaults.RequestsPerSecond
	}
	if limit.BurstSize == 0 {
		limit.BurstSize = defaults.BurstSize
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 3 * time.Minute
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 1 << 20
	}

	if cfg.Auth.TokenExpiry == 0 {
		cfg.Auth.TokenExpiry = 24 * time.Hour
	}

	if cfg.Session.PendingWindow == 0 {
		cfg.Session.PendingWindow = 5 * time.Minute
	}
	if cfg.Session.AuthenticatedWindow == 0 {
		cfg.Session.AuthenticatedWindow = 30 * time.Minute
	}
	if cfg.Session.SweepInterval == 0 {
		cfg.Session.SweepInterval = 5 * time.Minute
	}
	if cfg.Session.MaxPasscodeAttempts == 0 {
		cfg.Session.MaxPasscodeAttempts = 5
	}

	if cfg.Provider.Mode == "" && strings.TrimSpace(cfg.Provider.URL) != "" {
		cfg.Provider.Mode = ProviderModeHTTP
	}
	if cfg.Provider.Timeout == 0 {
		cfg.Provider.Timeout = 12 * time.Second
	}
	if cfg.Provider.MaxResponseBytes == 0 {
		cfg.Provider.MaxResponseBytes = 1 << 20
	}
	if cfg.Provider.MaxConcurrency == 0 {
		cfg.Provider.MaxConcurrency = 4
	}

	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "google"
	}
	if cfg.LLM.MaxIterations == 0 {
		cfg.LLM.MaxIterations = 8
	}
	if cfg.LLM.MaxWallTime == 0 {
		cfg.LLM.MaxWallTime = 2 * time.Minute
	}

	applyLimitDefaults(&cfg.RateLimit.Chat, ratelimit.DefaultConfig())
	applyLimitDefaults(&cfg.RateLimit.Auth, ratelimit.Config{RequestsPerSecond: 0.2, BurstSize: 5})

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "fingate"
	}
	if cfg.Tracing.SamplingRate == 0 {
		cfg.Tracing.SamplingRate = 1.0
	}
}
