package config

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// ValidationError lists every problem found in a configuration.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return "config validation failed: " + strings.Join(e.Issues, "; ")
}

// Validate checks a defaulted configuration.
func (c *Config) Validate() error {
	var issues []string
	add := func(format string, args ...any) {
		issues = append(issues, fmt.Sprintf(format, args...))
	}

	if err := ValidateVersion(c.Version); err != nil {
		add("version: %v", err)
	}

	if c.Server.HTTPPort < 0 || c.Server.HTTPPort > 65535 {
		add("server.http_port must be between 0 and 65535")
	}
	if c.Server.MaxBodyBytes < 0 {
		add("server.max_body_bytes must not be negative")
	}

	for i, key := range c.Auth.APIKeys {
		if strings.TrimSpace(key.Key) == "" {
			add("auth.api_keys[%d].key is required", i)
		}
	}

	if c.Session.PendingWindow <= 0 {
		add("session.pending_window must be positive")
	}
	if c.Session.AuthenticatedWindow <= 0 {
		add("session.authenticated_window must be positive")
	}
	if c.Session.SweepInterval <= 0 {
		add("session.sweep_interval must be positive")
	}
	if c.Session.MaxPasscodeAttempts < 1 {
		add("session.max_passcode_attempts must be at least 1")
	}

	switch c.Provider.Mode {
	case ProviderModeHTTP:
		u, err := url.Parse(c.Provider.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			add("provider.url must be an absolute http(s) URL in http mode")
		}
	case ProviderModeSandbox:
	case "":
		add("provider.url is required; set provider.mode: %s to run against the development provider", ProviderModeSandbox)
	default:
		add("provider.mode must be %q or %q, got %q", ProviderModeHTTP, ProviderModeSandbox, c.Provider.Mode)
	}
	if c.Provider.Timeout <= 0 {
		add("provider.timeout must be positive")
	}
	if c.Provider.MaxConcurrency < 1 {
		add("provider.max_concurrency must be at least 1")
	}

	switch strings.ToLower(c.LLM.Provider) {
	case "google", "gemini", "anthropic", "claude", "openai":
	default:
		add("llm.provider %q is not supported", c.LLM.Provider)
	}
	if c.LLM.MaxIterations < 1 {
		add("llm.max_iterations must be at least 1")
	}
	if c.LLM.MaxTokens < 0 {
		add("llm.max_tokens must not be negative")
	}

	for name, limit := range map[string]float64{
		"ratelimit.chat": c.RateLimit.Chat.RequestsPerSecond,
		"ratelimit.auth": c.RateLimit.Auth.RequestsPerSecond,
	} {
		if limit < 0 {
			add("%s.requests_per_second must not be negative", name)
		}
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("logging.level %q is not supported", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		add("logging.format must be json or text")
	}
	for i, pattern := range c.Logging.RedactPatterns {
		if _, err := regexp.Compile(pattern); err != nil {
			add("logging.redact_patterns[%d]: %v", i, err)
		}
	}

	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		add("tracing.sampling_rate must be between 0 and 1")
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}
