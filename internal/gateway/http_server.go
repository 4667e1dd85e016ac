package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/fingate/internal/auth"
	"github.com/haasonsaas/fingate/internal/config"
	"github.com/haasonsaas/fingate/internal/ratelimit"
)

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry}))
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	authLimited := s.limited(s.authLimiter, "auth")
	chatLimited := s.limited(s.chatLimiter, "chat")

	mux.Handle("POST /api/auth/initiate", s.authenticated(authLimited(http.HandlerFunc(s.handleInitiate))))
	mux.Handle("POST /api/auth/complete", s.authenticated(authLimited(http.HandlerFunc(s.handleComplete))))
	mux.Handle("POST /api/auth/disconnect", s.authenticated(http.HandlerFunc(s.handleDisconnect)))
	mux.Handle("GET /api/auth/status", s.authenticated(http.HandlerFunc(s.handleStatus)))
	mux.Handle("GET /api/tools", s.authenticated(http.HandlerFunc(s.handleListTools)))
	mux.Handle("POST /api/tools/{name}", s.authenticated(http.HandlerFunc(s.handleTool)))
	mux.Handle("POST /api/chat", s.authenticated(chatLimited(http.HandlerFunc(s.handleChat))))
	mux.Handle("GET /ws", s.authenticated(http.HandlerFunc(s.handleWebSocket)))

	if s.config.Provider.Mode == config.ProviderModeSandbox {
		mux.HandleFunc("GET /sandbox/login", s.handleSandboxLogin)
	}

	return s.requestIDMiddleware(s.recoverMiddleware(s.metricsMiddleware(mux)))
}

func (s *Server) authenticated(next http.Handler) http.Handler {
	return auth.Middleware(s.auth, s.logger)(next)
}

func (s *Server) limited(limiter *ratelimit.Limiter, class string) func(http.Handler) http.Handler {
	return ratelimit.Middleware(limiter, func(r *http.Request) string {
		return auth.UserIDFromContext(r.Context())
	}, func(r *http.Request) {
		s.logger.WarnContext(r.Context(), "rate limited", "class", class, "path", r.URL.Path)
	})
}

func (s *Server) startHTTPServer(ctx context.Context) error {
	addr := s.config.Server.Addr()
	server := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.config.Server.ReadTimeout,
		WriteTimeout:      s.config.Server.WriteTimeout,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}

	s.httpServer = server
	s.httpListener = listener

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()

	s.logger.Info("starting http server", "addr", listener.Addr().String())
	return nil
}

func (s *Server) stopHTTPServer(ctx context.Context) {
	if s.httpServer == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.Server.ShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http server shutdown error", "error", err)
	}
	s.httpServer = nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":   "ok",
		"sessions":          s.store.Len(),
		"locked_users":      s.store.LockedUsers(),
		"passcode_counters": s.flow.TrackedAttempts(),
		"chat":              s.loop != nil,
		"provider":          s.config.Provider.Mode,
	}
	if !s.startTime.IsZero() {
		body["uptime_seconds"] = int64(time.Since(s.startTime).Seconds())
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleSandboxLogin(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "fingate sandbox login\n\nsession: %s\n\nThis is a development provider. Return to the chat and enter any six digit passcode, for example 000000.\n",
		r.URL.Query().Get("sessionId"))
}
