package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/haasonsaas/fingate/internal/agent"
	"github.com/haasonsaas/fingate/internal/auth"
	"github.com/haasonsaas/fingate/internal/config"
	"github.com/haasonsaas/fingate/internal/gateway"
	"github.com/haasonsaas/fingate/internal/observability"
	"github.com/haasonsaas/fingate/internal/tools/finance"
	"github.com/haasonsaas/fingate/pkg/models"
)

// runServe loads configuration, starts the gateway and blocks until a
// shutdown signal arrives.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:          cfg.Logging.Level,
		Format:         cfg.Logging.Format,
		AddSource:      cfg.Logging.AddSource,
		RedactPatterns: cfg.Logging.RedactPatterns,
	})
	slog.SetDefault(logger)

	logger.Info("starting fingate",
		"version", version,
		"commit", commit,
		"config", resolveConfigPath(configPath),
		"provider_mode", cfg.Provider.Mode,
		"llm_provider", cfg.LLM.Provider,
	)

	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		EnableInsecure: cfg.Tracing.Insecure,
	})

	server, err := gateway.NewServer(cfg, logger, gateway.WithTracer(tracer))
	if err != nil {
		return fmt.Errorf("failed to initialize gateway: %w", err)
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := server.Start(ctx); err != nil {
		return err
	}
	logger.Info("fingate started", "http_addr", server.Addr())

	<-ctx.Done()
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout+5*time.Second)
	defer shutdownCancel()

	var errs []error
	if err := server.Stop(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown failed: %w", err))
	}
	if err := shutdownTracer(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("tracer shutdown failed: %w", err))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	logger.Info("fingate stopped gracefully")
	return nil
}

// runChat runs a terminal conversation against the agent loop in-process.
func runChat(cmd *cobra.Command, configPath, userID string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:  "warn",
		Format: "text",
		Output: cmd.ErrOrStderr(),
	})

	server, err := gateway.NewServer(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize gateway: %w", err)
	}
	defer func() { _ = server.Stop(context.Background()) }()

	loop := server.Loop()
	if loop == nil {
		return fmt.Errorf("chat requires a model provider; set llm.api_key for %q", cfg.LLM.Provider)
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Only show a prompt when a person is typing.
	prompt := false
	if f, ok := cmd.InOrStdin().(*os.File); ok {
		prompt = term.IsTerminal(int(f.Fd()))
	}
	return chatREPL(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), loop, userID, prompt)
}

func chatREPL(ctx context.Context, in io.Reader, out io.Writer, loop *agent.Loop, userID string, prompt bool) error {
	fmt.Fprintf(out, "Chatting as %s. Type /reset to start over, /quit to leave.\n", userID)

	var history []models.Message
	scanner := bufio.NewScanner(in)
	for {
		if prompt {
			fmt.Fprint(out, "> ")
		}
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/reset":
			history = nil
			fmt.Fprintln(out, "Conversation cleared.")
			continue
		}

		turn, err := loop.RespondStream(ctx, userID, history, line, func(chunk *agent.ResponseChunk) {
			switch {
			case chunk.Text != "":
				fmt.Fprint(out, chunk.Text)
			case chunk.ToolCall != nil:
				fmt.Fprintf(out, "[%s]\n", chunk.ToolCall.Name)
			}
		})
		fmt.Fprintln(out)
		if turn != nil {
			history = append(history, turn.Messages...)
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintf(out, "error: %v\n", err)
		}
	}
}

type toolListing struct {
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	Parameters   json.RawMessage `json:"parameters"`
	RequiresAuth bool            `json:"requiresAuth"`
}

func runTools(cmd *cobra.Command, asJSON bool) error {
	tools := finance.All()
	out := cmd.OutOrStdout()
	if asJSON {
		listing := make([]toolListing, 0, len(tools))
		for _, tool := range tools {
			listing = append(listing, toolListing{
				Name:         tool.Name(),
				Description:  tool.Description(),
				Parameters:   tool.Schema(),
				RequiresAuth: tool.Class() == finance.ClassData,
			})
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(listing)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tAUTH\tDESCRIPTION")
	for _, tool := range tools {
		requires := "no"
		if tool.Class() == finance.ClassData {
			requires = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", tool.Name(), requires, firstSentence(tool.Description()))
	}
	return w.Flush()
}

func firstSentence(s string) string {
	if i := strings.Index(s, ". "); i >= 0 {
		return s[:i+1]
	}
	return s
}

func runConfigValidate(cmd *cobra.Command, configPath string) error {
	path := resolveConfigPath(configPath)
	out := cmd.OutOrStdout()
	if _, err := config.Load(path); err != nil {
		var verr *config.ValidationError
		if errors.As(err, &verr) {
			fmt.Fprintf(out, "%s is invalid:\n", path)
			for _, issue := range verr.Issues {
				fmt.Fprintf(out, "  - %s\n", issue)
			}
		}
		return err
	}
	fmt.Fprintf(out, "%s is valid\n", path)
	return nil
}

func runConfigSchema(cmd *cobra.Command) error {
	schema, err := config.JSONSchema()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(schema))
	return err
}

func runToken(cmd *cobra.Command, configPath, userID, email string, expiry time.Duration) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if strings.TrimSpace(cfg.Auth.JWTSecret) == "" {
		return errors.New("auth.jwt_secret is not configured")
	}
	if expiry <= 0 {
		expiry = cfg.Auth.TokenExpiry
	}
	service := auth.NewService(auth.Config{JWTSecret: cfg.Auth.JWTSecret, TokenExpiry: expiry})
	token, err := service.GenerateJWT(&auth.Identity{UserID: userID, Email: email})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
	return err
}
