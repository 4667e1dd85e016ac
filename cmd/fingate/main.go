// Package main provides the CLI entry point for fingate, a conversational
// gateway to a user's linked financial accounts.
//
// # Basic Usage
//
// Start the server:
//
//	fingate serve --config fingate.yaml
//
// Chat from the terminal without starting the HTTP server:
//
//	fingate chat --user alice
//
// Inspect configuration:
//
//	fingate config validate --config fingate.yaml
//	fingate config schema
//
// # Environment Variables
//
//   - FINGATE_CONFIG: Path to configuration file (default: fingate.yaml)
//
// Any value in the configuration file may reference the environment with
// ${NAME} or ${NAME:-default}, for example ${GEMINI_API_KEY}.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/fingate/internal/config"
)

// Build information, populated by ldflags.
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultConfigPath = "fingate.yaml"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "fingate",
		Short: "fingate - conversational access to linked financial accounts",
		Long: `fingate lets a language model answer questions about a user's finances.

Users link their accounts through the provider's phone and passcode login;
the model can only read financial data for users with an authenticated
session.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildChatCmd(),
		buildToolsCmd(),
		buildConfigCmd(),
		buildTokenCmd(),
	)
	return rootCmd
}

// resolveConfigPath picks the explicit path, then FINGATE_CONFIG, then the
// default file name.
func resolveConfigPath(path string) string {
	if strings.TrimSpace(path) != "" {
		return path
	}
	if env := strings.TrimSpace(os.Getenv("FINGATE_CONFIG")); env != "" {
		return env
	}
	return defaultConfigPath
}

// loadConfig loads the configuration at path. A missing default file is not
// an error; the built-in defaults are used instead.
func loadConfig(path string) (*config.Config, error) {
	resolved := resolveConfigPath(path)
	if _, err := os.Stat(resolved); errors.Is(err, os.ErrNotExist) && resolved == defaultConfigPath {
		slog.Warn("no configuration file found; using defaults", "path", resolved)
		return config.Default(), nil
	}
	cfg, err := config.Load(resolved)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}
