package main

import (
	"time"

	"github.com/spf13/cobra"
)

// buildServeCmd creates the "serve" command that starts the gateway.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the fingate HTTP and WebSocket server",
		Long: `Start the fingate server.

The server will:
1. Load configuration from the specified file (or fingate.yaml)
2. Connect to the financial data provider (or the sandbox provider)
3. Start the background session sweeper
4. Serve the REST, chat, WebSocket and metrics endpoints

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  fingate serve

  # Start with a custom config and debug logging
  fingate serve --config /etc/fingate/production.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML or JSON5 configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

// buildChatCmd creates the "chat" command, a terminal conversation with the
// agent loop.
func buildChatCmd() *cobra.Command {
	var (
		configPath string
		userID     string
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the assistant from the terminal",
		Long: `Start an interactive conversation. Each line you type is one message.

Type /reset to clear the conversation and /quit (or Ctrl-D) to leave.`,
		Example: `  fingate chat --user alice`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, configPath, userID)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML or JSON5 configuration file")
	cmd.Flags().StringVarP(&userID, "user", "u", "local", "User id to chat as")
	return cmd
}

// buildToolsCmd creates the "tools" command listing the function
// declarations offered to the model.
func buildToolsCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List the functions available to the model",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTools(cmd, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print declarations with their JSON schemas")
	return cmd
}

// buildConfigCmd creates the "config" command group.
func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and validate configuration",
	}
	cmd.AddCommand(buildConfigValidateCmd(), buildConfigSchemaCmd())
	return cmd
}

func buildConfigValidateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigValidate(cmd, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML or JSON5 configuration file")
	return cmd
}

func buildConfigSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the configuration JSON schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigSchema(cmd)
		},
	}
}

// buildTokenCmd creates the "token" command that issues a JWT for a user.
func buildTokenCmd() *cobra.Command {
	var (
		configPath string
		userID     string
		email      string
		expiry     time.Duration
	)
	cmd := &cobra.Command{
		Use:     "token",
		Short:   "Issue a bearer token for a user",
		Example: `  fingate token --user alice`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToken(cmd, configPath, userID, email, expiry)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML or JSON5 configuration file")
	cmd.Flags().StringVarP(&userID, "user", "u", "", "User id the token identifies (required)")
	cmd.Flags().StringVar(&email, "email", "", "Optional email claim")
	cmd.Flags().DurationVar(&expiry, "expiry", 0, "Token lifetime (defaults to auth.token_expiry)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
