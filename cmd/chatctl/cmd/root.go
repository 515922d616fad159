package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"clinicchat/internal/config"
)

var (
	version = "dev"
	commit  = "unknown"
)

var (
	serverURL string
	grpcAddr  string
	token     string
	verbose   bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "chatctl",
	Short: "Client for the clinic chat service",
	Long: `chatctl talks to a clinic chat server as a patient or doctor would:
live over WebSocket or gRPC, or through the HTTP polling fallback.`,
	Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute is called by main.main()
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("CHAT_SERVER", "http://localhost:7003"), "HTTP base URL of the chat server")
	rootCmd.PersistentFlags().StringVar(&grpcAddr, "grpc-addr", envOr("CHAT_GRPC_ADDR", "localhost:7013"), "gRPC address of the chat server")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("CHAT_TOKEN"), "bearer token (defaults to $CHAT_TOKEN)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func newLogger() *slog.Logger {
	level := "warn"
	if verbose {
		level = "debug"
	}
	return config.NewLogger(config.LoggingConfig{Level: level})
}

func requireToken() error {
	if token == "" {
		return fmt.Errorf("a bearer token is required (--token or $CHAT_TOKEN)")
	}
	return nil
}
