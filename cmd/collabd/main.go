// Package main implements collabd, the realtime collaboration server.
//
// Usage:
//
//	collabd [serve] [--config path]
//	collabd token --email alice@example.com
//	collabd revoke <token>
//	collabd version
//
// Configuration comes from ~/.config/collabd/config.yaml (or --config),
// overridden by COLLABD_* environment variables and the short aliases
// PORT, JWT_SECRET, GEMINI_API_KEY, FRONTEND_URL, NATS_URL and MONGODB_URI.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Build information, set via ldflags.
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// newRootCmd builds the command tree. The root command runs the server.
func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "collabd",
		Short: "Realtime project chat with an AI assistant",
		Long: `collabd serves authenticated websocket sessions grouped into project
rooms, tracks presence, and answers chat messages that start with @ai.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return reportErr(cmd, runServe(cmd.Context(), configPath))
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/collabd/config.yaml)")

	root.AddCommand(
		newServeCmd(&configPath),
		newTokenCmd(&configPath),
		newRevokeCmd(&configPath),
		newVersionCmd(),
	)
	return root
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the collaboration server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return reportErr(cmd, runServe(cmd.Context(), *configPath))
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			printVersion(cmd.OutOrStdout())
		},
	}
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "collabd %s\n", version)
	fmt.Fprintf(w, "  commit: %s\n", gitCommit)
	fmt.Fprintf(w, "  built:  %s\n", buildDate)
}

func reportErr(cmd *cobra.Command, err error) error {
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "Error: %v\n", err)
	}
	return err
}
