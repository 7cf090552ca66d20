// ABOUTME: Entry point for coven-rpc, the agent host and JSON-RPC dispatcher
// ABOUTME: Builds the cobra command tree and runs it under a signal-aware context

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/2389/coven-rpc/internal/config"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  ___ _____   _____ _ __       _ __ _ __   ___
 / __/ _ \ \ / / _ \ '_ \ ____| '__| '_ \ / __|
| (_| (_) \ V /  __/ | | |____| |  | |_) | (__
 \___\___/ \_/ \___|_| |_|    |_|  | .__/ \___|
                                   |_|
`

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// configFlag holds --config; empty means COVEN_RPC_CONFIG or the default.
var configFlag string

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "coven-rpc",
		Short:         "Host agents and dispatch JSON-RPC calls between them",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "",
		fmt.Sprintf("config file (default $%s or %s)", config.EnvPath, config.DefaultPath))

	cmd.AddCommand(serveCmd())
	cmd.AddCommand(describeCmd())
	cmd.AddCommand(validateCmd())
	cmd.AddCommand(callCmd())
	cmd.AddCommand(agentsCmd())
	return cmd
}

// loadConfig loads the configured file. A missing default file yields the
// default configuration so the binary works without any setup.
func loadConfig() (*config.Config, string, error) {
	path := config.ResolvePath(configFlag)
	if configFlag == "" && os.Getenv(config.EnvPath) == "" {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return config.Default(), "(defaults)", nil
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}
