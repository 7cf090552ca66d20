// ABOUTME: agents command group: create, delete, exists and list hosted agents
// ABOUTME: Operates directly on the configured store through the runtime

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/coven-rpc/internal/agent"
	"github.com/2389/coven-rpc/internal/agents"
	"github.com/2389/coven-rpc/internal/store"
)

func agentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "Manage hosted agents",
	}
	cmd.AddCommand(agentsCreateCmd())
	cmd.AddCommand(agentsDeleteCmd())
	cmd.AddCommand(agentsExistsCmd())
	cmd.AddCommand(agentsListCmd())
	return cmd
}

// withRuntime opens the configured store and runs fn against a runtime
// without any transports.
func withRuntime(ctx context.Context, fn func(*agent.Runtime) error) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := store.Open(ctx, store.Config{
		Driver:        cfg.Store.Driver,
		DSN:           cfg.Store.DSN,
		RedisAddr:     cfg.Store.RedisAddr,
		RedisPassword: cfg.Store.RedisPassword,
		RedisDB:       cfg.Store.RedisDB,
		Prefix:        cfg.Store.Prefix,
	})
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer s.Close()

	registry, err := agents.NewRegistry()
	if err != nil {
		return err
	}
	rt, err := agent.NewRuntime(agent.Config{
		Store:    s,
		Registry: registry,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		return err
	}
	defer rt.Close(ctx)

	return fn(rt)
}

func agentsCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create TYPE ID",
		Short: "Create an agent of TYPE",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withRuntime(ctx, func(rt *agent.Runtime) error {
				h, err := rt.Create(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				if err := h.Release(ctx); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s created %s (%s)\n", color.GreenString("✓"), args[1], args[0])
				return nil
			})
		},
	}
}

func agentsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete ID",
		Short: "Delete an agent and its state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withRuntime(ctx, func(rt *agent.Runtime) error {
				if err := rt.Delete(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s deleted %s\n", color.GreenString("✓"), args[0])
				return nil
			})
		},
	}
}

func agentsExistsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "exists ID",
		Short: "Report whether an agent is hosted here",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withRuntime(ctx, func(rt *agent.Runtime) error {
				ok, err := rt.Exists(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), ok)
				if !ok {
					return fmt.Errorf("%w: %s", agent.ErrAgentNotFound, args[0])
				}
				return nil
			})
		},
	}
}

func agentsListCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List hosted agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			return withRuntime(ctx, func(rt *agent.Runtime) error {
				ids, err := rt.List(ctx)
				if err != nil {
					return err
				}
				ids = sortedCopy(ids)
				if jsonOutput {
					return writeJSON(cmd, ids)
				}
				for _, id := range ids {
					fmt.Fprintln(cmd.OutOrStdout(), id)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}
