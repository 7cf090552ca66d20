// ABOUTME: describe and validate commands for the bundled agent types
// ABOUTME: Neither touches the store or the network

package main

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/coven-rpc/internal/agents"
)

func describeCmd() *cobra.Command {
	var jsonOutput, markdown bool
	cmd := &cobra.Command{
		Use:   "describe [TYPE]",
		Short: "List agent types, or the operations of one type",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, err := agents.NewRegistry()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if len(args) == 0 {
				names := registry.Names()
				if jsonOutput {
					return writeJSON(cmd, names)
				}
				for _, name := range names {
					fmt.Fprintln(out, name)
				}
				return nil
			}

			desc, err := registry.Descriptor(args[0])
			if err != nil {
				return err
			}
			switch {
			case jsonOutput:
				return writeJSON(cmd, desc.Describe(true))
			case markdown:
				fmt.Fprint(out, desc.Markdown())
			default:
				for _, sig := range desc.Describe(false) {
					fmt.Fprintln(out, sig)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output structured descriptions as JSON")
	cmd.Flags().BoolVar(&markdown, "markdown", false, "output the description page source")
	return cmd
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [TYPE...]",
		Short: "Check agent type definitions for problems",
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, err := agents.NewRegistry()
			if err != nil {
				return err
			}
			names := args
			if len(names) == 0 {
				names = registry.Names()
			}

			out := cmd.OutOrStdout()
			failed := 0
			for _, name := range names {
				desc, err := registry.Descriptor(name)
				if err != nil {
					return err
				}
				problems := desc.Validate()
				if len(problems) == 0 {
					fmt.Fprintf(out, "%s %s\n", color.GreenString("ok  "), name)
					continue
				}
				failed++
				fmt.Fprintf(out, "%s %s\n", color.RedString("FAIL"), name)
				for _, p := range problems {
					fmt.Fprintf(out, "     %s\n", p)
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d types have problems", failed, len(names))
			}
			return nil
		},
	}
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// sortedCopy returns s sorted without modifying it.
func sortedCopy(s []string) []string {
	c := slices.Clone(s)
	slices.Sort(c)
	return c
}
