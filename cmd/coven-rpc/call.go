// ABOUTME: call command: sends one JSON-RPC request to an agent address
// ABOUTME: Uses the configured transports; local addresses are dispatched in-process

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"

	"github.com/2389/coven-rpc/internal/gateway"
	"github.com/2389/coven-rpc/internal/rpc"
	"github.com/2389/coven-rpc/internal/transport"
)

func callCmd() *cobra.Command {
	var (
		params  string
		sender  string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "call ADDRESS METHOD",
		Short: "Call an operation of the agent at ADDRESS",
		Example: `  coven-rpc call http://localhost:8080/agents/calc-1 add --params '{"a":1,"b":2}'
  coven-rpc call grpc://other-host:50051/calc-1 divide --params '{"a":1,"b":4}'`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := buildRequest(args[1], params)
			if err != nil {
				return err
			}

			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			logger := slog.New(slog.NewTextHandler(io.Discard, nil))
			if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
				logger = setupLogger(cfg.Logging)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			gw, err := gateway.New(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("creating gateway: %w", err)
			}
			defer gw.Shutdown(context.Background())
			if err := gw.Bootstrap(ctx); err != nil {
				return err
			}

			resp, err := send(ctx, gw.Router(), sender, args[0], req)
			if err != nil {
				return err
			}
			if err := writeJSON(cmd, resp); err != nil {
				return err
			}
			if resp.Error != nil {
				return fmt.Errorf("%s: %s", resp.Error.Code, resp.Error.Message)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&params, "params", "p", "", "named parameters as a JSON object")
	cmd.Flags().StringVar(&sender, "sender", "cli", "agent id the call is sent on behalf of")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "how long to wait for the response")
	cmd.Flags().BoolP("verbose", "v", false, "log transport activity")
	return cmd
}

// buildRequest creates a request with a fresh id. params must be empty or a
// JSON object.
func buildRequest(method, params string) (*rpc.Request, error) {
	var named map[string]any
	if params != "" {
		if !gjson.Valid(params) {
			return nil, errors.New("--params is not valid JSON")
		}
		if !gjson.Parse(params).IsObject() {
			return nil, errors.New("--params must be a JSON object")
		}
		if err := json.Unmarshal([]byte(params), &named); err != nil {
			return nil, fmt.Errorf("decoding --params: %w", err)
		}
	}
	return rpc.NewRequest(rpc.NewRequestID(), method, named)
}

// send tries a synchronous call first and falls back to waiting on an
// asynchronous one for transports that only deliver replies later.
func send(ctx context.Context, r *gateway.Router, senderID, address string, req *rpc.Request) (*rpc.Response, error) {
	resp, err := r.Send(ctx, senderID, address, req)
	if !errors.Is(err, transport.ErrSyncUnsupported) {
		return resp, err
	}

	type result struct {
		resp *rpc.Response
		err  error
	}
	done := make(chan result, 1)
	if err := r.SendAsync(ctx, senderID, address, req, func(resp *rpc.Response, err error) {
		done <- result{resp, err}
	}); err != nil {
		return nil, err
	}
	select {
	case res := <-done:
		return res.resp, res.err
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for reply: %w", ctx.Err())
	}
}
