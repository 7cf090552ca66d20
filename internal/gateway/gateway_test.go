// ABOUTME: Tests for the Gateway orchestrator: wiring, bootstrap, listeners and shutdown
// ABOUTME: Calls agents over real HTTP and gRPC listeners on loopback ports

package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/2389/coven-rpc/internal/agent"
	"github.com/2389/coven-rpc/internal/config"
	"github.com/2389/coven-rpc/internal/rpc"
	"github.com/2389/coven-rpc/internal/transport/grpctransport"
	"github.com/2389/coven-rpc/internal/transport/httptransport"
)

// freeAddr returns a loopback address that was free a moment ago.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find available port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

// testConfig creates a config with an in-memory store, every transport type
// and one bootstrap calc agent.
func testConfig(t *testing.T) *config.Config {
	t.Helper()

	httpAddr := freeAddr(t)
	grpcAddr := freeAddr(t)

	cfg := &config.Config{
		Server: config.ServerConfig{
			HTTPAddr: httpAddr,
			GRPCAddr: grpcAddr,
		},
		Store: config.StoreConfig{Driver: "memory"},
		Agents: config.AgentsConfig{
			Bootstrap: []config.AgentSpec{{ID: "calc-1", Type: "calc"}},
		},
		Transports: []config.TransportConfig{
			{Type: config.TransportHTTP, BaseURL: "http://" + httpAddr},
			{Type: config.TransportGRPC, Host: grpcAddr},
			{Type: config.TransportMessaging, Host: "myhost.com"},
		},
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("test config invalid: %v", err)
	}
	return cfg
}

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startGateway runs gw until the test ends and waits for the HTTP listener.
func startGateway(t *testing.T, gw *Gateway, cfg *config.Config) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- gw.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-errCh:
		case <-time.After(5 * time.Second):
			t.Error("gateway did not shutdown in time")
		}
	})

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get("http://" + cfg.Server.HTTPAddr + "/health")
		if err == nil {
			resp.Body.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("gateway did not start listening")
}

func addRequest(t *testing.T, a, b int) *rpc.Request {
	t.Helper()
	req, err := rpc.NewRequest(rpc.NewRequestID(), "add", map[string]any{"a": a, "b": b})
	if err != nil {
		t.Fatalf("NewRequest() failed: %v", err)
	}
	return req
}

func TestGatewayNew(t *testing.T) {
	cfg := testConfig(t)

	gw, err := New(context.Background(), cfg, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer gw.Shutdown(context.Background())

	if gw.config != cfg {
		t.Error("gateway config mismatch")
	}
	if gw.Runtime() == nil {
		t.Error("runtime should not be nil")
	}
	if got := len(gw.Router().Transports()); got != 3 {
		t.Errorf("registered transports = %d, want 3", got)
	}
	if gw.grpcServer == nil {
		t.Error("grpc server should be created when a grpc transport is configured")
	}
	if len(gw.messaging) != 1 {
		t.Errorf("messaging transports = %d, want 1", len(gw.messaging))
	}
	if gw.Runtime().Sender() != gw.Router() {
		t.Error("router should be the runtime's sender")
	}
}

func TestGatewayNew_NoGRPCServerWithoutTransport(t *testing.T) {
	cfg := testConfig(t)
	cfg.Transports = cfg.Transports[:1]

	gw, err := New(context.Background(), cfg, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer gw.Shutdown(context.Background())

	if gw.grpcServer != nil {
		t.Error("grpc server should not be created without a grpc transport")
	}
}

func TestGatewayNew_BadTransport(t *testing.T) {
	cfg := testConfig(t)
	cfg.Transports = append(cfg.Transports, config.TransportConfig{Type: config.TransportHTTP, BaseURL: "ftp://nope"})

	_, err := New(context.Background(), cfg, testLogger())
	if err == nil {
		t.Fatal("New() expected error for bad base url, got nil")
	}
	if !strings.Contains(err.Error(), "transports[3]") {
		t.Errorf("error = %q, want it to name transports[3]", err.Error())
	}
}

func TestBootstrap(t *testing.T) {
	cfg := testConfig(t)
	cfg.Agents.Bootstrap = append(cfg.Agents.Bootstrap, config.AgentSpec{ID: "alice", Type: "counter"})

	gw, err := New(context.Background(), cfg, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer gw.Shutdown(context.Background())

	ctx := context.Background()
	if err := gw.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap() failed: %v", err)
	}
	// Existing agents are left alone.
	if err := gw.Bootstrap(ctx); err != nil {
		t.Fatalf("second Bootstrap() failed: %v", err)
	}

	for _, id := range []string{"calc-1", "alice"} {
		ok, err := gw.Runtime().Exists(ctx, id)
		if err != nil || !ok {
			t.Errorf("Exists(%q) = %v, %v; want true", id, ok, err)
		}
		if _, ok := gw.messaging[0].Connection(id); !ok {
			t.Errorf("agent %q has no messaging connection", id)
		}
	}
}

func TestBootstrap_UnknownType(t *testing.T) {
	cfg := testConfig(t)
	cfg.Agents.Bootstrap = []config.AgentSpec{{ID: "x", Type: "nonexistent"}}

	gw, err := New(context.Background(), cfg, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer gw.Shutdown(context.Background())

	err = gw.Bootstrap(context.Background())
	if !errors.Is(err, agent.ErrUnknownType) {
		t.Errorf("Bootstrap() error = %v, want ErrUnknownType", err)
	}
}

func TestGatewayConnectsAgentsCreatedLater(t *testing.T) {
	cfg := testConfig(t)

	gw, err := New(context.Background(), cfg, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer gw.Shutdown(context.Background())

	ctx := context.Background()
	if err := gw.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap() failed: %v", err)
	}

	h, err := gw.Runtime().Create(ctx, "calc", "late")
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	if err := h.Release(ctx); err != nil {
		t.Fatalf("Release() failed: %v", err)
	}
	if _, ok := gw.messaging[0].Connection("late"); !ok {
		t.Fatal("agent created after bootstrap has no messaging connection")
	}

	type result struct {
		resp *rpc.Response
		err  error
	}
	done := make(chan result, 1)
	err = gw.messaging[0].SendAsync(ctx, "calc-1", "xmpp:late@myhost.com", addRequest(t, 2, 3), func(resp *rpc.Response, err error) {
		done <- result{resp, err}
	})
	if err != nil {
		t.Fatalf("SendAsync() failed: %v", err)
	}
	select {
	case res := <-done:
		if res.err != nil {
			t.Fatalf("reply error: %v", res.err)
		}
		if res.resp.Error != nil || string(res.resp.Result) != "5" {
			t.Errorf("reply = %+v, want result 5", res.resp)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reply from late agent")
	}

	if err := gw.Runtime().Delete(ctx, "late"); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if _, ok := gw.messaging[0].Connection("late"); ok {
		t.Error("deleted agent still has a messaging connection")
	}
}

func TestGatewaySyncConnectsAgentsFromStore(t *testing.T) {
	cfg := testConfig(t)

	gw, err := New(context.Background(), cfg, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer gw.Shutdown(context.Background())

	ctx := context.Background()
	if err := gw.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap() failed: %v", err)
	}

	// Another process sharing the store creates an agent.
	state, err := gw.store.Create(ctx, "elsewhere")
	if err != nil {
		t.Fatalf("store Create() failed: %v", err)
	}
	state.SetAgentType("echo")
	if err := state.Destroy(ctx); err != nil {
		t.Fatalf("state Destroy() failed: %v", err)
	}
	if _, ok := gw.messaging[0].Connection("elsewhere"); ok {
		t.Fatal("agent unexpectedly connected before sync")
	}

	if err := gw.syncConnections(ctx); err != nil {
		t.Fatalf("syncConnections() failed: %v", err)
	}
	if _, ok := gw.messaging[0].Connection("elsewhere"); !ok {
		t.Error("agent from the store has no messaging connection after sync")
	}
}

func TestGatewayRunAndShutdown(t *testing.T) {
	cfg := testConfig(t)

	gw, err := New(context.Background(), cfg, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		errCh <- gw.Run(ctx)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("Run() returned unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Error("gateway did not shutdown in time")
	}
}

func TestHealthEndpoints(t *testing.T) {
	cfg := testConfig(t)

	gw, err := New(context.Background(), cfg, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	startGateway(t, gw, cfg)

	resp, err := http.Get("http://" + cfg.Server.HTTPAddr + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	resp, err = http.Get("http://" + cfg.Server.HTTPAddr + "/health/ready")
	if err != nil {
		t.Fatalf("ready request failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("ready status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if string(body) != "ready (1 agents)" {
		t.Errorf("ready body = %q, want %q", body, "ready (1 agents)")
	}
}

func TestGatewayServesHTTP(t *testing.T) {
	cfg := testConfig(t)

	gw, err := New(context.Background(), cfg, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	startGateway(t, gw, cfg)

	client, err := httptransport.New(httptransport.Config{BaseURL: "http://client.invalid"})
	if err != nil {
		t.Fatalf("httptransport.New() failed: %v", err)
	}

	address := "http://" + cfg.Server.HTTPAddr + httptransport.AgentsPath + "calc-1"
	resp, err := client.Send(context.Background(), "tester", address, addRequest(t, 2, 3))
	if err != nil {
		t.Fatalf("Send() failed: %v", err)
	}
	var n int
	if err := resp.Decode(&n); err != nil {
		t.Fatalf("Decode() failed: %v", err)
	}
	if n != 5 {
		t.Errorf("add(2, 3) = %d, want 5", n)
	}
}

func TestGatewayServesGRPC(t *testing.T) {
	cfg := testConfig(t)

	gw, err := New(context.Background(), cfg, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	startGateway(t, gw, cfg)

	client, err := grpctransport.New(grpctransport.Config{Host: "client.invalid:1"})
	if err != nil {
		t.Fatalf("grpctransport.New() failed: %v", err)
	}
	defer client.Close()

	resp, err := client.Send(context.Background(), "tester", "grpc://"+cfg.Server.GRPCAddr+"/calc-1", addRequest(t, 40, 2))
	if err != nil {
		t.Fatalf("Send() failed: %v", err)
	}
	var n int
	if err := resp.Decode(&n); err != nil {
		t.Fatalf("Decode() failed: %v", err)
	}
	if n != 42 {
		t.Errorf("add(40, 2) = %d, want 42", n)
	}
}

func TestGatewayRouterResolvesOwnAddresses(t *testing.T) {
	cfg := testConfig(t)

	gw, err := New(context.Background(), cfg, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer gw.Shutdown(context.Background())
	if err := gw.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap() failed: %v", err)
	}

	urls := gw.Router().AgentURLs("calc-1")
	if len(urls) != 3 {
		t.Fatalf("AgentURLs() = %v, want 3 urls", urls)
	}
	for _, u := range urls {
		res, err := gw.Router().Resolve(u)
		if err != nil {
			t.Errorf("Resolve(%q) failed: %v", u, err)
			continue
		}
		if !res.Local || res.AgentID != "calc-1" {
			t.Errorf("Resolve(%q) = %+v, want local calc-1", u, res)
		}
	}

	upper := "HTTP://" + strings.ToUpper(cfg.Server.HTTPAddr) + "/agents/calc-1"
	res, err := gw.Router().Resolve(upper)
	if err != nil {
		t.Fatalf("Resolve(%q) failed: %v", upper, err)
	}
	if !res.Local || res.AgentID != "calc-1" {
		t.Errorf("Resolve(%q) = %+v, want local calc-1", upper, res)
	}
}

func TestGatewayAuth(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.JWTSecret = "test-secret-that-is-long-enough-for-hs256"

	gw, err := New(context.Background(), cfg, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	startGateway(t, gw, cfg)

	body := strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"add","params":{"a":1,"b":1}}`)
	resp, err := http.Post("http://"+cfg.Server.HTTPAddr+httptransport.AgentsPath+"calc-1", "application/json", body)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusUnauthorized)
	}

	// Health stays open.
	resp, err = http.Get("http://" + cfg.Server.HTTPAddr + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
}

func TestGatewaySQLiteStatePersists(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store = config.StoreConfig{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "state.db")}
	cfg.Agents.Bootstrap = []config.AgentSpec{{ID: "alice", Type: "counter"}}
	ctx := context.Background()

	increment := func(gw *Gateway) int64 {
		t.Helper()
		req, err := rpc.NewRequest(rpc.NewRequestID(), "increment", map[string]any{"by": 5})
		if err != nil {
			t.Fatalf("NewRequest() failed: %v", err)
		}
		resp, err := gw.Runtime().Invoke(ctx, "alice", req)
		if err != nil {
			t.Fatalf("Invoke() failed: %v", err)
		}
		var n int64
		if err := resp.Decode(&n); err != nil {
			t.Fatalf("Decode() failed: %v", err)
		}
		return n
	}

	first, err := New(ctx, cfg, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if err := first.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap() failed: %v", err)
	}
	if got := increment(first); got != 5 {
		t.Errorf("first increment = %d, want 5", got)
	}
	if err := first.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() failed: %v", err)
	}

	second, err := New(ctx, cfg, testLogger())
	if err != nil {
		t.Fatalf("New() after restart failed: %v", err)
	}
	defer second.Shutdown(ctx)
	if err := second.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap() after restart failed: %v", err)
	}
	if got := increment(second); got != 10 {
		t.Errorf("increment after restart = %d, want 10", got)
	}
}
