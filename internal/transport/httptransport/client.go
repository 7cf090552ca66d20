// ABOUTME: Synchronous HTTP transport: POSTs requests to agent URLs and decodes replies
// ABOUTME: Agents hosted here live under <base_url>/agents/<id>

package httptransport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/2389/coven-rpc/internal/callback"
	"github.com/2389/coven-rpc/internal/rpc"
)

// ErrHTTPStatus indicates a non-2xx reply without a decodable response body.
var ErrHTTPStatus = errors.New("unexpected HTTP status")

// maxBodySize bounds request and response bodies.
const maxBodySize = 10 << 20

// AgentsPath is the path under the base URL where agents are served.
const AgentsPath = "/agents/"

// Config configures an HTTP transport.
type Config struct {
	// BaseURL is the externally reachable URL of this process, e.g.
	// "http://localhost:8080". Required.
	BaseURL string
	// Token is sent as a bearer token on outbound calls when set.
	Token   string
	Timeout time.Duration
	Client  *http.Client
	Logger  *slog.Logger
}

// Transport sends requests over HTTP.
type Transport struct {
	prefix string
	// scheme, host and agentsPath are the normalized parts of prefix used to
	// recognize local addresses.
	scheme     string
	host       string
	agentsPath string
	token      string
	client *http.Client
	logger *slog.Logger
}

// New creates an HTTP transport.
func New(cfg Config) (*Transport, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base url %q must be http or https", cfg.BaseURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("base url %q has no host", cfg.BaseURL)
	}

	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Transport{
		prefix:     strings.TrimSuffix(u.String(), "/") + AgentsPath,
		scheme:     strings.ToLower(u.Scheme),
		host:       strings.ToLower(u.Host),
		agentsPath: strings.TrimSuffix(u.EscapedPath(), "/") + AgentsPath,
		token:      cfg.Token,
		client:     client,
		logger:     logger.With("component", "http-transport"),
	}, nil
}

// Protocols returns the schemes served by this transport.
func (t *Transport) Protocols() []string {
	return []string{"http", "https"}
}

// LocalAgentID claims addresses under this process's agents path. Scheme and
// host compare case-insensitively; the path does not.
func (t *Transport) LocalAgentID(address string) (string, bool) {
	u, err := url.Parse(address)
	if err != nil || !strings.EqualFold(u.Scheme, t.scheme) || !strings.EqualFold(u.Host, t.host) {
		return "", false
	}
	rest, ok := strings.CutPrefix(u.EscapedPath(), t.agentsPath)
	if !ok {
		return "", false
	}
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	id, err := url.PathUnescape(rest)
	if err != nil || id == "" {
		return "", false
	}
	return id, true
}

// AgentURL returns the URL of a local agent.
func (t *Transport) AgentURL(agentID string) string {
	return t.prefix + url.PathEscape(agentID)
}

// Send POSTs req to address and decodes the reply.
func (t *Transport) Send(ctx context.Context, senderID, address string, req *rpc.Request) (*rpc.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, address, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if senderID != "" {
		httpReq.Header.Set("X-Coven-Sender", senderID)
	}
	if t.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+t.token)
	}

	start := time.Now()
	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending to %s: %w", address, err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("reading reply from %s: %w", address, err)
	}

	resp, decodeErr := rpc.DecodeResponse(data)
	if decodeErr != nil {
		if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
			return nil, fmt.Errorf("%w: %s from %s", ErrHTTPStatus, httpResp.Status, address)
		}
		return nil, fmt.Errorf("decoding reply from %s: %w", address, decodeErr)
	}

	t.logger.Debug("request sent",
		"address", address,
		"method", req.Method(),
		"status", httpResp.StatusCode,
		"duration", time.Since(start),
	)
	return resp, nil
}

// SendAsync runs Send on its own goroutine and hands the outcome to fn.
func (t *Transport) SendAsync(ctx context.Context, senderID, address string, req *rpc.Request, fn callback.Func) error {
	ctx = context.WithoutCancel(ctx)
	go func() {
		resp, err := t.Send(ctx, senderID, address, req)
		fn(resp, err)
	}()
	return nil
}
