// ABOUTME: Inbound HTTP handler: POST /agents/{id} dispatches, GET renders the agent's page
// ABOUTME: Optional JWT auth and per-client rate limiting wrap the agent routes

package httptransport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/yuin/goldmark"
	"golang.org/x/time/rate"

	"github.com/2389/coven-rpc/internal/agent"
	"github.com/2389/coven-rpc/internal/auth"
	"github.com/2389/coven-rpc/internal/rpc"
	"github.com/2389/coven-rpc/internal/transport"
)

// Describer returns the descriptor of a hosted agent.
type Describer interface {
	DescribeAgent(ctx context.Context, agentID string) (*rpc.Descriptor, error)
}

// HandlerConfig configures the inbound handler.
type HandlerConfig struct {
	Invoker   transport.Invoker
	Describer Describer
	// Verifier enables bearer token authentication when set.
	Verifier auth.TokenVerifier
	// RequestsPerMinute enables per-client rate limiting when positive.
	RequestsPerMinute int
	Burst             int
	Logger            *slog.Logger
}

// Handler serves agents over HTTP.
type Handler struct {
	invoker   transport.Invoker
	describer Describer
	limiters  *lru.Cache[string, *rate.Limiter]
	limit     rate.Limit
	burst     int
	logger    *slog.Logger
	mux       *http.ServeMux
}

// NewHandler creates the inbound handler.
func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if cfg.Invoker == nil {
		return nil, errors.New("http handler requires an invoker")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		invoker:   cfg.Invoker,
		describer: cfg.Describer,
		logger:    logger.With("component", "http-handler"),
		mux:       http.NewServeMux(),
	}

	if cfg.RequestsPerMinute > 0 {
		limiters, err := lru.New[string, *rate.Limiter](10000)
		if err != nil {
			return nil, fmt.Errorf("creating limiter cache: %w", err)
		}
		h.limiters = limiters
		h.limit = rate.Every(time.Minute / time.Duration(cfg.RequestsPerMinute))
		h.burst = cfg.Burst
		if h.burst <= 0 {
			h.burst = cfg.RequestsPerMinute
		}
	}

	var agentRoutes http.Handler = http.HandlerFunc(h.route)
	if h.limiters != nil {
		agentRoutes = h.rateLimit(agentRoutes)
	}
	if cfg.Verifier != nil {
		agentRoutes = auth.HTTPAuthMiddleware(cfg.Verifier, h.logger)(agentRoutes)
	}
	h.mux.Handle(AgentsPath, agentRoutes)
	return h, nil
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) route(w http.ResponseWriter, r *http.Request) {
	id, ok := agentIDFromPath(r.URL.EscapedPath())
	if !ok {
		http.NotFound(w, r)
		return
	}
	switch r.Method {
	case http.MethodPost:
		h.handleInvoke(w, r, id)
	case http.MethodGet, http.MethodHead:
		h.handlePage(w, r, id)
	default:
		w.Header().Set("Allow", "GET, HEAD, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleInvoke(w http.ResponseWriter, r *http.Request, agentID string) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		h.writeResponse(w, rpc.NewErrorResponse(rpc.ID{}, rpc.NewError(rpc.CodeParseError, "reading body")))
		return
	}

	resp := transport.DispatchBody(r.Context(), h.invoker, agentID, body)
	if resp.Error != nil {
		h.logger.Debug("request failed",
			"agent_id", agentID,
			"code", resp.Error.Code.String(),
			"error", resp.Error.Message,
		)
	}
	h.writeResponse(w, resp)
}

func (h *Handler) writeResponse(w http.ResponseWriter, resp *rpc.Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		h.logger.Error("encoding response", "error", err)
		http.Error(w, `{"error":"encoding response"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusFor(resp))
	w.Write(data)
}

func statusFor(resp *rpc.Response) int {
	if resp.Error == nil {
		return http.StatusOK
	}
	switch resp.Error.Code {
	case rpc.CodeParseError, rpc.CodeInvalidRequest:
		return http.StatusBadRequest
	case rpc.CodeAgentNotFound:
		return http.StatusNotFound
	default:
		return http.StatusOK
	}
}

func (h *Handler) handlePage(w http.ResponseWriter, r *http.Request, agentID string) {
	if h.describer == nil {
		http.NotFound(w, r)
		return
	}
	desc, err := h.describer.DescribeAgent(r.Context(), agentID)
	if errors.Is(err, agent.ErrAgentNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		h.logger.Error("describing agent", "agent_id", agentID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	page, err := renderPage(agentID, desc)
	if err != nil {
		h.logger.Error("rendering agent page", "agent_id", agentID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(page)
}

// renderPage converts the descriptor's Markdown listing to an HTML page.
func renderPage(agentID string, desc *rpc.Descriptor) ([]byte, error) {
	var body bytes.Buffer
	if err := goldmark.Convert([]byte(desc.Markdown()), &body); err != nil {
		return nil, err
	}
	var page bytes.Buffer
	fmt.Fprintf(&page, "<!DOCTYPE html>\n<html><head><meta charset=\"utf-8\"><title>%s</title></head>\n<body>\n",
		html.EscapeString(agentID))
	fmt.Fprintf(&page, "<p>Agent <code>%s</code></p>\n", html.EscapeString(agentID))
	page.Write(body.Bytes())
	page.WriteString("</body></html>\n")
	return page.Bytes(), nil
}

func (h *Handler) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientKey(r)
		limiter, ok := h.limiters.Get(key)
		if !ok {
			limiter = rate.NewLimiter(h.limit, h.burst)
			h.limiters.Add(key, limiter)
		}
		if !limiter.Allow() {
			h.logger.Warn("rate limit exceeded", "client", key)
			w.Header().Set("Retry-After", "60")
			http.Error(w, `{"error":"rate limit exceeded"}`, http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	if a := auth.FromContext(r.Context()); a != nil {
		return "sub:" + a.Subject
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// agentIDFromPath extracts the id from an escaped "/agents/{id}" path. A
// single trailing slash is tolerated.
func agentIDFromPath(escaped string) (string, bool) {
	rest, ok := strings.CutPrefix(escaped, AgentsPath)
	if !ok {
		return "", false
	}
	rest = strings.TrimSuffix(rest, "/")
	if rest == "" || strings.Contains(rest, "/") {
		return "", false
	}
	id, err := url.PathUnescape(rest)
	if err != nil || id == "" {
		return "", false
	}
	return id, true
}
