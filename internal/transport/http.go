package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/RobinCoderZhao/toolgate/internal/auth"
	"github.com/RobinCoderZhao/toolgate/internal/dispatch"
	"github.com/RobinCoderZhao/toolgate/internal/lifecycle"
	"github.com/RobinCoderZhao/toolgate/pkg/toolkit"
)

type contextKey string

const requestContextKey = contextKey("dispatchRequest")

// HTTPConfig holds the HTTP adapter settings.
type HTTPConfig struct {
	Addr           string
	BasePath       string
	RequestTimeout time.Duration
	MaxBodyBytes   int64
}

// HTTPServer is the HTTP transport adapter. It exposes the health, info,
// JSON-RPC, tool discovery, and tool execution routes under a fixed base
// path, and applies the middleware chain in a fixed order: CORS and
// security headers, request context assignment, body size limiting, the
// response timeout guard, then authentication where the route requires it.
type HTTPServer struct {
	cfg     HTTPConfig
	core    *rpcCore
	gate    *auth.Gate
	tracker *lifecycle.Tracker
	logger  *slog.Logger
	srv     *http.Server
}

// NewHTTPServer creates the HTTP adapter.
func NewHTTPServer(cfg HTTPConfig, registry *toolkit.Registry, dispatcher *dispatch.Dispatcher, gate *auth.Gate, tracker *lifecycle.Tracker, info toolkit.ServerInfo, logger *slog.Logger) *HTTPServer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BasePath == "" {
		cfg.BasePath = "/mcp"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	return &HTTPServer{
		cfg:     cfg,
		core:    &rpcCore{registry: registry, dispatcher: dispatcher, info: info, logger: logger},
		gate:    gate,
		tracker: tracker,
		logger:  logger,
	}
}

// Handler returns the fully wired http.Handler.
func (h *HTTPServer) Handler() http.Handler {
	bp := h.cfg.BasePath
	mux := http.NewServeMux()

	mux.HandleFunc("GET "+bp+"/health", h.handleHealth)
	mux.HandleFunc("GET "+bp+"/info", h.handleInfo)
	mux.Handle("POST "+bp+"/rpc", h.requireAuth(http.HandlerFunc(h.handleRPC)))
	mux.Handle("GET "+bp+"/tools", h.requireAuth(http.HandlerFunc(h.handleToolsList)))
	mux.HandleFunc("POST "+bp+"/tools/{name}", h.handleToolPost)
	mux.HandleFunc("GET "+bp+"/tools/{name}", h.handleToolGet)

	var handler http.Handler = mux
	handler = h.timeoutGuard(handler)
	handler = h.bodyLimit(handler)
	handler = h.withRequestContext(handler)
	handler = h.securityHeaders(handler)
	return handler
}

// Start begins serving. It blocks until the listener closes.
func (h *HTTPServer) Start() error {
	h.srv = &http.Server{
		Addr:              h.cfg.Addr,
		Handler:           h.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	h.logger.Info("starting HTTP transport", "addr", h.cfg.Addr, "basePath", h.cfg.BasePath, "tools", h.core.registry.Len())
	return h.srv.ListenAndServe()
}

// Shutdown drains in-flight requests until ctx expires.
func (h *HTTPServer) Shutdown(ctx context.Context) error {
	if h.srv == nil {
		return nil
	}
	return h.srv.Shutdown(ctx)
}

// --- middleware ---

// securityHeaders applies CORS and security headers. These annotate or
// permit the request, they never gate it.
func (h *HTTPServer) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+auth.TokenHeader)
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withRequestContext assigns the per-call dispatch context: request id,
// transport, arrival time, client address, and the extracted bearer token.
func (h *HTTPServer) withRequestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		req := dispatch.NewRequest("http", host, auth.TokenFromRequest(r))
		ctx := context.WithValue(r.Context(), requestContextKey, req)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *HTTPServer) bodyLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// timeoutGuard emits a 408 if the handler has not started writing by the
// configured timeout. Late writes from the handler are dropped.
func (h *HTTPServer) timeoutGuard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gw := &guardedWriter{rw: w, header: make(http.Header), timedOut: make(chan struct{})}
		done := make(chan struct{})
		timer := time.AfterFunc(h.cfg.RequestTimeout, func() {
			if gw.timeOut() {
				h.logger.Warn("request timed out before response", "path", r.URL.Path)
			}
		})
		defer timer.Stop()

		go func() {
			next.ServeHTTP(gw, r)
			close(done)
		}()

		select {
		case <-done:
		case <-gw.timedOut:
		}
	})
}

// guardedWriter serializes the race between the handler's first write and
// the timeout guard. Whoever moves first wins; the loser's writes are
// silently discarded. The handler never sees the connection's header map:
// it writes into a private copy flushed on its winning write, so a handler
// that finishes after the 408 cannot mutate connection state from an
// abandoned goroutine.
type guardedWriter struct {
	rw       http.ResponseWriter
	header   http.Header
	mu       sync.Mutex
	wrote    bool
	expired  bool
	timedOut chan struct{}
}

func (g *guardedWriter) Header() http.Header {
	return g.header
}

func (g *guardedWriter) WriteHeader(code int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.expired || g.wrote {
		return
	}
	g.wrote = true
	g.flushHeader()
	g.rw.WriteHeader(code)
}

func (g *guardedWriter) Write(b []byte) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.expired {
		return len(b), nil
	}
	if !g.wrote {
		g.wrote = true
		g.flushHeader()
	}
	return g.rw.Write(b)
}

// flushHeader copies the buffered headers onto the connection. Callers hold
// g.mu and have claimed the response.
func (g *guardedWriter) flushHeader() {
	dst := g.rw.Header()
	for k, v := range g.header {
		dst[k] = v
	}
}

// timeOut attempts to claim the response for the guard. It reports whether
// the 408 was written.
func (g *guardedWriter) timeOut() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.wrote || g.expired {
		return false
	}
	g.expired = true
	g.rw.Header().Set("Content-Type", "application/json")
	g.rw.WriteHeader(http.StatusRequestTimeout)
	_ = json.NewEncoder(g.rw).Encode(map[string]any{
		"error":     "request timeout",
		"timestamp": time.Now(),
	})
	close(g.timedOut)
	return true
}

// requireAuth verifies the bearer token before routing. Routes under the
// public allow-list never pass through here.
func (h *HTTPServer) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := requestFrom(r)
		cred, err := h.gate.Verify(req.Token)
		if err != nil {
			h.logger.Warn("authentication failed", "path", r.URL.Path, "error", err)
			h.respondError(w, r, toolkit.Authenticationf("%s", auth.FailureMessage(err)))
			return
		}
		req.Credential = cred
		next.ServeHTTP(w, r)
	})
}

// --- handlers ---

func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.tracker.GetHealth(h.core.registry.Len()))
}

func (h *HTTPServer) handleInfo(w http.ResponseWriter, r *http.Request) {
	bp := h.cfg.BasePath
	respondJSON(w, http.StatusOK, map[string]any{
		"name":            h.core.info.Name,
		"version":         h.core.info.Version,
		"protocolVersion": protocolVersion,
		"state":           h.tracker.State().String(),
		"toolCount":       h.core.registry.Len(),
		"endpoints": map[string]string{
			"health": bp + "/health",
			"info":   bp + "/info",
			"rpc":    bp + "/rpc",
			"tools":  bp + "/tools",
			"call":   bp + "/tools/{name}",
		},
	})
}

func (h *HTTPServer) handleRPC(w http.ResponseWriter, r *http.Request) {
	var rpcReq toolkit.JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&rpcReq); err != nil {
		respondJSON(w, http.StatusBadRequest, &toolkit.JSONRPCResponse{
			JSONRPC: "2.0",
			Error:   &toolkit.RPCError{Code: toolkit.CodeParseError, Message: "parse error"},
		})
		return
	}

	req := requestFrom(r)
	resp := h.core.handle(r.Context(), &rpcReq, func() *dispatch.Request {
		// requireAuth already verified the credential for this route.
		req.SkipAuth = true
		return req
	})
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

func (h *HTTPServer) handleToolsList(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, &toolkit.ToolsListResult{Tools: h.core.registry.List()})
}

func (h *HTTPServer) handleToolPost(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	var args map[string]any
	if err := json.NewDecoder(r.Body).Decode(&args); err != nil {
		h.respondError(w, r, toolkit.Validationf("invalid request body"))
		return
	}
	h.dispatchTool(w, r, name, args)
}

// handleToolGet is the alternate execution path for read-only and public
// actions: arguments travel as query parameters, with "data" accepted as a
// JSON-encoded object.
func (h *HTTPServer) handleToolGet(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	args := make(map[string]any)
	for key, values := range r.URL.Query() {
		if len(values) == 0 {
			continue
		}
		if key == "data" {
			var data map[string]any
			if err := json.Unmarshal([]byte(values[0]), &data); err != nil {
				h.respondError(w, r, toolkit.Validationf("field data: invalid JSON"))
				return
			}
			args[key] = data
			continue
		}
		args[key] = values[0]
	}
	h.dispatchTool(w, r, name, args)
}

func (h *HTTPServer) dispatchTool(w http.ResponseWriter, r *http.Request, name string, args map[string]any) {
	req := requestFrom(r)
	result, derr := h.core.dispatcher.Dispatch(r.Context(), name, args, req)
	status := http.StatusOK
	if derr != nil {
		status = derr.HTTPStatus()
	}
	respondJSON(w, status, result)
}

// --- helpers ---

func requestFrom(r *http.Request) *dispatch.Request {
	if req, ok := r.Context().Value(requestContextKey).(*dispatch.Request); ok {
		return req
	}
	return dispatch.NewRequest("http", r.RemoteAddr, auth.TokenFromRequest(r))
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// respondError writes a failure envelope carrying the request id and
// timestamp so callers can correlate with server logs.
func (h *HTTPServer) respondError(w http.ResponseWriter, r *http.Request, derr *toolkit.Error) {
	req := requestFrom(r)
	respondJSON(w, derr.HTTPStatus(), &toolkit.ToolResult{
		Success: false,
		Error:   derr.Message,
		Data:    derr.Data,
		Metadata: toolkit.ResultMeta{
			Timestamp: time.Now(),
			RequestID: req.RequestID,
		},
	})
}
