// Package dispatch implements the request dispatch core: an ordered,
// short-circuiting pipeline of authentication, authorization, rate
// limiting, tool resolution, input validation, and deadline-bound
// execution, producing a uniform result envelope for every accepted
// request.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/RobinCoderZhao/toolgate/internal/auth"
	"github.com/RobinCoderZhao/toolgate/internal/lifecycle"
	"github.com/RobinCoderZhao/toolgate/internal/ratelimit"
	"github.com/RobinCoderZhao/toolgate/pkg/toolkit"
)

// DefaultTimeout bounds tool execution when no timeout is configured.
const DefaultTimeout = 30 * time.Second

// Request is the per-call context created by a transport adapter and
// destroyed when the response is emitted.
type Request struct {
	RequestID  string
	Transport  string // "stdio" or "http"
	ReceivedAt time.Time
	RemoteAddr string

	// Token is the raw bearer token, empty when the carrier had none.
	Token string
	// SkipAuth marks transports running inside a trusted boundary (stdio).
	SkipAuth bool

	// Credential is populated by the pipeline after authentication.
	Credential *auth.Credential
}

// NewRequest creates a request context for the given transport.
func NewRequest(transport, remoteAddr, token string) *Request {
	return &Request{
		RequestID:  uuid.NewString(),
		Transport:  transport,
		ReceivedAt: time.Now(),
		RemoteAddr: remoteAddr,
		Token:      token,
	}
}

// Dispatcher orchestrates tool calls. It never lets a failure escape past
// its boundary: every outcome, including panics inside a tool, becomes a
// ToolResult envelope plus a tagged error for transports that need a status
// code.
type Dispatcher struct {
	registry *toolkit.Registry
	gate     *auth.Gate
	limiter  *ratelimit.Limiter
	tracker  *lifecycle.Tracker
	timeout  time.Duration
	logger   *slog.Logger
}

// New creates a dispatcher over the given collaborators.
func New(registry *toolkit.Registry, gate *auth.Gate, limiter *ratelimit.Limiter, tracker *lifecycle.Tracker, timeout time.Duration, logger *slog.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		registry: registry,
		gate:     gate,
		limiter:  limiter,
		tracker:  tracker,
		timeout:  timeout,
		logger:   logger,
	}
}

// Dispatch runs the pipeline for one tool call. The returned ToolResult is
// always non-nil; the returned *toolkit.Error is nil on success and carries
// the HTTP status / JSON-RPC code mapping on failure.
func (d *Dispatcher) Dispatch(ctx context.Context, toolName string, args map[string]any, req *Request) (result *toolkit.ToolResult, derr *toolkit.Error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic in dispatch", "tool", toolName, "panic", r)
			derr = toolkit.Internalf("internal error")
			result = d.fail(req, start, toolName, derr)
		}
	}()

	if args == nil {
		args = map[string]any{}
	}
	action, _ := args["action"].(string)

	// 1. Authentication, unless the transport is trusted or the action is
	// on the public allow-list.
	if !req.SkipAuth && !d.gate.IsPublicAction(action) {
		cred, err := d.gate.Verify(req.Token)
		if err != nil {
			d.logger.Warn("authentication failed", "tool", toolName, "transport", req.Transport, "error", err)
			derr = toolkit.Authenticationf("%s", auth.FailureMessage(err))
			return d.fail(req, start, toolName, derr), derr
		}
		req.Credential = cred
	}

	// 2. Authorization: executing a tool requires the execute permission.
	// Public actions and trusted transports carry no credential and are
	// covered by the allow-list above, not by the permission check.
	if req.Credential != nil && !req.Credential.HasPermission("execute") {
		derr = toolkit.Authorizationf("role %s lacks the execute permission", req.Credential.Role)
		return d.fail(req, start, toolName, derr), derr
	}

	// 3. Rate limiting, keyed by subject when authenticated, client address
	// otherwise.
	if err := d.limiter.Check(d.rateKey(req)); err != nil {
		derr = toolkit.RateLimitedf("rate limit exceeded, retry later")
		return d.fail(req, start, toolName, derr), derr
	}

	// 4. Tool resolution.
	tool, ok := d.registry.Get(toolName)
	if !ok {
		derr = toolkit.NotFoundError(toolName, d.registry.Names())
		return d.fail(req, start, toolName, derr), derr
	}

	// 5. Input validation against the declared schema.
	if err := toolkit.ValidateInput(tool.InputSchema(), args); err != nil {
		derr = err
		return d.fail(req, start, toolName, derr), derr
	}

	// 6. Deadline-bound execution.
	data, err := d.execute(ctx, tool, args)
	if err != nil {
		derr = toolkit.AsError(err)
		if derr.Kind == toolkit.KindInternal {
			d.logger.Error("tool execution failed", "tool", toolName, "requestId", req.RequestID, "error", err)
		}
		return d.fail(req, start, toolName, derr), derr
	}

	// 7. Envelope.
	result = &toolkit.ToolResult{
		Success: true,
		Data:    data,
		Metadata: toolkit.ResultMeta{
			ExecutionTimeMs: time.Since(start).Milliseconds(),
			Timestamp:       time.Now(),
			RequestID:       req.RequestID,
		},
	}

	// 8. Accounting.
	d.tracker.Record(toolName, time.Since(start), false, "")
	return result, nil
}

type executeResult struct {
	data any
	err  error
}

// execute runs the tool under the configured deadline. The tool runs in its
// own goroutine writing to a buffered channel; when the deadline elapses the
// dispatcher returns immediately and a late completion is discarded, never
// delivered to a caller that already received the timeout envelope.
func (d *Dispatcher) execute(ctx context.Context, tool toolkit.Handler, args map[string]any) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	done := make(chan executeResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- executeResult{err: toolkit.Internalf("tool panic: %v", r)}
			}
		}()
		data, err := tool.Execute(ctx, args)
		done <- executeResult{data: data, err: err}
	}()

	select {
	case res := <-done:
		return res.data, res.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, toolkit.Timeoutf("tool execution exceeded %s deadline", d.timeout)
		}
		return nil, toolkit.Internalf("request cancelled")
	}
}

// fail builds the failure envelope and records the outcome.
func (d *Dispatcher) fail(req *Request, start time.Time, toolName string, derr *toolkit.Error) *toolkit.ToolResult {
	d.tracker.Record(toolName, time.Since(start), true, derr.Message)
	return &toolkit.ToolResult{
		Success: false,
		Error:   derr.Message,
		Data:    derr.Data,
		Metadata: toolkit.ResultMeta{
			ExecutionTimeMs: time.Since(start).Milliseconds(),
			Timestamp:       time.Now(),
			RequestID:       req.RequestID,
		},
	}
}

func (d *Dispatcher) rateKey(req *Request) string {
	if req.Credential != nil {
		return req.Credential.Subject
	}
	if req.RemoteAddr != "" {
		return req.RemoteAddr
	}
	return "anonymous"
}
