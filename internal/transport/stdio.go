package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/RobinCoderZhao/toolgate/internal/dispatch"
	"github.com/RobinCoderZhao/toolgate/pkg/toolkit"
)

// StdioServer serves newline-delimited JSON-RPC 2.0 frames over a
// process pipe.
//
// No authentication is applied on this transport. That is a deliberate
// trust boundary: the pipe is assumed to connect two processes under the
// same local trust domain, typically a supervisor spawning this server as a
// child. Do not expose this transport across a network boundary.
type StdioServer struct {
	core   *rpcCore
	in     io.Reader
	out    io.Writer
	logger *slog.Logger
}

// NewStdioServer creates a stdio adapter reading frames from in and writing
// responses to out.
func NewStdioServer(registry *toolkit.Registry, dispatcher *dispatch.Dispatcher, info toolkit.ServerInfo, in io.Reader, out io.Writer, logger *slog.Logger) *StdioServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioServer{
		core:   &rpcCore{registry: registry, dispatcher: dispatcher, info: info, logger: logger},
		in:     in,
		out:    out,
		logger: logger,
	}
}

// Run processes frames until the input stream closes or ctx is cancelled.
// Messages arrive serialized by the pipe itself, so handling is
// single-stream.
func (s *StdioServer) Run(ctx context.Context) error {
	s.logger.Info("starting stdio transport", "server", s.core.info.Name, "tools", s.core.registry.Len())

	decoder := json.NewDecoder(s.in)
	encoder := json.NewEncoder(s.out)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		var req toolkit.JSONRPCRequest
		if err := decoder.Decode(&req); err != nil {
			if err == io.EOF {
				return nil
			}
			// A malformed frame is a transport-level fault: answer with a
			// parse error and keep reading is not possible once the decoder
			// desynchronizes, so report and stop.
			_ = encoder.Encode(&toolkit.JSONRPCResponse{
				JSONRPC: "2.0",
				Error:   &toolkit.RPCError{Code: toolkit.CodeParseError, Message: "parse error"},
			})
			return fmt.Errorf("decode frame: %w", err)
		}

		resp := s.core.handle(ctx, &req, func() *dispatch.Request {
			r := dispatch.NewRequest("stdio", "stdio", "")
			r.SkipAuth = true
			return r
		})
		if resp == nil {
			continue
		}
		if err := encoder.Encode(resp); err != nil {
			return fmt.Errorf("encode response: %w", err)
		}
	}
}
