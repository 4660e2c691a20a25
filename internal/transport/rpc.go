// Package transport contains the adapters that decode inbound protocol
// frames into dispatch calls and encode dispatch results back into frames.
// Two transports are supported: a stdio process-pipe channel and HTTP.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/RobinCoderZhao/toolgate/internal/dispatch"
	"github.com/RobinCoderZhao/toolgate/pkg/toolkit"
)

// protocolVersion is the MCP protocol revision this server speaks.
const protocolVersion = "2024-11-05"

// rpcCore implements the JSON-RPC 2.0 method surface shared by both
// transports: initialize, tools/list, and tools/call.
type rpcCore struct {
	registry   *toolkit.Registry
	dispatcher *dispatch.Dispatcher
	info       toolkit.ServerInfo
	logger     *slog.Logger
}

// handle processes one request. newReq builds the per-call dispatch context
// for the owning transport. A nil return means the message was a
// notification and no response is written.
func (c *rpcCore) handle(ctx context.Context, req *toolkit.JSONRPCRequest, newReq func() *dispatch.Request) *toolkit.JSONRPCResponse {
	resp := &toolkit.JSONRPCResponse{JSONRPC: "2.0", ID: req.ID}

	if req.JSONRPC != "2.0" {
		resp.Error = &toolkit.RPCError{Code: toolkit.CodeInvalidRequest, Message: "invalid request: jsonrpc must be \"2.0\""}
		return resp
	}

	switch req.Method {
	case "initialize":
		resp.Result = &toolkit.InitializeResult{
			ProtocolVersion: protocolVersion,
			Capabilities: toolkit.ServerCapabilities{
				Tools: toolkit.ToolsCapability{ListChanged: false},
			},
			ServerInfo: c.info,
		}
	case "notifications/initialized":
		c.logger.Info("client initialized")
		return nil
	case "tools/list":
		resp.Result = &toolkit.ToolsListResult{Tools: c.registry.List()}
	case "tools/call":
		resp.Result, resp.Error = c.handleToolCall(ctx, req.Params, newReq())
	default:
		resp.Error = &toolkit.RPCError{
			Code:    toolkit.CodeMethodNotFound,
			Message: fmt.Sprintf("method not found: %s", req.Method),
		}
	}
	return resp
}

// handleToolCall dispatches a tools/call request. On success the
// dispatcher's envelope is the result; a dispatch failure becomes a
// JSON-RPC error with the taxonomy's code mapping, carrying the failure
// envelope in data so callers keep the requestId correlation.
func (c *rpcCore) handleToolCall(ctx context.Context, params any, req *dispatch.Request) (any, *toolkit.RPCError) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, &toolkit.RPCError{Code: toolkit.CodeInvalidParams, Message: "invalid params"}
	}

	var call struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal(raw, &call); err != nil {
		return nil, &toolkit.RPCError{Code: toolkit.CodeInvalidParams, Message: "invalid params"}
	}

	result, derr := c.dispatcher.Dispatch(ctx, call.Name, call.Arguments, req)
	if derr != nil {
		return nil, &toolkit.RPCError{Code: derr.RPCCode(), Message: derr.Message, Data: result}
	}
	return result, nil
}
