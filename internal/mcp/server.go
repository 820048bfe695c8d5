// Package mcp implements the line-delimited JSON-RPC 2.0 dispatcher
// that exposes the bridge as MCP tools on stdin/stdout.
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/meszmate/jabber-mcp/internal/bridge"
	"github.com/meszmate/jabber-mcp/internal/logging"
)

// ProtocolVersion is the MCP protocol revision this server speaks.
// Clients announcing other revisions are accepted with a warning.
const ProtocolVersion = "2024-11-05"

// defaultCallTimeout bounds a single tools/call execution.
const defaultCallTimeout = 2 * time.Second

// maxLineSize bounds a single JSON-RPC line (10MB).
const maxLineSize = 10 * 1024 * 1024

// Tool describes one entry of the tools/list response.
type Tool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`
}

// ToolResult is what a tool handler produces: a human-readable text
// block plus structured fields merged into the JSON-RPC result.
type ToolResult struct {
	Text   string
	Fields map[string]interface{}
}

// ToolHandler executes one tool call.
type ToolHandler func(ctx context.Context, args map[string]interface{}) (*ToolResult, error)

// ToolError is an application-level failure surfaced to the caller as
// a -32603 error with a structured data.kind field.
type ToolError struct {
	Kind    string
	Message string
	Data    map[string]interface{}
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// paramError marks invalid tool arguments; it maps to -32602.
type paramError struct {
	msg string
}

func (e *paramError) Error() string { return e.msg }

func invalidParams(format string, args ...interface{}) error {
	return &paramError{msg: fmt.Sprintf(format, args...)}
}

// Request is an incoming JSON-RPC message.
type Request struct {
	JSONRPC string                 `json:"jsonrpc"`
	ID      interface{}            `json:"id"`
	Method  string                 `json:"method"`
	Params  map[string]interface{} `json:"params,omitempty"`
}

// Response is an outgoing JSON-RPC reply.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

// Error is the JSON-RPC error object.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

type wireNotification struct {
	JSONRPC string                 `json:"jsonrpc"`
	Method  string                 `json:"method"`
	Params  map[string]interface{} `json:"params,omitempty"`
}

// Server reads requests line by line from input and writes replies and
// notifications to output. Output writes are serialized so the
// notification pump and the request loop never interleave lines.
type Server struct {
	name    string
	version string
	log     *logging.Logger

	mu        sync.RWMutex
	tools     map[string]*Tool
	toolOrder []string
	handlers  map[string]ToolHandler

	input  io.Reader
	output io.Writer
	outMu  sync.Mutex

	callTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer creates a dispatcher bound to stdin/stdout.
func NewServer(name, version string, log *logging.Logger) *Server {
	if log == nil {
		log = logging.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		name:        name,
		version:     version,
		log:         log,
		tools:       make(map[string]*Tool),
		handlers:    make(map[string]ToolHandler),
		input:       os.Stdin,
		output:      os.Stdout,
		callTimeout: defaultCallTimeout,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// SetIO redirects the wire, used by tests and by embedding callers.
func (s *Server) SetIO(input io.Reader, output io.Writer) {
	s.input = input
	s.output = output
}

// AddTool registers a tool. Registration order is the tools/list order.
func (s *Server) AddTool(tool *Tool, handler ToolHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tools[tool.Name]; !exists {
		s.toolOrder = append(s.toolOrder, tool.Name)
	}
	s.tools[tool.Name] = tool
	s.handlers[tool.Name] = handler
}

// Run reads the wire until EOF or Stop.
func (s *Server) Run() error {
	scanner := bufio.NewScanner(s.input)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	for scanner.Scan() {
		select {
		case <-s.ctx.Done():
			return nil
		default:
		}

		line := scanner.Text()
		if line == "" {
			continue
		}
		s.handleLine(line)
	}
	return scanner.Err()
}

// Stop makes Run return after the current message.
func (s *Server) Stop() {
	s.cancel()
}

// PumpNotifications forwards bridge notifications onto the wire until
// the channel closes. Run it in its own goroutine.
func (s *Server) PumpNotifications(ch <-chan bridge.Notification) {
	for n := range ch {
		s.sendNotification(n.Method, n.Params)
	}
}

func (s *Server) handleLine(line string) {
	var req Request
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		// Best effort at echoing the ID back.
		var raw map[string]interface{}
		var id interface{}
		if json.Unmarshal([]byte(line), &raw) == nil {
			id = raw["id"]
		}
		s.sendError(id, -32700, "Parse error", map[string]interface{}{"detail": err.Error()})
		return
	}

	// Notifications carry no ID and get no reply.
	if req.Method == "initialized" || req.Method == "notifications/initialized" {
		s.log.Debug("mcp: client finished initialization")
		return
	}

	if req.ID == nil {
		s.log.Warn("mcp: dropping request without id: %s", req.Method)
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != "2.0" {
		s.sendError(req.ID, -32600, "Invalid request", map[string]interface{}{
			"detail": fmt.Sprintf("unsupported jsonrpc version %q", req.JSONRPC),
		})
		return
	}

	switch req.Method {
	case "initialize":
		s.handleInitialize(&req)
	case "tools/list":
		s.handleToolsList(&req)
	case "tools/call":
		s.handleToolsCall(&req)
	case "ping":
		s.sendResponse(req.ID, map[string]interface{}{})
	default:
		s.sendError(req.ID, -32601, "Method not found", map[string]interface{}{"method": req.Method})
	}
}

func (s *Server) handleInitialize(req *Request) {
	if v, ok := req.Params["protocolVersion"].(string); ok && v != ProtocolVersion {
		s.log.Warn("mcp: client speaks protocol %q, continuing with %q", v, ProtocolVersion)
	}

	s.sendResponse(req.ID, map[string]interface{}{
		"protocolVersion": ProtocolVersion,
		"capabilities": map[string]interface{}{
			"tools": map[string]interface{}{"listChanged": false},
		},
		"serverInfo": map[string]interface{}{
			"name":    s.name,
			"version": s.version,
		},
	})
}

func (s *Server) handleToolsList(req *Request) {
	s.mu.RLock()
	tools := make([]*Tool, 0, len(s.toolOrder))
	for _, name := range s.toolOrder {
		if tool, ok := s.tools[name]; ok {
			tools = append(tools, tool)
		}
	}
	s.mu.RUnlock()

	s.sendResponse(req.ID, map[string]interface{}{"tools": tools})
}

func (s *Server) handleToolsCall(req *Request) {
	name, ok := req.Params["name"].(string)
	if !ok || name == "" {
		s.sendError(req.ID, -32602, "Invalid params", map[string]interface{}{"detail": "missing tool name"})
		return
	}
	args, _ := req.Params["arguments"].(map[string]interface{})
	if args == nil {
		args = make(map[string]interface{})
	}

	s.mu.RLock()
	handler, exists := s.handlers[name]
	s.mu.RUnlock()
	if !exists {
		s.sendError(req.ID, -32601, "Method not found", map[string]interface{}{"tool": name})
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.callTimeout)
	defer cancel()

	result, err := handler(ctx, args)
	if err != nil {
		s.sendToolError(req.ID, name, err)
		return
	}

	payload := map[string]interface{}{
		"content": []map[string]interface{}{
			{"type": "text", "text": result.Text},
		},
	}
	for k, v := range result.Fields {
		payload[k] = v
	}
	s.sendResponse(req.ID, payload)
}

// sendToolError maps handler failures onto the JSON-RPC error space:
// bad arguments are -32602, everything else is -32603 with the
// application kind in data.kind.
func (s *Server) sendToolError(id interface{}, tool string, err error) {
	var perr *paramError
	if errors.As(err, &perr) {
		s.sendError(id, -32602, "Invalid params", map[string]interface{}{
			"tool":   tool,
			"detail": perr.msg,
		})
		return
	}

	data := map[string]interface{}{"tool": tool}
	var terr *ToolError
	switch {
	case errors.As(err, &terr):
		data["kind"] = terr.Kind
		data["detail"] = terr.Message
		for k, v := range terr.Data {
			data[k] = v
		}
	case errors.Is(err, context.DeadlineExceeded):
		data["kind"] = bridge.KindTimeout
		data["detail"] = "tool call exceeded deadline"
	default:
		data["kind"] = bridge.KindInternal
		data["detail"] = err.Error()
	}

	s.log.Warn("mcp: tool %s failed: %v", tool, err)
	s.sendError(id, -32603, "Tool execution failed", data)
}

func (s *Server) sendResponse(id, result interface{}) {
	s.writeLine(Response{JSONRPC: "2.0", ID: id, Result: result})
}

func (s *Server) sendError(id interface{}, code int, message string, data interface{}) {
	s.writeLine(Response{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &Error{Code: code, Message: message, Data: data},
	})
}

func (s *Server) sendNotification(method string, params map[string]interface{}) {
	s.writeLine(wireNotification{JSONRPC: "2.0", Method: method, Params: params})
}

func (s *Server) writeLine(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		s.log.Error("mcp: marshal failed: %v", err)
		return
	}

	s.outMu.Lock()
	defer s.outMu.Unlock()
	if _, err := fmt.Fprintf(s.output, "%s\n", data); err != nil {
		s.log.Error("mcp: write failed: %v", err)
	}
}
