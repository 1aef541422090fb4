package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

// ToolHandler is a tool that the MCP server exposes to clients.
type ToolHandler struct {
	// Definition describes the tool (name, description, input schema).
	Definition ToolDefinition
	// Execute is called when the client invokes tools/call for this tool.
	// ctx is cancelled when the client sends notifications/cancelled for
	// the request or the server stops.
	Execute func(ctx context.Context, args json.RawMessage) ToolCallResult
}

// Resource is a readable data source exposed via MCP resources/list and resources/read.
type Resource struct {
	URI         string
	Name        string
	Description string
	MimeType    string
	// Read returns the resource content. Called on each resources/read request.
	Read func() string
}

// ResourceTemplate is a family of resources whose members change at
// runtime, such as one resource per conversation.
type ResourceTemplate struct {
	URITemplate string
	Name        string
	Description string
	MimeType    string
	// List returns the current members. Their Read fields are ignored.
	List func() []Resource
	// Read returns the content of uri and whether uri belongs to the template.
	Read func(uri string) (string, bool)
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the structured logger. Logs must not go to stdout,
// which carries the protocol.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// Server is an MCP server that communicates over stdio using JSON-RPC 2.0.
// Register tools and resources before calling Serve.
//
// Tool calls run concurrently with the read loop, so a client can cancel
// a long call or issue another one while it is in flight.
type Server struct {
	name    string
	version string

	tools     []ToolHandler
	resources []Resource
	templates []ResourceTemplate
	logger    *slog.Logger

	// reader/writer can be overridden for testing (defaults to stdin/stdout).
	reader io.Reader
	writer io.Writer
	mu     sync.Mutex // protects writes

	stateMu  sync.Mutex
	subs     map[string]struct{}
	inflight map[string]context.CancelFunc
	wg       sync.WaitGroup
}

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates an MCP server with the given name and version.
func New(name, version string, opts ...Option) *Server {
	s := &Server{
		name:     name,
		version:  version,
		logger:   nopLogger,
		reader:   os.Stdin,
		writer:   os.Stdout,
		subs:     make(map[string]struct{}),
		inflight: make(map[string]context.CancelFunc),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// AddTool registers a tool handler. Must be called before Serve.
func (s *Server) AddTool(h ToolHandler) {
	s.tools = append(s.tools, h)
}

// AddResource registers a resource. Must be called before Serve.
func (s *Server) AddResource(r Resource) {
	s.resources = append(s.resources, r)
}

// AddResourceTemplate registers a resource template. Must be called before Serve.
func (s *Server) AddResourceTemplate(t ResourceTemplate) {
	s.templates = append(s.templates, t)
}

// Serve runs the MCP server, reading JSON-RPC messages from stdin and writing
// responses to stdout. Blocks until stdin is closed or ctx is cancelled, then
// waits for in-flight tool calls to finish.
func (s *Server) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		s.wg.Wait()
	}()

	scanner := bufio.NewScanner(s.reader)
	scanner.Buffer(make([]byte, 0, 10<<20), 10<<20) // 10MB max message

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		s.handleMessage(ctx, line)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("mcp: read stdin: %w", err)
	}
	// Input ended; let running calls complete.
	s.wg.Wait()
	return nil
}

// NotifyUpdated tells the client that uri changed, if the client
// subscribed to it.
func (s *Server) NotifyUpdated(uri string) {
	s.stateMu.Lock()
	_, ok := s.subs[uri]
	s.stateMu.Unlock()
	if !ok {
		return
	}
	s.write(notification{
		JSONRPC: "2.0",
		Method:  "notifications/resources/updated",
		Params:  resourceURIParams{URI: uri},
	})
}

// NotifyListChanged tells the client that the set of resources changed.
func (s *Server) NotifyListChanged() {
	s.write(notification{JSONRPC: "2.0", Method: "notifications/resources/list_changed"})
}

// Subscribed reports whether the client subscribed to uri.
func (s *Server) Subscribed(uri string) bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	_, ok := s.subs[uri]
	return ok
}

// handleMessage parses a single JSON-RPC message (or batch) and dispatches it.
func (s *Server) handleMessage(ctx context.Context, data []byte) {
	// Check for batch (JSON array).
	if len(data) > 0 && data[0] == '[' {
		var batch []json.RawMessage
		if err := json.Unmarshal(data, &batch); err != nil {
			s.write(response{
				JSONRPC: "2.0",
				ID:      json.RawMessage("null"),
				Error:   &rpcError{Code: errCodeParse, Message: "parse error"},
			})
			return
		}
		for _, raw := range batch {
			s.handleSingleMessage(ctx, raw)
		}
		return
	}

	s.handleSingleMessage(ctx, data)
}

// handleSingleMessage parses and dispatches a single JSON-RPC request.
func (s *Server) handleSingleMessage(ctx context.Context, data []byte) {
	var req request
	if err := json.Unmarshal(data, &req); err != nil {
		s.write(response{
			JSONRPC: "2.0",
			ID:      json.RawMessage("null"),
			Error:   &rpcError{Code: errCodeParse, Message: "parse error"},
		})
		return
	}
	if req.JSONRPC != "2.0" {
		if !req.isNotification() {
			s.write(*s.respondError(req.ID, errCodeInvalidRequest, "invalid request: jsonrpc must be \"2.0\""))
		}
		return
	}

	if req.Method == "tools/call" && !req.isNotification() {
		s.startToolCall(ctx, &req)
		return
	}

	resp := s.dispatch(ctx, &req)
	if resp != nil {
		s.write(*resp)
	}
}

// startToolCall runs a tools/call request in its own goroutine under a
// context that notifications/cancelled can cancel.
func (s *Server) startToolCall(ctx context.Context, req *request) {
	key := string(req.ID)
	callCtx, cancel := context.WithCancel(ctx)
	s.stateMu.Lock()
	s.inflight[key] = cancel
	s.stateMu.Unlock()

	s.wg.Go(func() {
		defer func() {
			s.stateMu.Lock()
			delete(s.inflight, key)
			s.stateMu.Unlock()
			cancel()
		}()
		resp := s.handleToolsCall(callCtx, req)
		if callCtx.Err() != nil && ctx.Err() == nil {
			// Cancelled by the client: no response is expected.
			return
		}
		s.write(*resp)
	})
}

// dispatch routes a request to the appropriate handler. Returns nil for notifications.
func (s *Server) dispatch(ctx context.Context, req *request) *response {
	switch req.Method {
	case "initialize":
		return s.handleInitialize(req)
	case "notifications/initialized":
		return nil // notification, no response
	case "notifications/cancelled":
		s.handleCancelled(req)
		return nil
	case "ping":
		return s.respond(req.ID, struct{}{})
	case "tools/list":
		return s.handleToolsList(req)
	case "resources/list":
		return s.handleResourcesList(req)
	case "resources/templates/list":
		return s.handleTemplatesList(req)
	case "resources/read":
		return s.handleResourcesRead(req)
	case "resources/subscribe":
		return s.handleSubscribe(req, true)
	case "resources/unsubscribe":
		return s.handleSubscribe(req, false)
	default:
		if req.isNotification() {
			return nil
		}
		return s.respondError(req.ID, errCodeMethodNotFound, "method not found: "+req.Method)
	}
}

// --- handlers ---

func (s *Server) handleInitialize(req *request) *response {
	var params initializeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return s.respondError(req.ID, errCodeInvalidParams, "invalid params: "+err.Error())
		}
	}
	s.logger.Info("mcp: client connected", "client", params.ClientInfo.Name, "version", params.ClientInfo.Version,
		"protocol", params.ProtocolVersion)

	caps := serverCapabilities{}
	if len(s.tools) > 0 {
		caps.Tools = &capability{}
	}
	if len(s.resources) > 0 || len(s.templates) > 0 {
		caps.Resources = &capability{Subscribe: true, ListChanged: len(s.templates) > 0}
	}

	return s.respond(req.ID, initializeResult{
		ProtocolVersion: protocolVersion,
		Capabilities:    caps,
		ServerInfo:      serverInfo{Name: s.name, Version: s.version},
	})
}

func (s *Server) handleCancelled(req *request) {
	var params cancelledParams
	if err := json.Unmarshal(req.Params, &params); err != nil || len(params.RequestID) == 0 {
		return
	}
	s.stateMu.Lock()
	cancel, ok := s.inflight[string(params.RequestID)]
	s.stateMu.Unlock()
	if ok {
		s.logger.Debug("mcp: request cancelled", "id", string(params.RequestID), "reason", params.Reason)
		cancel()
	}
}

func (s *Server) handleToolsList(req *request) *response {
	defs := make([]ToolDefinition, len(s.tools))
	for i, t := range s.tools {
		defs[i] = t.Definition
	}
	return s.respond(req.ID, toolsListResult{Tools: defs})
}

func (s *Server) handleToolsCall(ctx context.Context, req *request) *response {
	var params toolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return s.respondError(req.ID, errCodeInvalidParams, "invalid params: "+err.Error())
	}

	for _, t := range s.tools {
		if t.Definition.Name == params.Name {
			result := s.execute(ctx, t, params.Arguments)
			return s.respond(req.ID, result)
		}
	}

	return s.respond(req.ID, ErrorResult("unknown tool: "+params.Name))
}

func (s *Server) execute(ctx context.Context, t ToolHandler, args json.RawMessage) (result ToolCallResult) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("mcp: tool panicked", "tool", t.Definition.Name, "panic", p)
			result = ErrorResult(fmt.Sprintf("tool %s panicked: %v", t.Definition.Name, p))
		}
	}()
	return t.Execute(ctx, args)
}

func (s *Server) handleResourcesList(req *request) *response {
	defs := make([]resourceDef, 0, len(s.resources))
	for _, r := range s.resources {
		defs = append(defs, resourceDefOf(r))
	}
	for _, t := range s.templates {
		if t.List == nil {
			continue
		}
		for _, r := range t.List() {
			if r.MimeType == "" {
				r.MimeType = t.MimeType
			}
			defs = append(defs, resourceDefOf(r))
		}
	}
	return s.respond(req.ID, resourcesListResult{Resources: defs})
}

func resourceDefOf(r Resource) resourceDef {
	return resourceDef{
		URI:         r.URI,
		Name:        r.Name,
		Description: r.Description,
		MimeType:    r.MimeType,
	}
}

func (s *Server) handleTemplatesList(req *request) *response {
	defs := make([]templateDef, len(s.templates))
	for i, t := range s.templates {
		defs[i] = templateDef{
			URITemplate: t.URITemplate,
			Name:        t.Name,
			Description: t.Description,
			MimeType:    t.MimeType,
		}
	}
	return s.respond(req.ID, templatesListResult{ResourceTemplates: defs})
}

func (s *Server) handleResourcesRead(req *request) *response {
	var params resourceURIParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return s.respondError(req.ID, errCodeInvalidParams, "invalid params: "+err.Error())
	}

	for _, r := range s.resources {
		if r.URI == params.URI {
			return s.respond(req.ID, resourceReadResult{
				Contents: []resourceContent{{
					URI:      r.URI,
					MimeType: r.MimeType,
					Text:     r.Read(),
				}},
			})
		}
	}
	for _, t := range s.templates {
		if t.Read == nil {
			continue
		}
		if text, ok := t.Read(params.URI); ok {
			return s.respond(req.ID, resourceReadResult{
				Contents: []resourceContent{{URI: params.URI, MimeType: t.MimeType, Text: text}},
			})
		}
	}

	return s.respondError(req.ID, errCodeInvalidParams, "resource not found: "+params.URI)
}

func (s *Server) handleSubscribe(req *request, subscribe bool) *response {
	var params resourceURIParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.URI == "" {
		return s.respondError(req.ID, errCodeInvalidParams, "invalid params: uri is required")
	}
	s.stateMu.Lock()
	if subscribe {
		s.subs[params.URI] = struct{}{}
	} else {
		delete(s.subs, params.URI)
	}
	s.stateMu.Unlock()
	s.logger.Debug("mcp: subscription changed", "uri", params.URI, "subscribed", subscribe)
	return s.respond(req.ID, struct{}{})
}

// --- response helpers ---

func (s *Server) respond(id json.RawMessage, result any) *response {
	return &response{JSONRPC: "2.0", ID: id, Result: result}
}

func (s *Server) respondError(id json.RawMessage, code int, message string) *response {
	return &response{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: message}}
}

// write marshals msg as one line. Responses and notifications from
// concurrent goroutines never interleave.
func (s *Server) write(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("mcp: marshal message", "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	data = append(data, '\n')
	if _, err := s.writer.Write(data); err != nil {
		s.logger.Error("mcp: write message", "error", err)
	}
}
