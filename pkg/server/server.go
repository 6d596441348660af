// Package server speaks MCP to the hub's own client over line-delimited
// JSON-RPC, so that the hub looks like a single worker from the outside.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/zyahav/mcp-skills-hub/pkg/errors"
	"github.com/zyahav/mcp-skills-hub/pkg/protocol"
)

// supportedVersions are the protocol revisions the hub can answer in. A
// client asking for another one is offered the latest.
var supportedVersions = []string{protocol.DefaultProtocolVersion, "2025-06-18", "2025-03-26", "2024-11-05"}

// Backend serves the tool operations behind the server.
type Backend interface {
	ListTools(ctx context.Context) ([]protocol.Tool, error)
	CallTool(ctx context.Context, name string, arguments json.RawMessage) (*protocol.CallToolResult, error)
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithInstructions sets the instructions returned from initialize.
func WithInstructions(text string) Option {
	return func(s *Server) { s.instructions = text }
}

// Server answers one client. initialize and ping are answered inline;
// tools/list and tools/call run on their own goroutines so slow workers do
// not hold up the input loop.
type Server struct {
	backend      Backend
	info         protocol.Implementation
	instructions string
	logger       *slog.Logger

	out         atomic.Pointer[protocol.Writer]
	initialized atomic.Bool

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a server that introduces itself as info.
func New(backend Backend, info protocol.Implementation, opts ...Option) *Server {
	s := &Server{
		backend:  backend,
		info:     info,
		logger:   slog.Default(),
		inflight: make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "server")
	return s
}

// Serve reads requests from r and writes responses to w until r reaches EOF
// or ctx ends. On EOF it waits for in-flight requests to finish; when ctx
// ends they are cancelled first.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	out := protocol.NewWriter(w)
	s.out.Store(out)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type read struct {
		line []byte
		err  error
	}
	lines := make(chan read)
	go func() {
		reader := protocol.NewReader(r)
		for {
			line, err := reader.ReadLine()
			select {
			case lines <- read{line: line, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			cancel()
			s.wg.Wait()
			return ctx.Err()
		case in := <-lines:
			if in.err != nil {
				s.wg.Wait()
				if stderrors.Is(in.err, io.EOF) {
					s.logger.Debug("client closed input")
					return nil
				}
				return fmt.Errorf("failed to read from client: %w", in.err)
			}
			s.handleLine(ctx, out, in.line)
		}
	}
}

func (s *Server) handleLine(ctx context.Context, out *protocol.Writer, line []byte) {
	msg, err := protocol.Decode(line)
	if err != nil {
		s.logger.Warn("undecodable client message", "error", err)
		if stderrors.Is(err, protocol.ErrNotMessage) {
			s.write(out, protocol.NewErrorResponse(nil, protocol.CodeInvalidRequest, "Invalid request: "+err.Error()))
			return
		}
		s.write(out, protocol.NewErrorResponse(nil, protocol.CodeParseError, "Parse error: "+err.Error()))
		return
	}
	if msg.JSONRPC != protocol.Version {
		if msg.Kind() == protocol.KindRequest {
			s.write(out, protocol.NewErrorResponse(msg.ID, protocol.CodeInvalidRequest, "Invalid request: jsonrpc must be \"2.0\""))
		}
		return
	}

	switch msg.Kind() {
	case protocol.KindNotification:
		s.handleNotification(msg.Request())
	case protocol.KindRequest:
		s.handleRequest(ctx, out, msg.Request())
	default:
		// The hub never sends requests to its client, so responses are stray.
		s.logger.Debug("ignoring client response", "id", string(msg.ID))
	}
}

func (s *Server) handleNotification(req *protocol.Request) {
	switch req.Method {
	case protocol.MethodInitialized:
		s.initialized.Store(true)
		s.logger.Info("client initialized")
	case protocol.MethodCancelled:
		var params protocol.CancelledParams
		if err := json.Unmarshal(req.Params, &params); err != nil || protocol.IsNullID(params.RequestID) {
			s.logger.Debug("ignoring malformed cancellation", "params", string(req.Params))
			return
		}
		s.mu.Lock()
		cancel, ok := s.inflight[idKey(params.RequestID)]
		s.mu.Unlock()
		if ok {
			s.logger.Debug("request cancelled by client", "id", string(params.RequestID), "reason", params.Reason)
			cancel()
		}
	default:
		s.logger.Debug("ignoring client notification", "method", req.Method)
	}
}

func (s *Server) handleRequest(ctx context.Context, out *protocol.Writer, req *protocol.Request) {
	switch req.Method {
	case protocol.MethodInitialize:
		result, err := s.initialize(req.Params)
		s.reply(out, req.ID, result, err)
	case protocol.MethodPing:
		s.reply(out, req.ID, struct{}{}, nil)
	case protocol.MethodToolsList:
		s.async(ctx, out, req, func(ctx context.Context) (any, error) {
			tools, err := s.backend.ListTools(ctx)
			if err != nil {
				return nil, err
			}
			if tools == nil {
				tools = []protocol.Tool{}
			}
			return protocol.ListToolsResult{Tools: tools}, nil
		})
	case protocol.MethodToolsCall:
		var params protocol.CallToolParams
		if err := decodeParams(req.Params, &params); err != nil || params.Name == "" {
			s.write(out, protocol.NewErrorResponse(req.ID, protocol.CodeInvalidParams, "Invalid params: tools/call requires a tool name"))
			return
		}
		s.async(ctx, out, req, func(ctx context.Context) (any, error) {
			return s.backend.CallTool(ctx, params.Name, params.Arguments)
		})
	default:
		s.write(out, protocol.NewErrorResponse(req.ID, protocol.CodeMethodNotFound, "Method not found: "+req.Method))
	}
}

func (s *Server) initialize(raw json.RawMessage) (any, error) {
	var params protocol.InitializeParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, errors.New(errors.CodeInvalidInput, "invalid initialize params", err)
	}

	version := params.ProtocolVersion
	if !slices.Contains(supportedVersions, version) {
		version = protocol.DefaultProtocolVersion
	}
	s.logger.Info("client connected",
		"client", params.ClientInfo.Name,
		"client_version", params.ClientInfo.Version,
		"protocol_version", version,
	)

	return protocol.InitializeResult{
		ProtocolVersion: version,
		Capabilities:    json.RawMessage(`{"tools":{"listChanged":true}}`),
		ServerInfo:      s.info,
		Instructions:    s.instructions,
	}, nil
}

// async runs fn on its own goroutine with a context the client can cancel.
func (s *Server) async(ctx context.Context, out *protocol.Writer, req *protocol.Request, fn func(ctx context.Context) (any, error)) {
	key := idKey(req.ID)
	ctx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	if _, dup := s.inflight[key]; dup {
		s.mu.Unlock()
		cancel()
		s.write(out, protocol.NewErrorResponse(req.ID, protocol.CodeInvalidRequest, "Invalid request: duplicate request id"))
		return
	}
	s.inflight[key] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.inflight, key)
			s.mu.Unlock()
			cancel()
		}()

		result, err := fn(ctx)
		if ctx.Err() != nil {
			// Cancelled requests get no response.
			s.logger.Debug("dropping response to cancelled request", "id", string(req.ID), "method", req.Method)
			return
		}
		s.reply(out, req.ID, result, err)
	}()
}

func (s *Server) reply(out *protocol.Writer, id json.RawMessage, result any, err error) {
	if err != nil {
		code := protocol.CodeInternalError
		if errors.HasCode(err, errors.CodeInvalidInput) {
			code = protocol.CodeInvalidParams
		}
		s.write(out, protocol.NewErrorResponse(id, code, err.Error()))
		return
	}
	resp, err := protocol.NewResult(id, result)
	if err != nil {
		s.write(out, protocol.NewErrorResponse(id, protocol.CodeInternalError, err.Error()))
		return
	}
	s.write(out, resp)
}

func (s *Server) write(out *protocol.Writer, v any) {
	if err := out.Write(v); err != nil {
		s.logger.Error("failed to write to client", "error", err)
	}
}

// NotifyToolsChanged tells the client the tool list changed. It does nothing
// until the client has finished its handshake.
func (s *Server) NotifyToolsChanged() {
	out := s.out.Load()
	if out == nil || !s.initialized.Load() {
		return
	}
	note, err := protocol.NewNotification(protocol.MethodToolsListChanged, nil)
	if err != nil {
		return
	}
	s.write(out, note)
}

func decodeParams(raw json.RawMessage, v any) error {
	if protocol.IsNullID(raw) {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func idKey(id json.RawMessage) string {
	return string(bytes.TrimSpace(id))
}
