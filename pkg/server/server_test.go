package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zyahav/mcp-skills-hub/pkg/protocol"
)

type fakeBackend struct {
	mu    sync.Mutex
	tools []protocol.Tool
	calls []protocol.CallToolParams
	call  func(ctx context.Context, name string, args json.RawMessage) (*protocol.CallToolResult, error)
}

func (f *fakeBackend) ListTools(ctx context.Context) ([]protocol.Tool, error) {
	return f.tools, nil
}

func (f *fakeBackend) CallTool(ctx context.Context, name string, args json.RawMessage) (*protocol.CallToolResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, protocol.CallToolParams{Name: name, Arguments: args})
	f.mu.Unlock()
	if f.call != nil {
		return f.call(ctx, name, args)
	}
	return &protocol.CallToolResult{Content: json.RawMessage(`[{"type":"text","text":"ok"}]`)}, nil
}

type testClient struct {
	t      *testing.T
	in     *io.PipeWriter
	out    *bufio.Reader
	done   chan error
	cancel context.CancelFunc
}

func startServer(t *testing.T, backend Backend) (*Server, *testClient) {
	t.Helper()
	srv := New(backend, protocol.Implementation{Name: "mcphub", Version: "test"},
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithInstructions("routes tools to workers"),
	)

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	c := &testClient{t: t, in: inW, out: bufio.NewReader(outR), done: make(chan error, 1), cancel: cancel}
	go func() {
		c.done <- srv.Serve(ctx, inR, outW)
		outW.Close()
	}()
	t.Cleanup(func() {
		cancel()
		inW.Close()
		outR.Close()
	})
	return srv, c
}

func (c *testClient) send(line string) {
	c.t.Helper()
	if _, err := io.WriteString(c.in, line+"\n"); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *testClient) recv() map[string]json.RawMessage {
	c.t.Helper()
	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		line, err := c.out.ReadString('\n')
		ch <- result{line, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			c.t.Fatalf("read: %v", r.err)
		}
		var msg map[string]json.RawMessage
		if err := json.Unmarshal([]byte(r.line), &msg); err != nil {
			c.t.Fatalf("server wrote invalid JSON %q: %v", r.line, err)
		}
		return msg
	case <-time.After(5 * time.Second):
		c.t.Fatal("timed out waiting for the server")
		return nil
	}
}

func errorCode(t *testing.T, msg map[string]json.RawMessage) int {
	t.Helper()
	var e protocol.Error
	if err := json.Unmarshal(msg["error"], &e); err != nil {
		t.Fatalf("expected an error response, got %v", msg)
	}
	return e.Code
}

func TestInitialize(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	backend := &fakeBackend{call: func(ctx context.Context, _ string, _ json.RawMessage) (*protocol.CallToolResult, error) {
		<-release
		return nil, ctx.Err()
	}}
	_, c := startServer(t, backend)

	// A slow call in flight must not hold up initialize.
	c.send(`{"jsonrpc":"2.0","id":0,"method":"tools/call","params":{"name":"slow"}}`)
	c.send(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","capabilities":{},"clientInfo":{"name":"inspector","version":"1"}}}`)
	msg := c.recv()
	if string(msg["id"]) != "1" {
		t.Fatalf("expected the initialize response first, got %v", msg)
	}

	var res protocol.InitializeResult
	if err := json.Unmarshal(msg["result"], &res); err != nil {
		t.Fatalf("bad result: %v", err)
	}
	if res.ProtocolVersion != "2025-03-26" {
		t.Errorf("expected the client's version to be echoed, got %s", res.ProtocolVersion)
	}
	if res.ServerInfo.Name != "mcphub" || res.Instructions != "routes tools to workers" {
		t.Errorf("unexpected server info %+v", res)
	}
	if !strings.Contains(string(res.Capabilities), `"listChanged":true`) {
		t.Errorf("expected tools.listChanged, got %s", res.Capabilities)
	}

	c.send(`{"jsonrpc":"2.0","id":2,"method":"initialize","params":{"protocolVersion":"1999-01-01"}}`)
	msg = c.recv()
	_ = json.Unmarshal(msg["result"], &res)
	if res.ProtocolVersion != protocol.DefaultProtocolVersion {
		t.Errorf("expected fallback to %s, got %s", protocol.DefaultProtocolVersion, res.ProtocolVersion)
	}
}

func TestProtocolErrors(t *testing.T) {
	_, c := startServer(t, &fakeBackend{})

	tests := []struct {
		name string
		line string
		id   string
		code int
	}{
		{name: "bad json", line: `{"jsonrpc":"2.0","id":1,`, id: "null", code: protocol.CodeParseError},
		{name: "not an object", line: `[1,2,3]`, id: "null", code: protocol.CodeParseError},
		{name: "unknown method", line: `{"jsonrpc":"2.0","id":2,"method":"resources/list"}`, id: "2", code: protocol.CodeMethodNotFound},
		{name: "missing tool name", line: `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{}}`, id: "3", code: protocol.CodeInvalidParams},
		{name: "bad params", line: `{"jsonrpc":"2.0","id":4,"method":"tools/call","params":[1]}`, id: "4", code: protocol.CodeInvalidParams},
		{name: "bad initialize", line: `{"jsonrpc":"2.0","id":5,"method":"initialize","params":"x"}`, id: "5", code: protocol.CodeInvalidParams},
		{name: "neither request nor response", line: `{"jsonrpc":"2.0"}`, id: "null", code: protocol.CodeInvalidRequest},
		{name: "wrong version", line: `{"jsonrpc":"1.0","id":6,"method":"ping"}`, id: "6", code: protocol.CodeInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c.send(tt.line)
			msg := c.recv()
			if string(msg["id"]) != tt.id {
				t.Errorf("expected id %s, got %s", tt.id, msg["id"])
			}
			if got := errorCode(t, msg); got != tt.code {
				t.Errorf("expected code %d, got %d", tt.code, got)
			}
		})
	}

	// Notifications never get a response, so the ping answer comes next.
	c.send(`{"jsonrpc":"2.0","method":"notifications/roots/list_changed"}`)
	c.send(`{"jsonrpc":"2.0","id":"p","method":"ping"}`)
	msg := c.recv()
	if string(msg["id"]) != `"p"` || string(msg["result"]) != "{}" {
		t.Errorf("unexpected ping response %v", msg)
	}
}

func TestToolsPassThrough(t *testing.T) {
	backend := &fakeBackend{tools: []protocol.Tool{
		{Name: "tool_x", Raw: json.RawMessage(`{"name":"tool_x","description":"x","inputSchema":{"type":"object"}}`)},
	}}
	_, c := startServer(t, backend)

	c.send(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	msg := c.recv()
	if string(msg["result"]) != `{"tools":[{"name":"tool_x","description":"x","inputSchema":{"type":"object"}}]}` {
		t.Errorf("unexpected tools/list result %s", msg["result"])
	}

	c.send(`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"tool_x","arguments":{"n":1,"s":"two"}}}`)
	msg = c.recv()
	if string(msg["result"]) != `{"content":[{"type":"text","text":"ok"}]}` {
		t.Errorf("unexpected tools/call result %s", msg["result"])
	}

	backend.mu.Lock()
	defer backend.mu.Unlock()
	if len(backend.calls) != 1 || string(backend.calls[0].Arguments) != `{"n":1,"s":"two"}` {
		t.Errorf("arguments not forwarded unchanged: %+v", backend.calls)
	}
}

func TestCallsRunConcurrently(t *testing.T) {
	release := make(chan struct{})
	backend := &fakeBackend{call: func(ctx context.Context, name string, _ json.RawMessage) (*protocol.CallToolResult, error) {
		if name == "slow" {
			<-release
		}
		return &protocol.CallToolResult{Content: json.RawMessage(`["` + name + `"]`)}, nil
	}}
	_, c := startServer(t, backend)

	c.send(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"slow"}}`)
	c.send(`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"fast"}}`)
	if msg := c.recv(); string(msg["id"]) != "2" {
		t.Fatalf("expected the fast call to finish first, got %v", msg)
	}
	close(release)
	if msg := c.recv(); string(msg["id"]) != "1" {
		t.Fatalf("expected the slow call, got %v", msg)
	}
}

func TestCancelledRequestGetsNoResponse(t *testing.T) {
	cancelled := make(chan struct{})
	backend := &fakeBackend{call: func(ctx context.Context, _ string, _ json.RawMessage) (*protocol.CallToolResult, error) {
		<-ctx.Done()
		close(cancelled)
		return nil, ctx.Err()
	}}
	_, c := startServer(t, backend)

	c.send(`{"jsonrpc":"2.0","id":"call-1","method":"tools/call","params":{"name":"hang"}}`)
	c.send(`{"jsonrpc":"2.0","method":"notifications/cancelled","params":{"requestId":"call-1","reason":"user abort"}}`)

	select {
	case <-cancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("backend context was not cancelled")
	}

	c.send(`{"jsonrpc":"2.0","id":9,"method":"ping"}`)
	if msg := c.recv(); string(msg["id"]) != "9" {
		t.Errorf("expected only the ping response, got %v", msg)
	}
}

func TestNotifyToolsChanged(t *testing.T) {
	srv, c := startServer(t, &fakeBackend{})

	// Before the handshake completes nothing is sent.
	srv.NotifyToolsChanged()
	c.send(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	if msg := c.recv(); string(msg["id"]) != "1" {
		t.Fatalf("expected ping response, got %v", msg)
	}

	c.send(`{"jsonrpc":"2.0","id":2,"method":"initialize","params":{"protocolVersion":"2025-06-18"}}`)
	c.recv()
	c.send(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	// The ping round trip guarantees the notification above was handled.
	c.send(`{"jsonrpc":"2.0","id":3,"method":"ping"}`)
	c.recv()

	srv.NotifyToolsChanged()
	msg := c.recv()
	if string(msg["method"]) != `"notifications/tools/list_changed"` {
		t.Errorf("expected list_changed notification, got %v", msg)
	}
	if _, hasID := msg["id"]; hasID {
		t.Error("notification must not carry an id")
	}
}

func TestServeDrainsOnEOF(t *testing.T) {
	backend := &fakeBackend{call: func(ctx context.Context, _ string, _ json.RawMessage) (*protocol.CallToolResult, error) {
		time.Sleep(200 * time.Millisecond)
		return &protocol.CallToolResult{Content: json.RawMessage(`[]`)}, nil
	}}
	_, c := startServer(t, backend)

	c.send(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"late"}}`)
	c.in.Close()

	if msg := c.recv(); string(msg["id"]) != "1" {
		t.Fatalf("expected the in-flight response, got %v", msg)
	}
	select {
	case err := <-c.done:
		if err != nil {
			t.Errorf("Serve returned %v on EOF", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after EOF")
	}
}

func TestServeStopsWithContext(t *testing.T) {
	backend := &fakeBackend{call: func(ctx context.Context, _ string, _ json.RawMessage) (*protocol.CallToolResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	_, c := startServer(t, backend)

	c.send(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"hang"}}`)
	c.send(`{"jsonrpc":"2.0","id":2,"method":"ping"}`)
	c.recv()
	c.cancel()

	select {
	case err := <-c.done:
		if err != context.Canceled {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not stop")
	}
}
