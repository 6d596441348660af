package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/zyahav/mcp-skills-hub/internal/testworker"
	"github.com/zyahav/mcp-skills-hub/pkg/hub"
	"github.com/zyahav/mcp-skills-hub/pkg/protocol"
)

// hubRootEnv makes the test binary run a whole hub on stdio over that root.
const hubRootEnv = "MCPHUB_TEST_HUB_ROOT"

func TestHelperProcess(t *testing.T) {
	// Workers spawned by a helper hub inherit hubRootEnv, so the worker gate
	// is checked first.
	if testworker.IsWorkerProcess() {
		testworker.Main()
	}
	root := os.Getenv(hubRootEnv)
	if root == "" {
		return
	}
	if err := runHub(root); err != nil {
		os.Exit(1)
	}
	os.Exit(0)
}

func runHub(root string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := hub.New(hub.Config{
		Root:             root,
		CallTimeout:      5 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		ShutdownGrace:    200 * time.Millisecond,
		WorkerStderr:     io.Discard,
	}, hub.WithLogger(logger))

	srv := New(hub.NewRouter(h), protocol.Implementation{Name: "mcphub-test", Version: "test"}, WithLogger(logger))
	h.OnIndexChange(func(*hub.Index) { srv.NotifyToolsChanged() })
	go h.Start(ctx)

	err := srv.Serve(ctx, os.Stdin, os.Stdout)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = h.Shutdown(shutdownCtx)
	return err
}

func callText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if len(res.Content) != 1 {
		t.Fatalf("expected one content item, got %+v", res.Content)
	}
	text, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected text content, got %T", res.Content[0])
	}
	return text.Text
}

func TestHubOverStdio(t *testing.T) {
	root := t.TempDir()
	testworker.WriteDescriptor(t, root, "worker-a", "WorkerA", "-tools=tool_x")
	testworker.WriteDescriptor(t, root, "worker-b", "WorkerB", "-tools=tool_y")
	testworker.WriteDescriptor(t, root, "worker-c", "WorkerC", "-mode=mcp", "-tools=shout")

	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("os.Executable: %v", err)
	}
	c, err := client.NewStdioMCPClient(exe, []string{hubRootEnv + "=" + root}, "-test.run=^TestHelperProcess$")
	if err != nil {
		t.Fatalf("NewStdioMCPClient: %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	initRequest := mcp.InitializeRequest{}
	initRequest.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initRequest.Params.ClientInfo = mcp.Implementation{Name: "e2e", Version: "0.1.0"}
	initResult, err := c.Initialize(ctx, initRequest)
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if initResult.ServerInfo.Name != "mcphub-test" {
		t.Errorf("unexpected server info %+v", initResult.ServerInfo)
	}
	if initResult.Capabilities.Tools == nil || !initResult.Capabilities.Tools.ListChanged {
		t.Errorf("expected tools.listChanged capability, got %+v", initResult.Capabilities.Tools)
	}

	tools, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	var names []string
	for _, tool := range tools.Tools {
		names = append(names, tool.Name)
	}
	if len(names) != 3 || names[0] != "tool_x" || names[1] != "tool_y" || names[2] != "shout" {
		t.Fatalf("unexpected tools %v", names)
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = "tool_x"
	req.Params.Arguments = map[string]interface{}{"n": 1}
	res, err := c.CallTool(ctx, req)
	if err != nil {
		t.Fatalf("CallTool tool_x: %v", err)
	}
	if got, want := callText(t, res), testworker.ScriptedText("WorkerA", "tool_x", json.RawMessage(`{"n":1}`)); got != want {
		t.Errorf("tool_x: got %q, want %q", got, want)
	}

	req.Params.Name = "shout"
	req.Params.Arguments = map[string]interface{}{"msg": "hello"}
	res, err = c.CallTool(ctx, req)
	if err != nil {
		t.Fatalf("CallTool shout: %v", err)
	}
	if got := callText(t, res); got != "shout: hello" {
		t.Errorf("shout: got %q", got)
	}

	req.Params.Name = "tool_z"
	req.Params.Arguments = map[string]interface{}{}
	res, err = c.CallTool(ctx, req)
	if err != nil {
		t.Fatalf("CallTool tool_z returned a protocol error: %v", err)
	}
	if !res.IsError || callText(t, res) != "Unknown tool: tool_z" {
		t.Errorf("expected unknown tool result, got %+v", res)
	}
}
