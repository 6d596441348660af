// Package testworker provides scripted worker processes for tests.
//
// Test binaries act as workers by re-executing themselves: a package's tests
// define
//
//	func TestHelperProcess(t *testing.T) {
//		if !testworker.IsWorkerProcess() {
//			return
//		}
//		testworker.Main()
//	}
//
// and point descriptors at Command(...). The flags after "--" select the
// worker's behaviour.
package testworker

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// EnvGate marks a process as a test worker.
const EnvGate = "MCPHUB_TEST_WORKER"

// IsWorkerProcess reports whether the current process was started as a worker.
func IsWorkerProcess() bool {
	return os.Getenv(EnvGate) == "1"
}

// Command returns the argv that starts the current test binary as a worker.
func Command(flags ...string) []string {
	exe, err := os.Executable()
	if err != nil {
		exe = os.Args[0]
	}
	return append([]string{exe, "-test.run=^TestHelperProcess$", "--"}, flags...)
}

// Env returns the descriptor env that activates worker mode.
func Env() map[string]string {
	return map[string]string{EnvGate: "1"}
}

// WriteDescriptor writes <root>/<dir>/skill.json declaring a worker named name
// that runs the test binary with flags, and returns the directory.
func WriteDescriptor(t testing.TB, root, dir, name string, flags ...string) string {
	t.Helper()
	path := filepath.Join(root, dir)
	if err := os.MkdirAll(path, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", path, err)
	}
	desc := map[string]any{
		"name":    name,
		"command": Command(flags...),
		"env":     Env(),
	}
	data, err := json.MarshalIndent(desc, "", "  ")
	if err != nil {
		t.Fatalf("marshal descriptor: %v", err)
	}
	if err := os.WriteFile(filepath.Join(path, "skill.json"), data, 0o644); err != nil {
		t.Fatalf("write descriptor: %v", err)
	}
	return path
}

// ScriptedText is the text a raw worker answers for a tools/call in its
// default mode.
func ScriptedText(worker, tool string, arguments json.RawMessage) string {
	args := strings.TrimSpace(string(arguments))
	if args == "" {
		args = "null"
	}
	return fmt.Sprintf("%s/%s %s", worker, tool, args)
}

type options struct {
	mode         string
	tools        string
	toolsFile    string
	delay        time.Duration
	pageSize     int
	failInit     bool
	hangInit     bool
	exitOnInit   bool
	exitAtStart  bool
	echo         bool
	stale        bool
	chatter      bool
	crashOnCall  bool
	malformed    bool
	errorOnCall  bool
	hangOnCall   bool
	failList     bool
	stallOnList  bool
	ignoreStdin  bool
	ignoreTerm   bool
	stderrBanner bool
}

// Main runs the worker selected by the flags after "--" and exits.
func Main() {
	args := os.Args
	for i, a := range args {
		if a == "--" {
			args = args[i+1:]
			break
		}
	}

	var o options
	fs := flag.NewFlagSet("testworker", flag.ExitOnError)
	fs.StringVar(&o.mode, "mode", "raw", "raw or mcp")
	fs.StringVar(&o.tools, "tools", "", "comma separated tool names")
	fs.StringVar(&o.toolsFile, "tools-file", "", "read the tool names from this file on every tools/list")
	fs.DurationVar(&o.delay, "delay", 0, "delay before answering tools/call")
	fs.IntVar(&o.pageSize, "page-size", 0, "split tools/list into pages of this size")
	fs.BoolVar(&o.failInit, "fail-init", false, "answer initialize with an error")
	fs.BoolVar(&o.hangInit, "hang-init", false, "never answer initialize")
	fs.BoolVar(&o.exitOnInit, "exit-on-init", false, "exit when initialize arrives")
	fs.BoolVar(&o.exitAtStart, "exit-at-start", false, "exit before reading anything")
	fs.BoolVar(&o.echo, "echo", false, "answer tools/call with the received line")
	fs.BoolVar(&o.stale, "stale", false, "send a mismatched response before each answer")
	fs.BoolVar(&o.chatter, "chatter", false, "send a notification and a ping before each answer")
	fs.BoolVar(&o.crashOnCall, "crash-on-call", false, "exit when tools/call arrives")
	fs.BoolVar(&o.malformed, "malformed-on-call", false, "answer tools/call with garbage")
	fs.BoolVar(&o.errorOnCall, "error-on-call", false, "answer tools/call with a JSON-RPC error")
	fs.BoolVar(&o.hangOnCall, "hang-on-call", false, "never answer tools/call")
	fs.BoolVar(&o.failList, "fail-list", false, "answer tools/list with an error")
	fs.BoolVar(&o.stallOnList, "stall-after-list", false, "stop reading stdin after answering tools/list")
	fs.BoolVar(&o.ignoreStdin, "ignore-stdin-close", false, "keep running after stdin closes")
	fs.BoolVar(&o.ignoreTerm, "ignore-sigterm", false, "ignore SIGTERM")
	fs.BoolVar(&o.stderrBanner, "stderr-banner", false, "print a banner on stderr")
	_ = fs.Parse(args)

	if o.stderrBanner {
		fmt.Fprintf(os.Stderr, "test worker %s starting\n", os.Getenv("MCP_SKILL_NAME"))
	}
	if o.exitAtStart {
		os.Exit(2)
	}
	if o.ignoreTerm {
		signal.Ignore(syscall.SIGTERM)
	}

	var err error
	switch o.mode {
	case "mcp":
		err = serveMCP(o)
	default:
		err = serveRaw(o)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "test worker: %v\n", err)
		os.Exit(1)
	}
	if o.ignoreStdin {
		time.Sleep(time.Hour)
	}
	os.Exit(0)
}

func toolNames(o options) []string {
	list := o.tools
	if o.toolsFile != "" {
		data, err := os.ReadFile(o.toolsFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "test worker: %v\n", err)
			return nil
		}
		list = strings.TrimSpace(string(data))
	}
	if list == "" {
		return nil
	}
	return strings.Split(list, ",")
}

// serveMCP runs a real mcp-go stdio server exposing the configured tools.
func serveMCP(o options) error {
	s := server.NewMCPServer("testworker", "1.0.0", server.WithToolCapabilities(true))
	for _, name := range toolNames(o) {
		tool := mcp.NewTool(name,
			mcp.WithDescription("scripted tool "+name),
			mcp.WithString("msg", mcp.Description("message to echo")),
		)
		s.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			if o.delay > 0 {
				time.Sleep(o.delay)
			}
			args, _ := request.Params.Arguments.(map[string]interface{})
			msg, _ := args["msg"].(string)
			return &mcp.CallToolResult{
				Content: []mcp.Content{mcp.TextContent{Type: "text", Text: name + ": " + msg}},
			}, nil
		})
	}
	return server.ServeStdio(s)
}

type rawMessage struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

// serveRaw speaks the line protocol directly so that every misbehaviour can
// be scripted.
func serveRaw(o options) error {
	name := os.Getenv("MCP_SKILL_NAME")
	out := bufio.NewWriter(os.Stdout)
	send := func(v any) {
		data, _ := json.Marshal(v)
		out.Write(data)
		out.WriteByte('\n')
		out.Flush()
	}
	result := func(id json.RawMessage, res any) {
		send(map[string]any{"jsonrpc": "2.0", "id": id, "result": res})
	}
	rpcError := func(id json.RawMessage, code int, msg string) {
		send(map[string]any{"jsonrpc": "2.0", "id": id, "error": map[string]any{"code": code, "message": msg}})
	}

	in := bufio.NewReader(os.Stdin)
	for {
		line, err := in.ReadBytes('\n')
		if len(strings.TrimSpace(string(line))) == 0 {
			if err != nil {
				return nil
			}
			continue
		}

		var msg rawMessage
		if jerr := json.Unmarshal(line, &msg); jerr != nil {
			rpcError(nil, -32700, "parse error")
			continue
		}
		if len(msg.ID) == 0 {
			// notifications/initialized and friends
			continue
		}

		switch msg.Method {
		case "initialize":
			switch {
			case o.exitOnInit:
				os.Exit(3)
			case o.hangInit:
				continue
			case o.failInit:
				rpcError(msg.ID, -32603, "initialization refused")
				continue
			}
			result(msg.ID, map[string]any{
				"protocolVersion": "2025-06-18",
				"capabilities":    map[string]any{"tools": map[string]any{}},
				"serverInfo":      map[string]any{"name": name, "version": "1.0.0"},
			})

		case "tools/list":
			if o.failList {
				rpcError(msg.ID, -32603, "listing unavailable")
				continue
			}
			result(msg.ID, listPage(o, msg.Params))
			if o.stallOnList {
				time.Sleep(time.Hour)
			}

		case "tools/call":
			if o.delay > 0 {
				time.Sleep(o.delay)
			}
			switch {
			case o.crashOnCall:
				os.Exit(4)
			case o.hangOnCall:
				continue
			case o.malformed:
				out.WriteString("Traceback (most recent call last): boom\n")
				out.Flush()
				continue
			case o.errorOnCall:
				rpcError(msg.ID, -32000, "scripted failure")
				continue
			}
			if o.stale {
				result(json.RawMessage(`987654`), map[string]any{"content": []any{}})
			}
			if o.chatter {
				send(map[string]any{"jsonrpc": "2.0", "method": "notifications/message", "params": map[string]any{"level": "info", "data": "working"}})
				send(map[string]any{"jsonrpc": "2.0", "id": "w-1", "method": "ping"})
			}

			var params struct {
				Name      string          `json:"name"`
				Arguments json.RawMessage `json:"arguments"`
			}
			_ = json.Unmarshal(msg.Params, &params)
			text := ScriptedText(name, params.Name, params.Arguments)
			if o.echo {
				text = strings.TrimSpace(string(line))
			}
			result(msg.ID, map[string]any{
				"content": []any{map[string]any{"type": "text", "text": text}},
			})

		case "ping":
			result(msg.ID, map[string]any{})

		default:
			// Answers to our own pings land here too; they carry no method.
			if msg.Method != "" {
				rpcError(msg.ID, -32601, "method not found")
			}
		}

		if err != nil {
			return nil
		}
	}
}

func listPage(o options, params json.RawMessage) map[string]any {
	names := toolNames(o)
	start := 0
	if len(params) > 0 {
		var p struct {
			Cursor string `json:"cursor"`
		}
		_ = json.Unmarshal(params, &p)
		fmt.Sscanf(p.Cursor, "%d", &start)
	}
	end := len(names)
	if o.pageSize > 0 && start+o.pageSize < end {
		end = start + o.pageSize
	}
	if start > end {
		start = end
	}

	tools := make([]any, 0, end-start)
	for _, n := range names[start:end] {
		tools = append(tools, map[string]any{
			"name":        n,
			"description": "scripted tool " + n,
			"inputSchema": map[string]any{"type": "object"},
		})
	}
	res := map[string]any{"tools": tools}
	if end < len(names) {
		res["nextCursor"] = fmt.Sprint(end)
	}
	return res
}
