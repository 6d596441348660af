// Command mcphub-echo is the smallest useful worker: one tool, named after the
// worker, that echoes its msg argument. Point a descriptor at it to try a hub
// setup end to end:
//
//	{"name": "echo", "command": ["mcphub-echo"]}
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const nameEnv = "MCP_SKILL_NAME"

func main() {
	// stdout carries the protocol.
	log.SetOutput(os.Stderr)

	name := strings.TrimSpace(os.Getenv(nameEnv))
	if name == "" {
		name = "echo"
	}

	s := server.NewMCPServer(name, "1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)
	s.AddTool(mcp.NewTool(name,
		mcp.WithDescription(fmt.Sprintf("Echo msg back, prefixed with %q.", name)),
		mcp.WithString("msg", mcp.Required(), mcp.Description("Text to echo")),
	), echo(name))

	if err := server.ServeStdio(s); err != nil {
		log.Fatalf("%s: %v", name, err)
	}
}

func echo(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := request.Params.Arguments.(map[string]interface{})
		msg, ok := args["msg"].(string)
		if !ok {
			return &mcp.CallToolResult{
				Content: []mcp.Content{mcp.TextContent{Type: "text", Text: "msg must be a string"}},
				IsError: true,
			}, nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{mcp.TextContent{Type: "text", Text: name + ": " + msg}},
		}, nil
	}
}
