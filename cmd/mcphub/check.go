// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/zyahav/mcp-skills-hub/pkg/config"
	"github.com/zyahav/mcp-skills-hub/pkg/hub"
)

type checkResult struct {
	Root    string             `json:"root"`
	Workers []hub.WorkerStatus `json:"workers"`
	Tools   []catalogEntry     `json:"tools"`
}

type catalogEntry struct {
	Name        string `json:"name"`
	Worker      string `json:"worker"`
	Description string `json:"description,omitempty"`
}

// catalog lists the merged tools with the worker that owns each one.
func catalog(ix *hub.Index) []catalogEntry {
	entries := ix.Entries()
	out := make([]catalogEntry, 0, len(entries))
	for _, e := range entries {
		var tool mcp.Tool
		_ = json.Unmarshal(e.Tool.Raw, &tool)
		out = append(out, catalogEntry{Name: e.Tool.Name, Worker: e.Worker, Description: tool.Description})
	}
	return out
}

// runCheck starts the hub exactly as serve would, prints the workers that
// made it and the tools they expose, then shuts everything down.
func runCheck(ctx context.Context, cfg *config.Config, asJSON bool) error {
	logger, closeLog, err := setupLogging(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	h := newHub(cfg, logger, os.Stderr)
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownBudget(cfg))
		defer cancel()
		_ = h.Shutdown(sctx)
	}()

	if err := h.Start(ctx); err != nil {
		return err
	}

	result := checkResult{
		Root:    cfg.Workers.Root,
		Workers: h.Workers(),
		Tools:   catalog(h.Index()),
	}
	if asJSON {
		printJSON(result)
		return nil
	}

	writer := newTabWriter()
	writeRow(writer, "WORKER", "PID", "STATE", "UPTIME", "TOOLS", "DIR")
	for _, w := range result.Workers {
		writeRow(writer,
			w.Name,
			strconv.Itoa(w.PID),
			w.State,
			time.Since(w.StartedAt).Round(time.Millisecond).String(),
			strings.Join(w.Tools, ","),
			w.Dir,
		)
	}
	_ = writer.Flush()
	fmt.Println()

	writer = newTabWriter()
	writeRow(writer, "TOOL", "WORKER", "DESCRIPTION")
	for _, tool := range result.Tools {
		writeRow(writer, tool.Name, tool.Worker, truncate(tool.Description, 60))
	}
	_ = writer.Flush()
	fmt.Printf("\n%d workers, %d tools from %s\n", len(result.Workers), len(result.Tools), result.Root)
	return nil
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-3]) + "..."
}
