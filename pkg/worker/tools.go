package worker

import (
	"context"
	"encoding/json"

	"github.com/zyahav/mcp-skills-hub/pkg/errors"
	"github.com/zyahav/mcp-skills-hub/pkg/protocol"
)

// maxToolPages bounds tools/list pagination against a worker that keeps
// handing out cursors.
const maxToolPages = 32

// ListTools returns the worker's tools in the order it reported them,
// following nextCursor within a single exchange.
func (w *Worker) ListTools(ctx context.Context) ([]protocol.Tool, error) {
	var tools []protocol.Tool
	err := w.Exchange(ctx, func(s *Session) error {
		var cursor string
		for page := 0; page < maxToolPages; page++ {
			var params any
			if cursor != "" {
				params = protocol.ListToolsParams{Cursor: cursor}
			}
			raw, err := s.Call(protocol.MethodToolsList, params)
			if err != nil {
				return err
			}

			var res protocol.ListToolsResult
			if err := json.Unmarshal(raw, &res); err != nil {
				return errors.New(errors.CodeMalformedResponse, "invalid tools/list result", err).
					WithContext("worker", w.Name())
			}
			tools = append(tools, res.Tools...)

			if res.NextCursor == "" {
				return nil
			}
			cursor = res.NextCursor
		}
		w.logger.Warn("tools/list pagination truncated", "pages", maxToolPages)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tools, nil
}

// CallTool forwards a tools/call. The arguments are sent exactly as given.
func (w *Worker) CallTool(ctx context.Context, name string, arguments json.RawMessage) (*protocol.CallToolResult, error) {
	raw, err := w.Call(ctx, protocol.MethodToolsCall, protocol.CallToolParams{Name: name, Arguments: arguments})
	if err != nil {
		return nil, err
	}

	var res protocol.CallToolResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, errors.New(errors.CodeMalformedResponse, "invalid tools/call result", err).
			WithContext("worker", w.Name()).
			WithContext("tool", name)
	}
	return &res, nil
}
