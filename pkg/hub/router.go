package hub

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zyahav/mcp-skills-hub/pkg/errors"
	"github.com/zyahav/mcp-skills-hub/pkg/protocol"
	"github.com/zyahav/mcp-skills-hub/pkg/telemetry"
	"github.com/zyahav/mcp-skills-hub/pkg/worker"
)

// Router answers the two client-facing operations, listing tools and calling
// one, on top of a Hub. Both wait for the hub to be ready. Worker failures are
// reported as error results, never returned as errors; the only error either
// method returns is the caller's own context ending.
type Router struct {
	hub *Hub
}

// NewRouter returns a router over h.
func NewRouter(h *Hub) *Router {
	return &Router{hub: h}
}

// ListTools asks every live worker for its tools concurrently and returns the
// merged list: workers in enumeration order, each worker's tools in the order
// it reported them. A worker that does not answer is left out. When two
// workers report the same name only the first is listed.
func (r *Router) ListTools(ctx context.Context) ([]protocol.Tool, error) {
	h := r.hub
	if err := h.Ready(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		h.logger.Warn("listing tools of a hub that failed to start", "error", err)
		return []protocol.Tool{}, nil
	}

	ctx, span := h.tracer.Start(ctx, protocol.MethodToolsList,
		trace.WithAttributes(attribute.String(telemetry.AttrRPCMethod, protocol.MethodToolsList)))
	defer span.End()

	workers := h.registry.List()
	lists, failed := h.poll(ctx, workers)
	names := make([]string, 0, len(workers))
	for _, w := range workers {
		names = append(names, w.Name())
	}
	merged, _ := BuildIndex(names, lists)

	span.SetAttributes(telemetry.IndexAttributes(len(workers)-len(failed), merged.Len())...)
	if len(failed) > 0 {
		h.logger.Warn("tools/list answered partially", "failed_workers", failed)
	}
	return merged.Tools(), nil
}

// CallTool routes a call. The owner comes from the capability index; a name
// the index does not know is tried as a worker name, and the call is then
// forwarded to that worker unchanged. Arguments and the worker's result
// content pass through untouched.
func (r *Router) CallTool(ctx context.Context, name string, arguments json.RawMessage) (*protocol.CallToolResult, error) {
	h := r.hub
	callID := uuid.NewString()
	started := time.Now()

	ctx, span := h.tracer.Start(ctx, protocol.MethodToolsCall,
		trace.WithAttributes(telemetry.ToolCallAttributes(callID, name, "")...))
	defer span.End()
	logger := h.logger.With("call_id", callID, "tool", name)

	if err := h.Ready(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		span.SetStatus(codes.Error, "hub startup failed")
		return errorResult(fmt.Sprintf("Error: hub startup failed: %v", err)), nil
	}

	owner, ok := h.Index().Lookup(name)
	if !ok && h.registry.Has(name) {
		owner, ok = name, true
	}
	var w *worker.Worker
	if ok {
		var err error
		if w, err = h.registry.Lookup(owner); err != nil {
			// The owner died between the index read and now.
			logger.Debug("index named a departed worker", "worker", owner)
			ok = false
		}
	}
	if !ok {
		logger.Info("unknown tool")
		h.metrics.RecordCall(ctx, name, "", telemetry.OutcomeUnknownTool, time.Since(started))
		span.SetAttributes(attribute.String(telemetry.AttrOutcome, telemetry.OutcomeUnknownTool))
		return errorResult("Unknown tool: " + name), nil
	}
	span.SetAttributes(attribute.String(telemetry.AttrWorkerName, owner))

	res, err := w.CallTool(ctx, name, arguments)
	elapsed := time.Since(started)
	if err != nil {
		if errors.HasCode(err, errors.CodeCancelled) && ctx.Err() != nil {
			logger.Debug("call cancelled by client", "worker", owner)
			return nil, ctx.Err()
		}

		logger.Warn("tool call failed", "worker", owner, "error", err, "elapsed", elapsed)
		h.metrics.RecordCall(ctx, name, owner, telemetry.OutcomeFailed, elapsed)
		h.metrics.RecordFailure(ctx, owner, err)
		h.handleCallFailure(w, err)

		span.RecordError(err)
		span.SetStatus(codes.Error, string(errors.CodeOf(err)))
		span.SetAttributes(
			attribute.String(telemetry.AttrOutcome, telemetry.OutcomeFailed),
			attribute.String(telemetry.AttrErrorCode, string(errors.CodeOf(err))),
		)
		return errorResult(failureText(owner, h.cfg.CallTimeout, err)), nil
	}

	outcome := telemetry.OutcomeOK
	if res.IsError {
		outcome = telemetry.OutcomeToolError
	}
	h.metrics.RecordCall(ctx, name, owner, outcome, elapsed)
	span.SetAttributes(attribute.String(telemetry.AttrOutcome, outcome))
	logger.Debug("tool call routed", "worker", owner, "outcome", outcome, "elapsed", elapsed)
	return res, nil
}

// failureText renders a worker failure for the client.
func failureText(owner string, timeout time.Duration, err error) string {
	he := errors.AsHubError(err)
	switch he.Code {
	case errors.CodeEmptyResponse:
		return "Error: Empty response from worker " + owner
	case errors.CodeMalformedResponse:
		detail := he.Message
		if he.Err != nil {
			detail = he.Err.Error()
		}
		return fmt.Sprintf("Error: Malformed response from worker %s: %s", owner, detail)
	case errors.CodeWorkerError:
		var rpcErr *protocol.Error
		if stderrors.As(err, &rpcErr) {
			return fmt.Sprintf("Error from worker %s: %s", owner, rpcErr.Message)
		}
		return fmt.Sprintf("Error from worker %s: %s", owner, he.Message)
	case errors.CodeTimeout:
		return fmt.Sprintf("Error: worker %s timed out after %s", owner, timeout)
	default:
		return fmt.Sprintf("Error from worker %s: %v", owner, err)
	}
}

// errorResult wraps text as a tools/call result flagged as an error.
func errorResult(text string) *protocol.CallToolResult {
	content, _ := json.Marshal([]mcp.Content{mcp.TextContent{Type: "text", Text: text}})
	return &protocol.CallToolResult{Content: content, IsError: true}
}
