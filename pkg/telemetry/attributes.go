// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys for hub spans and metrics.
const (
	AttrWorkerName  = "mcphub.worker.name"
	AttrWorkerPID   = "mcphub.worker.pid"
	AttrWorkerCount = "mcphub.workers.count"
	AttrToolName    = "mcphub.tool.name"
	AttrToolCount   = "mcphub.tools.count"
	AttrCallID      = "mcphub.call.id"
	AttrOutcome     = "mcphub.call.outcome"
	AttrErrorCode   = "mcphub.error.code"
	AttrPhase       = "mcphub.phase"
	AttrRPCMethod   = "rpc.method"
)

// Call outcomes recorded under AttrOutcome.
const (
	OutcomeOK          = "ok"
	OutcomeUnknownTool = "unknown_tool"
	OutcomeToolError   = "tool_error"
	OutcomeFailed      = "failed"
)

// ToolCallAttributes describes one routed tools/call.
func ToolCallAttributes(callID, tool, worker string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(AttrCallID, callID),
		attribute.String(AttrToolName, tool),
	}
	if worker != "" {
		attrs = append(attrs, attribute.String(AttrWorkerName, worker))
	}
	return attrs
}

// WorkerAttributes describes one worker process.
func WorkerAttributes(name string, pid int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrWorkerName, name),
		attribute.Int(AttrWorkerPID, pid),
	}
}

// IndexAttributes describes a published capability index.
func IndexAttributes(workers, tools int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int(AttrWorkerCount, workers),
		attribute.Int(AttrToolCount, tools),
	}
}
