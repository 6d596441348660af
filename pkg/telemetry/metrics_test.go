// SPDX-License-Identifier: Apache-2.0
package telemetry

import (
	"context"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/zyahav/mcp-skills-hub/pkg/errors"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect failed: %v", err)
	}
	out := make(map[string]metricdata.Aggregation)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func TestHubMetricsRecord(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(context.Background())

	m, err := NewHubMetrics(mp, Gauges{
		LiveWorkers: func() int64 { return 3 },
		Tools:       func() int64 { return 7 },
	})
	if err != nil {
		t.Fatalf("NewHubMetrics failed: %v", err)
	}
	defer m.Close()

	ctx := context.Background()
	m.RecordCall(ctx, "tool_x", "alpha", OutcomeOK, 15*time.Millisecond)
	m.RecordCall(ctx, "tool_x", "alpha", OutcomeOK, 5*time.Millisecond)
	m.RecordFailure(ctx, "beta", errors.New(errors.CodeEmptyResponse, "gone", nil))
	m.RecordRefresh(ctx, true)

	data := collect(t, reader)

	calls, ok := data["mcphub.tool.calls"].(metricdata.Sum[int64])
	if !ok || len(calls.DataPoints) != 1 || calls.DataPoints[0].Value != 2 {
		t.Errorf("expected 2 calls in one series, got %+v", data["mcphub.tool.calls"])
	}

	latency, ok := data["mcphub.tool.duration"].(metricdata.Histogram[float64])
	if !ok || len(latency.DataPoints) != 1 || latency.DataPoints[0].Count != 2 {
		t.Errorf("expected 2 latency samples, got %+v", data["mcphub.tool.duration"])
	}

	failures, ok := data["mcphub.worker.failures"].(metricdata.Sum[int64])
	if !ok || len(failures.DataPoints) != 1 {
		t.Fatalf("expected one failure series, got %+v", data["mcphub.worker.failures"])
	}
	if code, _ := failures.DataPoints[0].Attributes.Value(AttrErrorCode); code.AsString() != "EMPTY_RESPONSE" {
		t.Errorf("expected EMPTY_RESPONSE code, got %v", code.AsString())
	}

	live, ok := data["mcphub.workers.live"].(metricdata.Gauge[int64])
	if !ok || len(live.DataPoints) != 1 || live.DataPoints[0].Value != 3 {
		t.Errorf("expected live worker gauge 3, got %+v", data["mcphub.workers.live"])
	}
	tools, ok := data["mcphub.tools.indexed"].(metricdata.Gauge[int64])
	if !ok || len(tools.DataPoints) != 1 || tools.DataPoints[0].Value != 7 {
		t.Errorf("expected tool gauge 7, got %+v", data["mcphub.tools.indexed"])
	}
}

func TestNilHubMetricsIsSafe(t *testing.T) {
	var m *HubMetrics
	ctx := context.Background()
	m.RecordCall(ctx, "tool", "worker", OutcomeFailed, time.Second)
	m.RecordFailure(ctx, "worker", errors.New(errors.CodeTimeout, "slow", nil))
	m.RecordRefresh(ctx, false)
	if err := m.Close(); err != nil {
		t.Errorf("Close on nil metrics: %v", err)
	}
}

func TestNewHubMetricsOnGlobalProvider(t *testing.T) {
	m, err := NewHubMetrics(nil, Gauges{})
	if err != nil {
		t.Fatalf("NewHubMetrics failed: %v", err)
	}
	m.RecordCall(context.Background(), "tool", "worker", OutcomeUnknownTool, 0)
	if err := m.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}
