// SPDX-License-Identifier: Apache-2.0
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/zyahav/mcp-skills-hub/pkg/errors"
)

// MeterName is the instrumentation scope of hub metrics.
const MeterName = "github.com/zyahav/mcp-skills-hub"

// HubMetrics holds the hub's instruments. A nil *HubMetrics is valid and
// records nothing.
type HubMetrics struct {
	calls       metric.Int64Counter
	callLatency metric.Float64Histogram
	failures    metric.Int64Counter
	refreshes   metric.Int64Counter
	liveWorkers metric.Int64ObservableGauge
	indexedTool metric.Int64ObservableGauge
	reg         metric.Registration
}

// Gauges supplies the values observed at each collection.
type Gauges struct {
	LiveWorkers func() int64
	Tools       func() int64
}

// NewHubMetrics creates the instruments on the given provider, or on the
// global one when mp is nil.
func NewHubMetrics(mp metric.MeterProvider, gauges Gauges) (*HubMetrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(MeterName)

	calls, err := meter.Int64Counter(
		"mcphub.tool.calls",
		metric.WithDescription("Routed tools/call requests by tool, worker and outcome"),
	)
	if err != nil {
		return nil, err
	}

	callLatency, err := meter.Float64Histogram(
		"mcphub.tool.duration",
		metric.WithDescription("Round trip time of routed tools/call requests"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	failures, err := meter.Int64Counter(
		"mcphub.worker.failures",
		metric.WithDescription("Worker failures by worker and error code"),
	)
	if err != nil {
		return nil, err
	}

	refreshes, err := meter.Int64Counter(
		"mcphub.index.refreshes",
		metric.WithDescription("Capability index rebuilds"),
	)
	if err != nil {
		return nil, err
	}

	liveWorkers, err := meter.Int64ObservableGauge(
		"mcphub.workers.live",
		metric.WithDescription("Workers currently in the registry"),
	)
	if err != nil {
		return nil, err
	}

	indexedTool, err := meter.Int64ObservableGauge(
		"mcphub.tools.indexed",
		metric.WithDescription("Tools currently routable"),
	)
	if err != nil {
		return nil, err
	}

	m := &HubMetrics{
		calls:       calls,
		callLatency: callLatency,
		failures:    failures,
		refreshes:   refreshes,
		liveWorkers: liveWorkers,
		indexedTool: indexedTool,
	}

	if gauges.LiveWorkers != nil || gauges.Tools != nil {
		m.reg, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
			if gauges.LiveWorkers != nil {
				o.ObserveInt64(liveWorkers, gauges.LiveWorkers())
			}
			if gauges.Tools != nil {
				o.ObserveInt64(indexedTool, gauges.Tools())
			}
			return nil
		}, liveWorkers, indexedTool)
		if err != nil {
			return nil, err
		}
	}
	return m, nil
}

// RecordCall records one routed call.
func (m *HubMetrics) RecordCall(ctx context.Context, tool, worker, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String(AttrToolName, tool),
		attribute.String(AttrWorkerName, worker),
		attribute.String(AttrOutcome, outcome),
	)
	m.calls.Add(ctx, 1, attrs)
	m.callLatency.Record(ctx, float64(elapsed)/float64(time.Millisecond), attrs)
}

// RecordFailure records a worker failure, keyed by the error's code.
func (m *HubMetrics) RecordFailure(ctx context.Context, worker string, err error) {
	if m == nil || err == nil {
		return
	}
	code := string(errors.CodeOf(err))
	if code == "" {
		code = "UNKNOWN"
	}
	m.failures.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrWorkerName, worker),
		attribute.String(AttrErrorCode, code),
	))
}

// RecordRefresh records a capability index rebuild.
func (m *HubMetrics) RecordRefresh(ctx context.Context, changed bool) {
	if m == nil {
		return
	}
	m.refreshes.Add(ctx, 1, metric.WithAttributes(attribute.Bool("mcphub.index.changed", changed)))
}

// Close unregisters the gauge callback.
func (m *HubMetrics) Close() error {
	if m == nil || m.reg == nil {
		return nil
	}
	return m.reg.Unregister()
}
