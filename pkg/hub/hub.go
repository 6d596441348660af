// Package hub owns the worker registry and the capability index: it starts
// every worker found under a root directory, builds the index from their
// tool lists and routes calls to them.
package hub

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/zyahav/mcp-skills-hub/pkg/errors"
	"github.com/zyahav/mcp-skills-hub/pkg/protocol"
	"github.com/zyahav/mcp-skills-hub/pkg/resilience"
	"github.com/zyahav/mcp-skills-hub/pkg/telemetry"
	"github.com/zyahav/mcp-skills-hub/pkg/worker"
)

// ErrNotReady is returned by Ready when startup has not finished and the
// context ended first.
var ErrNotReady = errors.New(errors.CodeCancelled, "hub is not ready", nil)

// Phase is the startup phase of a hub.
type Phase int32

const (
	PhaseNotStarted Phase = iota
	PhaseSpawning
	PhaseHandshaking
	PhaseIndexBuilding
	PhaseReady
	PhaseFailed
	PhaseStopped
)

func (p Phase) String() string {
	switch p {
	case PhaseNotStarted:
		return "not_started"
	case PhaseSpawning:
		return "spawning"
	case PhaseHandshaking:
		return "handshaking"
	case PhaseIndexBuilding:
		return "index_building"
	case PhaseReady:
		return "ready"
	case PhaseFailed:
		return "failed"
	case PhaseStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Config describes where workers live and how they are run.
type Config struct {
	Root            string
	DescriptorFiles []string
	NameEnv         string

	// ProtocolVersion is offered in initialize. Empty means the latest revision.
	ProtocolVersion string
	ClientInfo      protocol.Implementation

	// SpawnConcurrency bounds concurrent spawns and handshakes. 0 = unbounded.
	SpawnConcurrency  int
	CallTimeout       time.Duration
	HandshakeTimeout  time.Duration
	HandshakeAttempts int
	ShutdownGrace     time.Duration

	// WorkerStderr receives every worker's stderr. Defaults to os.Stderr.
	WorkerStderr io.Writer
}

// WorkerStatus is a point-in-time view of one registered worker.
type WorkerStatus struct {
	Name      string
	PID       int
	State     string
	Dir       string
	Tools     []string
	StartedAt time.Time
}

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(h *Hub) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithMeterProvider records hub metrics on mp instead of the global provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(h *Hub) { h.meterProvider = mp }
}

// WithTracerProvider creates spans on tp instead of the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(h *Hub) {
		if tp != nil {
			h.tracer = tp.Tracer(telemetry.MeterName)
		}
	}
}

// Hub is the startup orchestrator and the owner of the shared state: the
// worker registry and the current capability index.
type Hub struct {
	cfg           Config
	logger        *slog.Logger
	tracer        trace.Tracer
	meterProvider metric.MeterProvider
	metrics       *telemetry.HubMetrics

	registry *Registry
	index    atomic.Pointer[Index]
	// indexMu serializes index publication with registry removal so the index
	// never names a worker that is no longer registered.
	indexMu sync.Mutex

	phase    atomic.Int32
	ready    chan struct{}
	startErr error
	stopping atomic.Bool

	hooksMu  sync.Mutex
	onChange []func(*Index)
}

// New creates a hub. Nothing is started until Start.
func New(cfg Config, opts ...Option) *Hub {
	if cfg.NameEnv == "" {
		cfg.NameEnv = worker.DefaultNameEnv
	}
	if len(cfg.DescriptorFiles) == 0 {
		cfg.DescriptorFiles = worker.DefaultDescriptorFiles
	}
	if cfg.HandshakeAttempts < 1 {
		cfg.HandshakeAttempts = 1
	}
	if cfg.WorkerStderr == nil {
		cfg.WorkerStderr = os.Stderr
	}
	if cfg.ClientInfo.Name == "" {
		cfg.ClientInfo = protocol.Implementation{Name: "mcphub", Version: "dev"}
	}

	h := &Hub{
		cfg:      cfg,
		logger:   slog.Default(),
		tracer:   otel.Tracer(telemetry.MeterName),
		registry: NewRegistry(),
		ready:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "hub")
	h.index.Store(&Index{})

	metrics, err := telemetry.NewHubMetrics(h.meterProvider, telemetry.Gauges{
		LiveWorkers: func() int64 { return int64(h.registry.Len()) },
		Tools:       func() int64 { return int64(h.Index().Len()) },
	})
	if err != nil {
		h.logger.Warn("hub metrics disabled", "error", err)
	}
	h.metrics = metrics
	return h
}

// Phase returns the current startup phase.
func (h *Hub) Phase() Phase { return Phase(h.phase.Load()) }

func (h *Hub) setPhase(p Phase) {
	h.phase.Store(int32(p))
	h.logger.Debug("startup phase", "phase", p.String())
}

// Index returns the current capability index.
func (h *Hub) Index() *Index { return h.index.Load() }

// Registry returns the worker registry.
func (h *Hub) Registry() *Registry { return h.registry }

// Start discovers, spawns and handshakes every worker and builds the index.
// Failures of individual workers are logged and contained; only an unusable
// worker root makes Start fail. Either way the readiness signal fires when
// Start returns.
func (h *Hub) Start(ctx context.Context) error {
	if !h.phase.CompareAndSwap(int32(PhaseNotStarted), int32(PhaseSpawning)) {
		return errors.New(errors.CodeInternal, "hub already started", nil)
	}

	ctx, span := h.tracer.Start(ctx, "hub.start")
	defer span.End()

	started := time.Now()
	err := h.start(ctx)
	if err != nil {
		h.setPhase(PhaseFailed)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.logger.Error("hub startup failed", "error", err)
	} else {
		h.setPhase(PhaseReady)
		ix := h.Index()
		span.SetAttributes(telemetry.IndexAttributes(h.registry.Len(), ix.Len())...)
		h.logger.Info("hub ready",
			"workers", h.registry.Len(),
			"tools", ix.Len(),
			"elapsed", time.Since(started).Round(time.Millisecond),
		)
	}

	h.startErr = err
	close(h.ready)
	return err
}

func (h *Hub) start(ctx context.Context) error {
	h.setPhase(PhaseSpawning)
	manifests, err := worker.Discover(h.cfg.Root, h.cfg.DescriptorFiles, h.logger)
	if err != nil {
		return err
	}
	if len(manifests) == 0 {
		h.logger.Warn("no workers found", "root", h.cfg.Root)
	}

	spawned := h.spawnAll(manifests)
	for _, w := range spawned {
		if w != nil {
			h.registry.Add(w)
		}
	}

	h.setPhase(PhaseHandshaking)
	h.handshakeAll(ctx, h.registry.List())
	if err := startupInterrupted(ctx); err != nil {
		return err
	}

	h.setPhase(PhaseIndexBuilding)
	h.rebuild(ctx)
	return startupInterrupted(ctx)
}

// startupInterrupted reports a Start context that ended before startup
// finished. The hub then fails rather than going ready with a partial index.
func startupInterrupted(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errors.New(errors.CodeCancelled, "startup interrupted", err)
	}
	return nil
}

func (h *Hub) group() *errgroup.Group {
	var g errgroup.Group
	if h.cfg.SpawnConcurrency > 0 {
		g.SetLimit(h.cfg.SpawnConcurrency)
	}
	return &g
}

// spawnAll starts every manifest concurrently. The result is indexed like
// manifests, with nil where the spawn failed.
func (h *Hub) spawnAll(manifests []*worker.Manifest) []*worker.Worker {
	out := make([]*worker.Worker, len(manifests))
	g := h.group()
	for i, m := range manifests {
		g.Go(func() error {
			w, err := worker.Spawn(worker.Config{
				Manifest:      m,
				NameEnv:       h.cfg.NameEnv,
				Stderr:        h.cfg.WorkerStderr,
				CallTimeout:   h.cfg.CallTimeout,
				ShutdownGrace: h.cfg.ShutdownGrace,
				OnExit:        h.handleExit,
				Logger:        h.logger,
			})
			if err != nil {
				h.logger.Error("failed to spawn worker", "worker", m.Name, "error", err)
				h.metrics.RecordFailure(context.Background(), m.Name, err)
				return nil
			}
			out[i] = w
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// handshakeAll handshakes every worker concurrently and drops the ones that
// fail.
func (h *Hub) handshakeAll(ctx context.Context, workers []*worker.Worker) {
	hcfg := worker.HandshakeConfig{
		ProtocolVersion: h.cfg.ProtocolVersion,
		ClientInfo:      h.cfg.ClientInfo,
	}

	g := h.group()
	for _, w := range workers {
		g.Go(func() error {
			ctx, span := h.tracer.Start(ctx, "worker.handshake",
				trace.WithAttributes(telemetry.WorkerAttributes(w.Name(), w.PID())...))
			defer span.End()

			rc := resilience.DefaultRetryConfig().
				WithMaxAttempts(h.cfg.HandshakeAttempts).
				WithOnRetry(func(attempt int, err error) {
					h.logger.Warn("retrying handshake", "worker", w.Name(), "attempt", attempt, "error", err)
				})
			err := rc.Do(ctx, func(ctx context.Context) error {
				if h.cfg.HandshakeTimeout > 0 {
					var cancel context.CancelFunc
					ctx, cancel = context.WithTimeout(ctx, h.cfg.HandshakeTimeout)
					defer cancel()
				}
				_, err := worker.Handshake(ctx, w, hcfg)
				return err
			})
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "handshake failed")
				h.logger.Error("worker handshake failed", "worker", w.Name(), "error", err)
				h.metrics.RecordFailure(ctx, w.Name(), err)
				h.dropWorker(w, "handshake failed")
			}
			return nil
		})
	}
	_ = g.Wait()
}

// poll asks every given worker for its tools concurrently. Workers that fail
// to answer are absent from the returned map and listed in failed.
func (h *Hub) poll(ctx context.Context, workers []*worker.Worker) (lists map[string][]protocol.Tool, failed []string) {
	results := make([][]protocol.Tool, len(workers))
	errs := make([]error, len(workers))

	var wg sync.WaitGroup
	for i, w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = w.ListTools(ctx)
		}()
	}
	wg.Wait()

	lists = make(map[string][]protocol.Tool, len(workers))
	for i, w := range workers {
		if errs[i] != nil {
			h.logger.Warn("tools/list failed", "worker", w.Name(), "error", errs[i])
			h.metrics.RecordFailure(ctx, w.Name(), errs[i])
			h.handleCallFailure(w, errs[i])
			failed = append(failed, w.Name())
			continue
		}
		lists[w.Name()] = results[i]
	}
	return lists, failed
}

// rebuild polls every registered worker and publishes a new index. A worker
// that fails to answer keeps the entries it had. It reports whether the
// published index differs from the previous one.
func (h *Hub) rebuild(ctx context.Context) bool {
	lists, failed := h.poll(ctx, h.registry.List())

	h.indexMu.Lock()
	prev := h.Index()
	for _, name := range failed {
		if h.registry.Has(name) {
			lists[name] = prev.ToolsOf(name)
		}
	}
	ix, collisions := BuildIndex(h.registry.Names(), lists)
	h.index.Store(ix)
	h.indexMu.Unlock()

	for _, c := range collisions {
		h.logger.Warn("duplicate tool name, keeping first worker",
			"tool", c.Tool, "kept", c.Kept, "dropped", c.Dropped)
	}

	changed := !prev.SameTools(ix)
	h.metrics.RecordRefresh(ctx, changed)
	if changed && h.Phase() == PhaseReady {
		h.fireIndexChange(ix)
	}
	return changed
}

// Ready blocks until startup has finished and returns the startup error, if
// any. It returns ErrNotReady wrapping the context error when ctx ends first.
func (h *Hub) Ready(ctx context.Context) error {
	select {
	case <-h.ready:
		return h.startErr
	default:
	}
	select {
	case <-h.ready:
		return h.startErr
	case <-ctx.Done():
		return errors.New(errors.CodeCancelled, ErrNotReady.Message, ctx.Err())
	}
}

// Refresh re-polls every live worker and replaces the index. It reports
// whether the set of tools changed.
func (h *Hub) Refresh(ctx context.Context) (bool, error) {
	if err := h.Ready(ctx); err != nil {
		return false, err
	}
	if h.Phase() != PhaseReady {
		return false, errors.Newf(errors.CodeInternal, "hub is %s", h.Phase())
	}

	ctx, span := h.tracer.Start(ctx, "hub.refresh")
	defer span.End()

	changed := h.rebuild(ctx)
	span.SetAttributes(attribute.Bool("mcphub.index.changed", changed))
	h.logger.Debug("index refreshed", "tools", h.Index().Len(), "changed", changed)
	return changed, nil
}

// RunRefresher calls Refresh every interval until ctx ends. A non-positive
// interval returns immediately.
func (h *Hub) RunRefresher(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	if err := h.Ready(ctx); err != nil {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := h.Refresh(ctx); err != nil && ctx.Err() == nil {
				h.logger.Warn("index refresh failed", "error", err)
			}
		}
	}
}

// OnIndexChange registers fn to be called with the new index whenever the
// published tools change after startup.
func (h *Hub) OnIndexChange(fn func(*Index)) {
	h.hooksMu.Lock()
	defer h.hooksMu.Unlock()
	h.onChange = append(h.onChange, fn)
}

func (h *Hub) fireIndexChange(ix *Index) {
	h.hooksMu.Lock()
	hooks := append([]func(*Index){}, h.onChange...)
	h.hooksMu.Unlock()
	for _, fn := range hooks {
		fn(ix)
	}
}

// handleExit runs on a worker's reaper goroutine.
func (h *Hub) handleExit(w *worker.Worker, err error) {
	if h.stopping.Load() {
		return
	}
	if h.removeWorker(w, "process exited") {
		h.metrics.RecordFailure(context.Background(), w.Name(),
			errors.New(errors.CodeEmptyResponse, "worker exited", err))
	}
}

// handleCallFailure removes w when err shows it can no longer answer.
func (h *Hub) handleCallFailure(w *worker.Worker, err error) {
	switch {
	case errors.HasCode(err, errors.CodeEmptyResponse):
		h.removeWorker(w, "empty response")
	case w.State() == worker.StateDead:
		h.removeWorker(w, "worker dead after "+string(errors.CodeOf(err)))
	}
}

// removeWorker unregisters w and publishes the index without its tools. The
// process itself is left alone. It reports whether w was registered.
func (h *Hub) removeWorker(w *worker.Worker, reason string) bool {
	h.indexMu.Lock()
	if !h.registry.Remove(w) {
		h.indexMu.Unlock()
		return false
	}
	prev := h.Index()
	ix := prev.Without(w.Name())
	h.index.Store(ix)
	h.indexMu.Unlock()

	h.logger.Warn("worker removed", "worker", w.Name(), "reason", reason, "tools_dropped", prev.Len()-ix.Len())
	if ix.Len() != prev.Len() && h.Phase() == PhaseReady {
		h.fireIndexChange(ix)
	}
	return true
}

// dropWorker removes w and stops its process in the background.
func (h *Hub) dropWorker(w *worker.Worker, reason string) {
	h.removeWorker(w, reason)
	go func() {
		if err := w.Close(context.Background()); err != nil {
			h.logger.Warn("failed to stop worker", "worker", w.Name(), "error", err)
		}
	}()
}

// Workers returns the status of every registered worker in enumeration order.
func (h *Hub) Workers() []WorkerStatus {
	ix := h.Index()
	workers := h.registry.List()
	out := make([]WorkerStatus, 0, len(workers))
	for _, w := range workers {
		st := WorkerStatus{
			Name:      w.Name(),
			PID:       w.PID(),
			State:     w.State().String(),
			Dir:       w.Manifest().Dir,
			StartedAt: w.StartedAt(),
			Tools:     []string{},
		}
		for _, t := range ix.ToolsOf(w.Name()) {
			st.Tools = append(st.Tools, t.Name)
		}
		out = append(out, st)
	}
	return out
}

// MarshalJSON renders the status for `mcphub check -json`.
func (s WorkerStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Name      string    `json:"name"`
		PID       int       `json:"pid"`
		State     string    `json:"state"`
		Dir       string    `json:"dir"`
		Tools     []string  `json:"tools"`
		StartedAt time.Time `json:"started_at"`
	}(s))
}

// Shutdown stops every worker concurrently and empties the registry and the
// index. It waits for the readiness signal so it never races Start. If ctx
// ends first, nothing is stopped and a later Shutdown can try again.
func (h *Hub) Shutdown(ctx context.Context) error {
	if h.Phase() != PhaseNotStarted {
		select {
		case <-h.ready:
		case <-ctx.Done():
			return errors.New(errors.CodeCancelled, "shutdown interrupted before startup finished", ctx.Err())
		}
	}
	if !h.stopping.CompareAndSwap(false, true) {
		return nil
	}

	h.indexMu.Lock()
	workers := h.registry.Clear()
	h.index.Store(&Index{})
	h.indexMu.Unlock()

	var g errgroup.Group
	for _, w := range workers {
		g.Go(func() error {
			return w.Close(ctx)
		})
	}
	err := g.Wait()

	h.setPhase(PhaseStopped)
	if cerr := h.metrics.Close(); cerr != nil && err == nil {
		err = cerr
	}
	h.logger.Info("hub stopped", "workers", len(workers))
	return err
}
