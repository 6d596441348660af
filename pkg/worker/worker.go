// Package worker runs one tool provider process and carries line-delimited
// JSON-RPC exchanges to it, one at a time.
package worker

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/zyahav/mcp-skills-hub/pkg/errors"
	"github.com/zyahav/mcp-skills-hub/pkg/protocol"
)

const (
	// DefaultNameEnv is the variable carrying the worker's registered name.
	DefaultNameEnv       = "MCP_SKILL_NAME"
	DefaultCallTimeout   = 120 * time.Second
	DefaultShutdownGrace = 2 * time.Second
)

// State is the lifecycle state of a worker process.
type State int32

const (
	StateStarting State = iota
	StateReady
	StateDead
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Config controls how a worker is spawned.
type Config struct {
	Manifest *Manifest

	// NameEnv is the environment variable set to the manifest name.
	NameEnv string

	// Stderr receives the worker's stderr. Defaults to os.Stderr.
	Stderr io.Writer

	// CallTimeout bounds every exchange, lock wait included. Zero disables it.
	CallTimeout time.Duration

	// ShutdownGrace is how long Close waits after closing stdin, and again
	// after SIGTERM, before escalating.
	ShutdownGrace time.Duration

	// OnExit is called once, from the reaper goroutine, after the process exits.
	OnExit func(w *Worker, err error)

	Logger *slog.Logger
}

// Worker is a running worker process and its private stdin/stdout channel.
// At most one exchange is in flight at any time.
type Worker struct {
	manifest    *Manifest
	cmd         *exec.Cmd
	stdin       *os.File
	stdout      *os.File
	writer      *protocol.Writer
	lines       chan []byte
	lock        chan struct{}
	nextID      atomic.Int64
	state       atomic.Int32
	callTimeout time.Duration
	grace       time.Duration
	onExit      func(*Worker, error)
	logger      *slog.Logger

	closed    chan struct{}
	closeOnce sync.Once
	exited    chan struct{}
	exitErr   error
	startedAt time.Time
}

// Spawn starts the worker described by cfg.Manifest. The returned worker is in
// StateStarting until Handshake succeeds.
func Spawn(cfg Config) (*Worker, error) {
	m := cfg.Manifest
	if m == nil {
		return nil, errors.New(errors.CodeInvalidInput, "manifest is required", nil)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if cfg.NameEnv == "" {
		cfg.NameEnv = DefaultNameEnv
	}
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = DefaultShutdownGrace
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("worker", m.Name)

	cmd := exec.Command(m.Program(), m.Args()...)
	cmd.Dir = m.Dir
	cmd.Env = buildEnv(os.Environ(), cfg.NameEnv, m)
	cmd.Stderr = cfg.Stderr

	// Plain pipes rather than StdoutPipe so the reaper can call Wait while
	// the reader is still draining.
	childIn, stdin, err := os.Pipe()
	if err != nil {
		return nil, spawnError(m, "failed to create stdin pipe", err)
	}
	stdout, childOut, err := os.Pipe()
	if err != nil {
		childIn.Close()
		stdin.Close()
		return nil, spawnError(m, "failed to create stdout pipe", err)
	}
	cmd.Stdin = childIn
	cmd.Stdout = childOut

	if err := cmd.Start(); err != nil {
		childIn.Close()
		stdin.Close()
		stdout.Close()
		childOut.Close()
		return nil, spawnError(m, "failed to start worker", err)
	}
	childIn.Close()
	childOut.Close()

	w := &Worker{
		manifest:    m,
		cmd:         cmd,
		stdin:       stdin,
		stdout:      stdout,
		writer:      protocol.NewWriter(stdin),
		lines:       make(chan []byte),
		lock:        make(chan struct{}, 1),
		callTimeout: cfg.CallTimeout,
		grace:       cfg.ShutdownGrace,
		onExit:      cfg.OnExit,
		logger:      logger,
		closed:      make(chan struct{}),
		exited:      make(chan struct{}),
		startedAt:   time.Now(),
	}
	w.state.Store(int32(StateStarting))

	go w.readLoop()
	go w.reap()

	logger.Info("worker started", "pid", cmd.Process.Pid, "command", m.Command, "dir", m.Dir)
	return w, nil
}

func spawnError(m *Manifest, msg string, err error) error {
	return errors.New(errors.CodeSpawnFailed, msg, err).
		WithContext("worker", m.Name).
		WithContext("command", m.Command)
}

func buildEnv(base []string, nameEnv string, m *Manifest) []string {
	env := make([]string, 0, len(base)+len(m.Env)+1)
	env = append(env, base...)
	for k, v := range m.Env {
		env = append(env, k+"="+v)
	}
	// Appended last so it wins over any inherited value.
	return append(env, nameEnv+"="+m.Name)
}

// Name returns the worker's registered name.
func (w *Worker) Name() string { return w.manifest.Name }

// Manifest returns the descriptor the worker was spawned from.
func (w *Worker) Manifest() *Manifest { return w.manifest }

// PID returns the process id.
func (w *Worker) PID() int { return w.cmd.Process.Pid }

// State returns the current lifecycle state.
func (w *Worker) State() State { return State(w.state.Load()) }

// StartedAt returns when the process was started.
func (w *Worker) StartedAt() time.Time { return w.startedAt }

// Done is closed once the process has exited and been reaped.
func (w *Worker) Done() <-chan struct{} { return w.exited }

// ExitErr returns the result of Wait. It is only meaningful after Done.
func (w *Worker) ExitErr() error {
	select {
	case <-w.exited:
		return w.exitErr
	default:
		return nil
	}
}

func (w *Worker) setState(s State) {
	for {
		cur := w.state.Load()
		if State(cur) == StateDead {
			return
		}
		if w.state.CompareAndSwap(cur, int32(s)) {
			return
		}
	}
}

func (w *Worker) markDead() {
	w.state.Store(int32(StateDead))
}

func (w *Worker) readLoop() {
	defer close(w.lines)
	r := protocol.NewReader(w.stdout)
	for {
		line, err := r.ReadLine()
		if err != nil {
			if !stderrors.Is(err, io.EOF) && !w.isClosing() {
				w.logger.Warn("worker stdout read failed", "error", err)
			}
			return
		}
		select {
		case w.lines <- line:
		case <-w.closed:
			return
		}
	}
}

func (w *Worker) reap() {
	err := w.cmd.Wait()
	w.exitErr = err
	w.markDead()
	close(w.exited)

	if w.isClosing() {
		w.logger.Debug("worker exited", "error", err)
	} else {
		w.logger.Warn("worker exited unexpectedly", "error", err)
	}
	if w.onExit != nil {
		w.onExit(w, err)
	}
}

func (w *Worker) isClosing() bool {
	select {
	case <-w.closed:
		return true
	default:
		return false
	}
}

// Exchange runs fn while holding the worker's lock. The lock is taken with
// respect to ctx and the call timeout, and is released when fn returns, so
// every request written inside fn has its response read before another
// caller may write.
func (w *Worker) Exchange(ctx context.Context, fn func(s *Session) error) error {
	if w.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.callTimeout)
		defer cancel()
	}

	select {
	case w.lock <- struct{}{}:
	case <-ctx.Done():
		return w.contextError(ctx, "waiting for worker")
	}
	defer func() { <-w.lock }()

	if w.State() == StateDead {
		return errors.New(errors.CodeEmptyResponse, "worker is not running", w.ExitErr()).
			WithContext("worker", w.Name())
	}

	return fn(&Session{w: w, ctx: ctx})
}

// Call sends one request and returns the raw result.
func (w *Worker) Call(ctx context.Context, method string, params any) (result json.RawMessage, err error) {
	err = w.Exchange(ctx, func(s *Session) error {
		result, err = s.Call(method, params)
		return err
	})
	return result, err
}

// Notify sends one notification.
func (w *Worker) Notify(ctx context.Context, method string, params any) error {
	return w.Exchange(ctx, func(s *Session) error {
		return s.Notify(method, params)
	})
}

// send writes one message to the worker's stdin, bounded by ctx. A write that
// cannot finish leaves a partial line on the pipe, so the worker is marked
// dead and stopped.
func (w *Worker) send(ctx context.Context, v any, method string) error {
	deadline, _ := ctx.Deadline()
	_ = w.stdin.SetWriteDeadline(deadline)

	var mu sync.Mutex
	finished := false
	stop := context.AfterFunc(ctx, func() {
		mu.Lock()
		defer mu.Unlock()
		if !finished {
			_ = w.stdin.SetWriteDeadline(time.Now())
		}
	})
	err := w.writer.Write(v)
	mu.Lock()
	finished = true
	mu.Unlock()
	stop()

	if err == nil {
		return nil
	}
	w.markDead()
	if stderrors.Is(err, os.ErrDeadlineExceeded) || ctx.Err() != nil {
		w.logger.Warn("worker stopped reading its input", "method", method, "error", err)
		go func() { _ = w.Close(context.Background()) }()
		if ctx.Err() == nil {
			return errors.New(errors.CodeTimeout, "timed out writing "+method, err).
				WithContext("worker", w.Name()).
				WithContext("timeout", w.callTimeout.String()).
				WithRecoverable(true)
		}
		return w.contextError(ctx, "writing "+method)
	}
	return errors.New(errors.CodeEmptyResponse, "failed to write to worker", err).
		WithContext("worker", w.Name()).
		WithContext("method", method)
}

func (w *Worker) contextError(ctx context.Context, during string) error {
	if stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errors.New(errors.CodeTimeout, "timed out "+during, ctx.Err()).
			WithContext("worker", w.Name()).
			WithContext("timeout", w.callTimeout.String()).
			WithRecoverable(true)
	}
	return errors.New(errors.CodeCancelled, "cancelled "+during, ctx.Err()).
		WithContext("worker", w.Name())
}

// Close stops the worker: stdin is closed first so a well-behaved worker can
// exit on its own, then SIGTERM and finally SIGKILL follow, each after the
// shutdown grace period. Close is safe to call more than once.
func (w *Worker) Close(ctx context.Context) error {
	w.closeOnce.Do(func() {
		close(w.closed)
		_ = w.stdin.Close()
	})
	defer w.stdout.Close()

	if w.waitExit(ctx, w.grace) {
		return nil
	}

	w.logger.Warn("worker did not exit after stdin closed, sending SIGTERM", "pid", w.PID())
	if err := w.cmd.Process.Signal(syscall.SIGTERM); err != nil && !stderrors.Is(err, os.ErrProcessDone) {
		w.logger.Error("failed to send SIGTERM", "error", err)
	}
	if w.waitExit(ctx, w.grace) {
		return nil
	}

	w.logger.Warn("worker did not exit after SIGTERM, sending SIGKILL", "pid", w.PID())
	if err := w.cmd.Process.Kill(); err != nil && !stderrors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to kill worker %s: %w", w.Name(), err)
	}
	select {
	case <-w.exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) waitExit(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-w.exited:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}
