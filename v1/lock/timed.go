package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	lockerrors "github.com/mirkobrombin/go-timedflock/v1/errors"
	"github.com/mirkobrombin/go-timedflock/v1/flock"
	"github.com/mirkobrombin/go-timedflock/v1/metrics"
	"github.com/mirkobrombin/go-timedflock/v1/syncbus"
	"github.com/mirkobrombin/go-timedflock/v1/worker"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-timedflock/v1/lock")

const busTimeout = time.Second

// State is the lifecycle position of a TimedFileLock.
type State int32

const (
	StateInit State = iota
	StateAcquiring
	StateAcquired
	StateTimedOut
	StateFailed
	StateReleased
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateAcquiring:
		return "acquiring"
	case StateAcquired:
		return "acquired"
	case StateTimedOut:
		return "timed_out"
	case StateFailed:
		return "failed"
	case StateReleased:
		return "released"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// TimedFileLock is a single acquisition attempt on a lock file.
//
// Its methods are safe for concurrent use, but Release and Cause block
// while Acquire is in progress. Locked, State and WorkerPID never block.
type TimedFileLock struct {
	path         string
	mode         flock.Mode
	timeout      time.Duration
	tag          string
	spawn        worker.SpawnConfig
	releaseGrace time.Duration
	spawnGrace   time.Duration
	logger       *slog.Logger
	bus          syncbus.Bus
	traceEnabled bool

	mu    sync.Mutex
	state atomic.Int32
	proc  *worker.Process
	pid   atomic.Int64
	id    string
	abs   string
	cause error
}

// New returns an unacquired lock on path. Only the options are validated;
// the file is not touched until Acquire.
func New(path string, opts ...Option) (*TimedFileLock, error) {
	l := &TimedFileLock{
		path:         path,
		releaseGrace: defaultReleaseGrace,
		spawnGrace:   defaultSpawnGrace,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.timeout < 0 && l.timeout != Forever {
		return nil, fmt.Errorf("%w: %v", lockerrors.ErrInvalidTimeout, l.timeout)
	}
	if l.tag == "" {
		l.tag = callerTag(1)
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	return l, nil
}

// Path returns the lock file path as given to New.
func (l *TimedFileLock) Path() string { return l.path }

// Mode returns the requested lock mode.
func (l *TimedFileLock) Mode() flock.Mode { return l.mode }

// Tag returns the holder label passed to the worker.
func (l *TimedFileLock) Tag() string { return l.tag }

// Locked reports whether the lock is currently held.
func (l *TimedFileLock) Locked() bool { return l.State() == StateAcquired }

// State returns the current lifecycle state.
func (l *TimedFileLock) State() State { return State(l.state.Load()) }

// WorkerPID returns the pid of the worker holding the lock, or 0.
func (l *TimedFileLock) WorkerPID() int { return int(l.pid.Load()) }

// Cause explains why the last attempt did not end with the lock held:
// errors.ErrWouldBlock for a busy probe, errors.ErrWorkerGone when the worker
// died without reporting, a context error on timeout, or the worker's own
// error. It is nil while the lock is held or was never attempted.
func (l *TimedFileLock) Cause() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cause
}

// Acquire tries to take the lock within the configured timeout, also
// stopping early when ctx is done. Not getting the lock is not an error:
// check Locked afterwards. Errors are returned only when no attempt could be
// made: *errors.ResourceError, *errors.WorkerSpawnError, or
// errors.ErrLockUsed on a second call.
func (l *TimedFileLock) Acquire(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.state.CompareAndSwap(int32(StateInit), int32(StateAcquiring)) {
		return lockerrors.ErrLockUsed
	}

	var span trace.Span
	if l.traceEnabled {
		ctx, span = tracer.Start(ctx, "TimedFileLock.Acquire", trace.WithAttributes(
			attribute.String("timedflock.path", l.path),
			attribute.String("timedflock.mode", l.mode.String()),
			attribute.Int64("timedflock.timeout_ms", l.timeout.Milliseconds()),
		))
		defer span.End()
	}

	start := time.Now()
	outcome, err := l.acquire(ctx)
	wait := time.Since(start)

	metrics.AcquireCounter.WithLabelValues(l.mode.String(), outcome).Inc()
	metrics.WaitHistogram.WithLabelValues(outcome).Observe(wait.Seconds())
	if l.traceEnabled {
		span.SetAttributes(
			attribute.String("timedflock.outcome", outcome),
			attribute.String("timedflock.attempt", l.id),
			attribute.Int64("timedflock.wait_ms", wait.Milliseconds()),
		)
		if err != nil {
			span.RecordError(err)
		}
	}
	return err
}

func (l *TimedFileLock) acquire(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		l.finish(StateTimedOut, err)
		return metrics.OutcomeTimedOut, nil
	}

	f, err := flock.Open(l.path)
	if err != nil {
		l.finish(StateFailed, err)
		return metrics.OutcomeError, err
	}
	l.id = uuid.NewString()
	l.abs = f.Path()
	req := worker.Request{
		ID:          l.id,
		Path:        f.Path(),
		Shared:      l.mode == flock.Shared,
		NonBlocking: l.timeout == 0,
		Tag:         l.tag,
		ParentPID:   os.Getpid(),
	}
	proc, err := worker.Spawn(f, req, l.spawn)
	// The worker owns the only descriptor from here on.
	_ = f.Close()
	if err != nil {
		l.finish(StateFailed, err)
		return metrics.OutcomeError, err
	}

	waitCtx, cancel := l.waitContext(ctx)
	defer cancel()
	msg, err := proc.Next(waitCtx)
	switch {
	case err == nil && msg.Type == worker.MsgGranted:
		l.proc = proc
		l.pid.Store(int64(proc.PID()))
		l.finish(StateAcquired, nil)
		metrics.HeldGauge.Inc()
		l.publish(ctx, syncbus.LockKey(req.Path))
		l.logger.Debug("timedflock: lock acquired", "path", req.Path, "mode", l.mode, "attempt", l.id, "worker", proc.PID())
		return metrics.OutcomeAcquired, nil

	case err == nil:
		cause := lockerrors.ErrWouldBlock
		if !msg.Busy {
			cause = fmt.Errorf("timedflock: worker: %s", msg.Error)
			l.logger.Warn("timedflock: lock attempt failed", "path", req.Path, "attempt", l.id, "error", msg.Error)
		}
		l.reap(proc)
		l.finish(StateFailed, cause)
		return metrics.OutcomeFailed, nil

	case errors.Is(err, lockerrors.ErrWorkerGone):
		l.reap(proc)
		l.logger.Warn("timedflock: worker exited without reporting", "path", req.Path, "attempt", l.id, "exit", proc.ExitErr())
		l.finish(StateFailed, err)
		return metrics.OutcomeFailed, nil

	default:
		// Kill even if a grant raced the deadline: the grant dies with
		// the worker.
		proc.Kill()
		metrics.WorkerKillCounter.Inc()
		l.logger.Debug("timedflock: lock wait abandoned", "path", req.Path, "attempt", l.id, "error", err)
		l.finish(StateTimedOut, err)
		return metrics.OutcomeTimedOut, nil
	}
}

func (l *TimedFileLock) waitContext(ctx context.Context) (context.Context, context.CancelFunc) {
	switch {
	case l.timeout == Forever:
		return context.WithCancel(ctx)
	case l.timeout == 0:
		return context.WithTimeout(ctx, l.spawnGrace)
	default:
		return context.WithTimeout(ctx, l.timeout)
	}
}

// reap waits for a worker that already reported a failure to exit.
func (l *TimedFileLock) reap(proc *worker.Process) {
	if !proc.Stop(l.releaseGrace) {
		metrics.WorkerKillCounter.Inc()
	}
}

func (l *TimedFileLock) finish(s State, cause error) {
	l.cause = cause
	l.state.Store(int32(s))
}

// Release gives the lock back. It is idempotent and always returns nil:
// a worker that ignores the release request is killed after the grace
// period, which releases the lock just the same. Releasing a lock that was
// never acquired does nothing.
func (l *TimedFileLock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.State() {
	case StateAcquired:
	case StateTimedOut, StateFailed:
		l.state.Store(int32(StateReleased))
		return nil
	default:
		return nil
	}

	ctx := context.Background()
	var span trace.Span
	if l.traceEnabled {
		ctx, span = tracer.Start(ctx, "TimedFileLock.Release", trace.WithAttributes(
			attribute.String("timedflock.path", l.path),
			attribute.String("timedflock.attempt", l.id),
		))
		defer span.End()
	}

	proc := l.proc
	if !proc.Release(l.releaseGrace) {
		metrics.ReleaseGraceCounter.Inc()
		metrics.WorkerKillCounter.Inc()
		l.logger.Warn("timedflock: worker ignored release, killed", "path", l.path, "attempt", l.id, "worker", proc.PID())
		if l.traceEnabled {
			span.SetAttributes(attribute.Bool("timedflock.killed", true))
		}
	} else if err := proc.ExitErr(); err != nil {
		l.logger.Warn("timedflock: worker exited abnormally while holding the lock", "path", l.path, "attempt", l.id, "error", err)
	}
	l.proc = nil
	l.pid.Store(0)
	l.state.Store(int32(StateReleased))
	metrics.HeldGauge.Dec()
	l.publish(ctx, syncbus.UnlockKey(l.abs))
	l.logger.Debug("timedflock: lock released", "path", l.path, "attempt", l.id)
	return nil
}

func (l *TimedFileLock) publish(ctx context.Context, key string) {
	if l.bus == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), busTimeout)
	defer cancel()
	if err := l.bus.Publish(ctx, key); err != nil {
		l.logger.Warn("timedflock: publish lock event", "key", key, "error", err)
	}
}

// callerTag describes the caller skip frames above its own caller as
// "func@file:line".
func callerTag(skip int) string {
	pc, file, line, ok := runtime.Caller(skip + 1)
	if !ok {
		return "unknown"
	}
	name := "?"
	if fn := runtime.FuncForPC(pc); fn != nil {
		name = fn.Name()
		if i := strings.LastIndex(name, "/"); i >= 0 {
			name = name[i+1:]
		}
	}
	return fmt.Sprintf("%s@%s:%d", name, filepath.Base(file), line)
}
