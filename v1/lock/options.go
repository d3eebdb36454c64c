package lock

import (
	"io"
	"log/slog"
	"time"

	"github.com/mirkobrombin/go-timedflock/v1/flock"
	"github.com/mirkobrombin/go-timedflock/v1/syncbus"
)

// Forever makes Acquire wait until the lock is granted or its context ends.
const Forever time.Duration = -1

const (
	defaultReleaseGrace = 5 * time.Second
	// defaultSpawnGrace bounds a non-blocking probe: the worker answers as
	// soon as it has started.
	defaultSpawnGrace = 5 * time.Second
)

// Option configures a TimedFileLock.
type Option func(*TimedFileLock)

// Shared requests a shared (reader) lock instead of an exclusive one.
func Shared() Option {
	return func(l *TimedFileLock) { l.mode = flock.Shared }
}

// WithMode sets the lock mode explicitly.
func WithMode(m flock.Mode) Option {
	return func(l *TimedFileLock) { l.mode = m }
}

// WithTimeout bounds Acquire. Zero makes it a non-blocking probe (the
// default) and Forever waits without a deadline.
func WithTimeout(d time.Duration) Option {
	return func(l *TimedFileLock) { l.timeout = d }
}

// WithTag labels the lock in worker diagnostics. The default is
// "func@file:line" of the code that created the lock.
func WithTag(tag string) Option {
	return func(l *TimedFileLock) { l.tag = tag }
}

// WithWorkerCommand runs argv as the worker instead of re-executing the
// current binary.
func WithWorkerCommand(argv ...string) Option {
	return func(l *TimedFileLock) { l.spawn.Command = argv }
}

// WithWorkerStderr redirects the worker's diagnostics.
func WithWorkerStderr(w io.Writer) Option {
	return func(l *TimedFileLock) { l.spawn.Stderr = w }
}

// WithWorkerLogLevel sets the worker's log level.
func WithWorkerLogLevel(level string) Option {
	return func(l *TimedFileLock) { l.spawn.LogLevel = level }
}

// WithReleaseGrace sets how long Release waits for the worker to exit
// before killing it.
func WithReleaseGrace(d time.Duration) Option {
	return func(l *TimedFileLock) { l.releaseGrace = d }
}

// WithSpawnGrace sets how long a non-blocking probe waits for the worker's
// answer.
func WithSpawnGrace(d time.Duration) Option {
	return func(l *TimedFileLock) { l.spawnGrace = d }
}

// WithLogger sets the logger used by the controller.
func WithLogger(log *slog.Logger) Option {
	return func(l *TimedFileLock) { l.logger = log }
}

// WithBus publishes lock and unlock events for the lock file on bus.
func WithBus(bus syncbus.Bus) Option {
	return func(l *TimedFileLock) { l.bus = bus }
}

// WithTracing enables OpenTelemetry spans for Acquire and Release.
func WithTracing() Option {
	return func(l *TimedFileLock) { l.traceEnabled = true }
}
