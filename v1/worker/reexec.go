package worker

import (
	"errors"
	"log/slog"
	"os"
	"strings"

	lockerrors "github.com/mirkobrombin/go-timedflock/v1/errors"
	"github.com/mirkobrombin/go-timedflock/v1/flock"
)

// IsWorker reports whether the current process was started as a worker.
func IsWorker() bool {
	_, ok := os.LookupEnv(RequestEnv)
	return ok
}

// Init runs the worker and exits the process when the current process was
// started as a worker. Otherwise it returns false and does nothing.
func Init() bool {
	if !IsWorker() {
		return false
	}
	os.Exit(Main())
	return true
}

// Main runs the worker protocol on the inherited lock descriptor and
// returns the process exit code.
func Main() int {
	raw, ok := os.LookupEnv(RequestEnv)
	if !ok {
		slog.Error(lockerrors.ErrNotWorker.Error())
		return ExitBadUsage
	}
	log := newLogger(os.Getenv(LogLevelEnv))
	req, err := decodeRequest(raw)
	if err != nil {
		log.Error("timedflock: bad worker request", "error", err)
		return ExitBadUsage
	}
	if !descriptorOpen(lockFD) {
		log.Error("timedflock: lock descriptor missing", "fd", lockFD)
		return ExitBadUsage
	}
	fd := os.NewFile(uintptr(lockFD), req.Path)
	log = log.With("id", req.ID, "tag", req.Tag, "pid", os.Getpid())
	log.Debug("timedflock: worker started", "path", req.Path, "mode", req.Mode(), "ppid", req.ParentPID)

	s := &Session{
		File:    flock.FromFile(fd, req.Path),
		Request: req,
		In:      os.Stdin,
		Out:     os.Stdout,
		Logger:  log,
	}
	switch err := s.Run(); {
	case err == nil:
		return ExitReleased
	case errors.Is(err, lockerrors.ErrWouldBlock):
		return ExitBusy
	default:
		return ExitFailed
	}
}

func newLogger(level string) *slog.Logger {
	lvl := slog.LevelWarn
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "error":
		lvl = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
