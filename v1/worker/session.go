package worker

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	lockerrors "github.com/mirkobrombin/go-timedflock/v1/errors"
	"github.com/mirkobrombin/go-timedflock/v1/flock"
)

const (
	phaseAttempting int32 = iota
	phaseGranted
	phaseDone
)

// Session is the child side of one lock attempt.
type Session struct {
	File    *flock.File
	Request Request
	In      io.Reader
	Out     io.Writer
	Logger  *slog.Logger
	// Abandon is called when the parent stops listening before the lock
	// was granted. The default exits the process with ExitAbandoned, which
	// drops the pending flock call.
	Abandon func()

	phase atomic.Int32
}

// Run performs the lock attempt and, once granted, holds the lock until the
// parent asks for release or goes away. It returns nil after a granted lock
// was released, errors.ErrWouldBlock when a non-blocking attempt found the
// lock busy, and the flock error otherwise.
func (s *Session) Run() error {
	log := s.Logger
	if log == nil {
		log = slog.Default()
	}
	abandon := s.Abandon
	if abandon == nil {
		abandon = func() { os.Exit(ExitAbandoned) }
	}
	enc := json.NewEncoder(s.Out)
	released := make(chan struct{})
	var once sync.Once
	go s.watch(log, abandon, func() { once.Do(func() { close(released) }) })

	defer s.File.Close()
	if err := s.File.Lock(s.Request.Mode(), s.Request.NonBlocking); err != nil {
		// Set before reporting: the parent closes stdin once it has the
		// report, and that must not count as abandoning the attempt.
		s.phase.Store(phaseDone)
		busy := errors.Is(err, lockerrors.ErrWouldBlock)
		msg := Message{Type: MsgFailed, Busy: busy, PID: os.Getpid()}
		if !busy {
			msg.Error = err.Error()
			log.Warn("timedflock: lock attempt failed", "path", s.Request.Path, "error", err)
		}
		if encErr := enc.Encode(msg); encErr != nil {
			log.Debug("timedflock: report failure", "error", encErr)
		}
		return err
	}
	s.phase.Store(phaseGranted)
	if err := enc.Encode(Message{Type: MsgGranted, PID: os.Getpid()}); err != nil {
		_ = s.File.Unlock()
		return err
	}
	log.Debug("timedflock: lock granted", "path", s.Request.Path, "mode", s.Request.Mode())

	<-released
	if err := s.File.Unlock(); err != nil {
		log.Warn("timedflock: unlock", "path", s.Request.Path, "error", err)
	}
	log.Debug("timedflock: lock released", "path", s.Request.Path)
	return nil
}

// watch reads control messages from the parent. EOF means the parent
// closed its end or died.
func (s *Session) watch(log *slog.Logger, abandon, release func()) {
	dec := json.NewDecoder(s.In)
	for {
		var m Message
		err := dec.Decode(&m)
		if err == nil && m.Type != MsgRelease {
			log.Debug("timedflock: ignoring control message", "type", m.Type)
			continue
		}
		if s.phase.Load() == phaseAttempting {
			if err != nil {
				log.Info("timedflock: parent went away while waiting for the lock", "ppid", s.Request.ParentPID)
			}
			abandon()
		} else if err != nil {
			log.Info("timedflock: parent went away, releasing lock", "ppid", s.Request.ParentPID)
		}
		release()
		return
	}
}
