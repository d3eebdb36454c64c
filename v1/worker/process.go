package worker

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	lockerrors "github.com/mirkobrombin/go-timedflock/v1/errors"
	"github.com/mirkobrombin/go-timedflock/v1/flock"
)

// SpawnConfig controls how the worker process is started.
type SpawnConfig struct {
	// Command is the worker argv. Empty means re-executing the current
	// binary, which must call Init.
	Command []string
	// Stderr receives the worker's diagnostics. Nil means os.Stderr.
	Stderr io.Writer
	// LogLevel is passed to the worker through LogLevelEnv when set.
	LogLevel string
}

// Process is the parent side handle of a running worker.
type Process struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	reports chan Message
	exited  chan struct{}

	mu      sync.Mutex
	stopped bool
	waitErr error
}

// Spawn starts a worker for req, handing it f as its lock descriptor. The
// caller keeps ownership of f and should close its copy once Spawn returns:
// the lock must be reachable only through the worker.
func Spawn(f *flock.File, req Request, cfg SpawnConfig) (*Process, error) {
	argv := cfg.Command
	if len(argv) == 0 {
		exe, err := os.Executable()
		if err != nil {
			return nil, &lockerrors.WorkerSpawnError{Command: "<self>", Err: err}
		}
		argv = []string{exe}
	}
	name := strings.Join(argv, " ")
	payload, err := encodeRequest(req)
	if err != nil {
		return nil, &lockerrors.WorkerSpawnError{Command: name, Err: err}
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.ExtraFiles = []*os.File{f.OSFile()}
	cmd.Env = append(os.Environ(), RequestEnv+"="+payload)
	if cfg.LogLevel != "" {
		cmd.Env = append(cmd.Env, LogLevelEnv+"="+cfg.LogLevel)
	}
	cmd.Stderr = cfg.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	setSysProcAttr(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &lockerrors.WorkerSpawnError{Command: name, Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &lockerrors.WorkerSpawnError{Command: name, Err: err}
	}
	if err := cmd.Start(); err != nil {
		return nil, &lockerrors.WorkerSpawnError{Command: name, Err: err}
	}

	p := &Process{
		cmd:     cmd,
		stdin:   stdin,
		reports: make(chan Message, 1),
		exited:  make(chan struct{}),
	}
	go p.read(stdout)
	return p, nil
}

// read forwards worker reports until the worker closes stdout, then reaps
// the process. Wait must not run before all reads from stdout are done.
func (p *Process) read(stdout io.Reader) {
	dec := json.NewDecoder(stdout)
	for {
		var m Message
		if err := dec.Decode(&m); err != nil {
			break
		}
		select {
		case p.reports <- m:
		default:
		}
	}
	close(p.reports)
	err := p.cmd.Wait()
	p.mu.Lock()
	p.waitErr = err
	p.mu.Unlock()
	close(p.exited)
}

// PID returns the worker's process id.
func (p *Process) PID() int { return p.cmd.Process.Pid }

// Next blocks until the worker reports, ctx is done, or the worker's
// channel closes, whichever comes first. A closed channel yields
// errors.ErrWorkerGone.
func (p *Process) Next(ctx context.Context) (Message, error) {
	select {
	case m, ok := <-p.reports:
		if !ok {
			return Message{}, lockerrors.ErrWorkerGone
		}
		return m, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Exited is closed once the worker process has been reaped.
func (p *Process) Exited() <-chan struct{} { return p.exited }

// ExitErr returns the result of waiting for the worker. Only meaningful
// after Exited is closed.
func (p *Process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitErr
}

// Kill terminates the worker unconditionally and waits until it is reaped.
// Safe to call more than once and after the worker exited on its own.
func (p *Process) Kill() {
	p.closeStdin()
	select {
	case <-p.exited:
		return
	default:
	}
	_ = p.cmd.Process.Kill()
	<-p.exited
}

// Release asks the worker to unlock and exit and waits up to grace for it
// to do so, killing it afterwards. It reports whether the worker exited
// within the grace period.
func (p *Process) Release(grace time.Duration) bool {
	p.mu.Lock()
	if !p.stopped {
		_ = json.NewEncoder(p.stdin).Encode(Message{Type: MsgRelease})
	}
	p.mu.Unlock()
	return p.Stop(grace)
}

// Stop closes the control channel and waits up to grace for the worker to
// exit, killing it afterwards. It reports whether the worker exited on its
// own.
func (p *Process) Stop(grace time.Duration) bool {
	p.closeStdin()
	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-p.exited:
		return true
	case <-t.C:
		p.Kill()
		return false
	}
}

func (p *Process) closeStdin() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.stopped = true
	_ = p.stdin.Close()
}
