//go:build unix

package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/mirkobrombin/go-timedflock/v1/lock"
	"github.com/mirkobrombin/go-timedflock/v1/syncbus"
	"github.com/mirkobrombin/go-timedflock/v1/worker"
)

func TestMain(m *testing.M) {
	worker.Init()
	os.Exit(m.Run())
}

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := execute(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func holdLock(t *testing.T, path string) {
	t.Helper()
	l, err := lock.New(path, lock.WithTimeout(5*time.Second), lock.WithWorkerStderr(&bytes.Buffer{}))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := l.Acquire(context.Background()); err != nil || !l.Locked() {
		t.Fatalf("hold lock: %v (%v)", err, l.Cause())
	}
	t.Cleanup(func() { _ = l.Release() })
}

func TestRunPassesExitCode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.lock")
	if code, _, stderr := runCLI(t, "run", path, "--", "true"); code != 0 {
		t.Fatalf("expected 0, got %d: %s", code, stderr)
	}
	if code, _, _ := runCLI(t, "run", path, "--", "sh", "-c", "exit 3"); code != 3 {
		t.Fatalf("expected 3, got %d", code)
	}
}

func TestRunWritesCommandOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.lock")
	code, stdout, _ := runCLI(t, "run", "--timeout", "2", path, "echo", "-n", "hello")
	if code != 0 || stdout != "hello" {
		t.Fatalf("expected hello, got %q (code %d)", stdout, code)
	}
}

func TestRunConflictExitCode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.lock")
	holdLock(t, path)

	code, stdout, _ := runCLI(t, "run", "--timeout", "0", "--conflict-exit-code", "42", path, "--", "echo", "ran")
	if code != 42 {
		t.Fatalf("expected conflict code 42, got %d", code)
	}
	if strings.Contains(stdout, "ran") {
		t.Fatal("command ran without the lock")
	}

	start := time.Now()
	if code, _, _ := runCLI(t, "run", "--timeout", "300ms", path, "--", "true"); code != 1 {
		t.Fatalf("expected default conflict code 1, got %d", code)
	}
	if time.Since(start) > 3*time.Second {
		t.Fatal("bounded run waited too long")
	}
}

func TestRunSharedWithSharedHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.lock")
	l, err := lock.New(path, lock.Shared(), lock.WithTimeout(5*time.Second), lock.WithWorkerStderr(&bytes.Buffer{}))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := l.Acquire(context.Background()); err != nil || !l.Locked() {
		t.Fatalf("acquire shared: %v", err)
	}
	defer l.Release()

	if code, _, _ := runCLI(t, "run", "--shared", "--timeout", "0", path, "--", "true"); code != 0 {
		t.Fatalf("shared run next to shared holder: code %d", code)
	}
	if code, _, _ := runCLI(t, "run", "--timeout", "0", path, "--", "true"); code != 1 {
		t.Fatalf("exclusive run next to shared holder: code %d", code)
	}
}

func TestRunAfterSeparator(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.lock")
	code, stdout, stderr := runCLI(t, "run", "--timeout", "1", path, "--", "echo", "hi")
	if code != 0 || strings.TrimSpace(stdout) != "hi" {
		t.Fatalf("expected hi, got %q (code %d): %s", stdout, code, stderr)
	}
}

func TestRunSeparatorWithoutCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.lock")
	code, _, stderr := runCLI(t, "run", path, "--")
	if code != 1 || !strings.Contains(stderr, "missing command") {
		t.Fatalf("expected missing command error, got %d: %s", code, stderr)
	}
}

func TestRunMissingCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.lock")
	if code, _, _ := runCLI(t, "run", path, "--", "timedflock-no-such-command"); code != exitNotFound {
		t.Fatalf("expected %d, got %d", exitNotFound, code)
	}
}

func TestRunBadTimeout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.lock")
	code, _, stderr := runCLI(t, "run", "--timeout", "soon", path, "--", "true")
	if code != 1 || !strings.Contains(stderr, "invalid timeout") {
		t.Fatalf("expected invalid timeout error, got %d: %s", code, stderr)
	}
}

func TestProbe(t *testing.T) {
	path := filepath.Join(t.TempDir(), "probe.lock")
	if code, stdout, _ := runCLI(t, "probe", path); code != 0 || !strings.Contains(stdout, "free") {
		t.Fatalf("expected free, got %d %q", code, stdout)
	}
	holdLock(t, path)
	if code, stdout, _ := runCLI(t, "probe", path); code != 1 || !strings.Contains(stdout, "held") {
		t.Fatalf("expected held, got %d %q", code, stdout)
	}
	if code, stdout, _ := runCLI(t, "probe", "-q", path); code != 1 || stdout != "" {
		t.Fatalf("expected quiet held, got %d %q", code, stdout)
	}
}

func TestProbeMissingDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "probe.lock")
	code, _, stderr := runCLI(t, "probe", path)
	if code != 1 || !strings.Contains(stderr, "open lock file") {
		t.Fatalf("expected resource error, got %d: %s", code, stderr)
	}
}

func TestWatchNeedsBus(t *testing.T) {
	code, _, stderr := runCLI(t, "watch", filepath.Join(t.TempDir(), "w.lock"))
	if code != 1 || !strings.Contains(stderr, "event bus") {
		t.Fatalf("expected bus error, got %d: %s", code, stderr)
	}
}

func TestWatchSeesRunEvents(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()
	path := filepath.Join(t.TempDir(), "watched.lock")

	type result struct {
		code   int
		stdout string
	}
	done := make(chan result, 1)
	go func() {
		var stdout, stderr bytes.Buffer
		code := execute(context.Background(), []string{"--redis", mr.Addr(), "watch", "-n", "2", path}, &stdout, &stderr)
		done <- result{code, stdout.String()}
	}()

	unlockKey := syncbus.UnlockKey(path)
	deadline := time.Now().Add(5 * time.Second)
	for mr.PubSubNumSub(unlockKey)[unlockKey] == 0 {
		if time.Now().After(deadline) {
			t.Fatal("watch did not subscribe")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if code, _, stderr := runCLI(t, "--redis", mr.Addr(), "run", path, "--", "true"); code != 0 {
		t.Fatalf("run: %d %s", code, stderr)
	}

	select {
	case r := <-done:
		if r.code != 0 {
			t.Fatalf("watch exited %d", r.code)
		}
		var locked, unlocked int
		for _, line := range strings.Split(strings.TrimSpace(r.stdout), "\n") {
			switch {
			case strings.HasSuffix(line, " unlocked "+path):
				unlocked++
			case strings.HasSuffix(line, " locked "+path):
				locked++
			}
		}
		if locked != 1 || unlocked != 1 {
			t.Fatalf("unexpected events: %q", r.stdout)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not report events")
	}
}

func TestParseTimeout(t *testing.T) {
	cases := map[string]time.Duration{
		"":     lock.Forever,
		"-1":   lock.Forever,
		"0":    0,
		"2":    2 * time.Second,
		"0.5":  500 * time.Millisecond,
		"1m":   time.Minute,
		"10ms": 10 * time.Millisecond,
	}
	for in, want := range cases {
		got, err := parseTimeout(in)
		if err != nil || got != want {
			t.Errorf("parseTimeout(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := parseTimeout("later"); err == nil {
		t.Error("expected error for bad timeout")
	}
}

func TestBadLogLevel(t *testing.T) {
	code, _, stderr := runCLI(t, "--log-level", "loud", "probe", filepath.Join(t.TempDir(), "x.lock"))
	if code != 1 || !strings.Contains(stderr, "log-level") {
		t.Fatalf("expected log level error, got %d: %s", code, stderr)
	}
}

func TestBusFlagsExclusive(t *testing.T) {
	code, _, stderr := runCLI(t, "--nats", "nats://127.0.0.1:1", "--redis", "127.0.0.1:1", "probe", filepath.Join(t.TempDir(), "x.lock"))
	if code != 1 || !strings.Contains(stderr, "mutually exclusive") {
		t.Fatalf("expected exclusive flags error, got %d: %s", code, stderr)
	}
}
