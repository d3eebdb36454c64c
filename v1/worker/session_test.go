//go:build unix

package worker

import (
	"encoding/json"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	lockerrors "github.com/mirkobrombin/go-timedflock/v1/errors"
	"github.com/mirkobrombin/go-timedflock/v1/flock"
)

type sessionPipes struct {
	ctrl    *io.PipeWriter
	reports *json.Decoder
	done    chan error
}

func startSession(t *testing.T, path string, req Request) *sessionPipes {
	t.Helper()
	f, err := flock.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	req.Path = f.Path()
	s := &Session{File: f, Request: req, In: inR, Out: outW, Abandon: func() {}}
	done := make(chan error, 1)
	go func() {
		err := s.Run()
		_ = outW.Close()
		done <- err
	}()
	t.Cleanup(func() { _ = inW.Close() })
	return &sessionPipes{ctrl: inW, reports: json.NewDecoder(outR), done: done}
}

func (p *sessionPipes) next(t *testing.T) Message {
	t.Helper()
	var m Message
	if err := p.reports.Decode(&m); err != nil {
		t.Fatalf("read report: %v", err)
	}
	return m
}

func (p *sessionPipes) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-p.done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("session did not finish")
		return nil
	}
}

func TestSessionGrantAndRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.lock")
	p := startSession(t, path, Request{ID: "1"})
	if m := p.next(t); m.Type != MsgGranted {
		t.Fatalf("expected granted, got %+v", m)
	}

	other, _ := flock.Open(path)
	defer other.Close()
	if err := other.Lock(flock.Exclusive, true); !errors.Is(err, lockerrors.ErrWouldBlock) {
		t.Fatalf("expected lock held by session, got %v", err)
	}

	if err := json.NewEncoder(p.ctrl).Encode(Message{Type: MsgRelease}); err != nil {
		t.Fatalf("send release: %v", err)
	}
	if err := p.wait(t); err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := other.Lock(flock.Exclusive, true); err != nil {
		t.Fatalf("lock after release: %v", err)
	}
}

func TestSessionReleasesOnControlEOF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "eof.lock")
	p := startSession(t, path, Request{})
	if m := p.next(t); m.Type != MsgGranted {
		t.Fatalf("expected granted, got %+v", m)
	}
	_ = p.ctrl.Close()
	if err := p.wait(t); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestSessionNonBlockingBusy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "busy.lock")
	holder, _ := flock.Open(path)
	defer holder.Close()
	if err := holder.Lock(flock.Exclusive, true); err != nil {
		t.Fatalf("hold: %v", err)
	}

	p := startSession(t, path, Request{Shared: true, NonBlocking: true})
	m := p.next(t)
	if m.Type != MsgFailed || !m.Busy {
		t.Fatalf("expected busy failure, got %+v", m)
	}
	if err := p.wait(t); !errors.Is(err, lockerrors.ErrWouldBlock) {
		t.Fatalf("expected ErrWouldBlock, got %v", err)
	}
}

func TestSessionFailureIsNotAbandoned(t *testing.T) {
	path := filepath.Join(t.TempDir(), "busy.lock")
	holder, _ := flock.Open(path)
	defer holder.Close()
	if err := holder.Lock(flock.Exclusive, true); err != nil {
		t.Fatalf("hold: %v", err)
	}

	f, err := flock.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	abandoned := make(chan struct{}, 1)
	s := &Session{
		File:    f,
		Request: Request{Path: f.Path(), NonBlocking: true},
		In:      inR,
		Out:     outW,
		Abandon: func() { abandoned <- struct{}{} },
	}
	done := make(chan error, 1)
	go func() { done <- s.Run() }()

	var m Message
	if err := json.NewDecoder(outR).Decode(&m); err != nil || m.Type != MsgFailed {
		t.Fatalf("expected failure report, got %+v err %v", m, err)
	}
	_ = inW.Close()
	if err := <-done; !errors.Is(err, lockerrors.ErrWouldBlock) {
		t.Fatalf("expected ErrWouldBlock, got %v", err)
	}
	select {
	case <-abandoned:
		t.Fatal("closing control after a failure report abandoned the attempt")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestDecodeRequest(t *testing.T) {
	raw, err := encodeRequest(Request{ID: "x", Path: "/tmp/a.lock", Shared: true, Tag: "t"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	req, err := decodeRequest(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if req.Mode() != flock.Shared || req.Tag != "t" {
		t.Fatalf("unexpected request %+v", req)
	}
	if _, err := decodeRequest(`{"id":"x"}`); err == nil {
		t.Fatal("expected error for request without path")
	}
}
