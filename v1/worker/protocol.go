package worker

import (
	"encoding/json"
	"fmt"

	"github.com/mirkobrombin/go-timedflock/v1/flock"
)

const (
	// RequestEnv carries the JSON encoded Request to the worker.
	RequestEnv = "TIMEDFLOCK_WORKER_REQUEST"
	// LogLevelEnv sets the worker's slog level (debug, info, warn, error).
	LogLevelEnv = "TIMEDFLOCK_LOG_LEVEL"
	// lockFD is the descriptor number of the first entry of ExtraFiles.
	lockFD = 3
)

// Exit codes of a worker process.
const (
	ExitReleased  = 0
	ExitFailed    = 1
	ExitBadUsage  = 2
	ExitBusy      = 3
	ExitAbandoned = 4
)

// MessageType identifies a protocol message.
type MessageType string

const (
	MsgGranted MessageType = "granted"
	MsgFailed  MessageType = "failed"
	MsgRelease MessageType = "release"
)

// Message is one line of the worker protocol.
type Message struct {
	Type  MessageType `json:"type"`
	Busy  bool        `json:"busy,omitempty"`
	Error string      `json:"error,omitempty"`
	PID   int         `json:"pid,omitempty"`
}

// Request describes a single lock attempt. It is immutable once spawned.
type Request struct {
	ID          string `json:"id"`
	Path        string `json:"path"`
	Shared      bool   `json:"shared"`
	NonBlocking bool   `json:"non_blocking"`
	Tag         string `json:"tag,omitempty"`
	ParentPID   int    `json:"ppid,omitempty"`
}

// Mode returns the flock mode of the request.
func (r Request) Mode() flock.Mode {
	if r.Shared {
		return flock.Shared
	}
	return flock.Exclusive
}

func encodeRequest(r Request) (string, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeRequest(s string) (Request, error) {
	var r Request
	if err := json.Unmarshal([]byte(s), &r); err != nil {
		return Request{}, fmt.Errorf("timedflock: decode worker request: %w", err)
	}
	if r.Path == "" {
		return Request{}, fmt.Errorf("timedflock: worker request without path")
	}
	return r, nil
}
