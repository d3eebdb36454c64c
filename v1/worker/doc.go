// Package worker implements the isolated process that performs the single
// blocking flock(2) call on behalf of a timed lock, and the parent side
// handle used to talk to it.
//
// The worker exists so the caller can stop waiting: flock(2) has no timeout,
// but a process can always be killed, and killing the only process that
// holds a lock file descriptor releases whatever lock the kernel granted it.
// The lock's lifetime is therefore the worker's lifetime.
//
// # Protocol
//
// The parent opens the lock file and passes it to the child as fd 3. The
// request travels in the TIMEDFLOCK_WORKER_REQUEST environment variable.
// Messages are newline-delimited JSON:
//
//	child -> parent (stdout): {"type":"granted","pid":123}
//	                          {"type":"failed","busy":true}
//	parent -> child (stdin):  {"type":"release"}
//
// The child sends exactly one report. After "granted" it waits for
// "release" or for stdin to reach EOF (the parent went away), then unlocks
// and exits. EOF on stdin before the grant makes the child exit immediately.
//
// # Bootstrap
//
// By default the parent re-executes its own binary as the worker, so every
// program using timed locks must call Init first thing in main:
//
//	func main() {
//	    if worker.Init() {
//	        return
//	    }
//	    ...
//	}
//
// Tests do the same from TestMain. Programs that cannot do this can point
// SpawnConfig.Command at the cmd/timedflock-worker binary.
package worker
