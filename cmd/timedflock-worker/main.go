// Command timedflock-worker is the lock worker for programs that cannot
// re-execute themselves. Point lock.WithWorkerCommand at it.
package main

import (
	"fmt"
	"os"

	lockerrors "github.com/mirkobrombin/go-timedflock/v1/errors"
	"github.com/mirkobrombin/go-timedflock/v1/worker"
)

func main() {
	if worker.Init() {
		return
	}
	fmt.Fprintln(os.Stderr, lockerrors.ErrNotWorker)
	os.Exit(worker.ExitBadUsage)
}
