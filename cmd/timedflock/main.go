// Command timedflock runs commands under a timeout-bounded file lock.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mirkobrombin/go-timedflock/v1/worker"
)

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
}

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func main() {
	worker.Init()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	a := &app{}
	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.ExecuteContext(ctx)
	if serr := a.shutdown(ctx); serr != nil {
		fmt.Fprintln(root.ErrOrStderr(), "timedflock:", serr)
	}
	var ee *exitError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &ee):
		return ee.code
	default:
		fmt.Fprintln(root.ErrOrStderr(), "Error:", err)
		return 1
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "timedflock",
		Short:         "timedflock - advisory file locks with a bounded wait",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.logLevel, "log-level", envOr(envLogLevel, "warn"), "log level (debug, info, warn, error)")
	pf.StringVar(&a.metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
	pf.BoolVar(&a.trace, "trace", false, "print OpenTelemetry spans to stderr")
	pf.StringVar(&a.natsURL, "nats", os.Getenv(envNATSURL), "publish lock events to this NATS server")
	pf.StringVar(&a.redisAddr, "redis", os.Getenv(envRedisAddr), "publish lock events to this Redis server")

	root.AddCommand(newRunCmd(a), newProbeCmd(a), newWatchCmd(a))
	return root
}
