package main

import (
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mirkobrombin/go-timedflock/v1/lock"
)

// exitNotFound mirrors the shell's code for a missing command.
const exitNotFound = 127

func newRunCmd(a *app) *cobra.Command {
	var (
		shared       bool
		timeout      string
		tag          string
		conflictCode int
	)
	cmd := &cobra.Command{
		Use:   "run [flags] LOCKFILE -- CMD [ARGS...]",
		Short: "Run a command while holding the lock",
		Long: "Run CMD while holding LOCKFILE. The exit status is the command's own, " +
			"or --conflict-exit-code when the lock was not obtained in time.",
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := parseTimeout(timeout)
			if err != nil {
				return err
			}
			path, argv := args[0], args[1:]
			// pflag keeps the separator when interspersed flags are off.
			if len(argv) > 0 && argv[0] == "--" {
				argv = argv[1:]
			}
			if len(argv) == 0 {
				return errors.New("run: missing command")
			}
			if tag == "" {
				tag = "run:" + argv[0]
			}
			opts := append(a.lockOptions(), lock.WithTimeout(d), lock.WithTag(tag))
			if shared {
				opts = append(opts, lock.Shared())
			}
			l, err := lock.New(path, opts...)
			if err != nil {
				return err
			}
			if err := l.Acquire(cmd.Context()); err != nil {
				return err
			}
			defer func() { _ = l.Release() }()
			if !l.Locked() {
				a.logger.Info("timedflock: lock not acquired", "path", path, "state", l.State(), "cause", l.Cause())
				return &exitError{code: conflictCode}
			}

			c := exec.CommandContext(cmd.Context(), argv[0], argv[1:]...)
			c.Stdin = cmd.InOrStdin()
			c.Stdout = cmd.OutOrStdout()
			c.Stderr = cmd.ErrOrStderr()
			err = c.Run()
			var xe *exec.ExitError
			switch {
			case err == nil:
				return nil
			case errors.As(err, &xe):
				code := xe.ExitCode()
				if code < 0 {
					code = 1
				}
				return &exitError{code: code}
			case errors.Is(err, exec.ErrNotFound):
				fmt.Fprintln(cmd.ErrOrStderr(), "timedflock:", err)
				return &exitError{code: exitNotFound}
			default:
				return err
			}
		},
	}
	cmd.Flags().SetInterspersed(false)
	cmd.Flags().BoolVarP(&shared, "shared", "s", false, "take a shared lock")
	cmd.Flags().StringVarP(&timeout, "timeout", "w", "-1", "seconds or duration to wait for the lock; 0 fails at once, -1 waits forever")
	cmd.Flags().StringVar(&tag, "tag", "", "label reported by the lock worker")
	cmd.Flags().IntVarP(&conflictCode, "conflict-exit-code", "E", 1, "exit code when the lock is not obtained")
	return cmd
}

// parseTimeout accepts plain seconds ("2", "0.5") or a Go duration ("1m").
func parseTimeout(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "-1" {
		return lock.Forever, nil
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid timeout %q", s)
	}
	return d, nil
}
