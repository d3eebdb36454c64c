package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mirkobrombin/go-timedflock/v1/lock"
)

func newProbeCmd(a *app) *cobra.Command {
	var (
		shared bool
		quiet  bool
	)
	cmd := &cobra.Command{
		Use:   "probe [flags] LOCKFILE",
		Short: "Report whether the lock could be taken right now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := append(a.lockOptions(), lock.WithTimeout(0), lock.WithTag("probe"))
			if shared {
				opts = append(opts, lock.Shared())
			}
			l, err := lock.New(args[0], opts...)
			if err != nil {
				return err
			}
			if err := l.Acquire(cmd.Context()); err != nil {
				return err
			}
			defer func() { _ = l.Release() }()
			if l.Locked() {
				if !quiet {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: free\n", args[0])
				}
				return nil
			}
			if !quiet {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: held (%v)\n", args[0], l.Cause())
			}
			return &exitError{code: 1}
		},
	}
	cmd.Flags().BoolVarP(&shared, "shared", "s", false, "probe for a shared lock")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "only set the exit status")
	return cmd
}
