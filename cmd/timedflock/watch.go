package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mirkobrombin/go-timedflock/v1/syncbus"
)

func newWatchCmd(a *app) *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "watch [flags] LOCKFILE",
		Short: "Print lock and unlock events published for a lock file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.bus == nil {
				return errors.New("watch needs an event bus: set --nats or --redis")
			}
			ctx := cmd.Context()
			path := args[0]
			lockKey, unlockKey := syncbus.LockKey(path), syncbus.UnlockKey(path)
			locked, err := a.bus.Subscribe(ctx, lockKey)
			if err != nil {
				return fmt.Errorf("subscribe: %w", err)
			}
			defer func() { _ = a.bus.Unsubscribe(ctx, lockKey, locked) }()
			unlocked, err := a.bus.Subscribe(ctx, unlockKey)
			if err != nil {
				return fmt.Errorf("subscribe: %w", err)
			}
			defer func() { _ = a.bus.Unsubscribe(ctx, unlockKey, unlocked) }()
			a.logger.Debug("timedflock: watching", "path", path, "lock_key", lockKey, "unlock_key", unlockKey)

			out := cmd.OutOrStdout()
			for seen := 0; count <= 0 || seen < count; seen++ {
				var event string
				select {
				case <-locked:
					event = "locked"
				case <-unlocked:
					event = "unlocked"
				case <-ctx.Done():
					return nil
				}
				fmt.Fprintf(out, "%s %s %s\n", time.Now().Format(time.RFC3339), event, path)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 0, "exit after this many events (0 = until interrupted)")
	return cmd
}
