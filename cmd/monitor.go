package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/mention-monitor/internal/scheduler"
)

func newMonitorCmd() *cobra.Command {
	var (
		userID  int64
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Dispatch monitoring once and wait for every lane to drain",
		Long: `Runs the scheduler once, for a single user with --user or for every user
with a linked credential, then processes the resulting jobs until the queue is
idle or --timeout passes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMonitor(cmd, userID, timeout)
		},
	}
	cmd.Flags().Int64Var(&userID, "user", 0, "dispatch only this user id")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Minute, "give up waiting for the lanes after this long")
	return cmd
}

func runMonitor(cmd *cobra.Command, userID int64, timeout time.Duration) error {
	a, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	logger := a.Logger()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pipeline, err := a.Pipeline(ctx)
	if err != nil {
		return err
	}
	defer pipeline.Close()

	runCtx, cancel := context.WithCancel(ctx)
	lanesDone := make(chan struct{})
	go func() {
		defer close(lanesDone)
		pipeline.Dispatcher.Run(runCtx)
	}()
	defer func() {
		cancel()
		<-lanesDone
	}()

	var summary scheduler.Summary
	if userID > 0 {
		dispatched, err := pipeline.Scheduler.DispatchUser(ctx, userID)
		if err != nil {
			return fmt.Errorf("dispatch user %d: %w", userID, err)
		}
		summary.Users = 1
		if dispatched {
			summary.Dispatched = 1
		} else {
			summary.Skipped = 1
		}
	} else {
		summary, err = pipeline.Scheduler.DispatchAll(ctx)
		if err != nil {
			return fmt.Errorf("dispatch all: %w", err)
		}
	}
	logger.Info("monitoring dispatched",
		zap.Int("users", summary.Users),
		zap.Int("dispatched", summary.Dispatched),
		zap.Int("skipped", summary.Skipped),
		zap.Int("failed", summary.Failed),
	)

	waitCtx, waitCancel := context.WithTimeout(ctx, timeout)
	defer waitCancel()
	if err := pipeline.Queue.WaitIdle(waitCtx, 250*time.Millisecond); err != nil {
		return fmt.Errorf("lanes did not drain: %w", err)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	return nil
}
