package scheduler

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Cron triggers DispatchAll on a schedule. Overlapping runs are skipped.
type Cron struct {
	cron   *cron.Cron
	logger *zap.Logger
}

// NewCron registers the scheduler under spec, a standard five-field cron
// expression or a descriptor such as "@every 15m".
func NewCron(spec string, s *Scheduler, logger *zap.Logger) (*Cron, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc(spec, func() {
		if _, err := s.DispatchAll(context.Background()); err != nil {
			logger.Error("scheduled dispatch failed", zap.Error(err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("parse cron spec %q: %w", spec, err)
	}
	return &Cron{cron: c, logger: logger}, nil
}

// Start runs the schedule in the background.
func (c *Cron) Start() {
	c.cron.Start()
	c.logger.Info("cron started", zap.Int("entries", len(c.cron.Entries())))
}

// Stop halts the schedule and waits for a running dispatch or ctx, whichever
// comes first.
func (c *Cron) Stop(ctx context.Context) {
	done := c.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}
