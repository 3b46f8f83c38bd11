// Package logsink writes dead-lettered jobs to the structured log.
package logsink

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/mention-monitor/internal/monitor"
)

// Sink logs each failed job at error level.
type Sink struct {
	logger *zap.Logger
}

// New returns a Sink writing to logger.
func New(logger *zap.Logger) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{logger: logger}
}

// Publish implements monitor.DeadLetterSink.
func (s *Sink) Publish(_ context.Context, failed monitor.FailedJob) error {
	s.logger.Error("dead letter",
		zap.String("job_id", failed.JobID),
		zap.String("lane", string(failed.Lane)),
		zap.String("kind", failed.Kind),
		zap.Int("attempt", failed.Attempt),
		zap.String("error", failed.Error),
		zap.Any("payload", failed.Payload),
		zap.Time("failed_at", failed.FailedAt),
	)
	return nil
}
