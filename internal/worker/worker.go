// Package worker runs jobs from one queue lane with a timeout, bounded
// retries and a dead-letter sink.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/mention-monitor/internal/metrics"
	"github.com/JakeFAU/mention-monitor/internal/monitor"
)

// Job outcomes recorded in metrics.
const (
	StatusSucceeded    = "succeeded"
	StatusRetried      = "retried"
	StatusRejected     = "rejected"
	StatusDeadLettered = "dead_lettered"
)

var errPanic = errors.New("handler panicked")

// Handler executes one job.
type Handler interface {
	Handle(ctx context.Context, job monitor.Job) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job monitor.Job) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, job monitor.Job) error { return f(ctx, job) }

// Source yields jobs for a lane.
type Source interface {
	Dequeue(ctx context.Context, lane monitor.Lane) (monitor.Job, error)
}

// Acker is implemented by sources that track settled jobs.
type Acker interface {
	Ack(lane monitor.Lane)
}

// RetryPolicy decides whether a failed attempt runs again.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

// Config controls Worker behavior.
type Config struct {
	Lane    monitor.Lane
	Timeout time.Duration
}

// Worker consumes one lane.
type Worker struct {
	source     Source
	enqueuer   monitor.Enqueuer
	handler    Handler
	policy     RetryPolicy
	deadLetter monitor.DeadLetterSink
	clock      monitor.Clock
	cfg        Config
	logger     *zap.Logger
}

// New constructs a Worker. A nil policy never retries and a nil sink only logs.
func New(
	cfg Config,
	source Source,
	enqueuer monitor.Enqueuer,
	handler Handler,
	policy RetryPolicy,
	deadLetter monitor.DeadLetterSink,
	clock monitor.Clock,
	logger *zap.Logger,
) *Worker {
	if clock == nil {
		clock = monitor.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		source:     source,
		enqueuer:   enqueuer,
		handler:    handler,
		policy:     policy,
		deadLetter: deadLetter,
		clock:      clock,
		cfg:        cfg,
		logger:     logger.With(zap.String("lane", string(cfg.Lane))),
	}
}

// Lane returns the lane this worker consumes.
func (w *Worker) Lane() monitor.Lane {
	return w.cfg.Lane
}

// Run blocks, consuming jobs until the context finishes or the source closes.
func (w *Worker) Run(ctx context.Context) {
	for {
		job, err := w.source.Dequeue(ctx, w.cfg.Lane)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Info("lane source stopped", zap.Error(err))
			return
		}
		w.logger.Debug("dequeued job", zap.String("job_id", job.ID))
		w.Process(ctx, job)
		if acker, ok := w.source.(Acker); ok {
			acker.Ack(w.cfg.Lane)
		}
	}
}

// Process runs one attempt of job and settles its outcome. It returns the
// status recorded for the attempt.
func (w *Worker) Process(ctx context.Context, job monitor.Job) string {
	job.Attempt++
	logger := w.logger.With(
		zap.String("job_id", job.ID),
		zap.String("kind", kindOf(job)),
		zap.Int("attempt", job.Attempt),
	)

	metrics.IncActiveWorkers(string(w.cfg.Lane))
	start := w.clock.Now()
	err := w.run(ctx, job)
	metrics.DecActiveWorkers(string(w.cfg.Lane))

	status := w.settle(ctx, job, err, logger)
	metrics.ObserveJob(string(w.cfg.Lane), status, w.clock.Now().Sub(start))
	return status
}

func (w *Worker) run(ctx context.Context, job monitor.Job) (err error) {
	if w.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.Timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("job handler panic",
				zap.String("job_id", job.ID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			err = fmt.Errorf("%w: %v", errPanic, r)
		}
	}()
	return w.handler.Handle(ctx, job)
}

func (w *Worker) settle(ctx context.Context, job monitor.Job, err error, logger *zap.Logger) string {
	if err == nil {
		logger.Debug("job succeeded")
		return StatusSucceeded
	}

	if !errors.Is(err, errPanic) && w.policy != nil && w.policy.ShouldRetry(err, job.Attempt) {
		delay := w.policy.Backoff(job.Attempt)
		enqErr := w.enqueuer.Enqueue(ctx, job, delay)
		if enqErr == nil {
			logger.Warn("job failed, retrying", zap.Duration("backoff", delay), zap.Error(err))
			return StatusRetried
		}
		logger.Error("requeue failed", zap.Error(enqErr))
	}

	if errors.Is(err, monitor.ErrValidation) {
		logger.Warn("job rejected", zap.Error(err))
		return StatusRejected
	}

	logger.Error("job failed permanently", zap.Error(err))
	if w.deadLetter != nil {
		failed := monitor.NewFailedJob(job, err, w.clock.Now())
		if dlErr := w.deadLetter.Publish(context.WithoutCancel(ctx), failed); dlErr != nil {
			logger.Error("dead-letter publish failed", zap.Error(dlErr))
		}
	}
	return StatusDeadLettered
}

func kindOf(job monitor.Job) string {
	if job.Payload == nil {
		return ""
	}
	return job.Payload.Kind()
}
