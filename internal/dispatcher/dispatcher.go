// Package dispatcher fans each queue lane out to its own pool of workers.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/mention-monitor/internal/monitor"
	"github.com/JakeFAU/mention-monitor/internal/worker"
)

// Queue is the lane-aware job queue shared by producers and workers.
type Queue interface {
	monitor.Enqueuer
	worker.Source
}

// Pool runs Size copies of Worker against one lane.
type Pool struct {
	Worker *worker.Worker
	Size   int
}

// Dispatcher owns the lane pools.
type Dispatcher struct {
	queue  Queue
	pools  []Pool
	logger *zap.Logger
}

// New creates a Dispatcher. Pools with a non-positive size run one worker.
func New(queue Queue, pools []Pool, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:  queue,
		pools:  pools,
		logger: logger,
	}
}

// Run starts every pool and blocks until the context finishes and all
// in-flight jobs have settled.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, pool := range d.pools {
		size := max(pool.Size, 1)
		d.logger.Info("starting lane pool", zap.String("lane", string(pool.Worker.Lane())), zap.Int("workers", size))
		for range size {
			wg.Add(1)
			go func(wk *worker.Worker) {
				defer wg.Done()
				wk.Run(ctx)
			}(pool.Worker)
		}
	}
	<-ctx.Done()
	wg.Wait()
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, job monitor.Job, delay time.Duration) error {
	if err := d.queue.Enqueue(ctx, job, delay); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}
