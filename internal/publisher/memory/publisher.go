// Package memory keeps dead-lettered jobs in memory for tests and local runs.
package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/mention-monitor/internal/monitor"
)

// Publisher stores published records for inspection.
type Publisher struct {
	mu      sync.RWMutex
	records []monitor.FailedJob
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish records the failed job.
func (p *Publisher) Publish(_ context.Context, failed monitor.FailedJob) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = append(p.records, failed)
	return nil
}

// Records returns a copy of the recorded jobs.
func (p *Publisher) Records() []monitor.FailedJob {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]monitor.FailedJob, len(p.records))
	copy(out, p.records)
	return out
}
