// Package processor cleans extracted candidates and hands the verifiable ones
// to the enrichment lane.
package processor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/mention-monitor/internal/monitor"
)

// Processor handles post-processing jobs.
type Processor struct {
	enqueuer monitor.Enqueuer
	clock    monitor.Clock
	jitter   func() time.Duration
	logger   *zap.Logger
}

// New constructs a Processor. Enrichment jobs are delayed by 1 to 3 seconds.
func New(enqueuer monitor.Enqueuer, clock monitor.Clock, logger *zap.Logger) *Processor {
	if clock == nil {
		clock = monitor.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		enqueuer: enqueuer,
		clock:    clock,
		jitter:   func() time.Duration { return monitor.Jitter(1, 3) },
		logger:   logger,
	}
}

// Handle implements the post-processing lane handler.
func (p *Processor) Handle(ctx context.Context, job monitor.Job) error {
	payload, ok := job.Payload.(monitor.ProcessJob)
	if !ok {
		return fmt.Errorf("%w: post-processing lane got %T", monitor.ErrValidation, job.Payload)
	}
	_, err := p.Process(ctx, payload)
	return err
}

// Normalize collapses whitespace in the fields the pipeline keeps and drops
// everything else.
func Normalize(c monitor.CandidateItem) monitor.CandidateItem {
	return monitor.CandidateItem{
		ExternalID:  collapse(c.ExternalID),
		Title:       collapse(c.Title),
		Community:   collapse(c.Community),
		CommunityID: collapse(c.CommunityID),
	}
}

// Process cleans one candidate and enqueues its enrichment job. It returns the
// enqueued job, or nil when the candidate was dropped.
func (p *Processor) Process(ctx context.Context, in monitor.ProcessJob) (*monitor.Job, error) {
	item := Normalize(in.Candidate)
	if item.Title == "" || item.ExternalID == "" {
		p.logger.Debug("dropping candidate without title or id", zap.String("item_id", in.Candidate.ExternalID))
		return nil, nil
	}
	if in.Owner.CredentialID == 0 || in.Owner.KeywordID == 0 {
		p.logger.Error("candidate missing owner ids",
			zap.String("item_id", item.ExternalID),
			zap.Int64("credential_id", in.Owner.CredentialID),
			zap.Int64("keyword_id", in.Owner.KeywordID),
		)
		return nil, nil
	}

	now := p.clock.Now()
	job, err := monitor.NewJob(monitor.EnrichJob{
		CredentialID: in.Owner.CredentialID,
		KeywordID:    in.Owner.KeywordID,
		ExternalID:   item.ExternalID,
		Community:    item.Community,
		ScrapedAt:    now,
	}, now)
	if err != nil {
		return nil, err
	}
	if err := p.enqueuer.Enqueue(ctx, job, p.jitter()); err != nil {
		return nil, fmt.Errorf("enqueue enrichment for %s: %w", item.ExternalID, err)
	}
	p.logger.Debug("queued enrichment",
		zap.String("job_id", job.ID),
		zap.String("item_id", item.ExternalID),
		zap.Int64("keyword_id", in.Owner.KeywordID),
	)
	return &job, nil
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
