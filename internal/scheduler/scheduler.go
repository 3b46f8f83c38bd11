// Package scheduler fans keyword monitoring out into search jobs.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/mention-monitor/internal/monitor"
)

// Search job jitter bounds, in seconds.
const (
	searchJitterMin = 2
	searchJitterMax = 5
)

// Store is the persistence the scheduler needs.
type Store interface {
	GetCredential(ctx context.Context, id int64) (monitor.Credential, error)
	GetCredentialByUser(ctx context.Context, userID int64) (monitor.Credential, error)
	ListCredentialUsers(ctx context.Context, afterUserID int64, limit int) ([]int64, error)
	ListKeywordRules(ctx context.Context, credentialID int64) ([]monitor.KeywordRule, error)
	TouchKeywordRule(ctx context.Context, id int64, checkedAt time.Time) error
	MarkDispatched(ctx context.Context, userID, credentialID int64, at time.Time) error
}

// Config tunes batch dispatch.
type Config struct {
	BatchSize   int
	Parallelism int
}

// Summary counts the users visited by DispatchAll.
type Summary struct {
	Users      int `json:"users"`
	Dispatched int `json:"dispatched"`
	Skipped    int `json:"skipped"`
	Failed     int `json:"failed"`
}

// Scheduler dispatches monitoring work per user and handles the monitoring lane.
type Scheduler struct {
	store    Store
	enqueuer monitor.Enqueuer
	cfg      Config
	clock    monitor.Clock
	jitter   func(minSec, maxSec int) time.Duration
	logger   *zap.Logger
}

// New constructs a Scheduler. Batches default to 50 users processed 4 at a time.
func New(store Store, enqueuer monitor.Enqueuer, cfg Config, clock monitor.Clock, logger *zap.Logger) *Scheduler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 4
	}
	if clock == nil {
		clock = monitor.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		store:    store,
		enqueuer: enqueuer,
		cfg:      cfg,
		clock:    clock,
		jitter:   monitor.Jitter,
		logger:   logger,
	}
}

// DispatchUser queues a monitoring job for the user's credential. It reports
// false without error when the user has no credential or no keyword rules.
func (s *Scheduler) DispatchUser(ctx context.Context, userID int64) (bool, error) {
	logger := s.logger.With(zap.Int64("user_id", userID))

	cred, err := s.store.GetCredentialByUser(ctx, userID)
	if errors.Is(err, monitor.ErrNotFound) {
		logger.Warn("no credential for user")
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load credential for user %d: %w", userID, err)
	}
	rules, err := s.store.ListKeywordRules(ctx, cred.ID)
	if err != nil {
		return false, fmt.Errorf("list keyword rules for credential %d: %w", cred.ID, err)
	}
	if len(rules) == 0 {
		logger.Warn("no active keyword rules", zap.Int64("credential_id", cred.ID))
		return false, nil
	}

	now := s.clock.Now()
	job, err := monitor.NewJob(monitor.MonitorJob{UserID: cred.UserID, CredentialID: cred.ID}, now)
	if err != nil {
		return false, err
	}
	if err := s.enqueuer.Enqueue(ctx, job, 0); err != nil {
		return false, fmt.Errorf("enqueue monitor job: %w", err)
	}
	if err := s.store.MarkDispatched(ctx, cred.UserID, cred.ID, now); err != nil {
		logger.Error("failed to update dispatch ledger", zap.Error(err))
	}
	logger.Info("monitoring dispatched",
		zap.String("job_id", job.ID),
		zap.Int64("credential_id", cred.ID),
		zap.Int("rules", len(rules)),
	)
	return true, nil
}

// DispatchAll walks every user with a credential in batches. A failure for one
// user is logged and counted but does not stop the walk.
func (s *Scheduler) DispatchAll(ctx context.Context) (Summary, error) {
	var (
		summary                     Summary
		dispatched, skipped, failed atomic.Int64
		after                       int64
	)
	for {
		users, err := s.store.ListCredentialUsers(ctx, after, s.cfg.BatchSize)
		if err != nil {
			return summary, fmt.Errorf("list users after %d: %w", after, err)
		}
		if len(users) == 0 {
			break
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.cfg.Parallelism)
		for _, userID := range users {
			g.Go(func() error {
				ok, err := s.DispatchUser(gctx, userID)
				switch {
				case err != nil:
					failed.Add(1)
					s.logger.Error("dispatch failed", zap.Int64("user_id", userID), zap.Error(err))
				case ok:
					dispatched.Add(1)
				default:
					skipped.Add(1)
				}
				return nil
			})
		}
		_ = g.Wait()

		summary.Users += len(users)
		after = users[len(users)-1]
		if err := ctx.Err(); err != nil {
			return s.finish(summary, &dispatched, &skipped, &failed), fmt.Errorf("dispatch interrupted: %w", err)
		}
		if len(users) < s.cfg.BatchSize {
			break
		}
	}
	summary = s.finish(summary, &dispatched, &skipped, &failed)
	s.logger.Info("dispatch pass complete",
		zap.Int("users", summary.Users),
		zap.Int("dispatched", summary.Dispatched),
		zap.Int("skipped", summary.Skipped),
		zap.Int("failed", summary.Failed),
	)
	return summary, nil
}

func (s *Scheduler) finish(summary Summary, dispatched, skipped, failed *atomic.Int64) Summary {
	summary.Dispatched = int(dispatched.Load())
	summary.Skipped = int(skipped.Load())
	summary.Failed = int(failed.Load())
	return summary
}

// Handle implements the monitoring lane: one search job per rule and target
// community, or one global search when the rule names no community.
func (s *Scheduler) Handle(ctx context.Context, job monitor.Job) error {
	payload, ok := job.Payload.(monitor.MonitorJob)
	if !ok {
		return fmt.Errorf("%w: monitoring lane got %T", monitor.ErrValidation, job.Payload)
	}
	logger := s.logger.With(
		zap.String("job_id", job.ID),
		zap.Int64("user_id", payload.UserID),
		zap.Int64("credential_id", payload.CredentialID),
	)

	cred, err := s.store.GetCredential(ctx, payload.CredentialID)
	if errors.Is(err, monitor.ErrNotFound) {
		logger.Error("credential not found")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load credential %d: %w", payload.CredentialID, err)
	}
	rules, err := s.store.ListKeywordRules(ctx, cred.ID)
	if err != nil {
		return fmt.Errorf("list keyword rules for credential %d: %w", cred.ID, err)
	}

	queued := 0
	for _, rule := range rules {
		n, err := s.fanOut(ctx, cred, rule)
		queued += n
		if err != nil {
			return err
		}
	}
	logger.Info("search jobs queued", zap.Int("rules", len(rules)), zap.Int("jobs", queued))
	return nil
}

func (s *Scheduler) fanOut(ctx context.Context, cred monitor.Credential, rule monitor.KeywordRule) (int, error) {
	communities := rule.TargetCommunities()
	if len(communities) == 0 {
		communities = []string{""}
	}
	now := s.clock.Now()
	for i, community := range communities {
		job, err := monitor.NewJob(monitor.SearchJob{
			Keyword:      rule.Keyword,
			UserID:       cred.UserID,
			CredentialID: cred.ID,
			KeywordID:    rule.ID,
			Community:    community,
		}, now)
		if err != nil {
			return i, err
		}
		if err := s.enqueuer.Enqueue(ctx, job, s.jitter(searchJitterMin, searchJitterMax)); err != nil {
			return i, fmt.Errorf("enqueue search for keyword %d: %w", rule.ID, err)
		}
	}
	if err := s.store.TouchKeywordRule(ctx, rule.ID, now); err != nil {
		return len(communities), fmt.Errorf("stamp keyword rule %d: %w", rule.ID, err)
	}
	return len(communities), nil
}
