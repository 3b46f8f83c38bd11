// Package enrich confirms a candidate against the item-lookup API, matches it
// against its keyword rule, analyses it and persists the resulting mention.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/mention-monitor/internal/analysis"
	"github.com/JakeFAU/mention-monitor/internal/lookup"
	"github.com/JakeFAU/mention-monitor/internal/match"
	"github.com/JakeFAU/mention-monitor/internal/metrics"
	"github.com/JakeFAU/mention-monitor/internal/monitor"
)

// Field limits for persisted mentions.
const (
	MaxTitleLen   = 500
	MaxContentLen = 2000
	MaxReplyLen   = 1000

	permalinkBase = "https://reddit.com"
	ellipsis      = "..."
)

// Outcomes reported to metrics and returned by Enrich.
const (
	OutcomeInserted     = "inserted"
	OutcomeRediscovered = "rediscovered"
	OutcomeDuplicate    = "duplicate"
	OutcomeMissing      = "missing_records"
	OutcomeInvalid      = "invalid"
	OutcomeNoBody       = "no_body"
	OutcomeNoMatch      = "no_match"
)

// TokenSource yields a usable bearer token for a credential.
type TokenSource interface {
	GetValidAccessToken(ctx context.Context, cred monitor.Credential) (string, error)
}

// ItemLookup fetches the canonical item.
type ItemLookup interface {
	Fetch(ctx context.Context, accessToken, externalID string) (lookup.Item, error)
}

// Analyzer produces a validated analysis or an error.
type Analyzer interface {
	Analyze(ctx context.Context, req analysis.Request) (analysis.Result, error)
}

// Store is the persistence the worker needs.
type Store interface {
	GetCredential(ctx context.Context, id int64) (monitor.Credential, error)
	GetKeywordRule(ctx context.Context, id int64) (monitor.KeywordRule, error)
	GetPersona(ctx context.Context, id int64) (monitor.Persona, error)
	MentionExists(ctx context.Context, externalID string) (bool, error)
	InsertMention(ctx context.Context, mention monitor.Mention) (int64, error)
	UpdateMentionKeyword(ctx context.Context, externalID string, keywordID int64) error
	MarkFetched(ctx context.Context, userID, credentialID int64, at time.Time) error
}

// Worker handles enrichment-lane jobs.
type Worker struct {
	store    Store
	tokens   TokenSource
	lookup   ItemLookup
	analyzer Analyzer
	clock    monitor.Clock
	logger   *zap.Logger
}

// NewWorker constructs a Worker. A nil clock defaults to monitor.SystemClock.
func NewWorker(
	store Store,
	tokens TokenSource,
	items ItemLookup,
	analyzer Analyzer,
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
		store:    store,
		tokens:   tokens,
		lookup:   items,
		analyzer: analyzer,
		clock:    clock,
		logger:   logger,
	}
}

// Handle implements the enrichment lane handler.
func (w *Worker) Handle(ctx context.Context, job monitor.Job) error {
	payload, ok := job.Payload.(monitor.EnrichJob)
	if !ok {
		return fmt.Errorf("%w: enrichment lane got %T", monitor.ErrValidation, job.Payload)
	}
	logger := w.logger.With(
		zap.String("job_id", job.ID),
		zap.Int("attempt", job.Attempt),
		zap.Int64("credential_id", payload.CredentialID),
		zap.Int64("keyword_id", payload.KeywordID),
		zap.String("item_id", payload.ExternalID),
	)
	outcome, err := w.enrich(ctx, payload, logger)
	if err != nil {
		logger.Error("enrichment failed", zap.Error(err))
		return err
	}
	logger.Debug("enrichment finished", zap.String("outcome", outcome))
	return nil
}

// Enrich runs the state machine for one item and returns its outcome. Early
// exits are not errors; an error means the job should be retried or dead-lettered.
func (w *Worker) Enrich(ctx context.Context, payload monitor.EnrichJob) (string, error) {
	return w.enrich(ctx, payload, w.logger)
}

func (w *Worker) enrich(ctx context.Context, payload monitor.EnrichJob, logger *zap.Logger) (string, error) {
	// Fetching.
	cred, rule, ok, err := w.resolve(ctx, payload)
	if err != nil {
		return "", err
	}
	if !ok {
		logger.Info("credential or keyword rule no longer exists")
		return w.done(OutcomeMissing), nil
	}

	token, err := w.tokens.GetValidAccessToken(ctx, cred)
	if err != nil {
		return "", fmt.Errorf("access token for credential %d: %w", cred.ID, err)
	}
	item, err := w.lookup.Fetch(ctx, token, payload.ExternalID)
	if err != nil {
		if errors.Is(err, monitor.ErrValidation) {
			logger.Warn("item lookup rejected", zap.Error(err))
			return w.done(OutcomeInvalid), nil
		}
		return "", fmt.Errorf("lookup %s: %w", payload.ExternalID, err)
	}
	logger = logger.With(zap.String("item_id", item.ID))

	// Matching.
	exists, err := w.store.MentionExists(ctx, item.ID)
	if err != nil {
		return "", fmt.Errorf("check mention %s: %w", item.ID, err)
	}
	if exists {
		if err := w.store.UpdateMentionKeyword(ctx, item.ID, rule.ID); err != nil {
			return "", fmt.Errorf("update mention %s keyword: %w", item.ID, err)
		}
		return w.done(OutcomeRediscovered), nil
	}

	title := strings.TrimSpace(item.Title)
	body := strings.TrimSpace(item.Selftext)
	if body == "" {
		logger.Debug("discarding item without body text")
		return w.done(OutcomeNoBody), nil
	}
	content := body
	if title != "" {
		content = title + " " + body
	}
	if !match.Matches(rule, content) {
		return w.done(OutcomeNoMatch), nil
	}

	// Analyzing.
	persona := w.persona(ctx, rule, logger)
	result, err := w.analyzer.Analyze(ctx, analysis.Request{
		Content:         content,
		Keyword:         rule.Keyword,
		Community:       item.Community,
		PersonaType:     persona.Type,
		PersonaSettings: persona.Settings,
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("analyze %s: %w", item.ID, ctx.Err())
		}
		reason := analysis.Reason(err)
		logger.Warn("analysis unavailable, using defaults", zap.String("reason", reason), zap.Error(err))
		metrics.ObserveAnalysisFallback(reason)
		result = analysis.Default()
	}

	// Persisting.
	now := w.clock.Now()
	mention := BuildMention(cred, rule, persona, item, result, now)
	if _, err := w.store.InsertMention(ctx, mention); err != nil {
		if !errors.Is(err, monitor.ErrDuplicate) {
			return "", fmt.Errorf("insert mention %s: %w", item.ID, err)
		}
		if err := w.store.UpdateMentionKeyword(ctx, item.ID, rule.ID); err != nil {
			return "", fmt.Errorf("update mention %s keyword: %w", item.ID, err)
		}
		return w.done(OutcomeDuplicate), nil
	}

	if err := w.store.MarkFetched(ctx, cred.UserID, cred.ID, now); err != nil {
		logger.Error("failed to update dispatch ledger", zap.Int64("user_id", cred.UserID), zap.Error(err))
	}
	logger.Info("mention recorded",
		zap.String("sentiment", string(result.Sentiment)),
		zap.String("intent", string(result.Intent)),
		zap.Bool("has_title", title != ""),
	)
	return w.done(OutcomeInserted), nil
}

func (w *Worker) resolve(ctx context.Context, payload monitor.EnrichJob) (monitor.Credential, monitor.KeywordRule, bool, error) {
	cred, err := w.store.GetCredential(ctx, payload.CredentialID)
	if errors.Is(err, monitor.ErrNotFound) {
		return monitor.Credential{}, monitor.KeywordRule{}, false, nil
	}
	if err != nil {
		return monitor.Credential{}, monitor.KeywordRule{}, false, fmt.Errorf("load credential %d: %w", payload.CredentialID, err)
	}
	rule, err := w.store.GetKeywordRule(ctx, payload.KeywordID)
	if errors.Is(err, monitor.ErrNotFound) {
		return monitor.Credential{}, monitor.KeywordRule{}, false, nil
	}
	if err != nil {
		return monitor.Credential{}, monitor.KeywordRule{}, false, fmt.Errorf("load keyword rule %d: %w", payload.KeywordID, err)
	}
	return cred, rule, true, nil
}

// persona returns the rule's persona, or an empty one when it cannot be loaded.
func (w *Worker) persona(ctx context.Context, rule monitor.KeywordRule, logger *zap.Logger) monitor.Persona {
	if rule.PersonaID == 0 {
		return monitor.Persona{}
	}
	p, err := w.store.GetPersona(ctx, rule.PersonaID)
	if err != nil {
		logger.Warn("persona unavailable", zap.Int64("persona_id", rule.PersonaID), zap.Error(err))
		return monitor.Persona{}
	}
	return p
}

func (w *Worker) done(outcome string) string {
	metrics.ObserveMention(outcome)
	return outcome
}

// BuildMention assembles the row persisted for a matched item.
func BuildMention(
	cred monitor.Credential,
	rule monitor.KeywordRule,
	persona monitor.Persona,
	item lookup.Item,
	result analysis.Result,
	now time.Time,
) monitor.Mention {
	created := now
	if item.CreatedUTC > 0 {
		sec, frac := math.Modf(item.CreatedUTC)
		created = time.Unix(int64(sec), int64(frac*1e9)).UTC()
	}
	return monitor.Mention{
		UserID:              cred.UserID,
		KeywordID:           rule.ID,
		ExternalID:          item.ID,
		Keyword:             rule.Keyword,
		Community:           item.Community,
		Author:              item.Author,
		Title:               Truncate(strings.TrimSpace(item.Title), MaxTitleLen),
		Content:             Truncate(strings.TrimSpace(item.Selftext), MaxContentLen),
		URL:                 permalinkBase + item.Permalink,
		Type:                monitor.MentionPost,
		Upvotes:             item.Ups,
		Downvotes:           item.Downs,
		CommentCount:        item.NumComments,
		Stickied:            item.Stickied,
		Locked:              item.Locked,
		Sentiment:           result.Sentiment,
		SentimentConfidence: result.SentimentConfidence,
		Intent:              result.Intent,
		IntentConfidence:    result.IntentConfidence,
		SuggestedReply:      Truncate(result.SuggestedReply, MaxReplyLen),
		ItemCreatedAt:       created,
		FoundAt:             now,
		Persona:             persona.Settings,
	}
}

// Truncate shortens s to at most limit characters, replacing the tail with
// "..." when it is cut. Lengths are counted in runes.
func Truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	if limit <= len(ellipsis) {
		return string(runes[:limit])
	}
	return string(runes[:limit-len(ellipsis)]) + ellipsis
}
