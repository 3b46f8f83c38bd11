// Package search runs one keyword search: fetch and render the results page,
// extract candidates, and queue each for post-processing.
package search

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"path"
	"strconv"

	"go.uber.org/zap"

	"github.com/JakeFAU/mention-monitor/internal/monitor"
)

// Extractor parses a results page.
type Extractor interface {
	Extract(body []byte) ([]monitor.CandidateItem, error)
}

// Archive stores rendered snapshots.
type Archive interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Handler handles search-lane jobs.
type Handler struct {
	fetcher       monitor.Fetcher
	extractor     Extractor
	enqueuer      monitor.Enqueuer
	urls          URLConfig
	archive       Archive
	archivePrefix string
	clock         monitor.Clock
	logger        *zap.Logger
}

// Option customises a Handler.
type Option func(*Handler)

// WithArchive writes every fetched page under prefix.
func WithArchive(archive Archive, prefix string) Option {
	return func(h *Handler) {
		h.archive = archive
		h.archivePrefix = prefix
	}
}

// WithClock overrides the clock.
func WithClock(clock monitor.Clock) Option {
	return func(h *Handler) { h.clock = clock }
}

// NewHandler constructs a Handler.
func NewHandler(
	fetcher monitor.Fetcher,
	extractor Extractor,
	enqueuer monitor.Enqueuer,
	urls URLConfig,
	logger *zap.Logger,
	opts ...Option,
) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{
		fetcher:   fetcher,
		extractor: extractor,
		enqueuer:  enqueuer,
		urls:      urls,
		clock:     monitor.SystemClock{},
		logger:    logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handle implements the search lane handler.
func (h *Handler) Handle(ctx context.Context, job monitor.Job) error {
	payload, ok := job.Payload.(monitor.SearchJob)
	if !ok {
		return fmt.Errorf("%w: search lane got %T", monitor.ErrValidation, job.Payload)
	}
	logger := h.logger.With(
		zap.String("job_id", job.ID),
		zap.Int64("keyword_id", payload.KeywordID),
		zap.String("community", payload.Community),
	)

	items, err := h.scrape(ctx, job.ID, payload.Keyword, payload.Community, payload.KeywordID, logger)
	if err != nil {
		return err
	}

	owner := monitor.Owner{UserID: payload.UserID, CredentialID: payload.CredentialID, KeywordID: payload.KeywordID}
	for _, item := range items {
		next, err := monitor.NewJob(monitor.ProcessJob{Candidate: item, Owner: owner}, h.clock.Now())
		if err != nil {
			return err
		}
		if err := h.enqueuer.Enqueue(ctx, next, 0); err != nil {
			return fmt.Errorf("enqueue candidate %s: %w", item.ExternalID, err)
		}
	}
	logger.Info("search complete", zap.Int("candidates", len(items)))
	return nil
}

// Scrape fetches one results page and returns its candidates without queuing
// anything.
func (h *Handler) Scrape(ctx context.Context, keyword, community string) ([]monitor.CandidateItem, error) {
	return h.scrape(ctx, "", keyword, community, 0, h.logger)
}

func (h *Handler) scrape(
	ctx context.Context,
	jobID, keyword, community string,
	keywordID int64,
	logger *zap.Logger,
) ([]monitor.CandidateItem, error) {
	target, err := BuildURL(h.urls, keyword, community)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", monitor.ErrValidation, err)
	}

	resp, err := h.fetcher.Fetch(ctx, monitor.FetchRequest{JobID: jobID, URL: target})
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", target, err)
	}
	logger.Debug("fetched search page",
		zap.String("url", target),
		zap.Int("status", resp.StatusCode),
		zap.Bool("rendered", resp.Rendered),
		zap.Int("bytes", len(resp.Body)),
		zap.Duration("duration", resp.Duration),
	)
	h.archivePage(ctx, keywordID, resp.Body, logger)

	items, err := h.extractor.Extract(resp.Body)
	if err != nil {
		logger.Error("extraction failed", zap.String("url", target), zap.Error(err))
		return nil, nil
	}
	return items, nil
}

// SnapshotPath names a snapshot by keyword and content hash.
func SnapshotPath(prefix string, keywordID int64, body []byte) string {
	sum := sha256.Sum256(body)
	return path.Join(prefix, strconv.FormatInt(keywordID, 10), hex.EncodeToString(sum[:])+".html")
}

func (h *Handler) archivePage(ctx context.Context, keywordID int64, body []byte, logger *zap.Logger) {
	if h.archive == nil || len(body) == 0 {
		return
	}
	uri, err := h.archive.PutObject(ctx, SnapshotPath(h.archivePrefix, keywordID, body), "text/html; charset=utf-8", bytes.NewReader(body))
	if err != nil {
		logger.Warn("archive snapshot failed", zap.Error(err))
		return
	}
	logger.Debug("archived snapshot", zap.String("uri", uri))
}
