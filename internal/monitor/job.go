package monitor

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
)

// Lane names an independent worker pool.
type Lane string

// Queue lanes. Rendering lives on its own lane so it cannot starve enrichment.
const (
	LaneMonitoring     Lane = "monitoring"
	LaneSearch         Lane = "search"
	LanePostProcessing Lane = "post-processing"
	LaneEnrichment     Lane = "enrichment"
)

// Lanes lists every lane.
func Lanes() []Lane {
	return []Lane{LaneMonitoring, LaneSearch, LanePostProcessing, LaneEnrichment}
}

// Payload is a typed job body. Each payload type belongs to exactly one lane.
type Payload interface {
	Lane() Lane
	Kind() string
}

// MonitorJob fans out search jobs for one credential.
type MonitorJob struct {
	UserID       int64 `json:"user_id"`
	CredentialID int64 `json:"credential_id"`
}

// Lane implements Payload.
func (MonitorJob) Lane() Lane { return LaneMonitoring }

// Kind implements Payload.
func (MonitorJob) Kind() string { return "monitor_keywords" }

// SearchJob scrapes one keyword, optionally scoped to one community.
type SearchJob struct {
	Keyword      string `json:"keyword"`
	UserID       int64  `json:"user_id"`
	CredentialID int64  `json:"credential_id"`
	KeywordID    int64  `json:"keyword_id"`
	Community    string `json:"community,omitempty"`
}

// Lane implements Payload.
func (SearchJob) Lane() Lane { return LaneSearch }

// Kind implements Payload.
func (SearchJob) Kind() string { return "scrape_posts" }

// Owner identifies the records a candidate is being processed for.
type Owner struct {
	UserID       int64 `json:"user_id"`
	CredentialID int64 `json:"credential_id"`
	KeywordID    int64 `json:"keyword_id"`
}

// ProcessJob cleans one extracted candidate.
type ProcessJob struct {
	Candidate CandidateItem `json:"candidate"`
	Owner     Owner         `json:"owner"`
}

// Lane implements Payload.
func (ProcessJob) Lane() Lane { return LanePostProcessing }

// Kind implements Payload.
func (ProcessJob) Kind() string { return "process_item" }

// EnrichJob confirms, analyses and persists one item.
type EnrichJob struct {
	CredentialID int64     `json:"credential_id"`
	KeywordID    int64     `json:"keyword_id"`
	ExternalID   string    `json:"post_id"`
	Community    string    `json:"subreddit,omitempty"`
	ScrapedAt    time.Time `json:"scraped_at"`
}

// Lane implements Payload.
func (EnrichJob) Lane() Lane { return LaneEnrichment }

// Kind implements Payload.
func (EnrichJob) Kind() string { return "process_single_post" }

// Job is the queue envelope around a payload.
type Job struct {
	ID         string    `json:"id"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Payload    Payload   `json:"payload"`
}

// NewJob wraps payload in an envelope with a fresh UUIDv7 id.
func NewJob(payload Payload, now time.Time) (Job, error) {
	if payload == nil {
		return Job{}, fmt.Errorf("job payload is required")
	}
	id, err := uuid.NewV7()
	if err != nil {
		return Job{}, fmt.Errorf("generate job id: %w", err)
	}
	return Job{
		ID:         id.String(),
		EnqueuedAt: now,
		Payload:    payload,
	}, nil
}

// Lane returns the lane of the wrapped payload.
func (j Job) Lane() Lane {
	if j.Payload == nil {
		return ""
	}
	return j.Payload.Lane()
}

// Jitter returns a uniformly random whole-second delay in [minSec, maxSec].
func Jitter(minSec, maxSec int) time.Duration {
	if maxSec <= minSec {
		return time.Duration(minSec) * time.Second
	}
	return time.Duration(minSec+rand.IntN(maxSec-minSec+1)) * time.Second
}
