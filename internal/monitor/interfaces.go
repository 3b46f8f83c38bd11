package monitor

import (
	"context"
	"net/http"
	"time"
)

// Enqueuer accepts jobs for later execution on the payload's lane.
type Enqueuer interface {
	Enqueue(ctx context.Context, job Job, delay time.Duration) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// SystemClock implements Clock using time.Now in UTC.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	JobID   string
	URL     string
	Headers http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
	Rendered   bool
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// CredentialStore persists linked accounts.
type CredentialStore interface {
	GetCredential(ctx context.Context, id int64) (Credential, error)
	GetCredentialByUser(ctx context.Context, userID int64) (Credential, error)
	UpsertCredential(ctx context.Context, cred Credential) (Credential, error)
	// UpdateCredentialTokens rotates tokens only if the stored expiry still
	// equals prevExpiresAt, otherwise it returns ErrStaleCredential.
	UpdateCredentialTokens(ctx context.Context, id int64, prevExpiresAt time.Time, update TokenUpdate) error
	DeleteCredential(ctx context.Context, userID int64, externalID string) error
	ListCredentialUsers(ctx context.Context, afterUserID int64, limit int) ([]int64, error)
}

// KeywordStore persists keyword rules.
type KeywordStore interface {
	CreateKeywordRule(ctx context.Context, rule KeywordRule) (KeywordRule, error)
	GetKeywordRule(ctx context.Context, id int64) (KeywordRule, error)
	ListKeywordRules(ctx context.Context, credentialID int64) ([]KeywordRule, error)
	TouchKeywordRule(ctx context.Context, id int64, checkedAt time.Time) error
}

// PersonaStore persists personas.
type PersonaStore interface {
	CreatePersona(ctx context.Context, persona Persona) (Persona, error)
	GetPersona(ctx context.Context, id int64) (Persona, error)
	DeletePersona(ctx context.Context, id int64) error
}

// MentionStore persists mentions. InsertMention returns ErrDuplicate when the
// external id already exists.
type MentionStore interface {
	MentionExists(ctx context.Context, externalID string) (bool, error)
	InsertMention(ctx context.Context, mention Mention) (int64, error)
	UpdateMentionKeyword(ctx context.Context, externalID string, keywordID int64) error
}

// LedgerStore maintains the advisory dispatch ledger.
type LedgerStore interface {
	MarkDispatched(ctx context.Context, userID, credentialID int64, at time.Time) error
	MarkFetched(ctx context.Context, userID, credentialID int64, at time.Time) error
	GetLedger(ctx context.Context, userID, credentialID int64) (DispatchLedger, error)
}

// Store is the full persistence surface.
type Store interface {
	CredentialStore
	KeywordStore
	PersonaStore
	MentionStore
	LedgerStore
	Ping(ctx context.Context) error
	Close()
}
