// Package postgres implements the persistence interfaces on Postgres.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/mention-monitor/internal/monitor"
)

//go:embed schema.sql
var schema string

const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// Store implements monitor.Store.
type Store struct {
	pool  pool
	clock monitor.Clock
}

var _ monitor.Store = (*Store)(nil)

// New connects a pool using cfg.
func New(ctx context.Context, cfg Config, clock monitor.Clock) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewWithPool(p, clock), nil
}

// NewWithPool wraps an existing pool (primarily for testing).
func NewWithPool(p pool, clock monitor.Clock) *Store {
	if clock == nil {
		clock = monitor.SystemClock{}
	}
	return &Store{pool: p, clock: clock}
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, monitor.ErrNotFound)
	}
	return fmt.Errorf("get %s: %w", what, err)
}

const credentialColumns = `id, user_id, reddit_id, username, access_token, refresh_token,
	expires_in, token_expires_at, created_at, updated_at`

func scanCredential(row pgx.Row) (monitor.Credential, error) {
	var (
		c       monitor.Credential
		expires *time.Time
	)
	err := row.Scan(
		&c.ID,
		&c.UserID,
		&c.ExternalID,
		&c.Username,
		&c.AccessToken,
		&c.RefreshToken,
		&c.ExpiresIn,
		&expires,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return monitor.Credential{}, err
	}
	if expires != nil {
		c.TokenExpiresAt = *expires
	}
	return c, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// GetCredential returns a credential by id.
func (s *Store) GetCredential(ctx context.Context, id int64) (monitor.Credential, error) {
	cred, err := scanCredential(s.pool.QueryRow(ctx,
		`SELECT `+credentialColumns+` FROM reddit_credentials WHERE id = $1`, id))
	if err != nil {
		return monitor.Credential{}, notFound(err, fmt.Sprintf("credential %d", id))
	}
	return cred, nil
}

// GetCredentialByUser returns the lowest-id credential of a user.
func (s *Store) GetCredentialByUser(ctx context.Context, userID int64) (monitor.Credential, error) {
	cred, err := scanCredential(s.pool.QueryRow(ctx,
		`SELECT `+credentialColumns+` FROM reddit_credentials WHERE user_id = $1 ORDER BY id LIMIT 1`, userID))
	if err != nil {
		return monitor.Credential{}, notFound(err, fmt.Sprintf("credential for user %d", userID))
	}
	return cred, nil
}

// UpsertCredential inserts or updates the credential keyed by external account.
// An account already linked to another user returns ErrDuplicate.
func (s *Store) UpsertCredential(ctx context.Context, cred monitor.Credential) (monitor.Credential, error) {
	now := s.clock.Now()
	query := `
INSERT INTO reddit_credentials (
	user_id, reddit_id, username, access_token, refresh_token,
	expires_in, token_expires_at, created_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
ON CONFLICT (reddit_id) DO UPDATE SET
	username = EXCLUDED.username,
	access_token = EXCLUDED.access_token,
	refresh_token = EXCLUDED.refresh_token,
	expires_in = EXCLUDED.expires_in,
	token_expires_at = EXCLUDED.token_expires_at,
	updated_at = EXCLUDED.updated_at
WHERE reddit_credentials.user_id = EXCLUDED.user_id
RETURNING ` + credentialColumns
	out, err := scanCredential(s.pool.QueryRow(ctx, query,
		cred.UserID,
		cred.ExternalID,
		cred.Username,
		cred.AccessToken,
		cred.RefreshToken,
		cred.ExpiresIn,
		nullTime(cred.TokenExpiresAt),
		now,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return monitor.Credential{}, fmt.Errorf("external account %q: %w", cred.ExternalID, monitor.ErrDuplicate)
	}
	if err != nil {
		return monitor.Credential{}, fmt.Errorf("upsert credential: %w", err)
	}
	return out, nil
}

// UpdateCredentialTokens rotates tokens if the stored expiry still equals
// prevExpiresAt.
func (s *Store) UpdateCredentialTokens(
	ctx context.Context,
	id int64,
	prevExpiresAt time.Time,
	update monitor.TokenUpdate,
) error {
	query := `
UPDATE reddit_credentials
SET access_token = $1, refresh_token = $2, expires_in = $3, token_expires_at = $4, updated_at = $5
WHERE id = $6 AND token_expires_at IS NOT DISTINCT FROM $7`
	tag, err := s.pool.Exec(ctx, query,
		update.AccessToken,
		update.RefreshToken,
		update.ExpiresIn,
		nullTime(update.TokenExpiresAt),
		s.clock.Now(),
		id,
		nullTime(prevExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("update credential %d tokens: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("credential %d: %w", id, monitor.ErrStaleCredential)
	}
	return nil
}

// DeleteCredential removes a credential. Keyword rules are detached and the
// ledger row is removed by the foreign keys.
func (s *Store) DeleteCredential(ctx context.Context, userID int64, externalID string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM reddit_credentials WHERE user_id = $1 AND reddit_id = $2`, userID, externalID)
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("credential %q for user %d: %w", externalID, userID, monitor.ErrNotFound)
	}
	return nil
}

// ListCredentialUsers pages through distinct user ids that own a credential.
func (s *Store) ListCredentialUsers(ctx context.Context, afterUserID int64, limit int) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `
SELECT DISTINCT user_id FROM reddit_credentials
WHERE user_id > $1
ORDER BY user_id
LIMIT $2`, afterUserID, limit)
	if err != nil {
		return nil, fmt.Errorf("list credential users: %w", err)
	}
	users, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("scan credential users: %w", err)
	}
	return users, nil
}

const keywordColumns = `id, user_id, COALESCE(reddit_credential_id, 0), persona_id, keyword, subreddits,
	scan_comments, match_whole_word, case_sensitive, last_checked_at`

func scanKeyword(row pgx.Row) (monitor.KeywordRule, error) {
	var r monitor.KeywordRule
	err := row.Scan(
		&r.ID,
		&r.UserID,
		&r.CredentialID,
		&r.PersonaID,
		&r.Keyword,
		&r.Communities,
		&r.ScanComments,
		&r.MatchWholeWord,
		&r.CaseSensitive,
		&r.LastCheckedAt,
	)
	return r, err
}

func nullID(id int64) *int64 {
	if id == 0 {
		return nil
	}
	return &id
}

// CreateKeywordRule stores a new rule. An unknown persona returns ErrNotFound.
func (s *Store) CreateKeywordRule(ctx context.Context, rule monitor.KeywordRule) (monitor.KeywordRule, error) {
	communities := rule.Communities
	if communities == nil {
		communities = []string{}
	}
	out, err := scanKeyword(s.pool.QueryRow(ctx, `
INSERT INTO reddit_keywords (
	user_id, reddit_credential_id, persona_id, keyword, subreddits,
	scan_comments, match_whole_word, case_sensitive
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING `+keywordColumns,
		rule.UserID,
		nullID(rule.CredentialID),
		rule.PersonaID,
		rule.Keyword,
		communities,
		rule.ScanComments,
		rule.MatchWholeWord,
		rule.CaseSensitive,
	))
	if pgCode(err) == foreignKeyViolation {
		return monitor.KeywordRule{}, fmt.Errorf("keyword rule references: %w", monitor.ErrNotFound)
	}
	if err != nil {
		return monitor.KeywordRule{}, fmt.Errorf("insert keyword rule: %w", err)
	}
	return out, nil
}

// GetKeywordRule returns a rule by id.
func (s *Store) GetKeywordRule(ctx context.Context, id int64) (monitor.KeywordRule, error) {
	rule, err := scanKeyword(s.pool.QueryRow(ctx,
		`SELECT `+keywordColumns+` FROM reddit_keywords WHERE id = $1`, id))
	if err != nil {
		return monitor.KeywordRule{}, notFound(err, fmt.Sprintf("keyword rule %d", id))
	}
	return rule, nil
}

// ListKeywordRules returns the rules of a credential ordered by id.
func (s *Store) ListKeywordRules(ctx context.Context, credentialID int64) ([]monitor.KeywordRule, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+keywordColumns+` FROM reddit_keywords WHERE reddit_credential_id = $1 ORDER BY id`, credentialID)
	if err != nil {
		return nil, fmt.Errorf("list keyword rules: %w", err)
	}
	defer rows.Close()

	var rules []monitor.KeywordRule
	for rows.Next() {
		rule, err := scanKeyword(rows)
		if err != nil {
			return nil, fmt.Errorf("scan keyword rule: %w", err)
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate keyword rules: %w", err)
	}
	return rules, nil
}

// TouchKeywordRule stamps last_checked_at.
func (s *Store) TouchKeywordRule(ctx context.Context, id int64, checkedAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE reddit_keywords SET last_checked_at = $1 WHERE id = $2`, checkedAt, id)
	if err != nil {
		return fmt.Errorf("touch keyword rule %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("keyword rule %d: %w", id, monitor.ErrNotFound)
	}
	return nil
}

// CreatePersona stores a new persona.
func (s *Store) CreatePersona(ctx context.Context, persona monitor.Persona) (monitor.Persona, error) {
	if !persona.Type.Valid() {
		return monitor.Persona{}, fmt.Errorf("persona type %q: %w", persona.Type, monitor.ErrValidation)
	}
	settings, err := marshalSettings(persona.Settings)
	if err != nil {
		return monitor.Persona{}, err
	}
	err = s.pool.QueryRow(ctx,
		`INSERT INTO personas (user_id, name, user_type, settings) VALUES ($1, $2, $3, $4) RETURNING id`,
		persona.UserID, persona.Name, string(persona.Type), settings,
	).Scan(&persona.ID)
	if err != nil {
		return monitor.Persona{}, fmt.Errorf("insert persona: %w", err)
	}
	return persona, nil
}

// GetPersona returns a persona by id.
func (s *Store) GetPersona(ctx context.Context, id int64) (monitor.Persona, error) {
	var (
		p        monitor.Persona
		kind     string
		settings []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, name, user_type, settings FROM personas WHERE id = $1`, id,
	).Scan(&p.ID, &p.UserID, &p.Name, &kind, &settings)
	if err != nil {
		return monitor.Persona{}, notFound(err, fmt.Sprintf("persona %d", id))
	}
	p.Type = monitor.PersonaType(kind)
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &p.Settings); err != nil {
			return monitor.Persona{}, fmt.Errorf("decode persona %d settings: %w", id, err)
		}
	}
	return p, nil
}

// DeletePersona removes a persona. A persona referenced by a keyword rule
// returns ErrPersonaInUse.
func (s *Store) DeletePersona(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM personas WHERE id = $1`, id)
	if pgCode(err) == foreignKeyViolation {
		return fmt.Errorf("persona %d: %w", id, monitor.ErrPersonaInUse)
	}
	if err != nil {
		return fmt.Errorf("delete persona %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("persona %d: %w", id, monitor.ErrNotFound)
	}
	return nil
}

func marshalSettings(settings map[string]any) ([]byte, error) {
	if settings == nil {
		return nil, nil
	}
	data, err := json.Marshal(settings)
	if err != nil {
		return nil, fmt.Errorf("marshal persona settings: %w", err)
	}
	return data, nil
}

// MentionExists reports whether a mention with the external id is stored.
func (s *Store) MentionExists(ctx context.Context, externalID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM reddit_mentions WHERE reddit_post_id = $1)`, externalID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check mention %q: %w", externalID, err)
	}
	return exists, nil
}

// InsertMention stores a mention. A second row for the same external id
// returns ErrDuplicate.
func (s *Store) InsertMention(ctx context.Context, m monitor.Mention) (int64, error) {
	persona, err := marshalSettings(m.Persona)
	if err != nil {
		return 0, err
	}
	var id int64
	err = s.pool.QueryRow(ctx, `
INSERT INTO reddit_mentions (
	user_id, reddit_keyword_id, reddit_post_id, keyword, subreddit, author,
	title, content, url, mention_type, upvotes, downvotes, comment_count,
	is_stickied, is_locked, sentiment, sentiment_confidence, intent,
	intent_confidence, suggested_reply, reddit_created_at, found_at, persona
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
	$14, $15, $16, $17, $18, $19, $20, $21, $22, $23
) RETURNING id`,
		m.UserID,
		nullID(m.KeywordID),
		m.ExternalID,
		m.Keyword,
		m.Community,
		m.Author,
		m.Title,
		m.Content,
		m.URL,
		string(m.Type),
		m.Upvotes,
		m.Downvotes,
		m.CommentCount,
		m.Stickied,
		m.Locked,
		string(m.Sentiment),
		m.SentimentConfidence,
		string(m.Intent),
		m.IntentConfidence,
		m.SuggestedReply,
		m.ItemCreatedAt,
		m.FoundAt,
		persona,
	).Scan(&id)
	if pgCode(err) == uniqueViolation {
		return 0, fmt.Errorf("mention %q: %w", m.ExternalID, monitor.ErrDuplicate)
	}
	if err != nil {
		return 0, fmt.Errorf("insert mention %q: %w", m.ExternalID, err)
	}
	return id, nil
}

// UpdateMentionKeyword re-points an existing mention at another keyword rule.
func (s *Store) UpdateMentionKeyword(ctx context.Context, externalID string, keywordID int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE reddit_mentions SET reddit_keyword_id = $1 WHERE reddit_post_id = $2`, keywordID, externalID)
	if err != nil {
		return fmt.Errorf("update mention %q keyword: %w", externalID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mention %q: %w", externalID, monitor.ErrNotFound)
	}
	return nil
}

// MarkDispatched upserts dispatch_at for a (user, credential) pair.
func (s *Store) MarkDispatched(ctx context.Context, userID, credentialID int64, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO last_fetches (user_id, reddit_credential_id, dispatch_at)
VALUES ($1, $2, $3)
ON CONFLICT (user_id, reddit_credential_id) DO UPDATE SET dispatch_at = EXCLUDED.dispatch_at`,
		userID, credentialID, at)
	if err != nil {
		return fmt.Errorf("mark dispatched for credential %d: %w", credentialID, err)
	}
	return nil
}

// MarkFetched upserts last_fetched_at for a (user, credential) pair.
func (s *Store) MarkFetched(ctx context.Context, userID, credentialID int64, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO last_fetches (user_id, reddit_credential_id, last_fetched_at)
VALUES ($1, $2, $3)
ON CONFLICT (user_id, reddit_credential_id) DO UPDATE SET last_fetched_at = EXCLUDED.last_fetched_at`,
		userID, credentialID, at)
	if err != nil {
		return fmt.Errorf("mark fetched for credential %d: %w", credentialID, err)
	}
	return nil
}

// GetLedger returns the ledger row for a (user, credential) pair.
func (s *Store) GetLedger(ctx context.Context, userID, credentialID int64) (monitor.DispatchLedger, error) {
	row := monitor.DispatchLedger{UserID: userID, CredentialID: credentialID}
	err := s.pool.QueryRow(ctx,
		`SELECT dispatch_at, last_fetched_at FROM last_fetches WHERE user_id = $1 AND reddit_credential_id = $2`,
		userID, credentialID,
	).Scan(&row.DispatchAt, &row.LastFetchedAt)
	if err != nil {
		return monitor.DispatchLedger{}, notFound(err, fmt.Sprintf("ledger for credential %d", credentialID))
	}
	return row, nil
}
