// Package memory provides in-process implementations of the persistence
// interfaces for local development and tests. Uniqueness rules match the
// Postgres schema.
package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/JakeFAU/mention-monitor/internal/monitor"
)

type ledgerKey struct {
	userID       int64
	credentialID int64
}

// Store implements monitor.Store in memory.
type Store struct {
	mu          sync.RWMutex
	nextID      int64
	credentials map[int64]monitor.Credential
	keywords    map[int64]monitor.KeywordRule
	personas    map[int64]monitor.Persona
	mentions    map[string]monitor.Mention
	ledger      map[ledgerKey]monitor.DispatchLedger
	clock       monitor.Clock
}

// NewStore constructs an empty Store.
func NewStore(clock monitor.Clock) *Store {
	if clock == nil {
		clock = monitor.SystemClock{}
	}
	return &Store{
		credentials: make(map[int64]monitor.Credential),
		keywords:    make(map[int64]monitor.KeywordRule),
		personas:    make(map[int64]monitor.Persona),
		mentions:    make(map[string]monitor.Mention),
		ledger:      make(map[ledgerKey]monitor.DispatchLedger),
		clock:       clock,
	}
}

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() {}

// GetCredential returns a credential by id.
func (s *Store) GetCredential(_ context.Context, id int64) (monitor.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cred, ok := s.credentials[id]
	if !ok {
		return monitor.Credential{}, fmt.Errorf("credential %d: %w", id, monitor.ErrNotFound)
	}
	return cred, nil
}

// GetCredentialByUser returns the lowest-id credential of a user.
func (s *Store) GetCredentialByUser(_ context.Context, userID int64) (monitor.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		found monitor.Credential
		ok    bool
	)
	for _, cred := range s.credentials {
		if cred.UserID != userID {
			continue
		}
		if !ok || cred.ID < found.ID {
			found, ok = cred, true
		}
	}
	if !ok {
		return monitor.Credential{}, fmt.Errorf("credential for user %d: %w", userID, monitor.ErrNotFound)
	}
	return found, nil
}

// UpsertCredential inserts or updates the credential keyed by (user, external id).
func (s *Store) UpsertCredential(_ context.Context, cred monitor.Credential) (monitor.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	for id, existing := range s.credentials {
		if existing.ExternalID != cred.ExternalID {
			continue
		}
		if existing.UserID != cred.UserID {
			return monitor.Credential{}, fmt.Errorf("external account %q: %w", cred.ExternalID, monitor.ErrDuplicate)
		}
		cred.ID = id
		cred.CreatedAt = existing.CreatedAt
		cred.UpdatedAt = now
		s.credentials[id] = cred
		return cred, nil
	}
	cred.ID = s.id()
	cred.CreatedAt = now
	cred.UpdatedAt = now
	s.credentials[cred.ID] = cred
	return cred, nil
}

// UpdateCredentialTokens rotates tokens if the stored expiry equals prevExpiresAt.
func (s *Store) UpdateCredentialTokens(
	_ context.Context,
	id int64,
	prevExpiresAt time.Time,
	update monitor.TokenUpdate,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cred, ok := s.credentials[id]
	if !ok {
		return fmt.Errorf("credential %d: %w", id, monitor.ErrNotFound)
	}
	if !cred.TokenExpiresAt.Equal(prevExpiresAt) {
		return fmt.Errorf("credential %d: %w", id, monitor.ErrStaleCredential)
	}
	cred.AccessToken = update.AccessToken
	cred.RefreshToken = update.RefreshToken
	cred.ExpiresIn = update.ExpiresIn
	cred.TokenExpiresAt = update.TokenExpiresAt
	cred.UpdatedAt = s.clock.Now()
	s.credentials[id] = cred
	return nil
}

// DeleteCredential removes a credential and detaches its keyword rules.
func (s *Store) DeleteCredential(_ context.Context, userID int64, externalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, cred := range s.credentials {
		if cred.UserID != userID || cred.ExternalID != externalID {
			continue
		}
		delete(s.credentials, id)
		for kid, rule := range s.keywords {
			if rule.CredentialID == id {
				rule.CredentialID = 0
				s.keywords[kid] = rule
			}
		}
		delete(s.ledger, ledgerKey{userID: userID, credentialID: id})
		return nil
	}
	return fmt.Errorf("credential %q for user %d: %w", externalID, userID, monitor.ErrNotFound)
}

// ListCredentialUsers pages through distinct user ids that own a credential.
func (s *Store) ListCredentialUsers(_ context.Context, afterUserID int64, limit int) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[int64]struct{})
	for _, cred := range s.credentials {
		if cred.UserID > afterUserID {
			seen[cred.UserID] = struct{}{}
		}
	}
	users := slices.Sorted(maps.Keys(seen))
	if limit > 0 && len(users) > limit {
		users = users[:limit]
	}
	return users, nil
}

// CreateKeywordRule stores a new rule.
func (s *Store) CreateKeywordRule(_ context.Context, rule monitor.KeywordRule) (monitor.KeywordRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.personas[rule.PersonaID]; !ok {
		return monitor.KeywordRule{}, fmt.Errorf("persona %d: %w", rule.PersonaID, monitor.ErrNotFound)
	}
	rule.ID = s.id()
	rule.Communities = slices.Clone(rule.Communities)
	s.keywords[rule.ID] = rule
	return rule, nil
}

// GetKeywordRule returns a rule by id.
func (s *Store) GetKeywordRule(_ context.Context, id int64) (monitor.KeywordRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rule, ok := s.keywords[id]
	if !ok {
		return monitor.KeywordRule{}, fmt.Errorf("keyword rule %d: %w", id, monitor.ErrNotFound)
	}
	rule.Communities = slices.Clone(rule.Communities)
	return rule, nil
}

// ListKeywordRules returns the rules of a credential ordered by id.
func (s *Store) ListKeywordRules(_ context.Context, credentialID int64) ([]monitor.KeywordRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []monitor.KeywordRule
	for _, rule := range s.keywords {
		if rule.CredentialID == credentialID {
			rule.Communities = slices.Clone(rule.Communities)
			out = append(out, rule)
		}
	}
	slices.SortFunc(out, func(a, b monitor.KeywordRule) int { return int(a.ID - b.ID) })
	return out, nil
}

// TouchKeywordRule stamps last_checked_at.
func (s *Store) TouchKeywordRule(_ context.Context, id int64, checkedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rule, ok := s.keywords[id]
	if !ok {
		return fmt.Errorf("keyword rule %d: %w", id, monitor.ErrNotFound)
	}
	rule.LastCheckedAt = &checkedAt
	s.keywords[id] = rule
	return nil
}

// CreatePersona stores a new persona.
func (s *Store) CreatePersona(_ context.Context, persona monitor.Persona) (monitor.Persona, error) {
	if !persona.Type.Valid() {
		return monitor.Persona{}, fmt.Errorf("persona type %q: %w", persona.Type, monitor.ErrValidation)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	persona.ID = s.id()
	persona.Settings = maps.Clone(persona.Settings)
	s.personas[persona.ID] = persona
	return persona, nil
}

// GetPersona returns a persona by id.
func (s *Store) GetPersona(_ context.Context, id int64) (monitor.Persona, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	persona, ok := s.personas[id]
	if !ok {
		return monitor.Persona{}, fmt.Errorf("persona %d: %w", id, monitor.ErrNotFound)
	}
	persona.Settings = maps.Clone(persona.Settings)
	return persona, nil
}

// DeletePersona removes a persona unless a keyword rule references it.
func (s *Store) DeletePersona(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.personas[id]; !ok {
		return fmt.Errorf("persona %d: %w", id, monitor.ErrNotFound)
	}
	for _, rule := range s.keywords {
		if rule.PersonaID == id {
			return fmt.Errorf("persona %d: %w", id, monitor.ErrPersonaInUse)
		}
	}
	delete(s.personas, id)
	return nil
}

// MentionExists reports whether a mention with the external id is stored.
func (s *Store) MentionExists(_ context.Context, externalID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.mentions[externalID]
	return ok, nil
}

// InsertMention stores a mention or returns ErrDuplicate.
func (s *Store) InsertMention(_ context.Context, mention monitor.Mention) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.mentions[mention.ExternalID]; ok {
		return 0, fmt.Errorf("mention %q: %w", mention.ExternalID, monitor.ErrDuplicate)
	}
	mention.ID = s.id()
	mention.Persona = maps.Clone(mention.Persona)
	s.mentions[mention.ExternalID] = mention
	return mention.ID, nil
}

// UpdateMentionKeyword re-points an existing mention at another keyword rule.
func (s *Store) UpdateMentionKeyword(_ context.Context, externalID string, keywordID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	mention, ok := s.mentions[externalID]
	if !ok {
		return fmt.Errorf("mention %q: %w", externalID, monitor.ErrNotFound)
	}
	mention.KeywordID = keywordID
	s.mentions[externalID] = mention
	return nil
}

// Mentions returns a snapshot of stored mentions ordered by id.
func (s *Store) Mentions() []monitor.Mention {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := slices.Collect(maps.Values(s.mentions))
	slices.SortFunc(out, func(a, b monitor.Mention) int { return int(a.ID - b.ID) })
	return out
}

// MarkDispatched upserts dispatch_at for a (user, credential) pair.
func (s *Store) MarkDispatched(_ context.Context, userID, credentialID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := ledgerKey{userID: userID, credentialID: credentialID}
	row := s.ledger[key]
	row.UserID, row.CredentialID = userID, credentialID
	row.DispatchAt = &at
	s.ledger[key] = row
	return nil
}

// MarkFetched upserts last_fetched_at for a (user, credential) pair.
func (s *Store) MarkFetched(_ context.Context, userID, credentialID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := ledgerKey{userID: userID, credentialID: credentialID}
	row := s.ledger[key]
	row.UserID, row.CredentialID = userID, credentialID
	row.LastFetchedAt = &at
	s.ledger[key] = row
	return nil
}

// GetLedger returns the ledger row for a (user, credential) pair.
func (s *Store) GetLedger(_ context.Context, userID, credentialID int64) (monitor.DispatchLedger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.ledger[ledgerKey{userID: userID, credentialID: credentialID}]
	if !ok {
		return monitor.DispatchLedger{}, fmt.Errorf("ledger for credential %d: %w", credentialID, monitor.ErrNotFound)
	}
	return row, nil
}
