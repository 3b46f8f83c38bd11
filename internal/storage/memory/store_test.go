package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/mention-monitor/internal/monitor"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func newTestStore() *Store {
	return NewStore(fixedClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)})
}

func TestUpsertCredentialIsKeyedByExternalAccount(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestStore()

	first, err := store.UpsertCredential(ctx, monitor.Credential{UserID: 1, ExternalID: "abc", Username: "alice"})
	require.NoError(t, err)
	second, err := store.UpsertCredential(ctx, monitor.Credential{UserID: 1, ExternalID: "abc", Username: "alice2"})
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	got, err := store.GetCredential(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, "alice2", got.Username)

	_, err = store.UpsertCredential(ctx, monitor.Credential{UserID: 2, ExternalID: "abc"})
	require.ErrorIs(t, err, monitor.ErrDuplicate)
}

func TestUpdateCredentialTokensComparesExpiry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestStore()
	expiry := time.Date(2025, 6, 1, 13, 0, 0, 0, time.UTC)

	cred, err := store.UpsertCredential(ctx, monitor.Credential{UserID: 1, ExternalID: "abc", TokenExpiresAt: expiry})
	require.NoError(t, err)

	next := expiry.Add(time.Hour)
	err = store.UpdateCredentialTokens(ctx, cred.ID, expiry, monitor.TokenUpdate{
		AccessToken: "a2", RefreshToken: "r2", ExpiresIn: 3600, TokenExpiresAt: next,
	})
	require.NoError(t, err)

	err = store.UpdateCredentialTokens(ctx, cred.ID, expiry, monitor.TokenUpdate{AccessToken: "a3"})
	require.ErrorIs(t, err, monitor.ErrStaleCredential)

	got, err := store.GetCredential(ctx, cred.ID)
	require.NoError(t, err)
	require.Equal(t, "a2", got.AccessToken)
	require.True(t, got.TokenExpiresAt.Equal(next))

	err = store.UpdateCredentialTokens(ctx, 999, expiry, monitor.TokenUpdate{})
	require.ErrorIs(t, err, monitor.ErrNotFound)
}

func TestDeleteCredentialDetachesRules(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestStore()

	persona, err := store.CreatePersona(ctx, monitor.Persona{UserID: 1, Name: "shop", Type: monitor.PersonaSmallBusiness})
	require.NoError(t, err)
	cred, err := store.UpsertCredential(ctx, monitor.Credential{UserID: 1, ExternalID: "abc"})
	require.NoError(t, err)
	rule, err := store.CreateKeywordRule(ctx, monitor.KeywordRule{
		UserID: 1, CredentialID: cred.ID, PersonaID: persona.ID, Keyword: "widget",
	})
	require.NoError(t, err)

	require.NoError(t, store.DeleteCredential(ctx, 1, "abc"))
	require.ErrorIs(t, store.DeleteCredential(ctx, 1, "abc"), monitor.ErrNotFound)

	got, err := store.GetKeywordRule(ctx, rule.ID)
	require.NoError(t, err)
	require.Zero(t, got.CredentialID)

	rules, err := store.ListKeywordRules(ctx, cred.ID)
	require.NoError(t, err)
	require.Empty(t, rules)
}

func TestDeletePersonaInUse(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestStore()

	persona, err := store.CreatePersona(ctx, monitor.Persona{UserID: 1, Name: "pr", Type: monitor.PersonaPRCrisis})
	require.NoError(t, err)
	rule, err := store.CreateKeywordRule(ctx, monitor.KeywordRule{UserID: 1, PersonaID: persona.ID, Keyword: "recall"})
	require.NoError(t, err)
	require.NotZero(t, rule.ID)

	require.ErrorIs(t, store.DeletePersona(ctx, persona.ID), monitor.ErrPersonaInUse)

	_, err = store.CreatePersona(ctx, monitor.Persona{Type: "astronaut"})
	require.ErrorIs(t, err, monitor.ErrValidation)

	_, err = store.CreateKeywordRule(ctx, monitor.KeywordRule{PersonaID: 4242})
	require.ErrorIs(t, err, monitor.ErrNotFound)
}

func TestInsertMentionRejectsDuplicates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestStore()

	id, err := store.InsertMention(ctx, monitor.Mention{ExternalID: "p1", KeywordID: 1})
	require.NoError(t, err)
	require.NotZero(t, id)

	_, err = store.InsertMention(ctx, monitor.Mention{ExternalID: "p1", KeywordID: 2})
	require.ErrorIs(t, err, monitor.ErrDuplicate)

	exists, err := store.MentionExists(ctx, "p1")
	require.NoError(t, err)
	require.True(t, exists)

	require.NoError(t, store.UpdateMentionKeyword(ctx, "p1", 2))
	require.Equal(t, int64(2), store.Mentions()[0].KeywordID)
	require.ErrorIs(t, store.UpdateMentionKeyword(ctx, "nope", 2), monitor.ErrNotFound)
}

func TestListCredentialUsersPaginates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestStore()

	for _, user := range []int64{5, 3, 9, 3} {
		_, err := store.UpsertCredential(ctx, monitor.Credential{UserID: user, ExternalID: time.Duration(user).String() + "-x"})
		require.NoError(t, err)
	}
	_, err := store.UpsertCredential(ctx, monitor.Credential{UserID: 3, ExternalID: "second"})
	require.NoError(t, err)

	page, err := store.ListCredentialUsers(ctx, 0, 2)
	require.NoError(t, err)
	require.Equal(t, []int64{3, 5}, page)

	page, err = store.ListCredentialUsers(ctx, 5, 2)
	require.NoError(t, err)
	require.Equal(t, []int64{9}, page)
}

func TestLedgerUpserts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestStore()
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	_, err := store.GetLedger(ctx, 1, 2)
	require.ErrorIs(t, err, monitor.ErrNotFound)

	require.NoError(t, store.MarkDispatched(ctx, 1, 2, at))
	require.NoError(t, store.MarkFetched(ctx, 1, 2, at.Add(time.Minute)))

	row, err := store.GetLedger(ctx, 1, 2)
	require.NoError(t, err)
	require.True(t, row.DispatchAt.Equal(at))
	require.True(t, row.LastFetchedAt.Equal(at.Add(time.Minute)))
}
