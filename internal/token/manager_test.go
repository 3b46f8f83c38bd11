package token

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/mention-monitor/internal/monitor"
	"github.com/JakeFAU/mention-monitor/internal/secrets"
	"github.com/JakeFAU/mention-monitor/internal/storage/memory"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	store   *memory.Store
	cipher  *secrets.Cipher
	manager *Manager
	cred    monitor.Credential
	calls   *atomic.Int32
}

func newHarness(t *testing.T, handler http.HandlerFunc, expiresAt time.Time) *harness {
	t.Helper()
	cipher, err := secrets.New(bytes.Repeat([]byte{7}, 32))
	require.NoError(t, err)

	calls := &atomic.Int32{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	clock := fixedClock{t: testNow}
	store := memory.NewStore(clock)
	access, err := cipher.Encrypt("old-access")
	require.NoError(t, err)
	refresh, err := cipher.Encrypt("the-refresh")
	require.NoError(t, err)
	cred, err := store.UpsertCredential(context.Background(), monitor.Credential{
		UserID:         1,
		ExternalID:     "abc",
		AccessToken:    access,
		RefreshToken:   refresh,
		ExpiresIn:      3600,
		TokenExpiresAt: expiresAt,
	})
	require.NoError(t, err)

	manager, err := NewManager(store, cipher, Config{
		ClientID:     "client",
		ClientSecret: "secret",
		TokenURL:     srv.URL + "/api/v1/access_token",
		RevokeURL:    srv.URL + "/api/v1/revoke_token",
		UserAgent:    "mention-monitor/test",
	}, clock, zaptest.NewLogger(t))
	require.NoError(t, err)

	return &harness{store: store, cipher: cipher, manager: manager, cred: cred, calls: calls}
}

func tokenHandler(t *testing.T, delay time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "client" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.Header.Get("User-Agent") != "mention-monitor/test" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if err := r.ParseForm(); err != nil || r.PostForm.Get("refresh_token") != "the-refresh" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		time.Sleep(delay)
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string]any{
			"access_token": "new-access",
			"token_type":   "bearer",
			"expires_in":   3600,
		}); err != nil {
			t.Errorf("encode token response: %v", err)
		}
	}
}

func TestNeedsRefresh(t *testing.T) {
	t.Parallel()
	h := newHarness(t, tokenHandler(t, 0), testNow.Add(time.Hour))

	require.False(t, h.manager.NeedsRefresh(monitor.Credential{}))
	require.False(t, h.manager.NeedsRefresh(monitor.Credential{TokenExpiresAt: testNow.Add(6 * time.Minute)}))
	require.True(t, h.manager.NeedsRefresh(monitor.Credential{TokenExpiresAt: testNow.Add(5 * time.Minute)}))
	require.True(t, h.manager.NeedsRefresh(monitor.Credential{TokenExpiresAt: testNow.Add(-time.Minute)}))
	require.True(t, h.manager.HasValidTokens(h.cred))
	require.False(t, h.manager.HasValidTokens(monitor.Credential{AccessToken: "x"}))
}

func TestGetValidAccessTokenSkipsRefreshWhenFresh(t *testing.T) {
	t.Parallel()
	h := newHarness(t, tokenHandler(t, 0), testNow.Add(time.Hour))

	token, err := h.manager.GetValidAccessToken(context.Background(), h.cred)
	require.NoError(t, err)
	require.Equal(t, "old-access", token)
	require.Zero(t, h.calls.Load())
}

func TestConcurrentCallersShareOneRefresh(t *testing.T) {
	t.Parallel()
	h := newHarness(t, tokenHandler(t, 50*time.Millisecond), testNow.Add(time.Minute))

	const callers = 8
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tokens[i], errs[i] = h.manager.GetValidAccessToken(context.Background(), h.cred)
		}()
	}
	wg.Wait()

	for i := range callers {
		require.NoError(t, errs[i])
		require.Equal(t, "new-access", tokens[i])
	}
	require.Equal(t, int32(1), h.calls.Load())

	stored, err := h.store.GetCredential(context.Background(), h.cred.ID)
	require.NoError(t, err)
	require.Equal(t, 3600, stored.ExpiresIn)
	require.True(t, stored.TokenExpiresAt.Equal(testNow.Add(time.Hour)))
	require.Equal(t, h.cred.RefreshToken, stored.RefreshToken)
}

func TestFailedRefreshLeavesCredentialUntouched(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}, testNow.Add(time.Minute))

	_, err := h.manager.Refresh(context.Background(), h.cred)
	require.ErrorIs(t, err, monitor.ErrAuth)

	stored, err := h.store.GetCredential(context.Background(), h.cred.ID)
	require.NoError(t, err)
	require.Equal(t, h.cred.AccessToken, stored.AccessToken)
	require.True(t, stored.TokenExpiresAt.Equal(h.cred.TokenExpiresAt))
}

func TestUndecryptableRefreshTokenIsAuthError(t *testing.T) {
	t.Parallel()
	h := newHarness(t, tokenHandler(t, 0), testNow.Add(time.Minute))

	cred := h.cred
	cred.RefreshToken = "not-ciphertext"
	_, err := h.manager.Refresh(context.Background(), cred)
	require.ErrorIs(t, err, monitor.ErrAuth)
	require.Zero(t, h.calls.Load())
}

func TestRefreshLosingRaceReturnsStoredCredential(t *testing.T) {
	t.Parallel()
	h := newHarness(t, tokenHandler(t, 0), testNow.Add(time.Minute))

	winner, err := h.cipher.Encrypt("winner-access")
	require.NoError(t, err)
	winnerExpiry := testNow.Add(2 * time.Hour)
	require.NoError(t, h.store.UpdateCredentialTokens(context.Background(), h.cred.ID, h.cred.TokenExpiresAt,
		monitor.TokenUpdate{AccessToken: winner, RefreshToken: h.cred.RefreshToken, ExpiresIn: 7200, TokenExpiresAt: winnerExpiry}))

	got, err := h.manager.Refresh(context.Background(), h.cred)
	require.NoError(t, err)
	require.True(t, got.TokenExpiresAt.Equal(winnerExpiry))
	plain, err := h.cipher.Decrypt(got.AccessToken)
	require.NoError(t, err)
	require.Equal(t, "winner-access", plain)
}

func TestRevokeClearsTokens(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil ||
			r.PostForm.Get("token") != "old-access" ||
			r.PostForm.Get("token_type_hint") != "access_token" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}, testNow.Add(time.Hour))

	require.NoError(t, h.manager.Revoke(context.Background(), h.cred))

	stored, err := h.store.GetCredential(context.Background(), h.cred.ID)
	require.NoError(t, err)
	require.Empty(t, stored.AccessToken)
	require.Empty(t, stored.RefreshToken)
	require.False(t, h.manager.HasValidTokens(stored))
}

func TestRevokeRejectedKeepsTokens(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}, testNow.Add(time.Hour))

	require.ErrorIs(t, h.manager.Revoke(context.Background(), h.cred), monitor.ErrAuth)
	stored, err := h.store.GetCredential(context.Background(), h.cred.ID)
	require.NoError(t, err)
	require.Equal(t, h.cred.AccessToken, stored.AccessToken)
}
