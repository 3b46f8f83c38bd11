// Package token keeps a valid bearer credential available to concurrent
// consumers. Refreshes are serialized per credential: in-process callers share
// one in-flight exchange, and the stored expiry is used as a compare-and-swap
// guard against other processes.
package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/mention-monitor/internal/metrics"
	"github.com/JakeFAU/mention-monitor/internal/monitor"
)

// DefaultRefreshWindow is how close to expiry a token is treated as stale.
const DefaultRefreshWindow = 5 * time.Minute

// Cipher opens and seals token material.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// Config controls the OAuth endpoints and client credentials.
type Config struct {
	ClientID      string
	ClientSecret  string
	TokenURL      string
	RevokeURL     string
	UserAgent     string
	RefreshWindow time.Duration
	Timeout       time.Duration
}

// Manager owns credential refresh and access-token retrieval.
type Manager struct {
	store      monitor.CredentialStore
	cipher     Cipher
	oauth      *oauth2.Config
	cfg        Config
	httpClient *http.Client
	clock      monitor.Clock
	group      singleflight.Group
	logger     *zap.Logger
}

// NewManager constructs a Manager. A nil clock defaults to monitor.SystemClock.
func NewManager(
	store monitor.CredentialStore,
	cipher Cipher,
	cfg Config,
	clock monitor.Clock,
	logger *zap.Logger,
) (*Manager, error) {
	if store == nil {
		return nil, errors.New("credential store is required")
	}
	if cipher == nil {
		return nil, errors.New("cipher is required")
	}
	if cfg.TokenURL == "" {
		return nil, errors.New("token url is required")
	}
	if cfg.RefreshWindow <= 0 {
		cfg.RefreshWindow = DefaultRefreshWindow
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if clock == nil {
		clock = monitor.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:  store,
		cipher: cipher,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInHeader,
			},
		},
		cfg: cfg,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: &userAgentTransport{base: http.DefaultTransport, userAgent: cfg.UserAgent},
		},
		clock:  clock,
		logger: logger,
	}, nil
}

// NeedsRefresh reports whether the access token expires within the refresh window.
func (m *Manager) NeedsRefresh(cred monitor.Credential) bool {
	if cred.TokenExpiresAt.IsZero() {
		return false
	}
	return cred.TokenExpiresAt.Sub(m.clock.Now()) <= m.cfg.RefreshWindow
}

// HasValidTokens reports whether the credential carries both tokens and an expiry.
func (m *Manager) HasValidTokens(cred monitor.Credential) bool {
	return cred.AccessToken != "" && cred.RefreshToken != "" && !cred.TokenExpiresAt.IsZero()
}

// Refresh exchanges the stored refresh token for a new access token. Concurrent
// calls for the same credential share a single exchange.
func (m *Manager) Refresh(ctx context.Context, cred monitor.Credential) (monitor.Credential, error) {
	v, err, _ := m.group.Do(flightKey(cred.ID), func() (any, error) {
		return m.refresh(context.WithoutCancel(ctx), cred)
	})
	if err != nil {
		return monitor.Credential{}, err
	}
	return v.(monitor.Credential), nil
}

// GetValidAccessToken refreshes the credential when needed and returns the
// decrypted access token.
func (m *Manager) GetValidAccessToken(ctx context.Context, cred monitor.Credential) (string, error) {
	if m.NeedsRefresh(cred) {
		v, err, shared := m.group.Do(flightKey(cred.ID), func() (any, error) {
			flightCtx := context.WithoutCancel(ctx)
			current, err := m.store.GetCredential(flightCtx, cred.ID)
			if err != nil {
				return nil, fmt.Errorf("reload credential %d: %w", cred.ID, err)
			}
			if !m.NeedsRefresh(current) {
				return current, nil
			}
			return m.refresh(flightCtx, current)
		})
		if err != nil {
			return "", err
		}
		if shared {
			m.logger.Debug("joined in-flight token refresh", zap.Int64("credential_id", cred.ID))
		}
		cred = v.(monitor.Credential)
	}

	token, err := m.cipher.Decrypt(cred.AccessToken)
	if err != nil {
		m.logger.Error("decrypt access token failed",
			zap.Int64("credential_id", cred.ID),
			zap.Int64("user_id", cred.UserID),
			zap.Error(err),
		)
		return "", fmt.Errorf("%w: decrypt access token: %v", monitor.ErrAuth, err)
	}
	return token, nil
}

func (m *Manager) refresh(ctx context.Context, cred monitor.Credential) (monitor.Credential, error) {
	refreshToken, err := m.cipher.Decrypt(cred.RefreshToken)
	if err != nil {
		metrics.ObserveTokenRefresh("decrypt_failed")
		return monitor.Credential{}, fmt.Errorf("%w: decrypt refresh token: %v", monitor.ErrAuth, err)
	}

	exchangeCtx := context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
	tok, err := m.oauth.TokenSource(exchangeCtx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		metrics.ObserveTokenRefresh("exchange_failed")
		m.logger.Error("token refresh failed",
			zap.Int64("credential_id", cred.ID),
			zap.Int64("user_id", cred.UserID),
			zap.String("external_id", cred.ExternalID),
			zap.Error(err),
		)
		return monitor.Credential{}, fmt.Errorf("%w: refresh token exchange: %v", monitor.ErrAuth, err)
	}

	now := m.clock.Now()
	expiresIn := expiresInSeconds(tok, now)
	update := monitor.TokenUpdate{
		RefreshToken:   cred.RefreshToken,
		ExpiresIn:      expiresIn,
		TokenExpiresAt: now.Add(time.Duration(expiresIn) * time.Second),
	}
	if update.AccessToken, err = m.cipher.Encrypt(tok.AccessToken); err != nil {
		return monitor.Credential{}, fmt.Errorf("%w: encrypt access token: %v", monitor.ErrAuth, err)
	}
	if tok.RefreshToken != "" && tok.RefreshToken != refreshToken {
		if update.RefreshToken, err = m.cipher.Encrypt(tok.RefreshToken); err != nil {
			return monitor.Credential{}, fmt.Errorf("%w: encrypt refresh token: %v", monitor.ErrAuth, err)
		}
	}

	err = m.store.UpdateCredentialTokens(ctx, cred.ID, cred.TokenExpiresAt, update)
	switch {
	case errors.Is(err, monitor.ErrStaleCredential):
		// Another process rotated first; its token is the live one.
		metrics.ObserveTokenRefresh("lost_race")
		current, reloadErr := m.store.GetCredential(ctx, cred.ID)
		if reloadErr != nil {
			return monitor.Credential{}, fmt.Errorf("reload credential %d: %w", cred.ID, reloadErr)
		}
		return current, nil
	case err != nil:
		metrics.ObserveTokenRefresh("store_failed")
		return monitor.Credential{}, fmt.Errorf("store refreshed token: %w", err)
	}

	metrics.ObserveTokenRefresh("refreshed")
	m.logger.Info("refreshed access token",
		zap.Int64("credential_id", cred.ID),
		zap.Int64("user_id", cred.UserID),
		zap.Int("expires_in", expiresIn),
	)
	cred.AccessToken = update.AccessToken
	cred.RefreshToken = update.RefreshToken
	cred.ExpiresIn = update.ExpiresIn
	cred.TokenExpiresAt = update.TokenExpiresAt
	cred.UpdatedAt = now
	return cred, nil
}

// Revoke invalidates the access token remotely and clears the stored tokens.
func (m *Manager) Revoke(ctx context.Context, cred monitor.Credential) error {
	if m.cfg.RevokeURL == "" {
		return errors.New("revoke url is not configured")
	}
	accessToken, err := m.cipher.Decrypt(cred.AccessToken)
	if err != nil {
		return fmt.Errorf("%w: decrypt access token: %v", monitor.ErrAuth, err)
	}
	form := url.Values{
		"token":           {accessToken},
		"token_type_hint": {"access_token"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.RevokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build revoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(m.cfg.ClientID, m.cfg.ClientSecret)
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: revoke token: %v", monitor.ErrTransient, err)
	}
	defer resp.Body.Close() //nolint:errcheck // body is not read
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: revoke token: HTTP %d", monitor.ErrAuth, resp.StatusCode)
	}
	if err := m.store.UpdateCredentialTokens(ctx, cred.ID, cred.TokenExpiresAt, monitor.TokenUpdate{}); err != nil {
		return fmt.Errorf("clear revoked tokens: %w", err)
	}
	m.logger.Info("revoked access token", zap.Int64("credential_id", cred.ID), zap.Int64("user_id", cred.UserID))
	return nil
}

func flightKey(id int64) string {
	return strconv.FormatInt(id, 10)
}

// expiresInSeconds prefers the raw expires_in field and falls back to the
// parsed expiry.
func expiresInSeconds(tok *oauth2.Token, now time.Time) int {
	switch v := tok.Extra("expires_in").(type) {
	case float64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	if !tok.Expiry.IsZero() {
		return int(tok.Expiry.Sub(now).Round(time.Second) / time.Second)
	}
	return 0
}

type userAgentTransport struct {
	base      http.RoundTripper
	userAgent string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.userAgent != "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.userAgent)
	}
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, fmt.Errorf("token transport: %w", err)
	}
	return resp, nil
}
