// Package auth owns the OAuth2 client-credentials lifecycle for the
// metering API: acquisition, expiry-aware caching, and refresh with
// fallback to full re-authentication.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stanbrug/cs-kenter/internal/metrics"
	"github.com/stanbrug/cs-kenter/internal/models"
)

// expiryMargin is subtracted from expires_in so a token is never
// presented when it is about to lapse mid-request.
const expiryMargin = 300 * time.Second

// ErrTokenExchange marks a failed exchange against the token endpoint.
// Callers treat it as "skip this cycle", not as fatal.
var ErrTokenExchange = errors.New("token exchange failed")

// Credentials are the immutable client-credentials grant inputs,
// loaded once at startup.
type Credentials struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scope        string
}

// TokenSource supplies a usable bearer token. The fetcher depends on
// this seam rather than on the concrete manager.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Manager caches the current token and replaces it wholesale on every
// exchange; token state is never partially mutated.
type Manager struct {
	creds  Credentials
	client *http.Client
	logger *logrus.Logger
	now    func() time.Time

	mu           sync.Mutex
	accessToken  string
	refreshToken string
	expiry       time.Time
}

func NewManager(creds Credentials, logger *logrus.Logger) *Manager {
	return &Manager{
		creds:  creds,
		client: &http.Client{},
		logger: logger,
		now:    time.Now,
	}
}

// Token returns the cached access token while it is still usable
// (now < expiry) and performs a client-credentials grant otherwise.
func (m *Manager) Token(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.accessToken != "" && m.now().Before(m.expiry) {
		return m.accessToken, nil
	}
	return m.clientCredentialsLocked(ctx)
}

// Refresh exchanges the stored refresh token for a new access token.
// Without a refresh token, or when the refresh grant fails, it falls
// back to a full client-credentials exchange: refresh is best-effort,
// authentication is not optional.
func (m *Manager) Refresh(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.refreshToken == "" {
		return m.clientCredentialsLocked(ctx)
	}

	form := url.Values{
		"client_id":     {m.creds.ClientID},
		"client_secret": {m.creds.ClientSecret},
		"grant_type":    {"refresh_token"},
		"refresh_token": {m.refreshToken},
	}
	token, err := m.exchangeLocked(ctx, "refresh_token", form)
	if err != nil {
		m.logger.WithError(err).Warn("token refresh failed, re-authenticating")
		return m.clientCredentialsLocked(ctx)
	}
	return token, nil
}

// clientCredentialsLocked performs the full grant. Callers hold m.mu.
func (m *Manager) clientCredentialsLocked(ctx context.Context) (string, error) {
	form := url.Values{
		"client_id":     {m.creds.ClientID},
		"client_secret": {m.creds.ClientSecret},
		"grant_type":    {"client_credentials"},
		"scope":         {m.creds.Scope},
	}
	return m.exchangeLocked(ctx, "client_credentials", form)
}

// exchangeLocked POSTs the form to the token endpoint and replaces the
// cached token state on success. Callers hold m.mu.
func (m *Manager) exchangeLocked(ctx context.Context, grant string, form url.Values) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.creds.TokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTokenExchange, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.client.Do(req)
	if err != nil {
		metrics.TokenExchanges.WithLabelValues(grant, metrics.ResultError).Inc()
		m.logger.WithError(err).Error("error calling token endpoint")
		return "", fmt.Errorf("%w: %v", ErrTokenExchange, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.TokenExchanges.WithLabelValues(grant, metrics.ResultError).Inc()
		m.logger.WithFields(logrus.Fields{
			"grant":  grant,
			"status": resp.StatusCode,
		}).Error("token endpoint returned error status")
		return "", fmt.Errorf("%w: got status %d", ErrTokenExchange, resp.StatusCode)
	}

	var body models.TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		metrics.TokenExchanges.WithLabelValues(grant, metrics.ResultError).Inc()
		return "", fmt.Errorf("%w: decoding response: %v", ErrTokenExchange, err)
	}

	m.accessToken = body.AccessToken
	if body.RefreshToken != "" {
		m.refreshToken = body.RefreshToken
	}
	m.expiry = m.now().Add(time.Duration(body.ExpiresIn)*time.Second - expiryMargin)

	metrics.TokenExchanges.WithLabelValues(grant, metrics.ResultOK).Inc()
	m.logger.WithFields(logrus.Fields{
		"grant":  grant,
		"expiry": m.expiry.Format(time.RFC3339),
	}).Debug("token exchanged")

	return m.accessToken, nil
}
