package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"buildhooks/pkg/scm"
	"buildhooks/pkg/storage"
)

// OAuthConfig describes a provider's OAuth token endpoint.
type OAuthConfig struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	// BasicAuth sends client credentials as basic auth (Bitbucket style)
	// instead of form fields (GitLab style).
	BasicAuth bool
	// ExpiryAdjustment moves the strict expiry boundary earlier.
	ExpiryAdjustment time.Duration
}

// OAuthManager handles OAuth (GitLab/Bitbucket style) credentials for one
// installation. Concurrent callers observing an expired token coalesce on
// one refresh; the latest persisted write wins.
type OAuthManager struct {
	cfg      OAuthConfig
	installs storage.InstallationStore
	inst     *storage.InstallationRecord
	client   *http.Client

	mu  sync.Mutex
	now func() time.Time
}

// NewOAuthManager creates an OAuthManager bound to one installation record.
func NewOAuthManager(cfg OAuthConfig, installs storage.InstallationStore, inst *storage.InstallationRecord) *OAuthManager {
	return &OAuthManager{
		cfg:      cfg,
		installs: installs,
		inst:     inst,
		client:   &http.Client{Timeout: 10 * time.Second},
		now:      time.Now,
	}
}

// GetValidAccessToken returns a non-expired token, synchronously refreshing
// through the refresh token when the stored one is expired or absent.
func (m *OAuthManager) GetValidAccessToken(ctx context.Context) (Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	token := Token{Value: m.inst.AccessToken}
	if m.inst.TokenExpiresAt != nil {
		token.ExpiresAt = *m.inst.TokenExpiresAt
	}
	if !token.Expired(m.now().UTC(), m.cfg.ExpiryAdjustment) {
		return token, nil
	}
	return m.refreshLocked(ctx)
}

// CreateAccessToken exchanges an authorization code for a new access token
// and persists it onto the installation record.
func (m *OAuthManager) CreateAccessToken(ctx context.Context, code, redirectURL string) (Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	values := url.Values{}
	values.Set("grant_type", "authorization_code")
	values.Set("code", code)
	if redirectURL != "" {
		values.Set("redirect_uri", redirectURL)
	}
	return m.exchangeLocked(ctx, values)
}

func (m *OAuthManager) refreshLocked(ctx context.Context) (Token, error) {
	if m.inst.RefreshToken == "" {
		return Token{}, errors.New("refresh token missing")
	}
	values := url.Values{}
	values.Set("grant_type", "refresh_token")
	values.Set("refresh_token", m.inst.RefreshToken)
	return m.exchangeLocked(ctx, values)
}

func (m *OAuthManager) exchangeLocked(ctx context.Context, values url.Values) (Token, error) {
	if m.cfg.TokenURL == "" {
		return Token{}, errors.New("token url is not configured")
	}
	if m.cfg.BasicAuth {
		// Client credentials travel in the Authorization header.
	} else {
		values.Set("client_id", m.cfg.ClientID)
		values.Set("client_secret", m.cfg.ClientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.TokenURL, strings.NewReader(values.Encode()))
	if err != nil {
		return Token{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if m.cfg.BasicAuth {
		req.SetBasicAuth(m.cfg.ClientID, m.cfg.ClientSecret)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return Token{}, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Token{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Token{}, &scm.RequestError{Status: resp.StatusCode, Body: string(raw), URL: m.cfg.TokenURL}
	}

	var payload struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
		CreatedAt    int64  `json:"created_at"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Token{}, err
	}
	if payload.AccessToken == "" {
		return Token{}, errors.New("access token missing from response")
	}

	token := Token{Value: payload.AccessToken}
	if payload.ExpiresIn > 0 {
		base := m.now().UTC()
		if payload.CreatedAt > 0 {
			base = time.Unix(payload.CreatedAt, 0).UTC()
		}
		token.ExpiresAt = base.Add(time.Duration(payload.ExpiresIn) * time.Second)
	}

	m.inst.AccessToken = token.Value
	if payload.RefreshToken != "" {
		m.inst.RefreshToken = payload.RefreshToken
	}
	if !token.ExpiresAt.IsZero() {
		expiresAt := token.ExpiresAt
		m.inst.TokenExpiresAt = &expiresAt
	}
	if m.installs != nil {
		if err := m.installs.Save(ctx, m.inst); err != nil {
			return Token{}, err
		}
	}
	return token, nil
}
