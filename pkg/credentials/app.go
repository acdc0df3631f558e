package credentials

import (
	"context"
	"crypto"
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"buildhooks/pkg/scm"
	"buildhooks/pkg/storage"
)

const defaultGitHubBaseURL = "https://api.github.com"

// signingTokenWindow is the iat->exp span of the app-level JWT. The issued-at
// is backdated to absorb clock skew between us and the provider.
const (
	signingTokenWindow   = 590 * time.Second
	signingTokenBackdate = 30 * time.Second
)

// AppConfig contains provider-app credential settings.
type AppConfig struct {
	Provider       string
	AppID          int64
	PrivateKeyPath string
	WebhookToken   string
	BaseURL        string
	// ExpiryAdjustment moves the strict expiry boundary earlier.
	ExpiryAdjustment time.Duration
}

// AppManager handles app-level (GitHub App style) credentials: the signed
// assertion used to mint installation tokens, the installation tokens
// themselves, and webhook signature verification.
//
// The signing token expires independently of any installation's access
// token; both are refreshed lazily on use.
type AppManager struct {
	cfg      AppConfig
	apps     storage.AppStore
	installs storage.InstallationStore
	client   *scm.Client

	mu       sync.Mutex
	keyOnce  sync.Once
	key      *rsa.PrivateKey
	keyError error

	// now is swappable for tests.
	now func() time.Time
}

// NewAppManager creates an AppManager. The app record is created lazily in
// the store on first signing-token use.
func NewAppManager(cfg AppConfig, apps storage.AppStore, installs storage.InstallationStore) *AppManager {
	if cfg.Provider == "" {
		cfg.Provider = "github"
	}
	cfg.BaseURL = normalizeBaseURL(cfg.BaseURL, defaultGitHubBaseURL)
	return &AppManager{
		cfg:      cfg,
		apps:     apps,
		installs: installs,
		client:   scm.NewClient(nil),
		now:      time.Now,
	}
}

// SigningToken returns a valid app-level signed assertion, minting a fresh
// one when the stored token is expired or absent.
func (m *AppManager) SigningToken(ctx context.Context) (Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.signingTokenLocked(ctx)
}

func (m *AppManager) signingTokenLocked(ctx context.Context) (Token, error) {
	now := m.now().UTC()

	var record *storage.ProviderAppRecord
	if m.apps != nil {
		found, err := m.apps.GetOrCreate(ctx, m.cfg.Provider)
		if err != nil {
			return Token{}, err
		}
		record = found
		if record.SigningToken != "" && record.SigningExpiresAt != nil {
			cached := Token{Value: record.SigningToken, ExpiresAt: *record.SigningExpiresAt}
			if !cached.Expired(now, m.cfg.ExpiryAdjustment) {
				return cached, nil
			}
		}
	}

	token, expiresAt, err := m.mintSigningToken(now)
	if err != nil {
		return Token{}, err
	}
	if record != nil {
		record.SigningToken = token
		record.SigningExpiresAt = &expiresAt
		if err := m.apps.Save(ctx, record); err != nil {
			return Token{}, err
		}
	}
	return Token{Value: token, ExpiresAt: expiresAt}, nil
}

// CreateInstallationToken exchanges the signing token for an
// installation-scoped access token and writes it onto the installation
// record. A non-201 provider response yields *scm.RequestError.
func (m *AppManager) CreateInstallationToken(ctx context.Context, inst *storage.InstallationRecord) (Token, error) {
	if inst == nil || inst.InstallationID == "" {
		return Token{}, errors.New("installation id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	signing, err := m.signingTokenLocked(ctx)
	if err != nil {
		return Token{}, err
	}

	endpoint := fmt.Sprintf("%s/app/installations/%s/access_tokens", m.cfg.BaseURL, inst.InstallationID)
	resp, err := m.client.Request(ctx, http.MethodPost, endpoint, map[string]string{
		"Authorization": "Bearer " + signing.Value,
		"Accept":        "application/vnd.github+json",
	}, nil, http.StatusCreated)
	if err != nil {
		return Token{}, err
	}

	var out struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := resp.JSON(&out); err != nil {
		return Token{}, err
	}
	if out.Token == "" {
		return Token{}, errors.New("installation token missing from response")
	}

	inst.AccessToken = out.Token
	if !out.ExpiresAt.IsZero() {
		expiresAt := out.ExpiresAt.UTC()
		inst.TokenExpiresAt = &expiresAt
	}
	if m.installs != nil {
		if err := m.installs.Save(ctx, inst); err != nil {
			return Token{}, err
		}
	}
	return Token{Value: out.Token, ExpiresAt: out.ExpiresAt}, nil
}

// InstallationTokenSource returns a Manager yielding valid tokens for one
// installation, refreshing through CreateInstallationToken when the stored
// token is expired or absent.
func (m *AppManager) InstallationTokenSource(inst *storage.InstallationRecord) Manager {
	return &installationTokenSource{app: m, inst: inst}
}

type installationTokenSource struct {
	app  *AppManager
	inst *storage.InstallationRecord
	mu   sync.Mutex
}

func (s *installationTokenSource) GetValidAccessToken(ctx context.Context) (Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	token := Token{Value: s.inst.AccessToken}
	if s.inst.TokenExpiresAt != nil {
		token.ExpiresAt = *s.inst.TokenExpiresAt
	}
	if !token.Expired(s.app.now().UTC(), s.app.cfg.ExpiryAdjustment) {
		return token, nil
	}
	return s.app.CreateInstallationToken(ctx, s.inst)
}

// VerifyWebhookSignature checks an inbound payload against the signature
// header using the app's webhook signing token. The comparison is constant
// time; any mismatch is ErrBadSignature.
func (m *AppManager) VerifyWebhookSignature(body []byte, signature string) error {
	if m.cfg.WebhookToken == "" {
		return errors.New("webhook signing token is not configured")
	}
	signature = strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	if signature == "" {
		return ErrBadSignature
	}
	mac := hmac.New(sha256.New, []byte(m.cfg.WebhookToken))
	_, _ = mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return ErrBadSignature
	}
	return nil
}

func (m *AppManager) mintSigningToken(now time.Time) (string, time.Time, error) {
	key, err := m.privateKey()
	if err != nil {
		return "", time.Time{}, err
	}
	issuedAt := now.Add(-signingTokenBackdate)
	expiresAt := issuedAt.Add(signingTokenWindow)
	claims := map[string]interface{}{
		"iat": issuedAt.Unix(),
		"exp": expiresAt.Unix(),
		"iss": m.cfg.AppID,
	}
	header := map[string]interface{}{
		"alg": "RS256",
		"typ": "JWT",
	}
	encodedHeader, err := encodeSegment(header)
	if err != nil {
		return "", time.Time{}, err
	}
	encodedClaims, err := encodeSegment(claims)
	if err != nil {
		return "", time.Time{}, err
	}
	unsigned := encodedHeader + "." + encodedClaims
	hash := sha256.Sum256([]byte(unsigned))
	signature, err := rsa.SignPKCS1v15(nil, key, crypto.SHA256, hash[:])
	if err != nil {
		return "", time.Time{}, err
	}
	encodedSig := base64.RawURLEncoding.EncodeToString(signature)
	return unsigned + "." + encodedSig, expiresAt, nil
}

func (m *AppManager) privateKey() (*rsa.PrivateKey, error) {
	m.keyOnce.Do(func() {
		keyBytes, err := os.ReadFile(m.cfg.PrivateKeyPath)
		if err != nil {
			m.keyError = err
			return
		}
		block, _ := pem.Decode(keyBytes)
		if block == nil {
			m.keyError = errors.New("private key PEM decode failed")
			return
		}
		if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
			m.key = key
			return
		}
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			m.keyError = err
			return
		}
		typed, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			m.keyError = errors.New("private key is not RSA")
			return
		}
		m.key = typed
	})
	if m.keyError != nil {
		return nil, m.keyError
	}
	if m.key == nil {
		return nil, errors.New("private key not loaded")
	}
	return m.key, nil
}

func encodeSegment(data map[string]interface{}) (string, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func normalizeBaseURL(base, fallback string) string {
	base = strings.TrimSpace(base)
	if base == "" {
		return fallback
	}
	return strings.TrimRight(base, "/")
}
