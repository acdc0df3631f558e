package credentials

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"buildhooks/pkg/scm"
	"buildhooks/pkg/storage"
)

func writeTestKey(t *testing.T) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	path := filepath.Join(t.TempDir(), "app.pem")
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return path
}

func TestVerifyWebhookSignature(t *testing.T) {
	m := NewAppManager(AppConfig{WebhookToken: "hush"}, nil, nil)
	body := []byte(`{"action":"opened"}`)

	mac := hmac.New(sha256.New, []byte("hush"))
	mac.Write(body)
	good := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	if err := m.VerifyWebhookSignature(body, good); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}
	if err := m.VerifyWebhookSignature([]byte(`{"action":"closed"}`), good); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("tampered body: got %v, want ErrBadSignature", err)
	}
	if err := m.VerifyWebhookSignature(body, "sha256=deadbeef"); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("wrong signature: got %v, want ErrBadSignature", err)
	}
	if err := m.VerifyWebhookSignature(body, ""); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("missing signature: got %v, want ErrBadSignature", err)
	}
}

func TestSigningTokenWindowAndCache(t *testing.T) {
	apps := storage.NewMemoryAppStore()
	m := NewAppManager(AppConfig{
		Provider:       "github",
		AppID:          42,
		PrivateKeyPath: writeTestKey(t),
	}, apps, nil)

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	token, err := m.SigningToken(context.Background())
	if err != nil {
		t.Fatalf("SigningToken: %v", err)
	}
	if parts := strings.Split(token.Value, "."); len(parts) != 3 {
		t.Fatalf("token is not a three-segment JWT: %q", token.Value)
	}
	wantExpiry := now.Add(-signingTokenBackdate).Add(signingTokenWindow)
	if !token.ExpiresAt.Equal(wantExpiry) {
		t.Fatalf("expiry = %v, want %v", token.ExpiresAt, wantExpiry)
	}

	// A second call inside the window returns the persisted token.
	now = now.Add(time.Minute)
	again, err := m.SigningToken(context.Background())
	if err != nil {
		t.Fatalf("SigningToken again: %v", err)
	}
	if again.Value != token.Value {
		t.Fatalf("token not reused inside its window")
	}

	// Past the window a fresh token is minted.
	now = wantExpiry.Add(time.Second)
	fresh, err := m.SigningToken(context.Background())
	if err != nil {
		t.Fatalf("SigningToken after expiry: %v", err)
	}
	if fresh.Value == token.Value {
		t.Fatalf("expired token was reused")
	}
}

func TestCreateInstallationToken(t *testing.T) {
	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if r.URL.Path != "/app/installations/77/access_tokens" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); !strings.HasPrefix(auth, "Bearer ") {
			t.Errorf("authorization header = %q", auth)
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"token":"inst-tok","expires_at":"2024-05-01T13:00:00Z"}`))
	}))
	defer srv.Close()

	installs := storage.NewMemoryInstallationStore()
	inst := &storage.InstallationRecord{Provider: "github", UserID: "u1", InstallationID: "77"}
	if err := installs.Save(context.Background(), inst); err != nil {
		t.Fatalf("seed installation: %v", err)
	}

	m := NewAppManager(AppConfig{
		AppID:          42,
		PrivateKeyPath: writeTestKey(t),
		BaseURL:        srv.URL,
	}, storage.NewMemoryAppStore(), installs)
	m.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }

	token, err := m.CreateInstallationToken(context.Background(), inst)
	if err != nil {
		t.Fatalf("CreateInstallationToken: %v", err)
	}
	if token.Value != "inst-tok" {
		t.Fatalf("token = %q", token.Value)
	}
	if requests != 1 {
		t.Fatalf("requests = %d", requests)
	}

	stored, err := installs.Get(context.Background(), inst.ID)
	if err != nil || stored == nil {
		t.Fatalf("stored installation: %v", err)
	}
	if stored.AccessToken != "inst-tok" {
		t.Fatalf("stored token = %q", stored.AccessToken)
	}
	if stored.TokenExpiresAt == nil || !stored.TokenExpiresAt.Equal(time.Date(2024, 5, 1, 13, 0, 0, 0, time.UTC)) {
		t.Fatalf("stored expiry = %v", stored.TokenExpiresAt)
	}
}

func TestCreateInstallationTokenProviderFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"message":"bad credentials"}`))
	}))
	defer srv.Close()

	m := NewAppManager(AppConfig{
		AppID:          42,
		PrivateKeyPath: writeTestKey(t),
		BaseURL:        srv.URL,
	}, storage.NewMemoryAppStore(), nil)

	_, err := m.CreateInstallationToken(context.Background(), &storage.InstallationRecord{InstallationID: "77"})
	var reqErr *scm.RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("got %v, want *scm.RequestError", err)
	}
	if reqErr.Status != http.StatusUnauthorized {
		t.Fatalf("status = %d", reqErr.Status)
	}
}

func TestInstallationTokenSourceRefreshesOnExpiry(t *testing.T) {
	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"token":"fresh","expires_at":"2024-05-01T13:00:00Z"}`))
	}))
	defer srv.Close()

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	expiry := now // expired exactly at the boundary
	inst := &storage.InstallationRecord{
		Provider:       "github",
		InstallationID: "77",
		AccessToken:    "stale",
		TokenExpiresAt: &expiry,
	}

	m := NewAppManager(AppConfig{
		AppID:          42,
		PrivateKeyPath: writeTestKey(t),
		BaseURL:        srv.URL,
	}, storage.NewMemoryAppStore(), storage.NewMemoryInstallationStore())
	m.now = func() time.Time { return now }

	source := m.InstallationTokenSource(inst)
	token, err := source.GetValidAccessToken(context.Background())
	if err != nil {
		t.Fatalf("GetValidAccessToken: %v", err)
	}
	if token.Value != "fresh" {
		t.Fatalf("token = %q, want refreshed", token.Value)
	}
	if requests != 1 {
		t.Fatalf("requests = %d", requests)
	}

	// Inside the new token's window the source does not hit the provider.
	if _, err := source.GetValidAccessToken(context.Background()); err != nil {
		t.Fatalf("second GetValidAccessToken: %v", err)
	}
	if requests != 1 {
		t.Fatalf("requests after cached read = %d", requests)
	}
}
