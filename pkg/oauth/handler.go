// Package oauth implements the browser-facing connect flow: /auth/start
// sends the user into the provider's install or authorize screen, /auth
// receives the callback, persists the credential and kicks off the
// repository import in the background.
package oauth

import (
	"context"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"buildhooks/internal"
	"buildhooks/pkg/credentials"
	"buildhooks/pkg/install"
	"buildhooks/pkg/storage"
)

// CallbackHandler terminates GET /auth. The caller's identity comes from
// the session cookie; the query string carries the provider plus either an
// authorization code (GitLab, Bitbucket) or an installation id (GitHub
// app installs, which need no code exchange here).
type CallbackHandler struct {
	cfg      authConfig
	manager  *install.Manager
	installs storage.InstallationStore
	log      *log.Logger
	wg       sync.WaitGroup
}

type authConfig struct {
	cookieName  string
	loginURL    string
	successURL  string
	redirectURL string
	providers   map[string]internal.ProviderConfig
	adjust      time.Duration
}

// NewCallbackHandler builds the handler from the application config.
func NewCallbackHandler(cfg internal.Config, manager *install.Manager, installs storage.InstallationStore) *CallbackHandler {
	return &CallbackHandler{
		cfg: authConfig{
			cookieName:  cfg.Auth.CookieName,
			loginURL:    cfg.Auth.LoginURL,
			successURL:  cfg.Auth.SuccessURL,
			redirectURL: cfg.Auth.RedirectURL,
			providers: map[string]internal.ProviderConfig{
				"github":    cfg.Providers.GitHub,
				"gitlab":    cfg.Providers.GitLab,
				"bitbucket": cfg.Providers.Bitbucket,
			},
			adjust: time.Duration(cfg.Credentials.ExpiryAdjustmentMS) * time.Millisecond,
		},
		manager:  manager,
		installs: installs,
		log:      internal.NewLogger("oauth"),
	}
}

func (h *CallbackHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	cookie, err := r.Cookie(h.cfg.cookieName)
	if err != nil || strings.TrimSpace(cookie.Value) == "" {
		if h.cfg.loginURL != "" {
			http.Redirect(w, r, h.cfg.loginURL, http.StatusFound)
			return
		}
		http.Error(w, "not signed in", http.StatusForbidden)
		return
	}
	userID := cookie.Value

	provider := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("provider")))
	if provider == "" {
		provider = "github"
	}
	pcfg, ok := h.cfg.providers[provider]
	if !ok || !pcfg.Enabled {
		http.Error(w, "unsupported provider", http.StatusBadRequest)
		return
	}

	installationID := r.URL.Query().Get("installation_id")
	code := r.URL.Query().Get("code")

	switch provider {
	case "github":
		if installationID == "" {
			http.Error(w, "missing installation_id", http.StatusBadRequest)
			return
		}
	default:
		if code == "" {
			http.Error(w, "missing code", http.StatusBadRequest)
			return
		}
		if err := h.exchangeCode(r.Context(), provider, pcfg, userID, code); err != nil {
			h.log.Printf("%s token exchange for user %s: %v", provider, userID, err)
			http.Error(w, "token exchange failed", http.StatusBadRequest)
			return
		}
	}

	// The import can take minutes on a large account; the browser only
	// needs to know the connect succeeded.
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if _, err := h.manager.Create(context.Background(), provider, userID, "", installationID); err != nil {
			h.log.Printf("connect %s for user %s: %v", provider, userID, err)
		}
	}()

	if h.cfg.successURL != "" {
		http.Redirect(w, r, h.cfg.successURL, http.StatusFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"code":200,"msg":"connected ` + provider + `"}`))
}

// exchangeCode turns the authorization code into a stored access/refresh
// token pair on the user's installation record, creating the record when
// this is the first connect.
func (h *CallbackHandler) exchangeCode(ctx context.Context, provider string, pcfg internal.ProviderConfig, userID, code string) error {
	inst, err := h.installs.GetByUser(ctx, provider, userID)
	if err != nil {
		return err
	}
	if inst == nil {
		inst = &storage.InstallationRecord{Provider: provider, UserID: userID}
		if err := h.installs.Save(ctx, inst); err != nil {
			return err
		}
	}
	manager := credentials.NewOAuthManager(credentials.OAuthConfigFor(provider, pcfg, h.cfg.adjust), h.installs, inst)
	_, err = manager.CreateAccessToken(ctx, code, h.cfg.redirectURL)
	return err
}

// Wait blocks until background imports kicked off by callbacks finished.
// Used by tests and graceful shutdown.
func (h *CallbackHandler) Wait() {
	h.wg.Wait()
}
