package oauth

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"buildhooks/internal"
	"buildhooks/pkg/credentials"
)

// StartHandler terminates GET /auth/start and redirects into the
// provider's install or authorize screen.
type StartHandler struct {
	cfg authConfig
}

func NewStartHandler(cfg internal.Config) *StartHandler {
	return &StartHandler{cfg: authConfig{
		redirectURL: cfg.Auth.RedirectURL,
		providers: map[string]internal.ProviderConfig{
			"github":    cfg.Providers.GitHub,
			"gitlab":    cfg.Providers.GitLab,
			"bitbucket": cfg.Providers.Bitbucket,
		},
	}}
}

func (h *StartHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	provider := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("provider")))
	pcfg, ok := h.cfg.providers[provider]
	if !ok || !pcfg.Enabled {
		http.Error(w, "unsupported provider", http.StatusBadRequest)
		return
	}

	var target string
	var err error
	switch provider {
	case "github":
		target, err = githubInstallURL(pcfg)
	case "gitlab":
		target, err = authorizeURL(credentials.GitLabWebBase(pcfg)+"/oauth/authorize", pcfg, h.cfg.redirectURL)
	case "bitbucket":
		target, err = authorizeURL(credentials.BitbucketWebBase(pcfg)+"/site/oauth2/authorize", pcfg, h.cfg.redirectURL)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func githubInstallURL(cfg internal.ProviderConfig) (string, error) {
	slug := strings.TrimSpace(cfg.AppSlug)
	if slug == "" {
		return "", fmt.Errorf("github app_slug is required")
	}
	return fmt.Sprintf("%s/apps/%s/installations/new", credentials.GitHubWebBase(cfg), slug), nil
}

func authorizeURL(endpoint string, cfg internal.ProviderConfig, redirectURL string) (string, error) {
	if cfg.OAuthClientID == "" {
		return "", fmt.Errorf("oauth_client_id is required")
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("client_id", cfg.OAuthClientID)
	q.Set("response_type", "code")
	if redirectURL != "" {
		q.Set("redirect_uri", redirectURL)
	}
	if len(cfg.OAuthScopes) > 0 {
		q.Set("scope", strings.Join(cfg.OAuthScopes, " "))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

