package credentials

import (
	"strings"
	"time"

	"buildhooks/internal"
)

// OAuthConfigFor maps a provider config onto the token-endpoint settings.
// Bitbucket authenticates the client over basic auth; GitLab takes the
// client credentials as form fields.
func OAuthConfigFor(provider string, cfg internal.ProviderConfig, adjust time.Duration) OAuthConfig {
	out := OAuthConfig{
		ClientID:         cfg.OAuthClientID,
		ClientSecret:     cfg.OAuthClientSecret,
		ExpiryAdjustment: adjust,
	}
	switch provider {
	case "bitbucket":
		out.TokenURL = BitbucketWebBase(cfg) + "/site/oauth2/access_token"
		out.BasicAuth = true
	case "gitlab":
		out.TokenURL = GitLabWebBase(cfg) + "/oauth/token"
	}
	return out
}

// GitHubWebBase derives the browser-facing base from the API base, so a
// GitHub Enterprise config needs only base_url.
func GitHubWebBase(cfg internal.ProviderConfig) string {
	if web := strings.TrimRight(cfg.WebBaseURL, "/"); web != "" {
		return web
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" || base == defaultGitHubBaseURL {
		return "https://github.com"
	}
	base = strings.TrimSuffix(base, "/api/v3")
	return strings.TrimSuffix(base, "/api")
}

func GitLabWebBase(cfg internal.ProviderConfig) string {
	if web := strings.TrimRight(cfg.WebBaseURL, "/"); web != "" {
		return web
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		return "https://gitlab.com"
	}
	return strings.TrimSuffix(base, "/api/v4")
}

func BitbucketWebBase(cfg internal.ProviderConfig) string {
	if web := strings.TrimRight(cfg.WebBaseURL, "/"); web != "" {
		return web
	}
	return "https://bitbucket.org"
}
