package install

import (
	"context"
	"fmt"
	"time"

	"buildhooks/internal"
	"buildhooks/pkg/credentials"
	"buildhooks/pkg/providers"
	"buildhooks/pkg/providers/bitbucket"
	"buildhooks/pkg/providers/github"
	"buildhooks/pkg/providers/gitlab"
	"buildhooks/pkg/storage"
)

// NewClientResolver builds the standard ClientResolver: GitHub
// installations authenticate through the app manager's installation
// tokens, GitLab and Bitbucket through the stored OAuth credential.
func NewClientResolver(cfg internal.Config, githubApp *credentials.AppManager, installs storage.InstallationStore) ClientResolver {
	adjust := time.Duration(cfg.Credentials.ExpiryAdjustmentMS) * time.Millisecond
	return func(ctx context.Context, inst *storage.InstallationRecord) (providers.Client, error) {
		switch inst.Provider {
		case "github":
			if githubApp == nil {
				return nil, fmt.Errorf("github app credentials are not configured")
			}
			return github.New(githubApp.InstallationTokenSource(inst), cfg.Providers.GitHub.BaseURL), nil
		case "gitlab":
			tokens := credentials.NewOAuthManager(
				credentials.OAuthConfigFor("gitlab", cfg.Providers.GitLab, adjust), installs, inst)
			return gitlab.New(tokens, cfg.Providers.GitLab.BaseURL), nil
		case "bitbucket":
			tokens := credentials.NewOAuthManager(
				credentials.OAuthConfigFor("bitbucket", cfg.Providers.Bitbucket, adjust), installs, inst)
			return bitbucket.New(tokens, inst.UserName), nil
		default:
			return nil, fmt.Errorf("unsupported provider: %s", inst.Provider)
		}
	}
}
