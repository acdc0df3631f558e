// Package github implements the provider surface on the official GitHub SDK.
package github

import (
	"context"
	"strconv"
	"strings"

	gh "github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"

	"buildhooks/pkg/credentials"
	"buildhooks/pkg/providers"
)

const cloneUser = "x-access-token"

// Client implements providers.Client for GitHub installations. Each call
// resolves a fresh installation token through the credential manager, so a
// long-lived Client stays valid across token rotations.
type Client struct {
	tokens  credentials.Manager
	baseURL string
}

// New creates a GitHub provider client. baseURL is empty for github.com and
// the API root for GitHub Enterprise.
func New(tokens credentials.Manager, baseURL string) *Client {
	return &Client{tokens: tokens, baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/")}
}

func (c *Client) sdk(ctx context.Context) (*gh.Client, error) {
	token, err := c.tokens.GetValidAccessToken(ctx)
	if err != nil {
		return nil, err
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token.Value})
	httpClient := oauth2.NewClient(ctx, ts)
	if c.baseURL != "" {
		return gh.NewClient(httpClient).WithEnterpriseURLs(c.baseURL, c.baseURL)
	}
	return gh.NewClient(httpClient), nil
}

func (c *Client) Account(ctx context.Context) (*providers.Account, error) {
	client, err := c.sdk(ctx)
	if err != nil {
		return nil, err
	}
	user, _, err := client.Users.Get(ctx, "")
	if err != nil {
		return nil, err
	}
	return &providers.Account{
		ExternalID: strconv.FormatInt(user.GetID(), 10),
		Login:      user.GetLogin(),
		Name:       user.GetName(),
	}, nil
}

func (c *Client) ListRepositories(ctx context.Context) ([]providers.Repository, error) {
	client, err := c.sdk(ctx)
	if err != nil {
		return nil, err
	}
	opts := &gh.ListOptions{PerPage: 100}
	var out []providers.Repository
	for {
		page, resp, err := client.Apps.ListRepos(ctx, opts)
		if err != nil {
			return nil, err
		}
		for _, repo := range page.Repositories {
			out = append(out, convertRepo(repo))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

func (c *Client) GetRepository(ctx context.Context, fullName string) (*providers.Repository, error) {
	owner, name, err := providers.SplitFullName(fullName)
	if err != nil {
		return nil, err
	}
	client, err := c.sdk(ctx)
	if err != nil {
		return nil, err
	}
	repo, _, err := client.Repositories.Get(ctx, owner, name)
	if err != nil {
		return nil, err
	}
	converted := convertRepo(repo)
	return &converted, nil
}

func (c *Client) SetCommitStatus(ctx context.Context, fullName, revision string, status providers.CommitStatus) error {
	owner, name, err := providers.SplitFullName(fullName)
	if err != nil {
		return err
	}
	client, err := c.sdk(ctx)
	if err != nil {
		return err
	}
	_, _, err = client.Repositories.CreateStatus(ctx, owner, name, revision, &gh.RepoStatus{
		State:       gh.String(mapState(status.State)),
		Context:     gh.String(status.Context),
		Description: gh.String(status.Description),
		TargetURL:   gh.String(status.TargetURL),
	})
	return err
}

func (c *Client) CloneURL(ctx context.Context, repo providers.Repository) (string, error) {
	token, err := c.tokens.GetValidAccessToken(ctx)
	if err != nil {
		return "", err
	}
	return providers.AuthenticatedCloneURL(repo.CloneURL, cloneUser, token.Value)
}

func convertRepo(repo *gh.Repository) providers.Repository {
	return providers.Repository{
		ExternalID:    strconv.FormatInt(repo.GetID(), 10),
		FullName:      repo.GetFullName(),
		CloneURL:      repo.GetCloneURL(),
		DefaultBranch: repo.GetDefaultBranch(),
		Private:       repo.GetPrivate(),
	}
}

func mapState(state string) string {
	switch state {
	case providers.StatePending, providers.StateRunning:
		return "pending"
	case providers.StateSuccess:
		return "success"
	case providers.StateFailed:
		return "failure"
	default:
		return "error"
	}
}
