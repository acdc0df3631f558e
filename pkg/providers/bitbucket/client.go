// Package bitbucket implements the provider surface on the go-bitbucket SDK.
package bitbucket

import (
	"context"
	"errors"
	"fmt"

	bb "github.com/ktrysmt/go-bitbucket"

	"buildhooks/pkg/credentials"
	"buildhooks/pkg/providers"
)

const cloneUser = "x-token-auth"

// Client implements providers.Client for Bitbucket Cloud. Workspace is the
// workspace slug repositories are listed from.
type Client struct {
	tokens    credentials.Manager
	workspace string
}

// New creates a Bitbucket provider client.
func New(tokens credentials.Manager, workspace string) *Client {
	return &Client{tokens: tokens, workspace: workspace}
}

func (c *Client) sdk(ctx context.Context) (*bb.Client, error) {
	token, err := c.tokens.GetValidAccessToken(ctx)
	if err != nil {
		return nil, err
	}
	return bb.NewOAuthbearerToken(token.Value)
}

func (c *Client) Account(ctx context.Context) (*providers.Account, error) {
	client, err := c.sdk(ctx)
	if err != nil {
		return nil, err
	}
	user, err := client.User.Profile()
	if err != nil {
		return nil, err
	}
	return &providers.Account{
		ExternalID: user.Uuid,
		Login:      user.Username,
		Name:       user.DisplayName,
	}, nil
}

func (c *Client) ListRepositories(ctx context.Context) ([]providers.Repository, error) {
	if c.workspace == "" {
		return nil, errors.New("bitbucket workspace is required")
	}
	client, err := c.sdk(ctx)
	if err != nil {
		return nil, err
	}
	res, err := client.Repositories.ListForAccount(&bb.RepositoriesOptions{Owner: c.workspace, Role: "member"})
	if err != nil {
		return nil, err
	}
	out := make([]providers.Repository, 0, len(res.Items))
	for i := range res.Items {
		out = append(out, convertRepo(&res.Items[i]))
	}
	return out, nil
}

func (c *Client) GetRepository(ctx context.Context, fullName string) (*providers.Repository, error) {
	owner, slug, err := providers.SplitFullName(fullName)
	if err != nil {
		return nil, err
	}
	client, err := c.sdk(ctx)
	if err != nil {
		return nil, err
	}
	repo, err := client.Repositories.Repository.Get(&bb.RepositoryOptions{Owner: owner, RepoSlug: slug})
	if err != nil {
		return nil, err
	}
	converted := convertRepo(repo)
	return &converted, nil
}

func (c *Client) SetCommitStatus(ctx context.Context, fullName, revision string, status providers.CommitStatus) error {
	owner, slug, err := providers.SplitFullName(fullName)
	if err != nil {
		return err
	}
	client, err := c.sdk(ctx)
	if err != nil {
		return err
	}
	_, err = client.Repositories.Commits.CreateCommitStatus(&bb.CommitsOptions{
		Owner:    owner,
		RepoSlug: slug,
		Revision: revision,
	}, &bb.CommitStatusOptions{
		Key:         status.Context,
		State:       mapState(status.State),
		Description: status.Description,
		Url:         status.TargetURL,
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

func convertRepo(repo *bb.Repository) providers.Repository {
	return providers.Repository{
		ExternalID: repo.Uuid,
		FullName:   repo.Full_name,
		CloneURL:   fmt.Sprintf("https://bitbucket.org/%s.git", repo.Full_name),
		Private:    repo.Is_private,
	}
}

func mapState(state string) string {
	switch state {
	case providers.StatePending, providers.StateRunning:
		return "INPROGRESS"
	case providers.StateSuccess:
		return "SUCCESSFUL"
	default:
		return "FAILED"
	}
}
