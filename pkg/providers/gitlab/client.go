// Package gitlab implements the provider surface on the go-gitlab SDK.
package gitlab

import (
	"context"
	"strconv"
	"strings"

	gl "github.com/xanzy/go-gitlab"

	"buildhooks/pkg/credentials"
	"buildhooks/pkg/providers"
)

const cloneUser = "oauth2"

// Client implements providers.Client for GitLab. The SDK client is rebuilt
// per call from the current OAuth token.
type Client struct {
	tokens  credentials.Manager
	baseURL string
}

// New creates a GitLab provider client. baseURL is empty for gitlab.com.
func New(tokens credentials.Manager, baseURL string) *Client {
	return &Client{tokens: tokens, baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/")}
}

func (c *Client) sdk(ctx context.Context) (*gl.Client, error) {
	token, err := c.tokens.GetValidAccessToken(ctx)
	if err != nil {
		return nil, err
	}
	var opts []gl.ClientOptionFunc
	if c.baseURL != "" {
		opts = append(opts, gl.WithBaseURL(c.baseURL))
	}
	return gl.NewOAuthClient(token.Value, opts...)
}

func (c *Client) Account(ctx context.Context) (*providers.Account, error) {
	client, err := c.sdk(ctx)
	if err != nil {
		return nil, err
	}
	user, _, err := client.Users.CurrentUser(gl.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	return &providers.Account{
		ExternalID: strconv.Itoa(user.ID),
		Login:      user.Username,
		Name:       user.Name,
	}, nil
}

func (c *Client) ListRepositories(ctx context.Context) ([]providers.Repository, error) {
	client, err := c.sdk(ctx)
	if err != nil {
		return nil, err
	}
	opts := &gl.ListProjectsOptions{
		Membership:  gl.Ptr(true),
		ListOptions: gl.ListOptions{PerPage: 100},
	}
	var out []providers.Repository
	for {
		projects, resp, err := client.Projects.ListProjects(opts, gl.WithContext(ctx))
		if err != nil {
			return nil, err
		}
		for _, project := range projects {
			out = append(out, convertProject(project))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

func (c *Client) GetRepository(ctx context.Context, fullName string) (*providers.Repository, error) {
	client, err := c.sdk(ctx)
	if err != nil {
		return nil, err
	}
	project, _, err := client.Projects.GetProject(fullName, nil, gl.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	converted := convertProject(project)
	return &converted, nil
}

func (c *Client) SetCommitStatus(ctx context.Context, fullName, revision string, status providers.CommitStatus) error {
	client, err := c.sdk(ctx)
	if err != nil {
		return err
	}
	_, _, err = client.Commits.SetCommitStatus(fullName, revision, &gl.SetCommitStatusOptions{
		State:       mapState(status.State),
		Name:        gl.Ptr(status.Context),
		Description: gl.Ptr(status.Description),
		TargetURL:   gl.Ptr(status.TargetURL),
	}, gl.WithContext(ctx))
	return err
}

func (c *Client) CloneURL(ctx context.Context, repo providers.Repository) (string, error) {
	token, err := c.tokens.GetValidAccessToken(ctx)
	if err != nil {
		return "", err
	}
	return providers.AuthenticatedCloneURL(repo.CloneURL, cloneUser, token.Value)
}

func convertProject(project *gl.Project) providers.Repository {
	return providers.Repository{
		ExternalID:    strconv.Itoa(project.ID),
		FullName:      project.PathWithNamespace,
		CloneURL:      project.HTTPURLToRepo,
		DefaultBranch: project.DefaultBranch,
		Private:       project.Visibility == gl.PrivateVisibility,
	}
}

func mapState(state string) gl.BuildStateValue {
	switch state {
	case providers.StatePending:
		return gl.Pending
	case providers.StateRunning:
		return gl.Running
	case providers.StateSuccess:
		return gl.Success
	default:
		return gl.Failed
	}
}
