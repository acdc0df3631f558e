// Package orchestrator talks to the build orchestrator's management API:
// repository registration, code update requests, build control and status.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"buildhooks/pkg/scm"
)

// ErrRepositoryExists is returned by CreateRepository when the orchestrator
// already tracks a repository with the same fetch URL.
var ErrRepositoryExists = errors.New("repository already exists")

// Repository is a repository registration request.
type Repository struct {
	Name     string `json:"name"`
	FetchURL string `json:"fetch_url"`
	// Username and Password carry the credential the orchestrator clones
	// with; for token-based providers Password holds the access token.
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	// Branches to track. Polling stays off: updates arrive through
	// RequestCodeUpdate when webhooks fire.
	Branches        []BranchPolicy `json:"branches"`
	PollingDisabled bool           `json:"polling_disabled"`
}

// BranchPolicy configures how one branch (or glob of branches) is built.
type BranchPolicy struct {
	Name            string `json:"name"`
	NotifyOnlyLatest bool  `json:"notify_only_latest"`
}

// RepositoryStatus is the orchestrator's view of one repository.
type RepositoryStatus struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	FetchURL string `json:"fetch_url"`
	// Status is the clone/update state, e.g. "cloning", "ready", "error".
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// DefaultBranchPolicies tracks the mainline plus feature and bugfix
// branches, notifying only the newest commit per branch.
func DefaultBranchPolicies() []BranchPolicy {
	return []BranchPolicy{
		{Name: "master", NotifyOnlyLatest: true},
		{Name: "feature-*", NotifyOnlyLatest: true},
		{Name: "bug-*", NotifyOnlyLatest: true},
	}
}

// BuildOrchestrator is the management surface the integration layer needs
// from the build system.
type BuildOrchestrator interface {
	// CreateRepository registers a repository. ErrRepositoryExists means
	// the orchestrator already tracks the fetch URL.
	CreateRepository(ctx context.Context, repo Repository) (string, error)
	// RequestCodeUpdate asks the orchestrator to fetch new commits.
	RequestCodeUpdate(ctx context.Context, repositoryID string) error
	// StartBuild triggers a build of one named tree.
	StartBuild(ctx context.Context, repositoryID, namedTree string) error
	// GetStatus returns the repository's clone/update state.
	GetStatus(ctx context.Context, repositoryID string) (*RepositoryStatus, error)
	// DeleteRepository removes the repository and its build history.
	DeleteRepository(ctx context.Context, repositoryID string) error
	// UpdateFetchURL rewrites the clone URL, e.g. after a token refresh.
	UpdateFetchURL(ctx context.Context, repositoryID, fetchURL string) error
}

// Client is the HTTP BuildOrchestrator.
type Client struct {
	baseURL string
	client  *scm.Client
}

// NewClient creates a Client for the orchestrator management API. The token
// is sent on every request when non-empty.
func NewClient(baseURL, token string) *Client {
	headers := map[string]string{}
	if token != "" {
		headers["Authorization"] = "Token " + token
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		client:  scm.NewClient(headers),
	}
}

func (c *Client) CreateRepository(ctx context.Context, repo Repository) (string, error) {
	if repo.FetchURL == "" {
		return "", errors.New("fetch url is required")
	}
	if len(repo.Branches) == 0 {
		repo.Branches = DefaultBranchPolicies()
	}
	repo.PollingDisabled = true

	resp, err := c.client.Request(ctx, http.MethodPost, c.baseURL+"/api/repositories", nil, repo, http.StatusCreated)
	if err != nil {
		var reqErr *scm.RequestError
		if errors.As(err, &reqErr) && reqErr.Status == http.StatusConflict {
			return "", ErrRepositoryExists
		}
		return "", err
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := resp.JSON(&out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", errors.New("repository id missing from response")
	}
	return out.ID, nil
}

func (c *Client) RequestCodeUpdate(ctx context.Context, repositoryID string) error {
	if repositoryID == "" {
		return errors.New("repository id is required")
	}
	endpoint := fmt.Sprintf("%s/api/repositories/%s/update", c.baseURL, url.PathEscape(repositoryID))
	_, err := c.client.Request(ctx, http.MethodPost, endpoint, nil, nil, http.StatusOK, http.StatusAccepted)
	return err
}

func (c *Client) StartBuild(ctx context.Context, repositoryID, namedTree string) error {
	if repositoryID == "" {
		return errors.New("repository id is required")
	}
	endpoint := fmt.Sprintf("%s/api/repositories/%s/builds", c.baseURL, url.PathEscape(repositoryID))
	body := map[string]string{"named_tree": namedTree}
	_, err := c.client.Request(ctx, http.MethodPost, endpoint, nil, body, http.StatusOK, http.StatusCreated, http.StatusAccepted)
	return err
}

func (c *Client) GetStatus(ctx context.Context, repositoryID string) (*RepositoryStatus, error) {
	if repositoryID == "" {
		return nil, errors.New("repository id is required")
	}
	endpoint := fmt.Sprintf("%s/api/repositories/%s", c.baseURL, url.PathEscape(repositoryID))
	resp, err := c.client.Request(ctx, http.MethodGet, endpoint, nil, nil, http.StatusOK)
	if err != nil {
		return nil, err
	}
	var status RepositoryStatus
	if err := resp.JSON(&status); err != nil {
		return nil, err
	}
	return &status, nil
}

func (c *Client) DeleteRepository(ctx context.Context, repositoryID string) error {
	if repositoryID == "" {
		return errors.New("repository id is required")
	}
	endpoint := fmt.Sprintf("%s/api/repositories/%s", c.baseURL, url.PathEscape(repositoryID))
	_, err := c.client.Request(ctx, http.MethodDelete, endpoint, nil, nil, http.StatusOK, http.StatusNoContent)
	return err
}

func (c *Client) UpdateFetchURL(ctx context.Context, repositoryID, fetchURL string) error {
	if repositoryID == "" {
		return errors.New("repository id is required")
	}
	if fetchURL == "" {
		return errors.New("fetch url is required")
	}
	endpoint := fmt.Sprintf("%s/api/repositories/%s", c.baseURL, url.PathEscape(repositoryID))
	body := map[string]string{"fetch_url": fetchURL}
	_, err := c.client.Request(ctx, http.MethodPatch, endpoint, nil, body, http.StatusOK)
	return err
}

// WaitReady polls the repository status until it leaves "cloning" or the
// context ends. Used for targeted waits in tooling; imports use their own
// chunked polling.
func (c *Client) WaitReady(ctx context.Context, repositoryID string, interval time.Duration) (*RepositoryStatus, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		status, err := c.GetStatus(ctx, repositoryID)
		if err != nil {
			return nil, err
		}
		if status.Status != "cloning" {
			return status, nil
		}
		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-ticker.C:
		}
	}
}
