// Package providers defines the surface the integration layer needs from a
// code-hosting provider, implemented per provider on the official SDKs.
package providers

import (
	"context"
	"fmt"
	"net/url"
)

// Account is the provider-side identity an installation belongs to.
type Account struct {
	ExternalID string
	Login      string
	Name       string
}

// Repository is a provider repository visible to an installation.
type Repository struct {
	ExternalID    string
	FullName      string
	CloneURL      string
	DefaultBranch string
	Private       bool
}

// CommitStatus is a build result to report against one revision. State uses
// the neutral names below; each provider maps them onto its own vocabulary.
type CommitStatus struct {
	State       string
	Context     string
	Description string
	TargetURL   string
}

const (
	StatePending = "pending"
	StateRunning = "running"
	StateSuccess = "success"
	StateFailed  = "failed"
	StateError   = "error"
)

// Client is one authenticated provider connection.
type Client interface {
	// Account returns the identity the credential belongs to.
	Account(ctx context.Context) (*Account, error)
	// ListRepositories lists repositories the credential can read.
	ListRepositories(ctx context.Context) ([]Repository, error)
	// GetRepository fetches one repository by its full name.
	GetRepository(ctx context.Context, fullName string) (*Repository, error)
	// SetCommitStatus reports a build state on one revision.
	SetCommitStatus(ctx context.Context, fullName, revision string, status CommitStatus) error
	// CloneURL returns a fetch URL carrying a currently-valid credential.
	CloneURL(ctx context.Context, repo Repository) (string, error)
}

// AuthenticatedCloneURL injects userinfo into an https clone URL.
func AuthenticatedCloneURL(cloneURL, username, token string) (string, error) {
	parsed, err := url.Parse(cloneURL)
	if err != nil {
		return "", err
	}
	if parsed.Scheme != "https" && parsed.Scheme != "http" {
		return "", fmt.Errorf("clone url scheme %q does not take credentials", parsed.Scheme)
	}
	parsed.User = url.UserPassword(username, token)
	return parsed.String(), nil
}

// SplitFullName splits "owner/repo" into its parts.
func SplitFullName(fullName string) (owner, repo string, err error) {
	for i := 0; i < len(fullName); i++ {
		if fullName[i] == '/' {
			owner, repo = fullName[:i], fullName[i+1:]
			break
		}
	}
	if owner == "" || repo == "" {
		return "", "", fmt.Errorf("full name %q is not owner/repo", fullName)
	}
	return owner, repo, nil
}
