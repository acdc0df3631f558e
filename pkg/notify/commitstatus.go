package notify

import (
	"context"
	"errors"
	"fmt"

	"buildhooks/internal"
	"buildhooks/pkg/providers"
)

// CommitStatusResolver turns a stored installation id into an authenticated
// provider connection.
type CommitStatusResolver func(ctx context.Context, installationID string) (providers.Client, error)

func commitStatusDescriptor(deps Deps) Descriptor {
	return Descriptor{
		Name: "commit-status",
		Schema: []Field{
			{Name: "installation_id", Pretty: "Installation", Type: "string", Required: true},
			{Name: "full_name", Pretty: "Repository full name", Type: "string", Required: true},
			{Name: "context", Pretty: "Status context", Type: "string"},
		},
		New: func(cfg map[string]string) (Notifier, error) {
			statusContext := cfg["context"]
			if statusContext == "" {
				statusContext = "ci/buildhooks"
			}
			return &commitStatusNotifier{
				resolve:        deps.CommitStatus,
				installationID: cfg["installation_id"],
				fullName:       cfg["full_name"],
				context:        statusContext,
				baseURL:        deps.BaseURL,
			}, nil
		},
	}
}

// commitStatusNotifier reports build state back onto the commit that
// triggered the build, through the provider's status API.
type commitStatusNotifier struct {
	resolve        CommitStatusResolver
	installationID string
	fullName       string
	context        string
	baseURL        string
}

func (n *commitStatusNotifier) SendStarted(ctx context.Context, evt internal.Event) error {
	return n.report(ctx, evt, providers.StateRunning)
}

func (n *commitStatusNotifier) SendFinished(ctx context.Context, evt internal.Event) error {
	return n.report(ctx, evt, stateForStatus(evt.Status))
}

func (n *commitStatusNotifier) report(ctx context.Context, evt internal.Event, state string) error {
	revision := eventRevision(evt)
	if revision == "" {
		return errors.New("event carries no revision to report against")
	}
	client, err := n.resolve(ctx, n.installationID)
	if err != nil {
		return err
	}
	var target string
	if n.baseURL != "" {
		target = fmt.Sprintf("%s/repositories/%s", n.baseURL, evt.RepositoryID)
	}
	return client.SetCommitStatus(ctx, n.fullName, revision, providers.CommitStatus{
		State:       state,
		Context:     n.context,
		Description: summaryLine(evt),
		TargetURL:   target,
	})
}

func eventRevision(evt internal.Event) string {
	for _, key := range []string{"revision", "sha", "commit"} {
		if value, ok := evt.Data[key].(string); ok && value != "" {
			return value
		}
	}
	return ""
}

func stateForStatus(status string) string {
	switch status {
	case "running":
		return providers.StateRunning
	case "passed", "success", "ok":
		return providers.StateSuccess
	case "failed", "failure":
		return providers.StateFailed
	default:
		return providers.StateError
	}
}
