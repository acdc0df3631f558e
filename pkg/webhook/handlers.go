package webhook

import (
	"context"
	"log"
	"strconv"

	"buildhooks/internal"
	"buildhooks/pkg/install"
	"buildhooks/pkg/storage"
)

// Bindings wires webhook event types to the installation workflows.
type Bindings struct {
	manager  *install.Manager
	installs storage.InstallationStore
	log      *log.Logger
}

// Bind registers the standard handlers on the router: pushes trigger a code
// update, installation lifecycle events create, re-sync or delete the
// installation.
func Bind(router *Router, manager *install.Manager, installs storage.InstallationStore) *Bindings {
	b := &Bindings{
		manager:  manager,
		installs: installs,
		log:      internal.NewLogger("webhook.handlers"),
	}
	router.Handle("push", b.onPush)
	router.Handle("installation-created", b.onInstallationCreated)
	router.Handle("installation-deleted", b.onInstallationDeleted)
	router.Handle("installation_repositories-added", b.onRepositoriesAdded)
	return b
}

func (b *Bindings) onPush(ctx context.Context, evt RawEvent) {
	inst, externalID, err := b.resolvePush(ctx, evt)
	if err != nil {
		b.log.Printf("push from %s: %v", evt.Provider, err)
		return
	}
	// A push during an in-flight update is redundant: the fetch that is
	// already running picks the new commits up.
	if err := b.manager.UpdateRepository(ctx, inst, externalID, false); err != nil {
		b.log.Printf("update %s/%s: %v", evt.Provider, externalID, err)
	}
}

func (b *Bindings) resolvePush(ctx context.Context, evt RawEvent) (*storage.InstallationRecord, string, error) {
	switch evt.Provider {
	case "gitlab":
		externalID := digString(evt.Data, "project", "id")
		if externalID == "" {
			externalID = digString(evt.Data, "project_id")
		}
		inst, err := b.findByRepository(ctx, evt.Provider, externalID)
		return inst, externalID, err
	default:
		installationID := digString(evt.Data, "installation", "id")
		inst, err := b.installs.GetByInstallationID(ctx, evt.Provider, installationID)
		if err != nil {
			return nil, "", err
		}
		if inst == nil {
			return nil, "", errNotInstalled(evt.Provider, installationID)
		}
		return inst, digString(evt.Data, "repository", "id"), nil
	}
}

func (b *Bindings) onInstallationCreated(ctx context.Context, evt RawEvent) {
	userID := digString(evt.Data, "sender", "id")
	userName := digString(evt.Data, "sender", "login")
	installationID := digString(evt.Data, "installation", "id")
	if userID == "" || installationID == "" {
		b.log.Printf("installation created without identity, ignoring")
		return
	}
	if _, err := b.manager.Create(ctx, evt.Provider, userID, userName, installationID); err != nil {
		b.log.Printf("create installation %s: %v", installationID, err)
	}
}

func (b *Bindings) onInstallationDeleted(ctx context.Context, evt RawEvent) {
	installationID := digString(evt.Data, "installation", "id")
	inst, err := b.installs.GetByInstallationID(ctx, evt.Provider, installationID)
	if err != nil || inst == nil {
		b.log.Printf("installation %s deleted but not tracked", installationID)
		return
	}
	if err := b.manager.Delete(ctx, inst); err != nil {
		b.log.Printf("delete installation %s: %v", installationID, err)
	}
}

func (b *Bindings) onRepositoriesAdded(ctx context.Context, evt RawEvent) {
	installationID := digString(evt.Data, "installation", "id")
	inst, err := b.installs.GetByInstallationID(ctx, evt.Provider, installationID)
	if err != nil || inst == nil {
		b.log.Printf("repositories added to unknown installation %s", installationID)
		return
	}
	if err := b.manager.ImportRepositories(ctx, inst); err != nil {
		b.log.Printf("import for installation %s: %v", installationID, err)
	}
}

// findByRepository scans the provider's installations for one that tracks
// the external repository id. Providers without an installation concept
// (GitLab) identify pushes only by project.
func (b *Bindings) findByRepository(ctx context.Context, provider, externalID string) (*storage.InstallationRecord, error) {
	if externalID == "" {
		return nil, errNotInstalled(provider, "")
	}
	records, err := b.installs.List(ctx, provider)
	if err != nil {
		return nil, err
	}
	for i := range records {
		for _, ref := range records[i].Repositories {
			if ref.ExternalID == externalID {
				return &records[i], nil
			}
		}
	}
	return nil, errNotInstalled(provider, externalID)
}

type notInstalledError struct {
	provider string
	id       string
}

func errNotInstalled(provider, id string) error {
	return &notInstalledError{provider: provider, id: id}
}

func (e *notInstalledError) Error() string {
	return "no installation for " + e.provider + " " + e.id
}

// digString walks nested payload maps and renders the leaf as a string.
// JSON numbers arrive as float64 and are printed without the exponent so
// numeric ids survive intact.
func digString(data map[string]interface{}, keys ...string) string {
	var cur interface{} = data
	for _, key := range keys {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return ""
		}
		cur, ok = m[key]
		if !ok {
			return ""
		}
	}
	switch v := cur.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}
