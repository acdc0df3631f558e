// Package install drives the repository import and update workflows for
// one connected provider account.
package install

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"buildhooks/internal"
	"buildhooks/pkg/lock"
	"buildhooks/pkg/orchestrator"
	"buildhooks/pkg/providers"
	"buildhooks/pkg/scm"
	"buildhooks/pkg/storage"
)

// ClientResolver returns an authenticated provider connection for an
// installation.
type ClientResolver func(ctx context.Context, inst *storage.InstallationRecord) (providers.Client, error)

// Options configures a Manager.
type Options struct {
	// ParallelImports bounds how many fresh repositories clone at once
	// during a batch import. Zero means all at once.
	ParallelImports int
	// PollInterval is the fixed backoff between clone-status polls.
	PollInterval time.Duration
	// LockWait bounds how long UpdateRepository waits for the
	// per-repository lock when asked to wait.
	LockWait time.Duration
	// DefaultNotificationKind is enabled on every imported repository.
	// Empty disables automatic notification setup.
	DefaultNotificationKind string
	// DefaultNotificationEvents pins the event types on the default
	// notification record; an empty list on a stored record must never
	// mean "all events".
	DefaultNotificationEvents []string
}

// Manager implements the installation workflows. Concurrent imports on the
// same installation are the caller's responsibility to avoid; the manager
// serializes nothing across calls.
type Manager struct {
	orch          orchestrator.BuildOrchestrator
	installs      storage.InstallationStore
	notifications storage.NotificationStore
	clients       ClientResolver
	locks         *lock.Queue
	opts          Options
	log           *log.Logger
}

// NewManager creates a Manager. locks may be nil, in which case updates
// never take the per-repository lock.
func NewManager(orch orchestrator.BuildOrchestrator, installs storage.InstallationStore, notifications storage.NotificationStore, clients ClientResolver, locks *lock.Queue, opts Options) *Manager {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.LockWait <= 0 {
		opts.LockWait = 30 * time.Second
	}
	return &Manager{
		orch:          orch,
		installs:      installs,
		notifications: notifications,
		clients:       clients,
		locks:         locks,
		opts:          opts,
		log:           internal.NewLogger("install"),
	}
}

// Create connects a provider account: find-or-create the installation
// record, resolve the external identity on first contact, then import (or
// re-sync) the account's repositories. Calling it again for the same user
// is safe.
func (m *Manager) Create(ctx context.Context, provider, userID, userName, installationID string) (*storage.InstallationRecord, error) {
	inst, err := m.installs.GetByUser(ctx, provider, userID)
	if err != nil {
		return nil, err
	}
	if inst == nil {
		inst = &storage.InstallationRecord{
			Provider:       provider,
			UserID:         userID,
			UserName:       userName,
			InstallationID: installationID,
		}
		if err := m.installs.Save(ctx, inst); err != nil {
			return nil, err
		}
	} else if installationID != "" && inst.InstallationID != installationID {
		inst.InstallationID = installationID
		if err := m.installs.Save(ctx, inst); err != nil {
			return nil, err
		}
	}

	if inst.ExternalUserID == "" {
		client, err := m.clients(ctx, inst)
		if err != nil {
			return nil, err
		}
		account, err := client.Account(ctx)
		if err != nil {
			return nil, err
		}
		inst.ExternalUserID = account.ExternalID
		if inst.UserName == "" {
			inst.UserName = account.Login
		}
		if err := m.installs.Save(ctx, inst); err != nil {
			return nil, err
		}
	}

	if err := m.ImportRepositories(ctx, inst); err != nil {
		return nil, err
	}
	return inst, nil
}

// ImportRepository registers one repository with the orchestrator, enables
// the default notification and records the ref on the installation. Returns
// whether a new repository was imported; an already-tracked fetch URL is
// logged and reported as not imported, not as an error.
func (m *Manager) ImportRepository(ctx context.Context, inst *storage.InstallationRecord, repo providers.Repository, clone bool) (bool, error) {
	client, err := m.clients(ctx, inst)
	if err != nil {
		return false, err
	}
	fetchURL, err := client.CloneURL(ctx, repo)
	if err != nil {
		return false, err
	}

	repositoryID, err := m.orch.CreateRepository(ctx, orchestrator.Repository{
		Name:     repo.FullName,
		FetchURL: fetchURL,
		Branches: orchestrator.DefaultBranchPolicies(),
	})
	if errors.Is(err, orchestrator.ErrRepositoryExists) {
		m.log.Printf("repository %s already imported, skipping", repo.FullName)
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if m.opts.DefaultNotificationKind != "" && m.notifications != nil {
		record := &storage.NotificationRecord{
			Kind:           m.opts.DefaultNotificationKind,
			RepositoryID:   repositoryID,
			InstallationID: inst.ID,
			Events:         append([]string(nil), m.opts.DefaultNotificationEvents...),
			FieldsJSON: fmt.Sprintf(`{"installation_id":%q,"full_name":%q}`,
				inst.ID, repo.FullName),
		}
		if err := m.notifications.Save(ctx, record); err != nil {
			m.log.Printf("enable %s on %s: %v", m.opts.DefaultNotificationKind, repositoryID, err)
		}
	}

	inst.Repositories = append(inst.Repositories, storage.RepositoryRef{
		ExternalID:   repo.ExternalID,
		RepositoryID: repositoryID,
		FullName:     repo.FullName,
	})
	if err := m.installs.Save(ctx, inst); err != nil {
		return false, err
	}

	if clone {
		if err := m.orch.RequestCodeUpdate(ctx, repositoryID); err != nil {
			return false, err
		}
	}
	internal.IncImport(inst.Provider)
	return true, nil
}

// ImportRepositories imports everything the installation can see, then
// clones in chunks so a large account does not saturate the orchestrator:
// request a code update for every member of a chunk, poll until none is
// still cloning, move on.
func (m *Manager) ImportRepositories(ctx context.Context, inst *storage.InstallationRecord) error {
	client, err := m.clients(ctx, inst)
	if err != nil {
		return err
	}
	repos, err := client.ListRepositories(ctx)
	if err != nil {
		return err
	}

	known := make(map[string]bool, len(inst.Repositories))
	for _, ref := range inst.Repositories {
		known[ref.ExternalID] = true
	}

	var fresh []string
	for _, repo := range repos {
		if known[repo.ExternalID] {
			continue
		}
		imported, err := m.ImportRepository(ctx, inst, repo, false)
		if err != nil {
			m.log.Printf("import %s: %v", repo.FullName, err)
			continue
		}
		if imported {
			ref := inst.Repositories[len(inst.Repositories)-1]
			fresh = append(fresh, ref.RepositoryID)
		}
	}

	for _, chunk := range chunks(fresh, m.opts.ParallelImports) {
		for _, repositoryID := range chunk {
			if err := m.orch.RequestCodeUpdate(ctx, repositoryID); err != nil {
				m.log.Printf("request update for %s: %v", repositoryID, err)
			}
		}
		if err := m.waitForChunk(ctx, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) waitForChunk(ctx context.Context, chunk []string) error {
	for {
		cloning := false
		for _, repositoryID := range chunk {
			status, err := m.orch.GetStatus(ctx, repositoryID)
			if err != nil {
				m.log.Printf("status of %s: %v", repositoryID, err)
				continue
			}
			if status.Status == "cloning" {
				cloning = true
			}
		}
		if !cloning {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.opts.PollInterval):
		}
	}
}

// UpdateRepository reacts to new commits on a tracked repository: refresh
// the stored fetch URL (the embedded credential may have rotated), then ask
// the orchestrator to fetch. With waitForLock false a contended lock skips
// the update instead of queueing behind it.
func (m *Manager) UpdateRepository(ctx context.Context, inst *storage.InstallationRecord, externalID string, waitForLock bool) error {
	ref := m.findRef(inst, externalID)
	if ref == nil {
		return fmt.Errorf("repository %s is not tracked by installation %s", externalID, inst.ID)
	}

	if m.locks != nil {
		timeout := time.Duration(0)
		if waitForLock {
			timeout = m.opts.LockWait
		}
		handle, err := m.locks.Acquire(ctx, "repo-"+ref.RepositoryID, "update", timeout)
		if errors.Is(err, lock.ErrTimeout) && !waitForLock {
			m.log.Printf("update of %s already in progress, skipping", ref.RepositoryID)
			return nil
		}
		if err != nil {
			return err
		}
		defer handle.Release(ctx)
	}

	client, err := m.clients(ctx, inst)
	if err != nil {
		return err
	}
	repo, err := client.GetRepository(ctx, ref.FullName)
	if err != nil {
		return err
	}
	fetchURL, err := client.CloneURL(ctx, *repo)
	if err != nil {
		return err
	}
	if err := m.orch.UpdateFetchURL(ctx, ref.RepositoryID, fetchURL); err != nil {
		if gone(err) {
			m.dropRef(ctx, inst, ref.RepositoryID)
			return nil
		}
		return err
	}
	return m.orch.RequestCodeUpdate(ctx, ref.RepositoryID)
}

// Delete removes every repository the installation imported, then the
// installation itself. Repositories that are already gone are skipped.
func (m *Manager) Delete(ctx context.Context, inst *storage.InstallationRecord) error {
	for _, ref := range inst.Repositories {
		if err := m.orch.DeleteRepository(ctx, ref.RepositoryID); err != nil && !gone(err) {
			return err
		}
		if m.notifications != nil {
			records, err := m.notifications.ListByRepository(ctx, ref.RepositoryID)
			if err == nil {
				for _, record := range records {
					_ = m.notifications.Delete(ctx, record.RepositoryID, record.Kind)
				}
			}
		}
	}
	return m.installs.Delete(ctx, inst.ID)
}

// findRef resolves a repository ref by external id, skipping dangling refs
// whose repository was deleted out from under us.
func (m *Manager) findRef(inst *storage.InstallationRecord, externalID string) *storage.RepositoryRef {
	for i := range inst.Repositories {
		if inst.Repositories[i].ExternalID == externalID {
			return &inst.Repositories[i]
		}
	}
	return nil
}

func (m *Manager) dropRef(ctx context.Context, inst *storage.InstallationRecord, repositoryID string) {
	kept := inst.Repositories[:0]
	for _, ref := range inst.Repositories {
		if ref.RepositoryID != repositoryID {
			kept = append(kept, ref)
		}
	}
	inst.Repositories = kept
	if err := m.installs.Save(ctx, inst); err != nil {
		m.log.Printf("drop dangling ref %s: %v", repositoryID, err)
	}
}

func gone(err error) bool {
	var reqErr *scm.RequestError
	return errors.As(err, &reqErr) && reqErr.Status == http.StatusNotFound
}

// chunks splits ids into batches of size; size<=0 yields one batch.
func chunks(ids []string, size int) [][]string {
	if len(ids) == 0 {
		return nil
	}
	if size <= 0 || size >= len(ids) {
		return [][]string{ids}
	}
	var out [][]string
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		out = append(out, ids[start:end])
	}
	return out
}
