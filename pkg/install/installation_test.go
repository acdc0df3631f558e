package install

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"buildhooks/pkg/lock"
	"buildhooks/pkg/orchestrator"
	"buildhooks/pkg/providers"
	"buildhooks/pkg/scm"
	"buildhooks/pkg/storage"
)

// stubOrchestrator records calls and simulates clone progress: each fresh
// repository reports "cloning" for pollsUntilReady status reads.
type stubOrchestrator struct {
	mu              sync.Mutex
	nextID          int
	existing        map[string]string // fetch URL -> repository id
	pollsLeft       map[string]int
	pollsUntilReady int
	deleted         []string
	updates         []string
	fetchURLs       map[string]string
	calls           []string
}

func newStubOrchestrator(pollsUntilReady int) *stubOrchestrator {
	return &stubOrchestrator{
		existing:        map[string]string{},
		pollsLeft:       map[string]int{},
		pollsUntilReady: pollsUntilReady,
		fetchURLs:       map[string]string{},
	}
}

func (s *stubOrchestrator) CreateRepository(_ context.Context, repo orchestrator.Repository) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bare := stripCredentials(repo.FetchURL)
	if _, ok := s.existing[bare]; ok {
		return "", orchestrator.ErrRepositoryExists
	}
	s.nextID++
	id := fmt.Sprintf("repo-%d", s.nextID)
	s.existing[bare] = id
	s.pollsLeft[id] = s.pollsUntilReady
	s.fetchURLs[id] = repo.FetchURL
	s.calls = append(s.calls, "create:"+id)
	return id, nil
}

func (s *stubOrchestrator) RequestCodeUpdate(_ context.Context, repositoryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, repositoryID)
	s.calls = append(s.calls, "update:"+repositoryID)
	return nil
}

func (s *stubOrchestrator) StartBuild(context.Context, string, string) error { return nil }

func (s *stubOrchestrator) GetStatus(_ context.Context, repositoryID string) (*orchestrator.RepositoryStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "status:"+repositoryID)
	if left := s.pollsLeft[repositoryID]; left > 0 {
		s.pollsLeft[repositoryID] = left - 1
		return &orchestrator.RepositoryStatus{ID: repositoryID, Status: "cloning"}, nil
	}
	return &orchestrator.RepositoryStatus{ID: repositoryID, Status: "ready"}, nil
}

func (s *stubOrchestrator) DeleteRepository(_ context.Context, repositoryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, repositoryID)
	for _, id := range s.deleted[:len(s.deleted)-1] {
		if id == repositoryID {
			return &scm.RequestError{Status: http.StatusNotFound}
		}
	}
	return nil
}

func (s *stubOrchestrator) UpdateFetchURL(_ context.Context, repositoryID, fetchURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetchURLs[repositoryID] = fetchURL
	s.calls = append(s.calls, "fetchurl:"+repositoryID)
	return nil
}

func stripCredentials(fetchURL string) string {
	at := strings.LastIndex(fetchURL, "@")
	if at < 0 {
		return fetchURL
	}
	return "https://" + fetchURL[at+1:]
}

// stubProviderClient serves a fixed repository list with a rotating token.
type stubProviderClient struct {
	repos []providers.Repository
	token string
}

func (s *stubProviderClient) Account(context.Context) (*providers.Account, error) {
	return &providers.Account{ExternalID: "ext-1", Login: "octocat"}, nil
}

func (s *stubProviderClient) ListRepositories(context.Context) ([]providers.Repository, error) {
	return s.repos, nil
}

func (s *stubProviderClient) GetRepository(_ context.Context, fullName string) (*providers.Repository, error) {
	for _, repo := range s.repos {
		if repo.FullName == fullName {
			out := repo
			return &out, nil
		}
	}
	return nil, &scm.RequestError{Status: http.StatusNotFound}
}

func (s *stubProviderClient) SetCommitStatus(context.Context, string, string, providers.CommitStatus) error {
	return nil
}

func (s *stubProviderClient) CloneURL(_ context.Context, repo providers.Repository) (string, error) {
	return providers.AuthenticatedCloneURL(repo.CloneURL, "x-access-token", s.token)
}

func testRepos(n int) []providers.Repository {
	out := make([]providers.Repository, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, providers.Repository{
			ExternalID: fmt.Sprintf("ext-%d", i),
			FullName:   fmt.Sprintf("acme/repo%d", i),
			CloneURL:   fmt.Sprintf("https://github.com/acme/repo%d.git", i),
		})
	}
	return out
}

func newTestManager(orch orchestrator.BuildOrchestrator, client providers.Client, locks *lock.Queue, opts Options) (*Manager, *storage.MemoryInstallationStore, *storage.MemoryNotificationStore) {
	installs := storage.NewMemoryInstallationStore()
	notifications := storage.NewMemoryNotificationStore()
	resolver := func(context.Context, *storage.InstallationRecord) (providers.Client, error) {
		return client, nil
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = time.Millisecond
	}
	return NewManager(orch, installs, notifications, resolver, locks, opts), installs, notifications
}

func TestImportRepositoryEnablesNotificationAndRef(t *testing.T) {
	orch := newStubOrchestrator(0)
	client := &stubProviderClient{repos: testRepos(1), token: "tok"}
	m, installs, notifications := newTestManager(orch, client, nil, Options{
		DefaultNotificationKind:   "commit-status",
		DefaultNotificationEvents: []string{"buildset-started", "buildset-finished"},
	})

	ctx := context.Background()
	inst := &storage.InstallationRecord{Provider: "github", UserID: "u1"}
	if err := installs.Save(ctx, inst); err != nil {
		t.Fatalf("seed installation: %v", err)
	}

	imported, err := m.ImportRepository(ctx, inst, client.repos[0], true)
	if err != nil {
		t.Fatalf("ImportRepository: %v", err)
	}
	if !imported {
		t.Fatalf("imported = false")
	}
	if len(inst.Repositories) != 1 || inst.Repositories[0].RepositoryID != "repo-1" {
		t.Fatalf("refs = %+v", inst.Repositories)
	}
	if got := orch.fetchURLs["repo-1"]; !strings.Contains(got, "x-access-token:tok@") {
		t.Fatalf("fetch url %q carries no credential", got)
	}
	record, err := notifications.Get(ctx, "repo-1", "commit-status")
	if err != nil || record == nil {
		t.Fatalf("default notification not enabled: %v", err)
	}
	if len(record.Events) != 2 || record.Events[0] != "buildset-started" {
		t.Fatalf("default notification events = %v", record.Events)
	}
	if len(orch.updates) != 1 {
		t.Fatalf("clone=true issued %d updates", len(orch.updates))
	}

	// A second import of the same fetch URL is not an error.
	imported, err = m.ImportRepository(ctx, inst, client.repos[0], false)
	if err != nil {
		t.Fatalf("re-import: %v", err)
	}
	if imported {
		t.Fatalf("duplicate reported as imported")
	}
}

func TestImportRepositoriesChunks(t *testing.T) {
	orch := newStubOrchestrator(2)
	client := &stubProviderClient{repos: testRepos(5), token: "tok"}
	m, installs, _ := newTestManager(orch, client, nil, Options{ParallelImports: 2})

	ctx := context.Background()
	inst := &storage.InstallationRecord{Provider: "github", UserID: "u1"}
	if err := installs.Save(ctx, inst); err != nil {
		t.Fatalf("seed installation: %v", err)
	}

	if err := m.ImportRepositories(ctx, inst); err != nil {
		t.Fatalf("ImportRepositories: %v", err)
	}
	if len(inst.Repositories) != 5 {
		t.Fatalf("imported %d repositories", len(inst.Repositories))
	}
	if len(orch.updates) != 5 {
		t.Fatalf("updates = %v", orch.updates)
	}

	// Chunk boundaries: the third repository's code update must come after
	// the first chunk was polled, the fifth after the second chunk.
	updateIdx := map[string]int{}
	statusIdx := map[string]int{}
	for i, call := range orch.calls {
		switch {
		case strings.HasPrefix(call, "update:"):
			updateIdx[strings.TrimPrefix(call, "update:")] = i
		case strings.HasPrefix(call, "status:"):
			statusIdx[strings.TrimPrefix(call, "status:")] = i // last poll wins
		}
	}
	if updateIdx["repo-3"] < statusIdx["repo-1"] {
		t.Fatalf("second chunk started before the first finished cloning: %v", orch.calls)
	}
	if updateIdx["repo-5"] < statusIdx["repo-3"] {
		t.Fatalf("third chunk started before the second finished cloning: %v", orch.calls)
	}
}

func TestImportRepositoriesIsIncremental(t *testing.T) {
	orch := newStubOrchestrator(0)
	client := &stubProviderClient{repos: testRepos(2), token: "tok"}
	m, installs, _ := newTestManager(orch, client, nil, Options{})

	ctx := context.Background()
	inst := &storage.InstallationRecord{Provider: "github", UserID: "u1"}
	if err := installs.Save(ctx, inst); err != nil {
		t.Fatalf("seed installation: %v", err)
	}

	if err := m.ImportRepositories(ctx, inst); err != nil {
		t.Fatalf("first import: %v", err)
	}
	if err := m.ImportRepositories(ctx, inst); err != nil {
		t.Fatalf("second import: %v", err)
	}
	if len(inst.Repositories) != 2 {
		t.Fatalf("refs = %+v", inst.Repositories)
	}
}

func TestCreateIsIdempotent(t *testing.T) {
	orch := newStubOrchestrator(0)
	client := &stubProviderClient{repos: testRepos(1), token: "tok"}
	m, installs, _ := newTestManager(orch, client, nil, Options{})

	ctx := context.Background()
	first, err := m.Create(ctx, "github", "u1", "", "42")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if first.ExternalUserID != "ext-1" || first.UserName != "octocat" {
		t.Fatalf("identity not resolved: %+v", first)
	}

	second, err := m.Create(ctx, "github", "u1", "", "42")
	if err != nil {
		t.Fatalf("second Create: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("second Create made a new installation")
	}
	all, _ := installs.List(ctx, "github")
	if len(all) != 1 {
		t.Fatalf("installations = %d", len(all))
	}
}

func TestUpdateRepositoryRefreshesFetchURL(t *testing.T) {
	orch := newStubOrchestrator(0)
	client := &stubProviderClient{repos: testRepos(1), token: "tok"}
	m, installs, _ := newTestManager(orch, client, nil, Options{})

	ctx := context.Background()
	inst := &storage.InstallationRecord{Provider: "github", UserID: "u1"}
	installs.Save(ctx, inst)
	if _, err := m.ImportRepository(ctx, inst, client.repos[0], false); err != nil {
		t.Fatalf("import: %v", err)
	}

	client.token = "rotated"
	if err := m.UpdateRepository(ctx, inst, "ext-1", true); err != nil {
		t.Fatalf("UpdateRepository: %v", err)
	}
	if got := orch.fetchURLs["repo-1"]; !strings.Contains(got, "x-access-token:rotated@") {
		t.Fatalf("fetch url not refreshed: %q", got)
	}
	if len(orch.updates) != 1 {
		t.Fatalf("updates = %v", orch.updates)
	}
}

func TestUpdateRepositorySkipsWhenLockHeld(t *testing.T) {
	coord := lock.NewMemoryCoordinator()
	locks := lock.NewQueue(coord, "/locks")
	orch := newStubOrchestrator(0)
	client := &stubProviderClient{repos: testRepos(1), token: "tok"}
	m, installs, _ := newTestManager(orch, client, locks, Options{})

	ctx := context.Background()
	inst := &storage.InstallationRecord{Provider: "github", UserID: "u1"}
	installs.Save(ctx, inst)
	if _, err := m.ImportRepository(ctx, inst, client.repos[0], false); err != nil {
		t.Fatalf("import: %v", err)
	}

	held, err := locks.Acquire(ctx, "repo-repo-1", "update", time.Second)
	if err != nil {
		t.Fatalf("pre-acquire: %v", err)
	}
	defer held.Release(ctx)

	if err := m.UpdateRepository(ctx, inst, "ext-1", false); err != nil {
		t.Fatalf("UpdateRepository with held lock: %v", err)
	}
	if len(orch.updates) != 0 {
		t.Fatalf("update ran despite held lock: %v", orch.updates)
	}
}

func TestDeleteRemovesRepositoriesAndInstallation(t *testing.T) {
	orch := newStubOrchestrator(0)
	client := &stubProviderClient{repos: testRepos(2), token: "tok"}
	m, installs, notifications := newTestManager(orch, client, nil, Options{DefaultNotificationKind: "commit-status"})

	ctx := context.Background()
	inst := &storage.InstallationRecord{Provider: "github", UserID: "u1"}
	installs.Save(ctx, inst)
	if err := m.ImportRepositories(ctx, inst); err != nil {
		t.Fatalf("import: %v", err)
	}

	if err := m.Delete(ctx, inst); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if len(orch.deleted) != 2 {
		t.Fatalf("deleted = %v", orch.deleted)
	}
	got, _ := installs.Get(ctx, inst.ID)
	if got != nil {
		t.Fatalf("installation survived delete")
	}
	records, _ := notifications.ListByRepository(ctx, "repo-1")
	if len(records) != 0 {
		t.Fatalf("notifications survived delete: %+v", records)
	}
}
