package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"buildhooks/pkg/credentials"
	"buildhooks/pkg/install"
	"buildhooks/pkg/orchestrator"
	"buildhooks/pkg/providers"
	"buildhooks/pkg/storage"
)

type stubVerifier struct {
	err error
}

func (v *stubVerifier) VerifyWebhookSignature(body []byte, signature string) error {
	return v.err
}

type fakeOrchestrator struct {
	mu    sync.Mutex
	calls []string
}

func (o *fakeOrchestrator) record(call string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, call)
}

func (o *fakeOrchestrator) recorded() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.calls...)
}

func (o *fakeOrchestrator) CreateRepository(ctx context.Context, repo orchestrator.Repository) (string, error) {
	o.record("create:" + repo.Name)
	return "repo-" + repo.Name, nil
}

func (o *fakeOrchestrator) RequestCodeUpdate(ctx context.Context, repositoryID string) error {
	o.record("update:" + repositoryID)
	return nil
}

func (o *fakeOrchestrator) StartBuild(ctx context.Context, repositoryID, namedTree string) error {
	o.record("build:" + repositoryID)
	return nil
}

func (o *fakeOrchestrator) GetStatus(ctx context.Context, repositoryID string) (*orchestrator.RepositoryStatus, error) {
	return &orchestrator.RepositoryStatus{ID: repositoryID, Status: "ready"}, nil
}

func (o *fakeOrchestrator) DeleteRepository(ctx context.Context, repositoryID string) error {
	o.record("delete:" + repositoryID)
	return nil
}

func (o *fakeOrchestrator) UpdateFetchURL(ctx context.Context, repositoryID, fetchURL string) error {
	o.record("fetchurl:" + repositoryID)
	return nil
}

type fakeProviderClient struct{}

func (c *fakeProviderClient) Account(ctx context.Context) (*providers.Account, error) {
	return &providers.Account{ExternalID: "9", Login: "octocat"}, nil
}

func (c *fakeProviderClient) ListRepositories(ctx context.Context) ([]providers.Repository, error) {
	return nil, nil
}

func (c *fakeProviderClient) GetRepository(ctx context.Context, fullName string) (*providers.Repository, error) {
	return &providers.Repository{ExternalID: "456", FullName: fullName, CloneURL: "https://example.com/" + fullName + ".git"}, nil
}

func (c *fakeProviderClient) SetCommitStatus(ctx context.Context, fullName, revision string, status providers.CommitStatus) error {
	return nil
}

func (c *fakeProviderClient) CloneURL(ctx context.Context, repo providers.Repository) (string, error) {
	return providers.AuthenticatedCloneURL(repo.CloneURL, "x-access-token", "tok")
}

func newTestBindings(t *testing.T) (*Router, *fakeOrchestrator, storage.InstallationStore) {
	t.Helper()
	orch := &fakeOrchestrator{}
	installs := storage.NewMemoryInstallationStore()
	manager := install.NewManager(orch, installs, storage.NewMemoryNotificationStore(),
		func(ctx context.Context, inst *storage.InstallationRecord) (providers.Client, error) {
			return &fakeProviderClient{}, nil
		}, nil, install.Options{})
	router := NewRouter()
	Bind(router, manager, installs)
	return router, orch, installs
}

func seedInstallation(t *testing.T, installs storage.InstallationStore, provider string) {
	t.Helper()
	err := installs.Save(context.Background(), &storage.InstallationRecord{
		Provider:       provider,
		UserID:         "9",
		UserName:       "octocat",
		ExternalUserID: "9",
		InstallationID: "42",
		Repositories: []storage.RepositoryRef{
			{ExternalID: "456", RepositoryID: "repo-1", FullName: "acme/app"},
		},
	})
	if err != nil {
		t.Fatalf("seed installation: %v", err)
	}
}

func TestGitHubPushRequestsCodeUpdate(t *testing.T) {
	router, orch, installs := newTestBindings(t)
	seedInstallation(t, installs, "github")

	handler, err := NewGitHubHandler(&stubVerifier{}, router, 1<<20)
	if err != nil {
		t.Fatalf("NewGitHubHandler: %v", err)
	}

	body := `{"ref":"refs/heads/main","installation":{"id":42},"repository":{"id":456,"full_name":"acme/app"}}`
	req := httptest.NewRequest(http.MethodPost, "/hooks/github", strings.NewReader(body))
	req.Header.Set("X-GitHub-Event", "push")
	req.Header.Set("X-Hub-Signature-256", "sha256=irrelevant")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	router.Wait()

	calls := orch.recorded()
	var sawFetchURL, sawUpdate bool
	for _, call := range calls {
		if call == "fetchurl:repo-1" {
			sawFetchURL = true
		}
		if call == "update:repo-1" {
			sawUpdate = true
		}
	}
	if !sawFetchURL || !sawUpdate {
		t.Fatalf("expected fetch URL refresh and code update, got %v", calls)
	}
}

func TestGitHubRejectsBadSignature(t *testing.T) {
	router, orch, _ := newTestBindings(t)
	handler, err := NewGitHubHandler(&stubVerifier{err: credentials.ErrBadSignature}, router, 1<<20)
	if err != nil {
		t.Fatalf("NewGitHubHandler: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/hooks/github", strings.NewReader(`{"ref":"refs/heads/main"}`))
	req.Header.Set("X-GitHub-Event", "push")
	req.Header.Set("X-Hub-Signature-256", "sha256=bogus")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	router.Wait()
	if calls := orch.recorded(); len(calls) != 0 {
		t.Fatalf("unverified payload reached the orchestrator: %v", calls)
	}
}

func TestGitHubVerifierUnavailable(t *testing.T) {
	router, _, _ := newTestBindings(t)
	handler, err := NewGitHubHandler(&stubVerifier{err: errors.New("store down")}, router, 1<<20)
	if err != nil {
		t.Fatalf("NewGitHubHandler: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/hooks/github", strings.NewReader(`{}`))
	req.Header.Set("X-GitHub-Event", "push")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}

func TestGitHubPingAndUnhandledEvent(t *testing.T) {
	router, _, _ := newTestBindings(t)
	handler, err := NewGitHubHandler(&stubVerifier{}, router, 1<<20)
	if err != nil {
		t.Fatalf("NewGitHubHandler: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/hooks/github", strings.NewReader(`{"zen":"Design for failure."}`))
	req.Header.Set("X-GitHub-Event", "ping")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("ping status = %d", rec.Code)
	}
	var ack struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if ack.Code != http.StatusOK || ack.Msg != "pong" {
		t.Fatalf("ack = %+v", ack)
	}

	req = httptest.NewRequest(http.MethodPost, "/hooks/github", strings.NewReader(`{"action":"published"}`))
	req.Header.Set("X-GitHub-Event", "release")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unhandled event status = %d, want 400", rec.Code)
	}
}

func TestGitHubInstallationCreatedImportsRepositories(t *testing.T) {
	router, orch, installs := newTestBindings(t)
	handler, err := NewGitHubHandler(&stubVerifier{}, router, 1<<20)
	if err != nil {
		t.Fatalf("NewGitHubHandler: %v", err)
	}

	body := `{"action":"created","installation":{"id":42,"account":{"id":9,"login":"octocat"}},"sender":{"id":9,"login":"octocat"}}`
	req := httptest.NewRequest(http.MethodPost, "/hooks/github", strings.NewReader(body))
	req.Header.Set("X-GitHub-Event", "installation")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	router.Wait()

	inst, err := installs.GetByInstallationID(context.Background(), "github", "42")
	if err != nil || inst == nil {
		t.Fatalf("installation not created: %v", err)
	}
	if inst.ExternalUserID != "9" {
		t.Fatalf("external user id = %q", inst.ExternalUserID)
	}
	_ = orch // empty repository list, nothing imported
}

func TestGitLabPushMatchesProject(t *testing.T) {
	router, orch, installs := newTestBindings(t)
	seedInstallation(t, installs, "gitlab")
	handler := NewGitLabHandler("s3cret", router, 1<<20)

	body := `{"project_id":456,"project":{"id":456,"path_with_namespace":"acme/app"}}`
	req := httptest.NewRequest(http.MethodPost, "/hooks/gitlab", strings.NewReader(body))
	req.Header.Set("X-Gitlab-Event", "Push Hook")
	req.Header.Set("X-Gitlab-Token", "s3cret")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	router.Wait()

	var sawUpdate bool
	for _, call := range orch.recorded() {
		if call == "update:repo-1" {
			sawUpdate = true
		}
	}
	if !sawUpdate {
		t.Fatalf("gitlab push did not request a code update: %v", orch.recorded())
	}
}

func TestGitLabRejectsWrongToken(t *testing.T) {
	router, orch, _ := newTestBindings(t)
	handler := NewGitLabHandler("s3cret", router, 1<<20)

	req := httptest.NewRequest(http.MethodPost, "/hooks/gitlab", strings.NewReader(`{}`))
	req.Header.Set("X-Gitlab-Event", "Push Hook")
	req.Header.Set("X-Gitlab-Token", "wrong")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	router.Wait()
	if calls := orch.recorded(); len(calls) != 0 {
		t.Fatalf("unauthenticated payload was processed: %v", calls)
	}
}

func TestGitlabEventTypeNormalization(t *testing.T) {
	cases := map[string]string{
		"Push Hook":          "push",
		"Merge Request Hook": "merge-request",
		"Tag Push Hook":      "tag-push",
	}
	for header, want := range cases {
		if got := gitlabEventType(header); got != want {
			t.Errorf("gitlabEventType(%q) = %q, want %q", header, got, want)
		}
	}
}

func TestEventTypeJoinsAction(t *testing.T) {
	if got := EventType("installation", "created"); got != "installation-created" {
		t.Fatalf("EventType = %q", got)
	}
	if got := EventType("push", ""); got != "push" {
		t.Fatalf("EventType = %q", got)
	}
}
