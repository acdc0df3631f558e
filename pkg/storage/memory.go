package storage

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"time"
)

// MemoryInstallationStore is an in-process InstallationStore used when no
// DSN is configured and throughout the tests.
type MemoryInstallationStore struct {
	mu      sync.Mutex
	records map[string]InstallationRecord
	order   []string
}

// NewMemoryInstallationStore creates an empty in-memory store.
func NewMemoryInstallationStore() *MemoryInstallationStore {
	return &MemoryInstallationStore{records: make(map[string]InstallationRecord)}
}

func (s *MemoryInstallationStore) Save(_ context.Context, record *InstallationRecord) error {
	if record.Provider == "" {
		return errors.New("provider is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if record.ID == "" {
		record.ID = memoryID()
	}
	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
	if _, ok := s.records[record.ID]; !ok {
		s.order = append(s.order, record.ID)
	}
	s.records[record.ID] = cloneInstallation(*record)
	return nil
}

func (s *MemoryInstallationStore) Get(_ context.Context, id string) (*InstallationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[id]
	if !ok {
		return nil, nil
	}
	out := cloneInstallation(record)
	return &out, nil
}

func (s *MemoryInstallationStore) GetByUser(_ context.Context, provider, userID string) (*InstallationRecord, error) {
	return s.find(func(r InstallationRecord) bool {
		return r.Provider == provider && r.UserID == userID
	})
}

func (s *MemoryInstallationStore) GetByInstallationID(_ context.Context, provider, installationID string) (*InstallationRecord, error) {
	return s.find(func(r InstallationRecord) bool {
		return r.Provider == provider && r.InstallationID == installationID
	})
}

func (s *MemoryInstallationStore) List(_ context.Context, provider string) ([]InstallationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]InstallationRecord, 0, len(s.order))
	for _, id := range s.order {
		record, ok := s.records[id]
		if !ok {
			continue
		}
		if provider != "" && record.Provider != provider {
			continue
		}
		out = append(out, cloneInstallation(record))
	}
	return out, nil
}

func (s *MemoryInstallationStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

func (s *MemoryInstallationStore) Close() error { return nil }

func (s *MemoryInstallationStore) find(match func(InstallationRecord) bool) (*InstallationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.order {
		record, ok := s.records[id]
		if !ok {
			continue
		}
		if match(record) {
			out := cloneInstallation(record)
			return &out, nil
		}
	}
	return nil, nil
}

// MemoryNotificationStore is an in-process NotificationStore.
type MemoryNotificationStore struct {
	mu      sync.Mutex
	records []NotificationRecord
}

// NewMemoryNotificationStore creates an empty in-memory store.
func NewMemoryNotificationStore() *MemoryNotificationStore {
	return &MemoryNotificationStore{}
}

func (s *MemoryNotificationStore) Save(_ context.Context, record *NotificationRecord) error {
	if record.Kind == "" || record.RepositoryID == "" {
		return errors.New("kind and repository_id are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	record.UpdatedAt = now
	if record.ID != "" {
		for i := range s.records {
			if s.records[i].ID == record.ID {
				s.records[i] = *record
				return nil
			}
		}
	}
	record.ID = memoryID()
	record.CreatedAt = now
	s.records = append(s.records, *record)
	return nil
}

func (s *MemoryNotificationStore) Get(_ context.Context, repositoryID, kind string) (*NotificationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.records {
		if s.records[i].RepositoryID == repositoryID && s.records[i].Kind == kind {
			out := s.records[i]
			return &out, nil
		}
	}
	return nil, nil
}

func (s *MemoryNotificationStore) ListByRepository(_ context.Context, repositoryID string) ([]NotificationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []NotificationRecord
	for _, record := range s.records {
		if record.RepositoryID == repositoryID {
			out = append(out, record)
		}
	}
	return out, nil
}

func (s *MemoryNotificationStore) ListByEvent(_ context.Context, repositoryID, eventType string) ([]NotificationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []NotificationRecord
	for _, record := range s.records {
		if record.RepositoryID != repositoryID {
			continue
		}
		if len(record.Events) == 0 {
			out = append(out, record)
			continue
		}
		for _, event := range record.Events {
			if event == eventType {
				out = append(out, record)
				break
			}
		}
	}
	return out, nil
}

func (s *MemoryNotificationStore) Delete(_ context.Context, repositoryID, kind string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.records[:0]
	for _, record := range s.records {
		if record.RepositoryID == repositoryID && record.Kind == kind {
			continue
		}
		kept = append(kept, record)
	}
	s.records = kept
	return nil
}

func (s *MemoryNotificationStore) Close() error { return nil }

// MemoryAppStore is an in-process AppStore.
type MemoryAppStore struct {
	mu      sync.Mutex
	records map[string]ProviderAppRecord
}

// NewMemoryAppStore creates an empty in-memory store.
func NewMemoryAppStore() *MemoryAppStore {
	return &MemoryAppStore{records: make(map[string]ProviderAppRecord)}
}

func (s *MemoryAppStore) GetOrCreate(_ context.Context, provider string) (*ProviderAppRecord, error) {
	if provider == "" {
		return nil, errors.New("provider is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[provider]
	if !ok {
		record = ProviderAppRecord{Provider: provider, CreatedAt: time.Now().UTC()}
		s.records[provider] = record
	}
	out := record
	return &out, nil
}

func (s *MemoryAppStore) Save(_ context.Context, record *ProviderAppRecord) error {
	if record.Provider == "" {
		return errors.New("provider is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	record.UpdatedAt = time.Now().UTC()
	s.records[record.Provider] = *record
	return nil
}

func (s *MemoryAppStore) Close() error { return nil }

func cloneInstallation(record InstallationRecord) InstallationRecord {
	repos := make([]RepositoryRef, len(record.Repositories))
	copy(repos, record.Repositories)
	record.Repositories = repos
	return record
}

func memoryID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return ""
	}
	return hex.EncodeToString(buf)
}
