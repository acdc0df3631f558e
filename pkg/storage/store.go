package storage

import (
	"context"
	"time"
)

// RepositoryRef links a provider repository to the internal repository that
// the build orchestrator tracks. Refs are unique per (installation,
// external_id) and kept in import order.
type RepositoryRef struct {
	ExternalID   string `json:"external_id"`
	RepositoryID string `json:"repository_id"`
	FullName     string `json:"full_name"`
}

// InstallationRecord stores one connected provider account and the
// repositories imported through it.
type InstallationRecord struct {
	ID             string
	UserID         string
	UserName       string
	Provider       string
	ExternalUserID string
	InstallationID string
	AccessToken    string
	RefreshToken   string
	TokenExpiresAt *time.Time
	Repositories   []RepositoryRef
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ProviderAppRecord is the app-level credential for one provider. At most
// one record per provider exists; it is created lazily on first access and
// never implicitly deleted.
type ProviderAppRecord struct {
	Provider         string
	AppID            int64
	PrivateKeyPath   string
	ClientSecret     string
	WebhookToken     string
	SigningToken     string
	SigningExpiresAt *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// NotificationRecord is one configured notification. Kind-specific fields
// live in FieldsJSON; Events is fixed by the kind and not user-editable.
type NotificationRecord struct {
	ID             string
	Kind           string
	RepositoryID   string
	Branches       []string
	Statuses       []string
	Events         []string
	WhenExpression string
	FieldsJSON     string
	InstallationID string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// InstallationStore persists installations.
type InstallationStore interface {
	Save(ctx context.Context, record *InstallationRecord) error
	Get(ctx context.Context, id string) (*InstallationRecord, error)
	GetByUser(ctx context.Context, provider, userID string) (*InstallationRecord, error)
	GetByInstallationID(ctx context.Context, provider, installationID string) (*InstallationRecord, error)
	List(ctx context.Context, provider string) ([]InstallationRecord, error)
	Delete(ctx context.Context, id string) error
	Close() error
}

// NotificationStore persists notification configs.
type NotificationStore interface {
	Save(ctx context.Context, record *NotificationRecord) error
	Get(ctx context.Context, repositoryID, kind string) (*NotificationRecord, error)
	ListByRepository(ctx context.Context, repositoryID string) ([]NotificationRecord, error)
	ListByEvent(ctx context.Context, repositoryID, eventType string) ([]NotificationRecord, error)
	Delete(ctx context.Context, repositoryID, kind string) error
	Close() error
}

// AppStore persists provider app credentials.
type AppStore interface {
	// GetOrCreate returns the provider's app record, creating an empty one
	// on first access.
	GetOrCreate(ctx context.Context, provider string) (*ProviderAppRecord, error)
	Save(ctx context.Context, record *ProviderAppRecord) error
	Close() error
}
