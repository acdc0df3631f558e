package installations

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"buildhooks/pkg/storage"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store implements storage.InstallationStore on top of GORM. Repository
// refs are embedded as a JSON document so the ordered list travels with the
// installation row.
type Store struct {
	db    *gorm.DB
	table string
}

type row struct {
	ID             string     `gorm:"column:id;primaryKey;size:64"`
	UserID         string     `gorm:"column:user_id;size:128;not null;index"`
	UserName       string     `gorm:"column:user_name;size:255"`
	Provider       string     `gorm:"column:provider;size:32;not null;index"`
	ExternalUserID string     `gorm:"column:external_user_id;size:128"`
	InstallationID string     `gorm:"column:installation_id;size:128;index"`
	AccessToken    string     `gorm:"column:access_token"`
	RefreshToken   string     `gorm:"column:refresh_token"`
	TokenExpiresAt *time.Time `gorm:"column:token_expires_at"`
	ReposJSON      string     `gorm:"column:repositories_json;type:text"`
	CreatedAt      time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// Open creates a GORM-backed installations store.
func Open(cfg storage.Config) (*Store, error) {
	gormDB, err := storage.OpenGorm(cfg)
	if err != nil {
		return nil, err
	}
	table := cfg.Table
	if table == "" {
		table = "buildhooks_installations"
	}
	store := &Store{db: gormDB, table: table}
	if cfg.AutoMigrate {
		if err := store.tableDB().AutoMigrate(&row{}); err != nil {
			return nil, err
		}
	}
	return store, nil
}

// Close closes the underlying DB connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Save inserts or updates an installation. New records get a generated id.
func (s *Store) Save(ctx context.Context, record *storage.InstallationRecord) error {
	if s == nil || s.db == nil {
		return errors.New("store is not initialized")
	}
	if record.Provider == "" {
		return errors.New("provider is required")
	}
	if record.ID == "" {
		record.ID = newID()
	}
	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now

	data, err := toRow(*record)
	if err != nil {
		return err
	}
	return s.tableDB().
		WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"user_name", "external_user_id", "installation_id", "access_token", "refresh_token", "token_expires_at", "repositories_json", "updated_at"}),
		}).
		Create(&data).Error
}

// Get fetches an installation by id.
func (s *Store) Get(ctx context.Context, id string) (*storage.InstallationRecord, error) {
	return s.one(ctx, "id = ?", id)
}

// GetByUser fetches the installation for a provider/user pair.
func (s *Store) GetByUser(ctx context.Context, provider, userID string) (*storage.InstallationRecord, error) {
	return s.one(ctx, "provider = ? AND user_id = ?", provider, userID)
}

// GetByInstallationID fetches the installation holding a provider-side
// installation id.
func (s *Store) GetByInstallationID(ctx context.Context, provider, installationID string) (*storage.InstallationRecord, error) {
	return s.one(ctx, "provider = ? AND installation_id = ?", provider, installationID)
}

// List lists installations, optionally filtered by provider.
func (s *Store) List(ctx context.Context, provider string) ([]storage.InstallationRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store is not initialized")
	}
	query := s.tableDB().WithContext(ctx)
	if provider != "" {
		query = query.Where("provider = ?", provider)
	}
	var data []row
	if err := query.Order("created_at").Find(&data).Error; err != nil {
		return nil, err
	}
	records := make([]storage.InstallationRecord, 0, len(data))
	for _, item := range data {
		record, err := fromRow(item)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

// Delete removes an installation row.
func (s *Store) Delete(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return errors.New("store is not initialized")
	}
	return s.tableDB().WithContext(ctx).Where("id = ?", id).Delete(&row{}).Error
}

func (s *Store) one(ctx context.Context, query string, args ...interface{}) (*storage.InstallationRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store is not initialized")
	}
	var data row
	err := s.tableDB().WithContext(ctx).Where(query, args...).Take(&data).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	record, err := fromRow(data)
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (s *Store) tableDB() *gorm.DB {
	return s.db.Table(s.table)
}

func toRow(record storage.InstallationRecord) (row, error) {
	repos, err := json.Marshal(record.Repositories)
	if err != nil {
		return row{}, err
	}
	return row{
		ID:             record.ID,
		UserID:         record.UserID,
		UserName:       record.UserName,
		Provider:       record.Provider,
		ExternalUserID: record.ExternalUserID,
		InstallationID: record.InstallationID,
		AccessToken:    record.AccessToken,
		RefreshToken:   record.RefreshToken,
		TokenExpiresAt: record.TokenExpiresAt,
		ReposJSON:      string(repos),
		CreatedAt:      record.CreatedAt,
		UpdatedAt:      record.UpdatedAt,
	}, nil
}

func fromRow(data row) (storage.InstallationRecord, error) {
	var repos []storage.RepositoryRef
	if data.ReposJSON != "" {
		if err := json.Unmarshal([]byte(data.ReposJSON), &repos); err != nil {
			return storage.InstallationRecord{}, err
		}
	}
	return storage.InstallationRecord{
		ID:             data.ID,
		UserID:         data.UserID,
		UserName:       data.UserName,
		Provider:       data.Provider,
		ExternalUserID: data.ExternalUserID,
		InstallationID: data.InstallationID,
		AccessToken:    data.AccessToken,
		RefreshToken:   data.RefreshToken,
		TokenExpiresAt: data.TokenExpiresAt,
		Repositories:   repos,
		CreatedAt:      data.CreatedAt,
		UpdatedAt:      data.UpdatedAt,
	}, nil
}

func newID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return ""
	}
	return hex.EncodeToString(buf)
}
