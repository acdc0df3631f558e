package apps

import (
	"context"
	"errors"
	"time"

	"buildhooks/pkg/storage"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store implements storage.AppStore on top of GORM. One row per provider.
type Store struct {
	db    *gorm.DB
	table string
}

type row struct {
	Provider         string     `gorm:"column:provider;primaryKey;size:32"`
	AppID            int64      `gorm:"column:app_id"`
	PrivateKeyPath   string     `gorm:"column:private_key_path;size:512"`
	ClientSecret     string     `gorm:"column:client_secret"`
	WebhookToken     string     `gorm:"column:webhook_token"`
	SigningToken     string     `gorm:"column:signing_token;type:text"`
	SigningExpiresAt *time.Time `gorm:"column:signing_expires_at"`
	CreatedAt        time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt        time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// Open creates a GORM-backed provider app store.
func Open(cfg storage.Config) (*Store, error) {
	gormDB, err := storage.OpenGorm(cfg)
	if err != nil {
		return nil, err
	}
	table := cfg.Table
	if table == "" {
		table = "buildhooks_provider_apps"
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

// GetOrCreate returns the provider's app record, creating an empty one on
// first access. App records are never implicitly deleted.
func (s *Store) GetOrCreate(ctx context.Context, provider string) (*storage.ProviderAppRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store is not initialized")
	}
	if provider == "" {
		return nil, errors.New("provider is required")
	}
	var data row
	err := s.tableDB().WithContext(ctx).Where("provider = ?", provider).Take(&data).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		data = row{Provider: provider, CreatedAt: time.Now().UTC()}
		if err := s.tableDB().WithContext(ctx).Create(&data).Error; err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}
	record := fromRow(data)
	return &record, nil
}

// Save updates the provider app record.
func (s *Store) Save(ctx context.Context, record *storage.ProviderAppRecord) error {
	if s == nil || s.db == nil {
		return errors.New("store is not initialized")
	}
	if record.Provider == "" {
		return errors.New("provider is required")
	}
	record.UpdatedAt = time.Now().UTC()
	data := toRow(*record)
	return s.tableDB().
		WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "provider"}},
			DoUpdates: clause.AssignmentColumns([]string{"app_id", "private_key_path", "client_secret", "webhook_token", "signing_token", "signing_expires_at", "updated_at"}),
		}).
		Create(&data).Error
}

func (s *Store) tableDB() *gorm.DB {
	return s.db.Table(s.table)
}

func toRow(record storage.ProviderAppRecord) row {
	return row{
		Provider:         record.Provider,
		AppID:            record.AppID,
		PrivateKeyPath:   record.PrivateKeyPath,
		ClientSecret:     record.ClientSecret,
		WebhookToken:     record.WebhookToken,
		SigningToken:     record.SigningToken,
		SigningExpiresAt: record.SigningExpiresAt,
		CreatedAt:        record.CreatedAt,
		UpdatedAt:        record.UpdatedAt,
	}
}

func fromRow(data row) storage.ProviderAppRecord {
	return storage.ProviderAppRecord{
		Provider:         data.Provider,
		AppID:            data.AppID,
		PrivateKeyPath:   data.PrivateKeyPath,
		ClientSecret:     data.ClientSecret,
		WebhookToken:     data.WebhookToken,
		SigningToken:     data.SigningToken,
		SigningExpiresAt: data.SigningExpiresAt,
		CreatedAt:        data.CreatedAt,
		UpdatedAt:        data.UpdatedAt,
	}
}
