package notifications

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"buildhooks/pkg/storage"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store implements storage.NotificationStore on top of GORM.
type Store struct {
	db    *gorm.DB
	table string
}

type row struct {
	ID             string    `gorm:"column:id;primaryKey;size:64"`
	Kind           string    `gorm:"column:kind;size:64;not null;index:idx_repo_kind"`
	RepositoryID   string    `gorm:"column:repository_id;size:128;not null;index:idx_repo_kind"`
	Branches       string    `gorm:"column:branches;type:text"`
	Statuses       string    `gorm:"column:statuses;type:text"`
	Events         string    `gorm:"column:events;type:text"`
	WhenExpression string    `gorm:"column:when_expression;type:text"`
	FieldsJSON     string    `gorm:"column:fields_json;type:text"`
	InstallationID string    `gorm:"column:installation_id;size:64"`
	CreatedAt      time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// Open creates a GORM-backed notifications store.
func Open(cfg storage.Config) (*Store, error) {
	gormDB, err := storage.OpenGorm(cfg)
	if err != nil {
		return nil, err
	}
	table := cfg.Table
	if table == "" {
		table = "buildhooks_notifications"
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

// Save inserts or updates a notification config.
func (s *Store) Save(ctx context.Context, record *storage.NotificationRecord) error {
	if s == nil || s.db == nil {
		return errors.New("store is not initialized")
	}
	if record.Kind == "" || record.RepositoryID == "" {
		return errors.New("kind and repository_id are required")
	}
	if record.ID == "" {
		record.ID = newID()
	}
	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now

	data := toRow(*record)
	return s.tableDB().
		WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"branches", "statuses", "events", "when_expression", "fields_json", "installation_id", "updated_at"}),
		}).
		Create(&data).Error
}

// Get fetches the config for a repository/kind pair.
func (s *Store) Get(ctx context.Context, repositoryID, kind string) (*storage.NotificationRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store is not initialized")
	}
	var data row
	err := s.tableDB().
		WithContext(ctx).
		Where("repository_id = ? AND kind = ?", repositoryID, kind).
		Take(&data).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	record := fromRow(data)
	return &record, nil
}

// ListByRepository lists every config for a repository.
func (s *Store) ListByRepository(ctx context.Context, repositoryID string) ([]storage.NotificationRecord, error) {
	return s.list(ctx, "repository_id = ?", repositoryID)
}

// ListByEvent lists repository configs reacting to an event type. Configs
// with an empty events list react to everything.
func (s *Store) ListByEvent(ctx context.Context, repositoryID, eventType string) ([]storage.NotificationRecord, error) {
	records, err := s.list(ctx, "repository_id = ?", repositoryID)
	if err != nil {
		return nil, err
	}
	out := make([]storage.NotificationRecord, 0, len(records))
	for _, record := range records {
		if len(record.Events) == 0 || contains(record.Events, eventType) {
			out = append(out, record)
		}
	}
	return out, nil
}

// Delete removes the config for a repository/kind pair.
func (s *Store) Delete(ctx context.Context, repositoryID, kind string) error {
	if s == nil || s.db == nil {
		return errors.New("store is not initialized")
	}
	return s.tableDB().
		WithContext(ctx).
		Where("repository_id = ? AND kind = ?", repositoryID, kind).
		Delete(&row{}).Error
}

func (s *Store) list(ctx context.Context, query string, args ...interface{}) ([]storage.NotificationRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store is not initialized")
	}
	var data []row
	if err := s.tableDB().WithContext(ctx).Where(query, args...).Order("created_at").Find(&data).Error; err != nil {
		return nil, err
	}
	records := make([]storage.NotificationRecord, 0, len(data))
	for _, item := range data {
		records = append(records, fromRow(item))
	}
	return records, nil
}

func (s *Store) tableDB() *gorm.DB {
	return s.db.Table(s.table)
}

func toRow(record storage.NotificationRecord) row {
	return row{
		ID:             record.ID,
		Kind:           record.Kind,
		RepositoryID:   record.RepositoryID,
		Branches:       joinList(record.Branches),
		Statuses:       joinList(record.Statuses),
		Events:         joinList(record.Events),
		WhenExpression: record.WhenExpression,
		FieldsJSON:     record.FieldsJSON,
		InstallationID: record.InstallationID,
		CreatedAt:      record.CreatedAt,
		UpdatedAt:      record.UpdatedAt,
	}
}

func fromRow(data row) storage.NotificationRecord {
	return storage.NotificationRecord{
		ID:             data.ID,
		Kind:           data.Kind,
		RepositoryID:   data.RepositoryID,
		Branches:       splitList(data.Branches),
		Statuses:       splitList(data.Statuses),
		Events:         splitList(data.Events),
		WhenExpression: data.WhenExpression,
		FieldsJSON:     data.FieldsJSON,
		InstallationID: data.InstallationID,
		CreatedAt:      data.CreatedAt,
		UpdatedAt:      data.UpdatedAt,
	}
}

func joinList(values []string) string {
	return strings.Join(values, ",")
}

func splitList(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func contains(values []string, value string) bool {
	for _, item := range values {
		if item == value {
			return true
		}
	}
	return false
}

func newID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return ""
	}
	return hex.EncodeToString(buf)
}
