package storage

import (
	"errors"
	"fmt"
	"strings"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// Config holds connection settings shared by the GORM-backed stores.
type Config struct {
	Driver      string
	DSN         string
	Table       string
	AutoMigrate bool
}

// OpenGorm opens a GORM connection for the configured driver.
func OpenGorm(cfg Config) (*gorm.DB, error) {
	if cfg.DSN == "" {
		return nil, errors.New("storage dsn is required")
	}
	switch NormalizeDriver(cfg.Driver) {
	case "postgres":
		return gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{})
	case "mysql":
		return gorm.Open(mysql.Open(cfg.DSN), &gorm.Config{})
	case "sqlite":
		return gorm.Open(sqlite.Open(cfg.DSN), &gorm.Config{})
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Driver)
	}
}

// NormalizeDriver maps driver aliases onto canonical names.
func NormalizeDriver(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	switch value {
	case "postgres", "postgresql", "pgx":
		return "postgres"
	case "mysql":
		return "mysql"
	case "sqlite", "sqlite3":
		return "sqlite"
	default:
		return ""
	}
}
