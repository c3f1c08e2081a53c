// Package storage persists the plugin catalog and run outcomes through
// GORM. Two backends are provided: SQLite (default, zero-config, pure Go
// via glebarez/sqlite) and PostgreSQL.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jkaninda/hifadhi/internal/plugin"
)

// Store is the unified persistence interface. Both backends implement it.
type Store interface {
	Plugins() plugin.Store
	Runs() plugin.RunStore

	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

// SQLiteConfig holds SQLite-specific settings.
type SQLiteConfig struct {
	Path        string // Database file path.
	JournalMode string // "wal" by default.
}

// PostgresConfig holds PostgreSQL-specific settings.
type PostgresConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type store struct {
	db     *gorm.DB
	driver string

	plugins plugin.Store
	runs    plugin.RunStore
}

// OpenSQLite creates a SQLite-backed Store, creating the parent
// directory if needed. WAL mode by default for concurrent reads.
func OpenSQLite(cfg SQLiteConfig, slogger *slog.Logger) (Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("creating database directory %s: %w", dir, err)
	}

	journalMode := cfg.JournalMode
	if journalMode == "" {
		journalMode = "wal"
	}
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(%s)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", cfg.Path, journalMode)

	db, err := gorm.Open(sqlite.Open(dsn), gormConfig(slogger))
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}

	slogger.Info("sqlite store opened", slog.String("path", cfg.Path), slog.String("journal_mode", journalMode))
	return newStore(db, "sqlite"), nil
}

// OpenPostgres creates a PostgreSQL-backed Store with connection pooling.
func OpenPostgres(cfg PostgresConfig, slogger *slog.Logger) (Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	db, err := gorm.Open(postgres.Open(cfg.DSN), gormConfig(slogger))
	if err != nil {
		return nil, fmt.Errorf("opening postgres database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("accessing connection pool: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	slogger.Info("postgres store opened")
	return newStore(db, "postgres"), nil
}

func newStore(db *gorm.DB, driver string) *store {
	return &store{
		db:      db,
		driver:  driver,
		plugins: &pluginRepository{db: db},
		runs:    &runRepository{db: db},
	}
}

func (s *store) Plugins() plugin.Store { return s.plugins }
func (s *store) Runs() plugin.RunStore { return s.runs }
func (s *store) Driver() string        { return s.driver }

// Migrate runs GORM AutoMigrate to create/update tables.
func (s *store) Migrate(_ context.Context) error {
	return s.db.AutoMigrate(&PluginModel{}, &RunModel{})
}

// Ping verifies the database connection is alive.
func (s *store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func gormConfig(slogger *slog.Logger) *gorm.Config {
	return &gorm.Config{
		Logger: logger.New(
			slogAdapter{slogger},
			logger.Config{
				SlowThreshold:             200 * time.Millisecond,
				LogLevel:                  logger.Warn,
				IgnoreRecordNotFoundError: true,
			},
		),
		NowFunc: func() time.Time { return time.Now().UTC() },
	}
}

// slogAdapter wraps *slog.Logger for GORM's logger.Writer interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Printf(format string, args ...any) {
	s.logger.Info(fmt.Sprintf(format, args...))
}
