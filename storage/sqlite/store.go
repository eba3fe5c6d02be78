// Package sqlite provides a SQLite implementation of storage.KeyValueStore.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	stdSync "sync"
	"time"

	syncErrors "github.com/c0deZ3R0/go-docsync/errors"
	"github.com/c0deZ3R0/go-docsync/logging"
	"github.com/c0deZ3R0/go-docsync/storage"

	// Go SQLite driver
	_ "github.com/mattn/go-sqlite3"
)

const component = "storage/sqlite"

var validTableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Config holds configuration options for the SQLite store.
//
// Defaults applied by DefaultConfig():
//   - WAL mode enabled
//   - Connection pool with 25 max open, 5 max idle connections
//   - Connection lifetimes of 1 hour max, 5 minutes max idle
type Config struct {
	// DataSourceName is the connection string for the SQLite database.
	// Example: "file:docsync.db"
	DataSourceName string

	// EnableWAL appends "?_journal_mode=WAL" to DataSourceName.
	EnableWAL bool

	// Logger defaults to the package component logger.
	Logger *slog.Logger

	// TableName defaults to "kv".
	TableName string

	MaxOpenConns    int           // Default: 25
	MaxIdleConns    int           // Default: 5
	ConnMaxLifetime time.Duration // Default: 1h
	ConnMaxIdleTime time.Duration // Default: 5m
}

func (c *Config) setDefaults() {
	if c.TableName == "" {
		c.TableName = "kv"
	}
	if c.Logger == nil {
		c.Logger = logging.WithComponent(logging.Component(component)).Logger
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = time.Hour
	}
	if c.ConnMaxIdleTime == 0 {
		c.ConnMaxIdleTime = 5 * time.Minute
	}
	if c.EnableWAL && !strings.Contains(c.DataSourceName, "_journal_mode=") {
		sep := "?"
		if strings.Contains(c.DataSourceName, "?") {
			sep = "&"
		}
		c.DataSourceName += sep + "_journal_mode=WAL"
	}
}

// DefaultConfig returns a Config with WAL enabled and pool defaults.
func DefaultConfig(dataSourceName string) *Config {
	config := &Config{
		DataSourceName: dataSourceName,
		EnableWAL:      true,
	}
	config.setDefaults()
	return config
}

// NewWithDataSource is a convenience constructor
func NewWithDataSource(dataSourceName string) (*Store, error) {
	return New(DefaultConfig(dataSourceName))
}

// Store keeps values in a single key/value table.
type Store struct {
	db        *sql.DB
	mu        stdSync.RWMutex
	closed    bool
	logger    *slog.Logger
	tableName string
}

var _ storage.KeyValueStore = (*Store)(nil)

// New opens the database and creates the table if needed.
func New(config *Config) (*Store, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	config.setDefaults()

	if config.DataSourceName == "" {
		return nil, fmt.Errorf("DataSourceName is required")
	}
	if !validTableName.MatchString(config.TableName) {
		return nil, fmt.Errorf("invalid table name %q", config.TableName)
	}

	logger := config.Logger
	logger.Info("Opening SQLite database",
		slog.String("data_source", config.DataSourceName),
		slog.Bool("wal_enabled", config.EnableWAL),
	)

	db, err := sql.Open("sqlite3", config.DataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to sqlite database: %w", err)
	}

	store := &Store{
		db:        db,
		logger:    logger,
		tableName: config.TableName,
	}

	if err := store.setupSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to setup database schema: %w", err)
	}

	logger.Debug("SQLite store initialized", slog.String("table_name", config.TableName))
	return store, nil
}

func (s *Store) setupSchema() error {
	query := fmt.Sprintf(`
    CREATE TABLE IF NOT EXISTS %s (
        key         TEXT PRIMARY KEY,
        value       BLOB NOT NULL,
        updated_at  TIMESTAMP DEFAULT CURRENT_TIMESTAMP
    );`, s.tableName)
	_, err := s.db.Exec(query)
	return err
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return storage.ErrClosed
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var value []byte
	query := fmt.Sprintf(`SELECT value FROM %s WHERE key = ?`, s.tableName)
	err := s.db.QueryRowContext(ctx, query, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, syncErrors.WrapOpComponentCode(err, syncErrors.OpLoad, component, syncErrors.ErrCodeStorageFailure)
	}
	return value, nil
}

// Set upserts the value in its own transaction.
func (s *Store) Set(ctx context.Context, key string, value []byte) (err error) {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if value == nil {
		value = []byte{}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return syncErrors.WrapOpComponentCode(err, syncErrors.OpPersist, component, syncErrors.ErrCodeStorageFailure)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	query := fmt.Sprintf(`INSERT INTO %s (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
        ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`, s.tableName)
	if _, err = tx.ExecContext(ctx, query, key, value); err != nil {
		return syncErrors.WrapOpComponentCode(err, syncErrors.OpPersist, component, syncErrors.ErrCodeStorageFailure)
	}

	if err = tx.Commit(); err != nil {
		return syncErrors.WrapOpComponentCode(err, syncErrors.OpPersist, component, syncErrors.ErrCodeStorageFailure)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE key = ?`, s.tableName)
	if _, err := s.db.ExecContext(ctx, query, key); err != nil {
		return syncErrors.WrapOpComponentCode(err, syncErrors.OpPersist, component, syncErrors.ErrCodeStorageFailure)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Stats returns database statistics for monitoring
func (s *Store) Stats() sql.DBStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return sql.DBStats{}
	}
	return s.db.Stats()
}
