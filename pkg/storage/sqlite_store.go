package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

// SQLiteStore persists policies, audit records and state transitions.
type SQLiteStore struct {
	db         *sql.DB
	dbPath     string
	backupDir  string
	backupKeep int
	metrics    *StorageMetrics
	mu         sync.RWMutex
	closed     bool
	done       chan struct{}
	wg         sync.WaitGroup
}

// StorageMetrics tracks storage usage.
type StorageMetrics struct {
	QueryCount       int64
	TransactionCount int64
	ErrorCount       int64
	BackupCount      int64
	LastBackup       time.Time
	mu               sync.RWMutex
}

// Transaction wraps a database transaction.
type Transaction struct {
	tx     *sql.Tx
	store  *SQLiteStore
	active bool
	mu     sync.Mutex
}

// Config holds SQLiteStore configuration
type Config struct {
	DatabasePath    string
	BackupDir       string
	BackupKeep      int
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	EnableBackup    bool
	BackupInterval  time.Duration
}

// DefaultConfig returns default SQLite configuration
func DefaultConfig() *Config {
	return &Config{
		DatabasePath:    "sandboxd.db",
		BackupDir:       "backups",
		BackupKeep:      7,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 10 * time.Minute,
		EnableBackup:    false,
		BackupInterval:  24 * time.Hour,
	}
}

// NewSQLiteStore opens the database at config.DatabasePath and applies
// pending migrations.
func NewSQLiteStore(config *Config) (*SQLiteStore, error) {
	if config == nil {
		config = DefaultConfig()
	}

	if err := os.MkdirAll(filepath.Dir(config.DatabasePath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	if config.EnableBackup {
		if err := os.MkdirAll(config.BackupDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create backup directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000", config.DatabasePath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	keep := config.BackupKeep
	if keep <= 0 {
		keep = 7
	}
	store := &SQLiteStore{
		db:         db,
		dbPath:     config.DatabasePath,
		backupDir:  config.BackupDir,
		backupKeep: keep,
		metrics:    &StorageMetrics{},
		done:       make(chan struct{}),
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	ctx := context.Background()
	if err := NewMigrator(store).Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	if config.EnableBackup && config.BackupInterval > 0 {
		store.wg.Add(1)
		go store.startBackupScheduler(config.BackupInterval)
	}

	log.Info().
		Str("database_path", config.DatabasePath).
		Int("max_open_conns", config.MaxOpenConns).
		Msg("SQLite store initialized successfully")

	return store, nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string { return s.dbPath }

func (s *SQLiteStore) countQuery(err error) {
	s.metrics.mu.Lock()
	s.metrics.QueryCount++
	if err != nil {
		s.metrics.ErrorCount++
	}
	s.metrics.mu.Unlock()
}

// BeginTransaction starts a new database transaction
func (s *SQLiteStore) BeginTransaction(ctx context.Context) (*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	s.metrics.mu.Lock()
	if err != nil {
		s.metrics.ErrorCount++
	} else {
		s.metrics.TransactionCount++
	}
	s.metrics.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	return &Transaction{tx: tx, store: s, active: true}, nil
}

// Commit commits the transaction
func (t *Transaction) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.active {
		return fmt.Errorf("transaction is not active")
	}
	err := t.tx.Commit()
	t.active = false
	if err != nil {
		t.store.countQuery(err)
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Rollback rolls back the transaction. Rolling back a finished
// transaction is a no-op.
func (t *Transaction) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.active {
		return nil
	}
	err := t.tx.Rollback()
	t.active = false
	if err != nil {
		return fmt.Errorf("failed to rollback transaction: %w", err)
	}
	return nil
}

// Exec executes a statement within the transaction
func (t *Transaction) Exec(query string, args ...interface{}) (sql.Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.active {
		return nil, fmt.Errorf("transaction is not active")
	}
	result, err := t.tx.Exec(query, args...)
	t.store.countQuery(err)
	return result, err
}

// Query executes a query within the transaction
func (t *Transaction) Query(query string, args ...interface{}) (*sql.Rows, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.active {
		return nil, fmt.Errorf("transaction is not active")
	}
	rows, err := t.tx.Query(query, args...)
	t.store.countQuery(err)
	return rows, err
}

// Exec executes a statement outside a transaction
func (s *SQLiteStore) Exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}
	result, err := s.db.ExecContext(ctx, query, args...)
	s.countQuery(err)
	return result, err
}

// Query executes a query outside a transaction
func (s *SQLiteStore) Query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	s.countQuery(err)
	return rows, err
}

// QueryRow executes a single-row query
func (s *SQLiteStore) QueryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	s.mu.RLock()
	defer s.mu.RUnlock()

	s.countQuery(nil)
	return s.db.QueryRowContext(ctx, query, args...)
}

// GetMetrics returns a copy of the usage counters
func (s *SQLiteStore) GetMetrics() StorageMetrics {
	s.metrics.mu.RLock()
	defer s.metrics.mu.RUnlock()

	return StorageMetrics{
		QueryCount:       s.metrics.QueryCount,
		TransactionCount: s.metrics.TransactionCount,
		ErrorCount:       s.metrics.ErrorCount,
		BackupCount:      s.metrics.BackupCount,
		LastBackup:       s.metrics.LastBackup,
	}
}

// Close stops the backup scheduler and closes the database
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	db := s.db
	s.mu.Unlock()

	s.wg.Wait()

	if err := db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	log.Info().Str("database_path", s.dbPath).Msg("SQLite store closed successfully")
	return nil
}

func (s *SQLiteStore) startBackupScheduler(interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := s.Backup(context.Background()); err != nil {
				log.Error().Err(err).Msg("Scheduled backup failed")
			}
		case <-s.done:
			return
		}
	}
}

// Backup writes a consistent copy of the database into the backup
// directory and prunes old copies. It returns the backup path.
func (s *SQLiteStore) Backup(ctx context.Context) (string, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return "", fmt.Errorf("store is closed")
	}
	db := s.db
	backupDir := s.backupDir
	s.mu.RUnlock()

	if err := os.MkdirAll(backupDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}
	backupPath := filepath.Join(backupDir, fmt.Sprintf("sandboxd_%s.db", time.Now().UTC().Format("20060102_150405.000000000")))

	if _, err := db.ExecContext(ctx, "VACUUM INTO ?", backupPath); err != nil {
		s.countQuery(err)
		return "", fmt.Errorf("failed to create backup: %w", err)
	}

	s.metrics.mu.Lock()
	s.metrics.BackupCount++
	s.metrics.LastBackup = time.Now()
	s.metrics.mu.Unlock()

	log.Info().Str("backup_path", backupPath).Msg("Database backup created successfully")

	s.cleanupOldBackups(s.backupKeep)
	return backupPath, nil
}

// cleanupOldBackups keeps the newest keepCount backups. Backup names sort
// chronologically.
func (s *SQLiteStore) cleanupOldBackups(keepCount int) {
	files, err := filepath.Glob(filepath.Join(s.backupDir, "sandboxd_*.db"))
	if err != nil {
		log.Warn().Err(err).Msg("Failed to list backup files")
		return
	}
	if len(files) <= keepCount {
		return
	}

	sort.Strings(files)
	for _, f := range files[:len(files)-keepCount] {
		if err := os.Remove(f); err != nil {
			log.Warn().Err(err).Str("backup_path", f).Msg("Failed to remove old backup")
		}
	}
}

// Vacuum reclaims unused space
func (s *SQLiteStore) Vacuum(ctx context.Context) error {
	if _, err := s.Exec(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("failed to vacuum database: %w", err)
	}
	return nil
}

// CheckIntegrity runs the SQLite integrity check
func (s *SQLiteStore) CheckIntegrity(ctx context.Context) error {
	var result string
	if err := s.QueryRow(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("failed to check integrity: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("database integrity check failed: %s", result)
	}
	return nil
}
