package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog/log"
)

// Migration is one schema step.
type Migration struct {
	Version     int      `json:"version"`
	Description string   `json:"description"`
	Up          []string `json:"up"`
	Down        []string `json:"down"`
	Checksum    string   `json:"checksum"`
}

// MigrationStatus describes an applied migration.
type MigrationStatus struct {
	Version     int       `json:"version"`
	Description string    `json:"description"`
	Checksum    string    `json:"checksum"`
	AppliedAt   time.Time `json:"applied_at"`
}

// Migrator applies and rolls back schema migrations.
type Migrator struct {
	store      *SQLiteStore
	migrations []Migration
}

// NewMigrator creates a migrator with every known migration registered.
func NewMigrator(store *SQLiteStore) *Migrator {
	m := &Migrator{store: store}
	m.registerMigrations()
	return m
}

func (m *Migrator) registerMigrations() {
	m.add(Migration{
		Version:     1,
		Description: "Policies and state transitions",
		Up: []string{
			`CREATE TABLE IF NOT EXISTS policies (
				name TEXT PRIMARY KEY,
				id TEXT NOT NULL,
				sandbox_type TEXT NOT NULL,
				document TEXT NOT NULL,
				created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
				updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
			)`,
			`CREATE TABLE IF NOT EXISTS state_transitions (
				id TEXT PRIMARY KEY,
				sandbox_id TEXT NOT NULL,
				sandbox_name TEXT NOT NULL,
				from_state TEXT NOT NULL,
				to_state TEXT NOT NULL,
				reason TEXT,
				error_message TEXT,
				occurred_at TIMESTAMP NOT NULL
			)`,
			"CREATE INDEX IF NOT EXISTS idx_state_transitions_sandbox ON state_transitions(sandbox_id, occurred_at)",
		},
		Down: []string{
			"DROP INDEX IF EXISTS idx_state_transitions_sandbox",
			"DROP TABLE IF EXISTS state_transitions",
			"DROP TABLE IF EXISTS policies",
		},
	})

	m.add(Migration{
		Version:     2,
		Description: "Audit records",
		Up: []string{
			`CREATE TABLE IF NOT EXISTS audit_records (
				id TEXT PRIMARY KEY,
				sequence INTEGER NOT NULL,
				sandbox_id TEXT NOT NULL,
				sandbox_name TEXT NOT NULL,
				policy TEXT,
				state TEXT,
				kind TEXT NOT NULL,
				severity TEXT NOT NULL,
				subject TEXT,
				pid INTEGER,
				detail INTEGER,
				description TEXT,
				response TEXT NOT NULL,
				signature TEXT,
				occurred_at TIMESTAMP NOT NULL
			)`,
			"CREATE INDEX IF NOT EXISTS idx_audit_records_sandbox ON audit_records(sandbox_id, sequence)",
			"CREATE INDEX IF NOT EXISTS idx_audit_records_name ON audit_records(sandbox_name, sequence)",
			"CREATE INDEX IF NOT EXISTS idx_audit_records_kind ON audit_records(kind)",
		},
		Down: []string{
			"DROP INDEX IF EXISTS idx_audit_records_kind",
			"DROP INDEX IF EXISTS idx_audit_records_name",
			"DROP INDEX IF EXISTS idx_audit_records_sandbox",
			"DROP TABLE IF EXISTS audit_records",
		},
	})
}

func (m *Migrator) add(migration Migration) {
	migration.Checksum = calculateChecksum(&migration)
	m.migrations = append(m.migrations, migration)
}

func calculateChecksum(migration *Migration) string {
	hasher := sha256.New()
	fmt.Fprintf(hasher, "%d:%s:", migration.Version, migration.Description)
	for _, stmt := range migration.Up {
		hasher.Write([]byte(stmt))
	}
	for _, stmt := range migration.Down {
		hasher.Write([]byte(stmt))
	}
	return hex.EncodeToString(hasher.Sum(nil))
}

// Migrations returns the registered migrations in version order.
func (m *Migrator) Migrations() []Migration {
	return slices.Clone(m.migrations)
}

func (m *Migrator) ensureTable(ctx context.Context) error {
	_, err := m.store.Exec(ctx, `CREATE TABLE IF NOT EXISTS migrations (
		version INTEGER PRIMARY KEY,
		description TEXT,
		checksum TEXT NOT NULL,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}
	return nil
}

// GetAppliedMigrations returns the applied migrations in version order.
func (m *Migrator) GetAppliedMigrations(ctx context.Context) ([]MigrationStatus, error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, err
	}

	rows, err := m.store.Query(ctx, "SELECT version, description, checksum, applied_at FROM migrations ORDER BY version ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	defer rows.Close()

	var applied []MigrationStatus
	for rows.Next() {
		var status MigrationStatus
		if err := rows.Scan(&status.Version, &status.Description, &status.Checksum, &status.AppliedAt); err != nil {
			return nil, fmt.Errorf("failed to scan migration status: %w", err)
		}
		applied = append(applied, status)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return applied, nil
}

func (m *Migrator) appliedVersions(ctx context.Context) ([]int, error) {
	applied, err := m.GetAppliedMigrations(ctx)
	if err != nil {
		return nil, err
	}
	versions := make([]int, 0, len(applied))
	for _, a := range applied {
		versions = append(versions, a.Version)
	}
	return versions, nil
}

// GetPendingMigrations returns migrations that have not been applied.
func (m *Migrator) GetPendingMigrations(ctx context.Context) ([]Migration, error) {
	versions, err := m.appliedVersions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get applied versions: %w", err)
	}

	var pending []Migration
	for _, migration := range m.migrations {
		if !slices.Contains(versions, migration.Version) {
			pending = append(pending, migration)
		}
	}
	return pending, nil
}

// Migrate applies all pending migrations
func (m *Migrator) Migrate(ctx context.Context) error {
	if err := m.ValidateMigrations(ctx); err != nil {
		return err
	}

	pending, err := m.GetPendingMigrations(ctx)
	if err != nil {
		return fmt.Errorf("failed to get pending migrations: %w", err)
	}
	if len(pending) == 0 {
		log.Debug().Msg("No pending migrations found")
		return nil
	}

	for i := range pending {
		if err := m.applyMigration(ctx, &pending[i]); err != nil {
			return fmt.Errorf("failed to apply migration %d: %w", pending[i].Version, err)
		}
		log.Info().
			Int("version", pending[i].Version).
			Str("description", pending[i].Description).
			Msg("Migration applied successfully")
	}
	return nil
}

func (m *Migrator) applyMigration(ctx context.Context, migration *Migration) error {
	tx, err := m.store.BeginTransaction(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for i, statement := range migration.Up {
		if _, err := tx.Exec(statement); err != nil {
			return fmt.Errorf("failed to execute statement %d: %w", i+1, err)
		}
	}

	_, err = tx.Exec("INSERT INTO migrations (version, description, checksum) VALUES (?, ?, ?)",
		migration.Version, migration.Description, migration.Checksum)
	if err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}
	return tx.Commit()
}

// Rollback undoes applied migrations newer than targetVersion, newest first.
func (m *Migrator) Rollback(ctx context.Context, targetVersion int) error {
	versions, err := m.appliedVersions(ctx)
	if err != nil {
		return fmt.Errorf("failed to get applied versions: %w", err)
	}

	for i := len(m.migrations) - 1; i >= 0; i-- {
		migration := m.migrations[i]
		if migration.Version <= targetVersion || !slices.Contains(versions, migration.Version) {
			continue
		}
		if err := m.rollbackMigration(ctx, &migration); err != nil {
			return fmt.Errorf("failed to rollback migration %d: %w", migration.Version, err)
		}
		log.Info().
			Int("version", migration.Version).
			Str("description", migration.Description).
			Msg("Migration rolled back successfully")
	}
	return nil
}

func (m *Migrator) rollbackMigration(ctx context.Context, migration *Migration) error {
	tx, err := m.store.BeginTransaction(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for i, statement := range migration.Down {
		if _, err := tx.Exec(statement); err != nil {
			return fmt.Errorf("failed to execute rollback statement %d: %w", i+1, err)
		}
	}
	if _, err := tx.Exec("DELETE FROM migrations WHERE version = ?", migration.Version); err != nil {
		return fmt.Errorf("failed to remove migration record: %w", err)
	}
	return tx.Commit()
}

// ValidateMigrations fails when an applied migration no longer matches
// the registered one.
func (m *Migrator) ValidateMigrations(ctx context.Context) error {
	applied, err := m.GetAppliedMigrations(ctx)
	if err != nil {
		return fmt.Errorf("failed to get applied migrations: %w", err)
	}

	for _, a := range applied {
		idx := slices.IndexFunc(m.migrations, func(r Migration) bool { return r.Version == a.Version })
		if idx < 0 {
			log.Warn().Int("version", a.Version).Msg("Applied migration not found in registered migrations")
			continue
		}
		if want := m.migrations[idx].Checksum; a.Checksum != want {
			return fmt.Errorf("migration %d checksum mismatch: expected %s, got %s", a.Version, want, a.Checksum)
		}
	}
	return nil
}

// CurrentVersion returns the highest applied version, 0 for an empty
// database.
func (m *Migrator) CurrentVersion(ctx context.Context) (int, error) {
	versions, err := m.appliedVersions(ctx)
	if err != nil {
		return 0, err
	}
	if len(versions) == 0 {
		return 0, nil
	}
	return versions[len(versions)-1], nil
}
