package migrations

import (
	"database/sql"
	"fmt"
	"sort"
	"time"

	migrate "github.com/rubenv/sql-migrate"
)

const (
	migrationTableName = "schema_migrations"
	dialect            = "postgres"
)

var allMigrations []*Migration

// Migration is a versioned change of the database schema.
type Migration struct {
	*migrate.Migration
}

// appendMigration registers a migration. Migrations are applied in ascending ID order.
func appendMigration(m *Migration) {
	allMigrations = append(allMigrations, m)
}

// All returns all known migrations, sorted by ID.
func All() []*Migration {
	mm := make([]*Migration, len(allMigrations))
	copy(mm, allMigrations)
	sort.Slice(mm, func(i, j int) bool { return mm[i].Id < mm[j].Id })
	return mm
}

// Migrator applies and reverts migrations against a database.
type Migrator struct {
	db         *sql.DB
	migrations []*Migration
	set        *migrate.MigrationSet
}

// NewMigrator creates a Migrator for all known migrations.
func NewMigrator(db *sql.DB) *Migrator {
	return &Migrator{
		db:         db,
		migrations: All(),
		set:        &migrate.MigrationSet{TableName: migrationTableName},
	}
}

func (m *Migrator) source() *migrate.MemoryMigrationSource {
	src := &migrate.MemoryMigrationSource{}
	for _, mig := range m.migrations {
		src.Migrations = append(src.Migrations, mig.Migration)
	}
	return src
}

// Up applies all pending migrations. Returns the number of applied migrations.
func (m *Migrator) Up() (int, error) {
	return m.UpN(0)
}

// UpN applies up to n pending migrations. All pending migrations are applied if n is 0.
func (m *Migrator) UpN(n int) (int, error) {
	return m.set.ExecMax(m.db, dialect, m.source(), migrate.Up, n)
}

// UpNPlan returns the IDs of the migrations UpN would apply.
func (m *Migrator) UpNPlan(n int) ([]string, error) {
	return m.plan(migrate.Up, n)
}

// Down reverts all applied migrations. Returns the number of reverted migrations.
func (m *Migrator) Down() (int, error) {
	return m.DownN(0)
}

// DownN reverts up to n applied migrations. All applied migrations are reverted if n is 0.
func (m *Migrator) DownN(n int) (int, error) {
	return m.set.ExecMax(m.db, dialect, m.source(), migrate.Down, n)
}

// DownNPlan returns the IDs of the migrations DownN would revert.
func (m *Migrator) DownNPlan(n int) ([]string, error) {
	return m.plan(migrate.Down, n)
}

func (m *Migrator) plan(direction migrate.MigrationDirection, n int) ([]string, error) {
	planned, _, err := m.set.PlanMigration(m.db, dialect, m.source(), direction, n)
	if err != nil {
		return nil, fmt.Errorf("planning migrations: %w", err)
	}

	ids := make([]string, 0, len(planned))
	for _, p := range planned {
		ids = append(ids, p.Id)
	}
	return ids, nil
}

// Version returns the ID of the last applied migration, or an empty string if none was applied.
func (m *Migrator) Version() (string, error) {
	records, err := m.set.GetMigrationRecords(m.db, dialect)
	if err != nil {
		return "", fmt.Errorf("reading migration records: %w", err)
	}
	if len(records) == 0 {
		return "", nil
	}

	return records[len(records)-1].Id, nil
}

// MigrationStatus describes whether a migration was applied.
type MigrationStatus struct {
	// Unknown is true for applied migrations that are not known to this version of backfila.
	Unknown   bool
	AppliedAt *time.Time
}

// Status returns the status of all known and applied migrations, keyed by migration ID.
func (m *Migrator) Status() (map[string]*MigrationStatus, error) {
	records, err := m.set.GetMigrationRecords(m.db, dialect)
	if err != nil {
		return nil, fmt.Errorf("reading migration records: %w", err)
	}

	statuses := make(map[string]*MigrationStatus, len(m.migrations))
	for _, mig := range m.migrations {
		statuses[mig.Id] = &MigrationStatus{}
	}

	for _, r := range records {
		appliedAt := r.AppliedAt
		if s, ok := statuses[r.Id]; ok {
			s.AppliedAt = &appliedAt
			continue
		}
		statuses[r.Id] = &MigrationStatus{Unknown: true, AppliedAt: &appliedAt}
	}

	return statuses, nil
}
