// Package schema converges the device's SQLite store onto the layout the sync
// engine expects. It is safe to run on every start and after restoring a
// backup: once converged, a run changes nothing.
package schema

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/erp/possync/internal/domain/shared"
	"github.com/erp/possync/internal/infrastructure/persistence"
)

// Report describes what a migration run changed
type Report struct {
	BaselineApplied  bool                `json:"baseline_applied"`
	AddedColumns     map[string][]string `json:"added_columns,omitempty"`
	BackfilledIDs    map[string]int64    `json:"backfilled_ids,omitempty"`
	ReassignedIDs    map[string]int64    `json:"reassigned_ids,omitempty"`
	CreatedIndexes   []string            `json:"created_indexes,omitempty"`
	CreatedChangeLog bool                `json:"created_change_log"`
}

// Changed reports whether the run modified the schema or any row
func (r *Report) Changed() bool {
	return r.BaselineApplied || r.CreatedChangeLog ||
		len(r.AddedColumns) > 0 || len(r.BackfilledIDs) > 0 ||
		len(r.ReassignedIDs) > 0 || len(r.CreatedIndexes) > 0
}

// BackfilledTotal returns the number of rows that received a new global id
func (r *Report) BackfilledTotal() int64 {
	var n int64
	for _, c := range r.BackfilledIDs {
		n += c
	}
	return n
}

// Migrator brings the local store up to date
type Migrator struct {
	db     *persistence.Database
	logger *zap.Logger
}

// NewMigrator creates a migrator for the local store
func NewMigrator(db *persistence.Database, logger *zap.Logger) *Migrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Migrator{db: db, logger: logger.Named("schema")}
}

// Migrate applies the versioned baseline, adds missing sync columns,
// backfills global ids, and makes sure the change log table exists.
func (m *Migrator) Migrate(ctx context.Context) (*Report, error) {
	if !m.db.IsSQLite() {
		return nil, fmt.Errorf("schema migrator requires sqlite, got %s", m.db.Driver)
	}
	report := &Report{
		AddedColumns:  map[string][]string{},
		BackfilledIDs: map[string]int64{},
		ReassignedIDs: map[string]int64{},
	}

	// The change log is checked before the baseline so a fresh store and a
	// restored one lacking the table are both reported as created.
	hadChangeLog, err := TableExists(ctx, m.db.DB, ChangeLogTable)
	if err != nil {
		return nil, err
	}

	if err := m.applyBaseline(report); err != nil {
		return nil, err
	}

	for _, table := range HybridTables {
		if err := m.migrateTable(ctx, table, report); err != nil {
			return nil, err
		}
	}

	if err := m.ensureChangeLog(ctx, report); err != nil {
		return nil, err
	}
	if !hadChangeLog {
		report.CreatedChangeLog = true
	}

	m.compact(report)
	if report.Changed() {
		m.logger.Info("Local schema migrated",
			zap.Bool("baseline_applied", report.BaselineApplied),
			zap.Any("added_columns", report.AddedColumns),
			zap.Any("backfilled_ids", report.BackfilledIDs),
			zap.Strings("created_indexes", report.CreatedIndexes),
			zap.Bool("created_change_log", report.CreatedChangeLog),
		)
	} else {
		m.logger.Debug("Local schema already converged")
	}
	return report, nil
}

func (m *Migrator) applyBaseline(report *Report) error {
	sqlDB, err := m.db.DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	versioned, err := NewVersioned(sqlDB, m.logger)
	if err != nil {
		return err
	}

	// An interrupted run leaves the version dirty. The baseline only uses
	// IF NOT EXISTS statements, so stepping back and re-applying is safe.
	version, dirty, err := versioned.Version()
	if err != nil {
		return err
	}
	if dirty {
		target := int(version) - 1
		if target < 1 {
			target = -1 // no version
		}
		if err := versioned.Force(target); err != nil {
			return err
		}
	}

	applied, err := versioned.Up()
	if err != nil {
		return err
	}
	report.BaselineApplied = applied
	return nil
}

func (m *Migrator) migrateTable(ctx context.Context, table string, report *Report) error {
	exists, err := TableExists(ctx, m.db.DB, table)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}

	missing, err := MissingColumns(ctx, m.db.DB, table)
	if err != nil {
		return err
	}
	for _, col := range missing {
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", quoteIdent(table), col.Name, col.Definition)
		if err := m.db.WithContext(ctx).Exec(stmt).Error; err != nil {
			return fmt.Errorf("failed to add column %s.%s: %w", table, col.Name, err)
		}
		report.AddedColumns[table] = append(report.AddedColumns[table], col.Name)
	}

	reassigned, err := reassignDuplicateIDs(ctx, m.db.DB, table)
	if err != nil {
		return err
	}
	if reassigned > 0 {
		report.ReassignedIDs[table] = reassigned
	}

	backfilled, err := BackfillGlobalIDs(ctx, m.db, table)
	if err != nil {
		return err
	}
	if backfilled > 0 {
		report.BackfilledIDs[table] = backfilled
	}

	index := globalIDIndex(table)
	hasIndex, err := IndexExists(ctx, m.db.DB, index)
	if err != nil {
		return err
	}
	if !hasIndex {
		stmt := fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (global_id)", index, quoteIdent(table))
		if err := m.db.WithContext(ctx).Exec(stmt).Error; err != nil {
			return fmt.Errorf("failed to create index %s: %w", index, err)
		}
		report.CreatedIndexes = append(report.CreatedIndexes, index)
	}
	return nil
}

func (m *Migrator) ensureChangeLog(ctx context.Context, report *Report) error {
	stmt := `CREATE TABLE IF NOT EXISTS sync_change_log (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    entity_type  TEXT NOT NULL,
    entity_id    TEXT NOT NULL,
    operation    TEXT NOT NULL,
    data_json    TEXT,
    status       TEXT NOT NULL DEFAULT 'pending',
    attempts     INTEGER NOT NULL DEFAULT 0,
    last_error   TEXT,
    created_at   DATETIME,
    updated_at   DATETIME
)`
	if err := m.db.WithContext(ctx).Exec(stmt).Error; err != nil {
		return fmt.Errorf("failed to create %s: %w", ChangeLogTable, err)
	}

	indexes := []struct{ name, columns string }{
		{"idx_sync_change_log_entity_status", "entity_type, status"},
		{"idx_sync_change_log_entity_id", "entity_id"},
	}
	for _, idx := range indexes {
		exists, err := IndexExists(ctx, m.db.DB, idx.name)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		stmt := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)", idx.name, ChangeLogTable, idx.columns)
		if err := m.db.WithContext(ctx).Exec(stmt).Error; err != nil {
			return fmt.Errorf("failed to create index %s: %w", idx.name, err)
		}
		report.CreatedIndexes = append(report.CreatedIndexes, idx.name)
	}
	return nil
}

// compact drops empty maps so a converged run serializes minimally
func (m *Migrator) compact(report *Report) {
	if len(report.AddedColumns) == 0 {
		report.AddedColumns = nil
	}
	if len(report.BackfilledIDs) == 0 {
		report.BackfilledIDs = nil
	}
	if len(report.ReassignedIDs) == 0 {
		report.ReassignedIDs = nil
	}
	sort.Strings(report.CreatedIndexes)
}

// BackfillGlobalIDs assigns a new global id to every row of table whose
// global_id is NULL or empty. Returns the number of rows updated.
func BackfillGlobalIDs(ctx context.Context, db *persistence.Database, table string) (int64, error) {
	var updated int64
	err := db.Transaction(ctx, func(tx *gorm.DB) error {
		var ids []uint
		err := tx.Table(table).
			Where("global_id IS NULL OR global_id = ''").
			Order("id").
			Pluck("id", &ids).Error
		if err != nil {
			return fmt.Errorf("failed to find rows without global id in %s: %w", table, err)
		}
		for _, id := range ids {
			res := tx.Table(table).Where("id = ?", id).Update("global_id", shared.NewGlobalID())
			if res.Error != nil {
				return fmt.Errorf("failed to backfill global id in %s: %w", table, res.Error)
			}
			updated += res.RowsAffected
		}
		return nil
	})
	return updated, err
}

// reassignDuplicateIDs gives every row but the oldest a fresh global id when
// several rows share one, which would otherwise block the unique index.
func reassignDuplicateIDs(ctx context.Context, db *gorm.DB, table string) (int64, error) {
	var dups []string
	err := db.WithContext(ctx).Table(table).
		Select("global_id").
		Where("global_id IS NOT NULL AND global_id <> ''").
		Group("global_id").
		Having("COUNT(*) > 1").
		Pluck("global_id", &dups).Error
	if err != nil {
		return 0, fmt.Errorf("failed to find duplicate global ids in %s: %w", table, err)
	}

	var reassigned int64
	for _, gid := range dups {
		var ids []uint
		if err := db.WithContext(ctx).Table(table).Where("global_id = ?", gid).Order("id").Pluck("id", &ids).Error; err != nil {
			return reassigned, err
		}
		for _, id := range ids[1:] {
			res := db.WithContext(ctx).Table(table).Where("id = ?", id).
				Updates(map[string]any{"global_id": shared.NewGlobalID(), "synced": false})
			if res.Error != nil {
				return reassigned, fmt.Errorf("failed to reassign global id in %s: %w", table, res.Error)
			}
			reassigned += res.RowsAffected
		}
	}
	return reassigned, nil
}
