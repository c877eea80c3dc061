// Package recovery detects and repairs a local store that was restored from
// a backup taken before synchronization existed, or before its last schema
// change.
package recovery

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/erp/possync/internal/infrastructure/persistence"
	"github.com/erp/possync/internal/infrastructure/schema"
)

// Report is the result of a detection pass. Structural problems (missing
// tables or columns) set NeedsRecovery; row-level findings only add warnings.
type Report struct {
	CheckedAt        time.Time           `json:"checked_at"`
	MissingChangeLog bool                `json:"missing_change_log"`
	MissingTables    []string            `json:"missing_tables,omitempty"`
	MissingColumns   map[string][]string `json:"missing_columns"`
	MissingGlobalIDs map[string]int64    `json:"missing_global_ids"`
	UnsyncedRows     map[string]int64    `json:"unsynced_rows"`
	EmptyTimestamps  map[string]int64    `json:"empty_timestamps"`
	NeedsRecovery    bool                `json:"needs_recovery"`
	Warnings         []string            `json:"warnings"`
}

// Fresh reports whether the store is simply empty: no change log and none
// of the hybrid tables. Such a store needs initialization, not recovery.
func (r *Report) Fresh() bool {
	return r.MissingChangeLog && len(r.MissingTables) == len(schema.HybridTables)
}

func newReport() *Report {
	return &Report{
		CheckedAt:        time.Now().UTC(),
		MissingColumns:   map[string][]string{},
		MissingGlobalIDs: map[string]int64{},
		UnsyncedRows:     map[string]int64{},
		EmptyTimestamps:  map[string]int64{},
		Warnings:         []string{},
	}
}

// Detector inspects the local store without modifying it
type Detector struct {
	db     *persistence.Database
	logger *zap.Logger
}

// NewDetector creates a detector for the local store
func NewDetector(db *persistence.Database, logger *zap.Logger) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{db: db, logger: logger.Named("recovery")}
}

// Detect inspects the change log table and every hybrid table
func (d *Detector) Detect(ctx context.Context) (*Report, error) {
	report := newReport()
	gdb := d.db.DB.WithContext(ctx)

	hasLog, err := schema.TableExists(ctx, gdb, schema.ChangeLogTable)
	if err != nil {
		return nil, err
	}
	report.MissingChangeLog = !hasLog

	for _, table := range schema.HybridTables {
		if err := d.inspectTable(ctx, gdb, table, report); err != nil {
			return nil, err
		}
	}

	report.NeedsRecovery = report.MissingChangeLog || len(report.MissingTables) > 0 || len(report.MissingColumns) > 0
	d.addWarnings(report)

	fields := []zap.Field{
		zap.Bool("needs_recovery", report.NeedsRecovery),
		zap.Bool("missing_change_log", report.MissingChangeLog),
		zap.Any("missing_columns", report.MissingColumns),
		zap.Strings("missing_tables", report.MissingTables),
	}
	switch {
	case report.Fresh():
		d.logger.Info("Local store is empty", fields...)
	case report.NeedsRecovery:
		d.logger.Warn("Local store looks like a stale backup", fields...)
	default:
		d.logger.Debug("Local store structure is complete", fields...)
	}
	return report, nil
}

func (d *Detector) inspectTable(ctx context.Context, gdb *gorm.DB, table string, report *Report) error {
	exists, err := schema.TableExists(ctx, gdb, table)
	if err != nil {
		return err
	}
	if !exists {
		report.MissingTables = append(report.MissingTables, table)
		return nil
	}

	cols, err := schema.Columns(ctx, gdb, table)
	if err != nil {
		return err
	}
	var missing []string
	for _, c := range schema.SyncColumns {
		if _, ok := cols[c.Name]; !ok {
			missing = append(missing, c.Name)
		}
	}
	if len(missing) > 0 {
		report.MissingColumns[table] = missing
	}
	has := func(name string) bool {
		_, ok := cols[name]
		return ok
	}

	total, err := count(gdb, table, "")
	if err != nil {
		return err
	}

	// a missing column means every row lacks the value
	ids := total
	if has("global_id") {
		if ids, err = count(gdb, table, "global_id IS NULL OR global_id = ''"); err != nil {
			return err
		}
	}
	unsynced := total
	if has("synced") {
		if unsynced, err = count(gdb, table, "synced = 0 OR synced IS NULL"); err != nil {
			return err
		}
	}
	stamps := total
	if has("created_at") && has("updated_at") {
		if stamps, err = count(gdb, table, emptyTimestampCondition); err != nil {
			return err
		}
	}

	if ids > 0 {
		report.MissingGlobalIDs[table] = ids
	}
	if unsynced > 0 {
		report.UnsyncedRows[table] = unsynced
	}
	if stamps > 0 {
		report.EmptyTimestamps[table] = stamps
	}
	return nil
}

const emptyTimestampCondition = "created_at IS NULL OR created_at = '' OR updated_at IS NULL OR updated_at = ''"

func count(gdb *gorm.DB, table, where string) (int64, error) {
	var n int64
	q := gdb.Table(table)
	if where != "" {
		q = q.Where(where)
	}
	if err := q.Count(&n).Error; err != nil {
		return 0, fmt.Errorf("failed to count rows of %s: %w", table, err)
	}
	return n, nil
}

func (d *Detector) addWarnings(report *Report) {
	warn := func(m map[string]int64, what string) {
		tables := make([]string, 0, len(m))
		for t := range m {
			tables = append(tables, t)
		}
		sort.Strings(tables)
		for _, t := range tables {
			report.Warnings = append(report.Warnings, fmt.Sprintf("%s: %d %s", t, m[t], what))
		}
	}
	warn(report.UnsyncedRows, "rows not confirmed by the central server")
	warn(report.MissingGlobalIDs, "rows without a global id")
	warn(report.EmptyTimestamps, "rows with empty timestamps")
}
