package schema

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

// ErrSchemaDrift marks a local statement that failed because a sync column
// or table is missing, typically after a stale backup was restored.
var ErrSchemaDrift = errors.New("local schema is missing sync columns or tables")

// ChangeLogTable is the outbox table
const ChangeLogTable = "sync_change_log"

// Column is a sync column every hybrid table must carry
type Column struct {
	Name       string
	Definition string
}

// HybridTables are the local tables augmented with sync metadata
var HybridTables = []string{"products", "customers", "users", "sales"}

// SyncColumns are added to a hybrid table when missing. Definitions must be
// valid for ALTER TABLE ADD COLUMN, so NOT NULL columns carry a default.
var SyncColumns = []Column{
	{Name: "global_id", Definition: "TEXT"},
	{Name: "synced", Definition: "INTEGER NOT NULL DEFAULT 0"},
	{Name: "active", Definition: "INTEGER NOT NULL DEFAULT 1"},
	{Name: "created_at", Definition: "DATETIME"},
	{Name: "updated_at", Definition: "DATETIME"},
}

type columnInfo struct {
	Cid       int     `gorm:"column:cid"`
	Name      string  `gorm:"column:name"`
	Type      string  `gorm:"column:type"`
	NotNull   int     `gorm:"column:notnull"`
	DfltValue *string `gorm:"column:dflt_value"`
	Pk        int     `gorm:"column:pk"`
}

// TableExists reports whether a table exists in the SQLite catalog
func TableExists(ctx context.Context, db *gorm.DB, table string) (bool, error) {
	var count int64
	err := db.WithContext(ctx).
		Raw("SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", table).
		Scan(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to look up table %s: %w", table, err)
	}
	return count > 0, nil
}

// IndexExists reports whether an index exists in the SQLite catalog
func IndexExists(ctx context.Context, db *gorm.DB, index string) (bool, error) {
	var count int64
	err := db.WithContext(ctx).
		Raw("SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name = ?", index).
		Scan(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to look up index %s: %w", index, err)
	}
	return count > 0, nil
}

// Columns returns the column names of a table using PRAGMA table_info.
// A missing table yields an empty set.
func Columns(ctx context.Context, db *gorm.DB, table string) (map[string]struct{}, error) {
	var infos []columnInfo
	if err := db.WithContext(ctx).Raw("PRAGMA table_info(" + quoteIdent(table) + ")").Scan(&infos).Error; err != nil {
		return nil, fmt.Errorf("failed to inspect table %s: %w", table, err)
	}
	cols := make(map[string]struct{}, len(infos))
	for _, info := range infos {
		cols[strings.ToLower(info.Name)] = struct{}{}
	}
	return cols, nil
}

// MissingColumns returns the sync columns a table lacks, in SyncColumns order
func MissingColumns(ctx context.Context, db *gorm.DB, table string) ([]Column, error) {
	cols, err := Columns(ctx, db, table)
	if err != nil {
		return nil, err
	}
	var missing []Column
	for _, c := range SyncColumns {
		if _, ok := cols[c.Name]; !ok {
			missing = append(missing, c)
		}
	}
	return missing, nil
}

// IsDrift reports whether err was caused by a missing sync column or table
func IsDrift(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrSchemaDrift) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no such column") ||
		strings.Contains(msg, "no such table") ||
		strings.Contains(msg, "has no column named")
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func globalIDIndex(table string) string {
	return "idx_" + table + "_global_id"
}
