package recovery

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/erp/possync/internal/infrastructure/persistence"
	"github.com/erp/possync/internal/infrastructure/schema"
	"github.com/erp/possync/internal/infrastructure/storage"
)

// RepairReport describes what a repair changed
type RepairReport struct {
	Before            *Report          `json:"before"`
	Snapshot          string           `json:"snapshot,omitempty"`
	Migration         *schema.Report   `json:"migration"`
	BackfilledIDs     map[string]int64 `json:"backfilled_ids,omitempty"`
	StampedTimestamps map[string]int64 `json:"stamped_timestamps,omitempty"`
	After             *Report          `json:"after"`
}

// RepairOptions configures a Repairer
type RepairOptions struct {
	DeviceID string
	// Snapshot copies the store to the backup store before touching it
	Snapshot bool
	Logger   *zap.Logger
}

// Repairer brings a restored store back to a consistent shape. It is only
// ever run on operator request.
type Repairer struct {
	db       *persistence.Database
	migrator *schema.Migrator
	detector *Detector
	store    storage.BackupStore
	deviceID string
	snapshot bool
	logger   *zap.Logger
	now      func() time.Time
}

// NewRepairer creates a repairer. store may be nil when snapshots are off.
func NewRepairer(db *persistence.Database, migrator *schema.Migrator, store storage.BackupStore, opts RepairOptions) *Repairer {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Repairer{
		db:       db,
		migrator: migrator,
		detector: NewDetector(db, log),
		store:    store,
		deviceID: opts.DeviceID,
		snapshot: opts.Snapshot && store != nil,
		logger:   log.Named("recovery"),
		now:      time.Now,
	}
}

// Repair snapshots the store when configured, re-runs the migrator,
// backfills identifiers, stamps empty timestamps and detects again.
func (r *Repairer) Repair(ctx context.Context) (*RepairReport, error) {
	before, err := r.detector.Detect(ctx)
	if err != nil {
		return nil, err
	}
	out := &RepairReport{
		Before:            before,
		BackfilledIDs:     map[string]int64{},
		StampedTimestamps: map[string]int64{},
	}

	if r.snapshot {
		location, err := r.takeSnapshot(ctx)
		if err != nil {
			return nil, fmt.Errorf("pre-repair snapshot failed, store left untouched: %w", err)
		}
		out.Snapshot = location
		r.logger.Info("Pre-repair snapshot stored", zap.String("location", location))
	}

	if out.Migration, err = r.migrator.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("failed to migrate local store: %w", err)
	}
	for table, n := range out.Migration.BackfilledIDs {
		out.BackfilledIDs[table] += n
	}

	now := r.now().UTC()
	for _, table := range schema.HybridTables {
		n, err := schema.BackfillGlobalIDs(ctx, r.db, table)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			out.BackfilledIDs[table] += n
		}

		res := r.db.WithContext(ctx).Exec(
			"UPDATE "+table+" SET "+
				"created_at = CASE WHEN created_at IS NULL OR created_at = '' THEN ? ELSE created_at END, "+
				"updated_at = CASE WHEN updated_at IS NULL OR updated_at = '' THEN ? ELSE updated_at END "+
				"WHERE "+emptyTimestampCondition, now, now)
		if res.Error != nil {
			return nil, fmt.Errorf("failed to stamp timestamps of %s: %w", table, res.Error)
		}
		if res.RowsAffected > 0 {
			out.StampedTimestamps[table] = res.RowsAffected
		}
	}

	if out.After, err = r.detector.Detect(ctx); err != nil {
		return nil, err
	}
	r.logger.Info("Local store repaired",
		zap.Any("backfilled_ids", out.BackfilledIDs),
		zap.Any("stamped_timestamps", out.StampedTimestamps),
		zap.Bool("needs_recovery", out.After.NeedsRecovery),
	)
	return out, nil
}

// takeSnapshot copies the live store with VACUUM INTO and uploads the copy
func (r *Repairer) takeSnapshot(ctx context.Context) (string, error) {
	dir, err := os.MkdirTemp("", "possync-snapshot-")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "snapshot.db")
	quoted := "'" + strings.ReplaceAll(path, "'", "''") + "'"
	if err := r.db.WithContext(ctx).Exec("VACUUM INTO " + quoted).Error; err != nil {
		return "", fmt.Errorf("failed to copy local store: %w", err)
	}

	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	return r.store.Put(ctx, storage.SnapshotKey(r.deviceID, r.now()), f, info.Size())
}
