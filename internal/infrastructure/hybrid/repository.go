package hybrid

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/erp/possync/internal/domain/shared"
	"github.com/erp/possync/internal/infrastructure/changelog"
	"github.com/erp/possync/internal/infrastructure/logger"
	"github.com/erp/possync/internal/infrastructure/persistence"
	"github.com/erp/possync/internal/infrastructure/remote"
	"github.com/erp/possync/internal/infrastructure/schema"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Options configures a Repository
type Options struct {
	// CollapsePending replays only the latest pending entry per entity
	CollapsePending bool
	// DeviceID prefixes the idempotency key of replayed entries
	DeviceID string
	// Healer, when set, repairs the local schema on column drift
	Healer Healer
	Logger *zap.Logger
}

// Repository is the offline-first repository of one entity type. Reads
// prefer the central server and fall back to the local store; writes land
// locally first and are pushed immediately when possible, otherwise queued
// in the change log.
type Repository[T shared.Hybrid, D Payload] struct {
	db       *persistence.Database
	remote   Remote
	changes  *changelog.GormRepository
	m        Mapping[T, D]
	healer   Healer
	collapse bool
	deviceID string
	logger   *zap.Logger
}

// NewRepository creates a repository for the entity described by m
func NewRepository[T shared.Hybrid, D Payload](db *persistence.Database, client Remote, m Mapping[T, D], opts Options) *Repository[T, D] {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Repository[T, D]{
		db:       db,
		remote:   client,
		changes:  changelog.NewGormRepository(db.DB),
		m:        m,
		healer:   opts.Healer,
		collapse: opts.CollapsePending,
		deviceID: opts.DeviceID,
		logger:   log.With(zap.String("entity", string(m.EntityType))),
	}
}

// EntityType returns the entity type served by the repository
func (r *Repository[T, D]) EntityType() shared.EntityType {
	return r.m.EntityType
}

// Changes exposes the change log the repository writes to
func (r *Repository[T, D]) Changes() *changelog.GormRepository {
	return r.changes
}

func (r *Repository[T, D]) log(ctx context.Context) *zap.Logger {
	if run := logger.GetSyncRun(ctx); run != "" {
		return r.logger.With(zap.String("sync_run", run))
	}
	return r.logger
}

// withSchema runs fn and, when it fails on a missing sync column or table,
// heals the local schema and runs fn once more.
func (r *Repository[T, D]) withSchema(ctx context.Context, fn func() error) error {
	err := fn()
	if err == nil || r.healer == nil || !schema.IsDrift(err) {
		return err
	}
	r.log(ctx).Warn("Local schema drift detected, running migrator", zap.Error(err))
	if _, merr := r.healer.Migrate(ctx); merr != nil {
		return fmt.Errorf("%w: %v (migration failed: %v)", schema.ErrSchemaDrift, err, merr)
	}
	return fn()
}

func (r *Repository[T, D]) scoped(tx *gorm.DB) *gorm.DB {
	q := tx
	for _, p := range r.m.Preload {
		q = q.Preload(p)
	}
	return q
}

func (r *Repository[T, D]) findByID(tx *gorm.DB, id uint) (T, error) {
	t := r.m.New()
	if err := r.scoped(tx).Where("id = ?", id).First(t).Error; err != nil {
		var zero T
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return zero, shared.ErrNotFound
		}
		return zero, err
	}
	return t, nil
}

func (r *Repository[T, D]) findByGlobalID(tx *gorm.DB, gid string) (T, bool, error) {
	t := r.m.New()
	err := r.scoped(tx).Where("global_id = ?", gid).Limit(1).Find(t).Error
	if err != nil || t.Hybrid().ID == 0 {
		var zero T
		return zero, false, err
	}
	return t, true, nil
}

// findByNaturalKey returns an active row carrying key, ignoring the row
// identified by exceptGID.
func (r *Repository[T, D]) findByNaturalKey(tx *gorm.DB, key, exceptGID string) (T, bool, error) {
	var zero T
	if key == "" || r.m.NaturalKeyColumn == "" {
		return zero, false, nil
	}
	t := r.m.New()
	err := r.scoped(tx).
		Where(r.m.NaturalKeyColumn+" = ? AND active = ?", key, true).
		Where("global_id IS NULL OR global_id <> ?", exceptGID).
		Order("id").Limit(1).Find(t).Error
	if err != nil || t.Hybrid().ID == 0 {
		return zero, false, err
	}
	return t, true, nil
}

func (r *Repository[T, D]) validateInput(d D, op shared.Operation) error {
	if err := validate.Struct(d); err != nil {
		return fmt.Errorf("%w: %s", shared.ErrInvalidInput, err.Error())
	}
	if err := d.Validate(op); err != nil {
		return fmt.Errorf("%w: %w", shared.ErrInvalidInput, err)
	}
	return nil
}

func (r *Repository[T, D]) onWrite(ctx context.Context, tx *gorm.DB, c Change[T, D]) error {
	if r.m.OnWrite == nil {
		return nil
	}
	return r.m.OnWrite(ctx, tx, c)
}

func (r *Repository[T, D]) appendEntry(ctx context.Context, tx *gorm.DB, op shared.Operation, t T) error {
	data, err := json.Marshal(r.m.Snapshot(t))
	if err != nil {
		return fmt.Errorf("failed to encode %s snapshot: %w", r.m.EntityType, err)
	}
	entry := shared.NewChangeLogEntry(r.m.EntityType, t.Hybrid().GlobalID, op, data)
	return r.changes.WithTx(tx).Append(ctx, entry)
}

// markRowSynced flags the row synced without touching updated_at
func (r *Repository[T, D]) markRowSynced(tx *gorm.DB, gid string) error {
	return tx.Table(r.m.Table).Where("global_id = ?", gid).UpdateColumn("synced", true).Error
}

// supersedePending marks the pending entries of an entity synced. Deletes are
// kept unless includeDeletes is set.
func (r *Repository[T, D]) supersedePending(ctx context.Context, tx *gorm.DB, gid string, includeDeletes bool) error {
	changes := r.changes.WithTx(tx)
	pending, err := changes.PendingByEntity(ctx, r.m.EntityType, gid)
	if err != nil {
		return err
	}
	ids := make([]uint, 0, len(pending))
	for _, e := range pending {
		if e.Operation == shared.OperationDelete && !includeDeletes {
			continue
		}
		ids = append(ids, e.ID)
	}
	return changes.MarkSynced(ctx, ids...)
}

// adopt switches a local row to the global id the server knows it by and
// re-points everything that referenced the old id. The row is saved by the
// caller. Returns false when another local row already owns newID.
func (r *Repository[T, D]) adopt(ctx context.Context, tx *gorm.DB, t T, newID string) (bool, error) {
	h := t.Hybrid()
	oldID := h.GlobalID
	if oldID == newID {
		return true, nil
	}
	if _, taken, err := r.findByGlobalID(tx, newID); err != nil {
		return false, err
	} else if taken {
		r.log(ctx).Warn("Global id already owned by another local row, keeping local identity",
			zap.String("global_id", oldID), zap.String("remote_global_id", newID))
		return false, nil
	}
	h.GlobalID = newID
	if err := r.changes.WithTx(tx).Retarget(ctx, r.m.EntityType, oldID, newID); err != nil {
		return false, err
	}
	if r.m.OnIdentityMerge != nil {
		if err := r.m.OnIdentityMerge(ctx, tx, oldID, newID); err != nil {
			return false, err
		}
	}
	r.log(ctx).Info("Local row adopted remote identity",
		zap.String("old_global_id", oldID), zap.String("global_id", newID))
	return true, nil
}

// Get returns a local row by its storage key
func (r *Repository[T, D]) Get(ctx context.Context, id uint) (T, error) {
	var t T
	err := r.withSchema(ctx, func() error {
		var err error
		t, err = r.findByID(r.db.WithContext(ctx), id)
		return err
	})
	return t, err
}

// GetByGlobalID returns a local row by its global identifier
func (r *Repository[T, D]) GetByGlobalID(ctx context.Context, gid string) (T, error) {
	var t T
	err := r.withSchema(ctx, func() error {
		found, ok, err := r.findByGlobalID(r.db.WithContext(ctx), gid)
		if err != nil {
			return err
		}
		if !ok {
			return shared.ErrNotFound
		}
		t = found
		return nil
	})
	return t, err
}

// PendingCount returns the number of change log entries still to replay
func (r *Repository[T, D]) PendingCount(ctx context.Context) (int64, error) {
	return r.changes.CountPending(ctx, r.m.EntityType)
}

// GetAll returns the active records. The central server's view is used when
// it answers; local rows with unpushed changes override it and tombstoned
// records never show up. Without the server the local store answers alone.
func (r *Repository[T, D]) GetAll(ctx context.Context) ([]T, error) {
	var remoteRows []D
	if err := r.remote.List(ctx, r.m.Resource, &remoteRows); err != nil {
		r.log(ctx).Debug("Remote list unavailable, serving local rows", zap.Error(err))
		return r.localActive(ctx)
	}

	var out []T
	err := r.withSchema(ctx, func() error {
		var err error
		out, err = r.mergeRemote(ctx, remoteRows)
		return err
	})
	return out, err
}

func (r *Repository[T, D]) localActive(ctx context.Context) ([]T, error) {
	var out []T
	err := r.withSchema(ctx, func() error {
		out = nil
		tombs, err := r.changes.PendingDeleteIDs(ctx, r.m.EntityType)
		if err != nil {
			return err
		}
		var rows []T
		if err := r.scoped(r.db.WithContext(ctx)).Where("active = ?", true).Order("id").Find(&rows).Error; err != nil {
			return err
		}
		for _, t := range rows {
			if _, dead := tombs[t.Hybrid().GlobalID]; dead {
				continue
			}
			out = append(out, t)
		}
		return nil
	})
	return out, err
}

func (r *Repository[T, D]) mergeRemote(ctx context.Context, remoteRows []D) ([]T, error) {
	tombs, err := r.changes.PendingDeleteIDs(ctx, r.m.EntityType)
	if err != nil {
		return nil, err
	}
	var local []T
	if err := r.scoped(r.db.WithContext(ctx)).Order("id").Find(&local).Error; err != nil {
		return nil, err
	}
	byGID := make(map[string]T, len(local))
	for _, t := range local {
		if gid := t.Hybrid().GlobalID; gid != "" {
			byGID[gid] = t
		}
	}

	out := make([]T, 0, len(remoteRows))
	seen := make(map[string]struct{}, len(remoteRows))
	for _, d := range remoteRows {
		gid := d.GetGlobalID()
		if gid == "" || d.IsInactive() {
			continue
		}
		if _, dead := tombs[gid]; dead {
			continue
		}
		lt, known := byGID[gid]
		if known && !lt.Hybrid().Active {
			continue
		}
		seen[gid] = struct{}{}
		if known && !lt.Hybrid().Synced {
			out = append(out, lt)
			continue
		}

		t := r.m.New()
		h := t.Hybrid()
		if known {
			*h = *lt.Hybrid()
		}
		h.GlobalID = gid
		h.Active = true
		h.Synced = true
		if err := r.m.Apply(t, d); err != nil {
			r.log(ctx).Warn("Skipping unreadable remote record", zap.String("global_id", gid), zap.Error(err))
			continue
		}
		out = append(out, t)
	}

	for _, t := range local {
		h := t.Hybrid()
		if !h.Active || h.Synced {
			continue
		}
		if _, ok := seen[h.GlobalID]; ok {
			continue
		}
		if _, dead := tombs[h.GlobalID]; dead {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// Create stores a new record. The record is sent to the central server right
// away; when that fails it is queued as a CREATE entry and returned with
// synced=false. A duplicate-conflict answer counts as confirmation.
func (r *Repository[T, D]) Create(ctx context.Context, d D) (T, error) {
	var zero T
	if err := r.validateInput(d, shared.OperationCreate); err != nil {
		return zero, err
	}
	gid := d.GetGlobalID()
	if gid == "" {
		gid = shared.NewGlobalID()
		d.SetGlobalID(gid)
	} else if !shared.IsValidGlobalID(gid) {
		return zero, fmt.Errorf("%w: malformed global id %q", shared.ErrInvalidInput, gid)
	}

	if key := d.NaturalKey(); key != "" {
		var exists bool
		err := r.withSchema(ctx, func() error {
			var err error
			_, exists, err = r.findByNaturalKey(r.db.WithContext(ctx), key, gid)
			return err
		})
		if err != nil {
			return zero, err
		}
		if exists {
			return zero, fmt.Errorf("%w: %s %q", shared.ErrAlreadyExists, r.m.EntityType, key)
		}
	}

	t := r.m.New()
	h := t.Hybrid()
	now := time.Now()
	h.GlobalID = gid
	h.Active = true
	h.CreatedAt = now
	h.UpdatedAt = now
	if err := r.m.Apply(t, d); err != nil {
		return zero, fmt.Errorf("%w: %w", shared.ErrInvalidInput, err)
	}

	snapshot := r.m.Snapshot(t)
	err := r.remote.Create(ctx, r.m.Resource, snapshot, nil)
	confirmed := err == nil || remote.IsConflict(err)
	var adopted string
	if remote.IsConflict(err) {
		adopted = r.resolveConflict(ctx, gid, snapshot.NaturalKey())
	}
	if !confirmed {
		r.log(ctx).Info("Create not confirmed remotely, queued", zap.String("global_id", gid), zap.Error(err))
	}

	err = r.withSchema(ctx, func() error {
		return r.db.Transaction(ctx, func(tx *gorm.DB) error {
			h.ID = 0
			h.GlobalID = gid
			h.Synced = confirmed
			if adopted != "" {
				_, taken, err := r.findByGlobalID(tx, adopted)
				if err != nil {
					return err
				}
				if taken {
					// the server's copy belongs to another local row; keep the
					// local identity and let the drain settle it
					r.log(ctx).Warn("Global id already owned by another local row, queued",
						zap.String("global_id", gid), zap.String("remote_global_id", adopted))
					h.Synced = false
				} else {
					h.GlobalID = adopted
				}
			}
			if err := tx.Omit(clause.Associations).Create(t).Error; err != nil {
				return err
			}
			if err := r.onWrite(ctx, tx, Change[T, D]{Op: shared.OperationCreate, Source: SourceLocal, After: t}); err != nil {
				return err
			}
			if h.Synced {
				return nil
			}
			return r.appendEntry(ctx, tx, shared.OperationCreate, t)
		})
	})
	if err != nil {
		return zero, fmt.Errorf("failed to store %s: %w", r.m.EntityType, err)
	}
	return t, nil
}

// Update applies d to the row with the given storage key. The full snapshot
// is pushed so a lost CREATE can be recovered from it.
func (r *Repository[T, D]) Update(ctx context.Context, id uint, d D) (T, error) {
	var zero T
	if err := r.validateInput(d, shared.OperationUpdate); err != nil {
		return zero, err
	}

	t, err := r.Get(ctx, id)
	if err != nil {
		return zero, err
	}
	h := t.Hybrid()
	if !h.Active {
		return zero, fmt.Errorf("%w: %s %d is deleted", shared.ErrInvalidState, r.m.EntityType, id)
	}
	h.EnsureGlobalID()

	if key := d.NaturalKey(); key != "" && key != r.m.NaturalKey(t) {
		_, exists, err := r.findByNaturalKey(r.db.WithContext(ctx), key, h.GlobalID)
		if err != nil {
			return zero, err
		}
		if exists {
			return zero, fmt.Errorf("%w: %s %q", shared.ErrAlreadyExists, r.m.EntityType, key)
		}
	}

	before := r.m.Snapshot(t)
	d.SetGlobalID(h.GlobalID)
	if err := r.m.Apply(t, d); err != nil {
		return zero, fmt.Errorf("%w: %w", shared.ErrInvalidInput, err)
	}
	h.UpdatedAt = time.Now()

	out := r.push(ctx, h.GlobalID, r.m.Snapshot(t), overwriteOnConflict)
	if out.err != nil {
		r.log(ctx).Info("Update not confirmed remotely, queued", zap.String("global_id", h.GlobalID), zap.Error(out.err))
	}
	h.Synced = out.confirmed

	err = r.withSchema(ctx, func() error {
		return r.db.Transaction(ctx, func(tx *gorm.DB) error {
			if out.adopted != "" {
				if _, err := r.adopt(ctx, tx, t, out.adopted); err != nil {
					return err
				}
			}
			if err := tx.Omit(clause.Associations).Save(t).Error; err != nil {
				return err
			}
			c := Change[T, D]{Op: shared.OperationUpdate, Source: SourceLocal, Before: before, HasBefore: true, After: t}
			if err := r.onWrite(ctx, tx, c); err != nil {
				return err
			}
			if out.confirmed {
				return r.supersedePending(ctx, tx, h.GlobalID, false)
			}
			return r.appendEntry(ctx, tx, shared.OperationUpdate, t)
		})
	})
	if err != nil {
		return zero, fmt.Errorf("failed to store %s: %w", r.m.EntityType, err)
	}
	return t, nil
}

// Delete soft-deletes the row with the given storage key. It returns false
// when the row was already inactive. When the server cannot be told, a
// DELETE tombstone is queued; the row stays hidden either way.
func (r *Repository[T, D]) Delete(ctx context.Context, id uint) (bool, error) {
	t, err := r.Get(ctx, id)
	if err != nil {
		return false, err
	}
	h := t.Hybrid()
	if !h.Active {
		return false, nil
	}
	h.EnsureGlobalID()

	before := r.m.Snapshot(t)
	h.Active = false
	h.Synced = false
	h.UpdatedAt = time.Now()

	err = r.withSchema(ctx, func() error {
		return r.db.Transaction(ctx, func(tx *gorm.DB) error {
			if err := tx.Omit(clause.Associations).Save(t).Error; err != nil {
				return err
			}
			c := Change[T, D]{Op: shared.OperationDelete, Source: SourceLocal, Before: before, HasBefore: true, After: t}
			return r.onWrite(ctx, tx, c)
		})
	})
	if err != nil {
		return false, fmt.Errorf("failed to delete %s: %w", r.m.EntityType, err)
	}

	err = r.remote.Delete(ctx, r.m.Resource, h.GlobalID)
	confirmed := err == nil || remote.IsNotFound(err)
	if !confirmed {
		r.log(ctx).Info("Delete not confirmed remotely, tombstone queued", zap.String("global_id", h.GlobalID), zap.Error(err))
	}

	err = r.db.Transaction(ctx, func(tx *gorm.DB) error {
		if !confirmed {
			return r.appendEntry(ctx, tx, shared.OperationDelete, t)
		}
		if err := r.markRowSynced(tx, h.GlobalID); err != nil {
			return err
		}
		return r.supersedePending(ctx, tx, h.GlobalID, true)
	})
	if err != nil {
		return true, fmt.Errorf("failed to record %s deletion: %w", r.m.EntityType, err)
	}
	h.Synced = confirmed
	return true, nil
}
