package hybrid

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/erp/possync/internal/domain/shared"
	"github.com/erp/possync/internal/infrastructure/changelog"
	"github.com/erp/possync/internal/infrastructure/remote"
)

// SyncResult summarizes one SyncChanges run for an entity type
type SyncResult struct {
	Entity         shared.EntityType `json:"entity"`
	Sent           int               `json:"sent"`
	Received       int               `json:"received"`
	Pending        int64             `json:"pending"`
	Errors         []string          `json:"errors,omitempty"`
	Offline        bool              `json:"offline,omitempty"`
	BootstrapFirst bool              `json:"bootstrap_first,omitempty"`
}

// HasErrors reports whether any record failed during the run
func (r *SyncResult) HasErrors() bool {
	return len(r.Errors) > 0
}

func (r *SyncResult) fail(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// errIdentityTaken reports a record the server keeps under an id another
// local row already owns; the row stays unsynced until that is resolved.
func errIdentityTaken(et shared.EntityType, gid, remoteID string) error {
	return fmt.Errorf("%w: server keeps %s %s as %s, which another local row owns",
		shared.ErrAlreadyExists, et, gid, remoteID)
}

type conflictMode int

const (
	// adoptOnConflict accepts the server's copy of a duplicate record
	adoptOnConflict conflictMode = iota
	// overwriteOnConflict writes the local snapshot onto the duplicate
	overwriteOnConflict
)

type pushOutcome struct {
	confirmed bool
	adopted   string
	err       error
}

// push sends a full snapshot with PUT, recovering with POST when the server
// never saw the record. A duplicate-conflict on that POST means the server
// already holds the record, possibly under another global id found through
// the natural key.
func (r *Repository[T, D]) push(ctx context.Context, gid string, snapshot D, mode conflictMode, opts ...remote.CallOption) pushOutcome {
	err := r.remote.Update(ctx, r.m.Resource, gid, snapshot, nil, opts...)
	if err == nil {
		return pushOutcome{confirmed: true}
	}
	if !remote.IsNotFound(err) {
		return pushOutcome{err: err}
	}
	if snapshot.IsInactive() {
		return pushOutcome{confirmed: true}
	}

	err = r.remote.Create(ctx, r.m.Resource, snapshot, nil, opts...)
	if err == nil {
		return pushOutcome{confirmed: true}
	}
	if !remote.IsConflict(err) {
		return pushOutcome{err: err}
	}

	other := r.resolveConflict(ctx, gid, snapshot.NaturalKey())
	if other == "" {
		return pushOutcome{confirmed: true}
	}
	if mode == overwriteOnConflict {
		snapshot.SetGlobalID(other)
		if err := r.remote.Update(ctx, r.m.Resource, other, snapshot, nil, opts...); err != nil {
			snapshot.SetGlobalID(gid)
			return pushOutcome{err: err}
		}
	}
	return pushOutcome{confirmed: true, adopted: other}
}

// resolveConflict returns the global id the server keeps key under when it
// differs from gid, or "" when there is nothing to adopt.
func (r *Repository[T, D]) resolveConflict(ctx context.Context, gid, key string) string {
	if key == "" {
		return ""
	}
	var rows []D
	if err := r.remote.List(ctx, r.m.Resource, &rows); err != nil {
		r.log(ctx).Debug("Natural key lookup failed", zap.String("natural_key", key), zap.Error(err))
		return ""
	}
	for _, d := range rows {
		if d.IsInactive() || d.NaturalKey() != key {
			continue
		}
		if other := d.GetGlobalID(); other != "" && other != gid {
			return other
		}
		return ""
	}
	return ""
}

// SyncChanges runs one synchronization pass for the entity type: pull the
// server's records, push legacy unsynced rows (bootstrap) and drain the
// change log. Bootstrap runs before the pull when unsynced rows without
// pending entries exist, so the pull cannot overwrite them. A network failure
// ends the run quietly; everything left stays pending.
func (r *Repository[T, D]) SyncChanges(ctx context.Context) SyncResult {
	res := SyncResult{Entity: r.m.EntityType}
	log := r.log(ctx)

	if !r.remote.Online(ctx) {
		log.Info("Central server unreachable, skipping sync")
		res.Offline = true
		res.Pending = r.countPending(ctx, &res)
		return res
	}

	var candidates []T
	err := r.withSchema(ctx, func() error {
		var err error
		candidates, err = r.bootstrapCandidates(ctx)
		return err
	})
	if err != nil {
		res.fail("bootstrap scan: %v", err)
		res.Pending = r.countPending(ctx, &res)
		return res
	}

	phases := []func(context.Context, *SyncResult) bool{r.pull, r.bootstrap}
	if len(candidates) > 0 {
		res.BootstrapFirst = true
		phases = []func(context.Context, *SyncResult) bool{r.bootstrap, r.pull}
	}
	online := true
	for _, phase := range phases {
		if online = phase(ctx, &res); !online {
			break
		}
	}
	if online {
		r.drain(ctx, &res)
	}

	res.Pending = r.countPending(ctx, &res)
	log.Info("Entity sync finished",
		zap.Int("sent", res.Sent),
		zap.Int("received", res.Received),
		zap.Int64("pending", res.Pending),
		zap.Int("errors", len(res.Errors)),
		zap.Bool("bootstrap_first", res.BootstrapFirst),
	)
	return res
}

func (r *Repository[T, D]) countPending(ctx context.Context, res *SyncResult) int64 {
	n, err := r.changes.CountPending(ctx, r.m.EntityType)
	if err != nil {
		res.fail("count pending: %v", err)
	}
	return n
}

// bootstrapCandidates returns unsynced rows with a valid global id and no
// pending change log entry, typically rows written before sync existed.
func (r *Repository[T, D]) bootstrapCandidates(ctx context.Context) ([]T, error) {
	pending, err := r.changes.PendingEntityIDs(ctx, r.m.EntityType)
	if err != nil {
		return nil, err
	}
	var rows []T
	err = r.scoped(r.db.WithContext(ctx)).
		Where("synced = ? AND global_id IS NOT NULL AND global_id <> ''", false).
		Order("id").Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := rows[:0]
	for _, t := range rows {
		gid := t.Hybrid().GlobalID
		if _, queued := pending[gid]; queued || !shared.IsValidGlobalID(gid) {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (r *Repository[T, D]) bootstrap(ctx context.Context, res *SyncResult) bool {
	rows, err := r.bootstrapCandidates(ctx)
	if err != nil {
		res.fail("bootstrap scan: %v", err)
		return true
	}
	for _, t := range rows {
		h := t.Hybrid()
		out := r.push(ctx, h.GlobalID, r.m.Snapshot(t), adoptOnConflict)
		if out.err != nil {
			if remote.IsNetwork(out.err) {
				r.log(ctx).Info("Bootstrap interrupted by network failure", zap.Error(out.err))
				return false
			}
			res.fail("bootstrap %s %s: %v", r.m.EntityType, h.GlobalID, out.err)
			continue
		}
		err := r.db.Transaction(ctx, func(tx *gorm.DB) error {
			if out.adopted != "" {
				ok, err := r.adopt(ctx, tx, t, out.adopted)
				if err != nil {
					return err
				}
				if !ok {
					return errIdentityTaken(r.m.EntityType, h.GlobalID, out.adopted)
				}
				if err := tx.Table(r.m.Table).Where("id = ?", h.ID).UpdateColumn("global_id", h.GlobalID).Error; err != nil {
					return err
				}
			}
			return tx.Table(r.m.Table).Where("id = ?", h.ID).UpdateColumn("synced", true).Error
		})
		if err != nil {
			res.fail("bootstrap %s %s: %v", r.m.EntityType, h.GlobalID, err)
			continue
		}
		res.Sent++
	}
	return true
}

// pull copies the server's records into the local store. Server state wins
// over synced rows; rows with unpushed local changes and tombstoned records
// are left alone.
func (r *Repository[T, D]) pull(ctx context.Context, res *SyncResult) bool {
	var rows []D
	if err := r.remote.List(ctx, r.m.Resource, &rows); err != nil {
		if remote.IsNetwork(err) {
			r.log(ctx).Info("Pull interrupted by network failure", zap.Error(err))
			return false
		}
		res.fail("pull %s: %v", r.m.Resource, err)
		return true
	}
	tombs, err := r.changes.PendingDeleteIDs(ctx, r.m.EntityType)
	if err != nil {
		res.fail("pull %s: %v", r.m.Resource, err)
		return true
	}
	remoteIDs := make(map[string]struct{}, len(rows))
	for _, d := range rows {
		if gid := d.GetGlobalID(); gid != "" {
			remoteIDs[gid] = struct{}{}
		}
	}

	for _, d := range rows {
		gid := d.GetGlobalID()
		if gid == "" {
			continue
		}
		if _, dead := tombs[gid]; dead {
			continue
		}
		changed, err := r.applyPulled(ctx, d, remoteIDs)
		if err != nil {
			res.fail("pull %s %s: %v", r.m.EntityType, gid, err)
			continue
		}
		if changed {
			res.Received++
		}
	}
	return true
}

func (r *Repository[T, D]) applyPulled(ctx context.Context, d D, remoteIDs map[string]struct{}) (bool, error) {
	var changed bool
	err := r.db.Transaction(ctx, func(tx *gorm.DB) error {
		changed = false
		gid := d.GetGlobalID()
		t, found, err := r.findByGlobalID(tx, gid)
		if err != nil {
			return err
		}

		if !found {
			if d.IsInactive() {
				return nil
			}
			local, ok, err := r.findByNaturalKey(tx, d.NaturalKey(), gid)
			if err != nil {
				return err
			}
			if ok {
				if _, onServer := remoteIDs[local.Hybrid().GlobalID]; !onServer {
					changed = true
					if local.Hybrid().Synced {
						return r.mergeIdentity(ctx, tx, local, d)
					}
					return r.claimIdentity(ctx, tx, local, d)
				}
			}
			t = r.m.New()
			h := t.Hybrid()
			h.GlobalID = gid
			h.Active = true
			h.Synced = true
			if err := r.m.Apply(t, d); err != nil {
				return err
			}
			if err := tx.Omit(clause.Associations).Create(t).Error; err != nil {
				return err
			}
			changed = true
			return r.onWrite(ctx, tx, Change[T, D]{Op: shared.OperationCreate, Source: SourcePull, After: t})
		}

		h := t.Hybrid()
		if !h.Synced {
			return nil
		}
		before := r.m.Snapshot(t)
		beforeJSON, err := json.Marshal(before)
		if err != nil {
			return err
		}
		if err := r.m.Apply(t, d); err != nil {
			return err
		}
		afterJSON, err := json.Marshal(r.m.Snapshot(t))
		if err != nil {
			return err
		}
		if bytes.Equal(beforeJSON, afterJSON) {
			return nil
		}
		if err := tx.Omit(clause.Associations).Save(t).Error; err != nil {
			return err
		}
		changed = true
		c := Change[T, D]{Op: shared.OperationUpdate, Source: SourcePull, Before: before, HasBefore: true, After: t}
		return r.onWrite(ctx, tx, c)
	})
	return changed, err
}

// mergeIdentity makes a synced local row the same record as a remote one
// sharing its natural key, when the local global id is unknown to the server.
func (r *Repository[T, D]) mergeIdentity(ctx context.Context, tx *gorm.DB, local T, d D) error {
	before := r.m.Snapshot(local)
	if ok, err := r.adopt(ctx, tx, local, d.GetGlobalID()); err != nil || !ok {
		return err
	}
	if err := r.m.Apply(local, d); err != nil {
		return err
	}
	local.Hybrid().Synced = true
	if err := tx.Omit(clause.Associations).Save(local).Error; err != nil {
		return err
	}
	c := Change[T, D]{Op: shared.OperationUpdate, Source: SourcePull, Before: before, HasBefore: true, After: local}
	return r.onWrite(ctx, tx, c)
}

// claimIdentity gives an unsynced local row the global id the server keeps
// its natural key under. The local fields are kept: its queued entries are
// replaced by one UPDATE carrying the current snapshot, so the drain writes
// them onto the server record.
func (r *Repository[T, D]) claimIdentity(ctx context.Context, tx *gorm.DB, local T, d D) error {
	if ok, err := r.adopt(ctx, tx, local, d.GetGlobalID()); err != nil || !ok {
		return err
	}
	if err := tx.Omit(clause.Associations).Save(local).Error; err != nil {
		return err
	}
	gid := local.Hybrid().GlobalID
	if err := r.supersedePending(ctx, tx, gid, false); err != nil {
		return err
	}
	return r.appendEntry(ctx, tx, shared.OperationUpdate, local)
}

// drain replays the pending change log in FIFO order
func (r *Repository[T, D]) drain(ctx context.Context, res *SyncResult) {
	entries, err := r.changes.Pending(ctx, r.m.EntityType)
	if err != nil {
		res.fail("read change log: %v", err)
		return
	}
	for _, rp := range changelog.Plan(entries, r.collapse) {
		e := rp.Entry
		adopted, err := r.replay(ctx, e)
		if err != nil {
			if remote.IsNetwork(err) {
				r.log(ctx).Info("Drain interrupted by network failure", zap.Uint("entry_id", e.ID), zap.Error(err))
				return
			}
			if ferr := r.changes.RecordFailure(ctx, e.ID, err.Error()); ferr != nil {
				r.log(ctx).Error("Failed to record replay failure", zap.Uint("entry_id", e.ID), zap.Error(ferr))
			}
			res.fail("%s %s %s: %v", e.Operation, r.m.EntityType, e.EntityID, err)
			continue
		}
		if err := r.settle(ctx, rp, adopted); err != nil {
			res.fail("settle %s %s: %v", r.m.EntityType, e.EntityID, err)
			continue
		}
		res.Sent++
	}
}

func (r *Repository[T, D]) idempotencyKey(e *shared.ChangeLogEntry) string {
	id := strconv.FormatUint(uint64(e.ID), 10)
	if r.deviceID == "" {
		return id
	}
	return r.deviceID + ":" + id
}

// replay sends one change log entry and returns the global id the server
// resolved the entity to, when it differs.
func (r *Repository[T, D]) replay(ctx context.Context, e *shared.ChangeLogEntry) (string, error) {
	d := r.m.NewPayload()
	if err := json.Unmarshal(e.DataJSON, d); err != nil {
		return "", fmt.Errorf("undecodable change log entry %d: %w", e.ID, err)
	}
	// entries follow their entity through identity adoption
	d.SetGlobalID(e.EntityID)
	key := remote.WithIdempotencyKey(r.idempotencyKey(e))

	switch e.Operation {
	case shared.OperationCreate:
		err := r.remote.Create(ctx, r.m.Resource, d, nil, key)
		if remote.IsConflict(err) {
			return r.resolveConflict(ctx, e.EntityID, d.NaturalKey()), nil
		}
		return "", err
	case shared.OperationUpdate:
		out := r.push(ctx, e.EntityID, d, overwriteOnConflict, key)
		return out.adopted, out.err
	case shared.OperationDelete:
		err := r.remote.Delete(ctx, r.m.Resource, e.EntityID, key)
		if err == nil || remote.IsNotFound(err) {
			return "", nil
		}
		return "", err
	default:
		return "", fmt.Errorf("unknown operation %q", e.Operation)
	}
}

// settle marks a replay synced and, when nothing else is pending for the
// entity, the row too.
func (r *Repository[T, D]) settle(ctx context.Context, rp changelog.Replay, adopted string) error {
	return r.db.Transaction(ctx, func(tx *gorm.DB) error {
		changes := r.changes.WithTx(tx)
		if err := changes.MarkSynced(ctx, rp.IDs()...); err != nil {
			return err
		}

		gid := rp.Entry.EntityID
		if adopted != "" {
			t, found, err := r.findByGlobalID(tx, gid)
			if err != nil {
				return err
			}
			if found {
				ok, err := r.adopt(ctx, tx, t, adopted)
				if err != nil {
					return err
				}
				if !ok {
					return errIdentityTaken(r.m.EntityType, gid, adopted)
				}
				if err := tx.Table(r.m.Table).Where("id = ?", t.Hybrid().ID).UpdateColumn("global_id", adopted).Error; err != nil {
					return err
				}
				gid = adopted
			}
		}

		remaining, err := changes.PendingByEntity(ctx, r.m.EntityType, gid)
		if err != nil {
			return err
		}
		if len(remaining) > 0 {
			return nil
		}
		return r.markRowSynced(tx, gid)
	})
}
