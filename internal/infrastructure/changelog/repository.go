// Package changelog persists the sync outbox: mutations that were applied
// locally but not yet confirmed by the central server.
package changelog

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/erp/possync/internal/domain/shared"
	"github.com/erp/possync/internal/infrastructure/persistence/models"
)

// GormRepository implements shared.ChangeLogRepository using GORM
type GormRepository struct {
	db *gorm.DB
}

// NewGormRepository creates a new GORM-based change log repository
func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

// WithTx returns a new repository instance bound to the given transaction
func (r *GormRepository) WithTx(tx *gorm.DB) *GormRepository {
	return &GormRepository{db: tx}
}

// Append persists one or more entries and copies the assigned ids back
func (r *GormRepository) Append(ctx context.Context, entries ...*shared.ChangeLogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	rows := make([]*models.ChangeLogModel, len(entries))
	for i, e := range entries {
		rows[i] = models.ChangeLogModelFromDomain(e)
	}
	if err := r.db.WithContext(ctx).Create(rows).Error; err != nil {
		return err
	}
	for i, row := range rows {
		entries[i].ID = row.ID
	}
	return nil
}

// Pending returns the pending entries of an entity type in FIFO order
func (r *GormRepository) Pending(ctx context.Context, entityType shared.EntityType) ([]*shared.ChangeLogEntry, error) {
	var rows []models.ChangeLogModel
	err := r.db.WithContext(ctx).
		Where("entity_type = ? AND status = ?", entityType, shared.ChangeStatusPending).
		Order("created_at ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return toDomain(rows), nil
}

// PendingByEntity returns the pending entries of one entity in FIFO order
func (r *GormRepository) PendingByEntity(ctx context.Context, entityType shared.EntityType, entityID string) ([]*shared.ChangeLogEntry, error) {
	var rows []models.ChangeLogModel
	err := r.db.WithContext(ctx).
		Where("entity_type = ? AND entity_id = ? AND status = ?", entityType, entityID, shared.ChangeStatusPending).
		Order("created_at ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return toDomain(rows), nil
}

// HasPendingDelete reports whether a tombstone exists for the entity
func (r *GormRepository) HasPendingDelete(ctx context.Context, entityType shared.EntityType, entityID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.ChangeLogModel{}).
		Where("entity_type = ? AND entity_id = ? AND operation = ? AND status = ?",
			entityType, entityID, shared.OperationDelete, shared.ChangeStatusPending).
		Count(&count).Error
	return count > 0, err
}

// PendingDeleteIDs returns the tombstoned entity ids of a type
func (r *GormRepository) PendingDeleteIDs(ctx context.Context, entityType shared.EntityType) (map[string]struct{}, error) {
	return r.pendingIDs(ctx, entityType, shared.OperationDelete)
}

// PendingEntityIDs returns the entity ids of a type with any pending entry
func (r *GormRepository) PendingEntityIDs(ctx context.Context, entityType shared.EntityType) (map[string]struct{}, error) {
	return r.pendingIDs(ctx, entityType, "")
}

func (r *GormRepository) pendingIDs(ctx context.Context, entityType shared.EntityType, op shared.Operation) (map[string]struct{}, error) {
	q := r.db.WithContext(ctx).Model(&models.ChangeLogModel{}).
		Where("entity_type = ? AND status = ?", entityType, shared.ChangeStatusPending)
	if op != "" {
		q = q.Where("operation = ?", op)
	}
	var ids []string
	if err := q.Distinct().Pluck("entity_id", &ids).Error; err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set, nil
}

// MarkSynced marks entries as synced
func (r *GormRepository) MarkSynced(ctx context.Context, ids ...uint) error {
	if len(ids) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Model(&models.ChangeLogModel{}).
		Where("id IN ?", ids).
		Updates(map[string]any{
			"status":     shared.ChangeStatusSynced,
			"last_error": "",
			"updated_at": time.Now(),
		}).Error
}

// RecordFailure increments the attempt counter and stores the error; the entry stays pending
func (r *GormRepository) RecordFailure(ctx context.Context, id uint, errMsg string) error {
	return r.db.WithContext(ctx).Model(&models.ChangeLogModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"attempts":   gorm.Expr("attempts + 1"),
			"last_error": errMsg,
			"updated_at": time.Now(),
		}).Error
}

// Retarget re-points the pending entries of an entity to a new global id,
// used when a local row adopts the identity the server knows it by.
func (r *GormRepository) Retarget(ctx context.Context, entityType shared.EntityType, oldID, newID string) error {
	return r.db.WithContext(ctx).Model(&models.ChangeLogModel{}).
		Where("entity_type = ? AND entity_id = ? AND status = ?", entityType, oldID, shared.ChangeStatusPending).
		Updates(map[string]any{
			"entity_id":  newID,
			"updated_at": time.Now(),
		}).Error
}

// CountPending returns the number of pending entries of an entity type
func (r *GormRepository) CountPending(ctx context.Context, entityType shared.EntityType) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.ChangeLogModel{}).
		Where("entity_type = ? AND status = ?", entityType, shared.ChangeStatusPending).
		Count(&count).Error
	return count, err
}

// CountByStatus returns count of entries for each status
func (r *GormRepository) CountByStatus(ctx context.Context) (map[shared.ChangeStatus]int64, error) {
	type statusCount struct {
		Status shared.ChangeStatus
		Count  int64
	}

	var results []statusCount
	err := r.db.WithContext(ctx).
		Model(&models.ChangeLogModel{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&results).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[shared.ChangeStatus]int64)
	for _, c := range results {
		counts[c.Status] = c.Count
	}
	return counts, nil
}

// PurgeSynced deletes synced entries last updated before the given time.
// Pending entries are never deleted.
func (r *GormRepository) PurgeSynced(ctx context.Context, before time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", shared.ChangeStatusSynced, before).
		Delete(&models.ChangeLogModel{})
	return result.RowsAffected, result.Error
}

func toDomain(rows []models.ChangeLogModel) []*shared.ChangeLogEntry {
	out := make([]*shared.ChangeLogEntry, len(rows))
	for i := range rows {
		out[i] = rows[i].ToDomain()
	}
	return out
}

// Ensure GormRepository implements ChangeLogRepository
var _ shared.ChangeLogRepository = (*GormRepository)(nil)
