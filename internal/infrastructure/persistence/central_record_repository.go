package persistence

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/erp/possync/internal/domain/shared"
	"github.com/erp/possync/internal/infrastructure/persistence/models"
)

// CentralRecordRepository stores the central server's documents
type CentralRecordRepository struct {
	db *gorm.DB
}

// NewCentralRecordRepository creates a new central record repository
func NewCentralRecordRepository(db *gorm.DB) *CentralRecordRepository {
	return &CentralRecordRepository{db: db}
}

// AutoMigrate creates or updates the central_records table
func (r *CentralRecordRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&models.CentralRecord{})
}

// Create inserts a record. A clash on global id or natural key yields shared.ErrAlreadyExists.
func (r *CentralRecordRepository) Create(ctx context.Context, rec *models.CentralRecord) error {
	now := time.Now()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	if err := r.db.WithContext(ctx).Create(rec).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return shared.ErrAlreadyExists
		}
		return err
	}
	return nil
}

// FindByGlobalID returns the record of an entity type with the given global id
func (r *CentralRecordRepository) FindByGlobalID(ctx context.Context, entityType, globalID string) (*models.CentralRecord, error) {
	var rec models.CentralRecord
	err := r.db.WithContext(ctx).
		Where("entity_type = ? AND global_id = ?", entityType, globalID).
		First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// FindByNaturalKey returns the record of an entity type with the given natural key
func (r *CentralRecordRepository) FindByNaturalKey(ctx context.Context, entityType, key string) (*models.CentralRecord, error) {
	var rec models.CentralRecord
	err := r.db.WithContext(ctx).
		Where("entity_type = ? AND natural_key = ?", entityType, key).
		First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// List returns the records of an entity type ordered by id
func (r *CentralRecordRepository) List(ctx context.Context, entityType string, includeInactive bool) ([]models.CentralRecord, error) {
	q := r.db.WithContext(ctx).Where("entity_type = ?", entityType)
	if !includeInactive {
		q = q.Where("active = ?", true)
	}
	var recs []models.CentralRecord
	if err := q.Order("id ASC").Find(&recs).Error; err != nil {
		return nil, err
	}
	return recs, nil
}

// Update saves a modified record
func (r *CentralRecordRepository) Update(ctx context.Context, rec *models.CentralRecord) error {
	rec.UpdatedAt = time.Now()
	err := r.db.WithContext(ctx).Save(rec).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return shared.ErrAlreadyExists
	}
	return err
}

// SoftDelete deactivates a record, stores its final payload and releases its
// natural key so the key can be reused by a new record.
func (r *CentralRecordRepository) SoftDelete(ctx context.Context, entityType, globalID, payload string) error {
	result := r.db.WithContext(ctx).Model(&models.CentralRecord{}).
		Where("entity_type = ? AND global_id = ? AND active = ?", entityType, globalID, true).
		Updates(map[string]any{
			"active":      false,
			"natural_key": ReleasedKey(globalID),
			"payload":     payload,
			"updated_at":  time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// ReleasedKey is the natural key stored for an inactive record. It cannot
// collide with a real key.
func ReleasedKey(globalID string) string {
	return "~" + globalID
}

// CountByEntity returns the number of active records per entity type
func (r *CentralRecordRepository) CountByEntity(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		EntityType string
		Count      int64
	}
	err := r.db.WithContext(ctx).Model(&models.CentralRecord{}).
		Select("entity_type, COUNT(*) as count").
		Where("active = ?", true).
		Group("entity_type").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, row := range rows {
		out[row.EntityType] = row.Count
	}
	return out, nil
}
