package models

import (
	"time"

	"github.com/erp/possync/internal/domain/shared"
)

// ChangeLogModel is the persistence model of the sync_change_log table.
// The column set matches the table created by the schema migrator.
type ChangeLogModel struct {
	ID         uint                `gorm:"primaryKey;autoIncrement"`
	EntityType string              `gorm:"column:entity_type;type:text;not null;index:idx_sync_change_log_entity_status,priority:1"`
	EntityID   string              `gorm:"column:entity_id;type:text;not null;index"`
	Operation  shared.Operation    `gorm:"column:operation;type:text;not null"`
	DataJSON   string              `gorm:"column:data_json;type:text"`
	Status     shared.ChangeStatus `gorm:"column:status;type:text;not null;default:pending;index:idx_sync_change_log_entity_status,priority:2"`
	Attempts   int                 `gorm:"column:attempts;not null;default:0"`
	LastError  string              `gorm:"column:last_error;type:text"`
	CreatedAt  time.Time           `gorm:"column:created_at"`
	UpdatedAt  time.Time           `gorm:"column:updated_at"`
}

// TableName returns the table name for GORM
func (ChangeLogModel) TableName() string {
	return "sync_change_log"
}

// ToDomain converts the persistence model to a domain ChangeLogEntry
func (m *ChangeLogModel) ToDomain() *shared.ChangeLogEntry {
	return &shared.ChangeLogEntry{
		ID:         m.ID,
		EntityType: shared.EntityType(m.EntityType),
		EntityID:   m.EntityID,
		Operation:  m.Operation,
		DataJSON:   []byte(m.DataJSON),
		Status:     m.Status,
		Attempts:   m.Attempts,
		LastError:  m.LastError,
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
	}
}

// ChangeLogModelFromDomain creates a new persistence model from a domain entry
func ChangeLogModelFromDomain(e *shared.ChangeLogEntry) *ChangeLogModel {
	return &ChangeLogModel{
		ID:         e.ID,
		EntityType: string(e.EntityType),
		EntityID:   e.EntityID,
		Operation:  e.Operation,
		DataJSON:   string(e.DataJSON),
		Status:     e.Status,
		Attempts:   e.Attempts,
		LastError:  e.LastError,
		CreatedAt:  e.CreatedAt,
		UpdatedAt:  e.UpdatedAt,
	}
}
