package models

import (
	"time"
)

// CentralRecord is one synchronized document held by the central server.
// Payload is the JSON body last accepted for the record.
type CentralRecord struct {
	ID         uint      `gorm:"primaryKey;autoIncrement"`
	EntityType string    `gorm:"type:varchar(32);not null;uniqueIndex:idx_central_entity_gid,priority:1;uniqueIndex:idx_central_entity_key,priority:1"`
	GlobalID   string    `gorm:"type:varchar(64);not null;uniqueIndex:idx_central_entity_gid,priority:2"`
	NaturalKey string    `gorm:"type:varchar(200);not null;uniqueIndex:idx_central_entity_key,priority:2"`
	Payload    string    `gorm:"type:text;not null"`
	Active     bool      `gorm:"not null;default:true;index"`
	CreatedAt  time.Time `gorm:"not null"`
	UpdatedAt  time.Time `gorm:"not null"`
}

// TableName returns the table name for GORM
func (CentralRecord) TableName() string {
	return "central_records"
}
