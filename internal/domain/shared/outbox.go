package shared

import (
	"context"
	"time"
)

// Operation is the mutation recorded by a change log entry
type Operation string

const (
	OperationCreate Operation = "CREATE"
	OperationUpdate Operation = "UPDATE"
	OperationDelete Operation = "DELETE"
)

// IsValid checks if the operation is known
func (o Operation) IsValid() bool {
	switch o {
	case OperationCreate, OperationUpdate, OperationDelete:
		return true
	}
	return false
}

// ChangeStatus represents the status of a change log entry
type ChangeStatus string

const (
	ChangeStatusPending ChangeStatus = "pending"
	ChangeStatusSynced  ChangeStatus = "synced"
)

// ChangeLogEntry is a mutation that has not been confirmed by the central
// server yet. A pending DELETE entry is a tombstone for its entity.
type ChangeLogEntry struct {
	ID         uint
	EntityType EntityType
	EntityID   string
	Operation  Operation
	DataJSON   []byte
	Status     ChangeStatus
	Attempts   int
	LastError  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// NewChangeLogEntry creates a pending change log entry
func NewChangeLogEntry(entityType EntityType, entityID string, op Operation, data []byte) *ChangeLogEntry {
	now := time.Now()
	return &ChangeLogEntry{
		EntityType: entityType,
		EntityID:   entityID,
		Operation:  op,
		DataJSON:   data,
		Status:     ChangeStatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// IsPending returns true while the entry still needs to be replayed
func (e *ChangeLogEntry) IsPending() bool {
	return e.Status == ChangeStatusPending
}

// IsTombstone returns true for a pending delete
func (e *ChangeLogEntry) IsTombstone() bool {
	return e.IsPending() && e.Operation == OperationDelete
}

// MarkSynced marks the entry as confirmed remotely
func (e *ChangeLogEntry) MarkSynced() {
	e.Status = ChangeStatusSynced
	e.LastError = ""
	e.UpdatedAt = time.Now()
}

// MarkFailed records a failed replay attempt. The entry stays pending.
func (e *ChangeLogEntry) MarkFailed(errMsg string) {
	e.Attempts++
	e.LastError = errMsg
	e.UpdatedAt = time.Now()
}

// ChangeLogRepository defines the interface for change log persistence
type ChangeLogRepository interface {
	// Append persists one or more entries
	Append(ctx context.Context, entries ...*ChangeLogEntry) error
	// Pending returns the pending entries of an entity type ordered by (created_at, id)
	Pending(ctx context.Context, entityType EntityType) ([]*ChangeLogEntry, error)
	// PendingByEntity returns the pending entries of a single entity
	PendingByEntity(ctx context.Context, entityType EntityType, entityID string) ([]*ChangeLogEntry, error)
	// HasPendingDelete reports whether a tombstone exists for the entity
	HasPendingDelete(ctx context.Context, entityType EntityType, entityID string) (bool, error)
	// PendingDeleteIDs returns the set of tombstoned entity ids of a type
	PendingDeleteIDs(ctx context.Context, entityType EntityType) (map[string]struct{}, error)
	// PendingEntityIDs returns the set of entity ids with any pending entry
	PendingEntityIDs(ctx context.Context, entityType EntityType) (map[string]struct{}, error)
	// MarkSynced marks entries as synced
	MarkSynced(ctx context.Context, ids ...uint) error
	// RecordFailure stores a failed attempt on an entry
	RecordFailure(ctx context.Context, id uint, errMsg string) error
	// Retarget re-points pending entries of an entity to a new global id
	Retarget(ctx context.Context, entityType EntityType, oldID, newID string) error
	// CountPending returns the number of pending entries of an entity type
	CountPending(ctx context.Context, entityType EntityType) (int64, error)
	// CountByStatus returns count of entries for each status
	CountByStatus(ctx context.Context) (map[ChangeStatus]int64, error)
	// PurgeSynced deletes synced entries last updated before the given time
	PurgeSynced(ctx context.Context, before time.Time) (int64, error)
}
