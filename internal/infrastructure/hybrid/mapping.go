// Package hybrid implements the offline-first entity repositories. One generic
// Repository serves every synchronized entity type; a Mapping supplies what
// differs between them (table, remote resource, natural key, side effects).
package hybrid

import (
	"context"

	"gorm.io/gorm"

	"github.com/erp/possync/internal/domain/shared"
	"github.com/erp/possync/internal/infrastructure/remote"
	"github.com/erp/possync/internal/infrastructure/schema"
)

// Payload is the typed DTO exchanged with the central server. Every field is
// optional so the same type carries snapshots and partial updates.
type Payload interface {
	GetGlobalID() string
	SetGlobalID(id string)
	IsInactive() bool
	NaturalKey() string
	Validate(op shared.Operation) error
}

// Source tells a write hook where a change came from
type Source int

const (
	// SourceLocal is a change made on this device
	SourceLocal Source = iota
	// SourcePull is a change copied from the central server
	SourcePull
)

func (s Source) String() string {
	if s == SourcePull {
		return "pull"
	}
	return "local"
}

// Change describes a row write for OnWrite hooks. Before is only set when
// HasBefore is true; it is the snapshot taken before the write.
type Change[T shared.Hybrid, D Payload] struct {
	Op        shared.Operation
	Source    Source
	Before    D
	HasBefore bool
	After     T
}

// Mapping is the per-entity strategy plugged into Repository
type Mapping[T shared.Hybrid, D Payload] struct {
	EntityType       shared.EntityType
	Resource         string // remote path segment
	Table            string
	NaturalKeyColumn string

	New        func() T
	NewPayload func() D
	Apply      func(T, D) error
	Snapshot   func(T) D
	NaturalKey func(T) string

	// Preload names associations loaded with every read
	Preload []string

	// OnWrite runs inside the write transaction after the row is saved
	OnWrite func(ctx context.Context, tx *gorm.DB, c Change[T, D]) error

	// OnIdentityMerge runs when a local row adopts the global id the server
	// knows its natural key by
	OnIdentityMerge func(ctx context.Context, tx *gorm.DB, oldID, newID string) error
}

// Remote is the part of the central server client the repository needs
type Remote interface {
	Online(ctx context.Context) bool
	List(ctx context.Context, resource string, out any) error
	Create(ctx context.Context, resource string, body, out any, opts ...remote.CallOption) error
	Update(ctx context.Context, resource, globalID string, body, out any, opts ...remote.CallOption) error
	Delete(ctx context.Context, resource, globalID string, opts ...remote.CallOption) error
}

// Healer repairs the local schema when a statement hits a missing sync column
type Healer interface {
	Migrate(ctx context.Context) (*schema.Report, error)
}

var (
	_ Remote = (*remote.Client)(nil)
	_ Healer = (*schema.Migrator)(nil)
)
