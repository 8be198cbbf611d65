// Package storage defines the persistence port the lifecycle service depends
// on. Implementations expose primitive CRUD plus one transactional-or-locking
// primitive; they never enforce business rules, so the flat-file and Postgres
// backends cannot drift apart on invariants.
package storage

import (
	"context"

	"morguetrack/internal/allocation"
	"morguetrack/internal/body"
	"morguetrack/internal/exitrecord"
	"morguetrack/internal/movement"
	"morguetrack/internal/registry"
	id "morguetrack/pkg/domain"
)

// Store is the persistence port. Every call may fail with a wrapped
// sentinel.ErrUnavailable (connection loss, timeout), which services surface
// unchanged. Reads of missing records return sentinel.ErrNotFound.
type Store interface {
	// RunInTx executes fn as a single logical unit. The Postgres backend
	// opens a real transaction carried in ctx; the flat-file backend, which
	// has no native transactions, serializes all mutating calls behind a
	// lock with a timeout so a slow operation cannot hold it indefinitely.
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error

	GetBody(ctx context.Context, bodyID id.BodyID) (body.Body, error)
	// ListBodies returns the active set when activeOnly is true; released
	// bodies are excluded from it but remain resolvable via exit records.
	ListBodies(ctx context.Context, activeOnly bool) ([]body.Body, error)
	PutBody(ctx context.Context, b body.Body) error

	GetUnit(ctx context.Context, code id.UnitCode) (registry.Unit, error)
	ListUnits(ctx context.Context, filter registry.Filter) ([]registry.Unit, error)
	PutUnit(ctx context.Context, u registry.Unit) error

	GetAllocation(ctx context.Context, allocID id.AllocationID) (allocation.Allocation, error)
	ListAllocations(ctx context.Context, filter allocation.Filter) ([]allocation.Allocation, error)
	// PutAllocation inserts or updates. Backends reject a second Active
	// allocation for the same unit or body with sentinel.ErrConflict; that
	// check is a storage-level uniqueness guarantee, not a business rule,
	// and backs the service-level invariant under concurrency.
	PutAllocation(ctx context.Context, a allocation.Allocation) error

	AppendMovement(ctx context.Context, e movement.Entry) error
	ListMovementsByBody(ctx context.Context, bodyID id.BodyID) ([]movement.Entry, error)
	ListMovementsByUnit(ctx context.Context, code id.UnitCode) ([]movement.Entry, error)

	PutExitRecord(ctx context.Context, r exitrecord.ExitRecord) error
	ListExitRecords(ctx context.Context, filter exitrecord.Filter) ([]exitrecord.ExitRecord, error)
}
