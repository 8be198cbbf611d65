package allocation

import (
	"context"
	"errors"
	"time"

	"morguetrack/internal/body"
	id "morguetrack/pkg/domain"
	dErrors "morguetrack/pkg/domain-errors"
	"morguetrack/pkg/platform/sentinel"
)

// Store is the slice of the persistence port the ledger needs.
type Store interface {
	GetAllocation(ctx context.Context, allocID id.AllocationID) (Allocation, error)
	ListAllocations(ctx context.Context, filter Filter) ([]Allocation, error)
	PutAllocation(ctx context.Context, a Allocation) error
	ListBodies(ctx context.Context, activeOnly bool) ([]body.Body, error)
}

// Ledger keeps the append-mostly allocation history. Exclusivity checks live
// here and are double-covered by the storage backend's uniqueness guarantee,
// so a race that slips past the read still cannot commit two active rows.
type Ledger struct {
	store Store
}

func NewLedger(store Store) *Ledger {
	return &Ledger{store: store}
}

// CreateInput carries everything needed for a new active allocation.
type CreateInput struct {
	BodyID       id.BodyID
	UnitCode     id.UnitCode
	Actor        id.Actor
	Priority     Priority
	TempRequired string
	ExpectedDays int
	ProviderID   string
	OutletID     string
}

// Create records a new Active allocation after checking both exclusivity
// invariants. Conflicts name the conflicting unit or body.
func (l *Ledger) Create(ctx context.Context, in CreateInput) (Allocation, error) {
	byUnit, err := l.ListActiveByUnit(ctx, in.UnitCode)
	if err != nil {
		return Allocation{}, err
	}
	if len(byUnit) > 0 {
		return Allocation{}, dErrors.Newf(dErrors.CodeUnitOccupied,
			"unit %s is occupied by body %s", in.UnitCode, byUnit[0].BodyID).
			WithMeta("unit_code", in.UnitCode.String()).
			WithMeta("occupying_body_id", byUnit[0].BodyID.String())
	}

	byBody, err := l.ListActiveByBody(ctx, in.BodyID)
	if err != nil {
		return Allocation{}, err
	}
	if len(byBody) > 0 {
		return Allocation{}, dErrors.Newf(dErrors.CodeAllocationConflict,
			"body %s already holds unit %s", in.BodyID, byBody[0].UnitCode).
			WithMeta("body_id", in.BodyID.String()).
			WithMeta("unit_code", byBody[0].UnitCode.String())
	}

	now := time.Now().UTC()
	if in.Priority == "" {
		in.Priority = PriorityRoutine
	}
	alloc := Allocation{
		ID:           id.NewAllocationID(),
		BodyID:       in.BodyID,
		UnitCode:     in.UnitCode,
		Status:       StatusActive,
		Priority:     in.Priority,
		TempRequired: in.TempRequired,
		ExpectedDays: in.ExpectedDays,
		AllocatedBy:  in.Actor,
		ProviderID:   in.ProviderID,
		OutletID:     in.OutletID,
		AllocatedAt:  now,
		UpdatedAt:    now,
	}
	if err := l.store.PutAllocation(ctx, alloc); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			// Lost a race after the read; same caller-visible outcome.
			return Allocation{}, dErrors.Wrap(err, dErrors.CodeUnitOccupied, "unit "+in.UnitCode.String()+" was claimed concurrently").
				WithMeta("unit_code", in.UnitCode.String())
		}
		return Allocation{}, dErrors.Wrap(err, dErrors.CodeUnavailable, "create allocation")
	}
	return alloc, nil
}

// UpdateStatus applies a status transition. Re-applying the current status is
// an idempotent success: the ledger is returned unchanged and nothing is
// written.
func (l *Ledger) UpdateStatus(ctx context.Context, allocID id.AllocationID, next Status, actor id.Actor) (Allocation, error) {
	alloc, err := l.store.GetAllocation(ctx, allocID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return Allocation{}, dErrors.Newf(dErrors.CodeNotFound, "allocation %s not found", allocID)
		}
		return Allocation{}, dErrors.Wrap(err, dErrors.CodeUnavailable, "get allocation")
	}

	result, ok := Transition(alloc.Status, next)
	if !ok {
		return Allocation{}, dErrors.Newf(dErrors.CodeInvalidState,
			"allocation %s cannot move from %s to %s", allocID, alloc.Status, next).
			WithMeta("current", string(alloc.Status)).
			WithMeta("attempted", string(next))
	}
	if result == TransitionNoop {
		return alloc, nil
	}

	now := time.Now().UTC()
	alloc.Status = next
	alloc.UpdatedAt = now
	if next == StatusReleased {
		alloc.ReleasedAt = &now
	}
	if err := l.store.PutAllocation(ctx, alloc); err != nil {
		return Allocation{}, dErrors.Wrap(err, dErrors.CodeUnavailable, "update allocation")
	}
	return alloc, nil
}

func (l *Ledger) ListActiveByBody(ctx context.Context, bodyID id.BodyID) ([]Allocation, error) {
	active := StatusActive
	allocs, err := l.store.ListAllocations(ctx, Filter{BodyID: &bodyID, Status: &active})
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "list allocations by body")
	}
	return allocs, nil
}

func (l *Ledger) ListActiveByUnit(ctx context.Context, code id.UnitCode) ([]Allocation, error) {
	active := StatusActive
	allocs, err := l.store.ListAllocations(ctx, Filter{UnitCode: &code, Status: &active})
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "list allocations by unit")
	}
	return allocs, nil
}

// FindOrphans reports bodies that reference a storage unit without a matching
// active allocation. This is a repair surface for administrators, not a
// live-path concern: the flat-file backend can leave such a state behind when
// a multi-step assignment fails partway.
func (l *Ledger) FindOrphans(ctx context.Context) ([]body.Body, error) {
	bodies, err := l.store.ListBodies(ctx, true)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "list bodies")
	}

	var orphans []body.Body
	for _, b := range bodies {
		if b.CurrentUnit == "" {
			continue
		}
		active, err := l.ListActiveByBody(ctx, b.ID)
		if err != nil {
			return nil, err
		}
		matched := false
		for _, a := range active {
			if a.UnitCode == b.CurrentUnit {
				matched = true
				break
			}
		}
		if !matched {
			orphans = append(orphans, b)
		}
	}
	return orphans, nil
}
