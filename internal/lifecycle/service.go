// Package lifecycle orchestrates the body state machine, the storage registry
// and the allocation ledger. Every mutation runs inside the store's
// transactional primitive; for multi-step assignments the body record is
// written before the allocation so a partial failure on the flat-file backend
// leaves a state FindOrphans can detect, never a silently lost allocation.
package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"morguetrack/internal/allocation"
	"morguetrack/internal/audit"
	"morguetrack/internal/body"
	"morguetrack/internal/exitrecord"
	"morguetrack/internal/idgen"
	"morguetrack/internal/movement"
	"morguetrack/internal/platform/metrics"
	"morguetrack/internal/registry"
	"morguetrack/internal/release"
	"morguetrack/internal/storage"
	id "morguetrack/pkg/domain"
	dErrors "morguetrack/pkg/domain-errors"
	"morguetrack/pkg/platform/sentinel"
)

// Service is the only component allowed to mutate bodies, units and
// allocations together.
type Service struct {
	store    storage.Store
	registry *registry.Service
	ledger   *allocation.Ledger
	numbers  *idgen.Generator
	audit    *audit.Publisher
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	logger   *slog.Logger
	now      func() time.Time
}

func NewService(
	store storage.Store,
	reg *registry.Service,
	ledger *allocation.Ledger,
	numbers *idgen.Generator,
	publisher *audit.Publisher,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Service {
	return &Service{
		store:    store,
		registry: reg,
		ledger:   ledger,
		numbers:  numbers,
		audit:    publisher,
		metrics:  m,
		tracer:   otel.Tracer("morguetrack/internal/lifecycle"),
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock injects time for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// RegisterInput carries the intake form for a new body record.
type RegisterInput struct {
	Name         string
	TimeOfDeath  time.Time
	CauseOfDeath string
	PlaceOfDeath string
	Risk         body.RiskLevel
	Notes        string
	ProviderID   string
	OutletID     string
	Actor        id.Actor
}

func (in RegisterInput) validate() error {
	var missing []string
	if in.Name == "" {
		missing = append(missing, "name")
	}
	if in.TimeOfDeath.IsZero() {
		missing = append(missing, "time_of_death")
	}
	if len(missing) > 0 {
		return dErrors.New(dErrors.CodeValidation, "registration details incomplete").WithFields(missing...)
	}
	if in.Risk != "" && !body.ValidRisk(in.Risk) {
		return dErrors.Newf(dErrors.CodeValidation, "unknown risk level %q", in.Risk).WithFields("risk")
	}
	return nil
}

// Register creates a new body record in Pending with a fresh registration
// number. A sequencer outage does not block intake: the number is issued in
// degraded form and the event is audited.
func (s *Service) Register(ctx context.Context, in RegisterInput) (body.Body, error) {
	ctx, span := s.tracer.Start(ctx, "lifecycle.Register")
	defer span.End()
	defer s.metrics.ObserveOperation("register", s.now())

	if err := in.validate(); err != nil {
		return body.Body{}, err
	}
	if in.Risk == "" {
		in.Risk = body.RiskLow
	}

	num := s.numbers.Generate(ctx)
	now := s.now().UTC()
	b := body.Body{
		ID:                 id.NewBodyID(),
		RegistrationNumber: num.Value,
		Name:               in.Name,
		TimeOfDeath:        in.TimeOfDeath,
		CauseOfDeath:       in.CauseOfDeath,
		PlaceOfDeath:       in.PlaceOfDeath,
		Risk:               in.Risk,
		Notes:              in.Notes,
		Status:             body.StatusPending,
		ProviderID:         in.ProviderID,
		OutletID:           in.OutletID,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	err := s.store.RunInTx(ctx, func(ctx context.Context) error {
		return s.store.PutBody(ctx, b)
	})
	if err != nil {
		return body.Body{}, dErrors.Wrap(err, dErrors.CodeUnavailable, "register body")
	}

	s.metrics.BodiesRegistered.Inc()
	if num.Degraded {
		s.metrics.DegradedIDs.Inc()
		s.audit.Emit(ctx, audit.Event{
			Action: audit.ActionIDGenDegraded,
			BodyID: b.ID.String(),
			Actor:  in.Actor.String(),
			Detail: num.Value,
		})
	}
	s.audit.Emit(ctx, audit.Event{
		Action: audit.ActionBodyRegistered,
		BodyID: b.ID.String(),
		Actor:  in.Actor.String(),
		Detail: num.Value,
	})
	s.logger.InfoContext(ctx, "body registered",
		"body_id", b.ID.String(), "registration_number", num.Value, "degraded", num.Degraded)
	return b, nil
}

// VerifyInput records one identity confirmation.
type VerifyInput struct {
	VerifierName string
	Relation     string
	Contact      string
	Actor        id.Actor
}

// Verify appends a verification event and, on first verification, moves the
// body from Pending to Verified. Later verifications append without changing
// status.
func (s *Service) Verify(ctx context.Context, bodyID id.BodyID, in VerifyInput) (body.Body, error) {
	ctx, span := s.tracer.Start(ctx, "lifecycle.Verify")
	defer span.End()
	defer s.metrics.ObserveOperation("verify", s.now())

	if in.VerifierName == "" {
		return body.Body{}, dErrors.New(dErrors.CodeValidation, "verification details incomplete").WithFields("verifier_name")
	}

	var updated body.Body
	err := s.store.RunInTx(ctx, func(ctx context.Context) error {
		b, err := s.getBody(ctx, bodyID)
		if err != nil {
			return err
		}
		if b.Status == body.StatusReleased {
			return dErrors.Newf(dErrors.CodeInvalidState, "body %s is released and immutable", bodyID)
		}

		now := s.now().UTC()
		b.Verifications = append(b.Verifications, body.VerificationEvent{
			VerifierName: in.VerifierName,
			Relation:     in.Relation,
			Contact:      in.Contact,
			VerifiedAt:   now,
		})
		if b.Status == body.StatusPending {
			b.Status = body.StatusVerified
		}
		b.UpdatedAt = now
		if err := s.store.PutBody(ctx, b); err != nil {
			return dErrors.Wrap(err, dErrors.CodeUnavailable, "update body")
		}
		updated = b
		return nil
	})
	if err != nil {
		return body.Body{}, err
	}

	s.metrics.BodiesVerified.Inc()
	s.audit.Emit(ctx, audit.Event{
		Action: audit.ActionBodyVerified,
		BodyID: bodyID.String(),
		Actor:  in.Actor.String(),
		Detail: in.VerifierName,
	})
	return updated, nil
}

// AssignInput parameterizes a storage assignment.
type AssignInput struct {
	UnitCode     id.UnitCode
	Actor        id.Actor
	TempRequired string
	ExpectedDays int
}

// AssignStorage places a body into a storage unit, or moves it there from its
// current unit. A unit holding another body is never displaced: the call fails
// with a conflict naming the occupant. Assigning the unit the body already
// holds is an idempotent success.
func (s *Service) AssignStorage(ctx context.Context, bodyID id.BodyID, in AssignInput) (body.Body, allocation.Allocation, error) {
	ctx, span := s.tracer.Start(ctx, "lifecycle.AssignStorage")
	defer span.End()
	defer s.metrics.ObserveOperation("assign_storage", s.now())

	var (
		updated  body.Body
		alloc    allocation.Allocation
		reassign bool
		noop     bool
		prevUnit string
	)
	err := s.store.RunInTx(ctx, func(ctx context.Context) error {
		b, err := s.getBody(ctx, bodyID)
		if err != nil {
			return err
		}
		if !body.CanTransition(b.Status, body.StatusInStorage) {
			return dErrors.Newf(dErrors.CodeInvalidState,
				"body %s cannot enter storage from status %s", bodyID, b.Status).
				WithMeta("current", string(b.Status))
		}

		unit, err := s.registry.EnsureUnit(ctx, in.UnitCode, registry.UnitDefaults{
			ProviderID: b.ProviderID,
			OutletID:   b.OutletID,
		})
		if err != nil {
			return err
		}
		if unit.Status == registry.UnitMaintenance {
			return dErrors.Newf(dErrors.CodeInvalidState, "storage unit %s is under maintenance", in.UnitCode).
				WithMeta("unit_code", in.UnitCode.String())
		}

		active, err := s.ledger.ListActiveByUnit(ctx, in.UnitCode)
		if err != nil {
			return err
		}
		if len(active) > 0 {
			if active[0].BodyID == bodyID {
				// Already holding this unit: nothing to do.
				updated, alloc, noop = b, active[0], true
				return nil
			}
			s.metrics.AllocationConflicts.Inc()
			s.audit.Emit(ctx, audit.Event{
				Action: audit.ActionAllocationConflict,
				BodyID: bodyID.String(),
				ToUnit: in.UnitCode.String(),
				Actor:  in.Actor.String(),
				Detail: "occupied by " + active[0].BodyID.String(),
			})
			return dErrors.Newf(dErrors.CodeUnitOccupied,
				"unit %s is occupied by body %s", in.UnitCode, active[0].BodyID).
				WithMeta("unit_code", in.UnitCode.String()).
				WithMeta("occupying_body_id", active[0].BodyID.String())
		}

		var fromUnit *id.UnitCode
		if b.CurrentUnit != "" {
			prev := b.CurrentUnit
			fromUnit = &prev
			prevUnit = prev.String()
			reassign = true
			if err := s.releaseActiveAllocation(ctx, b.ID, in.Actor); err != nil {
				return err
			}
			if err := s.registry.SetOccupant(ctx, prev, nil); err != nil {
				return err
			}
		}

		// The body record is written before the allocation: a failure in
		// between leaves an orphan FindOrphans reports, not a hidden one.
		now := s.now().UTC()
		b.Status = body.StatusInStorage
		b.CurrentUnit = in.UnitCode
		b.UpdatedAt = now
		if err := s.store.PutBody(ctx, b); err != nil {
			return dErrors.Wrap(err, dErrors.CodeUnavailable, "update body")
		}

		if err := s.store.AppendMovement(ctx, movement.Entry{
			ID:         id.NewMovementID(),
			BodyID:     b.ID,
			FromUnit:   fromUnit,
			ToUnit:     in.UnitCode,
			Actor:      in.Actor,
			RecordedAt: now,
		}); err != nil {
			return dErrors.Wrap(err, dErrors.CodeUnavailable, "append movement")
		}

		alloc, err = s.ledger.Create(ctx, allocation.CreateInput{
			BodyID:       b.ID,
			UnitCode:     in.UnitCode,
			Actor:        in.Actor,
			Priority:     allocation.PriorityForRisk(b.Risk),
			TempRequired: in.TempRequired,
			ExpectedDays: in.ExpectedDays,
			ProviderID:   b.ProviderID,
			OutletID:     b.OutletID,
		})
		if err != nil {
			return err
		}
		if err := s.registry.SetOccupant(ctx, in.UnitCode, &b.ID); err != nil {
			return err
		}
		updated = b
		return nil
	})
	if err != nil {
		return body.Body{}, allocation.Allocation{}, err
	}

	if noop {
		return updated, alloc, nil
	}

	action := audit.ActionStorageAssigned
	if reassign {
		s.metrics.StorageReassignments.Inc()
		action = audit.ActionStorageReassigned
	} else {
		s.metrics.StorageAssignments.Inc()
	}
	s.audit.Emit(ctx, audit.Event{
		Action:   action,
		BodyID:   bodyID.String(),
		FromUnit: prevUnit,
		ToUnit:   in.UnitCode.String(),
		Actor:    in.Actor.String(),
	})
	s.logger.InfoContext(ctx, "storage assigned",
		"body_id", bodyID.String(), "unit_code", in.UnitCode.String(), "reassign", reassign)
	return updated, alloc, nil
}

// Unassign takes a body out of storage without releasing it: the allocation is
// closed, the unit freed, and the body returns to Verified.
func (s *Service) Unassign(ctx context.Context, bodyID id.BodyID, actor id.Actor) (body.Body, error) {
	ctx, span := s.tracer.Start(ctx, "lifecycle.Unassign")
	defer span.End()
	defer s.metrics.ObserveOperation("unassign", s.now())

	var (
		updated  body.Body
		fromUnit id.UnitCode
	)
	err := s.store.RunInTx(ctx, func(ctx context.Context) error {
		b, err := s.getBody(ctx, bodyID)
		if err != nil {
			return err
		}
		if b.Status != body.StatusInStorage {
			return dErrors.Newf(dErrors.CodeInvalidState,
				"body %s is not in storage (status %s)", bodyID, b.Status).
				WithMeta("current", string(b.Status))
		}

		fromUnit = b.CurrentUnit
		if err := s.releaseActiveAllocation(ctx, b.ID, actor); err != nil {
			return err
		}
		if fromUnit != "" {
			if err := s.registry.SetOccupant(ctx, fromUnit, nil); err != nil {
				return err
			}
		}

		b.Status = body.StatusVerified
		b.CurrentUnit = ""
		b.UpdatedAt = s.now().UTC()
		if err := s.store.PutBody(ctx, b); err != nil {
			return dErrors.Wrap(err, dErrors.CodeUnavailable, "update body")
		}
		updated = b
		return nil
	})
	if err != nil {
		return body.Body{}, err
	}

	s.audit.Emit(ctx, audit.Event{
		Action:   audit.ActionStorageUnassigned,
		BodyID:   bodyID.String(),
		FromUnit: fromUnit.String(),
		Actor:    actor.String(),
	})
	return updated, nil
}

// UpdateInput is a partial update. Nil fields are untouched. A unit change
// does not write the field directly: it routes through AssignStorage or
// Unassign, and a rejected unit change rejects the whole update.
type UpdateInput struct {
	Name         *string
	CauseOfDeath *string
	PlaceOfDeath *string
	Risk         *body.RiskLevel
	Notes        *string
	UnitCode     *string
	Actor        id.Actor
}

// Update applies a field patch to a non-released body.
func (s *Service) Update(ctx context.Context, bodyID id.BodyID, in UpdateInput) (body.Body, error) {
	ctx, span := s.tracer.Start(ctx, "lifecycle.Update")
	defer span.End()
	defer s.metrics.ObserveOperation("update", s.now())

	if in.Risk != nil && !body.ValidRisk(*in.Risk) {
		return body.Body{}, dErrors.Newf(dErrors.CodeValidation, "unknown risk level %q", *in.Risk).WithFields("risk")
	}
	if in.Name != nil && *in.Name == "" {
		return body.Body{}, dErrors.New(dErrors.CodeValidation, "name cannot be cleared").WithFields("name")
	}

	// Unit changes go through the storage operations, never a raw field
	// write, and they run before the field patch: an occupied unit or an
	// invalid transition rejects the whole update with no fields persisted.
	if in.UnitCode != nil {
		if *in.UnitCode == "" {
			if _, err := s.Unassign(ctx, bodyID, in.Actor); err != nil {
				return body.Body{}, err
			}
		} else {
			code, err := id.ParseUnitCode(*in.UnitCode)
			if err != nil {
				return body.Body{}, err
			}
			if _, _, err := s.AssignStorage(ctx, bodyID, AssignInput{UnitCode: code, Actor: in.Actor}); err != nil {
				return body.Body{}, err
			}
		}
	}

	var updated body.Body
	err := s.store.RunInTx(ctx, func(ctx context.Context) error {
		b, err := s.getBody(ctx, bodyID)
		if err != nil {
			return err
		}
		if b.Status == body.StatusReleased {
			return dErrors.Newf(dErrors.CodeInvalidState, "body %s is released and immutable", bodyID)
		}

		if in.Name != nil {
			b.Name = *in.Name
		}
		if in.CauseOfDeath != nil {
			b.CauseOfDeath = *in.CauseOfDeath
		}
		if in.PlaceOfDeath != nil {
			b.PlaceOfDeath = *in.PlaceOfDeath
		}
		if in.Risk != nil {
			b.Risk = *in.Risk
		}
		if in.Notes != nil {
			b.Notes = *in.Notes
		}
		b.UpdatedAt = s.now().UTC()
		if err := s.store.PutBody(ctx, b); err != nil {
			return dErrors.Wrap(err, dErrors.CodeUnavailable, "update body")
		}
		updated = b
		return nil
	})
	if err != nil {
		return body.Body{}, err
	}

	s.audit.Emit(ctx, audit.Event{
		Action: audit.ActionBodyUpdated,
		BodyID: bodyID.String(),
		Actor:  in.Actor.String(),
	})
	return updated, nil
}

// Release performs the exit workflow in one critical section: snapshot the
// body into an exit record, close the active allocation, free the unit, and
// mark the body Released. The precondition is strict: an unverified body
// cannot be released.
func (s *Service) Release(ctx context.Context, bodyID id.BodyID, details release.Details, actor id.Actor) (exitrecord.ExitRecord, release.NOCPayload, error) {
	ctx, span := s.tracer.Start(ctx, "lifecycle.Release")
	defer span.End()
	defer s.metrics.ObserveOperation("release", s.now())

	if err := details.Validate(); err != nil {
		return exitrecord.ExitRecord{}, release.NOCPayload{}, err
	}

	var (
		rec      exitrecord.ExitRecord
		fromUnit string
	)
	err := s.store.RunInTx(ctx, func(ctx context.Context) error {
		b, err := s.getBody(ctx, bodyID)
		if err != nil {
			return err
		}
		if b.Status == body.StatusReleased {
			return dErrors.Newf(dErrors.CodeInvalidState, "body %s is already released", bodyID)
		}
		if !b.Releasable() {
			return dErrors.Newf(dErrors.CodeInvalidState,
				"body %s must be verified before release (status %s)", bodyID, b.Status).
				WithMeta("current", string(b.Status))
		}

		var freedUnit *id.UnitCode
		if b.CurrentUnit != "" {
			prev := b.CurrentUnit
			freedUnit = &prev
			fromUnit = prev.String()
			if err := s.releaseActiveAllocation(ctx, b.ID, actor); err != nil {
				return err
			}
			if err := s.registry.SetOccupant(ctx, prev, nil); err != nil {
				return err
			}
		}

		rec = release.BuildExitRecord(b, details, actor, freedUnit, s.now().UTC())
		if err := s.store.PutExitRecord(ctx, rec); err != nil {
			if errors.Is(err, sentinel.ErrConflict) {
				return dErrors.Newf(dErrors.CodeInvalidState, "body %s already has an exit record", bodyID)
			}
			return dErrors.Wrap(err, dErrors.CodeUnavailable, "write exit record")
		}

		b.Status = body.StatusReleased
		b.CurrentUnit = ""
		b.UpdatedAt = s.now().UTC()
		if err := s.store.PutBody(ctx, b); err != nil {
			return dErrors.Wrap(err, dErrors.CodeUnavailable, "update body")
		}
		return nil
	})
	if err != nil {
		return exitrecord.ExitRecord{}, release.NOCPayload{}, err
	}

	s.metrics.BodiesReleased.Inc()
	s.audit.Emit(ctx, audit.Event{
		Action:   audit.ActionBodyReleased,
		BodyID:   bodyID.String(),
		FromUnit: fromUnit,
		Actor:    actor.String(),
		Detail:   rec.ReceiverName,
	})
	s.logger.InfoContext(ctx, "body released",
		"body_id", bodyID.String(), "receiver", rec.ReceiverName, "freed_unit", fromUnit)
	return rec, release.BuildNOC(rec), nil
}

// GetBody resolves a body by id. Released bodies stay resolvable here; only
// the active listing excludes them.
func (s *Service) GetBody(ctx context.Context, bodyID id.BodyID) (body.Body, error) {
	return s.getBody(ctx, bodyID)
}

// ListBodies returns the active set, or every record when activeOnly is false.
func (s *Service) ListBodies(ctx context.Context, activeOnly bool) ([]body.Body, error) {
	bodies, err := s.store.ListBodies(ctx, activeOnly)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "list bodies")
	}
	return bodies, nil
}

// ListAllocations returns allocations matching the filter, newest last.
func (s *Service) ListAllocations(ctx context.Context, filter allocation.Filter) ([]allocation.Allocation, error) {
	allocs, err := s.store.ListAllocations(ctx, filter)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "list allocations")
	}
	return allocs, nil
}

// MovementHistory returns the append-only reassignment trail for a body in
// recorded order.
func (s *Service) MovementHistory(ctx context.Context, bodyID id.BodyID) ([]movement.Entry, error) {
	entries, err := s.store.ListMovementsByBody(ctx, bodyID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "list movements")
	}
	return entries, nil
}

// UnitMovementHistory returns every movement touching a unit.
func (s *Service) UnitMovementHistory(ctx context.Context, code id.UnitCode) ([]movement.Entry, error) {
	entries, err := s.store.ListMovementsByUnit(ctx, code)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "list movements")
	}
	return entries, nil
}

// ExitRecordFor returns the exit record for a released body.
func (s *Service) ExitRecordFor(ctx context.Context, bodyID id.BodyID) (exitrecord.ExitRecord, error) {
	recs, err := s.store.ListExitRecords(ctx, exitrecord.Filter{BodyID: &bodyID})
	if err != nil {
		return exitrecord.ExitRecord{}, dErrors.Wrap(err, dErrors.CodeUnavailable, "list exit records")
	}
	if len(recs) == 0 {
		return exitrecord.ExitRecord{}, dErrors.Newf(dErrors.CodeNotFound, "no exit record for body %s", bodyID)
	}
	return recs[0], nil
}

// ListExitRecords returns exit records matching the filter.
func (s *Service) ListExitRecords(ctx context.Context, filter exitrecord.Filter) ([]exitrecord.ExitRecord, error) {
	recs, err := s.store.ListExitRecords(ctx, filter)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "list exit records")
	}
	return recs, nil
}

// FindOrphans reports bodies whose unit reference has no backing active
// allocation. See allocation.Ledger.FindOrphans.
func (s *Service) FindOrphans(ctx context.Context) ([]body.Body, error) {
	return s.ledger.FindOrphans(ctx)
}

func (s *Service) getBody(ctx context.Context, bodyID id.BodyID) (body.Body, error) {
	b, err := s.store.GetBody(ctx, bodyID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return body.Body{}, dErrors.Newf(dErrors.CodeNotFound, "body %s not found", bodyID)
		}
		return body.Body{}, dErrors.Wrap(err, dErrors.CodeUnavailable, "get body")
	}
	return b, nil
}

// releaseActiveAllocation closes whatever active allocation the body holds.
// No active allocation is not an error: the body may be an orphan under
// repair.
func (s *Service) releaseActiveAllocation(ctx context.Context, bodyID id.BodyID, actor id.Actor) error {
	active, err := s.ledger.ListActiveByBody(ctx, bodyID)
	if err != nil {
		return err
	}
	for _, a := range active {
		if _, err := s.ledger.UpdateStatus(ctx, a.ID, allocation.StatusReleased, actor); err != nil {
			return err
		}
	}
	return nil
}
