// Package postgres implements the persistence port on PostgreSQL. The
// active-allocation exclusivity invariants are backed by partial unique
// indexes, so concurrent writers race on the database rather than in process.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"morguetrack/internal/allocation"
	"morguetrack/internal/body"
	"morguetrack/internal/exitrecord"
	"morguetrack/internal/movement"
	"morguetrack/internal/registry"
	id "morguetrack/pkg/domain"
)

// Store implements storage.Store on a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return withTx(ctx, s.pool, fn)
}

// q returns the transaction from context when inside RunInTx, else the pool.
func (s *Store) q(ctx context.Context) querier {
	if tx := txFromContext(ctx); tx != nil {
		return tx
	}
	return s.pool
}

const bodyColumns = `id, registration_number, name, time_of_death, cause_of_death, place_of_death,
	risk, notes, status, verifications, current_unit, provider_id, outlet_id, created_at, updated_at`

func (s *Store) GetBody(ctx context.Context, bodyID id.BodyID) (body.Body, error) {
	query := fmt.Sprintf(`SELECT %s FROM bodies WHERE id = $1`, bodyColumns)
	// Inside RunInTx the read locks the row: every lifecycle mutation starts
	// by loading the body, so concurrent mutations on the same body serialize
	// instead of interleaving on stale snapshots.
	if txFromContext(ctx) != nil {
		query += ` FOR UPDATE`
	}
	b, err := scanBody(s.q(ctx).QueryRow(ctx, query, uuid.UUID(bodyID)))
	if err != nil {
		return body.Body{}, mapErr("get body", err)
	}
	return b, nil
}

func (s *Store) ListBodies(ctx context.Context, activeOnly bool) ([]body.Body, error) {
	query := fmt.Sprintf(`SELECT %s FROM bodies ORDER BY created_at`, bodyColumns)
	if activeOnly {
		query = fmt.Sprintf(`SELECT %s FROM bodies WHERE status <> 'released' ORDER BY created_at`, bodyColumns)
	}
	rows, err := s.q(ctx).Query(ctx, query)
	if err != nil {
		return nil, mapErr("list bodies", err)
	}
	defer rows.Close()

	var out []body.Body
	for rows.Next() {
		b, err := scanBody(rows)
		if err != nil {
			return nil, mapErr("scan body", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("list bodies", err)
	}
	return out, nil
}

func (s *Store) PutBody(ctx context.Context, b body.Body) error {
	verifications, err := json.Marshal(b.Verifications)
	if err != nil {
		return fmt.Errorf("marshal verifications: %w", err)
	}
	var currentUnit *string
	if b.CurrentUnit != "" {
		u := b.CurrentUnit.String()
		currentUnit = &u
	}
	const query = `
INSERT INTO bodies (id, registration_number, name, time_of_death, cause_of_death, place_of_death,
	risk, notes, status, verifications, current_unit, provider_id, outlet_id, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
ON CONFLICT (id) DO UPDATE SET
	registration_number = EXCLUDED.registration_number,
	name = EXCLUDED.name,
	time_of_death = EXCLUDED.time_of_death,
	cause_of_death = EXCLUDED.cause_of_death,
	place_of_death = EXCLUDED.place_of_death,
	risk = EXCLUDED.risk,
	notes = EXCLUDED.notes,
	status = EXCLUDED.status,
	verifications = EXCLUDED.verifications,
	current_unit = EXCLUDED.current_unit,
	provider_id = EXCLUDED.provider_id,
	outlet_id = EXCLUDED.outlet_id,
	updated_at = EXCLUDED.updated_at`
	_, err = s.q(ctx).Exec(ctx, query,
		uuid.UUID(b.ID), b.RegistrationNumber, b.Name, b.TimeOfDeath, b.CauseOfDeath, b.PlaceOfDeath,
		string(b.Risk), b.Notes, string(b.Status), verifications, currentUnit,
		b.ProviderID, b.OutletID, b.CreatedAt, b.UpdatedAt)
	return mapErr("put body", err)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBody(row rowScanner) (body.Body, error) {
	var (
		b             body.Body
		bodyID        uuid.UUID
		risk, status  string
		verifications []byte
		currentUnit   *string
	)
	err := row.Scan(&bodyID, &b.RegistrationNumber, &b.Name, &b.TimeOfDeath, &b.CauseOfDeath,
		&b.PlaceOfDeath, &risk, &b.Notes, &status, &verifications, &currentUnit,
		&b.ProviderID, &b.OutletID, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return body.Body{}, err
	}
	b.ID = id.BodyID(bodyID)
	b.Risk = body.RiskLevel(risk)
	b.Status = body.Status(status)
	if currentUnit != nil {
		b.CurrentUnit = id.UnitCode(*currentUnit)
	}
	if len(verifications) > 0 {
		if err := json.Unmarshal(verifications, &b.Verifications); err != nil {
			return body.Body{}, fmt.Errorf("unmarshal verifications: %w", err)
		}
	}
	return b, nil
}

const unitColumns = `code, type, capacity, occupant, status, provider_id, outlet_id, created_at, updated_at`

func (s *Store) GetUnit(ctx context.Context, code id.UnitCode) (registry.Unit, error) {
	query := fmt.Sprintf(`SELECT %s FROM storage_units WHERE code = $1`, unitColumns)
	u, err := scanUnit(s.q(ctx).QueryRow(ctx, query, code.String()))
	if err != nil {
		return registry.Unit{}, mapErr("get unit", err)
	}
	return u, nil
}

func (s *Store) ListUnits(ctx context.Context, filter registry.Filter) ([]registry.Unit, error) {
	// Availability also depends on occupancy and capacity, so OnlyAvailable is
	// finished in Go against the model's Available() to keep one definition.
	query := fmt.Sprintf(`SELECT %s FROM storage_units ORDER BY code`, unitColumns)
	rows, err := s.q(ctx).Query(ctx, query)
	if err != nil {
		return nil, mapErr("list units", err)
	}
	defer rows.Close()

	var out []registry.Unit
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, mapErr("scan unit", err)
		}
		if filter.Matches(u) {
			out = append(out, u)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("list units", err)
	}
	return out, nil
}

func (s *Store) PutUnit(ctx context.Context, u registry.Unit) error {
	var occupant *uuid.UUID
	if u.Occupant != nil {
		o := uuid.UUID(*u.Occupant)
		occupant = &o
	}
	const query = `
INSERT INTO storage_units (code, type, capacity, occupant, status, provider_id, outlet_id, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (code) DO UPDATE SET
	type = EXCLUDED.type,
	capacity = EXCLUDED.capacity,
	occupant = EXCLUDED.occupant,
	status = EXCLUDED.status,
	provider_id = EXCLUDED.provider_id,
	outlet_id = EXCLUDED.outlet_id,
	updated_at = EXCLUDED.updated_at`
	_, err := s.q(ctx).Exec(ctx, query,
		u.Code.String(), string(u.Type), u.Capacity, occupant, string(u.Status),
		u.ProviderID, u.OutletID, u.CreatedAt, u.UpdatedAt)
	return mapErr("put unit", err)
}

func scanUnit(row rowScanner) (registry.Unit, error) {
	var (
		u        registry.Unit
		code     string
		unitType string
		occupant *uuid.UUID
		status   string
	)
	err := row.Scan(&code, &unitType, &u.Capacity, &occupant, &status,
		&u.ProviderID, &u.OutletID, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return registry.Unit{}, err
	}
	u.Code = id.UnitCode(code)
	u.Type = registry.UnitType(unitType)
	u.Status = registry.UnitStatus(status)
	if occupant != nil {
		b := id.BodyID(*occupant)
		u.Occupant = &b
	}
	return u, nil
}

const allocationColumns = `id, body_id, unit_code, status, priority, temp_required, expected_days,
	allocated_by, provider_id, outlet_id, allocated_at, released_at, updated_at`

func (s *Store) GetAllocation(ctx context.Context, allocID id.AllocationID) (allocation.Allocation, error) {
	query := fmt.Sprintf(`SELECT %s FROM storage_allocations WHERE id = $1`, allocationColumns)
	a, err := scanAllocation(s.q(ctx).QueryRow(ctx, query, uuid.UUID(allocID)))
	if err != nil {
		return allocation.Allocation{}, mapErr("get allocation", err)
	}
	return a, nil
}

func (s *Store) ListAllocations(ctx context.Context, filter allocation.Filter) ([]allocation.Allocation, error) {
	query := fmt.Sprintf(`SELECT %s FROM storage_allocations ORDER BY allocated_at`, allocationColumns)
	rows, err := s.q(ctx).Query(ctx, query)
	if err != nil {
		return nil, mapErr("list allocations", err)
	}
	defer rows.Close()

	var out []allocation.Allocation
	for rows.Next() {
		a, err := scanAllocation(rows)
		if err != nil {
			return nil, mapErr("scan allocation", err)
		}
		if filter.Matches(a) {
			out = append(out, a)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("list allocations", err)
	}
	return out, nil
}

func (s *Store) PutAllocation(ctx context.Context, a allocation.Allocation) error {
	const query = `
INSERT INTO storage_allocations (id, body_id, unit_code, status, priority, temp_required, expected_days,
	allocated_by, provider_id, outlet_id, allocated_at, released_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (id) DO UPDATE SET
	status = EXCLUDED.status,
	priority = EXCLUDED.priority,
	temp_required = EXCLUDED.temp_required,
	expected_days = EXCLUDED.expected_days,
	released_at = EXCLUDED.released_at,
	updated_at = EXCLUDED.updated_at`
	_, err := s.q(ctx).Exec(ctx, query,
		uuid.UUID(a.ID), uuid.UUID(a.BodyID), a.UnitCode.String(), string(a.Status), string(a.Priority),
		a.TempRequired, a.ExpectedDays, a.AllocatedBy.String(), a.ProviderID, a.OutletID,
		a.AllocatedAt, a.ReleasedAt, a.UpdatedAt)
	return mapErr("put allocation", err)
}

func scanAllocation(row rowScanner) (allocation.Allocation, error) {
	var (
		a                allocation.Allocation
		allocID, bodyID  uuid.UUID
		unitCode         string
		status, priority string
		allocatedBy      string
	)
	err := row.Scan(&allocID, &bodyID, &unitCode, &status, &priority, &a.TempRequired,
		&a.ExpectedDays, &allocatedBy, &a.ProviderID, &a.OutletID,
		&a.AllocatedAt, &a.ReleasedAt, &a.UpdatedAt)
	if err != nil {
		return allocation.Allocation{}, err
	}
	a.ID = id.AllocationID(allocID)
	a.BodyID = id.BodyID(bodyID)
	a.UnitCode = id.UnitCode(unitCode)
	a.Status = allocation.Status(status)
	a.Priority = allocation.Priority(priority)
	a.AllocatedBy = id.Actor(allocatedBy)
	return a, nil
}

func (s *Store) AppendMovement(ctx context.Context, e movement.Entry) error {
	var fromUnit *string
	if e.FromUnit != nil {
		f := e.FromUnit.String()
		fromUnit = &f
	}
	const query = `
INSERT INTO movements (id, body_id, from_unit, to_unit, actor, recorded_at)
VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := s.q(ctx).Exec(ctx, query,
		uuid.UUID(e.ID), uuid.UUID(e.BodyID), fromUnit, e.ToUnit.String(), e.Actor.String(), e.RecordedAt)
	return mapErr("append movement", err)
}

const movementColumns = `id, body_id, from_unit, to_unit, actor, recorded_at`

func (s *Store) ListMovementsByBody(ctx context.Context, bodyID id.BodyID) ([]movement.Entry, error) {
	query := fmt.Sprintf(`SELECT %s FROM movements WHERE body_id = $1 ORDER BY recorded_at`, movementColumns)
	return s.listMovements(ctx, query, uuid.UUID(bodyID))
}

func (s *Store) ListMovementsByUnit(ctx context.Context, code id.UnitCode) ([]movement.Entry, error) {
	query := fmt.Sprintf(`SELECT %s FROM movements WHERE to_unit = $1 OR from_unit = $1 ORDER BY recorded_at`, movementColumns)
	return s.listMovements(ctx, query, code.String())
}

func (s *Store) listMovements(ctx context.Context, query string, arg any) ([]movement.Entry, error) {
	rows, err := s.q(ctx).Query(ctx, query, arg)
	if err != nil {
		return nil, mapErr("list movements", err)
	}
	defer rows.Close()

	var out []movement.Entry
	for rows.Next() {
		var (
			e               movement.Entry
			entryID, bodyID uuid.UUID
			fromUnit        *string
			toUnit, actor   string
		)
		if err := rows.Scan(&entryID, &bodyID, &fromUnit, &toUnit, &actor, &e.RecordedAt); err != nil {
			return nil, mapErr("scan movement", err)
		}
		e.ID = id.MovementID(entryID)
		e.BodyID = id.BodyID(bodyID)
		if fromUnit != nil {
			f := id.UnitCode(*fromUnit)
			e.FromUnit = &f
		}
		e.ToUnit = id.UnitCode(toUnit)
		e.Actor = id.Actor(actor)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("list movements", err)
	}
	return out, nil
}

func (s *Store) PutExitRecord(ctx context.Context, r exitrecord.ExitRecord) error {
	verifications, err := json.Marshal(r.Verifications)
	if err != nil {
		return fmt.Errorf("marshal verifications: %w", err)
	}
	var releasedFrom *string
	if r.ReleasedFromUnit != nil {
		u := r.ReleasedFromUnit.String()
		releasedFrom = &u
	}
	const query = `
INSERT INTO exit_records (id, body_id, registration_number, name, time_of_death, cause_of_death,
	place_of_death, risk, verifications, released_from_unit, provider_id, outlet_id,
	receiver_name, receiver_id, relationship, witnessing_staff, release_conditions,
	exited_at, processed_by, noc_generated)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`
	_, err = s.q(ctx).Exec(ctx, query,
		uuid.UUID(r.ID), uuid.UUID(r.BodyID), r.RegistrationNumber, r.Name, r.TimeOfDeath,
		r.CauseOfDeath, r.PlaceOfDeath, string(r.Risk), verifications, releasedFrom,
		r.ProviderID, r.OutletID, r.ReceiverName, r.ReceiverID, r.Relationship,
		r.WitnessingStaff, r.ReleaseConditions, r.ExitedAt, r.ProcessedBy.String(), r.NOCGenerated)
	return mapErr("put exit record", err)
}

func (s *Store) ListExitRecords(ctx context.Context, filter exitrecord.Filter) ([]exitrecord.ExitRecord, error) {
	const query = `
SELECT id, body_id, registration_number, name, time_of_death, cause_of_death, place_of_death,
	risk, verifications, released_from_unit, provider_id, outlet_id, receiver_name, receiver_id,
	relationship, witnessing_staff, release_conditions, exited_at, processed_by, noc_generated
FROM exit_records ORDER BY exited_at`
	rows, err := s.q(ctx).Query(ctx, query)
	if err != nil {
		return nil, mapErr("list exit records", err)
	}
	defer rows.Close()

	var out []exitrecord.ExitRecord
	for rows.Next() {
		var (
			r              exitrecord.ExitRecord
			exitID, bodyID uuid.UUID
			risk           string
			verifications  []byte
			releasedFrom   *string
			processedBy    string
		)
		err := rows.Scan(&exitID, &bodyID, &r.RegistrationNumber, &r.Name, &r.TimeOfDeath,
			&r.CauseOfDeath, &r.PlaceOfDeath, &risk, &verifications, &releasedFrom,
			&r.ProviderID, &r.OutletID, &r.ReceiverName, &r.ReceiverID, &r.Relationship,
			&r.WitnessingStaff, &r.ReleaseConditions, &r.ExitedAt, &processedBy, &r.NOCGenerated)
		if err != nil {
			return nil, mapErr("scan exit record", err)
		}
		r.ID = id.ExitID(exitID)
		r.BodyID = id.BodyID(bodyID)
		r.Risk = body.RiskLevel(risk)
		if len(verifications) > 0 {
			if err := json.Unmarshal(verifications, &r.Verifications); err != nil {
				return nil, fmt.Errorf("unmarshal verifications: %w", err)
			}
		}
		if releasedFrom != nil {
			u := id.UnitCode(*releasedFrom)
			r.ReleasedFromUnit = &u
		}
		r.ProcessedBy = id.Actor(processedBy)
		if filter.Matches(r) {
			out = append(out, r)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("list exit records", err)
	}
	return out, nil
}
