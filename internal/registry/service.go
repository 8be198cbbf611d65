package registry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	id "morguetrack/pkg/domain"
	dErrors "morguetrack/pkg/domain-errors"
	"morguetrack/pkg/platform/sentinel"
)

// Store is the slice of the persistence port the registry needs.
type Store interface {
	GetUnit(ctx context.Context, code id.UnitCode) (Unit, error)
	ListUnits(ctx context.Context, filter Filter) ([]Unit, error)
	PutUnit(ctx context.Context, u Unit) error
}

// Service answers unit lookups and, when the auto-provision policy is on,
// creates unknown units on first use. The source system created units
// implicitly inside assignment handlers; here the policy is an explicit
// constructor argument so deployments can turn it off and treat unknown codes
// as errors instead.
type Service struct {
	store         Store
	autoProvision bool
	logger        *slog.Logger
}

func NewService(store Store, autoProvision bool, logger *slog.Logger) *Service {
	return &Service{store: store, autoProvision: autoProvision, logger: logger}
}

func (s *Service) ListUnits(ctx context.Context, filter Filter) ([]Unit, error) {
	units, err := s.store.ListUnits(ctx, filter)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "list units")
	}
	return units, nil
}

func (s *Service) GetUnit(ctx context.Context, code id.UnitCode) (Unit, error) {
	u, err := s.store.GetUnit(ctx, code)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return Unit{}, dErrors.Newf(dErrors.CodeNotFound, "storage unit %s not found", code)
		}
		return Unit{}, dErrors.Wrap(err, dErrors.CodeUnavailable, "get unit")
	}
	return u, nil
}

// EnsureUnit returns the unit for code, provisioning it idempotently when the
// policy allows. With auto-provision off an unknown code is a NotFound error.
func (s *Service) EnsureUnit(ctx context.Context, code id.UnitCode, defaults UnitDefaults) (Unit, error) {
	u, err := s.store.GetUnit(ctx, code)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, sentinel.ErrNotFound) {
		return Unit{}, dErrors.Wrap(err, dErrors.CodeUnavailable, "get unit")
	}
	if !s.autoProvision {
		return Unit{}, dErrors.Newf(dErrors.CodeNotFound, "storage unit %s not provisioned", code)
	}

	now := time.Now().UTC()
	unit := Unit{
		Code:       code,
		Type:       defaults.Type,
		Capacity:   defaults.Capacity,
		Status:     UnitAvailable,
		ProviderID: defaults.ProviderID,
		OutletID:   defaults.OutletID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if unit.Type == "" {
		unit.Type = UnitTypeFreezer
	}
	if unit.Capacity <= 0 {
		unit.Capacity = 1
	}
	if err := s.store.PutUnit(ctx, unit); err != nil {
		return Unit{}, dErrors.Wrap(err, dErrors.CodeUnavailable, "provision unit")
	}
	s.logger.InfoContext(ctx, "auto-provisioned storage unit", "unit_code", code.String(), "type", string(unit.Type))
	return unit, nil
}

// SetOccupant updates the unit's occupant and derived status. Only the
// lifecycle service calls this; handlers never edit occupancy directly.
func (s *Service) SetOccupant(ctx context.Context, code id.UnitCode, occupant *id.BodyID) error {
	u, err := s.store.GetUnit(ctx, code)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return dErrors.Newf(dErrors.CodeNotFound, "storage unit %s not found", code)
		}
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "get unit")
	}
	u.Occupant = occupant
	switch {
	case u.Status == UnitMaintenance:
		// Maintenance is administrative and survives occupancy changes.
	case occupant != nil:
		u.Status = UnitOccupied
	default:
		u.Status = UnitAvailable
	}
	u.UpdatedAt = time.Now().UTC()
	if err := s.store.PutUnit(ctx, u); err != nil {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "update unit occupancy")
	}
	return nil
}
