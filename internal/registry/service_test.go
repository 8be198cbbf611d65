package registry_test

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/suite"

	"morguetrack/internal/registry"
	"morguetrack/internal/storage/flatfile"
	id "morguetrack/pkg/domain"
	dErrors "morguetrack/pkg/domain-errors"
)

type RegistrySuite struct {
	suite.Suite
	store *flatfile.Store
	ctx   context.Context
}

func (s *RegistrySuite) SetupTest() {
	store, err := flatfile.Open(filepath.Join(s.T().TempDir(), "registry.json"))
	s.Require().NoError(err)
	s.store = store
	s.ctx = context.Background()
}

func TestRegistrySuite(t *testing.T) {
	suite.Run(t, new(RegistrySuite))
}

func (s *RegistrySuite) newService(autoProvision bool) *registry.Service {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return registry.NewService(s.store, autoProvision, logger)
}

func (s *RegistrySuite) TestEnsureUnit() {
	s.Run("provisions an unknown unit with defaults", func() {
		svc := s.newService(true)
		u, err := svc.EnsureUnit(s.ctx, "F-01", registry.UnitDefaults{})
		s.Require().NoError(err)
		s.Equal(registry.UnitTypeFreezer, u.Type)
		s.Equal(1, u.Capacity)
		s.Equal(registry.UnitAvailable, u.Status)
	})

	s.Run("is idempotent for a known unit", func() {
		svc := s.newService(true)
		first, err := svc.EnsureUnit(s.ctx, "F-02", registry.UnitDefaults{Type: registry.UnitTypeCooler})
		s.Require().NoError(err)

		second, err := svc.EnsureUnit(s.ctx, "F-02", registry.UnitDefaults{})
		s.Require().NoError(err)
		s.Equal(first.Type, second.Type)
	})

	s.Run("unknown unit is NotFound with provisioning off", func() {
		svc := s.newService(false)
		_, err := svc.EnsureUnit(s.ctx, "F-03", registry.UnitDefaults{})
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})
}

func (s *RegistrySuite) TestSetOccupant() {
	s.Run("derives occupied and available from the occupant", func() {
		svc := s.newService(true)
		_, err := svc.EnsureUnit(s.ctx, "F-04", registry.UnitDefaults{})
		s.Require().NoError(err)

		occupant := id.NewBodyID()
		s.Require().NoError(svc.SetOccupant(s.ctx, "F-04", &occupant))
		u, err := svc.GetUnit(s.ctx, "F-04")
		s.Require().NoError(err)
		s.Equal(registry.UnitOccupied, u.Status)
		s.False(u.Available())

		s.Require().NoError(svc.SetOccupant(s.ctx, "F-04", nil))
		u, err = svc.GetUnit(s.ctx, "F-04")
		s.Require().NoError(err)
		s.Equal(registry.UnitAvailable, u.Status)
		s.True(u.Available())
	})

	s.Run("maintenance status survives occupancy changes", func() {
		svc := s.newService(true)
		u, err := svc.EnsureUnit(s.ctx, "F-05", registry.UnitDefaults{})
		s.Require().NoError(err)
		u.Status = registry.UnitMaintenance
		s.Require().NoError(s.store.PutUnit(s.ctx, u))

		s.Require().NoError(svc.SetOccupant(s.ctx, "F-05", nil))
		u, err = svc.GetUnit(s.ctx, "F-05")
		s.Require().NoError(err)
		s.Equal(registry.UnitMaintenance, u.Status)
	})
}

func (s *RegistrySuite) TestListUnits() {
	s.Run("only-available filter excludes occupied units", func() {
		svc := s.newService(true)
		_, err := svc.EnsureUnit(s.ctx, "L-01", registry.UnitDefaults{})
		s.Require().NoError(err)
		_, err = svc.EnsureUnit(s.ctx, "L-02", registry.UnitDefaults{})
		s.Require().NoError(err)

		occupant := id.NewBodyID()
		s.Require().NoError(svc.SetOccupant(s.ctx, "L-01", &occupant))

		units, err := svc.ListUnits(s.ctx, registry.Filter{OnlyAvailable: true})
		s.Require().NoError(err)
		s.Require().Len(units, 1)
		s.Equal(id.UnitCode("L-02"), units[0].Code)
	})
}
