package lifecycle

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/suite"

	"morguetrack/internal/allocation"
	"morguetrack/internal/audit"
	"morguetrack/internal/body"
	"morguetrack/internal/exitrecord"
	"morguetrack/internal/idgen"
	"morguetrack/internal/platform/metrics"
	"morguetrack/internal/registry"
	"morguetrack/internal/release"
	"morguetrack/internal/storage/flatfile"
	id "morguetrack/pkg/domain"
	dErrors "morguetrack/pkg/domain-errors"
)

type seqFunc func(ctx context.Context, key string) (int64, error)

func (f seqFunc) Next(ctx context.Context, key string) (int64, error) { return f(ctx, key) }

type LifecycleSuite struct {
	suite.Suite
	store   *flatfile.Store
	service *Service
	sink    *audit.InMemorySink
	ctx     context.Context
}

func (s *LifecycleSuite) SetupTest() {
	store, err := flatfile.Open(filepath.Join(s.T().TempDir(), "morguetrack.json"))
	s.Require().NoError(err)
	s.store = store
	s.ctx = context.Background()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s.sink = audit.NewInMemorySink()
	publisher := audit.NewPublisher(s.sink, logger)

	var counter int64
	var mu sync.Mutex
	numbers := idgen.New(seqFunc(func(ctx context.Context, key string) (int64, error) {
		mu.Lock()
		defer mu.Unlock()
		counter++
		return counter, nil
	}), logger)

	s.service = NewService(
		store,
		registry.NewService(store, true, logger),
		allocation.NewLedger(store),
		numbers,
		publisher,
		metrics.NewWith(prometheus.NewRegistry()),
		logger,
	)
}

func TestLifecycleSuite(t *testing.T) {
	suite.Run(t, new(LifecycleSuite))
}

func (s *LifecycleSuite) register(name string) body.Body {
	b, err := s.service.Register(s.ctx, RegisterInput{
		Name:        name,
		TimeOfDeath: time.Now().UTC().Add(-3 * time.Hour),
		Risk:        body.RiskLow,
		Actor:       "intake",
	})
	s.Require().NoError(err)
	return b
}

func (s *LifecycleSuite) registerVerified(name string) body.Body {
	b := s.register(name)
	verified, err := s.service.Verify(s.ctx, b.ID, VerifyInput{
		VerifierName: "Family Member", Relation: "sibling", Actor: "attendant",
	})
	s.Require().NoError(err)
	return verified
}

func (s *LifecycleSuite) TestRegister() {
	s.Run("creates a pending record with a registration number", func() {
		b := s.register("John Doe")
		s.Equal(body.StatusPending, b.Status)
		s.Regexp(`^MRG-\d{4}-\d{5}$`, b.RegistrationNumber)
		s.False(b.ID.IsNil())
	})

	s.Run("rejects missing required fields naming them", func() {
		_, err := s.service.Register(s.ctx, RegisterInput{Actor: "intake"})
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
		s.ElementsMatch([]string{"name", "time_of_death"}, dErrors.FieldsOf(err))
	})

	s.Run("rejects an unknown risk level", func() {
		_, err := s.service.Register(s.ctx, RegisterInput{
			Name: "X", TimeOfDeath: time.Now(), Risk: "extreme",
		})
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("issues a degraded number when the sequencer fails", func() {
		logger := slog.New(slog.NewTextHandler(io.Discard, nil))
		failing := idgen.New(seqFunc(func(ctx context.Context, key string) (int64, error) {
			return 0, fmt.Errorf("redis down")
		}), logger)
		num := failing.Generate(s.ctx)
		s.True(num.Degraded)
		s.Contains(num.Value, "-R")
		s.True(strings.HasPrefix(num.Value, "MRG-"))
	})
}

func (s *LifecycleSuite) TestVerify() {
	s.Run("moves pending to verified and records the event", func() {
		b := s.register("Jane Doe")
		verified, err := s.service.Verify(s.ctx, b.ID, VerifyInput{
			VerifierName: "Relative", Relation: "parent", Actor: "attendant",
		})
		s.Require().NoError(err)
		s.Equal(body.StatusVerified, verified.Status)
		s.Len(verified.Verifications, 1)
	})

	s.Run("re-verification appends without changing status", func() {
		b := s.registerVerified("Twice Verified")
		again, err := s.service.Verify(s.ctx, b.ID, VerifyInput{
			VerifierName: "Second Relative", Actor: "attendant",
		})
		s.Require().NoError(err)
		s.Equal(body.StatusVerified, again.Status)
		s.Len(again.Verifications, 2)
	})

	s.Run("requires the verifier name", func() {
		b := s.register("No Verifier")
		_, err := s.service.Verify(s.ctx, b.ID, VerifyInput{Actor: "attendant"})
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
		s.Equal([]string{"verifier_name"}, dErrors.FieldsOf(err))
	})

	s.Run("unknown body is NotFound", func() {
		_, err := s.service.Verify(s.ctx, id.NewBodyID(), VerifyInput{VerifierName: "X"})
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})
}

func (s *LifecycleSuite) TestAssignStorage() {
	s.Run("first assignment fills the unit and logs a movement", func() {
		b := s.registerVerified("First Assignment")
		updated, alloc, err := s.service.AssignStorage(s.ctx, b.ID, AssignInput{UnitCode: "F-02", Actor: "attendant"})
		s.Require().NoError(err)

		s.Equal(body.StatusInStorage, updated.Status)
		s.Equal(id.UnitCode("F-02"), updated.CurrentUnit)
		s.Equal(allocation.StatusActive, alloc.Status)

		entries, err := s.service.MovementHistory(s.ctx, b.ID)
		s.Require().NoError(err)
		s.Require().Len(entries, 1)
		s.Nil(entries[0].FromUnit)
		s.Equal(id.UnitCode("F-02"), entries[0].ToUnit)

		unit, err := s.store.GetUnit(s.ctx, "F-02")
		s.Require().NoError(err)
		s.Require().NotNil(unit.Occupant)
		s.Equal(b.ID, *unit.Occupant)
		s.Equal(registry.UnitOccupied, unit.Status)
	})

	s.Run("pending body cannot enter storage", func() {
		b := s.register("Still Pending")
		_, _, err := s.service.AssignStorage(s.ctx, b.ID, AssignInput{UnitCode: "F-03", Actor: "attendant"})
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidState))
	})

	s.Run("occupied unit is never displaced", func() {
		occupant := s.registerVerified("Occupant")
		_, _, err := s.service.AssignStorage(s.ctx, occupant.ID, AssignInput{UnitCode: "F-04", Actor: "attendant"})
		s.Require().NoError(err)

		intruder := s.registerVerified("Intruder")
		_, _, err = s.service.AssignStorage(s.ctx, intruder.ID, AssignInput{UnitCode: "F-04", Actor: "attendant"})
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeUnitOccupied))
		s.Equal(occupant.ID.String(), dErrors.MetaOf(err)["occupying_body_id"])

		// The original occupant is untouched.
		still, err := s.service.GetBody(s.ctx, occupant.ID)
		s.Require().NoError(err)
		s.Equal(id.UnitCode("F-04"), still.CurrentUnit)
	})

	s.Run("reassignment releases the old allocation and frees the old unit", func() {
		b := s.registerVerified("Mover")
		_, firstAlloc, err := s.service.AssignStorage(s.ctx, b.ID, AssignInput{UnitCode: "F-05", Actor: "attendant"})
		s.Require().NoError(err)

		updated, secondAlloc, err := s.service.AssignStorage(s.ctx, b.ID, AssignInput{UnitCode: "F-06", Actor: "attendant"})
		s.Require().NoError(err)
		s.Equal(id.UnitCode("F-06"), updated.CurrentUnit)
		s.NotEqual(firstAlloc.ID, secondAlloc.ID)

		old, err := s.store.GetAllocation(s.ctx, firstAlloc.ID)
		s.Require().NoError(err)
		s.Equal(allocation.StatusReleased, old.Status)
		s.NotNil(old.ReleasedAt)

		freed, err := s.store.GetUnit(s.ctx, "F-05")
		s.Require().NoError(err)
		s.Nil(freed.Occupant)
		s.Equal(registry.UnitAvailable, freed.Status)

		entries, err := s.service.MovementHistory(s.ctx, b.ID)
		s.Require().NoError(err)
		s.Require().Len(entries, 2)
		s.Require().NotNil(entries[1].FromUnit)
		s.Equal(id.UnitCode("F-05"), *entries[1].FromUnit)
		s.Equal(id.UnitCode("F-06"), entries[1].ToUnit)
	})

	s.Run("assigning the held unit again is an idempotent success", func() {
		b := s.registerVerified("Idempotent")
		_, first, err := s.service.AssignStorage(s.ctx, b.ID, AssignInput{UnitCode: "F-07", Actor: "attendant"})
		s.Require().NoError(err)

		_, second, err := s.service.AssignStorage(s.ctx, b.ID, AssignInput{UnitCode: "F-07", Actor: "attendant"})
		s.Require().NoError(err)
		s.Equal(first.ID, second.ID)

		entries, err := s.service.MovementHistory(s.ctx, b.ID)
		s.Require().NoError(err)
		s.Len(entries, 1, "no movement for a no-op assignment")
	})

	s.Run("unit under maintenance rejects assignment", func() {
		u := registry.Unit{Code: "M-01", Type: registry.UnitTypeFreezer, Capacity: 1, Status: registry.UnitMaintenance}
		s.Require().NoError(s.store.PutUnit(s.ctx, u))

		b := s.registerVerified("Maintenance Target")
		_, _, err := s.service.AssignStorage(s.ctx, b.ID, AssignInput{UnitCode: "M-01", Actor: "attendant"})
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidState))
	})

	s.Run("exactly one of two concurrent assignments to the same unit wins", func() {
		a := s.registerVerified("Racer A")
		b := s.registerVerified("Racer B")

		var wg sync.WaitGroup
		errs := make([]error, 2)
		for i, bodyID := range []id.BodyID{a.ID, b.ID} {
			wg.Add(1)
			go func(i int, bodyID id.BodyID) {
				defer wg.Done()
				_, _, errs[i] = s.service.AssignStorage(s.ctx, bodyID, AssignInput{UnitCode: "R-01", Actor: "attendant"})
			}(i, bodyID)
		}
		wg.Wait()

		winners := 0
		for _, err := range errs {
			if err == nil {
				winners++
			} else {
				s.True(dErrors.HasCode(err, dErrors.CodeUnitOccupied), "loser must see a unit conflict, got %v", err)
			}
		}
		s.Equal(1, winners)

		active, err := s.service.ListAllocations(s.ctx, activeFilter("R-01"))
		s.Require().NoError(err)
		s.Len(active, 1)
	})
}

func activeFilter(code id.UnitCode) allocation.Filter {
	active := allocation.StatusActive
	return allocation.Filter{UnitCode: &code, Status: &active}
}

func (s *LifecycleSuite) TestUnassign() {
	s.Run("returns the body to verified and frees the unit", func() {
		b := s.registerVerified("Unassigned")
		_, alloc, err := s.service.AssignStorage(s.ctx, b.ID, AssignInput{UnitCode: "F-08", Actor: "attendant"})
		s.Require().NoError(err)

		updated, err := s.service.Unassign(s.ctx, b.ID, "attendant")
		s.Require().NoError(err)
		s.Equal(body.StatusVerified, updated.Status)
		s.Empty(updated.CurrentUnit)

		closed, err := s.store.GetAllocation(s.ctx, alloc.ID)
		s.Require().NoError(err)
		s.Equal(allocation.StatusReleased, closed.Status)

		freed, err := s.store.GetUnit(s.ctx, "F-08")
		s.Require().NoError(err)
		s.Nil(freed.Occupant)
	})

	s.Run("fails when the body is not in storage", func() {
		b := s.registerVerified("Never Stored")
		_, err := s.service.Unassign(s.ctx, b.ID, "attendant")
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidState))
	})
}

func (s *LifecycleSuite) TestUpdate() {
	s.Run("patches fields without touching others", func() {
		b := s.registerVerified("Patchable")
		cause := "cardiac arrest"
		risk := body.RiskHigh
		updated, err := s.service.Update(s.ctx, b.ID, UpdateInput{
			CauseOfDeath: &cause, Risk: &risk, Actor: "attendant",
		})
		s.Require().NoError(err)
		s.Equal(cause, updated.CauseOfDeath)
		s.Equal(body.RiskHigh, updated.Risk)
		s.Equal(b.Name, updated.Name)
	})

	s.Run("a unit change routes through assignment", func() {
		b := s.registerVerified("Routed")
		code := "F-10"
		updated, err := s.service.Update(s.ctx, b.ID, UpdateInput{UnitCode: &code, Actor: "attendant"})
		s.Require().NoError(err)
		s.Equal(body.StatusInStorage, updated.Status)
		s.Equal(id.UnitCode("F-10"), updated.CurrentUnit)

		// The movement trail exists because the assignment path ran.
		entries, err := s.service.MovementHistory(s.ctx, b.ID)
		s.Require().NoError(err)
		s.Len(entries, 1)

		empty := ""
		updated, err = s.service.Update(s.ctx, b.ID, UpdateInput{UnitCode: &empty, Actor: "attendant"})
		s.Require().NoError(err)
		s.Equal(body.StatusVerified, updated.Status)
	})

	s.Run("a rejected unit change persists no field edits", func() {
		occupant := s.registerVerified("Occupant")
		_, _, err := s.service.AssignStorage(s.ctx, occupant.ID, AssignInput{UnitCode: "F-12", Actor: "attendant"})
		s.Require().NoError(err)

		b := s.registerVerified("Unmoved")
		name := "Renamed During Failed Move"
		risk := body.RiskHigh
		code := "F-12"
		_, err = s.service.Update(s.ctx, b.ID, UpdateInput{
			Name: &name, Risk: &risk, UnitCode: &code, Actor: "attendant",
		})
		s.True(dErrors.HasCode(err, dErrors.CodeUnitOccupied))

		got, err := s.service.GetBody(s.ctx, b.ID)
		s.Require().NoError(err)
		s.Equal("Unmoved", got.Name, "field edits must not survive a failed unit change")
		s.Equal(body.RiskLow, got.Risk)
		s.Empty(got.CurrentUnit)
	})

	s.Run("released bodies are immutable", func() {
		b := s.registerVerified("Immutable")
		_, _, err := s.service.Release(s.ctx, b.ID, validDetails(), "attendant")
		s.Require().NoError(err)

		notes := "too late"
		_, err = s.service.Update(s.ctx, b.ID, UpdateInput{Notes: &notes, Actor: "attendant"})
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidState))
	})
}

func validDetails() release.Details {
	return release.Details{
		ReceiverName: "Jane Doe",
		ReceiverID:   "NID-772",
		Relationship: "spouse",
	}
}

func (s *LifecycleSuite) TestRelease() {
	s.Run("full exit flow frees the unit and snapshots the record", func() {
		b := s.registerVerified("Departing")
		_, alloc, err := s.service.AssignStorage(s.ctx, b.ID, AssignInput{UnitCode: "F-11", Actor: "attendant"})
		s.Require().NoError(err)

		rec, noc, err := s.service.Release(s.ctx, b.ID, validDetails(), "supervisor")
		s.Require().NoError(err)

		s.Equal(b.ID, rec.BodyID)
		s.Equal(b.RegistrationNumber, rec.RegistrationNumber)
		s.Require().NotNil(rec.ReleasedFromUnit)
		s.Equal(id.UnitCode("F-11"), *rec.ReleasedFromUnit)
		s.True(rec.NOCGenerated)
		s.Equal("Jane Doe", noc.ReceiverName)
		s.Equal(b.RegistrationNumber, noc.RegistrationNumber)

		released, err := s.service.GetBody(s.ctx, b.ID)
		s.Require().NoError(err)
		s.Equal(body.StatusReleased, released.Status)
		s.Empty(released.CurrentUnit)

		closed, err := s.store.GetAllocation(s.ctx, alloc.ID)
		s.Require().NoError(err)
		s.Equal(allocation.StatusReleased, closed.Status)

		freed, err := s.store.GetUnit(s.ctx, "F-11")
		s.Require().NoError(err)
		s.Nil(freed.Occupant)
		s.Equal(registry.UnitAvailable, freed.Status)

		active, err := s.service.ListBodies(s.ctx, true)
		s.Require().NoError(err)
		for _, other := range active {
			s.NotEqual(b.ID, other.ID)
		}
	})

	s.Run("release without storage works and leaves no freed unit", func() {
		b := s.registerVerified("Straight Through")
		rec, _, err := s.service.Release(s.ctx, b.ID, validDetails(), "supervisor")
		s.Require().NoError(err)
		s.Nil(rec.ReleasedFromUnit)
	})

	s.Run("pending body cannot be released", func() {
		b := s.register("Unverified")
		_, _, err := s.service.Release(s.ctx, b.ID, validDetails(), "supervisor")
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidState))
	})

	s.Run("missing receiver fields are all named", func() {
		b := s.registerVerified("Bad Details")
		_, _, err := s.service.Release(s.ctx, b.ID, release.Details{}, "supervisor")
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
		s.ElementsMatch([]string{"receiver_name", "receiver_id", "relationship"}, dErrors.FieldsOf(err))
	})

	s.Run("a second release fails and writes nothing", func() {
		b := s.registerVerified("Once Only")
		_, _, err := s.service.Release(s.ctx, b.ID, validDetails(), "supervisor")
		s.Require().NoError(err)

		_, _, err = s.service.Release(s.ctx, b.ID, validDetails(), "supervisor")
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidState))

		recs, err := s.service.ListExitRecords(s.ctx, exitrecord.Filter{BodyID: &b.ID})
		s.Require().NoError(err)
		s.Len(recs, 1)
	})

	s.Run("exit record stays resolvable after release", func() {
		b := s.registerVerified("Resolvable")
		_, _, err := s.service.Release(s.ctx, b.ID, validDetails(), "supervisor")
		s.Require().NoError(err)

		rec, err := s.service.ExitRecordFor(s.ctx, b.ID)
		s.Require().NoError(err)
		s.Equal(b.RegistrationNumber, rec.RegistrationNumber)
	})
}

func (s *LifecycleSuite) TestFindOrphans() {
	s.Run("reports a unit reference with no active allocation", func() {
		b := s.registerVerified("Orphaned")
		// Simulate the flat-file partial failure: body points at a unit but
		// the allocation write never happened.
		b.Status = body.StatusInStorage
		b.CurrentUnit = "F-99"
		s.Require().NoError(s.store.PutBody(s.ctx, b))

		orphans, err := s.service.FindOrphans(s.ctx)
		s.Require().NoError(err)
		s.Require().Len(orphans, 1)
		s.Equal(b.ID, orphans[0].ID)
	})

	s.Run("a healthy assignment is not an orphan", func() {
		b := s.registerVerified("Healthy")
		_, _, err := s.service.AssignStorage(s.ctx, b.ID, AssignInput{UnitCode: "F-12", Actor: "attendant"})
		s.Require().NoError(err)

		orphans, err := s.service.FindOrphans(s.ctx)
		s.Require().NoError(err)
		for _, o := range orphans {
			s.NotEqual(b.ID, o.ID)
		}
	})
}

func (s *LifecycleSuite) TestAuditTrail() {
	s.Run("the full lifecycle leaves a coherent audit trail", func() {
		b := s.register("Audited")
		_, err := s.service.Verify(s.ctx, b.ID, VerifyInput{VerifierName: "Relative", Actor: "attendant"})
		s.Require().NoError(err)
		_, _, err = s.service.AssignStorage(s.ctx, b.ID, AssignInput{UnitCode: "A-01", Actor: "attendant"})
		s.Require().NoError(err)
		_, _, err = s.service.AssignStorage(s.ctx, b.ID, AssignInput{UnitCode: "A-02", Actor: "attendant"})
		s.Require().NoError(err)
		_, _, err = s.service.Release(s.ctx, b.ID, validDetails(), "supervisor")
		s.Require().NoError(err)

		var actions []audit.Action
		for _, e := range s.sink.ListByBody(b.ID.String()) {
			actions = append(actions, e.Action)
		}
		s.Equal([]audit.Action{
			audit.ActionBodyRegistered,
			audit.ActionBodyVerified,
			audit.ActionStorageAssigned,
			audit.ActionStorageReassigned,
			audit.ActionBodyReleased,
		}, actions)
	})
}
