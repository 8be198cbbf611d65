//go:build integration

package postgres_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/suite"

	"morguetrack/internal/allocation"
	"morguetrack/internal/body"
	"morguetrack/internal/exitrecord"
	"morguetrack/internal/movement"
	"morguetrack/internal/registry"
	"morguetrack/internal/storage/postgres"
	"morguetrack/internal/storage/postgres/migrations"
	id "morguetrack/pkg/domain"
	"morguetrack/pkg/platform/sentinel"
)

// PostgresStoreSuite runs against a real database when
// MORGUETRACK_TEST_POSTGRES_DSN is set and reachable, and skips otherwise.
type PostgresStoreSuite struct {
	suite.Suite
	pool  *pgxpool.Pool
	store *postgres.Store
	ctx   context.Context
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	s.ctx = context.Background()
	dsn := os.Getenv("MORGUETRACK_TEST_POSTGRES_DSN")
	if dsn == "" {
		s.T().Skipf("MORGUETRACK_TEST_POSTGRES_DSN not set")
	}
	pool, err := pgxpool.New(s.ctx, dsn)
	s.Require().NoError(err)
	if err := pool.Ping(s.ctx); err != nil {
		pool.Close()
		s.T().Skipf("postgres not reachable: %v", err)
	}
	s.Require().NoError(migrations.Apply(s.ctx, pool))
	s.pool = pool
	s.store = postgres.New(pool)
}

func (s *PostgresStoreSuite) TearDownSuite() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *PostgresStoreSuite) SetupTest() {
	_, err := s.pool.Exec(s.ctx,
		`TRUNCATE exit_records, movements, storage_allocations, storage_units, bodies`)
	s.Require().NoError(err)
}

func (s *PostgresStoreSuite) newBody(name string) body.Body {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return body.Body{
		ID:                 id.NewBodyID(),
		RegistrationNumber: "MRG-2026-" + id.NewBodyID().String()[:5],
		Name:               name,
		TimeOfDeath:        now.Add(-time.Hour),
		Risk:               body.RiskLow,
		Status:             body.StatusPending,
		Verifications:      []body.VerificationEvent{{VerifierName: "Relative", VerifiedAt: now}},
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

func (s *PostgresStoreSuite) newActiveAllocation(bodyID id.BodyID, code id.UnitCode) allocation.Allocation {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return allocation.Allocation{
		ID:          id.NewAllocationID(),
		BodyID:      bodyID,
		UnitCode:    code,
		Status:      allocation.StatusActive,
		Priority:    allocation.PriorityRoutine,
		AllocatedBy: "attendant",
		AllocatedAt: now,
		UpdatedAt:   now,
	}
}

func (s *PostgresStoreSuite) putUnit(code id.UnitCode) {
	now := time.Now().UTC()
	s.Require().NoError(s.store.PutUnit(s.ctx, registry.Unit{
		Code: code, Type: registry.UnitTypeFreezer, Capacity: 1,
		Status: registry.UnitAvailable, CreatedAt: now, UpdatedAt: now,
	}))
}

func (s *PostgresStoreSuite) TestBodyRoundTrip() {
	b := s.newBody("John Doe")
	s.Require().NoError(s.store.PutBody(s.ctx, b))

	found, err := s.store.GetBody(s.ctx, b.ID)
	s.Require().NoError(err)
	s.Equal(b.Name, found.Name)
	s.Len(found.Verifications, 1)

	b.Status = body.StatusVerified
	s.Require().NoError(s.store.PutBody(s.ctx, b))
	found, err = s.store.GetBody(s.ctx, b.ID)
	s.Require().NoError(err)
	s.Equal(body.StatusVerified, found.Status)

	_, err = s.store.GetBody(s.ctx, id.NewBodyID())
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *PostgresStoreSuite) TestPartialUniqueIndexes() {
	s.putUnit("F-01")
	s.putUnit("F-02")

	first := s.newActiveAllocation(id.NewBodyID(), "F-01")
	s.Require().NoError(s.store.PutAllocation(s.ctx, first))

	s.Run("second active allocation for the unit violates", func() {
		err := s.store.PutAllocation(s.ctx, s.newActiveAllocation(id.NewBodyID(), "F-01"))
		s.ErrorIs(err, sentinel.ErrConflict)
	})

	s.Run("second active allocation for the body violates", func() {
		err := s.store.PutAllocation(s.ctx, s.newActiveAllocation(first.BodyID, "F-02"))
		s.ErrorIs(err, sentinel.ErrConflict)
	})

	s.Run("released rows do not block reuse", func() {
		now := time.Now().UTC()
		first.Status = allocation.StatusReleased
		first.ReleasedAt = &now
		s.Require().NoError(s.store.PutAllocation(s.ctx, first))

		s.NoError(s.store.PutAllocation(s.ctx, s.newActiveAllocation(id.NewBodyID(), "F-01")))
	})
}

// TestConcurrentUnitClaim verifies that concurrent claims on one unit resolve
// to exactly one winner at the database level.
func (s *PostgresStoreSuite) TestConcurrentUnitClaim() {
	s.putUnit("R-01")
	const goroutines = 20

	var wg sync.WaitGroup
	var wins, conflicts atomic.Int32
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.store.PutAllocation(s.ctx, s.newActiveAllocation(id.NewBodyID(), "R-01"))
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, sentinel.ErrConflict):
				conflicts.Add(1)
			}
		}()
	}
	wg.Wait()

	s.Equal(int32(1), wins.Load())
	s.Equal(int32(goroutines-1), conflicts.Load())
}

func (s *PostgresStoreSuite) TestTransactionRollback() {
	b := s.newBody("Rolled Back")
	err := s.store.RunInTx(s.ctx, func(ctx context.Context) error {
		if err := s.store.PutBody(ctx, b); err != nil {
			return err
		}
		return context.Canceled
	})
	s.Require().Error(err)

	_, err = s.store.GetBody(s.ctx, b.ID)
	s.ErrorIs(err, sentinel.ErrNotFound, "the body write must roll back with the failed unit")
}

func (s *PostgresStoreSuite) TestMovementsAndExits() {
	bodyID := id.NewBodyID()
	s.Require().NoError(s.store.PutBody(s.ctx, func() body.Body {
		b := s.newBody("Tracked")
		b.ID = bodyID
		return b
	}()))
	s.putUnit("F-03")
	s.putUnit("F-04")

	from := id.UnitCode("F-03")
	base := time.Now().UTC().Truncate(time.Microsecond)
	s.Require().NoError(s.store.AppendMovement(s.ctx, movement.Entry{
		ID: id.NewMovementID(), BodyID: bodyID, ToUnit: "F-03", Actor: "a", RecordedAt: base,
	}))
	s.Require().NoError(s.store.AppendMovement(s.ctx, movement.Entry{
		ID: id.NewMovementID(), BodyID: bodyID, FromUnit: &from, ToUnit: "F-04", Actor: "a", RecordedAt: base.Add(time.Second),
	}))

	entries, err := s.store.ListMovementsByBody(s.ctx, bodyID)
	s.Require().NoError(err)
	s.Require().Len(entries, 2)
	s.Nil(entries[0].FromUnit)
	s.Equal(id.UnitCode("F-04"), entries[1].ToUnit)

	rec := exitrecord.ExitRecord{
		ID: id.NewExitID(), BodyID: bodyID, RegistrationNumber: "MRG-2026-00001",
		Name: "Tracked", TimeOfDeath: base, Risk: body.RiskLow,
		ReceiverName: "Jane", ReceiverID: "NID-1", Relationship: "spouse",
		ExitedAt: base.Add(time.Minute), ProcessedBy: "supervisor", NOCGenerated: true,
	}
	s.Require().NoError(s.store.PutExitRecord(s.ctx, rec))

	dup := rec
	dup.ID = id.NewExitID()
	s.ErrorIs(s.store.PutExitRecord(s.ctx, dup), sentinel.ErrConflict)
}

// Two transactions mutating the same body must serialize on the row lock the
// in-transaction read takes. Without it a release and a reassignment could
// both act on the same stale snapshot and strand an active allocation.
func (s *PostgresStoreSuite) TestBodyRowLockSerializesMutations() {
	b := s.newBody("Contended")
	s.Require().NoError(s.store.PutBody(s.ctx, b))

	locked := make(chan struct{})
	done := make(chan error, 1)
	hold := 200 * time.Millisecond

	go func() {
		done <- s.store.RunInTx(s.ctx, func(ctx context.Context) error {
			got, err := s.store.GetBody(ctx, b.ID)
			if err != nil {
				return err
			}
			close(locked)
			time.Sleep(hold)
			got.Status = body.StatusVerified
			got.UpdatedAt = time.Now().UTC().Truncate(time.Microsecond)
			return s.store.PutBody(ctx, got)
		})
	}()

	<-locked
	start := time.Now()
	var seen body.Body
	err := s.store.RunInTx(s.ctx, func(ctx context.Context) error {
		var err error
		seen, err = s.store.GetBody(ctx, b.ID)
		return err
	})
	s.Require().NoError(err)
	s.Require().NoError(<-done)

	s.GreaterOrEqual(time.Since(start), hold/2, "second transaction must wait for the first to commit")
	s.Equal(body.StatusVerified, seen.Status, "the waiting read must observe the committed write, not the stale row")
}
