// Package flatfile persists the whole data set as a single JSON document.
// It mirrors the source system's file backend: parallel collections in one
// file, with cross-collection consistency owned by the lifecycle service.
//
// The backend has no native transactions. RunInTx serializes every mutating
// operation behind one lock with a timeout, which is sufficient for the small
// expected concurrency of a single facility.
package flatfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"morguetrack/internal/allocation"
	"morguetrack/internal/body"
	"morguetrack/internal/exitrecord"
	"morguetrack/internal/movement"
	"morguetrack/internal/registry"
	id "morguetrack/pkg/domain"
	"morguetrack/pkg/platform/sentinel"
)

// defaultTxTimeout bounds how long one logical unit may hold the store lock.
const defaultTxTimeout = 5 * time.Second

// document is the on-disk layout. Collection names match the source system's
// flat file so existing documents load unchanged.
type document struct {
	Bodies      map[string]body.Body             `json:"bodies"`
	Units       map[string]registry.Unit         `json:"units"`
	Allocations map[string]allocation.Allocation `json:"storage_allocations"`
	Movements   []movement.Entry                 `json:"movements"`
	Exits       map[string]exitrecord.ExitRecord `json:"exits"`
}

func newDocument() document {
	return document{
		Bodies:      make(map[string]body.Body),
		Units:       make(map[string]registry.Unit),
		Allocations: make(map[string]allocation.Allocation),
		Exits:       make(map[string]exitrecord.ExitRecord),
	}
}

// Store implements storage.Store on a single JSON file.
type Store struct {
	mu   sync.RWMutex
	txMu sync.Mutex

	path    string
	timeout time.Duration
	doc     document
}

// Option configures a Store.
type Option func(*Store)

// WithTxTimeout overrides the default lock timeout.
func WithTxTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// Open loads the document at path, creating an empty one if the file does not
// exist yet.
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{path: path, timeout: defaultTxTimeout, doc: newDocument()}
	for _, opt := range opts {
		opt(s)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return nil, fmt.Errorf("read data file: %w", err)
	}
	if len(raw) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(raw, &s.doc); err != nil {
		return nil, fmt.Errorf("parse data file %s: %w", path, err)
	}
	// Maps may be nil after loading a partial document.
	if s.doc.Bodies == nil {
		s.doc.Bodies = make(map[string]body.Body)
	}
	if s.doc.Units == nil {
		s.doc.Units = make(map[string]registry.Unit)
	}
	if s.doc.Allocations == nil {
		s.doc.Allocations = make(map[string]allocation.Allocation)
	}
	if s.doc.Exits == nil {
		s.doc.Exits = make(map[string]exitrecord.ExitRecord)
	}
	return s, nil
}

// RunInTx serializes fn behind the store lock. There is no rollback: a failure
// mid-sequence leaves whatever was written, which the service keeps detectable
// by ordering the allocation write last (orphans surface via FindOrphans).
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: context cancelled before lock", sentinel.ErrUnavailable)
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: context cancelled while waiting for lock", sentinel.ErrUnavailable)
	}
	return fn(ctx)
}

// persist writes the whole document atomically: temp file in the same
// directory, then rename. Callers hold s.mu.
func (s *Store) persist() error {
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal document: %v", sentinel.ErrUnavailable, err)
	}
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".morguetrack-*.json")
	if err != nil {
		return fmt.Errorf("%w: create temp file: %v", sentinel.ErrUnavailable, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: write temp file: %v", sentinel.ErrUnavailable, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: close temp file: %v", sentinel.ErrUnavailable, err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: replace data file: %v", sentinel.ErrUnavailable, err)
	}
	return nil
}

func (s *Store) GetBody(_ context.Context, bodyID id.BodyID) (body.Body, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.doc.Bodies[bodyID.String()]
	if !ok {
		return body.Body{}, sentinel.ErrNotFound
	}
	return b, nil
}

func (s *Store) ListBodies(_ context.Context, activeOnly bool) ([]body.Body, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]body.Body, 0, len(s.doc.Bodies))
	for _, b := range s.doc.Bodies {
		if activeOnly && b.Status == body.StatusReleased {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) PutBody(_ context.Context, b body.Body) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Bodies[b.ID.String()] = b
	return s.persist()
}

func (s *Store) GetUnit(_ context.Context, code id.UnitCode) (registry.Unit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.doc.Units[code.String()]
	if !ok {
		return registry.Unit{}, sentinel.ErrNotFound
	}
	return u, nil
}

func (s *Store) ListUnits(_ context.Context, filter registry.Filter) ([]registry.Unit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]registry.Unit, 0, len(s.doc.Units))
	for _, u := range s.doc.Units {
		if filter.Matches(u) {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (s *Store) PutUnit(_ context.Context, u registry.Unit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Units[u.Code.String()] = u
	return s.persist()
}

func (s *Store) GetAllocation(_ context.Context, allocID id.AllocationID) (allocation.Allocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.doc.Allocations[allocID.String()]
	if !ok {
		return allocation.Allocation{}, sentinel.ErrNotFound
	}
	return a, nil
}

func (s *Store) ListAllocations(_ context.Context, filter allocation.Filter) ([]allocation.Allocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]allocation.Allocation, 0)
	for _, a := range s.doc.Allocations {
		if filter.Matches(a) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AllocatedAt.Before(out[j].AllocatedAt) })
	return out, nil
}

// PutAllocation inserts or updates. An Active allocation is rejected with
// ErrConflict when a different Active allocation already exists for the same
// unit or the same body — the uniqueness guarantee the Postgres backend gets
// from its partial unique indexes.
func (s *Store) PutAllocation(_ context.Context, a allocation.Allocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.Status == allocation.StatusActive {
		for _, existing := range s.doc.Allocations {
			if existing.ID == a.ID || existing.Status != allocation.StatusActive {
				continue
			}
			if existing.UnitCode == a.UnitCode {
				return fmt.Errorf("%w: unit %s already has active allocation %s",
					sentinel.ErrConflict, a.UnitCode, existing.ID)
			}
			if existing.BodyID == a.BodyID {
				return fmt.Errorf("%w: body %s already has active allocation %s",
					sentinel.ErrConflict, a.BodyID, existing.ID)
			}
		}
	}
	s.doc.Allocations[a.ID.String()] = a
	return s.persist()
}

func (s *Store) AppendMovement(_ context.Context, e movement.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Movements = append(s.doc.Movements, e)
	return s.persist()
}

func (s *Store) ListMovementsByBody(_ context.Context, bodyID id.BodyID) ([]movement.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]movement.Entry, 0)
	for _, e := range s.doc.Movements {
		if e.BodyID == bodyID {
			out = append(out, e)
		}
	}
	sortMovements(out)
	return out, nil
}

func (s *Store) ListMovementsByUnit(_ context.Context, code id.UnitCode) ([]movement.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]movement.Entry, 0)
	for _, e := range s.doc.Movements {
		if e.ToUnit == code || (e.FromUnit != nil && *e.FromUnit == code) {
			out = append(out, e)
		}
	}
	sortMovements(out)
	return out, nil
}

func sortMovements(entries []movement.Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].RecordedAt.Before(entries[j].RecordedAt)
	})
}

// PutExitRecord refuses to overwrite: exit records are created exactly once
// per body and immutable thereafter.
func (s *Store) PutExitRecord(_ context.Context, r exitrecord.ExitRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.doc.Exits {
		if existing.BodyID == r.BodyID {
			return fmt.Errorf("%w: exit record already exists for body %s", sentinel.ErrConflict, r.BodyID)
		}
	}
	s.doc.Exits[r.ID.String()] = r
	return s.persist()
}

func (s *Store) ListExitRecords(_ context.Context, filter exitrecord.Filter) ([]exitrecord.ExitRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]exitrecord.ExitRecord, 0)
	for _, r := range s.doc.Exits {
		if filter.Matches(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExitedAt.Before(out[j].ExitedAt) })
	return out, nil
}
