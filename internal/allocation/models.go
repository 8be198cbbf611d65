// Package allocation models the binding between a body and a storage unit.
// Historical allocations are retained with a non-active status, never deleted.
package allocation

import (
	"time"

	"morguetrack/internal/body"
	id "morguetrack/pkg/domain"
)

// Status of an allocation. At most one allocation per body and at most one per
// unit may be Active at any time — this is the core invariant of the system.
type Status string

const (
	StatusActive      Status = "active"
	StatusReleased    Status = "released"
	StatusMaintenance Status = "maintenance"
)

// Priority level of an allocation, derived from the body's risk class.
type Priority string

const (
	PriorityRoutine  Priority = "routine"
	PriorityElevated Priority = "elevated"
	PriorityUrgent   Priority = "urgent"
)

// PriorityForRisk maps a body risk classification onto an allocation priority.
func PriorityForRisk(r body.RiskLevel) Priority {
	switch r {
	case body.RiskHigh:
		return PriorityElevated
	case body.RiskUrgent:
		return PriorityUrgent
	default:
		return PriorityRoutine
	}
}

// Allocation binds one body to one storage unit for a period of time.
type Allocation struct {
	ID           id.AllocationID `json:"id"`
	BodyID       id.BodyID       `json:"body_id"`
	UnitCode     id.UnitCode     `json:"unit_code"`
	Status       Status          `json:"status"`
	Priority     Priority        `json:"priority"`
	TempRequired string          `json:"temp_required,omitempty"`
	ExpectedDays int             `json:"expected_days,omitempty"`
	AllocatedBy  id.Actor        `json:"allocated_by"`
	ProviderID   string          `json:"provider_id,omitempty"`
	OutletID     string          `json:"outlet_id,omitempty"`
	AllocatedAt  time.Time       `json:"allocated_at"`
	ReleasedAt   *time.Time      `json:"released_at,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Active reports whether this allocation is currently in effect.
func (a Allocation) Active() bool { return a.Status == StatusActive }

// TransitionResult distinguishes an applied transition from an idempotent
// no-op so callers can skip redundant writes.
type TransitionResult int

const (
	TransitionApplied TransitionResult = iota
	TransitionNoop
)

// Transition validates a status change. Valid transitions are
// Active→Released, Active→Maintenance and Maintenance→Active. Re-applying the
// current status (including setting Released twice) is a no-op success rather
// than an error.
func Transition(current, next Status) (TransitionResult, bool) {
	if current == next {
		return TransitionNoop, true
	}
	switch current {
	case StatusActive:
		if next == StatusReleased || next == StatusMaintenance {
			return TransitionApplied, true
		}
	case StatusMaintenance:
		if next == StatusActive {
			return TransitionApplied, true
		}
	}
	return TransitionNoop, false
}

// Filter narrows allocation listings.
type Filter struct {
	BodyID     *id.BodyID
	UnitCode   *id.UnitCode
	Status     *Status
	ProviderID string
	OutletID   string
}

// Matches applies the filter to one allocation.
func (f Filter) Matches(a Allocation) bool {
	if f.BodyID != nil && a.BodyID != *f.BodyID {
		return false
	}
	if f.UnitCode != nil && a.UnitCode != *f.UnitCode {
		return false
	}
	if f.Status != nil && a.Status != *f.Status {
		return false
	}
	if f.ProviderID != "" && a.ProviderID != f.ProviderID {
		return false
	}
	if f.OutletID != "" && a.OutletID != f.OutletID {
		return false
	}
	return true
}
