// Package body defines the authoritative record for a deceased individual and
// its lifecycle state machine. All state changes go through the lifecycle
// service; the types here only encode what a legal transition is.
package body

import (
	"time"

	id "morguetrack/pkg/domain"
)

// Status is the lifecycle state of a body record. Exactly one status holds at
// any time.
type Status string

const (
	StatusPending   Status = "pending"
	StatusVerified  Status = "verified"
	StatusInStorage Status = "in_storage"
	StatusReleased  Status = "released"
)

// RiskLevel classifies handling priority for a body.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
	RiskUrgent RiskLevel = "urgent"
)

// ValidRisk reports whether r is a known risk classification.
func ValidRisk(r RiskLevel) bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh, RiskUrgent:
		return true
	}
	return false
}

// VerificationEvent records one identity confirmation. Re-verification appends
// another event rather than replacing the first.
type VerificationEvent struct {
	VerifierName string    `json:"verifier_name"`
	Relation     string    `json:"relation"`
	Contact      string    `json:"contact"`
	VerifiedAt   time.Time `json:"verified_at"`
}

// Body is the active record for a deceased individual. When released it is
// removed from the active set and survives as an exitrecord.ExitRecord.
type Body struct {
	ID                 id.BodyID           `json:"id"`
	RegistrationNumber string              `json:"registration_number"`
	Name               string              `json:"name"`
	TimeOfDeath        time.Time           `json:"time_of_death"`
	CauseOfDeath       string              `json:"cause_of_death"`
	PlaceOfDeath       string              `json:"place_of_death"`
	Risk               RiskLevel           `json:"risk"`
	Notes              string              `json:"notes,omitempty"`
	Status             Status              `json:"status"`
	Verifications      []VerificationEvent `json:"verifications,omitempty"`
	// CurrentUnit is set iff Status is StatusInStorage.
	CurrentUnit id.UnitCode `json:"current_unit,omitempty"`
	ProviderID  string      `json:"provider_id,omitempty"`
	OutletID    string      `json:"outlet_id,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Verified reports whether identity has been confirmed at least once.
func (b Body) Verified() bool {
	return b.Status == StatusVerified || b.Status == StatusInStorage
}

// Releasable reports whether the strict release precondition holds: a body
// must be at least Verified before release.
func (b Body) Releasable() bool {
	return b.Status == StatusVerified || b.Status == StatusInStorage
}

// CanTransition encodes the lifecycle state machine:
//
//	Pending  --verify-->  Verified  --assign-->  InStorage  --release--> Released
//	InStorage --reassign--> InStorage
//	InStorage --unassign--> Verified
//
// Released is terminal.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusVerified
	case StatusVerified:
		return to == StatusInStorage || to == StatusReleased
	case StatusInStorage:
		return to == StatusInStorage || to == StatusVerified || to == StatusReleased
	case StatusReleased:
		return false
	}
	return false
}
