// Package exitrecord defines the terminal projection created when a body is
// released. Records are created exactly once per body and are immutable.
package exitrecord

import (
	"time"

	"morguetrack/internal/body"
	id "morguetrack/pkg/domain"
)

// ExitRecord snapshots the body at release time plus the release metadata
// needed for the No-Objection Certificate.
type ExitRecord struct {
	ID     id.ExitID `json:"id"`
	BodyID id.BodyID `json:"body_id"`

	// Snapshot of the body at time of release.
	RegistrationNumber string                   `json:"registration_number"`
	Name               string                   `json:"name"`
	TimeOfDeath        time.Time                `json:"time_of_death"`
	CauseOfDeath       string                   `json:"cause_of_death"`
	PlaceOfDeath       string                   `json:"place_of_death"`
	Risk               body.RiskLevel           `json:"risk"`
	Verifications      []body.VerificationEvent `json:"verifications,omitempty"`
	// ReleasedFromUnit is the unit freed by the release, if the body was in
	// storage at the time.
	ReleasedFromUnit *id.UnitCode `json:"released_from_unit,omitempty"`
	ProviderID       string       `json:"provider_id,omitempty"`
	OutletID         string       `json:"outlet_id,omitempty"`

	// Release metadata.
	ReceiverName      string    `json:"receiver_name"`
	ReceiverID        string    `json:"receiver_id"`
	Relationship      string    `json:"relationship"`
	WitnessingStaff   string    `json:"witnessing_staff,omitempty"`
	ReleaseConditions string    `json:"release_conditions,omitempty"`
	ExitedAt          time.Time `json:"exited_at"`
	ProcessedBy       id.Actor  `json:"processed_by"`
	NOCGenerated      bool      `json:"noc_generated"`
}

// Filter narrows exit record listings.
type Filter struct {
	BodyID     *id.BodyID
	ProviderID string
	OutletID   string
}

// Matches applies the filter to one record.
func (f Filter) Matches(r ExitRecord) bool {
	if f.BodyID != nil && r.BodyID != *f.BodyID {
		return false
	}
	if f.ProviderID != "" && r.ProviderID != f.ProviderID {
		return false
	}
	if f.OutletID != "" && r.OutletID != f.OutletID {
		return false
	}
	return true
}
