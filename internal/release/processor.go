// Package release implements the exit workflow on top of the lifecycle
// service: required-field validation, the exit record snapshot, and the
// printable No-Objection Certificate payload. Document rendering itself is a
// boundary concern; this package only guarantees the NOC inputs are captured
// at release time.
package release

import (
	"time"

	"morguetrack/internal/body"
	"morguetrack/internal/exitrecord"
	id "morguetrack/pkg/domain"
	dErrors "morguetrack/pkg/domain-errors"
)

// Details is the caller-supplied release metadata.
type Details struct {
	ReceiverName      string `json:"receiver_name"`
	ReceiverID        string `json:"receiver_id"`
	Relationship      string `json:"relationship"`
	WitnessingStaff   string `json:"witnessing_staff,omitempty"`
	ReleaseConditions string `json:"release_conditions,omitempty"`
	// ExitTime defaults to now when zero.
	ExitTime time.Time `json:"exit_time,omitempty"`
}

// Validate checks the required receiver fields and names every missing one.
func (d Details) Validate() error {
	var missing []string
	if d.ReceiverName == "" {
		missing = append(missing, "receiver_name")
	}
	if d.ReceiverID == "" {
		missing = append(missing, "receiver_id")
	}
	if d.Relationship == "" {
		missing = append(missing, "relationship")
	}
	if len(missing) > 0 {
		return dErrors.New(dErrors.CodeValidation, "release details incomplete").WithFields(missing...)
	}
	return nil
}

// BuildExitRecord snapshots the body merged with release details. freedUnit is
// the unit the release vacated, nil when the body was not in storage.
func BuildExitRecord(b body.Body, d Details, actor id.Actor, freedUnit *id.UnitCode, now time.Time) exitrecord.ExitRecord {
	exitedAt := d.ExitTime
	if exitedAt.IsZero() {
		exitedAt = now
	}
	return exitrecord.ExitRecord{
		ID:                 id.NewExitID(),
		BodyID:             b.ID,
		RegistrationNumber: b.RegistrationNumber,
		Name:               b.Name,
		TimeOfDeath:        b.TimeOfDeath,
		CauseOfDeath:       b.CauseOfDeath,
		PlaceOfDeath:       b.PlaceOfDeath,
		Risk:               b.Risk,
		Verifications:      b.Verifications,
		ReleasedFromUnit:   freedUnit,
		ProviderID:         b.ProviderID,
		OutletID:           b.OutletID,
		ReceiverName:       d.ReceiverName,
		ReceiverID:         d.ReceiverID,
		Relationship:       d.Relationship,
		WitnessingStaff:    d.WitnessingStaff,
		ReleaseConditions:  d.ReleaseConditions,
		ExitedAt:           exitedAt,
		ProcessedBy:        actor,
		NOCGenerated:       true,
	}
}

// NOCPayload is the derived document payload handed to the boundary layer for
// rendering. It is not a stored entity; everything in it comes from the exit
// record.
type NOCPayload struct {
	RegistrationNumber string    `json:"registration_number"`
	DeceasedName       string    `json:"deceased_name"`
	TimeOfDeath        time.Time `json:"time_of_death"`
	ReceiverName       string    `json:"receiver_name"`
	ReceiverID         string    `json:"receiver_id"`
	Relationship       string    `json:"relationship"`
	WitnessingStaff    string    `json:"witnessing_staff,omitempty"`
	ReleaseDate        time.Time `json:"release_date"`
	ProcessedBy        string    `json:"processed_by"`
}

// BuildNOC derives the certificate payload from an exit record.
func BuildNOC(r exitrecord.ExitRecord) NOCPayload {
	return NOCPayload{
		RegistrationNumber: r.RegistrationNumber,
		DeceasedName:       r.Name,
		TimeOfDeath:        r.TimeOfDeath,
		ReceiverName:       r.ReceiverName,
		ReceiverID:         r.ReceiverID,
		Relationship:       r.Relationship,
		WitnessingStaff:    r.WitnessingStaff,
		ReleaseDate:        r.ExitedAt,
		ProcessedBy:        r.ProcessedBy.String(),
	}
}
