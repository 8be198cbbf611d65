// Package movement defines the append-only audit trail of storage-unit
// reassignments. Entries are never updated or deleted.
package movement

import (
	"time"

	id "morguetrack/pkg/domain"
)

// Entry records one storage-unit transition for a body. FromUnit is nil for
// the first assignment.
type Entry struct {
	ID         id.MovementID `json:"id"`
	BodyID     id.BodyID     `json:"body_id"`
	FromUnit   *id.UnitCode  `json:"from_unit,omitempty"`
	ToUnit     id.UnitCode   `json:"to_unit"`
	Actor      id.Actor      `json:"actor"`
	RecordedAt time.Time     `json:"recorded_at"`
}
