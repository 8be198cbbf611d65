// Package audit captures structured events for every lifecycle mutation. It
// is append-only and transport-agnostic so sinks (memory, Kafka) can fan out.
package audit

import "time"

// Action identifies what happened.
type Action string

const (
	ActionBodyRegistered     Action = "body_registered"
	ActionBodyVerified       Action = "body_verified"
	ActionBodyUpdated        Action = "body_updated"
	ActionStorageAssigned    Action = "storage_assigned"
	ActionStorageReassigned  Action = "storage_reassigned"
	ActionStorageUnassigned  Action = "storage_unassigned"
	ActionBodyReleased       Action = "body_released"
	ActionAllocationConflict Action = "allocation_conflict"
	ActionIDGenDegraded      Action = "idgen_degraded"
)

// Event is one audit entry. BodyID and unit codes are strings here to keep
// the package free of domain imports; sinks serialize it as-is.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Action    Action    `json:"action"`
	BodyID    string    `json:"body_id,omitempty"`
	FromUnit  string    `json:"from_unit,omitempty"`
	ToUnit    string    `json:"to_unit,omitempty"`
	Actor     string    `json:"actor,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}
