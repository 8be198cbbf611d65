// Package registry tracks the fixed inventory of physical storage units.
// Occupancy is only ever set or cleared by the lifecycle service.
package registry

import (
	"time"

	id "morguetrack/pkg/domain"
)

// UnitType distinguishes the two classes of cold-storage slot.
type UnitType string

const (
	UnitTypeFreezer UnitType = "freezer"
	UnitTypeCooler  UnitType = "cooler"
)

// UnitStatus is the administrative state of a physical slot.
type UnitStatus string

const (
	UnitAvailable   UnitStatus = "available"
	UnitOccupied    UnitStatus = "occupied"
	UnitMaintenance UnitStatus = "maintenance"
)

// Unit is one physical cold-storage slot. Capacity is 1 in this domain but is
// kept explicit so availability checks read the same as the source system's.
type Unit struct {
	Code     id.UnitCode `json:"code"`
	Type     UnitType    `json:"type"`
	Capacity int         `json:"capacity"`
	// Occupant is the body currently stored, if any.
	Occupant   *id.BodyID `json:"occupant,omitempty"`
	Status     UnitStatus `json:"status"`
	ProviderID string     `json:"provider_id,omitempty"`
	OutletID   string     `json:"outlet_id,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Available reports whether the unit can accept a body: administratively
// available, no occupant, and below capacity.
func (u Unit) Available() bool {
	return u.Status == UnitAvailable && u.Occupant == nil && u.Occupancy() < u.Capacity
}

// Occupancy returns the number of bodies currently stored (0 or 1).
func (u Unit) Occupancy() int {
	if u.Occupant != nil {
		return 1
	}
	return 0
}

// UnitDefaults seeds a unit auto-provisioned on first use.
type UnitDefaults struct {
	Type       UnitType
	Capacity   int
	ProviderID string
	OutletID   string
}

// Filter narrows ListUnits results.
type Filter struct {
	ProviderID    string
	OutletID      string
	OnlyAvailable bool
}

// Matches applies the filter to one unit.
func (f Filter) Matches(u Unit) bool {
	if f.ProviderID != "" && u.ProviderID != f.ProviderID {
		return false
	}
	if f.OutletID != "" && u.OutletID != f.OutletID {
		return false
	}
	if f.OnlyAvailable && !u.Available() {
		return false
	}
	return true
}
