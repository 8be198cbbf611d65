// Package domain holds typed identifiers shared across features. Wrapping
// uuid.UUID in distinct types lets the compiler catch a body id passed where
// an allocation id belongs.
package domain

import (
	"strings"

	"github.com/google/uuid"

	dErrors "morguetrack/pkg/domain-errors"
)

type (
	// BodyID identifies a deceased-person record.
	BodyID uuid.UUID
	// AllocationID identifies a body-to-unit allocation record.
	AllocationID uuid.UUID
	// ExitID identifies a terminal exit record.
	ExitID uuid.UUID
	// MovementID identifies one movement log entry.
	MovementID uuid.UUID
)

// UnitCode is the stable human-readable code of a physical storage unit,
// e.g. "F-05". It is assigned administratively, not generated.
type UnitCode string

func (c UnitCode) String() string { return string(c) }

// ParseUnitCode validates a caller-supplied unit code.
func ParseUnitCode(raw string) (UnitCode, error) {
	code := strings.TrimSpace(raw)
	if code == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, "unit code must not be empty")
	}
	return UnitCode(code), nil
}

// Actor names the staff member performing an operation. The source system has
// no authentication, so this is caller-asserted and recorded verbatim for
// audit purposes.
type Actor string

func (a Actor) String() string { return string(a) }

func NewBodyID() BodyID             { return BodyID(uuid.New()) }
func NewAllocationID() AllocationID { return AllocationID(uuid.New()) }
func NewExitID() ExitID             { return ExitID(uuid.New()) }
func NewMovementID() MovementID     { return MovementID(uuid.New()) }

func (id BodyID) String() string       { return uuid.UUID(id).String() }
func (id AllocationID) String() string { return uuid.UUID(id).String() }
func (id ExitID) String() string       { return uuid.UUID(id).String() }
func (id MovementID) String() string   { return uuid.UUID(id).String() }

func (id BodyID) IsNil() bool       { return uuid.UUID(id) == uuid.Nil }
func (id AllocationID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }
func (id ExitID) IsNil() bool       { return uuid.UUID(id) == uuid.Nil }

// Defined types do not inherit uuid.UUID's TextMarshaler, so without these
// the IDs would serialize as raw byte arrays.

func (id BodyID) MarshalText() ([]byte, error)       { return []byte(id.String()), nil }
func (id AllocationID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }
func (id ExitID) MarshalText() ([]byte, error)       { return []byte(id.String()), nil }
func (id MovementID) MarshalText() ([]byte, error)   { return []byte(id.String()), nil }

func (id *BodyID) UnmarshalText(text []byte) error {
	u, err := uuid.Parse(string(text))
	if err != nil {
		return err
	}
	*id = BodyID(u)
	return nil
}

func (id *AllocationID) UnmarshalText(text []byte) error {
	u, err := uuid.Parse(string(text))
	if err != nil {
		return err
	}
	*id = AllocationID(u)
	return nil
}

func (id *ExitID) UnmarshalText(text []byte) error {
	u, err := uuid.Parse(string(text))
	if err != nil {
		return err
	}
	*id = ExitID(u)
	return nil
}

func (id *MovementID) UnmarshalText(text []byte) error {
	u, err := uuid.Parse(string(text))
	if err != nil {
		return err
	}
	*id = MovementID(u)
	return nil
}

func ParseBodyID(raw string) (BodyID, error) {
	u, err := parseUUID(raw)
	if err != nil {
		return BodyID{}, err
	}
	return BodyID(u), nil
}

func ParseAllocationID(raw string) (AllocationID, error) {
	u, err := parseUUID(raw)
	if err != nil {
		return AllocationID{}, err
	}
	return AllocationID(u), nil
}

func ParseExitID(raw string) (ExitID, error) {
	u, err := parseUUID(raw)
	if err != nil {
		return ExitID{}, err
	}
	return ExitID(u), nil
}

// parseUUID enforces the shared invariant: IDs must be valid, non-empty,
// non-nil UUIDs.
func parseUUID(raw string) (uuid.UUID, error) {
	if raw == "" {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, "id must not be empty")
	}
	u, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, dErrors.Wrap(err, dErrors.CodeInvalidInput, "id is not a valid UUID")
	}
	if u == uuid.Nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, "id must not be the nil UUID")
	}
	return u, nil
}
