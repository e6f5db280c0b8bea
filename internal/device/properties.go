package device

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Lock, door and covering values as exposed to front ends.
const (
	LockSecured   = "secured"
	LockUnsecured = "unsecured"
	DoorClosed    = "closed"
	DoorOpen      = "open"

	PositionOpen   = 100
	PositionClosed = 0
)

// valueMapping translates between the boolean device state and the values
// of the type's state-bearing properties.
type valueMapping struct {
	properties []Property
	encode     func(on bool) any
	decode     func(v any) (bool, bool)
}

var (
	onOffMapping = valueMapping{
		properties: []Property{PropertyOn},
		encode:     func(on bool) any { return on },
		decode:     decodeBool,
	}

	lockMapping = valueMapping{
		properties: []Property{PropertyLockCurrentState, PropertyLockTargetState},
		encode:     func(on bool) any { return pick(on, LockSecured, LockUnsecured) },
		decode:     decodeWords(LockSecured, LockUnsecured),
	}

	doorMapping = valueMapping{
		properties: []Property{PropertyCurrentDoorState, PropertyTargetDoorState},
		encode:     func(on bool) any { return pick(on, DoorClosed, DoorOpen) },
		decode:     decodeWords(DoorClosed, DoorOpen),
	}

	positionMapping = valueMapping{
		properties: []Property{PropertyCurrentPosition, PropertyTargetPosition},
		encode:     func(on bool) any { return pick(on, PositionOpen, PositionClosed) },
		decode:     decodePosition,
	}
)

// mapping returns the value mapping for t. Every entry of AllTypes has one.
func (t Type) mapping() (valueMapping, bool) {
	switch t {
	case TypeSwitch, TypeLightbulb, TypeOutlet:
		return onOffMapping, true
	case TypeLock:
		return lockMapping, true
	case TypeDoor:
		return doorMapping, true
	case TypeWindowCovering:
		return positionMapping, true
	}
	return valueMapping{}, false
}

// Valid reports whether t is a supported device type.
func (t Type) Valid() bool {
	_, ok := t.mapping()
	return ok
}

// Properties returns the state-bearing properties of t.
func (t Type) Properties() []Property {
	m, _ := t.mapping()
	out := make([]Property, len(m.properties))
	copy(out, m.properties)
	return out
}

// Value returns the property value representing on for t.
func (t Type) Value(on bool) any {
	m, ok := t.mapping()
	if !ok {
		return on
	}
	return m.encode(on)
}

// Values returns one entry per state-bearing property of t.
func (t Type) Values(on bool) map[Property]any {
	m, _ := t.mapping()
	values := make(map[Property]any, len(m.properties))
	for _, p := range m.properties {
		values[p] = m.encode(on)
	}
	return values
}

// ParseValue converts a value written by a front end back to on/off.
//
// Booleans and "on"/"off" are accepted for every type, along with the
// type's own vocabulary: "secured"/"unsecured" and 1/0 for locks,
// "closed"/"open" and 1/0 for doors, and any position above 0 for
// window coverings.
func (t Type) ParseValue(v any) (bool, error) {
	m, ok := t.mapping()
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrInvalidType, t)
	}
	on, ok := m.decode(v)
	if !ok {
		return false, fmt.Errorf("%w: %v for %s", ErrInvalidValue, v, t)
	}
	return on, nil
}

// typeAliases maps lower-cased configuration spellings to types.
var typeAliases = map[string]Type{
	"lockmechanism": TypeLock,
	"blind":         TypeWindowCovering,
	"garagedoor":    TypeDoor,
}

// ParseType resolves a configured type name, case-insensitively.
// An empty name means Switch.
func ParseType(s string) (Type, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return TypeSwitch, nil
	}
	for _, t := range AllTypes() {
		if strings.EqualFold(s, string(t)) {
			return t, nil
		}
	}
	if t, ok := typeAliases[strings.ToLower(s)]; ok {
		return t, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidType, s)
}

func pick[T any](on bool, yes, no T) T {
	if on {
		return yes
	}
	return no
}

func decodeBool(v any) (bool, bool) {
	switch x := v.(type) {
	case bool:
		return x, true
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "on", "true", "1":
			return true, true
		case "off", "false", "0":
			return false, true
		}
	}
	if n, ok := toNumber(v); ok {
		return n != 0, true
	}
	return false, false
}

func decodeWords(yes, no string) func(any) (bool, bool) {
	return func(v any) (bool, bool) {
		if s, ok := v.(string); ok {
			switch strings.ToLower(strings.TrimSpace(s)) {
			case yes:
				return true, true
			case no:
				return false, true
			}
		}
		return decodeBool(v)
	}
}

func decodePosition(v any) (bool, bool) {
	if n, ok := toNumber(v); ok {
		return n > 0, true
	}
	return decodeBool(v)
}

func toNumber(v any) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint8:
		return float64(x), true
	case float64:
		return x, true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	}
	return 0, false
}
