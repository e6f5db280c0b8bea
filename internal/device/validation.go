package device

import (
	"fmt"
	"strings"
	"unicode"
)

// Validation constants.
const (
	maxNameLength    = 100
	maxCommandLength = 4096
)

// Normalize validates d and returns a copy with canonical type, trimmed
// name, default interval and default accessory information applied.
//
// All returned errors wrap ErrConfiguration.
func (d Descriptor) Normalize() (Descriptor, error) {
	out := d
	out.Name = strings.TrimSpace(d.Name)

	if err := validateName(out.Name); err != nil {
		return Descriptor{}, err
	}

	t, err := ParseType(string(d.Type))
	if err != nil {
		return Descriptor{}, fmt.Errorf("device %q: %w", out.Name, err)
	}
	out.Type = t

	for field, cmd := range map[string]string{
		"on_cmd":    d.OnCommand,
		"off_cmd":   d.OffCommand,
		"state_cmd": d.StateCommand,
	} {
		if len(cmd) > maxCommandLength {
			return Descriptor{}, fmt.Errorf("%w: device %q: %s exceeds %d characters",
				ErrConfiguration, out.Name, field, maxCommandLength)
		}
	}

	switch {
	case d.Interval < 0:
		return Descriptor{}, fmt.Errorf("device %q: %w: %s", out.Name, ErrInvalidInterval, d.Interval)
	case d.Interval == 0:
		out.Interval = DefaultInterval
	}

	if out.Manufacturer == "" {
		out.Manufacturer = DefaultManufacturer
	}
	if out.Model == "" {
		out.Model = DefaultModel
	}
	if out.Serial == "" {
		out.Serial = DefaultSerial
	}

	return out, nil
}

// validateName rejects names that cannot serve as a key or topic segment.
func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidName)
	}
	if len(name) > maxNameLength {
		return fmt.Errorf("%w: %q exceeds %d characters", ErrInvalidName, name, maxNameLength)
	}
	for _, r := range name {
		if r == '/' || r == '+' || r == '#' || unicode.IsControl(r) {
			return fmt.Errorf("%w: %q contains %q", ErrInvalidName, name, r)
		}
	}
	return nil
}
