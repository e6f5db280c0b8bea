package device

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDescriptorNormalize_Defaults(t *testing.T) {
	d, err := Descriptor{Name: "  TV  ", Type: "switch", OnCommand: "tv on"}.Normalize()
	require.NoError(t, err)

	assert.Equal(t, "TV", d.Name)
	assert.Equal(t, TypeSwitch, d.Type)
	assert.Equal(t, DefaultInterval, d.Interval)
	assert.Equal(t, DefaultManufacturer, d.Manufacturer)
	assert.Equal(t, DefaultModel, d.Model)
	assert.Equal(t, DefaultSerial, d.Serial)
}

func TestDescriptorNormalize_KeepsExplicitValues(t *testing.T) {
	d, err := Descriptor{
		Name:         "Blind",
		Type:         "WindowCovering",
		Interval:     5 * time.Second,
		Manufacturer: "Acme",
		Model:        "B-1",
		Serial:       "42",
	}.Normalize()
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, d.Interval)
	assert.Equal(t, "Acme", d.Manufacturer)
	assert.Equal(t, "B-1", d.Model)
	assert.Equal(t, "42", d.Serial)
}

func TestDescriptorNormalize_Errors(t *testing.T) {
	tests := []struct {
		name string
		desc Descriptor
		want error
	}{
		{"empty name", Descriptor{}, ErrInvalidName},
		{"blank name", Descriptor{Name: "   "}, ErrInvalidName},
		{"long name", Descriptor{Name: strings.Repeat("x", maxNameLength+1)}, ErrInvalidName},
		{"slash in name", Descriptor{Name: "a/b"}, ErrInvalidName},
		{"wildcard in name", Descriptor{Name: "a#"}, ErrInvalidName},
		{"unknown type", Descriptor{Name: "x", Type: "Toaster"}, ErrInvalidType},
		{"negative interval", Descriptor{Name: "x", Interval: -time.Second}, ErrInvalidInterval},
		{"huge command", Descriptor{Name: "x", OnCommand: strings.Repeat("x", maxCommandLength+1)}, ErrConfiguration},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.desc.Normalize()
			assert.ErrorIs(t, err, tt.want)
			assert.ErrorIs(t, err, ErrConfiguration)
		})
	}
}

func TestDescriptor_InitialState(t *testing.T) {
	tests := []struct {
		name string
		desc Descriptor
		want bool
	}{
		{"only off", Descriptor{OffCommand: "off"}, true},
		{"only on", Descriptor{OnCommand: "on"}, false},
		{"both", Descriptor{OnCommand: "on", OffCommand: "off"}, false},
		{"neither", Descriptor{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.desc.initialState())
		})
	}
}

func TestDescriptor_Momentary(t *testing.T) {
	onOnly := Descriptor{OnCommand: "on"}
	assert.True(t, onOnly.Momentary(true))
	assert.False(t, onOnly.Momentary(false), "the counter of off is on, which exists")

	withState := Descriptor{OnCommand: "on", StateCommand: "state"}
	assert.False(t, withState.Momentary(true))

	both := Descriptor{OnCommand: "on", OffCommand: "off"}
	assert.False(t, both.Momentary(true))
	assert.False(t, both.Momentary(false))
}

func TestDescriptor_PollingEnabled(t *testing.T) {
	assert.True(t, Descriptor{Polling: true, StateCommand: "s"}.PollingEnabled())
	assert.False(t, Descriptor{Polling: true}.PollingEnabled())
	assert.False(t, Descriptor{StateCommand: "s"}.PollingEnabled())
}
