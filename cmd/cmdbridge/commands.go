package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/nerrad567/gray-logic-cmdbridge/internal/device"
	"github.com/nerrad567/gray-logic-cmdbridge/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-cmdbridge/internal/infrastructure/logging"
)

var errInvalidDevices = errors.New("configuration has invalid devices")

// check loads the configuration and validates every device entry,
// printing one line per device.
func check(w io.Writer, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	seen := make(map[string]bool, len(cfg.Devices))
	failed := 0
	for _, desc := range descriptors(cfg.Devices) {
		norm, normErr := desc.Normalize()
		if normErr == nil && seen[norm.Name] {
			normErr = fmt.Errorf("%w: %q", device.ErrDuplicateName, norm.Name)
		}
		if normErr != nil {
			failed++
			fmt.Fprintf(w, "FAIL  %s\n", normErr)
			continue
		}
		seen[norm.Name] = true
		fmt.Fprintf(w, "ok    %-24s %-16s %s\n", norm.Name, norm.Type, capabilities(norm))
	}

	fmt.Fprintf(w, "%d devices, %d invalid\n", len(cfg.Devices), failed)
	if failed > 0 {
		return errInvalidDevices
	}
	return nil
}

func capabilities(d device.Descriptor) string {
	var caps []string
	if d.OnCommand != "" {
		caps = append(caps, "on")
	}
	if d.OffCommand != "" {
		caps = append(caps, "off")
	}
	if d.StateCommand != "" {
		caps = append(caps, "state")
		if d.Polling {
			caps = append(caps, "poll="+d.Interval.String())
		}
	}
	if len(caps) == 0 {
		return "-"
	}
	return strings.Join(caps, ",")
}

// query runs one device's state command through the engine and prints
// "on" or "off". Polling is disabled for the duration.
func query(ctx context.Context, w io.Writer, configPath, name string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	var target *config.DeviceConfig
	for i := range cfg.Devices {
		if strings.TrimSpace(cfg.Devices[i].Name) == name {
			target = &cfg.Devices[i]
			break
		}
	}
	if target == nil {
		return fmt.Errorf("%w: %q", device.ErrDeviceNotFound, name)
	}

	if strings.TrimSpace(target.StateCommand) == "" {
		return fmt.Errorf("querying %q: %w", name, device.ErrNoStateCommand)
	}

	dev := *target
	dev.Polling = false

	log := logging.New(cfg.Logging, version)
	runner := newRunner(cfg.Commands)
	runner.SetLogger(log.Component("process"))
	registry := newRegistry(runner, cfg.Commands)
	registry.SetLogger(log.Component("device"))
	defer registry.Close()

	if err := registry.Reconcile(ctx, descriptors([]config.DeviceConfig{dev})); err != nil {
		return err
	}

	on, err := registry.ReadState(ctx, name)
	if err != nil {
		return fmt.Errorf("querying %q: %w", name, err)
	}

	state := "off"
	if on {
		state = "on"
	}
	fmt.Fprintf(w, "%s: %s\n", name, state)
	return nil
}
