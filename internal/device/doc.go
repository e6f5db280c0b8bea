// Package device is the state synchronisation engine for command-driven devices.
//
// A device has no native control protocol. It is driven by up to three
// shell commands (on, off, state) and exposed to one or more front ends
// as a Switch, Lightbulb, Outlet, Lock, Door or WindowCovering.
//
// # Architecture
//
//	 Frontend (HomeKit, MQTT, REST)
//	      │ ReadState / SetState            ▲ RegisterDevices / NotifyStateChange
//	      ▼                                 │
//	┌──────────────────────────── Registry ─────────────────────────────┐
//	│  Reconcile ─▶ accessory (one goroutine per device)                │
//	│                 • cached state, sequence number                   │
//	│                 • poll loop (fixed delay, single owned timer)     │
//	│                 • set race (command vs timeout, single-fire)      │
//	│                 • momentary reversion timer                       │
//	└───────────────────────────────┬────────────────────────────────────┘
//	                                │ Run(ctx, command)
//	                                ▼
//	                         process.Runner (sh -c, process group)
//
// Every mutation of a device happens on that device's goroutine, so poll
// results, set completions and reversions are applied one at a time. A
// per-device sequence number, bumped by every set, lets late poll results
// and superseded set completions be discarded.
//
// # Usage
//
//	runner := process.NewRunner(process.Config{})
//	reg := device.NewRegistry(runner, device.Options{})
//	reg.SetLogger(log)
//	reg.AddFrontend(bridge)
//	reg.SetRepository(device.NewSQLiteRepository(db))
//
//	if err := reg.Restore(ctx); err != nil {
//	    return err
//	}
//	if err := reg.Reconcile(ctx, descriptors); err != nil {
//	    log.Warn("some devices were skipped", "error", err)
//	}
//
//	err := reg.SetState(ctx, "TV", true)
package device
