package device

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nerrad567/gray-logic-cmdbridge/internal/process"
)

// storeTimeout bounds persistence calls made while applying a state change.
const storeTimeout = 5 * time.Second

// Logger defines the logging interface used by the Registry.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// CommandRunner starts shell commands asynchronously.
// *process.Runner satisfies it.
type CommandRunner interface {
	Run(ctx context.Context, command string) <-chan process.Result
}

// Options tune the set-state race and momentary reversion.
type Options struct {
	// SetTimeout is how long a set waits before reporting optimistic success.
	// Default: 3s
	SetTimeout time.Duration

	// RevertDelay is how long after a momentary set its state flips back.
	// Default: 1s
	RevertDelay time.Duration

	// KillOnTimeout kills a set command's process group once SetTimeout
	// elapses. By default it is left to finish and update the cache.
	KillOnTimeout bool
}

// Registry owns every device, reconciles them against configuration and
// routes front-end reads and writes to them.
//
// All public methods are thread-safe. Front ends, repositories and the
// metrics recorder must be attached before the first Restore or Reconcile.
type Registry struct {
	runner CommandRunner
	opts   Options
	logger Logger

	frontends Frontends
	repo      Repository
	history   StateHistoryRepository
	metrics   MetricsRecorder

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.RWMutex
	devices     map[string]*accessory
	reconcileMu sync.Mutex

	reads singleflight.Group
}

// NewRegistry creates a registry that runs device commands through runner.
func NewRegistry(runner CommandRunner, opts Options) *Registry {
	if opts.SetTimeout <= 0 {
		opts.SetTimeout = 3 * time.Second
	}
	if opts.RevertDelay <= 0 {
		opts.RevertDelay = time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		runner:  runner,
		opts:    opts,
		logger:  noopLogger{},
		ctx:     ctx,
		cancel:  cancel,
		devices: make(map[string]*accessory),
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// AddFrontend attaches a front end.
func (r *Registry) AddFrontend(f Frontend) {
	r.frontends = append(r.frontends, f)
}

// SetRepository attaches the persistent device cache.
func (r *Registry) SetRepository(repo Repository) {
	r.repo = repo
}

// SetStateHistory attaches the state history store.
func (r *Registry) SetStateHistory(history StateHistoryRepository) {
	r.history = history
}

// StateHistory returns the attached state history store, or nil.
func (r *Registry) StateHistory() StateHistoryRepository {
	return r.history
}

// SetMetrics attaches a time-series recorder.
func (r *Registry) SetMetrics(m MetricsRecorder) {
	r.metrics = m
}

// Restore loads persisted devices with their last known state. They stay
// unreachable and idle until a reconcile confirms them; the ones it does
// not confirm are removed.
func (r *Registry) Restore(ctx context.Context) error {
	if r.repo == nil {
		return nil
	}

	records, err := r.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("loading devices: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	restored := 0
	for _, rec := range records {
		desc, err := rec.Descriptor.Normalize()
		if err != nil {
			r.logger.Warn("skipping unreadable cached device", "device", rec.Descriptor.Name, "error", err)
			continue
		}
		if _, exists := r.devices[desc.Name]; exists {
			continue
		}
		a := newAccessory(r, desc, rec.On)
		a.lastChanged = rec.UpdatedAt
		r.devices[desc.Name] = a
		restored++
	}

	r.logger.Info("device cache restored", "count", restored)
	return nil
}

// Reconcile makes the registry match descriptors.
//
// Each valid descriptor creates a device or updates the same-named one in
// place, keeping its cached state, and then (re)starts its initial state
// acquisition and polling. Invalid descriptors are logged and skipped
// without affecting the others. Devices not named by any valid descriptor
// are removed. The returned error joins every configuration error.
func (r *Registry) Reconcile(ctx context.Context, descriptors []Descriptor) error {
	r.reconcileMu.Lock()
	defer r.reconcileMu.Unlock()

	var errs []error
	confirmed := make(map[string]*accessory, len(descriptors))
	order := make([]string, 0, len(descriptors))
	pending := make(map[string]Descriptor, len(descriptors))

	for _, d := range descriptors {
		desc, err := d.Normalize()
		if err != nil {
			r.logger.Error("skipping invalid device", "device", d.Name, "error", err)
			errs = append(errs, err)
			continue
		}
		if _, dup := pending[desc.Name]; dup {
			err := fmt.Errorf("%w: %q", ErrDuplicateName, desc.Name)
			r.logger.Error("skipping duplicate device", "device", desc.Name, "error", err)
			errs = append(errs, err)
			continue
		}
		pending[desc.Name] = desc
		order = append(order, desc.Name)
	}

	r.mu.Lock()
	for _, name := range order {
		desc := pending[name]
		a, ok := r.devices[name]
		if !ok {
			a = newAccessory(r, desc, desc.initialState())
			r.devices[name] = a
			r.logger.Info("device created", "device", name, "type", desc.Type)
		}
		confirmed[name] = a
	}
	var stale []string
	for name := range r.devices {
		if _, ok := confirmed[name]; !ok {
			stale = append(stale, name)
		}
	}
	r.mu.Unlock()

	// The map has changed: finish the pass even if the caller gives up,
	// so no device is left created but inactive and no stale one survives.
	ctx = context.WithoutCancel(ctx)

	// Register before activating so no state change precedes registration.
	infos := make([]Info, 0, len(order))
	active := order[:0:0]
	for _, name := range order {
		a := confirmed[name]
		desc := pending[name]
		var info Info
		var on bool
		if err := a.call(ctx, func() {
			a.desc = desc
			a.reachable = true
			info = a.info()
			on = a.on
		}); err != nil {
			// Only a stopped device goroutine gets here, i.e. a closed registry.
			r.logger.Warn("device stopped during reconcile", "device", name, "error", err)
			continue
		}
		infos = append(infos, info)
		active = append(active, name)
		r.persist(Record{Descriptor: desc, On: on})
	}

	if len(infos) > 0 {
		if err := r.frontends.RegisterDevices(ctx, infos); err != nil {
			r.logger.Error("registering devices with front ends", "error", err)
		}
	}

	for _, name := range active {
		a := confirmed[name]
		a.post(a.activate)
	}

	if len(stale) > 0 {
		sort.Strings(stale)
		r.removeDevices(ctx, stale)
	}

	r.logger.Info("devices reconciled", "configured", len(order), "removed", len(stale), "invalid", len(errs))
	return errors.Join(errs...)
}

// Remove stops and unregisters a device.
// Returns ErrDeviceNotFound if no device has that name.
func (r *Registry) Remove(ctx context.Context, name string) error {
	r.reconcileMu.Lock()
	defer r.reconcileMu.Unlock()

	if _, err := r.lookup(name); err != nil {
		return err
	}
	r.removeDevices(ctx, []string{name})
	return nil
}

func (r *Registry) removeDevices(ctx context.Context, names []string) {
	r.mu.Lock()
	removed := make([]*accessory, 0, len(names))
	for _, name := range names {
		if a, ok := r.devices[name]; ok {
			delete(r.devices, name)
			removed = append(removed, a)
		}
	}
	r.mu.Unlock()

	for _, a := range removed {
		a.stop()
		if r.repo != nil {
			if err := r.repo.Delete(ctx, a.desc.Name); err != nil {
				r.logger.Error("deleting cached device", "device", a.desc.Name, "error", err)
			}
		}
		r.logger.Info("device removed", "device", a.desc.Name)
	}

	if err := r.frontends.UnregisterDevices(ctx, names); err != nil {
		r.logger.Error("unregistering devices from front ends", "error", err)
	}
}

// Get returns a snapshot of one device.
func (r *Registry) Get(ctx context.Context, name string) (Info, error) {
	a, err := r.lookup(name)
	if err != nil {
		return Info{}, err
	}

	var info Info
	if err := a.call(ctx, func() { info = a.info() }); err != nil {
		return Info{}, err
	}
	return info, nil
}

// List returns snapshots of every device ordered by name.
func (r *Registry) List(ctx context.Context) ([]Info, error) {
	r.mu.RLock()
	all := make([]*accessory, 0, len(r.devices))
	for _, a := range r.devices {
		all = append(all, a)
	}
	r.mu.RUnlock()

	infos := make([]Info, 0, len(all))
	for _, a := range all {
		var info Info
		if err := a.call(ctx, func() { info = a.info() }); err != nil {
			if errors.Is(err, ErrDeviceRemoved) {
				continue
			}
			return nil, err
		}
		infos = append(infos, info)
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

// Count returns the number of registered devices.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// Close stops every device and kills commands still running.
func (r *Registry) Close() {
	r.mu.Lock()
	all := make([]*accessory, 0, len(r.devices))
	for _, a := range r.devices {
		all = append(all, a)
	}
	r.mu.Unlock()

	for _, a := range all {
		a.stop()
	}
	r.cancel()
}

func (r *Registry) lookup(name string) (*accessory, error) {
	r.mu.RLock()
	a, ok := r.devices[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrDeviceNotFound, name)
	}
	return a, nil
}

// publish delivers a state change to front ends, history, metrics and the
// persistent cache. Called on the changed device's goroutine.
func (r *Registry) publish(change StateChange) {
	r.frontends.NotifyStateChange(change)

	if r.metrics != nil {
		r.metrics.RecordDeviceState(change.Device, string(change.Type), change.Source, change.On, change.Timestamp)
	}

	if r.repo == nil && r.history == nil {
		return
	}

	ctx, cancel := context.WithTimeout(r.ctx, storeTimeout)
	defer cancel()

	if r.history != nil {
		if err := r.history.RecordStateChange(ctx, change.Device, snapshotState(change), change.Source); err != nil {
			r.logger.Warn("recording state history", "device", change.Device, "error", err)
		}
	}

	if r.repo != nil {
		if err := r.repo.UpdateState(ctx, change.Device, change.On); err != nil && !isNotFound(err) {
			r.logger.Warn("persisting device state", "device", change.Device, "error", err)
		}
	}
}

// persist saves a device record, logging failures.
func (r *Registry) persist(rec Record) {
	if r.repo == nil {
		return
	}

	ctx, cancel := context.WithTimeout(r.ctx, storeTimeout)
	defer cancel()

	rec.UpdatedAt = time.Now()
	if err := r.repo.Save(ctx, rec); err != nil {
		r.logger.Warn("persisting device", "device", rec.Descriptor.Name, "error", err)
	}
}
