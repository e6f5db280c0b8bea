package homekit

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/brutella/hc"
	"github.com/brutella/hc/accessory"
	"github.com/brutella/hc/characteristic"
	"github.com/brutella/hc/service"
	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-cmdbridge/internal/device"
	"github.com/nerrad567/gray-logic-cmdbridge/internal/infrastructure/config"
)

const (
	// remoteTimeout bounds a set or get triggered from a HomeKit controller.
	remoteTimeout = 10 * time.Second

	// outboxSize bounds state changes waiting to be pushed to characteristics.
	outboxSize = 256

	// bridgeID is the accessory ID HAP reserves for the bridge itself.
	bridgeID = 1
)

// Controller is the device engine HomeKit drives. *device.Registry satisfies it.
type Controller interface {
	SetState(ctx context.Context, name string, on bool) error
	ReadState(ctx context.Context, name string) (bool, error)
}

// Logger is satisfied by *slog.Logger and logging.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// transport is the subset of hc.Transport used here.
type transport interface {
	Start()
	Stop() <-chan struct{}
}

// Server publishes devices as HomeKit accessories behind one bridge.
//
// HAP cannot add accessories to a running transport, so registration
// changes after Start restart it.
type Server struct {
	cfg    config.HomeKitConfig
	ctrl   Controller
	logger Logger

	bridge *accessory.Bridge

	mu        sync.Mutex
	devices   map[string]*binding
	transport transport
	running   bool

	outbox chan device.StateChange
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// newTransport is replaced in tests.
	newTransport func(hc.Config, *accessory.Accessory, ...*accessory.Accessory) (transport, error)
}

// binding ties one device to its accessory and state characteristics.
type binding struct {
	info  device.Info
	acc   *accessory.Accessory
	chars map[device.Property]setter
}

// setter pushes a value to a characteristic.
type setter func(on bool)

// New creates a HomeKit server. Devices are added with RegisterDevices.
func New(cfg config.HomeKitConfig, ctrl Controller, logger Logger) *Server {
	if logger == nil {
		logger = noopLogger{}
	}
	name := cfg.Name
	if name == "" {
		name = "cmdbridge"
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:     cfg,
		ctrl:    ctrl,
		logger:  logger,
		bridge:  accessory.NewBridge(accessory.Info{Name: name, Manufacturer: "cmdbridge", ID: bridgeID}),
		devices: make(map[string]*binding),
		outbox:  make(chan device.StateChange, outboxSize),
		ctx:     ctx,
		cancel:  cancel,
		newTransport: func(c hc.Config, a *accessory.Accessory, as ...*accessory.Accessory) (transport, error) {
			return hc.NewIPTransport(c, a, as...)
		},
	}
	s.bridge.OnIdentify(func() {
		s.logger.Info("homekit identify", "accessory", name)
	})
	return s
}

// Start launches the IP transport and the state pusher.
func (s *Server) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("homekit server already started")
	}
	if err := s.startTransportLocked(); err != nil {
		return err
	}
	s.running = true

	s.wg.Add(1)
	go s.pushLoop()
	return nil
}

// Stop stops the transport and waits for the state pusher.
func (s *Server) Stop() {
	s.mu.Lock()
	t := s.transport
	s.transport = nil
	s.running = false
	s.mu.Unlock()

	s.cancel()
	if t != nil {
		<-t.Stop()
	}
	s.wg.Wait()
}

func (s *Server) startTransportLocked() error {
	accs := make([]*accessory.Accessory, 0, len(s.devices))
	for _, b := range s.devices {
		accs = append(accs, b.acc)
	}

	t, err := s.newTransport(hc.Config{
		Pin:         s.cfg.Pin,
		Port:        s.cfg.Port,
		StoragePath: s.cfg.StoragePath,
	}, s.bridge.Accessory, accs...)
	if err != nil {
		return fmt.Errorf("creating homekit transport: %w", err)
	}

	go t.Start()
	s.transport = t
	s.logger.Info("homekit bridge started", "accessories", len(accs), "port", s.cfg.Port)
	return nil
}

// restartLocked restarts a running transport with the current accessories.
func (s *Server) restartLocked() error {
	if !s.running {
		return nil
	}
	if s.transport != nil {
		<-s.transport.Stop()
		s.transport = nil
	}
	return s.startTransportLocked()
}

// RegisterDevices adds or updates accessories. A device whose type and
// identity are unchanged keeps its accessory; anything else is rebuilt.
func (s *Server) RegisterDevices(_ context.Context, infos []device.Info) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false
	for _, info := range infos {
		if old, ok := s.devices[info.Name]; ok && sameAccessory(old.info, info) {
			old.info = info
			old.push(info.On)
			continue
		}
		s.devices[info.Name] = s.newBinding(info)
		changed = true
	}

	if !changed {
		return nil
	}
	return s.restartLocked()
}

// UnregisterDevices removes accessories.
func (s *Server) UnregisterDevices(_ context.Context, names []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false
	for _, name := range names {
		if _, ok := s.devices[name]; ok {
			delete(s.devices, name)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return s.restartLocked()
}

// NotifyStateChange queues the change for the pusher. It never blocks.
func (s *Server) NotifyStateChange(change device.StateChange) {
	select {
	case s.outbox <- change:
	default:
		s.logger.Warn("homekit outbox full, dropping update", "device", change.Device)
	}
}

func (s *Server) pushLoop() {
	defer s.wg.Done()
	for {
		select {
		case change := <-s.outbox:
			s.apply(change)
		case <-s.ctx.Done():
			return
		}
	}
}

// apply pushes the notified properties of a change to the characteristics.
// Only the properties present in the change are touched, so a momentary
// reversion resets On alone.
func (s *Server) apply(change device.StateChange) {
	s.mu.Lock()
	b, ok := s.devices[change.Device]
	s.mu.Unlock()
	if !ok {
		return
	}

	for p := range change.Values {
		if set, ok := b.chars[p]; ok {
			set(change.On)
		}
	}
}

// Count returns the number of device accessories.
func (s *Server) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.devices)
}

func (b *binding) push(on bool) {
	for _, set := range b.chars {
		set(on)
	}
}

func sameAccessory(a, b device.Info) bool {
	return a.Type == b.Type &&
		a.UUID == b.UUID &&
		a.Manufacturer == b.Manufacturer &&
		a.Model == b.Model &&
		a.Serial == b.Serial
}

// remoteSet handles a write from a HomeKit controller.
func (s *Server) remoteSet(info device.Info, value any) {
	on, err := info.Type.ParseValue(value)
	if err != nil {
		s.logger.Warn("homekit write rejected", "device", info.Name, "value", value, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, remoteTimeout)
	defer cancel()
	if err := s.ctrl.SetState(ctx, info.Name, on); err != nil {
		s.logger.Warn("homekit set failed", "device", info.Name, "on", on, "error", err)
	}
}

// remoteGet answers a read from a HomeKit controller: the cache for polled
// devices, otherwise a live query.
func (s *Server) remoteGet(name string) bool {
	ctx, cancel := context.WithTimeout(s.ctx, remoteTimeout)
	defer cancel()
	on, err := s.ctrl.ReadState(ctx, name)
	if err != nil {
		s.logger.Debug("homekit get failed", "device", name, "error", err)
	}
	return on
}

// newBinding builds the accessory and service matching the device type.
func (s *Server) newBinding(info device.Info) *binding {
	acc := accessory.New(accessory.Info{
		Name:         info.Name,
		Manufacturer: info.Manufacturer,
		Model:        info.Model,
		SerialNumber: info.Serial,
		ID:           accessoryID(info.UUID),
	}, accessoryType(info.Type))

	acc.OnIdentify(func() {
		s.logger.Info("homekit identify", "device", info.Name)
	})

	b := &binding{info: info, acc: acc, chars: make(map[device.Property]setter)}
	name := info.Name
	get := func() bool { return s.remoteGet(name) }
	set := func(v any) { s.remoteSet(info, v) }

	switch info.Type {
	case device.TypeLightbulb:
		svc := service.NewLightbulb()
		b.bindOn(svc.On, get, set)
		acc.AddService(svc.Service)
	case device.TypeOutlet:
		svc := service.NewOutlet()
		svc.OutletInUse.SetValue(true)
		b.bindOn(svc.On, get, set)
		acc.AddService(svc.Service)
	case device.TypeLock:
		svc := service.NewLockMechanism()
		b.bindInt(device.PropertyLockCurrentState, svc.LockCurrentState.Int, info.Type, get, nil)
		b.bindInt(device.PropertyLockTargetState, svc.LockTargetState.Int, info.Type, get, set)
		acc.AddService(svc.Service)
	case device.TypeDoor:
		svc := service.NewGarageDoorOpener()
		b.bindInt(device.PropertyCurrentDoorState, svc.CurrentDoorState.Int, info.Type, get, nil)
		b.bindInt(device.PropertyTargetDoorState, svc.TargetDoorState.Int, info.Type, get, set)
		acc.AddService(svc.Service)
	case device.TypeWindowCovering:
		svc := service.NewWindowCovering()
		svc.PositionState.SetValue(characteristic.PositionStateStopped)
		b.bindInt(device.PropertyCurrentPosition, svc.CurrentPosition.Int, info.Type, get, nil)
		b.bindInt(device.PropertyTargetPosition, svc.TargetPosition.Int, info.Type, get, set)
		acc.AddService(svc.Service)
	default:
		svc := service.NewSwitch()
		b.bindOn(svc.On, get, set)
		acc.AddService(svc.Service)
	}

	b.push(info.On)
	return b
}

func (b *binding) bindOn(c *characteristic.On, get func() bool, set func(any)) {
	c.OnValueRemoteGet(get)
	c.OnValueRemoteUpdate(func(on bool) { set(on) })
	b.chars[device.PropertyOn] = c.SetValue
}

// bindInt binds an integer characteristic. Current-state characteristics
// are read-only and get no set handler.
func (b *binding) bindInt(p device.Property, c *characteristic.Int, t device.Type, get func() bool, set func(any)) {
	c.OnValueRemoteGet(func() int { return hapValue(t, get()) })
	if set != nil {
		c.OnValueRemoteUpdate(func(v int) { set(v) })
	}
	b.chars[p] = func(on bool) { c.SetValue(hapValue(t, on)) }
}

// hapValue is the HAP integer for a device state: secured, closed and
// fully open are on.
func hapValue(t device.Type, on bool) int {
	switch t {
	case device.TypeLock:
		if on {
			return characteristic.LockCurrentStateSecured
		}
		return characteristic.LockCurrentStateUnsecured
	case device.TypeDoor:
		if on {
			return characteristic.CurrentDoorStateClosed
		}
		return characteristic.CurrentDoorStateOpen
	case device.TypeWindowCovering:
		if on {
			return device.PositionOpen
		}
		return device.PositionClosed
	}
	if on {
		return 1
	}
	return 0
}

func accessoryType(t device.Type) accessory.AccessoryType {
	switch t {
	case device.TypeLightbulb:
		return accessory.TypeLightbulb
	case device.TypeOutlet:
		return accessory.TypeOutlet
	case device.TypeLock:
		return accessory.TypeDoorLock
	case device.TypeDoor:
		return accessory.TypeGarageDoorOpener
	case device.TypeWindowCovering:
		return accessory.TypeWindowCovering
	default:
		return accessory.TypeSwitch
	}
}

// accessoryID derives a stable HAP accessory ID from the device UUID so
// controllers keep their room assignments across restarts.
func accessoryID(id string) uint64 {
	u, err := uuid.Parse(id)
	if err != nil {
		return 0
	}
	aid := binary.BigEndian.Uint64(u[:8]) >> 1
	if aid <= bridgeID {
		aid += bridgeID + 1
	}
	return aid
}
