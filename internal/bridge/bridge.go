package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-cmdbridge/internal/device"
	"github.com/nerrad567/gray-logic-cmdbridge/internal/infrastructure/mqtt"
)

const (
	// commandTimeout bounds a set or read started from MQTT. Sets report
	// optimistic success well before this.
	commandTimeout = 30 * time.Second

	// outboxSize bounds state messages waiting to be published.
	outboxSize = 256
)

var (
	errInvalidCommand = errors.New("bridge: invalid command")
	errTimeout        = errors.New("bridge: timed out")
)

// MQTTClient is the subset of *mqtt.Client the bridge uses.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
}

// Controller is the device engine the bridge drives. *device.Registry satisfies it.
type Controller interface {
	Get(ctx context.Context, name string) (device.Info, error)
	SetState(ctx context.Context, name string, on bool) error
	ReadState(ctx context.Context, name string) (bool, error)
	QueryState(ctx context.Context, name string) (bool, error)
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

// Options configures a Bridge.
type Options struct {
	MQTT       MQTTClient
	Controller Controller
	Logger     Logger

	// QoS for every publish and subscription, 0 to 2. The zero value is
	// QoS 0; callers pass the configured mqtt.qos (default 1).
	QoS byte
}

// Stats counts bridge traffic.
type Stats struct {
	CommandsReceived uint64 `json:"commands_received"`
	CommandsFailed   uint64 `json:"commands_failed"`
	RequestsReceived uint64 `json:"requests_received"`
	StatesPublished  uint64 `json:"states_published"`
	StatesDropped    uint64 `json:"states_dropped"`
}

// Bridge is the MQTT front end. It publishes device registrations and
// state under cmdbridge/ and turns commands and requests received there
// into engine calls.
type Bridge struct {
	mqtt   MQTTClient
	ctrl   Controller
	logger Logger
	qos    byte

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	outbox   chan outgoing

	// lifeMu orders wg.Add against Stop: once stopping is set no new
	// goroutine is tracked.
	lifeMu   sync.Mutex
	stopping bool
	wg       sync.WaitGroup

	mu      sync.RWMutex
	devices map[string]device.Info

	commands, commandsFailed, requests, published, dropped atomic.Uint64
}

type outgoing struct {
	topic    string
	payload  []byte
	retained bool
}

// New creates a bridge. Call Start to subscribe and begin publishing.
func New(opts Options) (*Bridge, error) {
	if opts.MQTT == nil {
		return nil, fmt.Errorf("MQTT client is required")
	}
	if opts.Controller == nil {
		return nil, fmt.Errorf("controller is required")
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	if opts.QoS > 2 {
		return nil, fmt.Errorf("invalid QoS %d", opts.QoS)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		mqtt:    opts.MQTT,
		ctrl:    opts.Controller,
		logger:  opts.Logger,
		qos:     opts.QoS,
		ctx:     ctx,
		cancel:  cancel,
		outbox:  make(chan outgoing, outboxSize),
		devices: make(map[string]device.Info),
	}, nil
}

// Start subscribes to command and request topics and starts the publisher.
func (b *Bridge) Start(_ context.Context) error {
	topics := mqtt.Topics{}
	if err := b.mqtt.Subscribe(topics.AllDeviceCommands(), b.qos, b.handleCommand); err != nil {
		return fmt.Errorf("subscribe to commands: %w", err)
	}
	if err := b.mqtt.Subscribe(topics.AllDeviceRequests(), b.qos, b.handleRequest); err != nil {
		return fmt.Errorf("subscribe to requests: %w", err)
	}

	b.spawn(b.publishLoop)

	b.logger.Info("mqtt bridge started", "commands", topics.AllDeviceCommands(), "requests", topics.AllDeviceRequests())
	return nil
}

// Stop cancels in-flight commands and waits for the bridge's goroutines.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		b.lifeMu.Lock()
		b.stopping = true
		b.lifeMu.Unlock()

		b.cancel()
		b.wg.Wait()
		b.logger.Info("mqtt bridge stopped")
	})
}

// spawn runs fn on a goroutine Stop waits for. It reports false, without
// running fn, once Stop has begun.
func (b *Bridge) spawn(fn func()) bool {
	b.lifeMu.Lock()
	defer b.lifeMu.Unlock()
	if b.stopping {
		return false
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		fn()
	}()
	return true
}

// Stats returns traffic counters.
func (b *Bridge) Stats() Stats {
	return Stats{
		CommandsReceived: b.commands.Load(),
		CommandsFailed:   b.commandsFailed.Load(),
		RequestsReceived: b.requests.Load(),
		StatesPublished:  b.published.Load(),
		StatesDropped:    b.dropped.Load(),
	}
}

// RegisterDevices publishes each device's retained config and current state.
func (b *Bridge) RegisterDevices(_ context.Context, infos []device.Info) error {
	topics := mqtt.Topics{}
	var errs []error

	b.mu.Lock()
	for _, info := range infos {
		b.devices[info.Name] = info
	}
	b.mu.Unlock()

	for _, info := range infos {
		config, err := json.Marshal(info)
		if err != nil {
			errs = append(errs, fmt.Errorf("marshal config for %q: %w", info.Name, err))
			continue
		}
		if err := b.mqtt.Publish(topics.DeviceConfig(info.Name), config, b.qos, true); err != nil {
			errs = append(errs, fmt.Errorf("publish config for %q: %w", info.Name, err))
			continue
		}

		state := StateMessage{
			Device:    info.Name,
			Type:      info.Type,
			On:        info.On,
			State:     propertyMap(info.State),
			Timestamp: time.Now().UTC(),
		}
		if err := b.publishJSON(topics.DeviceState(info.Name), state, true); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// UnregisterDevices clears the retained config and state of each device.
func (b *Bridge) UnregisterDevices(_ context.Context, names []string) error {
	topics := mqtt.Topics{}
	var errs []error

	for _, name := range names {
		b.mu.Lock()
		delete(b.devices, name)
		b.mu.Unlock()

		for _, topic := range []string{topics.DeviceConfig(name), topics.DeviceState(name)} {
			if err := b.mqtt.Publish(topic, nil, b.qos, true); err != nil {
				errs = append(errs, fmt.Errorf("clear %s: %w", topic, err))
			}
		}
	}
	return errors.Join(errs...)
}

// NotifyStateChange queues the new retained state. It never blocks; when
// the queue is full the message is dropped and counted.
func (b *Bridge) NotifyStateChange(change device.StateChange) {
	payload, err := json.Marshal(newStateMessage(change))
	if err != nil {
		b.logger.Error("marshal state message", "device", change.Device, "error", err)
		return
	}

	select {
	case b.outbox <- outgoing{topic: mqtt.Topics{}.DeviceState(change.Device), payload: payload, retained: true}:
	default:
		b.dropped.Add(1)
		b.logger.Warn("state outbox full, dropping update", "device", change.Device)
	}
}

func (b *Bridge) publishLoop() {
	for {
		select {
		case msg := <-b.outbox:
			if err := b.mqtt.Publish(msg.topic, msg.payload, b.qos, msg.retained); err != nil {
				b.logger.Warn("publish state failed", "topic", msg.topic, "error", err)
				continue
			}
			b.published.Add(1)
		case <-b.ctx.Done():
			return
		}
	}
}

// handleCommand runs on a paho goroutine; the set runs on its own so slow
// commands do not hold up other messages.
func (b *Bridge) handleCommand(topic string, payload []byte) error {
	name := mqtt.DeviceFromTopic(topic)
	if name == "" {
		return fmt.Errorf("%w: unexpected topic %s", errInvalidCommand, topic)
	}
	b.commands.Add(1)

	var cmd CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.commandsFailed.Add(1)
		b.publishAck(newAck(cmd, name, fmt.Errorf("%w: %w", errInvalidCommand, err)))
		return nil
	}

	if !b.spawn(func() { b.executeCommand(name, cmd) }) {
		b.logger.Debug("dropping command during shutdown", "device", name, "command_id", cmd.ID)
	}
	return nil
}

func (b *Bridge) executeCommand(name string, cmd CommandMessage) {
	ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
	defer cancel()

	b.logger.Debug("received command", "device", name, "command_id", cmd.ID, "command", cmd.Command)

	on, err := b.resolveCommand(ctx, name, cmd)
	if err == nil {
		err = b.ctrl.SetState(ctx, name, on)
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %w", errTimeout, err)
		}
	}

	ack := newAck(cmd, name, err)
	if err != nil {
		b.commandsFailed.Add(1)
		b.logger.Warn("command failed", "device", name, "command_id", cmd.ID, "error", err)
	} else {
		ack.On = &on
	}
	b.publishAck(ack)
}

// resolveCommand turns a command into the requested on/off state.
func (b *Bridge) resolveCommand(ctx context.Context, name string, cmd CommandMessage) (bool, error) {
	switch strings.ToLower(cmd.Command) {
	case CommandOn:
		return true, nil
	case CommandOff:
		return false, nil
	case CommandSet:
	default:
		return false, fmt.Errorf("%w: unknown command %q", errInvalidCommand, cmd.Command)
	}

	info, err := b.deviceInfo(ctx, name)
	if err != nil {
		return false, err
	}
	if cmd.Property != "" && !hasProperty(info, device.Property(cmd.Property)) {
		return false, fmt.Errorf("%w: %s has no property %q", errInvalidCommand, info.Type, cmd.Property)
	}
	return info.Type.ParseValue(cmd.Value)
}

func hasProperty(info device.Info, p device.Property) bool {
	if p == device.PropertyOn {
		return true
	}
	for _, q := range info.Properties {
		if q == p {
			return true
		}
	}
	return false
}

func (b *Bridge) deviceInfo(ctx context.Context, name string) (device.Info, error) {
	b.mu.RLock()
	info, ok := b.devices[name]
	b.mu.RUnlock()
	if ok {
		return info, nil
	}
	return b.ctrl.Get(ctx, name)
}

func (b *Bridge) handleRequest(topic string, payload []byte) error {
	name := mqtt.DeviceFromTopic(topic)
	if name == "" {
		return fmt.Errorf("%w: unexpected topic %s", errInvalidCommand, topic)
	}
	b.requests.Add(1)

	var req RequestMessage
	if err := json.Unmarshal(payload, &req); err != nil {
		req = RequestMessage{}
		b.respond(name, req, nil, fmt.Errorf("%w: %w", errInvalidCommand, err))
		return nil
	}

	if !b.spawn(func() {
		data, err := b.executeRequest(name, req)
		b.respond(name, req, data, err)
	}) {
		b.logger.Debug("dropping request during shutdown", "device", name, "request_id", req.ID)
	}
	return nil
}

func (b *Bridge) executeRequest(name string, req RequestMessage) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
	defer cancel()

	switch req.Action {
	case ActionReadState, "":
		on, err := b.ctrl.ReadState(ctx, name)
		if err != nil {
			return nil, err
		}
		return b.stateData(ctx, name, on)
	case ActionQuery:
		on, err := b.ctrl.QueryState(ctx, name)
		if err != nil {
			return nil, err
		}
		return b.stateData(ctx, name, on)
	case ActionGet:
		info, err := b.ctrl.Get(ctx, name)
		if err != nil {
			return nil, err
		}
		return map[string]any{"device": info}, nil
	default:
		return nil, fmt.Errorf("%w: unknown action %q", errInvalidCommand, req.Action)
	}
}

func (b *Bridge) stateData(ctx context.Context, name string, on bool) (map[string]any, error) {
	info, err := b.deviceInfo(ctx, name)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"on":    on,
		"state": propertyMap(info.Type.Values(on)),
	}, nil
}

func (b *Bridge) respond(name string, req RequestMessage, data map[string]any, err error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	resp := ResponseMessage{
		RequestID: req.ID,
		Timestamp: time.Now().UTC(),
		Device:    name,
		Success:   err == nil,
		Data:      data,
	}
	if err != nil {
		resp.Error = &AckError{Code: errorCode(err), Message: err.Error()}
	}

	if err := b.publishJSON(mqtt.Topics{}.Response(req.ID), resp, false); err != nil {
		b.logger.Warn("publish response failed", "device", name, "request_id", req.ID, "error", err)
	}
}

func (b *Bridge) publishAck(ack AckMessage) {
	if err := b.publishJSON(mqtt.Topics{}.DeviceAck(ack.Device), ack, false); err != nil {
		b.logger.Warn("publish ack failed", "device", ack.Device, "command_id", ack.CommandID, "error", err)
	}
}

func (b *Bridge) publishJSON(topic string, v any, retained bool) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", topic, err)
	}
	if err := b.mqtt.Publish(topic, payload, b.qos, retained); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}
