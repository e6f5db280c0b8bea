package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/gray-logic-cmdbridge/internal/device"
	"github.com/nerrad567/gray-logic-cmdbridge/internal/infrastructure/mqtt"
)

const (
	eventually = 2 * time.Second
	tick       = 5 * time.Millisecond
)

type published struct {
	Topic    string
	Payload  []byte
	Retained bool
	QoS      byte
}

type fakeMQTT struct {
	mu       sync.Mutex
	messages []published
	handlers map[string]mqtt.MessageHandler
	subQoS   map[string]byte
	fail     error
}

func newFakeMQTT() *fakeMQTT {
	return &fakeMQTT{handlers: make(map[string]mqtt.MessageHandler), subQoS: make(map[string]byte)}
}

func (f *fakeMQTT) Publish(topic string, payload []byte, qos byte, retained bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.messages = append(f.messages, published{Topic: topic, Payload: payload, Retained: retained, QoS: qos})
	return nil
}

func (f *fakeMQTT) Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[topic] = handler
	f.subQoS[topic] = qos
	return nil
}

// deliver simulates a message arriving on topic through the matching wildcard subscription.
func (f *fakeMQTT) deliver(t *testing.T, filter, topic string, v any) {
	t.Helper()
	f.mu.Lock()
	handler := f.handlers[filter]
	f.mu.Unlock()
	require.NotNil(t, handler, "no subscription for %s", filter)

	payload, ok := v.([]byte)
	if !ok {
		var err error
		payload, err = json.Marshal(v)
		require.NoError(t, err)
	}
	_ = handler(topic, payload) //nolint:errcheck // errors are logged by the real client
}

func (f *fakeMQTT) on(topic string) []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []published
	for _, m := range f.messages {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

type fakeController struct {
	mu      sync.Mutex
	devices map[string]device.Info
	sets    []bool
	setErr  error
	reads   int
	queries int
}

func newFakeController(infos ...device.Info) *fakeController {
	c := &fakeController{devices: make(map[string]device.Info)}
	for _, info := range infos {
		c.devices[info.Name] = info
	}
	return c
}

func (c *fakeController) Get(_ context.Context, name string) (device.Info, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.devices[name]
	if !ok {
		return device.Info{}, fmt.Errorf("%w: %s", device.ErrDeviceNotFound, name)
	}
	return info, nil
}

func (c *fakeController) SetState(ctx context.Context, name string, on bool) error {
	if _, err := c.Get(ctx, name); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.setErr != nil {
		return c.setErr
	}
	c.sets = append(c.sets, on)
	return nil
}

func (c *fakeController) ReadState(ctx context.Context, name string) (bool, error) {
	info, err := c.Get(ctx, name)
	c.mu.Lock()
	c.reads++
	c.mu.Unlock()
	return info.On, err
}

func (c *fakeController) QueryState(ctx context.Context, name string) (bool, error) {
	info, err := c.Get(ctx, name)
	c.mu.Lock()
	c.queries++
	c.mu.Unlock()
	return info.On, err
}

func (c *fakeController) setCalls() []bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]bool(nil), c.sets...)
}

func lockInfo() device.Info {
	return device.Info{
		Name:       "Gate",
		Type:       device.TypeLock,
		Properties: device.TypeLock.Properties(),
		On:         true,
		State:      device.TypeLock.Values(true),
	}
}

func newTestBridge(t *testing.T, ctrl *fakeController) (*Bridge, *fakeMQTT) {
	t.Helper()
	client := newFakeMQTT()
	b, err := New(Options{MQTT: client, Controller: ctrl})
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(b.Stop)
	return b, client
}

func waitAck(t *testing.T, client *fakeMQTT, name string) AckMessage {
	t.Helper()
	topic := mqtt.Topics{}.DeviceAck(name)
	require.Eventually(t, func() bool { return len(client.on(topic)) > 0 }, eventually, tick)

	var ack AckMessage
	require.NoError(t, json.Unmarshal(client.on(topic)[0].Payload, &ack))
	return ack
}

func waitResponse(t *testing.T, client *fakeMQTT, id string) ResponseMessage {
	t.Helper()
	topic := mqtt.Topics{}.Response(id)
	require.Eventually(t, func() bool { return len(client.on(topic)) > 0 }, eventually, tick)

	var resp ResponseMessage
	require.NoError(t, json.Unmarshal(client.on(topic)[0].Payload, &resp))
	return resp
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Options{Controller: newFakeController()})
	assert.Error(t, err)

	_, err = New(Options{MQTT: newFakeMQTT()})
	assert.Error(t, err)

	_, err = New(Options{MQTT: newFakeMQTT(), Controller: newFakeController(), QoS: 3})
	assert.Error(t, err)
}

func TestQoS_ZeroIsKept(t *testing.T) {
	client := newFakeMQTT()
	b, err := New(Options{MQTT: client, Controller: newFakeController(lockInfo()), QoS: 0})
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(b.Stop)

	topics := mqtt.Topics{}
	assert.Equal(t, byte(0), client.subQoS[topics.AllDeviceCommands()])
	assert.Equal(t, byte(0), client.subQoS[topics.AllDeviceRequests()])

	require.NoError(t, b.RegisterDevices(context.Background(), []device.Info{lockInfo()}))
	msgs := client.on(topics.DeviceState("Gate"))
	require.NotEmpty(t, msgs)
	assert.Equal(t, byte(0), msgs[0].QoS)
}

func TestStop_DropsLateMessages(t *testing.T) {
	ctrl := newFakeController(lockInfo())
	client := newFakeMQTT()
	b, err := New(Options{MQTT: client, Controller: ctrl, QoS: 1})
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))
	b.Stop()

	topics := mqtt.Topics{}
	client.deliver(t, topics.AllDeviceCommands(), topics.DeviceCommand("Gate"),
		CommandMessage{ID: "late", Command: "off"})
	client.deliver(t, topics.AllDeviceRequests(), topics.DeviceRequest("Gate"),
		RequestMessage{ID: "late-req", Action: ActionGet})

	assert.Never(t, func() bool {
		return len(ctrl.setCalls()) > 0 || len(client.on(topics.DeviceAck("Gate"))) > 0 ||
			len(client.on(topics.Response("late-req"))) > 0
	}, 100*time.Millisecond, tick)
	assert.Equal(t, uint64(1), b.Stats().CommandsReceived)

	b.Stop()
}

func TestStop_ConcurrentWithDelivery(t *testing.T) {
	ctrl := newFakeController(lockInfo())
	client := newFakeMQTT()
	b, err := New(Options{MQTT: client, Controller: ctrl, QoS: 1})
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))

	topics := mqtt.Topics{}
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			client.deliver(t, topics.AllDeviceCommands(), topics.DeviceCommand("Gate"),
				CommandMessage{ID: fmt.Sprintf("c%d", i), Command: "on"})
		}()
	}
	b.Stop()
	wg.Wait()
}

func TestStart_Subscribes(t *testing.T) {
	_, client := newTestBridge(t, newFakeController())
	topics := mqtt.Topics{}

	assert.Contains(t, client.handlers, topics.AllDeviceCommands())
	assert.Contains(t, client.handlers, topics.AllDeviceRequests())
}

func TestRegisterDevices_PublishesRetainedConfigAndState(t *testing.T) {
	b, client := newTestBridge(t, newFakeController())
	topics := mqtt.Topics{}

	require.NoError(t, b.RegisterDevices(context.Background(), []device.Info{lockInfo()}))

	config := client.on(topics.DeviceConfig("Gate"))
	require.Len(t, config, 1)
	assert.True(t, config[0].Retained)
	var info device.Info
	require.NoError(t, json.Unmarshal(config[0].Payload, &info))
	assert.Equal(t, "Gate", info.Name)
	assert.Equal(t, device.TypeLock, info.Type)

	state := client.on(topics.DeviceState("Gate"))
	require.Len(t, state, 1)
	assert.True(t, state[0].Retained)
	var msg StateMessage
	require.NoError(t, json.Unmarshal(state[0].Payload, &msg))
	assert.True(t, msg.On)
	assert.Contains(t, msg.State, string(device.PropertyLockCurrentState))
}

func TestRegisterDevices_ReportsPublishFailure(t *testing.T) {
	b, client := newTestBridge(t, newFakeController())
	client.fail = errors.New("broker gone")

	err := b.RegisterDevices(context.Background(), []device.Info{lockInfo()})
	assert.ErrorContains(t, err, "broker gone")
}

func TestUnregisterDevices_ClearsRetainedTopics(t *testing.T) {
	b, client := newTestBridge(t, newFakeController())
	topics := mqtt.Topics{}

	require.NoError(t, b.UnregisterDevices(context.Background(), []string{"Gate"}))

	for _, topic := range []string{topics.DeviceConfig("Gate"), topics.DeviceState("Gate")} {
		msgs := client.on(topic)
		require.Len(t, msgs, 1, topic)
		assert.True(t, msgs[0].Retained)
		assert.Empty(t, msgs[0].Payload)
	}
}

func TestNotifyStateChange_PublishesAsynchronously(t *testing.T) {
	b, client := newTestBridge(t, newFakeController())
	topic := mqtt.Topics{}.DeviceState("Gate")

	b.NotifyStateChange(device.StateChange{
		Device:    "Gate",
		Type:      device.TypeLock,
		On:        false,
		Values:    map[device.Property]any{device.PropertyOn: false},
		Source:    device.SourceRevert,
		Timestamp: time.Now(),
	})

	require.Eventually(t, func() bool { return len(client.on(topic)) == 1 }, eventually, tick)
	var msg StateMessage
	require.NoError(t, json.Unmarshal(client.on(topic)[0].Payload, &msg))
	assert.Equal(t, device.SourceRevert, msg.Source)
	assert.Equal(t, map[string]any{"On": false}, msg.State)
	assert.Equal(t, uint64(1), b.Stats().StatesPublished)
}

func TestNotifyStateChange_DropsWhenOutboxFull(t *testing.T) {
	client := newFakeMQTT()
	b, err := New(Options{MQTT: client, Controller: newFakeController()})
	require.NoError(t, err)
	t.Cleanup(b.Stop)

	// Not started: nothing drains the outbox.
	for i := 0; i < outboxSize+3; i++ {
		b.NotifyStateChange(device.StateChange{Device: "Gate", Type: device.TypeSwitch})
	}
	assert.Equal(t, uint64(3), b.Stats().StatesDropped)
}

func TestCommand_OnOff(t *testing.T) {
	ctrl := newFakeController(lockInfo())
	_, client := newTestBridge(t, ctrl)
	topics := mqtt.Topics{}

	client.deliver(t, topics.AllDeviceCommands(), topics.DeviceCommand("Gate"),
		CommandMessage{ID: "cmd-1", Command: "off"})

	ack := waitAck(t, client, "Gate")
	assert.Equal(t, "cmd-1", ack.CommandID)
	assert.Equal(t, AckAccepted, ack.Status)
	require.NotNil(t, ack.On)
	assert.False(t, *ack.On)
	assert.Equal(t, []bool{false}, ctrl.setCalls())
}

func TestCommand_SetParsesTypeVocabulary(t *testing.T) {
	ctrl := newFakeController(lockInfo())
	_, client := newTestBridge(t, ctrl)
	topics := mqtt.Topics{}

	client.deliver(t, topics.AllDeviceCommands(), topics.DeviceCommand("Gate"), CommandMessage{
		ID:       "cmd-2",
		Command:  "set",
		Property: string(device.PropertyLockTargetState),
		Value:    device.LockSecured,
	})

	ack := waitAck(t, client, "Gate")
	assert.Equal(t, AckAccepted, ack.Status)
	assert.Equal(t, []bool{true}, ctrl.setCalls())
}

func TestCommand_Errors(t *testing.T) {
	tests := []struct {
		name     string
		device   string
		payload  any
		setErr   error
		wantCode string
	}{
		{"unknown command", "Gate", CommandMessage{ID: "x", Command: "toggle"}, nil, ErrCodeInvalidCommand},
		{"bad json", "Gate", []byte("{not json"), nil, ErrCodeInvalidCommand},
		{"unknown device", "Ghost", CommandMessage{ID: "x", Command: "on"}, nil, ErrCodeDeviceNotFound},
		{"wrong property", "Gate", CommandMessage{ID: "x", Command: "set", Property: "Brightness", Value: 1}, nil, ErrCodeInvalidCommand},
		{"bad value", "Gate", CommandMessage{ID: "x", Command: "set", Value: "sideways"}, nil, ErrCodeInvalidValue},
		{"command failed", "Gate", CommandMessage{ID: "x", Command: "on"}, fmt.Errorf("%w: exit 1", device.ErrCommandFailed), ErrCodeCommandFailed},
		{"not configured", "Gate", CommandMessage{ID: "x", Command: "off"}, device.ErrNoCommandConfigured, ErrCodeNotConfigured},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := newFakeController(lockInfo())
			ctrl.setErr = tt.setErr
			b, client := newTestBridge(t, ctrl)
			topics := mqtt.Topics{}

			client.deliver(t, topics.AllDeviceCommands(), topics.DeviceCommand(tt.device), tt.payload)

			ack := waitAck(t, client, tt.device)
			assert.Equal(t, AckFailed, ack.Status)
			require.NotNil(t, ack.Error)
			assert.Equal(t, tt.wantCode, ack.Error.Code)
			assert.Nil(t, ack.On)
			require.Eventually(t, func() bool { return b.Stats().CommandsFailed == 1 }, eventually, tick)
		})
	}
}

func TestRequest_Actions(t *testing.T) {
	ctrl := newFakeController(lockInfo())
	_, client := newTestBridge(t, ctrl)
	topics := mqtt.Topics{}

	client.deliver(t, topics.AllDeviceRequests(), topics.DeviceRequest("Gate"), RequestMessage{ID: "r1", Action: ActionReadState})
	resp := waitResponse(t, client, "r1")
	assert.True(t, resp.Success)
	assert.Equal(t, "Gate", resp.Device)
	assert.Equal(t, true, resp.Data["on"])

	client.deliver(t, topics.AllDeviceRequests(), topics.DeviceRequest("Gate"), RequestMessage{ID: "r2", Action: ActionQuery})
	resp = waitResponse(t, client, "r2")
	assert.True(t, resp.Success)

	client.deliver(t, topics.AllDeviceRequests(), topics.DeviceRequest("Gate"), RequestMessage{ID: "r3", Action: ActionGet})
	resp = waitResponse(t, client, "r3")
	assert.True(t, resp.Success)
	assert.Contains(t, resp.Data, "device")

	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	assert.Equal(t, 1, ctrl.reads)
	assert.Equal(t, 1, ctrl.queries)
}

func TestRequest_Failures(t *testing.T) {
	_, client := newTestBridge(t, newFakeController(lockInfo()))
	topics := mqtt.Topics{}

	client.deliver(t, topics.AllDeviceRequests(), topics.DeviceRequest("Ghost"), RequestMessage{ID: "r1"})
	resp := waitResponse(t, client, "r1")
	assert.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeDeviceNotFound, resp.Error.Code)

	client.deliver(t, topics.AllDeviceRequests(), topics.DeviceRequest("Gate"), RequestMessage{ID: "r2", Action: "explode"})
	resp = waitResponse(t, client, "r2")
	assert.Equal(t, ErrCodeInvalidCommand, resp.Error.Code)
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{device.ErrDeviceRemoved, ErrCodeDeviceNotFound},
		{device.ErrNoStateCommand, ErrCodeNotConfigured},
		{fmt.Errorf("%w: %w", errTimeout, context.DeadlineExceeded), ErrCodeTimeout},
		{errors.New("boom"), ErrCodeInternal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, errorCode(tt.err), tt.err.Error())
	}
}
