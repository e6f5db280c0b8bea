package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-cmdbridge/internal/infrastructure/broker"
	"github.com/nerrad567/gray-logic-cmdbridge/internal/infrastructure/config"
)

// startBroker runs an embedded broker and returns a client config for it.
func startBroker(t *testing.T) config.MQTTConfig {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserving port: %v", err)
	}
	addr := l.Addr().(*net.TCPAddr)
	l.Close()

	cfg := config.MQTTConfig{
		Enabled:  true,
		Broker:   config.MQTTBrokerConfig{Host: "127.0.0.1", Port: addr.Port, ClientID: "cmdbridge-test"},
		QoS:      1,
		Embedded: config.EmbeddedBrokerConfig{Enabled: true, Address: "127.0.0.1:" + strconv.Itoa(addr.Port)},
	}

	b, err := broker.Start(cfg, nil)
	if err != nil {
		t.Fatalf("starting broker: %v", err)
	}
	t.Cleanup(func() { b.Close() }) //nolint:errcheck // test cleanup
	return cfg
}

func connect(t *testing.T, cfg config.MQTTConfig, clientID string) *Client {
	t.Helper()
	cfg.Broker.ClientID = clientID
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Connect(ctx, cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { c.Close() }) //nolint:errcheck // test cleanup
	return c
}

func TestConnect(t *testing.T) {
	cfg := startBroker(t)
	c := connect(t, cfg, "connect-test")

	if !c.IsConnected() {
		t.Error("IsConnected() = false after Connect")
	}
	if err := c.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
}

func TestConnect_BrokerRefused(t *testing.T) {
	cfg := config.MQTTConfig{Broker: config.MQTTBrokerConfig{Host: "127.0.0.1", Port: 1, ClientID: "refused"}}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := Connect(ctx, cfg)
	if !errors.Is(err, ErrConnectionFailed) {
		t.Fatalf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestHealthCheck_Cancelled(t *testing.T) {
	cfg := startBroker(t)
	c := connect(t, cfg, "health-test")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.HealthCheck(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("HealthCheck() error = %v, want context.Canceled", err)
	}
}

func TestClose(t *testing.T) {
	cfg := startBroker(t)
	c := connect(t, cfg, "close-test")

	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if c.IsConnected() {
		t.Error("IsConnected() = true after Close")
	}
	if err := c.Publish("cmdbridge/x", nil, 0, false); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish() after Close error = %v, want ErrNotConnected", err)
	}

	var nilClient *Client
	if err := nilClient.Close(); err != nil {
		t.Errorf("Close() on nil client = %v", err)
	}
}

func TestPublishValidation(t *testing.T) {
	cfg := startBroker(t)
	c := connect(t, cfg, "validate-test")

	tests := []struct {
		name    string
		topic   string
		payload []byte
		qos     byte
		want    error
	}{
		{"empty topic", "", nil, 0, ErrInvalidTopic},
		{"bad qos", "cmdbridge/x", nil, 3, ErrInvalidQoS},
		{"too large", "cmdbridge/x", make([]byte, maxPayloadSize+1), 0, ErrPublishFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := c.Publish(tt.topic, tt.payload, tt.qos, false); !errors.Is(err, tt.want) {
				t.Errorf("Publish() error = %v, want %v", err, tt.want)
			}
		})
	}

	if err := c.Subscribe("", 0, func(string, []byte) error { return nil }); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("Subscribe(empty) error = %v", err)
	}
	if err := c.Subscribe("cmdbridge/x", 0, nil); !errors.Is(err, ErrSubscribeFailed) {
		t.Errorf("Subscribe(nil handler) error = %v", err)
	}
	if err := c.Unsubscribe(""); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("Unsubscribe(empty) error = %v", err)
	}
}

func TestPublishSubscribeRoundtrip(t *testing.T) {
	cfg := startBroker(t)
	pub := connect(t, cfg, "pub")
	sub := connect(t, cfg, "sub")

	var (
		mu       sync.Mutex
		received = make(map[string]string)
	)
	done := make(chan struct{}, 2)

	err := sub.Subscribe(Topics{}.AllDeviceCommands(), 1, func(topic string, payload []byte) error {
		mu.Lock()
		received[DeviceFromTopic(topic)] = string(payload)
		mu.Unlock()
		done <- struct{}{}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if !sub.HasSubscription(Topics{}.AllDeviceCommands()) {
		t.Error("subscription not tracked")
	}

	for _, name := range []string{"TV", "Front Door"} {
		if err := pub.PublishEvent(Topics{}.DeviceCommand(name), []byte(`{"command":"on"}`)); err != nil {
			t.Fatalf("PublishEvent() error = %v", err)
		}
	}

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for messages")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if received["TV"] != `{"command":"on"}` || received["Front Door"] == "" {
		t.Errorf("received = %v", received)
	}

	if err := sub.Unsubscribe(Topics{}.AllDeviceCommands()); err != nil {
		t.Errorf("Unsubscribe() error = %v", err)
	}
	if sub.HasSubscription(Topics{}.AllDeviceCommands()) {
		t.Error("subscription still tracked after Unsubscribe")
	}
}

func TestRetainedOnlineStatus(t *testing.T) {
	cfg := startBroker(t)
	connect(t, cfg, "status-publisher")
	watcher := connect(t, cfg, "status-watcher")

	got := make(chan StatusMessage, 4)
	err := watcher.Subscribe(Topics{}.SystemStatus(), 1, func(_ string, payload []byte) error {
		var msg StatusMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			return err
		}
		got <- msg
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case msg := <-got:
			if msg.Status == StatusOnline {
				return
			}
		case <-deadline:
			t.Fatal("no retained online status received")
		}
	}
}

func TestHandlerPanicRecovered(t *testing.T) {
	cfg := startBroker(t)
	c := connect(t, cfg, "panic-test")

	log := &recordingLogger{}
	c.SetLogger(log)

	handled := make(chan struct{}, 1)
	err := c.Subscribe("cmdbridge/panic", 1, func(string, []byte) error {
		handled <- struct{}{}
		panic("boom")
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := c.PublishEvent("cmdbridge/panic", []byte("x")); err != nil {
		t.Fatalf("PublishEvent() error = %v", err)
	}

	select {
	case <-handled:
	case <-time.After(5 * time.Second):
		t.Fatal("handler not called")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if log.count() > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("panic was not logged")
}

type recordingLogger struct {
	mu   sync.Mutex
	msgs []string
}

func (l *recordingLogger) Error(msg string, _ ...any) { l.add(msg) }
func (l *recordingLogger) Warn(msg string, _ ...any)  { l.add(msg) }

func (l *recordingLogger) add(msg string) {
	l.mu.Lock()
	l.msgs = append(l.msgs, msg)
	l.mu.Unlock()
}

func (l *recordingLogger) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.msgs)
}

func TestTopics(t *testing.T) {
	topics := Topics{}
	tests := []struct {
		got  string
		want string
	}{
		{topics.DeviceConfig("TV"), "cmdbridge/device/TV/config"},
		{topics.DeviceState("TV"), "cmdbridge/state/TV"},
		{topics.DeviceCommand("TV"), "cmdbridge/command/TV"},
		{topics.AllDeviceCommands(), "cmdbridge/command/+"},
		{topics.DeviceAck("TV"), "cmdbridge/ack/TV"},
		{topics.DeviceRequest("TV"), "cmdbridge/request/TV"},
		{topics.AllDeviceRequests(), "cmdbridge/request/+"},
		{topics.Response("req-1"), "cmdbridge/response/req-1"},
		{topics.SystemStatus(), "cmdbridge/system/status"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("topic = %q, want %q", tt.got, tt.want)
		}
	}
}

func TestDeviceFromTopic(t *testing.T) {
	tests := map[string]string{
		"cmdbridge/command/TV":         "TV",
		"cmdbridge/request/Front Door": "Front Door",
		"cmdbridge/state/TV":           "TV",
		"cmdbridge/device/TV/config":   "",
		"cmdbridge/response/abc":       "",
		"other/command/TV":             "",
		"cmdbridge/command/":           "",
	}
	for topic, want := range tests {
		if got := DeviceFromTopic(topic); got != want {
			t.Errorf("DeviceFromTopic(%q) = %q, want %q", topic, got, want)
		}
	}
}
