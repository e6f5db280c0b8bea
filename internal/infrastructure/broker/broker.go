package broker

import (
	"errors"
	"fmt"
	"log/slog"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"

	"github.com/nerrad567/gray-logic-cmdbridge/internal/infrastructure/config"
)

// listenerID names the single TCP listener.
const listenerID = "cmdbridge-tcp"

// ErrNoAddress is returned when the embedded broker has no listen address.
var ErrNoAddress = errors.New("broker: listen address is required")

// Broker is an in-process MQTT broker.
type Broker struct {
	server   *mochi.Server
	listener *listeners.TCP
}

// Start creates the broker, binds its listener and begins serving.
//
// With MQTT credentials configured only that user may connect; otherwise
// every client is allowed.
//
// Parameters:
//   - cfg: MQTT configuration; the listener binds cfg.Embedded.Address
//   - logger: Logger handed to the broker
//
// Returns:
//   - *Broker: Running broker
//   - error: ErrNoAddress, or the listener or serve failure
func Start(cfg config.MQTTConfig, logger *slog.Logger) (*Broker, error) {
	if cfg.Embedded.Address == "" {
		return nil, ErrNoAddress
	}

	server := mochi.New(&mochi.Options{
		InlineClient: true,
		Logger:       logger,
	})

	if err := addAuthHook(server, cfg.Auth); err != nil {
		return nil, err
	}

	tcp := listeners.NewTCP(listeners.Config{ID: listenerID, Address: cfg.Embedded.Address})
	if err := server.AddListener(tcp); err != nil {
		return nil, fmt.Errorf("adding broker listener on %s: %w", cfg.Embedded.Address, err)
	}

	b := &Broker{server: server, listener: tcp}

	go func() {
		if err := server.Serve(); err != nil && logger != nil {
			logger.Error("embedded broker stopped", "error", err)
		}
	}()

	return b, nil
}

func addAuthHook(server *mochi.Server, creds config.MQTTAuthConfig) error {
	if creds.Username == "" {
		if err := server.AddHook(new(auth.AllowHook), nil); err != nil {
			return fmt.Errorf("adding broker allow hook: %w", err)
		}
		return nil
	}

	ledger := &auth.Ledger{
		Auth: auth.AuthRules{
			{Username: auth.RString(creds.Username), Password: auth.RString(creds.Password), Allow: true},
		},
	}
	if err := server.AddHook(new(auth.Hook), &auth.Options{Ledger: ledger}); err != nil {
		return fmt.Errorf("adding broker auth hook: %w", err)
	}
	return nil
}

// Addr returns the address the broker is listening on.
func (b *Broker) Addr() string {
	return b.listener.Address()
}

// Publish injects a message directly, bypassing the network.
func (b *Broker) Publish(topic string, payload []byte, retain bool) error {
	return b.server.Publish(topic, payload, retain, 0)
}

// Close disconnects every client and stops the listener.
func (b *Broker) Close() error {
	if err := b.server.Close(); err != nil {
		return fmt.Errorf("closing embedded broker: %w", err)
	}
	return nil
}
