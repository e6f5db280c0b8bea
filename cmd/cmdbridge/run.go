package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/nerrad567/gray-logic-cmdbridge/migrations"

	"github.com/nerrad567/gray-logic-cmdbridge/internal/api"
	"github.com/nerrad567/gray-logic-cmdbridge/internal/bridge"
	"github.com/nerrad567/gray-logic-cmdbridge/internal/device"
	"github.com/nerrad567/gray-logic-cmdbridge/internal/homekit"
	"github.com/nerrad567/gray-logic-cmdbridge/internal/infrastructure/broker"
	"github.com/nerrad567/gray-logic-cmdbridge/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-cmdbridge/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-cmdbridge/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-cmdbridge/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-cmdbridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-cmdbridge/internal/process"
)

// run is the service, separated from main for testability.
// It returns nil on a clean shutdown.
func run(ctx context.Context, configPath string) error { //nolint:gocognit,gocyclo // linear startup sequence
	log := logging.Default()
	log.Info("starting cmdbridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded",
		"path", configPath,
		"devices", len(cfg.Devices),
		"level", cfg.Logging.Level,
	)

	db, err := database.Open(ctx, database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database ready", "path", cfg.Database.Path)

	runner := newRunner(cfg.Commands)
	runner.SetLogger(log.Component("process"))
	// Commands are killed when the registry closes; wait for them to be reaped.
	defer runner.Wait()

	registry := newRegistry(runner, cfg.Commands)
	registry.SetLogger(log.Component("device"))
	history := device.NewSQLiteStateHistoryRepository(db.DB)
	registry.SetRepository(device.NewSQLiteRepository(db.DB))
	registry.SetStateHistory(history)

	// InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(ctx, cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		registry.SetMetrics(influxClient)
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	} else {
		log.Info("InfluxDB disabled")
	}

	// Embedded MQTT broker (optional)
	if cfg.MQTT.Embedded.Enabled {
		mqttBroker, startErr := broker.Start(cfg.MQTT, log.Component("broker").Logger)
		if startErr != nil {
			return fmt.Errorf("starting embedded MQTT broker: %w", startErr)
		}
		defer func() {
			log.Info("stopping embedded MQTT broker")
			if closeErr := mqttBroker.Close(); closeErr != nil {
				log.Error("error stopping MQTT broker", "error", closeErr)
			}
		}()
		log.Info("embedded MQTT broker listening", "address", mqttBroker.Addr())
	}

	// MQTT front end (optional)
	var mqttClient *mqtt.Client
	var mqttBridge *bridge.Bridge
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(ctx, cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log.Component("mqtt"))
		mqttClient.SetOnConnect(func() {
			log.Debug("MQTT session (re)established")
		})
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)

		mqttBridge, err = bridge.New(bridge.Options{
			MQTT:       mqttClient,
			Controller: registry,
			Logger:     log.Component("bridge"),
			QoS:        byte(cfg.MQTT.QoS), //nolint:gosec // validated to 0..2
		})
		if err != nil {
			return fmt.Errorf("creating MQTT bridge: %w", err)
		}
		if startErr := mqttBridge.Start(ctx); startErr != nil {
			return fmt.Errorf("starting MQTT bridge: %w", startErr)
		}
		defer mqttBridge.Stop()
		registry.AddFrontend(mqttBridge)
	} else {
		log.Info("MQTT disabled")
	}

	reload := func(ctx context.Context) error {
		next, loadErr := config.Load(configPath)
		if loadErr != nil {
			return fmt.Errorf("loading config: %w", loadErr)
		}
		log.Info("reloading devices", "devices", len(next.Devices))
		return registry.Reconcile(ctx, descriptors(next.Devices))
	}

	// REST + WebSocket API (optional)
	if cfg.API.Enabled {
		deps := api.Deps{
			Config:   cfg.API,
			WS:       cfg.WebSocket,
			Security: cfg.Security,
			Logger:   log.Component("api"),
			Devices:  registry,
			History:  history,
			Reload:   reload,
			DB:       db.DB,
			Version:  version,
		}
		if mqttClient != nil {
			deps.MQTT = mqttClient
			deps.Bridge = mqttBridge
		}
		apiServer, newErr := api.New(deps)
		if newErr != nil {
			return fmt.Errorf("creating API server: %w", newErr)
		}
		if startErr := apiServer.Start(ctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			if closeErr := apiServer.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
		registry.AddFrontend(apiServer)
	} else {
		log.Info("API disabled")
	}

	// HomeKit (optional); the transport starts once the devices are known.
	var hk *homekit.Server
	if cfg.HomeKit.Enabled {
		hk = homekit.New(cfg.HomeKit, registry, log.Component("homekit"))
		registry.AddFrontend(hk)
	} else {
		log.Info("HomeKit disabled")
	}

	if restoreErr := registry.Restore(ctx); restoreErr != nil {
		log.Warn("device cache not restored", "error", restoreErr)
	}
	if reconcileErr := registry.Reconcile(ctx, descriptors(cfg.Devices)); reconcileErr != nil {
		log.Warn("some devices were skipped", "error", reconcileErr)
	}
	// Stop device activity before the front ends and stores it feeds.
	defer registry.Close()
	log.Info("devices ready", "count", registry.Count())

	if hk != nil {
		if startErr := hk.Start(ctx); startErr != nil {
			return fmt.Errorf("starting HomeKit: %w", startErr)
		}
		defer hk.Stop()
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	go reloadOnHangup(ctx, log, reload)

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	return nil
}

// reloadOnHangup reloads the configuration on every SIGHUP until ctx ends.
func reloadOnHangup(ctx context.Context, log *logging.Logger, reload api.ReloadFunc) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-hup:
			if err := reload(ctx); err != nil {
				log.Warn("reload reported errors", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func newRunner(cfg config.CommandsConfig) *process.Runner {
	return process.NewRunner(process.Config{
		Shell:      cfg.Shell,
		MaxRuntime: cfg.MaxRuntimeDuration(),
	})
}

func newRegistry(runner device.CommandRunner, cfg config.CommandsConfig) *device.Registry {
	return device.NewRegistry(runner, device.Options{
		SetTimeout:    cfg.SetTimeout(),
		RevertDelay:   cfg.RevertDelay(),
		KillOnTimeout: cfg.KillOnTimeout,
	})
}

// descriptors converts configured devices; the interval is in seconds.
func descriptors(devs []config.DeviceConfig) []device.Descriptor {
	out := make([]device.Descriptor, 0, len(devs))
	for _, d := range devs {
		out = append(out, device.Descriptor{
			Name:         d.Name,
			Type:         device.Type(d.Type),
			OnCommand:    d.OnCommand,
			OffCommand:   d.OffCommand,
			StateCommand: d.StateCommand,
			Polling:      d.Polling,
			Interval:     time.Duration(d.Interval) * time.Second,
			Manufacturer: d.Manufacturer,
			Model:        d.Model,
			Serial:       d.Serial,
		})
	}
	return out
}

// healthCheck verifies the infrastructure connections that are enabled.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	return nil
}
