// Package influxdb records device state changes as time-series points.
//
// Each change to a device's cached state becomes one point in the
// device_state measurement, tagged with the device name, its type and the
// source of the change (poll, command, query or revert).
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // metrics are optional
//	}
//	registry.SetMetrics(client)
package influxdb
