package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// MeasurementDeviceState is the measurement every state change is written to.
const MeasurementDeviceState = "device_state"

// RecordDeviceState writes one device_state point. It satisfies
// device.MetricsRecorder, so every cache change lands in InfluxDB.
func (c *Client) RecordDeviceState(name, deviceType, source string, on bool, at time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(deviceStatePoint(name, deviceType, source, on, at))
}

// deviceStatePoint builds the point for a state change. The on field is
// written both as a boolean and as 0/1 so it can be graphed.
func deviceStatePoint(name, deviceType, source string, on bool, at time.Time) *write.Point {
	value := 0
	if on {
		value = 1
	}
	if at.IsZero() {
		at = time.Now()
	}

	return write.NewPoint(
		MeasurementDeviceState,
		map[string]string{
			"device": name,
			"type":   deviceType,
			"source": source,
		},
		map[string]any{
			"on":    on,
			"value": value,
		},
		at,
	)
}
