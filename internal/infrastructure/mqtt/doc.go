// Package mqtt is the MQTT client used by the cmdbridge MQTT front end.
//
// It wraps paho.mqtt.golang with:
//   - a retained online/offline status on cmdbridge/system/status, with a
//     Last Will so a crash shows up as offline;
//   - subscriptions that survive reconnects;
//   - handler panic recovery and error logging;
//   - topic builders for the cmdbridge topic tree (see Topics).
//
// Usage:
//
//	client, err := mqtt.Connect(ctx, cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.AllDeviceCommands(), 1, handle)
package mqtt
