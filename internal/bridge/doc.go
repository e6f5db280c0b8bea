// Package bridge is the MQTT front end for cmdbridge.
//
// It implements device.Frontend over the cmdbridge/ topic tree:
//
//	cmdbridge/device/{name}/config   retained device description (device.Info)
//	cmdbridge/state/{name}           retained StateMessage
//	cmdbridge/command/{name}      →  CommandMessage, answered on cmdbridge/ack/{name}
//	cmdbridge/request/{name}      →  RequestMessage, answered on cmdbridge/response/{id}
//
// Commands and requests are handled on their own goroutines so a slow
// shell command never stalls message delivery. State changes are queued
// and published by a single goroutine, keeping NotifyStateChange
// non-blocking for the device engine.
package bridge
