package mqtt

import "strings"

// TopicPrefix is the root of every cmdbridge topic.
const TopicPrefix = "cmdbridge"

// Topics builds cmdbridge MQTT topics. Device names are used verbatim as
// one topic level, which is why they may not contain '/', '+' or '#'.
//
//	topics := mqtt.Topics{}
//	topics.DeviceState("TV") // "cmdbridge/state/TV"
type Topics struct{}

// DeviceConfig is the retained registration topic for a device.
func (Topics) DeviceConfig(name string) string {
	return TopicPrefix + "/device/" + name + "/config"
}

// DeviceState is the retained state topic for a device.
func (Topics) DeviceState(name string) string {
	return TopicPrefix + "/state/" + name
}

// DeviceCommand is where front ends send set commands for a device.
func (Topics) DeviceCommand(name string) string {
	return TopicPrefix + "/command/" + name
}

// AllDeviceCommands matches every device's command topic.
func (Topics) AllDeviceCommands() string {
	return TopicPrefix + "/command/+"
}

// DeviceAck carries the outcome of a command.
func (Topics) DeviceAck(name string) string {
	return TopicPrefix + "/ack/" + name
}

// DeviceRequest is where front ends send read requests for a device.
func (Topics) DeviceRequest(name string) string {
	return TopicPrefix + "/request/" + name
}

// AllDeviceRequests matches every device's request topic.
func (Topics) AllDeviceRequests() string {
	return TopicPrefix + "/request/+"
}

// Response carries the answer to the request with the given ID.
func (Topics) Response(requestID string) string {
	return TopicPrefix + "/response/" + requestID
}

// SystemStatus is the retained online/offline topic, also used as LWT.
func (Topics) SystemStatus() string {
	return TopicPrefix + "/system/status"
}

// DeviceFromTopic returns the device name in a command, request, state or
// ack topic, or "" if topic is not one of those.
func DeviceFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != TopicPrefix || parts[2] == "" {
		return ""
	}
	switch parts[1] {
	case "command", "request", "state", "ack":
		return parts[2]
	}
	return ""
}
