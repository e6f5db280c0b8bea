// Package broker runs an embedded MQTT broker so cmdbridge can serve its
// MQTT front end without an external Mosquitto. It is enabled with
// mqtt.embedded.enabled and listens on mqtt.embedded.address; the regular
// MQTT client then connects to it like any other broker.
package broker
