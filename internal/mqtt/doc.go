// Package mqtt mirrors the daemon's state to an MQTT broker and accepts
// commands from it.
//
// Topics, relative to the configured prefix:
//
//	<prefix>/state         retained status response, republished on every change
//	<prefix>/availability  retained "online"/"offline" (offline is also the LWT)
//	<prefix>/set           accepts the same request objects as the control socket
//	<prefix>/response      response to each <prefix>/set message
//	<prefix>/link          reconnect attempts while the device is away
//
// The bridge is optional. A broker that is down at startup is logged and
// the daemon runs without it.
package mqtt
