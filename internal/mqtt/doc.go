// Package mqtt publishes tollgate's admission and rate-limit state as
// Home Assistant MQTT discovery sensors, and listens on a command topic
// for operator actions such as reloading the capability table.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes retained discovery config payloads for
// each sensor entity, a birth message ("online") to the availability
// topic, and subscribes to the command topic. A will message moves the
// availability topic to "offline" on unexpected disconnects.
package mqtt
