// Package signaling speaks the room signaling protocol to the relay: a
// reconnecting WebSocket client with heartbeat and an outbox, the JSON wire
// format, and a router that classifies inbound frames.
package signaling
