// Package server is the HTTP and WebSocket gateway of the relay.
//
// A Hub owns connection lifetimes, each Client runs a read pump that
// dispatches events in arrival order and a write pump that serializes
// outbound frames, and the Gateway turns events into session, room and relay
// operations. Operations return notifications; the gateway delivers them
// through the session registry only after the room involved is unlocked.
package server
