// Package qsys implements the DSP control adapter: a JSON-RPC 2.0 client
// for the device's external control protocol (QRC).
//
// # Transports
//
// The default transport is raw TCP (port 1710) with every message
// terminated by a single NUL byte. FrameBuffer reassembles frames across
// arbitrary read boundaries. Setting a ws:// or wss:// URL selects the
// WebSocket transport instead (subprotocol "jsonrpc", path /qrc), with
// opt-in TLS leniency for self-signed device certificates.
//
// # Session lifecycle
//
//  1. Dial the transport.
//  2. Logon{User, Password}. An RPC error closes the socket and the
//     reconnect timer takes over.
//  3. Reset the reconnect backoff.
//  4. ChangeGroup.Destroy (errors ignored), AddControl with every selected
//     control id, Invalidate, then poll immediately and every
//     PollInterval.
//  5. NoOp every KeepaliveInterval.
//
// SubscribeAll rebuilds the change group on the live session; it never
// reconnects. Poll and keepalive timers stop with the session and are
// started again only after the next Logon and subscribe.
//
// # Correlation
//
// Requests carry increasing numeric ids. The session keeps a table of
// pending ids and matches replies in any order. Messages with a method
// are notifications: EngineStatus is logged, control-shaped payloads are
// treated like poll changes. When the session ends every pending call
// fails with ErrSessionClosed.
//
// # Values
//
// Reports carry Value, or String when Value is null. Values pass through
// adapter.NormalizeValue; controls keyed "mute" (or typed boolean/toggle)
// use the boolean mapping. Booleans written to the device are sent as 1/0.
package qsys
