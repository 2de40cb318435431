// Package gira implements the adapter for the home-automation server's
// REST API.
//
// # Protocol
//
// The client registers once with POST {base}/clients and receives a token
// that is then passed as the token query parameter on every request:
//
//	POST /clients          {"client": "de.gateway.client"} -> {"token": "..."}
//	GET  /values/{id}      -> {"values": [{"uid": id, "value": "1"}]}
//	PUT  /values/{id}      {"value": 1}
//	GET  /uiconfig         device UI catalogue, proxied for the asset editor
//
// # Polling
//
// There is no bulk read, so one goroutine reads the selected controls in
// sequence. Values are normalized with adapter.NormalizeValue and emitted
// only when they differ from the cache. Controls keyed "power" or
// "enabled", or typed bool/boolean/switch, are boolean.
//
// # Errors
//
// Non-2xx replies surface as *StatusError. errors.Is maps 401 and 422 to
// ErrAuth, 423 and 5xx to ErrDevice and anything else to ErrHTTP. Auth
// failures drop the token; registration is shared between the poll loop
// and concurrent commands.
package gira
