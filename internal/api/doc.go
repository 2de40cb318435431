// Package api is the gateway's front door: the UI push channel and the
// HTTP API.
//
// # Push channel
//
// Clients connect to /ws (websocket.path). On connect they receive every
// cached control value, then live states:
//
//	{"type":"state","asset":"amp-1","control":"mute","value":true,"adapter":"QSYS"}
//
// Clients send:
//
//	{"type":"set","asset":"amp-1","control":"mute","value":true}
//	{"type":"subscribe"}   replay the snapshot
//	{"type":"ping"}        answered with {"type":"pong"}
//
// A successful set is echoed to every client as a state before the device
// confirms it. Failed sets are logged and not reported to the client.
//
// # HTTP
//
//	GET  /api/v1/health
//	GET  /api/v1/metrics
//	GET  /api/v1/assets                       active document, verbatim
//	PUT  /api/v1/assets                       replace, persist, resubscribe
//	POST /api/v1/assets/validate              parse and lint only
//	POST /api/v1/assets/{id}/controls/{key}   {"value": ...}
//	GET  /api/v1/state
//	GET  /api/v1/adapters
//	GET  /api/v1/adapters/{key}/uiconfig
//	GET  /api/v1/audit
//
// When security.jwt.secret is set, PUT /assets needs an admin token,
// control commands an operator token and /audit a viewer token.
//
// The server follows the same lifecycle as other components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
package api
