// Package mirror republishes the gateway's state stream to side channels.
//
// When MQTT is enabled every state is published retained to
// gateway/state/{asset}/{control}, and JSON commands on
// gateway/command/{asset}/{control} are forwarded to the adapter manager.
// When InfluxDB is enabled numeric and boolean values are written as the
// control_values measurement.
//
// The mirror sits behind a bounded queue so a slow broker never stalls
// the adapters or the UI push channel.
package mirror
