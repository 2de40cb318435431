// Package influxdb writes control value telemetry to InfluxDB 2.x.
//
// It wraps the official influxdb-client-go v2 library: token auth, a ping on
// connect, and the non-blocking batched write API sized from
// influxdb.batch_size and influxdb.flush_interval.
//
// # Data model
//
// Every mirrored numeric or boolean control value becomes one point:
//
//	control_values,asset=amp-1,control=gain,adapter=QSYS value=-12.5
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//	client.WriteControlValue("amp-1", "gain", "QSYS", -12.5, time.Now())
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
package influxdb
