package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// ControlMeasurement is the measurement every control value lands in.
const ControlMeasurement = "control_values"

// WriteControlValue queues one point:
//
//	control_values,adapter=QSYS,asset=amp-1,control=gain value=-12.5
//
// The adapter tag is omitted when adapterKey is empty. Callers convert
// booleans to 0 or 1. Points written after Close are dropped.
func (c *Client) WriteControlValue(assetID, controlKey, adapterKey string, value float64, ts time.Time) {
	if !c.IsConnected() {
		return
	}

	p := write.NewPointWithMeasurement(ControlMeasurement).
		AddTag("asset", assetID).
		AddTag("control", controlKey).
		AddField("value", value).
		SetTime(ts)
	if adapterKey != "" {
		p.AddTag("adapter", adapterKey)
	}
	c.writeAPI.WritePoint(p.SortTags())
}
