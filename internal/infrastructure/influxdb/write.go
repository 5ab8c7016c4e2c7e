package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	MeasurementDeviceState = "device_state"
	MeasurementSession     = "session"
)

// WriteDeviceState records one confirmed device state.
//
// Tags are the low-cardinality category and device id; fields are the
// state's own fields. Booleans are written as 0/1 integers so they can be
// aggregated alongside numeric fields, and strings are kept as-is.
//
// Example:
//
//	client.WriteDeviceState("light", "L1", map[string]any{"on": true, "dim": 2}, time.Now())
func (c *Client) WriteDeviceState(category, deviceID string, fields map[string]any, at time.Time) {
	if !c.IsConnected() || len(fields) == 0 {
		return
	}
	c.writeAPI.WritePoint(StatePoint(category, deviceID, fields, at))
}

// WriteSessionEvent records a session lifecycle transition such as
// "ready" or "reconnecting", with the retry attempt (0 when ready).
func (c *Client) WriteSessionEvent(status string, attempt int, at time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(MeasurementSession,
		map[string]string{"status": status},
		map[string]any{"attempt": int64(attempt)},
		at))
}

// StatePoint builds the point written by WriteDeviceState.
func StatePoint(category, deviceID string, fields map[string]any, at time.Time) *write.Point {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		switch x := v.(type) {
		case bool:
			if x {
				out[k] = int64(1)
			} else {
				out[k] = int64(0)
			}
		case int:
			out[k] = int64(x)
		default:
			out[k] = v
		}
	}
	return write.NewPoint(MeasurementDeviceState,
		map[string]string{"category": category, "device_id": deviceID},
		out, at)
}
