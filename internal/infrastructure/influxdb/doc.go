// Package influxdb writes the bridge's time series to InfluxDB v2.
//
// Two measurements are produced:
//   - device_state: one point per confirmed device state change, tagged
//     by category and device_id
//   - session: session lifecycle events (ready, reconnecting)
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // run without time series
//	}
//	defer client.Close()
//
//	client.WriteDeviceState("heating", "H1", map[string]any{"target": 22.5}, time.Now())
//
// Writes are batched (batch_size, flush_interval) and never block the
// caller; write failures are reported through SetOnError.
package influxdb
