// Package device persists Daelim device state outside the engine.
//
// Three sinks receive every confirmed state change through Recorder:
//
//   - SnapshotRepository keeps the last state per device so a restart can
//     seed the store before the first login completes
//   - HistoryRepository appends to state_history, served by the HTTP API
//     and pruned by the retention loop
//   - an optional TimeSeriesWriter (InfluxDB) for dashboards
//
// Both repositories store the state's Fields map as JSON, so the schema
// does not change when a category gains a field.
package device
