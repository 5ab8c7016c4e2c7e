// Package api implements the HTTP REST API and WebSocket server of the bridge.
//
// This package provides:
//   - Read endpoints for device state, history and the apartment inventory
//   - A command endpoint that drives the session engine
//   - A WebSocket hub relaying state changes on per-category channels
//   - Bearer JWT authentication with ticket-based WebSocket auth
//   - Prometheus exposition on /metrics
//
// # Error Mapping
//
// Engine errors map onto HTTP statuses: no session 503, command timeout 504,
// invalid or unsafe commands 400, unknown devices 404 and server rejections 502.
//
// # Graceful Degradation
//
// The server runs while the apartment session is down. Reads serve the
// last known (stale) state and commands fail fast with 503.
package api
