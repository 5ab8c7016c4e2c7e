// Package daelim implements the Daelim apartment smart home bridge.
//
// The apartment server speaks a length-prefixed binary protocol over TCP
// (port 25301) with a JSON body. This package owns that connection and
// translates between it and the rest of the system over MQTT.
//
// # Architecture
//
//	┌─────────────────┐          ┌─────────────────┐
//	│   Host / UI     │   MQTT   │  Daelim Bridge  │   TCP
//	│   API server    │◄────────►│   (this pkg)    │◄────────► Apartment server
//	└─────────────────┘          └─────────────────┘
//
// Inside the package the layers are:
//
//   - Codec: Encode and Decoder turn frames into bytes and back
//   - Transport: a raw byte stream (TCP in production, pipes in tests)
//   - Session: one connection, the certpin/loginpin/menu handshake, a read loop
//   - Dispatcher: correlates responses to pending commands
//   - Router: applies states to the Store and notifies subscribers
//   - Supervisor: reconnects with jittered backoff and resyncs state
//   - Bridge: maps MQTT commands onto the Client and publishes state
//
// # Correlation
//
// The wire header has no request id. Each request carries a "seq" member in
// its JSON body; responses that echo it are matched exactly. Responses without
// one go to the oldest pending request of the matching type and subtype.
// Anything left over is a push.
//
// # Safety
//
// The gas valve can only be closed. Opening it is refused with ErrUnsafeAction
// before any bytes are written.
//
// # Thread Safety
//
// Client, Supervisor, Store and Router are safe for concurrent use.
// Subscriber callbacks run on a single delivery goroutine, in wire order.
package daelim
