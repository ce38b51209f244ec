// Package bus relays comms manager status to the message bus and delivers
// playlist messages from it.
//
// Relay buffers outbound notifications in a bounded FIFO so a bus outage
// never blocks the caller; the oldest entries are dropped first and order is
// preserved across failed sends. Sessions are opened lazily and rebuilt after
// any error. The production session speaks JSON frames over a websocket.
package bus
