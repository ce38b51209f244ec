// Package daemon runs the comms manager as a long-lived, single-instance
// process.
//
// It holds a flock-based lock in the state directory, starts the
// commsmanager.Manager, nudges its supervision loop on network link uevents
// and serves a small HTTP API (status, history, reload, Prometheus metrics and
// a health check). The IPC server and CLI talk to the Daemon type; component
// behaviour lives in the packages the manager wires together.
package daemon
