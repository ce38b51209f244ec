// Package ipc exposes the daemon over JSON-RPC on a Unix socket and ships the
// matching client used by the CLI.
//
// The server registers a single "CommsManager" service with Status, Reload,
// History and TestNotification methods. Request and response types live in
// types.go; add new endpoints there so the CLI and daemon stay in step.
package ipc
