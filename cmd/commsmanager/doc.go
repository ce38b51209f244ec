// Package main hosts the commsmanager CLI.
//
// The Cobra command tree runs the daemon in the foreground and translates the
// remaining invocations into IPC calls against it: status, reload, journal
// history and notification tests. Configuration scaffolding and validation
// work without a running daemon.
package main
