// Package logging assembles the structured slog loggers used across the comms
// manager.
//
// It owns the console and JSON handlers, writes the daemon log file through a
// rotating writer, and defines the standard keys (component, transmitter
// group, DAC, session) so every component emits lines of the same shape. A
// no-op logger is provided for tests and wiring code that cannot fail.
package logging
