// Package config loads, normalizes, and validates comms manager configuration.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts) and reads TOML files. A loaded Config is a snapshot: the
// orchestrator swaps whole values on reload and no component mutates one
// after it has been published. DacTransmitKey correlates running DAC transmit
// processes with the channel entry that launched them.
package config
