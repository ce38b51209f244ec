// Package silence raises dead air alarms for transmitter groups whose DAC
// reports a voice status other than IP audio for longer than a grace period.
package silence
