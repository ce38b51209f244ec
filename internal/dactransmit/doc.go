// Package dactransmit manages the long-lived connections of DAC transmit
// processes.
//
// Each process registers for one transmitter group. Several candidates per
// group are tolerated while processes restart; once exactly one of them
// reports a DAC connection the others are shut down. Status changes,
// playback notifications and hardware reports flow upward through Observer,
// and configuration changes flow down to running processes without a
// restart.
package dactransmit
