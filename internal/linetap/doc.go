// Package linetap serves live copies of the audio a DAC is broadcasting.
//
// A tap client names a transmitter group; the group resolves to a DAC receive
// port and output channel. One UDP receiver per port fans packets out to
// every tap on that channel and is torn down when its last tap leaves.
package linetap
