// Package listener accepts typed TCP connections for the comms manager.
//
// Listener owns the single listening socket and a dispatcher that reads the
// first message of each connection to pick its handler. Server is the handler
// base: it queues connections for one worker and interrupts that worker when
// a handoff exceeds the accept timeout, so one stuck client can never stall
// the accept path.
package listener
