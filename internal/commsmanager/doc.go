// Package commsmanager wires the comms manager together and supervises DAC
// transmit processes.
//
// The Manager owns the listening sockets, the DAC transmit and line tap
// servers, the message bus relay and the silence alarm. A single supervision
// loop reconciles the configured channels against registered connections and
// launched processes, launching a process for every channel that has
// neither. The configuration file is watched with inotify (falling back to
// stat polling); a changed file is validated, swapped atomically and
// republished to every component without interrupting healthy broadcasts.
package commsmanager
