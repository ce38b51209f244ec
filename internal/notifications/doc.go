// Package notifications pushes operator alerts to ntfy.
//
// Dead air alarms and DAC transmit process failures are the only events that
// page anyone; each class can be switched off in the [notifications] config
// section. Without an ntfy topic the service degrades to a no-op.
package notifications
