// Package wire defines the messages exchanged with DAC transmit processes and
// line tap clients, and frames them as newline-delimited JSON envelopes
// carrying an explicit kind discriminant.
package wire
