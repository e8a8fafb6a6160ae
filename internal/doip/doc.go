// Package doip implements the diagnostics-over-IP style surface of the
// virtual ECU: the 8-byte length-prefixed frame codec, the TCP accept loop,
// and the per-connection session that dispatches vehicle identification and
// diagnostic service requests, driving the firmware transfer state machine.
//
// Error policy on the server side is silent drop: unknown payload types,
// malformed service payloads, and out-of-sequence transfer commands are
// logged and ignored, and the session keeps waiting for the next frame. Only
// transport errors terminate a session.
package doip
