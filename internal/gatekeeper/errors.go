package gatekeeper

import "errors"

// Error kinds classify why a connection is being torn down or how AbuseGuard
// should account for the offence. None of these are surfaced to the peer as
// typed wire errors — the wire protocol only ever answers with a boolean or
// silence.
var (
	// ErrMalformedInput covers framing violations, buffer overflow, and
	// illegal arguments (e.g. an accept without exactly two fields). One
	// socket error. A port below 10 is not one of these: it is answered
	// with false and the connection stays open.
	ErrMalformedInput = errors.New("gatekeeper: malformed input")

	// ErrAuthFailure is a rejected login digest.
	ErrAuthFailure = errors.New("gatekeeper: authentication failure")

	// ErrTimeout covers the login watchdog.
	// One socket error.
	ErrTimeout = errors.New("gatekeeper: timed out")

	// ErrDriverFailure wraps a driver call that returned false or errored.
	// It is reported to the peer as a boolean, not as a closed connection.
	ErrDriverFailure = errors.New("gatekeeper: driver call failed")

	// ErrTransport is a socket I/O failure. One socket error.
	ErrTransport = errors.New("gatekeeper: transport failure")

	// ErrInternalFault is an unexpected failure inside a connection handler
	// (the random source or a cipher operation). The handler closes; the
	// server keeps serving other connections.
	ErrInternalFault = errors.New("gatekeeper: internal fault")
)
