// Package wire implements the gatekeeper's line-oriented framing: turning a
// stream of bytes read off a TCP socket into CMD/ARGS records, and framing
// outgoing records the same way, including the "_: " secure-envelope prefix
// used by the key exchange and by every message after it.
package wire
