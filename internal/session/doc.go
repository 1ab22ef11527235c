// Package session implements the gatekeeper's two-layer connection cipher:
// a StaticCipher used only to move keys during exchange, and a ChainedCipher
// used for every message after that, whose IV advances deterministically
// instead of ever being sent on the wire.
package session
