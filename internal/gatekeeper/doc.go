// Package gatekeeper implements the per-connection state machine that sits
// between the wire codec and the firewall driver: key exchange, login, and
// operational command dispatch, plus the abuse-mitigation bookkeeping that
// spans every connection from a given remote address.
package gatekeeper
