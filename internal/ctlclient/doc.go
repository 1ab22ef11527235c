// Package ctlclient implements the operator side of the gatekeeper wire
// protocol: dial, key exchange when the server runs secure, login, and one
// call at a time thereafter. It mirrors the serialize-one-call shape of the
// teacher's ctlplane RPC client, adapted to the gatekeeper's line-oriented
// CMD/ARGS grammar instead of net/rpc. A dropped connection is not re-dialed.
package ctlclient
