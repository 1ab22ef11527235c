// Package ctlserver runs the gatekeeper's TCP accept loop: one listener,
// one goroutine per connection handed off to internal/gatekeeper.Conn, and
// panic recovery around each handler so a single misbehaving connection
// never takes the daemon down. It implements internal/services.Service so
// the daemon can start, reload, and stop it the same way it manages every
// other long-running component.
package ctlserver
