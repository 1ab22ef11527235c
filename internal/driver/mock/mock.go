// Package mock provides an in-memory Driver used by the gatekeeper's own
// end-to-end tests and by anyone exercising the control-plane core without a
// real firewall backend available. Unlike a call-expectation mock, it holds
// real state — blocked ports and accept exceptions persist across calls —
// so the same command sequences a real backend would see produce the same
// observable behavior.
package mock

import (
	"context"
	"sync"

	"github.com/gatekeeper-io/gatekeeper/internal/driver"
)

// Driver is a thread-safe, stateful stand-in for a real firewall backend.
type Driver struct {
	mu       sync.Mutex
	blocked  map[int]struct{}
	accepted map[driver.AddrPort]struct{}

	// ResolveResult and ResolveErr let a test force Resolve's outcome.
	ResolveResult bool
	ResolveErr    error
}

// New returns an empty mock driver; Resolve succeeds by default.
func New() *Driver {
	return &Driver{
		blocked:       make(map[int]struct{}),
		accepted:      make(map[driver.AddrPort]struct{}),
		ResolveResult: true,
	}
}

func (d *Driver) Resolve(_ context.Context) (bool, error) {
	return d.ResolveResult, d.ResolveErr
}

func (d *Driver) ListBlockedTCPPorts(_ context.Context, _ bool, _ []int) (map[int]struct{}, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[int]struct{}, len(d.blocked))
	for p := range d.blocked {
		out[p] = struct{}{}
	}
	return out, nil
}

func (d *Driver) ListAcceptedAddressesOnTCPPorts(_ context.Context, _ bool, _ []int) (map[driver.AddrPort]struct{}, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[driver.AddrPort]struct{}, len(d.accepted))
	for ap := range d.accepted {
		out[ap] = struct{}{}
	}
	return out, nil
}

func (d *Driver) BlockTCPPort(_ context.Context, port int, _ bool, allowedPorts []int, allowAllPorts bool) (bool, error) {
	if port < driver.MinValidPort {
		return false, &driver.ErrInvalidPort{Port: port}
	}
	if !driver.PortAllowed(port, allowedPorts, allowAllPorts) {
		return false, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.blocked[port] = struct{}{}
	return true, nil
}

func (d *Driver) UnblockTCPPort(_ context.Context, port int, _ bool, allowedPorts []int, allowAllPorts bool) (bool, error) {
	if port < driver.MinValidPort {
		return false, &driver.ErrInvalidPort{Port: port}
	}
	if !driver.PortAllowed(port, allowedPorts, allowAllPorts) {
		return false, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.blocked, port)
	return true, nil
}

func (d *Driver) AcceptAddressOnTCPPort(_ context.Context, addr string, port int, _ bool, allowedPorts []int, allowAllPorts bool) (bool, error) {
	if port < driver.MinValidPort {
		return false, &driver.ErrInvalidPort{Port: port}
	}
	if !driver.PortAllowed(port, allowedPorts, allowAllPorts) {
		return false, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.accepted[driver.AddrPort{Addr: addr, Port: port}] = struct{}{}
	return true, nil
}

func (d *Driver) UnacceptAddressOnTCPPort(_ context.Context, addr string, port *int, _ bool, allowedPorts []int, allowAllPorts bool) (bool, error) {
	if port != nil && *port < driver.MinValidPort {
		return false, &driver.ErrInvalidPort{Port: *port}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if port == nil {
		removed := false
		for ap := range d.accepted {
			if ap.Addr == addr {
				delete(d.accepted, ap)
				removed = true
			}
		}
		return removed, nil
	}
	if !driver.PortAllowed(*port, allowedPorts, allowAllPorts) {
		return false, nil
	}
	key := driver.AddrPort{Addr: addr, Port: *port}
	if _, ok := d.accepted[key]; !ok {
		return false, nil
	}
	delete(d.accepted, key)
	return true, nil
}

var _ driver.Driver = (*Driver)(nil)
