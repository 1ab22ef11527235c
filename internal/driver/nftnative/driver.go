//go:build linux
// +build linux

package nftnative

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/google/nftables"

	"github.com/gatekeeper-io/gatekeeper/internal/driver"
)

// Driver manipulates a dedicated "gatekeeper" inet table directly over
// netlink. Rule identity rides in each rule's UserData comment, the same
// tag scheme nftcli embeds in nft's own "comment" clause.
type Driver struct {
	mu    sync.Mutex
	conn  Conn
	table *nftables.Table
	chain *nftables.Chain
}

// New dials netlink and returns a Driver bound to it.
func New() (*Driver, error) {
	conn, err := NewRealConn()
	if err != nil {
		return nil, fmt.Errorf("nftnative: connect: %w", err)
	}
	return NewWithConn(conn), nil
}

// NewWithConn returns a Driver over a caller-supplied Conn, for tests.
func NewWithConn(conn Conn) *Driver {
	return &Driver{conn: conn}
}

func (d *Driver) ensureBaseLocked() {
	if d.table != nil {
		return
	}
	d.table = d.conn.AddTable(&nftables.Table{Name: "gatekeeper", Family: nftables.TableFamilyINet})
	d.chain = d.conn.AddChain(&nftables.Chain{
		Name:     "input",
		Table:    d.table,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  nftables.ChainHookInput,
		Priority: nftables.ChainPriorityFilter,
		Policy:   chainPolicyAccept(),
	})
}

func chainPolicyAccept() *nftables.ChainPolicy {
	p := nftables.ChainPolicyAccept
	return &p
}

// Resolve creates the base table and chain, confirming the netlink socket
// is usable before the server starts accepting connections.
func (d *Driver) Resolve(_ context.Context) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ensureBaseLocked()
	if err := d.conn.Flush(); err != nil {
		d.table = nil
		d.chain = nil
		return false, fmt.Errorf("nftnative: resolve: %w", err)
	}
	return true, nil
}

func (d *Driver) rules() ([]*nftables.Rule, error) {
	d.ensureBaseLocked()
	return d.conn.GetRules(d.table, d.chain)
}

// ListBlockedTCPPorts returns every port with a live tagged drop rule.
func (d *Driver) ListBlockedTCPPorts(_ context.Context, _ bool, _ []int) (map[int]struct{}, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rules, err := d.rules()
	if err != nil {
		return nil, fmt.Errorf("nftnative: list blocked: %w", err)
	}
	out := make(map[int]struct{})
	for _, r := range rules {
		if !bytes.HasPrefix(r.UserData, []byte(blockCommentPrefix)) {
			continue
		}
		port, err := strconv.Atoi(strings.TrimPrefix(string(r.UserData), blockCommentPrefix))
		if err != nil {
			continue
		}
		out[port] = struct{}{}
	}
	return out, nil
}

// ListAcceptedAddressesOnTCPPorts returns every tagged accept exception.
func (d *Driver) ListAcceptedAddressesOnTCPPorts(_ context.Context, _ bool, _ []int) (map[driver.AddrPort]struct{}, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rules, err := d.rules()
	if err != nil {
		return nil, fmt.Errorf("nftnative: list accepted: %w", err)
	}
	out := make(map[driver.AddrPort]struct{})
	for _, r := range rules {
		if !bytes.HasPrefix(r.UserData, []byte(acceptCommentPrefix)) {
			continue
		}
		body := strings.TrimPrefix(string(r.UserData), acceptCommentPrefix)
		idx := strings.LastIndex(body, "-")
		if idx < 0 {
			continue
		}
		addr := body[:idx]
		port, err := strconv.Atoi(body[idx+1:])
		if err != nil {
			continue
		}
		out[driver.AddrPort{Addr: addr, Port: port}] = struct{}{}
	}
	return out, nil
}

// BlockTCPPort installs a tagged drop rule for port.
func (d *Driver) BlockTCPPort(_ context.Context, port int, _ bool, allowedPorts []int, allowAllPorts bool) (bool, error) {
	if port < driver.MinValidPort {
		return false, &driver.ErrInvalidPort{Port: port}
	}
	if !driver.PortAllowed(port, allowedPorts, allowAllPorts) {
		return false, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ensureBaseLocked()
	d.conn.AddRule(&nftables.Rule{
		Table:    d.table,
		Chain:    d.chain,
		Exprs:    dropTCPPortExprs(port),
		UserData: blockComment(port),
	})
	if err := d.conn.Flush(); err != nil {
		return false, fmt.Errorf("nftnative: block port %d: %w", port, err)
	}
	return true, nil
}

// UnblockTCPPort removes the tagged drop rule for port, if one exists.
func (d *Driver) UnblockTCPPort(_ context.Context, port int, _ bool, allowedPorts []int, allowAllPorts bool) (bool, error) {
	if port < driver.MinValidPort {
		return false, &driver.ErrInvalidPort{Port: port}
	}
	if !driver.PortAllowed(port, allowedPorts, allowAllPorts) {
		return false, nil
	}
	return d.deleteTagged(blockComment(port))
}

// AcceptAddressOnTCPPort installs a tagged accept rule for addr:port,
// inserted ahead of any drop rule so it takes effect before a blanket block.
func (d *Driver) AcceptAddressOnTCPPort(_ context.Context, addr string, port int, _ bool, allowedPorts []int, allowAllPorts bool) (bool, error) {
	if port < driver.MinValidPort {
		return false, &driver.ErrInvalidPort{Port: port}
	}
	if !driver.PortAllowed(port, allowedPorts, allowAllPorts) {
		return false, nil
	}
	exprs, err := acceptTCPFromExprs(addr, port)
	if err != nil {
		return false, fmt.Errorf("nftnative: accept %s on %d: %w", addr, port, err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ensureBaseLocked()
	d.conn.InsertRule(&nftables.Rule{
		Table:    d.table,
		Chain:    d.chain,
		Exprs:    exprs,
		UserData: acceptComment(addr, port),
	})
	if err := d.conn.Flush(); err != nil {
		return false, fmt.Errorf("nftnative: accept %s on %d: %w", addr, port, err)
	}
	return true, nil
}

// UnacceptAddressOnTCPPort removes addr's tagged accept rule. With a nil
// port it removes every accept rule tagged for addr.
func (d *Driver) UnacceptAddressOnTCPPort(_ context.Context, addr string, port *int, _ bool, allowedPorts []int, allowAllPorts bool) (bool, error) {
	if port != nil && *port < driver.MinValidPort {
		return false, &driver.ErrInvalidPort{Port: *port}
	}

	if port == nil {
		d.mu.Lock()
		defer d.mu.Unlock()
		rules, err := d.rules()
		if err != nil {
			return false, fmt.Errorf("nftnative: unaccept %s: %w", addr, err)
		}
		prefix := []byte(fmt.Sprintf("%s%s-", acceptCommentPrefix, addr))
		removed := false
		for _, r := range rules {
			if !bytes.HasPrefix(r.UserData, prefix) {
				continue
			}
			if err := d.conn.DelRule(r); err != nil {
				return false, fmt.Errorf("nftnative: unaccept %s: %w", addr, err)
			}
			removed = true
		}
		if !removed {
			return false, nil
		}
		if err := d.conn.Flush(); err != nil {
			return false, fmt.Errorf("nftnative: unaccept %s: %w", addr, err)
		}
		return true, nil
	}

	if !driver.PortAllowed(*port, allowedPorts, allowAllPorts) {
		return false, nil
	}
	return d.deleteTagged(acceptComment(addr, *port))
}

func (d *Driver) deleteTagged(tag []byte) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rules, err := d.rules()
	if err != nil {
		return false, err
	}
	var target *nftables.Rule
	for _, r := range rules {
		if bytes.Equal(r.UserData, tag) {
			target = r
			break
		}
	}
	if target == nil {
		return false, nil
	}
	if err := d.conn.DelRule(target); err != nil {
		return false, fmt.Errorf("nftnative: delete rule: %w", err)
	}
	if err := d.conn.Flush(); err != nil {
		return false, fmt.Errorf("nftnative: delete rule: %w", err)
	}
	return true, nil
}

var _ driver.Driver = (*Driver)(nil)
