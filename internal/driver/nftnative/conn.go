//go:build linux
// +build linux

// Package nftnative implements internal/driver.Driver directly over netlink
// via github.com/google/nftables, rather than shelling out to the nft(8)
// binary the way internal/driver/nftcli does. Rule identity is carried in
// each rule's UserData comment instead of parsing CLI text output.
package nftnative

import "github.com/google/nftables"

// Conn abstracts the subset of *nftables.Conn this driver needs, the same
// way the teacher's firewall package abstracts NFTablesConn so tests run
// against an in-memory fake instead of a real netlink socket.
type Conn interface {
	AddTable(t *nftables.Table) *nftables.Table
	AddChain(c *nftables.Chain) *nftables.Chain
	AddRule(r *nftables.Rule) *nftables.Rule
	InsertRule(r *nftables.Rule) *nftables.Rule
	DelRule(r *nftables.Rule) error
	GetRules(t *nftables.Table, c *nftables.Chain) ([]*nftables.Rule, error)
	Flush() error
}

// RealConn wraps an actual *nftables.Conn.
type RealConn struct {
	conn *nftables.Conn
}

// NewRealConn dials the kernel's netlink nftables socket.
func NewRealConn() (*RealConn, error) {
	conn, err := nftables.New()
	if err != nil {
		return nil, err
	}
	return &RealConn{conn: conn}, nil
}

func (r *RealConn) AddTable(t *nftables.Table) *nftables.Table { return r.conn.AddTable(t) }
func (r *RealConn) AddChain(c *nftables.Chain) *nftables.Chain { return r.conn.AddChain(c) }
func (r *RealConn) AddRule(rule *nftables.Rule) *nftables.Rule { return r.conn.AddRule(rule) }
func (r *RealConn) InsertRule(rule *nftables.Rule) *nftables.Rule {
	return r.conn.InsertRule(rule)
}
func (r *RealConn) DelRule(rule *nftables.Rule) error { return r.conn.DelRule(rule) }
func (r *RealConn) GetRules(t *nftables.Table, c *nftables.Chain) ([]*nftables.Rule, error) {
	return r.conn.GetRules(t, c)
}
func (r *RealConn) Flush() error { return r.conn.Flush() }
