//go:build linux
// +build linux

package nftnative

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/google/nftables/expr"
	"golang.org/x/sys/unix"
)

const (
	blockCommentPrefix  = "gk-block-"
	acceptCommentPrefix = "gk-accept-"
)

func blockComment(port int) []byte {
	return []byte(fmt.Sprintf("%s%d", blockCommentPrefix, port))
}

func acceptComment(addr string, port int) []byte {
	return []byte(fmt.Sprintf("%s%s-%d", acceptCommentPrefix, addr, port))
}

func portBytes(port int) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, uint16(port))
	return b
}

// dropTCPPortExprs matches any TCP segment addressed to port and drops it.
func dropTCPPortExprs(port int) []expr.Any {
	return []expr.Any{
		&expr.Meta{Key: expr.MetaKeyL4PROTO, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{byte(unix.IPPROTO_TCP)}},
		&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseTransportHeader, Offset: 2, Len: 2},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: portBytes(port)},
		&expr.Counter{},
		&expr.Verdict{Kind: expr.VerdictDrop},
	}
}

// acceptTCPFromExprs matches TCP segments from addr addressed to port and
// accepts them. Only IPv4 source addresses are supported; the driver never
// installs an accept exception for anything else.
func acceptTCPFromExprs(addr string, port int) ([]expr.Any, error) {
	ip := net.ParseIP(addr)
	if ip == nil {
		return nil, fmt.Errorf("nftnative: invalid address %q", addr)
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return nil, fmt.Errorf("nftnative: only IPv4 addresses are supported, got %q", addr)
	}
	return []expr.Any{
		&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseNetworkHeader, Offset: 12, Len: 4},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: ip4},
		&expr.Meta{Key: expr.MetaKeyL4PROTO, Register: 2},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 2, Data: []byte{byte(unix.IPPROTO_TCP)}},
		&expr.Payload{DestRegister: 2, Base: expr.PayloadBaseTransportHeader, Offset: 2, Len: 2},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 2, Data: portBytes(port)},
		&expr.Counter{},
		&expr.Verdict{Kind: expr.VerdictAccept},
	}, nil
}
