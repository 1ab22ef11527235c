package gatekeeper

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gatekeeper-io/gatekeeper/internal/driver"
	"github.com/gatekeeper-io/gatekeeper/internal/logging"
)

// logLineSanitizer strips characters that would corrupt the single-line
// wire frame a "logs" reply must stay within.
var logLineSanitizer = strings.NewReplacer("\n", " ", "\r", " ")

// defaultLogTailLines caps how many ring-buffer entries "logs" returns
// when the caller doesn't ask for a specific count.
const defaultLogTailLines = 20

// handleList answers "list ports" and "list accepts" per §4.4's response
// table.
func (c *Conn) handleList(args string) error {
	cfg := c.deps.Config
	ctx := context.Background()

	switch args {
	case "ports":
		blocked, err := c.deps.Driver.ListBlockedTCPPorts(ctx, cfg.Sudo, cfg.AllowedPorts)
		if err != nil {
			c.logDriverFailure("list ports", err)
			return c.reply("blocked: ")
		}
		ports := make([]int, 0, len(blocked))
		for p := range blocked {
			ports = append(ports, p)
		}
		sort.Ints(ports)
		return c.reply("blocked: " + joinInts(ports, ", "))

	case "accepts":
		accepted, err := c.deps.Driver.ListAcceptedAddressesOnTCPPorts(ctx, cfg.Sudo, cfg.AllowedPorts)
		if err != nil {
			c.logDriverFailure("list accepts", err)
			return c.reply("list ")
		}
		pairs := make([]driver.AddrPort, 0, len(accepted))
		for ap := range accepted {
			pairs = append(pairs, ap)
		}
		sort.Slice(pairs, func(i, j int) bool {
			if pairs[i].Addr != pairs[j].Addr {
				return pairs[i].Addr < pairs[j].Addr
			}
			return pairs[i].Port < pairs[j].Port
		})
		parts := make([]string, len(pairs))
		for i, ap := range pairs {
			parts[i] = fmt.Sprintf("%s:%d", ap.Addr, ap.Port)
		}
		// "list " + content keeps ARGS equal to the bare
		// "addr:port; ..." text §6 specifies, while still framing as a
		// valid CMD/ARGS record when the list is empty (§8: "list accepts
		// with empty driver returns a record whose ARGS is the empty
		// string") instead of the bare, unparseable "" line a CMD-less
		// reply would produce.
		return c.reply("list " + strings.Join(parts, "; "))

	default:
		c.deps.AbuseGuard.RecordSocketError(c.remoteAddr)
		return ErrMalformedInput
	}
}

// handleStatus answers the supplemented "status" command with process
// uptime, active connection count, and current abuse-guard blocklist size.
// It never touches the driver.
func (c *Conn) handleStatus() error {
	if c.deps.StatusFn == nil {
		return c.reply("status: unavailable")
	}
	info := c.deps.StatusFn()
	return c.reply(fmt.Sprintf(
		"status: uptime=%s connections=%d blocked=%d version=%s",
		info.Uptime.Round(time.Second), info.ActiveConnections, info.BlockedAddresses, c.deps.Config.Version,
	))
}

// handleLogs answers the supplemented "logs" command with the most recent
// entries from the process-wide log ring buffer, letting an operator see
// what the daemon has logged without shelling into the host. args is an
// optional decimal entry count; anything unparseable falls back to
// defaultLogTailLines.
func (c *Conn) handleLogs(args string) error {
	n := defaultLogTailLines
	if args = strings.TrimSpace(args); args != "" {
		if parsed, err := strconv.Atoi(args); err == nil && parsed > 0 {
			n = parsed
		}
	}
	entries := logging.GetAppLogBuffer().GetLast(n)
	parts := make([]string, len(entries))
	for i, e := range entries {
		parts[i] = fmt.Sprintf("%s [%s] %s: %s",
			e.Timestamp.UTC().Format(time.RFC3339), e.Level, e.Source, logLineSanitizer.Replace(e.Message))
	}
	return c.reply("logs " + strings.Join(parts, "; "))
}

func (c *Conn) handleBlock(args string) error {
	port, ok := parsePort(args)
	if !ok {
		return c.reply("block: false")
	}
	cfg := c.deps.Config
	result, err := c.deps.Driver.BlockTCPPort(context.Background(), port, cfg.Sudo, cfg.AllowedPorts, cfg.AllowAllPorts)
	if err != nil {
		c.logDriverFailure("block", err)
		return c.reply("block: false")
	}
	return c.reply(fmt.Sprintf("block: %t", result))
}

func (c *Conn) handleUnblock(args string) error {
	port, ok := parsePort(args)
	if !ok {
		return c.reply("unblock: false")
	}
	cfg := c.deps.Config
	result, err := c.deps.Driver.UnblockTCPPort(context.Background(), port, cfg.Sudo, cfg.AllowedPorts, cfg.AllowAllPorts)
	if err != nil {
		c.logDriverFailure("unblock", err)
		return c.reply("unblock: false")
	}
	return c.reply(fmt.Sprintf("unblock: %t", result))
}

func (c *Conn) handleAccept(args string) error {
	fields := strings.Fields(args)
	if len(fields) != 2 {
		c.deps.AbuseGuard.RecordSocketError(c.remoteAddr)
		return ErrMalformedInput
	}
	addr := c.resolveAddr(fields[0])
	port, ok := parsePort(fields[1])
	if !ok {
		return c.reply(fmt.Sprintf("accepted: false (%s -> %s)", addr, fields[1]))
	}

	cfg := c.deps.Config
	result, err := c.deps.Driver.AcceptAddressOnTCPPort(context.Background(), addr, port, cfg.Sudo, cfg.AllowedPorts, cfg.AllowAllPorts)
	if err != nil {
		c.logDriverFailure("accept", err)
		result = false
	}
	return c.reply(fmt.Sprintf("accepted: %t (%s -> %d)", result, addr, port))
}

func (c *Conn) handleUnaccept(args string) error {
	fields := strings.Fields(args)
	if len(fields) < 1 || len(fields) > 2 {
		c.deps.AbuseGuard.RecordSocketError(c.remoteAddr)
		return ErrMalformedInput
	}
	addr := c.resolveAddr(fields[0])

	var portPtr *int
	portDisplay := "null"
	if len(fields) == 2 {
		port, ok := parsePort(fields[1])
		if !ok {
			return c.reply(fmt.Sprintf("unaccepted: false (%s -> %s)", addr, fields[1]))
		}
		portPtr = &port
		portDisplay = strconv.Itoa(port)
	}

	cfg := c.deps.Config
	result, err := c.deps.Driver.UnacceptAddressOnTCPPort(context.Background(), addr, portPtr, cfg.Sudo, cfg.AllowedPorts, cfg.AllowAllPorts)
	if err != nil {
		c.logDriverFailure("unaccept", err)
		result = false
	}
	return c.reply(fmt.Sprintf("unaccepted: %t (%s -> %s)", result, addr, portDisplay))
}

// resolveAddr substitutes "." for the connection's own remote host, per
// §4.4's accept/unaccept address rule.
func (c *Conn) resolveAddr(addr string) string {
	if addr != "." {
		return addr
	}
	host, _, err := net.SplitHostPort(c.remoteAddr)
	if err != nil {
		return c.remoteAddr
	}
	return host
}

// parsePort rejects anything below driver.MinValidPort before the driver is
// ever called, per invariant 6.
func parsePort(s string) (int, bool) {
	port, err := strconv.Atoi(s)
	if err != nil || port < driver.MinValidPort || port > 65535 {
		return 0, false
	}
	return port, true
}

func joinInts(vals []int, sep string) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, sep)
}

// logDriverFailure records a DriverFailure per §7: forward false to the
// peer, log, keep the connection open.
func (c *Conn) logDriverFailure(op string, err error) {
	var invalid *driver.ErrInvalidPort
	if errors.As(err, &invalid) {
		return
	}
	c.deps.Logger.Warn("driver call failed", "conn", c.id.String(), "op", op, "remote", c.remoteAddr, "err", err)
}
