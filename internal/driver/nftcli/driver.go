//go:build linux
// +build linux

// Package nftcli implements internal/driver.Driver by shelling out to the
// nft(8) binary, the same way the teacher's firewall/AtomicApplier applies
// whole rulesets: build a script, pipe it to "nft -f -", and read state
// back with "nft -a list chain ...". Handles from that listing are how
// individual rules get deleted again, since nft has no other stable
// per-rule identifier once a rule has been committed.
package nftcli

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/gatekeeper-io/gatekeeper/internal/driver"
	"github.com/gatekeeper-io/gatekeeper/internal/validation"
)

// Driver shells out to nft for every operation. It holds no local state; the
// kernel ruleset is always the source of truth.
type Driver struct {
	runner CommandRunner
}

// New returns a Driver that runs the real nft binary.
func New() *Driver {
	return &Driver{runner: &RealCommandRunner{}}
}

// NewWithRunner returns a Driver using a caller-supplied CommandRunner,
// letting tests exercise script generation and output parsing without nft
// installed.
func NewWithRunner(runner CommandRunner) *Driver {
	return &Driver{runner: runner}
}

func (d *Driver) wrap(sudo bool, name string, args ...string) (string, []string) {
	if !sudo {
		return name, args
	}
	return "sudo", append([]string{name}, args...)
}

// Resolve confirms the nft binary is reachable and the base table/chain can
// be created before the server starts accepting connections.
func (d *Driver) Resolve(_ context.Context) (bool, error) {
	if err := d.runner.Run("nft", "--version"); err != nil {
		return false, fmt.Errorf("nftcli: nft binary not usable: %w", err)
	}
	if err := d.applyScript(false, func(*scriptBuilder) {}); err != nil {
		return false, err
	}
	return true, nil
}

func (d *Driver) applyScript(sudo bool, build func(*scriptBuilder)) error {
	b := newScriptBuilder()
	b.ensureBaseLines()
	build(b)
	name, args := d.wrap(sudo, "nft", "-f", "-")
	return d.runner.RunInput(b.build(), name, args...)
}

func (d *Driver) listChain(sudo bool) (string, error) {
	name, args := d.wrap(sudo, "nft", "-a", "list", "chain", tableFamily, tableName, chainName)
	out, err := d.runner.Output(name, args...)
	if err != nil {
		// The chain may not exist yet; treat that as an empty listing.
		return "", nil
	}
	return string(out), nil
}

var (
	handleRe = regexp.MustCompile(`^(.*)#\s*handle\s+(\d+)\s*$`)
	dportRe  = regexp.MustCompile(`\btcp dport (\d+)\b`)
	saddrRe  = regexp.MustCompile(`\bip saddr (\S+)\b`)
	quotedRe = regexp.MustCompile(`"([^"]*)"`)
)

type parsedRule struct {
	handle  string
	body    string
	comment string
}

func parseRules(listing string) []parsedRule {
	var rules []parsedRule
	for _, line := range strings.Split(listing, "\n") {
		m := handleRe.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		body := strings.TrimSpace(m[1])
		comment := ""
		if cm := quotedRe.FindStringSubmatch(body); cm != nil {
			comment = cm[1]
		}
		rules = append(rules, parsedRule{handle: m[2], body: body, comment: comment})
	}
	return rules
}

// ListBlockedTCPPorts returns every port with a live drop rule tagged by
// this driver, regardless of the caller's allowed-ports policy — the policy
// only gates mutation, not visibility.
func (d *Driver) ListBlockedTCPPorts(_ context.Context, sudo bool, _ []int) (map[int]struct{}, error) {
	listing, err := d.listChain(sudo)
	if err != nil {
		return nil, err
	}
	out := make(map[int]struct{})
	for _, r := range parseRules(listing) {
		if !strings.HasPrefix(r.comment, blockCommentPrefix) || !strings.Contains(r.body, "drop") {
			continue
		}
		pm := dportRe.FindStringSubmatch(r.body)
		if pm == nil {
			continue
		}
		port, err := strconv.Atoi(pm[1])
		if err != nil {
			continue
		}
		out[port] = struct{}{}
	}
	return out, nil
}

// ListAcceptedAddressesOnTCPPorts returns every accept exception tagged by
// this driver.
func (d *Driver) ListAcceptedAddressesOnTCPPorts(_ context.Context, sudo bool, _ []int) (map[driver.AddrPort]struct{}, error) {
	listing, err := d.listChain(sudo)
	if err != nil {
		return nil, err
	}
	out := make(map[driver.AddrPort]struct{})
	for _, r := range parseRules(listing) {
		if !strings.HasPrefix(r.comment, acceptCommentPrefix) || !strings.Contains(r.body, "accept") {
			continue
		}
		pm := dportRe.FindStringSubmatch(r.body)
		am := saddrRe.FindStringSubmatch(r.body)
		if pm == nil || am == nil {
			continue
		}
		port, err := strconv.Atoi(pm[1])
		if err != nil {
			continue
		}
		out[driver.AddrPort{Addr: am[1], Port: port}] = struct{}{}
	}
	return out, nil
}

// BlockTCPPort installs a tagged drop rule for port.
func (d *Driver) BlockTCPPort(_ context.Context, port int, sudo bool, allowedPorts []int, allowAllPorts bool) (bool, error) {
	if port < driver.MinValidPort {
		return false, &driver.ErrInvalidPort{Port: port}
	}
	if !driver.PortAllowed(port, allowedPorts, allowAllPorts) {
		return false, nil
	}
	err := d.applyScript(sudo, func(b *scriptBuilder) {
		b.addRule(fmt.Sprintf("tcp dport %d counter drop", port), blockComment(port))
	})
	if err != nil {
		return false, fmt.Errorf("nftcli: block port %d: %w", port, err)
	}
	return true, nil
}

// UnblockTCPPort removes the tagged drop rule for port, if one exists.
func (d *Driver) UnblockTCPPort(_ context.Context, port int, sudo bool, allowedPorts []int, allowAllPorts bool) (bool, error) {
	if port < driver.MinValidPort {
		return false, &driver.ErrInvalidPort{Port: port}
	}
	if !driver.PortAllowed(port, allowedPorts, allowAllPorts) {
		return false, nil
	}
	listing, err := d.listChain(sudo)
	if err != nil {
		return false, err
	}
	handle := findHandle(parseRules(listing), blockComment(port))
	if handle == "" {
		return false, nil
	}
	if err := d.applyScript(sudo, func(b *scriptBuilder) { b.deleteRuleByHandle(handle) }); err != nil {
		return false, fmt.Errorf("nftcli: unblock port %d: %w", port, err)
	}
	return true, nil
}

// AcceptAddressOnTCPPort installs a tagged accept rule for addr:port.
func (d *Driver) AcceptAddressOnTCPPort(_ context.Context, addr string, port int, sudo bool, allowedPorts []int, allowAllPorts bool) (bool, error) {
	if port < driver.MinValidPort {
		return false, &driver.ErrInvalidPort{Port: port}
	}
	if !driver.PortAllowed(port, allowedPorts, allowAllPorts) {
		return false, nil
	}
	if err := validation.ValidateAddress(addr); err != nil {
		return false, fmt.Errorf("nftcli: accept %s on %d: %w", addr, port, err)
	}
	err := d.applyScript(sudo, func(b *scriptBuilder) {
		b.addRule(fmt.Sprintf("ip saddr %s tcp dport %d counter accept", addr, port), acceptComment(addr, port))
	})
	if err != nil {
		return false, fmt.Errorf("nftcli: accept %s on %d: %w", addr, port, err)
	}
	return true, nil
}

// UnacceptAddressOnTCPPort removes addr's tagged accept rule. With a nil
// port it removes every accept rule tagged for addr.
func (d *Driver) UnacceptAddressOnTCPPort(_ context.Context, addr string, port *int, sudo bool, allowedPorts []int, allowAllPorts bool) (bool, error) {
	if port != nil && *port < driver.MinValidPort {
		return false, &driver.ErrInvalidPort{Port: *port}
	}
	listing, err := d.listChain(sudo)
	if err != nil {
		return false, err
	}
	rules := parseRules(listing)

	if port == nil {
		prefix := fmt.Sprintf("%s%s-", acceptCommentPrefix, addr)
		var handles []string
		for _, r := range rules {
			if strings.HasPrefix(r.comment, prefix) {
				handles = append(handles, r.handle)
			}
		}
		if len(handles) == 0 {
			return false, nil
		}
		if err := d.applyScript(sudo, func(b *scriptBuilder) {
			for _, h := range handles {
				b.deleteRuleByHandle(h)
			}
		}); err != nil {
			return false, fmt.Errorf("nftcli: unaccept %s: %w", addr, err)
		}
		return true, nil
	}

	if !driver.PortAllowed(*port, allowedPorts, allowAllPorts) {
		return false, nil
	}
	handle := findHandle(rules, acceptComment(addr, *port))
	if handle == "" {
		return false, nil
	}
	if err := d.applyScript(sudo, func(b *scriptBuilder) { b.deleteRuleByHandle(handle) }); err != nil {
		return false, fmt.Errorf("nftcli: unaccept %s on %d: %w", addr, *port, err)
	}
	return true, nil
}

func findHandle(rules []parsedRule, comment string) string {
	for _, r := range rules {
		if r.comment == comment {
			return r.handle
		}
	}
	return ""
}

var _ driver.Driver = (*Driver)(nil)
