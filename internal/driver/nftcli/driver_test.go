//go:build linux
// +build linux

package nftcli

import (
	"context"
	"strings"
	"testing"

	"github.com/gatekeeper-io/gatekeeper/internal/driver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRunner records every invocation and serves a canned "nft -a list
// chain" listing so parsing logic can be tested without a real nft binary.
type fakeRunner struct {
	listing    string
	runInputs  []string
	ranScripts []string
}

func (f *fakeRunner) Run(name string, args ...string) error {
	return nil
}

func (f *fakeRunner) Output(name string, args ...string) ([]byte, error) {
	return []byte(f.listing), nil
}

func (f *fakeRunner) RunInput(input string, name string, args ...string) error {
	f.runInputs = append(f.runInputs, input)
	f.ranScripts = append(f.ranScripts, input)
	return nil
}

const sampleListing = `table inet gatekeeper {
	chain input {
		type filter hook input priority filter; policy accept;
		tcp dport 2223 counter packets 0 bytes 0 drop comment "gk-block-2223" # handle 5
		ip saddr 10.0.0.5 tcp dport 2224 counter packets 0 bytes 0 accept comment "gk-accept-10.0.0.5-2224" # handle 6
	}
}`

func TestDriver_ListBlockedTCPPorts_ParsesTaggedDropRules(t *testing.T) {
	runner := &fakeRunner{listing: sampleListing}
	d := NewWithRunner(runner)

	blocked, err := d.ListBlockedTCPPorts(context.Background(), false, nil)
	require.NoError(t, err)
	assert.Equal(t, map[int]struct{}{2223: {}}, blocked)
}

func TestDriver_ListAcceptedAddressesOnTCPPorts_ParsesTaggedAcceptRules(t *testing.T) {
	runner := &fakeRunner{listing: sampleListing}
	d := NewWithRunner(runner)

	accepted, err := d.ListAcceptedAddressesOnTCPPorts(context.Background(), false, nil)
	require.NoError(t, err)
	assert.Equal(t, map[driver.AddrPort]struct{}{{Addr: "10.0.0.5", Port: 2224}: {}}, accepted)
}

func TestDriver_BlockTCPPort_DeniedOutsideAllowlist(t *testing.T) {
	runner := &fakeRunner{}
	d := NewWithRunner(runner)

	ok, err := d.BlockTCPPort(context.Background(), 2223, false, []int{2224}, false)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, runner.ranScripts)
}

func TestDriver_BlockTCPPort_EmitsTaggedDropRule(t *testing.T) {
	runner := &fakeRunner{}
	d := NewWithRunner(runner)

	ok, err := d.BlockTCPPort(context.Background(), 2223, false, nil, true)
	require.NoError(t, err)
	assert.True(t, ok)
	require.Len(t, runner.ranScripts, 1)
	assert.Contains(t, runner.ranScripts[0], "tcp dport 2223 counter drop")
	assert.Contains(t, runner.ranScripts[0], `"gk-block-2223"`)
}

func TestDriver_BlockTCPPort_InvalidPortBelowTen(t *testing.T) {
	runner := &fakeRunner{}
	d := NewWithRunner(runner)

	_, err := d.BlockTCPPort(context.Background(), 5, false, nil, true)
	var invalid *driver.ErrInvalidPort
	require.ErrorAs(t, err, &invalid)
}

func TestDriver_UnblockTCPPort_FindsHandleAndDeletes(t *testing.T) {
	runner := &fakeRunner{listing: sampleListing}
	d := NewWithRunner(runner)

	ok, err := d.UnblockTCPPort(context.Background(), 2223, false, nil, true)
	require.NoError(t, err)
	assert.True(t, ok)
	require.Len(t, runner.ranScripts, 1)
	assert.True(t, strings.Contains(runner.ranScripts[0], "delete rule inet gatekeeper input handle 5"))
}

func TestDriver_UnblockTCPPort_NoMatchingRule(t *testing.T) {
	runner := &fakeRunner{listing: sampleListing}
	d := NewWithRunner(runner)

	ok, err := d.UnblockTCPPort(context.Background(), 9999, false, nil, true)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, runner.ranScripts)
}

func TestDriver_UnacceptAddressOnTCPPort_NilPortRemovesAll(t *testing.T) {
	listing := sampleListing + "\n\t\tip saddr 10.0.0.5 tcp dport 2225 counter accept comment \"gk-accept-10.0.0.5-2225\" # handle 7\n"
	runner := &fakeRunner{listing: listing}
	d := NewWithRunner(runner)

	ok, err := d.UnacceptAddressOnTCPPort(context.Background(), "10.0.0.5", nil, false, nil, true)
	require.NoError(t, err)
	assert.True(t, ok)
	require.Len(t, runner.ranScripts, 1)
	assert.Contains(t, runner.ranScripts[0], "handle 6")
	assert.Contains(t, runner.ranScripts[0], "handle 7")
}

func TestDriver_Resolve_FailsWhenBinaryMissing(t *testing.T) {
	runner := &erroringRunner{}
	d := NewWithRunner(runner)

	ok, err := d.Resolve(context.Background())
	assert.False(t, ok)
	assert.Error(t, err)
}

type erroringRunner struct{}

func (erroringRunner) Run(name string, args ...string) error { return assertErr }
func (erroringRunner) Output(name string, args ...string) ([]byte, error) {
	return nil, assertErr
}
func (erroringRunner) RunInput(input string, name string, args ...string) error { return assertErr }

var assertErr = &nftMissingErr{}

type nftMissingErr struct{}

func (*nftMissingErr) Error() string { return "nft: command not found" }
