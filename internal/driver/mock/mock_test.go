package mock

import (
	"context"
	"testing"

	"github.com/gatekeeper-io/gatekeeper/internal/driver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockDriver_BlockUnblockRoundTrip(t *testing.T) {
	ctx := context.Background()
	d := New()
	allowed := []int{2223, 2224}

	ok, err := d.BlockTCPPort(ctx, 2223, false, allowed, false)
	require.NoError(t, err)
	assert.True(t, ok)

	ports, err := d.ListBlockedTCPPorts(ctx, false, allowed)
	require.NoError(t, err)
	assert.Equal(t, map[int]struct{}{2223: {}}, ports)

	ok, err = d.UnblockTCPPort(ctx, 2223, false, allowed, false)
	require.NoError(t, err)
	assert.True(t, ok)

	ports, err = d.ListBlockedTCPPorts(ctx, false, allowed)
	require.NoError(t, err)
	assert.Empty(t, ports)
}

func TestMockDriver_BlockDeniesPortOutsideAllowlist(t *testing.T) {
	ctx := context.Background()
	d := New()

	ok, err := d.BlockTCPPort(ctx, 222, false, []int{2223, 2224}, false)
	require.NoError(t, err)
	assert.False(t, ok)

	ports, _ := d.ListBlockedTCPPorts(ctx, false, nil)
	assert.Empty(t, ports)
}

func TestMockDriver_BlockAllowAllPortsBypassesAllowlist(t *testing.T) {
	ctx := context.Background()
	d := New()

	ok, err := d.BlockTCPPort(ctx, 9999, false, nil, true)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMockDriver_InvalidPortBelowTen(t *testing.T) {
	ctx := context.Background()
	d := New()

	_, err := d.BlockTCPPort(ctx, 9, false, nil, true)
	var invalid *driver.ErrInvalidPort
	assert.ErrorAs(t, err, &invalid)
}

func TestMockDriver_AcceptUnacceptWithExplicitPort(t *testing.T) {
	ctx := context.Background()
	d := New()
	allowed := []int{2223}

	ok, err := d.AcceptAddressOnTCPPort(ctx, "198.51.100.4", 2223, false, allowed, false)
	require.NoError(t, err)
	assert.True(t, ok)

	addrs, _ := d.ListAcceptedAddressesOnTCPPorts(ctx, false, allowed)
	assert.Contains(t, addrs, driver.AddrPort{Addr: "198.51.100.4", Port: 2223})

	ok, err = d.UnacceptAddressOnTCPPort(ctx, "198.51.100.4", &allowed[0], false, allowed, false)
	require.NoError(t, err)
	assert.True(t, ok)

	addrs, _ = d.ListAcceptedAddressesOnTCPPorts(ctx, false, allowed)
	assert.Empty(t, addrs)
}

func TestMockDriver_UnacceptNilPortRemovesAllPortsForAddress(t *testing.T) {
	ctx := context.Background()
	d := New()
	allowed := []int{2223, 2224}

	_, _ = d.AcceptAddressOnTCPPort(ctx, "198.51.100.4", 2223, false, allowed, false)
	_, _ = d.AcceptAddressOnTCPPort(ctx, "198.51.100.4", 2224, false, allowed, false)

	ok, err := d.UnacceptAddressOnTCPPort(ctx, "198.51.100.4", nil, false, allowed, false)
	require.NoError(t, err)
	assert.True(t, ok)

	addrs, _ := d.ListAcceptedAddressesOnTCPPorts(ctx, false, allowed)
	assert.Empty(t, addrs)
}

func TestMockDriver_ResolveDefaultsToTrue(t *testing.T) {
	ok, err := New().Resolve(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
}
