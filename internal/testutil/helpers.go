package testutil

import (
	"os"
	"testing"
)

// RequireVM skips the test if the GATEKEEPER_VM_TEST environment variable is
// not set. This ensures tests requiring real kernel capabilities (netlink,
// nftables) only run in an environment where that access exists.
func RequireVM(t *testing.T) {
	t.Helper()
	if os.Getenv("GATEKEEPER_VM_TEST") == "" {
		t.Skip("Skipping test: requires GATEKEEPER_VM_TEST environment")
	}
}
