package gatekeeper

import (
	"bufio"
	"encoding/base64"
	"net"
	"testing"
	"time"

	"github.com/gatekeeper-io/gatekeeper/internal/clock"
	"github.com/gatekeeper-io/gatekeeper/internal/driver/mock"
	"github.com/gatekeeper-io/gatekeeper/internal/gkcrypto"
	"github.com/gatekeeper-io/gatekeeper/internal/logging"
	"github.com/gatekeeper-io/gatekeeper/internal/session"
	"github.com/gatekeeper-io/gatekeeper/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAccessKey = "0123456789abcdefghijklmnopqrstuvwxyz"

func newTestDeps(t *testing.T, secure bool) (Deps, *mock.Driver) {
	t.Helper()
	drv := mock.New()
	return Deps{
		Driver:     drv,
		AbuseGuard: NewAbuseGuard(nil, 3, 10*time.Minute),
		Clock:      &clock.RealClock{},
		Config: Config{
			Secure:          secure,
			AccessKey:       []byte(testAccessKey),
			ListenPort:      2243,
			AllowedPorts:    []int{2223, 2224},
			AllowAllPorts:   false,
			LoginErrorLimit: 3,
			Version:         "test",
		},
	}, drv
}

func readLine(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	return line[:len(line)-1]
}

func TestConn_NonSecureLoginAndOperations(t *testing.T) {
	deps, _ := newTestDeps(t, false)
	server, client := net.Pipe()
	defer client.Close()

	c := NewConn(server, deps)
	errCh := make(chan error, 1)
	go func() { errCh <- c.Serve() }()

	r := bufio.NewReader(client)
	digest := gkcrypto.HashAccessKey([]byte(testAccessKey), nil)
	loginArgs := base64.StdEncoding.EncodeToString(digest[:])

	_, err := client.Write(wire.EncodeRecord("login", loginArgs))
	require.NoError(t, err)
	assert.Equal(t, "login: true [test]", readLine(t, r))

	_, err = client.Write(wire.EncodeRecord("list", "ports"))
	require.NoError(t, err)
	assert.Equal(t, "blocked: ", readLine(t, r))

	_, err = client.Write(wire.EncodeRecord("list", "accepts"))
	require.NoError(t, err)
	assert.Equal(t, "list ", readLine(t, r), "an empty accepts list must still frame as a valid CMD/ARGS record")

	_, err = client.Write(wire.EncodeRecord("accept", "203.0.113.9 2224"))
	require.NoError(t, err)
	assert.Equal(t, "accepted: true (203.0.113.9 -> 2224)", readLine(t, r))

	_, err = client.Write(wire.EncodeRecord("list", "accepts"))
	require.NoError(t, err)
	assert.Equal(t, "list 203.0.113.9:2224", readLine(t, r))

	_, err = client.Write(wire.EncodeRecord("block", "2223"))
	require.NoError(t, err)
	assert.Equal(t, "block: true", readLine(t, r))

	_, err = client.Write(wire.EncodeRecord("list", "ports"))
	require.NoError(t, err)
	assert.Equal(t, "blocked: 2223", readLine(t, r))

	_, err = client.Write(wire.EncodeRecord("block", "222"))
	require.NoError(t, err)
	assert.Equal(t, "block: false", readLine(t, r))

	_, err = client.Write(wire.EncodeRecord("disconnect", "now"))
	require.NoError(t, err)
	assert.Equal(t, "disconnect: true", readLine(t, r))

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after disconnect")
	}
}

func TestConn_NonSecureWrongLoginThenLockout(t *testing.T) {
	deps, _ := newTestDeps(t, false)
	server, client := net.Pipe()
	defer client.Close()

	c := NewConn(server, deps)
	errCh := make(chan error, 1)
	go func() { errCh <- c.Serve() }()

	r := bufio.NewReader(client)
	badArgs := base64.StdEncoding.EncodeToString(make([]byte, 64))

	for i := 0; i < 2; i++ {
		_, err := client.Write(wire.EncodeRecord("login", badArgs))
		require.NoError(t, err)
		assert.Equal(t, "login: false", readLine(t, r))
	}

	_, err := client.Write(wire.EncodeRecord("login", badArgs))
	require.NoError(t, err)
	assert.Equal(t, "login: false", readLine(t, r))

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrAuthFailure)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not close after login-error limit")
	}

	assert.True(t, deps.AbuseGuard.IsBlocked(server.RemoteAddr().String()))
}

func TestConn_NonSecureRejectsOperationalCommandBeforeLogin(t *testing.T) {
	deps, _ := newTestDeps(t, false)
	server, client := net.Pipe()
	defer client.Close()

	c := NewConn(server, deps)
	errCh := make(chan error, 1)
	go func() { errCh <- c.Serve() }()

	_, err := client.Write(wire.EncodeRecord("list", "ports"))
	require.NoError(t, err)

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrMalformedInput)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not close on out-of-state command")
	}
}

func TestConn_StatusCommand(t *testing.T) {
	deps, _ := newTestDeps(t, false)
	deps.AbuseGuard.RecordLoginError("203.0.113.1:1")
	deps.StatusFn = func() StatusInfo {
		return StatusInfo{Uptime: 90 * time.Second, ActiveConnections: 2, BlockedAddresses: 1}
	}

	server, client := net.Pipe()
	defer client.Close()

	c := NewConn(server, deps)
	go c.Serve()

	r := bufio.NewReader(client)
	digest := gkcrypto.HashAccessKey([]byte(testAccessKey), nil)
	loginArgs := base64.StdEncoding.EncodeToString(digest[:])
	_, err := client.Write(wire.EncodeRecord("login", loginArgs))
	require.NoError(t, err)
	assert.Equal(t, "login: true [test]", readLine(t, r))

	_, err = client.Write(wire.EncodeRecord("status", ""))
	require.NoError(t, err)
	assert.Equal(t, "status: uptime=1m30s connections=2 blocked=1 version=test", readLine(t, r))
}

func TestConn_StatusCommandWithoutStatusFn(t *testing.T) {
	deps, _ := newTestDeps(t, false)
	server, client := net.Pipe()
	defer client.Close()

	c := NewConn(server, deps)
	go c.Serve()

	r := bufio.NewReader(client)
	digest := gkcrypto.HashAccessKey([]byte(testAccessKey), nil)
	loginArgs := base64.StdEncoding.EncodeToString(digest[:])
	_, err := client.Write(wire.EncodeRecord("login", loginArgs))
	require.NoError(t, err)
	assert.Equal(t, "login: true [test]", readLine(t, r))

	_, err = client.Write(wire.EncodeRecord("status", ""))
	require.NoError(t, err)
	assert.Equal(t, "status: unavailable", readLine(t, r))
}

func TestConn_LogsCommandReturnsRingBufferTail(t *testing.T) {
	deps, _ := newTestDeps(t, false)
	server, client := net.Pipe()
	defer client.Close()

	logging.GetAppLogBuffer().Clear()
	logging.GetAppLogBuffer().Add(logging.AppLogEntry{
		Level: "info", Source: "conn", Message: "connection accepted",
	})

	c := NewConn(server, deps)
	go c.Serve()

	r := bufio.NewReader(client)
	digest := gkcrypto.HashAccessKey([]byte(testAccessKey), nil)
	loginArgs := base64.StdEncoding.EncodeToString(digest[:])
	_, err := client.Write(wire.EncodeRecord("login", loginArgs))
	require.NoError(t, err)
	assert.Equal(t, "login: true [test]", readLine(t, r))

	_, err = client.Write(wire.EncodeRecord("logs", "1"))
	require.NoError(t, err)
	line := readLine(t, r)
	assert.Contains(t, line, "logs ")
	assert.Contains(t, line, "connection accepted")
}

func TestConn_SecureKeyExchangeLoginAndBlock(t *testing.T) {
	deps, _ := newTestDeps(t, true)
	server, client := net.Pipe()
	defer client.Close()

	c := NewConn(server, deps)
	errCh := make(chan error, 1)
	go func() { errCh <- c.Serve() }()

	r := bufio.NewReader(client)

	staticCipher := session.NewStaticCipher([]byte(testAccessKey))
	exchangeKey, err := gkcrypto.RandomAESKey(0)
	require.NoError(t, err)
	midnight := session.UTCMidnightMillis(time.Now())

	wrappedExchange, err := staticCipher.WrapExchangeKey(exchangeKey, midnight)
	require.NoError(t, err)

	_, err = client.Write(wire.EncodeSecure(base64.StdEncoding.EncodeToString(wrappedExchange)))
	require.NoError(t, err)

	replyLine := readLine(t, r)
	acc := wire.NewAccumulator()
	require.NoError(t, acc.Feed([]byte(replyLine+"\n")))
	rec, ok, err := acc.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, wire.IsSecureEnvelope(rec))

	sessionKey, err := staticCipher.UnwrapSessionKey([]byte(rec.Args), exchangeKey, midnight)
	require.NoError(t, err)

	clientCipher := session.NewChainedCipher(sessionKey, deps.Config.ListenPort, midnight)

	digest := gkcrypto.HashAccessKey([]byte(testAccessKey), sessionKey)
	loginArgs := base64.StdEncoding.EncodeToString(digest[:])

	ct, err := clientCipher.EncryptMessage("login " + loginArgs)
	require.NoError(t, err)
	_, err = client.Write(wire.EncodeSecure(ct))
	require.NoError(t, err)

	replyLine = readLine(t, r)
	acc2 := wire.NewAccumulator()
	require.NoError(t, acc2.Feed([]byte(replyLine+"\n")))
	rec2, ok, err := acc2.Next()
	require.NoError(t, err)
	require.True(t, ok)
	pt, err := clientCipher.DecryptMessage(rec2.Args)
	require.NoError(t, err)
	assert.Equal(t, "login: true [test]", pt)

	ct, err = clientCipher.EncryptMessage("block 2223")
	require.NoError(t, err)
	_, err = client.Write(wire.EncodeSecure(ct))
	require.NoError(t, err)

	replyLine = readLine(t, r)
	acc3 := wire.NewAccumulator()
	require.NoError(t, acc3.Feed([]byte(replyLine+"\n")))
	rec3, ok, err := acc3.Next()
	require.NoError(t, err)
	require.True(t, ok)
	pt, err = clientCipher.DecryptMessage(rec3.Args)
	require.NoError(t, err)
	assert.Equal(t, "block: true", pt)

	client.Close()
	select {
	case <-errCh:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not exit after client closed")
	}
}
