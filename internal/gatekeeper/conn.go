package gatekeeper

import (
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/gatekeeper-io/gatekeeper/internal/clock"
	"github.com/gatekeeper-io/gatekeeper/internal/driver"
	"github.com/gatekeeper-io/gatekeeper/internal/gkcrypto"
	"github.com/gatekeeper-io/gatekeeper/internal/session"
	"github.com/gatekeeper-io/gatekeeper/internal/wire"
	"github.com/google/uuid"
)

const (
	// loginPaddingDelay is a fixed delay applied before every login
	// attempt is processed. It raises the floor on online guessing but is
	// not a true constant-time defense; see DESIGN.md.
	loginPaddingDelay = 300 * time.Millisecond

	// nonLoggedWatchdog closes a connection that never reaches LoggedIn
	// within this window of being accepted.
	nonLoggedWatchdog = 30 * time.Second
)

// Config carries the operator settings a Conn needs, distinct from the
// broader daemon config so this package has no import on internal/config.
type Config struct {
	Secure          bool
	AccessKey       []byte
	ListenPort      int
	AllowedPorts    []int
	AllowAllPorts   bool
	Sudo            bool
	LoginErrorLimit int
	Version         string
}

// Deps are the collaborators a Conn calls into. Driver and AbuseGuard are
// shared across every connection the server handles; Clock is injected for
// deterministic tests.
type Deps struct {
	Driver     driver.Driver
	AbuseGuard *AbuseGuard
	Clock      clock.Clock
	Logger     *slog.Logger
	Config     Config

	// StatusFn, when set, answers the operational "status" command with a
	// read-only snapshot of the daemon's own health. Nil disables the
	// command instead of panicking, since it is a supplemented feature
	// rather than part of the core wire grammar.
	StatusFn func() StatusInfo
}

// StatusInfo is the read-only snapshot StatusFn reports.
type StatusInfo struct {
	Uptime            time.Duration
	ActiveConnections int
	BlockedAddresses  int
}

// Conn is one accepted connection's state machine. It owns the socket, the
// accumulation buffer, and (once key exchange completes) the chained
// cipher. Nothing about it is safe for concurrent use — one goroutine per
// connection, as the server design requires.
type Conn struct {
	id         uuid.UUID
	netConn    net.Conn
	remoteAddr string
	deps       Deps

	acc   *wire.Accumulator
	state State

	loginAttempts int
	staticCipher  *session.StaticCipher
	chained       *session.ChainedCipher

	accessKeyHash [64]byte
	watchdogUntil time.Time
}

// remoteHost strips the ephemeral source port off a connection's remote
// address, since AbuseGuard tracks offences per remote host: a reconnect
// after a dropped socket gets a fresh source port, and the accept-time
// block (§4.5) only works if every RecordLoginError/RecordSocketError call
// for that host keys the guard the same way the accept-time IsBlocked
// check does.
func remoteHost(netConn net.Conn) string {
	addr := netConn.RemoteAddr().String()
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// NewConn wraps an accepted net.Conn in a fresh state machine at Connected.
func NewConn(netConn net.Conn, deps Deps) *Conn {
	if deps.Clock == nil {
		deps.Clock = &clock.RealClock{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Conn{
		id:            uuid.New(),
		netConn:       netConn,
		remoteAddr:    remoteHost(netConn),
		deps:          deps,
		acc:           wire.NewAccumulator(),
		state:         Connected,
		staticCipher:  session.NewStaticCipher(deps.Config.AccessKey),
		accessKeyHash: gkcrypto.HashAccessKey(deps.Config.AccessKey, nil),
		watchdogUntil: deps.Clock.Now().Add(nonLoggedWatchdog),
	}
}

// Serve drives the connection to completion: read, frame, dispatch, write,
// repeat, until the peer disconnects, a protocol violation closes it, or
// the watchdog fires. It always closes the socket before returning.
func (c *Conn) Serve() error {
	defer c.netConn.Close()

	buf := make([]byte, 4096)
	for {
		if c.state != LoggedIn {
			remaining := c.watchdogUntil.Sub(c.deps.Clock.Now())
			if remaining <= 0 {
				c.deps.AbuseGuard.RecordSocketError(c.remoteAddr)
				return ErrTimeout
			}
			_ = c.netConn.SetReadDeadline(time.Now().Add(remaining))
		} else {
			_ = c.netConn.SetReadDeadline(time.Time{})
		}

		n, err := c.netConn.Read(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				c.deps.AbuseGuard.RecordSocketError(c.remoteAddr)
				return ErrTimeout
			}
			// A peer closing its end is not itself abusive.
			return nil
		}

		if err := c.acc.Feed(buf[:n]); err != nil {
			c.deps.AbuseGuard.RecordSocketError(c.remoteAddr)
			return ErrMalformedInput
		}

		for {
			rec, ok, err := c.acc.Next()
			if err != nil {
				c.deps.AbuseGuard.RecordSocketError(c.remoteAddr)
				return ErrMalformedInput
			}
			if !ok {
				break
			}

			done, err := c.handleRecord(rec)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}
	}
}

// handleRecord processes one parsed line, writing a response if the command
// produces one. done is true once the connection should close (disconnect
// command, or a fatal protocol violation already logged and answered).
func (c *Conn) handleRecord(rec wire.Record) (done bool, err error) {
	envelope := wire.IsSecureEnvelope(rec)

	switch {
	case envelope && c.deps.Config.Secure:
		return c.handleSecureEnvelope(rec)
	case !envelope && !c.deps.Config.Secure:
		return c.dispatchPlain(rec)
	default:
		// Invariant 1/4: a secure server only ever accepts the envelope,
		// a non-secure server never does.
		c.deps.AbuseGuard.RecordSocketError(c.remoteAddr)
		return true, ErrMalformedInput
	}
}

// dispatchPlain handles a plaintext record on a non-secure server; a secure
// server never routes a plaintext record here.
func (c *Conn) dispatchPlain(rec wire.Record) (done bool, err error) {
	if c.state == Connected || c.state == KeyExchanged {
		if rec.Cmd != "login" {
			c.deps.AbuseGuard.RecordSocketError(c.remoteAddr)
			return true, ErrMalformedInput
		}
		return c.handleLogin(rec.Args)
	}

	if c.state != LoggedIn {
		c.deps.AbuseGuard.RecordSocketError(c.remoteAddr)
		return true, ErrMalformedInput
	}

	return c.dispatchOperational(rec)
}

// handleSecureEnvelope processes a "_:" record: either the client's
// key-exchange envelope (state Connected, no SessionKey yet) or a
// chained-cipher-wrapped operational/login line.
func (c *Conn) handleSecureEnvelope(rec wire.Record) (done bool, err error) {
	if c.chained == nil {
		if c.state != Connected {
			c.deps.AbuseGuard.RecordSocketError(c.remoteAddr)
			return true, ErrMalformedInput
		}
		return c.handleKeyExchange(rec.Args)
	}

	plain, err := c.chained.DecryptMessage(rec.Args)
	if err != nil {
		c.deps.AbuseGuard.RecordSocketError(c.remoteAddr)
		return true, ErrMalformedInput
	}

	inner, ok, perr := parseInline(plain)
	if perr != nil || !ok {
		c.deps.AbuseGuard.RecordSocketError(c.remoteAddr)
		return true, ErrMalformedInput
	}

	if c.state != LoggedIn {
		if inner.Cmd != "login" {
			c.deps.AbuseGuard.RecordSocketError(c.remoteAddr)
			return true, ErrMalformedInput
		}
		return c.handleLogin(inner.Args)
	}

	return c.dispatchOperational(inner)
}

// handleKeyExchange implements the server side of §4.4's exchange handler:
// unwrap the client's ExchangeKey under the static cipher, mint a fresh
// SessionKey, double-wrap it, and install the chained cipher. The client's
// request carries base64; the server's own reply is the raw ciphertext
// reinterpreted as Latin-1 text instead — the asymmetry is a documented
// wire quirk, not a mistake (see DESIGN.md).
func (c *Conn) handleKeyExchange(base64Ciphertext string) (done bool, err error) {
	raw, decErr := base64.StdEncoding.DecodeString(base64Ciphertext)
	if decErr != nil {
		c.deps.AbuseGuard.RecordSocketError(c.remoteAddr)
		return true, ErrMalformedInput
	}

	midnight := session.UTCMidnightMillis(c.deps.Clock.Now())

	exchangeKey, uwErr := c.staticCipher.UnwrapExchangeKey(raw, midnight)
	if uwErr != nil {
		c.deps.AbuseGuard.RecordSocketError(c.remoteAddr)
		return true, ErrMalformedInput
	}
	if len(exchangeKey) > gkcrypto.KeyLen {
		exchangeKey = exchangeKey[:gkcrypto.KeyLen]
	}

	sessionKey, rErr := gkcrypto.RandomBytes(gkcrypto.KeyLen)
	if rErr != nil {
		return true, fmt.Errorf("%w: %v", ErrInternalFault, rErr)
	}

	wrapped, wErr := c.staticCipher.WrapSessionKey(sessionKey, exchangeKey, midnight)
	if wErr != nil {
		return true, fmt.Errorf("%w: %v", ErrInternalFault, wErr)
	}

	if err := c.writeLine(wire.EncodeSecureRaw(wrapped)); err != nil {
		return true, err
	}

	seed1 := c.remotePeerSeed1()
	c.chained = session.NewChainedCipher(sessionKey, seed1, midnight)
	c.state = KeyExchanged
	return false, nil
}

// remotePeerSeed1 returns seed1: the server always uses its own listening
// port, agreed out of band with the client, which uses the remote port of
// the socket it connected on — the same number.
func (c *Conn) remotePeerSeed1() int {
	return c.deps.Config.ListenPort
}

// handleLogin implements the §4.4 login flow.
func (c *Conn) handleLogin(argsBase64 string) (done bool, err error) {
	time.Sleep(loginPaddingDelay)
	c.loginAttempts++

	candidate, decErr := base64.StdEncoding.DecodeString(argsBase64)
	expected := c.accessKeyHash[:]
	if c.chained != nil {
		hashed := gkcrypto.HashAccessKey(c.deps.Config.AccessKey, c.sessionKeyBytes())
		expected = hashed[:]
	}

	ok := decErr == nil && len(candidate) == len(expected) && subtle.ConstantTimeCompare(candidate, expected) == 1

	if !ok {
		if err := c.reply("login: false"); err != nil {
			return true, err
		}
		if c.loginAttempts >= c.effectiveLoginErrorLimit() {
			c.deps.AbuseGuard.RecordLoginError(c.remoteAddr)
			return true, ErrAuthFailure
		}
		return false, nil
	}

	c.state = LoggedIn
	return false, c.reply(fmt.Sprintf("login: true [%s]", c.deps.Config.Version))
}

func (c *Conn) effectiveLoginErrorLimit() int {
	if c.deps.AbuseGuard != nil {
		return c.deps.AbuseGuard.LoginErrorLimit()
	}
	limit := c.deps.Config.LoginErrorLimit
	if limit < minLoginErrorLimit {
		limit = minLoginErrorLimit
	}
	return limit
}

// sessionKeyBytes exposes the raw session key for login-digest binding.
// ChainedCipher does not otherwise leak it.
func (c *Conn) sessionKeyBytes() []byte {
	if c.chained == nil {
		return nil
	}
	return c.chained.SessionKeyBytes()
}

// reply writes msg as a plain or chained-cipher-wrapped record, matching
// the mode the connection is currently in.
func (c *Conn) reply(msg string) error {
	if c.chained != nil {
		ct, err := c.chained.EncryptMessage(msg)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInternalFault, err)
		}
		return c.writeLine(wire.EncodeSecure(ct))
	}
	cmd, args := splitOnce(msg)
	return c.writeLine(wire.EncodeRecord(cmd, args))
}

func (c *Conn) writeLine(line []byte) error {
	if _, err := c.netConn.Write(line); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return nil
}

// splitOnce divides "cmd rest of the line" into CMD and ARGS the way
// EncodeRecord expects, for replies built as a single formatted string.
func splitOnce(s string) (cmd, args string) {
	for i := 0; i < len(s); i++ {
		if s[i] == ' ' {
			return s[:i], s[i+1:]
		}
	}
	return s, ""
}

// parseInline re-parses a decrypted plaintext payload ("CMD ARGS") using
// the same grammar as the outer accumulator, since the plaintext never
// carries a trailing LF of its own.
func parseInline(plain string) (wire.Record, bool, error) {
	cmd, args := splitOnce(plain)
	if cmd == "" {
		return wire.Record{}, false, ErrMalformedInput
	}
	return wire.Record{Cmd: cmd, Args: args}, true, nil
}

// dispatchOperational executes one LoggedIn-state command against the
// driver and replies per the §4.4 response table.
func (c *Conn) dispatchOperational(rec wire.Record) (done bool, err error) {
	switch rec.Cmd {
	case "status":
		return false, c.handleStatus()
	case "logs":
		return false, c.handleLogs(rec.Args)
	case "list":
		return false, c.handleList(rec.Args)
	case "block":
		return false, c.handleBlock(rec.Args)
	case "unblock":
		return false, c.handleUnblock(rec.Args)
	case "accept":
		return false, c.handleAccept(rec.Args)
	case "unaccept":
		return false, c.handleUnaccept(rec.Args)
	case "disconnect":
		if err := c.reply("disconnect: true"); err != nil {
			return true, err
		}
		return true, nil
	default:
		c.deps.AbuseGuard.RecordSocketError(c.remoteAddr)
		return true, ErrMalformedInput
	}
}
