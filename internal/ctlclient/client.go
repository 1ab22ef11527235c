package ctlclient

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gatekeeper-io/gatekeeper/internal/driver"
	"github.com/gatekeeper-io/gatekeeper/internal/gkcrypto"
	"github.com/gatekeeper-io/gatekeeper/internal/session"
	"github.com/gatekeeper-io/gatekeeper/internal/wire"
)

// DefaultReplyTimeout bounds how long a single call waits for the server to
// answer before giving up.
const DefaultReplyTimeout = 30 * time.Second

// Client is one logged-in connection to a gatekeeper server. Only one
// request may be outstanding at a time; call serializes every method
// under a single mutex, mirroring the outstanding-call gating the wire
// protocol itself requires (the server never answers out of order).
type Client struct {
	mu           sync.Mutex
	conn         net.Conn
	reader       *bufio.Reader
	acc          *wire.Accumulator
	chained      *session.ChainedCipher
	replyTimeout time.Duration
}

// Dial connects to address, performs key exchange when secure is true, and
// logs in with accessKey. The returned Client is ready for operational
// calls.
func Dial(address string, accessKey []byte, secure bool) (*Client, error) {
	conn, err := net.Dial("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("ctlclient: dial %s: %w", address, err)
	}

	c := &Client{
		conn:         conn,
		reader:       bufio.NewReader(conn),
		acc:          wire.NewAccumulator(),
		replyTimeout: DefaultReplyTimeout,
	}

	if secure {
		if err := c.exchangeKeys(address, accessKey); err != nil {
			conn.Close()
			return nil, err
		}
	}

	loginArgs, err := loginDigest(accessKey, c.sessionKeyBytes())
	if err != nil {
		conn.Close()
		return nil, err
	}
	reply, err := c.call("login", loginArgs)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if !strings.HasPrefix(reply, "login: true") {
		conn.Close()
		return nil, fmt.Errorf("ctlclient: login rejected: %s", reply)
	}
	return c, nil
}

func loginDigest(accessKey, sessionKey []byte) (string, error) {
	digest := gkcrypto.HashAccessKey(accessKey, sessionKey)
	return base64.StdEncoding.EncodeToString(digest[:]), nil
}

// exchangeKeys performs the client side of the key-exchange handshake and
// installs the chained cipher for every call after this one.
func (c *Client) exchangeKeys(address string, accessKey []byte) error {
	_, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("ctlclient: address must be host:port for secure mode: %w", err)
	}
	seed1, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("ctlclient: address port must be numeric for secure mode: %w", err)
	}

	staticCipher := session.NewStaticCipher(accessKey)
	exchangeKey, err := gkcrypto.RandomAESKey(0)
	if err != nil {
		return fmt.Errorf("ctlclient: generate exchange key: %w", err)
	}
	midnight := session.UTCMidnightMillis(time.Now())

	wrapped, err := staticCipher.WrapExchangeKey(exchangeKey, midnight)
	if err != nil {
		return fmt.Errorf("ctlclient: wrap exchange key: %w", err)
	}

	if _, err := c.conn.Write(wire.EncodeSecure(base64.StdEncoding.EncodeToString(wrapped))); err != nil {
		return fmt.Errorf("ctlclient: send exchange key: %w", err)
	}

	rec, err := c.readRecord()
	if err != nil {
		return fmt.Errorf("ctlclient: read session key: %w", err)
	}
	if !wire.IsSecureEnvelope(rec) {
		return fmt.Errorf("ctlclient: expected secure envelope in key exchange reply")
	}

	sessionKey, err := staticCipher.UnwrapSessionKey([]byte(rec.Args), exchangeKey, midnight)
	if err != nil {
		return fmt.Errorf("ctlclient: unwrap session key: %w", err)
	}

	c.chained = session.NewChainedCipher(sessionKey, seed1, midnight)
	return nil
}

func (c *Client) sessionKeyBytes() []byte {
	if c.chained == nil {
		return nil
	}
	return c.chained.SessionKeyBytes()
}

// readRecord blocks (subject to replyTimeout, once set) until one framed
// record is available, feeding the accumulator from the connection as
// needed.
func (c *Client) readRecord() (wire.Record, error) {
	for {
		rec, ok, err := c.acc.Next()
		if err != nil {
			return wire.Record{}, fmt.Errorf("ctlclient: malformed reply: %w", err)
		}
		if ok {
			return rec, nil
		}

		if c.replyTimeout > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(c.replyTimeout))
		}
		line, err := c.reader.ReadString('\n')
		if err != nil {
			return wire.Record{}, fmt.Errorf("ctlclient: read reply: %w", err)
		}
		if err := c.acc.Feed([]byte(line)); err != nil {
			return wire.Record{}, fmt.Errorf("ctlclient: reply buffer overflow: %w", err)
		}
	}
}

// call sends one CMD/ARGS line, wrapped in the chained cipher when secure
// mode is active, and returns the decoded plaintext reply. Only one call
// may be in flight per Client at a time.
func (c *Client) call(cmd, args string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.chained != nil {
		ct, err := c.chained.EncryptMessage(cmd + " " + args)
		if err != nil {
			return "", fmt.Errorf("ctlclient: encrypt request: %w", err)
		}
		if _, err := c.conn.Write(wire.EncodeSecure(ct)); err != nil {
			return "", fmt.Errorf("ctlclient: send request: %w", err)
		}
	} else {
		if _, err := c.conn.Write(wire.EncodeRecord(cmd, args)); err != nil {
			return "", fmt.Errorf("ctlclient: send request: %w", err)
		}
	}

	rec, err := c.readRecord()
	if err != nil {
		return "", err
	}

	if c.chained != nil {
		return c.chained.DecryptMessage(rec.Args)
	}
	// The server's reply() splits its formatted message on the first
	// space, so Cmd already carries the trailing colon (e.g. "login:").
	return rec.Cmd + " " + rec.Args, nil
}

// SetReplyTimeout overrides DefaultReplyTimeout, mostly for tests.
func (c *Client) SetReplyTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replyTimeout = d
}

// Close closes the underlying connection without sending "disconnect".
func (c *Client) Close() error {
	return c.conn.Close()
}

// Disconnect asks the server to close the connection cleanly, then closes
// the local socket.
func (c *Client) Disconnect() error {
	_, err := c.call("disconnect", "now")
	closeErr := c.conn.Close()
	if err != nil {
		return err
	}
	return closeErr
}

// Status returns the daemon's own health snapshot: uptime, active
// connection count, and blocklist size, exactly as it reports on the wire.
func (c *Client) Status() (string, error) {
	reply, err := c.call("status", "")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(reply), nil
}

// Logs returns the daemon's n most recent log-buffer entries as a single
// reply string, one entry per "; "-separated field. n <= 0 asks the server
// to use its own default tail length.
func (c *Client) Logs(n int) (string, error) {
	args := ""
	if n > 0 {
		args = strconv.Itoa(n)
	}
	reply, err := c.call("logs", args)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(strings.TrimPrefix(reply, "logs")), nil
}

// ListBlockedTCPPorts returns every port the server currently drops.
func (c *Client) ListBlockedTCPPorts() ([]int, error) {
	reply, err := c.call("list", "ports")
	if err != nil {
		return nil, err
	}
	body := strings.TrimPrefix(reply, "blocked: ")
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, nil
	}
	var ports []int
	for _, tok := range strings.Split(body, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		port, err := strconv.Atoi(tok)
		if err != nil {
			return nil, fmt.Errorf("ctlclient: unexpected port list reply %q: %w", reply, err)
		}
		ports = append(ports, port)
	}
	return ports, nil
}

// ListAcceptedAddressesOnTCPPorts returns every accept exception currently
// installed.
func (c *Client) ListAcceptedAddressesOnTCPPorts() ([]driver.AddrPort, error) {
	reply, err := c.call("list", "accepts")
	if err != nil {
		return nil, err
	}
	reply = strings.TrimSpace(strings.TrimPrefix(reply, "list"))
	if reply == "" {
		return nil, nil
	}
	var pairs []driver.AddrPort
	for _, tok := range strings.Split(reply, ";") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		idx := strings.LastIndex(tok, ":")
		if idx < 0 {
			continue
		}
		port, err := strconv.Atoi(tok[idx+1:])
		if err != nil {
			return nil, fmt.Errorf("ctlclient: unexpected accept list reply %q: %w", reply, err)
		}
		pairs = append(pairs, driver.AddrPort{Addr: tok[:idx], Port: port})
	}
	return pairs, nil
}

// Block asks the server to drop port.
func (c *Client) Block(port int) (bool, error) {
	reply, err := c.call("block", strconv.Itoa(port))
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(reply) == "block: true", nil
}

// Unblock asks the server to stop dropping port.
func (c *Client) Unblock(port int) (bool, error) {
	reply, err := c.call("unblock", strconv.Itoa(port))
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(reply) == "unblock: true", nil
}

// Accept asks the server to allow addr on port. addr may be "." to mean
// the operator's own connecting address.
func (c *Client) Accept(addr string, port int) (bool, error) {
	reply, err := c.call("accept", fmt.Sprintf("%s %d", addr, port))
	if err != nil {
		return false, err
	}
	return strings.HasPrefix(strings.TrimSpace(reply), "accepted: true"), nil
}

// Unaccept removes addr's accept exception. With port nil it removes every
// port addr was accepted on.
func (c *Client) Unaccept(addr string, port *int) (bool, error) {
	args := addr
	if port != nil {
		args = fmt.Sprintf("%s %d", addr, *port)
	}
	reply, err := c.call("unaccept", args)
	if err != nil {
		return false, err
	}
	return strings.HasPrefix(strings.TrimSpace(reply), "unaccepted: true"), nil
}
