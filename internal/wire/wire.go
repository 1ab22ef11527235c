package wire

import (
	"bytes"
	"errors"
	"strings"
)

const (
	// MaxBufferSize is the hard cap on an unparsed accumulation buffer. A
	// connection that exceeds it before producing a complete record is
	// closed without further parsing.
	MaxBufferSize = 1024

	// minBufferSize is the shortest prefix worth even attempting to parse;
	// below it we always wait for more bytes.
	minBufferSize = 4

	// SecureCmd is the CMD token that marks a line as a chained-cipher
	// ciphertext envelope; its ARGS carry the base64 payload. It parses
	// through the ordinary CMD/ARGS grammar like any other record.
	SecureCmd = "_:"

	skipBytes = "\n\r "
)

// ErrBufferOverflow is returned once the accumulation buffer exceeds
// MaxBufferSize without yielding a complete record.
var ErrBufferOverflow = errors.New("wire: accumulation buffer overflow")

// ErrMalformedRecord is returned for any line that violates the framing
// grammar: a missing separator, a stray line feed, or a degenerate command.
var ErrMalformedRecord = errors.New("wire: malformed record")

// Record is one parsed CMD/ARGS line.
type Record struct {
	Cmd  string
	Args string
}

// Accumulator buffers bytes read off a connection and yields complete
// records as they become available. It holds no knowledge of encryption —
// callers detect and strip the secure envelope themselves once a Record
// comes back.
type Accumulator struct {
	buf []byte
}

// NewAccumulator returns an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

// Feed appends newly read bytes. It returns ErrBufferOverflow immediately
// if the buffer would exceed MaxBufferSize; callers must close the
// connection on that error without attempting to parse further.
func (a *Accumulator) Feed(data []byte) error {
	if len(a.buf)+len(data) > MaxBufferSize {
		a.buf = append(a.buf, data...)
		return ErrBufferOverflow
	}
	a.buf = append(a.buf, data...)
	return nil
}

// Len reports the number of unparsed bytes currently buffered.
func (a *Accumulator) Len() int {
	return len(a.buf)
}

// Next attempts to parse one record from the front of the buffer. It
// returns (record, true, nil) on success, (zero, false, nil) if more bytes
// are needed, or (zero, false, err) on a framing violation — the caller
// must close the connection in that case.
func (a *Accumulator) Next() (Record, bool, error) {
	if len(a.buf) < minBufferSize {
		return Record{}, false, nil
	}

	lfIdx := bytes.IndexByte(a.buf, '\n')
	spaceIdx := bytes.IndexByte(a.buf, ' ')

	if spaceIdx == -1 && lfIdx != -1 {
		return Record{}, false, ErrMalformedRecord
	}
	if spaceIdx != -1 && spaceIdx <= 1 {
		return Record{}, false, ErrMalformedRecord
	}
	if lfIdx == -1 {
		return Record{}, false, nil
	}
	if lfIdx < spaceIdx {
		return Record{}, false, ErrMalformedRecord
	}

	cmd := strings.TrimSpace(string(a.buf[:spaceIdx]))
	args := strings.TrimSpace(string(a.buf[spaceIdx+1 : lfIdx]))

	consumed := lfIdx + 1
	for consumed < len(a.buf) && strings.ContainsRune(skipBytes, rune(a.buf[consumed])) {
		consumed++
	}
	a.buf = a.buf[consumed:]

	return Record{Cmd: cmd, Args: args}, true, nil
}

// EncodeRecord renders CMD/ARGS as a wire line, ready to write to the
// socket.
func EncodeRecord(cmd, args string) []byte {
	return []byte(cmd + " " + args + "\n")
}

// EncodeSecure wraps a base64-encoded ciphertext in the secure envelope and
// frames it as a line. Used for ordinary chained-cipher traffic, where the
// ciphertext is already base64 text.
func EncodeSecure(base64Ciphertext string) []byte {
	return EncodeRecord(SecureCmd, base64Ciphertext)
}

// EncodeSecureRaw frames raw ciphertext octets as a secure envelope,
// reinterpreting each byte as one Latin-1 character rather than
// base64-encoding it. This is the encoding of the server's key-exchange
// reply only; the client's key-exchange request and ordinary chained-cipher
// messages use the base64 form.
func EncodeSecureRaw(raw []byte) []byte {
	return EncodeRecord(SecureCmd, string(raw))
}

// IsSecureEnvelope reports whether a parsed record is a secure envelope
// rather than a plaintext operational command.
func IsSecureEnvelope(rec Record) bool {
	return rec.Cmd == SecureCmd
}
