package session

import (
	"fmt"

	"github.com/gatekeeper-io/gatekeeper/internal/gkcrypto"
)

// StaticCipher is the fixed layer of a connection's session cipher. It is
// keyed from the operator's access key alone, so both peers can derive it
// before any handshake traffic has flowed, and it is used only to move the
// ExchangeKey and SessionKey across the wire during key exchange — nothing
// else is ever encrypted under it.
type StaticCipher struct {
	key []byte // PBKDF2(accessKey, IVA, staticKeyIterations, KeyLen)
}

// NewStaticCipher derives the static AES key from accessKey.
func NewStaticCipher(accessKey []byte) *StaticCipher {
	key := gkcrypto.DeriveKey(accessKey, IVA, staticKeyIterations, gkcrypto.KeyLen)
	return &StaticCipher{key: key}
}

// wrapIV derives the day-scoped IV used to wrap keys during exchange. Both
// peers compute it independently from their own clocks; see the clock-skew
// caveat recorded in DESIGN.md and internal/clock.
func wrapIV(utcMidnightMillis int64) []byte {
	password := fmt.Sprintf("session.salt:%d", utcMidnightMillis)
	return gkcrypto.DeriveKey([]byte(password), sessionWrapSaltIV, sessionWrapIterations, sessionWrapKeyLen)
}

// WrapExchangeKey encrypts the client's freshly generated ExchangeKey under
// the static key and the day-scoped wrap IV, for transmission in the
// client's initial key-exchange message.
func (s *StaticCipher) WrapExchangeKey(exchangeKey []byte, utcMidnightMillis int64) ([]byte, error) {
	return gkcrypto.EncryptBytes(s.key, wrapIV(utcMidnightMillis), exchangeKey)
}

// UnwrapExchangeKey is the server-side inverse of WrapExchangeKey.
func (s *StaticCipher) UnwrapExchangeKey(wrapped []byte, utcMidnightMillis int64) ([]byte, error) {
	return gkcrypto.DecryptBytes(s.key, wrapIV(utcMidnightMillis), wrapped)
}

// WrapSessionKey double-wraps the server's freshly generated SessionKey: an
// inner encryption under the static key, then an outer encryption under the
// client's ExchangeKey, both with the same day-scoped IV. The client must
// already know both keys to recover it, but an eavesdropper who only sees
// the wire knows neither.
func (s *StaticCipher) WrapSessionKey(sessionKey, exchangeKey []byte, utcMidnightMillis int64) ([]byte, error) {
	iv := wrapIV(utcMidnightMillis)
	inner, err := gkcrypto.EncryptBytes(s.key, iv, sessionKey)
	if err != nil {
		return nil, err
	}
	return gkcrypto.EncryptBytes(exchangeKey, iv, inner)
}

// UnwrapSessionKey is the client-side inverse of WrapSessionKey.
func (s *StaticCipher) UnwrapSessionKey(wrapped, exchangeKey []byte, utcMidnightMillis int64) ([]byte, error) {
	iv := wrapIV(utcMidnightMillis)
	inner, err := gkcrypto.DecryptBytes(exchangeKey, iv, wrapped)
	if err != nil {
		return nil, err
	}
	return gkcrypto.DecryptBytes(s.key, iv, inner)
}
