package session

import (
	"sync"

	"github.com/gatekeeper-io/gatekeeper/internal/gkcrypto"
)

// ChainedCipher is the per-connection layer used for every message after key
// exchange. Its IV never travels on the wire: both peers advance the same
// deterministic SaltState in lockstep, one salt per message, so the salt
// itself does the job an explicit nonce would otherwise do.
type ChainedCipher struct {
	mu         sync.Mutex
	sessionKey []byte
	state      SaltState
}

// NewChainedCipher builds a ChainedCipher from a negotiated session key and
// the seed pair (listener port, UTC-midnight millis) both peers agreed on
// during key exchange.
func NewChainedCipher(sessionKey []byte, seed1 int, seed2 int64) *ChainedCipher {
	return &ChainedCipher{
		sessionKey: sessionKey,
		state:      NewSaltState(seed1, seed2),
	}
}

// EncryptMessage advances the salt chain and AES-CBC-encrypts msg under the
// session key with the newly derived salt as IV.
func (c *ChainedCipher) EncryptMessage(msg string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	next, salt := NextSalt(c.state)
	ct, err := gkcrypto.EncryptText(c.sessionKey, salt, msg)
	if err != nil {
		return "", err
	}
	c.state = next
	return ct, nil
}

// DecryptMessage advances the salt chain and decrypts enc with the newly
// derived salt. Caller and peer must call Encrypt/Decrypt the same number of
// times in the same order — the chain has no way to skip ahead or recover
// from a dropped message.
func (c *ChainedCipher) DecryptMessage(enc string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	next, salt := NextSalt(c.state)
	pt, err := gkcrypto.DecryptText(c.sessionKey, salt, enc)
	if err != nil {
		return "", err
	}
	c.state = next
	return pt, nil
}

// Index reports the index of the most recently produced salt (0 both before
// and after the first one), mostly useful in tests that assert two
// independently seeded ciphers stay in lockstep.
func (c *ChainedCipher) Index() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Index
}

// SessionKeyBytes exposes the raw session key. Used only to bind the login
// digest to the negotiated session; nothing else outside this package
// should need the key material directly.
func (c *ChainedCipher) SessionKeyBytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionKey
}
