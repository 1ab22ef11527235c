package session

import "encoding/base64"

// mustDecode panics on malformed constants; these are compiled in, so a
// panic here means the binary itself is broken, not user input.
func mustDecode(b64 string) []byte {
	b, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		panic("session: invalid embedded constant: " + err.Error())
	}
	return b
}

var (
	// IVA and IVB are the two hard-coded 16-byte IVs both peers must carry
	// bit-for-bit. IVA also seeds the static-layer key derivation.
	IVA = mustDecode("HqgZTw7dj1w1lT2t/6qK9Q==")
	IVB = mustDecode("EII5Psj91EB0drW5C/Xpxg==")

	// sessionWrapSaltIV is the PBKDF2 salt used to derive the day-scoped IV
	// for wrapping the exchange key and session key during key exchange.
	sessionWrapSaltIV = mustDecode("2aYrIaRnlZZCSbxDtXlG/g==")
)

const (
	// sessionWrapIterations and sessionWrapKeyLen parametrize the PBKDF2
	// call that derives the key-exchange wrap IV.
	sessionWrapIterations = 10_000
	sessionWrapKeyLen     = 16

	// staticKeyIterations derives the static AES key from the access key.
	staticKeyIterations = 100_000
)
