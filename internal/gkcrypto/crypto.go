// Package gkcrypto implements the gatekeeper's symmetric primitives: PBKDF2
// key derivation, AES-256-CBC encryption with PKCS#7 padding, access-key
// hashing, and a cryptographic random source. Nothing here talks to the
// network or knows about the wire protocol; internal/session builds the
// per-connection cipher on top of it.
package gkcrypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeyLen is the AES-256 key length in bytes.
	KeyLen = 32

	// DefaultIterations is the PBKDF2 iteration count used to derive the
	// static AES key from the operator's access key.
	DefaultIterations = 100_000

	// AccessKeyLabel is prefixed to the access key before hashing, so a
	// leaked access-key hash from another protocol cannot be replayed here.
	AccessKeyLabel = "GateKeeper.accessKey:"

	// emptyPlaintextSentinel replaces an empty plaintext on the wire; AES-CBC
	// with PKCS#7 padding round-trips an empty message fine on its own, but
	// the sentinel keeps a zero-length ciphertext from looking like framing
	// noise to a naive line reader on the peer.
	emptyPlaintextSentinel = "\r\n"
)

// ErrDecryptFailed is returned for any cipher, padding, or key-derivation
// failure. Callers must never distinguish the cause on the wire — an
// attacker probing for padding-oracle style feedback gets exactly this one
// answer regardless of which step failed.
var ErrDecryptFailed = fmt.Errorf("gkcrypto: decryption failed")

// DeriveKey runs PBKDF2-HMAC-SHA256 over password/salt for the given
// iteration count and returns a keyLen-byte key.
func DeriveKey(password, salt []byte, iterations, keyLen int) []byte {
	return pbkdf2.Key(password, salt, iterations, keyLen, sha256.New)
}

// HashAccessKey computes the two-round SHA-512 digest used as the login
// proof. With sessionKey nil it returns SHA-512(SHA-512(label || accessKey)).
// With a non-nil sessionKey it returns SHA-512(previousDigest || sessionKey),
// binding the login proof to the negotiated session so a captured proof from
// one connection cannot be replayed on another.
func HashAccessKey(accessKey []byte, sessionKey []byte) [64]byte {
	first := sha512.Sum512(append([]byte(AccessKeyLabel), accessKey...))
	second := sha512.Sum512(first[:])
	if sessionKey == nil {
		return second
	}
	return sha512.Sum512(append(second[:], sessionKey...))
}

// pad applies PKCS#7 padding for the given AES block size.
func pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padding := bytes.Repeat([]byte{byte(padLen)}, padLen)
	return append(data, padding...)
}

// unpad strips and validates PKCS#7 padding.
func unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, ErrDecryptFailed
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockSize || padLen > len(data) {
		return nil, ErrDecryptFailed
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, ErrDecryptFailed
		}
	}
	return data[:len(data)-padLen], nil
}

// EncryptBytes AES-CBC-encrypts raw octets under key/iv with PKCS#7 padding.
// Used to wrap the exchange key and the session key during key exchange.
func EncryptBytes(key, iv, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	if len(iv) != block.BlockSize() {
		return nil, ErrDecryptFailed
	}
	padded := pad(plaintext, block.BlockSize())
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out, nil
}

// DecryptBytes is the inverse of EncryptBytes.
func DecryptBytes(key, iv, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	if len(iv) != block.BlockSize() || len(ciphertext) == 0 || len(ciphertext)%block.BlockSize() != 0 {
		return nil, ErrDecryptFailed
	}
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ciphertext)
	return unpad(out, block.BlockSize())
}

// EncryptText AES-CBC-encrypts a UTF-safe (Latin-1) message and returns
// base64. An empty message is replaced by the sentinel before encryption so
// it survives framing.
func EncryptText(key, iv []byte, msg string) (string, error) {
	if msg == "" {
		msg = emptyPlaintextSentinel
	}
	ct, err := EncryptBytes(key, iv, []byte(msg))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ct), nil
}

// DecryptText is the inverse of EncryptText; the sentinel is restored to "".
func DecryptText(key, iv []byte, encoded string) (string, error) {
	ct, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", ErrDecryptFailed
	}
	pt, err := DecryptBytes(key, iv, ct)
	if err != nil {
		return "", err
	}
	if string(pt) == emptyPlaintextSentinel {
		return "", nil
	}
	return string(pt), nil
}

// RandomBytes returns n cryptographically random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("gkcrypto: random source failed: %w", err)
	}
	return b, nil
}

// RandomAESKey returns exactly KeyLen random bytes when slackLen <= 0, or
// KeyLen plus a uniform[0, slackLen) number of extra bytes otherwise. Callers
// that request slack must truncate the result to KeyLen themselves after any
// round trip — the slack exists only to vary the ciphertext length of a
// wrapped key on the wire.
func RandomAESKey(slackLen int) ([]byte, error) {
	extra := 0
	if slackLen > 0 {
		n, err := RandomBytes(1)
		if err != nil {
			return nil, err
		}
		extra = int(n[0]) % slackLen
	}
	return RandomBytes(KeyLen + extra)
}
