package session

import (
	"crypto/sha256"
	"fmt"
	"strconv"
	"strings"

	"github.com/gatekeeper-io/gatekeeper/internal/gkcrypto"
)

// SaltState is the pure, immutable state of a chained-salt sequence. Two
// peers that start from an identical SaltState{Seed1, Seed2} and apply
// NextSalt in lockstep produce bit-identical salts forever, which is what
// lets the chained cipher advance its IV without ever putting one on the
// wire. Keeping this as a value (rather than folding it into the cipher
// object) makes the sequence itself directly comparable in tests.
type SaltState struct {
	Seed1 int    // the TCP port both peers agree the server listens on
	Seed2 int64  // UTC-midnight timestamp in milliseconds, shared clock day
	Index int    // 0 on the first salt, incremented before every later one
	Salt  []byte // the most recently produced salt, nil before the first call
	First bool   // true until the first salt has been produced
}

// NewSaltState returns the zero-index starting state for a seed pair.
func NewSaltState(seed1 int, seed2 int64) SaltState {
	return SaltState{Seed1: seed1, Seed2: seed2, Index: 0, First: true}
}

// csv renders bytes as unsigned decimals joined by commas, matching the
// exact textual form both peers must hash identically.
func csv(b []byte) string {
	parts := make([]string, len(b))
	for i, v := range b {
		parts[i] = strconv.Itoa(int(v))
	}
	return strings.Join(parts, ",")
}

// mixIV computes the IV mix for a chained-salt round. On the first round it
// is a plain XOR of the two fixed IVs; afterward each byte is scaled by the
// previous salt byte (mod 256) before XOR-ing, so every subsequent mix
// depends on the whole prior salt.
func mixIV(first bool, prevSalt []byte) []byte {
	mix := make([]byte, len(IVA))
	if first {
		for i := range mix {
			mix[i] = IVA[i] ^ IVB[i]
		}
		return mix
	}
	for i := range mix {
		a := byte((int(prevSalt[i]) * int(IVA[i])) % 256)
		b := byte((int(prevSalt[i]) * int(IVB[i])) % 256)
		mix[i] = a ^ b
	}
	return mix
}

// NextSalt derives the next 16-byte salt from state and returns the new
// state alongside it. It is a pure function: calling it twice on the same
// input state always yields the same output, which is what makes the
// sequence property-testable side by side against an independent
// implementation.
func NextSalt(state SaltState) (SaltState, []byte) {
	next := state
	if !state.First {
		next.Index++
	}

	ivMix := mixIV(state.First, state.Salt)

	var password string
	if state.First {
		password = fmt.Sprintf("%d:%d:%d\n%s\n%s", next.Seed1, next.Seed2, next.Index, csv(IVA), csv(IVB))
	} else {
		password = fmt.Sprintf("%d:%d:%d\n%s\n%s\n%s", next.Seed1, next.Seed2, next.Index, csv(IVA), csv(IVB), csv(ivMix))
	}

	digest := sha256.Sum256([]byte(password))

	iterations := 1000 + next.Index
	salt := gkcrypto.DeriveKey(digest[:], ivMix, iterations, 16)

	next.Salt = salt
	next.First = false
	return next, salt
}
