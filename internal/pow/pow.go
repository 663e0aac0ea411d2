// Package pow implements the Bismuth proof-of-work check.
//
// A proof is an (address, nonce, blockHash) triple. Its difficulty is the
// length of the longest prefix of the bit-expanded block hash that occurs
// anywhere in the bit-expanded SHA-224 hex digest of address+nonce+blockHash.
//
// The bit expansion writes every byte as its binary representation WITHOUT
// leading zeros, so byte widths vary. Live nodes validate blocks with this
// exact encoding; do not switch it to fixed-width bits.
package pow

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// Verifier checks and measures proofs. Implementations must agree on every
// input.
type Verifier interface {
	// Verify reports whether the proof reaches the given difficulty.
	Verify(address, nonce, blockHash string, difficulty int) bool
	// Difficulty returns the highest difficulty the proof reaches.
	Difficulty(address, nonce, blockHash string) int
}

// New returns the accelerated verifier when fast is set, the reference
// verifier otherwise.
func New(fast bool) Verifier {
	if fast {
		return NewFast()
	}
	return Reference{}
}

// BitExpand concatenates the unpadded binary form of each byte of s.
func BitExpand(s string) string {
	var sb strings.Builder
	sb.Grow(len(s) * 7)
	for i := 0; i < len(s); i++ {
		sb.WriteString(strconv.FormatUint(uint64(s[i]), 2))
	}
	return sb.String()
}

// Digest returns the hex SHA-224 of address+nonce+blockHash.
func Digest(address, nonce, blockHash string) string {
	sum := sha256.Sum224([]byte(address + nonce + blockHash))
	return hex.EncodeToString(sum[:])
}

// Reference is the straightforward string implementation.
type Reference struct{}

// Verify implements Verifier.
func (Reference) Verify(address, nonce, blockHash string, difficulty int) bool {
	if difficulty < 1 {
		return false
	}
	needle := BitExpand(blockHash)
	if difficulty > len(needle) {
		difficulty = len(needle)
	}
	haystack := BitExpand(Digest(address, nonce, blockHash))
	return strings.Contains(haystack, needle[:difficulty])
}

// Difficulty implements Verifier. It returns the largest N in
// [1, len(needle)-1] whose prefix occurs in the haystack, or 0.
func (Reference) Difficulty(address, nonce, blockHash string) int {
	needle := BitExpand(blockHash)
	haystack := BitExpand(Digest(address, nonce, blockHash))
	best := 0
	for n := 1; n < len(needle); n++ {
		// A prefix that does not occur cannot have a longer prefix that does.
		if !strings.Contains(haystack, needle[:n]) {
			break
		}
		best = n
	}
	return best
}
