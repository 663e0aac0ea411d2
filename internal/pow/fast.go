package pow

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"sync"
)

// Fast avoids string building by expanding through a per-byte lookup table
// into pooled buffers, and binary-searches the prefix length.
type Fast struct {
	table [256][]byte
	bufs  sync.Pool
}

// NewFast builds the lookup table.
func NewFast() *Fast {
	f := &Fast{}
	for i := range f.table {
		f.table[i] = []byte(strconv.FormatUint(uint64(i), 2))
	}
	f.bufs.New = func() interface{} {
		b := make([]byte, 0, 512)
		return &b
	}
	return f
}

func (f *Fast) expand(dst []byte, s []byte) []byte {
	for _, c := range s {
		dst = append(dst, f.table[c]...)
	}
	return dst
}

// haystack expands the hex digest into a pooled buffer. The caller must
// return the buffer with f.bufs.Put.
func (f *Fast) haystack(address, nonce, blockHash string) ([]byte, *[]byte) {
	sum := sha256.Sum224([]byte(address + nonce + blockHash))
	var digest [sha256.Size224 * 2]byte
	hex.Encode(digest[:], sum[:])

	bp := f.bufs.Get().(*[]byte)
	*bp = f.expand((*bp)[:0], digest[:])
	return *bp, bp
}

// Verify implements Verifier.
func (f *Fast) Verify(address, nonce, blockHash string, difficulty int) bool {
	if difficulty < 1 {
		return false
	}
	needle := f.expand(nil, []byte(blockHash))
	if difficulty > len(needle) {
		difficulty = len(needle)
	}
	hay, bp := f.haystack(address, nonce, blockHash)
	defer f.bufs.Put(bp)
	return bytes.Contains(hay, needle[:difficulty])
}

// Difficulty implements Verifier.
func (f *Fast) Difficulty(address, nonce, blockHash string) int {
	needle := f.expand(nil, []byte(blockHash))
	hay, bp := f.haystack(address, nonce, blockHash)
	defer f.bufs.Put(bp)

	// Prefix presence is monotone in length, so search for the boundary.
	lo, hi := 0, len(needle)-1
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if bytes.Contains(hay, needle[:mid]) {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return lo
}
