package types

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/pooledbismuth/bismuth-pool/internal/literal"
)

// NetAddr identifies a peer or miner endpoint.
type NetAddr struct {
	Host string
	Port int
}

// ParseNetAddr parses "host:port".
func ParseNetAddr(s string) (NetAddr, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return NetAddr{}, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return NetAddr{}, fmt.Errorf("invalid port %q", portStr)
	}
	return NetAddr{Host: host, Port: port}, nil
}

// NetAddrFromLiteral parses a ('host', 'port') tuple as found in the peers
// file and in peer gossip.
func NetAddrFromLiteral(s string) (NetAddr, error) {
	v, err := literal.Parse(s)
	if err != nil {
		return NetAddr{}, err
	}
	if !v.IsSequence() || len(v.Items) != 2 {
		return NetAddr{}, fmt.Errorf("address literal %q is not a pair", s)
	}
	host, ok := v.Items[0].Text()
	if !ok || host == "" {
		return NetAddr{}, fmt.Errorf("address literal %q has no host", s)
	}
	portStr, ok := v.Items[1].Text()
	if !ok {
		return NetAddr{}, fmt.Errorf("address literal %q has no port", s)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return NetAddr{}, fmt.Errorf("address literal %q has invalid port", s)
	}
	return NetAddr{Host: host, Port: port}, nil
}

// IP is the abuse-tracking key for this address.
func (a NetAddr) IP() string { return a.Host }

func (a NetAddr) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// Literal renders the address as ('host', 'port').
func (a NetAddr) Literal() string {
	return literal.Tuple(a.Host, strconv.Itoa(a.Port))
}

// Transaction is one transaction inside a live block. Only the fields the
// pool needs are decoded; Raw keeps the exact text the peer sent.
type Transaction struct {
	Timestamp float64
	Raw       string
}

// Block is one chain block as seen by a peer. Transactions is nil for
// placeholder blocks derived from consensus history.
type Block struct {
	Height       int64
	Hash         string
	Transactions []Transaction
	Timestamp    float64
}

// Placeholder reports whether the block came from history rather than
// live sync.
func (b Block) Placeholder() bool { return b.Transactions == nil }

// ConsensusRecord is a chain tip considered authoritative.
type ConsensusRecord struct {
	Height int64   `cbor:"1,keyasint" json:"height"`
	Hash   string  `cbor:"2,keyasint" json:"hash"`
	Stamp  float64 `cbor:"3,keyasint" json:"stamp"`
}

// IsZero reports whether r is unset.
func (r ConsensusRecord) IsZero() bool { return r.Hash == "" }

func (r ConsensusRecord) String() string {
	return fmt.Sprintf("Consensus{height=%d, hash=%s, stamp=%.2f}", r.Height, shortHash(r.Hash), r.Stamp)
}

// Block returns r as a placeholder block.
func (r ConsensusRecord) Block() Block {
	return Block{Height: r.Height, Hash: r.Hash, Timestamp: r.Stamp}
}

// MiningResult is a submitted proof candidate.
type MiningResult struct {
	Difficulty int    `cbor:"1,keyasint" json:"difficulty"`
	Address    string `cbor:"2,keyasint" json:"address"` // address the proof was computed over
	Block      string `cbor:"3,keyasint" json:"block"`
	Nonce      string `cbor:"4,keyasint" json:"nonce"`
}

func (r MiningResult) String() string {
	return fmt.Sprintf("Result{diff=%d, block=%s, nonce=%q}", r.Difficulty, shortHash(r.Block), r.Nonce)
}

// Unix converts t to fractional Unix seconds, the unit used on the wire.
func Unix(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func shortHash(h string) string {
	if len(h) > 10 {
		return h[:10]
	}
	return h
}
