package p2p

import (
	"bufio"
	"bytes"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/pooledbismuth/bismuth-pool/internal/types"
)

// maxBootstrapPeers caps the bootstrap set so gossip cannot grow it without
// bound.
const maxBootstrapPeers = 1000

var gossipAddr = regexp.MustCompile(`'([\d.]+)', '(\d+)'`)

// ParseGossip extracts ('ip', 'port') pairs from a peers message. At most
// maxGossipPeers addresses are returned.
func ParseGossip(text string) []types.NetAddr {
	var out []types.NetAddr
	for _, m := range gossipAddr.FindAllStringSubmatch(text, -1) {
		port, err := strconv.Atoi(m[2])
		if err != nil || port <= 0 || port > 65535 {
			continue
		}
		out = append(out, types.NetAddr{Host: m[1], Port: port})
		if len(out) == maxGossipPeers {
			break
		}
	}
	return out
}

// Bootstrap is the set of node addresses the pool cycles through when
// looking for peers. It is safe for concurrent use.
type Bootstrap struct {
	mu    sync.Mutex
	addrs []types.NetAddr
	seen  map[types.NetAddr]struct{}
}

// NewBootstrap creates a set holding initial.
func NewBootstrap(initial []types.NetAddr) *Bootstrap {
	b := &Bootstrap{seen: make(map[types.NetAddr]struct{})}
	b.Merge(initial)
	return b
}

// Merge adds addrs not already present and returns how many were new.
func (b *Bootstrap) Merge(addrs []types.NetAddr) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	added := 0
	for _, a := range addrs {
		if _, ok := b.seen[a]; ok {
			continue
		}
		if len(b.addrs) >= maxBootstrapPeers {
			break
		}
		b.seen[a] = struct{}{}
		b.addrs = append(b.addrs, a)
		added++
	}
	return added
}

// Sample returns up to n addresses in random order.
func (b *Bootstrap) Sample(n int, rng *rand.Rand) []types.NetAddr {
	b.mu.Lock()
	out := make([]types.NetAddr, len(b.addrs))
	copy(out, b.addrs)
	b.mu.Unlock()

	rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// All returns every address, sorted.
func (b *Bootstrap) All() []types.NetAddr {
	b.mu.Lock()
	out := make([]types.NetAddr, len(b.addrs))
	copy(out, b.addrs)
	b.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

func (b *Bootstrap) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.addrs)
}

// LoadPeers reads a peers file: one ('ip', 'port') literal per line. A
// missing file yields an empty list.
func LoadPeers(path string) ([]types.NetAddr, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var addrs []types.NetAddr
	sc := bufio.NewScanner(bytes.NewReader(data))
	for line := 1; sc.Scan(); line++ {
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		addr, err := types.NetAddrFromLiteral(text)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		addrs = append(addrs, addr)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return addrs, nil
}

// SavePeers writes addrs in peers file format, replacing path atomically.
func SavePeers(path string, addrs []types.NetAddr) error {
	var buf bytes.Buffer
	for _, a := range addrs {
		buf.WriteString(a.Literal())
		buf.WriteByte('\n')
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".peers-*")
	if err != nil {
		return fmt.Errorf("write peers: %w", err)
	}
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write peers: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write peers: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write peers: %w", err)
	}
	return nil
}
