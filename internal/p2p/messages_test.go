package p2p

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pooledbismuth/bismuth-pool/internal/types"
)

func TestParseCommand(t *testing.T) {
	for name, want := range map[string]Command{
		"sync":      CmdSync,
		"blocksfnd": CmdBlocksFnd,
		"blocknf":   CmdBlockNF,
		"peers":     CmdPeers,
		"nonewblk":  CmdNoNewBlk,
		"sendsync":  CmdSendSync,
	} {
		got, ok := ParseCommand(name)
		if !ok || got != want {
			t.Errorf("ParseCommand(%q) = %v, %v", name, got, ok)
		}
		if got.String() != name {
			t.Errorf("%v.String() = %q, want %q", got, got.String(), name)
		}
	}

	for _, name := range []string{"", "block", "SYNC", "miner_fetch"} {
		if _, ok := ParseCommand(name); ok {
			t.Errorf("ParseCommand(%q) accepted", name)
		}
	}
}

func TestParseGossip(t *testing.T) {
	text := "[('127.0.0.1', '5658'), ('66.70.181.150', '2829'), ('bad.host', 'x')]"
	got := ParseGossip(text)
	if len(got) != 2 {
		t.Fatalf("got %d addrs, want 2: %v", len(got), got)
	}
	if got[1] != (types.NetAddr{Host: "66.70.181.150", Port: 2829}) {
		t.Errorf("addr[1] = %v", got[1])
	}

	var many []string
	for i := 0; i < 25; i++ {
		many = append(many, fmt.Sprintf("('10.0.0.%d', '5658')", i))
	}
	if n := len(ParseGossip(strings.Join(many, "\n"))); n != maxGossipPeers {
		t.Errorf("gossip yielded %d addrs, want cap %d", n, maxGossipPeers)
	}
}

func TestPeersFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peers.txt")
	addrs := []types.NetAddr{
		{Host: "127.0.0.1", Port: 5658},
		{Host: "66.70.181.150", Port: 2829},
	}
	if err := SavePeers(path, addrs); err != nil {
		t.Fatalf("save: %v", err)
	}

	data, _ := os.ReadFile(path)
	if !strings.HasPrefix(string(data), "('127.0.0.1', '5658')\n") {
		t.Errorf("unexpected file format: %q", data)
	}

	got, err := LoadPeers(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 2 || got[0] != addrs[0] || got[1] != addrs[1] {
		t.Errorf("got %v, want %v", got, addrs)
	}
}

func TestLoadPeers_MissingAndCorrupt(t *testing.T) {
	dir := t.TempDir()
	got, err := LoadPeers(filepath.Join(dir, "missing"))
	if err != nil || got != nil {
		t.Errorf("missing file: got %v, %v", got, err)
	}

	bad := filepath.Join(dir, "bad")
	os.WriteFile(bad, []byte("('1.2.3.4', '5658')\nnot a tuple\n"), 0644)
	if _, err := LoadPeers(bad); err == nil {
		t.Error("expected error for corrupt line")
	}
}

func TestBootstrap(t *testing.T) {
	a := types.NetAddr{Host: "10.0.0.1", Port: 5658}
	b := types.NetAddr{Host: "10.0.0.2", Port: 5658}
	c := types.NetAddr{Host: "10.0.0.3", Port: 5658}

	boot := NewBootstrap([]types.NetAddr{a, b})
	if n := boot.Merge([]types.NetAddr{b, c}); n != 1 {
		t.Errorf("Merge added %d, want 1", n)
	}
	if boot.Len() != 3 {
		t.Errorf("Len = %d, want 3", boot.Len())
	}

	rng := rand.New(rand.NewSource(1))
	sample := boot.Sample(2, rng)
	if len(sample) != 2 {
		t.Errorf("sample len = %d, want 2", len(sample))
	}
	if len(boot.Sample(10, rng)) != 3 {
		t.Error("sample larger than set should return all")
	}

	all := boot.All()
	if all[0] != a || all[2] != c {
		t.Errorf("All not sorted: %v", all)
	}
}
