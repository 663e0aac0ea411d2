package ledger

import (
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/pooledbismuth/bismuth-pool/internal/types"
)

func openTestStore(t *testing.T, path string) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(path, zap.NewNop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return s
}

func TestBoltStore_RecentOrder(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "ledger.db"))
	defer s.Close()

	// Insert out of order; the cursor must still yield chain order.
	for _, h := range []int64{105941, 105939, 105940, 105942} {
		rec := types.ConsensusRecord{Height: h, Hash: "h", Stamp: float64(h)}
		if err := s.PutConsensus(rec); err != nil {
			t.Fatalf("put %d: %v", h, err)
		}
	}

	got, err := s.Recent(3)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	want := []int64{105940, 105941, 105942}
	for i, rec := range got {
		if rec.Height != want[i] {
			t.Errorf("got[%d].Height = %d, want %d", i, rec.Height, want[i])
		}
	}

	all, _ := s.Recent(RecentBlocks)
	if len(all) != 4 {
		t.Errorf("Recent(%d) len = %d, want 4", RecentBlocks, len(all))
	}
	if none, _ := s.Recent(0); none != nil {
		t.Error("Recent(0) should be empty")
	}
}

func TestBoltStore_ReplaceAtHeight(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "ledger.db"))
	defer s.Close()

	s.PutConsensus(types.ConsensusRecord{Height: 10, Hash: "old", Stamp: 1})
	s.PutConsensus(types.ConsensusRecord{Height: 10, Hash: "new", Stamp: 2})

	got, err := s.Recent(5)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 1 || got[0].Hash != "new" {
		t.Errorf("got %v, want single record with hash new", got)
	}
}

func TestBoltStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")

	s := openTestStore(t, path)
	rec := types.ConsensusRecord{Height: 42, Hash: "abc", Stamp: 1495404043.8}
	res := types.MiningResult{Difficulty: 61, Address: "addr", Block: "abc", Nonce: "n1"}
	if err := s.PutConsensus(rec); err != nil {
		t.Fatal(err)
	}
	if err := s.PutBest(res); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s = openTestStore(t, path)
	defer s.Close()

	got, err := s.Recent(1)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != rec {
		t.Errorf("recent = %v, want [%v]", got, rec)
	}

	best, ok, err := s.Best("abc")
	if err != nil || !ok {
		t.Fatalf("best: ok=%v err=%v", ok, err)
	}
	if best != res {
		t.Errorf("best = %v, want %v", best, res)
	}
	if _, ok, _ := s.Best("missing"); ok {
		t.Error("found best for unknown hash")
	}
}
