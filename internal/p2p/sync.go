package p2p

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/pooledbismuth/bismuth-pool/internal/literal"
	"github.com/pooledbismuth/bismuth-pool/internal/pow"
	"github.com/pooledbismuth/bismuth-pool/internal/types"
	"github.com/pooledbismuth/bismuth-pool/internal/wire"
)

// chainView is one session's picture of the chain: a bounded window of
// recent blocks, our tip, and the tip the remote node last reported.
type chainView struct {
	blocks []types.Block // oldest first

	height int64
	hash   string

	theirHeight int64
	theirHash   string
}

// newChainView seeds a view from consensus records, oldest first.
func newChainView(seed []types.ConsensusRecord) chainView {
	v := chainView{blocks: make([]types.Block, 0, len(seed))}
	for _, rec := range seed {
		v.blocks = append(v.blocks, rec.Block())
	}
	if n := len(v.blocks); n > 0 {
		v.height = v.blocks[n-1].Height
		v.hash = v.blocks[n-1].Hash
	}
	v.trim()
	return v
}

func (v *chainView) synced() bool {
	return len(v.blocks) > 0 && v.height == v.theirHeight && v.hash == v.theirHash
}

// reconcile handles a remote tip below ours with a different hash. It
// walks the window newest to oldest; on a match the newer blocks are
// dropped and the match becomes both tips. It reports whether a match
// was found.
func (v *chainView) reconcile(theirHash string) bool {
	for i := len(v.blocks) - 1; i >= 0; i-- {
		if v.blocks[i].Hash != theirHash {
			continue
		}
		v.blocks = v.blocks[:i+1]
		v.height = v.blocks[i].Height
		v.hash = theirHash
		v.theirHeight = v.height
		return true
	}
	return false
}

// extend applies a blocksfnd batch: a list of transaction lists, one per
// block. The batch is validated in full before anything changes. It
// reports whether our tip has reached the remote height.
func (v *chainView) extend(batch literal.Value) (bool, error) {
	if batch.Kind != literal.KindList {
		return false, wire.Violation("block batch is not a list")
	}

	parsed := make([][]types.Transaction, len(batch.Items))
	for i, txList := range batch.Items {
		if !txList.IsSequence() || len(txList.Items) == 0 {
			return false, wire.Violation("block %d has no transactions", i)
		}
		txs := make([]types.Transaction, len(txList.Items))
		for j, tx := range txList.Items {
			if !tx.IsSequence() || len(tx.Items) == 0 || tx.Items[0].Kind == literal.KindNone {
				return false, wire.Violation("block %d tx %d has no timestamp", i, j)
			}
			ts, err := tx.Items[0].Float()
			if err != nil {
				return false, wire.Violation("block %d tx %d: %v", i, j, err)
			}
			txs[j] = types.Transaction{Timestamp: ts, Raw: tx.Raw}
		}
		parsed[i] = txs
	}

	for i, txs := range parsed {
		v.hash = blockHash(literal.Repr(batch.Items[i]), v.hash)
		v.height++

		var stamp float64
		for _, tx := range txs {
			if tx.Timestamp > stamp {
				stamp = tx.Timestamp
			}
		}
		v.blocks = append(v.blocks, types.Block{
			Height:       v.height,
			Hash:         v.hash,
			Transactions: txs,
			Timestamp:    stamp,
		})
		if v.height == v.theirHeight {
			v.theirHash = v.hash
		}
	}
	v.trim()
	return v.height == v.theirHeight, nil
}

// drop removes a block the node says it no longer has. It reports whether
// the window is now empty.
func (v *chainView) drop(hash string) bool {
	kept := v.blocks[:0]
	for _, b := range v.blocks {
		if b.Hash != hash {
			kept = append(kept, b)
		}
	}
	v.blocks = kept
	if len(v.blocks) == 0 {
		return true
	}
	if hash == v.hash || hash == v.theirHash {
		tip := v.blocks[len(v.blocks)-1]
		v.height = tip.Height
		v.hash = tip.Hash
	}
	return false
}

func (v *chainView) trim() {
	if n := len(v.blocks); n > WindowSize {
		v.blocks = append([]types.Block(nil), v.blocks[n-WindowSize:]...)
	}
}

// difficulty estimates network difficulty from the window.
func (v *chainView) difficulty(now float64) (int, bool) {
	if len(v.blocks) == 0 {
		return 0, false
	}
	last := v.blocks[len(v.blocks)-1].Timestamp
	if last <= 0 {
		return 0, false
	}
	return pow.NetworkDifficulty(v.blocks, now, last)
}

func (v *chainView) snapshot() []types.Block {
	out := make([]types.Block, len(v.blocks))
	copy(out, v.blocks)
	return out
}

// blockHash chains a block onto its parent the way the node does:
// SHA-224 over the transaction list's repr followed by the parent hash.
// txListRepr must be the canonical repr (see literal.Repr), not the text
// as received.
func blockHash(txListRepr, parent string) string {
	sum := sha256.Sum224([]byte(txListRepr + parent))
	return hex.EncodeToString(sum[:])
}
