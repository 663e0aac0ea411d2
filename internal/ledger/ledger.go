// Package ledger provides the pool's view of chain history: the records
// the node replays into the results manager at startup, and the archive of
// retired consensus blocks with their best proofs.
package ledger

import (
	"github.com/pooledbismuth/bismuth-pool/internal/types"
)

// RecentBlocks is how many ledger records are replayed at startup.
const RecentBlocks = 120

// Source yields recent reward-bearing blocks, oldest first.
type Source interface {
	Recent(n int) ([]types.ConsensusRecord, error)
}
