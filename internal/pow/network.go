package pow

import "github.com/pooledbismuth/bismuth-pool/internal/types"

const (
	// LowestDifficulty is the network's difficulty floor.
	LowestDifficulty = 37

	// DifficultyWindow is how far back blocks are counted, in seconds.
	DifficultyWindow = 30 * 60

	// decayGrace is how long after the last block before difficulty drops.
	decayGrace = 2 * 60
	// decayFactor drops difficulty by one every two minutes past the grace.
	decayFactor = 120
	// staleLimit clamps to the floor once the chain has stalled this long.
	staleLimit = 5 * 60
)

// NetworkDifficulty estimates the difficulty a node would require for the
// next block, given its recent blocks, the current time and the timestamp
// of its newest block (all in Unix seconds). ok is false when no block
// falls inside the 30-minute window.
func NetworkDifficulty(blocks []types.Block, now, last float64) (diff int, ok bool) {
	cutoff := now - DifficultyWindow
	count := 0
	for _, b := range blocks {
		if b.Timestamp > cutoff {
			count++
		}
	}
	if count == 0 {
		return 0, false
	}

	d := float64(count * 2)
	if now > last+decayGrace {
		d -= (now - last) / decayFactor
	}
	if now > last+staleLimit || d < LowestDifficulty {
		d = LowestDifficulty
	}
	return int(d), true
}
