package stratum

import (
	"math"
	"sort"
	"time"
)

const (
	// TuneGoal is the desired time between proofs per miner.
	TuneGoal = 10 * time.Second

	// TuneHistory is how many solve samples are kept per miner.
	TuneHistory = 10

	// DefaultIdealDifficulty seeds the tuner before any difficulty is set.
	DefaultIdealDifficulty = 40.0
)

type sample struct {
	difficulty float64
	solve      time.Duration
}

// Tuner picks a per-miner difficulty from its recent solve times, pulled
// toward the network's difficulty and capped just above the best proof
// already seen for the block.
type Tuner struct {
	difficulty    float64
	hasDifficulty bool

	history   []sample
	lastFound time.Time
}

// Difficulty returns the assigned difficulty, if any.
func (t *Tuner) Difficulty() (float64, bool) {
	return t.difficulty, t.hasDifficulty
}

// RecordFind notes an accepted proof at now. The time since the previous
// find becomes a sample at the current difficulty.
func (t *Tuner) RecordFind(now time.Time) {
	if !t.lastFound.IsZero() {
		t.history = append(t.history, sample{difficulty: t.difficulty, solve: now.Sub(t.lastFound)})
		if len(t.history) > TuneHistory {
			t.history = t.history[len(t.history)-TuneHistory:]
		}
	}
	t.lastFound = now
}

// Retune recomputes the difficulty from the network average peerDiff and
// the highest difficulty recorded for the active block.
func (t *Tuner) Retune(peerDiff float64, highest int, now time.Time) float64 {
	ideal := t.ideal(now)
	d := math.Min(float64(highest+1), (peerDiff+ideal)/2)
	t.difficulty = d
	t.hasDifficulty = true
	return d
}

// ideal picks the bucket with the slowest average solve time still under
// TuneGoal. When every bucket is over the goal the fastest one, less one,
// is used. Otherwise a find within the last TuneGoal nudges it up.
func (t *Tuner) ideal(now time.Time) float64 {
	ideal := DefaultIdealDifficulty
	if t.hasDifficulty {
		ideal = t.difficulty
	}
	if len(t.history) == 0 {
		return t.nudge(ideal, now)
	}

	total := make(map[float64]time.Duration)
	count := make(map[float64]int)
	for _, s := range t.history {
		total[s.difficulty] += s.solve
		count[s.difficulty]++
	}
	buckets := make([]float64, 0, len(total))
	for d := range total {
		buckets = append(buckets, d)
	}
	sort.Float64s(buckets)

	var (
		best        time.Duration
		underGoal   bool
		fastest     = time.Duration(math.MaxInt64)
		fastestDiff float64
	)
	for _, d := range buckets {
		avg := total[d] / time.Duration(count[d])
		if avg < TuneGoal && avg > best {
			best = avg
			ideal = d
			underGoal = true
		}
		if avg < fastest {
			fastest = avg
			fastestDiff = d
		}
	}
	if !underGoal {
		return fastestDiff - 1
	}
	return t.nudge(ideal, now)
}

func (t *Tuner) nudge(ideal float64, now time.Time) float64 {
	if !t.lastFound.IsZero() && now.Sub(t.lastFound) < TuneGoal {
		return ideal + 0.5
	}
	return ideal
}

// Samples returns how many solve samples are held.
func (t *Tuner) Samples() int {
	return len(t.history)
}
