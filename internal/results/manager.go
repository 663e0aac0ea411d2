// Package results tracks the active consensus block, the best proofs found
// for it, and the audit trail of every accepted proof.
package results

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pooledbismuth/bismuth-pool/internal/metrics"
	"github.com/pooledbismuth/bismuth-pool/internal/pow"
	"github.com/pooledbismuth/bismuth-pool/internal/types"
)

// HistoryWindow is how far back retired consensus records are retained.
const HistoryWindow = 30 * time.Minute

// Archive receives retired consensus records and their best results.
type Archive interface {
	PutConsensus(rec types.ConsensusRecord) error
	PutBest(res types.MiningResult) error
}

// Manager tracks the active consensus block and the best proofs found for
// it. Every public method takes the same lock.
type Manager struct {
	mu      sync.Mutex
	active  types.ConsensusRecord
	best    map[int]types.MiningResult
	highest int
	history []types.ConsensusRecord // retired records, oldest first
	audit   *auditLog

	archive Archive
	now     func() time.Time
	logger  *zap.Logger
}

// NewManager creates a manager whose audit logs live under dataDir. A nil
// archive disables archiving.
func NewManager(dataDir string, archive Archive, logger *zap.Logger) (*Manager, error) {
	audit, err := newAuditLog(dataDir)
	if err != nil {
		return nil, err
	}
	return &Manager{
		best:    make(map[int]types.MiningResult),
		audit:   audit,
		archive: archive,
		now:     time.Now,
		logger:  logger,
	}, nil
}

// Replay loads ledger records, oldest first. All but the last go straight
// into history; the last becomes the active block.
func (m *Manager) Replay(records []types.ConsensusRecord) {
	if len(records) == 0 {
		return
	}
	m.mu.Lock()
	for _, rec := range records[:len(records)-1] {
		m.pushHistory(rec)
	}
	m.mu.Unlock()
	m.OnConsensus(records[len(records)-1])
}

// OnConsensus makes rec the active block. It reports whether anything
// changed; an identical record is a no-op.
func (m *Manager) OnConsensus(rec types.ConsensusRecord) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec == m.active {
		return false
	}

	prev := m.active
	best, hasBest := m.best[m.highest]
	if !prev.IsZero() {
		m.pushHistory(prev)
	}
	// A rollback retires everything at or above the new height.
	m.truncateHistory(rec.Height)

	m.best = make(map[int]types.MiningResult)
	m.highest = 0

	if err := m.audit.rotate(rec.Hash); err != nil {
		m.logger.Error("audit log rotation failed", zap.String("hash", rec.Hash), zap.Error(err))
	}
	m.active = rec

	if m.archive != nil && !prev.IsZero() {
		if err := m.archive.PutConsensus(prev); err != nil {
			m.logger.Warn("archive consensus failed", zap.Int64("height", prev.Height), zap.Error(err))
		}
		if hasBest {
			if err := m.archive.PutBest(best); err != nil {
				m.logger.Warn("archive best result failed", zap.String("block", best.Block), zap.Error(err))
			}
		}
	}

	metrics.ConsensusHeight.Set(float64(rec.Height))
	metrics.HighestDifficulty.Set(0)
	m.logger.Info("new consensus", zap.Stringer("consensus", rec))
	return true
}

// pushHistory appends rec, first truncating any tail entries at or above
// its height, then drops entries outside HistoryWindow. Caller holds mu.
func (m *Manager) pushHistory(rec types.ConsensusRecord) {
	m.truncateHistory(rec.Height)
	hist := append(m.history, rec)

	cutoff := types.Unix(m.now().Add(-HistoryWindow))
	kept := hist[:0]
	for _, h := range hist {
		if h.Stamp > cutoff {
			kept = append(kept, h)
		}
	}
	m.history = kept
}

// truncateHistory drops tail entries at or above height. Caller holds mu.
func (m *Manager) truncateHistory(height int64) {
	end := len(m.history)
	for end > 0 && m.history[end-1].Height >= height {
		end--
	}
	m.history = m.history[:end]
}

// OnResult records a valid proof from minerAddress (empty when the miner
// never sent one). Proofs against anything but the active block are
// rejected with false.
func (m *Manager) OnResult(res types.MiningResult, minerAddress string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active.IsZero() || res.Block != m.active.Hash {
		return false
	}

	if res.Difficulty > m.highest {
		m.highest = res.Difficulty
		m.best[res.Difficulty] = res
		metrics.HighestDifficulty.Set(float64(res.Difficulty))
		m.logger.Info("new highest",
			zap.String("block", res.Block),
			zap.Int("difficulty", res.Difficulty),
		)
	}

	if err := m.audit.append(types.Unix(m.now()), minerAddress, res); err != nil {
		m.logger.Warn("audit log write failed", zap.Error(err))
	}
	return true
}

// HighestDifficulty is the best difficulty recorded for the active block,
// or pow.LowestDifficulty when there is none.
func (m *Manager) HighestDifficulty() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.best) == 0 {
		return pow.LowestDifficulty
	}
	return m.highest
}

// Candidates returns the recorded results, lowest difficulty first.
func (m *Manager) Candidates() []types.MiningResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]types.MiningResult, 0, len(m.best))
	for _, r := range m.best {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Difficulty < out[j].Difficulty })
	return out
}

// Best returns the highest recorded result for the active block.
func (m *Manager) Best() (types.MiningResult, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.best[m.highest]
	return r, ok
}

// Active returns the active consensus record, zero if none.
func (m *Manager) Active() types.ConsensusRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// HistoryFetch returns the active record and then retained history, newest
// first, stopping at the first record stamped before oldest. Records above
// maxHeight are skipped when maxHeight > 0.
func (m *Manager) HistoryFetch(oldest float64, maxHeight int64) []types.ConsensusRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []types.ConsensusRecord
	visit := func(rec types.ConsensusRecord) bool {
		if rec.Stamp < oldest {
			return false
		}
		if maxHeight <= 0 || rec.Height <= maxHeight {
			out = append(out, rec)
		}
		return true
	}

	if !m.active.IsZero() && !visit(m.active) {
		return out
	}
	for i := len(m.history) - 1; i >= 0; i-- {
		if !visit(m.history[i]) {
			break
		}
	}
	return out
}

// History returns a copy of the retained history, oldest first.
func (m *Manager) History() []types.ConsensusRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.ConsensusRecord, len(m.history))
	copy(out, m.history)
	return out
}

// Close flushes and closes the open audit log.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.audit.close()
}
