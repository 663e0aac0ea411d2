package p2p

import (
	"context"
	"errors"
	"net"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pooledbismuth/bismuth-pool/internal/abuse"
	"github.com/pooledbismuth/bismuth-pool/internal/metrics"
	"github.com/pooledbismuth/bismuth-pool/internal/types"
	"github.com/pooledbismuth/bismuth-pool/internal/wire"
)

// ConsensusWindow is how far back the consensus list should reach before
// it is backfilled from history.
const ConsensusWindow = 30 * time.Minute

// History is where agreed consensus goes and where older records come
// from when live peer data is thin.
type History interface {
	OnConsensus(rec types.ConsensusRecord) bool
	HistoryFetch(oldest float64, maxHeight int64) []types.ConsensusRecord
}

// Candidate is one ranked consensus entry.
type Candidate struct {
	Record  types.ConsensusRecord `json:"record"`
	Votes   int                   `json:"votes"`
	Percent float64               `json:"percent"`
}

// Manager owns every peer session.
type Manager struct {
	mu       sync.RWMutex
	sessions map[types.NetAddr]*Session

	history History
	guard   *abuse.Guard
	dial    DialFunc
	onPeers func([]types.NetAddr)
	now     func() time.Time
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a manager. onPeers receives addresses learned from
// gossip and may be nil.
func NewManager(history History, guard *abuse.Guard, onPeers func([]types.NetAddr), logger *zap.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	d := &net.Dialer{Timeout: ConnectTimeout}
	return &Manager{
		sessions: make(map[types.NetAddr]*Session),
		history:  history,
		guard:    guard,
		dial:     d.DialContext,
		onPeers:  onPeers,
		now:      time.Now,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Add starts a session for addr unless one exists or the IP is blocked.
// It reports whether a session was started.
func (m *Manager) Add(addr types.NetAddr) bool {
	m.mu.Lock()
	// Stop cancels under mu, so no session starts once Stop is waiting.
	if m.ctx.Err() != nil {
		m.mu.Unlock()
		return false
	}
	if _, ok := m.sessions[addr]; ok {
		m.mu.Unlock()
		return false
	}
	if m.guard.Blocked(addr.IP()) {
		m.mu.Unlock()
		m.logger.Debug("skipping blocked peer", zap.String("peer", addr.String()))
		return false
	}
	s := newSession(addr, m.onPeers, m.logger.With(zap.String("peer", addr.String())))
	m.sessions[addr] = s
	metrics.PeersConnected.Set(float64(len(m.sessions)))
	m.wg.Add(1)
	m.mu.Unlock()

	go m.run(s)
	return true
}

func (m *Manager) run(s *Session) {
	defer m.wg.Done()
	defer m.remove(s)

	ip := s.Addr().IP()
	err := s.Connect(m.ctx, m.dial, m.seed())
	if err != nil {
		switch {
		case errors.Is(err, ErrNoConsensus):
			s.logger.Debug("not connecting", zap.Error(err))
		case m.ctx.Err() != nil:
		default:
			m.guard.Strike(ip)
			s.logger.Warn("connect failed", zap.Error(err))
		}
		s.Close()
		return
	}
	m.guard.Reset(ip)

	err = s.Run(m.ctx)
	if err == nil {
		return
	}
	switch wire.Classify(err) {
	case wire.ActionStrikeClose, wire.ActionStrike:
		m.guard.Strike(ip)
		s.logger.Warn("peer misbehaved", zap.Error(err))
	default:
		s.logger.Info("peer disconnected", zap.Error(err))
	}
}

func (m *Manager) remove(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[s.Addr()] == s {
		delete(m.sessions, s.Addr())
	}
	metrics.PeersConnected.Set(float64(len(m.sessions)))
}

// seed returns the consensus list oldest first, for a new session window.
func (m *Manager) seed() []types.ConsensusRecord {
	cands := m.Consensus()
	out := make([]types.ConsensusRecord, len(cands))
	for i, c := range cands {
		out[len(cands)-1-i] = c.Record
	}
	return out
}

// Consensus tallies the windows of every synced session and ranks the
// blocks by height, then votes, then hash. When the list does not reach
// back ConsensusWindow it is backfilled from history; when there is no
// live data history is used entirely. A top candidate with at least half
// the vote becomes the active consensus.
func (m *Manager) Consensus() []Candidate {
	sessions := m.Sessions()

	total := 0
	tally := make(map[string]*Candidate)
	for _, s := range sessions {
		blocks, ok := s.syncedBlocks()
		if !ok {
			continue
		}
		total++
		for _, b := range blocks {
			c, ok := tally[b.Hash]
			if !ok {
				c = &Candidate{Record: types.ConsensusRecord{Height: b.Height, Hash: b.Hash}}
				tally[b.Hash] = c
			}
			c.Votes++
			if b.Timestamp > c.Record.Stamp {
				c.Record.Stamp = b.Timestamp
			}
		}
	}
	metrics.PeersSynced.Set(float64(total))

	list := make([]Candidate, 0, len(tally))
	for _, c := range tally {
		c.Percent = float64(c.Votes) / float64(total) * 100
		list = append(list, *c)
	}
	sort.Slice(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.Record.Height != b.Record.Height {
			return a.Record.Height > b.Record.Height
		}
		if a.Votes != b.Votes {
			return a.Votes > b.Votes
		}
		return a.Record.Hash < b.Record.Hash
	})

	cutoff := types.Unix(m.now().Add(-ConsensusWindow))
	if len(list) > 0 {
		oldest := list[0].Record.Stamp
		for _, c := range list {
			if c.Record.Stamp < oldest {
				oldest = c.Record.Stamp
			}
		}
		if oldest > cutoff {
			lowest := list[len(list)-1].Record.Height
			for _, rec := range m.history.HistoryFetch(cutoff, lowest) {
				if rec.Height < lowest {
					list = append(list, Candidate{Record: rec, Percent: 100})
				}
			}
		}
	} else {
		for _, rec := range m.history.HistoryFetch(cutoff, 0) {
			list = append(list, Candidate{Record: rec, Percent: 100})
		}
	}

	if len(list) > 0 && list[0].Percent >= 50 {
		m.history.OnConsensus(list[0].Record)
	}
	return list
}

// Difficulty averages the estimates of every reporting session.
func (m *Manager) Difficulty() (float64, bool) {
	var sum, n int
	for _, s := range m.Sessions() {
		if d, ok := s.Difficulty(); ok {
			sum += d
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	avg := float64(sum) / float64(n)
	metrics.NetworkDifficulty.Set(avg)
	return avg, true
}

// Sessions returns every session, ordered by address.
func (m *Manager) Sessions() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].addr.String() < out[j].addr.String() })
	return out
}

// Synced returns the sessions whose tip matches their node.
func (m *Manager) Synced() []*Session {
	var out []*Session
	for _, s := range m.Sessions() {
		if s.Synced() {
			out = append(out, s)
		}
	}
	return out
}

// Addrs returns the address of every established session.
func (m *Manager) Addrs() []types.NetAddr {
	var out []types.NetAddr
	for _, s := range m.Sessions() {
		if st := s.State(); st == StateSyncing || st == StateActive {
			out = append(out, s.Addr())
		}
	}
	return out
}

// Stop closes every session and waits for them to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.cancel()
	m.mu.Unlock()
	for _, s := range m.Sessions() {
		s.Close()
	}
	m.wg.Wait()
}
