package p2p

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pooledbismuth/bismuth-pool/internal/abuse"
	"github.com/pooledbismuth/bismuth-pool/internal/types"
)

type fakeHistory struct {
	mu       sync.Mutex
	records  []types.ConsensusRecord // newest first
	promoted []types.ConsensusRecord
}

func (h *fakeHistory) OnConsensus(rec types.ConsensusRecord) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.promoted = append(h.promoted, rec)
	return true
}

func (h *fakeHistory) HistoryFetch(oldest float64, maxHeight int64) []types.ConsensusRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []types.ConsensusRecord
	for _, r := range h.records {
		if r.Stamp < oldest {
			break
		}
		if maxHeight <= 0 || r.Height <= maxHeight {
			out = append(out, r)
		}
	}
	return out
}

func (h *fakeHistory) lastPromoted() (types.ConsensusRecord, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.promoted) == 0 {
		return types.ConsensusRecord{}, false
	}
	return h.promoted[len(h.promoted)-1], true
}

const testNow = 1700000000.0

func newTestManager(hist History) *Manager {
	m := NewManager(hist, abuse.NewGuard(zap.NewNop()), nil, zap.NewNop())
	m.now = func() time.Time { return time.Unix(testNow, 0) }
	return m
}

// addSynced registers a session already synced on blocks.
func addSynced(m *Manager, host string, blocks ...types.Block) *Session {
	addr := types.NetAddr{Host: host, Port: 5658}
	s := newSession(addr, nil, zap.NewNop())
	tip := blocks[len(blocks)-1]
	s.established = true
	s.view = chainView{
		blocks:      blocks,
		height:      tip.Height,
		hash:        tip.Hash,
		theirHeight: tip.Height,
		theirHash:   tip.Hash,
	}
	s.now = m.now
	m.sessions[addr] = s
	return s
}

func block(height int64, hash string, stamp float64) types.Block {
	return types.Block{Height: height, Hash: hash, Timestamp: stamp}
}

func TestConsensus_MajorityPromoted(t *testing.T) {
	hist := &fakeHistory{}
	m := newTestManager(hist)

	for _, host := range []string{"192.0.2.1", "192.0.2.2", "192.0.2.3", "192.0.2.4"} {
		addSynced(m, host, block(100, "x", testNow-60), block(101, "a", testNow-10))
	}
	addSynced(m, "192.0.2.5", block(100, "x", testNow-60), block(101, "b", testNow-5))

	list := m.Consensus()
	require.Len(t, list, 3)

	assert.Equal(t, "a", list[0].Record.Hash)
	assert.Equal(t, 4, list[0].Votes)
	assert.InDelta(t, 80.0, list[0].Percent, 1e-9)
	assert.Equal(t, "b", list[1].Record.Hash)
	assert.InDelta(t, 20.0, list[1].Percent, 1e-9)
	assert.Equal(t, "x", list[2].Record.Hash)
	assert.InDelta(t, 100.0, list[2].Percent, 1e-9)

	got, ok := hist.lastPromoted()
	require.True(t, ok, "80% candidate must be promoted")
	assert.Equal(t, types.ConsensusRecord{Height: 101, Hash: "a", Stamp: testNow - 10}, got)
}

func TestConsensus_BelowHalfNotPromoted(t *testing.T) {
	hist := &fakeHistory{}
	m := newTestManager(hist)

	addSynced(m, "192.0.2.1", block(101, "a", testNow))
	addSynced(m, "192.0.2.2", block(101, "b", testNow))
	addSynced(m, "192.0.2.3", block(101, "c", testNow))

	list := m.Consensus()
	require.Len(t, list, 3)
	assert.Equal(t, "a", list[0].Record.Hash, "equal height and votes break ties by hash")
	_, ok := hist.lastPromoted()
	assert.False(t, ok, "33% must not be promoted")
}

func TestConsensus_IgnoresUnsynced(t *testing.T) {
	hist := &fakeHistory{}
	m := newTestManager(hist)

	addSynced(m, "192.0.2.1", block(101, "a", testNow))
	lagging := addSynced(m, "192.0.2.2", block(101, "b", testNow))
	lagging.view.theirHeight = 105

	list := m.Consensus()
	require.Len(t, list, 1)
	assert.Equal(t, "a", list[0].Record.Hash)
	assert.InDelta(t, 100.0, list[0].Percent, 1e-9)
}

func TestConsensus_BackfillFromHistory(t *testing.T) {
	hist := &fakeHistory{records: []types.ConsensusRecord{
		{Height: 101, Hash: "a", Stamp: testNow - 30},
		{Height: 100, Hash: "x", Stamp: testNow - 120},
		{Height: 99, Hash: "w", Stamp: testNow - 240},
	}}
	m := newTestManager(hist)
	addSynced(m, "192.0.2.1", block(101, "a", testNow-30))

	list := m.Consensus()
	require.Len(t, list, 3)
	assert.Equal(t, "a", list[0].Record.Hash)
	assert.Equal(t, "x", list[1].Record.Hash)
	assert.Equal(t, 0, list[1].Votes)
	assert.InDelta(t, 100.0, list[1].Percent, 1e-9)
	assert.Equal(t, "w", list[2].Record.Hash)
}

func TestConsensus_HistoryOnly(t *testing.T) {
	hist := &fakeHistory{records: []types.ConsensusRecord{
		{Height: 101, Hash: "a", Stamp: testNow - 30},
		{Height: 100, Hash: "x", Stamp: testNow - 120},
	}}
	m := newTestManager(hist)

	list := m.Consensus()
	require.Len(t, list, 2)
	got, ok := hist.lastPromoted()
	require.True(t, ok)
	assert.Equal(t, "a", got.Hash)

	assert.Empty(t, newTestManager(&fakeHistory{}).Consensus())
}

func TestManager_Difficulty(t *testing.T) {
	m := newTestManager(&fakeHistory{})
	_, ok := m.Difficulty()
	assert.False(t, ok)

	var blocks []types.Block
	for i := 0; i < 30; i++ {
		blocks = append(blocks, block(int64(i), "h", testNow-float64(30-i)))
	}
	addSynced(m, "192.0.2.1", blocks...)
	addSynced(m, "192.0.2.2", block(1, "h", testNow-1))

	d, ok := m.Difficulty()
	require.True(t, ok)
	assert.InDelta(t, (60.0+37.0)/2, d, 1e-9)
}

func TestManager_AddIdempotentAndBlocked(t *testing.T) {
	hist := &fakeHistory{records: []types.ConsensusRecord{{Height: 1, Hash: "a", Stamp: testNow}}}
	m := newTestManager(hist)
	m.dial = func(ctx context.Context, network, address string) (net.Conn, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	addr := types.NetAddr{Host: "192.0.2.7", Port: 5658}
	assert.True(t, m.Add(addr))
	assert.False(t, m.Add(addr), "second Add for a connecting peer must be a no-op")

	blocked := types.NetAddr{Host: "203.0.113.9", Port: 5658}
	for i := 0; i < abuse.StrikeLimit; i++ {
		m.guard.Strike(blocked.IP())
	}
	assert.False(t, m.Add(blocked))

	m.Stop()
	assert.Empty(t, m.Sessions())
	assert.Equal(t, 0, m.guard.Strikes(addr.IP()), "shutdown must not strike")
	assert.False(t, m.Add(addr), "Add after Stop")
}

func TestManager_DialFailureStrikes(t *testing.T) {
	hist := &fakeHistory{records: []types.ConsensusRecord{{Height: 1, Hash: "a", Stamp: testNow}}}
	m := newTestManager(hist)
	m.dial = func(ctx context.Context, network, address string) (net.Conn, error) {
		return nil, errors.New("connection refused")
	}
	defer m.Stop()

	addr := types.NetAddr{Host: "192.0.2.8", Port: 5658}
	require.True(t, m.Add(addr))
	require.Eventually(t, func() bool { return len(m.Sessions()) == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, m.guard.Strikes(addr.IP()))
}

func TestManager_NoConsensusNoStrike(t *testing.T) {
	m := newTestManager(&fakeHistory{})
	dialed := make(chan struct{}, 1)
	m.dial = func(ctx context.Context, network, address string) (net.Conn, error) {
		dialed <- struct{}{}
		return nil, errors.New("unreachable")
	}
	defer m.Stop()

	addr := types.NetAddr{Host: "192.0.2.9", Port: 5658}
	require.True(t, m.Add(addr))
	require.Eventually(t, func() bool { return len(m.Sessions()) == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, m.guard.Strikes(addr.IP()))
	assert.Len(t, dialed, 0)
}

func TestManager_StopWhileAdding(t *testing.T) {
	hist := &fakeHistory{records: []types.ConsensusRecord{{Height: 1, Hash: "a", Stamp: testNow}}}
	m := newTestManager(hist)
	m.dial = func(ctx context.Context, network, address string) (net.Conn, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; m.ctx.Err() == nil; i++ {
				m.Add(types.NetAddr{Host: "192.0.2.20", Port: 1000*w + i%100 + 1})
			}
		}(w)
	}

	time.Sleep(20 * time.Millisecond)
	m.Stop()
	wg.Wait()

	assert.Empty(t, m.Sessions(), "every session started before Stop must have exited")
	assert.False(t, m.Add(types.NetAddr{Host: "192.0.2.21", Port: 5658}))
}
