// Package node wires the pool together: identity, ledger, results, the
// peer network, the miner server and the HTTP status endpoint.
package node

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pooledbismuth/bismuth-pool/internal/abuse"
	"github.com/pooledbismuth/bismuth-pool/internal/config"
	"github.com/pooledbismuth/bismuth-pool/internal/identity"
	"github.com/pooledbismuth/bismuth-pool/internal/ledger"
	"github.com/pooledbismuth/bismuth-pool/internal/metrics"
	"github.com/pooledbismuth/bismuth-pool/internal/p2p"
	"github.com/pooledbismuth/bismuth-pool/internal/pow"
	"github.com/pooledbismuth/bismuth-pool/internal/results"
	"github.com/pooledbismuth/bismuth-pool/internal/stratum"
	"github.com/pooledbismuth/bismuth-pool/internal/types"
	"github.com/pooledbismuth/bismuth-pool/internal/web"
)

const (
	// bootstrapBurst is how many new peers one supervisor pass may add.
	bootstrapBurst = 10
	// bootstrapSpacing separates consecutive adds.
	bootstrapSpacing = 200 * time.Millisecond
	// bootstrapPause follows every pass.
	bootstrapPause = 2 * time.Second

	// submitInterval is how often the best candidate is offered to peers.
	submitInterval = 2 * time.Second

	// statusInterval is how often a status line is logged.
	statusInterval = 30 * time.Second

	blockCacheSize = 1024
)

// Node is the top-level orchestrator for a pool.
type Node struct {
	config *config.Config
	logger *zap.Logger

	identity   *identity.Identity
	store      *ledger.BoltStore
	source     ledger.Source // startup history; nil selects one from config
	results    *results.Manager
	guard      *abuse.Guard
	bootstrap  *p2p.Bootstrap
	peers      *p2p.Manager
	stratumSrv *stratum.Server
	httpSrv    *http.Server
	httpAddr   net.Addr

	// blockCache holds archived best results served by the status API.
	// Archived entries never change.
	blockCache *lru.Cache[string, types.MiningResult]

	rng       *rand.Rand
	startTime time.Time

	// submitted remembers which (peer, block, difficulty) offers went out
	// for the current block.
	submitMu    sync.Mutex
	submitted   map[submission]struct{}
	submitBlock string

	group  *errgroup.Group
	cancel context.CancelFunc
}

type submission struct {
	peer       types.NetAddr
	block      string
	difficulty int
}

// submitTarget is a synced peer that can take a signed block.
type submitTarget interface {
	Addr() types.NetAddr
	Difficulty() (int, bool)
	SubmitBlock(rows [][]string) error
}

// NewNode creates a new pool node.
func NewNode(cfg *config.Config, logger *zap.Logger) *Node {
	blockCache, _ := lru.New[string, types.MiningResult](blockCacheSize)
	return &Node{
		config:     cfg,
		logger:     logger,
		blockCache: blockCache,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		submitted:  make(map[submission]struct{}),
	}
}

// Start initializes and starts all subsystems.
func (n *Node) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	n.startTime = time.Now()

	id, err := identity.LoadOrCreate(n.config.KeyFile)
	if err != nil {
		return fmt.Errorf("identity: %w", err)
	}
	n.identity = id
	n.logger.Info("pool identity", zap.String("address", id.Address))

	known, err := p2p.LoadPeers(n.config.PeersFile)
	if err != nil {
		n.logger.Warn("peers file unreadable, starting empty", zap.String("path", n.config.PeersFile), zap.Error(err))
		known = nil
	}
	n.bootstrap = p2p.NewBootstrap(known)

	if err := os.MkdirAll(n.config.DataDir, 0700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	var archive results.Archive
	store, err := ledger.NewBoltStore(n.archivePath(), n.logger)
	if err != nil {
		n.logger.Warn("archive unavailable, running without it", zap.Error(err))
	} else {
		n.store = store
		archive = store
	}

	n.results, err = results.NewManager(n.config.DataDir, archive, n.logger)
	if err != nil {
		n.closeStore()
		return fmt.Errorf("results: %w", err)
	}
	n.replayHistory()

	n.guard = abuse.NewGuard(n.logger.Named("abuse"))
	n.peers = p2p.NewManager(n.results, n.guard, n.onGossip, n.logger.Named("p2p"))

	n.stratumSrv = stratum.NewServer(stratum.Config{
		MaxMiners:     n.config.MaxMiners,
		PoolAddress:   id.Address,
		ProxyProtocol: n.config.MinersProxyProtocol,
		Verifier:      pow.New(n.config.FastPoW),
		Network:       n.peers,
		Results:       n.results,
		Guard:         n.guard,
		Status:        n.statusLine,
	}, n.logger.Named("stratum"))
	if err := n.stratumSrv.Start(n.config.MinersListen); err != nil {
		n.peers.Stop()
		n.results.Close()
		n.closeStore()
		return fmt.Errorf("miner server: %w", err)
	}

	if n.config.HTTPListen != "" {
		if err := n.startHTTP(); err != nil {
			n.stratumSrv.Stop()
			n.peers.Stop()
			n.results.Close()
			n.closeStore()
			return fmt.Errorf("http server: %w", err)
		}
	}

	group, gctx := errgroup.WithContext(ctx)
	n.group = group
	group.Go(func() error { n.superviseBootstrap(gctx); return nil })
	group.Go(func() error { n.guard.Run(gctx); return nil })
	group.Go(func() error { n.submitLoop(gctx); return nil })
	group.Go(func() error { n.statusLoop(gctx); return nil })

	n.logger.Info("bismuth pool started",
		zap.String("pool_address", id.Address),
		zap.String("miners", n.stratumSrv.Addr().String()),
		zap.Int("known_peers", n.bootstrap.Len()),
	)
	return nil
}

// Stop gracefully stops all subsystems.
func (n *Node) Stop() {
	n.logger.Info("shutting down bismuth pool...")

	if n.cancel != nil {
		n.cancel()
	}
	if n.group != nil {
		n.group.Wait()
	}
	if n.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		n.httpSrv.Shutdown(ctx)
		cancel()
	}
	if n.stratumSrv != nil {
		n.stratumSrv.Stop()
	}
	if n.peers != nil {
		n.peers.Stop()
	}
	if n.bootstrap != nil {
		if err := p2p.SavePeers(n.config.PeersFile, n.bootstrap.All()); err != nil {
			n.logger.Warn("save peers failed", zap.Error(err))
		}
	}
	if n.results != nil {
		if err := n.results.Close(); err != nil {
			n.logger.Warn("close results failed", zap.Error(err))
		}
	}
	n.closeStore()

	n.logger.Info("bismuth pool stopped")
}

func (n *Node) closeStore() {
	if n.store == nil {
		return
	}
	if err := n.store.Close(); err != nil {
		n.logger.Warn("close ledger failed", zap.Error(err))
	}
	n.store = nil
}

func (n *Node) archivePath() string {
	if filepath.IsAbs(n.config.ArchivePath) {
		return n.config.ArchivePath
	}
	return filepath.Join(n.config.DataDir, n.config.ArchivePath)
}

// replayHistory seeds the results manager with recent blocks. Peers are
// only dialed once there is a consensus to sync from, so a pool with no
// history never joins the network.
func (n *Node) replayHistory() {
	src, done := n.historySource()
	if src == nil {
		n.logger.Warn("no ledger history, peers will not be dialed")
		return
	}
	defer done()

	recent, err := src.Recent(ledger.RecentBlocks)
	if err != nil {
		n.logger.Warn("ledger replay failed", zap.Error(err))
		return
	}
	if len(recent) == 0 {
		n.logger.Warn("ledger has no rewarded blocks, peers will not be dialed")
		return
	}
	n.results.Replay(recent)
	n.logger.Info("replayed ledger", zap.Int("records", len(recent)))
}

// historySource picks where startup history comes from: the Bismuth node
// ledger when configured and readable, else the pool's own archive.
func (n *Node) historySource() (ledger.Source, func()) {
	noop := func() {}
	if n.source != nil {
		return n.source, noop
	}
	if n.config.LedgerPath != "" {
		bl, err := ledger.OpenBismuthLedger(n.config.LedgerPath, n.logger)
		if err == nil {
			return bl, func() {
				if err := bl.Close(); err != nil {
					n.logger.Warn("close bismuth ledger failed", zap.Error(err))
				}
			}
		}
		n.logger.Warn("bismuth ledger unreadable, replaying archive", zap.Error(err))
	}
	if n.store != nil {
		return n.store, noop
	}
	return nil, noop
}

func (n *Node) startHTTP() error {
	ln, err := net.Listen("tcp", n.config.HTTPListen)
	if err != nil {
		return err
	}
	n.httpAddr = ln.Addr()
	n.httpSrv = &http.Server{
		Handler:           web.NewHandler(n.statusData, n.lookupBlock),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := n.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			n.logger.Error("http server failed", zap.Error(err))
		}
	}()
	n.logger.Info("http status listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// onGossip merges addresses learned from peers into the bootstrap set.
func (n *Node) onGossip(addrs []types.NetAddr) {
	if added := n.bootstrap.Merge(addrs); added > 0 {
		n.logger.Debug("learned peers", zap.Int("added", added), zap.Int("known", n.bootstrap.Len()))
	}
}

// superviseBootstrap keeps trying known peers that are not connected.
func (n *Node) superviseBootstrap(ctx context.Context) {
	for {
		n.bootstrapPass(ctx)
		if !sleep(ctx, bootstrapPause) {
			return
		}
	}
}

func (n *Node) bootstrapPass(ctx context.Context) {
	added := 0
	for _, addr := range n.bootstrap.Sample(n.bootstrap.Len(), n.rng) {
		if added >= bootstrapBurst {
			return
		}
		if !n.peers.Add(addr) {
			continue
		}
		added++
		if !sleep(ctx, bootstrapSpacing) {
			return
		}
	}
}

func (n *Node) submitLoop(ctx context.Context) {
	ticker := time.NewTicker(submitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.submitBest()
		}
	}
}

// submitBest refreshes consensus and offers the best candidate to every
// synced peer.
func (n *Node) submitBest() {
	n.peers.Consensus()
	best, ok := n.results.Best()
	if !ok {
		return
	}
	synced := n.peers.Synced()
	targets := make([]submitTarget, len(synced))
	for i, s := range synced {
		targets[i] = s
	}
	n.submit(best, targets)
}

// submit sends best to every target whose difficulty it meets, once per
// (peer, block, difficulty).
func (n *Node) submit(best types.MiningResult, targets []submitTarget) {
	n.submitMu.Lock()
	if best.Block != n.submitBlock {
		n.submitted = make(map[submission]struct{})
		n.submitBlock = best.Block
	}
	var due []submitTarget
	for _, t := range targets {
		diff, ok := t.Difficulty()
		if !ok || diff > best.Difficulty {
			continue
		}
		key := submission{peer: t.Addr(), block: best.Block, difficulty: best.Difficulty}
		if _, done := n.submitted[key]; done {
			continue
		}
		n.submitted[key] = struct{}{}
		due = append(due, t)
	}
	n.submitMu.Unlock()

	if len(due) == 0 {
		return
	}

	rows, err := n.results.SignBlocks(n.identity, n.identity.PublicKeyHashed, best)
	if err != nil {
		n.logger.Error("sign block failed", zap.Error(err))
		return
	}
	for _, t := range due {
		if err := t.SubmitBlock(rows); err != nil {
			metrics.BlockSubmissions.WithLabelValues("error").Inc()
			n.logger.Warn("block submission failed", zap.Stringer("peer", t.Addr()), zap.Error(err))
			continue
		}
		metrics.BlockSubmissions.WithLabelValues("ok").Inc()
		n.logger.Info("submitted block",
			zap.Stringer("peer", t.Addr()),
			zap.Int("diff", best.Difficulty),
			zap.String("block", best.Block),
		)
	}
}

func (n *Node) statusLoop(ctx context.Context) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.logStatus()
		}
	}
}

func (n *Node) logStatus() {
	fields := []zap.Field{
		zap.Int("miners", n.stratumSrv.SessionCount()),
		zap.Int("peers", len(n.peers.Sessions())),
		zap.Int("synced", len(n.peers.Synced())),
		zap.Int("known", n.bootstrap.Len()),
		zap.Int("blocked_or_struck", n.guard.Len()),
	}
	if active := n.results.Active(); !active.IsZero() {
		fields = append(fields, zap.Stringer("consensus", active))
	}
	if d, ok := n.peers.Difficulty(); ok {
		fields = append(fields, zap.Float64("network_difficulty", d))
	}
	n.logger.Info("status", fields...)
}

// statusLine is the one-line answer to a miner's status command.
func (n *Node) statusLine() string {
	line := fmt.Sprintf("peers %d/%d synced, miners %d",
		len(n.peers.Synced()), len(n.peers.Sessions()), n.stratumSrv.SessionCount())
	if list := n.peers.Consensus(); len(list) > 0 {
		top := list[0]
		line += fmt.Sprintf(", consensus %d[%.10s] %.1f%%", top.Record.Height, top.Record.Hash, top.Percent)
	} else {
		line += ", no consensus"
	}
	if d, ok := n.peers.Difficulty(); ok {
		line += fmt.Sprintf(", diff %.2f", d)
	}
	return line
}

func (n *Node) statusData() *web.StatusData {
	data := &web.StatusData{
		PoolAddress: n.identity.Address,
		Uptime:      int64(time.Since(n.startTime).Seconds()),
		Active:      n.results.Active(),
		Consensus:   n.peers.Consensus(),
		Candidates:  n.results.Candidates(),
		MinerCount:  n.stratumSrv.SessionCount(),
		Miners:      n.stratumSrv.Miners(),
	}
	if d, ok := n.peers.Difficulty(); ok {
		data.NetworkDifficulty = &d
	}
	for _, s := range n.peers.Sessions() {
		data.Peers = append(data.Peers, s.Info())
	}
	return data
}

func (n *Node) lookupBlock(hash string) (types.MiningResult, bool, error) {
	if res, ok := n.blockCache.Get(hash); ok {
		return res, true, nil
	}
	if n.store == nil {
		return types.MiningResult{}, false, nil
	}
	res, found, err := n.store.Best(hash)
	if err != nil || !found {
		return res, found, err
	}
	n.blockCache.Add(hash, res)
	return res, true, nil
}

// MinersAddr returns the miner server's listening address.
func (n *Node) MinersAddr() net.Addr {
	return n.stratumSrv.Addr()
}

// HTTPAddr returns the status endpoint's address, nil when disabled.
func (n *Node) HTTPAddr() net.Addr {
	return n.httpAddr
}

// sleep waits for d and reports whether ctx is still live.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
