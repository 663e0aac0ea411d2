// Package stratum serves the Bismuth miner protocol. Miners fetch work
// against the consensus block, exchange proofs and get a difficulty tuned
// to their hash rate.
package stratum

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	proxyproto "github.com/pires/go-proxyproto"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/pooledbismuth/bismuth-pool/internal/abuse"
	"github.com/pooledbismuth/bismuth-pool/internal/metrics"
	"github.com/pooledbismuth/bismuth-pool/internal/p2p"
	"github.com/pooledbismuth/bismuth-pool/internal/pow"
	"github.com/pooledbismuth/bismuth-pool/internal/types"
	"github.com/pooledbismuth/bismuth-pool/internal/wire"
)

const (
	// tcpKeepAliveInterval is the TCP keepalive probe interval.
	tcpKeepAliveInterval = 30 * time.Second

	// proxyHeaderTimeout bounds the wait for a PROXY protocol header.
	proxyHeaderTimeout = 5 * time.Second
)

// Network is the view of the peer network miners need.
type Network interface {
	Consensus() []p2p.Candidate
	Difficulty() (float64, bool)
}

// Results records proofs for the active consensus block.
type Results interface {
	OnResult(res types.MiningResult, minerAddress string) bool
	HighestDifficulty() int
}

// Config wires a Server.
type Config struct {
	// MaxMiners bounds concurrent miner connections. Excess connections
	// wait in the accept loop.
	MaxMiners int64

	// PoolAddress is the address every proof is computed against.
	PoolAddress string

	// ProxyProtocol accepts a PROXY protocol header on each connection so
	// the abuse guard sees the miner's address behind a load balancer.
	ProxyProtocol bool

	Verifier pow.Verifier
	Network  Network
	Results  Results
	Guard    *abuse.Guard

	// Status renders the one-line pool status for the status command.
	Status func() string
}

// Server accepts miner connections.
type Server struct {
	listener net.Listener
	logger   *zap.Logger

	sessions   map[string]*Session
	sessionsMu sync.RWMutex
	nextID     atomic.Uint64

	slots         *semaphore.Weighted
	proxyProtocol bool

	poolAddress string
	verifier    pow.Verifier
	network     Network
	results     Results
	guard       *abuse.Guard
	status      func() string
	now         func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a new miner server.
func NewServer(cfg Config, logger *zap.Logger) *Server {
	if cfg.MaxMiners <= 0 {
		cfg.MaxMiners = 1
	}
	return &Server{
		logger:        logger,
		sessions:      make(map[string]*Session),
		slots:         semaphore.NewWeighted(cfg.MaxMiners),
		proxyProtocol: cfg.ProxyProtocol,
		poolAddress:   cfg.PoolAddress,
		verifier:      cfg.Verifier,
		network:       cfg.Network,
		results:       cfg.Results,
		guard:         cfg.Guard,
		status:        cfg.Status,
		now:           time.Now,
	}
}

// Start begins listening on the given address.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.Serve(ln)
	s.logger.Info("miner server listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Serve accepts miners on ln in the background.
func (s *Server) Serve(ln net.Listener) {
	if s.proxyProtocol {
		ln = &proxyproto.Listener{
			Listener:          ln,
			ReadHeaderTimeout: proxyHeaderTimeout,
		}
		s.logger.Info("PROXY protocol enabled for miner listener")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.listener = ln
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ctx)
	}()
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener and every session, then waits for them.
func (s *Server) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.listener != nil {
		s.listener.Close()
	}

	s.sessionsMu.Lock()
	for _, session := range s.sessions {
		session.Close()
	}
	s.sessionsMu.Unlock()

	s.wg.Wait()
	return nil
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		if err := s.slots.Acquire(ctx, 1); err != nil {
			return
		}
		conn, err := s.listener.Accept()
		if err != nil {
			s.slots.Release(1)
			select {
			case <-ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("accept error", zap.Error(err))
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.slots.Release(1)
			s.handleConnection(ctx, conn)
		}()
	}
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()
	ip, _, err := net.SplitHostPort(remote)
	if err != nil {
		ip = remote
	}
	if s.guard.Blocked(ip) {
		s.logger.Debug("rejecting blocked miner", zap.String("remote", remote))
		conn.Close()
		return
	}

	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetKeepAlive(true)
		tc.SetKeepAlivePeriod(tcpKeepAliveInterval)
	}

	id := fmt.Sprintf("%08x", s.nextID.Add(1))
	session := newSession(id, ip, wire.NewCodec(conn), s)

	s.sessionsMu.Lock()
	s.sessions[id] = session
	count := len(s.sessions)
	s.sessionsMu.Unlock()
	metrics.MinersConnected.Set(float64(count))

	s.logger.Info("miner connected", zap.String("session", id), zap.String("remote", remote))

	defer func() {
		s.sessionsMu.Lock()
		delete(s.sessions, id)
		count := len(s.sessions)
		s.sessionsMu.Unlock()
		metrics.MinersConnected.Set(float64(count))
		session.Close()
		s.logger.Info("miner disconnected", zap.String("session", id))
	}()

	err = session.Run(ctx)
	if err == nil {
		return
	}
	switch wire.Classify(err) {
	case wire.ActionStrikeClose, wire.ActionStrike:
		s.logger.Warn("miner misbehaved", zap.String("session", id), zap.Error(err))
		s.guard.Strike(ip)
	default:
		s.logger.Debug("miner session ended", zap.String("session", id), zap.Error(err))
	}
}

// jobHash is the block miners work on: the top consensus candidate, or a
// random training hash when there is none.
func (s *Server) jobHash() (string, error) {
	if list := s.network.Consensus(); len(list) > 0 {
		return list[0].Record.Hash, nil
	}
	return trainingHash()
}

// SessionCount returns the number of connected miners.
func (s *Server) SessionCount() int {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()
	return len(s.sessions)
}

// MinerInfo holds a snapshot of per-session info for the status API.
type MinerInfo struct {
	ID          string    `json:"id"`
	Remote      string    `json:"remote"`
	Reward      string    `json:"reward,omitempty"`
	Difficulty  float64   `json:"difficulty"`
	Proofs      int       `json:"proofs"`
	Samples     int       `json:"samples"`
	ConnectedAt time.Time `json:"connected_at"`
	LastProof   time.Time `json:"last_proof"`
}

// Miners returns a snapshot of all sessions ordered by ID.
func (s *Server) Miners() []MinerInfo {
	s.sessionsMu.RLock()
	out := make([]MinerInfo, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Info())
	}
	s.sessionsMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
