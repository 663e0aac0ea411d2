package stratum

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/pooledbismuth/bismuth-pool/internal/metrics"
	"github.com/pooledbismuth/bismuth-pool/internal/types"
	"github.com/pooledbismuth/bismuth-pool/internal/wire"
)

const (
	// readableWait is how long the loop blocks for the next command.
	readableWait = 10 * time.Second

	// ClientVersion is the root of the version string miners must report.
	ClientVersion = "morty"

	// trainingHashBytes is the size of the random hash handed out when
	// there is no consensus block to mine on.
	trainingHashBytes = 28
)

// Session is one connected miner.
type Session struct {
	ID     string
	Remote string
	IP     string

	ConnectedAt time.Time

	codec  *wire.Codec
	srv    *Server
	logger *zap.Logger

	// submitLimiter bounds proof verification per session.
	submitLimiter *rate.Limiter

	mu            sync.Mutex
	tuner         Tuner
	rewardAddress string
	proofs        int
	lastProof     time.Time

	handlers map[string]func() error
}

func newSession(id, ip string, codec *wire.Codec, srv *Server) *Session {
	s := &Session{
		ID:            id,
		Remote:        codec.RemoteAddr().String(),
		IP:            ip,
		ConnectedAt:   srv.now(),
		codec:         codec,
		srv:           srv,
		logger:        srv.logger.With(zap.String("session", id)),
		submitLimiter: rate.NewLimiter(100, 20),
	}
	s.handlers = map[string]func() error{
		"version":     s.handleVersion,
		"miner_fetch": s.handleFetch,
		"miner_exch":  s.handleExchange,
		"status":      s.handleStatus,
		"sendsync":    func() error { return nil },
	}
	return s
}

// Run serves commands until the miner disconnects, misbehaves or ctx ends.
func (s *Session) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		ready, err := s.codec.WaitReadable(readableWait)
		if err != nil {
			return s.stopped(ctx, err)
		}
		if !ready {
			continue
		}

		name, err := s.codec.RecvString()
		if err != nil {
			return s.stopped(ctx, err)
		}
		handler, ok := s.handlers[name]
		if !ok {
			return wire.Violation("unknown miner command %q", name)
		}
		if err := handler(); err != nil {
			return s.stopped(ctx, err)
		}
	}
}

func (s *Session) stopped(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *Session) handleVersion() error {
	version, err := s.codec.RecvString()
	if err != nil {
		return err
	}
	reward, err := s.codec.RecvString()
	if err != nil {
		return err
	}

	root, _, _ := strings.Cut(version, ".")
	if root != ClientVersion {
		s.logger.Info("miner version mismatch", zap.String("version", version))
		if err := s.codec.Send("notok"); err != nil {
			return err
		}
		return fmt.Errorf("%w: version %q", wire.ErrSessionClosed, version)
	}

	if isAddress(reward) {
		s.mu.Lock()
		s.rewardAddress = reward
		s.mu.Unlock()
	}
	s.logger.Debug("miner version", zap.String("version", version), zap.String("reward", reward))
	return s.codec.Send("ok")
}

func (s *Session) handleFetch() error {
	s.mu.Lock()
	diff, ok := s.tuner.Difficulty()
	s.mu.Unlock()

	if !ok {
		s.tune()
		return s.codec.Send("wait")
	}

	hash, err := s.srv.jobHash()
	if err != nil {
		return err
	}
	return s.codec.Send(int(diff), s.srv.poolAddress, hash)
}

func (s *Session) handleExchange() error {
	diffText, err := s.codec.RecvString()
	if err != nil {
		return err
	}
	blockHash, err := s.codec.RecvString()
	if err != nil {
		return err
	}
	nonce, err := s.codec.RecvString()
	if err != nil {
		return err
	}

	diff, err := strconv.Atoi(diffText)
	if err != nil {
		s.logger.Warn("bad proof difficulty", zap.String("diff", diffText))
		s.srv.guard.Strike(s.IP)
		return s.handleFetch()
	}

	if !s.submitLimiter.Allow() {
		s.logger.Debug("proof rate limited")
		return s.handleFetch()
	}

	res := types.MiningResult{
		Difficulty: diff,
		Address:    s.srv.poolAddress,
		Block:      blockHash,
		Nonce:      nonce,
	}
	if !s.srv.verifier.Verify(res.Address, res.Nonce, res.Block, res.Difficulty) {
		metrics.ProofsRejected.Inc()
		s.logger.Warn("invalid proof",
			zap.Int("diff", diff),
			zap.String("block", blockHash),
			zap.String("nonce", nonce),
		)
		s.srv.guard.Strike(s.IP)
		if s.srv.guard.Blocked(s.IP) {
			return fmt.Errorf("%w: %s blocked after invalid proof", wire.ErrSessionClosed, s.IP)
		}
		s.tune()
		return s.handleFetch()
	}

	s.mu.Lock()
	reward := s.rewardAddress
	s.mu.Unlock()

	now := s.srv.now()
	recorded := s.srv.results.OnResult(res, reward)
	s.mu.Lock()
	if recorded {
		s.tuner.RecordFind(now)
	}
	s.proofs++
	s.lastProof = now
	s.mu.Unlock()

	if recorded {
		metrics.ProofsAccepted.Inc()
		s.logger.Debug("proof accepted", zap.Int("diff", diff), zap.String("block", blockHash))
	} else {
		metrics.ProofsTraining.Inc()
	}

	s.tune()
	return s.handleFetch()
}

func (s *Session) handleStatus() error {
	status := "starting"
	if s.srv.status != nil {
		status = s.srv.status()
	}
	return s.codec.Send(status)
}

// tune retunes the miner's difficulty. Without a network difficulty the
// assignment is left unchanged.
func (s *Session) tune() {
	peerDiff, ok := s.srv.network.Difficulty()
	if !ok {
		s.logger.Debug("no network difficulty to tune against")
		return
	}
	highest := s.srv.results.HighestDifficulty()

	s.mu.Lock()
	d := s.tuner.Retune(peerDiff, highest, s.srv.now())
	s.mu.Unlock()
	s.logger.Debug("tuned", zap.Float64("diff", d), zap.Float64("network", peerDiff), zap.Int("highest", highest))
}

// Info snapshots the session.
func (s *Session) Info() MinerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	diff, _ := s.tuner.Difficulty()
	return MinerInfo{
		ID:          s.ID,
		Remote:      s.Remote,
		Reward:      s.rewardAddress,
		Difficulty:  diff,
		Proofs:      s.proofs,
		Samples:     s.tuner.Samples(),
		ConnectedAt: s.ConnectedAt,
		LastProof:   s.lastProof,
	}
}

// Close closes the connection.
func (s *Session) Close() error {
	return s.codec.Close()
}

// isAddress reports whether s looks like a Bismuth address.
func isAddress(s string) bool {
	if len(s) != 56 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

func trainingHash() (string, error) {
	buf := make([]byte, trainingHashBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
