package p2p

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pooledbismuth/bismuth-pool/internal/literal"
	"github.com/pooledbismuth/bismuth-pool/internal/types"
	"github.com/pooledbismuth/bismuth-pool/internal/wire"
)

// ErrNoConsensus means there is nothing to seed a session's window with.
// The connection attempt is abandoned without penalty.
var ErrNoConsensus = errors.New("no consensus to seed from")

// DialFunc opens a connection to a node.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// State is a session's lifecycle stage.
type State int

const (
	StateConnecting State = iota
	StateHandshaking
	StateSyncing
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateSyncing:
		return "syncing"
	case StateActive:
		return "active"
	default:
		return "closed"
	}
}

// PeerInfo is a point-in-time view of a session.
type PeerInfo struct {
	Addr         string `json:"addr"`
	State        string `json:"state"`
	Status       string `json:"status"`
	Height       int64  `json:"height"`
	Hash         string `json:"hash"`
	RemoteHeight int64  `json:"remote_height"`
	Difficulty   int    `json:"difficulty,omitempty"`
}

// Session follows one Bismuth node's chain. Run owns all reads; other
// goroutines may read state and submit blocks.
type Session struct {
	addr    types.NetAddr
	logger  *zap.Logger
	onPeers func([]types.NetAddr)

	syncInterval time.Duration
	now          func() time.Time

	mu          sync.Mutex
	codec       *wire.Codec
	view        chainView
	established bool
	closed      bool

	handlers map[Command]func() error
}

func newSession(addr types.NetAddr, onPeers func([]types.NetAddr), logger *zap.Logger) *Session {
	s := &Session{
		addr:         addr,
		logger:       logger,
		onPeers:      onPeers,
		syncInterval: SyncInterval,
		now:          time.Now,
	}
	s.handlers = map[Command]func() error{
		CmdSync:      s.handleSync,
		CmdBlocksFnd: s.handleBlocksFound,
		CmdBlockNF:   s.handleBlockNotFound,
		CmdPeers:     s.handlePeers,
		CmdNoNewBlk:  func() error { return nil },
		CmdSendSync:  s.handleSendSync,
	}
	return s
}

// Addr returns the node address.
func (s *Session) Addr() types.NetAddr { return s.addr }

// Connect dials the node, seeds the window from seed (oldest first) and
// performs the version handshake.
func (s *Session) Connect(ctx context.Context, dial DialFunc, seed []types.ConsensusRecord) error {
	if len(seed) == 0 {
		return ErrNoConsensus
	}

	dialCtx, cancel := context.WithTimeout(ctx, ConnectTimeout)
	defer cancel()
	conn, err := dial(dialCtx, "tcp", s.addr.String())
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.addr, err)
	}
	return s.attach(conn, seed)
}

func (s *Session) attach(conn net.Conn, seed []types.ConsensusRecord) error {
	codec := wire.NewCodec(conn)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return wire.ErrSessionClosed
	}
	s.codec = codec
	s.view = newChainView(seed)
	s.mu.Unlock()

	if err := codec.Send(msgVersion, ProtocolVersion); err != nil {
		return err
	}
	ready, err := codec.WaitReadable(ConnectTimeout)
	if err != nil {
		return err
	}
	if !ready {
		return wire.Violation("no handshake reply within %s", ConnectTimeout)
	}
	reply, err := codec.RecvString()
	if err != nil {
		return err
	}
	if reply != msgOK {
		return wire.Violation("protocol mismatch: %q", reply)
	}

	s.mu.Lock()
	s.established = true
	s.mu.Unlock()
	s.logger.Info("peer connected")
	return nil
}

// Run serves node commands until the connection ends or ctx is done. A
// nil return means the session was stopped.
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	codec := s.codec
	s.mu.Unlock()
	if codec == nil {
		return wire.ErrSessionClosed
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-done:
		}
	}()
	defer s.Close()

	lastSync := s.now()
	for {
		ready, err := codec.WaitReadable(s.syncInterval)
		if err != nil {
			return s.stopped(ctx, err)
		}
		if !ready {
			if s.now().Sub(lastSync) >= s.syncInterval {
				if err := codec.Send(msgSendSync); err != nil {
					return s.stopped(ctx, err)
				}
				lastSync = s.now()
			}
			continue
		}

		name, err := codec.RecvString()
		if err != nil {
			return s.stopped(ctx, err)
		}
		cmd, ok := ParseCommand(name)
		if !ok {
			return wire.Violation("unknown command %q", truncate(name, 32))
		}
		s.logger.Debug("received command", zap.Stringer("cmd", cmd))
		if err := s.handlers[cmd](); err != nil {
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

func (s *Session) handleSync() error {
	s.mu.Lock()
	height, hash := s.view.height, s.view.hash
	s.mu.Unlock()

	if err := s.codec.Send(msgBlockHeight, height); err != nil {
		return err
	}
	theirHeight, err := s.codec.RecvInt()
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.view.theirHeight = theirHeight
	if theirHeight == height {
		s.view.theirHash = hash
	}
	s.mu.Unlock()

	if theirHeight >= height {
		return s.codec.Send(hash)
	}

	theirHash, err := s.codec.RecvString()
	if err != nil {
		return err
	}
	if theirHash == hash {
		return nil
	}

	s.mu.Lock()
	s.view.theirHash = theirHash
	matched := s.view.reconcile(theirHash)
	s.mu.Unlock()

	if matched {
		s.logger.Info("rolled back to remote tip", zap.Int64("height", theirHeight))
		return nil
	}
	s.logger.Warn("remote tip not in window, requesting resync",
		zap.Int64("their_height", theirHeight),
		zap.Int64("our_height", height),
	)
	return s.codec.Send(msgSendSync)
}

func (s *Session) handleBlocksFound() error {
	if err := s.codec.Send(msgBlocksCF); err != nil {
		return err
	}
	raw, err := s.codec.RecvString()
	if err != nil {
		return err
	}
	batch, err := literal.Parse(raw)
	if err != nil {
		return wire.Violation("block batch: %v", err)
	}

	s.mu.Lock()
	caughtUp, err := s.view.extend(batch)
	height := s.view.height
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.logger.Debug("blocks found", zap.Int("count", len(batch.Items)), zap.Int64("height", height))
	if !caughtUp {
		return s.codec.Send(msgSendSync)
	}
	return nil
}

func (s *Session) handleBlockNotFound() error {
	hash, err := s.codec.RecvString()
	if err != nil {
		return err
	}
	s.mu.Lock()
	exhausted := s.view.drop(hash)
	s.mu.Unlock()
	if exhausted {
		return fmt.Errorf("%w: block window exhausted", wire.ErrSessionClosed)
	}
	return nil
}

func (s *Session) handlePeers() error {
	text, err := s.codec.RecvString()
	if err != nil {
		return err
	}
	if addrs := ParseGossip(text); len(addrs) > 0 && s.onPeers != nil {
		s.onPeers(addrs)
	}
	return nil
}

// handleSendSync answers a node that mistakes us for a node.
func (s *Session) handleSendSync() error {
	return s.codec.Send(msgSendSync)
}

// SubmitBlock sends signed reward transactions to the node.
func (s *Session) SubmitBlock(rows [][]string) error {
	s.mu.Lock()
	codec, ok := s.codec, s.established && !s.closed
	s.mu.Unlock()
	if !ok {
		return wire.ErrSessionClosed
	}
	return codec.Send(msgBlock, literal.TupleList(rows))
}

// Synced reports whether our tip matches the node's.
func (s *Session) Synced() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.established && !s.closed && s.view.synced()
}

// syncedBlocks returns the window if the session is synced.
func (s *Session) syncedBlocks() ([]types.Block, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.established || s.closed || !s.view.synced() {
		return nil, false
	}
	return s.view.snapshot(), true
}

// Difficulty is this node's network difficulty estimate.
func (s *Session) Difficulty() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.established || s.closed {
		return 0, false
	}
	return s.view.difficulty(types.Unix(s.now()))
}

// State returns the lifecycle stage.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *Session) stateLocked() State {
	switch {
	case s.closed:
		return StateClosed
	case s.codec == nil:
		return StateConnecting
	case !s.established:
		return StateHandshaking
	case s.view.synced():
		return StateActive
	default:
		return StateSyncing
	}
}

// Status is a one-line description for operators.
func (s *Session) Status() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.stateLocked() {
	case StateClosed, StateConnecting, StateHandshaking:
		return "dead"
	case StateSyncing:
		return fmt.Sprintf("synching (%d <- %d[%s])", s.view.theirHeight, s.view.height, short(s.view.hash))
	}
	if d, ok := s.view.difficulty(types.Unix(s.now())); ok {
		return fmt.Sprintf("active (%d diff) (%d[%s])", d, s.view.height, short(s.view.hash))
	}
	return fmt.Sprintf("active (%d[%s])", s.view.height, short(s.view.hash))
}

// Info returns a snapshot for the status API.
func (s *Session) Info() PeerInfo {
	status := s.Status()

	s.mu.Lock()
	defer s.mu.Unlock()
	info := PeerInfo{
		Addr:         s.addr.String(),
		State:        s.stateLocked().String(),
		Status:       status,
		Height:       s.view.height,
		Hash:         s.view.hash,
		RemoteHeight: s.view.theirHeight,
	}
	if s.established && !s.closed {
		info.Difficulty, _ = s.view.difficulty(types.Unix(s.now()))
	}
	return info
}

// Close tears the connection down. Safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.codec != nil {
		s.codec.Close()
	}
}

func short(h string) string { return truncate(h, 10) }

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
