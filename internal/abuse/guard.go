package abuse

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pooledbismuth/bismuth-pool/internal/metrics"
)

const (
	// StrikeLimit is the number of strikes that blocks an IP.
	StrikeLimit = 3

	// StrikeWindow scales the block duration: a block lasts
	// StrikeWindow * StrikeLimit.
	StrikeWindow = 60 * time.Second

	// SweepInterval is how often Run garbage-collects decayed entries.
	SweepInterval = time.Second
)

// Guard tracks misbehaving IPs. It is safe for concurrent use.
type Guard struct {
	mu      sync.Mutex
	strikes map[string]int
	blocked map[string]time.Time

	now    func() time.Time
	logger *zap.Logger
}

// NewGuard creates an empty guard.
func NewGuard(logger *zap.Logger) *Guard {
	return &Guard{
		strikes: make(map[string]int),
		blocked: make(map[string]time.Time),
		now:     time.Now,
		logger:  logger,
	}
}

// Strike penalizes ip and reports whether this strike blocked it. Loopback
// addresses and already-blocked IPs are not penalized.
func (g *Guard) Strike(ip string) bool {
	if isLoopback(ip) {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if until, ok := g.blocked[ip]; ok && now.Before(until) {
		return false
	}

	g.strikes[ip]++
	metrics.Strikes.Inc()
	count := g.strikes[ip]
	if count < StrikeLimit {
		return false
	}

	g.blocked[ip] = now.Add(StrikeWindow * StrikeLimit)
	metrics.IPsBlocked.Inc()
	g.logger.Warn("ip blocked", zap.String("ip", ip), zap.Int("strikes", count))
	return true
}

// Blocked reports whether ip is currently blocked. An expired block is
// cleared on the way.
func (g *Guard) Blocked(ip string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if until, ok := g.blocked[ip]; ok && until.Before(g.now()) {
		delete(g.blocked, ip)
		delete(g.strikes, ip)
		return false
	}
	return g.strikes[ip] >= StrikeLimit
}

// Strikes returns the current strike count for ip.
func (g *Guard) Strikes(ip string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.strikes[ip]
}

// Reset forgets everything about ip. Called after a trusted interaction.
func (g *Guard) Reset(ip string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.blocked, ip)
	delete(g.strikes, ip)
}

// Sweep removes expired blocks and zero counters.
func (g *Guard) Sweep() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	for ip, until := range g.blocked {
		if until.Before(now) {
			delete(g.blocked, ip)
			delete(g.strikes, ip)
		}
	}
	for ip, n := range g.strikes {
		if _, isBlocked := g.blocked[ip]; n == 0 && !isBlocked {
			delete(g.strikes, ip)
		}
	}
}

// Len returns the number of tracked IPs.
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := len(g.strikes)
	for ip := range g.blocked {
		if _, ok := g.strikes[ip]; !ok {
			n++
		}
	}
	return n
}

// Run sweeps every SweepInterval until ctx is done.
func (g *Guard) Run(ctx context.Context) {
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Sweep()
		}
	}
}

func isLoopback(ip string) bool {
	if ip == "localhost" {
		return true
	}
	parsed := net.ParseIP(ip)
	return parsed != nil && parsed.IsLoopback()
}
