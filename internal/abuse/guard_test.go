package abuse

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestGuard() (*Guard, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	g := NewGuard(zap.NewNop())
	g.now = clock.now
	return g, clock
}

func TestGuard_ThreeStrikesBlocks(t *testing.T) {
	g, _ := newTestGuard()
	const ip = "203.0.113.7"

	if g.Strike(ip) || g.Strike(ip) {
		t.Fatal("first two strikes must not block")
	}
	if g.Blocked(ip) {
		t.Fatal("blocked after two strikes")
	}
	if !g.Strike(ip) {
		t.Fatal("third strike should report newly blocked")
	}
	if !g.Blocked(ip) {
		t.Fatal("not blocked after three strikes")
	}
	if g.Strike(ip) {
		t.Error("striking a blocked IP must not report a new block")
	}
	if got := g.Strikes(ip); got != StrikeLimit {
		t.Errorf("strikes = %d, want %d (no accumulation while blocked)", got, StrikeLimit)
	}
}

func TestGuard_LoopbackNeverBlocked(t *testing.T) {
	g, _ := newTestGuard()
	for _, ip := range []string{"127.0.0.1", "::1", "localhost"} {
		for i := 0; i < 10; i++ {
			if g.Strike(ip) {
				t.Fatalf("%s: strike reported a block", ip)
			}
		}
		if g.Blocked(ip) {
			t.Errorf("%s: loopback became blocked", ip)
		}
		if g.Strikes(ip) != 0 {
			t.Errorf("%s: loopback accumulated strikes", ip)
		}
	}
}

func TestGuard_BlockExpires(t *testing.T) {
	g, clock := newTestGuard()
	const ip = "198.51.100.1"
	for i := 0; i < StrikeLimit; i++ {
		g.Strike(ip)
	}

	clock.advance(StrikeWindow*StrikeLimit - time.Second)
	if !g.Blocked(ip) {
		t.Fatal("block lifted early")
	}

	clock.advance(2 * time.Second)
	if g.Blocked(ip) {
		t.Fatal("block not lifted after expiry")
	}
	if g.Strikes(ip) != 0 {
		t.Errorf("strikes = %d after expiry, want 0", g.Strikes(ip))
	}
}

func TestGuard_Reset(t *testing.T) {
	g, _ := newTestGuard()
	const ip = "192.0.2.44"
	g.Strike(ip)
	g.Strike(ip)
	g.Reset(ip)
	if g.Strikes(ip) != 0 {
		t.Error("Reset did not clear strikes")
	}
	g.Strike(ip)
	if g.Blocked(ip) {
		t.Error("blocked after reset and one strike")
	}
}

func TestGuard_Sweep(t *testing.T) {
	g, clock := newTestGuard()
	for i := 0; i < StrikeLimit; i++ {
		g.Strike("192.0.2.1")
	}
	g.Strike("192.0.2.2")

	g.Sweep()
	if g.Len() != 2 {
		t.Fatalf("Len = %d before expiry, want 2", g.Len())
	}

	clock.advance(StrikeWindow*StrikeLimit + time.Second)
	g.Sweep()
	if g.Len() != 1 {
		t.Errorf("Len = %d after sweep, want 1 (expired block removed)", g.Len())
	}
	if g.Strikes("192.0.2.2") != 1 {
		t.Error("sweep removed a live counter")
	}
}

func TestGuard_RunStopsOnCancel(t *testing.T) {
	g := NewGuard(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		g.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
