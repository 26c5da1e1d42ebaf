package wstsig

import (
	"errors"
	"sync"
	"time"

	"github.com/dropbox/godropbox/time2"
)

// Replay guard rejection reasons.
var (
	ErrStaleTimestamp = errors.New("signature timestamp outside freshness window")
	ErrNonceReused    = errors.New("signature nonce already seen")
)

const replaySweepEvery = 256

// ReplayGuard rejects stale timestamps and reused nonces on inbound
// signed requests. Seen nonces are evicted once they can no longer pass
// the freshness check, keeping memory bounded by the arrival rate.
type ReplayGuard struct {
	clock  time2.Clock
	window time.Duration

	mu   sync.Mutex
	seen map[string]time.Time
	hits int
}

// NewReplayGuard builds a guard accepting timestamps within the given
// window of the clock in either direction. A nil clock uses wall time.
func NewReplayGuard(clock time2.Clock, window time.Duration) *ReplayGuard {
	if clock == nil {
		clock = time2.DefaultClock
	}
	return &ReplayGuard{
		clock:  clock,
		window: window,
		seen:   make(map[string]time.Time),
	}
}

// Check admits a signature's timestamp and nonce at most once.
func (g *ReplayGuard) Check(nonce string, timestampMS int64) error {
	now := g.clock.Now()
	ts := time.UnixMilli(timestampMS)
	if ts.Before(now.Add(-g.window)) || ts.After(now.Add(g.window)) {
		return ErrStaleTimestamp
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.hits++
	if g.hits%replaySweepEvery == 0 {
		g.sweep(now)
	}
	if _, ok := g.seen[nonce]; ok {
		return ErrNonceReused
	}
	g.seen[nonce] = now.Add(2 * g.window)
	return nil
}

func (g *ReplayGuard) sweep(now time.Time) {
	for nonce, expiry := range g.seen {
		if now.After(expiry) {
			delete(g.seen, nonce)
		}
	}
}
