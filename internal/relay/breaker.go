package relay

import (
	"context"
	"sync"
	"time"

	"github.com/portico-market/portico/internal/chain"
)

// BreakerConfig holds tunable parameters for the Breaker.
type BreakerConfig struct {
	// StaleThreshold is the maximum gateway silence before a destination is
	// considered stale. Default: 30s.
	StaleThreshold time.Duration

	// CoolOff is the duration of continuous healthy connection required
	// after a reconnection before dispatch is re-enabled. Default: 5s.
	CoolOff time.Duration

	// PollInterval is how frequently the breaker samples connection state.
	// Default: 500ms.
	PollInterval time.Duration
}

// DefaultBreakerConfig returns production-tuned defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		StaleThreshold: 30 * time.Second,
		CoolOff:        5 * time.Second,
		PollInterval:   500 * time.Millisecond,
	}
}

// ConnState is the view of a gateway session the Breaker monitors.
// Satisfied by *Client.
type ConnState interface {
	Circuit() CircuitState
	LastActivity() time.Time
}

// destState tracks health for a single destination's session.
type destState struct {
	conn        ConnState
	recoveredAt time.Time
	healthy     bool
}

// Breaker gates cross-chain dispatch behind relay-gateway health. It
// enforces connection circuit state, gateway liveness via frame recency,
// a cool-off period after recovery, and a manual emergency halt. It
// satisfies market.DispatchGate.
type Breaker struct {
	cfg BreakerConfig

	mu    sync.RWMutex
	dests map[chain.ChainID]*destState

	haltMu sync.RWMutex
	halted bool

	nowFunc func() time.Time // injectable clock for testing
}

// NewBreaker creates a Breaker. Sessions are registered via Watch.
func NewBreaker(cfg BreakerConfig) *Breaker {
	return &Breaker{
		cfg:     cfg,
		dests:   make(map[chain.ChainID]*destState),
		nowFunc: time.Now,
	}
}

// Watch registers a destination's gateway session for monitoring.
func (b *Breaker) Watch(dest chain.ChainID, conn ConnState) {
	b.mu.Lock()
	b.dests[dest] = &destState{conn: conn, healthy: conn.Circuit() == CircuitClosed}
	b.mu.Unlock()
}

// ManualHalt blocks dispatch to every destination until Resume is called.
func (b *Breaker) ManualHalt() {
	b.haltMu.Lock()
	b.halted = true
	b.haltMu.Unlock()
}

// Resume clears the manual halt. Destinations still need a healthy,
// cooled-off session before CanDispatch returns true.
func (b *Breaker) Resume() {
	b.haltMu.Lock()
	b.halted = false
	b.haltMu.Unlock()
}

// CanDispatch returns true only if ALL of the following hold:
//  1. No manual halt is active.
//  2. A session is registered for dest and its circuit is closed.
//  3. The gateway has been heard from within StaleThreshold.
//  4. The cool-off period has elapsed since the last recovery.
func (b *Breaker) CanDispatch(dest chain.ChainID) bool {
	b.haltMu.RLock()
	if b.halted {
		b.haltMu.RUnlock()
		return false
	}
	b.haltMu.RUnlock()

	b.mu.RLock()
	ds, ok := b.dests[dest]
	b.mu.RUnlock()
	if !ok {
		return false // nothing registered for this destination
	}

	if ds.conn.Circuit() == CircuitOpen {
		return false
	}

	now := b.nowFunc()
	if now.Sub(ds.conn.LastActivity()) > b.cfg.StaleThreshold {
		return false
	}

	b.mu.RLock()
	recoveredAt := ds.recoveredAt
	b.mu.RUnlock()
	if !recoveredAt.IsZero() && now.Sub(recoveredAt) < b.cfg.CoolOff {
		return false
	}

	return true
}

// Run samples session state on PollInterval, tracking unhealthy-to-healthy
// transitions so the cool-off clock starts at recovery. It blocks until ctx
// is cancelled.
func (b *Breaker) Run(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.sample()
		}
	}
}

func (b *Breaker) sample() {
	now := b.nowFunc()

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ds := range b.dests {
		healthy := ds.conn.Circuit() == CircuitClosed &&
			now.Sub(ds.conn.LastActivity()) <= b.cfg.StaleThreshold

		if !ds.healthy && healthy {
			ds.recoveredAt = now
		}
		ds.healthy = healthy
	}
}
