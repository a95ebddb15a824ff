package feed

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/portico-market/portico/internal/market"
)

// AlertKind classifies a reconciliation alert.
type AlertKind uint8

const (
	// AlertLostRace fires when a listing finalizes while more than one
	// dispatch for its key is outstanding: the losers' funds are already
	// bridged and need out-of-band reconciliation.
	AlertLostRace AlertKind = iota + 1

	// AlertStaleDispatch fires when a dispatch has been outstanding longer
	// than the configured threshold with no matching finalization.
	AlertStaleDispatch
)

func (k AlertKind) String() string {
	switch k {
	case AlertLostRace:
		return "lost-race"
	case AlertStaleDispatch:
		return "stale-dispatch"
	default:
		return "unknown"
	}
}

// Alert is emitted when an in-flight cross-chain purchase needs attention.
type Alert struct {
	Kind       AlertKind
	Key        common.Hash
	MessageIDs []common.Hash // the outstanding dispatches involved
	Timestamp  time.Time
}

// inflight tracks outstanding dispatches for a single listing key.
type inflight struct {
	dispatches map[common.Hash]time.Time // message id -> dispatch time
	alerted    map[common.Hash]bool      // stale alerts already raised
}

// Tracker merges the outbound dispatch stream and the home-ledger
// finalization stream for the same listing keys and flags purchases that
// lost the settlement race or have gone stale in the relay. The two streams
// come from different ledgers and share nothing but the listing key, so the
// tracker is the only component with a cross-ledger view of one trade.
type Tracker struct {
	feed           <-chan market.MarketEvent
	staleThreshold time.Duration

	mu     sync.Mutex
	states map[common.Hash]*inflight

	alerts  chan Alert
	nowFunc func() time.Time // injectable clock for testing
}

// NewTracker creates a Tracker reading the Broadcaster's unified stream.
// staleThreshold bounds how long a dispatch may stay unmatched.
func NewTracker(feed <-chan market.MarketEvent, staleThreshold time.Duration) *Tracker {
	return &Tracker{
		feed:           feed,
		staleThreshold: staleThreshold,
		states:         make(map[common.Hash]*inflight),
		alerts:         make(chan Alert, 64),
		nowFunc:        time.Now,
	}
}

// Alerts returns the reconciliation alert stream.
func (t *Tracker) Alerts() <-chan Alert { return t.alerts }

// Run consumes the event feed and periodically sweeps for stale dispatches.
// It blocks until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.staleThreshold / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-t.feed:
			if !ok {
				return
			}
			t.record(ev)
		case <-ticker.C:
			t.sweep()
		}
	}
}

func (t *Tracker) record(ev market.MarketEvent) {
	switch ev.Kind {
	case market.EventDispatched:
		t.mu.Lock()
		s, ok := t.states[ev.Key]
		if !ok {
			s = &inflight{dispatches: make(map[common.Hash]time.Time), alerted: make(map[common.Hash]bool)}
			t.states[ev.Key] = s
		}
		s.dispatches[ev.MessageID] = t.nowFunc()
		t.mu.Unlock()

	case market.EventFinalized:
		t.mu.Lock()
		s, ok := t.states[ev.Key]
		if !ok {
			t.mu.Unlock()
			return
		}
		delete(t.states, ev.Key)
		t.mu.Unlock()

		// One dispatch won; any others are funded losers.
		if len(s.dispatches) > 1 {
			ids := make([]common.Hash, 0, len(s.dispatches))
			for id := range s.dispatches {
				ids = append(ids, id)
			}
			t.alert(Alert{Kind: AlertLostRace, Key: ev.Key, MessageIDs: ids})
		}

	case market.EventDelisted:
		// Dispatches against a delisted key will land stale; keep tracking
		// so the sweep surfaces them.
	}
}

// sweep raises stale alerts for dispatches outstanding past the threshold.
func (t *Tracker) sweep() {
	now := t.nowFunc()

	t.mu.Lock()
	defer t.mu.Unlock()
	for key, s := range t.states {
		for id, at := range s.dispatches {
			if now.Sub(at) > t.staleThreshold && !s.alerted[id] {
				s.alerted[id] = true
				t.alert(Alert{Kind: AlertStaleDispatch, Key: key, MessageIDs: []common.Hash{id}})
			}
		}
	}
}

func (t *Tracker) alert(a Alert) {
	a.Timestamp = t.nowFunc()
	select {
	case t.alerts <- a:
	default:
		// Slow alert consumer, drop.
	}
}
