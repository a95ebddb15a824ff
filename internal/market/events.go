package market

import (
	"context"
	"log"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/portico-market/portico/internal/chain"
)

// EventKind labels a marketplace occurrence.
type EventKind string

const (
	EventListed        EventKind = "listed"
	EventPriceEdited   EventKind = "price-edited"
	EventDelisted      EventKind = "delisted"
	EventSoldLocal     EventKind = "sold-local"
	EventDispatched    EventKind = "crosschain-dispatched"
	EventFinalized     EventKind = "crosschain-finalized"
	EventHeld          EventKind = "finalization-held"
	EventReleased      EventKind = "held-released"
	EventFeesWithdrawn EventKind = "fees-withdrawn"
)

// MarketEvent is the unified settlement event emitted by a Market and
// distributed by the Broadcaster. Downstream consumers (persistence,
// reconciliation, client feeds) operate on this type only.
type MarketEvent struct {
	Kind          EventKind
	Chain         chain.ChainID
	Key           common.Hash
	AssetContract common.Address
	AssetID       *big.Int
	Seller        common.Address
	Recipient     common.Address
	Amount        *big.Int // native units; meaning depends on Kind
	Status        ListingStatus

	// Cross-chain fields.
	Source    chain.ChainID
	Dest      chain.ChainID
	MessageID common.Hash
	Reason    string // set for EventHeld

	Timestamp time.Time
}

// emit delivers an event to the Market's feed without blocking settlement.
func (m *Market) emit(ev MarketEvent) {
	ev.Timestamp = m.nowFunc()
	select {
	case m.events <- ev:
	default:
		log.Printf("market: dropping %s event for slow consumer (chain %d)", ev.Kind, m.chainID)
	}
}

// Events returns the Market's event feed for Broadcaster registration.
func (m *Market) Events() <-chan MarketEvent { return m.events }

// EventSource is the interface a Market (or any other emitter) must satisfy
// to plug into the Broadcaster.
type EventSource interface {
	Events() <-chan MarketEvent
}

// Broadcaster is a many-to-many hub that ingests MarketEvents from any
// number of sources and distributes them to per-kind subscribers and a
// unified "all" stream.
type Broadcaster struct {
	sources []<-chan MarketEvent

	mu   sync.RWMutex
	subs map[EventKind][]chan MarketEvent

	allMu  sync.RWMutex
	allSub []chan MarketEvent
}

// NewBroadcaster creates a Broadcaster ready for source registration.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subs: make(map[EventKind][]chan MarketEvent),
	}
}

// Register adds a source's event channel. Must be called before Run.
func (b *Broadcaster) Register(src EventSource) {
	b.sources = append(b.sources, src.Events())
}

// Subscribe returns a buffered channel receiving events of the given kind.
// The caller must drain the channel to avoid dropped events.
func (b *Broadcaster) Subscribe(kind EventKind) <-chan MarketEvent {
	ch := make(chan MarketEvent, 256)
	b.mu.Lock()
	b.subs[kind] = append(b.subs[kind], ch)
	b.mu.Unlock()
	return ch
}

// SubscribeAll returns a buffered channel receiving every event. Intended
// for persistence and reconciliation consumers.
func (b *Broadcaster) SubscribeAll() <-chan MarketEvent {
	ch := make(chan MarketEvent, 512)
	b.allMu.Lock()
	b.allSub = append(b.allSub, ch)
	b.allMu.Unlock()
	return ch
}

// Run consumes all registered sources and distributes events until ctx is
// cancelled. Each source gets its own goroutine.
func (b *Broadcaster) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, src := range b.sources {
		wg.Add(1)
		go func(ch <-chan MarketEvent) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-ch:
					if !ok {
						return
					}
					b.distribute(ev)
				}
			}
		}(src)
	}
	wg.Wait()
}

// distribute sends an event to matching kind subscribers and all unified
// subscribers. Non-blocking: slow consumers get events dropped.
func (b *Broadcaster) distribute(ev MarketEvent) {
	b.mu.RLock()
	if subs, ok := b.subs[ev.Kind]; ok {
		for _, ch := range subs {
			select {
			case ch <- ev:
			default:
				log.Printf("broadcaster: dropping %s event for slow subscriber", ev.Kind)
			}
		}
	}
	b.mu.RUnlock()

	b.allMu.RLock()
	for _, ch := range b.allSub {
		select {
		case ch <- ev:
		default:
			// Slow unified subscriber, drop.
		}
	}
	b.allMu.RUnlock()
}
