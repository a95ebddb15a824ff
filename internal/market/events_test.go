package market

import (
	"context"
	"math/big"
	"testing"
	"time"
)

// mockSource feeds hand-built events into a Broadcaster.
type mockSource struct {
	ch chan MarketEvent
}

func newMockSource() *mockSource {
	return &mockSource{ch: make(chan MarketEvent, 16)}
}

func (s *mockSource) Events() <-chan MarketEvent { return s.ch }

func (s *mockSource) send(ev MarketEvent) { s.ch <- ev }

func TestBroadcaster_KindSubscription(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	src := newMockSource()
	b := NewBroadcaster()
	b.Register(src)

	listed := b.Subscribe(EventListed)
	sold := b.Subscribe(EventSoldLocal)
	go b.Run(ctx)

	src.send(MarketEvent{Kind: EventListed, Chain: 1})
	src.send(MarketEvent{Kind: EventSoldLocal, Chain: 1})

	select {
	case ev := <-listed:
		if ev.Kind != EventListed {
			t.Fatalf("listed subscriber got %s", ev.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for listed event")
	}
	select {
	case ev := <-sold:
		if ev.Kind != EventSoldLocal {
			t.Fatalf("sold subscriber got %s", ev.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for sold event")
	}

	// The kind-scoped subscriber must not see the other kind.
	select {
	case ev := <-listed:
		t.Fatalf("listed subscriber leaked %s", ev.Kind)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBroadcaster_UnifiedStream(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	src := newMockSource()
	b := NewBroadcaster()
	b.Register(src)
	all := b.SubscribeAll()
	go b.Run(ctx)

	kinds := []EventKind{EventListed, EventDispatched, EventFinalized, EventHeld}
	for _, k := range kinds {
		src.send(MarketEvent{Kind: k})
	}

	for i, want := range kinds {
		select {
		case ev := <-all:
			if ev.Kind != want {
				t.Fatalf("event %d: got %s, want %s", i, ev.Kind, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestBroadcaster_MultipleSources(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	a, c := newMockSource(), newMockSource()
	b := NewBroadcaster()
	b.Register(a)
	b.Register(c)
	all := b.SubscribeAll()
	go b.Run(ctx)

	a.send(MarketEvent{Kind: EventListed, Chain: 1})
	c.send(MarketEvent{Kind: EventListed, Chain: 2})

	seen := map[uint64]bool{}
	for i := 0; i < 2; i++ {
		select {
		case ev := <-all:
			seen[uint64(ev.Chain)] = true
		case <-time.After(time.Second):
			t.Fatal("timed out merging sources")
		}
	}
	if !seen[1] || !seen[2] {
		t.Fatalf("merged chains = %v", seen)
	}
}

func TestMarket_EmitsListedEvent(t *testing.T) {
	e := newEnv(t)
	key := e.list(t, eth(2), true)

	select {
	case ev := <-e.market.Events():
		if ev.Kind != EventListed {
			t.Fatalf("kind = %s", ev.Kind)
		}
		if ev.Key != key || ev.Seller != sellerAddr {
			t.Fatalf("event fields wrong: %+v", ev)
		}
		if ev.Amount.Cmp(eth(2)) != 0 {
			t.Fatalf("event amount = %s", ev.Amount)
		}
		if ev.Status != StatusActiveCrosschain {
			t.Fatalf("event status = %s", ev.Status)
		}
		if ev.AssetID.Cmp(big.NewInt(1)) != 0 {
			t.Fatalf("event asset id = %s", ev.AssetID)
		}
		if ev.Timestamp.IsZero() {
			t.Fatal("event has no timestamp")
		}
	default:
		t.Fatal("no event emitted by List")
	}
}
