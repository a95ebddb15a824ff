// Package feed contains the downstream consumers of the marketplace event
// stream: Redis persistence for client tooling and the in-flight settlement
// tracker used for cross-chain reconciliation.
package feed

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/portico-market/portico/internal/market"
)

// RedisClient abstracts the Redis operations used by RedisWriter.
// In production this is satisfied by Wrap(*redis.Client); in tests by a mock.
type RedisClient interface {
	HSet(ctx context.Context, key string, values ...any) error
}

// Wrap adapts a go-redis client to the RedisClient interface.
func Wrap(c *redis.Client) RedisClient {
	return goRedis{c: c}
}

type goRedis struct {
	c *redis.Client
}

func (g goRedis) HSet(ctx context.Context, key string, values ...any) error {
	return g.c.HSet(ctx, key, values...).Err()
}

// boardSnapshot holds the last-written listing state so unchanged writes
// are skipped.
type boardSnapshot struct {
	Status string
	Price  string
}

// RedisWriter subscribes to a Broadcaster's unified stream and persists the
// listing board into Redis using the schema:
//
//	Key:    listing:{chain}:{listing-key}
//	Fields: status, price, seller, contract, asset_id, ts
//
// Held credits are written under held:{chain}:{listing-key} with the hold
// reason and amount so reconciliation tooling can find stranded funds.
//
// Writes are non-blocking: events are buffered in an internal channel and
// flushed by a dedicated goroutine. Unchanged listing states are suppressed.
type RedisWriter struct {
	client RedisClient
	feed   <-chan market.MarketEvent
	buf    chan market.MarketEvent

	mu   sync.Mutex
	last map[string]boardSnapshot // keyed by Redis key
}

// NewRedisWriter creates a RedisWriter reading from the Broadcaster's
// SubscribeAll channel.
func NewRedisWriter(client RedisClient, feed <-chan market.MarketEvent) *RedisWriter {
	return &RedisWriter{
		client: client,
		feed:   feed,
		buf:    make(chan market.MarketEvent, 1024),
		last:   make(map[string]boardSnapshot),
	}
}

// Run starts two goroutines: one to drain the Broadcaster feed into an
// internal buffer, and one to flush buffered events to Redis. It blocks
// until ctx is cancelled.
func (rw *RedisWriter) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)

	// Ingestion: never block the Broadcaster.
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-rw.feed:
				if !ok {
					return
				}
				select {
				case rw.buf <- ev:
				default:
					// Buffer full, drop to keep up.
				}
			}
		}
	}()

	// Flusher.
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-rw.buf:
				if !ok {
					return
				}
				rw.write(ctx, ev)
			}
		}
	}()

	wg.Wait()
}

// write maps one event onto the board schema.
func (rw *RedisWriter) write(ctx context.Context, ev market.MarketEvent) {
	ts := strconv.FormatInt(ev.Timestamp.UnixMilli(), 10)

	switch ev.Kind {
	case market.EventHeld, market.EventReleased:
		key := fmt.Sprintf("held:%d:%s", ev.Chain, ev.Key.Hex())
		amount := "0"
		if ev.Amount != nil {
			amount = ev.Amount.String()
		}
		rw.client.HSet(ctx, key, "state", string(ev.Kind), "reason", ev.Reason, "amount", amount, "ts", ts)
		return

	case market.EventListed, market.EventPriceEdited, market.EventDelisted,
		market.EventSoldLocal, market.EventFinalized:
		key := fmt.Sprintf("listing:%d:%s", ev.Chain, ev.Key.Hex())
		price := "0"
		if ev.Amount != nil {
			price = ev.Amount.String()
		}
		status := ev.Status.String()

		rw.mu.Lock()
		prev, exists := rw.last[key]
		if exists && prev.Status == status && prev.Price == price {
			rw.mu.Unlock()
			return
		}
		rw.last[key] = boardSnapshot{Status: status, Price: price}
		rw.mu.Unlock()

		rw.client.HSet(ctx, key,
			"status", status,
			"price", price,
			"seller", ev.Seller.Hex(),
			"contract", ev.AssetContract.Hex(),
			"asset_id", assetID(ev),
			"ts", ts,
		)

	default:
		// Dispatch and withdrawal events carry no board state.
	}
}

func assetID(ev market.MarketEvent) string {
	if ev.AssetID == nil {
		return ""
	}
	return ev.AssetID.String()
}
