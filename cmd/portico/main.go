package main

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/awnumar/memguard"
	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/portico-market/portico/internal/chain"
	"github.com/portico-market/portico/internal/chain/sim"
	"github.com/portico-market/portico/internal/config"
	"github.com/portico-market/portico/internal/feed"
	"github.com/portico-market/portico/internal/keys"
	"github.com/portico-market/portico/internal/market"
	"github.com/portico-market/portico/internal/owner"
	relayws "github.com/portico-market/portico/internal/relay"
)

func main() {
	defer memguard.Purge()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Portico settlement node starting (env=%s, chain=%d)\n", cfg.Env, cfg.Market.ChainID)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Owner session: decrypt the owner key via KMS and seal it into locked
	// memory. The derived address authorizes configuration mutations and
	// fee withdrawals for the lifetime of the session.
	session := owner.NewSession(time.Duration(cfg.Owner.SessionTTLSec) * time.Second)
	ownerAddr := common.Address{}
	if cfg.Owner.KeyCiphertext != "" {
		kc, err := keys.New(ctx, cfg.Owner.AWSRegion, cfg.LocalStackEndpoint)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to create kms client: %v\n", err)
			os.Exit(1)
		}
		blob, err := os.ReadFile(cfg.Owner.KeyCiphertext)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to read owner key ciphertext: %v\n", err)
			os.Exit(1)
		}
		keyBytes, err := kc.DecryptOwnerKey(ctx, blob)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to decrypt owner key: %v\n", err)
			os.Exit(1)
		}
		var limit *big.Int
		if cfg.Owner.WithdrawLimit != "" {
			limit, _ = new(big.Int).SetString(cfg.Owner.WithdrawLimit, 10)
		}
		if err := session.Activate(keyBytes, limit); err != nil {
			fmt.Fprintf(os.Stderr, "failed to activate owner session: %v\n", err)
			os.Exit(1)
		}
		ownerAddr, _ = session.Address()
		fmt.Printf("owner session active (owner=%s)\n", ownerAddr.Hex())
	}

	// Trust and fee configuration, owned by the session address.
	trust := market.NewConfig(ownerAddr, cfg.Market.FeeBps, market.InboundPolicy{
		ExpectedRateBps: cfg.Inbound.ExpectedRateBps,
		ToleranceBps:    cfg.Inbound.ToleranceBps,
	})

	account := common.HexToAddress(cfg.Market.Account)
	wrapped := common.HexToAddress(cfg.Market.Wrapped)
	stable := common.HexToAddress(cfg.Market.Stable)

	// The node settles over the embedded ledger and venue; on-chain
	// collaborator adapters are wired at deployment by swapping these
	// out of market.Collaborators.
	ledger := sim.NewLedger(wrapped)
	venue := sim.NewVenue(ledger)

	// Relay: one gateway session per configured destination, with the
	// dispatch breaker watching each connection.
	breaker := relayws.NewBreaker(relayws.BreakerConfig{
		StaleThreshold: time.Duration(cfg.Relay.StaleThresholdSec) * time.Second,
		CoolOff:        time.Duration(cfg.Relay.CoolOffSec) * time.Second,
		PollInterval:   500 * time.Millisecond,
	})

	var mkt *market.Market
	pool := relayws.NewPool(receiverFunc(func(ctx context.Context, msg chain.InboundMessage) error {
		return mkt.Receive(ctx, msg)
	}))

	mkt = market.New(chain.ChainID(cfg.Market.ChainID), account, trust, market.Collaborators{
		Assets:       ledger,
		Bank:         ledger,
		Tokens:       ledger,
		Wrapped:      ledger,
		Venue:        venue,
		Relay:        pool,
		Gate:         breaker,
		WrappedToken: wrapped,
		StableToken:  stable,
	})

	// Open one gateway session per configured destination and put each
	// under breaker supervision.
	rcfg := relayws.DefaultConfig(cfg.Relay.GatewayURL)
	rcfg.HeartbeatTimeout = time.Duration(cfg.Relay.HeartbeatSec) * time.Second
	rcfg.RequestTimeout = time.Duration(cfg.Relay.RequestTimeoutSec) * time.Second
	for _, dest := range parseDestinations(cfg.Relay.Destinations) {
		client, err := pool.Open(ctx, dest, rcfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open relay session for chain %d: %v\n", dest, err)
			os.Exit(1)
		}
		breaker.Watch(dest, client)
	}

	// Event fan-out: Redis listing board and the in-flight tracker.
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	hub := market.NewBroadcaster()
	hub.Register(mkt)
	writer := feed.NewRedisWriter(feed.Wrap(rdb), hub.SubscribeAll())
	tracker := feed.NewTracker(hub.SubscribeAll(), 10*time.Minute)

	go hub.Run(ctx)
	go writer.Run(ctx)
	go tracker.Run(ctx)
	go breaker.Run(ctx)

	go func() {
		for alert := range tracker.Alerts() {
			fmt.Printf("reconciliation alert: %s key=%s messages=%d\n",
				alert.Kind, alert.Key.Hex(), len(alert.MessageIDs))
		}
	}()

	fmt.Println("Portico ready")

	<-ctx.Done()
	fmt.Println("Portico shutting down")
	pool.CloseAll()
	session.Destroy()
}

// parseDestinations splits a comma-separated chain-ID list.
func parseDestinations(s string) []chain.ChainID {
	var out []chain.ChainID
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseUint(part, 10, 64)
		if err != nil {
			fmt.Fprintf(os.Stderr, "skipping bad destination chain id %q\n", part)
			continue
		}
		out = append(out, chain.ChainID(id))
	}
	return out
}

// receiverFunc adapts a function to chain.Receiver so the pool can be
// constructed before the Market that serves its deliveries.
type receiverFunc func(ctx context.Context, msg chain.InboundMessage) error

func (f receiverFunc) Receive(ctx context.Context, msg chain.InboundMessage) error {
	return f(ctx, msg)
}
