package market

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/portico-market/portico/internal/chain"
	"github.com/portico-market/portico/internal/chain/sim"
)

// twoChains wires two marketplaces over the loopback relay network: chain 1
// is the asset's home ledger, chain 2 the buyer's. Conversion costs 0.3% per
// swap hop on both sides, inside the default tolerance band.
type twoChains struct {
	ctx context.Context
	net *sim.RelayNet

	ledgerA, ledgerB *sim.Ledger
	marketA, marketB *Market

	acctA, acctB       common.Address
	stableA, stableB   common.Address
	wrappedA, wrappedB common.Address
}

func newTwoChains(t *testing.T) *twoChains {
	t.Helper()
	tc := &twoChains{
		ctx:      context.Background(),
		acctA:    common.HexToAddress("0x00000000000000000000000000000000000000A1"),
		acctB:    common.HexToAddress("0x00000000000000000000000000000000000000A2"),
		stableA:  common.HexToAddress("0x0000000000000000000000000000000000000201"),
		stableB:  common.HexToAddress("0x0000000000000000000000000000000000000202"),
		wrappedA: common.HexToAddress("0x0000000000000000000000000000000000000301"),
		wrappedB: common.HexToAddress("0x0000000000000000000000000000000000000302"),
	}
	tc.ledgerA = sim.NewLedger(tc.wrappedA)
	tc.ledgerB = sim.NewLedger(tc.wrappedB)
	venueA := sim.NewVenue(tc.ledgerA)
	venueB := sim.NewVenue(tc.ledgerB)
	venueA.SetRate(tc.stableA, tc.wrappedA, 9970)
	venueB.SetRate(tc.wrappedB, tc.stableB, 9970)

	tc.net = sim.NewRelayNet(eth(1))

	policy := InboundPolicy{ExpectedRateBps: 9940, ToleranceBps: 50}
	cfgA := NewConfig(ownerAddr, 250, policy)
	cfgB := NewConfig(ownerAddr, 250, policy)

	tc.marketA = New(1, tc.acctA, cfgA, Collaborators{
		Assets: tc.ledgerA, Bank: tc.ledgerA, Tokens: tc.ledgerA, Wrapped: tc.ledgerA,
		Venue: venueA, Relay: tc.net.Endpoint(1),
		WrappedToken: tc.wrappedA, StableToken: tc.stableA,
	})
	tc.marketB = New(2, tc.acctB, cfgB, Collaborators{
		Assets: tc.ledgerB, Bank: tc.ledgerB, Tokens: tc.ledgerB, Wrapped: tc.ledgerB,
		Venue: venueB, Relay: tc.net.Endpoint(2),
		WrappedToken: tc.wrappedB, StableToken: tc.stableB,
	})

	tc.net.Attach(1, tc.acctA.Bytes(), tc.marketA, tc.ledgerA, tc.stableA, tc.acctA)
	tc.net.Attach(2, tc.acctB.Bytes(), tc.marketB, tc.ledgerB, tc.stableB, tc.acctB)

	// Each side trusts the other's marketplace address.
	if err := cfgA.SetTrustedPeer(ownerAddr, 2, tc.acctB.Bytes()); err != nil {
		t.Fatal(err)
	}
	if err := cfgB.SetTrustedPeer(ownerAddr, 1, tc.acctA.Bytes()); err != nil {
		t.Fatal(err)
	}

	// The asset lives on chain 1; the buyer's funds on chain 2.
	if err := cfgA.ApproveAsset(ownerAddr, nftContract); err != nil {
		t.Fatal(err)
	}
	tc.ledgerA.MintAsset(nftContract, big.NewInt(1), sellerAddr)
	tc.ledgerA.SetApprovalForAll(sellerAddr, tc.acctA, true)
	tc.ledgerB.Fund(buyerAddr, eth(100))

	return tc
}

// afterHops applies n sequential 9970-bps conversions to amount.
func afterHops(amount *big.Int, n int) *big.Int {
	out := new(big.Int).Set(amount)
	for i := 0; i < n; i++ {
		out.Mul(out, big.NewInt(9970))
		out.Div(out, big.NewInt(10_000))
	}
	return out
}

func TestCrosschainPurchase_EndToEnd(t *testing.T) {
	tc := newTwoChains(t)
	key := ListingKey(nftContract, big.NewInt(1))

	if err := tc.marketA.List(tc.ctx, sellerAddr, nftContract, big.NewInt(1), eth(10), true); err != nil {
		t.Fatalf("list: %v", err)
	}

	msgID, err := tc.marketB.BuyCrosschain(tc.ctx, buyerAddr, CrosschainOrder{
		Destination:   1,
		AssetContract: nftContract,
		AssetID:       big.NewInt(1),
		Recipient:     otherAddr,
		Price:         eth(10),
		Value:         eth(11),
	})
	if err != nil {
		t.Fatalf("buy crosschain: %v", err)
	}

	// Nothing settles until the relay delivers.
	if got := tc.marketA.Listing(key).Status; got != StatusActiveCrosschain {
		t.Fatalf("home listing mutated before delivery: %s", got)
	}

	results := tc.net.DeliverAll(tc.ctx)
	if err := results[msgID]; err != nil {
		t.Fatalf("delivery: %v", err)
	}

	owner, _ := tc.ledgerA.OwnerOf(tc.ctx, nftContract, big.NewInt(1))
	if owner != otherAddr {
		t.Fatalf("asset held by %s, want %s", owner.Hex(), otherAddr.Hex())
	}
	if got := tc.marketA.Listing(key).Status; got != StatusInactive {
		t.Fatalf("home listing status = %s", got)
	}

	// Two conversion hops at 0.3% each: the seller nets the realized value
	// minus the 250-bps fee, and the realized value sits inside the
	// tolerance band (99.4009% of price vs a 98.9% floor).
	realized := afterHops(eth(10), 2)
	fee := FeePolicy{Bps: 250}.Amount(realized)
	net := new(big.Int).Sub(realized, fee)
	sellerBal, _ := tc.ledgerA.Balance(tc.ctx, sellerAddr)
	if sellerBal.Cmp(net) != 0 {
		t.Fatalf("seller received %s, want %s", sellerBal, net)
	}
	if got := tc.marketA.AccruedFees(); got.Cmp(fee) != 0 {
		t.Fatalf("home fees %s, want %s", got, fee)
	}

	// The buyer paid price + relay fee and nothing more.
	buyerBal, _ := tc.ledgerB.Balance(tc.ctx, buyerAddr)
	if buyerBal.Cmp(eth(89)) != 0 {
		t.Fatalf("buyer balance %s, want %s", buyerBal, eth(89))
	}
}

func TestCrosschainPurchase_ReplayRejected(t *testing.T) {
	tc := newTwoChains(t)
	key := ListingKey(nftContract, big.NewInt(1))

	if err := tc.marketA.List(tc.ctx, sellerAddr, nftContract, big.NewInt(1), eth(10), true); err != nil {
		t.Fatalf("list: %v", err)
	}
	msgID, err := tc.marketB.BuyCrosschain(tc.ctx, buyerAddr, CrosschainOrder{
		Destination: 1, AssetContract: nftContract, AssetID: big.NewInt(1),
		Recipient: otherAddr, Price: eth(10), Value: eth(11),
	})
	if err != nil {
		t.Fatalf("buy crosschain: %v", err)
	}
	if err := tc.net.DeliverAll(tc.ctx)[msgID]; err != nil {
		t.Fatalf("delivery: %v", err)
	}

	// Replaying the settled message must not move the asset again; the
	// re-bridged funds park for owner reconciliation.
	err = tc.net.Replay(tc.ctx, 0)
	if !errors.Is(err, ErrNotActiveCrosschainListing) {
		t.Fatalf("expected ErrNotActiveCrosschainListing, got %v", err)
	}
	owner, _ := tc.ledgerA.OwnerOf(tc.ctx, nftContract, big.NewInt(1))
	if owner != otherAddr {
		t.Fatalf("replay moved the asset to %s", owner.Hex())
	}
	h, ok := tc.marketA.HeldFor(key)
	if !ok {
		t.Fatal("replayed funds not held")
	}
	if h.Reason != HoldStaleDelivery || h.Token != tc.stableA {
		t.Fatalf("held credit = %+v", h)
	}

	// Owner releases the stranded bridged funds.
	if err := tc.marketA.ReleaseHeld(tc.ctx, ownerAddr, key, buyerAddr); err != nil {
		t.Fatalf("release: %v", err)
	}
	if got := tc.ledgerA.TokenBalance(tc.stableA, buyerAddr); got.Cmp(h.Amount) != 0 {
		t.Fatalf("released %s, want %s", got, h.Amount)
	}
}

func TestCrosschainPurchase_LostRaceAgainstLocalSale(t *testing.T) {
	tc := newTwoChains(t)
	key := ListingKey(nftContract, big.NewInt(1))

	if err := tc.marketA.List(tc.ctx, sellerAddr, nftContract, big.NewInt(1), eth(10), true); err != nil {
		t.Fatalf("list: %v", err)
	}
	msgID, err := tc.marketB.BuyCrosschain(tc.ctx, buyerAddr, CrosschainOrder{
		Destination: 1, AssetContract: nftContract, AssetID: big.NewInt(1),
		Recipient: otherAddr, Price: eth(10), Value: eth(11),
	})
	if err != nil {
		t.Fatalf("buy crosschain: %v", err)
	}

	// The seller delists while the purchase is in flight.
	if err := tc.marketA.Delist(tc.ctx, sellerAddr, nftContract, big.NewInt(1)); err != nil {
		t.Fatalf("delist: %v", err)
	}

	err = tc.net.DeliverAll(tc.ctx)[msgID]
	if !errors.Is(err, ErrNotActiveCrosschainListing) {
		t.Fatalf("expected ErrNotActiveCrosschainListing, got %v", err)
	}
	owner, _ := tc.ledgerA.OwnerOf(tc.ctx, nftContract, big.NewInt(1))
	if owner != sellerAddr {
		t.Fatalf("stale purchase took the asset: held by %s", owner.Hex())
	}
	h, ok := tc.marketA.HeldFor(key)
	if !ok || h.Reason != HoldStaleDelivery {
		t.Fatalf("held credit = %+v, ok=%v", h, ok)
	}
}

func TestCrosschainPurchase_QuoteMatchesRelay(t *testing.T) {
	tc := newTwoChains(t)
	fee, err := tc.marketB.QuoteRelayFee(tc.ctx, 1, nftContract, big.NewInt(1), otherAddr, chain.RelayOptions{})
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if fee.Cmp(eth(1)) != 0 {
		t.Fatalf("quoted fee %s, want %s", fee, eth(1))
	}
}
