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

var peerBytes = []byte{0xCA, 0xFE, 0x01}

// crossEnv prepares an env for outbound settlement: trusted peer registered
// and the wrapped -> stable pair priced at 9970 bps (0.3% conversion cost).
func crossEnv(t *testing.T) *env {
	t.Helper()
	e := newEnv(t)
	if err := e.cfg.SetTrustedPeer(ownerAddr, destChain, peerBytes); err != nil {
		t.Fatal(err)
	}
	e.venue.SetRate(wrappedTok, stableTok, 9970)
	return e
}

func order(price *big.Int) CrosschainOrder {
	return CrosschainOrder{
		Destination:   destChain,
		AssetContract: nftContract,
		AssetID:       big.NewInt(9),
		Recipient:     buyerAddr,
		Price:         price,
		Value:         new(big.Int).Add(price, eth(1)), // price + quoted relay fee
	}
}

func TestBuyCrosschain_UnknownDestination(t *testing.T) {
	e := crossEnv(t)
	o := order(eth(10))
	o.Destination = 99
	_, err := e.market.BuyCrosschain(e.ctx, buyerAddr, o)
	if !errors.Is(err, ErrUnknownDestination) {
		t.Fatalf("expected ErrUnknownDestination, got %v", err)
	}
}

type haltedGate struct{}

func (haltedGate) CanDispatch(chain.ChainID) bool { return false }

func TestBuyCrosschain_GateHalted(t *testing.T) {
	e := crossEnv(t)
	m := New(1, marketAddr, e.cfg, Collaborators{
		Assets: e.ledger, Bank: e.ledger, Tokens: e.ledger, Wrapped: e.ledger,
		Venue: e.venue, Relay: e.relay, Gate: haltedGate{},
		WrappedToken: wrappedTok, StableToken: stableTok,
	})
	_, err := m.BuyCrosschain(e.ctx, buyerAddr, order(eth(10)))
	if !errors.Is(err, ErrRelayHalted) {
		t.Fatalf("expected ErrRelayHalted, got %v", err)
	}
}

func TestBuyCrosschain_ValueMustCoverPriceAndFee(t *testing.T) {
	e := crossEnv(t)
	o := order(eth(10))
	o.Value = eth(10) // fee not covered
	_, err := e.market.BuyCrosschain(e.ctx, buyerAddr, o)
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	bal, _ := e.ledger.Balance(e.ctx, buyerAddr)
	if bal.Cmp(eth(100)) != 0 {
		t.Fatalf("buyer charged on rejected order: %s", bal)
	}
}

func TestBuyCrosschain_Dispatch(t *testing.T) {
	e := crossEnv(t)
	msgID, err := e.market.BuyCrosschain(e.ctx, buyerAddr, order(eth(10)))
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if msgID.Big().Sign() == 0 {
		t.Fatal("zero message id")
	}

	wantStable := new(big.Int).Mul(eth(10), big.NewInt(9970))
	wantStable.Div(wantStable, big.NewInt(10_000))

	e.relay.mu.Lock()
	defer e.relay.mu.Unlock()
	if e.relay.sends != 1 {
		t.Fatalf("sends = %d", e.relay.sends)
	}
	if e.relay.sentDest != destChain {
		t.Fatalf("sent to chain %d", e.relay.sentDest)
	}
	if string(e.relay.sentTo) != string(peerBytes) {
		t.Fatalf("sent to peer %x", e.relay.sentTo)
	}
	if e.relay.sentToken != stableTok {
		t.Fatalf("sent token %s", e.relay.sentToken.Hex())
	}
	if e.relay.sentAmount.Cmp(wantStable) != 0 {
		t.Fatalf("sent amount %s, want %s", e.relay.sentAmount, wantStable)
	}
	// The excess over price rides along as relay payment.
	if e.relay.sentValue.Cmp(eth(1)) != 0 {
		t.Fatalf("relay value %s, want %s", e.relay.sentValue, eth(1))
	}

	bal, _ := e.ledger.Balance(e.ctx, buyerAddr)
	if bal.Cmp(eth(89)) != 0 {
		t.Fatalf("buyer balance %s, want %s", bal, eth(89))
	}
}

func TestBuyCrosschain_SwapFailureRefunds(t *testing.T) {
	e := crossEnv(t)
	o := order(eth(10))
	// Floor above what the venue can deliver at 9970 bps.
	o.MinStableOut = eth(10)
	_, err := e.market.BuyCrosschain(e.ctx, buyerAddr, o)
	if !errors.Is(err, ErrSwapFailed) {
		t.Fatalf("expected ErrSwapFailed, got %v", err)
	}

	bal, _ := e.ledger.Balance(e.ctx, buyerAddr)
	if bal.Cmp(eth(100)) != 0 {
		t.Fatalf("buyer not refunded: %s", bal)
	}
	if got := e.ledger.TokenBalance(wrappedTok, marketAddr); got.Sign() != 0 {
		t.Fatalf("wrapped residue on marketplace: %s", got)
	}
	if e.relay.sends != 0 {
		t.Fatal("dispatched despite failed swap")
	}
}

// failingUnwrap is a WrappedNative whose unwrap leg always fails.
type failingUnwrap struct {
	*sim.Ledger
}

func (failingUnwrap) Withdraw(context.Context, common.Address, *big.Int) error {
	return errors.New("unwrap reverted")
}

func TestBuyCrosschain_UnwindFailureParksWrapped(t *testing.T) {
	e := crossEnv(t)
	m := New(1, marketAddr, e.cfg, Collaborators{
		Assets: e.ledger, Bank: e.ledger, Tokens: e.ledger,
		Wrapped: failingUnwrap{e.ledger},
		Venue:   e.venue, Relay: e.relay,
		WrappedToken: wrappedTok, StableToken: stableTok,
	})

	o := order(eth(10))
	o.MinStableOut = eth(10) // floor above what the venue can deliver
	_, err := m.BuyCrosschain(e.ctx, buyerAddr, o)
	if !errors.Is(err, ErrSwapFailed) {
		t.Fatalf("expected ErrSwapFailed, got %v", err)
	}

	// Only the relay portion returns to the buyer; the wrapped price stays
	// on the marketplace account as a recorded credit.
	bal, _ := e.ledger.Balance(e.ctx, buyerAddr)
	if bal.Cmp(eth(90)) != 0 {
		t.Fatalf("buyer balance %s, want %s", bal, eth(90))
	}
	if got := e.ledger.TokenBalance(wrappedTok, marketAddr); got.Cmp(eth(10)) != 0 {
		t.Fatalf("wrapped on marketplace = %s, want %s", got, eth(10))
	}

	key := ListingKey(o.AssetContract, o.AssetID)
	h, ok := m.HeldFor(key)
	if !ok {
		t.Fatal("no held credit after failed unwind")
	}
	if h.Reason != HoldRefundFailed || h.Token != wrappedTok || h.Amount.Cmp(eth(10)) != 0 {
		t.Fatalf("held credit = %+v", h)
	}
	if h.Source != m.ChainID() {
		t.Fatalf("held source = %d, want local chain", h.Source)
	}
	if e.relay.sends != 0 {
		t.Fatal("dispatched despite failed swap")
	}

	// The parked wrapped tokens remain releasable by the owner.
	if err := m.ReleaseHeld(e.ctx, ownerAddr, key, buyerAddr); err != nil {
		t.Fatalf("release: %v", err)
	}
	if got := e.ledger.TokenBalance(wrappedTok, buyerAddr); got.Cmp(eth(10)) != 0 {
		t.Fatalf("released %s wrapped, want %s", got, eth(10))
	}
}

func TestBuyCrosschain_SendFailureHoldsStable(t *testing.T) {
	e := crossEnv(t)
	e.relay.sendErr = errors.New("gateway down")

	o := order(eth(10))
	_, err := e.market.BuyCrosschain(e.ctx, buyerAddr, o)
	if err == nil {
		t.Fatal("expected send failure")
	}

	key := ListingKey(o.AssetContract, o.AssetID)
	h, ok := e.market.HeldFor(key)
	if !ok {
		t.Fatal("no held credit after failed dispatch")
	}
	if h.Reason != HoldDispatchFailed {
		t.Fatalf("hold reason = %s", h.Reason)
	}
	if h.Token != stableTok {
		t.Fatalf("held token %s, want stable", h.Token.Hex())
	}
	wantStable := new(big.Int).Mul(eth(10), big.NewInt(9970))
	wantStable.Div(wantStable, big.NewInt(10_000))
	if h.Amount.Cmp(wantStable) != 0 {
		t.Fatalf("held amount %s, want %s", h.Amount, wantStable)
	}
}

func TestQuoteRelayFee(t *testing.T) {
	e := crossEnv(t)
	fee, err := e.market.QuoteRelayFee(e.ctx, destChain, nftContract, big.NewInt(9), buyerAddr, chain.RelayOptions{})
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if fee.Cmp(eth(1)) != 0 {
		t.Fatalf("fee %s, want %s", fee, eth(1))
	}
}
