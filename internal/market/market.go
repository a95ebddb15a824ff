package market

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/portico-market/portico/internal/chain"
)

// DispatchGate is the interface for checking whether cross-chain dispatch
// is allowed for a destination. Satisfied by relay.Breaker.
type DispatchGate interface {
	CanDispatch(dest chain.ChainID) bool
}

// Collaborators bundles the external capabilities a Market settles through.
// Every field except Gate is required; a nil Gate always allows dispatch.
type Collaborators struct {
	Assets  chain.AssetRegistry
	Bank    chain.Bank
	Tokens  chain.TokenBank
	Wrapped chain.WrappedNative
	Venue   chain.SwapVenue
	Relay   chain.Relay
	Gate    DispatchGate

	// WrappedToken and StableToken are the local addresses of the wrapped
	// native token and the bridgeable stable asset used on the swap venue.
	WrappedToken common.Address
	StableToken  common.Address
}

// Market is one deployed marketplace instance bound to a single ledger.
// It owns the listing registry, executes local settlement, initiates and
// finalizes cross-chain purchases, and accrues fees on its own account.
//
// State-changing calls are serialized behind one mutex, mirroring the
// one-call-at-a-time execution model of the underlying ledger.
type Market struct {
	chainID chain.ChainID
	account common.Address // the marketplace's own settlement account
	cfg     *Config
	c       Collaborators

	mu       sync.Mutex
	listings map[common.Hash]*Listing
	held     map[common.Hash]*HeldCredit
	accrued  *big.Int

	events  chan MarketEvent
	nowFunc func() time.Time // injectable clock for testing
}

// New creates a Market for the given ledger, settling through account.
func New(chainID chain.ChainID, account common.Address, cfg *Config, c Collaborators) *Market {
	return &Market{
		chainID:  chainID,
		account:  account,
		cfg:      cfg,
		c:        c,
		listings: make(map[common.Hash]*Listing),
		held:     make(map[common.Hash]*HeldCredit),
		accrued:  new(big.Int),
		events:   make(chan MarketEvent, 256),
		nowFunc:  time.Now,
	}
}

// ChainID returns the ledger this instance is bound to.
func (m *Market) ChainID() chain.ChainID { return m.chainID }

// Account returns the marketplace's settlement account.
func (m *Market) Account() common.Address { return m.account }

// Config returns the injected trust and fee configuration.
func (m *Market) Config() *Config { return m.cfg }

// AccruedFees returns the fee balance retained by the marketplace account.
func (m *Market) AccruedFees() *big.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return new(big.Int).Set(m.accrued)
}

// HeldFor returns the held credit recorded for key, if any.
func (m *Market) HeldFor(key common.Hash) (HeldCredit, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.held[key]
	if !ok {
		return HeldCredit{}, false
	}
	return HeldCredit{Token: h.Token, Amount: new(big.Int).Set(h.Amount), Reason: h.Reason, Source: h.Source}, true
}

// WithdrawFees pays out accrued fees to the given address. Owner only.
// Cumulative withdrawal limits are enforced by the owner session at the
// call site, not here.
func (m *Market) WithdrawFees(ctx context.Context, caller, to common.Address, amount *big.Int) error {
	if caller != m.cfg.Owner() {
		return fmt.Errorf("%w: %s", ErrNotOwner, caller.Hex())
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if amount.Sign() <= 0 || m.accrued.Cmp(amount) < 0 {
		return fmt.Errorf("%w: accrued %s, requested %s", ErrInsufficientFunds, m.accrued, amount)
	}
	if err := m.c.Bank.Transfer(ctx, m.account, to, amount); err != nil {
		return fmt.Errorf("withdraw fees: %w", err)
	}
	m.accrued.Sub(m.accrued, amount)
	m.emit(MarketEvent{Kind: EventFeesWithdrawn, Chain: m.chainID, Recipient: to, Amount: new(big.Int).Set(amount)})
	return nil
}

// lookup returns the listing for key, or a zeroed inactive record.
func (m *Market) lookup(key common.Hash) Listing {
	if l, ok := m.listings[key]; ok {
		return *l
	}
	return Listing{Status: StatusInactive}
}
