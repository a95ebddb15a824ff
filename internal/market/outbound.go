package market

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/portico-market/portico/internal/chain"
)

// swapDeadline bounds how long a venue may sit on a swap before it must
// fail instead of executing at a stale price.
const swapDeadline = 2 * time.Minute

// CrosschainOrder is a buyer's request to purchase an asset listed on
// another ledger.
type CrosschainOrder struct {
	Destination   chain.ChainID
	AssetContract common.Address // address on the destination ledger
	AssetID       *big.Int
	Recipient     common.Address // recipient on the destination ledger

	// Price is the listing price in the destination ledger's native units,
	// as agreed off-chain with the seller.
	Price *big.Int

	// MinStableOut is the buyer's slippage floor for the outbound swap of
	// Price into the bridgeable stable asset.
	MinStableOut *big.Int

	// Value is the attached native payment; it must cover Price plus the
	// quoted relay fee. Any excess above Price is forwarded to the relay.
	Value *big.Int

	Options chain.RelayOptions
}

// QuoteRelayFee mirrors the relay network's fee model for the message a
// purchase of (assetContract, assetID) would dispatch. Callers size their
// attached value from this quote; the engine does not quote implicitly
// because the relay's fee model is external and may move between quote
// and send.
func (m *Market) QuoteRelayFee(ctx context.Context, dest chain.ChainID, assetContract common.Address, assetID *big.Int, recipient common.Address, opts chain.RelayOptions) (*big.Int, error) {
	payload, err := chain.EncodePurchase(chain.Purchase{AssetContract: assetContract, AssetID: assetID, Recipient: recipient})
	if err != nil {
		return nil, err
	}
	fee, err := m.c.Relay.QuoteFee(ctx, dest, payload, opts)
	if err != nil {
		return nil, fmt.Errorf("quote relay fee: %w", err)
	}
	return fee, nil
}

// BuyCrosschain initiates a purchase of an asset listed on another ledger.
// The price portion of the attached value is wrapped, swapped into the
// bridgeable stable asset under the buyer's slippage floor, and dispatched
// with the purchase payload to the destination's trusted peer. Returns the
// relay-assigned message identifier.
//
// The home-ledger listing is not mutated here: the registry on the asset's
// home ledger stays authoritative, and closes only on finalization.
func (m *Market) BuyCrosschain(ctx context.Context, buyer common.Address, order CrosschainOrder) (common.Hash, error) {
	peer, ok := m.cfg.TrustedPeer(order.Destination)
	if !ok {
		return common.Hash{}, fmt.Errorf("%w: chain %d", ErrUnknownDestination, order.Destination)
	}
	if m.c.Gate != nil && !m.c.Gate.CanDispatch(order.Destination) {
		return common.Hash{}, fmt.Errorf("%w: chain %d", ErrRelayHalted, order.Destination)
	}
	payload, err := chain.EncodePurchase(chain.Purchase{
		AssetContract: order.AssetContract,
		AssetID:       order.AssetID,
		Recipient:     order.Recipient,
	})
	if err != nil {
		return common.Hash{}, err
	}

	fee, err := m.c.Relay.QuoteFee(ctx, order.Destination, payload, order.Options)
	if err != nil {
		return common.Hash{}, fmt.Errorf("quote relay fee: %w", err)
	}
	required := new(big.Int).Add(order.Price, fee)
	if order.Value.Cmp(required) < 0 {
		return common.Hash{}, fmt.Errorf("%w: need %s (price %s + relay fee %s), got %s",
			ErrInsufficientFunds, required, order.Price, fee, order.Value)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Collect the full attached value, then convert the price portion:
	// native -> wrapped -> stable, under the buyer's floor.
	if err := m.c.Bank.Transfer(ctx, buyer, m.account, order.Value); err != nil {
		return common.Hash{}, fmt.Errorf("%w: %v", ErrInsufficientFunds, err)
	}
	relayValue := new(big.Int).Sub(order.Value, order.Price)

	if err := m.c.Wrapped.Deposit(ctx, m.account, order.Price); err != nil {
		m.refundNative(ctx, buyer, order.Value)
		return common.Hash{}, fmt.Errorf("wrap native: %w", err)
	}
	stableOut, err := m.c.Venue.SwapExactInput(ctx, chain.SwapParams{
		TokenIn:   m.c.WrappedToken,
		TokenOut:  m.c.StableToken,
		Recipient: m.account,
		Deadline:  m.nowFunc().Add(swapDeadline),
		AmountIn:  order.Price,
		MinOut:    order.MinStableOut,
	})
	if err != nil {
		// Unwind the wrap and return the whole payment. If the unwind
		// itself fails, the price sits wrapped on our account: park it so
		// it stays reconcilable, and return the relay portion, which never
		// left native form.
		if uerr := m.c.Wrapped.Withdraw(ctx, m.account, order.Price); uerr != nil {
			key := ListingKey(order.AssetContract, order.AssetID)
			m.holdLocked(key, m.c.WrappedToken, order.Price, HoldRefundFailed, m.chainID)
			m.refundNative(ctx, buyer, relayValue)
		} else {
			m.refundNative(ctx, buyer, order.Value)
		}
		return common.Hash{}, fmt.Errorf("%w: %v", ErrSwapFailed, err)
	}

	msgID, err := m.c.Relay.Send(ctx, order.Destination, peer, m.c.StableToken, stableOut,
		payload, buyer, relayValue, order.Options)
	if err != nil {
		// The stable leg already executed and cannot be unwound here. Park
		// it for the buyer so the funds stay reconcilable.
		key := ListingKey(order.AssetContract, order.AssetID)
		m.holdLocked(key, m.c.StableToken, stableOut, HoldDispatchFailed, m.chainID)
		return common.Hash{}, fmt.Errorf("relay send: %w", err)
	}

	key := ListingKey(order.AssetContract, order.AssetID)
	m.emit(MarketEvent{
		Kind: EventDispatched, Chain: m.chainID, Key: key,
		AssetContract: order.AssetContract, AssetID: new(big.Int).Set(order.AssetID),
		Recipient: order.Recipient, Amount: stableOut,
		Dest: order.Destination, MessageID: msgID,
	})
	return msgID, nil
}

// refundNative best-effort returns value to the buyer after an aborted
// outbound settlement.
func (m *Market) refundNative(ctx context.Context, buyer common.Address, value *big.Int) {
	_ = m.c.Bank.Transfer(ctx, m.account, buyer, value)
}
