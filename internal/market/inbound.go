package market

import (
	"bytes"
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/portico-market/portico/internal/chain"
)

// Receive is the relay callback on the asset's home ledger: it validates the
// claimed sender against the trusted-peer registry, converts the bridged
// stable amount back to native value under the configured tolerance floor,
// and finalizes the listing.
//
// Trusted-peer equality is the sole integrity check binding this call to a
// legitimate outbound initiation; there is no per-purchase cryptographic
// binding beyond peer trust plus relay delivery.
//
// Failures after funds have arrived never drop them: the amount is recorded
// as a held credit and surfaced via EventHeld so it can be retried or
// released. The returned error reports the condition to the relay adapter
// without poisoning the delivery pathway for other messages.
func (m *Market) Receive(ctx context.Context, msg chain.InboundMessage) error {
	peer, ok := m.cfg.TrustedPeer(msg.Source)
	if !ok || !bytes.Equal(peer, msg.Sender) {
		return fmt.Errorf("%w: chain %d sender %x", ErrUntrustedSender, msg.Source, msg.Sender)
	}
	p, err := chain.DecodePurchase(msg.Payload)
	if err != nil {
		// The funds already arrived but carry a payload this engine cannot
		// act on. Park them under a delivery-derived key so the credit is
		// visible and releasable.
		m.mu.Lock()
		m.holdLocked(deliveryKey(msg), msg.Token, msg.Amount, HoldBadPayload, msg.Source)
		m.mu.Unlock()
		return err
	}
	key := ListingKey(p.AssetContract, p.AssetID)

	m.mu.Lock()
	defer m.mu.Unlock()

	l := m.lookup(key)
	if l.Status != StatusActiveCrosschain {
		// Duplicate or out-of-order delivery for a key that already settled
		// (or was never cross-chain listed). Fail safe: no transfer, no
		// re-credit, but keep the bridged funds reconcilable.
		m.holdLocked(key, msg.Token, msg.Amount, HoldStaleDelivery, msg.Source)
		return fmt.Errorf("%w: %s is %s", ErrNotActiveCrosschainListing, key.Hex(), l.Status)
	}

	out, err := m.swapInbound(ctx, msg.Token, msg.Amount, l.Price)
	if err != nil {
		m.holdLocked(key, msg.Token, msg.Amount, HoldSwapFailed, msg.Source)
		return fmt.Errorf("%w: %v", ErrSwapFailed, err)
	}
	return m.finalizeLocked(ctx, key, l, p.Recipient, out, msg.Source)
}

// deliveryKey derives a held-credit key for a delivery whose payload cannot
// name a listing.
func deliveryKey(msg chain.InboundMessage) common.Hash {
	return crypto.Keccak256Hash(
		new(big.Int).SetUint64(uint64(msg.Source)).Bytes(),
		msg.Sender,
		new(big.Int).SetUint64(msg.Nonce).Bytes(),
	)
}

// swapInbound converts a bridged stable amount into native value: stable ->
// wrapped on the venue, floored by the inbound tolerance policy, then
// unwrapped. Returns the realized native amount.
func (m *Market) swapInbound(ctx context.Context, token common.Address, amount, price *big.Int) (*big.Int, error) {
	out, err := m.c.Venue.SwapExactInput(ctx, chain.SwapParams{
		TokenIn:   token,
		TokenOut:  m.c.WrappedToken,
		Recipient: m.account,
		Deadline:  m.nowFunc().Add(swapDeadline),
		AmountIn:  amount,
		MinOut:    m.cfg.Inbound().MinOut(price),
	})
	if err != nil {
		return nil, err
	}
	if err := m.c.Wrapped.Withdraw(ctx, m.account, out); err != nil {
		return nil, fmt.Errorf("unwrap: %w", err)
	}
	return out, nil
}

// finalizeLocked transfers the asset, splits the realized value into fee and
// seller payout, and closes the listing. Caller holds m.mu. It never touches
// an existing held credit for the key: realized arrived with this attempt,
// so a credit parked by an earlier failure must survive the finalization.
func (m *Market) finalizeLocked(ctx context.Context, key common.Hash, l Listing, recipient common.Address, realized *big.Int, source chain.ChainID) error {
	if err := m.c.Assets.TransferFrom(ctx, l.AssetContract, l.Seller, recipient, l.AssetID); err != nil {
		// Value is already native on our account; park it.
		m.holdLocked(key, chain.NativeToken, realized, HoldTransferFailed, source)
		return fmt.Errorf("finalize asset transfer: %w", err)
	}

	fee := m.cfg.Fees().Amount(realized)
	net := new(big.Int).Sub(realized, fee)
	if err := m.c.Bank.Transfer(ctx, m.account, l.Seller, net); err != nil {
		return fmt.Errorf("finalize seller payout: %w", err)
	}
	m.accrued.Add(m.accrued, fee)
	m.listings[key].Status = StatusInactive

	m.emit(MarketEvent{
		Kind: EventFinalized, Chain: m.chainID, Key: key,
		AssetContract: l.AssetContract, AssetID: new(big.Int).Set(l.AssetID),
		Seller: l.Seller, Recipient: recipient,
		Amount: new(big.Int).Set(realized), Status: StatusInactive,
		Source: source,
	})
	return nil
}

// RetryFinalize re-attempts a finalization whose swap or asset transfer
// previously failed, consuming the held credit. Stale-delivery credits are
// not retryable; they can only be released by the owner.
func (m *Market) RetryFinalize(ctx context.Context, key common.Hash, recipient common.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.held[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoHeldCredit, key.Hex())
	}
	if h.Reason != HoldSwapFailed && h.Reason != HoldTransferFailed {
		return fmt.Errorf("%w: credit is %s, not retryable", ErrNoHeldCredit, h.Reason)
	}
	l := m.lookup(key)
	if l.Status != StatusActiveCrosschain {
		return fmt.Errorf("%w: %s is %s", ErrNotActiveCrosschainListing, key.Hex(), l.Status)
	}

	realized := h.Amount
	if h.Reason == HoldSwapFailed {
		out, err := m.swapInbound(ctx, h.Token, h.Amount, l.Price)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrSwapFailed, err)
		}
		realized = out
	}
	// The credit's funds are committed to this attempt; take it out of the
	// ledger so a transfer failure below re-records it (as native) instead
	// of stacking on top of it.
	source := h.Source
	delete(m.held, key)
	return m.finalizeLocked(ctx, key, l, recipient, realized, source)
}

// ReleaseHeld pays a held credit out to an owner-designated address, for
// manual reconciliation of settlements that cannot complete (for example a
// purchase that lost the race for its listing). Owner only. Non-native
// credits are released in their bridged token.
func (m *Market) ReleaseHeld(ctx context.Context, caller common.Address, key common.Hash, to common.Address) error {
	if caller != m.cfg.Owner() {
		return fmt.Errorf("%w: %s", ErrNotOwner, caller.Hex())
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.held[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoHeldCredit, key.Hex())
	}
	if h.Token == chain.NativeToken {
		if err := m.c.Bank.Transfer(ctx, m.account, to, h.Amount); err != nil {
			return fmt.Errorf("release held: %w", err)
		}
	} else {
		if err := m.c.Tokens.TransferToken(ctx, h.Token, m.account, to, h.Amount); err != nil {
			return fmt.Errorf("release held: %w", err)
		}
	}
	amount := new(big.Int).Set(h.Amount)
	token := h.Token
	delete(m.held, key)

	m.emit(MarketEvent{
		Kind: EventReleased, Chain: m.chainID, Key: key,
		Recipient: to, Amount: amount, Reason: token.Hex(),
	})
	return nil
}

// holdLocked records funds that could not settle. Caller holds m.mu.
// A same-token credit for the key is topped up; a different-token credit is
// overwritten, with the event stream carrying the full history for
// reconciliation.
func (m *Market) holdLocked(key common.Hash, token common.Address, amount *big.Int, reason HoldReason, source chain.ChainID) {
	if h, ok := m.held[key]; ok && h.Token == token {
		h.Amount = new(big.Int).Add(h.Amount, amount)
		h.Reason = reason
		h.Source = source
	} else {
		m.held[key] = &HeldCredit{Token: token, Amount: new(big.Int).Set(amount), Reason: reason, Source: source}
	}
	m.emit(MarketEvent{
		Kind: EventHeld, Chain: m.chainID, Key: key,
		Amount: new(big.Int).Set(amount), Reason: reason.String(),
		Source: source,
	})
}
