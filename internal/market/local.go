package market

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// BuyLocal settles a same-ledger purchase. value is the buyer's attached
// native payment and must exactly equal the listing price: exactness is
// enforced rather than reconciled, so there is no overpayment refund path.
//
// Settlement is all-or-nothing: payment is collected on the marketplace
// account first, and if the asset transfer then fails the payment is
// returned and no state changes.
func (m *Market) BuyLocal(ctx context.Context, buyer, assetContract common.Address, assetID *big.Int, recipient common.Address, value *big.Int) error {
	key := ListingKey(assetContract, assetID)

	m.mu.Lock()
	defer m.mu.Unlock()

	l := m.lookup(key)
	if l.Status != StatusActiveLocal {
		return fmt.Errorf("%w: %s is %s", ErrNotActiveLocalListing, key.Hex(), l.Status)
	}
	switch value.Cmp(l.Price) {
	case -1:
		return fmt.Errorf("%w: need %s, got %s", ErrInsufficientFunds, l.Price, value)
	case 1:
		return fmt.Errorf("%w: need exactly %s, got %s", ErrExcessFunds, l.Price, value)
	}

	// Collect the payment, then move the asset. The asset transfer is the
	// step that can legitimately fail (seller moved or unapproved the asset),
	// so the payment is returned on failure.
	if err := m.c.Bank.Transfer(ctx, buyer, m.account, l.Price); err != nil {
		return fmt.Errorf("%w: %v", ErrInsufficientFunds, err)
	}
	if err := m.c.Assets.TransferFrom(ctx, assetContract, l.Seller, recipient, assetID); err != nil {
		if rerr := m.c.Bank.Transfer(ctx, m.account, buyer, l.Price); rerr != nil {
			return fmt.Errorf("asset transfer failed (%v) and refund failed: %w", err, rerr)
		}
		return fmt.Errorf("asset transfer: %w", err)
	}

	fee := m.cfg.Fees().Amount(l.Price)
	net := new(big.Int).Sub(l.Price, fee)
	if err := m.c.Bank.Transfer(ctx, m.account, l.Seller, net); err != nil {
		return fmt.Errorf("seller payout: %w", err)
	}
	m.accrued.Add(m.accrued, fee)
	m.listings[key].Status = StatusInactive

	m.emit(MarketEvent{
		Kind: EventSoldLocal, Chain: m.chainID, Key: key,
		AssetContract: assetContract, AssetID: new(big.Int).Set(assetID),
		Seller: l.Seller, Recipient: recipient,
		Amount: new(big.Int).Set(l.Price), Status: StatusInactive,
	})
	return nil
}
