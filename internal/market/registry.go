package market

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// List creates (or overwrites) the listing for (assetContract, assetID) at
// the given native-unit price. crossChain selects whether the listing can be
// settled from another ledger. No custody moves at listing time; the seller
// grants the marketplace a standing transfer approval separately.
func (m *Market) List(ctx context.Context, caller, assetContract common.Address, assetID, price *big.Int, crossChain bool) error {
	if !m.cfg.IsApproved(assetContract) {
		return fmt.Errorf("%w: %s", ErrNotApprovedNFT, assetContract.Hex())
	}
	if price == nil || price.Sign() <= 0 {
		return ErrInvalidPrice
	}
	holder, err := m.c.Assets.OwnerOf(ctx, assetContract, assetID)
	if err != nil {
		return fmt.Errorf("list: owner query: %w", err)
	}
	if holder != caller {
		return fmt.Errorf("%w: held by %s", ErrNotTokenOwner, holder.Hex())
	}

	status := StatusActiveLocal
	if crossChain {
		status = StatusActiveCrosschain
	}
	key := ListingKey(assetContract, assetID)

	m.mu.Lock()
	m.listings[key] = &Listing{
		Seller:        caller,
		AssetContract: assetContract,
		AssetID:       new(big.Int).Set(assetID),
		Price:         new(big.Int).Set(price),
		Status:        status,
	}
	m.mu.Unlock()

	m.emit(MarketEvent{
		Kind: EventListed, Chain: m.chainID, Key: key,
		AssetContract: assetContract, AssetID: new(big.Int).Set(assetID),
		Seller: caller, Amount: new(big.Int).Set(price), Status: status,
	})
	return nil
}

// EditPrice updates the price of an active listing without changing its
// status. Only the current asset holder may edit.
func (m *Market) EditPrice(ctx context.Context, caller, assetContract common.Address, assetID, newPrice *big.Int) error {
	if newPrice == nil || newPrice.Sign() <= 0 {
		return ErrInvalidPrice
	}
	if err := m.requireHolder(ctx, caller, assetContract, assetID); err != nil {
		return err
	}
	key := ListingKey(assetContract, assetID)

	m.mu.Lock()
	l, ok := m.listings[key]
	if !ok || l.Status == StatusInactive {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownListing, key.Hex())
	}
	l.Price = new(big.Int).Set(newPrice)
	status := l.Status
	seller := l.Seller
	m.mu.Unlock()

	m.emit(MarketEvent{
		Kind: EventPriceEdited, Chain: m.chainID, Key: key,
		AssetContract: assetContract, AssetID: new(big.Int).Set(assetID),
		Seller: seller, Amount: new(big.Int).Set(newPrice), Status: status,
	})
	return nil
}

// Delist sets the listing back to inactive. Only the current asset holder
// may delist.
func (m *Market) Delist(ctx context.Context, caller, assetContract common.Address, assetID *big.Int) error {
	if err := m.requireHolder(ctx, caller, assetContract, assetID); err != nil {
		return err
	}
	key := ListingKey(assetContract, assetID)

	m.mu.Lock()
	l, ok := m.listings[key]
	if ok {
		l.Status = StatusInactive
	}
	m.mu.Unlock()

	m.emit(MarketEvent{
		Kind: EventDelisted, Chain: m.chainID, Key: key,
		AssetContract: assetContract, AssetID: new(big.Int).Set(assetID),
		Seller: caller, Status: StatusInactive,
	})
	return nil
}

// Listing returns the listing for key, or a zeroed record with
// StatusInactive when absent.
func (m *Market) Listing(key common.Hash) Listing {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lookup(key)
}

// requireHolder checks that caller currently holds the asset.
func (m *Market) requireHolder(ctx context.Context, caller, assetContract common.Address, assetID *big.Int) error {
	holder, err := m.c.Assets.OwnerOf(ctx, assetContract, assetID)
	if err != nil {
		return fmt.Errorf("owner query: %w", err)
	}
	if holder != caller {
		return fmt.Errorf("%w: held by %s", ErrNotTokenOwner, holder.Hex())
	}
	return nil
}
