package market

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/portico-market/portico/internal/chain"
)

// ListingStatus tracks the lifecycle of a listing. The zero value is
// StatusInactive so an absent registry entry reads as an inactive listing.
type ListingStatus uint8

const (
	StatusInactive ListingStatus = iota
	StatusActiveLocal
	StatusActiveCrosschain
)

func (s ListingStatus) String() string {
	switch s {
	case StatusInactive:
		return "inactive"
	case StatusActiveLocal:
		return "active-local"
	case StatusActiveCrosschain:
		return "active-crosschain"
	default:
		return "unknown"
	}
}

// Listing is a seller's standing offer for one asset at a fixed price,
// denominated in the home ledger's native unit. At most one listing exists
// per key; relisting overwrites terminal-state data.
type Listing struct {
	Seller        common.Address
	AssetContract common.Address
	AssetID       *big.Int
	Price         *big.Int
	Status        ListingStatus
}

// ListingKey derives the registry key for (assetContract, assetID).
func ListingKey(assetContract common.Address, assetID *big.Int) common.Hash {
	return crypto.Keccak256Hash(assetContract.Bytes(), assetID.FillBytes(make([]byte, 32)))
}

// HoldReason classifies why bridged funds were parked instead of settled.
type HoldReason uint8

const (
	HoldSwapFailed     HoldReason = iota + 1 // inbound swap reverted or missed its floor
	HoldTransferFailed                       // asset transfer failed after the swap
	HoldStaleDelivery                        // listing already closed when the message landed
	HoldDispatchFailed                       // outbound relay send failed after the swap
	HoldBadPayload                           // trusted delivery carried an undecodable payload
	HoldRefundFailed                         // aborted outbound could not unwind its wrap
)

func (r HoldReason) String() string {
	switch r {
	case HoldSwapFailed:
		return "swap-failed"
	case HoldTransferFailed:
		return "transfer-failed"
	case HoldStaleDelivery:
		return "stale-delivery"
	case HoldDispatchFailed:
		return "dispatch-failed"
	case HoldBadPayload:
		return "bad-payload"
	case HoldRefundFailed:
		return "refund-failed"
	default:
		return "unknown"
	}
}

// HeldCredit records bridged funds the finalizer received but could not
// settle. The balance stays on the marketplace account until it is retried
// or released by the owner. Source is the chain the funds arrived from, or
// the local chain for credits parked by an aborted outbound settlement.
type HeldCredit struct {
	Token  common.Address // chain.NativeToken once the swap leg succeeded
	Amount *big.Int
	Reason HoldReason
	Source chain.ChainID
}
