package chain

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ChainID identifies a ledger in the relay network's address space.
type ChainID uint64

// NativeToken is the sentinel address used where a token address is expected
// but the value is held in the ledger's native unit.
var NativeToken = common.Address{}

// AssetRegistry is the non-fungible asset collaborator. Transfers rely on a
// standing approval granted by the asset holder to the marketplace; a missing
// approval surfaces as a TransferFrom error.
type AssetRegistry interface {
	// OwnerOf returns the current holder of (contract, id).
	OwnerOf(ctx context.Context, contract common.Address, id *big.Int) (common.Address, error)

	// TransferFrom moves (contract, id) from its holder to the recipient.
	// Fails if from no longer holds the asset or approval is missing.
	TransferFrom(ctx context.Context, contract, from, to common.Address, id *big.Int) error
}

// Bank moves native-unit value between accounts on the local ledger.
type Bank interface {
	Transfer(ctx context.Context, from, to common.Address, amount *big.Int) error
	Balance(ctx context.Context, account common.Address) (*big.Int, error)
}

// TokenBank moves token balances between accounts on the local ledger
// (the stable asset and the wrapped native token).
type TokenBank interface {
	TransferToken(ctx context.Context, token, from, to common.Address, amount *big.Int) error
}

// WrappedNative wraps and unwraps the ledger's native unit into its
// token form so it can be traded on the swap venue.
type WrappedNative interface {
	// Deposit converts amount of account's native balance into wrapped tokens.
	Deposit(ctx context.Context, account common.Address, amount *big.Int) error

	// Withdraw converts amount of account's wrapped tokens back to native.
	Withdraw(ctx context.Context, account common.Address, amount *big.Int) error
}

// SwapParams describes an exact-input single-hop swap.
type SwapParams struct {
	TokenIn   common.Address
	TokenOut  common.Address
	Recipient common.Address
	Deadline  time.Time
	AmountIn  *big.Int

	// MinOut is the slippage floor. Production paths always set it non-zero;
	// the venue must fail the swap rather than return less.
	MinOut *big.Int
}

// SwapVenue executes swaps at spot price, subject to the MinOut floor.
type SwapVenue interface {
	// SwapExactInput swaps AmountIn of TokenIn for TokenOut, crediting the
	// realized output to Recipient. Returns the realized output amount.
	SwapExactInput(ctx context.Context, params SwapParams) (*big.Int, error)
}

// RelayOptions carries relay-network execution parameters that influence
// the fee quote and delivery (gas budget on the destination ledger).
type RelayOptions struct {
	GasLimit uint64
}

// InboundMessage is a relay delivery: bridged value plus the original
// payload, attributed to a sender contract on the source ledger. The
// attribution is the relay's claim, not a cryptographic proof; receivers
// must check it against their trusted-peer registry.
type InboundMessage struct {
	Source  ChainID
	Sender  []byte // address-bytes of the sending contract on Source
	Nonce   uint64
	Token   common.Address // bridged stable asset on the local ledger
	Amount  *big.Int
	Payload []byte
}

// Relay is the message-and-value bridge collaborator.
type Relay interface {
	// QuoteFee estimates the native-unit cost of relaying payload to dest.
	// The quote is advisory: the relay's fee model may move between quote
	// and send.
	QuoteFee(ctx context.Context, dest ChainID, payload []byte, opts RelayOptions) (*big.Int, error)

	// Send bridges amount of token together with payload to the contract at
	// to on dest. value is the native fee payment for the relay itself;
	// refund receives any unused fee on the source ledger. Returns the
	// relay-assigned message identifier.
	Send(ctx context.Context, dest ChainID, to []byte, token common.Address, amount *big.Int,
		payload []byte, refund common.Address, value *big.Int, opts RelayOptions) (common.Hash, error)
}

// Receiver is the inbound half of the relay boundary: the relay invokes it
// with each delivered message. Implemented by the marketplace finalizer.
type Receiver interface {
	Receive(ctx context.Context, msg InboundMessage) error
}
