package sim

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/portico-market/portico/internal/chain"
)

type pairKey struct {
	In  common.Address
	Out common.Address
}

// Venue is a deterministic swap venue over a Ledger's token balances. Each
// (in, out) pair has a fixed rate in basis points of the input amount, so
// tests can model conversion loss exactly (for example 9970 = 0.3% cost per
// hop). The MinOut floor is honored: a swap that would return less fails
// without moving balances.
type Venue struct {
	ledger *Ledger

	mu    sync.Mutex
	rates map[pairKey]uint64
}

// NewVenue creates a venue trading over ledger. Pairs start unpriced; swaps
// on an unpriced pair fail.
func NewVenue(ledger *Ledger) *Venue {
	return &Venue{
		ledger: ledger,
		rates:  make(map[pairKey]uint64),
	}
}

// SetRate fixes the output rate for swapping tokenIn into tokenOut, in basis
// points of the input amount.
func (v *Venue) SetRate(tokenIn, tokenOut common.Address, bps uint64) {
	v.mu.Lock()
	v.rates[pairKey{In: tokenIn, Out: tokenOut}] = bps
	v.mu.Unlock()
}

// SwapExactInput implements chain.SwapVenue.
func (v *Venue) SwapExactInput(ctx context.Context, params chain.SwapParams) (*big.Int, error) {
	v.mu.Lock()
	rate, ok := v.rates[pairKey{In: params.TokenIn, Out: params.TokenOut}]
	v.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("sim: no liquidity for %s -> %s", params.TokenIn.Hex(), params.TokenOut.Hex())
	}

	out := new(big.Int).Mul(params.AmountIn, new(big.Int).SetUint64(rate))
	out.Div(out, big.NewInt(10_000))
	if params.MinOut != nil && out.Cmp(params.MinOut) < 0 {
		return nil, fmt.Errorf("sim: output %s below floor %s", out, params.MinOut)
	}

	// Pull the input from the recipient account (the marketplace swaps from
	// its own balance) and credit the output.
	v.ledger.mu.Lock()
	defer v.ledger.mu.Unlock()
	if err := v.ledger.debitToken(params.TokenIn, params.Recipient, params.AmountIn); err != nil {
		return nil, err
	}
	v.ledger.creditToken(params.TokenOut, params.Recipient, out)
	return out, nil
}
