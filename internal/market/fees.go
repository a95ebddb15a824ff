package market

import "math/big"

// FeeDenominator is the fixed basis-point denominator for all fee and
// tolerance arithmetic.
const FeeDenominator = 10_000

// FeePolicy is the pure fee calculation shared by local and cross-chain
// settlement, so the two paths are fee-equivalent.
type FeePolicy struct {
	Bps uint64
}

// Amount returns price * Bps / FeeDenominator, rounded down.
func (p FeePolicy) Amount(price *big.Int) *big.Int {
	fee := new(big.Int).Mul(price, new(big.Int).SetUint64(p.Bps))
	return fee.Div(fee, big.NewInt(FeeDenominator))
}

// NetToSeller returns price - Amount(price).
func (p FeePolicy) NetToSeller(price *big.Int) *big.Int {
	return new(big.Int).Sub(price, p.Amount(price))
}

// InboundPolicy sizes the minimum acceptable output of the inbound swap leg.
// ExpectedRateBps is the share of the listed price expected to survive the
// round-trip conversion (wrap, swap out, bridge, swap back); ToleranceBps is
// the acceptance band below that expectation. Both are policy knobs, not
// constants: the observed values are defaults only.
type InboundPolicy struct {
	ExpectedRateBps uint64
	ToleranceBps    uint64
}

// MinOut returns the swap floor for a listing priced at price:
// price * (ExpectedRateBps - ToleranceBps) / FeeDenominator.
func (p InboundPolicy) MinOut(price *big.Int) *big.Int {
	rate := p.ExpectedRateBps
	if p.ToleranceBps >= rate {
		rate = 0
	} else {
		rate -= p.ToleranceBps
	}
	out := new(big.Int).Mul(price, new(big.Int).SetUint64(rate))
	return out.Div(out, big.NewInt(FeeDenominator))
}
