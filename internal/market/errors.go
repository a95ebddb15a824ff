package market

import "errors"

// Sentinel errors for the settlement engine. Every failure mode is
// distinguishable with errors.Is so client tooling can render the cause.
var (
	ErrNotApprovedNFT = errors.New("asset contract not on the approved list")
	ErrNotTokenOwner  = errors.New("caller does not hold the asset")
	ErrInvalidPrice   = errors.New("price must be positive")

	ErrNotActiveLocalListing      = errors.New("listing is not active for local purchase")
	ErrNotActiveCrosschainListing = errors.New("listing is not active for cross-chain settlement")

	ErrInsufficientFunds = errors.New("attached value below required amount")
	ErrExcessFunds       = errors.New("attached value above required amount")

	ErrUnknownDestination = errors.New("no trusted peer registered for destination ledger")
	ErrUntrustedSender    = errors.New("inbound sender does not match trusted peer")
	ErrSwapFailed         = errors.New("swap venue failed or returned below floor")
	ErrRelayHalted        = errors.New("dispatch gate: relay unhealthy for destination")

	ErrNotOwner = errors.New("caller is not the marketplace owner")

	ErrNoHeldCredit   = errors.New("no held credit for listing key")
	ErrUnknownListing = errors.New("no active listing for key")
)
