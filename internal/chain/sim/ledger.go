// Package sim provides deterministic in-memory implementations of the chain
// collaborators for tests and the in-process devnet: a ledger (native
// balances, tokens, wrapped native, non-fungible assets with standing
// approvals), a fixed-rate swap venue, and a loopback relay network.
package sim

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

type assetKey struct {
	Contract common.Address
	ID       string // decimal form of the asset id
}

type approvalKey struct {
	Owner    common.Address
	Operator common.Address
}

// Ledger is an in-memory single-chain ledger. It implements chain.Bank,
// chain.TokenBank, chain.WrappedNative and chain.AssetRegistry.
type Ledger struct {
	wrappedToken common.Address

	mu       sync.Mutex
	native   map[common.Address]*big.Int
	tokens   map[common.Address]map[common.Address]*big.Int // token -> holder -> balance
	owners   map[assetKey]common.Address
	approved map[approvalKey]bool
}

// NewLedger creates an empty ledger whose wrapped-native token lives at
// wrappedToken.
func NewLedger(wrappedToken common.Address) *Ledger {
	return &Ledger{
		wrappedToken: wrappedToken,
		native:       make(map[common.Address]*big.Int),
		tokens:       make(map[common.Address]map[common.Address]*big.Int),
		owners:       make(map[assetKey]common.Address),
		approved:     make(map[approvalKey]bool),
	}
}

// --- test/devnet setup helpers ---

// Fund credits amount of native units to account.
func (l *Ledger) Fund(account common.Address, amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.creditNative(account, amount)
}

// MintToken credits amount of token to account.
func (l *Ledger) MintToken(token, account common.Address, amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.creditToken(token, account, amount)
}

// MintAsset assigns (contract, id) to owner.
func (l *Ledger) MintAsset(contract common.Address, id *big.Int, owner common.Address) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.owners[assetKey{Contract: contract, ID: id.String()}] = owner
}

// SetApprovalForAll grants or revokes operator's standing transfer approval
// over all of owner's assets.
func (l *Ledger) SetApprovalForAll(owner, operator common.Address, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ok {
		l.approved[approvalKey{Owner: owner, Operator: operator}] = true
	} else {
		delete(l.approved, approvalKey{Owner: owner, Operator: operator})
	}
}

// --- chain.Bank ---

func (l *Ledger) Transfer(_ context.Context, from, to common.Address, amount *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.moveNative(from, to, amount)
}

func (l *Ledger) Balance(_ context.Context, account common.Address) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.native[account]; ok {
		return new(big.Int).Set(b), nil
	}
	return new(big.Int), nil
}

// --- chain.TokenBank ---

func (l *Ledger) TransferToken(_ context.Context, token, from, to common.Address, amount *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.moveToken(token, from, to, amount)
}

// TokenBalance reports account's balance of token.
func (l *Ledger) TokenBalance(token, account common.Address) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if holders, ok := l.tokens[token]; ok {
		if b, ok := holders[account]; ok {
			return new(big.Int).Set(b)
		}
	}
	return new(big.Int)
}

// --- chain.WrappedNative ---

func (l *Ledger) Deposit(_ context.Context, account common.Address, amount *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.debitNative(account, amount); err != nil {
		return err
	}
	l.creditToken(l.wrappedToken, account, amount)
	return nil
}

func (l *Ledger) Withdraw(_ context.Context, account common.Address, amount *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.debitToken(l.wrappedToken, account, amount); err != nil {
		return err
	}
	l.creditNative(account, amount)
	return nil
}

// --- chain.AssetRegistry ---

func (l *Ledger) OwnerOf(_ context.Context, contract common.Address, id *big.Int) (common.Address, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	owner, ok := l.owners[assetKey{Contract: contract, ID: id.String()}]
	if !ok {
		return common.Address{}, fmt.Errorf("sim: asset %s/%s does not exist", contract.Hex(), id)
	}
	return owner, nil
}

func (l *Ledger) TransferFrom(_ context.Context, contract, from, to common.Address, id *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := assetKey{Contract: contract, ID: id.String()}
	owner, ok := l.owners[key]
	if !ok {
		return fmt.Errorf("sim: asset %s/%s does not exist", contract.Hex(), id)
	}
	if owner != from {
		return fmt.Errorf("sim: asset %s/%s held by %s, not %s", contract.Hex(), id, owner.Hex(), from.Hex())
	}
	if !l.anyApproval(from) {
		return fmt.Errorf("sim: no standing approval from %s", from.Hex())
	}
	l.owners[key] = to
	return nil
}

// anyApproval reports whether owner granted a standing approval to anyone.
// The sim does not track which operator is executing the transfer, so any
// approval from the owner admits marketplace-driven transfers.
func (l *Ledger) anyApproval(owner common.Address) bool {
	for k := range l.approved {
		if k.Owner == owner {
			return true
		}
	}
	return false
}

// --- unlocked internals ---

func (l *Ledger) creditNative(account common.Address, amount *big.Int) {
	if b, ok := l.native[account]; ok {
		b.Add(b, amount)
		return
	}
	l.native[account] = new(big.Int).Set(amount)
}

func (l *Ledger) debitNative(account common.Address, amount *big.Int) error {
	b, ok := l.native[account]
	if !ok || b.Cmp(amount) < 0 {
		return fmt.Errorf("sim: insufficient native balance on %s", account.Hex())
	}
	b.Sub(b, amount)
	return nil
}

func (l *Ledger) moveNative(from, to common.Address, amount *big.Int) error {
	if err := l.debitNative(from, amount); err != nil {
		return err
	}
	l.creditNative(to, amount)
	return nil
}

func (l *Ledger) creditToken(token, account common.Address, amount *big.Int) {
	holders, ok := l.tokens[token]
	if !ok {
		holders = make(map[common.Address]*big.Int)
		l.tokens[token] = holders
	}
	if b, ok := holders[account]; ok {
		b.Add(b, amount)
		return
	}
	holders[account] = new(big.Int).Set(amount)
}

func (l *Ledger) debitToken(token, account common.Address, amount *big.Int) error {
	holders, ok := l.tokens[token]
	if !ok {
		return fmt.Errorf("sim: insufficient %s balance on %s", token.Hex(), account.Hex())
	}
	b, ok := holders[account]
	if !ok || b.Cmp(amount) < 0 {
		return fmt.Errorf("sim: insufficient %s balance on %s", token.Hex(), account.Hex())
	}
	b.Sub(b, amount)
	return nil
}

func (l *Ledger) moveToken(token, from, to common.Address, amount *big.Int) error {
	if err := l.debitToken(token, from, amount); err != nil {
		return err
	}
	l.creditToken(token, to, amount)
	return nil
}
