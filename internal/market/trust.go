package market

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/portico-market/portico/internal/chain"
)

// Config is the owner-controlled trust and fee state consulted by every
// settlement path: the approved asset contracts, the per-destination
// trusted-peer registry, the fee rate, and the inbound tolerance policy.
// Components read it live on each call, never through cached copies.
type Config struct {
	owner common.Address

	mu       sync.RWMutex
	approved map[common.Address]bool
	peers    map[chain.ChainID][]byte
	feeBps   uint64
	inbound  InboundPolicy
}

// NewConfig creates a Config owned by owner with the given initial fee rate
// and inbound policy. The allow-list and peer registry start empty.
func NewConfig(owner common.Address, feeBps uint64, inbound InboundPolicy) *Config {
	return &Config{
		owner:    owner,
		approved: make(map[common.Address]bool),
		peers:    make(map[chain.ChainID][]byte),
		feeBps:   feeBps,
		inbound:  inbound,
	}
}

// Owner returns the address whose calls pass the owner gate.
func (c *Config) Owner() common.Address { return c.owner }

func (c *Config) requireOwner(caller common.Address) error {
	if caller != c.owner {
		return fmt.Errorf("%w: %s", ErrNotOwner, caller.Hex())
	}
	return nil
}

// ApproveAsset adds an asset contract to the listing allow-list. Owner only.
func (c *Config) ApproveAsset(caller, contract common.Address) error {
	if err := c.requireOwner(caller); err != nil {
		return err
	}
	c.mu.Lock()
	c.approved[contract] = true
	c.mu.Unlock()
	return nil
}

// RevokeAsset removes an asset contract from the allow-list. Owner only.
// Existing listings survive; only new listings are blocked.
func (c *Config) RevokeAsset(caller, contract common.Address) error {
	if err := c.requireOwner(caller); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.approved, contract)
	c.mu.Unlock()
	return nil
}

// IsApproved reports whether contract may be listed.
func (c *Config) IsApproved(contract common.Address) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.approved[contract]
}

// SetTrustedPeer registers the peer marketplace's address-bytes on the given
// destination ledger. Owner only. An empty peer deregisters the destination.
func (c *Config) SetTrustedPeer(caller common.Address, dest chain.ChainID, peer []byte) error {
	if err := c.requireOwner(caller); err != nil {
		return err
	}
	c.mu.Lock()
	if len(peer) == 0 {
		delete(c.peers, dest)
	} else {
		c.peers[dest] = append([]byte(nil), peer...)
	}
	c.mu.Unlock()
	return nil
}

// TrustedPeer returns the registered peer address-bytes for dest.
func (c *Config) TrustedPeer(dest chain.ChainID) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	peer, ok := c.peers[dest]
	return peer, ok
}

// SetFeeBps updates the marketplace fee rate. Owner only.
func (c *Config) SetFeeBps(caller common.Address, bps uint64) error {
	if err := c.requireOwner(caller); err != nil {
		return err
	}
	if bps > FeeDenominator {
		return fmt.Errorf("fee %d bps exceeds denominator %d", bps, FeeDenominator)
	}
	c.mu.Lock()
	c.feeBps = bps
	c.mu.Unlock()
	return nil
}

// Fees returns the current fee policy.
func (c *Config) Fees() FeePolicy {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return FeePolicy{Bps: c.feeBps}
}

// SetInboundPolicy updates the inbound tolerance policy. Owner only.
func (c *Config) SetInboundPolicy(caller common.Address, p InboundPolicy) error {
	if err := c.requireOwner(caller); err != nil {
		return err
	}
	c.mu.Lock()
	c.inbound = p
	c.mu.Unlock()
	return nil
}

// Inbound returns the current inbound tolerance policy.
func (c *Config) Inbound() InboundPolicy {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.inbound
}
