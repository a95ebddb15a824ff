// Package owner holds the unsealed marketplace owner key in locked memory
// and gates owner-side operations: configuration mutations are authorized
// by the derived owner address, and fee withdrawals are bounded by a
// cumulative value limit per session.
package owner

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrNoActiveSession = errors.New("no active owner session")
	ErrSessionExpired  = errors.New("owner session expired")
	ErrWithdrawLimit   = errors.New("cumulative withdrawal limit exceeded")
)

// Session holds the decrypted owner key in a memguard Enclave with TTL and
// withdrawal-limit enforcement. The key is encrypted at rest inside the
// process and only opened momentarily while signing.
type Session struct {
	mu            sync.RWMutex
	enclave       *memguard.Enclave
	address       common.Address
	expiresAt     time.Time
	ttl           time.Duration
	withdrawLimit *big.Int // native units; nil = unlimited
	withdrawn     *big.Int

	nowFunc func() time.Time // injectable clock for testing
}

// NewSession creates a session manager with the given TTL. No session is
// active until Activate is called.
func NewSession(ttl time.Duration) *Session {
	return &Session{
		ttl:       ttl,
		withdrawn: new(big.Int),
		nowFunc:   time.Now,
	}
}

// Activate seals keyBytes into an enclave, derives the owner address, and
// starts the TTL clock. withdrawLimit bounds the native value WithdrawFees
// may move during this session; nil disables the bound. The caller's copy
// of keyBytes is wiped.
func (s *Session) Activate(keyBytes []byte, withdrawLimit *big.Int) error {
	priv, err := crypto.ToECDSA(keyBytes)
	if err != nil {
		memguard.WipeBytes(keyBytes)
		return fmt.Errorf("owner: bad key material: %w", err)
	}
	addr := crypto.PubkeyToAddress(priv.PublicKey)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.enclave = memguard.NewEnclave(keyBytes) // wipes keyBytes
	s.address = addr
	s.expiresAt = s.nowFunc().Add(s.ttl)
	s.withdrawn = new(big.Int)
	if withdrawLimit != nil {
		s.withdrawLimit = new(big.Int).Set(withdrawLimit)
	} else {
		s.withdrawLimit = nil
	}
	return nil
}

// Address returns the owner address derived from the session key.
func (s *Session) Address() (common.Address, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.activeLocked(); err != nil {
		return common.Address{}, err
	}
	return s.address, nil
}

// AuthorizeWithdrawal checks the session is live and that amount fits under
// the remaining cumulative limit, then records it. Call before moving fees.
func (s *Session) AuthorizeWithdrawal(amount *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.activeLocked(); err != nil {
		return err
	}
	if s.withdrawLimit != nil {
		next := new(big.Int).Add(s.withdrawn, amount)
		if next.Cmp(s.withdrawLimit) > 0 {
			return fmt.Errorf("%w: used %s of %s, requested %s",
				ErrWithdrawLimit, s.withdrawn, s.withdrawLimit, amount)
		}
		s.withdrawn = next
		return nil
	}
	s.withdrawn.Add(s.withdrawn, amount)
	return nil
}

// SignReceipt signs a 32-byte digest (for example a withdrawal receipt
// hash) with the owner key for off-node audit trails. The key is only
// resident in plaintext for the duration of the signature.
func (s *Session) SignReceipt(digest common.Hash) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.activeLocked(); err != nil {
		return nil, err
	}

	buf, err := s.enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("owner: open enclave: %w", err)
	}
	defer buf.Destroy()

	priv, err := crypto.ToECDSA(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("owner: bad key material: %w", err)
	}
	sig, err := crypto.Sign(digest.Bytes(), priv)
	if err != nil {
		return nil, fmt.Errorf("owner: sign receipt: %w", err)
	}
	return sig, nil
}

// Destroy ends the session and discards the key material.
func (s *Session) Destroy() {
	s.mu.Lock()
	s.enclave = nil
	s.address = common.Address{}
	s.expiresAt = time.Time{}
	s.mu.Unlock()
}

// activeLocked checks liveness. Caller holds at least a read lock.
func (s *Session) activeLocked() error {
	if s.enclave == nil {
		return ErrNoActiveSession
	}
	if s.nowFunc().After(s.expiresAt) {
		return ErrSessionExpired
	}
	return nil
}
