package relay

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/portico-market/portico/internal/chain"
)

// Pool manages one gateway session per destination ledger and routes
// chain.Relay traffic to the right session. Deliveries arriving on any
// session are handed to the shared receiver.
type Pool struct {
	receiver chain.Receiver

	mu      sync.Mutex
	clients map[chain.ChainID]*Client
}

// NewPool creates a Pool delivering inbound messages to receiver.
func NewPool(receiver chain.Receiver) *Pool {
	return &Pool{
		receiver: receiver,
		clients:  make(map[chain.ChainID]*Client),
	}
}

// Open connects a gateway session for the given destination. An existing
// session for the destination is closed first.
func (p *Pool) Open(ctx context.Context, dest chain.ChainID, cfg Config) (*Client, error) {
	p.mu.Lock()
	if existing, ok := p.clients[dest]; ok {
		existing.Close()
		delete(p.clients, dest)
	}
	p.mu.Unlock()

	c := NewClient(cfg, p.receiver)
	if err := c.Connect(ctx); err != nil {
		return nil, fmt.Errorf("relay: connect gateway for chain %d: %w", dest, err)
	}

	p.mu.Lock()
	p.clients[dest] = c
	p.mu.Unlock()
	return c, nil
}

// Get returns the active session for dest, or nil.
func (p *Pool) Get(dest chain.ChainID) *Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.clients[dest]
}

// CloseAll tears down every session.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	clients := p.clients
	p.clients = make(map[chain.ChainID]*Client)
	p.mu.Unlock()

	for _, c := range clients {
		c.Close()
	}
}

// QuoteFee implements chain.Relay by routing to the destination's session.
func (p *Pool) QuoteFee(ctx context.Context, dest chain.ChainID, payload []byte, opts chain.RelayOptions) (*big.Int, error) {
	c := p.Get(dest)
	if c == nil {
		return nil, fmt.Errorf("relay: no gateway session for chain %d", dest)
	}
	return c.QuoteFee(ctx, dest, payload, opts)
}

// Send implements chain.Relay by routing to the destination's session.
func (p *Pool) Send(ctx context.Context, dest chain.ChainID, to []byte, token common.Address, amount *big.Int,
	payload []byte, refund common.Address, value *big.Int, opts chain.RelayOptions) (common.Hash, error) {
	c := p.Get(dest)
	if c == nil {
		return common.Hash{}, fmt.Errorf("relay: no gateway session for chain %d", dest)
	}
	return c.Send(ctx, dest, to, token, amount, payload, refund, value, opts)
}
