package sim

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/portico-market/portico/internal/chain"
)

// endpoint is one ledger's attachment to the relay network.
type endpoint struct {
	addr     []byte         // address-bytes of the marketplace contract on this chain
	receiver chain.Receiver // inbound callback target
	ledger   *Ledger
	stable   common.Address // local address of the bridgeable stable asset
	account  common.Address // marketplace settlement account (bridged funds land here)
}

// RelayNet is a loopback relay network connecting in-process ledgers. Value
// bridges 1:1 between each chain's stable asset. Delivery is explicit:
// Send enqueues, DeliverAll (or Deliver) invokes receive callbacks, and
// Replay re-delivers an already-delivered message to exercise duplicate and
// out-of-order arrival.
type RelayNet struct {
	fee *big.Int // flat native fee per message

	mu        sync.Mutex
	endpoints map[chain.ChainID]*endpoint
	nonces    map[chain.ChainID]uint64
	queue     []queued
	delivered []queued
}

type queued struct {
	id   common.Hash
	dest chain.ChainID
	msg  chain.InboundMessage
}

// NewRelayNet creates a relay network charging a flat native fee per send.
func NewRelayNet(fee *big.Int) *RelayNet {
	return &RelayNet{
		fee:       new(big.Int).Set(fee),
		endpoints: make(map[chain.ChainID]*endpoint),
		nonces:    make(map[chain.ChainID]uint64),
	}
}

// Attach registers a ledger's marketplace with the network. addr is the
// address-bytes peers will see as the message sender; bridged value is
// minted as stable on the destination's marketplace account.
func (n *RelayNet) Attach(id chain.ChainID, addr []byte, receiver chain.Receiver, ledger *Ledger, stable, account common.Address) {
	n.mu.Lock()
	n.endpoints[id] = &endpoint{addr: addr, receiver: receiver, ledger: ledger, stable: stable, account: account}
	n.mu.Unlock()
}

// Endpoint returns a chain.Relay bound to the given source chain.
func (n *RelayNet) Endpoint(source chain.ChainID) chain.Relay {
	return &boundRelay{net: n, source: source}
}

type boundRelay struct {
	net    *RelayNet
	source chain.ChainID
}

func (r *boundRelay) QuoteFee(_ context.Context, dest chain.ChainID, _ []byte, _ chain.RelayOptions) (*big.Int, error) {
	r.net.mu.Lock()
	defer r.net.mu.Unlock()
	if _, ok := r.net.endpoints[dest]; !ok {
		return nil, fmt.Errorf("sim relay: unknown destination %d", dest)
	}
	return new(big.Int).Set(r.net.fee), nil
}

func (r *boundRelay) Send(ctx context.Context, dest chain.ChainID, to []byte, token common.Address, amount *big.Int,
	payload []byte, refund common.Address, value *big.Int, _ chain.RelayOptions) (common.Hash, error) {
	n := r.net
	n.mu.Lock()
	defer n.mu.Unlock()

	src, ok := n.endpoints[r.source]
	if !ok {
		return common.Hash{}, fmt.Errorf("sim relay: source %d not attached", r.source)
	}
	dst, ok := n.endpoints[dest]
	if !ok {
		return common.Hash{}, fmt.Errorf("sim relay: unknown destination %d", dest)
	}
	if value.Cmp(n.fee) < 0 {
		return common.Hash{}, fmt.Errorf("sim relay: fee %s not covered by value %s", n.fee, value)
	}

	// Burn the stable on the source and refund unused fee.
	burn := common.HexToAddress("0x000000000000000000000000000000000000dEaD")
	if err := src.ledger.TransferToken(ctx, token, src.account, burn, amount); err != nil {
		return common.Hash{}, fmt.Errorf("sim relay: %w", err)
	}
	if excess := new(big.Int).Sub(value, n.fee); excess.Sign() > 0 {
		_ = src.ledger.Transfer(ctx, src.account, refund, excess)
	}

	n.nonces[r.source]++
	nonce := n.nonces[r.source]
	id := messageID(r.source, dest, nonce, payload)

	n.queue = append(n.queue, queued{
		id:   id,
		dest: dest,
		msg: chain.InboundMessage{
			Source:  r.source,
			Sender:  append([]byte(nil), src.addr...),
			Nonce:   nonce,
			Token:   dst.stable,
			Amount:  new(big.Int).Set(amount),
			Payload: append([]byte(nil), payload...),
		},
	})
	_ = to // destination address-bytes are implied by the attached endpoint
	return id, nil
}

// DeliverAll drains the queue in order, minting bridged value and invoking
// each destination's receive callback. Callback errors are returned keyed
// by message id; delivery continues past failures, mirroring a relay that
// does not strand later messages behind a failed one.
func (n *RelayNet) DeliverAll(ctx context.Context) map[common.Hash]error {
	n.mu.Lock()
	pending := n.queue
	n.queue = nil
	n.mu.Unlock()

	results := make(map[common.Hash]error)
	for _, q := range pending {
		results[q.id] = n.deliver(ctx, q)
	}
	return results
}

// Replay re-delivers the i-th already-delivered message (0 = first). The
// bridged value is minted again, as a retrying relay would re-escrow it.
func (n *RelayNet) Replay(ctx context.Context, i int) error {
	n.mu.Lock()
	if i < 0 || i >= len(n.delivered) {
		n.mu.Unlock()
		return fmt.Errorf("sim relay: no delivered message %d", i)
	}
	q := n.delivered[i]
	n.mu.Unlock()
	return n.deliver(ctx, q)
}

func (n *RelayNet) deliver(ctx context.Context, q queued) error {
	n.mu.Lock()
	dst, ok := n.endpoints[q.dest]
	n.mu.Unlock()
	if !ok {
		return fmt.Errorf("sim relay: unknown destination %d", q.dest)
	}

	dst.ledger.MintToken(dst.stable, dst.account, q.msg.Amount)
	err := dst.receiver.Receive(ctx, q.msg)

	n.mu.Lock()
	n.delivered = append(n.delivered, q)
	n.mu.Unlock()
	return err
}

func messageID(source, dest chain.ChainID, nonce uint64, payload []byte) common.Hash {
	return crypto.Keccak256Hash(
		new(big.Int).SetUint64(uint64(source)).Bytes(),
		new(big.Int).SetUint64(uint64(dest)).Bytes(),
		new(big.Int).SetUint64(nonce).Bytes(),
		payload,
	)
}
