// Package relay is the production adapter for the relay-network
// collaborator: a resilient WebSocket session to a relay gateway carrying
// fee quotes, message sends, and inbound deliveries, plus the dispatch
// breaker that gates cross-chain purchases on relay health.
package relay

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"math/big"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"

	"github.com/portico-market/portico/internal/chain"
)

// CircuitState represents the health of the gateway connection for breaker
// integration.
type CircuitState int32

const (
	CircuitClosed CircuitState = iota // healthy
	CircuitOpen                       // unhealthy, block dispatch
)

// Config holds tunable parameters for a Client.
type Config struct {
	URL string

	ReadBufferSize  int
	WriteBufferSize int

	// HeartbeatTimeout is the maximum silence before the connection is
	// considered dead and a reconnect is triggered. The gateway is expected
	// to send periodic heartbeat frames.
	HeartbeatTimeout time.Duration

	// RequestTimeout bounds how long QuoteFee and Send wait for the
	// gateway's correlated response.
	RequestTimeout time.Duration

	// Backoff parameters for reconnection.
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	BackoffFactor  float64

	Headers http.Header
}

// DefaultConfig returns defaults tuned for a relay gateway session.
func DefaultConfig(url string) Config {
	return Config{
		URL:              url,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		HeartbeatTimeout: 10 * time.Second,
		RequestTimeout:   15 * time.Second,
		BackoffInitial:   100 * time.Millisecond,
		BackoffMax:       10 * time.Second,
		BackoffFactor:    2.0,
	}
}

// frame is the gateway wire envelope. Amount-like fields are decimal
// strings; byte fields are hex.
type frame struct {
	Type string `json:"type"`
	ID   uint64 `json:"id,omitempty"`

	Dest     uint64 `json:"dest,omitempty"`
	To       string `json:"to,omitempty"`
	Token    string `json:"token,omitempty"`
	Amount   string `json:"amount,omitempty"`
	Payload  string `json:"payload,omitempty"`
	Refund   string `json:"refund,omitempty"`
	Value    string `json:"value,omitempty"`
	GasLimit uint64 `json:"gas_limit,omitempty"`

	Fee       string `json:"fee,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	Error     string `json:"error,omitempty"`

	Source uint64 `json:"source,omitempty"`
	Sender string `json:"sender,omitempty"`
	Nonce  uint64 `json:"nonce,omitempty"`
	OK     bool   `json:"ok,omitempty"`
}

// Client is a resilient WebSocket session to one relay gateway. It
// implements chain.Relay for outbound traffic, dispatches inbound "deliver"
// frames to the registered receiver, and exposes circuit state and last
// activity for the Breaker.
type Client struct {
	cfg      Config
	receiver chain.Receiver

	circuit  atomic.Int32
	lastSeen atomic.Int64 // unix nanos of the last inbound frame

	mu   sync.RWMutex
	conn *websocket.Conn

	pendingMu sync.Mutex
	pending   map[uint64]chan frame
	nextID    atomic.Uint64

	outbox chan []byte
	cancel context.CancelFunc
	done   chan struct{}

	// onReconnect is called after each successful reconnection (testing hook).
	onReconnect func()
}

// NewClient creates a gateway client. Inbound deliveries are handed to
// receiver. Call Connect to start.
func NewClient(cfg Config, receiver chain.Receiver) *Client {
	return &Client{
		cfg:      cfg,
		receiver: receiver,
		pending:  make(map[uint64]chan frame),
		outbox:   make(chan []byte, 256),
		done:     make(chan struct{}),
	}
}

// Circuit returns the current circuit state.
func (c *Client) Circuit() CircuitState {
	return CircuitState(c.circuit.Load())
}

// LastActivity returns the arrival time of the most recent inbound frame.
func (c *Client) LastActivity() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// Connect dials the gateway and starts the read/write loops. It blocks
// until the initial connection succeeds or ctx is cancelled.
func (c *Client) Connect(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)

	if err := c.dial(ctx); err != nil {
		return err
	}
	c.circuit.Store(int32(CircuitClosed))
	c.lastSeen.Store(time.Now().UnixNano())

	go c.readLoop(ctx)
	go c.writeLoop(ctx)
	return nil
}

// Close shuts down the client and fails all pending requests.
func (c *Client) Close() {
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()

	c.failPending(fmt.Errorf("relay: client closed"))
	close(c.done)
}

// Done returns a channel closed when the client has fully shut down.
func (c *Client) Done() <-chan struct{} { return c.done }

// QuoteFee implements chain.Relay.
func (c *Client) QuoteFee(ctx context.Context, dest chain.ChainID, payload []byte, opts chain.RelayOptions) (*big.Int, error) {
	resp, err := c.request(ctx, frame{
		Type:     "quote",
		Dest:     uint64(dest),
		Payload:  hex.EncodeToString(payload),
		GasLimit: opts.GasLimit,
	})
	if err != nil {
		return nil, err
	}
	fee, ok := new(big.Int).SetString(resp.Fee, 10)
	if !ok {
		return nil, fmt.Errorf("relay: bad fee %q from gateway", resp.Fee)
	}
	return fee, nil
}

// Send implements chain.Relay.
func (c *Client) Send(ctx context.Context, dest chain.ChainID, to []byte, token common.Address, amount *big.Int,
	payload []byte, refund common.Address, value *big.Int, opts chain.RelayOptions) (common.Hash, error) {
	resp, err := c.request(ctx, frame{
		Type:     "send",
		Dest:     uint64(dest),
		To:       hex.EncodeToString(to),
		Token:    token.Hex(),
		Amount:   amount.String(),
		Payload:  hex.EncodeToString(payload),
		Refund:   refund.Hex(),
		Value:    value.String(),
		GasLimit: opts.GasLimit,
	})
	if err != nil {
		return common.Hash{}, err
	}
	return common.HexToHash(resp.MessageID), nil
}

// request sends a correlated frame and waits for the matching response.
func (c *Client) request(ctx context.Context, f frame) (frame, error) {
	f.ID = c.nextID.Add(1)
	ch := make(chan frame, 1)

	c.pendingMu.Lock()
	c.pending[f.ID] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, f.ID)
		c.pendingMu.Unlock()
	}()

	data, err := json.Marshal(f)
	if err != nil {
		return frame{}, fmt.Errorf("relay: marshal %s: %w", f.Type, err)
	}
	select {
	case c.outbox <- data:
	default:
		return frame{}, fmt.Errorf("relay: outbox full")
	}

	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return frame{}, ctx.Err()
	case <-timer.C:
		return frame{}, fmt.Errorf("relay: %s request %d timed out", f.Type, f.ID)
	case resp := <-ch:
		if resp.Error != "" {
			return frame{}, fmt.Errorf("relay: gateway rejected %s: %s", f.Type, resp.Error)
		}
		return resp, nil
	}
}

// dial establishes the connection with TCP_NODELAY enabled.
func (c *Client) dial(ctx context.Context) error {
	dialer := websocket.Dialer{
		ReadBufferSize:  c.cfg.ReadBufferSize,
		WriteBufferSize: c.cfg.WriteBufferSize,
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			d := net.Dialer{}
			conn, err := d.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			if tc, ok := conn.(*net.TCPConn); ok {
				tc.SetNoDelay(true)
			}
			return conn, nil
		},
	}

	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, c.cfg.Headers)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return nil
}

// reconnect loops with exponential backoff until a connection is
// re-established or the context is cancelled. In-flight requests fail
// rather than silently straddle two connections.
func (c *Client) reconnect(ctx context.Context) bool {
	c.circuit.Store(int32(CircuitOpen))
	c.failPending(fmt.Errorf("relay: connection lost"))

	delay := c.cfg.BackoffInitial
	for {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}

		if err := c.dial(ctx); err != nil {
			log.Printf("relay: reconnect failed: %v (retry in %v)", err, delay)
			delay = time.Duration(math.Min(
				float64(delay)*c.cfg.BackoffFactor,
				float64(c.cfg.BackoffMax),
			))
			continue
		}

		c.circuit.Store(int32(CircuitClosed))
		c.lastSeen.Store(time.Now().UnixNano())
		if c.onReconnect != nil {
			c.onReconnect()
		}
		return true
	}
}

// readLoop reads frames, correlates responses, and dispatches deliveries.
// It doubles as the heartbeat monitor: silence beyond HeartbeatTimeout
// triggers a reconnect.
func (c *Client) readLoop(ctx context.Context) {
	for {
		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()

		conn.SetReadDeadline(time.Now().Add(c.cfg.HeartbeatTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("relay: read error (triggering reconnect): %v", err)
			conn.Close()
			if !c.reconnect(ctx) {
				return
			}
			continue
		}
		c.lastSeen.Store(time.Now().UnixNano())

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Printf("relay: dropping malformed frame: %v", err)
			continue
		}
		c.handle(ctx, f)
	}
}

// handle routes one inbound frame.
func (c *Client) handle(ctx context.Context, f frame) {
	switch f.Type {
	case "heartbeat":
		// lastSeen already updated; nothing else to do.
	case "quote_result", "send_result":
		c.pendingMu.Lock()
		ch, ok := c.pending[f.ID]
		c.pendingMu.Unlock()
		if ok {
			ch <- f
		}
	case "deliver":
		c.deliver(ctx, f)
	default:
		log.Printf("relay: unknown frame type %q", f.Type)
	}
}

// deliver decodes an inbound delivery, invokes the receiver, and acks the
// outcome so the gateway can observe finalization failures without the
// delivery pathway crashing.
func (c *Client) deliver(ctx context.Context, f frame) {
	msg, err := decodeDelivery(f)
	if err != nil {
		log.Printf("relay: dropping malformed delivery: %v", err)
		c.ack(f.Nonce, err)
		return
	}
	err = c.receiver.Receive(ctx, msg)
	if err != nil {
		log.Printf("relay: delivery nonce %d from chain %d not finalized: %v", msg.Nonce, msg.Source, err)
	}
	c.ack(f.Nonce, err)
}

func (c *Client) ack(nonce uint64, err error) {
	a := frame{Type: "ack", Nonce: nonce, OK: err == nil}
	if err != nil {
		a.Error = err.Error()
	}
	data, merr := json.Marshal(a)
	if merr != nil {
		return
	}
	select {
	case c.outbox <- data:
	default:
		log.Printf("relay: outbox full, dropping ack for nonce %d", nonce)
	}
}

func decodeDelivery(f frame) (chain.InboundMessage, error) {
	sender, err := hex.DecodeString(f.Sender)
	if err != nil {
		return chain.InboundMessage{}, fmt.Errorf("bad sender: %w", err)
	}
	payload, err := hex.DecodeString(f.Payload)
	if err != nil {
		return chain.InboundMessage{}, fmt.Errorf("bad payload: %w", err)
	}
	amount, ok := new(big.Int).SetString(f.Amount, 10)
	if !ok {
		return chain.InboundMessage{}, fmt.Errorf("bad amount %q", f.Amount)
	}
	return chain.InboundMessage{
		Source:  chain.ChainID(f.Source),
		Sender:  sender,
		Nonce:   f.Nonce,
		Token:   common.HexToAddress(f.Token),
		Amount:  amount,
		Payload: payload,
	}, nil
}

// writeLoop drains the outbox onto the connection.
func (c *Client) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-c.outbox:
			c.mu.RLock()
			conn := c.conn
			c.mu.RUnlock()
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Printf("relay: write error: %v", err)
			}
		}
	}
}

// failPending delivers an error frame to every outstanding request.
func (c *Client) failPending(err error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		select {
		case ch <- frame{ID: id, Error: err.Error()}:
		default:
		}
		delete(c.pending, id)
	}
}
