// Package transport implements the parameter server's node-to-node
// channel: a length-prefixed TCP frame stream per connection (grounded on
// the teacher's p2p.FrameTransport), optional reliable delivery with
// resend/ack, duplicate suppression, and drop-rate fault injection.
//
// Each node runs one inbound listener that every peer connects to exactly
// once (the "named PUSH/PULL socket pair" of spec.md, realized here as one
// inbound TCP accept loop and one outbound dial per peer, mirroring ZeroMQ's
// PUSH-writes/PULL-reads split without requiring a ZeroMQ binding).
package transport

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mindalpha/MindAlpha/internal/log"
	"github.com/mindalpha/MindAlpha/internal/metrics"
	"github.com/mindalpha/MindAlpha/pkg/wire"
)

// ErrResendExhausted is returned by SendReliable when a message goes
// unacked past its resend budget.
var ErrResendExhausted = errors.New("transport: resend budget exhausted")

// ErrClosed is returned by operations on a closed Transport.
var ErrClosed = errors.New("transport: closed")

// ErrUnknownPeer is returned when sending to a node with no registered
// outbound connection.
var ErrUnknownPeer = errors.New("transport: no connection to peer")

// Config holds the reliable-delivery and fault-injection knobs of
// spec.md §6.
type Config struct {
	IsResendingEnabled bool
	ResendingTimeout   time.Duration
	ResendingRetry     int
	DropRate           float64 // 0..1, probability an outbound message is silently dropped
}

// DefaultConfig returns conservative defaults: resending disabled, no
// fault injection.
func DefaultConfig() Config {
	return Config{
		ResendingTimeout: 2 * time.Second,
		ResendingRetry:   5,
	}
}

// Received is one inbound message paired with the sender node id stamped
// in its meta.
type Received struct {
	From int
	Msg  wire.Message
}

type ackKey struct {
	receiver  int
	messageID uint64
}

type dupKey struct {
	sender    int
	messageID uint64
}

type pendingSend struct {
	ack chan struct{}
}

// Transport is a single node's connection fabric: one inbound listener
// plus one outbound connection per peer it has been told to Connect to.
// Send/SendReliable are safe for concurrent use from multiple goroutines.
type Transport struct {
	selfID int
	cfg    Config

	ln net.Listener

	mu          sync.Mutex
	conns       map[int]net.Conn
	inboundConns []net.Conn

	pendingMu sync.Mutex
	pending   map[ackKey]*pendingSend

	dupMu sync.Mutex
	seen  map[dupKey]struct{}

	nextMessageID atomic.Uint64

	inbox  chan Received
	closed atomic.Bool
	wg     sync.WaitGroup

	rngMu sync.Mutex
	rng   *rand.Rand

	log *log.Logger
}

// New creates a Transport for selfID. It does not listen or dial until
// Listen/Connect are called.
func New(selfID int, cfg Config) *Transport {
	return &Transport{
		selfID:  selfID,
		cfg:     cfg,
		conns:   make(map[int]net.Conn),
		pending: make(map[ackKey]*pendingSend),
		seen:    make(map[dupKey]struct{}),
		inbox:   make(chan Received, 256),
		rng:     rand.New(rand.NewSource(int64(selfID) + 1)),
		log:     log.Default().Module("transport"),
	}
}

// Listen binds addr (host:port, port 0 for auto-assign) and starts
// accepting inbound connections in the background. Returns the actual
// bound address, useful when port was 0.
func (t *Transport) Listen(addr string) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("transport: cannot bind %q: %w", addr, err)
	}
	t.ln = ln
	t.wg.Add(1)
	go t.acceptLoop()
	return ln.Addr().String(), nil
}

func (t *Transport) acceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.ln.Accept()
		if err != nil {
			if t.closed.Load() {
				return
			}
			t.log.Warn("accept failed", zap.Error(err))
			return
		}
		t.mu.Lock()
		t.inboundConns = append(t.inboundConns, conn)
		t.mu.Unlock()
		t.wg.Add(1)
		go t.readLoop(conn)
	}
}

func (t *Transport) readLoop(conn net.Conn) {
	defer t.wg.Done()
	defer conn.Close()
	for {
		msg, err := wire.DecodeMessage(conn)
		if err != nil {
			if !t.closed.Load() {
				metrics.ProtocolErrors.WithLabelValues("transport").Inc()
			}
			return
		}
		t.handleInbound(msg)
	}
}

func (t *Transport) handleInbound(msg wire.Message) {
	metrics.MessagesReceived.WithLabelValues(roleLabel(msg.Meta.Sender)).Inc()

	if msg.Meta.Command == wire.Ack {
		t.deliverAck(msg)
		return
	}

	if t.cfg.IsResendingEnabled && msg.Meta.MessageID != 0 {
		t.sendAck(msg.Meta.Sender, msg.Meta.MessageID)
		key := dupKey{sender: msg.Meta.Sender, messageID: msg.Meta.MessageID}
		t.dupMu.Lock()
		_, dup := t.seen[key]
		t.seen[key] = struct{}{}
		t.dupMu.Unlock()
		if dup {
			metrics.MessagesDropped.WithLabelValues("duplicate").Inc()
			return
		}
	}

	select {
	case t.inbox <- Received{From: msg.Meta.Sender, Msg: msg}:
	default:
		t.log.Warn("inbox full, dropping message", zap.Uint64("message_id", msg.Meta.MessageID))
		metrics.MessagesDropped.WithLabelValues("inbox_full").Inc()
	}
}

func (t *Transport) deliverAck(msg wire.Message) {
	key := ackKey{receiver: msg.Meta.Sender, messageID: msg.Meta.MessageID}
	t.pendingMu.Lock()
	p, ok := t.pending[key]
	t.pendingMu.Unlock()
	if ok {
		close(p.ack)
	}
}

func (t *Transport) sendAck(to int, messageID uint64) {
	ack := wire.Message{Meta: wire.MessageMeta{
		MessageID: messageID,
		Sender:    t.selfID,
		Receiver:  to,
		Command:   wire.Ack,
	}}
	if err := t.writeRaw(to, ack); err != nil {
		t.log.Warn("failed to send ack", zap.Int("to", to), zap.Error(err))
	}
}

func roleLabel(nodeID int) string {
	return fmt.Sprintf("node_%d", nodeID)
}

// Connect registers an outbound connection to nodeID at addr. Messages
// sent to nodeID are written on this connection.
func (t *Transport) Connect(nodeID int, addr string) error {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("transport: cannot dial %q: %w", addr, err)
	}
	t.mu.Lock()
	t.conns[nodeID] = conn
	t.mu.Unlock()
	return nil
}

// Received returns the channel of inbound messages.
func (t *Transport) Received() <-chan Received { return t.inbox }

// SetSelfID updates the node id this transport stamps as Sender on
// outgoing messages. Used once a coordinator-assigned id is known, since a
// joining node must dial the coordinator (and be addressed in Ack/dup
// bookkeeping) before it has one.
func (t *Transport) SetSelfID(id int) { t.selfID = id }

// SelfID returns the node id this transport currently stamps as Sender.
func (t *Transport) SelfID() int { return t.selfID }

// writeRaw encodes and writes msg to nodeID's outbound connection,
// applying drop-rate fault injection: a dropped message is consumed
// silently, exactly as if it vanished on the wire.
func (t *Transport) writeRaw(nodeID int, msg wire.Message) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if t.cfg.DropRate > 0 {
		t.rngMu.Lock()
		drop := t.rng.Float64() < t.cfg.DropRate
		t.rngMu.Unlock()
		if drop {
			metrics.MessagesDropped.WithLabelValues("fault_injection").Inc()
			return nil
		}
	}
	t.mu.Lock()
	conn, ok := t.conns[nodeID]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: node %d", ErrUnknownPeer, nodeID)
	}
	if err := wire.EncodeMessage(conn, msg); err != nil {
		return fmt.Errorf("transport: write to node %d failed: %w", nodeID, err)
	}
	metrics.MessagesSent.WithLabelValues(roleLabel(nodeID)).Inc()
	return nil
}

// Send transmits msg to nodeID without waiting for an acknowledgement.
func (t *Transport) Send(nodeID int, msg wire.Message) error {
	msg.Meta.Sender = t.selfID
	msg.Meta.Receiver = nodeID
	return t.writeRaw(nodeID, msg)
}

// SendReliable transmits msg to nodeID and blocks until it is acked,
// retransmitting every ResendingTimeout up to ResendingRetry times.
// Returns ErrResendExhausted if the budget is exhausted, or ctx's error
// if ctx is canceled first.
func (t *Transport) SendReliable(ctx context.Context, nodeID int, msg wire.Message) error {
	msg.Meta.Sender = t.selfID
	msg.Meta.Receiver = nodeID
	if msg.Meta.MessageID == 0 {
		msg.Meta.MessageID = t.nextMessageID.Add(1)
	}

	key := ackKey{receiver: nodeID, messageID: msg.Meta.MessageID}
	p := &pendingSend{ack: make(chan struct{})}
	t.pendingMu.Lock()
	t.pending[key] = p
	t.pendingMu.Unlock()
	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, key)
		t.pendingMu.Unlock()
	}()

	attempts := 0
	for {
		if err := t.writeRaw(nodeID, msg); err != nil {
			return err
		}
		select {
		case <-p.ack:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(t.cfg.ResendingTimeout):
			attempts++
			if attempts > t.cfg.ResendingRetry {
				metrics.ResendExhausted.Inc()
				return ErrResendExhausted
			}
			metrics.ResendAttempts.Inc()
		}
	}
}

// Close stops accepting connections, closes every outbound connection, and
// unblocks the receive loops.
func (t *Transport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	if t.ln != nil {
		t.ln.Close()
	}
	t.mu.Lock()
	for _, c := range t.conns {
		c.Close()
	}
	for _, c := range t.inboundConns {
		c.Close()
	}
	t.mu.Unlock()
	t.wg.Wait()
	return nil
}
