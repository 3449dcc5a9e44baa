package gossip

import (
	"sync"
	"time"

	"github.com/stacks-network/sbtc-signer/internal/models"
	"github.com/stacks-network/sbtc-signer/internal/signererr"
)

// MemoryBus is an in-process Bus connecting a fixed set of identities
// without any network transport, for single-process simulation and tests
// — the role the teacher's MockRPCClient/mock_client.go plays for RPC, here
// applied to the gossip transport.
type MemoryBus struct {
	self  *Identity
	peers map[models.PubKey]*MemoryBus

	mu       sync.RWMutex
	handlers map[Topic][]func(Message)
	closed   bool
}

// NewMemoryBus creates a bus for identity id. Call LinkPeers afterward to
// connect a group of buses into a fully meshed cluster.
func NewMemoryBus(id *Identity) *MemoryBus {
	return &MemoryBus{
		self:     id,
		peers:    make(map[models.PubKey]*MemoryBus),
		handlers: make(map[Topic][]func(Message)),
	}
}

// LinkPeers fully meshes the given buses: every bus can Publish to every
// other. Call once after constructing all members of a simulated set.
func LinkPeers(buses ...*MemoryBus) {
	for _, a := range buses {
		for _, b := range buses {
			if a == b {
				continue
			}
			a.mu.Lock()
			a.peers[b.self.PublicKey] = b
			a.mu.Unlock()
		}
	}
}

func (b *MemoryBus) Publish(topic Topic, payload []byte) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return signererr.NewProtocolViolation(signererr.ErrCodeMalformedMessage, "bus is closed", nil)
	}
	peers := make([]*MemoryBus, 0, len(b.peers))
	for _, p := range b.peers {
		peers = append(peers, p)
	}
	b.mu.RUnlock()

	sig, err := b.self.sign(topic, payload)
	if err != nil {
		return err
	}
	msg := Message{
		ID:         MessageID(payload),
		Topic:      topic,
		Sender:     b.self.PublicKey,
		Payload:    payload,
		Signature:  sig,
		ReceivedAt: time.Now(),
	}

	for _, p := range peers {
		p.deliver(msg)
	}
	return nil
}

// deliver hands msg to every handler the receiving bus has registered for
// msg.Topic, after re-verifying the signature so a MemoryBus behaves like a
// real peer link rather than trusting the sender's in-process object.
func (b *MemoryBus) deliver(msg Message) {
	if !Verify(msg.Topic, msg.Payload, msg.Signature, msg.Sender) {
		return
	}
	b.mu.RLock()
	handlers := append([]func(Message){}, b.handlers[msg.Topic]...)
	b.mu.RUnlock()
	for _, h := range handlers {
		h(msg)
	}
}

func (b *MemoryBus) Subscribe(topic Topic, handler func(Message)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], handler)
	idx := len(b.handlers[topic]) - 1
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		hs := b.handlers[topic]
		if idx < len(hs) {
			hs[idx] = func(Message) {}
		}
	}
}

func (b *MemoryBus) Peers() []models.PubKey {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]models.PubKey, 0, len(b.peers))
	for pk := range b.peers {
		out = append(out, pk)
	}
	return out
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
