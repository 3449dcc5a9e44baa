// Package gossip implements the Message Transport described in spec.md
// §4.3: authenticated, per-sender-FIFO, best-effort-delivery publish/
// subscribe messaging among signer set members. It is grounded on the
// devp2p-derived peer bookkeeping in tos-network-gtos's tos/peerset.go and
// jeongkyun-oh-klaytn's networks/p2p package (dial, per-peer read/write
// pumps, disconnect on protocol violation) rather than anything in the
// teacher, which has no peer-to-peer surface at all.
//
// Messages are authenticated with a secp256k1-Schnorr signature over
// H(topic || payload) computed with btcec/v2/schnorr, per spec.md §6's wire
// format, rather than the nacl/box scheme the gtos/klaytn pack otherwise
// favors for transport encryption — the spec already specifies the
// signature scheme, so this package only supplies the framing and peer
// fan-out around it.
package gossip

import (
	"time"

	"github.com/stacks-network/sbtc-signer/internal/models"
)

// Topic names the kind of message carried on the bus, matching spec.md
// §6's message kinds.
type Topic string

const (
	TopicDepositDecision    Topic = "deposit_decision"
	TopicWithdrawalDecision Topic = "withdrawal_decision"
	TopicStacksSignature    Topic = "stacks_tx_signature"
	TopicPreSignRequest     Topic = "bitcoin_presign_request"
	TopicPreSignAck         Topic = "bitcoin_presign_ack"
	TopicDkgCommitment      Topic = "dkg_commitment"
	TopicDkgShare           Topic = "dkg_share"
	TopicDkgAck             Topic = "dkg_ack"
	TopicNonceRequest       Topic = "nonce_request"
	TopicNonceCommitment    Topic = "nonce_commitment"
	TopicSigRequest         Topic = "sig_request"
	TopicSignatureShare     Topic = "signature_share"
	TopicStacksCallPropose  Topic = "stacks_call_propose"
)

// Message is one authenticated wire message: (sender_pubkey, payload,
// signature) per spec.md §6. ID is the hash of the canonical payload,
// used by consumers for duplicate suppression — the bus itself does not
// deduplicate.
type Message struct {
	ID        [32]byte
	Topic     Topic
	Sender    models.PubKey
	Payload   []byte
	Signature [64]byte
	ReceivedAt time.Time
}

// Bus is the publish/subscribe contract spec.md §4.3 describes: per-sender
// FIFO, eventual delivery to connected peers, no total or causal order
// guarantee, no exactly-once guarantee. Implementations are In-memory
// (tests, single-process simulation) or TCP-framed (production).
type Bus interface {
	// Publish signs payload with the local identity key and broadcasts it
	// to every connected peer under topic.
	Publish(topic Topic, payload []byte) error

	// Subscribe registers a handler invoked for every authenticated
	// message received on topic, in per-sender FIFO order. Returns an
	// unsubscribe function.
	Subscribe(topic Topic, handler func(Message)) (unsubscribe func())

	// Peers returns the public keys of currently connected peers.
	Peers() []models.PubKey

	// Close shuts down the bus and all peer connections.
	Close() error
}
