package coordinator

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stacks-network/sbtc-signer/internal/gossip"
	"github.com/stacks-network/sbtc-signer/internal/models"
)

// preSignRequestMsg is the wire form of BitcoinPreSignRequest (spec §4.6
// step 6): the full proposed transaction and its ordered request list, so
// every follower can independently reconstruct and compare it.
type preSignRequestMsg struct {
	Tip     models.BitcoinBlockHash `json:"tip"`
	Package models.SweepPackage    `json:"package"`
}

type preSignAckMsg struct {
	Tip    models.BitcoinBlockHash `json:"tip"`
	Signer models.PubKey           `json:"signer"`
}

// presignCollector accumulates acks for one in-flight pre-sign request.
type presignCollector struct {
	mu        sync.Mutex
	acks      map[models.PubKey]bool
	threshold int
	done      chan struct{}
	closed    bool
}

func newPresignCollector(threshold int) *presignCollector {
	return &presignCollector{acks: make(map[models.PubKey]bool), threshold: threshold, done: make(chan struct{})}
}

func (c *presignCollector) record(signer models.PubKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.acks[signer] = true
	if len(c.acks) >= c.threshold {
		c.closed = true
		close(c.done)
	}
}

func (c *presignCollector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.acks)
}

// handlePreSignAck feeds an incoming ack into the collector for its tip,
// if this node is currently awaiting one (i.e. it is the coordinator).
func (co *Coordinator) handlePreSignAck(msg gossip.Message) {
	var ack preSignAckMsg
	if err := json.Unmarshal(msg.Payload, &ack); err != nil {
		return
	}
	if !gossip.Verify(gossip.TopicPreSignAck, msg.Payload, msg.Signature, ack.Signer) {
		return
	}
	co.presignMu.Lock()
	collector, ok := co.presignPending[ack.Tip]
	co.presignMu.Unlock()
	if !ok {
		return
	}
	collector.record(ack.Signer)
}

// collectPreSignAcks publishes req and blocks until threshold acks arrive
// or maxDuration elapses (spec §4.6 step 7).
func (co *Coordinator) collectPreSignAcks(tip models.BitcoinBlockHash, pkg *models.SweepPackage, threshold int, maxDuration time.Duration) (int, error) {
	collector := newPresignCollector(threshold)
	co.presignMu.Lock()
	co.presignPending[tip] = collector
	co.presignMu.Unlock()
	defer func() {
		co.presignMu.Lock()
		delete(co.presignPending, tip)
		co.presignMu.Unlock()
	}()

	payload, err := json.Marshal(preSignRequestMsg{Tip: tip, Package: *pkg})
	if err != nil {
		return 0, err
	}
	// The coordinator's own ack of its own proposal always counts.
	collector.record(co.identity.PublicKey)
	if err := co.bus.Publish(gossip.TopicPreSignRequest, payload); err != nil {
		return collector.count(), err
	}

	select {
	case <-collector.done:
	case <-time.After(maxDuration):
	}
	return collector.count(), nil
}

// handlePreSignRequest is the follower path of spec §4.6/§4.7: reconstruct
// the expected package from this node's own Chain View, compare it
// byte-for-byte against the proposal, and only ack (and pre-approve the
// signing rounds it implies) on a match.
func (co *Coordinator) handlePreSignRequest(msg gossip.Message) {
	var req preSignRequestMsg
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return
	}
	if !gossip.Verify(gossip.TopicPreSignRequest, msg.Payload, msg.Signature, msg.Sender) {
		return
	}

	tipBlock, err := co.store.BitcoinBlock(req.Tip)
	if err != nil || tipBlock == nil {
		co.log.Warn("pre-sign request references unknown tip, refusing", zap.Any("tip", req.Tip))
		return
	}

	set, err := co.store.LatestSignerSet()
	if err != nil || set == nil {
		return
	}
	if !IsCoordinator(msg.Sender, req.Tip, set) {
		co.log.Warn("refusing pre-sign request from non-coordinator", zap.Any("sender", msg.Sender))
		return
	}
	expected, err := co.buildExpectedPackage(tipBlock, set)
	if err != nil {
		co.log.Warn("failed to reconstruct expected sweep package", zap.Error(err))
		return
	}

	if err := ComparePackages(&req.Package, expected, co.feeTolerance); err != nil {
		co.log.Warn("refusing pre-sign request: proposal mismatch", zap.Error(err))
		return
	}

	co.approveRoundsFor(&req.Package, req.Tip, set.AggregateKey)

	ack, err := json.Marshal(preSignAckMsg{Tip: req.Tip, Signer: co.identity.PublicKey})
	if err != nil {
		return
	}
	if err := co.bus.Publish(gossip.TopicPreSignAck, ack); err != nil {
		co.log.Warn("failed to publish pre-sign ack", zap.Error(err))
	}
}
