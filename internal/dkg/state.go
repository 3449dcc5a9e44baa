package dkg

import (
	"crypto/sha256"
	"encoding/json"
	"math/big"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stacks-network/sbtc-signer/internal/gossip"
	"github.com/stacks-network/sbtc-signer/internal/models"
	"github.com/stacks-network/sbtc-signer/internal/repo"
	"github.com/stacks-network/sbtc-signer/internal/signererr"
)

// RoundState is the tagged state of one DKG round, per spec §4.4.
type RoundState string

const (
	StateCollectingCommitments RoundState = "collecting_commitments"
	StateDistributingShares    RoundState = "distributing_shares"
	StateAwaitingAcks          RoundState = "awaiting_acks"
	StateProduced              RoundState = "produced" // aggregate key computed, awaiting on-chain verification
	StateFailed                RoundState = "failed"
)

// Round is one in-progress DKG round's local state.
type Round struct {
	Epoch     uint64
	Threshold int
	Signers   []models.SignerIdentity // ordered by index
	SelfIndex int
	Poly      *Polynomial
	Deadline  time.Time
	StartedAt time.Time

	mu             sync.Mutex
	state          RoundState
	commitments    map[int][]models.PubKey         // signer index -> their published commitments
	shares         map[int]*big.Int                // signer index -> decrypted share they sent us
	receivedShares map[int]models.EncryptedShare   // signer index -> the still-encrypted share, kept for the audit record
	acks           map[int][32]byte                // signer index -> acked commitment digest

	aggregateKey models.PubKey
	ownShare     *big.Int
}

// Machine drives DKG rounds over the gossip bus.
type Machine struct {
	store      repo.Store
	bus        gossip.Bus
	identity   *gossip.Identity
	selfScalar *big.Int
	log        *zap.Logger

	beginPause  time.Duration
	maxDuration time.Duration

	mu     sync.Mutex
	rounds map[uint64]*Round

	onProduced func(epoch uint64, aggKey models.PubKey)
}

// New creates a Machine and subscribes it to the DKG gossip topics.
// onProduced is invoked once a round reaches StateProduced, so the
// Coordinator can drive the rotate-to on-chain verification (spec §4.4).
func New(store repo.Store, bus gossip.Bus, identity *gossip.Identity, beginPause, maxDuration time.Duration, log *zap.Logger, onProduced func(uint64, models.PubKey)) *Machine {
	scalarBytes := identity.PrivateKey.Serialize()
	m := &Machine{
		store:       store,
		bus:         bus,
		identity:    identity,
		selfScalar:  new(big.Int).SetBytes(scalarBytes),
		log:         log,
		beginPause:  beginPause,
		maxDuration: maxDuration,
		rounds:      make(map[uint64]*Round),
		onProduced:  onProduced,
	}
	bus.Subscribe(gossip.TopicDkgCommitment, m.handleCommitment)
	bus.Subscribe(gossip.TopicDkgShare, m.handleShare)
	bus.Subscribe(gossip.TopicDkgAck, m.handleAck)
	return m
}

type commitmentMsg struct {
	Epoch       uint64          `json:"epoch"`
	SignerIndex int             `json:"signer_index"`
	Commitments []models.PubKey `json:"commitments"`
}

type shareMsg struct {
	Epoch          uint64 `json:"epoch"`
	SenderIndex    int    `json:"sender_index"`
	RecipientIndex int    `json:"recipient_index"`
	Nonce          []byte `json:"nonce"`
	Ciphertext     []byte `json:"ciphertext"`
}

type ackMsg struct {
	Epoch       uint64   `json:"epoch"`
	SignerIndex int      `json:"signer_index"`
	Digest      [32]byte `json:"digest"`
}

// BeginRound starts a new DKG round for epoch across signers, waiting
// beginPause before the first broadcast to smooth fan-out (spec §4.4
// "Pause").
func (m *Machine) BeginRound(epoch uint64, signers []models.SignerIdentity, threshold int) error {
	selfIndex := -1
	for _, s := range signers {
		if s.PublicKey == m.identity.PublicKey {
			selfIndex = s.Index
			break
		}
	}
	if selfIndex < 0 {
		return signererr.NewFatal(signererr.ErrCodeNoVerifiedShares, "local identity is not a member of the signer set for this DKG round", nil)
	}

	poly, err := NewPolynomial(threshold - 1)
	if err != nil {
		return signererr.New(signererr.Fatal, signererr.ErrCodeMissingConfig, "failed to generate DKG polynomial", err)
	}

	now := time.Now()
	round := &Round{
		Epoch:       epoch,
		Threshold:   threshold,
		Signers:     signers,
		SelfIndex:   selfIndex,
		Poly:        poly,
		Deadline:    now.Add(m.maxDuration),
		StartedAt:   now,
		state:          StateCollectingCommitments,
		commitments:    make(map[int][]models.PubKey),
		shares:         make(map[int]*big.Int),
		receivedShares: make(map[int]models.EncryptedShare),
		acks:           make(map[int][32]byte),
	}

	commitments := poly.Commit()
	round.commitments[selfIndex] = commitments // a Bus only delivers to peers, never back to the sender

	m.mu.Lock()
	m.rounds[epoch] = round
	m.mu.Unlock()

	time.Sleep(m.beginPause)

	payload, err := json.Marshal(commitmentMsg{Epoch: epoch, SignerIndex: selfIndex, Commitments: commitments})
	if err != nil {
		return signererr.New(signererr.Fatal, signererr.ErrCodeMalformedMessage, "failed to serialize DKG commitment", err)
	}
	if err := m.bus.Publish(gossip.TopicDkgCommitment, payload); err != nil {
		return err
	}

	round.mu.Lock()
	ready := len(round.commitments) >= len(round.Signers)
	round.mu.Unlock()
	if ready {
		m.distributeShares(round)
	}
	return nil
}

func (m *Machine) round(epoch uint64) *Round {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rounds[epoch]
}

func (m *Machine) handleCommitment(msg gossip.Message) {
	var cm commitmentMsg
	if err := json.Unmarshal(msg.Payload, &cm); err != nil {
		return
	}
	r := m.round(cm.Epoch)
	if r == nil || time.Now().After(r.Deadline) {
		return
	}

	r.mu.Lock()
	r.commitments[cm.SignerIndex] = cm.Commitments
	ready := len(r.commitments) >= len(r.Signers)
	r.mu.Unlock()

	if ready {
		m.distributeShares(r)
	}
}

// distributeShares evaluates this participant's polynomial at every other
// signer's index and gossips an ECDH-encrypted share to each.
func (m *Machine) distributeShares(r *Round) {
	r.mu.Lock()
	if r.state != StateCollectingCommitments {
		r.mu.Unlock()
		return
	}
	r.state = StateDistributingShares
	r.mu.Unlock()

	for _, s := range r.Signers {
		shareVal := r.Poly.Evaluate(int64(s.Index))
		if s.PublicKey == m.identity.PublicKey {
			r.mu.Lock()
			r.shares[r.SelfIndex] = shareVal
			r.mu.Unlock()
			continue
		}

		enc, err := EncryptShare(shareVal, m.selfScalar, s.PublicKey)
		if err != nil {
			m.log.Warn("failed to encrypt DKG share", zap.Error(err))
			continue
		}
		payload, err := json.Marshal(shareMsg{
			Epoch:          r.Epoch,
			SenderIndex:    r.SelfIndex,
			RecipientIndex: s.Index,
			Nonce:          enc.Nonce,
			Ciphertext:     enc.Ciphertext,
		})
		if err != nil {
			continue
		}
		if err := m.bus.Publish(gossip.TopicDkgShare, payload); err != nil {
			m.log.Warn("failed to gossip DKG share", zap.Error(err))
		}
	}

	m.maybeAck(r)
}

func (m *Machine) handleShare(msg gossip.Message) {
	var sm shareMsg
	if err := json.Unmarshal(msg.Payload, &sm); err != nil {
		return
	}
	r := m.round(sm.Epoch)
	if r == nil || time.Now().After(r.Deadline) {
		return
	}
	if sm.RecipientIndex != r.SelfIndex {
		return // not ours; we can't decrypt it anyway
	}

	r.mu.Lock()
	commitments, haveCommitments := r.commitments[sm.SenderIndex]
	r.mu.Unlock()
	if !haveCommitments {
		return
	}

	share, err := DecryptShare(&EncryptedPayload{Nonce: sm.Nonce, Ciphertext: sm.Ciphertext}, m.selfScalar, msg.Sender)
	if err != nil {
		m.log.Warn("failed to decrypt DKG share", zap.Int("sender_index", sm.SenderIndex), zap.Error(err))
		return
	}
	if !VerifyShare(share, int64(r.SelfIndex), commitments) {
		m.log.Warn("DKG share failed Feldman-VSS verification", zap.Int("sender_index", sm.SenderIndex))
		return
	}

	r.mu.Lock()
	r.shares[sm.SenderIndex] = share
	r.receivedShares[sm.SenderIndex] = models.EncryptedShare{
		SignerIndex: sm.SenderIndex,
		Ciphertext:  sm.Ciphertext,
		Nonce:       sm.Nonce,
	}
	r.mu.Unlock()

	m.maybeAck(r)
}

// maybeAck publishes a success acknowledgement once commitments and a
// verified share have been received from every signer (spec §4.4 step 4).
func (m *Machine) maybeAck(r *Round) {
	r.mu.Lock()
	ready := len(r.commitments) >= len(r.Signers) && len(r.shares) >= len(r.Signers) && r.state != StateAwaitingAcks
	if !ready {
		r.mu.Unlock()
		return
	}
	r.state = StateAwaitingAcks
	digest := commitmentDigest(r.commitments)
	r.mu.Unlock()

	payload, err := json.Marshal(ackMsg{Epoch: r.Epoch, SignerIndex: r.SelfIndex, Digest: digest})
	if err != nil {
		return
	}
	if err := m.bus.Publish(gossip.TopicDkgAck, payload); err != nil {
		m.log.Warn("failed to gossip DKG ack", zap.Error(err))
	}

	r.mu.Lock()
	r.acks[r.SelfIndex] = digest
	r.mu.Unlock()
	m.maybeFinalize(r)
}

func (m *Machine) handleAck(msg gossip.Message) {
	var am ackMsg
	if err := json.Unmarshal(msg.Payload, &am); err != nil {
		return
	}
	r := m.round(am.Epoch)
	if r == nil || time.Now().After(r.Deadline) {
		return
	}
	r.mu.Lock()
	r.acks[am.SignerIndex] = am.Digest
	r.mu.Unlock()
	m.maybeFinalize(r)
}

// maybeFinalize promotes a round to Produced once >= T acks share an
// identical commitment digest (spec §4.4: "On >= T acks with identical
// commitment digest the aggregate key is considered produced").
func (m *Machine) maybeFinalize(r *Round) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateProduced || r.state == StateFailed {
		return
	}

	counts := make(map[[32]byte]int)
	for _, d := range r.acks {
		counts[d]++
	}
	var matchCount int
	for _, c := range counts {
		if c > matchCount {
			matchCount = c
		}
	}
	if matchCount < r.Threshold {
		return
	}

	var ownCommitments []models.PubKey
	constantTerms := make([]models.PubKey, 0, len(r.commitments))
	for _, idx := range sortedKeys(r.commitments) {
		constantTerms = append(constantTerms, r.commitments[idx][0])
		if idx == r.SelfIndex {
			ownCommitments = r.commitments[idx]
		}
	}
	aggKey, ok := addCommitments(constantTerms)
	if !ok || ownCommitments == nil {
		r.state = StateFailed
		return
	}

	ownShare := new(big.Int)
	n := curve.Params().N
	for _, s := range r.shares {
		ownShare.Add(ownShare, s)
		ownShare.Mod(ownShare, n)
	}

	r.aggregateKey = aggKey
	r.ownShare = ownShare
	r.state = StateProduced

	commitmentRecords := make([]models.PolynomialCommitment, 0, len(r.commitments))
	for _, idx := range sortedKeys(r.commitments) {
		commitmentRecords = append(commitmentRecords, models.PolynomialCommitment{
			SignerIndex: idx,
			Points:      r.commitments[idx],
		})
	}
	shareRecords := make(map[int]models.EncryptedShare, len(r.receivedShares))
	for idx, enc := range r.receivedShares {
		shareRecords[idx] = enc
	}

	record := &models.DkgShares{
		AggregateKey: aggKey,
		Epoch:        r.Epoch,
		Shares:       shareRecords,
		Commitments:  commitmentRecords,
		Status:       models.SharesUnverified,
		StartedAt:    r.StartedAt,
	}
	if err := m.store.PutDkgShares(record); err != nil {
		m.log.Warn("failed to persist produced DKG shares", zap.Uint64("epoch", r.Epoch), zap.Error(err))
	}

	if m.onProduced != nil {
		go m.onProduced(r.Epoch, aggKey)
	}
}

// AggregateKey returns the aggregate key a round produced, once it has
// reached StateProduced.
func (m *Machine) AggregateKey(epoch uint64) (models.PubKey, bool) {
	r := m.round(epoch)
	if r == nil {
		return models.PubKey{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateProduced {
		return models.PubKey{}, false
	}
	return r.aggregateKey, true
}

// OwnShare returns this signer's final additive key share for epoch, once
// the round has reached StateProduced.
func (m *Machine) OwnShare(epoch uint64) (*big.Int, bool) {
	r := m.round(epoch)
	if r == nil {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateProduced {
		return nil, false
	}
	return r.ownShare, true
}

// RoundState reports the current state of a round, if one is tracked.
func (m *Machine) RoundState(epoch uint64) (RoundState, bool) {
	r := m.round(epoch)
	if r == nil {
		return "", false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state, true
}

// MarkVerified promotes a produced key to Verified once the coordinator has
// observed its rotate-to transaction confirmed on-chain within
// dkg_verification_window (spec §4.4). This is deliberately free of any
// chain-reading logic of its own: the coordinator decides when the gate is
// satisfied and simply records the outcome here.
func MarkVerified(store repo.Store, epoch uint64, verifiedAt time.Time) error {
	shares, err := store.DkgShares(epoch)
	if err != nil {
		return signererr.NewTransient(signererr.ErrCodeDatabaseUnavail, "failed to load DKG shares for verification", nil, err)
	}
	shares.Status = models.SharesVerified
	shares.VerifiedAt = &verifiedAt
	if err := store.PutDkgShares(shares); err != nil {
		return signererr.NewTransient(signererr.ErrCodeDatabaseUnavail, "failed to persist verified DKG shares", nil, err)
	}
	return nil
}

// MarkFailed records that epoch's rotate-to verification did not complete
// within dkg_verification_window, so the signer set continues operating
// under its prior Verified key.
func MarkFailed(store repo.Store, epoch uint64) error {
	shares, err := store.DkgShares(epoch)
	if err != nil {
		return signererr.NewTransient(signererr.ErrCodeDatabaseUnavail, "failed to load DKG shares to mark failed", nil, err)
	}
	shares.Status = models.SharesFailed
	if err := store.PutDkgShares(shares); err != nil {
		return signererr.NewTransient(signererr.ErrCodeDatabaseUnavail, "failed to persist failed DKG shares", nil, err)
	}
	return nil
}

func sortedKeys(m map[int][]models.PubKey) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

func commitmentDigest(commitments map[int][]models.PubKey) [32]byte {
	keys := sortedKeys(commitments)
	var buf []byte
	for _, k := range keys {
		for _, c := range commitments[k] {
			buf = append(buf, c[:]...)
		}
	}
	return sha256.Sum256(buf)
}
