package signing

import (
	"crypto/sha256"
	"encoding/hex"
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
	"github.com/stacks-network/sbtc-signer/internal/txbuilder"
)

// Machine drives FROST signing rounds over the gossip bus, one round per
// sighash (spec §4.5). A Machine instance is this signer's participation
// in every round it's invited to; the persisted models.SigningRound in
// repo.Store is this signer's own view of round progress, while the
// ephemeral nonce secrets live only in memory and are never written to
// disk (spec: "ephemeral, task-owned state").
type Machine struct {
	store    repo.Store
	bus      gossip.Bus
	identity *gossip.Identity
	log      *zap.Logger

	mu        sync.Mutex
	keyShare  *big.Int
	selfIndex int

	secretsMu sync.Mutex
	secrets   map[models.RoundID]*roundSecrets

	onAggregated func(models.RoundID, *models.SigningRound)

	// approve gates participation in a coordinator-driven round (spec
	// §4.7): nil means "always participate" (used by tests and by the
	// coordinator's own Machine, which originates the proposal it would
	// otherwise be validating against itself).
	approve func(id models.RoundID, payload []byte, anchor models.BitcoinBlockHash, coordinator models.PubKey) bool
}

type roundSecrets struct {
	mu          sync.Mutex
	signers     []models.SignerIdentity
	threshold   int
	nonce       *nonceSecret
	aggKey      models.PubKey
	payload     []byte
	coordinator models.PubKey

	commitments      map[int]models.NonceCommitment
	finalCommitments []models.NonceCommitment // the threshold-sized set a sig request was built from
	sentSigReq       bool
	shares           map[int]*big.Int
	finalized        bool
}

// New creates a signing Machine and subscribes it to the signing gossip
// topics. onAggregated, if non-nil, is called once this node (acting as
// coordinator for a round) assembles and locally verifies a final
// signature.
func New(store repo.Store, bus gossip.Bus, identity *gossip.Identity, log *zap.Logger, onAggregated func(models.RoundID, *models.SigningRound)) *Machine {
	m := &Machine{
		store:        store,
		bus:          bus,
		identity:     identity,
		log:          log,
		secrets:      make(map[models.RoundID]*roundSecrets),
		onAggregated: onAggregated,
	}
	bus.Subscribe(gossip.TopicNonceRequest, m.handleNonceRequest)
	bus.Subscribe(gossip.TopicNonceCommitment, m.handleNonceCommitment)
	bus.Subscribe(gossip.TopicSigRequest, m.handleSigRequest)
	bus.Subscribe(gossip.TopicSignatureShare, m.handleSignatureShare)
	return m
}

// SetKeyMaterial installs this signer's additive key share and index for
// the currently Verified aggregate key (spec §4.4's rotate-to gate feeds
// this once a DKG round is confirmed on-chain). A Machine signs with
// whatever key material was last set; the caller is responsible for
// rotating it when the Verified key changes.
func (m *Machine) SetKeyMaterial(share *big.Int, index int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keyShare = share
	m.selfIndex = index
}

// SetApprovalGate installs the Validator check a follower runs before
// contributing a nonce to a coordinator-driven round (spec §4.7): gate
// returns false to refuse participation. A round this node itself starts
// via StartRound is never gated.
func (m *Machine) SetApprovalGate(gate func(id models.RoundID, payload []byte, anchor models.BitcoinBlockHash, coordinator models.PubKey) bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.approve = gate
}

// RoundID computes H(payload || aggregate-key || anchor-block-hash) per
// spec §4.5, so identical proposals always dedupe to the same round.
func RoundID(payload []byte, aggKey models.PubKey, anchor models.BitcoinBlockHash) models.RoundID {
	h := sha256.New()
	h.Write(payload)
	h.Write(aggKey[:])
	h.Write(anchor[:])
	var id models.RoundID
	copy(id[:], h.Sum(nil))
	return id
}

type nonceRequestMsg struct {
	RoundID     models.RoundID          `json:"round_id"`
	Coordinator models.PubKey           `json:"coordinator"`
	AggKey      models.PubKey           `json:"agg_key"`
	Anchor      models.BitcoinBlockHash `json:"anchor"`
	Payload     []byte                  `json:"payload"`
	Signers     []models.SignerIdentity `json:"signers"`
	Threshold   int                     `json:"threshold"`
	DeadlineSec int64                   `json:"deadline_unix"`
}

type nonceCommitmentMsg struct {
	RoundID     models.RoundID `json:"round_id"`
	SignerIndex int            `json:"signer_index"`
	D           []byte         `json:"d"`
	E           []byte         `json:"e"`
}

type sigRequestMsg struct {
	RoundID     models.RoundID            `json:"round_id"`
	Commitments []models.NonceCommitment  `json:"commitments"`
}

type signatureShareMsg struct {
	RoundID     models.RoundID `json:"round_id"`
	SignerIndex int            `json:"signer_index"`
	Share       []byte         `json:"share"`
}

// StartRound begins a new signing round as its coordinator: persists the
// round, generates this signer's own nonce, and broadcasts the nonce
// request to the rest of the signer set.
func (m *Machine) StartRound(aggKey models.PubKey, anchor models.BitcoinBlockHash, payload []byte, signers []models.SignerIdentity, threshold int, deadline time.Duration) (models.RoundID, error) {
	id := RoundID(payload, aggKey, anchor)

	bitmap := make([]bool, len(signers))
	for i := range bitmap {
		bitmap[i] = true
	}
	round := &models.SigningRound{
		ID:           id,
		Coordinator:  m.identity.PublicKey,
		AggregateKey: aggKey,
		AnchorBlock:  anchor,
		Payload:      payload,
		State:        models.RoundNonceRequest,
		SignerBitmap: bitmap,
		Deadline:     time.Now().Add(deadline),
	}
	if err := m.store.PutSigningRound(round); err != nil {
		return id, signererr.NewTransient(signererr.ErrCodeDatabaseUnavail, "failed to persist signing round", nil, err)
	}

	if err := m.initLocalRound(id, aggKey, payload, m.identity.PublicKey, signers, threshold); err != nil {
		return id, err
	}

	payloadBytes, err := json.Marshal(nonceRequestMsg{
		RoundID:     id,
		Coordinator: m.identity.PublicKey,
		AggKey:      aggKey,
		Anchor:      anchor,
		Payload:     payload,
		Signers:     signers,
		Threshold:   threshold,
		DeadlineSec: round.Deadline.Unix(),
	})
	if err != nil {
		return id, signererr.New(signererr.Fatal, signererr.ErrCodeMalformedMessage, "failed to serialize nonce request", err)
	}
	if err := m.bus.Publish(gossip.TopicNonceRequest, payloadBytes); err != nil {
		return id, err
	}

	return id, m.publishOwnCommitment(id)
}

// initLocalRound creates the in-memory secret state for a round this
// signer is participating in, generating a fresh nonce pair.
func (m *Machine) initLocalRound(id models.RoundID, aggKey models.PubKey, payload []byte, coordinator models.PubKey, signers []models.SignerIdentity, threshold int) error {
	m.secretsMu.Lock()
	if _, exists := m.secrets[id]; exists {
		m.secretsMu.Unlock()
		return nil
	}
	m.secretsMu.Unlock()

	nonce, err := generateNonce()
	if err != nil {
		return signererr.New(signererr.Fatal, signererr.ErrCodeMissingConfig, "failed to generate signing nonce", err)
	}

	rs := &roundSecrets{
		signers:     signers,
		threshold:   threshold,
		nonce:       nonce,
		aggKey:      aggKey,
		payload:     payload,
		coordinator: coordinator,
		commitments: make(map[int]models.NonceCommitment),
		shares:      make(map[int]*big.Int),
	}

	m.mu.Lock()
	selfIndex := m.selfIndex
	m.mu.Unlock()
	rs.commitments[selfIndex] = nonce.commitment(selfIndex)

	m.secretsMu.Lock()
	m.secrets[id] = rs
	m.secretsMu.Unlock()
	return nil
}

func (m *Machine) publishOwnCommitment(id models.RoundID) error {
	m.secretsMu.Lock()
	rs, ok := m.secrets[id]
	m.secretsMu.Unlock()
	if !ok {
		return nil
	}
	m.mu.Lock()
	selfIndex := m.selfIndex
	m.mu.Unlock()

	rs.mu.Lock()
	own := rs.commitments[selfIndex]
	rs.mu.Unlock()

	payload, err := json.Marshal(nonceCommitmentMsg{RoundID: id, SignerIndex: selfIndex, D: own.D, E: own.E})
	if err != nil {
		return signererr.New(signererr.Fatal, signererr.ErrCodeMalformedMessage, "failed to serialize nonce commitment", err)
	}
	return m.bus.Publish(gossip.TopicNonceCommitment, payload)
}

func (m *Machine) handleNonceRequest(msg gossip.Message) {
	var nr nonceRequestMsg
	if err := json.Unmarshal(msg.Payload, &nr); err != nil {
		return
	}
	selfInvited := false
	m.mu.Lock()
	selfIndex := m.selfIndex
	m.mu.Unlock()
	for _, s := range nr.Signers {
		if s.Index == selfIndex {
			selfInvited = true
			break
		}
	}
	if !selfInvited {
		return
	}

	m.mu.Lock()
	gate := m.approve
	m.mu.Unlock()
	if gate != nil && !gate(nr.RoundID, nr.Payload, nr.Anchor, nr.Coordinator) {
		m.log.Warn("refusing to contribute nonce: proposal failed independent validation",
			zap.String("round_id", hex.EncodeToString(nr.RoundID[:])))
		return
	}

	round := &models.SigningRound{
		ID:           nr.RoundID,
		Coordinator:  nr.Coordinator,
		AggregateKey: nr.AggKey,
		AnchorBlock:  nr.Anchor,
		Payload:      nr.Payload,
		State:        models.RoundNonceRequest,
		SignerBitmap: make([]bool, len(nr.Signers)),
		Deadline:     time.Unix(nr.DeadlineSec, 0),
	}
	for i := range round.SignerBitmap {
		round.SignerBitmap[i] = true
	}
	if err := m.store.PutSigningRound(round); err != nil {
		m.log.Warn("failed to persist incoming signing round", zap.Error(err))
		return
	}

	if err := m.initLocalRound(nr.RoundID, nr.AggKey, nr.Payload, nr.Coordinator, nr.Signers, nr.Threshold); err != nil {
		m.log.Warn("failed to initialize signing round", zap.Error(err))
		return
	}
	if err := m.publishOwnCommitment(nr.RoundID); err != nil {
		m.log.Warn("failed to publish nonce commitment", zap.Error(err))
	}
}

func (m *Machine) handleNonceCommitment(msg gossip.Message) {
	var nc nonceCommitmentMsg
	if err := json.Unmarshal(msg.Payload, &nc); err != nil {
		return
	}
	m.secretsMu.Lock()
	rs, ok := m.secrets[nc.RoundID]
	m.secretsMu.Unlock()
	if !ok {
		return
	}

	rs.mu.Lock()
	rs.commitments[nc.SignerIndex] = models.NonceCommitment{SignerIndex: nc.SignerIndex, D: nc.D, E: nc.E}
	ready := len(rs.commitments) >= rs.threshold && !rs.sentSigReq && rs.coordinator == m.identity.PublicKey
	var commitments []models.NonceCommitment
	if ready {
		rs.sentSigReq = true
		commitments = selectParticipants(rs.commitments, rs.threshold)
	}
	rs.mu.Unlock()

	if !ready {
		return
	}

	payload, err := json.Marshal(sigRequestMsg{RoundID: nc.RoundID, Commitments: commitments})
	if err != nil {
		m.log.Warn("failed to serialize sig request", zap.Error(err))
		return
	}
	if err := m.bus.Publish(gossip.TopicSigRequest, payload); err != nil {
		m.log.Warn("failed to publish sig request", zap.Error(err))
	}
	m.processSigRequest(nc.RoundID, commitments)
}

// selectParticipants picks exactly threshold signers (by ascending index)
// out of the set that committed nonces, a deterministic choice every
// participant can reproduce from the gossiped request.
func selectParticipants(commitments map[int]models.NonceCommitment, threshold int) []models.NonceCommitment {
	out := make([]models.NonceCommitment, 0, len(commitments))
	for _, c := range commitments {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SignerIndex < out[j].SignerIndex })
	if len(out) > threshold {
		out = out[:threshold]
	}
	return out
}

func (m *Machine) handleSigRequest(msg gossip.Message) {
	var sr sigRequestMsg
	if err := json.Unmarshal(msg.Payload, &sr); err != nil {
		return
	}
	m.processSigRequest(sr.RoundID, sr.Commitments)
}

func (m *Machine) processSigRequest(id models.RoundID, commitments []models.NonceCommitment) {
	m.secretsMu.Lock()
	rs, ok := m.secrets[id]
	m.secretsMu.Unlock()
	if !ok {
		return // missed the nonce phase; can't contribute without a local nonce
	}

	rs.mu.Lock()
	rs.finalCommitments = commitments
	rs.mu.Unlock()

	m.mu.Lock()
	selfIndex := m.selfIndex
	keyShare := m.keyShare
	m.mu.Unlock()
	if keyShare == nil {
		m.log.Warn("no key share installed, cannot contribute signature share")
		return
	}

	participating := false
	for _, c := range commitments {
		if c.SignerIndex == selfIndex {
			participating = true
			break
		}
	}
	if !participating {
		return
	}

	rx, ry, err := groupCommitment(id, commitments)
	if err != nil {
		m.markFailed(id)
		return
	}
	negate := ry.Bit(0) == 1

	rs.mu.Lock()
	d := new(big.Int).Set(rs.nonce.d)
	e := new(big.Int).Set(rs.nonce.e)
	aggKey := rs.aggKey
	payload := rs.payload
	rs.mu.Unlock()

	n := curve.Params().N
	if negate {
		d.Sub(n, d)
		e.Sub(n, e)
	}

	participants := make([]int, len(commitments))
	for i, c := range commitments {
		participants[i] = c.SignerIndex
	}
	rho := bindingFactor(id, selfIndex, commitments)
	lambda := lagrangeCoefficient(participants, selfIndex)
	c := challenge(rx, aggKey, payload)

	z := new(big.Int).Mul(rho, e)
	z.Add(z, d)
	term := new(big.Int).Mul(c, lambda)
	term.Mul(term, keyShare)
	if aggKey[0] == 0x03 {
		// BIP340 verifies against the even-y lift of the aggregate key,
		// whose secret is the negation of the one the shares interpolate to.
		term.Neg(term)
	}
	z.Add(z, term)
	z.Mod(z, n)

	payloadBytes, err := json.Marshal(signatureShareMsg{RoundID: id, SignerIndex: selfIndex, Share: z.Bytes()})
	if err != nil {
		return
	}
	if err := m.bus.Publish(gossip.TopicSignatureShare, payloadBytes); err != nil {
		m.log.Warn("failed to publish signature share", zap.Error(err))
	}

	rs.mu.Lock()
	rs.shares[selfIndex] = z
	rs.mu.Unlock()

	if rs.coordinator == m.identity.PublicKey {
		m.maybeAggregate(id, rx, commitments)
	}
}

func (m *Machine) handleSignatureShare(msg gossip.Message) {
	var ss signatureShareMsg
	if err := json.Unmarshal(msg.Payload, &ss); err != nil {
		return
	}
	m.secretsMu.Lock()
	rs, ok := m.secrets[ss.RoundID]
	m.secretsMu.Unlock()
	if !ok || rs.coordinator != m.identity.PublicKey {
		return // only the coordinator aggregates
	}

	rs.mu.Lock()
	rs.shares[ss.SignerIndex] = new(big.Int).SetBytes(ss.Share)
	commitments := rs.finalCommitments
	rs.mu.Unlock()
	if commitments == nil {
		return // the coordinator's own sig request hasn't been processed locally yet
	}

	rx, _, err := groupCommitment(ss.RoundID, commitments)
	if err != nil {
		return
	}
	m.maybeAggregate(ss.RoundID, rx, commitments)
}

// maybeAggregate combines collected signature shares into a final BIP340
// signature once enough have arrived, and verifies it locally before
// marking the round Aggregated (spec §4.5, §4.7's "never trust an
// aggregate without re-verifying it" discipline applied to ourselves).
func (m *Machine) maybeAggregate(id models.RoundID, rx *big.Int, commitments []models.NonceCommitment) {
	m.secretsMu.Lock()
	rs, ok := m.secrets[id]
	m.secretsMu.Unlock()
	if !ok {
		return
	}

	rs.mu.Lock()
	if rs.finalized || len(rs.shares) < rs.threshold {
		rs.mu.Unlock()
		return
	}
	n := curve.Params().N
	s := new(big.Int)
	for _, share := range rs.shares {
		s.Add(s, share)
		s.Mod(s, n)
	}
	aggKey := rs.aggKey
	payload := rs.payload
	rs.finalized = true
	rs.mu.Unlock()

	var sig [64]byte
	copy(sig[:32], leftPad32(rx.Bytes()))
	copy(sig[32:], leftPad32(s.Bytes()))

	var sighash [32]byte
	copy(sighash[:], payload)

	ok2, err := txbuilder.VerifyAggregateSignature(sighash, sig, aggKey)
	if err != nil || !ok2 {
		m.markFailed(id)
		return
	}

	round, err := m.store.SigningRound(id)
	if err != nil || round == nil {
		return
	}
	round.State = models.RoundAggregated
	round.FinalSignature = sig[:]
	if err := m.store.PutSigningRound(round); err != nil {
		m.log.Warn("failed to persist aggregated signing round", zap.Error(err))
		return
	}
	if m.onAggregated != nil {
		go m.onAggregated(id, round)
	}
}

func (m *Machine) markFailed(id models.RoundID) {
	round, err := m.store.SigningRound(id)
	if err != nil || round == nil {
		return
	}
	round.State = models.RoundFailed
	if err := m.store.PutSigningRound(round); err != nil {
		m.log.Warn("failed to persist failed signing round", zap.Error(err))
	}
}

// MarkBroadcast records that this round's signature was used in a
// broadcast Bitcoin transaction, the terminal success state (spec §4.5).
func MarkBroadcast(store repo.Store, id models.RoundID) error {
	round, err := store.SigningRound(id)
	if err != nil {
		return signererr.NewTransient(signererr.ErrCodeDatabaseUnavail, "failed to load signing round", nil, err)
	}
	if round == nil {
		return signererr.New(signererr.Fatal, signererr.ErrCodeStoreCorrupt, "no such signing round", nil)
	}
	round.State = models.RoundBroadcast
	return store.PutSigningRound(round)
}

// ExpireOverdueRounds marks every open round past its deadline as
// TimedOut, enforcing the "at most one Bitcoin sweep round per tip"
// concurrency rule by clearing stalled rounds out of OpenSigningRounds.
func ExpireOverdueRounds(store repo.Store, now time.Time) error {
	open, err := store.OpenSigningRounds()
	if err != nil {
		return signererr.NewTransient(signererr.ErrCodeDatabaseUnavail, "failed to list open signing rounds", nil, err)
	}
	for _, r := range open {
		if now.After(r.Deadline) {
			r.State = models.RoundTimedOut
			if err := store.PutSigningRound(r); err != nil {
				return signererr.NewTransient(signererr.ErrCodeDatabaseUnavail, "failed to persist timed-out signing round", nil, err)
			}
		}
	}
	return nil
}

// InvalidateRoundsForAnchors marks every open round anchored on one of the
// given (now non-canonical) block hashes as Failed, so a reorg doesn't
// leave a round waiting out its full deadline for nonces or signature
// shares over a sighash that no longer spends anything real. Returns the
// IDs it invalidated so a caller tracking its own pending-round channels
// (the Coordinator) can wake up any goroutine still blocked on one.
func InvalidateRoundsForAnchors(store repo.Store, invalidated []models.BitcoinBlockHash) ([]models.RoundID, error) {
	if len(invalidated) == 0 {
		return nil, nil
	}
	stale := make(map[models.BitcoinBlockHash]bool, len(invalidated))
	for _, h := range invalidated {
		stale[h] = true
	}
	open, err := store.OpenSigningRounds()
	if err != nil {
		return nil, signererr.NewTransient(signererr.ErrCodeDatabaseUnavail, "failed to list open signing rounds", nil, err)
	}
	var ids []models.RoundID
	for _, r := range open {
		if !stale[r.AnchorBlock] {
			continue
		}
		r.State = models.RoundFailed
		if err := store.PutSigningRound(r); err != nil {
			return ids, signererr.NewTransient(signererr.ErrCodeDatabaseUnavail, "failed to persist reorg-invalidated signing round", nil, err)
		}
		ids = append(ids, r.ID)
	}
	return ids, nil
}

// ActiveRoundForAnchor returns the open round (if any) anchored at the
// given Bitcoin tip, so a Coordinator can enforce that at most one sweep
// round runs per tip (spec §4.5).
func ActiveRoundForAnchor(store repo.Store, anchor models.BitcoinBlockHash) (*models.SigningRound, bool, error) {
	open, err := store.OpenSigningRounds()
	if err != nil {
		return nil, false, signererr.NewTransient(signererr.ErrCodeDatabaseUnavail, "failed to list open signing rounds", nil, err)
	}
	for _, r := range open {
		if r.AnchorBlock == anchor {
			return r, true, nil
		}
	}
	return nil, false, nil
}
