package coordinator

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stacks-network/sbtc-signer/internal/audit"
	"github.com/stacks-network/sbtc-signer/internal/chainview"
	"github.com/stacks-network/sbtc-signer/internal/dkg"
	"github.com/stacks-network/sbtc-signer/internal/gossip"
	"github.com/stacks-network/sbtc-signer/internal/models"
	"github.com/stacks-network/sbtc-signer/internal/repo"
	"github.com/stacks-network/sbtc-signer/internal/signererr"
	"github.com/stacks-network/sbtc-signer/internal/signing"
	"github.com/stacks-network/sbtc-signer/internal/stacksrpc"
	"github.com/stacks-network/sbtc-signer/internal/txbuilder"
)

// Params holds the protocol timings and policy bounds spec §4.6 and §9's
// "single immutable configuration value" supply to the Coordinator.
type Params struct {
	MaxDepositsPerTx       int
	FeeTolerance           float64
	StacksFeesMaxUstx      uint64
	PresignMaxDuration     time.Duration
	SignerRoundMaxDuration time.Duration
	DkgVerificationWindow  uint64

	// SbtcContractAddress/SbtcContractName identify the deployed sBTC
	// peg contract the Coordinator issues complete-deposit/
	// accept-withdrawal/reject-withdrawal calls against.
	SbtcContractAddress string
	SbtcContractName    string
	// AggregatePrincipal is the Stacks principal address controlled by
	// the current aggregate key, used as the contract-call sender. No
	// Clarity/Stacks-address library is available in this module's
	// dependency stack to derive it from the raw public key, so it is
	// supplied directly by configuration and rotated alongside the key.
	AggregatePrincipal string
}

// Coordinator drives sweep packaging when elected (spec §4.6) and, as a
// follower, independently validates and acks other signers' proposals
// (spec §4.7) before pre-approving the signing rounds they imply. One
// Coordinator instance runs per process; election decides which role it
// plays at any given tip, never which code path exists.
type Coordinator struct {
	store    repo.Store
	view     *chainview.View
	bus      gossip.Bus
	identity *gossip.Identity

	builder      *txbuilder.Builder
	feeEstimator *txbuilder.FeeEstimator
	rpc          *txbuilder.RPCHelper
	stacks       *stacksrpc.Client

	dkgMachine     *dkg.Machine
	signingMachine *signing.Machine

	params Params
	feeTolerance float64
	log          *zap.Logger

	presignMu      sync.Mutex
	presignPending map[models.BitcoinBlockHash]*presignCollector

	approvedMu sync.Mutex
	approved   map[models.RoundID]bool

	pendingMu sync.Mutex
	pending   map[models.RoundID]chan *models.SigningRound

	rotationMu sync.Mutex
	rotation   *rotationState

	sweepMu       sync.Mutex
	pendingSweeps []*pendingSweep

	stacksCallMu       sync.Mutex
	pendingStacksCalls []*pendingStacksCall

	audit *audit.Logger
}

// pendingStacksCall is a submitted contract call awaiting its first
// Stacks confirmation before the withdrawal it concerns flips to its
// terminal status (spec §8 scenario 2: "accept confirms" gates the
// status transition, not submission alone).
type pendingStacksCall struct {
	txidHex string
	w       models.WithdrawalRequest
	status  models.WithdrawalStatus
}

// pendingSweep is a broadcast sweep awaiting its first confirmation
// before its deposits flip to Swept and its Stacks contract calls fire
// (spec invariant I2: "a DepositRequest transitions to Swept only on a
// confirmed Bitcoin tx linked to the canonical tip").
type pendingSweep struct {
	txidHex string
	pkg     *models.SweepPackage
	set     *models.SignerSet
	tip     *models.BitcoinBlock
}

// SetAuditLogger attaches the append-only protocol trail. Optional: a nil
// logger (the default) means broadcasts simply aren't recorded there.
func (co *Coordinator) SetAuditLogger(l *audit.Logger) {
	co.audit = l
}

func (co *Coordinator) logAudit(subject, operation, status string, err error) {
	if co.audit == nil {
		return
	}
	entry := audit.Entry{Subject: subject, Timestamp: time.Now(), Operation: operation, Status: status}
	if err != nil {
		entry.FailureReason = err.Error()
	}
	if aerr := co.audit.Log(entry); aerr != nil {
		co.log.Warn("failed to write audit entry", zap.Error(aerr))
	}
}

// New wires a Coordinator over its collaborators. signingMachine's
// approval gate is installed here so every follower-side nonce request is
// gated on this Coordinator's own §4.7 validation, and its onAggregated
// callback is wired to fan out completed rounds to whichever goroutine is
// awaiting them.
func New(store repo.Store, view *chainview.View, bus gossip.Bus, identity *gossip.Identity,
	builder *txbuilder.Builder, feeEstimator *txbuilder.FeeEstimator, rpc *txbuilder.RPCHelper, stacks *stacksrpc.Client,
	dkgMachine *dkg.Machine, signingMachine *signing.Machine, params Params, log *zap.Logger) *Coordinator {

	co := &Coordinator{
		store:          store,
		view:           view,
		bus:            bus,
		identity:       identity,
		builder:        builder,
		feeEstimator:   feeEstimator,
		rpc:            rpc,
		stacks:         stacks,
		dkgMachine:     dkgMachine,
		signingMachine: signingMachine,
		params:         params,
		feeTolerance:   params.FeeTolerance,
		log:            log,
		presignPending: make(map[models.BitcoinBlockHash]*presignCollector),
		approved:       make(map[models.RoundID]bool),
		pending:        make(map[models.RoundID]chan *models.SigningRound),
	}

	bus.Subscribe(gossip.TopicPreSignRequest, co.handlePreSignRequest)
	bus.Subscribe(gossip.TopicPreSignAck, co.handlePreSignAck)
	bus.Subscribe(gossip.TopicStacksCallPropose, co.handleStacksCallPropose)
	signingMachine.SetApprovalGate(co.approvalGate)

	return co
}

// onRoundAggregated is registered as the signing.Machine's onAggregated
// callback by the caller that constructs it (cmd/signer), fed back here so
// ProcessTip's per-round waits resolve without polling the store.
func (co *Coordinator) onRoundAggregated(id models.RoundID, round *models.SigningRound) {
	status := "SUCCESS"
	if round.State != models.RoundAggregated {
		status = "FAILURE"
	}
	co.logAudit(hex.EncodeToString(id[:]), audit.OpSigningRound, status, nil)

	co.pendingMu.Lock()
	ch, ok := co.pending[id]
	co.pendingMu.Unlock()
	if ok {
		select {
		case ch <- round:
		default:
		}
	}
}

// OnRoundAggregated exposes onRoundAggregated for wiring into
// signing.New's onAggregated parameter without exporting the pending map.
func (co *Coordinator) OnRoundAggregated(id models.RoundID, round *models.SigningRound) {
	co.onRoundAggregated(id, round)
}

func (co *Coordinator) approvalGate(id models.RoundID, payload []byte, anchor models.BitcoinBlockHash, coordinatorKey models.PubKey) bool {
	co.approvedMu.Lock()
	approved := co.approved[id]
	co.approvedMu.Unlock()
	if approved {
		return true
	}
	// By this point a round should already be approved: sweep input
	// rounds through ComparePackages (handlePreSignRequest), Stacks
	// contract-call rounds through validateStacksCall
	// (handleStacksCallPropose) — both verify everything about the
	// round's payload except the account nonce, which a follower can't
	// reconstruct ahead of the coordinator's actual call sequence. A
	// round that reaches here unapproved fell through both handlers
	// (e.g. its propose/request message hasn't arrived yet), so this is
	// a last-resort fallback, not the primary check: trust whoever is
	// currently elected coordinator for this anchor, same as the
	// handlers themselves require.
	set, err := co.store.LatestSignerSet()
	if err != nil || set == nil {
		return false
	}
	return IsCoordinator(coordinatorKey, anchor, set)
}

func (co *Coordinator) approveRound(id models.RoundID) {
	co.approvedMu.Lock()
	co.approved[id] = true
	co.approvedMu.Unlock()
}

// approveRoundsFor pre-approves the nonce rounds a validated sweep package
// implies: one per input sighash.
func (co *Coordinator) approveRoundsFor(pkg *models.SweepPackage, tip models.BitcoinBlockHash, aggKey models.PubKey) {
	tx, err := co.builder.Unsigned(pkg)
	if err != nil {
		return
	}
	script, err := txbuilder.AggregateKeyScript(aggKey)
	if err != nil {
		return
	}
	fetcher := txbuilder.PrevOutFetcher(pkg, script)
	for i := range tx.TxIn {
		sighash, err := txbuilder.SignatureHash(tx, i, fetcher)
		if err != nil {
			continue
		}
		id := signing.RoundID(sighash[:], aggKey, tip)
		co.approveRound(id)
	}
}

func (co *Coordinator) buildExpectedPackage(tip *models.BitcoinBlock, set *models.SignerSet) (*models.SweepPackage, error) {
	script, err := txbuilder.AggregateKeyScript(set.AggregateKey)
	if err != nil {
		return nil, err
	}
	rate, err := co.feeEstimator.EstimateFeeRate(context.Background())
	if err != nil {
		return nil, err
	}
	return BuildSweepPackage(co.view, co.store, tip, PackagingParams{
		Threshold:          set.Threshold,
		MaxDepositsPerTx:   co.params.MaxDepositsPerTx,
		FeeRateSatPerVByte: rate,
		FeeTolerance:       co.feeTolerance,
		AggregateKey:       set.AggregateKey,
		AggregateKeyScript: script,
	})
}

// ProcessTip is the tick-loop entrypoint (spec §5 task 4): on a new
// Bitcoin tip, elect a coordinator and, if this node won, package and
// drive a sweep. Followers return immediately; their participation is
// entirely handler-driven (handlePreSignRequest, the signing.Machine's
// gossip handlers).
func (co *Coordinator) ProcessTip(ctx context.Context, tip *models.BitcoinBlock) error {
	co.checkRotation(ctx, tip)
	co.checkPendingSweeps(ctx)
	co.checkPendingStacksCalls(ctx)

	set, err := co.store.LatestSignerSet()
	if err != nil {
		return signererr.NewTransient(signererr.ErrCodeDatabaseUnavail, "failed to read signer set", nil, err)
	}
	if set == nil {
		return nil // no Verified key yet; nothing to coordinate
	}
	if !IsCoordinator(co.identity.PublicKey, tip.Hash, set) {
		return nil
	}
	if _, open, err := signing.ActiveRoundForAnchor(co.store, tip.Hash); err != nil {
		return err
	} else if open {
		return nil // at most one Bitcoin sweep round per tip
	}

	return co.driveSweep(ctx, tip, set)
}

// driveSweep runs spec §4.6 steps 1-9 once this node is the elected
// coordinator for tip.
func (co *Coordinator) driveSweep(ctx context.Context, tip *models.BitcoinBlock, set *models.SignerSet) error {
	pkg, err := co.buildExpectedPackage(tip, set)
	if err != nil {
		return err
	}

	state, err := co.view.SBTCStateAt(tip.Hash)
	if err == nil {
		if rejected, rerr := rejectedWithdrawals(co.store, state.PendingWithdraws, set.Threshold); rerr == nil && len(rejected) > 0 {
			co.RejectWithdrawals(ctx, set, tip, rejected)
		}
	}

	if len(pkg.Inputs) <= 1 && len(pkg.Outputs) <= 1 {
		return nil // nothing eligible to sweep this tip
	}

	co.approveRoundsFor(pkg, tip.Hash, set.AggregateKey)

	acks, err := co.collectPreSignAcks(tip.Hash, pkg, set.Threshold, co.params.PresignMaxDuration)
	if err != nil {
		return err
	}
	if acks < set.Threshold {
		return signererr.NewThresholdNotMet(signererr.ErrCodeInsufficientAcks,
			fmt.Sprintf("only %d of %d required pre-sign acks received", acks, set.Threshold), nil)
	}

	tx, err := co.builder.Unsigned(pkg)
	if err != nil {
		return err
	}
	script, err := txbuilder.AggregateKeyScript(set.AggregateKey)
	if err != nil {
		return err
	}
	fetcher := txbuilder.PrevOutFetcher(pkg, script)

	signatures := make(map[int][64]byte, len(tx.TxIn))
	for i := range tx.TxIn {
		sighash, err := txbuilder.SignatureHash(tx, i, fetcher)
		if err != nil {
			return err
		}
		sig, err := co.runSigningRound(ctx, set, tip.Hash, sighash[:], co.params.SignerRoundMaxDuration)
		if err != nil {
			return err
		}
		signatures[i] = sig
		if err := signing.MarkBroadcast(co.store, signing.RoundID(sighash[:], set.AggregateKey, tip.Hash)); err != nil {
			co.log.Warn("failed to mark signing round broadcast", zap.Error(err))
		}
	}

	finalTx, err := txbuilder.Finalize(tx, signatures)
	if err != nil {
		return err
	}
	raw, err := txbuilder.Serialize(finalTx)
	if err != nil {
		return err
	}
	txid, err := co.rpc.SendRawTransaction(ctx, hex.EncodeToString(raw))
	if err != nil {
		co.logAudit(hex.EncodeToString(pkg.TxID[:]), audit.OpBroadcast, "FAILURE", err)
		return err
	}
	co.log.Info("broadcast sweep transaction", zap.String("txid", txid))
	co.logAudit(txid, audit.OpBroadcast, "SUCCESS", nil)

	txIDBytes, err := hex.DecodeString(txbuilder.TxHash(raw))
	if err != nil {
		return signererr.New(signererr.Fatal, signererr.ErrCodeMalformedMessage, "failed to decode computed txid", err)
	}
	var txID models.BitcoinTxID
	copy(txID[:], txIDBytes)
	pkg.TxID = txID
	if err := co.store.PutSweepPackage(pkg); err != nil {
		co.log.Warn("failed to persist broadcast sweep package", zap.Error(err))
	}

	co.queuePendingSweep(txid, pkg, set, tip)
	return nil
}

// queuePendingSweep defers a broadcast sweep's terminal side effects
// (marking its deposits Swept, issuing its Stacks contract calls) until
// checkPendingSweeps observes the transaction has actually confirmed.
func (co *Coordinator) queuePendingSweep(txidHex string, pkg *models.SweepPackage, set *models.SignerSet, tip *models.BitcoinBlock) {
	co.sweepMu.Lock()
	defer co.sweepMu.Unlock()
	co.pendingSweeps = append(co.pendingSweeps, &pendingSweep{txidHex: txidHex, pkg: pkg, set: set, tip: tip})
}

// checkPendingSweeps advances every broadcast-but-unconfirmed sweep
// (spec §5 task 4, called once per tip alongside checkRotation): once a
// sweep's transaction reaches its first confirmation, its deposits flip
// to Swept and its companion complete-deposit/accept-withdrawal/
// reject-withdrawal calls are issued. A sweep whose transaction can't yet
// be confirmed (still in mempool, or the RPC call itself failed) stays
// queued for the next tip.
func (co *Coordinator) checkPendingSweeps(ctx context.Context) {
	co.sweepMu.Lock()
	pending := co.pendingSweeps
	co.sweepMu.Unlock()
	if len(pending) == 0 {
		return
	}

	remaining := make([]*pendingSweep, 0, len(pending))
	for _, p := range pending {
		confs, err := co.rpc.GetRawTransactionConfirmations(ctx, p.txidHex)
		if err != nil || confs < 1 {
			remaining = append(remaining, p)
			continue
		}
		co.markSweptRequests(p.pkg)
		co.driveStacksCalls(ctx, p.set, p.tip, p.pkg)
	}

	co.sweepMu.Lock()
	co.pendingSweeps = remaining
	co.sweepMu.Unlock()
}

// queuePendingWithdrawalStatus defers a withdrawal's terminal status
// transition until its contract call's Stacks transaction confirms.
func (co *Coordinator) queuePendingWithdrawalStatus(txidHex string, w models.WithdrawalRequest, status models.WithdrawalStatus) {
	co.stacksCallMu.Lock()
	defer co.stacksCallMu.Unlock()
	co.pendingStacksCalls = append(co.pendingStacksCalls, &pendingStacksCall{txidHex: txidHex, w: w, status: status})
}

// checkPendingStacksCalls advances every submitted-but-unconfirmed
// contract call: once its transaction reaches its first confirmation, the
// withdrawal it concerns flips to its terminal status.
func (co *Coordinator) checkPendingStacksCalls(ctx context.Context) {
	if co.stacks == nil {
		return
	}
	co.stacksCallMu.Lock()
	pending := co.pendingStacksCalls
	co.stacksCallMu.Unlock()
	if len(pending) == 0 {
		return
	}

	remaining := make([]*pendingStacksCall, 0, len(pending))
	for _, p := range pending {
		confs, err := co.stacks.TransactionConfirmations(ctx, p.txidHex)
		if err != nil || confs < 1 {
			remaining = append(remaining, p)
			continue
		}
		w := p.w
		w.Status = p.status
		if err := co.store.PutWithdrawalRequest(&w); err != nil {
			co.log.Warn("failed to persist confirmed withdrawal status", zap.Error(err))
		}
	}

	co.stacksCallMu.Lock()
	co.pendingStacksCalls = remaining
	co.stacksCallMu.Unlock()
}

// runSigningRound starts a signing round for payload and blocks until it
// aggregates, fails, or times out.
func (co *Coordinator) runSigningRound(ctx context.Context, set *models.SignerSet, anchor models.BitcoinBlockHash, payload []byte, deadline time.Duration) ([64]byte, error) {
	var sig [64]byte
	id, err := co.signingMachine.StartRound(set.AggregateKey, anchor, payload, set.Signers, set.Threshold, deadline)
	if err != nil {
		return sig, err
	}

	ch := make(chan *models.SigningRound, 1)
	co.pendingMu.Lock()
	co.pending[id] = ch
	co.pendingMu.Unlock()
	defer func() {
		co.pendingMu.Lock()
		delete(co.pending, id)
		co.pendingMu.Unlock()
	}()

	select {
	case round := <-ch:
		if round.State != models.RoundAggregated || len(round.FinalSignature) != 64 {
			return sig, signererr.NewThresholdNotMet(signererr.ErrCodeInsufficientShares, "signing round did not aggregate", nil)
		}
		copy(sig[:], round.FinalSignature)
		return sig, nil
	case <-time.After(deadline):
		return sig, signererr.NewThresholdNotMet(signererr.ErrCodeRoundTimedOut, "signing round timed out", nil)
	case <-ctx.Done():
		return sig, ctx.Err()
	}
}

// markSweptRequests flips every deposit consumed by pkg to Swept. Called
// only once checkPendingSweeps has observed pkg's transaction confirm; it
// does not touch withdrawals, whose terminal status is set separately by
// checkPendingStacksCalls once their own contract call confirms.
func (co *Coordinator) markSweptRequests(pkg *models.SweepPackage) {
	for _, in := range pkg.Inputs {
		if in.Deposit == nil {
			continue
		}
		d := *in.Deposit
		d.Status = models.DepositSwept
		if err := co.store.PutDepositRequest(&d); err != nil {
			co.log.Warn("failed to mark deposit swept", zap.Error(err))
		}
	}
}
