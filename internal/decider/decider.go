// Package decider implements the Request Decider (spec §4.2): for every
// observed deposit or withdrawal request it computes a local
// {can_accept, can_sign} (deposits) or {accepted} (withdrawals) decision,
// signs it, and gossips it. Grounded on the teacher's policy-check style in
// chainadapter's fee/dust validation (src/chainadapter/bitcoin/fee.go) —
// the teacher checks fee bounds before broadcasting a transfer; here the
// same "check, then decide, never throw for a policy failure" discipline
// governs every request instead.
package decider

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/stacks-network/sbtc-signer/internal/audit"
	"github.com/stacks-network/sbtc-signer/internal/blocklist"
	"github.com/stacks-network/sbtc-signer/internal/gossip"
	"github.com/stacks-network/sbtc-signer/internal/models"
	"github.com/stacks-network/sbtc-signer/internal/repo"
	"github.com/stacks-network/sbtc-signer/internal/signererr"
)

// DustThreshold mirrors txbuilder.DustThreshold; duplicated as a
// package-local constant rather than imported to avoid decider depending
// on the transaction-assembly package for a single number both happen to
// need.
const DustThreshold = 546

// LockTimeSafetyMargin is how many blocks of headroom the sweep must leave
// before a deposit's reclaim path opens (spec §4.2 "lock-time window is
// safe at current tip").
const LockTimeSafetyMargin = 6

// safeRecipientVersions are the withdrawal script versions spec §4.2 names
// as acceptable.
var safeRecipientVersions = map[models.ScriptVersion]bool{
	models.ScriptP2PKH:  true,
	models.ScriptP2SH:   true,
	models.ScriptP2WPKH: true,
	models.ScriptP2WSH:  true,
	models.ScriptP2TR:   true,
}

// Decider computes and gossips this signer's decisions.
type Decider struct {
	store     repo.Store
	blocklist blocklist.Client
	bus       gossip.Bus
	identity  *gossip.Identity
	log       *zap.Logger

	depositRetryWindow    uint64
	withdrawalRetryWindow uint64

	audit *audit.Logger
}

// SetAuditLogger attaches the append-only protocol trail. Optional: a nil
// logger means decisions are still computed and gossiped, just not
// recorded there.
func (d *Decider) SetAuditLogger(l *audit.Logger) {
	d.audit = l
}

// New creates a Decider. depositRetryWindow/withdrawalRetryWindow are the
// config.SignerConfig values of the same name (spec §4.2 defaults: 3).
func New(store repo.Store, bl blocklist.Client, bus gossip.Bus, identity *gossip.Identity, depositRetryWindow, withdrawalRetryWindow uint64, log *zap.Logger) *Decider {
	return &Decider{
		store:                 store,
		blocklist:             bl,
		bus:                   bus,
		identity:              identity,
		log:                   log,
		depositRetryWindow:    depositRetryWindow,
		withdrawalRetryWindow: withdrawalRetryWindow,
	}
}

// decisionPayload is the deterministic, serialized form a decision's
// signature covers — invariant I6 requires the wire artifact be
// byte-identical on retry, so this must never include a timestamp or any
// other non-reproducible field.
type decisionPayload struct {
	RequestKey    models.RequestKey
	CanAccept     bool
	CanSign       bool
	Accepted      bool
	ObservedAtTip models.BitcoinBlockHash
}

func canonicalPayload(key models.RequestKey, canAccept, canSign, accepted bool, tip models.BitcoinBlockHash) ([]byte, error) {
	return json.Marshal(decisionPayload{
		RequestKey:    key,
		CanAccept:     canAccept,
		CanSign:       canSign,
		Accepted:      accepted,
		ObservedAtTip: tip,
	})
}

// DecideDeposit computes, signs, stores, and gossips this signer's decision
// for a single deposit request, evaluated against tip.
func (d *Decider) DecideDeposit(ctx context.Context, tip *models.BitcoinBlock, req *models.DepositRequest) (*models.SignerDecision, error) {
	canAccept, err := d.screenDeposit(ctx, req)
	if err != nil {
		return nil, err
	}
	canSign := len(req.DepositScript) > 0 &&
		req.Amount > DustThreshold &&
		req.LockTimeWindow.SafeAt(tip.Height, LockTimeSafetyMargin)

	key := models.RequestKey{IsWithdrawal: false, DepositOut: req.Outpoint}
	return d.emit(key, canAccept, canSign, false, tip)
}

func (d *Decider) screenDeposit(ctx context.Context, req *models.DepositRequest) (bool, error) {
	verdict, err := d.blocklist.Screen(ctx, req.RecipientPrincipal)
	if err != nil {
		// Blocklist unavailable: spec §4.2 "can_accept = ... ||
		// blocklist_client unavailable" — fail open on availability,
		// never on an explicit Blocked verdict.
		d.log.Warn("blocklist unavailable, defaulting to allow", zap.Error(err))
		return true, nil
	}
	return verdict != blocklist.Blocked, nil
}

// DecideWithdrawal computes, signs, stores, and gossips this signer's
// decision for a single withdrawal request.
func (d *Decider) DecideWithdrawal(ctx context.Context, tip *models.BitcoinBlock, req *models.WithdrawalRequest) (*models.SignerDecision, error) {
	canAccept, err := d.screenWithdrawal(ctx, req)
	if err != nil {
		return nil, err
	}
	accepted := canAccept &&
		req.Amount > DustThreshold &&
		safeRecipientVersions[req.Recipient.Version]

	key := models.RequestKey{
		IsWithdrawal:  true,
		WithdrawalID:  req.RequestID,
		StacksBlockID: req.StacksBlockID,
		StacksTxID:    req.StacksTxID,
	}
	return d.emit(key, false, false, accepted, tip)
}

func (d *Decider) screenWithdrawal(ctx context.Context, req *models.WithdrawalRequest) (bool, error) {
	verdict, err := d.blocklist.Screen(ctx, req.Sender)
	if err != nil {
		d.log.Warn("blocklist unavailable, defaulting to allow", zap.Error(err))
		return true, nil
	}
	return verdict != blocklist.Blocked, nil
}

func (d *Decider) emit(key models.RequestKey, canAccept, canSign, accepted bool, tip *models.BitcoinBlock) (*models.SignerDecision, error) {
	payload, err := canonicalPayload(key, canAccept, canSign, accepted, tip.Hash)
	if err != nil {
		return nil, signererr.New(signererr.Fatal, signererr.ErrCodeMalformedMessage, "failed to serialize decision payload", err)
	}

	sig, err := d.identity.Sign(d.decisionTopic(key), payload)
	if err != nil {
		return nil, err
	}

	decision := &models.SignerDecision{
		RequestKey:    key,
		Signer:        d.identity.PublicKey,
		CanAccept:     canAccept,
		CanSign:       canSign,
		Accepted:      accepted,
		ObservedAtTip: tip.Hash,
		Signature:     sig,
		CreatedAt:     time.Now(),
	}

	if err := d.store.PutDecision(decision); err != nil {
		return nil, signererr.NewTransient(signererr.ErrCodeDatabaseUnavail, "failed to persist decision", nil, err)
	}
	d.logAudit(key)

	topic := d.decisionTopic(key)
	if err := d.bus.Publish(topic, payload); err != nil {
		d.log.Warn("failed to gossip decision", zap.Error(err))
	}

	return decision, nil
}

func (d *Decider) logAudit(key models.RequestKey) {
	if d.audit == nil {
		return
	}
	subject := fmt.Sprintf("%x", key.DepositOut.TxID)
	if key.IsWithdrawal {
		subject = fmt.Sprintf("withdrawal-%d", key.WithdrawalID)
	}
	if err := d.audit.Log(audit.Entry{Subject: subject, Timestamp: time.Now(), Operation: audit.OpDecision, Status: "SUCCESS"}); err != nil {
		d.log.Warn("failed to write audit entry", zap.Error(err))
	}
}

func (d *Decider) decisionTopic(key models.RequestKey) gossip.Topic {
	if key.IsWithdrawal {
		return gossip.TopicWithdrawalDecision
	}
	return gossip.TopicDepositDecision
}

// RetryPending re-decides and re-gossips every deposit/withdrawal request
// created within the configured retry windows of tip, to heal missed
// gossip (spec §4.2). Because emit/canonicalPayload are deterministic in
// (request, signer), re-running this never changes the wire artifact for
// an unchanged request (invariant I6).
func (d *Decider) RetryPending(ctx context.Context, tip *models.BitcoinBlock) error {
	deposits, err := d.store.DepositsByStatus(models.DepositPending)
	if err != nil {
		return signererr.NewTransient(signererr.ErrCodeDatabaseUnavail, "failed to list pending deposits", nil, err)
	}
	for _, req := range deposits {
		if tip.Height-req.ConfirmationHeight > d.depositRetryWindow {
			continue
		}
		if _, err := d.DecideDeposit(ctx, tip, req); err != nil {
			d.log.Warn("failed to re-decide deposit", zap.Error(err))
		}
	}

	withdrawals, err := d.store.WithdrawalsByStatus(models.WithdrawalPending)
	if err != nil {
		return signererr.NewTransient(signererr.ErrCodeDatabaseUnavail, "failed to list pending withdrawals", nil, err)
	}
	for _, req := range withdrawals {
		if tip.Height < req.CreatedAtHeight || tip.Height-req.CreatedAtHeight > d.withdrawalRetryWindow {
			continue
		}
		if _, err := d.DecideWithdrawal(ctx, tip, req); err != nil {
			d.log.Warn("failed to re-decide withdrawal", zap.Error(err))
		}
	}
	return nil
}
