package chainview

import (
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/stacks-network/sbtc-signer/internal/models"
	"github.com/stacks-network/sbtc-signer/internal/repo"
)

// stacksBlockEvent is the subset of a Stacks node's /new_block
// event-observer payload this observer consumes.
type stacksBlockEvent struct {
	BlockID        string                   `json:"block_id"`
	BurnBlockHash  string                   `json:"burn_block_hash"`
	ParentBlockID  string                   `json:"parent_block_id"`
	Events         []stacksContractEvent    `json:"events"`
}

// stacksContractEvent is one Clarity contract event, filtered down to the
// withdrawal-request print events the Coordinator needs to surface
// WithdrawalRequest rows (spec §6 "HTTP event-observer endpoint bound by
// the signer receives POSTed block and contract events").
type stacksContractEvent struct {
	Type       string          `json:"type"`
	ContractID string          `json:"contract_id"`
	Withdrawal *withdrawalPrint `json:"withdrawal,omitempty"`
}

type withdrawalPrint struct {
	RequestID     uint64 `json:"request_id"`
	Sender        string `json:"sender"`
	RecipientHex  string `json:"recipient_script_hex"`
	ScriptVersion int    `json:"script_version"`
	Amount        int64  `json:"amount"`
	MaxFee        int64  `json:"max_fee"`
}

// StacksObserver is long-running task 2 (spec §5): an HTTP server bound at
// the configured event-observer address, receiving POSTed Stacks block and
// contract events. Grounded on the teacher's net/http usage in
// rpc/http.go, since the teacher has no inbound HTTP server of its own —
// this is the one piece of the ambient HTTP stack that runs as a server
// rather than a client.
type StacksObserver struct {
	store repo.Store
	log   *zap.Logger
}

// NewStacksObserver creates an observer persisting events into store.
func NewStacksObserver(store repo.Store, log *zap.Logger) *StacksObserver {
	return &StacksObserver{store: store, log: log}
}

// Handler returns the http.Handler to mount at the configured
// event-observer bind address.
func (o *StacksObserver) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/new_block", o.handleNewBlock)
	return mux
}

func (o *StacksObserver) handleNewBlock(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var event stacksBlockEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		http.Error(w, "malformed event payload", http.StatusBadRequest)
		return
	}

	block, err := toStacksModelBlock(event)
	if err != nil {
		o.log.Warn("dropping malformed stacks block event", zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	block.Canonical = true
	if err := o.store.PutStacksBlock(block); err != nil {
		o.log.Error("failed to persist stacks block", zap.Error(err))
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}

	for _, ev := range event.Events {
		if ev.Withdrawal == nil {
			continue
		}
		wr, err := toWithdrawalRequest(ev.Withdrawal, block)
		if err != nil {
			o.log.Warn("dropping malformed withdrawal event", zap.Error(err))
			continue
		}
		if err := o.store.PutWithdrawalRequest(wr); err != nil {
			o.log.Error("failed to persist withdrawal request", zap.Error(err))
		}
	}

	w.WriteHeader(http.StatusOK)
}

func toStacksModelBlock(event stacksBlockEvent) (*models.StacksBlock, error) {
	id, err := decode32(event.BlockID)
	if err != nil {
		return nil, err
	}
	burn, err := decode32(event.BurnBlockHash)
	if err != nil {
		return nil, err
	}
	var parent models.StacksBlockID
	if event.ParentBlockID != "" {
		p, err := decode32(event.ParentBlockID)
		if err != nil {
			return nil, err
		}
		parent = models.StacksBlockID(p)
	}
	return &models.StacksBlock{
		ID:             models.StacksBlockID(id),
		BurnAnchorHash: models.BitcoinBlockHash(burn),
		ParentID:       parent,
		SeenAt:         time.Now(),
	}, nil
}

func toWithdrawalRequest(p *withdrawalPrint, block *models.StacksBlock) (*models.WithdrawalRequest, error) {
	recipient, err := hex.DecodeString(p.RecipientHex)
	if err != nil {
		return nil, err
	}
	return &models.WithdrawalRequest{
		RequestID: p.RequestID,
		Sender:    p.Sender,
		Recipient: models.RecipientScript{
			Version:   models.ScriptVersion(p.ScriptVersion),
			HashBytes: recipient,
		},
		Amount:        p.Amount,
		MaxFee:        p.MaxFee,
		StacksBlockID: block.ID,
		Status:        models.WithdrawalPending,
	}, nil
}

func decode32(s string) ([32]byte, error) {
	var out [32]byte
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, err
	}
	if len(b) != 32 {
		return out, &hexLengthError{got: len(b)}
	}
	copy(out[:], b)
	return out, nil
}

type hexLengthError struct{ got int }

func (e *hexLengthError) Error() string {
	return "expected 32-byte hex value"
}
