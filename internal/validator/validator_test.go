package validator

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/stacks-network/sbtc-signer/internal/bitcoinrpc"
	"github.com/stacks-network/sbtc-signer/internal/chainview"
	"github.com/stacks-network/sbtc-signer/internal/coordinator"
	"github.com/stacks-network/sbtc-signer/internal/models"
	"github.com/stacks-network/sbtc-signer/internal/repo"
	"github.com/stacks-network/sbtc-signer/internal/txbuilder"
)

func aggregateKey(t *testing.T) models.PubKey {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("NewPrivateKey: %v", err)
	}
	var pk models.PubKey
	copy(pk[:], priv.PubKey().SerializeCompressed())
	return pk
}

func newFeeEstimator(t *testing.T, satPerByte float64) *txbuilder.FeeEstimator {
	t.Helper()
	mock := bitcoinrpc.NewMockRPCClient()
	mock.SetResponse("estimatesmartfee", map[string]interface{}{
		"feerate": satPerByte * 1000 / 1e8, // BTC/kB
		"blocks":  3,
	})
	return txbuilder.NewFeeEstimator(txbuilder.NewRPCHelper(mock))
}

func seedGenesisChain(t *testing.T, store repo.Store, set *models.SignerSet) *models.BitcoinBlock {
	t.Helper()
	if err := store.PutSignerSet(set); err != nil {
		t.Fatalf("PutSignerSet: %v", err)
	}
	var hash models.BitcoinBlockHash
	hash[0] = 0x09
	tip := &models.BitcoinBlock{Hash: hash, Height: 500, Canonical: true, SeenAt: time.Now()}
	if err := store.PutBitcoinBlock(tip); err != nil {
		t.Fatalf("PutBitcoinBlock: %v", err)
	}
	var priorTxID models.BitcoinTxID
	priorTxID[0] = 0x02
	if err := store.PutSweepPackage(&models.SweepPackage{
		AnchorBitcoinTip: hash,
		AggregateKey:     set.AggregateKey,
		TxID:             priorTxID,
		Outputs: []models.SweepOutput{{
			ScriptPubKey: []byte{0x51, 0x20},
			Amount:       2_000_000,
			IsSignerUTXO: true,
		}},
		CreatedAt: time.Now().Add(-time.Hour),
	}); err != nil {
		t.Fatalf("PutSweepPackage: %v", err)
	}
	return tip
}

func TestValidateProposalAcceptsExactReconstruction(t *testing.T) {
	store := repo.NewMemory()
	set := &models.SignerSet{
		AggregateKey: aggregateKey(t),
		Signers:      []models.SignerIdentity{{Index: 0}, {Index: 1}, {Index: 2}},
		Threshold:    2,
	}
	tip := seedGenesisChain(t, store, set)

	view := chainview.New(store, func() int { return set.Threshold })
	fee := newFeeEstimator(t, 5)
	v := New(store, view, fee, 0.1, 10)

	expected, err := v.reconstruct(tip, set)
	if err != nil {
		t.Fatalf("reconstruct: %v", err)
	}
	if err := v.ValidateProposal(tip, set, expected); err != nil {
		t.Fatalf("ValidateProposal rejected an exact reconstruction: %v", err)
	}
}

func TestAuditBroadcastRejectsMismatchedFee(t *testing.T) {
	store := repo.NewMemory()
	set := &models.SignerSet{
		AggregateKey: aggregateKey(t),
		Signers:      []models.SignerIdentity{{Index: 0}, {Index: 1}, {Index: 2}},
		Threshold:    2,
	}
	tip := seedGenesisChain(t, store, set)

	view := chainview.New(store, func() int { return set.Threshold })
	fee := newFeeEstimator(t, 5)
	v := New(store, view, fee, 0.01, 10) // tight tolerance

	expected, err := v.reconstruct(tip, set)
	if err != nil {
		t.Fatalf("reconstruct: %v", err)
	}

	broadcast := *expected
	broadcast.FeeSatoshis = expected.FeeSatoshis * 10
	if err := coordinator.ComparePackages(&broadcast, expected, 0.01); err == nil {
		t.Fatalf("expected ComparePackages to reject an inflated fee")
	}
	if err := v.AuditBroadcast(tip, set, &broadcast); err == nil {
		t.Fatalf("expected AuditBroadcast to reject a package with a far-off fee")
	}
}
