package coordinator

import (
	"testing"
	"time"

	"github.com/stacks-network/sbtc-signer/internal/chainview"
	"github.com/stacks-network/sbtc-signer/internal/models"
	"github.com/stacks-network/sbtc-signer/internal/repo"
)

func seedChain(t *testing.T, store repo.Store, set *models.SignerSet) *models.BitcoinBlock {
	t.Helper()
	if err := store.PutSignerSet(set); err != nil {
		t.Fatalf("PutSignerSet: %v", err)
	}
	var tipHash models.BitcoinBlockHash
	tipHash[0] = 0x77
	tip := &models.BitcoinBlock{Hash: tipHash, Height: 200, Canonical: true, SeenAt: time.Now()}
	if err := store.PutBitcoinBlock(tip); err != nil {
		t.Fatalf("PutBitcoinBlock: %v", err)
	}

	var priorTxID models.BitcoinTxID
	priorTxID[0] = 0x01
	signerScript := []byte{0x51, 0x20}
	if err := store.PutSweepPackage(&models.SweepPackage{
		AnchorBitcoinTip: tipHash,
		AggregateKey:     set.AggregateKey,
		TxID:             priorTxID,
		Outputs: []models.SweepOutput{{
			ScriptPubKey: signerScript,
			Amount:       1_000_000,
			IsSignerUTXO: true,
		}},
		CreatedAt: time.Now().Add(-time.Hour),
	}); err != nil {
		t.Fatalf("PutSweepPackage: %v", err)
	}
	return tip
}

func seedDeposit(t *testing.T, store repo.Store, vout uint32, height uint64, threshold int, set *models.SignerSet) models.Outpoint {
	t.Helper()
	var txid models.BitcoinTxID
	txid[0] = byte(vout + 10)
	out := models.Outpoint{TxID: txid, Vout: vout}
	d := &models.DepositRequest{
		Outpoint:           out,
		Amount:             50_000,
		ConfirmationHeight: height,
		MaxFee:             10_000,
		Status:             models.DepositPending,
	}
	if err := store.PutDepositRequest(d); err != nil {
		t.Fatalf("PutDepositRequest: %v", err)
	}
	for i := 0; i < threshold; i++ {
		if err := store.PutDecision(&models.SignerDecision{
			RequestKey: models.RequestKey{IsWithdrawal: false, DepositOut: out},
			Signer:     set.Signers[i].PublicKey,
			CanAccept:  true,
			CanSign:    true,
		}); err != nil {
			t.Fatalf("PutDecision: %v", err)
		}
	}
	return out
}

func TestBuildSweepPackageOrdersDepositsByConfirmationHeightThenOutpoint(t *testing.T) {
	store := repo.NewMemory()
	set := testSignerSet(4, 3)
	tip := seedChain(t, store, set)

	later := seedDeposit(t, store, 0, 150, set.Threshold, set)
	earlier := seedDeposit(t, store, 1, 100, set.Threshold, set)

	pkg, err := BuildSweepPackage(chainview.New(store, func() int { return set.Threshold }), store, tip, PackagingParams{
		Threshold:          set.Threshold,
		MaxDepositsPerTx:   10,
		FeeRateSatPerVByte: 5,
		FeeTolerance:       0.1,
		AggregateKey:       set.AggregateKey,
		AggregateKeyScript: []byte{0x51, 0x20},
	})
	if err != nil {
		t.Fatalf("BuildSweepPackage: %v", err)
	}
	if len(pkg.Inputs) != 3 {
		t.Fatalf("expected signer UTXO + 2 deposits, got %d inputs", len(pkg.Inputs))
	}
	if !pkg.Inputs[0].IsSignerUTXO {
		t.Fatalf("expected signer UTXO first")
	}
	if pkg.Inputs[1].Outpoint != earlier {
		t.Fatalf("expected lower confirmation height deposit first, got %+v", pkg.Inputs[1].Outpoint)
	}
	if pkg.Inputs[2].Outpoint != later {
		t.Fatalf("expected higher confirmation height deposit second, got %+v", pkg.Inputs[2].Outpoint)
	}
}

func TestBuildSweepPackageExcludesDepositsBelowThreshold(t *testing.T) {
	store := repo.NewMemory()
	set := testSignerSet(4, 3)
	tip := seedChain(t, store, set)

	seedDeposit(t, store, 0, 100, set.Threshold-1, set) // one short of threshold

	pkg, err := BuildSweepPackage(chainview.New(store, func() int { return set.Threshold }), store, tip, PackagingParams{
		Threshold:          set.Threshold,
		MaxDepositsPerTx:   10,
		FeeRateSatPerVByte: 5,
		FeeTolerance:       0.1,
		AggregateKey:       set.AggregateKey,
		AggregateKeyScript: []byte{0x51, 0x20},
	})
	if err != nil {
		t.Fatalf("BuildSweepPackage: %v", err)
	}
	if len(pkg.Inputs) != 1 {
		t.Fatalf("expected only the signer UTXO, got %d inputs", len(pkg.Inputs))
	}
}

func TestBuildSweepPackageIsDeterministic(t *testing.T) {
	store := repo.NewMemory()
	set := testSignerSet(4, 3)
	tip := seedChain(t, store, set)
	seedDeposit(t, store, 0, 120, set.Threshold, set)
	seedDeposit(t, store, 1, 110, set.Threshold, set)

	params := PackagingParams{
		Threshold:          set.Threshold,
		MaxDepositsPerTx:   10,
		FeeRateSatPerVByte: 5,
		FeeTolerance:       0.1,
		AggregateKey:       set.AggregateKey,
		AggregateKeyScript: []byte{0x51, 0x20},
	}
	view := chainview.New(store, func() int { return set.Threshold })
	a, err := BuildSweepPackage(view, store, tip, params)
	if err != nil {
		t.Fatalf("BuildSweepPackage (a): %v", err)
	}
	b, err := BuildSweepPackage(view, store, tip, params)
	if err != nil {
		t.Fatalf("BuildSweepPackage (b): %v", err)
	}
	if len(a.Inputs) != len(b.Inputs) || a.FeeSatoshis != b.FeeSatoshis {
		t.Fatalf("BuildSweepPackage is not deterministic across identical calls")
	}
	for i := range a.Inputs {
		if a.Inputs[i].Outpoint != b.Inputs[i].Outpoint {
			t.Fatalf("input order differs between identical calls at index %d", i)
		}
	}
}
