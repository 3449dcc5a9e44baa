package chainview

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stacks-network/sbtc-signer/internal/models"
	"github.com/stacks-network/sbtc-signer/internal/repo"
)

func hashFor(b byte) models.BitcoinBlockHash {
	var h models.BitcoinBlockHash
	h[0] = b
	return h
}

func putChain(t *testing.T, store repo.Store, heights ...byte) []models.BitcoinBlockHash {
	t.Helper()
	var hashes []models.BitcoinBlockHash
	var parent models.BitcoinBlockHash
	for i, h := range heights {
		hash := hashFor(h)
		block := &models.BitcoinBlock{Hash: hash, Height: uint64(i), ParentHash: parent, Canonical: true}
		require.NoError(t, store.PutBitcoinBlock(block))
		hashes = append(hashes, hash)
		parent = hash
	}
	return hashes
}

func TestViewTipAndAncestors(t *testing.T) {
	store := repo.NewMemory()
	hashes := putChain(t, store, 1, 2, 3)

	view := New(store, func() int { return 2 })
	tip, err := view.Tip()
	require.NoError(t, err)
	require.Equal(t, hashes[2], tip.Hash)

	ancestors, err := view.Ancestors(hashes[2], 2)
	require.NoError(t, err)
	require.Len(t, ancestors, 2)
	require.Equal(t, hashes[2], ancestors[0].Hash)
	require.Equal(t, hashes[1], ancestors[1].Hash)
}

func TestSBTCStateAtIsPureInHash(t *testing.T) {
	store := repo.NewMemory()
	hashes := putChain(t, store, 1, 2)
	require.NoError(t, store.PutDepositRequest(&models.DepositRequest{
		Outpoint:           models.Outpoint{Vout: 0},
		Amount:             1100,
		ConfirmationHeight: 0,
		Status:             models.DepositPending,
	}))

	view := New(store, func() int { return 2 })
	a, err := view.SBTCStateAt(hashes[1])
	require.NoError(t, err)
	b, err := view.SBTCStateAt(hashes[1])
	require.NoError(t, err)
	require.Equal(t, a.TipHeight, b.TipHeight)
	require.Len(t, a.PendingDeposits, 1)
	require.Len(t, b.PendingDeposits, 1)
}

func TestSignerUTXOFromSweepsFiltersByKeyAndHeight(t *testing.T) {
	store := repo.NewMemory()
	hashes := putChain(t, store, 1, 2, 3)

	var keyA, keyB models.PubKey
	keyA[0] = 0xaa
	keyB[0] = 0xbb

	var txA, txB models.BitcoinTxID
	txA[0] = 0x0a
	txB[0] = 0x0b

	require.NoError(t, store.PutSweepPackage(&models.SweepPackage{
		AnchorBitcoinTip: hashes[1], // height 1
		AggregateKey:     keyA,
		TxID:             txA,
		Outputs:          []models.SweepOutput{{Amount: 1000, IsSignerUTXO: true}},
	}))
	require.NoError(t, store.PutSweepPackage(&models.SweepPackage{
		AnchorBitcoinTip: hashes[2], // height 2, rotated to keyB
		AggregateKey:     keyB,
		TxID:             txB,
		Outputs:          []models.SweepOutput{{Amount: 2000, IsSignerUTXO: true}},
	}))

	utxo := signerUTXOFromSweeps(store, keyA, 2)
	require.NotNil(t, utxo)
	require.Equal(t, txA, utxo.Outpoint.TxID)

	require.Nil(t, signerUTXOFromSweeps(store, keyB, 1))

	utxo = signerUTXOFromSweeps(store, keyB, 2)
	require.NotNil(t, utxo)
	require.Equal(t, txB, utxo.Outpoint.TxID)
}

func TestReorgMarksAbandonedBranchNonCanonical(t *testing.T) {
	store := repo.NewMemory()
	hashes := putChain(t, store, 1, 2, 3)
	prevTip := mustBlock(t, store, hashes[2])

	forked := &models.BitcoinBlock{Hash: hashFor(4), Height: 2, ParentHash: hashes[1], Canonical: false}
	require.NoError(t, store.PutBitcoinBlock(forked))

	invalidated, err := applyReorg(store, prevTip, forked)
	require.NoError(t, err)
	require.Contains(t, invalidated, hashes[2])

	abandoned := mustBlock(t, store, hashes[2])
	require.False(t, abandoned.Canonical)

	newCanonical := mustBlock(t, store, forked.Hash)
	require.True(t, newCanonical.Canonical)
}

func mustBlock(t *testing.T, store repo.Store, hash models.BitcoinBlockHash) *models.BitcoinBlock {
	t.Helper()
	b, err := store.BitcoinBlock(hash)
	require.NoError(t, err)
	require.NotNil(t, b)
	return b
}
