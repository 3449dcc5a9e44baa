package signing

import (
	"crypto/sha256"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stacks-network/sbtc-signer/internal/dkg"
	"github.com/stacks-network/sbtc-signer/internal/gossip"
	"github.com/stacks-network/sbtc-signer/internal/models"
	"github.com/stacks-network/sbtc-signer/internal/repo"
	"github.com/stacks-network/sbtc-signer/internal/txbuilder"
)

func testParticipantIdentity(t *testing.T, seed byte) *gossip.Identity {
	t.Helper()
	scalar := make([]byte, 32)
	for i := range scalar {
		scalar[i] = seed + byte(i)
	}
	id, err := gossip.NewIdentity(scalar)
	require.NoError(t, err)
	return id
}

func waitWithTimeout(t *testing.T, wg *sync.WaitGroup, d time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatal("timed out waiting")
	}
}

// TestThreeSignerRoundProducesVerifiableSignature runs a DKG round to
// completion to obtain real per-signer key shares, then drives a full
// FROST signing round over the same gossip mesh and asserts the
// coordinator's final signature verifies against the aggregate key.
func TestThreeSignerRoundProducesVerifiableSignature(t *testing.T) {
	idA := testParticipantIdentity(t, 1)
	idB := testParticipantIdentity(t, 50)
	idC := testParticipantIdentity(t, 99)

	busA := gossip.NewMemoryBus(idA)
	busB := gossip.NewMemoryBus(idB)
	busC := gossip.NewMemoryBus(idC)
	gossip.LinkPeers(busA, busB, busC)

	signers := []models.SignerIdentity{
		{PublicKey: idA.PublicKey, Index: 1, Weight: 1},
		{PublicKey: idB.PublicKey, Index: 2, Weight: 1},
		{PublicKey: idC.PublicKey, Index: 3, Weight: 1},
	}
	const epoch = uint64(1)
	const threshold = 2

	var dkgWg sync.WaitGroup
	dkgWg.Add(3)
	onProduced := func(e uint64, aggKey models.PubKey) { dkgWg.Done() }

	dkgStoreA, dkgStoreB, dkgStoreC := repo.NewMemory(), repo.NewMemory(), repo.NewMemory()
	dkgA := dkg.New(dkgStoreA, busA, idA, 0, 5*time.Second, zap.NewNop(), onProduced)
	dkgB := dkg.New(dkgStoreB, busB, idB, 0, 5*time.Second, zap.NewNop(), onProduced)
	dkgC := dkg.New(dkgStoreC, busC, idC, 0, 5*time.Second, zap.NewNop(), onProduced)

	require.NoError(t, dkgA.BeginRound(epoch, signers, threshold))
	require.NoError(t, dkgB.BeginRound(epoch, signers, threshold))
	require.NoError(t, dkgC.BeginRound(epoch, signers, threshold))
	waitWithTimeout(t, &dkgWg, 2*time.Second)

	aggKey, ok := dkgA.AggregateKey(epoch)
	require.True(t, ok)
	shareA, ok := dkgA.OwnShare(epoch)
	require.True(t, ok)
	shareB, ok := dkgB.OwnShare(epoch)
	require.True(t, ok)
	shareC, ok := dkgC.OwnShare(epoch)
	require.True(t, ok)

	var signWg sync.WaitGroup
	signWg.Add(1)
	var finalRound *models.SigningRound
	onAggregated := func(id models.RoundID, round *models.SigningRound) {
		finalRound = round
		signWg.Done()
	}

	signStoreA, signStoreB, signStoreC := repo.NewMemory(), repo.NewMemory(), repo.NewMemory()
	signA := New(signStoreA, busA, idA, zap.NewNop(), onAggregated)
	signB := New(signStoreB, busB, idB, zap.NewNop(), nil)
	signC := New(signStoreC, busC, idC, zap.NewNop(), nil)

	signA.SetKeyMaterial(shareA, 1)
	signB.SetKeyMaterial(shareB, 2)
	signC.SetKeyMaterial(shareC, 3)

	anchor := models.BitcoinBlockHash{0x42}
	sighash := sha256.Sum256([]byte("sweep-tx-sighash"))

	_, err := signA.StartRound(aggKey, anchor, sighash[:], signers, threshold, 5*time.Second)
	require.NoError(t, err)

	waitWithTimeout(t, &signWg, 2*time.Second)

	require.NotNil(t, finalRound)
	require.Equal(t, models.RoundAggregated, finalRound.State)
	require.Len(t, finalRound.FinalSignature, 64)

	var sig [64]byte
	copy(sig[:], finalRound.FinalSignature)
	var hash [32]byte
	copy(hash[:], sighash[:])
	valid, err := txbuilder.VerifyAggregateSignature(hash, sig, aggKey)
	require.NoError(t, err)
	require.True(t, valid)
}
