package dkg

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stacks-network/sbtc-signer/internal/gossip"
	"github.com/stacks-network/sbtc-signer/internal/models"
	"github.com/stacks-network/sbtc-signer/internal/repo"
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

// TestThreeSignerRoundProducesMatchingAggregateKey runs a full 2-of-3 DKG
// round across three in-process Machines linked by a MemoryBus mesh, and
// asserts every participant derives the same aggregate key from its own
// local view of the commitments.
func TestThreeSignerRoundProducesMatchingAggregateKey(t *testing.T) {
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

	var wg sync.WaitGroup
	wg.Add(3)
	onProduced := func(e uint64, aggKey models.PubKey) {
		require.Equal(t, epoch, e)
		wg.Done()
	}

	storeA, storeB, storeC := repo.NewMemory(), repo.NewMemory(), repo.NewMemory()
	machA := New(storeA, busA, idA, 0, 5*time.Second, zap.NewNop(), onProduced)
	machB := New(storeB, busB, idB, 0, 5*time.Second, zap.NewNop(), onProduced)
	machC := New(storeC, busC, idC, 0, 5*time.Second, zap.NewNop(), onProduced)

	require.NoError(t, machA.BeginRound(epoch, signers, threshold))
	require.NoError(t, machB.BeginRound(epoch, signers, threshold))
	require.NoError(t, machC.BeginRound(epoch, signers, threshold))

	waitWithTimeout(t, &wg, 2*time.Second)

	keyA, ok := machA.AggregateKey(epoch)
	require.True(t, ok)
	keyB, ok := machB.AggregateKey(epoch)
	require.True(t, ok)
	keyC, ok := machC.AggregateKey(epoch)
	require.True(t, ok)

	require.Equal(t, keyA, keyB)
	require.Equal(t, keyA, keyC)

	state, ok := machA.RoundState(epoch)
	require.True(t, ok)
	require.Equal(t, StateProduced, state)

	shares, err := storeA.DkgShares(epoch)
	require.NoError(t, err)
	require.Equal(t, keyA, shares.AggregateKey)
	require.Equal(t, models.SharesUnverified, shares.Status)
}

func TestMarkVerifiedAndMarkFailedUpdateStatus(t *testing.T) {
	store := repo.NewMemory()
	record := &models.DkgShares{
		AggregateKey: models.PubKey{0x02},
		Epoch:        7,
		Shares:       map[int]models.EncryptedShare{},
		Status:       models.SharesUnverified,
		StartedAt:    time.Now(),
	}
	require.NoError(t, store.PutDkgShares(record))

	require.NoError(t, MarkVerified(store, 7, time.Now()))
	shares, err := store.DkgShares(7)
	require.NoError(t, err)
	require.Equal(t, models.SharesVerified, shares.Status)
	require.NotNil(t, shares.VerifiedAt)

	require.NoError(t, store.PutDkgShares(&models.DkgShares{
		AggregateKey: models.PubKey{0x03},
		Epoch:        8,
		Shares:       map[int]models.EncryptedShare{},
		Status:       models.SharesUnverified,
		StartedAt:    time.Now(),
	}))
	require.NoError(t, MarkFailed(store, 8))
	failed, err := store.DkgShares(8)
	require.NoError(t, err)
	require.Equal(t, models.SharesFailed, failed.Status)
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
		t.Fatal("timed out waiting for DKG round to finalize")
	}
}
