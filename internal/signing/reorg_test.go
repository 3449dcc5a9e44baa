package signing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stacks-network/sbtc-signer/internal/gossip"
	"github.com/stacks-network/sbtc-signer/internal/models"
	"github.com/stacks-network/sbtc-signer/internal/repo"
)

func TestInvalidateRoundsForAnchorsFailsMatchingRounds(t *testing.T) {
	id := testParticipantIdentity(t, 7)
	bus := gossip.NewMemoryBus(id)
	store := repo.NewMemory()
	m := New(store, bus, id, zap.NewNop(), nil)

	signers := []models.SignerIdentity{{PublicKey: id.PublicKey, Index: 1, Weight: 1}}
	reorged := models.BitcoinBlockHash{0xaa}
	survives := models.BitcoinBlockHash{0xbb}

	reorgedID, err := m.StartRound(models.PubKey{0x01}, reorged, []byte("payload-a"), signers, 1, time.Minute)
	require.NoError(t, err)
	survivingID, err := m.StartRound(models.PubKey{0x01}, survives, []byte("payload-b"), signers, 1, time.Minute)
	require.NoError(t, err)

	invalidated, err := InvalidateRoundsForAnchors(store, []models.BitcoinBlockHash{reorged})
	require.NoError(t, err)
	require.Equal(t, []models.RoundID{reorgedID}, invalidated)

	got, err := store.SigningRound(reorgedID)
	require.NoError(t, err)
	require.Equal(t, models.RoundFailed, got.State)

	still, err := store.SigningRound(survivingID)
	require.NoError(t, err)
	require.NotEqual(t, models.RoundFailed, still.State)
}

func TestInvalidateRoundsForAnchorsNoOpOnEmptyList(t *testing.T) {
	store := repo.NewMemory()
	invalidated, err := InvalidateRoundsForAnchors(store, nil)
	require.NoError(t, err)
	require.Nil(t, invalidated)
}
