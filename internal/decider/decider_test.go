package decider

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stacks-network/sbtc-signer/internal/blocklist"
	"github.com/stacks-network/sbtc-signer/internal/gossip"
	"github.com/stacks-network/sbtc-signer/internal/models"
	"github.com/stacks-network/sbtc-signer/internal/repo"
)

func testDecider(t *testing.T, bl blocklist.Client) (*Decider, *gossip.MemoryBus, repo.Store) {
	t.Helper()
	scalar := make([]byte, 32)
	for i := range scalar {
		scalar[i] = byte(i + 3)
	}
	id, err := gossip.NewIdentity(scalar)
	require.NoError(t, err)

	bus := gossip.NewMemoryBus(id)
	store := repo.NewMemory()
	d := New(store, bl, bus, id, 3, 3, zap.NewNop())
	return d, bus, store
}

func TestDecideDepositAbovedustAndSafeLockTime(t *testing.T) {
	d, _, _ := testDecider(t, blocklist.AllowAllClient{})
	tip := &models.BitcoinBlock{Hash: hashAt(10), Height: 10}

	req := &models.DepositRequest{
		Outpoint:       models.Outpoint{Vout: 0},
		Amount:         1100,
		DepositScript:  []byte{0x01},
		LockTimeWindow: models.LockTimeWindow{MaxHeight: 1000},
		Status:         models.DepositPending,
	}

	decision, err := d.DecideDeposit(context.Background(), tip, req)
	require.NoError(t, err)
	require.True(t, decision.CanAccept)
	require.True(t, decision.CanSign)
}

func TestDecideDepositBelowDustCannotSign(t *testing.T) {
	d, _, _ := testDecider(t, blocklist.AllowAllClient{})
	tip := &models.BitcoinBlock{Hash: hashAt(10), Height: 10}

	req := &models.DepositRequest{
		Outpoint:      models.Outpoint{Vout: 1},
		Amount:        100,
		DepositScript: []byte{0x01},
		Status:        models.DepositPending,
	}

	decision, err := d.DecideDeposit(context.Background(), tip, req)
	require.NoError(t, err)
	require.False(t, decision.CanSign)
}

type blockedClient struct{}

func (blockedClient) Screen(context.Context, string) (blocklist.Verdict, error) {
	return blocklist.Blocked, nil
}

func TestDecideDepositBlockedCannotAccept(t *testing.T) {
	d, _, _ := testDecider(t, blockedClient{})
	tip := &models.BitcoinBlock{Hash: hashAt(10), Height: 10}

	req := &models.DepositRequest{
		Outpoint:      models.Outpoint{Vout: 2},
		Amount:        5000,
		DepositScript: []byte{0x01},
		Status:        models.DepositPending,
	}

	decision, err := d.DecideDeposit(context.Background(), tip, req)
	require.NoError(t, err)
	require.False(t, decision.CanAccept)
}

func TestDecisionIsIdempotentAcrossRetries(t *testing.T) {
	d, _, _ := testDecider(t, blocklist.AllowAllClient{})
	tip := &models.BitcoinBlock{Hash: hashAt(10), Height: 10}
	req := &models.DepositRequest{
		Outpoint:      models.Outpoint{Vout: 3},
		Amount:        5000,
		DepositScript: []byte{0x01},
		Status:        models.DepositPending,
	}

	first, err := d.DecideDeposit(context.Background(), tip, req)
	require.NoError(t, err)
	second, err := d.DecideDeposit(context.Background(), tip, req)
	require.NoError(t, err)

	require.Equal(t, first.Signature, second.Signature)
}

func hashAt(b byte) models.BitcoinBlockHash {
	var h models.BitcoinBlockHash
	h[0] = b
	return h
}
