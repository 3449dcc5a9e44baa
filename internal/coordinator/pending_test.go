package coordinator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stacks-network/sbtc-signer/internal/bitcoinrpc"
	"github.com/stacks-network/sbtc-signer/internal/models"
	"github.com/stacks-network/sbtc-signer/internal/repo"
	"github.com/stacks-network/sbtc-signer/internal/stacksrpc"
	"github.com/stacks-network/sbtc-signer/internal/txbuilder"
)

// TestCheckPendingSweepsWaitsForConfirmation is invariant I2 ("swept only
// on a confirmed tx") end to end: a queued sweep must not mark its deposit
// Swept until the broadcast transaction actually confirms.
func TestCheckPendingSweepsWaitsForConfirmation(t *testing.T) {
	store := repo.NewMemory()
	mock := bitcoinrpc.NewMockRPCClient()
	co := &Coordinator{store: store, rpc: txbuilder.NewRPCHelper(mock), log: zap.NewNop()}

	var txid models.BitcoinTxID
	txid[0] = 0x01
	out := models.Outpoint{TxID: txid, Vout: 0}
	require.NoError(t, store.PutDepositRequest(&models.DepositRequest{Outpoint: out, Status: models.DepositPending}))

	pkg := &models.SweepPackage{Inputs: []models.SweepInput{{Outpoint: out, Deposit: &models.DepositRequest{Outpoint: out}}}}
	set := &models.SignerSet{}
	tip := &models.BitcoinBlock{}
	co.queuePendingSweep("deadbeef", pkg, set, tip)

	mock.SetResponse("getrawtransaction", map[string]interface{}{"confirmations": 0})
	co.checkPendingSweeps(context.Background())

	d, err := store.DepositRequest(out)
	require.NoError(t, err)
	require.Equal(t, models.DepositPending, d.Status)

	mock.SetResponse("getrawtransaction", map[string]interface{}{"confirmations": 1})
	co.checkPendingSweeps(context.Background())

	d, err = store.DepositRequest(out)
	require.NoError(t, err)
	require.Equal(t, models.DepositSwept, d.Status)
}

// TestCheckPendingStacksCallsWaitsForConfirmation mirrors the above for a
// withdrawal's accept/reject contract call.
func TestCheckPendingStacksCallsWaitsForConfirmation(t *testing.T) {
	store := repo.NewMemory()
	mock := bitcoinrpc.NewMockRPCClient()
	co := &Coordinator{store: store, stacks: stacksrpc.New(mock), log: zap.NewNop()}

	w := models.WithdrawalRequest{RequestID: 3, Status: models.WithdrawalPending}
	require.NoError(t, store.PutWithdrawalRequest(&w))
	co.queuePendingWithdrawalStatus("cafef00d", w, models.WithdrawalAccepted)

	mock.SetResponse("get_transaction", map[string]interface{}{"confirmations": 0})
	co.checkPendingStacksCalls(context.Background())

	got, err := store.WithdrawalRequest(w.RequestID)
	require.NoError(t, err)
	require.Equal(t, models.WithdrawalPending, got.Status)

	mock.SetResponse("get_transaction", map[string]interface{}{"confirmations": 2})
	co.checkPendingStacksCalls(context.Background())

	got, err = store.WithdrawalRequest(w.RequestID)
	require.NoError(t, err)
	require.Equal(t, models.WithdrawalAccepted, got.Status)
}
