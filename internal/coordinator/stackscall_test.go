package coordinator

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stacks-network/sbtc-signer/internal/models"
	"github.com/stacks-network/sbtc-signer/internal/repo"
	"github.com/stacks-network/sbtc-signer/internal/stacksrpc"
)

func testCoordinatorForValidation(t *testing.T, store repo.Store, set *models.SignerSet) *Coordinator {
	t.Helper()
	require.NoError(t, store.PutSignerSet(set))
	return &Coordinator{
		store: store,
		params: Params{
			SbtcContractAddress: "SP000TESTCONTRACT",
			SbtcContractName:    "sbtc-registry",
			StacksFeesMaxUstx:   5_000,
		},
	}
}

func baseRequest(co *Coordinator, function string, args [][]byte) stacksrpc.ContractCallRequest {
	return stacksrpc.ContractCallRequest{
		ContractAddress: co.params.SbtcContractAddress,
		ContractName:    co.params.SbtcContractName,
		FunctionName:    function,
		Args:            args,
		FeeUstx:         co.params.StacksFeesMaxUstx,
	}
}

func TestValidateStacksCallRejectsWrongContract(t *testing.T) {
	store := repo.NewMemory()
	set := testSignerSet(4, 3)
	co := testCoordinatorForValidation(t, store, set)

	req := baseRequest(co, stacksrpc.FunctionCompleteDeposit, [][]byte{make([]byte, 32), uint32Bytes(0)})
	req.ContractName = "not-the-registry"

	require.Error(t, co.validateStacksCall(req))
}

func TestValidateStacksCallRejectsFeeOverCeiling(t *testing.T) {
	store := repo.NewMemory()
	set := testSignerSet(4, 3)
	co := testCoordinatorForValidation(t, store, set)

	req := baseRequest(co, stacksrpc.FunctionCompleteDeposit, [][]byte{make([]byte, 32), uint32Bytes(0)})
	req.FeeUstx = co.params.StacksFeesMaxUstx + 1

	require.Error(t, co.validateStacksCall(req))
}

func TestValidateCompleteDepositRequiresThresholdDecisions(t *testing.T) {
	store := repo.NewMemory()
	set := testSignerSet(4, 3)
	co := testCoordinatorForValidation(t, store, set)

	var txid models.BitcoinTxID
	txid[0] = 0x42
	out := models.Outpoint{TxID: txid, Vout: 1}
	require.NoError(t, store.PutDepositRequest(&models.DepositRequest{Outpoint: out, Amount: 1000, Status: models.DepositPending}))

	req := baseRequest(co, stacksrpc.FunctionCompleteDeposit, [][]byte{out.TxID[:], uint32Bytes(out.Vout)})

	// No decisions recorded yet: must fail.
	require.Error(t, co.validateStacksCall(req))

	for i := 0; i < set.Threshold; i++ {
		require.NoError(t, store.PutDecision(&models.SignerDecision{
			RequestKey: models.RequestKey{IsWithdrawal: false, DepositOut: out},
			Signer:     set.Signers[i].PublicKey,
			CanAccept:  true,
			CanSign:    true,
		}))
	}

	require.NoError(t, co.validateStacksCall(req))
}

func TestValidateCompleteDepositRejectsUnknownOutpoint(t *testing.T) {
	store := repo.NewMemory()
	set := testSignerSet(4, 3)
	co := testCoordinatorForValidation(t, store, set)

	var txid models.BitcoinTxID
	txid[0] = 0x99
	req := baseRequest(co, stacksrpc.FunctionCompleteDeposit, [][]byte{txid[:], uint32Bytes(3)})

	require.Error(t, co.validateStacksCall(req))
}

func TestValidateWithdrawalCallAcceptAndReject(t *testing.T) {
	store := repo.NewMemory()
	set := testSignerSet(4, 3)
	co := testCoordinatorForValidation(t, store, set)

	w := &models.WithdrawalRequest{RequestID: 7, Amount: 2000, Status: models.WithdrawalPending}
	require.NoError(t, store.PutWithdrawalRequest(w))

	acceptReq := baseRequest(co, stacksrpc.FunctionAcceptWithdrawal, [][]byte{uint64Bytes(w.RequestID)})
	require.Error(t, co.validateStacksCall(acceptReq))

	for i := 0; i < set.Threshold; i++ {
		require.NoError(t, store.PutDecision(&models.SignerDecision{
			RequestKey: models.RequestKey{IsWithdrawal: true, WithdrawalID: w.RequestID},
			Signer:     set.Signers[i].PublicKey,
			CanAccept:  true,
			CanSign:    true,
		}))
	}
	require.NoError(t, co.validateStacksCall(acceptReq))

	rejectReq := baseRequest(co, stacksrpc.FunctionRejectWithdrawal, [][]byte{uint64Bytes(w.RequestID)})
	require.Error(t, co.validateStacksCall(rejectReq))
}

func TestValidateStacksCallRejectsUnknownFunction(t *testing.T) {
	store := repo.NewMemory()
	set := testSignerSet(4, 3)
	co := testCoordinatorForValidation(t, store, set)

	req := baseRequest(co, "some-other-call", nil)
	require.Error(t, co.validateStacksCall(req))
}

func TestDecodeDepositArgsRoundTrips(t *testing.T) {
	var txid models.BitcoinTxID
	txid[5] = 0x11
	out, err := decodeDepositArgs([][]byte{txid[:], uint32Bytes(9)})
	require.NoError(t, err)
	require.Equal(t, txid, out.TxID)
	require.Equal(t, uint32(9), out.Vout)
}

func TestDecodeWithdrawalArgsRoundTrips(t *testing.T) {
	id, err := decodeWithdrawalArgs([][]byte{uint64Bytes(123456)})
	require.NoError(t, err)
	require.Equal(t, uint64(123456), id)
}
