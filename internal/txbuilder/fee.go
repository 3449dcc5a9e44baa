package txbuilder

import (
	"context"
	"fmt"
	"math"

	"github.com/stacks-network/sbtc-signer/internal/models"
	"github.com/stacks-network/sbtc-signer/internal/signererr"
)

// FeeEstimator prices a sweep transaction using estimatesmartfee, the same
// RPC the teacher's fee estimator called, retargeted from a single-payment
// fast/normal/slow quote to a sweep's actual vsize and the policy's
// fee_tolerance/max_fee bounds (spec §4.7).
type FeeEstimator struct {
	rpc *RPCHelper
}

// NewFeeEstimator returns a FeeEstimator backed by rpc.
func NewFeeEstimator(rpc *RPCHelper) *FeeEstimator {
	return &FeeEstimator{rpc: rpc}
}

// targetBlocks is the confirmation target the coordinator requests a fee
// rate for when pricing a sweep; sweeps are not latency-sensitive enough
// to pay for next-block inclusion.
const targetBlocks = 3

// fallbackSatPerByte is used only when estimatesmartfee is unavailable
// (spec requires the signer to keep operating through degraded Bitcoin
// RPC, per the TransientIO error kind).
const fallbackSatPerByte = 20

// EstimateFeeRate returns a satoshis-per-vbyte fee rate, falling back to a
// conservative fixed rate if the RPC estimate is unavailable.
func (f *FeeEstimator) EstimateFeeRate(ctx context.Context) (int64, error) {
	rate, err := f.rpc.EstimateSmartFee(ctx, targetBlocks)
	if err != nil {
		if signererr.IsTransient(err) {
			return fallbackSatPerByte, nil
		}
		return 0, err
	}
	if rate <= 0 {
		return fallbackSatPerByte, nil
	}
	return rate, nil
}

// FeeForVSize returns the total fee, in satoshis, for a transaction of the
// given virtual size at rate satoshis/vbyte.
func FeeForVSize(vsize int64, satPerVByte int64) int64 {
	return vsize * satPerVByte
}

// CheckTolerance verifies a proposed sweep's fee is within fee_tolerance of
// the rate-implied fee and does not exceed any individual request's
// max_fee (spec §4.7: "fee within tolerance band of the reference rate,
// fee does not exceed any individual request's maximum").
func CheckTolerance(pkg *models.SweepPackage, referenceSatPerVByte int64, vsize int64, tolerance float64) error {
	reference := FeeForVSize(vsize, referenceSatPerVByte)
	if reference == 0 {
		return signererr.NewValidationMismatch(signererr.ErrCodeFeeOutOfTolerance, "reference fee is zero", nil)
	}

	deviation := math.Abs(float64(pkg.FeeSatoshis-reference)) / float64(reference)
	if deviation > tolerance {
		return signererr.NewValidationMismatch(signererr.ErrCodeFeeOutOfTolerance,
			fmt.Sprintf("sweep fee %d deviates %.4f from reference %d (tolerance %.4f)", pkg.FeeSatoshis, deviation, reference, tolerance), nil)
	}

	perInputShare := pkg.FeeSatoshis / int64(len(pkg.Inputs))
	for _, in := range pkg.Inputs {
		if in.Deposit == nil {
			continue
		}
		if perInputShare > in.Deposit.MaxFee {
			return signererr.NewValidationMismatch(signererr.ErrCodeFeeExceedsMax,
				fmt.Sprintf("deposit %x:%d max_fee %d exceeded by share %d", in.Deposit.Outpoint.TxID, in.Deposit.Outpoint.Vout, in.Deposit.MaxFee, perInputShare), nil)
		}
	}
	for _, out := range pkg.Outputs {
		if out.Withdrawal == nil {
			continue
		}
		if perInputShare > out.Withdrawal.MaxFee {
			return signererr.NewValidationMismatch(signererr.ErrCodeFeeExceedsMax,
				fmt.Sprintf("withdrawal %d max_fee %d exceeded by share %d", out.Withdrawal.RequestID, out.Withdrawal.MaxFee, perInputShare), nil)
		}
	}
	return nil
}
