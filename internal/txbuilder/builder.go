// Package txbuilder assembles and finalizes the Bitcoin sweep transaction
// the Coordinator proposes (spec §4.6) and the Signing Round state machine
// produces a threshold signature for. It owns the wire.MsgTx shape only:
// input/output ordering, dust and fee-bound checks, and the Taproot
// key-path sighash and witness finalization the FROST signature attaches
// to. UTXO/deposit/withdrawal selection is the coordinator's job; this
// package turns an already-decided models.SweepPackage into bytes.
package txbuilder

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/stacks-network/sbtc-signer/internal/models"
	"github.com/stacks-network/sbtc-signer/internal/signererr"
)

// DustThreshold is the minimum non-zero output amount accepted for a
// P2WPKH/P2TR payout (546 satoshis, the same bound btcd's mempool policy
// uses for standardness).
const DustThreshold = 546

// Builder turns a models.SweepPackage into a wire.MsgTx and back into a
// broadcastable, witness-finalized transaction once a signature lands.
type Builder struct {
	network *chaincfg.Params
}

// New returns a Builder for the named network ("mainnet", "testnet3",
// "regtest").
func New(network string) (*Builder, error) {
	params, err := netParams(network)
	if err != nil {
		return nil, err
	}
	return &Builder{network: params}, nil
}

func netParams(network string) (*chaincfg.Params, error) {
	switch network {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("unsupported network: %s", network)
	}
}

// AggregateKeyScript builds the P2TR (key-path spend) scriptPubKey for the
// signer set's current aggregate public key. The FROST/WSTS aggregate key
// is used directly as the taproot internal key with no script-path
// commitment, so a valid BIP340 signature under it alone satisfies the
// output (spec §3 SignerSet.aggregate_key, §5 DKG).
func AggregateKeyScript(aggKey models.PubKey) ([]byte, error) {
	xOnly, err := schnorr.ParsePubKey(aggKey[1:])
	if err != nil {
		return nil, signererr.NewValidationMismatch(signererr.ErrCodeBadSignature, "invalid aggregate key", err)
	}
	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_1).
		AddData(schnorr.SerializePubKey(xOnly)).
		Script()
}

// Unsigned builds the wire.MsgTx for pkg with empty witnesses: input 0 is
// always the current signer UTXO, followed by deposits in the order pkg
// already carries them (the coordinator is responsible for the
// ascending-confirmation-height/txid/vout ordering spec §4.6 step 3
// requires); output 0 is always the new signer UTXO, followed by
// withdrawal payouts in ascending request_id order (step 5).
func (b *Builder) Unsigned(pkg *models.SweepPackage) (*wire.MsgTx, error) {
	if len(pkg.Inputs) == 0 || !pkg.Inputs[0].IsSignerUTXO {
		return nil, signererr.NewProtocolViolation(signererr.ErrCodeMalformedMessage, "sweep package input 0 must be the signer UTXO", nil)
	}
	if len(pkg.Outputs) == 0 || !pkg.Outputs[0].IsSignerUTXO {
		return nil, signererr.NewProtocolViolation(signererr.ErrCodeMalformedMessage, "sweep package output 0 must be the signer UTXO", nil)
	}

	tx := wire.NewMsgTx(wire.TxVersion)

	for _, in := range pkg.Inputs {
		hash, err := chainhash.NewHash(in.Outpoint.TxID[:])
		if err != nil {
			return nil, signererr.NewProtocolViolation(signererr.ErrCodeMalformedMessage, "invalid input outpoint", err)
		}
		tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(hash, in.Outpoint.Vout), nil, nil))
	}

	for i, out := range pkg.Outputs {
		if !out.IsSignerUTXO && out.Amount < DustThreshold {
			return nil, signererr.NewProtocolViolation(signererr.ErrCodeDust, fmt.Sprintf("output %d below dust threshold: %d sats", i, out.Amount), nil)
		}
		tx.AddTxOut(wire.NewTxOut(out.Amount, out.ScriptPubKey))
	}

	if pkg.TotalIn()-pkg.TotalOut() != pkg.FeeSatoshis {
		return nil, signererr.NewValidationMismatch(signererr.ErrCodeFeeOutOfTolerance, "input/output/fee amounts do not balance", nil)
	}

	return tx, nil
}

// PrevOutFetcher builds the txscript.PrevOutputFetcher the Taproot sighash
// algorithm needs, from the same ordered input list used to build tx.
func PrevOutFetcher(pkg *models.SweepPackage, prevScript []byte) txscript.PrevOutputFetcher {
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for _, in := range pkg.Inputs {
		hash, err := chainhash.NewHash(in.Outpoint.TxID[:])
		if err != nil {
			continue
		}
		op := wire.NewOutPoint(hash, in.Outpoint.Vout)
		script := prevScript
		if in.Deposit != nil {
			script = in.Deposit.DepositScript
		}
		fetcher.AddPrevOut(*op, &wire.TxOut{Value: in.Amount, PkScript: script})
	}
	return fetcher
}

// SignatureHash computes the BIP341 key-path sighash for input index, the
// message every signer's FROST nonce/signature-share round signs (spec
// §7). All inputs in a sweep transaction share the same sighash type
// (SIGHASH_DEFAULT); the deposit script path is never taken because the
// signer set always holds the spending key.
func SignatureHash(tx *wire.MsgTx, index int, fetcher txscript.PrevOutputFetcher) ([32]byte, error) {
	prevs := make([]*wire.TxOut, len(tx.TxIn))
	for i, in := range tx.TxIn {
		prevs[i] = fetcher.FetchPrevOutput(in.PreviousOutPoint)
	}
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	hash, err := txscript.CalcTaprootSignatureHash(sigHashes, txscript.SigHashDefault, tx, index, txscript.NewCannedPrevOutputFetcher(prevs[index].PkScript, prevs[index].Value))
	if err != nil {
		return [32]byte{}, err
	}
	var out [32]byte
	copy(out[:], hash)
	return out, nil
}

// Finalize attaches one aggregated Schnorr signature per input (a taproot
// key-path spend witness is a single 64-byte element) and returns the
// broadcast-ready transaction. Every input signs a distinct sighash, so
// the coordinator drives one signing round per input index (spec §4.6
// step 8) and passes the resulting signatures in here keyed the same way.
func Finalize(tx *wire.MsgTx, signatures map[int][64]byte) (*wire.MsgTx, error) {
	out := tx.Copy()
	for i := range out.TxIn {
		sig, ok := signatures[i]
		if !ok {
			return nil, signererr.NewThresholdNotMet(signererr.ErrCodeInsufficientShares, fmt.Sprintf("missing signature for input %d", i), nil)
		}
		out.TxIn[i].Witness = wire.TxWitness{sig[:]}
	}
	return out, nil
}

// Serialize returns the raw, hex-ready transaction bytes.
func Serialize(tx *wire.MsgTx) ([]byte, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, signererr.NewFatal(signererr.ErrCodeMalformedMessage, "failed to serialize sweep transaction", err)
	}
	return buf.Bytes(), nil
}

// VSize estimates the transaction's virtual size for fee-rate purposes,
// assuming every input carries a single 64-byte taproot key-path witness.
func VSize(tx *wire.MsgTx) int64 {
	withWitness := tx.Copy()
	for i := range withWitness.TxIn {
		withWitness.TxIn[i].Witness = wire.TxWitness{make([]byte, 64)}
	}
	return int64((withWitness.SerializeSize()*3 + withWitness.SerializeSizeStripped()) / 4)
}
