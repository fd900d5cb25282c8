package fees

import (
	"math"

	"github.com/Overclock-Validator/ephemeral/pkg/accounts"
	"github.com/Overclock-Validator/ephemeral/pkg/safemath"
	"github.com/Overclock-Validator/ephemeral/pkg/sealevel"
	"github.com/gagliardetto/solana-go"
	"github.com/ryanavella/wide"
	"k8s.io/klog/v2"
)

const microLamportsPerLamport = 1000000

// DefaultLamportsPerSignature is the base fee charged by the base layer. The
// ephemeral bank runs gasless with a zero fee.
const DefaultLamportsPerSignature = 5000

type FeeParams struct {
	LamportsPerSignature uint64
	ComputeUnitPrice     uint64
	ComputeUnitLimit     uint64
}

// calculatePriorityFee rounds price*limit micro-lamports up to whole
// lamports. The product of two uint64 values always fits in 128 bits.
func calculatePriorityFee(params FeeParams) uint64 {
	computeUnitPrice := wide.Uint128FromUint64(params.ComputeUnitPrice)
	computeUnitLimit := wide.Uint128FromUint64(params.ComputeUnitLimit)

	microLamportFee := computeUnitPrice.Mul(computeUnitLimit)
	fee := microLamportFee.Add(wide.Uint128FromUint64(microLamportsPerLamport - 1)).Div(wide.Uint128FromUint64(microLamportsPerLamport))
	if !fee.IsUint64() {
		return math.MaxUint64
	}
	return fee.Uint64()
}

// CalculateFee returns the total fee for a transaction with numSignatures
// signers: the per-signature base fee plus prioritization fees set via the
// compute unit price.
func CalculateFee(numSignatures uint64, params FeeParams) uint64 {
	baseTxFee, err := safemath.CheckedMulU64(numSignatures, params.LamportsPerSignature)
	if err != nil {
		baseTxFee = ^uint64(0)
	}

	var priorityFee uint64
	if params.ComputeUnitPrice != 0 {
		priorityFee = calculatePriorityFee(params)
	}

	return safemath.SaturatingAddU64(baseTxFee, priorityFee)
}

const feePayerIdx = 0

// ApplyTxFees debits the fee from the fee payer, which is always the first
// transaction account.
func ApplyTxFees(transactionAccts *sealevel.TransactionAccounts, numSignatures uint64, params FeeParams) (uint64, uint64, error) {
	feePayerAcct, err := transactionAccts.GetAccount(feePayerIdx)
	if err != nil {
		return 0, 0, err
	}

	totalTxFee := CalculateFee(numSignatures, params)
	if totalTxFee == 0 {
		return 0, feePayerAcct.Lamports, nil
	}

	if feePayerAcct.Lamports < totalTxFee {
		return totalTxFee, 0, sealevel.InstrErrInsufficientFunds
	}

	klog.V(2).Infof("tx fee: %d", totalTxFee)

	feePayerAcct.Lamports -= totalTxFee
	if err = transactionAccts.Touch(feePayerIdx); err != nil {
		return 0, 0, err
	}

	return totalTxFee, feePayerAcct.Lamports, nil
}

// DistributeTxFees burns half of the collected fees and credits the rest to
// the collector.
func DistributeTxFees(acctsDb accounts.Accounts, collector solana.PublicKey, totalFees uint64) (uint64, error) {
	feesToBurn := totalFees / 2
	feesToCollector := totalFees - feesToBurn
	if feesToCollector == 0 {
		return 0, nil
	}

	pk := [32]byte(collector)
	collectorAcct, err := acctsDb.GetAccount(&pk)
	if err != nil {
		collectorAcct = &accounts.Account{Key: collector, Owner: sealevel.SystemProgramAddr, Data: []byte{}}
	}

	collectorAcct.Lamports, err = safemath.CheckedAddU64(collectorAcct.Lamports, feesToCollector)
	if err != nil {
		return 0, err
	}

	if err = acctsDb.SetAccount(&pk, collectorAcct); err != nil {
		return 0, err
	}

	klog.V(2).Infof("credited fees to collector: %d, post-balance: %d (%s)", feesToCollector, collectorAcct.Lamports, collector)
	return feesToCollector, nil
}
