package bank

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/Overclock-Validator/ephemeral/pkg/accounts"
	"github.com/Overclock-Validator/ephemeral/pkg/cu"
	"github.com/Overclock-Validator/ephemeral/pkg/features"
	"github.com/Overclock-Validator/ephemeral/pkg/fees"
	"github.com/Overclock-Validator/ephemeral/pkg/rent"
	"github.com/Overclock-Validator/ephemeral/pkg/safemath"
	"github.com/Overclock-Validator/ephemeral/pkg/sealevel"
	"github.com/Overclock-Validator/ephemeral/pkg/util"
	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/zeebo/blake3"
	"k8s.io/klog/v2"
)

var (
	TxErrNoSigners               = errors.New("TxErrNoSigners")
	TxErrNoInstructions          = errors.New("TxErrNoInstructions")
	TxErrInsufficientFundsForFee = errors.New("TxErrInsufficientFundsForFee")
)

// Transaction is a pre-verified set of instructions. Every key in Signers is
// treated as having signed; the first one pays the fee.
type Transaction struct {
	Signers          []solana.PublicKey
	Instructions     []sealevel.Instruction
	ComputeUnitLimit uint64
	ComputeUnitPrice uint64
}

func NewTransaction(payer solana.PublicKey, instrs ...sealevel.Instruction) *Transaction {
	return &Transaction{Signers: []solana.PublicKey{payer}, Instructions: instrs}
}

func (tx *Transaction) WithSigners(signers ...solana.PublicKey) *Transaction {
	tx.Signers = append(tx.Signers, signers...)
	return tx
}

type TransactionResult struct {
	Id                   solana.Hash
	Slot                 uint64
	Fee                  uint64
	ComputeUnitsConsumed uint64
	Logs                 []string
	Err                  error
	ModifiedAccounts     []solana.PublicKey
}

func (tx *Transaction) computeUnitLimit() uint64 {
	if tx.ComputeUnitLimit != 0 {
		return min(tx.ComputeUnitLimit, cu.MaxComputeUnits)
	}
	limit, err := safemath.CheckedMulU64(cu.DefaultComputeUnits, uint64(len(tx.Instructions)))
	if err != nil {
		return cu.MaxComputeUnits
	}
	return min(limit, cu.MaxComputeUnits)
}

func (tx *Transaction) accountKeys() []solana.PublicKey {
	keys := append([]solana.PublicKey{}, tx.Signers...)
	for _, instr := range tx.Instructions {
		for _, am := range instr.Accounts {
			keys = append(keys, am.Pubkey)
		}
	}
	return util.DedupePubkeys(keys)
}

func (tx *Transaction) isWritable(pubkey solana.PublicKey) bool {
	if len(tx.Signers) > 0 && tx.Signers[0] == pubkey {
		return true
	}
	for _, instr := range tx.Instructions {
		for _, am := range instr.Accounts {
			if am.Pubkey == pubkey && am.IsWritable {
				return true
			}
		}
	}
	return false
}

func transactionId(tx *Transaction, slot uint64, seq uint64) solana.Hash {
	buf := new(bytes.Buffer)
	var header [16]byte
	binary.LittleEndian.PutUint64(header[:8], slot)
	binary.LittleEndian.PutUint64(header[8:], seq)
	buf.Write(header[:])

	encoder := bin.NewBinEncoder(buf)
	for _, signer := range tx.Signers {
		buf.Write(signer[:])
	}
	for _, instr := range tx.Instructions {
		buf.Write(instr.ProgramId[:])
		for idx := range instr.Accounts {
			_ = instr.Accounts[idx].MarshalWithEncoder(encoder)
		}
		buf.Write(instr.Data)
	}
	return solana.Hash(blake3.Sum256(buf.Bytes()))
}

func (b *Bank) transactionAccts(tx *Transaction) (*sealevel.TransactionAccounts, []bool, error) {
	keys := tx.accountKeys()
	accts := make([]accounts.Account, 0, len(keys))
	writable := make([]bool, 0, len(keys))

	for _, pk := range keys {
		acct, err := b.store.GetOrEmpty(pk, sealevel.SystemProgramAddr)
		if err != nil {
			return nil, nil, err
		}
		accts = append(accts, *acct)
		writable = append(writable, tx.isWritable(pk) && !acct.Executable)
	}

	return sealevel.NewTransactionAccounts(accts), writable, nil
}

func sumLamports(txAccts *sealevel.TransactionAccounts) (uint64, error) {
	var total uint64
	var err error
	for _, acct := range txAccts.Accounts {
		total, err = safemath.CheckedAddU64(total, acct.Lamports)
		if err != nil {
			return 0, sealevel.InstrErrArithmeticOverflow
		}
	}
	return total, nil
}

// ProcessTransaction executes tx atomically. On failure no account changes
// except the fee debit are persisted. The returned result carries the logs
// in both cases.
func (b *Bank) ProcessTransaction(tx *Transaction) (*TransactionResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	result := &TransactionResult{Slot: b.clock.Slot, Id: transactionId(tx, b.clock.Slot, b.txCount)}
	b.txCount++

	if len(tx.Signers) == 0 {
		result.Err = TxErrNoSigners
		return result, result.Err
	}
	if len(tx.Instructions) == 0 {
		result.Err = TxErrNoInstructions
		return result, result.Err
	}

	transactionAccts, writable, err := b.transactionAccts(tx)
	if err != nil {
		result.Err = err
		return result, err
	}

	computeUnitLimit := tx.computeUnitLimit()
	feeParams := fees.FeeParams{LamportsPerSignature: b.feeRate, ComputeUnitPrice: tx.ComputeUnitPrice, ComputeUnitLimit: computeUnitLimit}
	totalFee, payerNewLamports, err := fees.ApplyTxFees(transactionAccts, uint64(len(tx.Signers)), feeParams)
	if err != nil {
		result.Err = fmt.Errorf("%w: %s", TxErrInsufficientFundsForFee, err)
		return result, result.Err
	}
	result.Fee = totalFee
	b.numSigs += uint64(len(tx.Signers))

	var log sealevel.LogRecorder
	execCtx := &sealevel.ExecutionCtx{
		Log:                &log,
		TransactionContext: sealevel.NewTransactionCtx(transactionAccts, tx.Signers),
		ComputeMeter:       cu.NewComputeMeter(computeUnitLimit),
		Programs:           b.programs,
		SysvarCache:        sealevel.SysvarCache{Rent: b.rent, Clock: b.clock},
		Features:           b.features,
	}

	preTxRentStates := rent.NewRentStateInfo(&b.rent, transactionAccts, writable)
	preLamports, err := sumLamports(transactionAccts)
	if err != nil {
		result.Err = err
		return result, err
	}

	var txErr error
	for instrIdx, instr := range tx.Instructions {
		err = execCtx.ProcessInstruction(instr)
		if err != nil {
			txErr = fmt.Errorf("instruction %d: %w", instrIdx, err)
			break
		}
	}

	result.ComputeUnitsConsumed = execCtx.ComputeMeter.Used()
	result.Logs = log.Logs
	for _, l := range log.Logs {
		klog.V(3).Infof("[%s] %s", b.name, l)
	}

	if txErr == nil {
		postLamports, err := sumLamports(transactionAccts)
		if err != nil {
			txErr = err
		} else if postLamports != preLamports {
			txErr = fmt.Errorf("%w: %d lamports before, %d after", sealevel.InstrErrUnbalancedInstruction, preLamports, postLamports)
		}
	}

	if txErr == nil && b.features.IsActive(features.EnforceRentStateTransitions) {
		postTxRentStates := rent.NewRentStateInfo(&b.rent, transactionAccts, writable)
		txErr = rent.VerifyRentStateChanges(preTxRentStates, postTxRentStates, transactionAccts)
	}

	payerAcct, err := transactionAccts.GetAccount(0)
	if err != nil {
		return nil, err
	}

	// if there was an error in the tx, do not update account states, except
	// for deducting the tx fee from the payer account
	if txErr != nil {
		if totalFee > 0 {
			p, err := b.store.GetOrEmpty(payerAcct.Key, sealevel.SystemProgramAddr)
			if err != nil {
				return nil, err
			}
			p.Lamports = payerNewLamports
			if err = b.store.Put(p); err != nil {
				return nil, err
			}
			b.modified[payerAcct.Key] = struct{}{}
			result.ModifiedAccounts = []solana.PublicKey{payerAcct.Key}
		}
		b.distributeFees(totalFee)

		klog.V(2).Infof("[%s] tx %s failed: %s", b.name, result.Id, txErr)
		result.Err = txErr
		return result, txErr
	}

	for idx, newAcctState := range transactionAccts.Accounts {
		if !transactionAccts.Touched[idx] || !writable[idx] {
			continue
		}
		if err = b.store.Put(newAcctState); err != nil {
			return nil, fmt.Errorf("unable to persist account %s: %w", newAcctState.Key, err)
		}
		b.modified[newAcctState.Key] = struct{}{}
		result.ModifiedAccounts = append(result.ModifiedAccounts, newAcctState.Key)
	}
	b.distributeFees(totalFee)

	klog.V(2).Infof("[%s] tx %s - compute units consumed: %d", b.name, result.Id, result.ComputeUnitsConsumed)
	return result, nil
}

func (b *Bank) distributeFees(totalFee uint64) {
	if totalFee == 0 || b.collector.IsZero() {
		return
	}
	if _, err := fees.DistributeTxFees(b.store.Backend(), b.collector, totalFee); err != nil {
		klog.Errorf("[%s] unable to distribute fees: %s", b.name, err)
		return
	}
	b.modified[b.collector] = struct{}{}
}
