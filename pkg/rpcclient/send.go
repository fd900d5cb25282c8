package rpcclient

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/Overclock-Validator/ephemeral/pkg/sealevel"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/samber/lo"
)

var ComputeBudgetProgramAddr = solana.MustPublicKeyFromBase58("ComputeBudget111111111111111111111111111111")

const (
	computeBudgetSetUnitLimit = 2
	computeBudgetSetUnitPrice = 3
)

// ToSolanaInstruction converts a runtime instruction for the wire.
func ToSolanaInstruction(ix sealevel.Instruction) solana.Instruction {
	metas := lo.Map(ix.Accounts, func(am sealevel.AccountMeta, _ int) *solana.AccountMeta {
		return &solana.AccountMeta{PublicKey: am.Pubkey, IsSigner: am.IsSigner, IsWritable: am.IsWritable}
	})
	return solana.NewInstruction(ix.ProgramId, metas, ix.Data)
}

func SetComputeUnitLimit(units uint32) sealevel.Instruction {
	data := make([]byte, 5)
	data[0] = computeBudgetSetUnitLimit
	binary.LittleEndian.PutUint32(data[1:], units)
	return sealevel.Instruction{ProgramId: ComputeBudgetProgramAddr, Data: data}
}

// SetComputeUnitPrice sets the priority fee in micro-lamports per unit.
func SetComputeUnitPrice(microLamports uint64) sealevel.Instruction {
	data := make([]byte, 9)
	data[0] = computeBudgetSetUnitPrice
	binary.LittleEndian.PutUint64(data[1:], microLamports)
	return sealevel.Instruction{ProgramId: ComputeBudgetProgramAddr, Data: data}
}

// NewSignedTransaction builds a transaction paid and signed by payer.
func NewSignedTransaction(payer solana.PrivateKey, blockhash solana.Hash, ixs ...sealevel.Instruction) (*solana.Transaction, error) {
	tx, err := solana.NewTransaction(
		lo.Map(ixs, func(ix sealevel.Instruction, _ int) solana.Instruction { return ToSolanaInstruction(ix) }),
		blockhash,
		solana.TransactionPayer(payer.PublicKey()),
	)
	if err != nil {
		return nil, fmt.Errorf("building transaction: %w", err)
	}
	_, err = tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key == payer.PublicKey() {
			return &payer
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("signing transaction: %w", err)
	}
	return tx, nil
}

// SendTransaction submits tx without preflight and does not wait for
// confirmation.
func (c *RpcClient) SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	sig, err := c.client.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		SkipPreflight:       true,
		PreflightCommitment: rpc.CommitmentProcessed,
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("sendTransaction: %w", err)
	}
	return sig, nil
}
