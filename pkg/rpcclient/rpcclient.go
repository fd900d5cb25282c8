// Package rpcclient wraps the solana-go JSON-RPC client with the calls the
// relayers make against a validator.
package rpcclient

import (
	"context"
	"errors"
	"fmt"

	"github.com/Overclock-Validator/ephemeral/pkg/sealevel"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

var ErrAccountNotFound = errors.New("account not found")

type RpcClient struct {
	client     *rpc.Client
	commitment rpc.CommitmentType
}

func NewRpcClient(endpoint string) *RpcClient {
	return &RpcClient{client: rpc.New(endpoint), commitment: rpc.CommitmentProcessed}
}

// WithCommitment sets the commitment used for reads.
func (c *RpcClient) WithCommitment(commitment rpc.CommitmentType) *RpcClient {
	c.commitment = commitment
	return c
}

func (c *RpcClient) GetLatestBlockhash(ctx context.Context) (solana.Hash, error) {
	result, err := c.client.GetLatestBlockhash(ctx, rpc.CommitmentConfirmed)
	if err != nil {
		return solana.Hash{}, fmt.Errorf("getLatestBlockhash: %w", err)
	}
	return result.Value.Blockhash, nil
}

func (c *RpcClient) GetAccountData(ctx context.Context, pubkey solana.PublicKey) ([]byte, error) {
	result, err := c.client.GetAccountInfoWithOpts(ctx, pubkey, &rpc.GetAccountInfoOpts{
		Encoding:   solana.EncodingBase64,
		Commitment: c.commitment,
	})
	if errors.Is(err, rpc.ErrNotFound) || (err == nil && result.Value == nil) {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, pubkey)
	} else if err != nil {
		return nil, fmt.Errorf("getAccountInfo %s: %w", pubkey, err)
	}
	return result.Value.Data.GetBinary(), nil
}

type KeyedAccount struct {
	Pubkey solana.PublicKey
	Data   []byte
}

// GetProgramAccountsWithDiscriminator lists the accounts of programID whose
// data starts with disc.
func (c *RpcClient) GetProgramAccountsWithDiscriminator(ctx context.Context, programID solana.PublicKey, disc sealevel.Discriminator) ([]KeyedAccount, error) {
	result, err := c.client.GetProgramAccountsWithOpts(ctx, programID, &rpc.GetProgramAccountsOpts{
		Commitment: c.commitment,
		Encoding:   solana.EncodingBase64,
		Filters: []rpc.RPCFilter{
			{Memcmp: &rpc.RPCFilterMemcmp{Offset: 0, Bytes: solana.Base58(disc[:])}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("getProgramAccounts %s: %w", programID, err)
	}

	accts := make([]KeyedAccount, 0, len(result))
	for _, keyed := range result {
		if keyed == nil || keyed.Account == nil || keyed.Account.Data == nil {
			continue
		}
		accts = append(accts, KeyedAccount{Pubkey: keyed.Pubkey, Data: keyed.Account.Data.GetBinary()})
	}
	return accts, nil
}
