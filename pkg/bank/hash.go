package bank

import (
	"encoding/binary"
	"sort"

	"github.com/Overclock-Validator/ephemeral/pkg/accounts"
	"github.com/Overclock-Validator/ephemeral/pkg/util"
	"github.com/gagliardetto/solana-go"
	"github.com/minio/sha256-simd"
	"github.com/zeebo/blake3"
)

type acctHash struct {
	Pubkey solana.PublicKey
	Hash   [32]byte
}

func newAcctHash(pubkey solana.PublicKey, hash []byte) acctHash {
	pair := acctHash{Pubkey: pubkey}
	copy(pair.Hash[:], hash)
	return pair
}

func calculateSingleAcctHash(acct accounts.Account) acctHash {
	// deleted accounts hash to zero
	if acct.Lamports == 0 {
		return acctHash{Pubkey: acct.Key}
	}

	hasher := blake3.New()

	var lamportBytes [8]byte
	binary.LittleEndian.PutUint64(lamportBytes[:], acct.Lamports)
	_, _ = hasher.Write(lamportBytes[:])

	var rentEpochBytes [8]byte
	binary.LittleEndian.PutUint64(rentEpochBytes[:], acct.RentEpoch)
	_, _ = hasher.Write(rentEpochBytes[:])

	_, _ = hasher.Write(acct.Data)

	if acct.Executable {
		_, _ = hasher.Write([]byte{1})
	} else {
		_, _ = hasher.Write([]byte{0})
	}

	_, _ = hasher.Write(acct.Owner[:])
	_, _ = hasher.Write(acct.Key[:])

	return newAcctHash(acct.Key, hasher.Sum(nil))
}

const merkleFanout = 16

func divCeil(x uint64, y uint64) uint64 {
	result := x / y
	if (x % y) != 0 {
		result++
	}
	return result
}

func computeMerkleRootLoop(acctHashes [][]byte) []byte {
	if len(acctHashes) == 0 {
		return nil
	}

	totalHashes := uint64(len(acctHashes))
	chunks := divCeil(totalHashes, merkleFanout)

	results := make([][]byte, chunks)

	for i := uint64(0); i < chunks; i++ {
		startIdx := i * merkleFanout
		endIdx := min(startIdx+merkleFanout, totalHashes)

		hasher := sha256.New()
		for _, h := range acctHashes[startIdx:endIdx] {
			hasher.Write(h)
		}

		results[i] = hasher.Sum(nil)
	}

	if len(results) == 1 {
		return results[0]
	}
	return computeMerkleRootLoop(results)
}

// calculateAcctsDeltaHash returns the merkle root over the accounts modified
// in a slot, ordered by pubkey.
func calculateAcctsDeltaHash(accts []*accounts.Account) []byte {
	acctHashes := make([]acctHash, len(accts))
	for idx, acct := range accts {
		acctHashes[idx] = calculateSingleAcctHash(*acct)
	}

	sort.SliceStable(acctHashes, func(i, j int) bool {
		return util.PubkeyCmp(acctHashes[i].Pubkey, acctHashes[j].Pubkey) < 0
	})

	hashes := make([][]byte, len(acctHashes))
	for idx, ah := range acctHashes {
		hashes[idx] = make([]byte, 32)
		copy(hashes[idx], ah.Hash[:])
	}

	root := computeMerkleRootLoop(hashes)
	if root == nil {
		root = make([]byte, 32)
	}
	return root
}

func calculateBankHash(acctsDeltaHash []byte, parentBankHash [32]byte, numSigs uint64, blockHash [32]byte) []byte {
	hasher := sha256.New()
	hasher.Write(parentBankHash[:])
	hasher.Write(acctsDeltaHash[:])

	var numSigsBytes [8]byte
	binary.LittleEndian.PutUint64(numSigsBytes[:], numSigs)

	hasher.Write(numSigsBytes[:])
	hasher.Write(blockHash[:])

	return hasher.Sum(nil)
}

// nextBlockhash chains the previous blockhash with the slot and the bank
// hash of the slot being frozen.
func nextBlockhash(prev [32]byte, slot uint64, bankHash []byte) [32]byte {
	hasher := sha256.New()
	hasher.Write(prev[:])

	var slotBytes [8]byte
	binary.LittleEndian.PutUint64(slotBytes[:], slot)
	hasher.Write(slotBytes[:])
	hasher.Write(bankHash)

	var out [32]byte
	copy(out[:], hasher.Sum(nil))
	return out
}
