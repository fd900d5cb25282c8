package util

import (
	"bytes"
	"encoding/binary"
	"slices"

	"github.com/Overclock-Validator/ephemeral/pkg/accounts"
	"github.com/gagliardetto/solana-go"
	"github.com/zeebo/blake3"
)

func PubkeyCmp(a solana.PublicKey, b solana.PublicKey) int {
	return bytes.Compare(a[:], b[:])
}

// DedupePubkeys returns the distinct keys in first-seen order.
func DedupePubkeys(pubkeys []solana.PublicKey) []solana.PublicKey {
	seen := make(map[solana.PublicKey]struct{}, len(pubkeys))
	deduped := make([]solana.PublicKey, 0, len(pubkeys))
	for _, pk := range pubkeys {
		if _, ok := seen[pk]; ok {
			continue
		}
		seen[pk] = struct{}{}
		deduped = append(deduped, pk)
	}
	return deduped
}

func SortPubkeys(pubkeys []solana.PublicKey) {
	slices.SortFunc(pubkeys, PubkeyCmp)
}

// CalculateAcctHash digests every field that settlement must preserve.
func CalculateAcctHash(acct accounts.Account) [32]byte {
	hasher := blake3.New()

	var lamportBytes [8]byte
	binary.LittleEndian.PutUint64(lamportBytes[:], acct.Lamports)
	_, _ = hasher.Write(lamportBytes[:])

	_, _ = hasher.Write(acct.Data)

	if acct.Executable {
		_, _ = hasher.Write([]byte{1})
	} else {
		_, _ = hasher.Write([]byte{0})
	}

	_, _ = hasher.Write(acct.Owner[:])
	_, _ = hasher.Write(acct.Key[:])

	var out [32]byte
	copy(out[:], hasher.Sum(nil))
	return out
}

// HashData digests a raw data snapshot.
func HashData(data []byte) [32]byte {
	return blake3.Sum256(data)
}
