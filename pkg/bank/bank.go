package bank

import (
	"errors"
	"sync"
	"time"

	"github.com/Overclock-Validator/ephemeral/pkg/accounts"
	"github.com/Overclock-Validator/ephemeral/pkg/base58"
	"github.com/Overclock-Validator/ephemeral/pkg/features"
	"github.com/Overclock-Validator/ephemeral/pkg/safemath"
	"github.com/Overclock-Validator/ephemeral/pkg/sealevel"
	"github.com/gagliardetto/solana-go"
	"k8s.io/klog/v2"
)

var SysvarOwnerAddr solana.PublicKey = base58.MustDecodeFromString("Sysvar1111111111111111111111111111111111111")

var ErrProgramAccount = errors.New("cannot overwrite a program account")

type Config struct {
	// Name tags the bank in logs and metrics.
	Name                 string
	LamportsPerSignature uint64
	FeeCollector         solana.PublicKey
	Features             *features.Features
	Now                  func() time.Time
}

// Bank is a single ledger: an account store, the native programs that may
// run against it and the sysvars programs observe. Transactions are applied
// one at a time and either commit in full or not at all.
type Bank struct {
	mu sync.Mutex

	name      string
	store     *accounts.Store
	programs  *sealevel.ProgramRegistry
	features  *features.Features
	rent      sealevel.SysvarRent
	clock     sealevel.SysvarClock
	now       func() time.Time
	feeRate   uint64
	collector solana.PublicKey

	parentBankHash [32]byte
	blockhash      [32]byte
	numSigs        uint64
	modified       map[solana.PublicKey]struct{}
	txCount        uint64
}

func New(backend accounts.Accounts, cfg Config) *Bank {
	rent := sealevel.DefaultRent()
	b := &Bank{
		name:      cfg.Name,
		store:     accounts.NewStore(backend),
		programs:  sealevel.NewProgramRegistry(),
		features:  cfg.Features,
		rent:      rent,
		now:       cfg.Now,
		feeRate:   cfg.LamportsPerSignature,
		collector: cfg.FeeCollector,
		modified:  make(map[solana.PublicKey]struct{}),
	}
	if b.features == nil {
		b.features = features.NewFeaturesAllEnabled()
	}
	if b.now == nil {
		b.now = time.Now
	}
	b.blockhash = nextBlockhash([32]byte{}, 0, []byte(cfg.Name))
	b.clock = sealevel.SysvarClock{UnixTimestamp: b.now().Unix(), EpochStartTimestamp: b.now().Unix()}

	b.mustPutNative(sealevel.SystemProgramAddr)
	b.writeSysvars()
	return b
}

func (b *Bank) Name() string {
	return b.name
}

func (b *Bank) Programs() *sealevel.ProgramRegistry {
	return b.programs
}

func (b *Bank) Features() *features.Features {
	return b.features
}

func (b *Bank) Rent() sealevel.SysvarRent {
	return b.rent
}

func (b *Bank) MinimumBalance(dataLen uint64) uint64 {
	return b.rent.MinimumBalance(dataLen)
}

func (b *Bank) Slot() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.clock.Slot
}

func (b *Bank) Clock() sealevel.SysvarClock {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.clock
}

func (b *Bank) Blockhash() solana.Hash {
	b.mu.Lock()
	defer b.mu.Unlock()
	return solana.Hash(b.blockhash)
}

func (b *Bank) BankHash() solana.Hash {
	b.mu.Lock()
	defer b.mu.Unlock()
	return solana.Hash(b.parentBankHash)
}

// RegisterProgram installs a native program and its executable account.
func (b *Bank) RegisterProgram(programId solana.PublicKey, fn sealevel.ProgramFn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.programs.Register(programId, fn)
	b.mustPutNative(programId)
	klog.V(2).Infof("[%s] registered program %s", b.name, programId)
}

func (b *Bank) mustPutNative(programId solana.PublicKey) {
	acct := &accounts.Account{Key: programId, Lamports: 1, Data: []byte{}, Owner: sealevel.NativeLoaderAddr, Executable: true}
	if err := b.store.Put(acct); err != nil {
		klog.Fatalf("unable to store program account %s: %s", programId, err)
	}
}

func (b *Bank) GetAccount(pubkey solana.PublicKey) (*accounts.Account, error) {
	return b.store.Get(pubkey)
}

// SetAccount overwrites the stored state of an account. It is the entry
// point for cloning accounts from another bank.
func (b *Bank) SetAccount(acct *accounts.Account) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.programs.IsProgram(acct.Key) {
		return ErrProgramAccount
	}
	b.modified[acct.Key] = struct{}{}
	return b.store.Put(acct)
}

func (b *Bank) Airdrop(pubkey solana.PublicKey, lamports uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	acct, err := b.store.GetOrEmpty(pubkey, sealevel.SystemProgramAddr)
	if err != nil {
		return err
	}
	acct.Lamports, err = safemath.CheckedAddU64(acct.Lamports, lamports)
	if err != nil {
		return err
	}
	b.modified[pubkey] = struct{}{}
	return b.store.Put(acct)
}

// AdvanceSlot freezes the current slot and opens the next one: the bank
// hash commits to every account modified in the slot.
func (b *Bank) AdvanceSlot() solana.Hash {
	b.mu.Lock()
	defer b.mu.Unlock()

	modified := make([]*accounts.Account, 0, len(b.modified))
	for pk := range b.modified {
		acct, err := b.store.GetOrEmpty(pk, sealevel.SystemProgramAddr)
		if err != nil {
			klog.Errorf("[%s] unable to load modified account %s: %s", b.name, pk, err)
			continue
		}
		modified = append(modified, acct)
	}

	deltaHash := calculateAcctsDeltaHash(modified)
	bankHash := calculateBankHash(deltaHash, b.parentBankHash, b.numSigs, b.blockhash)
	klog.V(2).Infof("[%s] froze slot %d: %d modified accounts, %d signatures, bank hash %s",
		b.name, b.clock.Slot, len(modified), b.numSigs, solana.HashFromBytes(bankHash))

	copy(b.parentBankHash[:], bankHash)
	b.blockhash = nextBlockhash(b.blockhash, b.clock.Slot, bankHash)
	b.numSigs = 0
	b.modified = make(map[solana.PublicKey]struct{})

	b.clock.Slot++
	b.clock.UnixTimestamp = b.now().Unix()
	b.writeSysvars()

	return solana.Hash(b.blockhash)
}

func (b *Bank) writeSysvars() {
	rentData := b.rent.Marshal()
	clockData := b.clock.Marshal()
	for _, acct := range []*accounts.Account{
		{Key: sealevel.SysvarRentAddr, Data: rentData, Owner: SysvarOwnerAddr, Lamports: b.rent.MinimumBalance(uint64(len(rentData)))},
		{Key: sealevel.SysvarClockAddr, Data: clockData, Owner: SysvarOwnerAddr, Lamports: b.rent.MinimumBalance(uint64(len(clockData)))},
	} {
		if err := b.store.Put(acct); err != nil {
			klog.Errorf("[%s] unable to write sysvar %s: %s", b.name, acct.Key, err)
		}
	}
}
