// Package ephemeral is the validator side of delegation: it clones delegated
// accounts from the base bank into an ephemeral bank, executes transactions
// against them and settles scheduled commits back on the base bank.
package ephemeral

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Overclock-Validator/ephemeral/pkg/accounts"
	"github.com/Overclock-Validator/ephemeral/pkg/bank"
	"github.com/Overclock-Validator/ephemeral/pkg/delegation"
	"github.com/Overclock-Validator/ephemeral/pkg/magic"
	"github.com/Overclock-Validator/ephemeral/pkg/metrics"
	"github.com/Overclock-Validator/ephemeral/pkg/sealevel"
	"github.com/gagliardetto/solana-go"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/samber/lo"
	"k8s.io/klog/v2"
)

var (
	ErrNotDelegated        = errors.New("account is not delegated")
	ErrWrongValidator      = errors.New("account is delegated to another validator")
	ErrAccountUndelegating = errors.New("account is being undelegated")
)

const (
	DefaultSlotInterval   = 50 * time.Millisecond
	DefaultSettleInterval = 100 * time.Millisecond
)

type Config struct {
	Identity            solana.PublicKey
	DelegationProgramID solana.PublicKey
	MagicProgramID      solana.PublicKey
	MagicContextID      solana.PublicKey
	SlotInterval        time.Duration
	SettleInterval      time.Duration
	// AutoCommit commits every delegated account at its commit frequency.
	AutoCommit bool
}

func DefaultConfig(identity solana.PublicKey) Config {
	return Config{
		Identity:            identity,
		DelegationProgramID: delegation.DefaultProgramID,
		MagicProgramID:      magic.DefaultProgramID,
		MagicContextID:      magic.DefaultContextID,
		SlotInterval:        DefaultSlotInterval,
		SettleInterval:      DefaultSettleInterval,
		AutoCommit:          true,
	}
}

// DelegatedAccount tracks one account cloned into the ephemeral bank.
type DelegatedAccount struct {
	Pubkey          solana.PublicKey
	Owner           solana.PublicKey
	CommitFrequency time.Duration
	LastCommit      time.Time
	Undelegating    bool
}

type Validator struct {
	// mu serializes ephemeral execution with draining the magic context and
	// with settlement.
	mu sync.Mutex

	cfg       Config
	base      *bank.Bank
	ephem     *bank.Bank
	delegated cmap.ConcurrentMap[string, *DelegatedAccount]
	pending   []*pendingIntent
	autoId    uint64
	metrics   *metrics.ValidatorMetrics
	now       func() time.Time
}

// New creates a validator settling on base. The ephemeral bank charges no
// fees and hosts the magic program and context.
func New(base *bank.Bank, cfg Config, m *metrics.ValidatorMetrics) *Validator {
	if cfg.SlotInterval == 0 {
		cfg.SlotInterval = DefaultSlotInterval
	}
	if cfg.SettleInterval == 0 {
		cfg.SettleInterval = DefaultSettleInterval
	}
	if m == nil {
		m = metrics.NewValidatorMetrics(nil)
	}

	v := &Validator{
		cfg:       cfg,
		base:      base,
		ephem:     bank.New(accounts.NewMemAccounts(), bank.Config{Name: "ephemeral"}),
		delegated: cmap.New[*DelegatedAccount](),
		metrics:   m,
		now:       time.Now,
	}

	magicCfg := magic.Config{
		ProgramID:   cfg.MagicProgramID,
		ContextID:   cfg.MagicContextID,
		Validator:   cfg.Identity,
		IsDelegated: v.isWritableDelegated,
	}
	v.ephem.RegisterProgram(cfg.MagicProgramID, magic.New(magicCfg).Execute)

	rent := v.ephem.Rent()
	contextAcct := magic.NewContextAccount(magicCfg, &rent)
	if err := v.ephem.SetAccount(&contextAcct); err != nil {
		klog.Fatalf("unable to create magic context: %s", err)
	}
	return v
}

func (v *Validator) Identity() solana.PublicKey {
	return v.cfg.Identity
}

func (v *Validator) Base() *bank.Bank {
	return v.base
}

func (v *Validator) Ephemeral() *bank.Bank {
	return v.ephem
}

// RegisterProgram makes an owner program available in the ephemeral bank.
func (v *Validator) RegisterProgram(programId solana.PublicKey, fn sealevel.ProgramFn) {
	v.ephem.RegisterProgram(programId, fn)
}

func (v *Validator) isWritableDelegated(pubkey solana.PublicKey) bool {
	acct, ok := v.delegated.Get(pubkey.String())
	return ok && !acct.Undelegating
}

func (v *Validator) IsDelegated(pubkey solana.PublicKey) bool {
	return v.delegated.Has(pubkey.String())
}

func (v *Validator) DelegatedAccounts() []*DelegatedAccount {
	return lo.Values(v.delegated.Items())
}

// CloneAccount copies a delegated account from the base bank into the
// ephemeral bank, restoring its original owner.
func (v *Validator) CloneAccount(pubkey solana.PublicKey) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cloneLocked(pubkey)
}

func (v *Validator) cloneLocked(pubkey solana.PublicKey) error {
	acct, err := v.base.GetAccount(pubkey)
	if errors.Is(err, accounts.ErrAccountNotFound) {
		return fmt.Errorf("%w: %s", ErrNotDelegated, pubkey)
	} else if err != nil {
		return err
	}
	if solana.PublicKey(acct.Owner) != v.cfg.DelegationProgramID {
		return fmt.Errorf("%w: %s is owned by %s", ErrNotDelegated, pubkey, solana.PublicKey(acct.Owner))
	}

	record, err := delegation.GetDelegationRecord(v.base, v.cfg.DelegationProgramID, pubkey)
	if err != nil {
		return fmt.Errorf("%w: %s: %s", ErrNotDelegated, pubkey, err)
	}
	if !record.Authority.IsZero() && record.Authority != v.cfg.Identity {
		return fmt.Errorf("%w: %s is delegated to %s", ErrWrongValidator, pubkey, record.Authority)
	}

	cloned := acct.Clone()
	cloned.Owner = record.Owner
	if err = v.ephem.SetAccount(cloned); err != nil {
		return err
	}

	v.delegated.Set(pubkey.String(), &DelegatedAccount{
		Pubkey:          pubkey,
		Owner:           record.Owner,
		CommitFrequency: time.Duration(record.CommitFrequencyMs) * time.Millisecond,
		LastCommit:      v.now(),
	})
	v.metrics.DelegatedAccounts.Set(float64(v.delegated.Count()))
	klog.Infof("cloned %s (owner %s) into the ephemeral bank", pubkey, record.Owner)
	return nil
}

func txKeys(tx *bank.Transaction) []solana.PublicKey {
	keys := append([]solana.PublicKey{}, tx.Signers...)
	for _, instr := range tx.Instructions {
		for _, am := range instr.Accounts {
			keys = append(keys, am.Pubkey)
		}
	}
	return lo.Uniq(keys)
}

func writableKeys(tx *bank.Transaction) []solana.PublicKey {
	var keys []solana.PublicKey
	for _, instr := range tx.Instructions {
		for _, am := range instr.Accounts {
			if am.IsWritable {
				keys = append(keys, am.Pubkey)
			}
		}
	}
	return lo.Uniq(keys)
}

// ProcessTransaction executes tx in the ephemeral bank. Delegated accounts
// it references are cloned on first use; accounts awaiting undelegation are
// frozen. Commits the transaction schedules are accepted from the magic
// context before returning.
func (v *Validator) ProcessTransaction(tx *bank.Transaction) (*bank.TransactionResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	for _, key := range writableKeys(tx) {
		if acct, ok := v.delegated.Get(key.String()); ok && acct.Undelegating {
			return nil, fmt.Errorf("%w: %s", ErrAccountUndelegating, key)
		}
	}

	for _, key := range txKeys(tx) {
		if v.delegated.Has(key.String()) {
			continue
		}
		acct, err := v.base.GetAccount(key)
		if err != nil || solana.PublicKey(acct.Owner) != v.cfg.DelegationProgramID {
			continue
		}
		if err = v.cloneLocked(key); err != nil {
			klog.V(2).Infof("not cloning %s: %s", key, err)
		}
	}

	result, err := v.ephem.ProcessTransaction(tx)
	if err != nil {
		v.metrics.Transactions.WithLabelValues(v.ephem.Name(), "failed").Inc()
		return result, err
	}
	v.metrics.Transactions.WithLabelValues(v.ephem.Name(), "ok").Inc()

	if err = v.drainLocked(); err != nil {
		klog.Errorf("unable to accept scheduled commits: %s", err)
		return result, err
	}
	return result, nil
}

// drainLocked moves the intents of the magic context to the settlement
// queue.
func (v *Validator) drainLocked() error {
	intents, err := magic.ReadScheduledIntents(v.ephem, v.cfg.MagicContextID)
	if err != nil {
		return err
	}
	if len(intents) == 0 {
		return nil
	}

	magicCfg := magic.Config{ProgramID: v.cfg.MagicProgramID, ContextID: v.cfg.MagicContextID}
	accept := bank.NewTransaction(v.cfg.Identity, magic.NewAcceptScheduledCommitsInstruction(magicCfg, v.cfg.Identity))
	if _, err = v.ephem.ProcessTransaction(accept); err != nil {
		return err
	}

	for _, intent := range intents {
		if intent.Undelegate {
			for _, key := range intent.Pubkeys() {
				if acct, ok := v.delegated.Get(key.String()); ok {
					acct.Undelegating = true
				}
			}
		}
		klog.V(2).Infof("accepted intent %d: %d accounts, undelegate=%t", intent.Id, len(intent.Accounts), intent.Undelegate)
	}
	for _, intent := range intents {
		v.pending = append(v.pending, &pendingIntent{intent: intent})
	}
	v.metrics.ScheduledIntents.Add(float64(len(intents)))
	return nil
}

// PendingIntents returns the intents waiting for settlement.
func (v *Validator) PendingIntents() []*magic.Intent {
	v.mu.Lock()
	defer v.mu.Unlock()
	return lo.Map(v.pending, func(p *pendingIntent, _ int) *magic.Intent { return p.intent })
}

// ScheduleCommit queues a commit of the current ephemeral state of the
// given delegated accounts without going through the owner program.
func (v *Validator) ScheduleCommit(pubkeys ...solana.PublicKey) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.scheduleLocked(pubkeys)
}

func (v *Validator) scheduleLocked(pubkeys []solana.PublicKey) error {
	intent := &magic.Intent{Id: v.autoId, Slot: v.ephem.Slot(), Payer: v.cfg.Identity}
	for _, pubkey := range pubkeys {
		tracked, ok := v.delegated.Get(pubkey.String())
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotDelegated, pubkey)
		}
		if tracked.Undelegating {
			return fmt.Errorf("%w: %s", ErrAccountUndelegating, pubkey)
		}
		acct, err := v.ephem.GetAccount(pubkey)
		if err != nil {
			return err
		}
		intent.Accounts = append(intent.Accounts, magic.CommittedAccount{
			Pubkey:   pubkey,
			Owner:    acct.Owner,
			Lamports: acct.Lamports,
			Data:     append([]byte(nil), acct.Data...),
		})
	}
	v.autoId++
	v.pending = append(v.pending, &pendingIntent{intent: intent})
	v.metrics.ScheduledIntents.Inc()
	return nil
}

// scheduleDueCommits queues a commit for every delegated account whose
// commit frequency has elapsed.
func (v *Validator) scheduleDueCommits() {
	v.mu.Lock()
	defer v.mu.Unlock()

	now := v.now()
	for _, acct := range v.delegated.Items() {
		if acct.Undelegating || acct.CommitFrequency == 0 || now.Sub(acct.LastCommit) < acct.CommitFrequency {
			continue
		}
		if err := v.scheduleLocked([]solana.PublicKey{acct.Pubkey}); err != nil {
			klog.Errorf("auto-commit of %s: %s", acct.Pubkey, err)
			continue
		}
		acct.LastCommit = now
		klog.V(2).Infof("auto-commit scheduled for %s", acct.Pubkey)
	}
}
