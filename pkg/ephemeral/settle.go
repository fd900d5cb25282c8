package ephemeral

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Overclock-Validator/ephemeral/pkg/accounts"
	"github.com/Overclock-Validator/ephemeral/pkg/bank"
	"github.com/Overclock-Validator/ephemeral/pkg/delegation"
	"github.com/Overclock-Validator/ephemeral/pkg/magic"
	"github.com/Overclock-Validator/ephemeral/pkg/sealevel"
	"github.com/gagliardetto/solana-go"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// maxSettleAttempts bounds how often a failing intent is retried before it
// is dropped.
const maxSettleAttempts = 3

type pendingIntent struct {
	intent   *magic.Intent
	attempts int
	// settled holds the accounts already committed on an earlier attempt.
	settled map[solana.PublicKey]bool
}

// Settle submits every pending intent to the base bank: the committed state
// of each account is written and finalized, accounts scheduled for
// undelegation are handed back to their owner and call handlers run last.
// Intents that fail are retried on the next call. An intent that touches
// an account of an earlier unsettled intent waits behind it, so the base
// bank only ever moves forward through the snapshots of an account.
func (v *Validator) Settle(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	var errs []error
	var retry []*pendingIntent
	blocked := make(map[solana.PublicKey]bool)
	for _, p := range v.pending {
		if err := ctx.Err(); err != nil {
			retry = append(retry, p)
			continue
		}
		if lo.SomeBy(p.intent.Pubkeys(), func(pk solana.PublicKey) bool { return blocked[pk] }) {
			klog.V(2).Infof("intent %d waits for an earlier intent", p.intent.Id)
			retry = append(retry, p)
			block(blocked, p.intent)
			continue
		}

		err := v.settleIntent(p)
		if err == nil {
			v.metrics.Settlements.WithLabelValues("ok").Inc()
			continue
		}
		v.metrics.Settlements.WithLabelValues("failed").Inc()

		p.attempts++
		if p.attempts < maxSettleAttempts {
			retry = append(retry, p)
			block(blocked, p.intent)
		} else {
			klog.Errorf("dropping intent %d after %d attempts: %s", p.intent.Id, p.attempts, err)
			v.dropIntent(p.intent)
		}
		errs = append(errs, fmt.Errorf("intent %d: %w", p.intent.Id, err))
	}
	v.pending = retry

	return errors.Join(errs...)
}

func block(blocked map[solana.PublicKey]bool, intent *magic.Intent) {
	for _, pk := range intent.Pubkeys() {
		blocked[pk] = true
	}
}

// dropIntent gives up on intent. Accounts it was undelegating stay
// delegated and become usable on the ephemeral bank again.
func (v *Validator) dropIntent(intent *magic.Intent) {
	if !intent.Undelegate {
		return
	}
	for _, pk := range intent.Pubkeys() {
		if acct, ok := v.delegated.Get(pk.String()); ok {
			acct.Undelegating = false
			klog.Warningf("%s stays delegated", pk)
		}
	}
}

func (v *Validator) settleIntent(p *pendingIntent) error {
	intent := p.intent
	if p.settled == nil {
		p.settled = make(map[solana.PublicKey]bool, len(intent.Accounts))
	}
	for _, acct := range intent.Accounts {
		if p.settled[acct.Pubkey] {
			continue
		}
		if err := v.settleAccount(intent, acct); err != nil {
			return fmt.Errorf("account %s: %w", acct.Pubkey, err)
		}
		p.settled[acct.Pubkey] = true
	}

	var errs []error
	for idx, handler := range intent.Handlers {
		if err := v.runCallHandler(handler); err != nil {
			v.metrics.CallHandlers.WithLabelValues("failed").Inc()
			errs = append(errs, fmt.Errorf("handler %d (%s): %w", idx, handler.Destination, err))
			continue
		}
		v.metrics.CallHandlers.WithLabelValues("ok").Inc()
	}
	if len(errs) > 0 {
		// handlers run once; a failed handler does not cause a re-commit
		klog.Errorf("intent %d: %s", intent.Id, errors.Join(errs...))
	}
	return nil
}

func (v *Validator) settleAccount(intent *magic.Intent, acct magic.CommittedAccount) error {
	programID := v.cfg.DelegationProgramID

	state, err := delegation.GetState(v.base, programID, acct.Pubkey)
	if err != nil {
		return err
	}
	if state == delegation.StateUndelegated {
		klog.Warningf("%s is no longer delegated, skipping", acct.Pubkey)
		v.forget(acct.Pubkey)
		return nil
	}

	metadata, err := delegation.GetDelegationMetadata(v.base, programID, acct.Pubkey)
	if err != nil {
		return err
	}

	args := &delegation.CommitStateArgs{
		Nonce:             metadata.LastUpdateNonce + 1,
		Lamports:          acct.Lamports,
		AllowUndelegation: intent.Undelegate,
		Data:              acct.Data,
	}
	commitTx := bank.NewTransaction(v.cfg.Identity,
		delegation.NewCommitStateInstruction(programID, v.cfg.Identity, acct.Pubkey, args),
		delegation.NewFinalizeInstruction(programID, v.cfg.Identity, acct.Pubkey))
	if err = v.submit(commitTx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	klog.V(2).Infof("committed %s at nonce %d (%d bytes)", acct.Pubkey, args.Nonce, len(acct.Data))

	if !intent.Undelegate {
		return nil
	}

	record, err := delegation.GetDelegationRecord(v.base, programID, acct.Pubkey)
	if err != nil {
		return err
	}
	undelegateTx := bank.NewTransaction(v.cfg.Identity,
		delegation.NewUndelegateInstruction(programID, v.cfg.Identity, acct.Pubkey, record.Owner, metadata.RentPayer))
	if err = v.submit(undelegateTx); err != nil {
		return fmt.Errorf("undelegate: %w", err)
	}
	v.metrics.Undelegations.Inc()
	v.forget(acct.Pubkey)
	klog.Infof("undelegated %s back to %s", acct.Pubkey, record.Owner)
	return nil
}

func (v *Validator) runCallHandler(handler magic.CallHandler) error {
	metas := make([]sealevel.AccountMeta, 0, len(handler.Accounts))
	for _, acct := range handler.Accounts {
		metas = append(metas, sealevel.AccountMeta{Pubkey: acct.Pubkey, IsWritable: acct.IsWritable})
	}
	args := &delegation.CallHandlerArgs{EscrowIndex: handler.EscrowIndex, Data: handler.Data}
	tx := bank.NewTransaction(v.cfg.Identity,
		delegation.NewCallHandlerInstruction(v.cfg.DelegationProgramID, v.cfg.Identity, handler.EscrowAuthority, handler.Destination, args, metas))
	tx.ComputeUnitLimit = uint64(handler.ComputeUnits)
	return v.submit(tx)
}

func (v *Validator) submit(tx *bank.Transaction) error {
	_, err := v.base.ProcessTransaction(tx)
	if err != nil {
		v.metrics.Transactions.WithLabelValues(v.base.Name(), "failed").Inc()
		return err
	}
	v.metrics.Transactions.WithLabelValues(v.base.Name(), "ok").Inc()
	return nil
}

// forget drops an account that is back with its owner from the ephemeral
// bank.
func (v *Validator) forget(pubkey solana.PublicKey) {
	if !v.delegated.Has(pubkey.String()) {
		return
	}
	v.delegated.Remove(pubkey.String())
	if err := v.ephem.SetAccount(&accounts.Account{Key: pubkey}); err != nil {
		klog.Errorf("unable to remove %s from the ephemeral bank: %s", pubkey, err)
	}
	v.metrics.DelegatedAccounts.Set(float64(v.delegated.Count()))
}

// Run advances the ephemeral slot and settles pending commits until ctx is
// done.
func (v *Validator) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		ticker := time.NewTicker(v.cfg.SlotInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				v.ephem.AdvanceSlot()
			}
		}
	})

	group.Go(func() error {
		ticker := time.NewTicker(v.cfg.SettleInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if v.cfg.AutoCommit {
					v.scheduleDueCommits()
				}
				if err := v.Settle(ctx); err != nil {
					klog.Errorf("settlement: %s", err)
				}
			}
		}
	})

	return group.Wait()
}
