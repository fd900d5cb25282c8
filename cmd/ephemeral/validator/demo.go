package validator

import (
	"context"
	"fmt"

	"github.com/Overclock-Validator/ephemeral/pkg/accounts"
	"github.com/Overclock-Validator/ephemeral/pkg/bank"
	"github.com/Overclock-Validator/ephemeral/pkg/config"
	"github.com/Overclock-Validator/ephemeral/pkg/delegation"
	"github.com/Overclock-Validator/ephemeral/pkg/ephemeral"
	"github.com/Overclock-Validator/ephemeral/pkg/metrics"
	"github.com/Overclock-Validator/ephemeral/pkg/programs/counter"
	"github.com/Overclock-Validator/ephemeral/pkg/programs/pricefeed"
	"github.com/Overclock-Validator/ephemeral/pkg/sealevel"
	"github.com/gagliardetto/solana-go"
	"k8s.io/klog/v2"
)

// DemoResult is what the walkthrough leaves on the base bank.
type DemoResult struct {
	CommittedCount uint64
	FinalCount     uint64
	CounterOwner   solana.PublicKey
	CommittedPrice int64
	PriceFeedOwner solana.PublicKey
	SampleLogs     []string
	Validator      *ephemeral.Validator
}

type demo struct {
	base      *bank.Bank
	validator *ephemeral.Validator
	counter   counter.Config
	oracle    pricefeed.Config
	user      solana.PublicKey
}

func newDemo(backend accounts.Accounts, cfg config.ValidatorConfig, m *metrics.ValidatorMetrics) (*demo, error) {
	identity := solana.NewWallet().PublicKey()
	base := bank.New(backend, bank.Config{Name: "base", LamportsPerSignature: cfg.LamportsPerSignature})
	base.RegisterProgram(delegation.DefaultProgramID, delegation.New(delegation.DefaultProgramID, identity).Execute)

	d := &demo{
		base:    base,
		counter: counter.DefaultConfig(),
		oracle:  pricefeed.DefaultConfig(),
		user:    solana.NewWallet().PublicKey(),
	}
	counterProgram := counter.New(d.counter).Execute
	oracleProgram := pricefeed.New(d.oracle).Execute
	base.RegisterProgram(d.counter.ProgramID, counterProgram)
	base.RegisterProgram(d.oracle.ProgramID, oracleProgram)

	for _, pk := range []solana.PublicKey{d.user, identity} {
		if err := base.Airdrop(pk, 10*solana.LAMPORTS_PER_SOL); err != nil {
			return nil, err
		}
	}

	vcfg := ephemeral.DefaultConfig(identity)
	vcfg.SlotInterval = cfg.SlotInterval
	vcfg.SettleInterval = cfg.SettleInterval
	vcfg.AutoCommit = cfg.AutoCommit
	d.validator = ephemeral.New(base, vcfg, m)
	d.validator.RegisterProgram(d.counter.ProgramID, counterProgram)
	d.validator.RegisterProgram(d.oracle.ProgramID, oracleProgram)
	return d, nil
}

func (d *demo) onBase(ixs ...sealevel.Instruction) error {
	result, err := d.base.ProcessTransaction(bank.NewTransaction(d.user, ixs...))
	logResult("base", result)
	return err
}

func (d *demo) onEphemeral(ixs ...sealevel.Instruction) error {
	result, err := d.validator.ProcessTransaction(bank.NewTransaction(d.user, ixs...))
	logResult("ephemeral", result)
	return err
}

func logResult(bankName string, result *bank.TransactionResult) {
	if result == nil {
		return
	}
	for _, line := range result.Logs {
		klog.V(2).Infof("[%s] %s", bankName, line)
	}
}

func (d *demo) count() (uint64, solana.PublicKey, error) {
	acct, err := d.base.GetAccount(d.counter.CounterAddress(d.user))
	if err != nil {
		return 0, solana.PublicKey{}, err
	}
	count, err := counter.ReadCount(acct.Data)
	return count, solana.PublicKey(acct.Owner), err
}

// counterLifecycle initializes a counter at 3 on the base bank, delegates
// it, adds 4 in the ephemeral bank, commits, then adds 1 more and
// undelegates.
func (d *demo) counterLifecycle(ctx context.Context, res *DemoResult) error {
	err := d.onBase(
		counter.NewInitializeInstruction(d.counter, d.user),
		counter.NewIncreaseCounterInstruction(d.counter, d.user, 3))
	if err != nil {
		return fmt.Errorf("initializing counter: %w", err)
	}
	if err = d.onBase(counter.NewDelegateInstruction(d.counter, d.user)); err != nil {
		return fmt.Errorf("delegating counter: %w", err)
	}

	if err = d.onEphemeral(counter.NewIncrementAndCommitInstruction(d.counter, d.user, 4)); err != nil {
		return fmt.Errorf("incrementing counter: %w", err)
	}
	if err = d.validator.Settle(ctx); err != nil {
		return fmt.Errorf("settling commit: %w", err)
	}
	if res.CommittedCount, _, err = d.count(); err != nil {
		return err
	}
	klog.Infof("counter committed on base: %d", res.CommittedCount)

	if err = d.onEphemeral(counter.NewIncrementAndUndelegateInstruction(d.counter, d.user, 1)); err != nil {
		return fmt.Errorf("undelegating counter: %w", err)
	}
	if err = d.validator.Settle(ctx); err != nil {
		return fmt.Errorf("settling undelegation: %w", err)
	}
	if res.FinalCount, res.CounterOwner, err = d.count(); err != nil {
		return err
	}
	klog.Infof("counter undelegated: %d, owner %s", res.FinalCount, res.CounterOwner)
	return nil
}

// priceFeedLifecycle delegates a Stork SOL/USD feed, streams a few updates
// through the ephemeral bank and samples the committed price on base.
func (d *demo) priceFeedLifecycle(ctx context.Context, res *DemoResult) error {
	const symbol = "SOLUSD"
	feed := d.oracle.PriceFeedAddress(pricefeed.ProviderStork, symbol)
	if existing, err := d.base.GetAccount(feed); err == nil && existing.Lamports > 0 {
		klog.Infof("price feed %s already exists on base, skipping", feed)
		return nil
	}

	err := d.onBase(pricefeed.NewInitializePriceFeedInstruction(d.oracle, d.user, &pricefeed.InitializePriceFeed{
		Provider: pricefeed.ProviderStork,
		Symbol:   symbol,
		FeedID:   feed,
		Exponent: -8,
	}))
	if err != nil {
		return fmt.Errorf("initializing price feed: %w", err)
	}
	if err = d.onBase(pricefeed.NewDelegatePriceFeedInstruction(d.oracle, d.user, pricefeed.ProviderStork, symbol)); err != nil {
		return fmt.Errorf("delegating price feed: %w", err)
	}

	for _, price := range []int64{14_250_000_000, 14_260_000_000, 14_255_000_000} {
		update := &pricefeed.UpdateData{
			Symbol: symbol,
			ID:     feed,
			TemporalNumericValue: pricefeed.TemporalNumericValue{
				TimestampNs:    uint64(d.base.Clock().UnixTimestamp) * 1_000_000_000,
				QuantizedValue: pricefeed.NewInt128(price),
			},
		}
		if err = d.onEphemeral(pricefeed.NewUpdatePriceFeedInstruction(d.oracle, d.user, pricefeed.ProviderStork, update)); err != nil {
			return fmt.Errorf("updating price feed: %w", err)
		}
	}
	if err = d.validator.ScheduleCommit(feed); err != nil {
		return err
	}
	if err = d.validator.Settle(ctx); err != nil {
		return fmt.Errorf("settling price feed: %w", err)
	}

	acct, err := d.base.GetAccount(feed)
	if err != nil {
		return err
	}
	state, err := pricefeed.UnmarshalPriceUpdate(acct.Data)
	if err != nil {
		return err
	}
	res.CommittedPrice = state.PriceMessage.Price
	res.PriceFeedOwner = solana.PublicKey(acct.Owner)

	result, err := d.base.ProcessTransaction(bank.NewTransaction(d.user, pricefeed.NewSampleInstruction(d.oracle, d.user, feed)))
	if err != nil {
		return fmt.Errorf("sampling price feed: %w", err)
	}
	res.SampleLogs = result.Logs
	klog.Infof("price feed committed on base: %d (10^%d)", state.PriceMessage.Price, state.PriceMessage.Exponent)
	return nil
}

// RunDemo walks a counter and a price feed through the delegation
// lifecycle against an in-process base bank.
func RunDemo(ctx context.Context, backend accounts.Accounts, cfg config.ValidatorConfig, m *metrics.ValidatorMetrics) (*DemoResult, error) {
	d, err := newDemo(backend, cfg, m)
	if err != nil {
		return nil, err
	}
	res := &DemoResult{Validator: d.validator}
	if err = d.counterLifecycle(ctx, res); err != nil {
		return res, err
	}
	if err = d.priceFeedLifecycle(ctx, res); err != nil {
		return res, err
	}
	return res, nil
}
