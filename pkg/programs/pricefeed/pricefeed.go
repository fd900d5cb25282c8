// Package pricefeed is the ephemeral pricing oracle. Each (provider, symbol)
// pair owns a PriceUpdateV2-shaped account that is delegated to an ephemeral
// bank, where the relayer overwrites it at high frequency, and committed
// back to the base bank on the delegation's schedule.
package pricefeed

import (
	"math"

	"github.com/Overclock-Validator/ephemeral/pkg/base58"
	"github.com/Overclock-Validator/ephemeral/pkg/ersdk"
	"github.com/Overclock-Validator/ephemeral/pkg/sealevel"
	"github.com/gagliardetto/solana-go"
	"k8s.io/klog/v2"
)

const (
	DefaultProgramIDStr = "orayZ4JuarAK33zEcRUqiKAXgwj7WSC8eKWCwiMHhTQ"
	PriceFeedSeed       = "price_feed"

	ProviderStork     = "stork"
	ProviderPythLazer = "pyth-lazer"

	// MaximumAgeSecs is how stale a sampled price may be.
	MaximumAgeSecs = 60

	CUPriceFeedDefaults = sealevel.CUUserProgramComputeUnits
)

var DefaultProgramID solana.PublicKey = base58.MustDecodeFromString(DefaultProgramIDStr)

var (
	PriceErrTooOld                   = sealevel.NewCustomErr(6000, "PriceErrTooOld")
	PriceErrMismatchedFeedID         = sealevel.NewCustomErr(6001, "PriceErrMismatchedFeedID")
	PriceErrInsufficientVerification = sealevel.NewCustomErr(6002, "PriceErrInsufficientVerification")
)

type Config struct {
	ProgramID solana.PublicKey
	SDK       ersdk.Config
}

func DefaultConfig() Config {
	return Config{ProgramID: DefaultProgramID, SDK: ersdk.DefaultConfig()}
}

func priceFeedSeeds(provider, symbol string) [][]byte {
	return [][]byte{[]byte(PriceFeedSeed), []byte(provider), []byte(symbol)}
}

func (cfg Config) PriceFeedAddress(provider, symbol string) solana.PublicKey {
	addr, _, err := sealevel.FindProgramAddress(priceFeedSeeds(provider, symbol), cfg.ProgramID)
	if err != nil {
		klog.Errorf("unable to derive price feed address for %s/%s: %s", provider, symbol, err)
	}
	return addr
}

type Program struct {
	cfg Config
}

func New(cfg Config) *Program {
	return &Program{cfg: cfg}
}

func (p *Program) Config() Config {
	return p.cfg
}

func (p *Program) Execute(execCtx *sealevel.ExecutionCtx) error {
	err := execCtx.ComputeMeter.Consume(CUPriceFeedDefaults)
	if err != nil {
		return sealevel.InstrErrComputationalBudgetExceeded
	}

	instrCtx, err := execCtx.CurrentInstructionCtx()
	if err != nil {
		return err
	}
	instr, err := DecodeInstruction(instrCtx.Data)
	if err != nil {
		return err
	}

	switch ix := instr.(type) {
	case InitializePriceFeed:
		execCtx.Logf("Instruction: InitializePriceFeed")
		return p.initialize(execCtx, &ix)
	case UpdatePriceFeed:
		execCtx.Logf("Instruction: UpdatePriceFeed")
		return p.update(execCtx, ix.Provider, &ix.Update)
	case DelegatePriceFeed:
		execCtx.Logf("Instruction: DelegatePriceFeed")
		return p.delegate(execCtx, ix.Provider, ix.Symbol)
	case Sample:
		execCtx.Logf("Instruction: Sample")
		return p.sample(execCtx)
	case UndelegateCallback:
		execCtx.Logf("Instruction: Undelegate")
		return ersdk.UndelegateAccount(execCtx, p.cfg.SDK, ix.Data)
	default:
		return sealevel.InstrErrInvalidInstructionData
	}
}

func (p *Program) borrowPayerAndFeed(execCtx *sealevel.ExecutionCtx, provider, symbol string) (*sealevel.BorrowedAccount, *sealevel.BorrowedAccount, sealevel.SignerSeeds, error) {
	payer, err := execCtx.BorrowAccount(0)
	if err != nil {
		return nil, nil, sealevel.SignerSeeds{}, err
	}
	if !payer.IsSigner() {
		return nil, nil, sealevel.SignerSeeds{}, sealevel.InstrErrMissingRequiredSignature
	}
	feed, err := execCtx.BorrowAccount(1)
	if err != nil {
		return nil, nil, sealevel.SignerSeeds{}, err
	}
	signer, _, err := sealevel.FindSignerSeeds(p.cfg.ProgramID, priceFeedSeeds(provider, symbol)...)
	if err != nil || signer.Address() != feed.Key() {
		execCtx.Logf("Invalid seeds for price feed %s", feed.Key())
		return nil, nil, sealevel.SignerSeeds{}, sealevel.InstrErrInvalidArgument
	}
	return payer, feed, signer, nil
}

func (p *Program) initialize(execCtx *sealevel.ExecutionCtx, ix *InitializePriceFeed) error {
	payer, feed, signer, err := p.borrowPayerAndFeed(execCtx, ix.Provider, ix.Symbol)
	if err != nil {
		return err
	}
	if feed.Lamports() > 0 {
		return sealevel.InstrErrAccountAlreadyInitialized
	}
	if err = execCtx.InvokeCreateAccount(payer.Key(), signer, PriceUpdateV2Size, p.cfg.ProgramID); err != nil {
		return err
	}

	now := execCtx.SysvarCache.Clock.UnixTimestamp
	state := PriceUpdate{
		VerificationLevel: VerificationLevel{Full: true},
		PriceMessage: PriceFeedMessage{
			FeedID:          ix.FeedID,
			Exponent:        ix.Exponent,
			PublishTime:     now,
			PrevPublishTime: now,
		},
	}
	execCtx.Logf("Price feed %s created for %s/%s", feed.Key(), ix.Provider, ix.Symbol)
	return feed.SetDataAt(0, state.Marshal())
}

// update overwrites the price with the update's quantized value, truncated
// to 64 bits. The signed payload is not verified.
func (p *Program) update(execCtx *sealevel.ExecutionCtx, provider string, update *UpdateData) error {
	_, feed, _, err := p.borrowPayerAndFeed(execCtx, provider, update.Symbol)
	if err != nil {
		return err
	}
	if !feed.IsOwnedByCurrentProgram() {
		return sealevel.InstrErrInvalidAccountOwner
	}
	state, err := UnmarshalPriceUpdate(feed.Data())
	if err != nil {
		return err
	}

	clock := execCtx.SysvarCache.Clock
	state.PostedSlot = clock.Slot
	state.PriceMessage.PrevPublishTime = state.PriceMessage.PublishTime
	state.PriceMessage.PublishTime = clock.UnixTimestamp
	state.PriceMessage.Price = update.TemporalNumericValue.QuantizedValue.Int64()

	execCtx.Logf("The price update is: %d", state.PriceMessage.Price)
	execCtx.Logf("The exponent is: %d", state.PriceMessage.Exponent)
	return feed.SetDataAt(0, state.Marshal())
}

func (p *Program) delegate(execCtx *sealevel.ExecutionCtx, provider, symbol string) error {
	payer, err := execCtx.BorrowAccount(0)
	if err != nil {
		return err
	}
	if !payer.IsSigner() {
		return sealevel.InstrErrMissingRequiredSignature
	}
	feed, err := execCtx.BorrowAccount(1)
	if err != nil {
		return err
	}
	return ersdk.DelegateAccount(execCtx, p.cfg.SDK, payer.Key(), feed.Key(),
		priceFeedSeeds(provider, symbol), ersdk.DefaultDelegateConfig())
}

// PriceNoOlderThan returns the price message if it was fully verified,
// belongs to feedID and was published within maxAge seconds of now.
func (pu *PriceUpdate) PriceNoOlderThan(now int64, maxAge uint64, feedID [32]byte) (*PriceFeedMessage, error) {
	if !pu.VerificationLevel.Full {
		return nil, PriceErrInsufficientVerification
	}
	if pu.PriceMessage.FeedID != feedID {
		return nil, PriceErrMismatchedFeedID
	}
	if maxAge > math.MaxInt64 || pu.PriceMessage.PublishTime+int64(maxAge) < now {
		return nil, PriceErrTooOld
	}
	msg := pu.PriceMessage
	return &msg, nil
}

// sample logs the price held by account 1, whose feed id must be its own
// address.
func (p *Program) sample(execCtx *sealevel.ExecutionCtx) error {
	feed, err := execCtx.BorrowAccount(1)
	if err != nil {
		return err
	}
	state, err := UnmarshalPriceUpdate(feed.Data())
	if err != nil {
		return err
	}
	price, err := state.PriceNoOlderThan(execCtx.SysvarCache.Clock.UnixTimestamp, MaximumAgeSecs, feed.Key())
	if err != nil {
		return err
	}

	execCtx.Logf("The price is (%d ± %d) * 10^-%d", price.Price, price.Conf, price.Exponent)
	execCtx.Logf("The price is: %g", float64(price.Price)*math.Pow10(-int(price.Exponent)))
	execCtx.Logf("Slot: %d", state.PostedSlot)
	execCtx.Logf("Message: %+v", *price)
	return nil
}
