// Package llm answers LLM oracle interactions: it watches the oracle program
// for unprocessed interactions, asks a chat model for a reply with the
// interaction's context as system prompt, and submits callback_from_llm.
package llm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Overclock-Validator/ephemeral/pkg/metrics"
	"github.com/Overclock-Validator/ephemeral/pkg/programs/llmoracle"
	"github.com/Overclock-Validator/ephemeral/pkg/rpcclient"
	"github.com/Overclock-Validator/ephemeral/pkg/sealevel"
	"github.com/cenkalti/backoff/v4"
	"github.com/gagliardetto/solana-go"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/panjf2000/ants/v2"
	"k8s.io/klog/v2"
)

const (
	DefaultPollInterval     = 500 * time.Millisecond
	DefaultRestartDelay     = 5 * time.Second
	DefaultComputeUnitLimit = 300_000
	DefaultComputeUnitPrice = 1_000_000

	seenCacheSize    = 4096
	contextCacheSize = 256
)

// Chain is the slice of the RPC surface the responder needs.
type Chain interface {
	GetProgramAccountsWithDiscriminator(ctx context.Context, programID solana.PublicKey, disc sealevel.Discriminator) ([]rpcclient.KeyedAccount, error)
	GetAccountData(ctx context.Context, pubkey solana.PublicKey) ([]byte, error)
	SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
}

type BlockhashSource interface {
	Get() solana.Hash
}

type ResponderConfig struct {
	Oracle   llmoracle.Config
	Identity solana.PrivateKey

	PollInterval     time.Duration
	RestartDelay     time.Duration
	Workers          int
	ComputeUnitLimit uint32
	ComputeUnitPrice uint64
}

func (cfg *ResponderConfig) setDefaults() {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = DefaultRestartDelay
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.ComputeUnitLimit == 0 {
		cfg.ComputeUnitLimit = DefaultComputeUnitLimit
	}
	if cfg.ComputeUnitPrice == 0 {
		cfg.ComputeUnitPrice = DefaultComputeUnitPrice
	}
	cfg.Oracle.Responder = cfg.Identity.PublicKey()
}

type Responder struct {
	cfg         ResponderConfig
	chain       Chain
	blockhashes BlockhashSource
	model       Completer
	memory      *Memory
	metrics     *metrics.RelayerMetrics

	pool *ants.Pool
	wg   sync.WaitGroup

	// seen holds interactions answered or in flight, keyed with their text
	// so a re-interaction on the same PDA is answered again.
	seen     *lru.Cache[seenKey, struct{}]
	contexts *lru.Cache[solana.PublicKey, string]
}

type seenKey struct {
	interaction solana.PublicKey
	text        string
}

func NewResponder(cfg ResponderConfig, chain Chain, blockhashes BlockhashSource, model Completer, memory *Memory, m *metrics.RelayerMetrics) (*Responder, error) {
	cfg.setDefaults()
	if memory == nil {
		memory = NewMemory(DefaultMaxHistory, DefaultRetention)
	}
	if m == nil {
		m = metrics.NewRelayerMetrics(nil)
	}
	pool, err := ants.NewPool(cfg.Workers)
	if err != nil {
		return nil, fmt.Errorf("creating responder pool: %w", err)
	}
	seen, err := lru.New[seenKey, struct{}](seenCacheSize)
	if err != nil {
		return nil, err
	}
	contexts, err := lru.New[solana.PublicKey, string](contextCacheSize)
	if err != nil {
		return nil, err
	}
	return &Responder{
		cfg:         cfg,
		chain:       chain,
		blockhashes: blockhashes,
		model:       model,
		memory:      memory,
		metrics:     m,
		pool:        pool,
		seen:        seen,
		contexts:    contexts,
	}, nil
}

// Run scans for interactions until ctx is done, restarting after
// RestartDelay whenever a scan fails.
func (r *Responder) Run(ctx context.Context) error {
	defer r.Close()
	klog.Infof("llm responder %s watching oracle %s", r.cfg.Identity.PublicKey(), r.cfg.Oracle.ProgramID)

	policy := backoff.WithContext(backoff.NewConstantBackOff(r.cfg.RestartDelay), ctx)
	err := backoff.RetryNotify(func() error {
		ticker := time.NewTicker(r.cfg.PollInterval)
		defer ticker.Stop()
		for {
			if err := r.Poll(ctx); err != nil {
				return err
			}
			select {
			case <-ctx.Done():
				return backoff.Permanent(ctx.Err())
			case <-ticker.C:
			}
		}
	}, policy, func(err error, wait time.Duration) {
		klog.Errorf("llm responder: %s; restarting in %s", err, wait)
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// Poll lists interactions and queues every unprocessed one not already
// being answered.
func (r *Responder) Poll(ctx context.Context) error {
	accts, err := r.chain.GetProgramAccountsWithDiscriminator(ctx, r.cfg.Oracle.ProgramID, llmoracle.InteractionAccountDiscriminator)
	if err != nil {
		return err
	}
	for _, acct := range accts {
		interaction, err := llmoracle.UnmarshalInteraction(acct.Data)
		if err != nil {
			klog.V(2).Infof("skipping malformed interaction %s: %s", acct.Pubkey, err)
			continue
		}
		if interaction.IsProcessed {
			continue
		}
		key := seenKey{interaction: acct.Pubkey, text: interaction.Text}
		if ok, _ := r.seen.ContainsOrAdd(key, struct{}{}); ok {
			continue
		}

		pubkey := acct.Pubkey
		r.wg.Add(1)
		err = r.pool.Submit(func() {
			defer r.wg.Done()
			if err := r.Respond(ctx, pubkey, interaction); err != nil {
				r.seen.Remove(key)
				r.metrics.LlmResponses.WithLabelValues("error").Inc()
				if ctx.Err() == nil {
					klog.Errorf("answering interaction %s: %s", pubkey, err)
				}
				return
			}
			r.metrics.LlmResponses.WithLabelValues("ok").Inc()
		})
		if err != nil {
			r.wg.Done()
			r.seen.Remove(key)
			return fmt.Errorf("queueing interaction %s: %w", pubkey, err)
		}
	}
	return nil
}

func (r *Responder) contextText(ctx context.Context, pubkey solana.PublicKey) (string, error) {
	if text, ok := r.contexts.Get(pubkey); ok {
		return text, nil
	}
	data, err := r.chain.GetAccountData(ctx, pubkey)
	if err != nil {
		return "", err
	}
	llmContext, err := llmoracle.UnmarshalContextAccount(data)
	if err != nil {
		return "", fmt.Errorf("context %s: %w", pubkey, err)
	}
	r.contexts.Add(pubkey, llmContext.Text)
	return llmContext.Text, nil
}

// prompt quotes the context and the user text verbatim.
func prompt(contextText, text string) string {
	return fmt.Sprintf(`With context: "%s", respond to: "%s"`, contextText, text)
}

// Respond asks the model about one interaction and submits the answer. The
// exchange is remembered once the answer has been sent.
func (r *Responder) Respond(ctx context.Context, pubkey solana.PublicKey, interaction *llmoracle.Interaction) error {
	contextText, err := r.contextText(ctx, interaction.Context)
	if err != nil {
		return err
	}

	key := pubkey.String()
	messages := append(r.memory.Get(key), Message{
		Role:    RoleUser,
		Content: prompt(contextText, interaction.Text),
	})

	response, err := r.model.Complete(ctx, messages)
	if err != nil {
		return err
	}

	tx, err := rpcclient.NewSignedTransaction(r.cfg.Identity, r.blockhashes.Get(),
		rpcclient.SetComputeUnitLimit(r.cfg.ComputeUnitLimit),
		rpcclient.SetComputeUnitPrice(r.cfg.ComputeUnitPrice),
		llmoracle.NewCallbackFromLlmInstruction(r.cfg.Oracle, pubkey, &interaction.Callback, response),
	)
	if err != nil {
		return err
	}
	sig, err := r.chain.SendTransaction(ctx, tx)
	if err != nil {
		return err
	}
	r.memory.Add(key, RoleUser, interaction.Text)
	r.memory.Add(key, RoleSystem, response)
	klog.Infof("answered interaction %s in %s", pubkey, sig)
	return nil
}

// Close waits for in-flight answers and stops the pool.
func (r *Responder) Close() {
	r.wg.Wait()
	r.pool.Release()
}
