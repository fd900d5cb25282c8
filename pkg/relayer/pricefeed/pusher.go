package pricefeed

import (
	"context"
	"sync"
	"time"

	"github.com/Overclock-Validator/ephemeral/pkg/metrics"
	"github.com/Overclock-Validator/ephemeral/pkg/programs/pricefeed"
	"github.com/Overclock-Validator/ephemeral/pkg/rpcclient"
	"github.com/Overclock-Validator/ephemeral/pkg/sealevel"
	"github.com/VividCortex/ewma"
	"github.com/alitto/pond"
	"github.com/gagliardetto/solana-go"
	"github.com/samber/lo"
	"go.uber.org/ratelimit"
	"k8s.io/klog/v2"
)

type Sender interface {
	SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
}

type BlockhashSource interface {
	Get() solana.Hash
}

type PusherConfig struct {
	Oracle   pricefeed.Config
	Provider string
	Payer    solana.PrivateKey

	// Workers bounds the number of transactions in flight.
	Workers int
	// MaxTxPerSecond throttles submission; zero means unlimited.
	MaxTxPerSecond int
}

// Pusher signs one transaction per feed frame and submits it without
// waiting for the result.
type Pusher struct {
	cfg         PusherConfig
	sender      Sender
	blockhashes BlockhashSource
	metrics     *metrics.RelayerMetrics

	pool    *pond.WorkerPool
	limiter ratelimit.Limiter

	mu      sync.Mutex
	latency ewma.MovingAverage
}

func NewPusher(cfg PusherConfig, sender Sender, blockhashes BlockhashSource, m *metrics.RelayerMetrics) *Pusher {
	if cfg.Workers <= 0 {
		cfg.Workers = 16
	}
	if m == nil {
		m = metrics.NewRelayerMetrics(nil)
	}
	limiter := ratelimit.NewUnlimited()
	if cfg.MaxTxPerSecond > 0 {
		limiter = ratelimit.New(cfg.MaxTxPerSecond)
	}
	return &Pusher{
		cfg:         cfg,
		sender:      sender,
		blockhashes: blockhashes,
		metrics:     m,
		pool:        pond.New(cfg.Workers, 1024),
		limiter:     limiter,
		latency:     ewma.NewMovingAverage(),
	}
}

// Instructions maps updates to update_price_feed instructions of the
// configured provider.
func (p *Pusher) Instructions(updates []pricefeed.UpdateData) []sealevel.Instruction {
	return lo.Map(updates, func(update pricefeed.UpdateData, _ int) sealevel.Instruction {
		return pricefeed.NewUpdatePriceFeedInstruction(p.cfg.Oracle, p.cfg.Payer.PublicKey(), p.cfg.Provider, &update)
	})
}

// Push queues a single transaction carrying every update. Empty frames are
// ignored.
func (p *Pusher) Push(ctx context.Context, updates []pricefeed.UpdateData) {
	if len(updates) == 0 {
		return
	}
	ixs := p.Instructions(updates)
	p.pool.Submit(func() {
		p.limiter.Take()
		p.send(ctx, ixs, len(updates))
	})
}

func (p *Pusher) send(ctx context.Context, ixs []sealevel.Instruction, n int) {
	tx, err := rpcclient.NewSignedTransaction(p.cfg.Payer, p.blockhashes.Get(), ixs...)
	if err != nil {
		klog.Errorf("building price update transaction: %s", err)
		p.metrics.Updates.WithLabelValues(p.cfg.Provider, "error").Add(float64(n))
		return
	}

	start := time.Now()
	sig, err := p.sender.SendTransaction(ctx, tx)
	if err != nil {
		if ctx.Err() == nil {
			klog.Warningf("sending price update: %s", err)
		}
		p.metrics.Updates.WithLabelValues(p.cfg.Provider, "error").Add(float64(n))
		return
	}
	p.observe(time.Since(start))
	p.metrics.Updates.WithLabelValues(p.cfg.Provider, "ok").Add(float64(n))
	klog.V(2).Infof("pushed %d %s price updates in %s", n, p.cfg.Provider, sig)
}

func (p *Pusher) observe(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.latency.Add(d.Seconds())
	p.metrics.PushLatency.Set(p.latency.Value())
}

// Close waits for queued transactions to be sent.
func (p *Pusher) Close() {
	p.pool.StopAndWait()
}
