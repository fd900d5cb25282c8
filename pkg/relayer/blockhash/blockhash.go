// Package blockhash keeps a recent blockhash for relayers that sign many
// transactions per second. The value is refreshed in the background once it
// has been handed out MaxReads times or is older than MaxAge.
package blockhash

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Overclock-Validator/ephemeral/pkg/metrics"
	"github.com/gagliardetto/solana-go"
	"k8s.io/klog/v2"
)

const (
	RefreshInterval = 100 * time.Millisecond
	MaxReads        = 10
	MaxAge          = 60 * time.Second
)

type Fetcher interface {
	GetLatestBlockhash(ctx context.Context) (solana.Hash, error)
}

type Cache struct {
	mu        sync.RWMutex
	blockhash solana.Hash
	fetchedAt time.Time
	reads     atomic.Int64

	fetcher Fetcher
	metrics *metrics.RelayerMetrics
	now     func() time.Time
}

// New fetches the initial blockhash. Call Run to keep it fresh.
func New(ctx context.Context, fetcher Fetcher, m *metrics.RelayerMetrics) (*Cache, error) {
	if m == nil {
		m = metrics.NewRelayerMetrics(nil)
	}
	c := &Cache{fetcher: fetcher, metrics: m, now: time.Now}
	if err := c.Refresh(ctx); err != nil {
		return nil, fmt.Errorf("initial blockhash: %w", err)
	}
	return c, nil
}

// Get returns the cached blockhash and counts the read. Readers share the
// lock with each other.
func (c *Cache) Get() solana.Hash {
	c.mu.RLock()
	defer c.mu.RUnlock()
	c.reads.Add(1)
	c.metrics.BlockhashHits.Inc()
	return c.blockhash
}

func (c *Cache) stale() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reads.Load() >= MaxReads || c.now().Sub(c.fetchedAt) > MaxAge
}

func (c *Cache) Refresh(ctx context.Context) error {
	hash, err := c.fetcher.GetLatestBlockhash(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.fetchedAt.IsZero() {
		c.metrics.BlockhashAge.Set(c.now().Sub(c.fetchedAt).Seconds())
	}
	c.blockhash = hash
	c.fetchedAt = c.now()
	c.reads.Store(0)
	return nil
}

// Run refreshes a stale blockhash every RefreshInterval until ctx is done.
// Fetch failures keep the previous value.
func (c *Cache) Run(ctx context.Context) error {
	ticker := time.NewTicker(RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !c.stale() {
				continue
			}
			if err := c.Refresh(ctx); err != nil && ctx.Err() == nil {
				klog.Warningf("blockhash refresh failed: %s", err)
			}
		}
	}
}
