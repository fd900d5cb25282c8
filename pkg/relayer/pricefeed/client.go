package pricefeed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Overclock-Validator/ephemeral/pkg/metrics"
	"github.com/Overclock-Validator/ephemeral/pkg/programs/pricefeed"
	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"k8s.io/klog/v2"
)

const ReconnectDelay = 5 * time.Second

// Handler receives the updates parsed from one frame.
type Handler func(ctx context.Context, updates []pricefeed.UpdateData)

type ClientConfig struct {
	URL        string
	AuthHeader string
	Feeds      []string

	ReconnectDelay time.Duration
}

// Client holds one subscription to a price websocket and reconnects
// whenever the stream ends.
type Client struct {
	cfg      ClientConfig
	provider Provider
	handler  Handler
	dialer   *websocket.Dialer
	metrics  *metrics.RelayerMetrics
}

func NewClient(cfg ClientConfig, provider Provider, handler Handler, m *metrics.RelayerMetrics) *Client {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = ReconnectDelay
	}
	if m == nil {
		m = metrics.NewRelayerMetrics(nil)
	}
	dialer := *websocket.DefaultDialer
	dialer.EnableCompression = true
	return &Client{cfg: cfg, provider: provider, handler: handler, dialer: &dialer, metrics: m}
}

// Run streams until ctx is done. Errors never end the loop.
func (c *Client) Run(ctx context.Context) error {
	policy := backoff.WithContext(backoff.NewConstantBackOff(c.cfg.ReconnectDelay), ctx)
	err := backoff.RetryNotify(func() error {
		err := c.stream(ctx)
		if err == nil {
			err = errors.New("stream closed")
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		c.metrics.Reconnects.Inc()
		klog.Warningf("%s stream: %s; reconnecting in %s", c.provider.Name(), err, wait)
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (c *Client) stream(ctx context.Context) error {
	header := http.Header{}
	header.Set("AUTHORIZATION", c.cfg.AuthHeader)
	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	subscription, err := c.provider.SubscriptionMessage(ctx, c.cfg.Feeds)
	if err != nil {
		return fmt.Errorf("building subscription: %w", err)
	}
	if err = conn.WriteMessage(websocket.TextMessage, subscription); err != nil {
		return fmt.Errorf("subscribing: %w", err)
	}
	klog.Infof("subscribed to %d %s feeds at %s", len(c.cfg.Feeds), c.provider.Name(), c.cfg.URL)

	for {
		kind, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read: %w", err)
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		updates, err := c.provider.ParseUpdate(message)
		if err != nil {
			klog.V(2).Infof("skipping %s frame: %s", c.provider.Name(), err)
			continue
		}
		c.handler(ctx, updates)
	}
}
