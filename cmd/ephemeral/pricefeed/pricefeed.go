package pricefeed

import (
	"net/http"
	"time"

	"github.com/Overclock-Validator/ephemeral/cmd/ephemeral/cmdutil"
	"github.com/Overclock-Validator/ephemeral/pkg/config"
	"github.com/Overclock-Validator/ephemeral/pkg/metrics"
	oracle "github.com/Overclock-Validator/ephemeral/pkg/programs/pricefeed"
	"github.com/Overclock-Validator/ephemeral/pkg/relayer/blockhash"
	relayer "github.com/Overclock-Validator/ephemeral/pkg/relayer/pricefeed"
	"github.com/Overclock-Validator/ephemeral/pkg/rpcclient"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

var Cmd = cobra.Command{
	Use:   "pricefeed",
	Short: "Relay Stork or Pyth Lazer prices into the price feed oracle",
	Run:   run,
}

var (
	flagWsURL      string
	flagAuthHeader string
	flagCluster    string
	flagFeeds      string
	flagPrivateKey string
)

func init() {
	Cmd.Flags().StringVarP(&flagWsURL, "ws-url", "w", "", "Provider websocket URL (selects Stork or Pyth Lazer)")
	Cmd.Flags().StringVarP(&flagAuthHeader, "auth-header", "a", "", "Authorization header sent to the provider")
	Cmd.Flags().StringVarP(&flagCluster, "cluster", "c", "", "RPC endpoint the updates are sent to")
	Cmd.Flags().StringVarP(&flagFeeds, "feeds", "f", "", "Comma separated list of feeds to subscribe to")
	Cmd.Flags().StringVarP(&flagPrivateKey, "private-key", "k", "", "Base58 keypair paying for the updates")
}

func applyFlags(c *cobra.Command, cfg *config.PriceFeedConfig) {
	strs := map[string]struct{ dst, src *string }{
		"ws-url":      {&cfg.WsURL, &flagWsURL},
		"auth-header": {&cfg.AuthHeader, &flagAuthHeader},
		"cluster":     {&cfg.Cluster, &flagCluster},
		"private-key": {&cfg.PrivateKey, &flagPrivateKey},
	}
	for name, f := range strs {
		if c.Flags().Changed(name) {
			*f.dst = *f.src
		}
	}
	if c.Flags().Changed("feeds") {
		cfg.Feeds = config.SplitList(flagFeeds)
	}
}

func run(c *cobra.Command, _ []string) {
	cfg, err := cmdutil.LoadConfig(c)
	if err != nil {
		klog.Exitf("%s", err)
	}
	applyFlags(c, &cfg.PriceFeed)
	if err = cmdutil.ApplyEnv(&cfg); err != nil {
		klog.Exitf("%s", err)
	}
	if err = cfg.PriceFeed.Validate(); err != nil {
		klog.Exitf("%s", err)
	}
	payer, err := cfg.PriceFeed.Payer()
	if err != nil {
		klog.Exitf("%s", err)
	}

	ctx := c.Context()
	reg := prometheus.NewRegistry()
	m := metrics.NewRelayerMetrics(reg)

	rpc := rpcclient.NewRpcClient(cfg.PriceFeed.Cluster)
	blockhashes, err := blockhash.New(ctx, rpc, m)
	if err != nil {
		klog.Exitf("%s", err)
	}

	httpClient := &http.Client{Timeout: 10 * time.Second}
	provider := relayer.SelectProvider(cfg.PriceFeed.WsURL, httpClient)
	if _, pyth := provider.(*relayer.PythLazer); pyth && cfg.PriceFeed.SymbolsURL != "" {
		provider = relayer.NewPythLazer(cfg.PriceFeed.SymbolsURL, httpClient)
	}
	klog.Infof("relaying %v from %s (%s) as %s", cfg.PriceFeed.Feeds, cfg.PriceFeed.WsURL, provider.Name(), payer.PublicKey())

	pusher := relayer.NewPusher(relayer.PusherConfig{
		Oracle:         oracle.DefaultConfig(),
		Provider:       provider.Name(),
		Payer:          payer,
		Workers:        cfg.PriceFeed.Workers,
		MaxTxPerSecond: cfg.PriceFeed.MaxTxPerSecond,
	}, rpc, blockhashes, m)
	defer pusher.Close()

	client := relayer.NewClient(relayer.ClientConfig{
		URL:        cfg.PriceFeed.WsURL,
		AuthHeader: cfg.PriceFeed.AuthHeader,
		Feeds:      cfg.PriceFeed.Feeds,
	}, provider, pusher.Push, m)

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return blockhashes.Run(ctx) })
	group.Go(func() error { return client.Run(ctx) })
	if cfg.MetricsAddr != "" {
		group.Go(func() error { return metrics.Serve(ctx, cfg.MetricsAddr, reg) })
	}
	if err = group.Wait(); err != nil {
		klog.Errorf("price feed relayer: %s", err)
	}
}
