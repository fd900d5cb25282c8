package llmoracle

import (
	"net/http"
	"time"

	"github.com/Overclock-Validator/ephemeral/cmd/ephemeral/cmdutil"
	"github.com/Overclock-Validator/ephemeral/pkg/metrics"
	oracle "github.com/Overclock-Validator/ephemeral/pkg/programs/llmoracle"
	"github.com/Overclock-Validator/ephemeral/pkg/relayer/blockhash"
	"github.com/Overclock-Validator/ephemeral/pkg/relayer/llm"
	"github.com/Overclock-Validator/ephemeral/pkg/rpcclient"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

var Cmd = cobra.Command{
	Use:   "llm-oracle",
	Short: "Answer LLM oracle interactions with a chat completion model",
	Run:   run,
}

var (
	flagRpcURL string
	flagModel  string
)

func init() {
	Cmd.Flags().StringVar(&flagRpcURL, "rpc-url", "", "RPC endpoint of the validator hosting the oracle")
	Cmd.Flags().StringVar(&flagModel, "model", "", "Chat completion model")
}

func run(c *cobra.Command, _ []string) {
	cfg, err := cmdutil.LoadConfig(c)
	if err != nil {
		klog.Exitf("%s", err)
	}
	if c.Flags().Changed("rpc-url") {
		cfg.Llm.RpcURL = flagRpcURL
	}
	if c.Flags().Changed("model") {
		cfg.Llm.Model = flagModel
	}
	if err = cmdutil.ApplyEnv(&cfg); err != nil {
		klog.Exitf("%s", err)
	}
	identity, err := cfg.Llm.IdentityKey()
	if err != nil {
		klog.Exitf("%s", err)
	}
	if cfg.Llm.OpenAIAPIKey == "" {
		klog.Warning("OPENAI_API_KEY is not set")
	}

	ctx := c.Context()
	reg := prometheus.NewRegistry()
	m := metrics.NewRelayerMetrics(reg)

	chain := rpcclient.NewRpcClient(cfg.Llm.RpcURL).WithCommitment(rpc.CommitmentConfirmed)
	blockhashes, err := blockhash.New(ctx, chain, m)
	if err != nil {
		klog.Exitf("%s", err)
	}

	openaiCfg := llm.DefaultOpenAIConfig(cfg.Llm.OpenAIAPIKey)
	openaiCfg.URL = cfg.Llm.OpenAIURL
	openaiCfg.Model = cfg.Llm.Model
	model := llm.NewOpenAI(openaiCfg, &http.Client{Timeout: 60 * time.Second})

	responder, err := llm.NewResponder(llm.ResponderConfig{
		Oracle:       oracle.DefaultConfig(),
		Identity:     identity,
		PollInterval: cfg.Llm.PollInterval,
		Workers:      cfg.Llm.Workers,
	}, chain, blockhashes, model, llm.NewMemory(llm.DefaultMaxHistory, llm.DefaultRetention), m)
	if err != nil {
		klog.Exitf("%s", err)
	}
	klog.Infof("answering interactions on %s as %s", cfg.Llm.RpcURL, identity.PublicKey())

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return blockhashes.Run(ctx) })
	group.Go(func() error { return responder.Run(ctx) })
	if cfg.MetricsAddr != "" {
		group.Go(func() error { return metrics.Serve(ctx, cfg.MetricsAddr, reg) })
	}
	if err = group.Wait(); err != nil {
		klog.Errorf("llm oracle: %s", err)
	}
}
