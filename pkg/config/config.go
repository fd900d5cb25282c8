// Package config loads the settings of the validator and the relayers from a
// YAML file, a .env file and the environment. Environment variables win over
// everything else, flags set by the caller win over the file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	EnvOracleWsURL      = "ORACLE_WS_URL"
	EnvOracleAuthHeader = "ORACLE_AUTH_HEADER"
	EnvSolanaCluster    = "SOLANA_CLUSTER"
	EnvOraclePriceFeeds = "ORACLE_PRICE_FEEDS"
	EnvOraclePrivateKey = "ORACLE_PRIVATE_KEY"

	EnvIdentity     = "IDENTITY"
	EnvRpcURL       = "RPC_URL"
	EnvOpenAIAPIKey = "OPENAI_API_KEY"

	EnvOracleMaxTxPerSecond = "ORACLE_MAX_TX_PER_SECOND"
	EnvMetricsAddr          = "METRICS_ADDR"
)

// DefaultLlmIdentity is the well-known development responder keypair.
const DefaultLlmIdentity = "62LxqpAW6SWhp7iKBjCQneapn1w6btAhW7xHeREWSpPzw3xZbHCfAFesSR4R76ejQXCLWrndn37cKCCLFvx6Swps"

var ErrMissingAuthHeader = errors.New("ORACLE_AUTH_HEADER is required")

type Config struct {
	MetricsAddr string          `yaml:"metrics_addr"`
	Validator   ValidatorConfig `yaml:"validator"`
	PriceFeed   PriceFeedConfig `yaml:"pricefeed"`
	Llm         LlmConfig       `yaml:"llm"`
}

type ValidatorConfig struct {
	// AccountsDir selects the pebble backend for the base bank when set.
	AccountsDir          string        `yaml:"accounts_dir"`
	LamportsPerSignature uint64        `yaml:"lamports_per_signature"`
	SlotInterval         time.Duration `yaml:"slot_interval"`
	SettleInterval       time.Duration `yaml:"settle_interval"`
	AutoCommit           bool          `yaml:"auto_commit"`
}

type PriceFeedConfig struct {
	WsURL          string   `yaml:"ws_url"`
	AuthHeader     string   `yaml:"auth_header"`
	Cluster        string   `yaml:"cluster"`
	Feeds          []string `yaml:"feeds"`
	PrivateKey     string   `yaml:"private_key"`
	SymbolsURL     string   `yaml:"symbols_url"`
	Workers        int      `yaml:"workers"`
	MaxTxPerSecond int      `yaml:"max_tx_per_second"`
}

type LlmConfig struct {
	Identity     string        `yaml:"identity"`
	RpcURL       string        `yaml:"rpc_url"`
	OpenAIAPIKey string        `yaml:"openai_api_key"`
	OpenAIURL    string        `yaml:"openai_url"`
	Model        string        `yaml:"model"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Workers      int           `yaml:"workers"`
}

func Default() Config {
	return Config{
		Validator: ValidatorConfig{
			SlotInterval:   50 * time.Millisecond,
			SettleInterval: 100 * time.Millisecond,
			AutoCommit:     true,
		},
		PriceFeed: PriceFeedConfig{
			WsURL:   "ws://localhost:8765",
			Cluster: "https://devnet.magicblock.app/",
			Feeds:   []string{"SOLUSD"},
			Workers: 16,
		},
		Llm: LlmConfig{
			Identity:     DefaultLlmIdentity,
			RpcURL:       "http://localhost:8899",
				OpenAIURL:    "https://api.openai.com/v1/chat/completions",
			Model:        "gpt-4o",
			PollInterval: 500 * time.Millisecond,
			Workers:      8,
		},
	}
}

// Load reads the .env file if present, then the YAML file at path over the
// defaults. Call ApplyEnv after applying flags.
func Load(path string) (Config, error) {
	cfg := Default()
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return cfg, fmt.Errorf("loading .env: %w", err)
	}
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	if err = yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// SplitList splits a comma separated list, trimming blanks.
func SplitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// ApplyEnv overrides cfg with the variables lookup reports as set.
func (cfg *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		EnvOracleWsURL:      &cfg.PriceFeed.WsURL,
		EnvOracleAuthHeader: &cfg.PriceFeed.AuthHeader,
		EnvSolanaCluster:    &cfg.PriceFeed.Cluster,
		EnvOraclePrivateKey: &cfg.PriceFeed.PrivateKey,
		EnvIdentity:         &cfg.Llm.Identity,
		EnvRpcURL:           &cfg.Llm.RpcURL,
		EnvOpenAIAPIKey:     &cfg.Llm.OpenAIAPIKey,
		EnvMetricsAddr:      &cfg.MetricsAddr,
	}
	for name, field := range strs {
		if v, ok := lookup(name); ok {
			*field = v
		}
	}
	if v, ok := lookup(EnvOraclePriceFeeds); ok {
		cfg.PriceFeed.Feeds = SplitList(v)
	}
	if v, ok := lookup(EnvOracleMaxTxPerSecond); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvOracleMaxTxPerSecond, err)
		}
		cfg.PriceFeed.MaxTxPerSecond = n
	}
	return nil
}

// Validate checks the price feed relayer settings.
func (cfg *PriceFeedConfig) Validate() error {
	if cfg.AuthHeader == "" {
		return ErrMissingAuthHeader
	}
	if len(cfg.Feeds) == 0 {
		return errors.New("no price feeds configured")
	}
	return nil
}

// Payer decodes the relayer key, generating a fresh one when unset.
func (cfg *PriceFeedConfig) Payer() (solana.PrivateKey, error) {
	if cfg.PrivateKey == "" {
		return solana.NewWallet().PrivateKey, nil
	}
	return parseKey(EnvOraclePrivateKey, cfg.PrivateKey)
}

func (cfg *LlmConfig) IdentityKey() (solana.PrivateKey, error) {
	return parseKey(EnvIdentity, cfg.Identity)
}

func parseKey(name, s string) (solana.PrivateKey, error) {
	key, err := solana.PrivateKeyFromBase58(s)
	if err != nil {
		return nil, fmt.Errorf("%s is not a base58 keypair: %w", name, err)
	}
	if len(key) != 64 {
		return nil, fmt.Errorf("%s must be a 64 byte keypair, got %d bytes", name, len(key))
	}
	return key, nil
}
