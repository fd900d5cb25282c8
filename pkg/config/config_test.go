package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lookupMap(env map[string]string) func(string) (string, bool) {
	return func(name string) (string, bool) {
		v, ok := env[name]
		return v, ok
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8765", cfg.PriceFeed.WsURL)
	assert.Equal(t, "https://devnet.magicblock.app/", cfg.PriceFeed.Cluster)
	assert.Equal(t, []string{"SOLUSD"}, cfg.PriceFeed.Feeds)
	assert.Equal(t, "http://localhost:8899", cfg.Llm.RpcURL)
	assert.Equal(t, DefaultLlmIdentity, cfg.Llm.Identity)
	assert.True(t, cfg.Validator.AutoCommit)
}

func TestLoad_YamlOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ephemeral.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
metrics_addr: ":9100"
validator:
  accounts_dir: /var/lib/ephemeral
  settle_interval: 250ms
pricefeed:
  ws_url: wss://api.jp.stork-oracle.network/evm/subscribe
  feeds: [BTCUSD, ETHUSD]
llm:
  poll_interval: 2s
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9100", cfg.MetricsAddr)
	assert.Equal(t, "/var/lib/ephemeral", cfg.Validator.AccountsDir)
	assert.Equal(t, 250*time.Millisecond, cfg.Validator.SettleInterval)
	assert.Equal(t, 50*time.Millisecond, cfg.Validator.SlotInterval)
	assert.Equal(t, []string{"BTCUSD", "ETHUSD"}, cfg.PriceFeed.Feeds)
	assert.Equal(t, 2*time.Second, cfg.Llm.PollInterval)
	assert.Equal(t, "https://devnet.magicblock.app/", cfg.PriceFeed.Cluster)
}

func TestLoad_BadFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pricefeed: [unterminated"), 0o644))
	_, err = Load(path)
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	cfg.PriceFeed.WsURL = "ws://from-flag:1234"

	err := cfg.ApplyEnv(lookupMap(map[string]string{
		EnvOracleAuthHeader:     "Basic abc",
		EnvOraclePriceFeeds:     " SOLUSD, BTCUSD ,,",
		EnvRpcURL:               "http://rpc:8899",
		EnvOracleMaxTxPerSecond: "50",
	}))
	require.NoError(t, err)
	assert.Equal(t, "ws://from-flag:1234", cfg.PriceFeed.WsURL)
	assert.Equal(t, "Basic abc", cfg.PriceFeed.AuthHeader)
	assert.Equal(t, []string{"SOLUSD", "BTCUSD"}, cfg.PriceFeed.Feeds)
	assert.Equal(t, "http://rpc:8899", cfg.Llm.RpcURL)
	assert.Equal(t, 50, cfg.PriceFeed.MaxTxPerSecond)

	err = cfg.ApplyEnv(lookupMap(map[string]string{EnvOracleWsURL: "ws://env:1"}))
	require.NoError(t, err)
	assert.Equal(t, "ws://env:1", cfg.PriceFeed.WsURL)

	err = cfg.ApplyEnv(lookupMap(map[string]string{EnvOracleMaxTxPerSecond: "fast"}))
	assert.Error(t, err)
}

func TestPriceFeedConfig_Validate(t *testing.T) {
	cfg := Default().PriceFeed
	assert.ErrorIs(t, cfg.Validate(), ErrMissingAuthHeader)
	cfg.AuthHeader = "Basic abc"
	assert.NoError(t, cfg.Validate())
	cfg.Feeds = nil
	assert.Error(t, cfg.Validate())
}

func TestKeys(t *testing.T) {
	cfg := Default().PriceFeed
	payer, err := cfg.Payer()
	require.NoError(t, err)
	assert.Len(t, payer, 64)

	wallet := solana.NewWallet()
	cfg.PrivateKey = wallet.PrivateKey.String()
	payer, err = cfg.Payer()
	require.NoError(t, err)
	assert.Equal(t, wallet.PublicKey(), payer.PublicKey())

	cfg.PrivateKey = "0OIl"
	_, err = cfg.Payer()
	assert.Error(t, err)

	llm := LlmConfig{Identity: wallet.PublicKey().String()}
	_, err = llm.IdentityKey()
	assert.Error(t, err)
}
