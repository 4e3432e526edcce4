package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"poolstream/internal/model"
)

const (
	poolA = "0xAE81FAc689A1b4b1e06e7ef4a2ab4CD8aC0A087D"
	poolB = "0x5b41EEDCfC8e0AE47493d4945Aa1AE4fe05430ff"
)

func validConfig() Config {
	return Config{
		Pools:              []string{poolA},
		RPCURL:             "http://localhost:8545",
		EventKinds:         []string{"swap"},
		Topic:              "poolstream.events",
		BatchSize:          10,
		HighWater:          2,
		IdleMin:            time.Second,
		IdleMax:            time.Minute,
		OnExhausted:        "fail",
		CheckpointBackend:  BackendFile,
		CheckpointDir:      "./data",
		DeadLetterBackend:  BackendJSONL,
		DeadLetterPath:     "./dl.jsonl",
		RPCMaxRetries:      1,
		DeliveryMaxRetries: 1,
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, 500, cfg.BatchSize)
	assert.Equal(t, 2*time.Second, cfg.BatchAge)
	assert.Equal(t, 8, cfg.HighWater)
	assert.Equal(t, "fail", cfg.OnExhausted)
	assert.Equal(t, BackendFile, cfg.CheckpointBackend)
	assert.Equal(t, time.Second, cfg.IdleMin)
	assert.Equal(t, 30*time.Second, cfg.IdleMax)
	assert.Len(t, cfg.EventKinds, len(model.LogKinds))
	assert.Empty(t, cfg.EventSignatures)
}

func TestLoadFlagsOverrideEnv(t *testing.T) {
	t.Setenv("POOLSTREAM_RPC", "http://env:8545")
	t.Setenv("POOLSTREAM_BATCH_SIZE", "42")
	t.Setenv("POOLSTREAM_POOLS", poolA+", "+poolB)

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("rpc", "", "")
	flags.Int("batch-size", 500, "")
	flags.String("on-exhausted", "fail", "")
	require.NoError(t, flags.Parse([]string{"--rpc=http://flag:8545", "--on-exhausted=dead-letter"}))

	cfg, err := Load("", flags)
	require.NoError(t, err)

	assert.Equal(t, "http://flag:8545", cfg.RPCURL)
	assert.Equal(t, 42, cfg.BatchSize)
	assert.Equal(t, "dead-letter", cfg.OnExhausted)
	assert.Equal(t, []string{poolA, poolB}, cfg.Pools)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "poolstream.yaml")
	content := `
rpc: http://file:8545
chain-id: 137
pools:
  - ` + poolA + `
event-kinds: [swap, fee-change]
event-signatures:
  "0x01": swap
snapshot-swaps: true
checkpoint-backend: BADGER
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, uint64(137), cfg.ChainID)
	assert.Equal(t, []string{poolA}, cfg.Pools)
	assert.Equal(t, []string{"swap", "fee-change"}, cfg.EventKinds)
	assert.Equal(t, map[string]string{"0x01": "swap"}, cfg.EventSignatures)
	assert.True(t, cfg.SnapshotSwaps)
	assert.Equal(t, BackendBadger, cfg.CheckpointBackend)
}

func TestLoadMissingConfigFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	require.NoError(t, validConfig().Validate())

	cases := map[string]func(*Config){
		"missing rpc":              func(c *Config) { c.RPCURL = "" },
		"no pools":                 func(c *Config) { c.Pools = nil },
		"bad pool":                 func(c *Config) { c.Pools = []string{"0x123"} },
		"zero batch":               func(c *Config) { c.BatchSize = 0 },
		"snapshot with batch of 1": func(c *Config) { c.BatchSize = 1; c.SnapshotSwaps = true },
		"zero high-water":          func(c *Config) { c.HighWater = 0 },
		"idle inverted":            func(c *Config) { c.IdleMax = time.Millisecond },
		"unknown policy":           func(c *Config) { c.OnExhausted = "ignore" },
		"unknown checkpoint":       func(c *Config) { c.CheckpointBackend = "etcd" },
		"postgres without dsn":     func(c *Config) { c.CheckpointBackend = BackendPostgres },
		"unknown dead-letter":      func(c *Config) { c.DeadLetterBackend = "s3" },
		"negative retries":         func(c *Config) { c.DeliveryMaxRetries = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := validConfig()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestPoolAddressesDeduplicates(t *testing.T) {
	cfg := validConfig()
	cfg.Pools = []string{poolA, "0xae81fac689a1b4b1e06e7ef4a2ab4cd8ac0a087d", poolB}

	pools, err := cfg.PoolAddresses()
	require.NoError(t, err)
	assert.Equal(t, []common.Address{common.HexToAddress(poolA), common.HexToAddress(poolB)}, pools)
	assert.Equal(t, "poolstream.events.0xae81fac689a1b4b1e06e7ef4a2ab4cd8ac0a087d", cfg.Subject(pools[0]))
}

func TestParseEventKinds(t *testing.T) {
	kinds, err := ParseEventKinds([]string{"Swap", "fee-change", "swap"})
	require.NoError(t, err)
	assert.Equal(t, []model.EventKind{model.KindSwap, model.KindFee}, kinds)

	_, err = ParseEventKinds([]string{"fee-growth"})
	require.Error(t, err)
	_, err = ParseEventKinds([]string{"transfer"})
	require.Error(t, err)
}

func TestParseStringMap(t *testing.T) {
	got := parseStringMap("0xaa=swap, 0xbb = mint,broken,=x")
	assert.Equal(t, map[string]string{"0xaa": "swap", "0xbb": "mint"}, got)
}
