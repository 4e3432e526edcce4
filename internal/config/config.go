package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "POOLSTREAM"

// Checkpoint and dead-letter backends.
const (
	BackendFile     = "file"
	BackendBadger   = "badger"
	BackendPostgres = "postgres"
	BackendJSONL    = "jsonl"
)

// Config holds configuration values loaded from flags, env, or config file.
type Config struct {
	Pools           []string
	ChainID         uint64
	RPCURL          string
	EventKinds      []string
	EventSignatures map[string]string
	SnapshotSwaps   bool
	StartBlock      uint64

	Confirmations uint64
	BlockRange    uint64
	IdleMin       time.Duration
	IdleMax       time.Duration
	RPCTimeout    time.Duration
	RPCMaxRetries int
	RPCBackoff    time.Duration
	RPCRate       float64
	RPCBurst      int

	BatchSize int
	BatchAge  time.Duration
	HighWater int

	NatsURL         string
	NatsStream      string
	Topic           string
	MaxPayload      int
	StreamMaxAge    time.Duration
	DuplicateWindow time.Duration

	DeliveryMaxRetries int
	DeliveryBackoff    time.Duration
	PublishTimeout     time.Duration
	OnExhausted        string
	DrainTimeout       time.Duration

	CheckpointBackend string
	CheckpointDir     string
	BadgerDir         string
	PostgresDSN       string
	DeadLetterBackend string
	DeadLetterPath    string

	MetricsAddr string
	LogLevel    string
}

// Load merges config file, environment variables, and flags into Config.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	setDefaults(v)
	if err := read(v, cfgFile, flags); err != nil {
		return Config{}, err
	}

	cfg := Config{
		Pools:           getStringSlice(v, "pools"),
		ChainID:         v.GetUint64("chain-id"),
		RPCURL:          v.GetString("rpc"),
		EventKinds:      getStringSlice(v, "event-kinds"),
		EventSignatures: getStringMap(v, "event-signatures"),
		SnapshotSwaps:   v.GetBool("snapshot-swaps"),
		StartBlock:      v.GetUint64("start-block"),

		Confirmations: v.GetUint64("confirmations"),
		BlockRange:    v.GetUint64("block-range"),
		IdleMin:       v.GetDuration("idle-min"),
		IdleMax:       v.GetDuration("idle-max"),
		RPCTimeout:    v.GetDuration("rpc-timeout"),
		RPCMaxRetries: v.GetInt("rpc-max-retries"),
		RPCBackoff:    v.GetDuration("rpc-backoff"),
		RPCRate:       v.GetFloat64("rpc-rate"),
		RPCBurst:      v.GetInt("rpc-burst"),

		BatchSize: v.GetInt("batch-size"),
		BatchAge:  v.GetDuration("batch-age"),
		HighWater: v.GetInt("high-water"),

		NatsURL:         v.GetString("nats-url"),
		NatsStream:      v.GetString("nats-stream"),
		Topic:           v.GetString("topic"),
		MaxPayload:      v.GetInt("max-payload"),
		StreamMaxAge:    v.GetDuration("stream-max-age"),
		DuplicateWindow: v.GetDuration("duplicate-window"),

		DeliveryMaxRetries: v.GetInt("delivery-max-retries"),
		DeliveryBackoff:    v.GetDuration("delivery-backoff"),
		PublishTimeout:     v.GetDuration("publish-timeout"),
		OnExhausted:        v.GetString("on-exhausted"),
		DrainTimeout:       v.GetDuration("drain-timeout"),

		CheckpointBackend: strings.ToLower(v.GetString("checkpoint-backend")),
		CheckpointDir:     v.GetString("checkpoint-dir"),
		BadgerDir:         v.GetString("badger-dir"),
		PostgresDSN:       v.GetString("pg-dsn"),
		DeadLetterBackend: strings.ToLower(v.GetString("dead-letter-backend")),
		DeadLetterPath:    v.GetString("dead-letter-path"),

		MetricsAddr: v.GetString("metrics-addr"),
		LogLevel:    v.GetString("log-level"),
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("event-kinds", []string{"mint", "burn", "swap", "collect", "flash", "initialize", "fee", "community-fee", "liquidity-cooldown", "incentive"})
	v.SetDefault("confirmations", uint64(3))
	v.SetDefault("block-range", uint64(1000))
	v.SetDefault("idle-min", time.Second)
	v.SetDefault("idle-max", 30*time.Second)
	v.SetDefault("rpc-timeout", 15*time.Second)
	v.SetDefault("rpc-max-retries", 5)
	v.SetDefault("rpc-backoff", 500*time.Millisecond)
	v.SetDefault("rpc-burst", 1)

	v.SetDefault("batch-size", 500)
	v.SetDefault("batch-age", 2*time.Second)
	v.SetDefault("high-water", 8)

	v.SetDefault("nats-url", "nats://127.0.0.1:4222")
	v.SetDefault("nats-stream", "POOLSTREAM")
	v.SetDefault("topic", "poolstream.events")
	v.SetDefault("max-payload", 1<<20)
	v.SetDefault("duplicate-window", 2*time.Minute)

	v.SetDefault("delivery-max-retries", 5)
	v.SetDefault("delivery-backoff", 200*time.Millisecond)
	v.SetDefault("publish-timeout", 10*time.Second)
	v.SetDefault("on-exhausted", "fail")
	v.SetDefault("drain-timeout", 30*time.Second)

	v.SetDefault("checkpoint-backend", BackendFile)
	v.SetDefault("checkpoint-dir", "./data/checkpoints")
	v.SetDefault("badger-dir", "./data/badger")
	v.SetDefault("dead-letter-backend", BackendJSONL)
	v.SetDefault("dead-letter-path", "./data/dead_letters.jsonl")

	v.SetDefault("metrics-addr", ":9102")
	v.SetDefault("log-level", "info")
}

func read(v *viper.Viper, cfgFile string, flags *pflag.FlagSet) error {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config: %w", err)
		}
		return nil
	}

	v.SetConfigName("poolstream")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("read config: %w", err)
		}
	}
	return nil
}

// Validate checks the settings the run command depends on.
func (c Config) Validate() error {
	if c.RPCURL == "" {
		return fmt.Errorf("rpc url is required")
	}
	pools, err := c.PoolAddresses()
	if err != nil {
		return err
	}
	if len(pools) == 0 {
		return fmt.Errorf("at least one pool is required")
	}
	if len(c.EventKinds) == 0 {
		return fmt.Errorf("event kinds are required")
	}
	if c.Topic == "" {
		return fmt.Errorf("topic is required")
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("batch size must be positive, got %d", c.BatchSize)
	}
	// A swap and its fee growth record must fit in one batch.
	if c.SnapshotSwaps && c.BatchSize < 2 {
		return fmt.Errorf("batch size must be at least 2 with snapshot-swaps, got %d", c.BatchSize)
	}
	if c.HighWater < 1 {
		return fmt.Errorf("high-water must be positive, got %d", c.HighWater)
	}
	if c.IdleMax < c.IdleMin {
		return fmt.Errorf("idle-max %s is below idle-min %s", c.IdleMax, c.IdleMin)
	}
	if c.RPCMaxRetries < 0 || c.DeliveryMaxRetries < 0 {
		return fmt.Errorf("retry budgets cannot be negative")
	}

	switch c.OnExhausted {
	case "fail", "dead-letter":
	default:
		return fmt.Errorf("on-exhausted must be fail or dead-letter, got %q", c.OnExhausted)
	}

	switch c.CheckpointBackend {
	case BackendFile:
		if c.CheckpointDir == "" {
			return fmt.Errorf("checkpoint dir is required for the file backend")
		}
	case BackendBadger:
	case BackendPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("pg-dsn is required for the postgres checkpoint backend")
		}
	default:
		return fmt.Errorf("unknown checkpoint backend %q", c.CheckpointBackend)
	}

	switch c.DeadLetterBackend {
	case BackendJSONL:
		if c.DeadLetterPath == "" {
			return fmt.Errorf("dead-letter path is required for the jsonl backend")
		}
	case BackendPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("pg-dsn is required for the postgres dead-letter backend")
		}
	default:
		return fmt.Errorf("unknown dead-letter backend %q", c.DeadLetterBackend)
	}
	return nil
}

// PoolAddresses parses the configured pools, dropping duplicates.
func (c Config) PoolAddresses() ([]common.Address, error) {
	addresses, err := ParseAddresses(c.Pools)
	if err != nil {
		return nil, err
	}
	seen := make(map[common.Address]struct{}, len(addresses))
	out := addresses[:0]
	for _, addr := range addresses {
		if _, ok := seen[addr]; ok {
			continue
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	return out, nil
}

// Subject is the JetStream subject batches of pool are published to.
func (c Config) Subject(pool common.Address) string {
	return c.Topic + "." + strings.ToLower(pool.Hex())
}
