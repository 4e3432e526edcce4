package config

import (
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// NormalizeConfig holds configuration for the offline normalize command.
type NormalizeConfig struct {
	RPCURL          string
	ChainID         uint64
	Pool            string
	In              string
	Out             string
	Errors          string
	LogLevel        string
	EventSignatures map[string]string
}

// LoadNormalize merges config file, environment variables, and flags into NormalizeConfig.
func LoadNormalize(cfgFile string, flags *pflag.FlagSet) (NormalizeConfig, error) {
	v := viper.New()
	v.SetDefault("out", "./data/canonical.jsonl")
	v.SetDefault("errors", "./data/normalize_errors.jsonl")
	v.SetDefault("log-level", "info")

	if err := read(v, cfgFile, flags); err != nil {
		return NormalizeConfig{}, err
	}

	cfg := NormalizeConfig{
		RPCURL:          v.GetString("rpc"),
		ChainID:         v.GetUint64("chain-id"),
		Pool:            v.GetString("pool"),
		In:              v.GetString("in"),
		Out:             v.GetString("out"),
		Errors:          v.GetString("errors"),
		LogLevel:        v.GetString("log-level"),
		EventSignatures: getStringMap(v, "event-signatures"),
	}

	return cfg, nil
}
