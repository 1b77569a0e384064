// Package config loads chainsync settings from a file, CHAINSYNC_*
// environment variables and built-in defaults, and validates them against
// an embedded CUE schema before anything is opened or dialled.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides: chain.rpc_url is read from
// CHAINSYNC_CHAIN_RPC_URL.
const EnvPrefix = "chainsync"

// Chain gateway types.
const (
	ChainMemory = "memory"
	ChainEVM    = "evm"
)

type Config struct {
	Ledger LedgerConfig `mapstructure:"ledger" json:"ledger"`
	Chain  ChainConfig  `mapstructure:"chain" json:"chain"`
	Loop   LoopConfig   `mapstructure:"loop" json:"loop"`
	State  StateConfig  `mapstructure:"state" json:"state"`
	Log    LogConfig    `mapstructure:"log" json:"log"`
}

type LedgerConfig struct {
	Path string `mapstructure:"path" json:"path"`
}

// ChainConfig selects and configures the chain gateway.
// Snapshot applies to the memory chain; the rest to the EVM chain.
type ChainConfig struct {
	Type     string `mapstructure:"type" json:"type"`
	Snapshot string `mapstructure:"snapshot" json:"snapshot"`

	RPCURL         string        `mapstructure:"rpc_url" json:"rpc_url"`
	Contract       string        `mapstructure:"contract" json:"contract"`
	PrivateKey     string        `mapstructure:"private_key" json:"private_key"`
	ChainID        int64         `mapstructure:"chain_id" json:"chain_id"`
	GasLimit       uint64        `mapstructure:"gas_limit" json:"gas_limit"`
	ConfirmTimeout time.Duration `mapstructure:"confirm_timeout" json:"confirm_timeout"`
	StaleMarkers   []string      `mapstructure:"stale_markers" json:"stale_markers,omitempty"`

	// RatePerSecond caps gateway calls; 0 means unlimited.
	RatePerSecond float64 `mapstructure:"rate_per_second" json:"rate_per_second"`
	Burst         int     `mapstructure:"burst" json:"burst"`

	// Namespaces are created on chain at startup if missing.
	Namespaces []string `mapstructure:"namespaces" json:"namespaces,omitempty"`
}

type LoopConfig struct {
	Interval     time.Duration `mapstructure:"interval" json:"interval"`
	Lease        time.Duration `mapstructure:"lease" json:"lease"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" json:"write_timeout"`
	BatchSize    int           `mapstructure:"batch_size" json:"batch_size"`
}

// StateConfig names the space CLI get/put operate on.
type StateConfig struct {
	Namespace string        `mapstructure:"namespace" json:"namespace"`
	Owner     string        `mapstructure:"owner" json:"owner"`
	MissTTL   time.Duration `mapstructure:"miss_ttl" json:"miss_ttl"`
}

type LogConfig struct {
	Level string `mapstructure:"level" json:"level"`
}

// SlogLevel maps Level onto slog. Unknown levels map to info.
func (c LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(c.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Load reads the file at path (optional) and applies environment overrides
// and defaults. The result is validated.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, &Error{Source: path, Issues: []string{err.Error()}}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, &Error{Source: path, Issues: []string{fmt.Sprintf("unmarshal config: %v", err)}}
	}
	if err := cfg.Validate(); err != nil {
		if ce, ok := err.(*Error); ok {
			ce.Source = path
		}
		return Config{}, err
	}
	return cfg, nil
}

// Default returns the configuration Load produces with no file and no
// environment overrides.
func Default() Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	// Defaults always decode
	_ = v.Unmarshal(&cfg)
	return cfg
}

// setDefaults registers every key, which also makes every key reachable
// through AutomaticEnv.
func setDefaults(v *viper.Viper) {
	v.SetDefault("ledger.path", "chainsync.db")

	v.SetDefault("chain.type", ChainMemory)
	v.SetDefault("chain.snapshot", "chainsync-chain.cbor")
	v.SetDefault("chain.rpc_url", "")
	v.SetDefault("chain.contract", "")
	v.SetDefault("chain.private_key", "")
	v.SetDefault("chain.chain_id", 0)
	v.SetDefault("chain.gas_limit", 0)
	v.SetDefault("chain.confirm_timeout", "2m")
	v.SetDefault("chain.rate_per_second", 0)
	v.SetDefault("chain.burst", 1)

	v.SetDefault("loop.interval", "2m")
	v.SetDefault("loop.lease", "15m")
	v.SetDefault("loop.write_timeout", "5m")
	v.SetDefault("loop.batch_size", 20)

	v.SetDefault("state.namespace", "default")
	v.SetDefault("state.owner", "local")
	v.SetDefault("state.miss_ttl", "30s")

	v.SetDefault("log.level", "info")
}
