package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"affiliateScope/internal/dex"
	"affiliateScope/internal/model"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	PricesNone   = "none"
	PricesStatic = "static"
	PricesLlama  = "llama"

	defaultChunkSize = 500
	maxFeeBps        = 10000
)

// Config holds configuration values loaded from flags, env, or config file.
type Config struct {
	LogLevel     string
	HTTPAddr     string
	MaxWorkers   int
	RPCTimeout   time.Duration
	MalformedOut string
	Store        StoreConfig
	Retry        RetryConfig
	Prices       PriceConfig
	Chains       []model.ChainConfig
}

type StoreConfig struct {
	Driver string
	DSN    string
}

// RetryConfig is the chain call backoff schedule.
type RetryConfig struct {
	TransientRetries int
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	RateLimitWaits   []time.Duration
}

type PriceConfig struct {
	Source   string
	Static   map[string]float64
	LlamaURL string
	Timeout  time.Duration
}

type chainFile struct {
	ID            string         `mapstructure:"id"`
	Name          string         `mapstructure:"name"`
	ChainID       uint64         `mapstructure:"chain-id"`
	RPC           string         `mapstructure:"rpc"`
	BlockTime     time.Duration  `mapstructure:"block-time"`
	StartBlock    uint64         `mapstructure:"start-block"`
	ChunkSize     uint64         `mapstructure:"chunk-size"`
	Confirmations uint64         `mapstructure:"confirmations"`
	NativeSymbol  string         `mapstructure:"native-symbol"`
	PriceKey      string         `mapstructure:"price-key"`
	Contracts     []contractFile `mapstructure:"contracts"`
}

type contractFile struct {
	Address    string      `mapstructure:"address"`
	Name       string      `mapstructure:"name"`
	Kind       string      `mapstructure:"kind"`
	Affiliates []string    `mapstructure:"affiliates"`
	FeeBps     uint64      `mapstructure:"fee-bps"`
	StartBlock uint64      `mapstructure:"start-block"`
	Events     []eventFile `mapstructure:"events"`
}

type eventFile struct {
	Signature      string `mapstructure:"signature"`
	AffiliateField string `mapstructure:"affiliate-field"`
	TokenField     string `mapstructure:"token-field"`
	AmountField    string `mapstructure:"amount-field"`
}

// flagKeys maps CLI flag names onto nested config keys.
var flagKeys = map[string]string{
	"driver":        "store.driver",
	"dsn":           "store.dsn",
	"prices":        "prices.source",
	"llama-url":     "prices.llama-url",
	"malformed-out": "malformed-out",
}

// Load reads .env, then merges config file, FEESCAN_ environment variables
// and flags into Config. ${VAR} references in RPC URLs and the DSN are expanded.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	if err := loadDotEnv(flags); err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetEnvPrefix("FEESCAN")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	v.SetDefault("log-level", "info")
	v.SetDefault("http-addr", ":8080")
	v.SetDefault("max-workers", 4)
	v.SetDefault("rpc-timeout", 30*time.Second)
	v.SetDefault("malformed-out", "")
	v.SetDefault("store.driver", DriverSQLite)
	v.SetDefault("store.dsn", "./data/fees.db")
	v.SetDefault("retry.transient-retries", 3)
	v.SetDefault("retry.base-delay", time.Second)
	v.SetDefault("retry.max-delay", 30*time.Second)
	v.SetDefault("retry.rate-limit-waits", []time.Duration{60 * time.Second, 120 * time.Second})
	v.SetDefault("prices.source", PricesNone)
	v.SetDefault("prices.llama-url", "https://coins.llama.fi")
	v.SetDefault("prices.timeout", 10*time.Second)

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return Config{}, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := Config{
		LogLevel:     v.GetString("log-level"),
		HTTPAddr:     v.GetString("http-addr"),
		MaxWorkers:   v.GetInt("max-workers"),
		RPCTimeout:   v.GetDuration("rpc-timeout"),
		MalformedOut: v.GetString("malformed-out"),
		Store: StoreConfig{
			Driver: strings.ToLower(strings.TrimSpace(v.GetString("store.driver"))),
			DSN:    os.ExpandEnv(v.GetString("store.dsn")),
		},
		Retry: RetryConfig{
			TransientRetries: v.GetInt("retry.transient-retries"),
			BaseDelay:        v.GetDuration("retry.base-delay"),
			MaxDelay:         v.GetDuration("retry.max-delay"),
		},
		Prices: PriceConfig{
			Source:   strings.ToLower(strings.TrimSpace(v.GetString("prices.source"))),
			LlamaURL: v.GetString("prices.llama-url"),
			Timeout:  v.GetDuration("prices.timeout"),
		},
	}

	if err := v.UnmarshalKey("retry.rate-limit-waits", &cfg.Retry.RateLimitWaits); err != nil {
		return Config{}, fmt.Errorf("decode retry.rate-limit-waits: %w", err)
	}
	static := map[string]float64{}
	if err := v.UnmarshalKey("prices.static", &static); err != nil {
		return Config{}, fmt.Errorf("decode prices.static: %w", err)
	}
	cfg.Prices.Static = static

	var chains []chainFile
	if err := v.UnmarshalKey("chains", &chains); err != nil {
		return Config{}, fmt.Errorf("decode chains: %w", err)
	}
	for i, raw := range chains {
		chainCfg, err := buildChain(raw)
		if err != nil {
			return Config{}, fmt.Errorf("chains[%d]: %w", i, err)
		}
		cfg.Chains = append(cfg.Chains, chainCfg)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadDotEnv(flags *pflag.FlagSet) error {
	path := ".env"
	explicit := false
	if flags != nil {
		if f := flags.Lookup("env-file"); f != nil && f.Changed {
			path, explicit = f.Value.String(), true
		}
	}
	if err := godotenv.Load(path); err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func buildChain(raw chainFile) (model.ChainConfig, error) {
	chainCfg := model.ChainConfig{
		ID:            strings.ToLower(strings.TrimSpace(raw.ID)),
		Name:          raw.Name,
		ChainID:       raw.ChainID,
		RPCURL:        os.ExpandEnv(strings.TrimSpace(raw.RPC)),
		BlockTime:     raw.BlockTime,
		StartBlock:    raw.StartBlock,
		ChunkSize:     raw.ChunkSize,
		Confirmations: raw.Confirmations,
		NativeSymbol:  raw.NativeSymbol,
		PriceKey:      raw.PriceKey,
	}
	if chainCfg.ID == "" {
		return chainCfg, fmt.Errorf("id is required")
	}
	if chainCfg.RPCURL == "" {
		return chainCfg, fmt.Errorf("chain %s: rpc is required", chainCfg.ID)
	}
	if chainCfg.ChunkSize == 0 {
		chainCfg.ChunkSize = defaultChunkSize
	}
	if chainCfg.NativeSymbol == "" {
		chainCfg.NativeSymbol = "ETH"
	}
	if chainCfg.PriceKey == "" {
		chainCfg.PriceKey = chainCfg.ID
	}

	for i, rawWatch := range raw.Contracts {
		watch, err := buildWatch(rawWatch)
		if err != nil {
			return chainCfg, fmt.Errorf("chain %s contracts[%d]: %w", chainCfg.ID, i, err)
		}
		chainCfg.Contracts = append(chainCfg.Contracts, watch)
	}
	return chainCfg, nil
}

func buildWatch(raw contractFile) (model.ContractWatch, error) {
	kind, err := model.ParseProtocolKind(raw.Kind)
	if err != nil {
		return model.ContractWatch{}, err
	}
	watch := model.ContractWatch{
		Address:    strings.TrimSpace(raw.Address),
		Name:       raw.Name,
		Kind:       kind,
		Affiliates: cleanStrings(raw.Affiliates),
		FeeBps:     raw.FeeBps,
		StartBlock: raw.StartBlock,
	}
	for _, e := range raw.Events {
		watch.Events = append(watch.Events, model.CustomEvent{
			Signature:      strings.TrimSpace(e.Signature),
			AffiliateField: e.AffiliateField,
			TokenField:     e.TokenField,
			AmountField:    e.AmountField,
		})
	}

	if watch.Address == "" {
		if kind != model.KindERC20Transfer {
			return watch, fmt.Errorf("%s: address is required", kind)
		}
	} else if !common.IsHexAddress(watch.Address) {
		return watch, fmt.Errorf("invalid address %q", watch.Address)
	}

	if len(watch.Affiliates) == 0 {
		return watch, fmt.Errorf("contract %s: at least one affiliate is required", watch.Label())
	}
	if !kind.UsesMemoAffiliates() {
		for _, affiliate := range watch.Affiliates {
			if !common.IsHexAddress(affiliate) {
				return watch, fmt.Errorf("contract %s: invalid affiliate address %q", watch.Label(), affiliate)
			}
		}
	}

	if kind == model.KindPortalsSwap && watch.FeeBps == 0 {
		return watch, fmt.Errorf("contract %s: fee-bps is required for %s", watch.Label(), kind)
	}
	if watch.FeeBps > maxFeeBps {
		return watch, fmt.Errorf("contract %s: fee-bps %d exceeds %d", watch.Label(), watch.FeeBps, maxFeeBps)
	}

	if _, err := dex.NewDecoder(watch); err != nil {
		return watch, err
	}
	return watch, nil
}

// Validate checks the global settings. Chains are validated while decoding.
func (c Config) Validate() error {
	switch c.Store.Driver {
	case DriverPostgres, DriverSQLite:
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Store.DSN == "" {
		return fmt.Errorf("store dsn is required")
	}
	switch c.Prices.Source {
	case PricesNone, PricesStatic, PricesLlama:
	default:
		return fmt.Errorf("unknown price source %q", c.Prices.Source)
	}
	if c.MaxWorkers <= 0 {
		return fmt.Errorf("max-workers must be greater than zero")
	}
	if c.Retry.TransientRetries < 0 {
		return fmt.Errorf("retry.transient-retries must not be negative")
	}

	seen := make(map[string]struct{}, len(c.Chains))
	for _, chainCfg := range c.Chains {
		if _, dup := seen[chainCfg.ID]; dup {
			return fmt.Errorf("duplicate chain id %q", chainCfg.ID)
		}
		seen[chainCfg.ID] = struct{}{}
		if key, dup := chainCfg.DuplicateCursorKey(); dup {
			return fmt.Errorf("chain %s: contracts share cursor %q; merge their affiliates into one watch", chainCfg.ID, key.String())
		}
	}
	return nil
}

// RequireChains fails when no chain is configured.
func (c Config) RequireChains() error {
	if len(c.Chains) == 0 {
		return fmt.Errorf("no chains configured")
	}
	return nil
}

func cleanStrings(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out = append(out, item)
	}
	return out
}
