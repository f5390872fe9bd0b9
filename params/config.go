package params

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Chain is one EVM network with a deployed vault.
type Chain struct {
	Name          string `mapstructure:"name" validate:"required"`
	Selector      uint64 `mapstructure:"selector" validate:"required"` // CCIP chain selector
	RPCURL        string `mapstructure:"rpc_url" validate:"required"`  // ws:// or wss:// for log subscriptions
	Vault         string `mapstructure:"vault" validate:"required,eth_addr"`
	StartBlock    uint64 `mapstructure:"start_block"`
	QuoteToken    string `mapstructure:"quote_token" validate:"omitempty,eth_addr"` // default withdrawal token, quote side of lazily listed pairs
	QuoteSymbol   string `mapstructure:"quote_symbol"`
	QuoteDecimals uint8  `mapstructure:"quote_decimals"`
}

func (c Chain) VaultAddress() common.Address { return common.HexToAddress(c.Vault) }

func (c Chain) QuoteAddress() common.Address { return common.HexToAddress(c.QuoteToken) }

// Pair is a market listed at startup. Pairs can also appear at runtime when
// a vault reports a deposit of a token nobody listed.
type Pair struct {
	ID            string `mapstructure:"id" validate:"required"`
	BaseToken     string `mapstructure:"base_token" validate:"required,eth_addr"`
	BaseChain     uint64 `mapstructure:"base_chain" validate:"required"`
	BaseSymbol    string `mapstructure:"base_symbol"`
	BaseDecimals  uint8  `mapstructure:"base_decimals"`
	QuoteToken    string `mapstructure:"quote_token" validate:"required,eth_addr"`
	QuoteChain    uint64 `mapstructure:"quote_chain" validate:"required"`
	QuoteSymbol   string `mapstructure:"quote_symbol"`
	QuoteDecimals uint8  `mapstructure:"quote_decimals"`
	AllowResting  bool   `mapstructure:"allow_resting"`
}

type Node struct {
	HTTPAddr string `mapstructure:"http_addr" validate:"required"`
	DataDir  string `mapstructure:"data_dir"`
	// InMemory keeps all state in an in-memory Pebble instance (devnet).
	InMemory bool   `mapstructure:"in_memory"`
	LogFile  string `mapstructure:"log_file"`
	LogLevel string `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	// ExpiryInterval is how often resting orders are checked for expiry.
	ExpiryInterval time.Duration `mapstructure:"expiry_interval"`
	CORSOrigins    []string      `mapstructure:"cors_origins"`
}

type Report struct {
	WorkflowURL    string        `mapstructure:"workflow_url" validate:"omitempty,url"`
	WorkflowAPIKey string        `mapstructure:"workflow_api_key"`
	Timeout        time.Duration `mapstructure:"timeout"`
	// OperatorKey signs fallback onReport transactions. Without it the
	// fallback path is disabled.
	OperatorKey string `mapstructure:"operator_key"`
}

type Settlement struct {
	Workers   int    `mapstructure:"workers" validate:"gte=0"`
	HomeChain uint64 `mapstructure:"home_chain"` // verify reports go here; defaults to the first chain
}

type Listener struct {
	RetryInterval time.Duration `mapstructure:"retry_interval"`
	BatchSize     uint64        `mapstructure:"batch_size"`
}

type Kafka struct {
	Brokers []string `mapstructure:"brokers"`
}

type Config struct {
	Node       Node       `mapstructure:"node"`
	Chains     []Chain    `mapstructure:"chains" validate:"dive"`
	Pairs      []Pair     `mapstructure:"pairs" validate:"dive"`
	Report     Report     `mapstructure:"report"`
	Settlement Settlement `mapstructure:"settlement"`
	Listener   Listener   `mapstructure:"listener"`
	Kafka      Kafka      `mapstructure:"kafka"`
}

func Default() Config {
	return Config{
		Node: Node{
			HTTPAddr:       ":8080",
			DataDir:        "data/veilx",
			LogLevel:       "info",
			ExpiryInterval: time.Second,
			CORSOrigins:    []string{"*"},
		},
		Report: Report{
			Timeout: 10 * time.Second,
		},
		Settlement: Settlement{
			Workers: 4,
		},
		Listener: Listener{
			RetryInterval: 5 * time.Second, // devnet RPCs drop idle websockets often
			BatchSize:     2000,
		},
	}
}

// Load builds the configuration.
// Priority: VEILX_* env > .env file > YAML file named by VEILX_CONFIG > defaults.
// Chains and pairs are lists and only come from the YAML file.
func Load(envPath string) (Config, error) {
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load() // loads .env from current directory
	}

	v := viper.New()
	setDefaults(v, Default())
	v.SetEnvPrefix("VEILX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := os.Getenv("VEILX_CONFIG"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.Settlement.HomeChain == 0 && len(cfg.Chains) > 0 {
		cfg.Settlement.HomeChain = cfg.Chains[0].Selector
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// setDefaults registers every scalar key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("node.http_addr", d.Node.HTTPAddr)
	v.SetDefault("node.data_dir", d.Node.DataDir)
	v.SetDefault("node.in_memory", d.Node.InMemory)
	v.SetDefault("node.log_file", d.Node.LogFile)
	v.SetDefault("node.log_level", d.Node.LogLevel)
	v.SetDefault("node.expiry_interval", d.Node.ExpiryInterval)
	v.SetDefault("node.cors_origins", d.Node.CORSOrigins)
	v.SetDefault("report.workflow_url", d.Report.WorkflowURL)
	v.SetDefault("report.workflow_api_key", d.Report.WorkflowAPIKey)
	v.SetDefault("report.timeout", d.Report.Timeout)
	v.SetDefault("report.operator_key", d.Report.OperatorKey)
	v.SetDefault("settlement.workers", d.Settlement.Workers)
	v.SetDefault("settlement.home_chain", d.Settlement.HomeChain)
	v.SetDefault("listener.retry_interval", d.Listener.RetryInterval)
	v.SetDefault("listener.batch_size", d.Listener.BatchSize)
	v.SetDefault("kafka.brokers", d.Kafka.Brokers)
}

// Validate checks field formats and cross references between chains and
// pairs.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	seen := make(map[uint64]bool, len(c.Chains))
	for _, ch := range c.Chains {
		if seen[ch.Selector] {
			return fmt.Errorf("invalid config: chain selector %d listed twice", ch.Selector)
		}
		seen[ch.Selector] = true
	}
	for _, p := range c.Pairs {
		if !seen[p.BaseChain] || !seen[p.QuoteChain] {
			return fmt.Errorf("invalid config: pair %s references an unconfigured chain", p.ID)
		}
	}
	if c.Settlement.HomeChain != 0 && len(c.Chains) > 0 && !seen[c.Settlement.HomeChain] {
		return fmt.Errorf("invalid config: home chain %d is not configured", c.Settlement.HomeChain)
	}
	return nil
}

func (c Config) Chain(selector uint64) (Chain, bool) {
	for _, ch := range c.Chains {
		if ch.Selector == selector {
			return ch, true
		}
	}
	return Chain{}, false
}
