// Package config loads votebridge settings from defaults, an optional YAML file
// and VOTEBRIDGE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"strings"
	"time"

	"votebridge/fees"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "VOTEBRIDGE"

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Chain     ChainConfig     `mapstructure:"chain"`
	Tokens    ServiceConfig   `mapstructure:"tokens"`
	Registry  ServiceConfig   `mapstructure:"registry"`
	Fees      FeesConfig      `mapstructure:"fees"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Confirm   ConfirmConfig   `mapstructure:"confirm"`
	VoteCount VoteCountConfig `mapstructure:"vote_count"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	// Dev swaps the token service and registry for in-process fakes.
	Dev bool `mapstructure:"dev"`
}

type ServerConfig struct {
	Port            string        `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type ChainConfig struct {
	RPCURL             string `mapstructure:"rpc_url"`
	ContractAddress    string `mapstructure:"contract_address"`
	ChainID            int64  `mapstructure:"chain_id"`
	NetworkName        string `mapstructure:"network_name"`
	CurrencySymbol     string `mapstructure:"currency_symbol"`
	ExplorerURL        string `mapstructure:"explorer_url"`
	AdminKey           string `mapstructure:"admin_key"`
	RegisterCandidates bool   `mapstructure:"register_candidates"`
}

// ServiceConfig addresses an HTTP collaborator.
type ServiceConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	AuthToken string        `mapstructure:"auth_token"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// FeesConfig is expressed in gwei; Policy converts it to wei.
type FeesConfig struct {
	BaseGasLimit   uint64  `mapstructure:"base_gas_limit"`
	BaseTipGwei    float64 `mapstructure:"base_tip_gwei"`
	BaseFeeCapGwei float64 `mapstructure:"base_fee_cap_gwei"`
	StepPercent    uint64  `mapstructure:"step_percent"`
	MaxGasLimit    uint64  `mapstructure:"max_gas_limit"`
	MaxTipGwei     float64 `mapstructure:"max_tip_gwei"`
	MaxFeeCapGwei  float64 `mapstructure:"max_fee_cap_gwei"`
}

type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	Backoff     time.Duration `mapstructure:"backoff"`
}

type ConfirmConfig struct {
	LenientReceipts     bool          `mapstructure:"lenient_receipts"`
	MinConfirmations    uint64        `mapstructure:"min_confirmations"`
	ReceiptTimeout      time.Duration `mapstructure:"receipt_timeout"`
	PollInterval        time.Duration `mapstructure:"poll_interval"`
	InclusionAttempts   int           `mapstructure:"inclusion_attempts"`
	InclusionInterval   time.Duration `mapstructure:"inclusion_interval"`
	CompensationTimeout time.Duration `mapstructure:"compensation_timeout"`
}

type VoteCountConfig struct {
	Attempts int           `mapstructure:"attempts"`
	Interval time.Duration `mapstructure:"interval"`
}

type CacheConfig struct {
	Size int `mapstructure:"size"`
}

type StorageConfig struct {
	DataDir            string        `mapstructure:"data_dir"`
	RedeliveryInterval time.Duration `mapstructure:"redelivery_interval"`
}

type KafkaConfig struct {
	Enabled  bool     `mapstructure:"enabled"`
	Brokers  []string `mapstructure:"brokers"`
	Topic    string   `mapstructure:"topic"`
	ClientID string   `mapstructure:"client_id"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 5*time.Minute)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)

	v.SetDefault("chain.rpc_url", "http://127.0.0.1:8545")
	v.SetDefault("chain.chain_id", 31337)
	v.SetDefault("chain.network_name", "localnet")
	v.SetDefault("chain.currency_symbol", "ETH")
	v.SetDefault("chain.register_candidates", false)

	v.SetDefault("tokens.base_url", "http://127.0.0.1:3000/api")
	v.SetDefault("tokens.timeout", 10*time.Second)
	v.SetDefault("registry.base_url", "http://127.0.0.1:3000/api")
	v.SetDefault("registry.timeout", 10*time.Second)

	def := fees.DefaultPolicy()
	v.SetDefault("fees.base_gas_limit", def.BaseGasLimit)
	v.SetDefault("fees.base_tip_gwei", 2)
	v.SetDefault("fees.base_fee_cap_gwei", 30)
	v.SetDefault("fees.step_percent", def.StepPercent)
	v.SetDefault("fees.max_gas_limit", def.MaxGasLimit)
	v.SetDefault("fees.max_tip_gwei", 20)
	v.SetDefault("fees.max_fee_cap_gwei", 200)

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.backoff", 2*time.Second)

	v.SetDefault("confirm.lenient_receipts", true)
	v.SetDefault("confirm.min_confirmations", 1)
	v.SetDefault("confirm.receipt_timeout", 2*time.Minute)
	v.SetDefault("confirm.poll_interval", 2*time.Second)
	v.SetDefault("confirm.inclusion_attempts", 5)
	v.SetDefault("confirm.inclusion_interval", 3*time.Second)
	v.SetDefault("confirm.compensation_timeout", 15*time.Second)

	v.SetDefault("vote_count.attempts", 5)
	v.SetDefault("vote_count.interval", 2*time.Second)

	v.SetDefault("cache.size", 1024)

	v.SetDefault("storage.data_dir", "./data")
	v.SetDefault("storage.redelivery_interval", 30*time.Second)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "vote-outcomes")
	v.SetDefault("kafka.client_id", "votebridge")

	v.SetDefault("dev", false)
}

// flagKeys are the settings a command line flag of the same name overrides.
var flagKeys = []string{"dev"}

// Load reads configuration. An empty path uses defaults and the environment only.
func Load(path string) (*Config, error) {
	return LoadWithFlags(path, nil)
}

// LoadWithFlags is Load with the flags named in flagKeys bound over the file and
// the environment. A flag the user did not set does not mask either.
func LoadWithFlags(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for _, key := range flagKeys {
			f := flags.Lookup(key)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("failed to bind flag %s: %w", key, err)
			}
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the settings the engine cannot start without.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port == "" {
		errs = append(errs, errors.New("server.port is required"))
	}
	if err := checkURL("chain.rpc_url", c.Chain.RPCURL); err != nil {
		errs = append(errs, err)
	}
	if !common.IsHexAddress(c.Chain.ContractAddress) {
		errs = append(errs, fmt.Errorf("chain.contract_address %q is not a hex address", c.Chain.ContractAddress))
	}
	if c.Chain.ChainID <= 0 {
		errs = append(errs, errors.New("chain.chain_id must be positive"))
	}
	if !c.Dev {
		if err := checkURL("tokens.base_url", c.Tokens.BaseURL); err != nil {
			errs = append(errs, err)
		}
		if err := checkURL("registry.base_url", c.Registry.BaseURL); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("retry.max_attempts must be at least 1"))
	}
	if c.Confirm.ReceiptTimeout <= 0 {
		errs = append(errs, errors.New("confirm.receipt_timeout must be positive"))
	}
	if err := c.FeePolicy().Validate(c.Retry.MaxAttempts); err != nil {
		errs = append(errs, fmt.Errorf("fees: %w", err))
	}
	if c.Kafka.Enabled && (len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "") {
		errs = append(errs, errors.New("kafka.brokers and kafka.topic are required when kafka is enabled"))
	}
	return errors.Join(errs...)
}

// FeePolicy converts the gwei settings into a fees.Policy.
func (c *Config) FeePolicy() fees.Policy {
	return fees.Policy{
		BaseGasLimit: c.Fees.BaseGasLimit,
		BaseTipCap:   gweiToWei(c.Fees.BaseTipGwei),
		BaseFeeCap:   gweiToWei(c.Fees.BaseFeeCapGwei),
		StepPercent:  c.Fees.StepPercent,
		MaxGasLimit:  c.Fees.MaxGasLimit,
		MaxTipCap:    gweiToWei(c.Fees.MaxTipGwei),
		MaxFeeCap:    gweiToWei(c.Fees.MaxFeeCapGwei),
	}
}

func (c *Config) ContractAddress() common.Address {
	return common.HexToAddress(c.Chain.ContractAddress)
}

func gweiToWei(gwei float64) *big.Int {
	wei, _ := new(big.Float).Mul(big.NewFloat(gwei), big.NewFloat(1e9)).Int(nil)
	return wei
}

func checkURL(key, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%s %q is not an absolute url", key, raw)
	}
	return nil
}
