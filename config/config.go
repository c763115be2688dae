package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for settled.
type Config struct {
	ListenAddress string        `yaml:"listen"`
	Database      Database      `yaml:"database"`
	Chain         Chain         `yaml:"chain"`
	Tokens        Tokens        `yaml:"tokens"`
	Quote         Quote         `yaml:"quote"`
	Payout        Payout        `yaml:"payout"`
	Settlement    Settlement    `yaml:"settlement"`
	Logging       LoggingConfig `yaml:"logging"`
}

// Database selects the relational store backing transactions and holdings.
type Database struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// Chain describes the EVM node and treasury signing parameters.
type Chain struct {
	RPCEndpoint      string   `yaml:"rpc"`
	ChainID          int64    `yaml:"chain_id"`
	GasCeilingGwei   int64    `yaml:"gas_ceiling_gwei"`
	Confirmations    int      `yaml:"confirmations"`
	ReceiptPoll      Duration `yaml:"receipt_poll"`
	SwapDeadline     Duration `yaml:"swap_deadline"`
	TreasuryKeyFile  string   `yaml:"treasury_key_file"`
	TreasuryKeyHex   string   `yaml:"treasury_key"`
	TreasuryKeyEnv   string   `yaml:"treasury_key_env"`
	MaxBalanceRetry  int      `yaml:"max_balance_retries"`
	BalanceRetryBase Duration `yaml:"balance_retry_base"`
}

// Tokens pins the on-chain contract addresses and scales the pipeline touches.
type Tokens struct {
	Gold           string `yaml:"gold"`
	Stable         string `yaml:"stable"`
	Router         string `yaml:"router"`
	Quoter         string `yaml:"quoter"`
	GoldDecimals   int32  `yaml:"gold_decimals"`
	StableDecimals int32  `yaml:"stable_decimals"`
}

// Quote tunes the quoting engine and poller.
type Quote struct {
	DefaultSlippageBps int64    `yaml:"default_slippage_bps"`
	Validity           Duration `yaml:"validity"`
	PollInterval       Duration `yaml:"poll_interval"`
}

// Payout configures the fiat payout gateway client.
type Payout struct {
	BaseURL  string   `yaml:"base_url"`
	APIKey   string   `yaml:"api_key"`
	Currency string   `yaml:"currency"`
	Timeout  Duration `yaml:"timeout"`
}

// Settlement controls the state machine sweep and buy caps.
type Settlement struct {
	SweepInterval Duration `yaml:"sweep_interval"`
	StuckAge      Duration `yaml:"stuck_age"`
	DailyBuyCap   string   `yaml:"daily_buy_cap"`
}

// LoggingConfig selects an optional rotating file sink in addition to stdout.
type LoggingConfig struct {
	FilePath   string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// Load reads configuration from the supplied path.
func Load(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7080"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "postgres"
	}
	if cfg.Chain.GasCeilingGwei <= 0 {
		cfg.Chain.GasCeilingGwei = 150
	}
	if cfg.Chain.Confirmations <= 0 {
		cfg.Chain.Confirmations = 1
	}
	if cfg.Chain.ReceiptPoll.Duration == 0 {
		cfg.Chain.ReceiptPoll.Duration = 3 * time.Second
	}
	if cfg.Chain.SwapDeadline.Duration == 0 {
		cfg.Chain.SwapDeadline.Duration = 5 * time.Minute
	}
	if cfg.Chain.MaxBalanceRetry <= 0 {
		cfg.Chain.MaxBalanceRetry = 4
	}
	if cfg.Chain.BalanceRetryBase.Duration == 0 {
		cfg.Chain.BalanceRetryBase.Duration = 250 * time.Millisecond
	}
	if cfg.Tokens.GoldDecimals <= 0 {
		cfg.Tokens.GoldDecimals = 18
	}
	if cfg.Tokens.StableDecimals <= 0 {
		cfg.Tokens.StableDecimals = 6
	}
	if cfg.Quote.DefaultSlippageBps <= 0 {
		cfg.Quote.DefaultSlippageBps = 50
	}
	if cfg.Quote.Validity.Duration == 0 {
		cfg.Quote.Validity.Duration = time.Minute
	}
	if cfg.Quote.PollInterval.Duration == 0 {
		cfg.Quote.PollInterval.Duration = 12 * time.Second
	}
	if cfg.Payout.Currency == "" {
		cfg.Payout.Currency = "INR"
	}
	if cfg.Payout.Timeout.Duration == 0 {
		cfg.Payout.Timeout.Duration = 15 * time.Second
	}
	if cfg.Settlement.SweepInterval.Duration == 0 {
		cfg.Settlement.SweepInterval.Duration = 30 * time.Second
	}
	if cfg.Settlement.StuckAge.Duration == 0 {
		cfg.Settlement.StuckAge.Duration = 10 * time.Minute
	}
}

func validate(cfg Config) error {
	if strings.TrimSpace(cfg.Database.DSN) == "" {
		return fmt.Errorf("database dsn must be configured")
	}
	switch cfg.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}
	if strings.TrimSpace(cfg.Chain.RPCEndpoint) == "" {
		return fmt.Errorf("chain rpc endpoint must be configured")
	}
	for name, addr := range map[string]string{
		"tokens.gold":   cfg.Tokens.Gold,
		"tokens.stable": cfg.Tokens.Stable,
		"tokens.router": cfg.Tokens.Router,
		"tokens.quoter": cfg.Tokens.Quoter,
	} {
		if !isHexAddress(addr) {
			return fmt.Errorf("%s must be a 0x-prefixed 20-byte address", name)
		}
	}
	if cfg.Quote.DefaultSlippageBps >= 10000 {
		return fmt.Errorf("default slippage must be below 10000 bps")
	}
	return nil
}

func isHexAddress(addr string) bool {
	addr = strings.TrimSpace(addr)
	if len(addr) != 42 || !strings.HasPrefix(addr, "0x") {
		return false
	}
	for _, r := range addr[2:] {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		case r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}

// TreasuryKey resolves the treasury signing key material in order of
// precedence: env var, inline hex, key file.
func (c Chain) TreasuryKey() (string, error) {
	if env := strings.TrimSpace(c.TreasuryKeyEnv); env != "" {
		if value := strings.TrimSpace(os.Getenv(env)); value != "" {
			return value, nil
		}
	}
	if key := strings.TrimSpace(c.TreasuryKeyHex); key != "" {
		return key, nil
	}
	if path := strings.TrimSpace(c.TreasuryKeyFile); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read treasury key file: %w", err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	return "", fmt.Errorf("treasury key not configured")
}
