package config

import (
	"errors"
	"os"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config is the full server configuration: YAML file with defaults, then
// HOTSPOT_* environment overrides on top.
type Config struct {
	Listen      string        `yaml:"listen" envconfig:"LISTEN"`
	DBPath      string        `yaml:"db_path" envconfig:"DB_PATH"`
	AdminToken  string        `yaml:"admin_token" envconfig:"ADMIN_TOKEN"`
	SyncKey     string        `yaml:"sync_key" envconfig:"SYNC_KEY"`
	PairingSalt string        `yaml:"pairing_salt" envconfig:"PAIRING_SALT"`
	Sweep       SweepConfig   `yaml:"sweep"`
	Logging     LoggingConfig `yaml:"logging"`
	Tracing     TracingConfig `yaml:"tracing"`
	Mpesa       MpesaConfig   `yaml:"mpesa"`
	Limits      LimitsConfig  `yaml:"limits"`
}

type SweepConfig struct {
	IntervalSeconds int `yaml:"interval_s" envconfig:"SWEEP_INTERVAL_S"`
}

type LoggingConfig struct {
	Level string `yaml:"level" envconfig:"LOG_LEVEL"`
	JSON  bool   `yaml:"json" envconfig:"LOG_JSON"`
}

type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint" envconfig:"TRACING_ENDPOINT"`
	Insecure    bool    `yaml:"insecure" envconfig:"TRACING_INSECURE"`
	SampleRatio float64 `yaml:"sample_ratio" envconfig:"TRACING_SAMPLE_RATIO"`
}

type MpesaConfig struct {
	BaseURL        string `yaml:"base_url" envconfig:"MPESA_BASE_URL"`
	ConsumerKey    string `yaml:"consumer_key" envconfig:"MPESA_CONSUMER_KEY"`
	ConsumerSecret string `yaml:"consumer_secret" envconfig:"MPESA_CONSUMER_SECRET"`
	ShortCode      string `yaml:"short_code" envconfig:"MPESA_SHORTCODE"`
	Passkey        string `yaml:"passkey" envconfig:"MPESA_PASSKEY"`
	CallbackURL    string `yaml:"callback_url" envconfig:"MPESA_CALLBACK_URL"`
}

type LimitsConfig struct {
	RedeemPerMinute   int `yaml:"redeem_per_minute" envconfig:"REDEEM_PER_MINUTE"`
	PaymentsPerMinute int `yaml:"payments_per_minute" envconfig:"PAYMENTS_PER_MINUTE"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Listen:      ":8080",
		DBPath:      "hotspot.db",
		PairingSalt: "hotspot-pairing",
		Sweep:       SweepConfig{IntervalSeconds: 300},
		Logging:     LoggingConfig{Level: "info"},
		Tracing:     TracingConfig{SampleRatio: 1},
		Mpesa:       MpesaConfig{BaseURL: "https://sandbox.safaricom.co.ke"},
		Limits:      LimitsConfig{RedeemPerMinute: 10, PaymentsPerMinute: 10},
	}
}

// Load reads config from an optional YAML file, then applies environment
// overrides with the HOTSPOT prefix.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		}
	}

	if err := envconfig.Process("HOTSPOT", cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var (
	ErrMissingSyncKey    = errors.New("router sync key is required")
	ErrMissingAdminToken = errors.New("admin token is required")
)

// Validate checks required secrets and normalizes out-of-range values.
func (c *Config) Validate() error {
	if c.SyncKey == "" {
		return ErrMissingSyncKey
	}
	if c.AdminToken == "" {
		return ErrMissingAdminToken
	}
	if c.Sweep.IntervalSeconds < 30 {
		c.Sweep.IntervalSeconds = 30
	}
	if c.Tracing.SampleRatio <= 0 || c.Tracing.SampleRatio > 1 {
		c.Tracing.SampleRatio = 1
	}
	if c.Limits.RedeemPerMinute <= 0 {
		c.Limits.RedeemPerMinute = 10
	}
	if c.Limits.PaymentsPerMinute <= 0 {
		c.Limits.PaymentsPerMinute = 10
	}
	return nil
}
