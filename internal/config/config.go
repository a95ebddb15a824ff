package config

import (
	"strings"

	"github.com/spf13/viper"
)

// Config holds all node configuration.
type Config struct {
	Env                string `mapstructure:"env"`
	LocalStackEndpoint string `mapstructure:"localstack_endpoint"`
	Market             MarketConfig
	Inbound            InboundConfig
	Relay              RelayConfig
	Redis              RedisConfig
	Owner              OwnerConfig
}

// MarketConfig holds the marketplace instance settings.
type MarketConfig struct {
	ChainID uint64 `mapstructure:"chain_id"`
	Account string `mapstructure:"account"` // hex settlement account address
	FeeBps  uint64 `mapstructure:"fee_bps"`
	Wrapped string `mapstructure:"wrapped"` // hex wrapped-native token address
	Stable  string `mapstructure:"stable"`  // hex bridgeable stable token address
}

// InboundConfig holds the inbound finalization tolerance policy.
type InboundConfig struct {
	ExpectedRateBps uint64 `mapstructure:"expected_rate_bps"`
	ToleranceBps    uint64 `mapstructure:"tolerance_bps"`
}

// RelayConfig holds relay-gateway settings.
type RelayConfig struct {
	GatewayURL string `mapstructure:"gateway_url"`

	// Destinations is a comma-separated list of destination chain IDs to
	// open gateway sessions for.
	Destinations      string `mapstructure:"destinations"`
	HeartbeatSec      int    `mapstructure:"heartbeat_sec"`
	RequestTimeoutSec int    `mapstructure:"request_timeout_sec"`
	StaleThresholdSec int    `mapstructure:"stale_threshold_sec"`
	CoolOffSec        int    `mapstructure:"cool_off_sec"`
}

// RedisConfig holds Redis connection settings for the listing board.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// OwnerConfig holds owner-session settings.
type OwnerConfig struct {
	KMSKeyID      string `mapstructure:"kms_key_id"`
	AWSRegion     string `mapstructure:"aws_region"`
	KeyCiphertext string `mapstructure:"key_ciphertext"` // path to the KMS-encrypted owner key
	SessionTTLSec int    `mapstructure:"session_ttl_sec"`
	WithdrawLimit string `mapstructure:"withdraw_limit"` // native units, decimal; empty = unlimited
}

// Load reads configuration from environment variables prefixed with PORTICO_.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PORTICO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("env", "development")

	// Market defaults
	v.SetDefault("market.chain_id", 1)
	v.SetDefault("market.fee_bps", 250)

	// Inbound tolerance defaults: expect 99.4% of price to survive the
	// round-trip conversion, accept 0.5% below that.
	v.SetDefault("inbound.expected_rate_bps", 9940)
	v.SetDefault("inbound.tolerance_bps", 50)

	// Relay defaults
	v.SetDefault("relay.gateway_url", "ws://localhost:7545/relay")
	v.SetDefault("relay.heartbeat_sec", 10)
	v.SetDefault("relay.request_timeout_sec", 15)
	v.SetDefault("relay.stale_threshold_sec", 30)
	v.SetDefault("relay.cool_off_sec", 5)

	// Redis defaults
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// Owner defaults
	v.SetDefault("owner.session_ttl_sec", 3600)
	v.SetDefault("owner.aws_region", "us-east-1")

	cfg := &Config{}

	cfg.Env = v.GetString("env")
	cfg.LocalStackEndpoint = v.GetString("localstack_endpoint")

	cfg.Market = MarketConfig{
		ChainID: v.GetUint64("market.chain_id"),
		Account: v.GetString("market.account"),
		FeeBps:  v.GetUint64("market.fee_bps"),
		Wrapped: v.GetString("market.wrapped"),
		Stable:  v.GetString("market.stable"),
	}

	cfg.Inbound = InboundConfig{
		ExpectedRateBps: v.GetUint64("inbound.expected_rate_bps"),
		ToleranceBps:    v.GetUint64("inbound.tolerance_bps"),
	}

	cfg.Relay = RelayConfig{
		GatewayURL:        v.GetString("relay.gateway_url"),
		Destinations:      v.GetString("relay.destinations"),
		HeartbeatSec:      v.GetInt("relay.heartbeat_sec"),
		RequestTimeoutSec: v.GetInt("relay.request_timeout_sec"),
		StaleThresholdSec: v.GetInt("relay.stale_threshold_sec"),
		CoolOffSec:        v.GetInt("relay.cool_off_sec"),
	}

	cfg.Redis = RedisConfig{
		Addr:     v.GetString("redis.addr"),
		Password: v.GetString("redis.password"),
		DB:       v.GetInt("redis.db"),
	}

	cfg.Owner = OwnerConfig{
		KMSKeyID:      v.GetString("owner.kms_key_id"),
		AWSRegion:     v.GetString("owner.aws_region"),
		KeyCiphertext: v.GetString("owner.key_ciphertext"),
		SessionTTLSec: v.GetInt("owner.session_ttl_sec"),
		WithdrawLimit: v.GetString("owner.withdraw_limit"),
	}

	return cfg, nil
}
