package config

import "testing"

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Env != "development" {
		t.Errorf("Env = %q", cfg.Env)
	}
	if cfg.Market.ChainID != 1 {
		t.Errorf("Market.ChainID = %d", cfg.Market.ChainID)
	}
	if cfg.Market.FeeBps != 250 {
		t.Errorf("Market.FeeBps = %d", cfg.Market.FeeBps)
	}
	if cfg.Inbound.ExpectedRateBps != 9940 {
		t.Errorf("Inbound.ExpectedRateBps = %d", cfg.Inbound.ExpectedRateBps)
	}
	if cfg.Inbound.ToleranceBps != 50 {
		t.Errorf("Inbound.ToleranceBps = %d", cfg.Inbound.ToleranceBps)
	}
	if cfg.Relay.GatewayURL != "ws://localhost:7545/relay" {
		t.Errorf("Relay.GatewayURL = %q", cfg.Relay.GatewayURL)
	}
	if cfg.Relay.HeartbeatSec != 10 || cfg.Relay.RequestTimeoutSec != 15 {
		t.Errorf("relay timeouts = %d/%d", cfg.Relay.HeartbeatSec, cfg.Relay.RequestTimeoutSec)
	}
	if cfg.Redis.Addr != "localhost:6379" {
		t.Errorf("Redis.Addr = %q", cfg.Redis.Addr)
	}
	if cfg.Owner.SessionTTLSec != 3600 {
		t.Errorf("Owner.SessionTTLSec = %d", cfg.Owner.SessionTTLSec)
	}
	if cfg.Owner.AWSRegion != "us-east-1" {
		t.Errorf("Owner.AWSRegion = %q", cfg.Owner.AWSRegion)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PORTICO_ENV", "production")
	t.Setenv("PORTICO_MARKET_CHAIN_ID", "137")
	t.Setenv("PORTICO_MARKET_FEE_BPS", "100")
	t.Setenv("PORTICO_MARKET_ACCOUNT", "0x00000000000000000000000000000000000000E4")
	t.Setenv("PORTICO_INBOUND_TOLERANCE_BPS", "25")
	t.Setenv("PORTICO_RELAY_GATEWAY_URL", "wss://relay.example.com/ws")
	t.Setenv("PORTICO_RELAY_DESTINATIONS", "1,10,137")
	t.Setenv("PORTICO_REDIS_ADDR", "redis.internal:6380")
	t.Setenv("PORTICO_OWNER_WITHDRAW_LIMIT", "5000000000000000000")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Env != "production" {
		t.Errorf("Env = %q", cfg.Env)
	}
	if cfg.Market.ChainID != 137 {
		t.Errorf("Market.ChainID = %d", cfg.Market.ChainID)
	}
	if cfg.Market.FeeBps != 100 {
		t.Errorf("Market.FeeBps = %d", cfg.Market.FeeBps)
	}
	if cfg.Market.Account != "0x00000000000000000000000000000000000000E4" {
		t.Errorf("Market.Account = %q", cfg.Market.Account)
	}
	if cfg.Inbound.ToleranceBps != 25 {
		t.Errorf("Inbound.ToleranceBps = %d", cfg.Inbound.ToleranceBps)
	}
	if cfg.Inbound.ExpectedRateBps != 9940 {
		t.Errorf("default ExpectedRateBps lost: %d", cfg.Inbound.ExpectedRateBps)
	}
	if cfg.Relay.GatewayURL != "wss://relay.example.com/ws" {
		t.Errorf("Relay.GatewayURL = %q", cfg.Relay.GatewayURL)
	}
	if cfg.Relay.Destinations != "1,10,137" {
		t.Errorf("Relay.Destinations = %q", cfg.Relay.Destinations)
	}
	if cfg.Redis.Addr != "redis.internal:6380" {
		t.Errorf("Redis.Addr = %q", cfg.Redis.Addr)
	}
	if cfg.Owner.WithdrawLimit != "5000000000000000000" {
		t.Errorf("Owner.WithdrawLimit = %q", cfg.Owner.WithdrawLimit)
	}
}
