package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type config struct {
	Port      string `yaml:"port"`
	LogFormat string `yaml:"log_format"`
	LogLevel  string `yaml:"log_level"`

	PaymentChallengeEnabled bool   `yaml:"payment_challenge_enabled"`
	FacilitatorURL          string `yaml:"facilitator_url"`
	PaymentNetwork          string `yaml:"payment_network"`
	PaymentAsset            string `yaml:"payment_asset"`
	WalletURL               string `yaml:"wallet_url"`
	WalletUsername          string `yaml:"wallet_username"`
	WalletToken             string `yaml:"wallet_token"`

	SigningKeySeed string `yaml:"signing_key_seed"`

	AnchorMode    string `yaml:"anchor_mode"` // "", "ethereum", "rfc3161"
	EthEndpoint   string `yaml:"eth_endpoint"`
	EthPrivateKey string `yaml:"eth_private_key"`
	EthChainID    int64  `yaml:"eth_chain_id"`
	TSAURL        string `yaml:"tsa_url"`
	TSAPolicyOID  string `yaml:"tsa_policy_oid"`
}

// loadConfig reads the environment, then lets an optional YAML file
// named by MARKET_CONFIG override individual fields. Secrets stay in
// the environment either way.
func loadConfig() (config, error) {
	cfg := config{
		Port:                    envStrDefault("SERVICE_PORT", "8090"),
		LogFormat:               envStrDefault("LOG_FORMAT", "console"),
		LogLevel:                envStrDefault("LOG_LEVEL", "info"),
		PaymentChallengeEnabled: envBoolDefault("PAYMENT_CHALLENGE_ENABLED", false),
		FacilitatorURL:          strings.TrimSpace(os.Getenv("FACILITATOR_URL")),
		PaymentNetwork:          envStrDefault("PAYMENT_NETWORK", "base-sepolia"),
		PaymentAsset:            envStrDefault("PAYMENT_ASSET", "USDC"),
		WalletURL:               strings.TrimSpace(os.Getenv("WALLET_URL")),
		WalletUsername:          strings.TrimSpace(os.Getenv("WALLET_USERNAME")),
		WalletToken:             strings.TrimSpace(os.Getenv("WALLET_TOKEN")),
		SigningKeySeed:          strings.TrimSpace(os.Getenv("PROOF_SIGNING_KEY")),
		AnchorMode:              strings.TrimSpace(os.Getenv("ANCHOR_MODE")),
		EthEndpoint:             strings.TrimSpace(os.Getenv("ETH_ENDPOINT")),
		EthPrivateKey:           strings.TrimSpace(os.Getenv("ETH_PRIVATE_KEY")),
		EthChainID:              int64(envIntDefault("ETH_CHAIN_ID", 0)),
		TSAURL:                  strings.TrimSpace(os.Getenv("TSA_URL")),
		TSAPolicyOID:            strings.TrimSpace(os.Getenv("TSA_POLICY_OID")),
	}

	path := strings.TrimSpace(os.Getenv("MARKET_CONFIG"))
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func envStrDefault(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envIntDefault(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBoolDefault(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return strings.EqualFold(v, "true") || v == "1"
}
