package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Ledger backends selectable via LEDGER_BACKEND.
const (
	BackendMemory = "memory"
	BackendEVM    = "evm"
	BackendFabric = "fabric"
)

type Config struct {
	Redis    RedisConfig
	Ledger   LedgerConfig
	EVM      EVMConfig
	Fabric   FabricConfig
	Payment  PaymentConfig
	Services ServicesConfig
	Server   ServerConfig
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
}

type LedgerConfig struct {
	Backend         string `mapstructure:"backend"`
	ContractAddress string `mapstructure:"contract_address"`
}

type EVMConfig struct {
	RPCURL         string `mapstructure:"rpc_url"`
	PrivateKey     string `mapstructure:"private_key"`
	ChainID        int64  `mapstructure:"chain_id"`
	TokenBytecode  string `mapstructure:"token_bytecode"`
	MintTimeoutSec int64  `mapstructure:"mint_timeout_sec"`
}

type FabricConfig struct {
	Target    string `mapstructure:"target"`
	Channel   string `mapstructure:"channel"`
	Chaincode string `mapstructure:"chaincode"`
	Identity  string `mapstructure:"identity"`
}

type PaymentConfig struct {
	ConfirmTimeoutMs     int64 `mapstructure:"confirm_timeout_ms"`
	PollIntervalMs       int64 `mapstructure:"poll_interval_ms"`
	ReconcileIntervalSec int64 `mapstructure:"reconcile_interval_sec"`
	LockExpirySec        int64 `mapstructure:"lock_expiry_sec"`
}

type ServicesConfig struct {
	RegistryURL   string `mapstructure:"registry_url"`
	RegistryKey   string `mapstructure:"registry_key"`
	PriceGuideURL string `mapstructure:"price_guide_url"`
	BankingURL    string `mapstructure:"banking_url"`
	BankingKey    string `mapstructure:"banking_key"`
	GatewayURL    string `mapstructure:"gateway_url"`
	GatewayKey    string `mapstructure:"gateway_key"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// ConfirmTimeout is how long Execute waits for a ledger transfer to settle.
func (p PaymentConfig) ConfirmTimeout() time.Duration {
	return time.Duration(p.ConfirmTimeoutMs) * time.Millisecond
}

func (p PaymentConfig) PollInterval() time.Duration {
	return time.Duration(p.PollIntervalMs) * time.Millisecond
}

func (p PaymentConfig) ReconcileInterval() time.Duration {
	return time.Duration(p.ReconcileIntervalSec) * time.Second
}

func (p PaymentConfig) LockExpiry() time.Duration {
	return time.Duration(p.LockExpirySec) * time.Second
}

func Load() (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("redis.addr", "redis:6379")
	v.SetDefault("ledger.backend", BackendMemory)
	v.SetDefault("evm.mint_timeout_sec", 60)
	v.SetDefault("fabric.channel", "ndis")
	v.SetDefault("fabric.chaincode", "voucher")
	v.SetDefault("payment.confirm_timeout_ms", 15000)
	v.SetDefault("payment.poll_interval_ms", 500)
	v.SetDefault("payment.reconcile_interval_sec", 60)
	v.SetDefault("payment.lock_expiry_sec", 60)

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")
	_ = v.ReadInConfig()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit env bindings
	bindings := map[string]string{
		"redis.addr":                     "REDIS_ADDR",
		"redis.password":                 "REDIS_PASSWORD",
		"ledger.backend":                 "LEDGER_BACKEND",
		"ledger.contract_address":        "VOUCHER_CONTRACT",
		"evm.rpc_url":                    "RPC_URL",
		"evm.private_key":                "ISSUER_PRIVATE_KEY",
		"evm.chain_id":                   "CHAIN_ID",
		"evm.token_bytecode":             "TOKEN_BYTECODE",
		"evm.mint_timeout_sec":           "MINT_TIMEOUT_SEC",
		"fabric.target":                  "FABRIC_GATEWAY",
		"fabric.channel":                 "FABRIC_CHANNEL",
		"fabric.chaincode":               "FABRIC_CHAINCODE",
		"fabric.identity":                "FABRIC_IDENTITY",
		"payment.confirm_timeout_ms":     "CONFIRM_TIMEOUT_MS",
		"payment.poll_interval_ms":       "POLL_INTERVAL_MS",
		"payment.reconcile_interval_sec": "RECONCILE_INTERVAL_SEC",
		"payment.lock_expiry_sec":        "LOCK_EXPIRY_SEC",
		"services.registry_url":          "REGISTRY_URL",
		"services.registry_key":          "REGISTRY_API_KEY",
		"services.price_guide_url":       "PRICE_GUIDE_URL",
		"services.banking_url":           "BANKING_URL",
		"services.banking_key":           "BANKING_API_KEY",
		"services.gateway_url":           "GATEWAY_URL",
		"services.gateway_key":           "GATEWAY_API_KEY",
		"server.port":                    "PORT",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	type req struct {
		val  string
		name string
	}
	required := []req{
		{c.Services.RegistryURL, "REGISTRY_URL"},
		{c.Services.PriceGuideURL, "PRICE_GUIDE_URL"},
		{c.Services.BankingURL, "BANKING_URL"},
	}
	switch c.Ledger.Backend {
	case BackendMemory:
	case BackendEVM:
		required = append(required,
			req{c.EVM.RPCURL, "RPC_URL"},
			req{c.EVM.PrivateKey, "ISSUER_PRIVATE_KEY"},
		)
		if c.EVM.ChainID == 0 {
			return fmt.Errorf("required config missing: CHAIN_ID")
		}
	case BackendFabric:
		required = append(required,
			req{c.Fabric.Target, "FABRIC_GATEWAY"},
			req{c.Fabric.Identity, "FABRIC_IDENTITY"},
		)
	default:
		return fmt.Errorf("unknown LEDGER_BACKEND %q", c.Ledger.Backend)
	}
	for _, r := range required {
		if r.val == "" {
			return fmt.Errorf("required config missing: %s", r.name)
		}
	}
	if c.Payment.ConfirmTimeoutMs <= 0 {
		return fmt.Errorf("CONFIRM_TIMEOUT_MS must be positive")
	}
	return nil
}
