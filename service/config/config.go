package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Known network identifiers, matching the x402 network names.
const (
	NetworkMainnet = "solana"
	NetworkDevnet  = "solana-devnet"
)

// Config holds all application configuration loaded from environment variables.
// All required fields are validated at startup to ensure fail-fast behavior.
type Config struct {
	// Server configuration
	ServerAddr         string
	MetricsAddr        string
	LogLevel           string
	CORSAllowedOrigins string

	// Network selection
	DefaultNetwork string

	// Solana configuration - Mainnet
	SolanaMainnetRPCURLs   []string
	USDCMainnetMintAddress string
	USDTMainnetMintAddress string

	// Solana configuration - Devnet
	SolanaDevnetRPCURLs   []string
	USDCDevnetMintAddress string
	USDTDevnetMintAddress string

	// Facilitator wallet
	FacilitatorPrivateKey string
	MinBalance            uint64
	ServiceFeePercent     uint64
	StrictVerify          bool

	// Settlement
	ConfirmationTimeout      time.Duration
	ConfirmationPollInterval time.Duration

	// Optional backends. Empty values disable the integration.
	DatabaseURL string
	NATSURL     string

	// Temporal configuration
	TemporalHost      string
	TemporalNamespace string
	TemporalTaskQueue string
}

// Load reads configuration from environment variables and validates all fields.
// Returns an error if any configuration value is invalid.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []error

	cfg.ServerAddr = getEnvOrDefault("SERVER_ADDR", ":8080")
	cfg.MetricsAddr = getEnvOrDefault("METRICS_ADDR", ":9091")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.CORSAllowedOrigins = getEnvOrDefault("CORS_ALLOWED_ORIGINS", "*")

	cfg.DefaultNetwork = getEnvOrDefault("DEFAULT_NETWORK", NetworkDevnet)

	cfg.SolanaMainnetRPCURLs = parseList("SOLANA_MAINNET_RPC_URLS", "https://api.mainnet-beta.solana.com")
	cfg.SolanaDevnetRPCURLs = parseList("SOLANA_DEVNET_RPC_URLS", "https://api.devnet.solana.com")

	// Mint overrides. Empty means the registry default for that network.
	cfg.USDCMainnetMintAddress = os.Getenv("USDC_MAINNET_MINT_ADDRESS")
	cfg.USDTMainnetMintAddress = os.Getenv("USDT_MAINNET_MINT_ADDRESS")
	cfg.USDCDevnetMintAddress = os.Getenv("USDC_DEVNET_MINT_ADDRESS")
	cfg.USDTDevnetMintAddress = os.Getenv("USDT_DEVNET_MINT_ADDRESS")

	cfg.FacilitatorPrivateKey = os.Getenv("FACILITATOR_PRIVATE_KEY")

	minBalance, err := parseUint("FACILITATOR_MIN_BALANCE", 100_000)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.MinBalance = minBalance
	}

	feePercent, err := parseUint("FACILITATOR_SERVICE_FEE_PERCENT", 10)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.ServiceFeePercent = feePercent
	}

	strict, err := parseBool("FACILITATOR_STRICT_VERIFY", false)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.StrictVerify = strict
	}

	timeout, err := parseDuration("CONFIRMATION_TIMEOUT", "30s")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.ConfirmationTimeout = timeout
	}

	pollInterval, err := parseDuration("CONFIRMATION_POLL_INTERVAL", "500ms")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.ConfirmationPollInterval = pollInterval
	}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.NATSURL = os.Getenv("NATS_URL")

	cfg.TemporalHost = os.Getenv("TEMPORAL_HOST")
	cfg.TemporalNamespace = getEnvOrDefault("TEMPORAL_NAMESPACE", "default")
	cfg.TemporalTaskQueue = getEnvOrDefault("TEMPORAL_TASK_QUEUE", "facilitator-payouts")

	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// MustLoad is like Load but panics if configuration is invalid.
// Useful for server initialization where misconfiguration should halt startup.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks if the configuration is valid.
// This is useful for testing configuration without loading from env.
func (c *Config) Validate() error {
	var errs []error

	if !IsKnownNetwork(c.DefaultNetwork) {
		errs = append(errs, fmt.Errorf("DefaultNetwork %q is not one of %s, %s", c.DefaultNetwork, NetworkMainnet, NetworkDevnet))
	}

	if len(c.SolanaMainnetRPCURLs) == 0 {
		errs = append(errs, fmt.Errorf("SolanaMainnetRPCURLs is required"))
	}

	if len(c.SolanaDevnetRPCURLs) == 0 {
		errs = append(errs, fmt.Errorf("SolanaDevnetRPCURLs is required"))
	}

	for _, mainnet := range c.SolanaMainnetRPCURLs {
		for _, devnet := range c.SolanaDevnetRPCURLs {
			if mainnet == devnet {
				errs = append(errs, fmt.Errorf("RPC URL %q is configured for both mainnet and devnet", mainnet))
			}
		}
	}

	if c.USDCMainnetMintAddress != "" && c.USDCMainnetMintAddress == c.USDCDevnetMintAddress {
		errs = append(errs, fmt.Errorf("USDC_MAINNET_MINT_ADDRESS and USDC_DEVNET_MINT_ADDRESS must be different"))
	}

	if c.ServiceFeePercent > 100 {
		errs = append(errs, fmt.Errorf("ServiceFeePercent must be between 0 and 100, got %d", c.ServiceFeePercent))
	}

	if c.ConfirmationTimeout <= 0 {
		errs = append(errs, fmt.Errorf("ConfirmationTimeout must be positive"))
	}

	if c.ConfirmationPollInterval <= 0 {
		errs = append(errs, fmt.Errorf("ConfirmationPollInterval must be positive"))
	}

	if c.ConfirmationPollInterval > c.ConfirmationTimeout {
		errs = append(errs, fmt.Errorf("ConfirmationPollInterval (%v) cannot be greater than ConfirmationTimeout (%v)",
			c.ConfirmationPollInterval, c.ConfirmationTimeout))
	}

	if c.TemporalHost != "" {
		if c.TemporalNamespace == "" {
			errs = append(errs, fmt.Errorf("TemporalNamespace is required when TemporalHost is set"))
		}
		if c.TemporalTaskQueue == "" {
			errs = append(errs, fmt.Errorf("TemporalTaskQueue is required when TemporalHost is set"))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}

	return nil
}

// RPCURLs returns the configured RPC endpoints for a network.
func (c *Config) RPCURLs(network string) []string {
	switch network {
	case NetworkMainnet:
		return c.SolanaMainnetRPCURLs
	case NetworkDevnet:
		return c.SolanaDevnetRPCURLs
	default:
		return nil
	}
}

// FacilitationEnabled reports whether a facilitator key is configured.
func (c *Config) FacilitationEnabled() bool {
	return c.FacilitatorPrivateKey != ""
}

// IsKnownNetwork reports whether network is one of the supported clusters.
func IsKnownNetwork(network string) bool {
	return network == NetworkMainnet || network == NetworkDevnet
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseList splits a comma separated environment variable, dropping blanks.
func parseList(key, defaultValue string) []string {
	raw := getEnvOrDefault(key, defaultValue)
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseDuration parses a duration from an environment variable or uses a default.
func parseDuration(key, defaultValue string) (time.Duration, error) {
	value := getEnvOrDefault(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}
	return duration, nil
}

// parseUint parses an unsigned integer from an environment variable or uses a default.
func parseUint(key string, defaultValue uint64) (uint64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, value, err)
	}
	return result, nil
}

func parseBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%s: invalid boolean %q: %w", key, value, err)
	}
	return result, nil
}
