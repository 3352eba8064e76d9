package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv blanks every variable Load reads so host settings never leak into a test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"SERVER_ADDR", "METRICS_ADDR", "LOG_LEVEL", "CORS_ALLOWED_ORIGINS", "DEFAULT_NETWORK",
		"SOLANA_MAINNET_RPC_URLS", "SOLANA_DEVNET_RPC_URLS",
		"USDC_MAINNET_MINT_ADDRESS", "USDT_MAINNET_MINT_ADDRESS",
		"USDC_DEVNET_MINT_ADDRESS", "USDT_DEVNET_MINT_ADDRESS",
		"FACILITATOR_PRIVATE_KEY", "FACILITATOR_MIN_BALANCE", "FACILITATOR_SERVICE_FEE_PERCENT",
		"FACILITATOR_STRICT_VERIFY", "CONFIRMATION_TIMEOUT", "CONFIRMATION_POLL_INTERVAL",
		"DATABASE_URL", "NATS_URL", "TEMPORAL_HOST", "TEMPORAL_NAMESPACE", "TEMPORAL_TASK_QUEUE",
	} {
		t.Setenv(key, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, ":8080", cfg.ServerAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, NetworkDevnet, cfg.DefaultNetwork)
	assert.Equal(t, []string{"https://api.mainnet-beta.solana.com"}, cfg.SolanaMainnetRPCURLs)
	assert.Equal(t, []string{"https://api.devnet.solana.com"}, cfg.SolanaDevnetRPCURLs)
	assert.Equal(t, uint64(100_000), cfg.MinBalance)
	assert.Equal(t, uint64(10), cfg.ServiceFeePercent)
	assert.False(t, cfg.StrictVerify)
	assert.Equal(t, 30*time.Second, cfg.ConfirmationTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.ConfirmationPollInterval)
	assert.False(t, cfg.FacilitationEnabled())
	assert.Empty(t, cfg.DatabaseURL)
	assert.Empty(t, cfg.TemporalHost)
	assert.Equal(t, "facilitator-payouts", cfg.TemporalTaskQueue)
}

func TestLoad_CustomValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("SERVER_ADDR", ":9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("DEFAULT_NETWORK", NetworkMainnet)
	t.Setenv("SOLANA_MAINNET_RPC_URLS", "https://rpc-a.example.com, https://rpc-b.example.com,")
	t.Setenv("FACILITATOR_PRIVATE_KEY", "secret")
	t.Setenv("FACILITATOR_MIN_BALANCE", "250000")
	t.Setenv("FACILITATOR_SERVICE_FEE_PERCENT", "5")
	t.Setenv("FACILITATOR_STRICT_VERIFY", "true")
	t.Setenv("CONFIRMATION_TIMEOUT", "45s")
	t.Setenv("DATABASE_URL", "postgres://localhost/facilitator")
	t.Setenv("NATS_URL", "nats://localhost:4222")
	t.Setenv("TEMPORAL_HOST", "localhost:7233")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.ServerAddr)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, NetworkMainnet, cfg.DefaultNetwork)
	assert.Equal(t, []string{"https://rpc-a.example.com", "https://rpc-b.example.com"}, cfg.SolanaMainnetRPCURLs)
	assert.True(t, cfg.FacilitationEnabled())
	assert.Equal(t, uint64(250000), cfg.MinBalance)
	assert.Equal(t, uint64(5), cfg.ServiceFeePercent)
	assert.True(t, cfg.StrictVerify)
	assert.Equal(t, 45*time.Second, cfg.ConfirmationTimeout)
	assert.Equal(t, "postgres://localhost/facilitator", cfg.DatabaseURL)
	assert.Equal(t, "nats://localhost:4222", cfg.NATSURL)
	assert.Equal(t, "localhost:7233", cfg.TemporalHost)
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		value   string
		wantErr string
	}{
		{"bad duration", "CONFIRMATION_TIMEOUT", "soon", "invalid duration"},
		{"bad min balance", "FACILITATOR_MIN_BALANCE", "-5", "invalid integer"},
		{"bad fee percent", "FACILITATOR_SERVICE_FEE_PERCENT", "ten", "invalid integer"},
		{"fee percent out of range", "FACILITATOR_SERVICE_FEE_PERCENT", "150", "between 0 and 100"},
		{"bad strict flag", "FACILITATOR_STRICT_VERIFY", "maybe", "invalid boolean"},
		{"unknown network", "DEFAULT_NETWORK", "ethereum", "is not one of"},
		{"shared rpc url", "SOLANA_DEVNET_RPC_URLS", "https://api.mainnet-beta.solana.com", "configured for both"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.value)

			cfg, err := Load()
			require.Error(t, err)
			assert.Nil(t, cfg)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			DefaultNetwork:           NetworkDevnet,
			SolanaMainnetRPCURLs:     []string{"https://mainnet.example.com"},
			SolanaDevnetRPCURLs:      []string{"https://devnet.example.com"},
			ServiceFeePercent:        10,
			ConfirmationTimeout:      30 * time.Second,
			ConfirmationPollInterval: time.Second,
			TemporalNamespace:        "default",
			TemporalTaskQueue:        "facilitator-payouts",
		}
	}

	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, valid().Validate())
	})

	t.Run("poll interval longer than timeout", func(t *testing.T) {
		cfg := valid()
		cfg.ConfirmationPollInterval = time.Minute
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cannot be greater than")
	})

	t.Run("temporal host without task queue", func(t *testing.T) {
		cfg := valid()
		cfg.TemporalHost = "localhost:7233"
		cfg.TemporalTaskQueue = ""
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "TemporalTaskQueue is required")
	})

	t.Run("matching usdc mints", func(t *testing.T) {
		cfg := valid()
		cfg.USDCMainnetMintAddress = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
		cfg.USDCDevnetMintAddress = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
		assert.Error(t, cfg.Validate())
	})
}

func TestRPCURLs(t *testing.T) {
	cfg := &Config{
		SolanaMainnetRPCURLs: []string{"https://mainnet.example.com"},
		SolanaDevnetRPCURLs:  []string{"https://devnet.example.com"},
	}

	assert.Equal(t, []string{"https://mainnet.example.com"}, cfg.RPCURLs(NetworkMainnet))
	assert.Equal(t, []string{"https://devnet.example.com"}, cfg.RPCURLs(NetworkDevnet))
	assert.Nil(t, cfg.RPCURLs("testnet"))
}
