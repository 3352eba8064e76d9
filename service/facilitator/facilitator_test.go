package facilitator

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/brojonat/x402-facilitator/service/config"
	"github.com/brojonat/x402-facilitator/service/payment"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	return &config.Config{
		SolanaMainnetRPCURLs:     []string{"https://mainnet.example.com", "https://mainnet-2.example.com"},
		SolanaDevnetRPCURLs:      []string{"https://devnet.example.com"},
		ConfirmationTimeout:      30 * time.Second,
		ConfirmationPollInterval: time.Second,
	}
}

func testDeps(t *testing.T) Deps {
	t.Helper()
	key, err := solanago.NewRandomPrivateKey()
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	wallet, err := payment.NewWallet(key.String(), payment.DefaultMinBalanceLamports, payment.DefaultServiceFeePercent, logger)
	require.NoError(t, err)
	return Deps{
		Wallet:   wallet,
		Ledger:   payment.NewFeeLedger(),
		Recorder: payment.NewMemoryRecorder(),
		Logger:   logger,
	}
}

func TestNetworks(t *testing.T) {
	cfg := testConfig()

	nets, err := Networks(cfg, testDeps(t))
	require.NoError(t, err)
	require.Len(t, nets, 2)

	mainnet, devnet := nets[0], nets[1]
	assert.Equal(t, config.NetworkMainnet, mainnet.Name)
	assert.Contains(t, cfg.SolanaMainnetRPCURLs, mainnet.RPCURL)
	assert.Equal(t, config.NetworkMainnet, mainnet.Chain.Network())
	assert.Equal(t, config.NetworkMainnet, mainnet.Settler.Network())
	assert.Len(t, mainnet.Registry.All(), 3, "SOL, USDC and USDT")

	assert.Equal(t, config.NetworkDevnet, devnet.Name)
	assert.Equal(t, "https://devnet.example.com", devnet.RPCURL)
	assert.Len(t, devnet.Registry.All(), 2, "no USDT on devnet without an override")
	assert.False(t, devnet.Verifier.Strict())
}

func TestNetworks_MintOverridesAndStrict(t *testing.T) {
	cfg := testConfig()
	cfg.StrictVerify = true
	cfg.USDTDevnetMintAddress = "Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB"

	nets, err := Networks(cfg, testDeps(t))
	require.NoError(t, err)

	devnet := nets[1]
	usdt, err := devnet.Registry.Resolve("USDT")
	require.NoError(t, err)
	assert.Equal(t, cfg.USDTDevnetMintAddress, usdt.Mint.String())
	assert.True(t, devnet.Verifier.Strict())
}

func TestNetworks_Errors(t *testing.T) {
	t.Run("missing endpoints", func(t *testing.T) {
		cfg := testConfig()
		cfg.SolanaDevnetRPCURLs = nil

		_, err := Networks(cfg, testDeps(t))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "solana-devnet")
	})

	t.Run("invalid mint override", func(t *testing.T) {
		cfg := testConfig()
		cfg.USDCMainnetMintAddress = "not-a-mint"

		_, err := Networks(cfg, testDeps(t))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "USDC")
	})

	t.Run("missing wallet", func(t *testing.T) {
		deps := testDeps(t)
		deps.Wallet = nil

		_, err := Networks(testConfig(), deps)
		assert.Error(t, err)
	})
}
