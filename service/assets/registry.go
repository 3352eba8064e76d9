// Package assets holds the per-network registry of payable assets.
package assets

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"

	solanago "github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

// ErrUnsupportedAsset is returned when a symbol or mint is not registered.
var ErrUnsupportedAsset = errors.New("unsupported asset")

// Well-known mints.
var (
	// NativeMint is the wrapped SOL mint. It identifies the native asset in x402 requirements.
	NativeMint = solanago.SolMint

	USDCMainnetMint = solanago.MustPublicKeyFromBase58("EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v")
	USDTMainnetMint = solanago.MustPublicKeyFromBase58("Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB")
	USDCDevnetMint  = solanago.MustPublicKeyFromBase58("4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU")
)

const (
	SymbolSOL  = "SOL"
	SymbolUSDC = "USDC"
	SymbolUSDT = "USDT"

	NativeDecimals = 9
	StableDecimals = 6
)

// Asset describes something a payer can transfer.
type Asset struct {
	Symbol    string             `json:"symbol"`
	Mint      solanago.PublicKey `json:"mint"`
	Decimals  uint8              `json:"decimals"`
	MinAmount uint64             `json:"min_amount,omitempty"`
	Native    bool               `json:"native"`
}

// FormatAmount renders minor units as a decimal string in whole units.
func (a Asset) FormatAmount(amount uint64) string {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(amount), 0).Shift(-int32(a.Decimals)).String()
}

// ParseAmount converts a decimal string in whole units to minor units.
// Fractions finer than the asset's precision are rejected.
func (a Asset) ParseAmount(value string) (uint64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", value, err)
	}
	minor := d.Shift(int32(a.Decimals))
	if !minor.Equal(minor.Truncate(0)) {
		return 0, fmt.Errorf("amount %q has more than %d decimal places", value, a.Decimals)
	}
	if minor.IsNegative() {
		return 0, fmt.Errorf("amount %q is negative", value)
	}
	if !minor.BigInt().IsUint64() {
		return 0, fmt.Errorf("amount %q is too large", value)
	}
	return minor.BigInt().Uint64(), nil
}

// Registry is an immutable set of assets for one network.
type Registry struct {
	network  string
	bySymbol map[string]Asset
	byMint   map[string]Asset
}

// NewRegistry builds a registry from the given assets. Symbols are case-insensitive.
func NewRegistry(network string, list ...Asset) (*Registry, error) {
	r := &Registry{
		network:  network,
		bySymbol: make(map[string]Asset, len(list)),
		byMint:   make(map[string]Asset, len(list)),
	}
	for _, a := range list {
		symbol := strings.ToUpper(a.Symbol)
		if symbol == "" {
			return nil, fmt.Errorf("asset with mint %s has no symbol", a.Mint)
		}
		if _, dup := r.bySymbol[symbol]; dup {
			return nil, fmt.Errorf("duplicate asset symbol %s", symbol)
		}
		if _, dup := r.byMint[a.Mint.String()]; dup {
			return nil, fmt.Errorf("duplicate asset mint %s", a.Mint)
		}
		a.Symbol = symbol
		r.bySymbol[symbol] = a
		r.byMint[a.Mint.String()] = a
	}
	return r, nil
}

// MintOverrides replaces default stablecoin mints. Empty fields keep the default.
type MintOverrides struct {
	USDC string
	USDT string
}

// DefaultRegistry returns SOL, USDC and USDT for mainnet, and SOL plus USDC for
// devnet. USDT is added on devnet only when an override mint is supplied.
func DefaultRegistry(network string, overrides MintOverrides) (*Registry, error) {
	list := []Asset{{Symbol: SymbolSOL, Mint: NativeMint, Decimals: NativeDecimals, Native: true}}

	var usdc, usdt solanago.PublicKey
	switch network {
	case "solana":
		usdc, usdt = USDCMainnetMint, USDTMainnetMint
	case "solana-devnet":
		usdc = USDCDevnetMint
	default:
		return nil, fmt.Errorf("unknown network %q", network)
	}

	if overrides.USDC != "" {
		mint, err := solanago.PublicKeyFromBase58(overrides.USDC)
		if err != nil {
			return nil, fmt.Errorf("invalid USDC mint: %w", err)
		}
		usdc = mint
	}
	if overrides.USDT != "" {
		mint, err := solanago.PublicKeyFromBase58(overrides.USDT)
		if err != nil {
			return nil, fmt.Errorf("invalid USDT mint: %w", err)
		}
		usdt = mint
	}

	list = append(list, Asset{Symbol: SymbolUSDC, Mint: usdc, Decimals: StableDecimals})
	if !usdt.IsZero() {
		list = append(list, Asset{Symbol: SymbolUSDT, Mint: usdt, Decimals: StableDecimals})
	}

	return NewRegistry(network, list...)
}

// Network returns the network this registry serves.
func (r *Registry) Network() string {
	return r.network
}

// Resolve looks up an asset by symbol.
func (r *Registry) Resolve(symbol string) (Asset, error) {
	a, ok := r.bySymbol[strings.ToUpper(strings.TrimSpace(symbol))]
	if !ok {
		return Asset{}, fmt.Errorf("%w: %s on %s", ErrUnsupportedAsset, symbol, r.network)
	}
	return a, nil
}

// ByMint looks up an asset by mint address.
func (r *Registry) ByMint(mint string) (Asset, error) {
	a, ok := r.byMint[strings.TrimSpace(mint)]
	if !ok {
		return Asset{}, fmt.Errorf("%w: mint %s on %s", ErrUnsupportedAsset, mint, r.network)
	}
	return a, nil
}

// Lookup accepts either a symbol or a mint address.
func (r *Registry) Lookup(identifier string) (Asset, error) {
	if a, err := r.Resolve(identifier); err == nil {
		return a, nil
	}
	return r.ByMint(identifier)
}

// All returns the registered assets ordered by symbol.
func (r *Registry) All() []Asset {
	out := make([]Asset, 0, len(r.bySymbol))
	for _, a := range r.bySymbol {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}
