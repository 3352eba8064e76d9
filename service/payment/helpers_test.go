package payment

import (
	"context"
	"encoding/base64"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/brojonat/x402-facilitator/service/assets"
	"github.com/brojonat/x402-facilitator/service/solana"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// fakeChain implements ChainClient in memory. Submitted transactions are
// identified by their slot 0 signature, as on the real network.
type fakeChain struct {
	mu sync.Mutex

	network       string
	blockhash     solanago.Hash
	accounts      map[solanago.PublicKey]bool
	accountErr    error
	balances      map[solanago.PublicKey]uint64
	balanceErr    error
	tokenBalances map[solanago.PublicKey]uint64 // keyed by owner
	tokenErr      error
	submitErr     error
	lose          func(n int) error // error returned after the n-th broadcast was accepted
	confirm       func(sig solanago.Signature) (*solana.Confirmation, error)

	submitted [][]byte
}

func newFakeChain() *fakeChain {
	hash := solanago.Hash{}
	hash[0] = 1
	return &fakeChain{
		network:       "solana-devnet",
		blockhash:     hash,
		accounts:      make(map[solanago.PublicKey]bool),
		balances:      make(map[solanago.PublicKey]uint64),
		tokenBalances: make(map[solanago.PublicKey]uint64),
	}
}

func (f *fakeChain) Network() string { return f.network }

func (f *fakeChain) LatestBlockhash(ctx context.Context) (solanago.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blockhash, nil
}

func (f *fakeChain) AccountExists(ctx context.Context, address solanago.PublicKey) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.accountErr != nil {
		return false, f.accountErr
	}
	return f.accounts[address], nil
}

func (f *fakeChain) NativeBalance(ctx context.Context, address solanago.PublicKey) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.balanceErr != nil {
		return 0, f.balanceErr
	}
	return f.balances[address], nil
}

func (f *fakeChain) TokenBalance(ctx context.Context, owner, mint solanago.PublicKey) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tokenErr != nil {
		return 0, f.tokenErr
	}
	return f.tokenBalances[owner], nil
}

func (f *fakeChain) SubmitRaw(ctx context.Context, raw []byte, preflight bool) (solanago.Signature, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return solanago.Signature{}, f.submitErr
	}
	tx, err := DecodeTransaction(raw)
	if err != nil {
		return solanago.Signature{}, err
	}
	f.submitted = append(f.submitted, raw)
	if f.lose != nil {
		if err := f.lose(len(f.submitted)); err != nil {
			return solanago.Signature{}, err
		}
	}
	return tx.Signatures[0], nil
}

func (f *fakeChain) Confirm(ctx context.Context, sig solanago.Signature, deadline time.Duration) (*solana.Confirmation, error) {
	if f.confirm != nil {
		return f.confirm(sig)
	}
	return &solana.Confirmation{Confirmed: true, Slot: 1234, Status: "confirmed"}, nil
}

func (f *fakeChain) SignatureStatus(ctx context.Context, sig solanago.Signature) (*solana.SignatureStatus, error) {
	return &solana.SignatureStatus{Slot: 1234, Status: "confirmed"}, nil
}

func (f *fakeChain) submissions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submitted)
}

// landed counts distinct transactions, which is what the network would execute.
func (f *fakeChain) landed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := make(map[solanago.Signature]bool)
	for _, raw := range f.submitted {
		tx, err := DecodeTransaction(raw)
		if err == nil {
			seen[tx.Signatures[0]] = true
		}
	}
	return len(seen)
}

// mockRetrier records scheduled payouts.
type mockRetrier struct {
	mock.Mock
}

func (m *mockRetrier) SchedulePayoutRetry(ctx context.Context, req PayoutRequest) error {
	args := m.Called(ctx, req)
	return args.Error(0)
}

// mockPublisher records published events.
type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) PublishSettlement(ctx context.Context, rec SettlementRecord) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

func (m *mockPublisher) PublishPayout(ctx context.Context, rec PayoutRecord) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

type fixture struct {
	chain          *fakeChain
	wallet         *Wallet
	facilitatorKey solanago.PrivateKey
	payerKey       solanago.PrivateKey
	registry       *assets.Registry
	creator        *Creator
	ledger         *FeeLedger
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newFixture builds a funded facilitator and payer on a fake devnet.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	facilitatorKey, err := solanago.NewRandomPrivateKey()
	require.NoError(t, err)
	payerKey, err := solanago.NewRandomPrivateKey()
	require.NoError(t, err)

	wallet, err := NewWallet(facilitatorKey.String(), DefaultMinBalanceLamports, DefaultServiceFeePercent, discardLogger())
	require.NoError(t, err)

	registry, err := assets.DefaultRegistry("solana-devnet", assets.MintOverrides{})
	require.NoError(t, err)

	chain := newFakeChain()
	chain.balances[facilitatorKey.PublicKey()] = 1_000_000_000
	chain.balances[payerKey.PublicKey()] = 5_000_000_000

	return &fixture{
		chain:          chain,
		wallet:         wallet,
		facilitatorKey: facilitatorKey,
		payerKey:       payerKey,
		registry:       registry,
		creator:        NewCreator(wallet, chain, registry, nil, discardLogger()),
		ledger:         NewFeeLedger(),
	}
}

func (f *fixture) settler(opts ...SettlerOption) *Settler {
	opts = append([]SettlerOption{WithSettlerLogger(discardLogger())}, opts...)
	return NewSettler(f.wallet, f.chain, f.creator, f.ledger, opts...)
}

func (f *fixture) verifier(strict bool) *Verifier {
	return NewVerifier(f.wallet, f.chain, f.registry, strict, nil, discardLogger())
}

// cosign adds the payer's signature to a created payment and returns raw bytes.
func (f *fixture) cosign(t *testing.T, created *CreatedPayment) []byte {
	t.Helper()
	tx, _, err := DecodeTransactionBase64(created.Transaction)
	require.NoError(t, err)
	payer := f.payerKey
	_, err = tx.PartialSign(func(key solanago.PublicKey) *solanago.PrivateKey {
		if key.Equals(payer.PublicKey()) {
			return &payer
		}
		return nil
	})
	require.NoError(t, err)
	raw, err := tx.MarshalBinary()
	require.NoError(t, err)
	return raw
}

// signedPayment creates and co-signs a SOL payment of amount lamports.
func (f *fixture) signedPayment(t *testing.T, amount uint64) []byte {
	t.Helper()
	created, err := f.creator.CreatePayment(context.Background(), CreatePaymentRequest{
		Payer:  f.payerKey.PublicKey().String(),
		Amount: amount,
	})
	require.NoError(t, err)
	return f.cosign(t, created)
}

// signedBy builds a facilitator-fee-paid transaction fully signed by the given keys.
func (f *fixture) signedBy(t *testing.T, instructions []solanago.Instruction, signers ...solanago.PrivateKey) []byte {
	t.Helper()
	tx, err := solanago.NewTransaction(instructions, f.chain.blockhash, solanago.TransactionPayer(f.facilitatorKey.PublicKey()))
	require.NoError(t, err)
	signers = append([]solanago.PrivateKey{f.facilitatorKey}, signers...)
	_, err = tx.Sign(func(key solanago.PublicKey) *solanago.PrivateKey {
		for i := range signers {
			if key.Equals(signers[i].PublicKey()) {
				return &signers[i]
			}
		}
		return nil
	})
	require.NoError(t, err)
	raw, err := tx.MarshalBinary()
	require.NoError(t, err)
	return raw
}

func encodeRaw(raw []byte) string {
	return base64.StdEncoding.EncodeToString(raw)
}
