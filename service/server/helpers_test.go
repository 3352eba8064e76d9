package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/brojonat/x402-facilitator/service/assets"
	"github.com/brojonat/x402-facilitator/service/payment"
	"github.com/brojonat/x402-facilitator/service/solana"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/require"
)

const testNetwork = "solana-devnet"

// fakeChain is an in-memory network. Submitted transactions are identified by
// their slot 0 signature.
type fakeChain struct {
	mu sync.Mutex

	balances   map[solanago.PublicKey]uint64
	balanceErr error
	confirm    func(sig solanago.Signature) (*solana.Confirmation, error)
	details    map[solanago.Signature]*solana.TransactionDetails
	detailsErr error

	submitted [][]byte
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		balances: make(map[solanago.PublicKey]uint64),
		details:  make(map[solanago.Signature]*solana.TransactionDetails),
	}
}

func (f *fakeChain) Network() string { return testNetwork }

func (f *fakeChain) LatestBlockhash(ctx context.Context) (solanago.Hash, error) {
	hash := solanago.Hash{}
	hash[0] = 7
	return hash, nil
}

func (f *fakeChain) AccountExists(ctx context.Context, address solanago.PublicKey) (bool, error) {
	return true, nil
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
	return 0, nil
}

func (f *fakeChain) SubmitRaw(ctx context.Context, raw []byte, preflight bool) (solanago.Signature, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, err := payment.DecodeTransaction(raw)
	if err != nil {
		return solanago.Signature{}, err
	}
	f.submitted = append(f.submitted, raw)
	return tx.Signatures[0], nil
}

func (f *fakeChain) Confirm(ctx context.Context, sig solanago.Signature, deadline time.Duration) (*solana.Confirmation, error) {
	if f.confirm != nil {
		return f.confirm(sig)
	}
	return &solana.Confirmation{Confirmed: true, Slot: 4321, Status: "confirmed"}, nil
}

func (f *fakeChain) SignatureStatus(ctx context.Context, sig solanago.Signature) (*solana.SignatureStatus, error) {
	return &solana.SignatureStatus{Slot: 4321, Status: "confirmed"}, nil
}

func (f *fakeChain) TransactionDetails(ctx context.Context, sig solanago.Signature) (*solana.TransactionDetails, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.detailsErr != nil {
		return nil, f.detailsErr
	}
	details, ok := f.details[sig]
	if !ok {
		return nil, rpc.ErrNotFound
	}
	return details, nil
}

func (f *fakeChain) submissions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submitted)
}

type testEnv struct {
	chain          *fakeChain
	facilitatorKey solanago.PrivateKey
	payerKey       solanago.PrivateKey
	wallet         *payment.Wallet
	ledger         *payment.FeeLedger
	recorder       *payment.MemoryRecorder
	handler        http.Handler
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestEnv wires a funded facilitator on a fake devnet. configure may
// adjust the server config before the server is built.
func newTestEnv(t *testing.T, configure ...func(*Config)) *testEnv {
	t.Helper()

	facilitatorKey, err := solanago.NewRandomPrivateKey()
	require.NoError(t, err)
	payerKey, err := solanago.NewRandomPrivateKey()
	require.NoError(t, err)

	wallet, err := payment.NewWallet(facilitatorKey.String(), payment.DefaultMinBalanceLamports, payment.DefaultServiceFeePercent, discardLogger())
	require.NoError(t, err)

	return buildEnv(t, wallet, facilitatorKey, payerKey, configure...)
}

// newDisabledEnv wires a facilitator without a key.
func newDisabledEnv(t *testing.T) *testEnv {
	t.Helper()

	payerKey, err := solanago.NewRandomPrivateKey()
	require.NoError(t, err)
	wallet, err := payment.NewWallet("", payment.DefaultMinBalanceLamports, payment.DefaultServiceFeePercent, discardLogger())
	require.NoError(t, err)

	return buildEnv(t, wallet, nil, payerKey)
}

func buildEnv(t *testing.T, wallet *payment.Wallet, facilitatorKey, payerKey solanago.PrivateKey, configure ...func(*Config)) *testEnv {
	t.Helper()

	registry, err := assets.DefaultRegistry(testNetwork, assets.MintOverrides{})
	require.NoError(t, err)

	chain := newFakeChain()
	if facilitatorKey != nil {
		chain.balances[facilitatorKey.PublicKey()] = 1_000_000_000
	}
	chain.balances[payerKey.PublicKey()] = 5_000_000_000

	ledger := payment.NewFeeLedger()
	recorder := payment.NewMemoryRecorder()
	creator := payment.NewCreator(wallet, chain, registry, nil, discardLogger())

	cfg := Config{
		Addr:   ":0",
		Wallet: wallet,
		Ledger: ledger,
		Networks: []*Network{{
			Name:     testNetwork,
			RPCURL:   "https://api.devnet.solana.com",
			Chain:    chain,
			Registry: registry,
			Creator:  creator,
			Verifier: payment.NewVerifier(wallet, chain, registry, false, nil, discardLogger()),
			Settler: payment.NewSettler(wallet, chain, creator, ledger,
				payment.WithRecorder(recorder),
				payment.WithSettlerLogger(discardLogger()),
			),
		}},
		DefaultNetwork: testNetwork,
		CORSOrigins:    "*",
		Settlements:    recorder,
		Logger:         discardLogger(),
	}
	for _, fn := range configure {
		fn(&cfg)
	}

	srv, err := New(cfg)
	require.NoError(t, err)

	return &testEnv{
		chain:          chain,
		facilitatorKey: facilitatorKey,
		payerKey:       payerKey,
		wallet:         wallet,
		ledger:         ledger,
		recorder:       recorder,
		handler:        srv.Handler(),
	}
}

// do sends a request through the full handler chain.
func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

// createPayment asks the API for a SOL payment and returns the decoded body.
func (e *testEnv) createPayment(t *testing.T, amount uint64) payment.CreatedPayment {
	t.Helper()

	w := e.do(t, http.MethodPost, "/create-payment", map[string]interface{}{
		"payer":  e.payerKey.PublicKey().String(),
		"amount": amount,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var created payment.CreatedPayment
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	return created
}

// cosign adds the payer signature and returns the base64 wire transaction.
func (e *testEnv) cosign(t *testing.T, created payment.CreatedPayment) string {
	t.Helper()

	tx, _, err := payment.DecodeTransactionBase64(created.Transaction)
	require.NoError(t, err)
	payer := e.payerKey
	_, err = tx.PartialSign(func(key solanago.PublicKey) *solanago.PrivateKey {
		if key.Equals(payer.PublicKey()) {
			return &payer
		}
		return nil
	})
	require.NoError(t, err)

	raw, err := tx.MarshalBinary()
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(raw)
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}
