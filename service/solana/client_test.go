package solana

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockRPCClient implements RPCClient for testing.
// It's behavior-focused: we set what it should return, not verify call sequences.
type mockRPCClient struct {
	mu sync.Mutex

	blockhash     solana.Hash
	accounts      map[solana.PublicKey]bool
	balances      map[solana.PublicKey]uint64
	tokenBalances map[solana.PublicKey]string
	statuses      []*rpc.SignatureStatusesResult // returned in order, last one repeats
	transaction   *rpc.GetTransactionResult
	sendSig       solana.Signature

	err        error // returned by every call when set
	failFirst  int   // number of calls that fail with failErr before succeeding
	failErr    error
	calls      int
	sentOpts   []rpc.TransactionOpts
	statusPoll int
}

func (m *mockRPCClient) fail() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return m.err
	}
	if m.failFirst > 0 {
		m.failFirst--
		return m.failErr
	}
	return nil
}

func (m *mockRPCClient) GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error) {
	if err := m.fail(); err != nil {
		return nil, err
	}
	return &rpc.GetLatestBlockhashResult{Value: &rpc.LatestBlockhashResult{Blockhash: m.blockhash}}, nil
}

func (m *mockRPCClient) GetAccountInfo(ctx context.Context, account solana.PublicKey) (*rpc.GetAccountInfoResult, error) {
	if err := m.fail(); err != nil {
		return nil, err
	}
	if !m.accounts[account] {
		return nil, rpc.ErrNotFound
	}
	return &rpc.GetAccountInfoResult{Value: &rpc.Account{Owner: solana.TokenProgramID}}, nil
}

func (m *mockRPCClient) GetBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetBalanceResult, error) {
	if err := m.fail(); err != nil {
		return nil, err
	}
	return &rpc.GetBalanceResult{Value: m.balances[account]}, nil
}

func (m *mockRPCClient) GetTokenAccountBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetTokenAccountBalanceResult, error) {
	if err := m.fail(); err != nil {
		return nil, err
	}
	amount, ok := m.tokenBalances[account]
	if !ok {
		return nil, errors.New("Invalid param: could not find account")
	}
	return &rpc.GetTokenAccountBalanceResult{Value: &rpc.UiTokenAmount{Amount: amount, Decimals: 6}}, nil
}

func (m *mockRPCClient) SendRawTransactionWithOpts(ctx context.Context, rawTx []byte, opts rpc.TransactionOpts) (solana.Signature, error) {
	m.mu.Lock()
	m.sentOpts = append(m.sentOpts, opts)
	m.mu.Unlock()
	if err := m.fail(); err != nil {
		return solana.Signature{}, err
	}
	return m.sendSig, nil
}

func (m *mockRPCClient) GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, signatures ...solana.Signature) (*rpc.GetSignatureStatusesResult, error) {
	if err := m.fail(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.statuses) == 0 {
		return &rpc.GetSignatureStatusesResult{Value: []*rpc.SignatureStatusesResult{nil}}, nil
	}
	idx := min(m.statusPoll, len(m.statuses)-1)
	m.statusPoll++
	return &rpc.GetSignatureStatusesResult{Value: []*rpc.SignatureStatusesResult{m.statuses[idx]}}, nil
}

func (m *mockRPCClient) GetTransaction(ctx context.Context, signature solana.Signature, opts *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error) {
	if err := m.fail(); err != nil {
		return nil, err
	}
	return m.transaction, nil
}

func newTestClient(mock *mockRPCClient) *Client {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewClient(mock, "solana-devnet", "test", nil, logger,
		WithPollInterval(5*time.Millisecond),
		WithRetryBackoff(time.Millisecond),
	)
}

func TestLatestBlockhash(t *testing.T) {
	hash := solana.HashFromBytes(make([]byte, 32))
	hash[0] = 7
	client := newTestClient(&mockRPCClient{blockhash: hash})

	got, err := client.LatestBlockhash(context.Background())
	require.NoError(t, err)
	assert.Equal(t, hash, got)
}

func TestLatestBlockhash_RetriesTransientErrors(t *testing.T) {
	mock := &mockRPCClient{failFirst: 2, failErr: errors.New("429 Too Many Requests")}
	client := newTestClient(mock)

	_, err := client.LatestBlockhash(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, mock.calls)
}

func TestLatestBlockhash_GivesUpAfterMaxAttempts(t *testing.T) {
	mock := &mockRPCClient{err: errors.New("connection refused")}
	client := newTestClient(mock)

	_, err := client.LatestBlockhash(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, maxReadAttempts, mock.calls)
}

func TestAccountExists(t *testing.T) {
	present := solana.NewWallet().PublicKey()
	absent := solana.NewWallet().PublicKey()
	client := newTestClient(&mockRPCClient{accounts: map[solana.PublicKey]bool{present: true}})

	ok, err := client.AccountExists(context.Background(), present)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = client.AccountExists(context.Background(), absent)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAccountExists_TransportError(t *testing.T) {
	client := newTestClient(&mockRPCClient{err: errors.New("dial tcp: i/o timeout")})

	_, err := client.AccountExists(context.Background(), solana.NewWallet().PublicKey())
	assert.Error(t, err)
}

func TestNativeBalance(t *testing.T) {
	owner := solana.NewWallet().PublicKey()
	client := newTestClient(&mockRPCClient{balances: map[solana.PublicKey]uint64{owner: 42_000}})

	balance, err := client.NativeBalance(context.Background(), owner)
	require.NoError(t, err)
	assert.Equal(t, uint64(42_000), balance)
}

func TestTokenBalance(t *testing.T) {
	owner := solana.NewWallet().PublicKey()
	mint := solana.NewWallet().PublicKey()
	ata, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	require.NoError(t, err)

	client := newTestClient(&mockRPCClient{tokenBalances: map[solana.PublicKey]string{ata: "1500000"}})

	balance, err := client.TokenBalance(context.Background(), owner, mint)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_500_000), balance)

	// Owner without a token account holds nothing.
	balance, err = client.TokenBalance(context.Background(), solana.NewWallet().PublicKey(), mint)
	require.NoError(t, err)
	assert.Zero(t, balance)
}

func TestSubmitRaw_PreflightAndNoRetry(t *testing.T) {
	sig := solana.SignatureFromBytes(make([]byte, 64))
	sig[0] = 1
	mock := &mockRPCClient{sendSig: sig}
	client := newTestClient(mock)

	got, err := client.SubmitRaw(context.Background(), []byte{1, 2, 3}, true)
	require.NoError(t, err)
	assert.Equal(t, sig, got)
	require.Len(t, mock.sentOpts, 1)
	assert.False(t, mock.sentOpts[0].SkipPreflight)

	failing := &mockRPCClient{err: errors.New("blockhash not found")}
	client = newTestClient(failing)
	_, err = client.SubmitRaw(context.Background(), []byte{1}, true)
	require.Error(t, err)
	assert.Equal(t, 1, failing.calls, "submission must not be retried")
}

func TestConfirm(t *testing.T) {
	sig := solana.SignatureFromBytes(make([]byte, 64))

	t.Run("confirmed after pending polls", func(t *testing.T) {
		mock := &mockRPCClient{statuses: []*rpc.SignatureStatusesResult{
			nil,
			{Slot: 10, ConfirmationStatus: rpc.ConfirmationStatusProcessed},
			{Slot: 11, ConfirmationStatus: rpc.ConfirmationStatusConfirmed},
		}}
		client := newTestClient(mock)

		// Act
		conf, err := client.Confirm(context.Background(), sig, time.Second)

		// Assert
		require.NoError(t, err)
		assert.True(t, conf.Confirmed)
		assert.False(t, conf.TimedOut)
		assert.Equal(t, uint64(11), conf.Slot)
	})

	t.Run("failed on chain", func(t *testing.T) {
		mock := &mockRPCClient{statuses: []*rpc.SignatureStatusesResult{
			{Slot: 12, ConfirmationStatus: rpc.ConfirmationStatusConfirmed, Err: map[string]interface{}{"InstructionError": []interface{}{0, "Custom"}}},
		}}
		client := newTestClient(mock)

		conf, err := client.Confirm(context.Background(), sig, time.Second)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrTransactionFailed))
		assert.False(t, conf.Confirmed)
	})

	t.Run("deadline reached", func(t *testing.T) {
		mock := &mockRPCClient{statuses: []*rpc.SignatureStatusesResult{
			{Slot: 13, ConfirmationStatus: rpc.ConfirmationStatusProcessed},
		}}
		client := newTestClient(mock)

		conf, err := client.Confirm(context.Background(), sig, 30*time.Millisecond)
		require.NoError(t, err)
		assert.True(t, conf.TimedOut)
		assert.False(t, conf.Confirmed)
		assert.Equal(t, "processed", conf.Status)
	})

	t.Run("caller cancellation stops waiting", func(t *testing.T) {
		client := newTestClient(&mockRPCClient{})
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		conf, err := client.Confirm(ctx, sig, time.Second)
		require.ErrorIs(t, err, context.Canceled)
		assert.False(t, conf.Confirmed)
		assert.False(t, conf.TimedOut)
	})
}

func TestTransactionDetails(t *testing.T) {
	payer := solana.NewWallet().PublicKey()
	recipient := solana.NewWallet().PublicKey()
	tx := buildNativeTransfer(t, payer, recipient, 2500)
	raw, err := tx.MarshalBinary()
	require.NoError(t, err)

	var envelope rpc.TransactionResultEnvelope
	payload := fmt.Sprintf(`[%q,"base64"]`, base64.StdEncoding.EncodeToString(raw))
	require.NoError(t, json.Unmarshal([]byte(payload), &envelope))

	blockTime := solana.UnixTimeSeconds(time.Now().Unix())
	mock := &mockRPCClient{transaction: &rpc.GetTransactionResult{
		Slot:        99,
		BlockTime:   &blockTime,
		Meta:        &rpc.TransactionMeta{Fee: 5000},
		Transaction: &envelope,
	}}
	client := newTestClient(mock)

	details, err := client.TransactionDetails(context.Background(), solana.Signature{})
	require.NoError(t, err)
	assert.Equal(t, uint64(99), details.Slot)
	assert.Equal(t, uint64(5000), details.Fee)
	assert.True(t, details.Success)
	require.NotNil(t, details.BlockTime)
	require.Len(t, details.Transfers, 1)
	assert.Equal(t, uint64(2500), details.Transfers[0].Amount)
	assert.Equal(t, recipient, details.Transfers[0].Destination)
}

func TestTransactionDetails_NotFound(t *testing.T) {
	client := newTestClient(&mockRPCClient{})

	_, err := client.TransactionDetails(context.Background(), solana.Signature{})
	assert.ErrorIs(t, err, rpc.ErrNotFound)
}
