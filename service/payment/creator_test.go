package payment

import (
	"context"
	"testing"

	solanago "github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreatePayment_PartiallySignedByFacilitator(t *testing.T) {
	f := newFixture(t)
	payer := f.payerKey.PublicKey()

	// Act
	created, err := f.creator.CreatePayment(context.Background(), CreatePaymentRequest{
		Payer:  payer.String(),
		Amount: 1_000_000,
	})

	// Assert
	require.NoError(t, err)
	assert.True(t, created.RequiresUserSignature)
	assert.Equal(t, "SOL", created.Asset)
	assert.Equal(t, "0.001", created.AmountDisplay)
	assert.Equal(t, f.wallet.PublicKey().String(), created.Facilitator)
	assert.Equal(t, f.chain.blockhash.String(), created.Blockhash)

	tx, _, err := DecodeTransactionBase64(created.Transaction)
	require.NoError(t, err)
	assert.Equal(t, 1, FilledSignatures(tx), "only the facilitator has signed")

	feePayer, ok := FeePayer(tx)
	require.True(t, ok)
	assert.Equal(t, f.wallet.PublicKey(), feePayer)

	signer, ok := SignerAt(tx, 1)
	require.True(t, ok)
	assert.Equal(t, payer, signer)

	assert.False(t, tx.Signatures[0].IsZero())
	assert.True(t, tx.Signatures[1].IsZero())
	assert.Equal(t, 0, f.chain.submissions(), "creation never broadcasts")
}

func TestCreatePayment_TokenAddsAccountCreation(t *testing.T) {
	f := newFixture(t)

	created, err := f.creator.CreatePayment(context.Background(), CreatePaymentRequest{
		Payer:  f.payerKey.PublicKey().String(),
		Amount: 1_500_000,
		Asset:  "usdc",
	})
	require.NoError(t, err)
	assert.Equal(t, "USDC", created.Asset)
	assert.Equal(t, "1.5", created.AmountDisplay)

	tx, _, err := DecodeTransactionBase64(created.Transaction)
	require.NoError(t, err)
	assert.Len(t, tx.Message.Instructions, 2)
}

func TestCreatePayment_MerchantSplit(t *testing.T) {
	f := newFixture(t)
	merchant := solanago.NewWallet().PublicKey().String()

	created, err := f.creator.CreatePayment(context.Background(), CreatePaymentRequest{
		Payer:    f.payerKey.PublicKey().String(),
		Amount:   100,
		Merchant: merchant,
	})
	require.NoError(t, err)
	assert.Equal(t, merchant, created.Merchant)
	assert.Equal(t, uint64(10), created.ServiceFee)
	assert.Equal(t, uint64(90), created.MerchantAmount)
}

func TestCreatePayment_Rejections(t *testing.T) {
	tests := []struct {
		name       string
		req        func(f *fixture) CreatePaymentRequest
		setup      func(f *fixture)
		wantReason string
		wantKind   Kind
	}{
		{
			name: "zero amount",
			req: func(f *fixture) CreatePaymentRequest {
				return CreatePaymentRequest{Payer: f.payerKey.PublicKey().String()}
			},
			wantReason: ReasonInvalidAmount,
			wantKind:   KindValidation,
		},
		{
			name: "unknown asset",
			req: func(f *fixture) CreatePaymentRequest {
				return CreatePaymentRequest{Payer: f.payerKey.PublicKey().String(), Amount: 1, Asset: "DOGE"}
			},
			wantReason: ReasonUnsupportedAsset,
			wantKind:   KindValidation,
		},
		{
			name: "usdt is not registered on devnet",
			req: func(f *fixture) CreatePaymentRequest {
				return CreatePaymentRequest{Payer: f.payerKey.PublicKey().String(), Amount: 1, Asset: "USDT"}
			},
			wantReason: ReasonUnsupportedAsset,
			wantKind:   KindValidation,
		},
		{
			name: "invalid payer",
			req: func(f *fixture) CreatePaymentRequest {
				return CreatePaymentRequest{Payer: "nope", Amount: 1}
			},
			wantReason: ReasonInvalidAddress,
			wantKind:   KindValidation,
		},
		{
			name: "invalid merchant",
			req: func(f *fixture) CreatePaymentRequest {
				return CreatePaymentRequest{Payer: f.payerKey.PublicKey().String(), Amount: 1, Merchant: "0OIl"}
			},
			wantReason: ReasonInvalidAddress,
			wantKind:   KindValidation,
		},
		{
			name: "facilitator below floor",
			req: func(f *fixture) CreatePaymentRequest {
				return CreatePaymentRequest{Payer: f.payerKey.PublicKey().String(), Amount: 1}
			},
			setup: func(f *fixture) {
				f.chain.balances[f.wallet.PublicKey()] = HardFloorLamports
			},
			wantReason: ReasonInsufficientFacilitatorBalance,
			wantKind:   KindFunding,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if tt.setup != nil {
				tt.setup(f)
			}

			created, err := f.creator.CreatePayment(context.Background(), tt.req(f))
			require.Error(t, err)
			assert.Nil(t, created)
			assert.Equal(t, tt.wantReason, ReasonOf(err))
			assert.Equal(t, tt.wantKind, KindOf(err))
		})
	}
}

func TestCreatePayment_Disabled(t *testing.T) {
	f := newFixture(t)
	disabled, err := NewWallet("", DefaultMinBalanceLamports, DefaultServiceFeePercent, discardLogger())
	require.NoError(t, err)
	creator := NewCreator(disabled, f.chain, f.registry, nil, discardLogger())

	_, err = creator.CreatePayment(context.Background(), CreatePaymentRequest{
		Payer:  f.payerKey.PublicKey().String(),
		Amount: 1,
	})
	assert.ErrorIs(t, err, ErrFacilitationDisabled)
}

func TestCreatePayment_SameInputsDifferOnlyByBlockhash(t *testing.T) {
	f := newFixture(t)
	req := CreatePaymentRequest{Payer: f.payerKey.PublicKey().String(), Amount: 777}

	first, err := f.creator.CreatePayment(context.Background(), req)
	require.NoError(t, err)

	f.chain.blockhash[1] = 9
	second, err := f.creator.CreatePayment(context.Background(), req)
	require.NoError(t, err)

	a, _, err := DecodeTransactionBase64(first.Transaction)
	require.NoError(t, err)
	b, _, err := DecodeTransactionBase64(second.Transaction)
	require.NoError(t, err)

	assert.NotEqual(t, a.Message.RecentBlockhash, b.Message.RecentBlockhash)
	assert.Equal(t, a.Message.Instructions, b.Message.Instructions)
	assert.Equal(t, a.Message.AccountKeys, b.Message.AccountKeys)
}

func TestCreateMerchantPayout_FullySigned(t *testing.T) {
	f := newFixture(t)
	merchant := solanago.NewWallet().PublicKey()
	sol, err := f.registry.Resolve("SOL")
	require.NoError(t, err)

	tx, err := f.creator.CreateMerchantPayout(context.Background(), merchant, 90, sol)
	require.NoError(t, err)

	assert.Equal(t, 1, FilledSignatures(tx))
	assert.Len(t, tx.Signatures, 1)
	feePayer, _ := FeePayer(tx)
	assert.Equal(t, f.wallet.PublicKey(), feePayer)
	assert.NoError(t, tx.VerifySignatures())
}
