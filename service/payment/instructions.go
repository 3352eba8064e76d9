package payment

import (
	"context"

	"github.com/brojonat/x402-facilitator/service/assets"
	solanago "github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
)

// AccountChecker answers whether an account is allocated on chain.
type AccountChecker interface {
	AccountExists(ctx context.Context, address solanago.PublicKey) (bool, error)
}

// TransferParams describes a single value movement between two wallets.
// Source and Destination are wallet owners; token accounts are derived from them.
type TransferParams struct {
	Source      solanago.PublicKey
	Destination solanago.PublicKey
	FeePayer    solanago.PublicKey
	Asset       assets.Asset
	Amount      uint64
	Decimals    uint8 // 0 uses the registry value; anything else must match it
}

// BuildTransfer returns the ordered instructions that move Amount of Asset from
// Source to Destination. For tokens it prepends a create instruction, paid by
// FeePayer, when the destination token account does not exist yet.
func BuildTransfer(ctx context.Context, checker AccountChecker, p TransferParams) ([]solanago.Instruction, error) {
	if p.Amount == 0 {
		return nil, newError(KindValidation, ReasonInvalidAmount, "amount must be positive")
	}
	if p.Decimals != 0 && p.Decimals != p.Asset.Decimals {
		return nil, newError(KindValidation, ReasonDecimalsMismatch,
			"%s uses %d decimals, got %d", p.Asset.Symbol, p.Asset.Decimals, p.Decimals)
	}

	if p.Asset.Native {
		return []solanago.Instruction{
			system.NewTransferInstruction(p.Amount, p.Source, p.Destination).Build(),
		}, nil
	}

	sourceATA, _, err := solanago.FindAssociatedTokenAddress(p.Source, p.Asset.Mint)
	if err != nil {
		return nil, wrapError(KindValidation, ReasonInvalidAddress, err, "cannot derive source token account")
	}
	destATA, _, err := solanago.FindAssociatedTokenAddress(p.Destination, p.Asset.Mint)
	if err != nil {
		return nil, wrapError(KindValidation, ReasonInvalidAddress, err, "cannot derive destination token account")
	}

	exists, err := checker.AccountExists(ctx, destATA)
	if err != nil {
		return nil, networkError(err, "failed to look up destination token account %s", destATA)
	}

	var instructions []solanago.Instruction
	if !exists {
		instructions = append(instructions,
			associatedtokenaccount.NewCreateInstruction(p.FeePayer, p.Destination, p.Asset.Mint).Build(),
		)
	}

	instructions = append(instructions, token.NewTransferCheckedInstruction(
		p.Amount,
		p.Asset.Decimals,
		sourceATA,
		p.Asset.Mint,
		destATA,
		p.Source,
		nil,
	).Build())

	return instructions, nil
}
