package solana

import (
	"encoding/binary"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// Well-known Solana program IDs
var (
	// SystemProgramID is the native SOL transfer program
	SystemProgramID = solana.SystemProgramID

	// TokenProgramID is the SPL Token program
	TokenProgramID = solana.TokenProgramID

	// Token2022ProgramID is the Token Extensions program (Token-2022)
	Token2022ProgramID = solana.MustPublicKeyFromBase58("TokenzQdBNbLqP5VEhdkAS6EPFLC1PHnBqCXEpPxuEb")
)

// System Program instruction types
const (
	SystemProgramTransferInstruction = uint32(2)
)

// Token Program instruction types
const (
	TokenProgramTransferInstruction        = uint8(3)
	TokenProgramTransferCheckedInstruction = uint8(12)
)

// Transfer is a value movement decoded from a single instruction.
type Transfer struct {
	Program     solana.PublicKey `json:"program"`
	Source      solana.PublicKey `json:"source"`      // funding wallet for SOL, token account for SPL
	Destination solana.PublicKey `json:"destination"` // recipient wallet for SOL, token account for SPL
	Authority   solana.PublicKey `json:"authority"`   // account whose signature moves the funds
	Mint        solana.PublicKey `json:"mint"`        // zero for SOL and for unchecked token transfers
	Amount      uint64           `json:"amount"`
	Decimals    uint8            `json:"decimals"` // only meaningful when Checked
	Checked     bool             `json:"checked"`
}

// Native reports whether the transfer moves lamports.
func (t Transfer) Native() bool {
	return t.Program.Equals(SystemProgramID)
}

// ParseTransfers decodes every System transfer and SPL Token transfer in the message.
// Instructions of other programs or other types are skipped.
func ParseTransfers(tx *solana.Transaction) ([]Transfer, error) {
	if tx == nil {
		return nil, fmt.Errorf("nil transaction")
	}

	accountKeys := tx.Message.AccountKeys
	var transfers []Transfer
	for i, instruction := range tx.Message.Instructions {
		if int(instruction.ProgramIDIndex) >= len(accountKeys) {
			return nil, fmt.Errorf("instruction %d: program index out of bounds", i)
		}
		programID := accountKeys[instruction.ProgramIDIndex]

		switch {
		case programID.Equals(SystemProgramID):
			if t, ok := parseSystemTransfer(instruction, accountKeys); ok {
				transfers = append(transfers, t)
			}
		case programID.Equals(TokenProgramID) || programID.Equals(Token2022ProgramID):
			if t, ok := parseTokenTransfer(instruction, accountKeys); ok {
				t.Program = programID
				transfers = append(transfers, t)
			}
		}
	}
	return transfers, nil
}

func accountAt(instruction solana.CompiledInstruction, accountKeys []solana.PublicKey, pos int) (solana.PublicKey, bool) {
	if pos >= len(instruction.Accounts) {
		return solana.PublicKey{}, false
	}
	idx := int(instruction.Accounts[pos])
	if idx >= len(accountKeys) {
		return solana.PublicKey{}, false
	}
	return accountKeys[idx], true
}

// parseSystemTransfer decodes a System Program Transfer instruction.
func parseSystemTransfer(instruction solana.CompiledInstruction, accountKeys []solana.PublicKey) (Transfer, bool) {
	// [0..4]  = instruction type (u32, 2 for Transfer)
	// [4..12] = lamports (u64)
	if len(instruction.Data) < 12 {
		return Transfer{}, false
	}
	if binary.LittleEndian.Uint32(instruction.Data[0:4]) != SystemProgramTransferInstruction {
		return Transfer{}, false
	}

	// accounts: [from, to]
	from, ok := accountAt(instruction, accountKeys, 0)
	if !ok {
		return Transfer{}, false
	}
	to, ok := accountAt(instruction, accountKeys, 1)
	if !ok {
		return Transfer{}, false
	}

	return Transfer{
		Program:     SystemProgramID,
		Source:      from,
		Destination: to,
		Authority:   from,
		Amount:      binary.LittleEndian.Uint64(instruction.Data[4:12]),
	}, true
}

// parseTokenTransfer decodes Transfer and TransferChecked from the SPL Token program.
func parseTokenTransfer(instruction solana.CompiledInstruction, accountKeys []solana.PublicKey) (Transfer, bool) {
	if len(instruction.Data) == 0 {
		return Transfer{}, false
	}

	switch instruction.Data[0] {
	case TokenProgramTransferInstruction:
		// [0] = 3, [1..9] = amount; accounts: [source, destination, authority]
		if len(instruction.Data) < 9 {
			return Transfer{}, false
		}
		source, ok1 := accountAt(instruction, accountKeys, 0)
		dest, ok2 := accountAt(instruction, accountKeys, 1)
		authority, ok3 := accountAt(instruction, accountKeys, 2)
		if !ok1 || !ok2 || !ok3 {
			return Transfer{}, false
		}
		return Transfer{
			Source:      source,
			Destination: dest,
			Authority:   authority,
			Amount:      binary.LittleEndian.Uint64(instruction.Data[1:9]),
		}, true

	case TokenProgramTransferCheckedInstruction:
		// [0] = 12, [1..9] = amount, [9] = decimals
		// accounts: [source, mint, destination, authority, ...]
		if len(instruction.Data) < 10 {
			return Transfer{}, false
		}
		source, ok1 := accountAt(instruction, accountKeys, 0)
		mint, ok2 := accountAt(instruction, accountKeys, 1)
		dest, ok3 := accountAt(instruction, accountKeys, 2)
		authority, ok4 := accountAt(instruction, accountKeys, 3)
		if !ok1 || !ok2 || !ok3 || !ok4 {
			return Transfer{}, false
		}
		return Transfer{
			Source:      source,
			Destination: dest,
			Authority:   authority,
			Mint:        mint,
			Amount:      binary.LittleEndian.Uint64(instruction.Data[1:9]),
			Decimals:    instruction.Data[9],
			Checked:     true,
		}, true

	default:
		return Transfer{}, false
	}
}
