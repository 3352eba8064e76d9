package payment

import (
	"encoding/base64"
	"fmt"

	bin "github.com/gagliardetto/binary"
	solanago "github.com/gagliardetto/solana-go"
)

// DecodeTransaction parses wire-format transaction bytes.
func DecodeTransaction(raw []byte) (*solanago.Transaction, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty transaction")
	}
	tx, err := solanago.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to decode transaction: %w", err)
	}
	return tx, nil
}

// DecodeTransactionBase64 parses a base64 encoded wire-format transaction.
func DecodeTransactionBase64(encoded string) (*solanago.Transaction, []byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid base64 transaction: %w", err)
	}
	tx, err := DecodeTransaction(raw)
	if err != nil {
		return nil, nil, err
	}
	return tx, raw, nil
}

// EncodeTransaction serializes tx to base64. Unsigned slots are zero-filled.
func EncodeTransaction(tx *solanago.Transaction) (string, error) {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("failed to serialize transaction: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// FilledSignatures counts signature slots that are not all zeros.
func FilledSignatures(tx *solanago.Transaction) int {
	n := 0
	for _, sig := range tx.Signatures {
		if !sig.IsZero() {
			n++
		}
	}
	return n
}

// FeePayer returns account key 0, the account that pays network fees.
func FeePayer(tx *solanago.Transaction) (solanago.PublicKey, bool) {
	if len(tx.Message.AccountKeys) == 0 {
		return solanago.PublicKey{}, false
	}
	return tx.Message.AccountKeys[0], true
}

// SignerAt returns the public key that owns signature slot i.
func SignerAt(tx *solanago.Transaction, i int) (solanago.PublicKey, bool) {
	if i >= int(tx.Message.Header.NumRequiredSignatures) || i >= len(tx.Message.AccountKeys) {
		return solanago.PublicKey{}, false
	}
	return tx.Message.AccountKeys[i], true
}

// TransactionSignature is the id the network assigns: signature slot 0.
func TransactionSignature(tx *solanago.Transaction) (solanago.Signature, bool) {
	if len(tx.Signatures) == 0 || tx.Signatures[0].IsZero() {
		return solanago.Signature{}, false
	}
	return tx.Signatures[0], true
}
