package auth

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// HashMessage returns the EIP-191 personal message hash of message, the
// digest wallets sign for personal_sign.
func HashMessage(message string) []byte {
	return accounts.TextHash([]byte(message))
}

// RecoverAddress recovers the lowercase signer address of a personal-signed
// message. signatureHex is 65 bytes (r, s, v) with or without 0x.
func RecoverAddress(message, signatureHex string) (string, error) {
	if !strings.HasPrefix(signatureHex, "0x") {
		signatureHex = "0x" + signatureHex
	}
	signature, err := hexutil.Decode(signatureHex)
	if err != nil {
		return "", fmt.Errorf("invalid signature hex: %w", err)
	}
	if len(signature) != crypto.SignatureLength {
		return "", fmt.Errorf("signature must be %d bytes, got %d", crypto.SignatureLength, len(signature))
	}

	// Wallets emit v as 27/28; Ecrecover wants 0/1.
	if signature[crypto.RecoveryIDOffset] >= 27 {
		signature[crypto.RecoveryIDOffset] -= 27
	}

	pub, err := crypto.SigToPub(HashMessage(message), signature)
	if err != nil {
		return "", fmt.Errorf("failed to recover public key: %w", err)
	}
	return strings.ToLower(crypto.PubkeyToAddress(*pub).Hex()), nil
}

// VerifySignature checks that wallet signed message.
func VerifySignature(message, signatureHex, wallet string) error {
	recovered, err := RecoverAddress(message, signatureHex)
	if err != nil {
		return err
	}
	if !strings.EqualFold(recovered, wallet) {
		return fmt.Errorf("signed by %s", recovered)
	}
	return nil
}
