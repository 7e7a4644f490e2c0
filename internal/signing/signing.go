// Package signing verifies signed order and cancel ingests (§4.3.1),
// grounded on the teacher's pkg/crypto/signer.go and
// pkg/app/core/transaction/verifier.go, trimmed of the EIP-712
// domain-typed-struct machinery and agent-key delegation paths that are
// unreachable once TSS/agent signing is out of scope (see DESIGN.md §0).
package signing

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// VerifySignature checks that signature was produced by address for hash,
// mirroring the teacher's crypto.VerifySignature.
func VerifySignature(address common.Address, hash []byte, signature []byte) bool {
	if len(signature) != 65 || len(hash) != 32 {
		return false
	}
	pubBytes, err := ethcrypto.Ecrecover(hash, signature)
	if err != nil {
		return false
	}
	pub, err := ethcrypto.UnmarshalPubkey(pubBytes)
	if err != nil {
		return false
	}
	return ethcrypto.PubkeyToAddress(*pub) == address
}

// RecoverAddress recovers the signer's address from hash and signature.
func RecoverAddress(hash []byte, signature []byte) (common.Address, error) {
	if len(signature) != 65 {
		return common.Address{}, fmt.Errorf("invalid signature length: %d", len(signature))
	}
	pubBytes, err := ethcrypto.Ecrecover(hash, signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover public key: %w", err)
	}
	pub, err := ethcrypto.UnmarshalPubkey(pubBytes)
	if err != nil {
		return common.Address{}, fmt.Errorf("unmarshal public key: %w", err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// DecodeSignature decodes a hex-encoded signature (with or without 0x
// prefix), requiring the canonical 65-byte r||s||v layout.
func DecodeSignature(sig string) ([]byte, error) {
	sig = strings.TrimPrefix(sig, "0x")
	b, err := hex.DecodeString(sig)
	if err != nil {
		return nil, fmt.Errorf("invalid hex signature: %w", err)
	}
	if len(b) != 65 {
		return nil, fmt.Errorf("signature must be 65 bytes, got %d", len(b))
	}
	return b, nil
}

// OrderHash hashes the canonical order ingest fields the same way the
// cancel hash is built in the teacher's verifier
// (fmt.Sprintf + Keccak256), generalized to the full order payload so the
// signature covers every field a malicious relay could otherwise tamper
// with.
func OrderHash(trader, token common.Address, side uint8, orderType string, price, size string, leverage int64, nonce uint64, deadlineUnix int64) []byte {
	msg := fmt.Sprintf("ORDER:%s:%s:%d:%s:%s:%s:%d:%d:%d",
		trader.Hex(), token.Hex(), side, orderType, price, size, leverage, nonce, deadlineUnix)
	return ethcrypto.Keccak256([]byte(msg))
}

// CancelHash mirrors the teacher's verifier.go cancel-hash construction
// exactly: "CANCEL:%s:%s:%d" of (token, orderID, nonce).
func CancelHash(token common.Address, orderID string, nonce uint64) []byte {
	msg := fmt.Sprintf("CANCEL:%s:%s:%d", token.Hex(), orderID, nonce)
	return ethcrypto.Keccak256([]byte(msg))
}

// VerifyOrder verifies a signed order ingest, returning the recovered
// trader address.
func VerifyOrder(trader, token common.Address, side uint8, orderType, price, size string, leverage int64, nonce uint64, deadlineUnix int64, signatureHex string) (common.Address, error) {
	sig, err := DecodeSignature(signatureHex)
	if err != nil {
		return common.Address{}, err
	}
	hash := OrderHash(trader, token, side, orderType, price, size, leverage, nonce, deadlineUnix)
	if !VerifySignature(trader, hash, sig) {
		return common.Address{}, fmt.Errorf("order signature invalid")
	}
	return trader, nil
}

// VerifyCancel verifies a signed cancel ingest.
func VerifyCancel(trader, token common.Address, orderID string, nonce uint64, signatureHex string) error {
	sig, err := DecodeSignature(signatureHex)
	if err != nil {
		return err
	}
	hash := CancelHash(token, orderID, nonce)
	if !VerifySignature(trader, hash, sig) {
		return fmt.Errorf("cancel signature invalid")
	}
	return nil
}
