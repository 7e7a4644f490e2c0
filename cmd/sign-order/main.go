// Command sign-order is a developer utility that generates a keypair,
// signs a sample order payload the way an SDK client would, and verifies
// the signature round-trips — grounded on the teacher's cmd/sign-order
// walkthrough, rewired from EIP-712 typed-struct signing to the plain
// Keccak256-over-canonical-string scheme internal/signing verifies.
package main

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/hyperfutures/perpengine/internal/repo"
	"github.com/hyperfutures/perpengine/internal/signing"
)

func main() {
	fmt.Println("Generating new keypair...")
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	trader := ethcrypto.PubkeyToAddress(key.PublicKey)
	fmt.Printf("Address: %s\n", trader.Hex())
	fmt.Printf("Private Key: %s (KEEP SECRET!)\n\n", hex.EncodeToString(ethcrypto.FromECDSA(key)))

	token := mustSampleToken()
	side := uint8(repo.Long)
	orderType := string(repo.OrderLimit)
	price, _ := new(big.Int).SetString("50000000000000000000000", 10) // 50,000 * 1e18
	size := big.NewInt(100_000_000_000_000_000)          // 0.1 * 1e18
	leverage := int64(100_000) // 10x in RATE_SCALE units
	nonce := uint64(1)
	deadline := time.Now().Add(time.Hour).Unix()

	fmt.Println("Order Details:")
	fmt.Printf("  Token: %s\n", token.Hex())
	fmt.Printf("  Side: %d (long)\n", side)
	fmt.Printf("  Type: %s\n", orderType)
	fmt.Printf("  Price: %s\n", price.String())
	fmt.Printf("  Size: %s\n", size.String())
	fmt.Printf("  Leverage: %dx\n", leverage/10_000)
	fmt.Printf("  Nonce: %d\n\n", nonce)

	hash := signing.OrderHash(trader, token, side, orderType, price.String(), size.String(), leverage, nonce, deadline)
	sig, err := ethcrypto.Sign(hash, key)
	if err != nil {
		fmt.Printf("Error signing: %v\n", err)
		os.Exit(1)
	}
	signatureHex := "0x" + hex.EncodeToString(sig)
	fmt.Printf("Signature: %s\n\n", signatureHex)

	fmt.Println("Verifying signature...")
	recovered, err := signing.VerifyOrder(trader, token, side, orderType, price.String(), size.String(), leverage, nonce, deadline, signatureHex)
	if err != nil {
		fmt.Printf("Signature INVALID: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Signature VALID")
	fmt.Printf("  Recovered signer: %s\n", recovered.Hex())
	fmt.Printf("  Matches trader: %v\n\n", recovered == trader)

	fmt.Println("Signed order fields (the WebSocket ingress has no order-submission message; orders enter through the Engine's Submit method):")
	fmt.Printf("  {\"token\":%q,\"side\":%d,\"orderType\":%q,\"price\":%q,\"size\":%q,\"leverage\":%d,\"nonce\":%d,\"deadline\":%d,\"signature\":%q}\n",
		token.Hex(), side, orderType, price.String(), size.String(), leverage, nonce, deadline, signatureHex)
}

func mustSampleToken() common.Address {
	// BTC-USDC market token placeholder used by internal/engine's default
	// market set.
	return common.HexToAddress("0x1111111111111111111111111111111111111111")
}
