package settlement

import (
	"encoding/json"
	"math/big"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/hyperfutures/perpengine/internal/repo"
	"github.com/hyperfutures/perpengine/internal/store"
)

func newTestSettlementRepo(t *testing.T) *repo.SettlementRepo {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return repo.NewSettlementRepo(s)
}

func TestRecordWithoutKeyStoresPlainProof(t *testing.T) {
	settlements := newTestSettlementRepo(t)
	j := New(settlements, nil, zap.NewNop())
	trader := common.HexToAddress("0x1")

	err := j.Record(Entry{
		Trader:        trader,
		Type:          repo.SettlePnL,
		BalanceBefore: big.NewInt(100),
		BalanceAfter:  big.NewInt(150),
		Amount:        big.NewInt(50),
		PositionID:    "pos-1",
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	entries, err := settlements.RecentByTrader(trader, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Type != repo.SettlePnL {
		t.Errorf("type = %s, want SETTLE_PNL", entry.Type)
	}
	if entry.OnChainStatus != repo.ChainPending {
		t.Errorf("onChainStatus = %s, want pending", entry.OnChainStatus)
	}

	var blob struct {
		PositionID string `json:"positionId"`
		Amount     string `json:"amount"`
	}
	if err := json.Unmarshal(entry.Proof, &blob); err != nil {
		t.Fatalf("decode proof: %v", err)
	}
	if blob.PositionID != "pos-1" || blob.Amount != "50" {
		t.Errorf("proof = %+v, want {pos-1 50}", blob)
	}
}

func TestRecordWithKeySignsProof(t *testing.T) {
	settlements := newTestSettlementRepo(t)
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	j := New(settlements, key, zap.NewNop())
	trader := common.HexToAddress("0x2")

	if err := j.Record(Entry{
		Trader:        trader,
		Type:          repo.SettleWithdraw,
		BalanceBefore: big.NewInt(200),
		BalanceAfter:  big.NewInt(0),
		Amount:        big.NewInt(-200),
		Destination:   "0xabc",
	}); err != nil {
		t.Fatalf("record: %v", err)
	}

	entries, err := settlements.RecentByTrader(trader, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	entry := entries[0]

	var signed struct {
		Payload   json.RawMessage `json:"payload"`
		Signature string          `json:"signature"`
	}
	if err := json.Unmarshal(entry.Proof, &signed); err != nil {
		t.Fatalf("decode signed proof: %v", err)
	}
	if signed.Signature == "" {
		t.Fatal("expected a non-empty signature when a key is configured")
	}

	hash := ethcrypto.Keccak256(signed.Payload)
	sigBytes := common.FromHex(signed.Signature)
	pubKey, err := ethcrypto.SigToPub(hash, sigBytes)
	if err != nil {
		t.Fatalf("recover pubkey: %v", err)
	}
	if ethcrypto.PubkeyToAddress(*pubKey) != ethcrypto.PubkeyToAddress(key.PublicKey) {
		t.Error("recovered signer does not match the journaller's operator key")
	}
}

func TestRecentByTraderNewestFirst(t *testing.T) {
	settlements := newTestSettlementRepo(t)
	j := New(settlements, nil, zap.NewNop())
	trader := common.HexToAddress("0x3")

	for i := 0; i < 3; i++ {
		if err := j.Record(Entry{
			Trader:        trader,
			Type:          repo.SettleFundingFee,
			BalanceBefore: big.NewInt(int64(i)),
			BalanceAfter:  big.NewInt(int64(i + 1)),
			Amount:        big.NewInt(1),
		}); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}

	entries, err := settlements.RecentByTrader(trader, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].BalanceAfter.Cmp(big.NewInt(3)) != 0 {
		t.Errorf("newest entry BalanceAfter = %s, want 3", entries[0].BalanceAfter)
	}
}
