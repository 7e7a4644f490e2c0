package market

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestDefaultPerpetualDerivesMarginBps(t *testing.T) {
	m := DefaultPerpetual(common.HexToAddress("0x1"), "BTC", "USDC", big.NewInt(1), big.NewInt(1), 500_000)
	if m.InitialMarginBps != 200 {
		t.Errorf("InitialMarginBps = %d, want 200 (1/50)", m.InitialMarginBps)
	}
	if m.MaintenanceMarginBps != 100 {
		t.Errorf("MaintenanceMarginBps = %d, want 100", m.MaintenanceMarginBps)
	}
	if err := m.Validate(); err != nil {
		t.Errorf("unexpected validation error: %v", err)
	}
}

func TestValidateRejectsZeroTickSize(t *testing.T) {
	m := DefaultPerpetual(common.HexToAddress("0x1"), "BTC", "USDC", big.NewInt(0), big.NewInt(1), 500_000)
	if err := m.Validate(); err == nil {
		t.Error("expected error for zero tick size")
	}
}

func TestValidateLeverage(t *testing.T) {
	m := DefaultPerpetual(common.HexToAddress("0x1"), "BTC", "USDC", big.NewInt(1), big.NewInt(1), 500_000)
	if err := m.ValidateLeverage(500_000); err != nil {
		t.Errorf("leverage at cap should be valid: %v", err)
	}
	if err := m.ValidateLeverage(500_001); err == nil {
		t.Error("expected error for leverage above cap")
	}
	if err := m.ValidateLeverage(0); err == nil {
		t.Error("expected error for zero leverage")
	}
}

func TestValidateOrderSizeLotMultiple(t *testing.T) {
	m := DefaultPerpetual(common.HexToAddress("0x1"), "BTC", "USDC", big.NewInt(1), big.NewInt(100), 500_000)
	if err := m.ValidateOrderSize(big.NewInt(150), big.NewInt(0)); err == nil {
		t.Error("expected error for size not a multiple of lot size")
	}
	if err := m.ValidateOrderSize(big.NewInt(200), big.NewInt(0)); err != nil {
		t.Errorf("unexpected error for valid lot multiple: %v", err)
	}
}

func TestValidateOrderSizeNotionalBounds(t *testing.T) {
	m := DefaultPerpetual(common.HexToAddress("0x1"), "BTC", "USDC", big.NewInt(1), big.NewInt(1), 500_000)
	tiny := big.NewInt(1)
	price := big.NewInt(1_000_000_000_000_000_000) // 1.0
	if err := m.ValidateOrderSize(tiny, price); err == nil {
		t.Error("expected error for notional below minimum")
	}
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	token := common.HexToAddress("0x1")
	m := DefaultPerpetual(token, "BTC", "USDC", big.NewInt(1), big.NewInt(1), 500_000)
	if err := r.Register(m); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(m); err == nil {
		t.Error("expected duplicate registration to fail")
	}
	got, ok := r.Get(token)
	if !ok || got != m {
		t.Error("expected to retrieve the registered market")
	}
	if r.Count() != 1 {
		t.Errorf("Count = %d, want 1", r.Count())
	}
	if len(r.List()) != 1 {
		t.Errorf("List length = %d, want 1", len(r.List()))
	}
}
