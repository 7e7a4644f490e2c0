package position

import (
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/hyperfutures/perpengine/internal/fixedpoint"
	"github.com/hyperfutures/perpengine/internal/market"
	"github.com/hyperfutures/perpengine/internal/repo"
	"github.com/hyperfutures/perpengine/internal/store"
)

func newTestManager(t *testing.T) (*Manager, common.Address) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	positions := repo.NewPositionRepo(s)
	registry := market.NewRegistry()
	token := common.HexToAddress("0x1")
	m := market.DefaultPerpetual(token, "BTC", "USDC", big.NewInt(1), big.NewInt(1), 500_000)
	if err := registry.Register(m); err != nil {
		t.Fatalf("register market: %v", err)
	}
	return NewManager(positions, registry), token
}

func TestApplyFillOpensNewPosition(t *testing.T) {
	mgr, token := newTestManager(t)
	trader := common.HexToAddress("0x2")

	p, realized, err := mgr.ApplyFill(trader, token, true, big.NewInt(10), big.NewInt(100), big.NewInt(50), 100_000, repo.Isolated, time.Now())
	if err != nil {
		t.Fatalf("apply fill: %v", err)
	}
	if realized.Sign() != 0 {
		t.Errorf("expected zero realized PnL on open, got %s", realized)
	}
	if p.Size.Cmp(big.NewInt(10)) != 0 {
		t.Errorf("size = %s, want 10", p.Size)
	}
	if p.EntryPrice.Cmp(big.NewInt(100)) != 0 {
		t.Errorf("entry price = %s, want 100", p.EntryPrice)
	}
}

func TestApplyFillSameDirectionWeightedAverage(t *testing.T) {
	mgr, token := newTestManager(t)
	trader := common.HexToAddress("0x3")

	if _, _, err := mgr.ApplyFill(trader, token, true, big.NewInt(10), big.NewInt(100), big.NewInt(50), 100_000, repo.Isolated, time.Now()); err != nil {
		t.Fatalf("first fill: %v", err)
	}
	p, _, err := mgr.ApplyFill(trader, token, true, big.NewInt(10), big.NewInt(200), big.NewInt(50), 100_000, repo.Isolated, time.Now())
	if err != nil {
		t.Fatalf("second fill: %v", err)
	}
	if p.Size.Cmp(big.NewInt(20)) != 0 {
		t.Errorf("size = %s, want 20", p.Size)
	}
	if p.EntryPrice.Cmp(big.NewInt(150)) != 0 {
		t.Errorf("weighted entry = %s, want 150", p.EntryPrice)
	}
}

func TestApplyFillPartialCloseRealizesPnL(t *testing.T) {
	mgr, token := newTestManager(t)
	trader := common.HexToAddress("0x4")

	if _, _, err := mgr.ApplyFill(trader, token, true, big.NewInt(10), big.NewInt(100), big.NewInt(50), 100_000, repo.Isolated, time.Now()); err != nil {
		t.Fatalf("open: %v", err)
	}
	p, realized, err := mgr.ApplyFill(trader, token, false, big.NewInt(4), big.NewInt(110), big.NewInt(0), 100_000, repo.Isolated, time.Now())
	if err != nil {
		t.Fatalf("partial close: %v", err)
	}
	want := fixedpoint.PnL(big.NewInt(100), big.NewInt(110), big.NewInt(4), true)
	if realized.Cmp(want) != 0 {
		t.Errorf("realized = %s, want %s", realized, want)
	}
	if p.Size.Cmp(big.NewInt(6)) != 0 {
		t.Errorf("remaining size = %s, want 6", p.Size)
	}
}

func TestApplyFillFullCloseRemovesPosition(t *testing.T) {
	mgr, token := newTestManager(t)
	trader := common.HexToAddress("0x5")

	if _, _, err := mgr.ApplyFill(trader, token, true, big.NewInt(10), big.NewInt(100), big.NewInt(50), 100_000, repo.Isolated, time.Now()); err != nil {
		t.Fatalf("open: %v", err)
	}
	p, realized, err := mgr.ApplyFill(trader, token, false, big.NewInt(10), big.NewInt(120), big.NewInt(0), 100_000, repo.Isolated, time.Now())
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if p != nil {
		t.Errorf("expected nil position after full close, got %+v", p)
	}
	want := fixedpoint.PnL(big.NewInt(100), big.NewInt(120), big.NewInt(10), true)
	if realized.Cmp(want) != 0 {
		t.Errorf("realized = %s, want %s", realized, want)
	}
}

func TestApplyFillFlipsDirection(t *testing.T) {
	mgr, token := newTestManager(t)
	trader := common.HexToAddress("0x6")

	if _, _, err := mgr.ApplyFill(trader, token, true, big.NewInt(10), big.NewInt(100), big.NewInt(50), 100_000, repo.Isolated, time.Now()); err != nil {
		t.Fatalf("open: %v", err)
	}
	p, _, err := mgr.ApplyFill(trader, token, false, big.NewInt(15), big.NewInt(90), big.NewInt(40), 100_000, repo.Isolated, time.Now())
	if err != nil {
		t.Fatalf("flip: %v", err)
	}
	if p.IsLong {
		t.Error("expected position to flip to short")
	}
	if p.Size.Cmp(big.NewInt(5)) != 0 {
		t.Errorf("post-flip size = %s, want 5", p.Size)
	}
	if p.EntryPrice.Cmp(big.NewInt(90)) != 0 {
		t.Errorf("post-flip entry price = %s, want 90 (the flip fill price)", p.EntryPrice)
	}
}

func TestEffectiveMMRCapsAtHalfInitialMarginRate(t *testing.T) {
	// leverage=20000 (2x, RATE_SCALE-scaled) -> initialMarginRate=5000bps, half=2500, below baseMMR=5000
	got := EffectiveMMR(20_000, 5000)
	if got != 2500 {
		t.Errorf("EffectiveMMR(20000, 5000) = %d, want 2500", got)
	}
	// leverage=1000000 (100x) -> initialMarginRate=100bps, half=50, baseMMR=5000 -> min is 50
	got = EffectiveMMR(1_000_000, 5000)
	if got != 50 {
		t.Errorf("EffectiveMMR(1000000, 5000) = %d, want 50", got)
	}
}
