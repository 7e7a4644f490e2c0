package risk

import (
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/hyperfutures/perpengine/internal/market"
	"github.com/hyperfutures/perpengine/internal/repo"
	"github.com/hyperfutures/perpengine/internal/store"
)

type fakePriceSource struct{ price *big.Int }

func (f *fakePriceSource) CurrentPrice() *big.Int { return f.price }

type fakeLiquidationSink struct {
	calls [][]Candidate
}

func (f *fakeLiquidationSink) SubmitCandidates(token common.Address, candidates []Candidate) {
	f.calls = append(f.calls, candidates)
}

type fakeBroadcaster struct {
	risk, liquidationWarn, marginWarn int
}

func (f *fakeBroadcaster) PublishRisk(p *repo.Position)              { f.risk++ }
func (f *fakeBroadcaster) PublishLiquidationWarning(p *repo.Position) { f.liquidationWarn++ }
func (f *fakeBroadcaster) PublishMarginWarning(p *repo.Position)      { f.marginWarn++ }

func newTestEngine(t *testing.T, price int64) (*Engine, *repo.PositionRepo, common.Address, *fakeLiquidationSink, *fakeBroadcaster) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	positions := repo.NewPositionRepo(s)
	token := common.HexToAddress("0x1")
	mkt := market.DefaultPerpetual(token, "BTC", "USDC", big.NewInt(1), big.NewInt(1), 500_000)

	sink := &fakeLiquidationSink{}
	bcast := &fakeBroadcaster{}
	scaledPrice := new(big.Int).Mul(big.NewInt(price), big.NewInt(oneUnit))
	e := New(token, mkt, &fakePriceSource{price: scaledPrice}, positions, nil, sink, bcast, zap.NewNop(), time.Millisecond)
	return e, positions, token, sink, bcast
}

const oneUnit = 1_000_000_000_000_000_000 // 1.0 in PRICE_SCALE/SIZE_SCALE fixed point

// units returns n * oneUnit as a big.Int; the product overflows int64 for n >= 10.
func units(n int64) *big.Int { return new(big.Int).Mul(big.NewInt(n), big.NewInt(oneUnit)) }

func healthyPosition(token common.Address) *repo.Position {
	return &repo.Position{
		ID:         "healthy",
		Trader:     common.HexToAddress("0xa1"),
		Token:      token,
		IsLong:     true,
		Size:       units(10),
		EntryPrice: units(100),
		Leverage:   20_000, // 2x
		Collateral: units(1_000),
		Margin:     units(1_000),
		Status:     repo.PositionOpen,
	}
}

func underwaterPosition(token common.Address) *repo.Position {
	return &repo.Position{
		ID:         "underwater",
		Trader:     common.HexToAddress("0xa2"),
		Token:      token,
		IsLong:     true,
		Size:       units(10),
		EntryPrice: units(50_000),
		Leverage:   1_000_000, // 100x
		Collateral: big.NewInt(oneUnit),
		Margin:     big.NewInt(oneUnit),
		Status:     repo.PositionOpen,
	}
}

func TestStepMarksHealthyPositionLowRisk(t *testing.T) {
	e, positions, token, _, bcast := newTestEngine(t, 100)
	p := healthyPosition(token)
	if err := positions.Put(p); err != nil {
		t.Fatalf("put: %v", err)
	}

	e.step(time.Now())

	got, ok, err := positions.Get(p.ID)
	if err != nil || !ok {
		t.Fatalf("get back position: ok=%v err=%v", ok, err)
	}
	if got.RiskLevel != repo.RiskLow {
		t.Errorf("risk level = %s, want low", got.RiskLevel)
	}
	if got.IsLiquidatable {
		t.Error("did not expect healthy position to be liquidatable")
	}
	if bcast.risk == 0 {
		t.Error("expected PublishRisk to be called")
	}
}

func TestStepFlagsUnderwaterPositionForLiquidation(t *testing.T) {
	e, positions, token, sink, _ := newTestEngine(t, 1)
	p := underwaterPosition(token)
	if err := positions.Put(p); err != nil {
		t.Fatalf("put: %v", err)
	}

	e.step(time.Now())

	if len(sink.calls) != 1 || len(sink.calls[0]) != 1 {
		t.Fatalf("expected exactly one liquidation candidate, got %+v", sink.calls)
	}
	if sink.calls[0][0].Position.ID != p.ID {
		t.Errorf("candidate id = %s, want %s", sink.calls[0][0].Position.ID, p.ID)
	}
}

func TestStepSkipsWhenNoMarkPrice(t *testing.T) {
	e, positions, token, sink, bcast := newTestEngine(t, 0)
	p := healthyPosition(token)
	if err := positions.Put(p); err != nil {
		t.Fatalf("put: %v", err)
	}

	e.step(time.Now())

	if len(sink.calls) != 0 {
		t.Error("expected no liquidation candidates when mark price is zero")
	}
	if bcast.risk != 0 {
		t.Error("expected no broadcasts when mark price is zero")
	}
}

func TestRankADLOrdersByScoreDescending(t *testing.T) {
	high := &repo.Position{ID: "high", UnrealizedPnL: big.NewInt(100), ADLScore: big.NewInt(900)}
	low := &repo.Position{ID: "low", UnrealizedPnL: big.NewInt(50), ADLScore: big.NewInt(100)}
	losing := &repo.Position{ID: "losing", UnrealizedPnL: big.NewInt(-10), ADLScore: big.NewInt(500)}

	positions := []*repo.Position{low, high, losing}
	rankADL(positions)

	if !high.IsAdlCandidate || !low.IsAdlCandidate {
		t.Error("expected both profitable positions to be ADL candidates")
	}
	if losing.IsAdlCandidate {
		t.Error("losing position must not be an ADL candidate")
	}
	if high.ADLRanking != 1 {
		t.Errorf("highest-score position ranking = %d, want 1", high.ADLRanking)
	}
}
