package orderbook

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/hyperfutures/perpengine/internal/market"
	"github.com/hyperfutures/perpengine/internal/repo"
)

func testMarket() *market.Market {
	token := common.HexToAddress("0xaaaa")
	return market.DefaultPerpetual(token, "BTC", "USDC", big.NewInt(1), big.NewInt(1), 500_000)
}

var traderSeq int

func nextTrader() common.Address {
	traderSeq++
	return common.BigToAddress(big.NewInt(int64(traderSeq)))
}

func newTestOrder(id string, side repo.OrderSide, size, price int64) *repo.Order {
	return &repo.Order{
		ID:          id,
		Trader:      nextTrader(),
		Token:       common.HexToAddress("0xaaaa"),
		Side:        side,
		Size:        big.NewInt(size),
		Price:       big.NewInt(price),
		Type:        repo.OrderLimit,
		TimeInForce: repo.GTC,
		FilledSize:  big.NewInt(0),
		Status:      repo.StatusPending,
		CreatedAt:   time.Now(),
	}
}

func TestRestingOrderNoCross(t *testing.T) {
	ob := New(common.HexToAddress("0xaaaa"), testMarket())
	bid := newTestOrder("1", repo.Long, 10, 100)
	fills, err := ob.Insert(bid, time.Now())
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if len(fills) != 0 {
		t.Fatalf("expected no fills, got %d", len(fills))
	}
	if ob.BestBid().Cmp(big.NewInt(100)) != 0 {
		t.Errorf("BestBid = %s, want 100", ob.BestBid())
	}
}

func TestCrossingOrderFills(t *testing.T) {
	ob := New(common.HexToAddress("0xaaaa"), testMarket())
	ask := newTestOrder("maker", repo.Short, 10, 100)
	if _, err := ob.Insert(ask, time.Now()); err != nil {
		t.Fatalf("insert maker: %v", err)
	}

	taker := newTestOrder("taker", repo.Long, 6, 100)
	fills, err := ob.Insert(taker, time.Now())
	if err != nil {
		t.Fatalf("insert taker: %v", err)
	}
	if len(fills) != 1 {
		t.Fatalf("expected 1 fill, got %d", len(fills))
	}
	if fills[0].Size.Cmp(big.NewInt(6)) != 0 {
		t.Errorf("fill size = %s, want 6", fills[0].Size)
	}
	if taker.Status != repo.StatusFilled {
		t.Errorf("taker status = %s, want filled", taker.Status)
	}
	if ask.Status != repo.StatusPartiallyFilled {
		t.Errorf("maker status = %s, want partially_filled", ask.Status)
	}
}

func TestPostOnlyRejectsCrossing(t *testing.T) {
	ob := New(common.HexToAddress("0xaaaa"), testMarket())
	ask := newTestOrder("maker", repo.Short, 10, 100)
	if _, err := ob.Insert(ask, time.Now()); err != nil {
		t.Fatalf("insert maker: %v", err)
	}

	taker := newTestOrder("taker", repo.Long, 5, 100)
	taker.PostOnly = true
	if _, err := ob.Insert(taker, time.Now()); err == nil {
		t.Fatal("expected post-only crossing order to be rejected")
	}
}

func TestFOKRejectsPartialLiquidity(t *testing.T) {
	ob := New(common.HexToAddress("0xaaaa"), testMarket())
	ask := newTestOrder("maker", repo.Short, 5, 100)
	if _, err := ob.Insert(ask, time.Now()); err != nil {
		t.Fatalf("insert maker: %v", err)
	}

	taker := newTestOrder("taker", repo.Long, 10, 100)
	taker.TimeInForce = repo.FOK
	if _, err := ob.Insert(taker, time.Now()); err == nil {
		t.Fatal("expected FOK order to be rejected when book can't fully fill it")
	}
}

func TestIOCDiscardsRemainder(t *testing.T) {
	ob := New(common.HexToAddress("0xaaaa"), testMarket())
	ask := newTestOrder("maker", repo.Short, 5, 100)
	if _, err := ob.Insert(ask, time.Now()); err != nil {
		t.Fatalf("insert maker: %v", err)
	}

	taker := newTestOrder("taker", repo.Long, 10, 100)
	taker.TimeInForce = repo.IOC
	fills, err := ob.Insert(taker, time.Now())
	if err != nil {
		t.Fatalf("insert IOC taker: %v", err)
	}
	if len(fills) != 1 || fills[0].Size.Cmp(big.NewInt(5)) != 0 {
		t.Fatalf("expected one 5-size fill, got %+v", fills)
	}
	if ob.BestAsk() != nil {
		t.Error("IOC remainder should not rest")
	}
}

func TestCancelRemovesRestingOrder(t *testing.T) {
	ob := New(common.HexToAddress("0xaaaa"), testMarket())
	bid := newTestOrder("1", repo.Long, 10, 100)
	if _, err := ob.Insert(bid, time.Now()); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if !ob.Cancel("1") {
		t.Fatal("expected cancel to succeed")
	}
	if ob.BestBid() != nil {
		t.Error("expected empty book after cancel")
	}
	if ob.Cancel("1") {
		t.Error("expected second cancel to report false")
	}
}

func TestReduceOnlyClamp(t *testing.T) {
	clamped, reject := ReduceOnlyClamp(big.NewInt(20), big.NewInt(10))
	if reject {
		t.Fatal("did not expect rejection")
	}
	if clamped.Cmp(big.NewInt(10)) != 0 {
		t.Errorf("clamped = %s, want 10", clamped)
	}

	_, reject = ReduceOnlyClamp(big.NewInt(5), big.NewInt(0))
	if !reject {
		t.Error("expected rejection when no open position to reduce")
	}
}

func TestDepthAggregatesLevels(t *testing.T) {
	ob := New(common.HexToAddress("0xaaaa"), testMarket())
	ob.Insert(newTestOrder("b1", repo.Long, 5, 99), time.Now())
	ob.Insert(newTestOrder("b2", repo.Long, 3, 99), time.Now())
	ob.Insert(newTestOrder("b3", repo.Long, 1, 98), time.Now())

	depth := ob.Depth(10)
	if len(depth.Bids) != 2 {
		t.Fatalf("expected 2 aggregated bid levels, got %d", len(depth.Bids))
	}
	if depth.Bids[0].Price.Cmp(big.NewInt(99)) != 0 {
		t.Errorf("best bid level price = %s, want 99", depth.Bids[0].Price)
	}
	if depth.Bids[0].TotalSize.Cmp(big.NewInt(8)) != 0 {
		t.Errorf("best bid level size = %s, want 8", depth.Bids[0].TotalSize)
	}
	if depth.Bids[0].OrderCount != 2 {
		t.Errorf("best bid level order count = %d, want 2", depth.Bids[0].OrderCount)
	}
}
