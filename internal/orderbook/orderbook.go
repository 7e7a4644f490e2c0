// Package orderbook implements the per-token two-sided price-time priority
// book (§4.2), generalized from the teacher's
// pkg/app/core/orderbook/orderbook.go (int64 ticks, container/heap levels)
// to big.Int fixed-point prices, with post-only, reduce-only, FOK, IOC, and
// GTD handling added.
package orderbook

import (
	"container/heap"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/hyperfutures/perpengine/internal/market"
	"github.com/hyperfutures/perpengine/internal/repo"
)

// Fill is one resting-order match produced by Insert.
type Fill struct {
	Taker      *repo.Order
	Maker      *repo.Order
	Price      *big.Int
	Size       *big.Int
	MakerDone  bool // maker fully filled by this match
}

// PriceLevel is an aggregated depth-of-book row (§4.2 depth()).
type PriceLevel struct {
	Price      *big.Int
	TotalSize  *big.Int
	OrderCount int
}

// Depth is the top-N aggregated view plus the book's trade-derived price.
type Depth struct {
	Bids      []PriceLevel
	Asks      []PriceLevel
	LastPrice *big.Int
	Timestamp time.Time
}

const defaultTradeRingSize = 1000

// OrderBook is the live in-memory state for one token. It is owned
// exclusively by its token's matching-engine goroutine (§5); no external
// caller mutates it directly.
type OrderBook struct {
	mu sync.RWMutex

	token  common.Address
	market *market.Market

	bidHeap bidPriceHeap
	askHeap askPriceHeap
	bids    map[string][]*repo.Order // priceKey -> FIFO (time priority)
	asks    map[string][]*repo.Order

	orderPrice map[string]*big.Int    // orderID -> resting price, for Cancel
	orderSide  map[string]repo.OrderSide

	lastPrice *big.Int
	tradeRing []*repo.Trade
}

func New(token common.Address, m *market.Market) *OrderBook {
	ob := &OrderBook{
		token:      token,
		market:     m,
		bids:       make(map[string][]*repo.Order),
		asks:       make(map[string][]*repo.Order),
		orderPrice: make(map[string]*big.Int),
		orderSide:  make(map[string]repo.OrderSide),
	}
	heap.Init(&ob.bidHeap)
	heap.Init(&ob.askHeap)
	return ob
}

func priceKey(p *big.Int) string { return p.String() }

func (ob *OrderBook) BestBid() *big.Int { return ob.bidHeap.Peek() }
func (ob *OrderBook) BestAsk() *big.Int { return ob.askHeap.Peek() }

// CurrentPrice returns the last-trade price, or the bid/ask midpoint
// fallback when no trades have occurred yet (§4.2).
func (ob *OrderBook) CurrentPrice() *big.Int {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.currentPriceLocked()
}

func (ob *OrderBook) currentPriceLocked() *big.Int {
	if ob.lastPrice != nil {
		return ob.lastPrice
	}
	bid, ask := ob.bidHeap.Peek(), ob.askHeap.Peek()
	if bid == nil || ask == nil {
		return big.NewInt(0)
	}
	mid := new(big.Int).Add(bid, ask)
	return mid.Quo(mid, big.NewInt(2))
}

// crosses reports whether a taker at the given side/price would cross the
// opposite best price (§4.2 rule 2). A zero price (market order) always
// crosses.
func (ob *OrderBook) crosses(side repo.OrderSide, price *big.Int) bool {
	if price.Sign() == 0 {
		return ob.bidHeap.Len() > 0 || ob.askHeap.Len() > 0
	}
	if side == repo.Long {
		ask := ob.askHeap.Peek()
		return ask != nil && ask.Cmp(price) <= 0
	}
	bid := ob.bidHeap.Peek()
	return bid != nil && bid.Cmp(price) >= 0
}

// walkableSize pre-walks the opposite side to confirm how much of size can
// be filled at-or-better-than price, without mutating the book. Used for
// the FOK pre-check (§4.2 rule 8).
func (ob *OrderBook) walkableSize(side repo.OrderSide, price *big.Int, size *big.Int) *big.Int {
	remaining := new(big.Int).Set(size)
	filled := big.NewInt(0)

	if side == repo.Long {
		levels := append([]*big.Int(nil), ob.askHeap...)
		sortAsc(levels)
		for _, lvl := range levels {
			if price.Sign() != 0 && lvl.Cmp(price) > 0 {
				break
			}
			for _, o := range ob.asks[priceKey(lvl)] {
				if remaining.Sign() <= 0 {
					break
				}
				avail := o.Remaining()
				take := minBig(avail, remaining)
				filled.Add(filled, take)
				remaining.Sub(remaining, take)
			}
			if remaining.Sign() <= 0 {
				break
			}
		}
	} else {
		levels := append([]*big.Int(nil), ob.bidHeap...)
		sortDesc(levels)
		for _, lvl := range levels {
			if price.Sign() != 0 && lvl.Cmp(price) < 0 {
				break
			}
			for _, o := range ob.bids[priceKey(lvl)] {
				if remaining.Sign() <= 0 {
					break
				}
				avail := o.Remaining()
				take := minBig(avail, remaining)
				filled.Add(filled, take)
				remaining.Sub(remaining, take)
			}
			if remaining.Sign() <= 0 {
				break
			}
		}
	}
	return filled
}

// ReduceOnlyClamp clamps size to openPositionSize per §4.2 rule 7; returns
// the clamped size and whether the order should be rejected (size <= 0
// after clamping).
func ReduceOnlyClamp(size, openPositionSize *big.Int) (clamped *big.Int, reject bool) {
	if openPositionSize.Sign() <= 0 {
		return nil, true
	}
	clamped = minBig(size, openPositionSize)
	return clamped, clamped.Sign() <= 0
}

// Insert places an order, matching it against the book per §4.2's ten
// rules, and returns the produced fills. The caller (internal/matching) is
// responsible for position mutation, fee application, and persistence.
func (ob *OrderBook) Insert(o *repo.Order, now time.Time) ([]Fill, error) {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	isMarket := o.Price == nil || o.Price.Sign() == 0

	if o.PostOnly && !isMarket && ob.crosses(o.Side, o.Price) {
		return nil, fmt.Errorf("post-only order would cross the book")
	}

	if o.TimeInForce == repo.FOK {
		filled := ob.walkableSize(o.Side, o.Price, o.Remaining())
		if filled.Cmp(o.Remaining()) < 0 {
			return nil, fmt.Errorf("fill-or-kill order cannot be fully filled")
		}
	}

	fills := ob.match(o, now)

	remaining := o.Remaining()
	if remaining.Sign() > 0 {
		switch {
		case isMarket:
			// market orders never rest (§4.2 rule: "never rests").
		case o.TimeInForce == repo.IOC, o.TimeInForce == repo.FOK:
			// discard remainder, never rest.
		default:
			ob.rest(o)
		}
	}

	return fills, nil
}

func (ob *OrderBook) match(taker *repo.Order, now time.Time) []Fill {
	var fills []Fill

	for taker.Remaining().Sign() > 0 {
		var book map[string][]*repo.Order
		var bestPrice *big.Int

		if taker.Side == repo.Long {
			bestPrice = ob.askHeap.Peek()
			book = ob.asks
		} else {
			bestPrice = ob.bidHeap.Peek()
			book = ob.bids
		}

		if bestPrice == nil {
			break
		}
		if !ob.crosses(taker.Side, taker.Price) {
			break
		}
		// crosses() only checked the best price; re-derive whether THIS
		// level still satisfies the taker's limit (market orders always
		// satisfy).
		if taker.Price != nil && taker.Price.Sign() != 0 {
			if taker.Side == repo.Long && bestPrice.Cmp(taker.Price) > 0 {
				break
			}
			if taker.Side == repo.Short && bestPrice.Cmp(taker.Price) < 0 {
				break
			}
		}

		key := priceKey(bestPrice)
		queue := book[key]
		if len(queue) == 0 {
			ob.popBestLevel(taker.Side)
			continue
		}

		maker := queue[0]
		fillSize := minBig(taker.Remaining(), maker.Remaining())

		taker.FilledSize = new(big.Int).Add(taker.FilledSize, fillSize)
		maker.FilledSize = new(big.Int).Add(maker.FilledSize, fillSize)
		taker.AvgFillPrice = weightedAvgPrice(taker, fillSize, bestPrice)
		maker.AvgFillPrice = bestPrice

		makerDone := maker.Remaining().Sign() == 0
		if makerDone {
			maker.Status = repo.StatusFilled
			queue = queue[1:]
			delete(ob.orderPrice, maker.ID)
			delete(ob.orderSide, maker.ID)
		} else {
			maker.Status = repo.StatusPartiallyFilled
		}
		book[key] = queue

		if len(queue) == 0 {
			delete(book, key)
			ob.popBestLevel(taker.Side)
		}

		ob.lastPrice = bestPrice
		fills = append(fills, Fill{Taker: taker, Maker: maker, Price: bestPrice, Size: fillSize, MakerDone: makerDone})

		if taker.Remaining().Sign() == 0 {
			taker.Status = repo.StatusFilled
			break
		}
		taker.Status = repo.StatusPartiallyFilled
	}

	return fills
}

func weightedAvgPrice(o *repo.Order, newSize, newPrice *big.Int) *big.Int {
	prevFilled := new(big.Int).Sub(o.FilledSize, newSize)
	if prevFilled.Sign() <= 0 || o.AvgFillPrice == nil {
		return newPrice
	}
	prevNotional := new(big.Int).Mul(prevFilled, o.AvgFillPrice)
	newNotional := new(big.Int).Mul(newSize, newPrice)
	total := new(big.Int).Add(prevNotional, newNotional)
	return total.Quo(total, o.FilledSize)
}

func (ob *OrderBook) popBestLevel(takerSide repo.OrderSide) {
	if takerSide == repo.Long {
		if ob.askHeap.Len() > 0 {
			heap.Pop(&ob.askHeap)
		}
	} else {
		if ob.bidHeap.Len() > 0 {
			heap.Pop(&ob.bidHeap)
		}
	}
}

func (ob *OrderBook) rest(o *repo.Order) {
	key := priceKey(o.Price)
	if o.Side == repo.Long {
		if _, exists := ob.bids[key]; !exists {
			heap.Push(&ob.bidHeap, o.Price)
		}
		ob.bids[key] = append(ob.bids[key], o)
	} else {
		if _, exists := ob.asks[key]; !exists {
			heap.Push(&ob.askHeap, o.Price)
		}
		ob.asks[key] = append(ob.asks[key], o)
	}
	ob.orderPrice[o.ID] = o.Price
	ob.orderSide[o.ID] = o.Side
	if o.FilledSize.Sign() > 0 {
		o.Status = repo.StatusPartiallyFilled
	} else {
		o.Status = repo.StatusPending
	}
}

// Cancel removes a resting order; returns false if not present (§4.2).
func (ob *OrderBook) Cancel(orderID string) bool {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	price, ok := ob.orderPrice[orderID]
	if !ok {
		return false
	}
	side := ob.orderSide[orderID]
	key := priceKey(price)

	var book map[string][]*repo.Order
	if side == repo.Long {
		book = ob.bids
	} else {
		book = ob.asks
	}

	queue := book[key]
	for i, o := range queue {
		if o.ID == orderID {
			queue = append(queue[:i], queue[i+1:]...)
			break
		}
	}
	if len(queue) == 0 {
		delete(book, key)
		if side == repo.Long {
			ob.removeFromHeap(&ob.bidHeap, price)
		} else {
			ob.removeFromHeap(&ob.askHeap, price)
		}
	} else {
		book[key] = queue
	}

	delete(ob.orderPrice, orderID)
	delete(ob.orderSide, orderID)
	return true
}

func (ob *OrderBook) removeFromHeap(h heap.Interface, price *big.Int) {
	switch typed := h.(type) {
	case *bidPriceHeap:
		for i, p := range *typed {
			if p.Cmp(price) == 0 {
				heap.Remove(typed, i)
				return
			}
		}
	case *askPriceHeap:
		for i, p := range *typed {
			if p.Cmp(price) == 0 {
				heap.Remove(typed, i)
				return
			}
		}
	}
}

// Depth returns the top-N aggregated levels per side (§4.2).
func (ob *OrderBook) Depth(levels int) Depth {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	bidPrices := append([]*big.Int(nil), ob.bidHeap...)
	sortDesc(bidPrices)
	askPrices := append([]*big.Int(nil), ob.askHeap...)
	sortAsc(askPrices)

	return Depth{
		Bids:      aggregateLevels(bidPrices, ob.bids, levels),
		Asks:      aggregateLevels(askPrices, ob.asks, levels),
		LastPrice: ob.currentPriceLocked(),
		Timestamp: time.Now(),
	}
}

func aggregateLevels(prices []*big.Int, book map[string][]*repo.Order, levels int) []PriceLevel {
	if levels > 0 && len(prices) > levels {
		prices = prices[:levels]
	}
	out := make([]PriceLevel, 0, len(prices))
	for _, p := range prices {
		orders := book[priceKey(p)]
		total := big.NewInt(0)
		for _, o := range orders {
			total.Add(total, o.Remaining())
		}
		out = append(out, PriceLevel{Price: p, TotalSize: total, OrderCount: len(orders)})
	}
	return out
}

// Trades returns the most recent trades, newest first, bounded by the ring
// buffer size (default 1000).
func (ob *OrderBook) Trades(limit int) []*repo.Trade {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	if limit <= 0 || limit > len(ob.tradeRing) {
		limit = len(ob.tradeRing)
	}
	out := make([]*repo.Trade, limit)
	for i := 0; i < limit; i++ {
		out[i] = ob.tradeRing[len(ob.tradeRing)-1-i]
	}
	return out
}

// RecordTrade appends to the bounded trade ring; called by the matching
// engine after persisting each trade.
func (ob *OrderBook) RecordTrade(t *repo.Trade) {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	ob.tradeRing = append(ob.tradeRing, t)
	if len(ob.tradeRing) > defaultTradeRingSize {
		ob.tradeRing = ob.tradeRing[len(ob.tradeRing)-defaultTradeRingSize:]
	}
}

func minBig(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

func sortAsc(s []*big.Int) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1].Cmp(s[j]) > 0; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

func sortDesc(s []*big.Int) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1].Cmp(s[j]) < 0; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}
