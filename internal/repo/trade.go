package repo

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/hyperfutures/perpengine/internal/store"
)

// TradeRepo is the typed repository for Trade, indexed by trader and by
// token. Reads return at most 1000 trades per index, newest first. Stored
// trades are never expired or trimmed, and there is no per-(trader, token)
// index or cap.
type TradeRepo struct {
	store store.Store
}

const tradeCapPerIndex = 1000

func NewTradeRepo(s store.Store) *TradeRepo { return &TradeRepo{store: s} }

func (r *TradeRepo) Put(t *Trade) error {
	if err := r.store.HSet(tradeKey(t.ID), t); err != nil {
		return fmt.Errorf("put trade %s: %w", t.ID, err)
	}
	score := float64(t.Timestamp.UnixNano())
	if err := r.store.ZAdd(userTradesZSet(t.Trader), score, t.ID); err != nil {
		return err
	}
	if err := r.store.ZAdd(tokenTradesZSet(t.Token), score, t.ID); err != nil {
		return err
	}
	return nil
}

func (r *TradeRepo) RecentByToken(token common.Address, limit int) ([]*Trade, error) {
	ids, err := r.store.ZRangeByScore(tokenTradesZSet(token), minScore, maxScore)
	if err != nil {
		return nil, err
	}
	return r.loadNewestFirst(ids, limit)
}

func (r *TradeRepo) RecentByTrader(trader common.Address, limit int) ([]*Trade, error) {
	ids, err := r.store.ZRangeByScore(userTradesZSet(trader), minScore, maxScore)
	if err != nil {
		return nil, err
	}
	return r.loadNewestFirst(ids, limit)
}

func (r *TradeRepo) loadNewestFirst(ids []string, limit int) ([]*Trade, error) {
	if limit <= 0 || limit > tradeCapPerIndex {
		limit = tradeCapPerIndex
	}
	// ids come back ascending by timestamp score; newest first means the
	// tail of the slice, reversed.
	start := 0
	if len(ids) > limit {
		start = len(ids) - limit
	}
	window := ids[start:]

	out := make([]*Trade, 0, len(window))
	for i := len(window) - 1; i >= 0; i-- {
		var t Trade
		ok, err := r.store.HGet(tradeKey(window[i]), &t)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, &t)
		}
	}
	return out, nil
}
