package repo

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/hyperfutures/perpengine/internal/store"
)

// MarketStatsRepo is the typed repository for the per-token MarketStats
// rollup (§3).
type MarketStatsRepo struct {
	store store.Store
}

func NewMarketStatsRepo(s store.Store) *MarketStatsRepo { return &MarketStatsRepo{store: s} }

func (r *MarketStatsRepo) Get(token common.Address) (*MarketStats, bool, error) {
	var m MarketStats
	ok, err := r.store.HGet(marketStatsKey(token), &m)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &m, true, nil
}

func (r *MarketStatsRepo) Put(m *MarketStats) error {
	m.UpdatedAt = time.Now()
	if err := r.store.HSet(marketStatsKey(m.Token), m); err != nil {
		return fmt.Errorf("put market stats %s: %w", m.Token.Hex(), err)
	}
	return nil
}

// OrderMarginRepo is the typed repository for OrderMargin, TTL 7 days,
// indexed in a process-wide set for cleanup sweeps (§3).
type OrderMarginRepo struct {
	store store.Store
}

func NewOrderMarginRepo(s store.Store) *OrderMarginRepo { return &OrderMarginRepo{store: s} }

func (r *OrderMarginRepo) Put(om *OrderMargin) error {
	if err := r.store.HSet(orderMarginKey(om.OrderID), om); err != nil {
		return fmt.Errorf("put order margin %s: %w", om.OrderID, err)
	}
	return r.store.SAdd(allOrderMarginsSet(), om.OrderID)
}

func (r *OrderMarginRepo) Get(orderID string) (*OrderMargin, bool, error) {
	var om OrderMargin
	ok, err := r.store.HGet(orderMarginKey(orderID), &om)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &om, true, nil
}

func (r *OrderMarginRepo) Remove(orderID string) error {
	_ = r.store.SRem(allOrderMarginsSet(), orderID)
	return r.store.Delete(orderMarginKey(orderID))
}

// Sweep removes any OrderMargin record older than the TTL, mirroring the
// process-wide cleanup sweep the spec names.
func (r *OrderMarginRepo) Sweep(ttl time.Duration) (int, error) {
	ids, err := r.store.SMembers(allOrderMarginsSet())
	if err != nil {
		return 0, err
	}
	removed := 0
	cutoff := time.Now().Add(-ttl)
	for _, id := range ids {
		om, ok, err := r.Get(id)
		if err != nil {
			return removed, err
		}
		if ok && om.CreatedAt.Before(cutoff) {
			if err := r.Remove(id); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}

// LockKey exposes the §6 lock key naming convention to other packages
// (e.g. lockKey("funding:"+token.Hex()), lockKey("balance:"+addr.Hex())).
func LockKey(resource string) string { return lockKey(resource) }
