package repo

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/hyperfutures/perpengine/internal/fixedpoint"
	"github.com/hyperfutures/perpengine/internal/store"
)

// OrderRepo is the typed repository for Order, including the pending-index
// and conditional-trigger sorted indexes described in §6.
type OrderRepo struct {
	store store.Store
}

func NewOrderRepo(s store.Store) *OrderRepo { return &OrderRepo{store: s} }

func (r *OrderRepo) Get(id string) (*Order, bool, error) {
	var o Order
	ok, err := r.store.HGet(orderKey(id), &o)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &o, true, nil
}

// Put writes the order and maintains the pending-index and
// conditional-trigger index per §3/§4.2: "An order is in the
// pending-index while status is pending or partially-filled; removed on
// any terminal state."
func (r *OrderRepo) Put(o *Order) error {
	o.UpdatedAt = time.Now()
	if err := r.store.HSet(orderKey(o.ID), o); err != nil {
		return fmt.Errorf("put order %s: %w", o.ID, err)
	}

	if o.IsOpen() {
		if err := r.store.SAdd(tokenPendingOrdersSet(o.Token), o.ID); err != nil {
			return err
		}
	} else {
		_ = r.store.SRem(tokenPendingOrdersSet(o.Token), o.ID)
	}

	return r.syncTriggerIndex(o)
}

func (r *OrderRepo) syncTriggerIndex(o *Order) error {
	longSet := triggerLongZSet(o.Token)
	shortSet := triggerShortZSet(o.Token)

	inTriggerIndex := o.TriggerPrice != nil && o.TriggerPrice.Sign() > 0 &&
		o.Status != StatusTriggered && o.IsOpen()

	if !inTriggerIndex {
		_ = r.store.ZRem(longSet, o.ID)
		_ = r.store.ZRem(shortSet, o.ID)
		return nil
	}

	score, overflow := fixedpoint.TruncateToScore(o.TriggerPrice)
	if overflow {
		return fmt.Errorf("trigger price exceeds representable maximum for order %s", o.ID)
	}

	if o.Side == Long {
		_ = r.store.ZRem(shortSet, o.ID)
		return r.store.ZAdd(longSet, score, o.ID)
	}
	_ = r.store.ZRem(longSet, o.ID)
	return r.store.ZAdd(shortSet, score, o.ID)
}

func (r *OrderRepo) RemoveFromTriggerIndex(o *Order) error {
	_ = r.store.ZRem(triggerLongZSet(o.Token), o.ID)
	return r.store.ZRem(triggerShortZSet(o.Token), o.ID)
}

func (r *OrderRepo) PendingByToken(token common.Address) ([]*Order, error) {
	ids, err := r.store.SMembers(tokenPendingOrdersSet(token))
	if err != nil {
		return nil, err
	}
	out := make([]*Order, 0, len(ids))
	for _, id := range ids {
		o, ok, err := r.Get(id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, o)
		}
	}
	return out, nil
}

// TriggeredLongs returns order IDs whose trigger price is at or above the
// current price (longs: score >= price, per §4.2, expressed here as a
// range query from the current score up to the maximum).
func (r *OrderRepo) TriggeredLongs(token common.Address, currentScore float64) ([]string, error) {
	return r.store.ZRangeByScore(triggerLongZSet(token), currentScore, maxScore)
}

// TriggeredShorts returns order IDs whose trigger price is at or below the
// current price (shorts: score <= price).
func (r *OrderRepo) TriggeredShorts(token common.Address, currentScore float64) ([]string, error) {
	return r.store.ZRangeByScore(triggerShortZSet(token), minScore, currentScore)
}

const (
	minScore = -1e18
	maxScore = 1e18
)
