package repo

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/hyperfutures/perpengine/internal/store"
)

// PositionRepo is the typed repository for Position, grounded on
// account/store.go's Save/Load-per-entity shape, generalized from an
// Account-embedded map to an independent trader+token-keyed entity.
type PositionRepo struct {
	store store.Store
}

func NewPositionRepo(s store.Store) *PositionRepo { return &PositionRepo{store: s} }

// storedPosition carries the legacy dual-field names (Design Note) so old
// hashes written under userAddress/symbol/initialMargin still decode.
type storedPosition struct {
	Position
	UserAddress  string   `json:"userAddress,omitempty"`
	Symbol       string   `json:"symbol,omitempty"`
	InitialMargin *big.Int `json:"initialMargin,omitempty"`
}

func (r *PositionRepo) Get(id string) (*Position, bool, error) {
	var sp storedPosition
	ok, err := r.store.HGet(positionKey(id), &sp)
	if err != nil || !ok {
		return nil, ok, err
	}
	p := sp.Position
	if p.Trader == (common.Address{}) && sp.UserAddress != "" {
		p.Trader = common.HexToAddress(sp.UserAddress)
	}
	if p.Collateral == nil && sp.InitialMargin != nil {
		p.Collateral = sp.InitialMargin
	}
	return &p, true, nil
}

// Put writes the new field names only; the legacy dual-write is dropped
// per the Design Note ("the writer must emit the new names only").
func (r *PositionRepo) Put(p *Position) error {
	p.UpdatedAt = time.Now()
	if err := r.store.HSet(positionKey(p.ID), p); err != nil {
		return fmt.Errorf("put position %s: %w", p.ID, err)
	}
	if err := r.store.SAdd(userPositionsSet(p.Trader), p.ID); err != nil {
		return err
	}
	if err := r.store.SAdd(tokenPositionsSet(p.Token), p.ID); err != nil {
		return err
	}
	return r.store.SAdd(allPositionsSet(), p.ID)
}

func (r *PositionRepo) Remove(p *Position) error {
	_ = r.store.SRem(userPositionsSet(p.Trader), p.ID)
	_ = r.store.SRem(tokenPositionsSet(p.Token), p.ID)
	_ = r.store.SRem(allPositionsSet(), p.ID)
	return r.store.Delete(positionKey(p.ID))
}

func (r *PositionRepo) ListByTrader(addr common.Address) ([]*Position, error) {
	ids, err := r.store.SMembers(userPositionsSet(addr))
	if err != nil {
		return nil, err
	}
	return r.loadAll(ids)
}

func (r *PositionRepo) ListByToken(token common.Address) ([]*Position, error) {
	ids, err := r.store.SMembers(tokenPositionsSet(token))
	if err != nil {
		return nil, err
	}
	return r.loadAll(ids)
}

// ListAllOpen is the snapshotted read the risk engine performs every tick
// (§4.6: "snapshotted read from the store").
func (r *PositionRepo) ListAllOpen() ([]*Position, error) {
	ids, err := r.store.SMembers(allPositionsSet())
	if err != nil {
		return nil, err
	}
	all, err := r.loadAll(ids)
	if err != nil {
		return nil, err
	}
	open := make([]*Position, 0, len(all))
	for _, p := range all {
		if p.Status == PositionOpen {
			open = append(open, p)
		}
	}
	return open, nil
}

func (r *PositionRepo) loadAll(ids []string) ([]*Position, error) {
	out := make([]*Position, 0, len(ids))
	for _, id := range ids {
		p, ok, err := r.Get(id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// ByTraderToken finds the open position for a (trader, token) pair without
// a dedicated index — it scans the trader's position set, which is bounded
// by the number of tokens a trader has ever traded.
func (r *PositionRepo) ByTraderToken(trader, token common.Address) (*Position, bool, error) {
	positions, err := r.ListByTrader(trader)
	if err != nil {
		return nil, false, err
	}
	for _, p := range positions {
		if p.Token == token && p.Status == PositionOpen {
			return p, true, nil
		}
	}
	return nil, false, nil
}
