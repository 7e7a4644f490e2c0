package repo

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/hyperfutures/perpengine/internal/store"
)

// BalanceRepo is the typed repository for the singleton per-trader Balance.
type BalanceRepo struct {
	store store.Store
}

func NewBalanceRepo(s store.Store) *BalanceRepo { return &BalanceRepo{store: s} }

// GetOrCreate mirrors account/manager.go's GetAccount "create with zero
// balance if it doesn't exist" idiom, generalized to the standalone
// Balance entity.
func (r *BalanceRepo) GetOrCreate(trader common.Address) (*Balance, error) {
	var b Balance
	ok, err := r.store.HGet(balanceKey(trader), &b)
	if err != nil {
		return nil, err
	}
	if ok {
		return &b, nil
	}
	b = Balance{
		Trader:        trader,
		Wallet:        big.NewInt(0),
		Frozen:        big.NewInt(0),
		Used:          big.NewInt(0),
		UnrealizedPnL: big.NewInt(0),
		UpdatedAt:     time.Now(),
	}
	if err := r.Put(&b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (r *BalanceRepo) Put(b *Balance) error {
	b.UpdatedAt = time.Now()
	if err := r.store.HSet(balanceKey(b.Trader), b); err != nil {
		return fmt.Errorf("put balance %s: %w", b.Trader.Hex(), err)
	}
	return nil
}
