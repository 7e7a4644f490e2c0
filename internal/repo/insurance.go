package repo

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/hyperfutures/perpengine/internal/store"
)

// InsuranceFund is the process-wide shortfall/surplus ledger credited by
// funding settlement (§4.5) and debited/credited by liquidation (§4.7).
type InsuranceFund struct {
	Balance   *big.Int  `json:"balance"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// InsuranceRepo is the typed repository for the singleton InsuranceFund.
type InsuranceRepo struct {
	store store.Store
}

func NewInsuranceRepo(s store.Store) *InsuranceRepo { return &InsuranceRepo{store: s} }

func (r *InsuranceRepo) Get() (*InsuranceFund, error) {
	var f InsuranceFund
	ok, err := r.store.HGet(insuranceFundKey(), &f)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &InsuranceFund{Balance: big.NewInt(0), UpdatedAt: time.Now()}, nil
	}
	if f.Balance == nil {
		f.Balance = big.NewInt(0)
	}
	return &f, nil
}

func (r *InsuranceRepo) Credit(amount *big.Int) (*InsuranceFund, error) {
	f, err := r.Get()
	if err != nil {
		return nil, err
	}
	f.Balance = new(big.Int).Add(f.Balance, amount)
	f.UpdatedAt = time.Now()
	if err := r.store.HSet(insuranceFundKey(), f); err != nil {
		return nil, fmt.Errorf("put insurance fund: %w", err)
	}
	return f, nil
}

// Debit subtracts amount, allowing the balance to go negative (an
// uncovered shortfall) since the spec treats that as a reportable
// condition, not an error.
func (r *InsuranceRepo) Debit(amount *big.Int) (*InsuranceFund, error) {
	return r.Credit(new(big.Int).Neg(amount))
}

// NextFundingRepo tracks each token's next funding settlement time (§4.5:
// "monotonically increasing nextFundingTime").
type NextFundingRepo struct {
	store store.Store
}

func NewNextFundingRepo(s store.Store) *NextFundingRepo { return &NextFundingRepo{store: s} }

func (r *NextFundingRepo) Get(token common.Address) (time.Time, error) {
	var wrapper struct {
		NextAt time.Time `json:"nextAt"`
	}
	ok, err := r.store.HGet(nextFundingKey(token), &wrapper)
	if err != nil {
		return time.Time{}, err
	}
	if !ok {
		return time.Time{}, nil
	}
	return wrapper.NextAt, nil
}

func (r *NextFundingRepo) Set(token common.Address, at time.Time) error {
	wrapper := struct {
		NextAt time.Time `json:"nextAt"`
	}{NextAt: at}
	return r.store.HSet(nextFundingKey(token), wrapper)
}
