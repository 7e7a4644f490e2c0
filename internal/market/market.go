// Package market holds the per-token static configuration (tick/lot size,
// leverage caps, margin and fee rates, funding interval) backing the
// Token entity (§3), grounded on the teacher's market.go/market_params.go.
package market

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Market is the static configuration for one tradable token.
type Market struct {
	Token              common.Address
	BaseAsset          string
	QuoteAsset         string
	TickSize           *big.Int // minimum price increment, PRICE_SCALE
	LotSize            *big.Int // minimum size increment, SIZE_SCALE
	MaxLeverage         int64    // RATE_SCALE (e.g. 50x = 500000)
	InitialMarginBps    int64
	MaintenanceMarginBps int64
	FundingInterval     time.Duration
	MinOrderNotional    *big.Int
	MaxOrderNotional    *big.Int
	MakerFeeBps         int64
	TakerFeeBps         int64
}

// DefaultPerpetual mirrors the teacher's CustomPerpetual(tickSize, lotSize,
// leverage) helper, generalized with the funding interval and fee fields
// this spec needs that the teacher's Market does not carry.
func DefaultPerpetual(token common.Address, base, quote string, tickSize, lotSize *big.Int, maxLeverage int64) *Market {
	return &Market{
		Token:                token,
		BaseAsset:            base,
		QuoteAsset:           quote,
		TickSize:             tickSize,
		LotSize:              lotSize,
		MaxLeverage:          maxLeverage,
		InitialMarginBps:     10_000 * 10_000 / maxLeverage,
		MaintenanceMarginBps: 10_000 * 10_000 / maxLeverage / 2,
		FundingInterval:      5 * time.Minute,
		MinOrderNotional:     big.NewInt(10_000_000_000_000_000), // 0.01 * PRICE_SCALE-ish floor
		MaxOrderNotional:     new(big.Int).Mul(big.NewInt(10_000_000), big.NewInt(1_000_000_000_000_000_000)),
		MakerFeeBps:          -2, // rebate
		TakerFeeBps:          5,
	}
}

func (m *Market) Validate() error {
	if m.TickSize == nil || m.TickSize.Sign() <= 0 {
		return fmt.Errorf("market %s: tick size must be positive", m.Token.Hex())
	}
	if m.LotSize == nil || m.LotSize.Sign() <= 0 {
		return fmt.Errorf("market %s: lot size must be positive", m.Token.Hex())
	}
	if m.MaxLeverage <= 0 {
		return fmt.Errorf("market %s: max leverage must be positive", m.Token.Hex())
	}
	return nil
}

// ValidateOrderSize checks size against the lot size and notional bounds,
// grounded on the teacher's Market.ValidateOrderSize/ValidateOrderNotional.
func (m *Market) ValidateOrderSize(size, price *big.Int) error {
	if size.Sign() <= 0 {
		return fmt.Errorf("size must be positive")
	}
	rem := new(big.Int).Mod(size, m.LotSize)
	if rem.Sign() != 0 {
		return fmt.Errorf("size %s is not a multiple of lot size %s", size, m.LotSize)
	}
	if price == nil || price.Sign() == 0 {
		return nil // market order, notional checked at match time
	}
	notional := new(big.Int).Mul(size, price)
	notional.Quo(notional, big.NewInt(1_000_000_000_000_000_000))
	if notional.Cmp(m.MinOrderNotional) < 0 {
		return fmt.Errorf("notional %s below minimum %s", notional, m.MinOrderNotional)
	}
	if notional.Cmp(m.MaxOrderNotional) > 0 {
		return fmt.Errorf("notional %s above maximum %s", notional, m.MaxOrderNotional)
	}
	return nil
}

// ValidateLeverage checks a requested leverage (RATE_SCALE-scaled) against
// the market's cap.
func (m *Market) ValidateLeverage(leverage int64) error {
	if leverage <= 0 || leverage > m.MaxLeverage {
		return fmt.Errorf("leverage %d out of range (0, %d]", leverage, m.MaxLeverage)
	}
	return nil
}
