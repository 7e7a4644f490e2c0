// Package position implements the trade-application algorithm for
// Position entities (§4.4): same-side VWAP add, opposite-side partial
// close, opposite-side flip, and collateral add/remove, generalized from
// the teacher's account/manager.go UpdatePosition (int64, Account-embedded
// map) to *big.Int arithmetic over a standalone trader+token-keyed
// repository entity.
package position

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/hyperfutures/perpengine/internal/fixedpoint"
	"github.com/hyperfutures/perpengine/internal/market"
	"github.com/hyperfutures/perpengine/internal/repo"
)

// Manager applies fills to positions and keeps their derived risk fields
// (maintenance margin, liquidation price, ROE) current.
type Manager struct {
	positions *repo.PositionRepo
	markets   *market.Registry
}

func NewManager(positions *repo.PositionRepo, markets *market.Registry) *Manager {
	return &Manager{positions: positions, markets: markets}
}

// ApplyFill applies one side of a trade fill to the trader's position on
// token, mirroring account/manager.go's UpdatePosition branch structure:
// same-direction add, opposite-direction partial close, or flip. Returns
// the resulting position (nil if fully closed) and the realized PnL from
// this fill.
func (m *Manager) ApplyFill(trader, token common.Address, isLong bool, fillSize, fillPrice, marginDelta *big.Int, leverage int64, marginMode repo.MarginMode, now time.Time) (*repo.Position, *big.Int, error) {
	mkt, ok := m.markets.Get(token)
	if !ok {
		return nil, nil, fmt.Errorf("no market registered for token %s", token.Hex())
	}

	existing, found, err := m.positions.ByTraderToken(trader, token)
	if err != nil {
		return nil, nil, err
	}

	if !found {
		p := &repo.Position{
			ID:            uuid.NewString(),
			Trader:        trader,
			Token:         token,
			IsLong:        isLong,
			Size:          new(big.Int).Set(fillSize),
			EntryPrice:    new(big.Int).Set(fillPrice),
			AvgEntryPrice: new(big.Int).Set(fillPrice),
			Leverage:      leverage,
			MarginMode:    marginMode,
			MarkPrice:     new(big.Int).Set(fillPrice),
			Collateral:    new(big.Int).Set(marginDelta),
			Margin:        new(big.Int).Set(marginDelta),
			RealizedPnL:   big.NewInt(0),
			Status:        repo.PositionOpen,
			CreatedAt:     now,
		}
		m.recompute(p, mkt)
		if err := m.positions.Put(p); err != nil {
			return nil, nil, err
		}
		return p, big.NewInt(0), nil
	}

	oldSigned := signedSize(existing.Size, existing.IsLong)
	delta := signedSize(fillSize, isLong)
	newSigned := new(big.Int).Add(oldSigned, delta)

	switch {
	case newSigned.Sign() == 0:
		// Fully closed.
		realized := fixedpoint.PnL(existing.EntryPrice, fillPrice, existing.Size, existing.IsLong)
		existing.RealizedPnL = new(big.Int).Add(existing.RealizedPnL, realized)
		existing.Size = big.NewInt(0)
		existing.Status = repo.PositionClosed
		existing.UpdatedAt = now
		if err := m.positions.Remove(existing); err != nil {
			return nil, nil, err
		}
		return nil, realized, nil

	case sameDirection(oldSigned, newSigned):
		// Same-direction add: weighted-average entry price, mirroring the
		// teacher's "absOldSize*entry + absSizeDelta*price / absNewSize".
		newAbsSize := fixedpoint.Abs(newSigned)
		if existing.Size.Sign() == 0 {
			existing.EntryPrice = new(big.Int).Set(fillPrice)
		} else {
			weighted := new(big.Int).Mul(existing.EntryPrice, existing.Size)
			weighted.Add(weighted, new(big.Int).Mul(fillPrice, fillSize))
			existing.EntryPrice = new(big.Int).Quo(weighted, newAbsSize)
		}
		existing.AvgEntryPrice = existing.EntryPrice
		existing.Size = newAbsSize
		existing.Collateral = new(big.Int).Add(existing.Collateral, marginDelta)
		existing.Margin = new(big.Int).Add(existing.Margin, marginDelta)
		m.recompute(existing, mkt)
		if err := m.positions.Put(existing); err != nil {
			return nil, nil, err
		}
		return existing, big.NewInt(0), nil

	default:
		// Opposite direction: reduce, or reduce-and-flip.
		oldAbs := fixedpoint.Abs(oldSigned)
		deltaAbs := fixedpoint.Abs(delta)
		closedSize := oldAbs
		if deltaAbs.Cmp(oldAbs) < 0 {
			closedSize = deltaAbs
		}
		realized := fixedpoint.PnL(existing.EntryPrice, fillPrice, closedSize, existing.IsLong)
		existing.RealizedPnL = new(big.Int).Add(existing.RealizedPnL, realized)

		newAbsSize := fixedpoint.Abs(newSigned)
		flipped := (oldSigned.Sign() > 0 && newSigned.Sign() < 0) || (oldSigned.Sign() < 0 && newSigned.Sign() > 0)
		if flipped {
			existing.IsLong = isLong
			existing.EntryPrice = new(big.Int).Set(fillPrice)
			existing.AvgEntryPrice = existing.EntryPrice
			existing.Collateral = new(big.Int).Set(marginDelta)
			existing.Margin = new(big.Int).Set(marginDelta)
		} else {
			existing.Collateral = new(big.Int).Add(existing.Collateral, marginDelta)
			existing.Margin = new(big.Int).Add(existing.Margin, marginDelta)
		}
		existing.Size = newAbsSize
		m.recompute(existing, mkt)
		if err := m.positions.Put(existing); err != nil {
			return nil, nil, err
		}
		return existing, realized, nil
	}
}

// AddCollateral credits additional collateral to an isolated position
// (§4.4 add-collateral op), recomputing the liquidation price afterward.
func (m *Manager) AddCollateral(trader, token common.Address, amount *big.Int) (*repo.Position, error) {
	p, found, err := m.positions.ByTraderToken(trader, token)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("no open position for %s on %s", trader.Hex(), token.Hex())
	}
	mkt, ok := m.markets.Get(token)
	if !ok {
		return nil, fmt.Errorf("no market registered for token %s", token.Hex())
	}
	p.Collateral = new(big.Int).Add(p.Collateral, amount)
	m.recompute(p, mkt)
	if err := m.positions.Put(p); err != nil {
		return nil, err
	}
	return p, nil
}

// RemoveCollateral debits collateral from an isolated position, refusing
// the withdrawal if it would leave equity below a safety multiple (2x) of
// the maintenance margin.
func (m *Manager) RemoveCollateral(trader, token common.Address, amount *big.Int) (*repo.Position, error) {
	p, found, err := m.positions.ByTraderToken(trader, token)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("no open position for %s on %s", trader.Hex(), token.Hex())
	}
	mkt, ok := m.markets.Get(token)
	if !ok {
		return nil, fmt.Errorf("no market registered for token %s", token.Hex())
	}
	remaining := new(big.Int).Sub(p.Collateral, amount)
	equity := new(big.Int).Set(remaining)
	if p.MarkPrice != nil && p.MarkPrice.Sign() > 0 {
		equity.Add(equity, fixedpoint.PnL(p.EntryPrice, p.MarkPrice, p.Size, p.IsLong))
	}
	maintMargin := maintenanceMargin(p, mkt)
	safetyFloor := new(big.Int).Mul(maintMargin, big.NewInt(2))
	if equity.Cmp(safetyFloor) < 0 {
		return nil, fmt.Errorf("removing %s would leave equity %s below the 2x maintenance-margin floor %s", amount, equity, safetyFloor)
	}
	p.Collateral = remaining
	m.recompute(p, mkt)
	if err := m.positions.Put(p); err != nil {
		return nil, err
	}
	return p, nil
}

// UpdateMark refreshes a position's mark price and every field derived
// from it (unrealized PnL, margin ratio, ROE, liquidation price). Called
// by the risk engine's tick loop (§4.6) against a snapshotted position
// list, not by the matching engine directly.
func (m *Manager) UpdateMark(p *repo.Position, markPrice *big.Int) {
	mkt, ok := m.markets.Get(p.Token)
	if !ok {
		return
	}
	p.MarkPrice = new(big.Int).Set(markPrice)
	m.recompute(p, mkt)
}

// Recompute refreshes a position's derived risk fields and persists it,
// exposed for callers (the funding loop after deducting a fee, the risk
// loop after marking) that mutate Position fields directly rather than
// through ApplyFill.
func (m *Manager) Recompute(p *repo.Position) error {
	mkt, ok := m.markets.Get(p.Token)
	if !ok {
		return fmt.Errorf("no market registered for token %s", p.Token.Hex())
	}
	m.recompute(p, mkt)
	return m.positions.Put(p)
}

func (m *Manager) recompute(p *repo.Position, mkt *market.Market) {
	p.MMR = EffectiveMMR(p.Leverage, mkt.MaintenanceMarginBps)
	p.MaintenanceMargin = maintenanceMargin(p, mkt)
	if p.MarkPrice == nil || p.MarkPrice.Sign() == 0 {
		p.MarkPrice = new(big.Int).Set(p.EntryPrice)
	}
	p.UnrealizedPnL = fixedpoint.PnL(p.EntryPrice, p.MarkPrice, p.Size, p.IsLong)
	p.LiquidationPrice = LiquidationPrice(p.EntryPrice, p.Size, p.Collateral, p.IsLong, p.MMR)
	p.BankruptcyPrice = BankruptcyPrice(p.EntryPrice, p.Size, p.Collateral, p.IsLong)
	p.BreakEvenPrice = breakEvenPrice(p)

	// marginRatio = maintenanceMargin * 10000 / currentMargin (§4.6); higher
	// is worse. Mirrors risk.Engine.evaluate exactly so the two authorities
	// never disagree on the same position between ticks.
	equity := new(big.Int).Add(p.Collateral, p.UnrealizedPnL)
	if equity.Sign() > 0 {
		ratio := new(big.Int).Mul(p.MaintenanceMargin, big.NewInt(10_000))
		p.MarginRatio = ratio.Quo(ratio, equity).Int64()
	} else {
		p.MarginRatio = 100_000
	}
	if p.Collateral.Sign() > 0 {
		roe := new(big.Int).Mul(p.UnrealizedPnL, big.NewInt(10_000))
		p.ROE = roe.Quo(roe, p.Collateral).Int64()
	} else {
		p.ROE = 0
	}
	p.IsLiquidatable = equity.Sign() <= 0 || p.MarginRatio >= 10_000
}

func maintenanceMargin(p *repo.Position, mkt *market.Market) *big.Int {
	notional := fixedpoint.Notional(p.Size, p.EntryPrice)
	return fixedpoint.BpsOf(notional, p.MMR)
}

// InitialMarginBps computes initialMarginRate = 10000^2 / leverage (§4.6),
// leverage in RATE_SCALE units (10x = 100000). This is the per-order/
// per-position initial-margin rate, as distinct from the market's own
// max-leverage-derived InitialMarginBps used only as a registration-time
// default.
func InitialMarginBps(leverage int64) int64 {
	if leverage <= 0 {
		return 0
	}
	return (10_000 * 10_000) / leverage
}

// EffectiveMMR computes MMR = min(baseMMRBps, initialMarginRate/2), where
// initialMarginRate = 10000^2 / leverage (§4.6). leverage is RATE_SCALE
// units (50x = 500000). Shared with the risk engine so both authorities
// agree on the same number between ticks.
func EffectiveMMR(leverage int64, baseMMRBps int64) int64 {
	if leverage <= 0 {
		return baseMMRBps
	}
	half := InitialMarginBps(leverage) / 2
	if half < baseMMRBps {
		return half
	}
	return baseMMRBps
}

func breakEvenPrice(p *repo.Position) *big.Int {
	if p.Size.Sign() == 0 {
		return big.NewInt(0)
	}
	funding := p.AccumulatedFunding
	if funding == nil {
		funding = big.NewInt(0)
	}
	// Break-even covers accumulated funding on top of the entry price.
	adj := new(big.Int).Quo(new(big.Int).Mul(funding, fixedpoint.PriceScale), p.Size)
	if p.IsLong {
		return new(big.Int).Add(p.EntryPrice, adj)
	}
	return new(big.Int).Sub(p.EntryPrice, adj)
}

func signedSize(size *big.Int, isLong bool) *big.Int {
	if isLong {
		return new(big.Int).Set(size)
	}
	return new(big.Int).Neg(size)
}

func sameDirection(oldSigned, newSigned *big.Int) bool {
	return (oldSigned.Sign() >= 0 && newSigned.Sign() >= 0) || (oldSigned.Sign() <= 0 && newSigned.Sign() <= 0)
}
