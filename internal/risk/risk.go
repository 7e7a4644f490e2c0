// Package risk implements the 100ms mark-to-market loop (§4.6): it
// recomputes every open position's margin ratio, MMR, ROE and ADL score
// against the current book price, classifies risk level, and hands
// liquidation candidates off to the liquidation service. Grounded on the
// teacher's account/manager.go CheckMarginRequirement/CheckLiquidation
// shape, generalized from a method called inline by the transaction
// applier into its own periodic task, and on the margin-ratio formulas of
// the VictorVVedtion perp-dex reference types (bp-scaled, not ported
// literally since that file is cosmossdk.io/math-based).
package risk

import (
	"context"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/hyperfutures/perpengine/internal/fixedpoint"
	"github.com/hyperfutures/perpengine/internal/market"
	"github.com/hyperfutures/perpengine/internal/position"
	"github.com/hyperfutures/perpengine/internal/repo"
)

// Risk ratio thresholds in basis points (§4.6).
const (
	thresholdMedium   = 5000
	thresholdHigh     = 8000
	thresholdCritical = 10000
)

// PriceSource supplies the current mark price for a token, satisfied by
// *matching.Engine without importing that package directly (keeps the
// dependency direction leaf-ward, same rationale as matching.Publisher).
type PriceSource interface {
	CurrentPrice() *big.Int
}

// Candidate is a position flagged for liquidation, ranked by urgency.
type Candidate struct {
	Position *repo.Position
	Urgency  int64
}

// LiquidationSink receives the sorted candidate list produced by each
// tick, implemented by the liquidation service.
type LiquidationSink interface {
	SubmitCandidates(token common.Address, candidates []Candidate)
}

// Broadcaster pushes per-tick risk snapshots and risk-level-transition
// warnings to subscribed clients, implemented by the fan-out hub.
type Broadcaster interface {
	PublishRisk(p *repo.Position)
	PublishLiquidationWarning(p *repo.Position)
	PublishMarginWarning(p *repo.Position)
}

// Engine runs the risk loop for one token.
type Engine struct {
	token  common.Address
	mkt    *market.Market
	prices PriceSource

	positions *repo.PositionRepo
	posMgr    *position.Manager

	liquidation LiquidationSink
	broadcast   Broadcaster
	logger      *zap.Logger

	tick          time.Duration
	writebackEvery int
	tickCount     int64
}

func New(
	token common.Address,
	mkt *market.Market,
	prices PriceSource,
	positions *repo.PositionRepo,
	posMgr *position.Manager,
	liquidation LiquidationSink,
	broadcast Broadcaster,
	logger *zap.Logger,
	tick time.Duration,
) *Engine {
	return &Engine{
		token:          token,
		mkt:            mkt,
		prices:         prices,
		positions:      positions,
		posMgr:         posMgr,
		liquidation:    liquidation,
		broadcast:      broadcast,
		logger:         logger.Named("risk." + token.Hex()),
		tick:           tick,
		writebackEvery: 10,
	}
}

// Run drives the 100ms tick loop until ctx is cancelled. Mirrors the
// matching engine's ticker+select shape; an overrunning tick never delays
// the next one (no sleep catch-up), per §4.6.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.tick)
	defer ticker.Stop()

	e.logger.Info("risk loop started", zap.Duration("interval", e.tick))
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("risk loop stopped")
			return
		case now := <-ticker.C:
			e.step(now)
		}
	}
}

func (e *Engine) step(now time.Time) {
	start := now
	positions, err := e.positions.ListByToken(e.token)
	if err != nil {
		e.logger.Error("load positions for risk tick", zap.Error(err))
		return
	}

	markPrice := e.prices.CurrentPrice()
	if markPrice == nil || markPrice.Sign() == 0 {
		return
	}

	e.tickCount++
	writeback := e.tickCount%int64(e.writebackEvery) == 0

	candidates := make([]Candidate, 0)
	for _, p := range positions {
		if p.Status != repo.PositionOpen {
			continue
		}
		p.MarkPrice = new(big.Int).Set(markPrice)
		e.evaluate(p)

		if writeback {
			if err := e.positions.Put(p); err != nil {
				e.logger.Error("writeback position", zap.Error(err), zap.String("position", p.ID))
			}
		}
		if e.broadcast != nil {
			e.broadcast.PublishRisk(p)
		}
		if p.IsLiquidatable && !p.IsLiquidating {
			ratio := p.MarginRatio
			urgency := (ratio - thresholdCritical) / 100
			if urgency < 0 {
				urgency = 0
			}
			if urgency > 100 {
				urgency = 100
			}
			candidates = append(candidates, Candidate{Position: p, Urgency: urgency})
		}
	}

	rankADL(positions)

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Position.MarginRatio > candidates[j].Position.MarginRatio
	})
	if e.liquidation != nil && len(candidates) > 0 {
		e.liquidation.SubmitCandidates(e.token, candidates)
	}

	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		e.logger.Warn("slow risk tick", zap.Duration("elapsed", elapsed), zap.Int("positions", len(positions)))
	}
}

// evaluate mirrors position.Manager.recompute's formulas (shared
// EffectiveMMR helper) so the risk loop and the position manager never
// disagree on the same position's derived fields between ticks.
func (e *Engine) evaluate(p *repo.Position) {
	p.MMR = position.EffectiveMMR(p.Leverage, e.mkt.MaintenanceMarginBps)
	notional := fixedpoint.Notional(p.Size, p.EntryPrice)
	p.MaintenanceMargin = fixedpoint.BpsOf(notional, p.MMR)
	p.UnrealizedPnL = fixedpoint.PnL(p.EntryPrice, p.MarkPrice, p.Size, p.IsLong)

	currentMargin := new(big.Int).Add(p.Collateral, p.UnrealizedPnL)
	if currentMargin.Sign() > 0 {
		ratio := new(big.Int).Mul(p.MaintenanceMargin, big.NewInt(10_000))
		p.MarginRatio = ratio.Quo(ratio, currentMargin).Int64()
	} else {
		p.MarginRatio = thresholdCritical * 10
	}
	if p.Collateral.Sign() > 0 {
		roe := new(big.Int).Mul(p.UnrealizedPnL, big.NewInt(10_000))
		p.ROE = roe.Quo(roe, p.Collateral).Int64()
	} else {
		p.ROE = 0
	}

	p.ADLScore = ADLScore(p.UnrealizedPnL, p.Leverage, p.Collateral)

	prevLevel := p.RiskLevel
	switch {
	case p.MarginRatio >= thresholdCritical:
		p.RiskLevel = repo.RiskCritical
	case p.MarginRatio >= thresholdHigh:
		p.RiskLevel = repo.RiskHigh
	case p.MarginRatio >= thresholdMedium:
		p.RiskLevel = repo.RiskMedium
	default:
		p.RiskLevel = repo.RiskLow
	}
	if p.RiskLevel == repo.RiskHigh && prevLevel != repo.RiskHigh && prevLevel != repo.RiskCritical {
		e.logger.Warn("margin warning", zap.String("position", p.ID), zap.Int64("marginRatioBps", p.MarginRatio))
		if e.broadcast != nil {
			e.broadcast.PublishMarginWarning(p)
		}
	}
	if p.RiskLevel == repo.RiskCritical && prevLevel != repo.RiskCritical {
		e.logger.Warn("liquidation warning", zap.String("position", p.ID), zap.Int64("marginRatioBps", p.MarginRatio))
		if e.broadcast != nil {
			e.broadcast.PublishLiquidationWarning(p)
		}
	}

	p.IsLiquidatable = currentMargin.Sign() <= 0 || p.MarginRatio >= thresholdCritical
	p.UpdatedAt = time.Now()
}

// ADLScore computes |unrealizedPnL| * leverage / collateral (§4.6, §9.1
// Open Question (b): the denominator is deliberately collateral, not the
// current (possibly eroded) margin). Exported so any caller that needs an
// up-to-the-moment ranking — not the store's last batched writeback — can
// recompute it against a freshly observed unrealizedPnL instead of trusting
// a stale stored ADLScore.
func ADLScore(unrealizedPnL *big.Int, leverage int64, collateral *big.Int) *big.Int {
	if collateral == nil || collateral.Sign() <= 0 {
		return big.NewInt(0)
	}
	absPnL := fixedpoint.Abs(unrealizedPnL)
	score := new(big.Int).Mul(absPnL, big.NewInt(leverage))
	return score.Quo(score, collateral)
}

// rankADL buckets profitable, non-liquidatable positions into quintiles
// 1 (top 20% ADL score) through 5 (bottom 20%), ties broken by position id.
func rankADL(positions []*repo.Position) {
	profitable := make([]*repo.Position, 0, len(positions))
	for _, p := range positions {
		if p.UnrealizedPnL != nil && p.UnrealizedPnL.Sign() > 0 && !p.IsLiquidatable {
			p.IsAdlCandidate = true
			profitable = append(profitable, p)
		} else {
			p.IsAdlCandidate = false
			p.ADLRanking = 0
		}
	}
	sort.SliceStable(profitable, func(i, j int) bool {
		if profitable[i].ADLScore == nil || profitable[j].ADLScore == nil {
			return profitable[i].ID < profitable[j].ID
		}
		cmp := profitable[i].ADLScore.Cmp(profitable[j].ADLScore)
		if cmp == 0 {
			return profitable[i].ID < profitable[j].ID
		}
		return cmp > 0
	})
	n := len(profitable)
	for i, p := range profitable {
		bucket := int8(i*5/n) + 1
		if bucket > 5 {
			bucket = 5
		}
		p.ADLRanking = bucket
	}
}
