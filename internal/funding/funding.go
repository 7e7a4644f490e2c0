// Package funding implements the periodic funding-fee accrual loop
// (§4.5): every token's open positions pay a small fixed rate into the
// Insurance Fund on a 5-minute cycle, polled every 10 seconds. Grounded on
// the teacher's pkg/app/perp/txfeeder.go ticker+select loop shape and the
// per-resource lease-lock idiom of internal/store/lock.go.
package funding

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyperfutures/perpengine/internal/fixedpoint"
	"github.com/hyperfutures/perpengine/internal/position"
	"github.com/hyperfutures/perpengine/internal/repo"
	"github.com/hyperfutures/perpengine/internal/store"
)

// DefaultRateBps is the fixed funding rate applied to collateral each
// settlement: 1 basis point (§4.5).
const DefaultRateBps = 1

// Engine runs the funding cycle for one token.
type Engine struct {
	token common.Address
	store *store.PebbleStore

	positions   *repo.PositionRepo
	settlements *repo.SettlementRepo
	insurance   *repo.InsuranceRepo
	nextFunding *repo.NextFundingRepo

	posMgr *position.Manager
	logger *zap.Logger

	interval     time.Duration
	pollInterval time.Duration
	rateBps      int64
	lockTTL      time.Duration
}

func New(
	token common.Address,
	s *store.PebbleStore,
	positions *repo.PositionRepo,
	settlements *repo.SettlementRepo,
	insurance *repo.InsuranceRepo,
	nextFunding *repo.NextFundingRepo,
	posMgr *position.Manager,
	logger *zap.Logger,
	interval time.Duration,
	pollInterval time.Duration,
) *Engine {
	return &Engine{
		token:        token,
		store:        s,
		positions:    positions,
		settlements:  settlements,
		insurance:    insurance,
		nextFunding:  nextFunding,
		posMgr:       posMgr,
		logger:       logger.Named("funding." + token.Hex()),
		interval:     interval,
		pollInterval: pollInterval,
		rateBps:      DefaultRateBps,
		lockTTL:      5 * time.Second,
	}
}

// Run polls every pollInterval and settles whenever the token's
// next-funding time has elapsed.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	e.logger.Info("funding loop started", zap.Duration("interval", e.interval), zap.Duration("poll", e.pollInterval))
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("funding loop stopped")
			return
		case now := <-ticker.C:
			e.pollAndSettle(now)
		}
	}
}

func (e *Engine) pollAndSettle(now time.Time) {
	next, err := e.nextFunding.Get(e.token)
	if err != nil {
		e.logger.Error("load next funding time", zap.Error(err))
		return
	}
	if next.IsZero() {
		if err := e.nextFunding.Set(e.token, now.Add(e.interval)); err != nil {
			e.logger.Error("schedule first funding", zap.Error(err))
		}
		return
	}
	if now.Before(next) {
		return
	}

	release, ok, err := store.TryLock(e.store, repo.LockKey("funding:"+e.token.Hex()), e.lockTTL)
	if err != nil {
		e.logger.Error("acquire funding lock", zap.Error(err))
		return
	}
	if !ok {
		// The risk loop (or another funding tick) holds the lease; retry
		// next poll.
		return
	}
	defer func() {
		if _, err := release(); err != nil {
			e.logger.Warn("release funding lock", zap.Error(err))
		}
	}()

	credited := e.settle(now)
	e.logger.Info("funding settled", zap.String("credited", credited.String()))

	// Advance strictly by one interval from the previous schedule (not from
	// now) so a delayed poll never compresses the cadence (§4.5: "strictly
	// increases by 5 minutes per settlement").
	if err := e.nextFunding.Set(e.token, next.Add(e.interval)); err != nil {
		e.logger.Error("advance next funding time", zap.Error(err))
	}
}

func (e *Engine) settle(now time.Time) *big.Int {
	positions, err := e.positions.ListByToken(e.token)
	if err != nil {
		e.logger.Error("load positions for funding", zap.Error(err))
		return big.NewInt(0)
	}

	totalCredited := big.NewInt(0)
	for _, p := range positions {
		if p.Status != repo.PositionOpen || p.Collateral == nil || p.Collateral.Sign() <= 0 {
			continue
		}
		amount := fixedpoint.BpsOf(p.Collateral, e.rateBps)
		if amount.Sign() <= 0 {
			continue
		}

		before := new(big.Int).Set(p.Collateral)
		p.Collateral = new(big.Int).Sub(p.Collateral, amount)
		if p.AccumulatedFunding == nil {
			p.AccumulatedFunding = big.NewInt(0)
		}
		p.AccumulatedFunding = new(big.Int).Add(p.AccumulatedFunding, amount)

		if err := e.posMgr.Recompute(p); err != nil {
			e.logger.Error("recompute position after funding", zap.Error(err), zap.String("position", p.ID))
			continue
		}

		neg := new(big.Int).Neg(amount)
		if err := e.settlements.Append(&repo.SettlementLog{
			ID:            uuid.NewString(),
			Trader:        p.Trader,
			Type:          repo.SettleFundingFee,
			BalanceBefore: before,
			BalanceAfter:  p.Collateral,
			Amount:        neg,
			OnChainStatus: repo.ChainPending,
			CreatedAt:     now,
		}); err != nil {
			e.logger.Error("append funding settlement log", zap.Error(err))
		}

		totalCredited.Add(totalCredited, amount)
	}

	if totalCredited.Sign() > 0 {
		if _, err := e.insurance.Credit(totalCredited); err != nil {
			e.logger.Error("credit insurance fund", zap.Error(err))
		}
	}
	return totalCredited
}
