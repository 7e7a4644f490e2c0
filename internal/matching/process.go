package matching

import (
	"math/big"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyperfutures/perpengine/internal/fixedpoint"
	"github.com/hyperfutures/perpengine/internal/orderbook"
	"github.com/hyperfutures/perpengine/internal/repo"
	"github.com/hyperfutures/perpengine/internal/settlement"
)

// sweepExpired cancels pending GTD orders whose deadline has passed
// (§4.3 step i).
func (e *Engine) sweepExpired(now time.Time) bool {
	pending, err := e.orders.PendingByToken(e.token)
	if err != nil {
		e.logger.Error("load pending orders for expiry sweep", zap.Error(err))
		return false
	}
	changed := false
	for _, o := range pending {
		if o.TimeInForce != repo.GTD || o.Deadline.IsZero() || now.Before(o.Deadline) {
			continue
		}
		e.book.Cancel(o.ID)
		o.Status = repo.StatusExpired
		if err := e.orders.Put(o); err != nil {
			e.logger.Error("put expired order", zap.Error(err))
			continue
		}
		if err := e.releaseOrderMargin(o); err != nil {
			e.logger.Error("release margin for expired order", zap.Error(err))
		}
		e.publisher.PublishOrder(o)
		changed = true
	}
	return changed
}

// promoteTriggered moves conditional orders whose trigger condition is now
// satisfied into active matching (§4.2 conditional-order indexes).
func (e *Engine) promoteTriggered(now time.Time) bool {
	score, overflow := fixedpoint.TruncateToScore(e.book.CurrentPrice())
	if overflow {
		return false
	}

	longs, err := e.orders.TriggeredLongs(e.token, score)
	if err != nil {
		e.logger.Error("load triggered longs", zap.Error(err))
		return false
	}
	shorts, err := e.orders.TriggeredShorts(e.token, score)
	if err != nil {
		e.logger.Error("load triggered shorts", zap.Error(err))
		return false
	}

	changed := false
	for _, id := range append(longs, shorts...) {
		o, ok, err := e.orders.Get(id)
		if err != nil || !ok {
			continue
		}
		if err := e.orders.RemoveFromTriggerIndex(o); err != nil {
			e.logger.Error("remove from trigger index", zap.Error(err))
		}
		o.Status = repo.StatusTriggered
		// The trigger has fired: clear TriggerPrice so the book.Insert path
		// below (and any later Put on this order) never re-parks it in
		// trigger:long/short via syncTriggerIndex — it is a live order now.
		o.TriggerPrice = nil
		if err := e.process(o, now, false); err != nil {
			e.logger.Warn("triggered order rejected on promotion", zap.Error(err))
		}
		changed = true
	}
	return changed
}

// isPendingTrigger reports whether o is a conditional order that has not
// yet been promoted (§4.2): it carries a trigger price and hasn't had its
// trigger condition observed. Such an order must park in the trigger
// index only, never enter the book, until promoteTriggered fires it.
func isPendingTrigger(o *repo.Order, isLiquidation bool) bool {
	return !isLiquidation && o.TriggerPrice != nil && o.TriggerPrice.Sign() > 0 && o.Status != repo.StatusTriggered
}

// process inserts order into the book and applies every resulting fill to
// both participants' positions, balances, and trade/settlement records. A
// conditional order on its first ingest (trigger price set, not yet
// triggered) is persisted and indexed but never inserted into the book —
// OrderRepo.Put's syncTriggerIndex parks it in trigger:long/short per
// §4.2; only promoteTriggered, which flips the status to Triggered before
// calling process again, lets it reach book.Insert.
func (e *Engine) process(o *repo.Order, now time.Time, isLiquidation bool) error {
	if isPendingTrigger(o, isLiquidation) {
		if err := e.orders.Put(o); err != nil {
			e.logger.Error("put conditional order", zap.Error(err))
			return err
		}
		e.publisher.PublishOrder(o)
		return nil
	}

	fills, err := e.book.Insert(o, now)
	if err != nil {
		o.Status = repo.StatusRejected
		o.RejectReason = err.Error()
		_ = e.orders.Put(o)
		if !isLiquidation {
			if releaseErr := e.releaseOrderMargin(o); releaseErr != nil {
				e.logger.Error("release margin for rejected order", zap.Error(releaseErr))
			}
		}
		return err
	}

	if err := e.orders.Put(o); err != nil {
		e.logger.Error("put taker order", zap.Error(err))
	}
	e.publisher.PublishOrder(o)

	for _, fill := range fills {
		e.applyFillToOrder(fill.Taker, fill, false, now, isLiquidation)
		e.applyFillToOrder(fill.Maker, fill, true, now, false)
		if err := e.orders.Put(fill.Maker); err != nil {
			e.logger.Error("put maker order", zap.Error(err))
		}
		e.publisher.PublishOrder(fill.Maker)
	}
	return nil
}

// applyFillToOrder mutates the order's trader's position, settles fees and
// realized PnL against the balance, and journals the trade.
func (e *Engine) applyFillToOrder(o *repo.Order, fill orderbook.Fill, isMaker bool, now time.Time, isLiquidation bool) {
	isLong := o.Side == repo.Long
	notional := fixedpoint.Notional(fill.Size, fill.Price)

	feeBps := e.mkt.TakerFeeBps
	if isMaker {
		feeBps = e.mkt.MakerFeeBps
	}
	fee := fixedpoint.BpsOf(notional, feeBps)

	existing, found, err := e.positions.ByTraderToken(o.Trader, e.token)
	if err != nil {
		e.logger.Error("load position for fill", zap.Error(err))
		return
	}
	oldCollateral := big.NewInt(0)
	if found {
		oldCollateral = existing.Collateral
	}

	marginDelta := e.marginDeltaFor(o, fill.Size, isLong, existing, found)
	tradeType := repo.TradeNormal
	if isLiquidation {
		tradeType = repo.TradeLiquidation
	}

	updated, realizedPnL, err := e.posMgr.ApplyFill(o.Trader, e.token, isLong, fill.Size, fill.Price, marginDelta, o.Leverage, repo.Isolated, now)
	if err != nil {
		e.logger.Error("apply fill to position", zap.Error(err))
		return
	}
	if realizedPnL.Sign() != 0 && tradeType == repo.TradeNormal {
		tradeType = repo.TradeClose
	}

	balance, err := e.balances.GetOrCreate(o.Trader)
	if err != nil {
		e.logger.Error("load balance for fill", zap.Error(err))
		return
	}

	if o.Margin != nil && o.Margin.Sign() > 0 && o.Size.Sign() > 0 {
		marginPerUnit := fixedpoint.MulDiv(o.Margin, fill.Size, o.Size)
		balance.Frozen = new(big.Int).Sub(balance.Frozen, marginPerUnit)
		if balance.Frozen.Sign() < 0 {
			balance.Frozen = big.NewInt(0)
		}
		if om, ok, _ := e.orderMargin.Get(o.ID); ok {
			om.SettledSoFar = new(big.Int).Add(om.SettledSoFar, marginPerUnit)
			_ = e.orderMargin.Put(om)
		}
	}

	newCollateral := big.NewInt(0)
	if updated != nil {
		newCollateral = updated.Collateral
	}
	collateralDelta := new(big.Int).Sub(newCollateral, oldCollateral)
	balance.Used = new(big.Int).Add(balance.Used, collateralDelta)
	if balance.Used.Sign() < 0 {
		balance.Used = big.NewInt(0)
	}
	netCash := new(big.Int).Sub(realizedPnL, fee)
	balance.Wallet = new(big.Int).Add(balance.Wallet, netCash)
	if err := e.balances.Put(balance); err != nil {
		e.logger.Error("put balance for fill", zap.Error(err))
	}

	if netCash.Sign() != 0 {
		settleType := repo.SettlePnL
		if isLiquidation {
			settleType = repo.SettleLiquidation
		}
		positionID := ""
		if updated != nil {
			positionID = updated.ID
		}
		if err := e.journal.Record(settlement.Entry{
			Trader:        o.Trader,
			Type:          settleType,
			BalanceBefore: new(big.Int).Sub(balance.Wallet, netCash),
			BalanceAfter:  balance.Wallet,
			Amount:        netCash,
			PositionID:    positionID,
			OrderID:       o.ID,
			Token:         e.token,
		}); err != nil {
			e.logger.Error("journal settlement", zap.Error(err))
		}
	}

	trade := &repo.Trade{
		ID:          uuid.NewString(),
		OrderID:     o.ID,
		Token:       e.token,
		Trader:      o.Trader,
		IsLong:      isLong,
		IsMaker:     isMaker,
		Size:        fill.Size,
		Price:       fill.Price,
		Fee:         fee,
		RealizedPnL: realizedPnL,
		Timestamp:   now,
		Type:        tradeType,
	}
	if err := e.trades.Put(trade); err != nil {
		e.logger.Error("put trade", zap.Error(err))
	}
	e.book.RecordTrade(trade)
	e.publisher.PublishTrade(trade)
	if updated != nil {
		e.publisher.PublishPosition(updated)
	}
}

// marginDeltaFor computes the collateral delta to pass to the position
// manager for this fill: a proportional slice of the order's own frozen
// margin when adding to (or opening) a position in the same direction, or
// a proportional release of the existing position's collateral when
// closing, mirroring account/manager.go's caller-supplied marginDelta
// convention (see internal/position's flip/partial-close handling).
func (e *Engine) marginDeltaFor(o *repo.Order, fillSize *big.Int, isLong bool, existing *repo.Position, found bool) *big.Int {
	orderMarginPerUnit := big.NewInt(0)
	if o.Margin != nil && o.Size.Sign() > 0 {
		orderMarginPerUnit = fixedpoint.MulDiv(o.Margin, fillSize, o.Size)
	}

	if !found || existing.IsLong == isLong {
		return orderMarginPerUnit
	}

	if fillSize.Cmp(existing.Size) > 0 {
		// Flip: the remainder beyond closing the existing position opens
		// fresh in the new direction.
		remainder := new(big.Int).Sub(fillSize, existing.Size)
		if o.Size.Sign() > 0 {
			return fixedpoint.MulDiv(o.Margin, remainder, o.Size)
		}
		return big.NewInt(0)
	}

	if existing.Size.Sign() == 0 {
		return big.NewInt(0)
	}
	release := fixedpoint.MulDiv(existing.Collateral, fillSize, existing.Size)
	return release.Neg(release)
}
