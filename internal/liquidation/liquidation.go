// Package liquidation closes out undercollateralized positions (§4.7): a
// market order absorbs as much of the failing position as the book can
// take, any remainder is auto-deleveraged against the most profitable
// counterparties at the failing position's bankruptcy price, and the
// resulting shortfall or surplus settles against the Insurance Fund.
// Grounded on the teacher's account/manager.go Liquidate (close-all-at-mark,
// deficit bookkeeping) for the closing mechanics, and conceptually on the
// VictorVVedtion perp-dex clearinghouse's tiered market/backstop
// liquidation structure for the ADL-until-covered loop shape.
package liquidation

import (
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyperfutures/perpengine/internal/fixedpoint"
	"github.com/hyperfutures/perpengine/internal/orderbook"
	"github.com/hyperfutures/perpengine/internal/position"
	"github.com/hyperfutures/perpengine/internal/repo"
	"github.com/hyperfutures/perpengine/internal/risk"
)

// BookSource is the subset of *matching.Engine the liquidation service
// needs: submitting the market order and gauging available liquidity.
type BookSource interface {
	SubmitLiquidation(o *repo.Order)
	Depth(levels int) orderbook.Depth
	CurrentPrice() *big.Int
}

// Broadcaster notifies subscribed clients when an ADL counterparty is
// closed (§4.7), implemented by the fan-out hub.
type Broadcaster interface {
	PublishADLTriggered(p *repo.Position, closedSize *big.Int)
}

// Service runs the liquidation pipeline for one token. One risk.Engine
// feeds it candidates; it implements risk.LiquidationSink.
type Service struct {
	token common.Address

	book        BookSource
	positions   *repo.PositionRepo
	balances    *repo.BalanceRepo
	trades      *repo.TradeRepo
	settlements *repo.SettlementRepo
	insurance   *repo.InsuranceRepo
	posMgr      *position.Manager
	broadcast   Broadcaster
	logger      *zap.Logger

	depthLevels int
}

func New(
	token common.Address,
	book BookSource,
	positions *repo.PositionRepo,
	balances *repo.BalanceRepo,
	trades *repo.TradeRepo,
	settlements *repo.SettlementRepo,
	insurance *repo.InsuranceRepo,
	posMgr *position.Manager,
	broadcast Broadcaster,
	logger *zap.Logger,
) *Service {
	return &Service{
		token:       token,
		book:        book,
		positions:   positions,
		balances:    balances,
		trades:      trades,
		settlements: settlements,
		insurance:   insurance,
		posMgr:      posMgr,
		broadcast:   broadcast,
		logger:      logger.Named("liquidation." + token.Hex()),
		depthLevels: 50,
	}
}

// SubmitCandidates implements risk.LiquidationSink, invoked synchronously
// from the risk engine's tick with the tick's ranked candidate list.
func (s *Service) SubmitCandidates(token common.Address, candidates []risk.Candidate) {
	for _, c := range candidates {
		s.liquidate(c.Position)
	}
}

// liquidate performs the CAS-guarded close-out for one position (§4.7
// steps 1-5). Re-reads the position fresh so a candidate computed from a
// stale risk snapshot doesn't double-trigger an in-flight liquidation.
func (s *Service) liquidate(stale *repo.Position) {
	p, found, err := s.positions.ByTraderToken(stale.Trader, stale.Token)
	if err != nil {
		s.logger.Error("reload position for liquidation", zap.Error(err))
		return
	}
	if !found || p.Status != repo.PositionOpen || p.IsLiquidating {
		return
	}

	p.IsLiquidating = true
	if err := s.positions.Put(p); err != nil {
		s.logger.Error("CAS isLiquidating", zap.Error(err))
		return
	}

	remaining := new(big.Int).Set(p.Size)
	bookSize := s.availableLiquidity(p)
	marketSize := remaining
	if bookSize.Cmp(remaining) < 0 {
		marketSize = bookSize
	}

	if marketSize.Sign() > 0 {
		s.submitMarketClose(p, marketSize)
		remaining = new(big.Int).Sub(remaining, marketSize)
	}

	if remaining.Sign() > 0 {
		remaining = s.adlUnwind(p, remaining)
	}

	s.settleInsurance(p)

	if remaining.Sign() > 0 {
		s.logger.Warn("liquidation left residual size uncovered", zap.String("position", p.ID), zap.String("remaining", remaining.String()))
	}
}

// availableLiquidity sums the resting size within the depth window on the
// book side the closing market order trades against (bids for a long,
// whose close is a sell; asks for a short), the liquidity it could absorb.
func (s *Service) availableLiquidity(p *repo.Position) *big.Int {
	depth := s.book.Depth(s.depthLevels)
	levels := depth.Bids
	if !p.IsLong {
		levels = depth.Asks
	}
	total := big.NewInt(0)
	for _, lvl := range levels {
		total.Add(total, lvl.TotalSize)
	}
	return total
}

// submitMarketClose enqueues the closing market order; the matching
// engine's own liquidation drain (process(o, now, true)) applies the
// resulting fills to both sides' positions and balances, bypassing the
// margin-freeze checks a normal order would require.
func (s *Service) submitMarketClose(p *repo.Position, size *big.Int) {
	side := repo.Short
	if !p.IsLong {
		side = repo.Long
	}
	order := &repo.Order{
		ID:          uuid.NewString(),
		Trader:      p.Trader,
		Token:       p.Token,
		Side:        side,
		Size:        new(big.Int).Set(size),
		Price:       big.NewInt(0),
		Leverage:    p.Leverage,
		Margin:      big.NewInt(0),
		Type:        repo.OrderMarket,
		TimeInForce: repo.IOC,
		ReduceOnly:  true,
		FilledSize:  big.NewInt(0),
		Status:      repo.StatusPending,
		CreatedAt:   time.Now(),
	}
	s.book.SubmitLiquidation(order)
}

// adlUnwind closes the top-ranked profitable counterparties on the
// opposite side at the failing position's bankruptcy price until the
// remaining size is covered or no more candidates exist.
func (s *Service) adlUnwind(failing *repo.Position, remaining *big.Int) *big.Int {
	bankruptcyPrice := failing.BankruptcyPrice
	if bankruptcyPrice == nil || bankruptcyPrice.Sign() == 0 {
		bankruptcyPrice = s.book.CurrentPrice()
	}

	counterSide := !failing.IsLong
	candidates, err := s.positions.ListByToken(s.token)
	if err != nil {
		s.logger.Error("load ADL counterparties", zap.Error(err))
		return remaining
	}

	// Rank against a freshly computed score rather than trusting
	// IsAdlCandidate/ADLScore from the store: the risk loop only writes
	// those back every Nth tick (risk.Engine.writebackEvery), so a stored
	// value can be up to 1s stale by the time ADL actually runs.
	markPrice := s.book.CurrentPrice()
	type scored struct {
		position *repo.Position
		score    *big.Int
	}
	pool := make([]scored, 0, len(candidates))
	for _, c := range candidates {
		if c.Status != repo.PositionOpen || c.IsLong != counterSide || c.Trader == failing.Trader || c.IsLiquidating {
			continue
		}
		unrealizedPnL := fixedpoint.PnL(c.EntryPrice, markPrice, c.Size, c.IsLong)
		if unrealizedPnL.Sign() <= 0 {
			continue
		}
		pool = append(pool, scored{position: c, score: risk.ADLScore(unrealizedPnL, c.Leverage, c.Collateral)})
	}
	sort.SliceStable(pool, func(i, j int) bool {
		cmp := pool[i].score.Cmp(pool[j].score)
		if cmp == 0 {
			return pool[i].position.ID < pool[j].position.ID
		}
		return cmp > 0
	})

	for _, entry := range pool {
		if remaining.Sign() <= 0 {
			break
		}
		counterparty := entry.position
		closedSize := counterparty.Size
		if remaining.Cmp(closedSize) < 0 {
			closedSize = remaining
		}
		s.closeCounterparty(counterparty, closedSize, bankruptcyPrice)
		remaining = new(big.Int).Sub(remaining, closedSize)
	}
	return remaining
}

func (s *Service) closeCounterparty(c *repo.Position, size, price *big.Int) {
	oldCollateral := new(big.Int).Set(c.Collateral)
	released := fixedpoint.MulDiv(c.Collateral, size, c.Size)
	released.Neg(released)

	updated, realizedPnL, err := s.posMgr.ApplyFill(c.Trader, c.Token, !c.IsLong, size, price, released, c.Leverage, c.MarginMode, time.Now())
	if err != nil {
		s.logger.Error("apply ADL close", zap.Error(err), zap.String("counterparty", c.ID))
		return
	}

	balance, err := s.balances.GetOrCreate(c.Trader)
	if err != nil {
		s.logger.Error("load counterparty balance", zap.Error(err))
		return
	}
	newCollateral := big.NewInt(0)
	if updated != nil {
		newCollateral = updated.Collateral
	}
	balance.Used = new(big.Int).Add(balance.Used, new(big.Int).Sub(newCollateral, oldCollateral))
	if balance.Used.Sign() < 0 {
		balance.Used = big.NewInt(0)
	}
	balance.Wallet = new(big.Int).Add(balance.Wallet, realizedPnL)
	if err := s.balances.Put(balance); err != nil {
		s.logger.Error("put counterparty balance", zap.Error(err))
	}

	_ = s.settlements.Append(&repo.SettlementLog{
		ID:            uuid.NewString(),
		Trader:        c.Trader,
		Type:          repo.SettlePnL,
		BalanceBefore: new(big.Int).Sub(balance.Wallet, realizedPnL),
		BalanceAfter:  balance.Wallet,
		Amount:        realizedPnL,
		OnChainStatus: repo.ChainPending,
		CreatedAt:     time.Now(),
	})

	trade := &repo.Trade{
		ID:          uuid.NewString(),
		Token:       c.Token,
		Trader:      c.Trader,
		IsLong:      c.IsLong,
		IsMaker:     true,
		Size:        size,
		Price:       price,
		Fee:         big.NewInt(0),
		RealizedPnL: realizedPnL,
		Timestamp:   time.Now(),
		Type:        repo.TradeADL,
	}
	_ = s.trades.Put(trade)

	if s.broadcast != nil {
		s.broadcast.PublishADLTriggered(c, size)
	}
}

// settleInsurance finalizes the failing position: whatever collateral
// remains after the market close and ADL unwind is credited to the
// Insurance Fund as surplus, or the negative remainder debited as
// shortfall, then the position is marked liquidated.
func (s *Service) settleInsurance(p *repo.Position) {
	fresh, found, err := s.positions.ByTraderToken(p.Trader, p.Token)
	if err != nil {
		s.logger.Error("reload position before insurance settlement", zap.Error(err))
		return
	}
	if !found {
		// Closed out entirely already; nothing left to settle.
		return
	}

	before := new(big.Int).Set(fresh.Collateral)
	if fresh.Collateral.Sign() > 0 {
		if _, err := s.insurance.Credit(fresh.Collateral); err != nil {
			s.logger.Error("credit insurance surplus", zap.Error(err))
		}
	} else if fresh.Collateral.Sign() < 0 {
		shortfall := new(big.Int).Neg(fresh.Collateral)
		if _, err := s.insurance.Debit(shortfall); err != nil {
			s.logger.Error("debit insurance shortfall", zap.Error(err))
		}
	}

	_ = s.settlements.Append(&repo.SettlementLog{
		ID:            uuid.NewString(),
		Trader:        fresh.Trader,
		Type:          repo.SettleLiquidation,
		BalanceBefore: before,
		BalanceAfter:  big.NewInt(0),
		Amount:        new(big.Int).Neg(before),
		OnChainStatus: repo.ChainPending,
		CreatedAt:     time.Now(),
	})

	fresh.Status = repo.PositionLiquidated
	fresh.Size = big.NewInt(0)
	fresh.Collateral = big.NewInt(0)
	fresh.UpdatedAt = time.Now()
	if err := s.positions.Remove(fresh); err != nil {
		s.logger.Error("remove liquidated position", zap.Error(err))
	}
}
