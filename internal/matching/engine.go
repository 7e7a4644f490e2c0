// Package matching implements the per-token single-writer matching-engine
// loop (§4.3): ingest validation, order-book mutation, position/fee
// application, and trade/settlement persistence. Grounded on the
// teacher's goroutine-per-loop idiom (pkg/app/perp/txfeeder.go's
// ticker+select pattern) generalized from a transaction feeder into the
// authoritative trading loop for one token.
package matching

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/hyperfutures/perpengine/internal/fixedpoint"
	"github.com/hyperfutures/perpengine/internal/market"
	"github.com/hyperfutures/perpengine/internal/orderbook"
	"github.com/hyperfutures/perpengine/internal/position"
	"github.com/hyperfutures/perpengine/internal/repo"
	"github.com/hyperfutures/perpengine/internal/settlement"
	"github.com/hyperfutures/perpengine/internal/signing"
)

// Publisher is the WebSocket fan-out contract this engine pushes to.
// Defined here (not imported from internal/fanout) to keep the dependency
// direction leaf-ward: fanout depends on matching's output types, not the
// other way around.
type Publisher interface {
	PublishBook(token common.Address, depth orderbook.Depth)
	PublishTrade(t *repo.Trade)
	PublishPosition(p *repo.Position)
	PublishOrder(o *repo.Order)
}

type ingestRequest struct {
	order     *repo.Order
	reply     chan error
}

type cancelRequest struct {
	trader  common.Address
	orderID string
	reply   chan error
}

// Engine is the single-writer loop for one token's book and positions.
type Engine struct {
	token common.Address
	mkt   *market.Market
	book  *orderbook.OrderBook

	orders      *repo.OrderRepo
	positions   *repo.PositionRepo
	balances    *repo.BalanceRepo
	trades      *repo.TradeRepo
	settlements *repo.SettlementRepo
	journal     *settlement.Journaller
	stats       *repo.MarketStatsRepo
	orderMargin *repo.OrderMarginRepo

	posMgr    *position.Manager
	publisher Publisher
	logger    *zap.Logger

	ingestCh      chan ingestRequest
	cancelCh      chan cancelRequest
	liquidationCh chan *repo.Order

	tick       time.Duration
	drainBatch int
}

func New(
	token common.Address,
	mkt *market.Market,
	book *orderbook.OrderBook,
	orders *repo.OrderRepo,
	positions *repo.PositionRepo,
	balances *repo.BalanceRepo,
	trades *repo.TradeRepo,
	settlements *repo.SettlementRepo,
	journal *settlement.Journaller,
	stats *repo.MarketStatsRepo,
	orderMargin *repo.OrderMarginRepo,
	posMgr *position.Manager,
	publisher Publisher,
	logger *zap.Logger,
	tick time.Duration,
) *Engine {
	return &Engine{
		token:         token,
		mkt:           mkt,
		book:          book,
		orders:        orders,
		positions:     positions,
		balances:      balances,
		trades:        trades,
		settlements:   settlements,
		journal:       journal,
		stats:         stats,
		orderMargin:   orderMargin,
		posMgr:        posMgr,
		publisher:     publisher,
		logger:        logger.Named(fmt.Sprintf("matching.%s", token.Hex())),
		ingestCh:      make(chan ingestRequest, 1024),
		cancelCh:      make(chan cancelRequest, 256),
		liquidationCh: make(chan *repo.Order, 256),
		tick:          tick,
		drainBatch:    256,
	}
}

// Token returns the token this engine trades.
func (e *Engine) Token() common.Address { return e.token }

// CurrentPrice returns the book's last-trade price, consulted by the risk
// engine, the liquidation service and the fan-out hub without needing
// direct access to the book.
func (e *Engine) CurrentPrice() *big.Int { return e.book.CurrentPrice() }

// Depth returns the top N price levels per side, consulted by the
// liquidation service to gauge how much of a failing position the book can
// absorb before falling back to ADL.
func (e *Engine) Depth(levels int) orderbook.Depth { return e.book.Depth(levels) }

// Run drives the per-token loop until ctx is cancelled, mirroring the
// teacher's txfeeder ticker+select shape.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.tick)
	defer ticker.Stop()

	e.logger.Info("matching loop started", zap.Duration("tick", e.tick))
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("matching loop stopped")
			return
		case now := <-ticker.C:
			e.step(now)
		}
	}
}

// step runs one iteration in the order §4.3 prescribes: expired sweep,
// triggered-conditional promotion, ingest drain, liquidation drain.
func (e *Engine) step(now time.Time) {
	start := time.Now()
	changed := false

	if e.sweepExpired(now) {
		changed = true
	}
	if e.promoteTriggered(now) {
		changed = true
	}
	if e.drainCancels() {
		changed = true
	}
	if e.drainIngests(now) {
		changed = true
	}
	if e.drainLiquidations(now) {
		changed = true
	}

	if changed {
		depth := e.book.Depth(50)
		e.publisher.PublishBook(e.token, depth)
		e.updateMarketStats(depth)
	}

	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		e.logger.Warn("slow matching tick", zap.Duration("elapsed", elapsed))
	}
}

func (e *Engine) drainCancels() bool {
	changed := false
	for i := 0; i < e.drainBatch; i++ {
		select {
		case req := <-e.cancelCh:
			req.reply <- e.processCancel(req)
			changed = true
		default:
			return changed
		}
	}
	return changed
}

func (e *Engine) drainIngests(now time.Time) bool {
	changed := false
	for i := 0; i < e.drainBatch; i++ {
		select {
		case req := <-e.ingestCh:
			err := e.process(req.order, now, false)
			req.reply <- err
			changed = true
		default:
			return changed
		}
	}
	return changed
}

func (e *Engine) drainLiquidations(now time.Time) bool {
	changed := false
	for i := 0; i < e.drainBatch; i++ {
		select {
		case order := <-e.liquidationCh:
			if err := e.process(order, now, true); err != nil {
				e.logger.Error("liquidation order failed", zap.String("order", order.ID), zap.Error(err))
			}
			changed = true
		default:
			return changed
		}
	}
	return changed
}

// Submit validates and queues a signed order for matching, blocking until
// the matching loop has processed it (or ctx is cancelled).
func (e *Engine) Submit(ctx context.Context, o *repo.Order, signatureHex string) error {
	if err := e.validate(o, signatureHex); err != nil {
		o.Status = repo.StatusRejected
		o.RejectReason = err.Error()
		_ = e.orders.Put(o)
		return err
	}

	reply := make(chan error, 1)
	select {
	case e.ingestCh <- ingestRequest{order: o, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SubmitLiquidation enqueues a market order produced by the liquidation
// service on its own channel, drained each tick after regular ingest,
// bypassing signature and margin-freeze validation (§4.7 step 2).
func (e *Engine) SubmitLiquidation(o *repo.Order) {
	e.liquidationCh <- o
}

// SubmitCancel validates and queues a signed cancel request.
func (e *Engine) SubmitCancel(ctx context.Context, trader common.Address, orderID string, nonce uint64, signatureHex string) error {
	if err := signing.VerifyCancel(trader, e.token, orderID, nonce, signatureHex); err != nil {
		return err
	}
	balance, err := e.balances.GetOrCreate(trader)
	if err != nil {
		return err
	}
	if nonce <= balance.Nonce {
		return fmt.Errorf("nonce already consumed: got %d, have %d", nonce, balance.Nonce)
	}

	reply := make(chan error, 1)
	select {
	case e.cancelCh <- cancelRequest{trader: trader, orderID: orderID, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) processCancel(req cancelRequest) error {
	o, ok, err := e.orders.Get(req.orderID)
	if err != nil {
		return err
	}
	if !ok || o.Trader != req.trader || o.Token != e.token {
		return fmt.Errorf("order not found: %s", req.orderID)
	}
	if !o.IsOpen() {
		return fmt.Errorf("order %s is not open", req.orderID)
	}
	e.book.Cancel(o.ID)
	o.Status = repo.StatusCancelled
	if err := e.orders.Put(o); err != nil {
		return err
	}
	if err := e.releaseOrderMargin(o); err != nil {
		return err
	}
	e.publisher.PublishOrder(o)
	return nil
}

// validate performs §4.3.1's ingest validation: signature, nonce replay,
// leverage/size bounds, and available-balance sufficiency for the
// required initial margin plus a taker-fee reserve.
func (e *Engine) validate(o *repo.Order, signatureHex string) error {
	if err := e.mkt.ValidateLeverage(o.Leverage); err != nil {
		return err
	}
	price := o.Price
	if price == nil {
		price = big.NewInt(0)
	}
	if err := e.mkt.ValidateOrderSize(o.Size, price); err != nil {
		return err
	}

	balance, err := e.balances.GetOrCreate(o.Trader)
	if err != nil {
		return err
	}
	if o.Nonce <= balance.Nonce {
		return fmt.Errorf("nonce already consumed: got %d, have %d", o.Nonce, balance.Nonce)
	}

	priceStr := "0"
	if o.Price != nil {
		priceStr = o.Price.String()
	}
	deadlineUnix := int64(0)
	if !o.Deadline.IsZero() {
		deadlineUnix = o.Deadline.Unix()
	}
	hash := signing.OrderHash(o.Trader, o.Token, uint8(o.Side), string(o.Type), priceStr, o.Size.String(), o.Leverage, o.Nonce, deadlineUnix)
	sig, err := signing.DecodeSignature(signatureHex)
	if err != nil {
		return err
	}
	if !signing.VerifySignature(o.Trader, hash, sig) {
		return fmt.Errorf("invalid order signature")
	}

	if o.ReduceOnly {
		existing, found, err := e.positions.ByTraderToken(o.Trader, o.Token)
		if err != nil {
			return err
		}
		openSize := big.NewInt(0)
		if found && existing.IsLong != (o.Side == repo.Long) {
			openSize = existing.Size
		}
		clamped, reject := orderbook.ReduceOnlyClamp(o.Size, openSize)
		if reject {
			return fmt.Errorf("reduce-only order has no opposing position to reduce")
		}
		o.Size = clamped
	}

	markPrice := price
	if markPrice.Sign() == 0 {
		markPrice = e.book.CurrentPrice()
		if markPrice.Sign() == 0 {
			markPrice = big.NewInt(0)
		}
	}
	notional := fixedpoint.Notional(o.Size, markPrice)
	requiredMargin := fixedpoint.BpsOf(notional, position.InitialMarginBps(o.Leverage))
	feeReserve := fixedpoint.BpsOf(notional, e.mkt.TakerFeeBps)
	required := new(big.Int).Add(requiredMargin, feeReserve)
	if required.Sign() < 0 {
		required = big.NewInt(0)
	}
	if balance.Available().Cmp(required) < 0 {
		return fmt.Errorf("insufficient available balance: have %s, need %s", balance.Available(), required)
	}

	balance.Nonce = o.Nonce
	balance.Frozen = new(big.Int).Add(balance.Frozen, requiredMargin)
	if err := e.balances.Put(balance); err != nil {
		return err
	}

	o.Signature = signatureHex
	o.Margin = requiredMargin
	o.FilledSize = big.NewInt(0)
	o.Status = repo.StatusPending
	o.CreatedAt = time.Now()

	return e.orderMargin.Put(&repo.OrderMargin{
		OrderID:      o.ID,
		FrozenMargin: requiredMargin,
		FeeReserve:   feeReserve,
		SettledSoFar: big.NewInt(0),
		CreatedAt:    o.CreatedAt,
	})
}

func (e *Engine) releaseOrderMargin(o *repo.Order) error {
	om, ok, err := e.orderMargin.Get(o.ID)
	if err != nil || !ok {
		return err
	}
	balance, err := e.balances.GetOrCreate(o.Trader)
	if err != nil {
		return err
	}
	unsettled := new(big.Int).Sub(om.FrozenMargin, om.SettledSoFar)
	if unsettled.Sign() > 0 {
		balance.Frozen = new(big.Int).Sub(balance.Frozen, unsettled)
		if balance.Frozen.Sign() < 0 {
			balance.Frozen = big.NewInt(0)
		}
		if err := e.balances.Put(balance); err != nil {
			return err
		}
	}
	return e.orderMargin.Remove(o.ID)
}

func (e *Engine) updateMarketStats(depth orderbook.Depth) {
	stats, ok, err := e.stats.Get(e.token)
	if err != nil {
		e.logger.Error("load market stats", zap.Error(err))
		return
	}
	if !ok {
		stats = &repo.MarketStats{Token: e.token}
	}
	stats.LastPrice = depth.LastPrice
	stats.MarkPrice = depth.LastPrice
	if err := e.stats.Put(stats); err != nil {
		e.logger.Error("put market stats", zap.Error(err))
	}
}
