// Package engine wires every component into one running process: the
// Durable Store and its repositories, one matching/risk/funding/liquidation
// set per token, the WebSocket fan-out hub, and the read-only REST
// frontage. Grounded on the teacher's pkg/app/perp/app.go NewApp, which
// constructs its mempool/registry/account-manager/books and seeds a single
// BTC-USDT market at startup; generalized here to a token-keyed set of
// per-market engines running as independent goroutines instead of one
// block-execution loop.
package engine

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/hyperfutures/perpengine/internal/config"
	"github.com/hyperfutures/perpengine/internal/fanout"
	"github.com/hyperfutures/perpengine/internal/funding"
	"github.com/hyperfutures/perpengine/internal/liquidation"
	"github.com/hyperfutures/perpengine/internal/market"
	"github.com/hyperfutures/perpengine/internal/matching"
	"github.com/hyperfutures/perpengine/internal/orderbook"
	"github.com/hyperfutures/perpengine/internal/position"
	"github.com/hyperfutures/perpengine/internal/repo"
	"github.com/hyperfutures/perpengine/internal/restapi"
	"github.com/hyperfutures/perpengine/internal/risk"
	"github.com/hyperfutures/perpengine/internal/settlement"
	"github.com/hyperfutures/perpengine/internal/store"
)

// defaultMarkets mirrors the teacher's single seeded BTC-USDT market,
// generalized to the handful of perpetuals this engine trades out of the
// box. Token addresses are placeholders an operator typically overrides by
// pointing Registry.Register at the real collateral-token addresses for
// their deployment; what matters here is that every subsystem is wired
// per-token identically.
var defaultMarkets = []struct {
	token       common.Address
	base, quote string
	maxLeverage int64
}{
	{common.HexToAddress("0x1111111111111111111111111111111111111111"), "BTC", "USDC", 500_000},
	{common.HexToAddress("0x2222222222222222222222222222222222222222"), "ETH", "USDC", 500_000},
}

// tokenEngines bundles the per-token goroutines and state this Engine
// starts and stops as a unit.
type tokenEngines struct {
	token   common.Address
	book    *orderbook.OrderBook
	match   *matching.Engine
	risk    *risk.Engine
	funding *funding.Engine
	liq     *liquidation.Service
}

// Engine is the single top-level wiring point for the whole process.
type Engine struct {
	cfg    config.Config
	logger *zap.Logger

	store *store.PebbleStore

	markets *market.Registry

	orders      *repo.OrderRepo
	positions   *repo.PositionRepo
	balances    *repo.BalanceRepo
	trades      *repo.TradeRepo
	settlements *repo.SettlementRepo
	insurance   *repo.InsuranceRepo
	nextFunding *repo.NextFundingRepo
	stats       *repo.MarketStatsRepo
	orderMargin *repo.OrderMarginRepo

	posMgr  *position.Manager
	journal *settlement.Journaller

	hub *fanout.Hub
	rest *restapi.Server
	httpServer *http.Server

	tokens map[common.Address]*tokenEngines

	wg sync.WaitGroup
}

// New opens the store, builds every repository and per-token subsystem, and
// returns a fully wired but not-yet-running Engine.
func New(cfg config.Config, logger *zap.Logger) (*Engine, error) {
	s, err := store.Open(cfg.Store.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	e := &Engine{
		cfg:         cfg,
		logger:      logger,
		store:       s,
		markets:     market.NewRegistry(),
		orders:      repo.NewOrderRepo(s),
		positions:   repo.NewPositionRepo(s),
		balances:    repo.NewBalanceRepo(s),
		trades:      repo.NewTradeRepo(s),
		settlements: repo.NewSettlementRepo(s),
		insurance:   repo.NewInsuranceRepo(s),
		nextFunding: repo.NewNextFundingRepo(s),
		stats:       repo.NewMarketStatsRepo(s),
		orderMargin: repo.NewOrderMarginRepo(s),
		tokens:      make(map[common.Address]*tokenEngines),
	}
	e.posMgr = position.NewManager(e.positions, e.markets)
	e.journal = settlement.New(e.settlements, nil, logger)

	e.hub = fanout.NewHub(
		e.stats, e.positions, e.balances, e.orders, e.nextFunding,
		cfg.WS.PushInterval, cfg.WS.FundingInterval, cfg.WS.OutboundQueueLen,
		logger,
	)

	for _, seed := range defaultMarkets {
		if err := e.registerMarket(seed.token, seed.base, seed.quote, seed.maxLeverage); err != nil {
			s.Close()
			return nil, fmt.Errorf("register market %s-%s: %w", seed.base, seed.quote, err)
		}
	}

	books := make(map[common.Address]restapi.BookSource, len(e.tokens))
	for token, te := range e.tokens {
		books[token] = te.match
	}
	e.rest = restapi.New(e.markets, books, e.trades, e.positions, e.balances, e.stats, nil, logger)
	e.httpServer = &http.Server{Addr: cfg.WS.ListenAddr, Handler: e.routeHandler()}

	return e, nil
}

// registerMarket builds one token's Market, book, matching engine, risk
// engine, funding engine, and liquidation service, and registers the book
// with the fan-out hub's 1Hz pusher/kline roller.
func (e *Engine) registerMarket(token common.Address, base, quote string, maxLeverage int64) error {
	tickSize := big.NewInt(1e14)  // 0.0001 in 1e18-scaled price
	lotSize := big.NewInt(1e14)
	m := market.DefaultPerpetual(token, base, quote, tickSize, lotSize, maxLeverage)
	if err := e.markets.Register(m); err != nil {
		return err
	}

	book := orderbook.New(token, m)

	matchEngine := matching.New(
		token, m, book,
		e.orders, e.positions, e.balances, e.trades, e.settlements, e.journal,
		e.stats, e.orderMargin, e.posMgr, e.hub,
		e.logger, e.cfg.Engine.MatchingTick,
	)

	liq := liquidation.New(
		token, matchEngine, e.positions, e.balances, e.trades, e.settlements,
		e.insurance, e.posMgr, e.hub, e.logger,
	)

	riskEngine := risk.New(
		token, m, matchEngine, e.positions, e.posMgr, liq, e.hub,
		e.logger, e.cfg.Engine.RiskTick,
	)

	fundingEngine := funding.New(
		token, e.store, e.positions, e.settlements, e.insurance, e.nextFunding,
		e.posMgr, e.logger, e.cfg.Engine.FundingInterval, e.cfg.Engine.FundingPoll,
	)

	e.hub.RegisterBook(token, matchEngine)

	e.tokens[token] = &tokenEngines{
		token:   token,
		book:    book,
		match:   matchEngine,
		risk:    riskEngine,
		funding: fundingEngine,
		liq:     liq,
	}
	return nil
}

func (e *Engine) routeHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws", http.HandlerFunc(e.hub.ServeWS))
	mux.Handle("/", e.rest.Handler())
	return mux
}

// Submit routes a signed order to the matching engine for its token.
func (e *Engine) Submit(ctx context.Context, o *repo.Order, signatureHex string) error {
	te, ok := e.tokens[o.Token]
	if !ok {
		return fmt.Errorf("unknown market token: %s", o.Token.Hex())
	}
	return te.match.Submit(ctx, o, signatureHex)
}

// SubmitCancel routes a signed cancel request to its token's matching engine.
func (e *Engine) SubmitCancel(ctx context.Context, token, trader common.Address, orderID string, nonce uint64, signatureHex string) error {
	te, ok := e.tokens[token]
	if !ok {
		return fmt.Errorf("unknown market token: %s", token.Hex())
	}
	return te.match.SubmitCancel(ctx, trader, orderID, nonce, signatureHex)
}

// Run starts every subsystem's goroutine and blocks until ctx is
// cancelled, then waits for all of them to return (§5: graceful quiesce —
// in-flight ticks finish, no new ticks start).
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("engine starting", zap.Int("markets", len(e.tokens)))

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	for _, te := range e.tokens {
		te := te
		e.spawn(runCtx, te.match.Run)
		e.spawn(runCtx, te.risk.Run)
		e.spawn(runCtx, te.funding.Run)
	}
	e.spawn(runCtx, e.hub.Run)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.logger.Info("http server listening", zap.String("addr", e.cfg.WS.ListenAddr))
		if err := e.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			e.logger.Error("http server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	e.logger.Info("engine shutting down")
	cancelRun()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.httpServer.Shutdown(shutdownCtx); err != nil {
		e.logger.Warn("http server shutdown", zap.Error(err))
	}

	e.wg.Wait()
	e.logger.Info("engine stopped")
	return e.store.Close()
}

func (e *Engine) spawn(ctx context.Context, fn func(ctx context.Context)) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn(ctx)
	}()
}
