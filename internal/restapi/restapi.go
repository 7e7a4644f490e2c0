// Package restapi implements the read-only REST frontage (§6.1), delegating
// every query to the same in-memory Engine the matching/risk/funding loops
// mutate. Grounded on the teacher's pkg/api/server.go setupRoutes/Start
// shape (gorilla/mux subrouter, rs/cors wrapper), trimmed of order
// submission and chain-status routes — order entry goes through the
// Engine's Go API; the WebSocket ingress has no order-submission message.
package restapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/hyperfutures/perpengine/internal/market"
	"github.com/hyperfutures/perpengine/internal/orderbook"
	"github.com/hyperfutures/perpengine/internal/repo"
)

// BookSource is the subset of *matching.Engine the REST frontage needs to
// answer orderbook/trade queries, kept leaf-ward per the package's usual
// dependency-direction rule.
type BookSource interface {
	Depth(levels int) orderbook.Depth
}

// SpotHistoryProvider is the one function boundary the spot-side/AMM trade
// history and candle aggregation module exposes to this engine (§6.2); no
// implementation lives in this module.
type SpotHistoryProvider interface {
	RecentTrades(token common.Address, limit int) []SpotTrade
}

// SpotTrade is an AMM-side trade record, opaque beyond what the REST
// frontage needs to render it (§6.2).
type SpotTrade struct {
	Token     string    `json:"token"`
	Price     string    `json:"price"`
	Size      string    `json:"size"`
	Side      string    `json:"side"`
	Timestamp time.Time `json:"timestamp"`
}

// Server is the read-only REST frontage.
type Server struct {
	router *mux.Router
	logger *zap.Logger

	markets   *market.Registry
	books     map[common.Address]BookSource
	trades    *repo.TradeRepo
	positions *repo.PositionRepo
	balances  *repo.BalanceRepo
	stats     *repo.MarketStatsRepo
	spot      SpotHistoryProvider
}

// New builds the router and registers every route (§6.1). books is
// populated by the Engine root once per token after matching engines are
// constructed.
func New(
	markets *market.Registry,
	books map[common.Address]BookSource,
	trades *repo.TradeRepo,
	positions *repo.PositionRepo,
	balances *repo.BalanceRepo,
	stats *repo.MarketStatsRepo,
	spot SpotHistoryProvider,
	logger *zap.Logger,
) *Server {
	s := &Server{
		router:    mux.NewRouter(),
		logger:    logger.Named("restapi"),
		markets:   markets,
		books:     books,
		trades:    trades,
		positions: positions,
		balances:  balances,
		stats:     stats,
		spot:      spot,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/markets", s.handleMarkets).Methods("GET")
	api.HandleFunc("/orderbook/{token}", s.handleOrderbook).Methods("GET")
	api.HandleFunc("/trades/{token}", s.handleTrades).Methods("GET")
	api.HandleFunc("/positions/{trader}", s.handlePositions).Methods("GET")
	api.HandleFunc("/balance/{trader}", s.handleBalance).Methods("GET")
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the CORS-wrapped http.Handler, ready for ListenAndServe.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type"},
		AllowCredentials: false,
	})
	return c.Handler(s.router)
}

func (s *Server) handleMarkets(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.markets.List())
}

func (s *Server) handleOrderbook(w http.ResponseWriter, r *http.Request) {
	token, err := tokenVar(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	book, ok := s.books[token]
	if !ok {
		respondError(w, http.StatusNotFound, "unknown token")
		return
	}
	respondJSON(w, book.Depth(100))
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	token, err := tokenVar(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	trades, err := s.trades.RecentByToken(token, 100)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load trades")
		return
	}
	response := struct {
		Perp []*repo.Trade `json:"perp"`
		Spot []SpotTrade   `json:"spot,omitempty"`
	}{Perp: trades}
	if s.spot != nil {
		response.Spot = s.spot.RecentTrades(token, 100)
	}
	respondJSON(w, response)
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	addr := vars["trader"]
	if !common.IsHexAddress(addr) {
		respondError(w, http.StatusBadRequest, "invalid trader address")
		return
	}
	positions, err := s.positions.ListByTrader(common.HexToAddress(addr))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load positions")
		return
	}
	respondJSON(w, positions)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	addr := vars["trader"]
	if !common.IsHexAddress(addr) {
		respondError(w, http.StatusBadRequest, "invalid trader address")
		return
	}
	balance, err := s.balances.GetOrCreate(common.HexToAddress(addr))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load balance")
		return
	}
	respondJSON(w, balance)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

func tokenVar(r *http.Request) (common.Address, error) {
	addr := mux.Vars(r)["token"]
	if !common.IsHexAddress(addr) {
		return common.Address{}, errInvalidToken
	}
	return common.HexToAddress(addr), nil
}

var errInvalidToken = httpError("invalid token address")

type httpError string

func (e httpError) Error() string { return string(e) }

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
