// Package repo implements typed CRUD repositories over internal/store for
// every entity in the data model (§3), using the key layout from §6.
package repo

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type OrderSide int8

const (
	Long OrderSide = iota
	Short
)

type OrderType string

const (
	OrderMarket        OrderType = "market"
	OrderLimit         OrderType = "limit"
	OrderStopLoss      OrderType = "stop_loss"
	OrderTakeProfit    OrderType = "take_profit"
	OrderTrailingStop  OrderType = "trailing_stop"
)

type TimeInForce string

const (
	GTC TimeInForce = "GTC"
	IOC TimeInForce = "IOC"
	FOK TimeInForce = "FOK"
	GTD TimeInForce = "GTD"
)

type OrderStatus string

const (
	StatusPending         OrderStatus = "pending"
	StatusPartiallyFilled OrderStatus = "partially_filled"
	StatusFilled          OrderStatus = "filled"
	StatusCancelled       OrderStatus = "cancelled"
	StatusExpired         OrderStatus = "expired"
	StatusRejected        OrderStatus = "rejected"
	StatusTriggered       OrderStatus = "triggered"
)

// Order is an intent to buy/sell a token perpetual (§3).
type Order struct {
	ID            string      `json:"id"`
	Trader        common.Address `json:"trader"`
	Token         common.Address `json:"token"`
	Side          OrderSide   `json:"side"`
	Size          *big.Int    `json:"size"`
	Price         *big.Int    `json:"price"` // 0 = market
	Leverage      int64       `json:"leverage"` // RATE_SCALE-scaled
	Margin        *big.Int    `json:"margin"`
	Type          OrderType   `json:"type"`
	TimeInForce   TimeInForce `json:"timeInForce"`
	ReduceOnly    bool        `json:"reduceOnly"`
	PostOnly      bool        `json:"postOnly"`
	TriggerPrice  *big.Int    `json:"triggerPrice,omitempty"`
	FilledSize    *big.Int    `json:"filledSize"`
	AvgFillPrice  *big.Int    `json:"avgFillPrice"`
	Status        OrderStatus `json:"status"`
	RejectReason  string      `json:"rejectReason,omitempty"`
	Deadline      time.Time   `json:"deadline,omitempty"`
	Nonce         uint64      `json:"nonce"`
	Signature     string      `json:"signature"`
	CreatedAt     time.Time   `json:"createdAt"`
	UpdatedAt     time.Time   `json:"updatedAt"`
}

func (o *Order) Remaining() *big.Int {
	return new(big.Int).Sub(o.Size, o.FilledSize)
}

func (o *Order) IsOpen() bool {
	return o.Status == StatusPending || o.Status == StatusPartiallyFilled
}

type MarginMode int8

const (
	Isolated MarginMode = iota
	Cross
)

type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

type PositionStatus int8

const (
	PositionOpen PositionStatus = iota
	PositionClosed
	PositionLiquidated
)

// Position is a paired long/short exposure owned by a trader on a token (§3).
type Position struct {
	ID              string         `json:"id"`
	Trader          common.Address `json:"trader"`
	Token           common.Address `json:"token"`
	Counterparty    common.Address `json:"counterparty,omitempty"`
	IsLong          bool           `json:"isLong"`
	Size            *big.Int       `json:"size"`
	EntryPrice      *big.Int       `json:"entryPrice"`
	AvgEntryPrice   *big.Int       `json:"avgEntryPrice"`
	Leverage        int64          `json:"leverage"`
	MarginMode      MarginMode     `json:"marginMode"`
	MarkPrice       *big.Int       `json:"markPrice"`
	Collateral      *big.Int       `json:"collateral"`
	Margin          *big.Int       `json:"margin"`
	MMR             int64          `json:"mmr"`
	MaintenanceMargin *big.Int     `json:"maintenanceMargin"`
	LiquidationPrice *big.Int      `json:"liquidationPrice"`
	BankruptcyPrice  *big.Int      `json:"bankruptcyPrice"`
	BreakEvenPrice   *big.Int      `json:"breakEvenPrice"`
	UnrealizedPnL    *big.Int      `json:"unrealizedPnL"`
	RealizedPnL      *big.Int      `json:"realizedPnL"`
	AccumulatedFunding *big.Int    `json:"accumulatedFunding"`
	TakeProfitPrice  *big.Int      `json:"takeProfitPrice,omitempty"`
	StopLossPrice    *big.Int      `json:"stopLossPrice,omitempty"`
	ADLRanking       int8          `json:"adlRanking"`
	ADLScore         *big.Int      `json:"adlScore"`
	RiskLevel        RiskLevel     `json:"riskLevel"`
	IsLiquidatable   bool          `json:"isLiquidatable"`
	IsAdlCandidate   bool          `json:"isAdlCandidate"`
	IsLiquidating    bool          `json:"isLiquidating"`
	MarginRatio      int64         `json:"marginRatio"`
	ROE              int64         `json:"roe"`
	FundingIndexAtOpen *big.Int    `json:"fundingIndexAtOpen"`
	Status           PositionStatus `json:"status"`
	CreatedAt        time.Time     `json:"createdAt"`
	UpdatedAt        time.Time     `json:"updatedAt"`

	// Legacy dual-field names (Design Note). PositionRepo.Get decodes the
	// legacy names through storedPosition, whose own fields take
	// precedence, so positions it returns leave these empty; the writer
	// never emits these.
	LegacyUserAddress string `json:"userAddress,omitempty"`
	LegacySymbol      string `json:"symbol,omitempty"`
	LegacyInitialMargin *big.Int `json:"initialMargin,omitempty"`
}

// Balance is the per-trader collateral ledger (§3).
type Balance struct {
	Trader        common.Address `json:"trader"`
	Wallet        *big.Int       `json:"wallet"`
	Frozen        *big.Int       `json:"frozen"`
	Used          *big.Int       `json:"used"`
	UnrealizedPnL *big.Int       `json:"unrealizedPnL"`
	Nonce         uint64         `json:"nonce"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

func (b *Balance) Available() *big.Int {
	avail := new(big.Int).Sub(b.Wallet, b.Frozen)
	avail.Sub(avail, b.Used)
	return avail
}

func (b *Balance) Equity() *big.Int {
	eq := new(big.Int).Add(b.Available(), b.Used)
	return eq.Add(eq, b.UnrealizedPnL)
}

type TradeType string

const (
	TradeNormal      TradeType = "normal"
	TradeLiquidation TradeType = "liquidation"
	TradeADL         TradeType = "adl"
	TradeClose       TradeType = "close"
)

// Trade is an immutable pairing record produced by the matching engine (§3).
type Trade struct {
	ID          string         `json:"id"`
	OrderID     string         `json:"orderId"`
	Token       common.Address `json:"token"`
	Trader      common.Address `json:"trader"`
	IsLong      bool           `json:"isLong"`
	IsMaker     bool           `json:"isMaker"`
	Size        *big.Int       `json:"size"`
	Price       *big.Int       `json:"price"`
	Fee         *big.Int       `json:"fee"`
	RealizedPnL *big.Int       `json:"realizedPnL"`
	Timestamp   time.Time      `json:"timestamp"`
	Type        TradeType      `json:"type"`
}

// OrderMargin is per-order bookkeeping of frozen margin (§3).
type OrderMargin struct {
	OrderID       string    `json:"orderId"`
	FrozenMargin  *big.Int  `json:"frozenMargin"`
	FeeReserve    *big.Int  `json:"feeReserve"`
	SettledSoFar  *big.Int  `json:"settledSoFar"`
	CreatedAt     time.Time `json:"createdAt"`
}

type SettlementType string

const (
	SettleDeposit            SettlementType = "DEPOSIT"
	SettleWithdraw           SettlementType = "WITHDRAW"
	SettlePnL                SettlementType = "SETTLE_PNL"
	SettleFundingFee         SettlementType = "FUNDING_FEE"
	SettleLiquidation        SettlementType = "LIQUIDATION"
	SettleMarginAdd          SettlementType = "MARGIN_ADD"
	SettleMarginRemove       SettlementType = "MARGIN_REMOVE"
	SettleInsuranceInjection SettlementType = "INSURANCE_INJECTION"
	SettleDailySettlement    SettlementType = "DAILY_SETTLEMENT"
)

type OnChainStatus string

const (
	ChainPending   OnChainStatus = "PENDING"
	ChainSubmitted OnChainStatus = "SUBMITTED"
	ChainSuccess   OnChainStatus = "SUCCESS"
	ChainFailed    OnChainStatus = "FAILED"
)

// SettlementLog is an append-only journal entry of a balance movement (§3).
type SettlementLog struct {
	ID            string         `json:"id"`
	Trader        common.Address `json:"trader"`
	Type          SettlementType `json:"type"`
	BalanceBefore *big.Int       `json:"balanceBefore"`
	BalanceAfter  *big.Int       `json:"balanceAfter"`
	Amount        *big.Int       `json:"amount"`
	OnChainStatus OnChainStatus  `json:"onChainStatus"`
	Proof         []byte         `json:"proof,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
}

// MarketStats is a per-token rollup (§3).
type MarketStats struct {
	Token            common.Address `json:"token"`
	LastPrice        *big.Int       `json:"lastPrice"`
	MarkPrice        *big.Int       `json:"markPrice"`
	IndexPrice       *big.Int       `json:"indexPrice"`
	High24h          *big.Int       `json:"high24h"`
	Low24h           *big.Int       `json:"low24h"`
	Volume24h        *big.Int       `json:"volume24h"`
	OpenInterestLong  *big.Int      `json:"openInterestLong"`
	OpenInterestShort *big.Int      `json:"openInterestShort"`
	FundingRate      int64          `json:"fundingRate"`
	NextFundingAt    time.Time      `json:"nextFundingAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}
