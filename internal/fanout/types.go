package fanout

import (
	"math/big"

	"github.com/hyperfutures/perpengine/internal/orderbook"
	"github.com/hyperfutures/perpengine/internal/repo"
)

// OrderbookFrame is the "orderbook" frame payload (§4.9).
type OrderbookFrame struct {
	Token     string                  `json:"token"`
	Bids      []orderbook.PriceLevel  `json:"bids"`
	Asks      []orderbook.PriceLevel  `json:"asks"`
	LastPrice *big.Int                `json:"lastPrice"`
	Timestamp int64                   `json:"timestamp"`
}

// FundingRateFrame is the "funding_rate" frame payload, emitted every 5s
// for every subscribed token (§4.9).
type FundingRateFrame struct {
	Token         string `json:"token"`
	FundingRateBp int64  `json:"fundingRateBp"`
	NextFundingAt int64  `json:"nextFundingAt"`
}

// KlineFrame is the "kline" frame payload. Per §6, kline prices are emitted
// as already-scaled floating strings rather than raw 1e18-scaled integers.
type KlineFrame struct {
	Token     string `json:"token"`
	Minute    int64  `json:"minute"`
	Open      string `json:"open"`
	High      string `json:"high"`
	Low       string `json:"low"`
	Close     string `json:"close"`
	Timestamp int64  `json:"timestamp"`
}

// PositionFrame wraps repo.Position with the percentage-string margin
// ratio/ROE fields §6 requires ("marginRatio and roe are emitted as
// percentage strings to two decimals"), alongside the raw bps fields the
// embedded Position already carries for consumers that want full precision.
type PositionFrame struct {
	*repo.Position
	MarginRatioPct string `json:"marginRatioPct"`
	ROEPct         string `json:"roePct"`
}

// ADLFrame is the "adl_triggered" frame payload (§4.7).
type ADLFrame struct {
	PositionID string   `json:"positionId"`
	Token      string   `json:"token"`
	ClosedSize *big.Int `json:"closedSize"`
}

// ErrorFrame is the "error" frame payload (§7).
type ErrorFrame struct {
	Error string `json:"error"`
}
