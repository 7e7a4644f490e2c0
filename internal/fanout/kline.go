package fanout

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// klineState is the per-minute candle state machine (§4.9): open on the
// first tick of the minute equals the previous close, high/low track every
// tick's price, close is set on every tick, and the previous bar is
// broadcast once on minute rollover.
type klineState struct {
	minute     time.Time
	open       *big.Int
	high       *big.Int
	low        *big.Int
	close      *big.Int
	haveBar    bool
}

func priceToFloatString(p *big.Int) string {
	if p == nil {
		return "0"
	}
	f := new(big.Float).SetInt(p)
	f.Quo(f, new(big.Float).SetInt64(1_000_000_000_000_000_000))
	return f.Text('f', 8)
}

// rollKline updates the token's kline bar with the current price and, on a
// minute boundary, broadcasts the just-closed bar exactly once.
func (h *Hub) rollKline(token common.Address, book BookSource, now time.Time) {
	price := book.CurrentPrice()
	if price == nil || price.Sign() == 0 {
		return
	}

	h.mu.Lock()
	k, ok := h.klines[token]
	if !ok {
		k = &klineState{}
		h.klines[token] = k
	}
	minute := now.Truncate(time.Minute)

	var closedBar *klineState
	if !k.haveBar {
		k.minute = minute
		k.open = new(big.Int).Set(price)
		k.high = new(big.Int).Set(price)
		k.low = new(big.Int).Set(price)
		k.close = new(big.Int).Set(price)
		k.haveBar = true
	} else if minute.After(k.minute) {
		prevClose := k.close
		closed := *k
		closedBar = &closed
		k.minute = minute
		k.open = new(big.Int).Set(prevClose)
		k.high = new(big.Int).Set(price)
		k.low = new(big.Int).Set(price)
		k.close = new(big.Int).Set(price)
	} else {
		if price.Cmp(k.high) > 0 {
			k.high = new(big.Int).Set(price)
		}
		if price.Cmp(k.low) < 0 {
			k.low = new(big.Int).Set(price)
		}
		k.close = new(big.Int).Set(price)
	}
	h.mu.Unlock()

	if closedBar != nil {
		h.broadcastToToken(token, newEnvelope("kline", KlineFrame{
			Token:     token.Hex(),
			Minute:    closedBar.minute.Unix(),
			Open:      priceToFloatString(closedBar.open),
			High:      priceToFloatString(closedBar.high),
			Low:       priceToFloatString(closedBar.low),
			Close:     priceToFloatString(closedBar.close),
			Timestamp: now.UnixMilli(),
		}))
	}
}
