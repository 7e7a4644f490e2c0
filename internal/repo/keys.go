package repo

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Key layout exactly as specified in §6. Grounded on the prefix-key idiom
// of pkg/app/core/account/keys.go (accountKey/positionKey/orderKey), widened
// from a single account aggregate to the full entity set.

func positionKey(id string) string   { return "position:" + id }
func userPositionsSet(addr common.Address) string  { return fmt.Sprintf("user:%s:positions", addr.Hex()) }
func tokenPositionsSet(addr common.Address) string { return fmt.Sprintf("token:%s:positions", addr.Hex()) }
func allPositionsSet() string        { return "positions:all" }

func orderKey(id string) string                    { return "order:" + id }
func tokenPendingOrdersSet(token common.Address) string { return fmt.Sprintf("token:%s:orders:pending", token.Hex()) }
func triggerLongZSet(token common.Address) string  { return "trigger:long:" + token.Hex() }
func triggerShortZSet(token common.Address) string { return "trigger:short:" + token.Hex() }

func liquidationLongZSet(token common.Address) string  { return "liquidation:long:" + token.Hex() }
func liquidationShortZSet(token common.Address) string { return "liquidation:short:" + token.Hex() }

func balanceKey(addr common.Address) string { return "balance:" + addr.Hex() }

func settlementKey(id string) string { return "settlement:" + id }
func userSettlementsList(addr common.Address) string { return fmt.Sprintf("user:%s:settlements", addr.Hex()) }

func tradeKey(id string) string { return "perp:trade:" + id }
func userTradesZSet(addr common.Address) string  { return fmt.Sprintf("user:%s:perp_trades", addr.Hex()) }
func tokenTradesZSet(token common.Address) string { return fmt.Sprintf("token:%s:perp_trades", token.Hex()) }

func marketStatsKey(token common.Address) string { return "market:" + token.Hex() + ":stats" }

func orderMarginKey(id string) string { return "order_margin:" + id }
func allOrderMarginsSet() string      { return "order_margins:all" }

func lockKey(resource string) string { return "lock:" + resource }

func insuranceFundKey() string { return "insurance:fund" }

func nextFundingKey(token common.Address) string { return "funding:" + token.Hex() + ":next" }
