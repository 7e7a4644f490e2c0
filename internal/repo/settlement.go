package repo

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/hyperfutures/perpengine/internal/store"
)

// SettlementRepo is the typed repository for the append-only SettlementLog
// journal, bounded to 1000 entries per trader, newest first (§3).
type SettlementRepo struct {
	store store.Store
}

const settlementCapPerTrader = 1000

func NewSettlementRepo(s store.Store) *SettlementRepo { return &SettlementRepo{store: s} }

// Append writes the log entry and pushes it onto the trader's bounded
// newest-first list, trimming anything beyond the cap.
func (r *SettlementRepo) Append(log *SettlementLog) error {
	if err := r.store.HSet(settlementKey(log.ID), log); err != nil {
		return fmt.Errorf("append settlement %s: %w", log.ID, err)
	}
	b, err := json.Marshal(log)
	if err != nil {
		return fmt.Errorf("encode settlement %s: %w", log.ID, err)
	}
	listKey := userSettlementsList(log.Trader)
	if err := r.store.LPush(listKey, b); err != nil {
		return err
	}
	return r.store.LTrim(listKey, 0, settlementCapPerTrader-1)
}

func (r *SettlementRepo) RecentByTrader(trader common.Address, limit int) ([]*SettlementLog, error) {
	if limit <= 0 || limit > settlementCapPerTrader {
		limit = settlementCapPerTrader
	}
	raws, err := r.store.LRange(userSettlementsList(trader), 0, limit-1)
	if err != nil {
		return nil, err
	}
	out := make([]*SettlementLog, 0, len(raws))
	for _, raw := range raws {
		var log SettlementLog
		if err := json.Unmarshal(raw, &log); err != nil {
			return nil, fmt.Errorf("decode settlement entry: %w", err)
		}
		out = append(out, &log)
	}
	return out, nil
}
