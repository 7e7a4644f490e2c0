// Package chain declares the interfaces this engine expects an external
// blockchain collaborator to satisfy (§6.3): an on-chain deposit watcher
// and an on-chain settlement-proof submitter. Neither has an
// implementation here — the teacher's BFT consensus/libp2p stack that
// once played this role is out of scope for a single-process matching
// engine, so what remains is the narrow boundary this process actually
// needs: observe deposits, hand finished settlement proofs off-process.
package chain

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// DepositEvent is a confirmed on-chain collateral deposit credited to a
// trader's Balance.Wallet.
type DepositEvent struct {
	User      common.Address
	Amount    *big.Int
	Block     uint64
	TxHash    common.Hash
	Timestamp time.Time
}

// DepositObserver watches the collateral-token contract for deposit
// events and streams them to the engine. An implementation typically
// polls or subscribes to a chain client and is wired into
// internal/repo's BalanceRepo by the caller, not by this package.
type DepositObserver interface {
	Observe(ctx context.Context) (<-chan DepositEvent, error)
}

// SettlementProof is the payload internal/settlement.Journaller signs
// and that an on-chain relayer submits to advance a SettlementLog's
// OnChainStatus from Pending to Success.
type SettlementProof struct {
	SettlementID string
	Trader       common.Address
	Payload      []byte
	Signature    []byte
}

// SettlementProofSink relays a signed settlement proof on-chain. It is
// the only path a SettlementLog has from Pending to Success/Failed;
// nothing in this module implements it.
type SettlementProofSink interface {
	Submit(ctx context.Context, proof SettlementProof) error
}
