// Package settlement is the append-only journaller (§2, "Settlement
// Journaller"): it stamps every balance-moving event with a stable-schema
// proof blob and an operator signature, then hands the entry to
// internal/repo's SettlementRepo for durable, capped storage. An external
// submitter (out of scope here, per SPEC §1) later reads PENDING entries
// and relays them on-chain, advancing onChainStatus. Grounded on the
// teacher's flat-file `logTransaction` shape in pkg/api/server.go,
// redirected to write through the repository layer instead of a bare file.
package settlement

import (
	"crypto/ecdsa"
	"encoding/json"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyperfutures/perpengine/internal/repo"
)

// proofBlob is the schema named in §6: "{positionId, fundingRate, amount,
// destination} or equivalent per type". Fields are tagged omitempty so
// each settlement type only serializes what applies to it.
type proofBlob struct {
	PositionID  string   `json:"positionId,omitempty"`
	OrderID     string   `json:"orderId,omitempty"`
	Token       string   `json:"token,omitempty"`
	FundingRate int64    `json:"fundingRate,omitempty"`
	Amount      string   `json:"amount"`
	Destination string   `json:"destination,omitempty"`
}

// Journaller records settlement entries with a signed proof blob.
type Journaller struct {
	settlements *repo.SettlementRepo
	key         *ecdsa.PrivateKey
	logger      *zap.Logger
}

func New(settlements *repo.SettlementRepo, key *ecdsa.PrivateKey, logger *zap.Logger) *Journaller {
	return &Journaller{settlements: settlements, key: key, logger: logger.Named("settlement")}
}

// Entry describes one balance movement to journal; Proof-blob fields
// beyond Amount are optional and filled in depending on Type.
type Entry struct {
	Trader        common.Address
	Type          repo.SettlementType
	BalanceBefore *big.Int
	BalanceAfter  *big.Int
	Amount        *big.Int
	PositionID    string
	OrderID       string
	Token         common.Address
	FundingRateBps int64
	Destination   string
}

// Record signs the entry's proof blob with the operator key and appends
// the resulting SettlementLog.
func (j *Journaller) Record(e Entry) error {
	blob := proofBlob{
		PositionID:  e.PositionID,
		OrderID:     e.OrderID,
		FundingRate: e.FundingRateBps,
		Amount:      e.Amount.String(),
		Destination: e.Destination,
	}
	if e.Token != (common.Address{}) {
		blob.Token = e.Token.Hex()
	}

	payload, err := json.Marshal(blob)
	if err != nil {
		return err
	}

	proof := payload
	if j.key != nil {
		hash := ethcrypto.Keccak256(payload)
		sig, err := ethcrypto.Sign(hash, j.key)
		if err != nil {
			j.logger.Error("sign settlement proof", zap.Error(err))
		} else {
			signed := struct {
				Payload   json.RawMessage `json:"payload"`
				Signature string          `json:"signature"`
			}{Payload: payload, Signature: "0x" + common.Bytes2Hex(sig)}
			if b, err := json.Marshal(signed); err == nil {
				proof = b
			}
		}
	}

	return j.settlements.Append(&repo.SettlementLog{
		ID:            uuid.NewString(),
		Trader:        e.Trader,
		Type:          e.Type,
		BalanceBefore: e.BalanceBefore,
		BalanceAfter:  e.BalanceAfter,
		Amount:        e.Amount,
		OnChainStatus: repo.ChainPending,
		Proof:         proof,
		CreatedAt:     time.Now(),
	})
}
