// Package config loads the Engine's runtime configuration, grounded on the
// teacher's params/config.go Default()/LoadFromEnv pattern: a typed struct
// built from hardcoded defaults, then overridden by a .env file and process
// environment variables. The teacher's Consensus/Node sections have no
// equivalent here (no BFT layer in this engine); Engine/Store/WS
// sections replace them per SPEC_FULL.md §2.1.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Engine holds the tick intervals, batch sizes, and lock parameters driving
// the matching, risk, and funding loops.
type Engine struct {
	RiskTick           time.Duration // §4.6: 100ms
	RiskWritebackEvery int           // §4.6: write risk fields back every Nth tick
	FundingInterval    time.Duration // §4.5: 5 minutes
	FundingPoll        time.Duration // §4.5: 10 second poll
	MatchingTick       time.Duration // §4.3 loop cadence
	LockTTL            time.Duration // §4.8 lease TTL
	LockMaxRetries     int           // §4.8 withLock retry count
}

// Store holds the Durable Store's configuration (§4.8).
type Store struct {
	DBPath string
}

// WS holds the WebSocket fan-out's configuration (§4.9).
type WS struct {
	ListenAddr       string
	PushInterval     time.Duration // 1Hz market_data/orderbook pusher
	FundingInterval  time.Duration // 5s funding_rate frames
	OutboundQueueLen int           // per-client send buffer before disconnect
}

// Config is the top-level configuration the Engine is built from.
type Config struct {
	Engine Engine
	Store  Store
	WS     WS
}

// Default mirrors the teacher's Default(), supplying every field a fresh
// Engine needs before any environment override is applied.
func Default() Config {
	return Config{
		Engine: Engine{
			RiskTick:           100 * time.Millisecond,
			RiskWritebackEvery: 10,
			FundingInterval:    5 * time.Minute,
			FundingPoll:        10 * time.Second,
			MatchingTick:       10 * time.Millisecond,
			LockTTL:            5 * time.Second,
			LockMaxRetries:     5,
		},
		Store: Store{
			DBPath: "data/perpengine.db",
		},
		WS: WS{
			ListenAddr:       ":8080",
			PushInterval:     time.Second,
			FundingInterval:  5 * time.Second,
			OutboundQueueLen: 256,
		},
	}
}

// LoadFromEnv loads a .env file (if present) then applies environment
// overrides on top of Default(), exactly as the teacher's LoadFromEnv does
// for its Consensus/Node sections.
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	if v := os.Getenv("RISK_TICK_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.Engine.RiskTick = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("RISK_WRITEBACK_EVERY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Engine.RiskWritebackEvery = n
		}
	}
	if v := os.Getenv("FUNDING_INTERVAL_SEC"); v != "" {
		if s, err := strconv.Atoi(v); err == nil {
			cfg.Engine.FundingInterval = time.Duration(s) * time.Second
		}
	}
	if v := os.Getenv("FUNDING_POLL_SEC"); v != "" {
		if s, err := strconv.Atoi(v); err == nil {
			cfg.Engine.FundingPoll = time.Duration(s) * time.Second
		}
	}
	if v := os.Getenv("MATCHING_TICK_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.Engine.MatchingTick = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("LOCK_TTL_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.Engine.LockTTL = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("LOCK_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Engine.LockMaxRetries = n
		}
	}
	if v := os.Getenv("STORE_DB_PATH"); v != "" {
		cfg.Store.DBPath = v
	}
	if v := os.Getenv("WS_LISTEN_ADDR"); v != "" {
		cfg.WS.ListenAddr = v
	}
	if v := os.Getenv("WS_PUSH_INTERVAL_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.WS.PushInterval = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("WS_OUTBOUND_QUEUE_LEN"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.WS.OutboundQueueLen = n
		}
	}

	return cfg
}
