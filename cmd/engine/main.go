// Command engine runs the off-chain perpetual-futures matching, risk,
// funding, liquidation, and WebSocket fan-out process as a single binary.
// Grounded on the teacher's cmd/node/main.go: load config, build the
// top-level app, start the HTTP/WebSocket server, run until SIGINT/SIGTERM,
// trimmed of the HotStuff consensus engine and libp2p networking this
// single-process engine has no equivalent for.
package main

import (
	"context"
	stdlog "log"
	"os"
	"os/signal"
	"syscall"

	"github.com/hyperfutures/perpengine/internal/config"
	"github.com/hyperfutures/perpengine/internal/engine"
	applog "github.com/hyperfutures/perpengine/internal/log"
)

func main() {
	cfg := config.LoadFromEnv("")

	logPath := os.Getenv("LOG_FILE")
	if logPath == "" {
		logPath = "data/engine.log"
	}
	logger, err := applog.NewWithFile(logPath)
	if err != nil {
		stdlog.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", logPath)

	e, err := engine.New(cfg, logger)
	if err != nil {
		sugar.Fatalw("engine_init_failed", "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sugar.Infow("engine_starting", "listen_addr", cfg.WS.ListenAddr, "db_path", cfg.Store.DBPath)
	if err := e.Run(ctx); err != nil {
		sugar.Fatalw("engine_run_failed", "err", err)
	}
}
