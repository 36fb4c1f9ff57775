// Command engine boots the liquidation engine with an in-memory book,
// a seeded demo sub-account, and a tick loop that re-evaluates every
// sub-account on an interval. The only HTTP surface is /metrics: this
// binary is a demo harness for the evaluator, not a trading API server.
// Grounded on the config.Load/log.Fatalf bootstrap and banner-log style of
// backend/cmd/server/main.go, trimmed of every REST/WebSocket route it
// registers.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantedge/liqengine/config"
	"github.com/quantedge/liqengine/domain"
	"github.com/quantedge/liqengine/events"
	"github.com/quantedge/liqengine/liquidation"
	"github.com/quantedge/liqengine/logging"
	"github.com/quantedge/liqengine/metrics"
	"github.com/quantedge/liqengine/positionbook"
	"github.com/quantedge/liqengine/priceservice"
	"github.com/quantedge/liqengine/rules"
	"github.com/quantedge/liqengine/tradeactions"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	level := logging.INFO
	if cfg.LogLevel == "debug" {
		level = logging.DEBUG
	}
	logger, closeLogFile := newLogger(level, cfg.LogFilePath)
	defer closeLogFile()

	log.Println("═══════════════════════════════════════════════════════════")
	log.Println("  LIQUIDATION ENGINE")
	log.Printf("  environment: %s    metrics: %s", cfg.Environment, cfg.MetricsAddr)
	log.Println("═══════════════════════════════════════════════════════════")

	book := positionbook.New()
	prices := priceservice.New(nil)
	gateway := tradeactions.NewSimulatedGateway(book, prices)
	provider := rules.NewStaticProvider(domain.DefaultRules())
	collector := metrics.New()

	emitter, closeEmitter := newEmitter(cfg, logger)
	defer closeEmitter()

	seedDemoAccount(book, prices)

	eng := liquidation.New(book, prices, gateway, provider, emitter, cfg.Thresholds, logger, collector)

	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	server := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}

	go func() {
		log.Printf("metrics listening on %s", cfg.MetricsAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("metrics server failed: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tickLoop(ctx, eng, book, 500*time.Millisecond)
	go rulesRefreshLoop(ctx, eng, book, 30*time.Second)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Println("shutting down")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)
}

// tickLoop re-evaluates every known sub-account on a fixed interval, the
// demo stand-in for whatever upstream trigger (price tick, order fill,
// timer) calls evaluateAccount in a real deployment.
func tickLoop(ctx context.Context, eng *liquidation.Engine, book *positionbook.Book, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range book.SubAccountIDs() {
				eng.EvaluateAccount(ctx, id)
			}
		}
	}
}

// rulesRefreshLoop is the non-hot-path side of §4.4: on its own interval,
// separate from tickLoop, it pulls fresh rules from the RulesProvider and
// writes them back onto each sub-account's BookEntry so the next
// EvaluateAccount call reads them straight off the entry, never the
// provider.
func rulesRefreshLoop(ctx context.Context, eng *liquidation.Engine, book *positionbook.Book, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range book.SubAccountIDs() {
				eng.RefreshRules(ctx, id)
			}
		}
	}
}

// newLogger builds the engine's logger. With LOG_FILE_PATH unset, it logs to
// stdout only, same as the teacher's default. With it set, it fans out to
// stdout and a size/age-rotated file via logging.RotatingFileWriter, the way
// a long-running deployment keeps a local log trail without unbounded disk
// growth.
func newLogger(level logging.LogLevel, logFilePath string) (*logging.Logger, func()) {
	if logFilePath == "" {
		return logging.NewLogger(level), func() {}
	}
	rfw, err := logging.NewRotatingFileWriter(logging.RotationConfig{
		Filename:           logFilePath,
		MaxSizeMB:          100,
		MaxAge:             7 * 24 * time.Hour,
		MaxBackups:         10,
		CompressionEnabled: true,
	})
	if err != nil {
		log.Printf("log rotation unavailable, logging to stdout only: %v", err)
		return logging.NewLogger(level), func() {}
	}
	writer := logging.NewMultiWriter(os.Stdout, rfw)
	return logging.NewLogger(level, writer), func() { _ = rfw.Close() }
}

func newEmitter(cfg *config.Config, logger *logging.Logger) (events.Emitter, func()) {
	redisEmitter, err := events.NewRedisEmitter(events.RedisEmitterConfig{
		Address:      cfg.Redis.Address,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		Prefix:       "liqengine",
		BufferSize:   512,
		DialTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, falling back to in-process channel emitter",
			logging.String("error", err.Error()))
		ch := events.NewChannelEmitter(512)
		return ch, func() {}
	}
	return redisEmitter, func() { _ = redisEmitter.Close() }
}

func seedDemoAccount(book *positionbook.Book, prices *priceservice.Service) {
	book.Open(domain.Account{
		ID:              "demo-1",
		CurrentBalance:  decimal.NewFromInt(10000),
		MaintenanceRate: decimal.NewFromFloat(0.005),
		LiquidationMode: domain.ModeADL30,
		Status:          domain.StatusActive,
	}, domain.DefaultRules())

	_ = book.AddPosition("demo-1", &domain.Position{
		ID:           "pos-1",
		SubAccountID: "demo-1",
		Symbol:       "BTC-PERP",
		Side:         domain.SideLong,
		EntryPrice:   decimal.NewFromInt(50000),
		Quantity:     decimal.NewFromFloat(0.1),
		Notional:     decimal.NewFromInt(5000),
		Leverage:     decimal.NewFromInt(10),
		Margin:       decimal.NewFromInt(500),
	})
	prices.SetPrice("BTC-PERP", decimal.NewFromInt(50000))
}
