// Command botserver runs the webhook-driven trading bot: HTTP ingress,
// execution engine, reconciliation sweep, and the metrics/health server.
package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"tradebotv1/config"
	"tradebotv1/internal/broker"
	"tradebotv1/internal/engine"
	"tradebotv1/internal/ledger/postgres"
	"tradebotv1/internal/ledger/sqlite"
	"tradebotv1/internal/logger"
	"tradebotv1/internal/metrics"
	"tradebotv1/internal/model"
	"tradebotv1/internal/notification"
	redisstore "tradebotv1/internal/store/redis"
	"tradebotv1/internal/webhook"
	"tradebotv1/pkg/alpaca"
)

// ledgerStore is the full storage surface the server needs; both the
// SQLite and Postgres ledgers satisfy it.
type ledgerStore interface {
	model.TradeLedger
	model.BotStore
	metrics.Pinger
	CreateBot(ctx context.Context, b *model.BotConfig) (int64, error)
	Close() error
}

// brokerGateway adds connectivity checks to the order surface.
type brokerGateway interface {
	model.BrokerGateway
	Ping(ctx context.Context) error
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	logger.Init("botserver", slog.LevelInfo)
	log.Println("[botserver] starting...")

	cfg := config.Load()

	// ---- Metrics & health ----
	prom := metrics.NewMetrics()
	health := metrics.NewHealthStatus()
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health)
	metricsSrv.Start()

	// ---- Graceful shutdown context ----
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// ---- Trade ledger (Postgres when DATABASE_URL is set, else SQLite) ----
	var (
		ledger ledgerStore
		err    error
	)
	if cfg.DatabaseURL != "" {
		ledger, err = postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("[botserver] postgres init failed: %v", err)
		}
		log.Println("[botserver] postgres ledger ready")
	} else {
		os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755)
		ledger, err = sqlite.Open(cfg.SQLitePath)
		if err != nil {
			log.Fatalf("[botserver] sqlite init failed: %v", err)
		}
		log.Printf("[botserver] sqlite ledger ready at %s", cfg.SQLitePath)
	}
	defer ledger.Close()

	// ---- Redis (optional: last-signal cache + event pub/sub) ----
	var rds *redisstore.Store
	if cfg.RedisAddr != "" {
		rds, err = redisstore.New(ctx, cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			log.Printf("[botserver] WARNING: redis init failed: %v (continuing without redis)", err)
			rds = nil
		} else {
			defer rds.Close()
			log.Println("[botserver] redis ready")
		}
	}
	if rds != nil {
		health.StartLivenessChecker(ctx, rds.Client(), ledger, 10*time.Second)
	} else {
		health.StartLivenessChecker(ctx, nil, ledger, 10*time.Second)
	}

	// ---- Broker gateway ----
	var gw brokerGateway
	if cfg.PaperBroker {
		log.Println("[botserver] *** PAPER BROKER: orders are simulated in memory ***")
		gw = broker.NewPaperGateway()
	} else {
		client := alpaca.NewClient(alpaca.Config{
			KeyID:     cfg.BrokerKeyID,
			SecretKey: cfg.BrokerSecret,
			BaseURL:   cfg.BrokerBaseURL,
		})
		gw = broker.NewAlpacaGateway(client, 5, 30*time.Second, prom)
	}
	go watchBroker(ctx, gw, health)

	// ---- Seed bots on first run ----
	seedBots(ctx, cfg, ledger)

	// ---- Engine ----
	eng := engine.New(ledger, ledger, gw, engine.PollConfig{
		Attempts: cfg.PollAttempts,
		Delay:    cfg.PollDelay,
	}, prom)
	eng.SetHealth(health)

	hub := webhook.NewHub(prom)

	// With Redis every event goes through pub/sub and comes back to the
	// local hub via the subscription, so multi-instance dashboards stay
	// consistent. Without Redis the engine feeds the hub directly.
	sinks := engine.MultiSink{}
	if rds != nil {
		sinks = append(sinks, rds)
		go rds.SubscribeTrades(ctx, hub.Broadcast)
	} else {
		sinks = append(sinks, hub)
	}
	if n := buildNotifier(cfg); n != nil {
		sinks = append(sinks, notification.NewEventNotifier(n))
	}
	eng.SetEventSink(sinks)
	if rds != nil {
		eng.SetSignalCache(rds)
	}

	// ---- Reconciliation sweep ----
	sweeper := engine.NewSweeper(eng, ledger, gw, cfg.SweepGrace, cfg.SweepInterval)
	go sweeper.Run(ctx)

	// ---- HTTP ingress ----
	api := webhook.NewServer(eng, sweeper, ledger, ledger, gw, hub, cfg.AdminTOTPSecret, prom, health)
	mux := http.NewServeMux()
	api.Routes(mux)
	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Printf("[botserver] listening on %s", cfg.ListenAddr)
		if err := httpSrv.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatalf("[botserver] http server: %v", err)
		}
	}()

	// ---- Wait for shutdown ----
	sig := <-sigCh
	log.Printf("[botserver] received %s, shutting down...", sig)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	httpSrv.Shutdown(shutdownCtx)
	metricsSrv.Stop(shutdownCtx)
	log.Println("[botserver] bye")
}

// watchBroker pings the broker periodically and reflects connectivity in
// the health status.
func watchBroker(ctx context.Context, gw brokerGateway, health *metrics.HealthStatus) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		err := gw.Ping(pingCtx)
		pingCancel()
		if err != nil {
			log.Printf("[botserver] broker ping failed: %v", err)
		}
		health.SetBrokerOK(err == nil)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// seedBots creates bots from SEED_BOTS that do not exist yet, keyed by
// webhook token. Existing bots are left untouched.
func seedBots(ctx context.Context, cfg *config.Config, ledger ledgerStore) {
	for _, spec := range cfg.ParseSeedBots() {
		if _, err := ledger.GetBotByToken(ctx, spec.Token); err == nil {
			continue
		}
		size, err := decimal.NewFromString(spec.Size)
		if err != nil {
			log.Printf("[botserver] seed bot %s: bad size %q", spec.Symbol, spec.Size)
			continue
		}
		bot := &model.BotConfig{
			UserID:    1,
			Token:     spec.Token,
			Symbol:    spec.Symbol,
			Timeframe: spec.Timeframe,
			Sizing:    model.SizingMode(spec.Sizing),
			Active:    true,
		}
		switch bot.Sizing {
		case model.SizeNotional:
			bot.SizeNotional = size
		case model.SizeQty:
			bot.SizeQty = size
		default:
			log.Printf("[botserver] seed bot %s: bad sizing %q", spec.Symbol, spec.Sizing)
			continue
		}
		id, err := ledger.CreateBot(ctx, bot)
		if err != nil {
			log.Printf("[botserver] seed bot %s failed: %v", spec.Symbol, err)
			continue
		}
		log.Printf("[botserver] seeded bot id=%d symbol=%s sizing=%s", id, bot.Symbol, bot.Sizing)
	}
}

func buildNotifier(cfg *config.Config) notification.Notifier {
	var backends []notification.Notifier
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		backends = append(backends, notification.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID))
	}
	if cfg.NotifyWebhookURL != "" {
		backends = append(backends, notification.NewWebhookNotifier(cfg.NotifyWebhookURL))
	}
	switch len(backends) {
	case 0:
		return nil
	case 1:
		return backends[0]
	default:
		return notification.NewMultiNotifier(backends...)
	}
}
