// Command sweep runs one reconciliation pass over pending trades and
// exits. Meant for cron or operator use when the server is down; the
// running server already sweeps continuously.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"tradebotv1/config"
	"tradebotv1/internal/broker"
	"tradebotv1/internal/engine"
	"tradebotv1/internal/ledger/postgres"
	"tradebotv1/internal/ledger/sqlite"
	"tradebotv1/internal/model"
	"tradebotv1/pkg/alpaca"
)

type ledgerStore interface {
	model.TradeLedger
	model.BotStore
	Close() error
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	grace := flag.Duration("grace", 0, "only sweep trades older than this")
	timeout := flag.Duration("timeout", 60*time.Second, "overall deadline")
	flag.Parse()

	cfg := config.Load()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var (
		ledger ledgerStore
		err    error
	)
	if cfg.DatabaseURL != "" {
		ledger, err = postgres.Open(ctx, cfg.DatabaseURL)
	} else {
		ledger, err = sqlite.Open(cfg.SQLitePath)
	}
	if err != nil {
		log.Fatalf("[sweep] ledger init failed: %v", err)
	}
	defer ledger.Close()

	var gw model.BrokerGateway
	if cfg.PaperBroker {
		log.Fatal("[sweep] nothing to sweep against a paper broker")
	}
	client := alpaca.NewClient(alpaca.Config{
		KeyID:     cfg.BrokerKeyID,
		SecretKey: cfg.BrokerSecret,
		BaseURL:   cfg.BrokerBaseURL,
	})
	gw = broker.NewAlpacaGateway(client, 5, 30*time.Second, nil)

	eng := engine.New(ledger, ledger, gw, engine.DefaultPollConfig(), nil)
	sweeper := engine.NewSweeper(eng, ledger, gw, *grace, time.Minute)

	n, err := sweeper.SweepOnce(ctx)
	if err != nil {
		log.Fatalf("[sweep] pass failed: %v", err)
	}
	log.Printf("[sweep] done, %d trade(s) reconciled", n)
}
