// Package config loads application configuration from environment
// variables, with .env support for local development.
package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// Broker credentials and endpoint
	BrokerKeyID   string
	BrokerSecret  string
	BrokerBaseURL string

	// PaperBroker switches to the in-memory simulated broker. No
	// credentials needed; useful for local development and demos.
	PaperBroker bool

	// Storage. DatabaseURL selects Postgres when set, otherwise the
	// ledger lives in SQLite at SQLitePath.
	DatabaseURL string
	SQLitePath  string

	// Infrastructure
	RedisAddr     string
	RedisPassword string
	ListenAddr    string
	MetricsAddr   string

	// Order reconciliation
	PollAttempts  int
	PollDelay     time.Duration
	SweepInterval time.Duration
	SweepGrace    time.Duration

	// Notifications (all optional)
	TelegramBotToken string
	TelegramChatID   string
	NotifyWebhookURL string

	// AdminTOTPSecret guards mutating admin endpoints. Empty disables
	// the admin API.
	AdminTOTPSecret string

	// SeedBots is a bootstrap spec for first run, see ParseSeedBots.
	SeedBots string
}

// Load reads configuration from environment variables with sensible defaults.
// A .env file in the working directory is loaded first if present.
func Load() *Config {
	if err := godotenv.Load(); err == nil {
		log.Printf("[config] loaded .env")
	}

	cfg := &Config{
		PaperBroker: getBool("PAPER_BROKER", false),

		BrokerBaseURL: getEnv("BROKER_BASE_URL", "https://paper-api.alpaca.markets"),

		DatabaseURL: getEnv("DATABASE_URL", ""),
		SQLitePath:  getEnv("SQLITE_PATH", "data/tradebot.db"),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		ListenAddr:    getEnv("LISTEN_ADDR", ":8080"),
		MetricsAddr:   getEnv("METRICS_ADDR", ":9090"),

		PollAttempts:  getInt("POLL_ATTEMPTS", 10),
		PollDelay:     getDuration("POLL_DELAY", 300*time.Millisecond),
		SweepInterval: getDuration("SWEEP_INTERVAL", 60*time.Second),
		SweepGrace:    getDuration("SWEEP_GRACE", 30*time.Second),

		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnv("TELEGRAM_CHAT_ID", ""),
		NotifyWebhookURL: getEnv("NOTIFY_WEBHOOK_URL", ""),

		AdminTOTPSecret: getEnv("ADMIN_TOTP_SECRET", ""),

		SeedBots: getEnv("SEED_BOTS", ""),
	}

	// Live broker needs credentials; the paper broker does not.
	if cfg.PaperBroker {
		cfg.BrokerKeyID = getEnv("BROKER_KEY_ID", "")
		cfg.BrokerSecret = getEnv("BROKER_SECRET", "")
	} else {
		cfg.BrokerKeyID = mustEnv("BROKER_KEY_ID")
		cfg.BrokerSecret = mustEnv("BROKER_SECRET")
	}
	return cfg
}

// SeedBotSpec is one bootstrap bot parsed from SEED_BOTS.
type SeedBotSpec struct {
	Token     string
	Symbol    string
	Timeframe string
	Sizing    string
	Size      string
}

// ParseSeedBots parses SEED_BOTS, a semicolon-separated list of
// "token,symbol,timeframe,sizing,size" tuples, e.g.
// "s3cret1,BTC/USD,15m,notional,250;s3cret2,ETH/USD,1h,qty,0.05".
// Invalid entries are logged and skipped.
func (c *Config) ParseSeedBots() []SeedBotSpec {
	if c.SeedBots == "" {
		return nil
	}
	var specs []SeedBotSpec
	for _, entry := range strings.Split(c.SeedBots, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ",")
		if len(parts) != 5 {
			log.Printf("[config] skipping invalid SEED_BOTS entry: %q", entry)
			continue
		}
		specs = append(specs, SeedBotSpec{
			Token:     strings.TrimSpace(parts[0]),
			Symbol:    strings.TrimSpace(parts[1]),
			Timeframe: strings.TrimSpace(parts[2]),
			Sizing:    strings.TrimSpace(parts[3]),
			Size:      strings.TrimSpace(parts[4]),
		})
	}
	return specs
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatalf("[config] required env var %s not set", key)
	}
	return v
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		log.Printf("[config] invalid %s=%q, using %d", key, v, fallback)
		return fallback
	}
	return n
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %v", key, v, fallback)
		return fallback
	}
	return b
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		log.Printf("[config] invalid %s=%q, using %s", key, v, fallback)
		return fallback
	}
	return d
}
