package metrics

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pinger is satisfied by the trade ledger implementations (SQLite, Postgres).
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	BrokerOK       bool      `json:"broker_ok"`
	LedgerOK       bool      `json:"ledger_ok"`
	RedisConnected bool      `json:"redis_connected"`
	LastSignalTime time.Time `json:"last_signal_time"`
	LastSweepTime  time.Time `json:"last_sweep_time"`

	RedisLatencyMs  float64   `json:"redis_latency_ms"`
	LedgerLatencyMs float64   `json:"ledger_latency_ms"`
	LastCheckAt     time.Time `json:"last_check_at"`
	StartedAt       time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{StartedAt: time.Now(), BrokerOK: true}
}

func (h *HealthStatus) SetBrokerOK(v bool) {
	h.mu.Lock()
	h.BrokerOK = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastSignalTime(t time.Time) {
	h.mu.Lock()
	h.LastSignalTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastSweepTime(t time.Time) {
	h.mu.Lock()
	h.LastSweepTime = t
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckLedger pings the trade ledger and records latency + health.
func (h *HealthStatus) CheckLedger(ctx context.Context, ledger Pinger) {
	start := time.Now()
	err := ledger.Ping(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.LedgerOK = err == nil
	h.LedgerLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, ledger Pinger, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(probeCtx, rdb)
				}
				if ledger != nil {
					h.CheckLedger(probeCtx, ledger)
				}
				cancel()
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus := "healthy"
	httpCode := http.StatusOK
	if !h.BrokerOK || !h.LedgerOK {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}

	lastSignal := ""
	if !h.LastSignalTime.IsZero() {
		lastSignal = h.LastSignalTime.Format(time.RFC3339)
	}
	lastSweep := ""
	if !h.LastSweepTime.IsZero() {
		lastSweep = h.LastSweepTime.Format(time.RFC3339)
	}

	status := struct {
		Status          string  `json:"status"`
		Uptime          string  `json:"uptime"`
		BrokerOK        bool    `json:"broker_ok"`
		LedgerOK        bool    `json:"ledger_ok"`
		LedgerLatencyMs float64 `json:"ledger_latency_ms"`
		RedisConnected  bool    `json:"redis_connected"`
		RedisLatencyMs  float64 `json:"redis_latency_ms"`
		LastSignalTime  string  `json:"last_signal_time"`
		LastSweepTime   string  `json:"last_sweep_time"`
		LastCheckAt     string  `json:"last_check_at"`
	}{
		Status:          overallStatus,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		BrokerOK:        h.BrokerOK,
		LedgerOK:        h.LedgerOK,
		LedgerLatencyMs: h.LedgerLatencyMs,
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		LastSignalTime:  lastSignal,
		LastSweepTime:   lastSweep,
		LastCheckAt:     h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
}

// NewServer creates a metrics and health server.
func NewServer(addr string, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		health: health,
		addr:   addr,
		srv: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
