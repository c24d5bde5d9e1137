// Package webhook is the HTTP ingress: the TradingView alert endpoint,
// the read-side API, the WebSocket event stream, and the TOTP-guarded
// admin surface.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pquerna/otp/totp"

	"tradebotv1/internal/engine"
	"tradebotv1/internal/logger"
	"tradebotv1/internal/metrics"
	"tradebotv1/internal/model"
)

// signalTimeout bounds one webhook end to end: position read, order
// submission, and the fill poll all happen inside it.
const signalTimeout = 30 * time.Second

// Server routes webhook signals into the engine and serves the API.
type Server struct {
	engine  *engine.Engine
	sweeper *engine.Sweeper
	bots    model.BotStore
	ledger  model.TradeLedger
	gw      model.BrokerGateway
	hub     *Hub

	prom   *metrics.Metrics      // optional
	health *metrics.HealthStatus // optional

	// totpSecret guards admin mutations. Empty disables the admin API.
	totpSecret string

	upgrader websocket.Upgrader
	sweeping atomic.Bool
}

// NewServer wires the HTTP surface. prom and health may be nil.
func NewServer(eng *engine.Engine, sw *engine.Sweeper, bots model.BotStore, ledger model.TradeLedger, gw model.BrokerGateway, hub *Hub, totpSecret string, prom *metrics.Metrics, health *metrics.HealthStatus) *Server {
	return &Server{
		engine:     eng,
		sweeper:    sw,
		bots:       bots,
		ledger:     ledger,
		gw:         gw,
		hub:        hub,
		prom:       prom,
		health:     health,
		totpSecret: totpSecret,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Routes registers all handlers on mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/webhook/", s.handleSignal)
	mux.HandleFunc("/api/v1/trades", s.handleTrades)
	mux.HandleFunc("/api/v1/bots", s.handleBots)
	mux.HandleFunc("/api/v1/bots/", s.handleBotByID)
	mux.HandleFunc("/api/v1/health", s.handleHealth)
	mux.HandleFunc("/ws", s.handleWS)
}

// handleSignal is POST /webhook/{token}. The token routes to exactly one
// bot; the body is the TradingView alert JSON.
func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}
	token := strings.TrimPrefix(r.URL.Path, "/webhook/")
	if token == "" || strings.Contains(token, "/") {
		writeError(w, http.StatusNotFound, "unknown webhook")
		return
	}

	// Webhook routing runs on its own deadline, detached from the client
	// connection: TradingView drops alerts on slow responses and a
	// canceled request must not abandon an order mid-flight.
	ctx, cancel := context.WithTimeout(context.Background(), signalTimeout)
	defer cancel()

	bot, err := s.bots.GetBotByToken(ctx, token)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown webhook")
			return
		}
		writeError(w, http.StatusInternalServerError, "bot lookup failed")
		return
	}

	var payload signalPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.badSignal(w, "invalid JSON body")
		return
	}
	action, err := model.ParseAction(payload.Action)
	if err != nil {
		s.badSignal(w, err.Error())
		return
	}
	if payload.Symbol != "" && !engine.SameSymbol(payload.Symbol, bot.Symbol) {
		s.badSignal(w, "symbol does not match bot")
		return
	}

	sig := model.Signal{
		Action:     action,
		Symbol:     bot.Symbol,
		Timeframe:  payload.Timeframe,
		BotID:      bot.ID,
		ReceivedAt: time.Now(),
	}
	ctx = logger.WithSignalID(ctx, logger.GenerateSignalID(bot.ID, sig.ReceivedAt))

	out, err := s.engine.HandleSignal(ctx, sig)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, outcomeResponse(out))
	case errors.Is(err, engine.ErrFlipCloseIncomplete):
		// Close leg is live but unsettled; the sweep finishes it.
		writeJSON(w, http.StatusAccepted, outcomeResponse(out))
	case errors.Is(err, engine.ErrBrokerUnavailable), errors.Is(err, engine.ErrSymbolMismatch):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		log.Printf("[webhook] bot=%d signal failed: %v", bot.ID, err)
		writeError(w, http.StatusInternalServerError, "signal processing failed")
	}
}

func (s *Server) badSignal(w http.ResponseWriter, msg string) {
	if s.prom != nil {
		s.prom.SignalsBad.Inc()
	}
	writeError(w, http.StatusBadRequest, msg)
}

func outcomeResponse(out *engine.Outcome) signalResponse {
	resp := signalResponse{
		Status:   "ok",
		Decision: out.Decision.Kind.String(),
		Reason:   out.Decision.Reason,
	}
	if out.NoOp() {
		resp.Status = "noop"
	}
	for _, t := range out.Trades {
		resp.Trades = append(resp.Trades, toTradeDTO(*t))
	}
	return resp
}

// handleTrades is GET /api/v1/trades?bot_id=N&limit=N. Reads double as a
// reconciliation hook: each call kicks an async sweep so stalled orders
// converge even without the background ticker.
func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET only")
		return
	}
	s.kickSweep()

	botID := int64(0)
	if v := r.URL.Query().Get("bot_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad bot_id")
			return
		}
		botID = id
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			writeError(w, http.StatusBadRequest, "limit must be 1..500")
			return
		}
		limit = n
	}

	trades, err := s.ledger.RecentTrades(r.Context(), botID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "trade query failed")
		return
	}
	dtos := make([]tradeDTO, 0, len(trades))
	for _, t := range trades {
		dtos = append(dtos, toTradeDTO(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{"trades": dtos, "count": len(dtos)})
}

func (s *Server) kickSweep() {
	if s.sweeper == nil || !s.sweeping.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer s.sweeping.Store(false)
		ctx, cancel := context.WithTimeout(context.Background(), signalTimeout)
		defer cancel()
		if _, err := s.sweeper.SweepOnce(ctx); err != nil {
			log.Printf("[webhook] read-path sweep: %v", err)
		}
	}()
}

// handleBots is GET /api/v1/bots.
func (s *Server) handleBots(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET only")
		return
	}
	bots, err := s.bots.ListBots(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "bot query failed")
		return
	}
	dtos := make([]botDTO, 0, len(bots))
	for _, b := range bots {
		dtos = append(dtos, toBotDTO(b))
	}
	writeJSON(w, http.StatusOK, map[string]any{"bots": dtos, "count": len(dtos)})
}

// handleBotByID serves GET /api/v1/bots/{id} (detail with live broker
// position) and POST /api/v1/bots/{id}/active (TOTP-guarded toggle).
func (s *Server) handleBotByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/bots/")
	idStr, action, _ := strings.Cut(rest, "/")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil || id < 1 {
		writeError(w, http.StatusNotFound, "no such bot")
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		s.botDetail(w, r, id)
	case action == "active" && r.Method == http.MethodPost:
		s.toggleBot(w, r, id)
	default:
		writeError(w, http.StatusNotFound, "no such route")
	}
}

func (s *Server) botDetail(w http.ResponseWriter, r *http.Request, id int64) {
	bot, err := s.bots.GetBot(r.Context(), id)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no such bot")
			return
		}
		writeError(w, http.StatusInternalServerError, "bot query failed")
		return
	}
	dto := toBotDTO(*bot)

	// Best effort: a broker outage degrades the detail view, it does
	// not fail it.
	if pos, err := s.gw.GetPosition(r.Context(), bot.Symbol); err == nil {
		dto.Position = toPositionDTO(pos)
	} else {
		log.Printf("[webhook] bot=%d live position unavailable: %v", id, err)
	}
	writeJSON(w, http.StatusOK, dto)
}

func (s *Server) toggleBot(w http.ResponseWriter, r *http.Request, id int64) {
	if !s.requireTOTP(w, r) {
		return
	}
	var body struct {
		Active bool `json:"active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.bots.SetActive(r.Context(), id, body.Active); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no such bot")
			return
		}
		writeError(w, http.StatusInternalServerError, "update failed")
		return
	}
	log.Printf("[webhook] bot=%d active=%v", id, body.Active)
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "active": body.Active})
}

// requireTOTP validates the X-Admin-TOTP header against the configured
// secret. With no secret configured the admin API is disabled outright.
func (s *Server) requireTOTP(w http.ResponseWriter, r *http.Request) bool {
	if s.totpSecret == "" {
		writeError(w, http.StatusForbidden, "admin API disabled")
		return false
	}
	code := r.Header.Get("X-Admin-TOTP")
	if code == "" || !totp.Validate(code, s.totpSecret) {
		writeError(w, http.StatusUnauthorized, "invalid TOTP code")
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		s.health.ServeHTTP(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[webhook] ws upgrade: %v", err)
		return
	}
	s.hub.HandleWS(conn)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[webhook] encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
