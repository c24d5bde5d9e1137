package webhook

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"tradebotv1/internal/model"
)

func TestHub_BroadcastReachesClient(t *testing.T) {
	hub := NewHub(nil)
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		hub.HandleWS(conn)
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Wait for registration before broadcasting.
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	hub.Broadcast(model.TradeEvent{
		Type:   model.EventFilled,
		BotID:  7,
		Symbol: "BTCUSD",
		Action: model.ActionBuy,
		Status: model.StatusFilled,
		TS:     time.Now(),
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	var envelope struct {
		Type  string `json:"type"`
		Event struct {
			BotID  int64  `json:"bot_id"`
			Symbol string `json:"symbol"`
		} `json:"event"`
	}
	if err := json.Unmarshal(msg, &envelope); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if envelope.Type != "trade_event" {
		t.Errorf("type = %q, want trade_event", envelope.Type)
	}
	if envelope.Event.BotID != 7 || envelope.Event.Symbol != "BTCUSD" {
		t.Errorf("event = %+v", envelope.Event)
	}
}

func TestHub_DroppedClientIsRemoved(t *testing.T) {
	hub := NewHub(nil)
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		hub.HandleWS(conn)
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	conn.Close()
	deadline = time.Now().Add(2 * time.Second)
	for hub.ClientCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never deregistered after disconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
