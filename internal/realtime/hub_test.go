package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/fomorip/internal/notify"
)

const (
	alice = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	bob   = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

func note(kind notify.Kind, account string) *Event {
	return &Event{
		Type:      EventNotification,
		Timestamp: time.Now(),
		Data:      notify.New(kind, account, notify.Ref{OfferID: "ofr_1"}, time.Now()),
	}
}

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSend_OwnAccountOnly(t *testing.T) {
	h := testHub()
	client := &Client{account: alice}

	if !h.shouldSend(client, note(notify.KindBuyerConfirm, alice)) {
		t.Error("Client should receive its own notifications")
	}
	if h.shouldSend(client, note(notify.KindBuyerConfirm, bob)) {
		t.Error("Client should NOT receive another account's notifications")
	}
	if h.shouldSend(client, &Event{Type: EventNotification}) {
		t.Error("Event without data should be dropped")
	}
}

func TestShouldSend_CategoryFilter(t *testing.T) {
	h := testHub()
	client := &Client{account: alice, sub: Subscription{
		Categories: []notify.Category{notify.CategoryWTB},
	}}

	if !h.shouldSend(client, note(notify.KindWTBRequestOffer, alice)) {
		t.Error("Should receive wtb notifications")
	}
	if h.shouldSend(client, note(notify.KindDealCompleted, alice)) {
		t.Error("Should NOT receive deal notifications")
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle tests
// ---------------------------------------------------------------------------

func TestHub_Stats_Initial(t *testing.T) {
	h := testHub()

	stats := h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients, got %v", stats["connectedClients"])
	}
	if stats["totalEvents"].(int64) != 0 {
		t.Errorf("Expected 0 total events, got %v", stats["totalEvents"])
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)

	client := &Client{hub: h, account: alice, send: make(chan []byte, 256)}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["connectedClients"].(int) != 1 {
		t.Errorf("Expected 1 connected client, got %v", stats["connectedClients"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %v", stats["connectedClients"])
	}
	// Peak should still be 1
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak still 1, got %v", stats["peakClients"])
	}
}

func TestHub_PublishRoutesByAccount(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)

	a := &Client{hub: h, account: alice, send: make(chan []byte, 256)}
	b := &Client{hub: h, account: bob, send: make(chan []byte, 256)}
	h.register <- a
	h.register <- b

	n := notify.New(notify.KindSellerConfirm, alice, notify.Ref{OfferID: "ofr_9"}, time.Now())
	if err := h.Publish(ctx, n); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case msg := <-a.send:
		var ev Event
		if err := json.Unmarshal(msg, &ev); err != nil {
			t.Fatalf("bad frame: %v", err)
		}
		if ev.Type != EventNotification || ev.Data.Kind != notify.KindSellerConfirm || ev.Data.OfferID != "ofr_9" {
			t.Errorf("Unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for push")
	}

	time.Sleep(50 * time.Millisecond)
	select {
	case <-b.send:
		t.Error("Other account should NOT receive the push")
	default:
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
		// Hub stopped
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}

	// Upgrades after shutdown are refused.
	w := httptest.NewRecorder()
	h.HandleWebSocket(w, httptest.NewRequest("GET", "/v1/ws", nil), alice)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 after shutdown, got %d", w.Code)
	}
}

func TestHub_WebSocketEndToEnd(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.HandleWebSocket(w, r, r.URL.Query().Get("account"))
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?account=" + alice
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	// Wait for registration.
	deadline := time.Now().Add(time.Second)
	for h.Stats()["connectedClients"].(int) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	_ = h.Publish(ctx, notify.New(notify.KindDealCompleted, alice, notify.Ref{OfferID: "ofr_2"}, time.Now()))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if ev.Data == nil || ev.Data.Kind != notify.KindDealCompleted {
		t.Errorf("Unexpected event %+v", ev)
	}

	// Anonymous upgrades are refused.
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected 401 without account, got %d", resp.StatusCode)
	}
}
