package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/viewpay/viewpay/internal/events"
	"github.com/viewpay/viewpay/internal/logging"
)

func TestShouldSend_RecipientScoping(t *testing.T) {
	client := &Client{actorID: "tenant-1"}

	mine := events.Event{Type: events.RequestAccepted, Recipients: []string{"tenant-1", "hunter-1"}}
	theirs := events.Event{Type: events.RequestAccepted, Recipients: []string{"tenant-2", "hunter-1"}}

	if !shouldSend(client, mine) {
		t.Error("recipient should receive the event")
	}
	if shouldSend(client, theirs) {
		t.Error("non-recipient must not receive the event")
	}
}

func TestShouldSend_SubscriptionFilters(t *testing.T) {
	client := &Client{actorID: "hunter-1", sub: Subscription{
		EventTypes: []events.Type{events.RequestCreated},
		EntityIDs:  []string{"vr_1"},
	}}

	tests := []struct {
		name string
		ev   events.Event
		want bool
	}{
		{"match", events.Event{Type: events.RequestCreated, EntityID: "vr_1", Recipients: []string{"hunter-1"}}, true},
		{"wrong type", events.Event{Type: events.RequestCancelled, EntityID: "vr_1", Recipients: []string{"hunter-1"}}, false},
		{"wrong entity", events.Event{Type: events.RequestCreated, EntityID: "vr_2", Recipients: []string{"hunter-1"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := shouldSend(client, tt.ev); got != tt.want {
				t.Errorf("shouldSend = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEmit_FullQueue(t *testing.T) {
	h := NewHub(logging.Discard())
	for i := 0; i < cap(h.broadcast); i++ {
		if err := h.Emit(context.Background(), events.Event{}); err != nil {
			t.Fatalf("unexpected error at %d: %v", i, err)
		}
	}
	if err := h.Emit(context.Background(), events.Event{}); err != ErrHubBusy {
		t.Fatalf("expected ErrHubBusy, got %v", err)
	}
}

func TestHub_DeliversToConnectedRecipient(t *testing.T) {
	h := NewHub(logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.HandleWebSocket(w, r, r.Header.Get("X-Actor-ID"))
	}))
	defer srv.Close()

	header := http.Header{}
	header.Set("X-Actor-ID", "tenant-1")
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Wait for registration.
	deadline := time.Now().Add(2 * time.Second)
	for h.Stats()["connectedClients"].(int) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	_ = h.Emit(ctx, events.Event{ID: "evt_other", Type: events.RequestCreated, Recipients: []string{"tenant-2"}})
	_ = h.Emit(ctx, events.Event{ID: "evt_mine", Type: events.RequestCreated, Recipients: []string{"tenant-1"}})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got events.Event
	if err := json.Unmarshal(msg, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != "evt_mine" {
		t.Fatalf("expected evt_mine, got %s", got.ID)
	}
}

func TestHandleWebSocket_RequiresActor(t *testing.T) {
	h := NewHub(logging.Discard())
	w := httptest.NewRecorder()
	h.HandleWebSocket(w, httptest.NewRequest("GET", "/ws", nil), "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}
