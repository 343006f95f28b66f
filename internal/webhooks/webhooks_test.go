package webhooks

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func TestSign(t *testing.T) {
	payload := []byte(`{"type":"session.settled"}`)
	sig := Sign(payload, "topsecret")

	if sig == "" {
		t.Fatal("empty signature")
	}
	if sig != Sign(payload, "topsecret") {
		t.Error("signing is not deterministic")
	}
	if sig == Sign(payload, "othersecret") {
		t.Error("signature does not depend on the secret")
	}
	if sig == Sign([]byte(`{}`), "topsecret") {
		t.Error("signature does not depend on the payload")
	}
	if !hmac.Equal([]byte(sig), []byte(Sign(payload, "topsecret"))) {
		t.Error("signature mismatch")
	}
}

func TestDispatcher_DeliversSignedEvent(t *testing.T) {
	type received struct {
		body      []byte
		signature string
		eventType string
	}
	got := make(chan received, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- received{
			body:      body,
			signature: r.Header.Get("X-Sessionpay-Signature"),
			eventType: r.Header.Get("X-Sessionpay-Event"),
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	sub := &Subscription{
		ID:              "whk_1",
		ParticipantAddr: "0xpayer",
		URL:             srv.URL,
		Secret:          "topsecret",
		Events:          []EventType{EventSessionSettled},
		Active:          true,
	}
	if err := store.Create(context.Background(), sub); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	d := NewDispatcher(store)
	err := d.DispatchToParticipant(context.Background(), "0xpayer", &Event{
		ID:        "evt_1",
		Type:      EventSessionSettled,
		Timestamp: time.Now(),
		Data:      map[string]interface{}{"sessionId": "ses_1", "releasedAmount": "48.750000"},
	})
	if err != nil {
		t.Fatalf("DispatchToParticipant failed: %v", err)
	}

	select {
	case r := <-got:
		if r.eventType != string(EventSessionSettled) {
			t.Errorf("event header = %q", r.eventType)
		}
		if want := Sign(r.body, "topsecret"); r.signature != want {
			t.Errorf("signature = %q, want %q", r.signature, want)
		}
		var ev Event
		if err := json.Unmarshal(r.body, &ev); err != nil {
			t.Fatalf("bad payload: %v", err)
		}
		if ev.Data["sessionId"] != "ses_1" {
			t.Errorf("payload data = %v", ev.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("webhook never delivered")
	}

	// Delivery state is recorded on the subscription.
	deadline := time.Now().Add(2 * time.Second)
	for {
		stored, err := store.Get(context.Background(), "whk_1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if stored.LastSuccess != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("lastSuccess never recorded")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestDispatcher_FiltersByEventTypeAndActive(t *testing.T) {
	var mu sync.Mutex
	hits := map[string]int{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits[r.URL.Path]++
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	ctx := context.Background()
	subs := []*Subscription{
		{ID: "whk_match", ParticipantAddr: "0xpayer", URL: srv.URL + "/match", Active: true,
			Events: []EventType{EventSessionSettled, EventSessionCompleted}},
		{ID: "whk_wrongtype", ParticipantAddr: "0xpayer", URL: srv.URL + "/wrongtype", Active: true,
			Events: []EventType{EventSessionDisputed}},
		{ID: "whk_inactive", ParticipantAddr: "0xpayer", URL: srv.URL + "/inactive", Active: false,
			Events: []EventType{EventSessionSettled}},
		{ID: "whk_otherparty", ParticipantAddr: "0xother", URL: srv.URL + "/otherparty", Active: true,
			Events: []EventType{EventSessionSettled}},
	}
	for _, sub := range subs {
		if err := store.Create(ctx, sub); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	d := NewDispatcher(store)
	if err := d.DispatchToParticipant(ctx, "0xpayer", &Event{
		ID: "evt_1", Type: EventSessionSettled, Timestamp: time.Now(),
	}); err != nil {
		t.Fatalf("DispatchToParticipant failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := hits["/match"]
		mu.Unlock()
		if n > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if hits["/match"] != 1 {
		t.Errorf("matching webhook hit %d times, want 1", hits["/match"])
	}
	for _, path := range []string{"/wrongtype", "/inactive", "/otherparty"} {
		if hits[path] != 0 {
			t.Errorf("%s hit %d times, want 0", path, hits[path])
		}
	}
}

func TestDispatcher_RecordsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	ctx := context.Background()
	sub := &Subscription{
		ID: "whk_1", ParticipantAddr: "0xpayer", URL: srv.URL, Active: true,
		Events: []EventType{EventSessionSettled},
	}
	if err := store.Create(ctx, sub); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	d := NewDispatcher(store)
	if err := d.DispatchToParticipant(ctx, "0xpayer", &Event{
		ID: "evt_1", Type: EventSessionSettled, Timestamp: time.Now(),
	}); err != nil {
		t.Fatalf("DispatchToParticipant failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		stored, err := store.Get(ctx, "whk_1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if stored.LastError != "" {
			if stored.LastSuccess != nil {
				t.Error("failed delivery recorded as success")
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("lastError never recorded")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
