package ledger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mmeshcher/bazaar-indexer/internal/event"
)

func TestEvents_OK(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Fatalf("method = %s, want GET", r.Method)
		}
		if r.URL.Path != "/api/events" {
			t.Fatalf("path = %s, want /api/events", r.URL.Path)
		}
		if got := r.URL.Query().Get("after"); got != "10:2:1" {
			t.Fatalf("after = %q, want %q", got, "10:2:1")
		}
		if got := r.URL.Query().Get("limit"); got != "50" {
			t.Fatalf("limit = %q, want %q", got, "50")
		}

		resp := []event.Envelope{
			{
				Kind:    event.KindListingCreated,
				Key:     event.OrderingKey{Block: 11},
				Payload: json.RawMessage(`{"listingId":1}`),
			},
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	after := event.OrderingKey{Block: 10, TxIndex: 2, LogIndex: 1}
	events, retryAfter, err := client.Events(ctx, &after, 50)
	if err != nil {
		t.Fatalf("Events error: %v", err)
	}
	if retryAfter != 0 {
		t.Fatalf("retryAfter = %v, want 0", retryAfter)
	}
	if len(events) != 1 || events[0].Kind != event.KindListingCreated {
		t.Fatalf("unexpected events: %+v", events)
	}
	if events[0].Key.Block != 11 {
		t.Fatalf("event block = %d, want 11", events[0].Key.Block)
	}
}

func TestEvents_NoAfterParamWithoutCheckpoint(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Has("after") {
			t.Fatalf("after param must be absent on first fetch")
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	events, retryAfter, err := client.Events(context.Background(), nil, 10)
	if err != nil {
		t.Fatalf("Events error: %v", err)
	}
	if events != nil || retryAfter != 0 {
		t.Fatalf("expected empty result, got %v, %v", events, retryAfter)
	}
}

func TestEvents_TooManyRequests(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	events, retryAfter, err := client.Events(context.Background(), nil, 10)
	if err != nil {
		t.Fatalf("Events error: %v", err)
	}
	if events != nil {
		t.Fatalf("expected no events, got %+v", events)
	}
	if retryAfter != 7*time.Second {
		t.Fatalf("retryAfter = %v, want 7s", retryAfter)
	}
}

func TestEvents_NotConfigured(t *testing.T) {
	var client *Client
	if _, _, err := client.Events(context.Background(), nil, 10); err == nil {
		t.Fatalf("expected error for nil client")
	}
}
