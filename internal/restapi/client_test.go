package restapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/carechat/carechat/internal/wire"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return New(srv.URL, "tok", time.Second, nil)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestListConversations(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/conversations" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		writeJSON(w, []Conversation{{ID: "c1", PeerID: "d1", PeerName: "Dr. Grey", UnreadCount: 2}})
	})

	got, err := c.ListConversations(context.Background())
	if err != nil {
		t.Fatalf("ListConversations() error = %v", err)
	}
	if len(got) != 1 || got[0].PeerName != "Dr. Grey" || got[0].UnreadCount != 2 {
		t.Errorf("got %+v", got)
	}
}

func TestHistory(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/conversations/c1/messages" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.URL.Query().Get("limit") != "25" {
			t.Errorf("limit = %q", r.URL.Query().Get("limit"))
		}
		writeJSON(w, []wire.MessagePayload{
			{ID: "s1", ConversationID: "c1", SenderID: "d1", Content: "How are you feeling?"},
		})
	})

	got, err := c.History(context.Background(), "c1", 25)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != "s1" {
		t.Errorf("got %+v", got)
	}
}

func TestMarkRead(t *testing.T) {
	called := false
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		called = r.Method == http.MethodPost && r.URL.Path == "/conversations/c1/read"
		w.WriteHeader(http.StatusNoContent)
	})

	if err := c.MarkRead(context.Background(), "c1"); err != nil {
		t.Fatalf("MarkRead() error = %v", err)
	}
	if !called {
		t.Error("mark-read endpoint not hit")
	}
}

func TestHTTPErrorCarriesStatus(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such conversation", http.StatusNotFound)
	})

	_, err := c.History(context.Background(), "missing", 10)
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want *Error", err)
	}
	if apiErr.Status != http.StatusNotFound {
		t.Errorf("status = %d, want 404", apiErr.Status)
	}
}
