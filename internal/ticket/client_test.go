package ticket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func testBundle() Bundle {
	return Bundle{
		TicketNumber:    "TCK-1042",
		ConferenceName:  "conf_CA123",
		Transcript:      "Patient: I need a refill.\nAgent: I can help with that.",
		DurationSeconds: 95,
		TotalCostCents:  31,
	}
}

func TestPushSendsBundle(t *testing.T) {
	var gotPath, gotAuth, gotKey string
	var gotBody Bundle
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotKey = r.Header.Get("Idempotency-Key")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tk-secret")
	if err := c.Push(context.Background(), testBundle()); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if gotPath != "/tickets/TCK-1042/call-bundle" {
		t.Errorf("path = %q", gotPath)
	}
	if gotAuth != "Bearer tk-secret" {
		t.Errorf("auth = %q", gotAuth)
	}
	if gotKey == "" {
		t.Error("missing idempotency key")
	}
	if gotBody.ConferenceName != "conf_CA123" || gotBody.DurationSeconds != 95 {
		t.Errorf("body = %+v", gotBody)
	}
}

func TestPushRetriesServerErrors(t *testing.T) {
	var attempts int
	keys := map[string]bool{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		keys[r.Header.Get("Idempotency-Key")] = true
		if attempts < 3 {
			http.Error(w, "upstream unavailable", http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	c.policy.Initial = 0
	c.policy.Jitter = 0
	if err := c.Push(context.Background(), testBundle()); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	if len(keys) != 1 {
		t.Errorf("idempotency key changed across retries: %v", keys)
	}
}

func TestPushClientErrorIsFinal(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		http.Error(w, "no such ticket", http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	c.policy.Initial = 0
	err := c.Push(context.Background(), testBundle())
	if err == nil || !strings.Contains(err.Error(), "status 404") {
		t.Fatalf("err = %v, want 404", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestPushRequiresTicketNumber(t *testing.T) {
	c := NewClient("http://example.invalid", "")
	b := testBundle()
	b.TicketNumber = ""
	if err := c.Push(context.Background(), b); err == nil {
		t.Fatal("expected error for missing ticket number")
	}
}

func TestDisabledClient(t *testing.T) {
	c := NewClient("", "")
	if c.Enabled() {
		t.Error("Enabled() = true for empty base URL")
	}
	if err := c.Push(context.Background(), testBundle()); err == nil {
		t.Error("expected error from disabled client")
	}
}
