package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNormalizeModel(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"gpt-4", "gpt-4"},
		{"GPT-4", "gpt-4"},
		{"gpt-4-0613", "gpt-4"},
		{"gpt-4-turbo-preview", "gpt-4-turbo"},
		{"gpt-4-32k-0613", "gpt-4-32k"},
		{"gpt-3.5-turbo-16k", "gpt-3.5-turbo"},
		{"text-embedding-ada-002-v2", "text-embedding-ada-002"},
		{"some-unknown-model", "some-unknown-model"},
	}
	for _, tt := range tests {
		if got := NormalizeModel(tt.in); got != tt.want {
			t.Errorf("NormalizeModel(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCostUSD(t *testing.T) {
	// gpt-4: $0.03/1K prompt, $0.06/1K completion.
	got := CostUSD("gpt-4", 1000, 1000)
	if diff := got - 0.09; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("CostUSD(gpt-4, 1000, 1000) = %v, want 0.09", got)
	}

	// Unknown models fall back to gpt-3.5-turbo rates.
	got = CostUSD("mystery-model", 1000, 1000)
	if diff := got - 0.0035; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("CostUSD(unknown, 1000, 1000) = %v, want 0.0035", got)
	}

	if got := CostUSD("gpt-4", 0, 0); got != 0 {
		t.Errorf("zero tokens should cost zero, got %v", got)
	}
}

func TestNewRejectsUnknownProvider(t *testing.T) {
	if _, err := New("mystery", "key"); err == nil {
		t.Error("expected error for unknown provider")
	}
	f, err := New("openai", "key")
	if err != nil {
		t.Fatalf("New(openai): %v", err)
	}
	if f.Name() != "openai" {
		t.Errorf("Name = %q, want openai", f.Name())
	}
}

func TestOpenAIFetchUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"data":[{"aggregation_timestamp":1780000000,"snapshot_id":"gpt-4-0613","n_context_tokens_total":1000,"n_generated_tokens_total":500}]}`))
	}))
	defer srv.Close()

	o := NewOpenAI("test-key")
	o.baseURL = srv.URL

	since := time.Now().UTC() // single-day walk
	events, err := o.FetchUsage(context.Background(), "prod-bot", since)
	if err != nil {
		t.Fatalf("FetchUsage: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}

	ev := events[0]
	if ev.AgentID != "prod-bot" {
		t.Errorf("AgentID = %q", ev.AgentID)
	}
	if ev.Category != "gpt-4" {
		t.Errorf("Category = %q, want normalized gpt-4", ev.Category)
	}
	if ev.PromptUnits != 1000 || ev.CompletionUnits != 500 {
		t.Errorf("units = %d/%d, want 1000/500", ev.PromptUnits, ev.CompletionUnits)
	}
	// 1000 * 0.03/1K + 500 * 0.06/1K = 0.06
	if diff := ev.CostUSD - 0.06; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("CostUSD = %v, want 0.06", ev.CostUSD)
	}
}

func TestOpenAITestConnection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Header.Get("Authorization") != "Bearer good-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	good := NewOpenAI("good-key")
	good.baseURL = srv.URL
	if err := good.TestConnection(context.Background()); err != nil {
		t.Errorf("TestConnection with valid key: %v", err)
	}

	bad := NewOpenAI("bad-key")
	bad.baseURL = srv.URL
	if err := bad.TestConnection(context.Background()); err == nil {
		t.Error("TestConnection with invalid key should fail")
	}
}
