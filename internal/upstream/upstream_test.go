package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/arcuslabs/arcusgw/internal/config"
	"github.com/arcuslabs/arcusgw/internal/gateway"
	"github.com/arcuslabs/arcusgw/internal/types"
)

func TestRecall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/recall" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sekrit" {
			t.Errorf("missing auth header, got %q", got)
		}

		var req gateway.RecallRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Query != "lunch plans" {
			t.Errorf("unexpected query %q", req.Query)
		}

		json.NewEncoder(w).Encode(recallResponse{Items: []types.MemoryItem{
			{ID: "m1", Type: types.MemoryEpisodic, Text: "talked about lunch", TokenCost: 10, Relevance: 0.9},
		}})
	}))
	defer srv.Close()

	c := New(config.UpstreamConfig{BaseURL: srv.URL, AuthToken: "sekrit"})
	items, err := c.Recall(context.Background(), gateway.RecallRequest{Query: "lunch plans", Limit: 8})
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	if len(items) != 1 || items[0].ID != "m1" {
		t.Errorf("unexpected items %v", items)
	}
}

func TestGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(gateway.GenerateResponse{
			Text: "hello back",
			Actions: []types.Action{
				{Category: "read", Name: "check_calendar"},
			},
		})
	}))
	defer srv.Close()

	c := New(config.UpstreamConfig{BaseURL: srv.URL})
	resp, err := c.Generate(context.Background(), gateway.GenerateRequest{SessionKey: "k"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if resp.Text != "hello back" || len(resp.Actions) != 1 {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestNon200IsAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "runtime on fire", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(config.UpstreamConfig{BaseURL: srv.URL})
	if _, err := c.Generate(context.Background(), gateway.GenerateRequest{}); err == nil {
		t.Error("expected an error for a 500 response")
	}
}

func TestContextDeadlinePropagates(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	c := New(config.UpstreamConfig{BaseURL: srv.URL})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := c.Generate(ctx, gateway.GenerateRequest{}); err == nil {
		t.Error("expected a deadline error")
	}
}

func TestExecute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req executeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.CanonicalID != "id1" || req.Action.Name != "run_backup" {
			t.Errorf("unexpected execute request %+v", req)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(config.UpstreamConfig{BaseURL: srv.URL})
	err := c.Execute(context.Background(), "id1", types.Action{Category: "execute", Name: "run_backup"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
}
