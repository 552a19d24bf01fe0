package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCallSandboxStatus_ParsesResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization header = %q, want %q", got, "Bearer tok")
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0",
			"id":      1,
			"result": map[string]any{
				"sandboxes": []map[string]any{
					{"namespace": "default", "name": "web", "running": true},
				},
			},
		})
	}))
	defer srv.Close()

	entries, err := callSandboxStatus(srv.URL, "tok", "default", "web")
	if err != nil {
		t.Fatalf("callSandboxStatus: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "web" || !entries[0].Running {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

func TestCallSandboxStatus_PropagatesRPCError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0",
			"id":      1,
			"error":   map[string]any{"code": -32003, "message": "sandbox not found"},
		})
	}))
	defer srv.Close()

	_, err := callSandboxStatus(srv.URL, "tok", "default", "missing")
	if err == nil {
		t.Fatal("expected an error")
	}
	rerr, ok := err.(*rpcClientError)
	if !ok || rerr.Code != -32003 {
		t.Fatalf("expected rpcClientError with code -32003, got %#v", err)
	}
}

func TestQueryStatus_OneCallPerName(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0",
			"id":      1,
			"result":  map[string]any{"sandboxes": []map[string]any{{"namespace": "default", "name": "x", "running": false}}},
		})
	}))
	defer srv.Close()

	entries, err := queryStatus(srv.URL, "tok", "default", []string{"a", "b"})
	if err != nil {
		t.Fatalf("queryStatus: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 RPC calls for 2 names, got %d", calls)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 aggregated entries, got %d", len(entries))
	}
}
