package portal

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"
)

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse test server URL: %v", err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("parse test server port: %v", err)
	}
	return New(u.Hostname(), port)
}

func TestWaitReady_SucceedsOnFirstHealthyResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	if err := c.WaitReady(t.Context(), time.Now().Add(2*time.Second)); err != nil {
		t.Fatalf("expected WaitReady to succeed, got %v", err)
	}
}

func TestWaitReady_TimesOutWhenNeverHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	err := c.WaitReady(t.Context(), time.Now().Add(150*time.Millisecond))
	if err == nil {
		t.Fatal("expected WaitReady to time out")
	}
}

func TestRunCode_ReturnsExecResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"stdout":"42\n","stderr":"","has_error":false}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	res, err := c.RunCode(t.Context(), RunCodeRequest{Language: "python", Code: "print(6*7)", Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("RunCode: %v", err)
	}
	if res.Stdout != "42\n" || res.HasError {
		t.Fatalf("unexpected result: %+v", res)
	}
}
