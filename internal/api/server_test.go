package api

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	_ "github.com/mattn/go-sqlite3"

	"github.com/marcus/fitsync/internal/remote"
	"github.com/marcus/fitsync/internal/remotedb"
)

// newTestServer creates a Server over an in-memory database behind httptest.
func newTestServer(t *testing.T, modCfg ...func(*Config)) (*Server, *httptest.Server) {
	t.Helper()
	conn, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	conn.SetMaxOpenConns(1)
	store, err := remotedb.New(conn)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	cfg := Config{ListenAddr: ":0", RateLimit: 100000, PingInterval: 50 * time.Millisecond}
	for _, m := range modCfg {
		m(&cfg)
	}
	srv, err := NewServer(cfg, store)
	if err != nil {
		t.Fatalf("create server: %v", err)
	}
	httpSrv := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
		httpSrv.Close()
		conn.Close()
	})
	return srv, httpSrv
}

func TestHealth(t *testing.T) {
	_, hs := newTestServer(t)
	resp, err := remote.NewClient(hs.URL, "").HealthCheck(context.Background())
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if resp.Status != "ok" {
		t.Fatalf("status: got %q", resp.Status)
	}
}

func TestClientRoundTrip(t *testing.T) {
	srv, hs := newTestServer(t)
	ctx := context.Background()
	c := remote.NewClient(hs.URL, "")

	row, err := c.Insert(ctx, "meal_progress", remote.Record{"id": "u1_m-oats", "owner_id": "u1", "progress": 50})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if row.ID() != "u1_m-oats" {
		t.Fatalf("id: got %q", row.ID())
	}
	if _, err := c.Insert(ctx, "meal_progress", remote.Record{"id": "u2_m-oats", "owner_id": "u2"}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if err := c.Update(ctx, "meal_progress", "u1_m-oats", remote.Record{"progress": 100, "completed": true}); err != nil {
		t.Fatalf("update: %v", err)
	}

	rows, err := c.SelectWhere(ctx, "meal_progress", remote.Filter{"owner_id": "u1"}, 10)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows: got %d, want 1", len(rows))
	}
	if rows[0]["completed"] != true || rows[0]["progress"] != 100.0 {
		t.Fatalf("unexpected row: %v", rows[0])
	}

	if err := c.Delete(ctx, "meal_progress", "u1_m-oats"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	rows, _ = c.SelectWhere(ctx, "meal_progress", remote.Filter{"owner_id": "u1"}, 0)
	if len(rows) != 0 {
		t.Fatalf("rows after delete: got %d", len(rows))
	}

	snap := srv.Metrics().Snapshot()
	if snap.Inserts != 2 || snap.Updates != 1 || snap.Deletes != 1 {
		t.Fatalf("metrics: %+v", snap)
	}
}

func TestUpdateMissingIsNotFound(t *testing.T) {
	_, hs := newTestServer(t)
	err := remote.NewClient(hs.URL, "").Update(context.Background(), "workout_progress", "nope", remote.Record{"progress": 1})
	if !errors.Is(err, remote.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestRequireKey(t *testing.T) {
	_, hs := newTestServer(t, func(c *Config) { c.APIKey = "secret" })
	ctx := context.Background()

	_, err := remote.NewClient(hs.URL, "").Insert(ctx, "meal_logs", remote.Record{"name": "x"})
	if !errors.Is(err, remote.ErrUnauthorized) {
		t.Fatalf("no key: got %v, want ErrUnauthorized", err)
	}
	_, err = remote.NewClient(hs.URL, "wrong").Insert(ctx, "meal_logs", remote.Record{"name": "x"})
	if !errors.Is(err, remote.ErrUnauthorized) {
		t.Fatalf("wrong key: got %v, want ErrUnauthorized", err)
	}
	if _, err := remote.NewClient(hs.URL, "secret").Insert(ctx, "meal_logs", remote.Record{"name": "x"}); err != nil {
		t.Fatalf("good key: %v", err)
	}
	// Health stays public.
	if _, err := remote.NewClient(hs.URL, "").HealthCheck(ctx); err != nil {
		t.Fatalf("health: %v", err)
	}
}

func TestBadRequests(t *testing.T) {
	_, hs := newTestServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
	}{
		{"bad collection", "POST", "/v1/tables/Bad-Name", `{}`, http.StatusBadRequest},
		{"not json", "POST", "/v1/tables/meal_logs", `nope`, http.StatusBadRequest},
		{"array body", "POST", "/v1/tables/meal_logs", `[1]`, http.StatusBadRequest},
		{"empty id", "POST", "/v1/tables/meal_logs", `{"id":""}`, http.StatusBadRequest},
		{"bad where", "GET", "/v1/tables/meal_logs?where=oops", ``, http.StatusBadRequest},
		{"bad limit", "GET", "/v1/tables/meal_logs?limit=-1", ``, http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req, _ := http.NewRequest(tc.method, hs.URL+tc.path, strings.NewReader(tc.body))
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("request: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tc.status {
				t.Fatalf("status: got %d, want %d", resp.StatusCode, tc.status)
			}
		})
	}
}

func TestRateLimit(t *testing.T) {
	_, hs := newTestServer(t, func(c *Config) { c.RateLimit = 2 })
	c := remote.NewClient(hs.URL, "")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := c.SelectWhere(ctx, "meal_logs", nil, 0); err != nil {
			t.Fatalf("select %d: %v", i, err)
		}
	}
	_, err := c.SelectWhere(ctx, "meal_logs", nil, 0)
	var apiErr *remote.APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusTooManyRequests {
		t.Fatalf("got %v, want 429", err)
	}
}

func TestRateLimiterWindow(t *testing.T) {
	rl := NewRateLimiter()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	if !rl.Allow("k", 1) {
		t.Fatal("first request should pass")
	}
	if rl.Allow("k", 1) {
		t.Fatal("second request in window should be limited")
	}
	now = now.Add(time.Minute)
	if !rl.Allow("k", 1) {
		t.Fatal("new window should reset")
	}
}

func TestCORSPreflight(t *testing.T) {
	_, hs := newTestServer(t, func(c *Config) { c.CORSAllowedOrigins = []string{"https://app.example"} })

	req, _ := http.NewRequest(http.MethodOptions, hs.URL+"/v1/tables/meal_logs", nil)
	req.Header.Set("Origin", "https://app.example")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status: got %d, want 204", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://app.example" {
		t.Fatalf("allow origin: got %q", got)
	}
}

func TestConnectivityPings(t *testing.T) {
	srv, hs := newTestServer(t)

	url := "ws" + strings.TrimPrefix(hs.URL, "http") + "/v1/connectivity"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var pings atomic.Int32
	conn.SetPingHandler(func(string) error {
		pings.Add(1)
		return nil
	})
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	deadline := time.Now().Add(2 * time.Second)
	for pings.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if pings.Load() < 2 {
		t.Fatalf("pings: got %d, want >= 2", pings.Load())
	}
	if srv.Metrics().Snapshot().OpenSockets != 1 {
		t.Fatalf("open sockets: got %d, want 1", srv.Metrics().Snapshot().OpenSockets)
	}
}
