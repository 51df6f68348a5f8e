package sensor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

const statusEnvelopeJSON = `{
    "success": true,
    "data": {
        "latest_readings": {
            "temperature": {"ambient": 21.5, "object": 20.9, "datetime": "2024-01-01T00:00:00Z"},
            "ph": {"valeur": 7.04, "datetime": "2024-01-01T00:00:00Z"},
            "oxygen": {"valeur": 8.36, "datetime": "2024-01-01T00:00:00Z"},
            "luminosite": {"valeur": 412.7, "datetime": "2024-01-01T00:00:00Z"}
        }
    }
}`

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *recordingSleeper) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

func testConfig(baseURL string) Config {
	return Config{
		BaseURL:         baseURL,
		RequestTimeout:  2 * time.Second,
		MaxRetries:      3,
		RetryDelay:      2 * time.Second,
		RefreshInterval: 30 * time.Second,
		CacheTTL:        5 * time.Minute,
	}
}

func newTestClient(t *testing.T, cfg Config, clock *fakeClock, sleeper *recordingSleeper) *Client {
	t.Helper()
	c, err := New(cfg, zap.NewNop(), WithClock(clock.Now), WithSleeper(sleeper.Sleep))
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	return c
}

func countingServer(t *testing.T, hits *atomic.Int32, body string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)
	return server
}

func TestRequest_CacheHitSkipsNetwork(t *testing.T) {
	var hits atomic.Int32
	server := countingServer(t, &hits, statusEnvelopeJSON)
	clock := newFakeClock()
	client := newTestClient(t, testConfig(server.URL), clock, &recordingSleeper{})
	ctx := context.Background()
	opts := RequestOptions{UseCache: true, CacheKey: "dashboard_status"}

	first, err := client.Request(ctx, "system/status", opts)
	if err != nil {
		t.Fatalf("Expected first request to succeed, got: %v", err)
	}

	clock.Advance(4*time.Minute + 59*time.Second)
	second, err := client.Request(ctx, "system/status", opts)
	if err != nil {
		t.Fatalf("Expected cached request to succeed, got: %v", err)
	}

	if got := hits.Load(); got != 1 {
		t.Errorf("Expected exactly 1 network call, got %d", got)
	}
	if !bytes.Equal(first, second) {
		t.Errorf("Expected cached payload to be identical\nfirst:  %s\nsecond: %s", first, second)
	}
}

func TestRequest_CachedPayloadIsolatedFromCaller(t *testing.T) {
	var hits atomic.Int32
	server := countingServer(t, &hits, `{"a":1}`)
	client := newTestClient(t, testConfig(server.URL), newFakeClock(), &recordingSleeper{})
	ctx := context.Background()
	opts := RequestOptions{UseCache: true, CacheKey: "k"}

	first, err := client.Request(ctx, "x", opts)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	first[5] = '9'

	second, err := client.Request(ctx, "x", opts)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if hits.Load() != 1 {
		t.Errorf("Expected second call served from cache, got %d network calls", hits.Load())
	}
	if string(second) != `{"a":1}` {
		t.Errorf("Expected cached payload {\"a\":1}, got %s", second)
	}

	second[5] = '7'
	entry, ok := client.GetLastKnownGood("k")
	if !ok || string(entry.Data) != `{"a":1}` {
		t.Errorf("Expected last known good {\"a\":1}, got %s", entry.Data)
	}
}

func TestRequest_CacheHitLeavesRetryCounter(t *testing.T) {
	var hits atomic.Int32
	server := countingServer(t, &hits, `{"ok":true}`)
	client := newTestClient(t, testConfig(server.URL), newFakeClock(), &recordingSleeper{})
	opts := RequestOptions{UseCache: true, CacheKey: "k"}

	if _, err := client.Request(context.Background(), "x", opts); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	client.retryCount.Store(2)

	if _, err := client.Request(context.Background(), "x", opts); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if client.RetryCount() != 2 {
		t.Errorf("Expected cache hit to leave retry counter at 2, got %d", client.RetryCount())
	}
}

func TestRequest_CacheExpiredRefetches(t *testing.T) {
	var hits atomic.Int32
	server := countingServer(t, &hits, statusEnvelopeJSON)
	clock := newFakeClock()
	client := newTestClient(t, testConfig(server.URL), clock, &recordingSleeper{})
	ctx := context.Background()
	opts := RequestOptions{UseCache: true, CacheKey: "dashboard_status"}

	if _, err := client.Request(ctx, "system/status", opts); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	firstEntry, _ := client.GetLastKnownGood("dashboard_status")

	clock.Advance(5 * time.Minute)
	if _, err := client.Request(ctx, "system/status", opts); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if got := hits.Load(); got != 2 {
		t.Errorf("Expected 2 network calls after TTL, got %d", got)
	}
	entry, ok := client.GetLastKnownGood("dashboard_status")
	if !ok {
		t.Fatal("Expected cache entry to exist")
	}
	if !entry.Timestamp.After(firstEntry.Timestamp) {
		t.Errorf("Expected entry timestamp to move forward, was %v now %v", firstEntry.Timestamp, entry.Timestamp)
	}
}

func TestRequest_WithoutCacheKeyAlwaysFetches(t *testing.T) {
	var hits atomic.Int32
	server := countingServer(t, &hits, `[]`)
	client := newTestClient(t, testConfig(server.URL), newFakeClock(), &recordingSleeper{})

	for i := 0; i < 2; i++ {
		if _, err := client.Request(context.Background(), "ph", RequestOptions{UseCache: true}); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
	}

	if got := hits.Load(); got != 2 {
		t.Errorf("Expected 2 network calls, got %d", got)
	}
	if client.Cache().Len() != 0 {
		t.Errorf("Expected nothing cached without a key, got %d entries", client.Cache().Len())
	}
}

func TestRequest_ExhaustedRetries(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	sleeper := &recordingSleeper{}
	client := newTestClient(t, testConfig(server.URL), newFakeClock(), sleeper)

	_, err := client.Request(context.Background(), "system/status", RequestOptions{})
	if err == nil {
		t.Fatal("Expected error after exhausted retries, got nil")
	}

	if got := hits.Load(); got != 4 {
		t.Errorf("Expected exactly 4 attempts, got %d", got)
	}

	want := []time.Duration{2 * time.Second, 4 * time.Second, 6 * time.Second}
	got := sleeper.Delays()
	if len(got) != len(want) {
		t.Fatalf("Expected delays %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Delay %d: expected %v, got %v", i, want[i], got[i])
		}
	}

	var failed *RequestFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("Expected RequestFailedError, got %T: %v", err, err)
	}
	if failed.Attempts != 4 {
		t.Errorf("Expected 4 attempts recorded, got %d", failed.Attempts)
	}
	if !errors.Is(err, ErrNetwork) {
		t.Errorf("Expected last error to be a network error, got %v", err)
	}
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Code != http.StatusInternalServerError {
		t.Errorf("Expected wrapped status 500, got %v", err)
	}
}

func TestRequest_RetryLogic(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(statusEnvelopeJSON))
	}))
	defer server.Close()

	sleeper := &recordingSleeper{}
	client := newTestClient(t, testConfig(server.URL), newFakeClock(), sleeper)

	payload, err := client.Request(context.Background(), "system/status", RequestOptions{UseCache: true, CacheKey: "dashboard_status"})
	if err != nil {
		t.Fatalf("Expected success after retries, got: %v", err)
	}
	if len(payload) == 0 {
		t.Error("Expected payload to be returned")
	}
	if got := hits.Load(); got != 3 {
		t.Errorf("Expected 3 attempts, got %d", got)
	}
	if got := sleeper.Delays(); len(got) != 2 || got[0] != 2*time.Second || got[1] != 4*time.Second {
		t.Errorf("Expected delays [2s 4s], got %v", got)
	}
	if client.RetryCount() != 0 {
		t.Errorf("Expected retry counter reset to 0, got %d", client.RetryCount())
	}
	if _, ok := client.GetLastKnownGood("dashboard_status"); !ok {
		t.Error("Expected successful retry to populate the cache")
	}
}

func TestRequest_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	cfg := testConfig(server.URL)
	cfg.MaxRetries = 0
	client := newTestClient(t, cfg, newFakeClock(), &recordingSleeper{})

	_, err := client.Request(context.Background(), "system/status", RequestOptions{Timeout: 50 * time.Millisecond})
	if err == nil {
		t.Fatal("Expected timeout error, got nil")
	}
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("Expected ErrTimeout, got %v", err)
	}
}

func TestRequest_InvalidJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"invalid": json}`))
	}))
	defer server.Close()

	cfg := testConfig(server.URL)
	cfg.MaxRetries = 1
	client := newTestClient(t, cfg, newFakeClock(), &recordingSleeper{})

	_, err := client.Request(context.Background(), "system/status", RequestOptions{})
	if !errors.Is(err, ErrDecode) {
		t.Errorf("Expected ErrDecode, got %v", err)
	}
}

func TestRequest_ConnectionRefused(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	cfg := testConfig(url)
	cfg.MaxRetries = 0
	client := newTestClient(t, cfg, newFakeClock(), &recordingSleeper{})

	_, err := client.Request(context.Background(), "system/status", RequestOptions{})
	if !errors.Is(err, ErrNetwork) {
		t.Errorf("Expected ErrNetwork, got %v", err)
	}
}

func TestRequest_SendsAcceptHeaderAndPath(t *testing.T) {
	var gotAccept, gotPath, gotQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAccept = r.Header.Get("Accept")
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		w.Write([]byte(`[]`))
	}))
	defer server.Close()

	client := newTestClient(t, testConfig(server.URL+"/api"), newFakeClock(), &recordingSleeper{})
	if _, err := client.Request(context.Background(), "temperature?limit=50", RequestOptions{}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if gotAccept != "application/json" {
		t.Errorf("Expected Accept application/json, got %q", gotAccept)
	}
	if gotPath != "/api/temperature" {
		t.Errorf("Expected path /api/temperature, got %q", gotPath)
	}
	if gotQuery != "limit=50" {
		t.Errorf("Expected query limit=50, got %q", gotQuery)
	}
}

func TestRequest_EnvelopeUnwrapped(t *testing.T) {
	var hits atomic.Int32
	server := countingServer(t, &hits, statusEnvelopeJSON)
	client := newTestClient(t, testConfig(server.URL), newFakeClock(), &recordingSleeper{})

	payload, err := client.Request(context.Background(), "system/status", RequestOptions{UseCache: true, CacheKey: "dashboard_status"})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	var data struct {
		LatestReadings struct {
			Temperature struct {
				Ambient float64 `json:"ambient"`
			} `json:"temperature"`
		} `json:"latest_readings"`
	}
	if err := json.Unmarshal(payload, &data); err != nil {
		t.Fatalf("Failed to decode payload: %v", err)
	}
	if data.LatestReadings.Temperature.Ambient != 21.5 {
		t.Errorf("Expected ambient 21.5, got %v", data.LatestReadings.Temperature.Ambient)
	}
}

func TestRequest_EmptyEndpoint(t *testing.T) {
	client := newTestClient(t, testConfig("http://localhost"), newFakeClock(), &recordingSleeper{})

	_, err := client.Request(context.Background(), "  ", RequestOptions{})
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Field != "endpoint" {
		t.Errorf("Expected endpoint validation error, got %v", err)
	}
}

func TestRequest_ContextCancelledDuringBackoff(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	cfg := testConfig(server.URL)
	cfg.RetryDelay = time.Hour
	client, err := New(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	_, err = client.Request(ctx, "system/status", RequestOptions{})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestUpdateConfig_RejectsNonHTTPScheme(t *testing.T) {
	var hits atomic.Int32
	server := countingServer(t, &hits, statusEnvelopeJSON)
	client := newTestClient(t, testConfig(server.URL), newFakeClock(), &recordingSleeper{})

	if _, err := client.Request(context.Background(), "system/status", RequestOptions{UseCache: true, CacheKey: "dashboard_status"}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	before := client.Config()

	updated := before
	updated.BaseURL = "ftp://x"
	err := client.UpdateConfig(updated)

	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("Expected ValidationError, got %v", err)
	}
	if ve.Field != "baseUrl" {
		t.Errorf("Expected field baseUrl, got %q", ve.Field)
	}
	if client.Config() != before {
		t.Errorf("Expected configuration untouched, got %+v", client.Config())
	}
	if client.Cache().Len() != 1 {
		t.Errorf("Expected cache untouched, got %d entries", client.Cache().Len())
	}
}

func TestUpdateConfig_TrimsBaseURL(t *testing.T) {
	var hits atomic.Int32
	server := countingServer(t, &hits, statusEnvelopeJSON)
	client := newTestClient(t, testConfig("http://old.local/api"), newFakeClock(), &recordingSleeper{})

	updated := client.Config()
	updated.BaseURL = " " + server.URL + " "
	if err := client.UpdateConfig(updated); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if got := client.Config().BaseURL; got != server.URL {
		t.Errorf("Expected base url %q, got %q", server.URL, got)
	}
	if _, err := client.Request(context.Background(), "system/status", RequestOptions{}); err != nil {
		t.Fatalf("Expected request against trimmed url to succeed, got: %v", err)
	}
	if hits.Load() != 1 {
		t.Errorf("Expected 1 network call, got %d", hits.Load())
	}
}

func TestValidateBaseURL_RejectsSurroundingWhitespace(t *testing.T) {
	var ve *ValidationError
	if err := ValidateBaseURL(" http://host/api "); !errors.As(err, &ve) || ve.Field != "baseUrl" {
		t.Errorf("Expected baseUrl ValidationError, got %v", err)
	}
	if err := ValidateBaseURL("http://host/api"); err != nil {
		t.Errorf("Expected valid url, got %v", err)
	}
}

func TestUpdateConfig_ClearsCacheAndNotifies(t *testing.T) {
	var hits atomic.Int32
	server := countingServer(t, &hits, statusEnvelopeJSON)
	client := newTestClient(t, testConfig(server.URL), newFakeClock(), &recordingSleeper{})
	ctx := context.Background()

	for _, key := range []string{"dashboard_status", "stats_24"} {
		if _, err := client.Request(ctx, "system/status", RequestOptions{UseCache: true, CacheKey: key}); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
	}

	var notified Config
	client.OnConfigChange(func(old, updated Config) { notified = updated })

	updated := client.Config()
	updated.BaseURL = "https://other.example.com/api"
	updated.RefreshInterval = 60 * time.Second
	if err := client.UpdateConfig(updated); err != nil {
		t.Fatalf("Expected update to succeed, got: %v", err)
	}

	if client.Cache().Len() != 0 {
		t.Errorf("Expected cache to be cleared, got %d entries", client.Cache().Len())
	}
	if _, ok := client.GetLastKnownGood("dashboard_status"); ok {
		t.Error("Expected no last known good entry after reconfiguration")
	}
	if notified.BaseURL != "https://other.example.com/api" {
		t.Errorf("Expected listener to receive new config, got %+v", notified)
	}
}

func TestUpdateConfig_RefreshIntervalBounds(t *testing.T) {
	client := newTestClient(t, testConfig("http://localhost"), newFakeClock(), &recordingSleeper{})

	tests := []struct {
		name    string
		seconds int
		wantErr bool
	}{
		{"below minimum", 4, true},
		{"minimum", 5, false},
		{"maximum", 300, false},
		{"above maximum", 301, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := client.Config()
			cfg.RefreshInterval = time.Duration(tt.seconds) * time.Second
			err := client.UpdateConfig(cfg)
			if tt.wantErr {
				var ve *ValidationError
				if !errors.As(err, &ve) || ve.Field != "refreshIntervalSeconds" {
					t.Errorf("Expected refreshIntervalSeconds validation error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Errorf("Expected no error, got %v", err)
			}
		})
	}
}

func TestGetLastKnownGood_IgnoresTTL(t *testing.T) {
	var hits atomic.Int32
	server := countingServer(t, &hits, statusEnvelopeJSON)
	clock := newFakeClock()
	client := newTestClient(t, testConfig(server.URL), clock, &recordingSleeper{})

	if _, ok := client.GetLastKnownGood("dashboard_status"); ok {
		t.Fatal("Expected no entry before any request")
	}

	if _, err := client.Request(context.Background(), "system/status", RequestOptions{UseCache: true, CacheKey: "dashboard_status"}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	clock.Advance(time.Hour)

	entry, ok := client.GetLastKnownGood("dashboard_status")
	if !ok {
		t.Fatal("Expected stale entry to still be available")
	}
	if len(entry.Data) == 0 {
		t.Error("Expected entry data to be set")
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig("not a url")
	if _, err := New(cfg, zap.NewNop()); err == nil {
		t.Error("Expected error for invalid base URL, got nil")
	}
}
