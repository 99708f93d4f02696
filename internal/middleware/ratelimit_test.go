package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/redis/go-redis/v9"
)

func TestInMemoryRateLimitStore_Allow(t *testing.T) {
	tests := []struct {
		name          string
		requestCount  int
		limit         int
		wantAllowed   []bool
		wantRemaining []int
	}{
		{
			name:          "allows requests under limit",
			requestCount:  3,
			limit:         5,
			wantAllowed:   []bool{true, true, true},
			wantRemaining: []int{4, 3, 2},
		},
		{
			name:          "blocks requests at limit",
			requestCount:  4,
			limit:         3,
			wantAllowed:   []bool{true, true, true, false},
			wantRemaining: []int{2, 1, 0, 0},
		},
		{
			name:          "single request limit",
			requestCount:  3,
			limit:         1,
			wantAllowed:   []bool{true, false, false},
			wantRemaining: []int{0, 0, 0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewInMemoryRateLimitStore()
			config := RateLimitConfig{RequestsPerWindow: tt.limit, WindowDuration: time.Minute}

			for i := 0; i < tt.requestCount; i++ {
				allowed, remaining, _ := store.Allow(context.Background(), "test-key", config)
				if allowed != tt.wantAllowed[i] || remaining != tt.wantRemaining[i] {
					t.Errorf("request %d: got (%v, %d), want (%v, %d)",
						i+1, allowed, remaining, tt.wantAllowed[i], tt.wantRemaining[i])
				}
			}
		})
	}
}

func TestInMemoryRateLimitStore_RetryAfter(t *testing.T) {
	store := NewInMemoryRateLimitStore()
	config := RateLimitConfig{RequestsPerWindow: 1, WindowDuration: 10 * time.Second}
	ctx := context.Background()

	if allowed, _, retryAfter := store.Allow(ctx, "k", config); !allowed || retryAfter != 0 {
		t.Fatalf("first request: allowed=%v retryAfter=%d", allowed, retryAfter)
	}
	allowed, _, retryAfter := store.Allow(ctx, "k", config)
	if allowed {
		t.Error("second request should be blocked")
	}
	if retryAfter < 1 || retryAfter > 10 {
		t.Errorf("retryAfter should be between 1 and 10, got %d", retryAfter)
	}
}

func TestInMemoryRateLimitStore_WindowExpiryAndCleanup(t *testing.T) {
	store := NewInMemoryRateLimitStore()
	config := RateLimitConfig{RequestsPerWindow: 1, WindowDuration: 50 * time.Millisecond}
	ctx := context.Background()

	store.Allow(ctx, "key1", config)
	store.Allow(ctx, "key2", config)
	if allowed, _, _ := store.Allow(ctx, "key1", config); allowed {
		t.Error("key1 should be blocked inside its window")
	}

	time.Sleep(60 * time.Millisecond)
	store.Cleanup()
	if n := store.Len(); n != 0 {
		t.Errorf("Cleanup() left %d buckets", n)
	}
	if allowed, _, _ := store.Allow(ctx, "key1", config); !allowed {
		t.Error("request after window expiry should be allowed")
	}
}

func TestInMemoryRateLimitStore_Concurrency(t *testing.T) {
	store := NewInMemoryRateLimitStore()
	config := RateLimitConfig{RequestsPerWindow: 100, WindowDuration: time.Minute}

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowedCount := 0
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if allowed, _, _ := store.Allow(context.Background(), "concurrent-key", config); allowed {
				mu.Lock()
				allowedCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowedCount != 100 {
		t.Errorf("expected 100 allowed requests, got %d", allowedCount)
	}
}

func TestIPKeyFunc(t *testing.T) {
	keyFunc := IPKeyFunc()

	tests := []struct {
		name          string
		remoteAddr    string
		xForwardedFor string
		xRealIP       string
		wantKey       string
	}{
		{name: "uses RemoteAddr", remoteAddr: "192.168.1.1:12345", wantKey: "192.168.1.1"},
		{name: "RemoteAddr without port", remoteAddr: "192.168.1.1", wantKey: "192.168.1.1"},
		{name: "first X-Forwarded-For entry", remoteAddr: "10.0.0.1:1", xForwardedFor: " 203.0.113.50 , 198.51.100.1", wantKey: "203.0.113.50"},
		{name: "X-Real-IP over RemoteAddr", remoteAddr: "10.0.0.1:1", xRealIP: " 203.0.113.50 ", wantKey: "203.0.113.50"},
		{name: "X-Forwarded-For over X-Real-IP", remoteAddr: "10.0.0.1:1", xForwardedFor: "203.0.113.50", xRealIP: "198.51.100.1", wantKey: "203.0.113.50"},
		{name: "IPv6 RemoteAddr", remoteAddr: "[2001:db8::1]:8080", wantKey: "2001:db8::1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/mockups", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xForwardedFor != "" {
				req.Header.Set("X-Forwarded-For", tt.xForwardedFor)
			}
			if tt.xRealIP != "" {
				req.Header.Set("X-Real-IP", tt.xRealIP)
			}
			if got := keyFunc(req); got != tt.wantKey {
				t.Errorf("IPKeyFunc() = %q, want %q", got, tt.wantKey)
			}
		})
	}
}

func TestOperatorKeyFunc(t *testing.T) {
	keyFunc := OperatorKeyFunc()

	req := httptest.NewRequest(http.MethodPut, "/v1/templates/a/day/gold/x.jpg", nil)
	req.RemoteAddr = "192.168.1.1:12345"
	if got := keyFunc(req); got != "ip:192.168.1.1" {
		t.Errorf("anonymous key = %q", got)
	}

	req = req.WithContext(SetOperator(req.Context(), "alice"))
	if got := keyFunc(req); got != "operator:alice" {
		t.Errorf("operator key = %q", got)
	}
}

func TestRateLimiter_BlocksExcessiveTraffic(t *testing.T) {
	metrics := NewMetrics()
	reg := prometheus.NewRegistry()
	if err := metrics.Register(reg); err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	config := RateLimitConfig{RequestsPerWindow: 2, WindowDuration: time.Minute}
	calls := 0
	handler := RateLimiter(NewInMemoryRateLimitStore(), config, IPKeyFunc(), metrics)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
			w.WriteHeader(http.StatusOK)
		}))

	var last *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/v1/mockups", nil)
		req.RemoteAddr = "192.168.1.1:12345"
		last = httptest.NewRecorder()
		handler.ServeHTTP(last, req)
		if i < 2 && last.Code != http.StatusOK {
			t.Fatalf("request %d: status %d, want 200", i+1, last.Code)
		}
	}

	if calls != 2 {
		t.Errorf("handler called %d times, want 2", calls)
	}
	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("third request status = %d, want 429", last.Code)
	}
	if ra, err := strconv.Atoi(last.Header().Get("Retry-After")); err != nil || ra < 1 || ra > 60 {
		t.Errorf("Retry-After = %q", last.Header().Get("Retry-After"))
	}
	if reset, err := strconv.ParseInt(last.Header().Get("X-RateLimit-Reset"), 10, 64); err != nil || reset < time.Now().Unix() {
		t.Errorf("X-RateLimit-Reset = %q", last.Header().Get("X-RateLimit-Reset"))
	}
	if last.Header().Get("X-RateLimit-Limit") != "2" || last.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("limit headers = %q/%q", last.Header().Get("X-RateLimit-Limit"), last.Header().Get("X-RateLimit-Remaining"))
	}

	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.NewDecoder(last.Body).Decode(&body); err != nil || body.Error.Code != "rate_limit_exceeded" {
		t.Errorf("body error code = %q (%v)", body.Error.Code, err)
	}

	blocked := &dto.Metric{}
	if err := metrics.rateLimitBlocked.WithLabelValues("/v1/mockups", "ip").Write(blocked); err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	if got := blocked.GetCounter().GetValue(); got != 1 {
		t.Errorf("blocked counter = %v, want 1", got)
	}
	checked := &dto.Metric{}
	_ = metrics.rateLimitRequests.WithLabelValues("/v1/mockups", "ip").Write(checked)
	if got := checked.GetCounter().GetValue(); got != 3 {
		t.Errorf("requests counter = %v, want 3", got)
	}
}

func TestRateLimiter_DifferentClientsIndependent(t *testing.T) {
	config := RateLimitConfig{RequestsPerWindow: 1, WindowDuration: time.Minute}
	handler := RateLimiter(NewInMemoryRateLimitStore(), config, IPKeyFunc(), nil)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	for _, ip := range []string{"10.0.0.1:1", "10.0.0.2:1"} {
		req := httptest.NewRequest(http.MethodPost, "/v1/mockups", nil)
		req.RemoteAddr = ip
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Errorf("client %s: status %d, want 200", ip, rr.Code)
		}
	}
}

func TestRateLimiter_ReportsErrorCodeToLogging(t *testing.T) {
	var code string
	config := RateLimitConfig{RequestsPerWindow: 1, WindowDuration: time.Minute}
	limited := RateLimiter(NewInMemoryRateLimitStore(), config, IPKeyFunc(), nil)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), requestInfoKey{}, &requestInfo{})
		limited.ServeHTTP(w, r.WithContext(ctx))
		code = GetErrorCode(ctx)
	})

	for i := 0; i < 2; i++ {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/mockups", nil))
	}
	if code != "rate_limit_exceeded" {
		t.Errorf("error code = %q, want rate_limit_exceeded", code)
	}
}

func TestDefaultLimits(t *testing.T) {
	if l := DefaultGenerateLimit(); l.RequestsPerWindow != 30 || l.WindowDuration != time.Minute {
		t.Errorf("DefaultGenerateLimit() = %+v", l)
	}
	if l := DefaultCalibrationLimit(); l.RequestsPerWindow != 60 || l.WindowDuration != time.Minute {
		t.Errorf("DefaultCalibrationLimit() = %+v", l)
	}
}

func TestRateLimitConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  RateLimitConfig
		wantErr bool
	}{
		{"valid", RateLimitConfig{RequestsPerWindow: 10, WindowDuration: time.Minute}, false},
		{"zero requests", RateLimitConfig{RequestsPerWindow: 0, WindowDuration: time.Minute}, true},
		{"negative requests", RateLimitConfig{RequestsPerWindow: -1, WindowDuration: time.Minute}, true},
		{"zero window", RateLimitConfig{RequestsPerWindow: 10}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.config.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// redisClient returns a client for REDIS_URL or skips the test.
func redisClient(t *testing.T) *redis.Client {
	t.Helper()
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set; skipping redis rate limit test")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("invalid REDIS_URL: %v", err)
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		t.Skipf("redis unavailable: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisRateLimitStore_Allow(t *testing.T) {
	client := redisClient(t)
	store := NewRedisRateLimitStore(client, nil, nil)
	config := RateLimitConfig{RequestsPerWindow: 3, WindowDuration: time.Minute}
	ctx := context.Background()

	key := "test-" + strconv.FormatInt(time.Now().UnixNano(), 10)
	t.Cleanup(func() { client.Del(context.Background(), DefaultRedisRateLimitPrefix+key) })

	for i := 0; i < 3; i++ {
		allowed, remaining, _ := store.Allow(ctx, key, config)
		if !allowed || remaining != 2-i {
			t.Errorf("request %d: allowed=%v remaining=%d", i+1, allowed, remaining)
		}
	}
	allowed, remaining, retryAfter := store.Allow(ctx, key, config)
	if allowed || remaining != 0 {
		t.Errorf("fourth request: allowed=%v remaining=%d", allowed, remaining)
	}
	if retryAfter < 1 || retryAfter > 60 {
		t.Errorf("retryAfter = %d, want within [1, 60]", retryAfter)
	}

	if allowed, _, _ := store.Allow(ctx, key+"-other", config); !allowed {
		t.Error("independent key should be allowed")
	}
	client.Del(ctx, DefaultRedisRateLimitPrefix+key+"-other")
}

func TestRedisRateLimitStore_FailsOpen(t *testing.T) {
	// Nothing listens on this port.
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond, MaxRetries: -1})
	defer client.Close()

	metrics := NewMetrics()
	store := NewRedisRateLimitStore(client, metrics, nil)
	allowed, remaining, _ := store.Allow(context.Background(), "k", RateLimitConfig{RequestsPerWindow: 5, WindowDuration: time.Minute})
	if !allowed || remaining != 5 {
		t.Errorf("Allow() = (%v, %d), want fail-open (true, 5)", allowed, remaining)
	}

	m := &dto.Metric{}
	if err := metrics.rateLimitRedisErrors.Write(m); err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	if m.GetCounter().GetValue() != 1 {
		t.Errorf("redis error counter = %v, want 1", m.GetCounter().GetValue())
	}
}
