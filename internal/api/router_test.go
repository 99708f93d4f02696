package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func TestRouter_UnknownPath(t *testing.T) {
	srv := newTestServer(t, serverOptions{})

	tests := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/v2/anything"},
		{http.MethodGet, "/v1/templates/downtown"},
		{http.MethodGet, "/metrics"},
		{http.MethodPost, "/v1/templates/downtown/day/gold/front.png"},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rec := srv.do(t, tt.method, tt.path, nil, nil)
			expectError(t, rec, http.StatusNotFound, ErrCodeNotFound)
		})
	}
}

func TestRouter_Routes(t *testing.T) {
	srv := newTestServer(t, serverOptions{})
	for _, path := range []string{"/health", "/ready", "/v1/locations/downtown/templates"} {
		if rec := srv.do(t, http.MethodGet, path, nil, nil); rec.Code != http.StatusOK {
			t.Errorf("GET %s = %d, want 200 (body %s)", path, rec.Code, rec.Body.String())
		}
	}
}

func TestRouter_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "mockup_router_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	mux := NewRouter(RouterConfig{
		Templates: NewTemplateHandlers(TemplateHandlersConfig{}),
		Mockups:   NewMockupHandlers(MockupHandlersConfig{}),
		Health:    NewHealthHandlers(HealthHandlersConfig{}),
		Metrics:   promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "mockup_router_test_total 1") {
		t.Errorf("metrics body missing counter:\n%s", rec.Body.String())
	}
}

func TestChain_Order(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	h := chain(mw("outer"), nil, mw("inner"))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		order = append(order, "handler")
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	want := []string{"outer", "inner", "handler"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}
