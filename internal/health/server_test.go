package health

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/postalsys/udpecho/internal/logging"
	"github.com/postalsys/udpecho/internal/sysinfo"
)

// mockStatsProvider implements StatsProvider for testing.
type mockStatsProvider struct {
	running bool
	stats   Stats
}

func (m *mockStatsProvider) IsRunning() bool {
	return m.running
}

func (m *mockStatsProvider) Stats() Stats {
	return m.stats
}

func serve(s *Server, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

type panickingStatsProvider struct{}

func (panickingStatsProvider) IsRunning() bool { return true }
func (panickingStatsProvider) Stats() Stats    { panic("stats unavailable") }

func TestServer_ProviderPanic(t *testing.T) {
	var logs strings.Builder
	cfg := DefaultServerConfig()
	cfg.Logger = logging.NewLoggerWithWriter("error", "text", &logs)
	s := NewServer(cfg, panickingStatsProvider{})

	rec := serve(s, http.MethodGet, "/healthz")
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected status %d, got %d", http.StatusInternalServerError, rec.Code)
	}
	if !strings.Contains(logs.String(), "stats unavailable") {
		t.Errorf("panic not logged, got %q", logs.String())
	}

	// Other endpoints keep working.
	if rec := serve(s, http.MethodGet, "/health"); rec.Code != http.StatusOK {
		t.Errorf("/health after panic: expected status %d, got %d", http.StatusOK, rec.Code)
	}
}

func TestServer_handleHealth(t *testing.T) {
	s := NewServer(DefaultServerConfig(), &mockStatsProvider{running: true})

	rec := serve(s, http.MethodGet, "/health")
	if rec.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	if body := rec.Body.String(); body != "OK\n" {
		t.Errorf("expected body 'OK\\n', got %q", body)
	}
}

func TestServer_MethodNotAllowed(t *testing.T) {
	s := NewServer(DefaultServerConfig(), &mockStatsProvider{running: true})

	for _, path := range []string{"/health", "/healthz", "/ready"} {
		rec := serve(s, http.MethodPost, path)
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("POST %s: expected status %d, got %d", path, http.StatusMethodNotAllowed, rec.Code)
		}
	}
}

func TestServer_handleHealthz_Running(t *testing.T) {
	provider := &mockStatsProvider{
		running: true,
		stats: Stats{
			LocalAddr: "0.0.0.0:20000",
			Received:  10,
			Replied:   8,
			Dropped:   1,
			Truncated: 1,
			Errors:    1,
		},
	}
	s := NewServer(DefaultServerConfig(), provider)

	rec := serve(s, http.MethodGet, "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var got struct {
		Status  string       `json:"status"`
		Running bool         `json:"running"`
		Node    sysinfo.Info `json:"node"`
		Stats
	}
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if got.Status != "healthy" || !got.Running {
		t.Errorf("status = %q running = %v, want healthy/true", got.Status, got.Running)
	}
	if got.Node.OS != runtime.GOOS || got.Node.Version == "" {
		t.Errorf("node = %+v, want os %s and a version", got.Node, runtime.GOOS)
	}
	if diff := cmp.Diff(provider.stats, got.Stats); diff != "" {
		t.Errorf("stats mismatch (-want +got):\n%s", diff)
	}
}

func TestServer_handleHealthz_NotRunning(t *testing.T) {
	s := NewServer(DefaultServerConfig(), &mockStatsProvider{running: false})

	rec := serve(s, http.MethodGet, "/healthz")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status %d, got %d", http.StatusServiceUnavailable, rec.Code)
	}
}

func TestServer_handleReady(t *testing.T) {
	tests := []struct {
		name     string
		provider StatsProvider
		code     int
		body     string
	}{
		{"ready", &mockStatsProvider{running: true}, http.StatusOK, "READY\n"},
		{"not running", &mockStatsProvider{running: false}, http.StatusServiceUnavailable, "NOT READY\n"},
		{"nil provider", nil, http.StatusServiceUnavailable, "NOT READY\n"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := NewServer(DefaultServerConfig(), tc.provider)

			rec := serve(s, http.MethodGet, "/ready")
			if rec.Code != tc.code {
				t.Errorf("expected status %d, got %d", tc.code, rec.Code)
			}
			if rec.Body.String() != tc.body {
				t.Errorf("expected body %q, got %q", tc.body, rec.Body.String())
			}
		})
	}
}

func TestServer_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "udpecho_test_total",
		Help: "test counter",
	})
	reg.MustRegister(counter)
	counter.Add(3)

	cfg := DefaultServerConfig()
	cfg.Gatherer = reg
	s := NewServer(cfg, &mockStatsProvider{running: true})

	rec := serve(s, http.MethodGet, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "udpecho_test_total 3") {
		t.Errorf("metrics output missing counter:\n%s", rec.Body.String())
	}
}

func TestServer_PprofIndex(t *testing.T) {
	s := NewServer(DefaultServerConfig(), &mockStatsProvider{running: true})

	rec := serve(s, http.MethodGet, "/debug/pprof/")
	if rec.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Error("expected non-empty body for pprof index")
	}
}

func TestServer_StartStop(t *testing.T) {
	cfg := ServerConfig{
		Address:      "127.0.0.1:0",
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	s := NewServer(cfg, &mockStatsProvider{running: true})

	if err := s.Start(); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	if !s.IsRunning() {
		t.Error("expected server to be running")
	}

	addr := s.Address()
	if addr == nil {
		t.Fatal("expected non-nil address")
	}

	var resp *http.Response
	var err error
	for i := 0; i < 10; i++ {
		resp, err = http.Get("http://" + addr.String() + "/ready")
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("request failed after retries: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK || string(body) != "READY\n" {
		t.Errorf("got %d %q, want 200 READY", resp.StatusCode, body)
	}

	if err := s.Stop(); err != nil {
		t.Errorf("failed to stop: %v", err)
	}
	if s.IsRunning() {
		t.Error("expected server to be stopped")
	}

	// Stop twice should not error
	if err := s.Stop(); err != nil {
		t.Errorf("second stop failed: %v", err)
	}
}
