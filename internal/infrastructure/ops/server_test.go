package ops

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tpsl_engine/internal/core"
	"tpsl_engine/pkg/logging"
)

type stubHealth struct {
	status map[string]string
}

func (s *stubHealth) Register(component string, check func() error) {}

func (s *stubHealth) GetStatus() map[string]string { return s.status }

func (s *stubHealth) IsHealthy() bool {
	for _, v := range s.status {
		if v != "Healthy" {
			return false
		}
	}
	return true
}

func newTestServer(t *testing.T, health core.IHealthRegistry, counters func() core.Counters) *Server {
	t.Helper()
	logger, _ := logging.NewZapLogger("DEBUG")
	return NewServer(Options{
		Port:          0,
		Logger:        logger,
		Health:        health,
		Counters:      counters,
		ExecutionMode: func() bool { return true },
	})
}

func TestHandleHealth_AllPassing(t *testing.T) {
	s := newTestServer(t, &stubHealth{status: map[string]string{
		"cache_main": "Healthy",
		"store":      "Healthy",
	}}, nil)

	rec := httptest.NewRecorder()
	s.handleHealth(rec, httptest.NewRequest("GET", "/health", nil))

	if rec.Code != 200 {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected application/json, got %s", ct)
	}

	var body struct {
		Status     string            `json:"status"`
		Components map[string]string `json:"components"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Invalid JSON body: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("Expected status ok, got %s", body.Status)
	}
	if body.Components["store"] != "Healthy" {
		t.Errorf("Expected store Healthy, got %s", body.Components["store"])
	}
}

func TestHandleHealth_FailingCheckReturns503(t *testing.T) {
	s := newTestServer(t, &stubHealth{status: map[string]string{
		"cache_main":   "Healthy",
		"price_stream": "Unhealthy: price stream disconnected",
	}}, nil)

	rec := httptest.NewRecorder()
	s.handleHealth(rec, httptest.NewRequest("GET", "/health", nil))

	if rec.Code != 503 {
		t.Fatalf("Expected 503, got %d", rec.Code)
	}

	var body struct {
		Status     string            `json:"status"`
		Components map[string]string `json:"components"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Invalid JSON body: %v", err)
	}
	if body.Status != "unhealthy" {
		t.Errorf("Expected status unhealthy, got %s", body.Status)
	}
	if body.Components["price_stream"] != "Unhealthy: price stream disconnected" {
		t.Errorf("Unexpected verdict %s", body.Components["price_stream"])
	}
}

func TestHandleStatus_RendersCounters(t *testing.T) {
	counters := func() core.Counters {
		return core.Counters{
			TotalTrades: 12,
			TotalWins:   9,
			TotalLosses: 3,
			GrossProfit: decimal.RequireFromString("431.20"),
			GrossLoss:   decimal.RequireFromString("88.05"),
		}
	}
	s := newTestServer(t, &stubHealth{}, counters)

	rec := httptest.NewRecorder()
	s.handleStatus(rec, httptest.NewRequest("GET", "/status", nil))

	if rec.Code != 200 {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	var body struct {
		Uptime        string `json:"uptime"`
		ExecutionMode bool   `json:"execution_mode"`
		Counters      struct {
			TotalTrades int64  `json:"total_trades"`
			TotalWins   int64  `json:"total_wins"`
			TotalLosses int64  `json:"total_losses"`
			GrossProfit string `json:"gross_profit"`
			GrossLoss   string `json:"gross_loss"`
		} `json:"counters"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Invalid JSON body: %v", err)
	}
	if body.Counters.TotalTrades != 12 || body.Counters.TotalWins != 9 {
		t.Errorf("Unexpected counters %+v", body.Counters)
	}
	if body.Counters.GrossProfit != "431.2" {
		t.Errorf("Expected gross_profit 431.2, got %s", body.Counters.GrossProfit)
	}
	if !body.ExecutionMode {
		t.Error("Expected execution_mode true")
	}
	if body.Uptime == "" {
		t.Error("Expected an uptime string")
	}
}

func TestServer_StartStop(t *testing.T) {
	s := newTestServer(t, &stubHealth{}, nil)
	s.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
}
