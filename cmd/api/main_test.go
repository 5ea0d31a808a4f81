package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	appconfig "github.com/wolfman30/shadow-review/internal/config"
	"github.com/wolfman30/shadow-review/pkg/logging"
)

func testConfig() *appconfig.Config {
	return &appconfig.Config{
		StoreBackend:       appconfig.StoreMemory,
		RAGBaseURL:         "http://rag.invalid",
		GenerationTimeout:  time.Second,
		GenerationLeaseTTL: 5 * time.Second,
		ReaperInterval:     time.Hour,
		SupportedVersions:  []string{"bisq1", "bisq2"},
		AuthDisabled:       true,
		RateLimitRPS:       100,
		RateLimitBurst:     100,
	}
}

func TestSetupMetricsExposesReviewMetrics(t *testing.T) {
	handler, m := setupMetrics()
	if handler == nil || m == nil {
		t.Fatalf("expected non-nil handler and metrics")
	}

	m.ObserveItemCreated("api")

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "shadow_review_items_created_total") {
		t.Fatalf("expected items created counter to be exported")
	}
	if !strings.Contains(body, "go_goroutines") {
		t.Fatalf("expected go runtime collector to be registered")
	}
}

func TestBuildApplicationRequiresSecret(t *testing.T) {
	cfg := testConfig()
	cfg.AuthDisabled = false
	if _, err := buildApplication(context.Background(), cfg, logging.New("error")); err == nil {
		t.Fatalf("expected error without ADMIN_JWT_SECRET")
	}
}

func TestBuildApplicationRequiresRAG(t *testing.T) {
	cfg := testConfig()
	cfg.RAGBaseURL = ""
	if _, err := buildApplication(context.Background(), cfg, logging.New("error")); err == nil {
		t.Fatalf("expected error without RAG_BASE_URL")
	}
}

func TestBuildApplicationServesQueue(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig()
	cfg.RedisAddr = mr.Addr()

	app, err := buildApplication(context.Background(), cfg, logging.New("error"))
	if err != nil {
		t.Fatalf("build application: %v", err)
	}
	defer app.close()

	rr := httptest.NewRecorder()
	app.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected healthy, got %d: %s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), "redis") {
		t.Fatalf("expected redis check in health output: %s", rr.Body.String())
	}

	body := `{"channel_id":"support","user_id":"u1","messages":[{"role":"user","content":"How do I open a trade?"}],"detected_version":"bisq2","version_confidence":0.9}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/items", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr = httptest.NewRecorder()
	app.handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	app.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected stats 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"pending_version_review":1`) {
		t.Fatalf("expected one pending item in stats: %s", rr.Body.String())
	}
}

func TestRunBackgroundStopsOnCancel(t *testing.T) {
	app, err := buildApplication(context.Background(), testConfig(), logging.New("error"))
	if err != nil {
		t.Fatalf("build application: %v", err)
	}
	defer app.close()

	ctx, cancel := context.WithCancel(context.Background())
	wg := app.runBackground(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("background tasks did not stop")
	}
}
