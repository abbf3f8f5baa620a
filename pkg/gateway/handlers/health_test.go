package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/evara-health/voicegate/pkg/convo"
	"github.com/evara-health/voicegate/pkg/gateway/config"
	"github.com/evara-health/voicegate/pkg/gateway/lifecycle"
)

func readyConfig() config.Config {
	return config.Config{
		OpenAIAPIKey:       "sk-test",
		SweepInterval:      5 * time.Minute,
		MaxConversationAge: 30 * time.Minute,
		WSWriteTimeout:     5 * time.Second,
		WSPingInterval:     20 * time.Second,
	}
}

func TestHealthHandler(t *testing.T) {
	t.Parallel()
	rec := httptest.NewRecorder()
	HealthHandler{}.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ok\n" {
		t.Fatalf("status=%d body=%q", rec.Code, rec.Body.String())
	}
}

func TestReadyHandler_OK(t *testing.T) {
	t.Parallel()
	reg := convo.NewRegistry(convo.Options{Logger: discardLogger()})
	reg.Create(convo.CreateParams{CallSID: "CA1"})

	rec := httptest.NewRecorder()
	ReadyHandler{Config: readyConfig(), Lifecycle: &lifecycle.Lifecycle{}, Registry: reg}.
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	var resp struct {
		OK                  bool `json:"ok"`
		ActiveConversations int  `json:"active_conversations"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !resp.OK || resp.ActiveConversations != 1 {
		t.Fatalf("resp=%+v", resp)
	}
}

func TestReadyHandler_FailsWhileDraining(t *testing.T) {
	t.Parallel()
	lc := &lifecycle.Lifecycle{}
	lc.SetDraining(true)

	rec := httptest.NewRecorder()
	ReadyHandler{Config: readyConfig(), Lifecycle: lc}.
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d", rec.Code)
	}
}

func TestReadyHandler_ReportsMissingKey(t *testing.T) {
	t.Parallel()
	cfg := readyConfig()
	cfg.OpenAIAPIKey = ""

	rec := httptest.NewRecorder()
	ReadyHandler{Config: cfg, Lifecycle: &lifecycle.Lifecycle{}}.
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d", rec.Code)
	}
	var resp struct {
		Issues []string `json:"issues"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Issues) == 0 {
		t.Fatalf("expected issues, got none")
	}
}
