package handlers

import (
	"net/http"
	"strings"

	"github.com/evara-health/voicegate/pkg/convo"
	"github.com/evara-health/voicegate/pkg/gateway/config"
	"github.com/evara-health/voicegate/pkg/gateway/lifecycle"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// ReadyHandler reports whether the process can take new calls. It fails
// during drain and when configuration is unusable; optional subsystems
// (transfers, database) are reported but do not fail readiness.
type ReadyHandler struct {
	Config    config.Config
	Lifecycle *lifecycle.Lifecycle
	Registry  *convo.Registry
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK                  bool     `json:"ok"`
		Draining            bool     `json:"draining"`
		TransferEnabled     bool     `json:"transfer_enabled"`
		DatabaseEnabled     bool     `json:"database_enabled"`
		ActiveConversations int      `json:"active_conversations"`
		Issues              []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 4)
	if strings.TrimSpace(h.Config.OpenAIAPIKey) == "" {
		issues = append(issues, "openai api key not configured")
	}
	if h.Config.SweepInterval <= 0 {
		issues = append(issues, "sweep interval must be > 0")
	}
	if h.Config.MaxConversationAge <= 0 {
		issues = append(issues, "max conversation age must be > 0")
	}
	if h.Config.WSWriteTimeout <= 0 || h.Config.WSPingInterval <= 0 {
		issues = append(issues, "websocket timeouts must be > 0")
	}

	draining := h.Lifecycle.IsDraining()
	ok := len(issues) == 0 && !draining
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}

	active := 0
	if h.Registry != nil {
		active = h.Registry.Count()
	}
	writeJSON(w, status, readyResp{
		OK:                  ok,
		Draining:            draining,
		TransferEnabled:     h.Config.TransferConfigured(),
		DatabaseEnabled:     strings.TrimSpace(h.Config.DatabaseURL) != "",
		ActiveConversations: active,
		Issues:              issues,
	})
}
