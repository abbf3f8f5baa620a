package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every runtime knob for the voicegate process. Values are
// loaded from VOICEGATE_* environment variables with sane defaults; only the
// OpenAI API key is strictly required to boot.
type Config struct {
	Addr string

	// PublicBaseURL is the externally reachable base URL of this process
	// (e.g. https://voice.example.org). Twilio fetches webhook documents from
	// it, so call transfers cannot work without it.
	PublicBaseURL string

	// Realtime model upstream.
	OpenAIAPIKey        string
	RealtimeBaseURL     string
	RealtimeModel       string
	RealtimeVoice       string
	Instructions        string
	ModelConnectTimeout time.Duration

	// Twilio call control (transfers). Optional: audio relay works without
	// credentials, transfers fail fast.
	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioAPIBaseURL string

	// Postgres directory + conversation log. Optional: without a database the
	// process runs with an empty directory and in-memory conversations only.
	DatabaseURL   string
	RunMigrations bool

	// Conversation registry staleness sweep.
	SweepInterval      time.Duration
	MaxConversationAge time.Duration

	// WebSocket plumbing shared by both socket sides.
	WSWriteTimeout    time.Duration
	WSPingInterval    time.Duration
	WSReadLimitBytes  int64
	OutboundQueueSize int

	// Transfer destination fallbacks.
	MainHospitalNumber  string
	EmergencyMainNumber string
	EmergencyNumbers    map[string]string

	// Operational defaults.
	ReadHeaderTimeout   time.Duration
	ReadTimeout         time.Duration
	ShutdownGracePeriod time.Duration
}

const defaultInstructions = "You are a warm, efficient hospital receptionist on a live phone call. " +
	"Greet the caller, answer questions about departments, doctors, timings and visiting hours using your tools, " +
	"and keep answers short enough to speak aloud. If the caller describes a medical emergency, call the " +
	"emergency_protocol tool immediately. If you cannot help, offer to transfer to a human operator. " +
	"Never invent doctors, departments or phone numbers."

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:          envOr("VOICEGATE_ADDR", ":8080"),
		PublicBaseURL: strings.TrimRight(envOr("VOICEGATE_PUBLIC_BASE_URL", ""), "/"),

		OpenAIAPIKey:        envOr("VOICEGATE_OPENAI_API_KEY", os.Getenv("OPENAI_API_KEY")),
		RealtimeBaseURL:     envOr("VOICEGATE_REALTIME_URL", "wss://api.openai.com/v1/realtime"),
		RealtimeModel:       envOr("VOICEGATE_REALTIME_MODEL", "gpt-4o-realtime-preview"),
		RealtimeVoice:       envOr("VOICEGATE_REALTIME_VOICE", "alloy"),
		Instructions:        envOr("VOICEGATE_INSTRUCTIONS", defaultInstructions),
		ModelConnectTimeout: envDurationOr("VOICEGATE_MODEL_CONNECT_TIMEOUT", 15*time.Second),

		TwilioAccountSID: envOr("VOICEGATE_TWILIO_ACCOUNT_SID", os.Getenv("TWILIO_ACCOUNT_SID")),
		TwilioAuthToken:  envOr("VOICEGATE_TWILIO_AUTH_TOKEN", os.Getenv("TWILIO_AUTH_TOKEN")),
		TwilioAPIBaseURL: envOr("VOICEGATE_TWILIO_API_BASE_URL", "https://api.twilio.com/2010-04-01"),

		DatabaseURL:   envOr("VOICEGATE_DATABASE_URL", os.Getenv("DATABASE_URL")),
		RunMigrations: envBoolOr("VOICEGATE_RUN_MIGRATIONS", true),

		SweepInterval:      envDurationOr("VOICEGATE_SWEEP_INTERVAL", 5*time.Minute),
		MaxConversationAge: envDurationOr("VOICEGATE_MAX_CONVERSATION_AGE", 30*time.Minute),

		WSWriteTimeout:    envDurationOr("VOICEGATE_WS_WRITE_TIMEOUT", 5*time.Second),
		WSPingInterval:    envDurationOr("VOICEGATE_WS_PING_INTERVAL", 20*time.Second),
		WSReadLimitBytes:  envInt64Or("VOICEGATE_WS_READ_LIMIT_BYTES", 1<<20),
		OutboundQueueSize: envIntOr("VOICEGATE_OUTBOUND_QUEUE_SIZE", 128),

		MainHospitalNumber:  envOr("VOICEGATE_MAIN_NUMBER", "+911140001000"),
		EmergencyMainNumber: envOr("VOICEGATE_EMERGENCY_NUMBER", "+911140001911"),
		EmergencyNumbers: map[string]string{
			"cardiac":   envOr("VOICEGATE_EMERGENCY_NUMBER_CARDIAC", "+911140001901"),
			"trauma":    envOr("VOICEGATE_EMERGENCY_NUMBER_TRAUMA", "+911140001902"),
			"ambulance": envOr("VOICEGATE_EMERGENCY_NUMBER_AMBULANCE", "+911140001903"),
		},

		ReadHeaderTimeout:   envDurationOr("VOICEGATE_READ_HEADER_TIMEOUT", 10*time.Second),
		ReadTimeout:         envDurationOr("VOICEGATE_READ_TIMEOUT", 0),
		ShutdownGracePeriod: envDurationOr("VOICEGATE_SHUTDOWN_GRACE", 20*time.Second),
	}

	if strings.TrimSpace(cfg.OpenAIAPIKey) == "" {
		return Config{}, fmt.Errorf("VOICEGATE_OPENAI_API_KEY is required")
	}
	if cfg.PublicBaseURL != "" {
		if _, err := url.Parse(cfg.PublicBaseURL); err != nil {
			return Config{}, fmt.Errorf("invalid VOICEGATE_PUBLIC_BASE_URL: %w", err)
		}
	}
	if cfg.SweepInterval <= 0 {
		return Config{}, fmt.Errorf("VOICEGATE_SWEEP_INTERVAL must be > 0")
	}
	if cfg.MaxConversationAge <= 0 {
		return Config{}, fmt.Errorf("VOICEGATE_MAX_CONVERSATION_AGE must be > 0")
	}
	return cfg, nil
}

// TransferConfigured reports whether outbound call redirects can be attempted
// at all. Audio relay does not depend on this.
func (c Config) TransferConfigured() bool {
	return strings.TrimSpace(c.TwilioAccountSID) != "" &&
		strings.TrimSpace(c.TwilioAuthToken) != "" &&
		strings.TrimSpace(c.PublicBaseURL) != ""
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}
