package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/evara-health/voicegate/pkg/bridge"
	"github.com/evara-health/voicegate/pkg/bridge/realtime"
	"github.com/evara-health/voicegate/pkg/convo"
	"github.com/evara-health/voicegate/pkg/dispatch"
	"github.com/evara-health/voicegate/pkg/gateway/config"
	"github.com/evara-health/voicegate/pkg/gateway/lifecycle"
	"github.com/evara-health/voicegate/pkg/transfer"
)

// greetingPrompt is injected as a synthetic user turn so the assistant
// speaks first instead of waiting out the caller's silence.
const greetingPrompt = "Greet the caller warmly as the hospital's virtual receptionist and ask how you can help."

// MediaStreamHandler upgrades a media-stream connection and runs one bridge
// for its lifetime. The same handler serves the telephony endpoint and the
// browser voice endpoint; only the channel and audio format differ.
type MediaStreamHandler struct {
	Config    config.Config
	Logger    *slog.Logger
	Registry  *convo.Registry
	Functions *dispatch.Table
	Transfers *transfer.Executor
	Resolver  transfer.Resolver
	Lifecycle *lifecycle.Lifecycle
	Channel   convo.Channel

	// DialModel overrides the realtime dial, for tests.
	DialModel bridge.ModelDialer
}

func (h MediaStreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.Lifecycle.IsDraining() {
		http.Error(w, "draining", http.StatusServiceUnavailable)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	channel := h.Channel
	if channel == "" {
		channel = convo.ChannelPhone
	}
	conv := h.Registry.Create(convo.CreateParams{Channel: channel})

	// The bridge outlives the request context once the socket is hijacked;
	// shutdown reaches it through the registry's cancel handles.
	b, err := bridge.New(context.Background(), bridge.Config{
		Session:           h.sessionConfig(channel),
		Greeting:          greetingPrompt,
		WriteTimeout:      h.Config.WSWriteTimeout,
		PingInterval:      h.Config.WSPingInterval,
		ReadLimitBytes:    h.Config.WSReadLimitBytes,
		OutboundQueueSize: h.Config.OutboundQueueSize,
	}, bridge.Dependencies{
		Telephony:    conn,
		DialModel:    h.dialModel(),
		Conversation: conv,
		Registry:     h.Registry,
		Functions:    h.Functions,
		Transfers:    h.Transfers,
		Resolver:     h.Resolver,
		Logger:       h.Logger,
	})
	if err != nil {
		if h.Logger != nil {
			h.Logger.Error("bridge init failed", "key", conv.Key(), "error", err)
		}
		h.Registry.End(r.Context(), conv.Key(), convo.StatusFailed)
		return
	}
	if err := b.Run(); err != nil && h.Logger != nil {
		h.Logger.Warn("bridge ended with error", "key", conv.Key(), "error", err)
	}
}

func (h MediaStreamHandler) sessionConfig(channel convo.Channel) realtime.SessionConfig {
	// Telephony delivers g711 ulaw; browsers send pcm16.
	format := "g711_ulaw"
	if channel == convo.ChannelWeb {
		format = "pcm16"
	}
	defs := dispatch.Definitions()
	tools := make([]realtime.Tool, 0, len(defs))
	for _, def := range defs {
		tools = append(tools, realtime.Tool{
			Type:        "function",
			Name:        def.Name,
			Description: def.Description,
			Parameters:  def.Parameters,
		})
	}
	return realtime.SessionConfig{
		Modalities:              []string{"text", "audio"},
		Voice:                   h.Config.RealtimeVoice,
		Instructions:            h.Config.Instructions,
		InputAudioFormat:        format,
		OutputAudioFormat:       format,
		InputAudioTranscription: &realtime.AudioTranscription{Model: "whisper-1"},
		TurnDetection:           &realtime.TurnDetection{Type: "server_vad"},
		Tools:                   tools,
		Temperature:             0.7,
	}
}

func (h MediaStreamHandler) dialModel() bridge.ModelDialer {
	if h.DialModel != nil {
		return h.DialModel
	}
	cfg := h.Config
	return func(ctx context.Context) (bridge.ModelConn, error) {
		conn, err := realtime.Dial(ctx, realtime.Config{
			BaseURL:        cfg.RealtimeBaseURL,
			APIKey:         cfg.OpenAIAPIKey,
			Model:          cfg.RealtimeModel,
			ConnectTimeout: cfg.ModelConnectTimeout,
			WriteTimeout:   cfg.WSWriteTimeout,
		})
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}
