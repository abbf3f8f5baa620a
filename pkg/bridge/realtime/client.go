package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const defaultConnectTimeout = 15 * time.Second

type Config struct {
	BaseURL        string
	APIKey         string
	Model          string
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
}

// Conn is a live model socket. Writes are serialized; the read side is owned
// by exactly one goroutine (the bridge's model read loop).
type Conn struct {
	ws           *websocket.Conn
	writeMu      sync.Mutex
	writeTimeout time.Duration
}

// Dial opens the realtime WebSocket and authenticates. It does not send any
// session configuration; that is the bridge's first act once open.
func Dial(ctx context.Context, cfg Config) (*Conn, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("realtime: api key is required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("realtime: model is required")
	}
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		base = "wss://api.openai.com/v1/realtime"
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("realtime: invalid base url: %w", err)
	}
	q := u.Query()
	q.Set("model", cfg.Model)
	u.RawQuery = q.Encode()

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: timeout,
		Proxy:            http.ProxyFromEnvironment,
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+cfg.APIKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	ws, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("realtime: dial %s: %w (status %d)", u.Host, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("realtime: dial %s: %w", u.Host, err)
	}

	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &Conn{ws: ws, writeTimeout: writeTimeout}, nil
}

// ReadMessage blocks for the next raw frame. An error here is a transport
// failure and ends the session; decoding is the caller's concern so that a
// malformed frame can be skipped without tearing the socket down.
func (c *Conn) ReadMessage() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (c *Conn) sendJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("realtime: marshal event: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

func (c *Conn) SendSessionUpdate(session SessionConfig) error {
	return c.sendJSON(sessionUpdateEvent{Type: "session.update", Session: session})
}

// SendAudioAppend forwards one base64 audio chunk into the model's input
// buffer. Fire-and-forget: no acknowledgement is awaited.
func (c *Conn) SendAudioAppend(audioB64 string) error {
	return c.sendJSON(audioAppendEvent{Type: "input_audio_buffer.append", Audio: audioB64})
}

// SendUserText injects a synthetic user turn, used to elicit the proactive
// greeting at session start.
func (c *Conn) SendUserText(text string) error {
	return c.sendJSON(itemCreateEvent{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:    "message",
			Role:    "user",
			Content: []contentPart{{Type: "input_text", Text: text}},
		},
	})
}

// SendFunctionResult returns a function call's output to the model. The model
// does not respond to function outputs on its own; callers must follow with
// SendResponseCreate.
func (c *Conn) SendFunctionResult(callID, outputJSON string) error {
	return c.sendJSON(itemCreateEvent{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:   "function_call_output",
			CallID: callID,
			Output: outputJSON,
		},
	})
}

func (c *Conn) SendResponseCreate() error {
	return c.sendJSON(responseCreateEvent{Type: "response.create"})
}

func (c *Conn) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.ws.Close()
}
