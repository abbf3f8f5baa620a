// Package convo holds the in-memory record of one live call or web voice
// session, and the process-wide registry that owns those records.
package convo

import (
	"strings"
	"sync"
	"time"
)

type Channel string

const (
	ChannelPhone Channel = "phone"
	ChannelWeb   Channel = "web"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusTimeout   Status = "timeout"
)

type Message struct {
	Role    string
	Content string
	At      time.Time
}

type FunctionCall struct {
	Name      string
	Arguments string
	Success   bool
	Message   string
	At        time.Time
}

const (
	TransferKindEmergency = "emergency"
	TransferKindOperator  = "operator"
)

type Transfer struct {
	Kind        string
	Destination string
	Department  string
	At          time.Time
}

// Conversation is the mutable per-call record. It is written to by the bridge
// goroutines and read by HTTP stats handlers and the sweeper, so every access
// goes through the mutex. The bridge holds a reference to its Conversation;
// the Conversation never references the bridge back.
type Conversation struct {
	mu sync.Mutex

	callSID     string
	sessionID   string
	callerPhone string
	channel     Channel
	startedAt   time.Time

	messages      []Message
	functionCalls []FunctionCall
	transfers     []Transfer
	language      string

	ended   bool
	status  Status
	storeID string
}

// Stats is a point-in-time snapshot exposed to the HTTP surface.
type Stats struct {
	Key               string  `json:"key"`
	CallSID           string  `json:"call_sid,omitempty"`
	SessionID         string  `json:"session_id,omitempty"`
	Channel           Channel `json:"channel"`
	DurationSeconds   int64   `json:"duration_seconds"`
	MessageCount      int     `json:"message_count"`
	FunctionCallCount int     `json:"function_call_count"`
	TransferCount     int     `json:"transfer_count"`
	EmergencyCount    int     `json:"emergency_count"`
	Language          string  `json:"language,omitempty"`
}

// Key returns the canonical registry key: the call SID when known, otherwise
// the session ID.
func (c *Conversation) Key() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keyLocked()
}

func (c *Conversation) keyLocked() string {
	if c.callSID != "" {
		return c.callSID
	}
	return c.sessionID
}

func (c *Conversation) CallSID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callSID
}

func (c *Conversation) CallerPhone() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callerPhone
}

func (c *Conversation) Channel() Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channel
}

func (c *Conversation) StartedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startedAt
}

// SetCallIdentity fills in the call SID and caller phone once the telephony
// stream start event reveals them. Existing non-empty values win.
func (c *Conversation) SetCallIdentity(callSID, callerPhone string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.callSID == "" && strings.TrimSpace(callSID) != "" {
		c.callSID = strings.TrimSpace(callSID)
	}
	if c.callerPhone == "" && strings.TrimSpace(callerPhone) != "" {
		c.callerPhone = strings.TrimSpace(callerPhone)
	}
}

func (c *Conversation) AddUserMessage(text string, at time.Time) {
	c.addMessage("user", text, at)
}

func (c *Conversation) AddAssistantMessage(text string, at time.Time) {
	c.addMessage("assistant", text, at)
}

func (c *Conversation) addMessage(role, text string, at time.Time) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, Message{Role: role, Content: text, At: at})
}

func (c *Conversation) LogFunctionCall(call FunctionCall) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.functionCalls = append(c.functionCalls, call)
}

func (c *Conversation) LogTransfer(t Transfer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transfers = append(c.transfers, t)
}

func (c *Conversation) SetLanguage(lang string) {
	lang = strings.TrimSpace(lang)
	if lang == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.language = lang
}

func (c *Conversation) Language() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.language
}

// SetStoreID records the external store's row identifier. It is set at most
// once; later calls are ignored.
func (c *Conversation) SetStoreID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.storeID == "" {
		c.storeID = id
	}
}

func (c *Conversation) StoreID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.storeID
}

// MarkEnded transitions the record to its terminal state. Only the first call
// wins; it returns false when the record was already ended.
func (c *Conversation) MarkEnded(status Status) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return false
	}
	c.ended = true
	c.status = status
	return true
}

func (c *Conversation) Ended() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ended
}

func (c *Conversation) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

func (c *Conversation) StatsAt(now time.Time) Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	emergencies := 0
	for _, t := range c.transfers {
		if t.Kind == TransferKindEmergency {
			emergencies++
		}
	}
	return Stats{
		Key:               c.keyLocked(),
		CallSID:           c.callSID,
		SessionID:         c.sessionID,
		Channel:           c.channel,
		DurationSeconds:   int64(now.Sub(c.startedAt).Seconds()),
		MessageCount:      len(c.messages),
		FunctionCallCount: len(c.functionCalls),
		TransferCount:     len(c.transfers),
		EmergencyCount:    emergencies,
		Language:          c.language,
	}
}
