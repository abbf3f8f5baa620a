package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/evara-health/voicegate/pkg/bridge/realtime"
	"github.com/evara-health/voicegate/pkg/convo"
	"github.com/evara-health/voicegate/pkg/dispatch"
	"github.com/evara-health/voicegate/pkg/transfer"
)

// State is the bridge lifecycle. Transitions only move forward.
type State int32

const (
	StateInitializing State = iota
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ModelConn is the live model socket as the bridge uses it. *realtime.Conn
// satisfies it; tests substitute fakes.
type ModelConn interface {
	ReadMessage() ([]byte, error)
	SendSessionUpdate(session realtime.SessionConfig) error
	SendAudioAppend(audioB64 string) error
	SendUserText(text string) error
	SendFunctionResult(callID, outputJSON string) error
	SendResponseCreate() error
	Close() error
}

// ModelDialer opens the model socket. Injected so bridges are testable
// without a network.
type ModelDialer func(ctx context.Context) (ModelConn, error)

// TelephonyConn is the caller-side socket. *websocket.Conn satisfies it.
type TelephonyConn interface {
	ReadMessage() (messageType int, data []byte, err error)
	SetReadLimit(limit int64)
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

type Config struct {
	// Session is the model session configuration sent before any audio.
	Session realtime.SessionConfig

	// Greeting, when set, is injected as a synthetic user turn so the
	// assistant speaks first.
	Greeting string

	WriteTimeout      time.Duration
	PingInterval      time.Duration
	ReadLimitBytes    int64
	OutboundQueueSize int
}

type Dependencies struct {
	Telephony    TelephonyConn
	DialModel    ModelDialer
	Conversation *convo.Conversation
	Registry     *convo.Registry
	Functions    *dispatch.Table
	Transfers    *transfer.Executor
	Resolver     transfer.Resolver
	Logger       *slog.Logger
	Now          func() time.Time
}

// Bridge relays one call. It owns the telephony read loop (on the caller's
// goroutine via Run), a model read loop, and the serialized telephony writer.
// All audio relay is lossy: a chunk that cannot be forwarded right now is
// dropped, never queued beyond the outbound buffer.
type Bridge struct {
	cfg  Config
	deps Dependencies

	ctx    context.Context
	cancel context.CancelFunc

	state     atomic.Int32
	modelOpen atomic.Bool

	mu        sync.Mutex
	model     ModelConn
	streamSID string

	outbound  chan []byte
	closeOnce sync.Once

	warnedNoModel   atomic.Bool
	warnedNoStream  atomic.Bool
	warnedBackpress atomic.Bool
	loggedFirstIn   atomic.Bool
	loggedFirstOut  atomic.Bool
}

func New(ctx context.Context, cfg Config, deps Dependencies) (*Bridge, error) {
	if deps.Telephony == nil {
		return nil, fmt.Errorf("bridge: telephony connection is required")
	}
	if deps.DialModel == nil {
		return nil, fmt.Errorf("bridge: model dialer is required")
	}
	if deps.Conversation == nil {
		return nil, fmt.Errorf("bridge: conversation is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("bridge: registry is required")
	}
	if deps.Functions == nil {
		return nil, fmt.Errorf("bridge: function table is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 20 * time.Second
	}
	if cfg.ReadLimitBytes <= 0 {
		cfg.ReadLimitBytes = 1 << 20
	}
	if cfg.OutboundQueueSize <= 0 {
		cfg.OutboundQueueSize = 64
	}
	if ctx == nil {
		ctx = context.Background()
	}
	bctx, cancel := context.WithCancel(ctx)
	return &Bridge{
		cfg:      cfg,
		deps:     deps,
		ctx:      bctx,
		cancel:   cancel,
		outbound: make(chan []byte, cfg.OutboundQueueSize),
	}, nil
}

func (b *Bridge) State() State {
	return State(b.state.Load())
}

// Cancel requests teardown without blocking. The registry's sweeper and
// process shutdown use it; actual cleanup happens on the bridge's own
// goroutines once the sockets unblock.
func (b *Bridge) Cancel() {
	b.cancel()
}

// Run drives the call to completion and returns once both sockets are closed
// and the conversation is deregistered. The caller owns the telephony socket;
// Run closes it as part of teardown.
func (b *Bridge) Run() error {
	conv := b.deps.Conversation
	key := conv.Key()
	logger := b.deps.Logger

	b.deps.Registry.AttachHandle(key, b.Cancel)
	b.deps.Telephony.SetReadLimit(b.cfg.ReadLimitBytes)

	model, err := b.deps.DialModel(b.ctx)
	if err != nil {
		logger.Error("model dial failed", "key", key, "error", err)
		b.teardown(convo.StatusFailed)
		return fmt.Errorf("bridge: dial model: %w", err)
	}
	b.mu.Lock()
	b.model = model
	b.mu.Unlock()

	if err := b.configureModel(model); err != nil {
		logger.Error("model session setup failed", "key", key, "error", err)
		b.teardown(convo.StatusFailed)
		return fmt.Errorf("bridge: configure model: %w", err)
	}
	b.state.Store(int32(StateActive))
	logger.Info("bridge active", "key", key, "channel", conv.Channel())

	writer := &telephonyWriter{
		ws:           b.deps.Telephony,
		ctx:          b.ctx,
		frames:       b.outbound,
		pingInterval: b.cfg.PingInterval,
		writeTimeout: b.cfg.WriteTimeout,
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := writer.Run(); err != nil && b.ctx.Err() == nil {
			logger.Warn("telephony write failed", "key", key, "error", err)
			b.teardown(convo.StatusFailed)
		}
	}()
	go func() {
		defer wg.Done()
		b.modelReadLoop(model)
	}()

	b.telephonyReadLoop()
	b.teardown(convo.StatusCompleted)
	wg.Wait()
	return nil
}

// configureModel must finish before any caller audio is relayed: audio
// appended ahead of session.update would be transcribed with the wrong
// format and no instructions.
func (b *Bridge) configureModel(model ModelConn) error {
	if err := model.SendSessionUpdate(b.cfg.Session); err != nil {
		return fmt.Errorf("session update: %w", err)
	}
	if greeting := strings.TrimSpace(b.cfg.Greeting); greeting != "" {
		if err := model.SendUserText(greeting); err != nil {
			return fmt.Errorf("greeting turn: %w", err)
		}
		if err := model.SendResponseCreate(); err != nil {
			return fmt.Errorf("greeting response: %w", err)
		}
	}
	b.modelOpen.Store(true)
	return nil
}

func (b *Bridge) telephonyReadLoop() {
	for {
		_, data, err := b.deps.Telephony.ReadMessage()
		if err != nil {
			if b.ctx.Err() == nil {
				b.deps.Logger.Debug("telephony socket closed", "key", b.deps.Conversation.Key(), "error", err)
			}
			return
		}
		b.handleTelephonyMessage(data)
	}
}

func (b *Bridge) modelReadLoop(model ModelConn) {
	defer b.modelOpen.Store(false)
	for {
		data, err := model.ReadMessage()
		if err != nil {
			if b.ctx.Err() == nil {
				b.deps.Logger.Warn("model socket closed", "key", b.deps.Conversation.Key(), "error", err)
				b.teardown(convo.StatusFailed)
			}
			return
		}
		ev, err := realtime.DecodeServerEvent(data)
		if err != nil {
			b.deps.Logger.Warn("unreadable model frame", "error", err)
			continue
		}
		b.handleModelEvent(ev)
	}
}

func (b *Bridge) handleTelephonyMessage(data []byte) {
	ev, err := DecodeTelephonyEvent(data)
	if err != nil {
		b.deps.Logger.Warn("unreadable telephony frame", "error", err)
		return
	}
	switch ev := ev.(type) {
	case ConnectedEvent:
		b.deps.Logger.Debug("telephony stream connected", "protocol", ev.Protocol)
	case StartEvent:
		b.handleStart(ev)
	case MediaEvent:
		b.relayCallerAudio(ev.Payload)
	case MarkEvent:
		// Playback marks are not tracked.
	case StopEvent:
		b.deps.Logger.Info("telephony stream stopped", "key", b.deps.Conversation.Key(), "call_sid", ev.CallSID)
		b.teardown(convo.StatusCompleted)
	case UnknownTelephonyEvent:
		b.deps.Logger.Debug("unhandled telephony event", "event", ev.Event)
	}
}

// handleStart records the stream identity. When the start event reveals a
// call SID for a record registered under a provisional key, the registry
// entry moves to the call SID so status webhooks find it.
func (b *Bridge) handleStart(ev StartEvent) {
	conv := b.deps.Conversation
	oldKey := conv.Key()
	conv.SetCallIdentity(ev.CallSID, ev.CallerPhone)

	b.mu.Lock()
	b.streamSID = ev.StreamSID
	b.mu.Unlock()

	if newKey := conv.Key(); newKey != oldKey {
		b.deps.Registry.Rekey(oldKey, newKey)
	}
	b.deps.Logger.Info("media stream started",
		"key", conv.Key(), "stream_sid", ev.StreamSID, "call_sid", ev.CallSID)
}

// relayCallerAudio forwards one caller chunk to the model. With no open model
// socket the chunk is dropped; buffering would replay stale audio into a
// session that missed the conversational moment.
func (b *Bridge) relayCallerAudio(payloadB64 string) {
	if payloadB64 == "" {
		return
	}
	if !b.modelOpen.Load() {
		if b.warnedNoModel.CompareAndSwap(false, true) {
			b.deps.Logger.Warn("dropping caller audio, model socket not open", "key", b.deps.Conversation.Key())
		}
		return
	}
	model := b.currentModel()
	if model == nil {
		return
	}
	if err := model.SendAudioAppend(payloadB64); err != nil {
		b.deps.Logger.Warn("caller audio relay failed", "error", err)
		return
	}
	if b.loggedFirstIn.CompareAndSwap(false, true) {
		b.deps.Logger.Debug("first caller audio relayed", "key", b.deps.Conversation.Key())
	}
}

func (b *Bridge) handleModelEvent(ev any) {
	conv := b.deps.Conversation
	logger := b.deps.Logger

	switch ev := ev.(type) {
	case realtime.SessionCreated:
		logger.Debug("model session created", "session_id", ev.Session.ID)
	case realtime.SessionUpdated:
		logger.Debug("model session updated")
	case realtime.ItemCreated:
		// Item bookkeeping is the model's; transcripts arrive separately.
	case realtime.InputTranscriptionCompleted:
		conv.AddUserMessage(ev.Transcript, b.deps.Now())
		if ev.Language != "" {
			conv.SetLanguage(ev.Language)
		}
	case realtime.AudioDelta:
		b.relayAssistantAudio(ev.Delta)
	case realtime.TranscriptDone:
		conv.AddAssistantMessage(ev.Transcript, b.deps.Now())
	case realtime.FunctionCallArgumentsDone:
		b.handleFunctionCall(ev)
	case realtime.ResponseDone:
		logger.Debug("model response done")
	case realtime.ServerError:
		logger.Error("model reported error",
			"key", conv.Key(), "code", ev.Error.Code, "message", ev.Error.Message)
	case realtime.UnknownEvent:
		logger.Debug("unhandled model event", "type", ev.Type)
	}
}

// relayAssistantAudio queues one assistant chunk for the caller. Without a
// stream SID there is nowhere to address the frame; when the outbound queue
// is full the chunk is dropped rather than stalling the model read loop.
func (b *Bridge) relayAssistantAudio(deltaB64 string) {
	if deltaB64 == "" {
		return
	}
	b.mu.Lock()
	sid := b.streamSID
	b.mu.Unlock()
	if sid == "" {
		if b.warnedNoStream.CompareAndSwap(false, true) {
			b.deps.Logger.Warn("dropping assistant audio, stream not started", "key", b.deps.Conversation.Key())
		}
		return
	}
	frame, err := encodeMediaFrame(sid, deltaB64)
	if err != nil {
		b.deps.Logger.Warn("assistant audio frame encode failed", "error", err)
		return
	}
	select {
	case b.outbound <- frame:
		if b.loggedFirstOut.CompareAndSwap(false, true) {
			b.deps.Logger.Debug("first assistant audio relayed", "key", b.deps.Conversation.Key())
		}
	default:
		if b.warnedBackpress.CompareAndSwap(false, true) {
			b.deps.Logger.Warn("outbound audio queue full, dropping", "key", b.deps.Conversation.Key())
		}
	}
}

// handleFunctionCall executes one model-issued function. Transfer side
// effects run before the result goes back: once the result lands the model
// starts speaking, and the call must already be on its way to a human by
// then.
func (b *Bridge) handleFunctionCall(ev realtime.FunctionCallArgumentsDone) {
	conv := b.deps.Conversation
	logger := b.deps.Logger

	args := map[string]any{}
	if raw := strings.TrimSpace(ev.Arguments); raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			logger.Warn("function arguments not valid json", "name", ev.Name, "error", err)
			args = map[string]any{}
		}
	}
	logger.Info("function call", "key", conv.Key(), "name", ev.Name)

	res := b.deps.Functions.Dispatch(b.ctx, ev.Name, args)
	conv.LogFunctionCall(convo.FunctionCall{
		Name:      ev.Name,
		Arguments: ev.Arguments,
		Success:   res.Success,
		Message:   res.Message,
		At:        b.deps.Now(),
	})

	switch res.Action {
	case dispatch.ActionTransferEmergency:
		conv.LogTransfer(convo.Transfer{
			Kind:        convo.TransferKindEmergency,
			Destination: res.TransferTo,
			Department:  res.Department,
			At:          b.deps.Now(),
		})
		b.executeTransfer(res.TransferTo)
	case dispatch.ActionTransferOperator:
		number := b.deps.Resolver.DepartmentNumber(b.ctx, res.Department)
		conv.LogTransfer(convo.Transfer{
			Kind:        convo.TransferKindOperator,
			Destination: number,
			Department:  res.Department,
			At:          b.deps.Now(),
		})
		b.executeTransfer(number)
	}

	if b.ctx.Err() != nil {
		// Teardown raced the call; the model socket is gone or going.
		return
	}
	model := b.currentModel()
	if model == nil {
		return
	}
	out, err := json.Marshal(res)
	if err != nil {
		logger.Warn("function result marshal failed", "name", ev.Name, "error", err)
		out = []byte(`{"success":false,"message":"An internal error occurred."}`)
	}
	if err := model.SendFunctionResult(ev.CallID, string(out)); err != nil {
		logger.Warn("function result send failed", "name", ev.Name, "error", err)
		return
	}
	if err := model.SendResponseCreate(); err != nil {
		logger.Warn("response create send failed", "name", ev.Name, "error", err)
	}
}

// executeTransfer redirects the live call. A failure leaves the caller on the
// assistant line; the spoken function result still tells them what happened.
func (b *Bridge) executeTransfer(destination string) {
	callSID := b.deps.Conversation.CallSID()
	if callSID == "" {
		b.deps.Logger.Warn("transfer requested without a call sid", "destination", destination)
		return
	}
	if b.deps.Transfers == nil {
		b.deps.Logger.Error("transfer requested but no executor configured",
			"call_sid", callSID, "destination", destination)
		return
	}
	if err := b.deps.Transfers.Redirect(b.ctx, callSID, destination); err != nil {
		b.deps.Logger.Error("call transfer failed",
			"call_sid", callSID, "destination", destination, "error", err)
	}
}

func (b *Bridge) currentModel() ModelConn {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.model
}

// teardown is the single cleanup path and is safe to hit from any goroutine
// any number of times. The registry End is a no-op when the sweeper or a
// status webhook already removed the record.
func (b *Bridge) teardown(status convo.Status) {
	b.closeOnce.Do(func() {
		b.state.Store(int32(StateClosing))
		b.cancel()

		model := b.currentModel()
		if model != nil {
			_ = model.Close()
		}
		_ = b.deps.Telephony.Close()

		b.deps.Registry.End(context.Background(), b.deps.Conversation.Key(), status)
		b.state.Store(int32(StateClosed))
		b.deps.Logger.Info("bridge closed", "key", b.deps.Conversation.Key(), "status", status)
	})
}
