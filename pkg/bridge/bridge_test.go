package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/evara-health/voicegate/pkg/bridge/realtime"
	"github.com/evara-health/voicegate/pkg/convo"
	"github.com/evara-health/voicegate/pkg/dispatch"
	"github.com/evara-health/voicegate/pkg/transfer"
)

// eventLog records cross-component ordering for side-effect assertions.
type eventLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *eventLog) add(entry string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
}

func (l *eventLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.entries))
	copy(out, l.entries)
	return out
}

type fakeModel struct {
	log *eventLog

	mu             sync.Mutex
	audio          []string
	texts          []string
	sessionUpdates int
	results        []string
	closed         bool

	readCh    chan []byte
	closeOnce sync.Once
}

func newFakeModel(log *eventLog) *fakeModel {
	return &fakeModel{log: log, readCh: make(chan []byte, 16)}
}

func (m *fakeModel) ReadMessage() ([]byte, error) {
	data, ok := <-m.readCh
	if !ok {
		return nil, io.EOF
	}
	return data, nil
}

func (m *fakeModel) SendSessionUpdate(session realtime.SessionConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessionUpdates++
	return nil
}

func (m *fakeModel) SendAudioAppend(audioB64 string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audio = append(m.audio, audioB64)
	return nil
}

func (m *fakeModel) SendUserText(text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.texts = append(m.texts, text)
	return nil
}

func (m *fakeModel) SendFunctionResult(callID, outputJSON string) error {
	m.mu.Lock()
	m.results = append(m.results, outputJSON)
	m.mu.Unlock()
	if m.log != nil {
		m.log.add("function_result")
	}
	return nil
}

func (m *fakeModel) SendResponseCreate() error {
	if m.log != nil {
		m.log.add("response_create")
	}
	return nil
}

func (m *fakeModel) Close() error {
	m.closeOnce.Do(func() { close(m.readCh) })
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *fakeModel) audioReceived() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.audio))
	copy(out, m.audio)
	return out
}

func (m *fakeModel) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

type fakeSocket struct {
	inbound   chan []byte
	closeOnce sync.Once

	mu      sync.Mutex
	written [][]byte
	closed  bool
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{inbound: make(chan []byte, 16)}
}

func (s *fakeSocket) push(frame string) {
	s.inbound <- []byte(frame)
}

func (s *fakeSocket) ReadMessage() (int, []byte, error) {
	data, ok := <-s.inbound
	if !ok {
		return 0, nil, errors.New("socket closed")
	}
	return 1, data, nil
}

func (s *fakeSocket) SetReadLimit(limit int64)            {}
func (s *fakeSocket) SetWriteDeadline(t time.Time) error  { return nil }
func (s *fakeSocket) WriteControl(mt int, data []byte, deadline time.Time) error {
	return nil
}

func (s *fakeSocket) WriteMessage(mt int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.written = append(s.written, data)
	return nil
}

func (s *fakeSocket) Close() error {
	s.closeOnce.Do(func() { close(s.inbound) })
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSocket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fixture struct {
	bridge *Bridge
	model  *fakeModel
	sock   *fakeSocket
	reg    *convo.Registry
	conv   *convo.Conversation
	log    *eventLog
}

type fixtureOptions struct {
	callSID     string
	transferURL string
	dialErr     error
	log         *eventLog
}

func newFixture(t *testing.T, opts fixtureOptions) *fixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	log := opts.log
	if log == nil {
		log = &eventLog{}
	}
	model := newFakeModel(log)
	sock := newFakeSocket()

	reg := convo.NewRegistry(convo.Options{Logger: logger})
	conv := reg.Create(convo.CreateParams{CallSID: opts.callSID, Channel: convo.ChannelPhone})

	table, err := dispatch.New(dispatch.Config{
		Emergency: dispatch.EmergencyRoutes{
			ByType: map[string]string{"cardiac": "+911140001901"},
			Main:   "+911140001911",
		},
		Logger: logger,
	})
	if err != nil {
		t.Fatalf("dispatch table: %v", err)
	}

	var executor *transfer.Executor
	if opts.transferURL != "" {
		executor = &transfer.Executor{
			AccountSID:    "AC_test",
			AuthToken:     "token",
			APIBaseURL:    opts.transferURL,
			PublicBaseURL: "https://voicegate.example.com",
			Logger:        logger,
		}
	}

	b, err := New(context.Background(), Config{Greeting: "Hello! How can I help you today?"}, Dependencies{
		Telephony:    sock,
		DialModel: func(ctx context.Context) (ModelConn, error) {
			if opts.dialErr != nil {
				return nil, opts.dialErr
			}
			return model, nil
		},
		Conversation: conv,
		Registry:     reg,
		Functions:    table,
		Transfers:    executor,
		Resolver: transfer.Resolver{
			Keywords:   map[string]string{"cardiac": "+911140001901"},
			MainNumber: "+911140001000",
			Logger:     logger,
		},
		Logger: logger,
	})
	if err != nil {
		t.Fatalf("new bridge: %v", err)
	}
	return &fixture{bridge: b, model: model, sock: sock, reg: reg, conv: conv, log: log}
}

// attachModel puts a bridge into its post-dial state for tests that drive
// handlers directly instead of running the loops.
func (fx *fixture) attachModel() {
	fx.bridge.mu.Lock()
	fx.bridge.model = fx.model
	fx.bridge.mu.Unlock()
	fx.bridge.modelOpen.Store(true)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

const startFrameC1 = `{"event":"start","streamSid":"S1","start":{"streamSid":"S1","customParameters":{"callSid":"C1","phoneNumber":"+911234567890"}}}`

func TestBridge_StartThenMediaRelaysToModel(t *testing.T) {
	fx := newFixture(t, fixtureOptions{})
	provisionalKey := fx.conv.Key()
	if !strings.HasPrefix(provisionalKey, "ws_") {
		t.Fatalf("provisional key=%q, want generated session id", provisionalKey)
	}

	done := make(chan error, 1)
	go func() { done <- fx.bridge.Run() }()

	fx.sock.push(`{"event":"connected","protocol":"Call"}`)
	fx.sock.push(startFrameC1)
	fx.sock.push(`{"event":"media","media":{"payload":"AAAA"}}`)

	waitFor(t, "caller audio at model", func() bool {
		for _, a := range fx.model.audioReceived() {
			if a == "AAAA" {
				return true
			}
		}
		return false
	})

	if got := fx.conv.CallSID(); got != "C1" {
		t.Fatalf("call sid=%q, want C1", got)
	}
	if _, ok := fx.reg.Get("C1"); !ok {
		t.Fatalf("conversation not registered under call sid")
	}
	if _, ok := fx.reg.Get(provisionalKey); ok {
		t.Fatalf("provisional key still registered after rekey")
	}

	fx.model.mu.Lock()
	updates, texts := fx.model.sessionUpdates, len(fx.model.texts)
	fx.model.mu.Unlock()
	if updates != 1 || texts != 1 {
		t.Fatalf("sessionUpdates=%d texts=%d, want 1 and 1", updates, texts)
	}

	// Caller hangs up.
	fx.sock.Close()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if fx.reg.Count() != 0 {
		t.Fatalf("registry count=%d after teardown", fx.reg.Count())
	}
	if !fx.model.isClosed() {
		t.Fatalf("model socket not closed on teardown")
	}
	if fx.bridge.State() != StateClosed {
		t.Fatalf("state=%v, want closed", fx.bridge.State())
	}
}

func TestBridge_MediaBeforeModelOpenIsDropped(t *testing.T) {
	fx := newFixture(t, fixtureOptions{})
	fx.bridge.handleTelephonyMessage([]byte(`{"event":"media","media":{"payload":"AAAA"}}`))
	if got := fx.model.audioReceived(); len(got) != 0 {
		t.Fatalf("audio=%v, want none before the model socket opens", got)
	}
}

func TestBridge_AssistantAudioRequiresStream(t *testing.T) {
	fx := newFixture(t, fixtureOptions{})
	fx.attachModel()

	fx.bridge.handleModelEvent(realtime.AudioDelta{Delta: "BBBB"})
	if len(fx.bridge.outbound) != 0 {
		t.Fatalf("frame queued before the stream started")
	}

	fx.bridge.handleTelephonyMessage([]byte(startFrameC1))
	fx.bridge.handleModelEvent(realtime.AudioDelta{Delta: "BBBB"})
	select {
	case frame := <-fx.bridge.outbound:
		var decoded struct {
			Event     string `json:"event"`
			StreamSID string `json:"streamSid"`
			Media     struct {
				Payload string `json:"payload"`
			} `json:"media"`
		}
		if err := json.Unmarshal(frame, &decoded); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if decoded.Event != "media" || decoded.StreamSID != "S1" || decoded.Media.Payload != "BBBB" {
			t.Fatalf("frame=%s", frame)
		}
	default:
		t.Fatalf("no frame queued after the stream started")
	}
}

func TestBridge_TranscriptsRecorded(t *testing.T) {
	fx := newFixture(t, fixtureOptions{callSID: "C1"})
	fx.attachModel()

	fx.bridge.handleModelEvent(realtime.InputTranscriptionCompleted{Transcript: "I need a cardiologist", Language: "hi"})
	fx.bridge.handleModelEvent(realtime.TranscriptDone{Transcript: "Let me find one for you."})
	fx.bridge.handleModelEvent(realtime.TranscriptDone{Transcript: "   "})

	stats := fx.conv.StatsAt(time.Now())
	if stats.MessageCount != 2 {
		t.Fatalf("message count=%d, want 2", stats.MessageCount)
	}
	if stats.Language != "hi" {
		t.Fatalf("language=%q, want hi", stats.Language)
	}
}

func TestBridge_EmergencyTransferRunsBeforeResult(t *testing.T) {
	log := &eventLog{}
	var capturedWebhook string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		capturedWebhook = r.PostFormValue("Url")
		log.add("transfer")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{}`)
	}))
	defer srv.Close()

	fx := newFixture(t, fixtureOptions{callSID: "C1", transferURL: srv.URL, log: log})
	fx.attachModel()

	fx.bridge.handleModelEvent(realtime.FunctionCallArgumentsDone{
		CallID:    "call_1",
		Name:      "emergency_protocol",
		Arguments: `{"emergencyType":"cardiac"}`,
	})

	order := fx.log.snapshot()
	want := []string{"transfer", "function_result", "response_create"}
	if len(order) != len(want) {
		t.Fatalf("order=%v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order=%v, want %v", order, want)
		}
	}

	webhook, err := url.Parse(capturedWebhook)
	if err != nil {
		t.Fatalf("webhook url %q: %v", capturedWebhook, err)
	}
	if !strings.HasSuffix(webhook.Path, "/voice/transfer/C1") {
		t.Fatalf("webhook path=%q", webhook.Path)
	}
	if got := webhook.Query().Get("to"); got != "+911140001901" {
		t.Fatalf("webhook to=%q, want the cardiac number", got)
	}

	fx.model.mu.Lock()
	results := append([]string(nil), fx.model.results...)
	fx.model.mu.Unlock()
	if len(results) != 1 {
		t.Fatalf("results=%v, want one", results)
	}
	var res dispatch.Result
	if err := json.Unmarshal([]byte(results[0]), &res); err != nil {
		t.Fatalf("result not json: %v", err)
	}
	if !res.Success || res.TransferTo != "+911140001901" || strings.TrimSpace(res.Message) == "" {
		t.Fatalf("result=%+v", res)
	}

	stats := fx.conv.StatsAt(time.Now())
	if stats.FunctionCallCount != 1 || stats.TransferCount != 1 || stats.EmergencyCount != 1 {
		t.Fatalf("stats=%+v", stats)
	}
}

func TestBridge_OperatorTransferResolvesDepartment(t *testing.T) {
	var capturedWebhook string
	log := &eventLog{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		capturedWebhook = r.PostFormValue("Url")
		log.add("transfer")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	fx := newFixture(t, fixtureOptions{callSID: "C1", transferURL: srv.URL, log: log})
	fx.attachModel()

	fx.bridge.handleModelEvent(realtime.FunctionCallArgumentsDone{
		CallID:    "call_2",
		Name:      "transfer_to_operator",
		Arguments: `{"department":"gift shop"}`,
	})

	// No directory and no keyword match: the main number is the last resort.
	webhook, err := url.Parse(capturedWebhook)
	if err != nil {
		t.Fatalf("webhook url %q: %v", capturedWebhook, err)
	}
	if got := webhook.Query().Get("to"); got != "+911140001000" {
		t.Fatalf("webhook to=%q, want the main hospital number", got)
	}
	stats := fx.conv.StatsAt(time.Now())
	if stats.TransferCount != 1 || stats.EmergencyCount != 0 {
		t.Fatalf("stats=%+v", stats)
	}
}

func TestBridge_MalformedFunctionArgsStillAnswered(t *testing.T) {
	fx := newFixture(t, fixtureOptions{callSID: "C1"})
	fx.attachModel()

	fx.bridge.handleModelEvent(realtime.FunctionCallArgumentsDone{
		CallID:    "call_3",
		Name:      "find_doctor",
		Arguments: `{not json`,
	})

	fx.model.mu.Lock()
	results := append([]string(nil), fx.model.results...)
	fx.model.mu.Unlock()
	if len(results) != 1 {
		t.Fatalf("results=%v, want one despite malformed arguments", results)
	}
	var res dispatch.Result
	if err := json.Unmarshal([]byte(results[0]), &res); err != nil {
		t.Fatalf("result not json: %v", err)
	}
	if strings.TrimSpace(res.Message) == "" {
		t.Fatalf("result message empty; every result must be speakable")
	}
}

func TestBridge_DoubleStopEndsOnce(t *testing.T) {
	fx := newFixture(t, fixtureOptions{callSID: "C1"})

	done := make(chan error, 1)
	go func() { done <- fx.bridge.Run() }()

	fx.sock.push(startFrameC1)
	fx.sock.push(`{"event":"stop","stop":{"callSid":"C1"}}`)
	fx.sock.push(`{"event":"stop","stop":{"callSid":"C1"}}`)

	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if fx.reg.Count() != 0 {
		t.Fatalf("registry count=%d", fx.reg.Count())
	}
	if !fx.conv.Ended() {
		t.Fatalf("conversation not marked ended")
	}
	if fx.bridge.State() != StateClosed {
		t.Fatalf("state=%v", fx.bridge.State())
	}
}

func TestBridge_ModelDialFailureTearsDown(t *testing.T) {
	fx := newFixture(t, fixtureOptions{callSID: "C1", dialErr: errors.New("upstream unavailable")})

	err := fx.bridge.Run()
	if err == nil {
		t.Fatalf("expected dial error")
	}
	if fx.reg.Count() != 0 {
		t.Fatalf("registry count=%d after dial failure", fx.reg.Count())
	}
	if !fx.sock.isClosed() {
		t.Fatalf("telephony socket left open after dial failure")
	}
	if fx.bridge.State() != StateClosed {
		t.Fatalf("state=%v", fx.bridge.State())
	}
}

func TestBridge_CancelTearsDown(t *testing.T) {
	fx := newFixture(t, fixtureOptions{callSID: "C1"})

	done := make(chan error, 1)
	go func() { done <- fx.bridge.Run() }()

	waitFor(t, "bridge active", func() bool { return fx.bridge.State() == StateActive })
	fx.bridge.Cancel()

	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if fx.reg.Count() != 0 {
		t.Fatalf("registry count=%d after cancel", fx.reg.Count())
	}
}

func TestBridge_ModelErrorEventDoesNotTeardown(t *testing.T) {
	fx := newFixture(t, fixtureOptions{callSID: "C1"})
	fx.attachModel()

	fx.bridge.handleModelEvent(realtime.ServerError{})
	if fx.bridge.State() == StateClosed || fx.bridge.State() == StateClosing {
		t.Fatalf("error event must not tear the bridge down")
	}
}
