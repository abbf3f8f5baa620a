package convo

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/evara-health/voicegate/pkg/store"
)

// Persister is the slice of the external store the registry needs. All calls
// are best-effort: a failure is logged and the in-memory record lives on.
type Persister interface {
	CreateConversation(ctx context.Context, rec store.ConversationRecord) (string, error)
	SaveMessages(ctx context.Context, conversationID string, msgs []store.MessageRecord) error
	EndConversation(ctx context.Context, conversationID, status string, duration time.Duration, language string) error
	SaveSummary(ctx context.Context, conversationID string, sum store.SummaryRecord) error
}

const persistTimeout = 10 * time.Second

// Registry is the process-wide map from call/session key to live
// Conversation. It is the only cross-call shared mutable state in the
// process; horizontal scaling is explicitly out of scope for it.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry

	persister Persister
	logger    *slog.Logger
	now       func() time.Time
	maxAge    time.Duration

	wg sync.WaitGroup
}

type entry struct {
	conv   *Conversation
	cancel func()
}

type Options struct {
	Persister Persister
	Logger    *slog.Logger
	MaxAge    time.Duration
	Now       func() time.Time
}

func NewRegistry(opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = 30 * time.Minute
	}
	return &Registry{
		entries:   make(map[string]*entry),
		persister: opts.Persister,
		logger:    opts.Logger,
		now:       opts.Now,
		maxAge:    opts.MaxAge,
	}
}

type CreateParams struct {
	CallSID     string
	SessionID   string
	CallerPhone string
	Channel     Channel
}

// Create always builds a fresh record and registers it under exactly one key:
// the call SID when present, otherwise the session ID (generated when both
// are absent). The external row is created asynchronously; the record carries
// no store ID until that write succeeds.
func (r *Registry) Create(params CreateParams) *Conversation {
	callSID := strings.TrimSpace(params.CallSID)
	sessionID := strings.TrimSpace(params.SessionID)
	if callSID == "" && sessionID == "" {
		sessionID = "ws_" + uuid.NewString()
	}
	channel := params.Channel
	if channel == "" {
		channel = ChannelPhone
	}

	conv := &Conversation{
		callSID:     callSID,
		sessionID:   sessionID,
		callerPhone: strings.TrimSpace(params.CallerPhone),
		channel:     channel,
		startedAt:   r.now(),
	}
	key := conv.Key()

	r.mu.Lock()
	r.entries[key] = &entry{conv: conv}
	r.mu.Unlock()

	r.logger.Info("conversation created", "key", key, "channel", channel)

	if r.persister != nil {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
			defer cancel()
			id, err := r.persister.CreateConversation(ctx, store.ConversationRecord{
				CallSID:     callSID,
				SessionID:   sessionID,
				CallerPhone: conv.CallerPhone(),
				Channel:     string(channel),
				StartedAt:   conv.StartedAt(),
			})
			if err != nil {
				r.logger.Warn("conversation persist failed", "key", key, "error", err)
				return
			}
			conv.SetStoreID(id)
		}()
	}
	return conv
}

func (r *Registry) Get(key string) (*Conversation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[strings.TrimSpace(key)]
	if !ok {
		return nil, false
	}
	return e.conv, true
}

// AttachHandle wires the owning bridge's cancel func so shutdown and sweeps
// can tear the bridge down.
func (r *Registry) AttachHandle(key string, cancel func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok {
		e.cancel = cancel
	}
}

// Rekey moves a record registered under a provisional session ID to its call
// SID once the media stream start event reveals it. Later lookups by either
// the status webhook (call SID) or the original key would otherwise split.
func (r *Registry) Rekey(oldKey, newKey string) {
	oldKey = strings.TrimSpace(oldKey)
	newKey = strings.TrimSpace(newKey)
	if oldKey == "" || newKey == "" || oldKey == newKey {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[oldKey]
	if !ok {
		return
	}
	if _, taken := r.entries[newKey]; taken {
		r.logger.Warn("rekey target already registered", "old", oldKey, "new", newKey)
		return
	}
	delete(r.entries, oldKey)
	r.entries[newKey] = e
}

type EndResult struct {
	DurationSeconds int64  `json:"duration_seconds"`
	Status          Status `json:"status"`
}

// End terminates and removes a conversation. Unknown keys are a normal
// outcome (status webhooks routinely fire after cleanup) and yield ok=false
// with a warning log, never an error.
func (r *Registry) End(ctx context.Context, key string, status Status) (EndResult, bool) {
	key = strings.TrimSpace(key)
	r.mu.Lock()
	e, ok := r.entries[key]
	if ok {
		delete(r.entries, key)
	}
	r.mu.Unlock()
	if !ok {
		r.logger.Warn("end requested for unknown conversation", "key", key, "status", status)
		return EndResult{}, false
	}

	conv := e.conv
	duration := r.now().Sub(conv.StartedAt())
	res := EndResult{DurationSeconds: int64(duration.Seconds()), Status: status}

	if !conv.MarkEnded(status) {
		// Already terminal; nothing left to persist.
		return res, true
	}
	if e.cancel != nil {
		e.cancel()
	}
	r.logger.Info("conversation ended", "key", key, "status", status, "duration_s", res.DurationSeconds)

	r.persistEnd(ctx, conv, status, duration)
	return res, true
}

func (r *Registry) persistEnd(ctx context.Context, conv *Conversation, status Status, duration time.Duration) {
	if r.persister == nil {
		return
	}
	storeID := conv.StoreID()
	if storeID == "" {
		// The async create never landed; there is no row to finalize.
		r.logger.Warn("conversation has no store id, skipping terminal persist", "key", conv.Key())
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	pctx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()

	msgs := conv.Messages()
	records := make([]store.MessageRecord, 0, len(msgs))
	for _, m := range msgs {
		records = append(records, store.MessageRecord{Role: m.Role, Content: m.Content, CreatedAt: m.At})
	}
	if err := r.persister.SaveMessages(pctx, storeID, records); err != nil {
		r.logger.Warn("message persist failed", "key", conv.Key(), "error", err)
	}
	if err := r.persister.EndConversation(pctx, storeID, string(status), duration, conv.Language()); err != nil {
		r.logger.Warn("terminal persist failed", "key", conv.Key(), "error", err)
	}
	stats := conv.StatsAt(r.now())
	sum := store.SummaryRecord{
		MessageCount:      stats.MessageCount,
		FunctionCallCount: stats.FunctionCallCount,
		TransferCount:     stats.TransferCount,
		EmergencyCount:    stats.EmergencyCount,
		Language:          stats.Language,
		DurationSeconds:   int64(duration.Seconds()),
	}
	if err := r.persister.SaveSummary(pctx, storeID, sum); err != nil {
		r.logger.Warn("summary persist failed", "key", conv.Key(), "error", err)
	}
}

// Sweep force-ends every conversation older than the configured max age and
// returns how many were evicted.
func (r *Registry) Sweep(ctx context.Context) int {
	cutoff := r.now().Add(-r.maxAge)

	r.mu.Lock()
	var stale []string
	for key, e := range r.entries {
		if e.conv.StartedAt().Before(cutoff) {
			stale = append(stale, key)
		}
	}
	r.mu.Unlock()

	swept := 0
	for _, key := range stale {
		if _, ok := r.End(ctx, key, StatusTimeout); ok {
			r.logger.Warn("stale conversation swept", "key", key)
			swept++
		}
	}
	return swept
}

// Run drives the staleness sweep on a fixed interval until ctx is canceled.
// It runs for the process lifetime regardless of call activity.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Stats returns a snapshot for one live conversation.
func (r *Registry) Stats(key string) (Stats, bool) {
	conv, ok := r.Get(key)
	if !ok {
		return Stats{}, false
	}
	return conv.StatsAt(r.now()), true
}

// CancelAll tears down every live bridge. Used on shutdown.
func (r *Registry) CancelAll() int {
	r.mu.Lock()
	var cancels []func()
	for _, e := range r.entries {
		if e.cancel != nil {
			cancels = append(cancels, e.cancel)
		}
	}
	r.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	return len(cancels)
}

// Wait blocks until background persistence goroutines finish or ctx expires.
func (r *Registry) Wait(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
