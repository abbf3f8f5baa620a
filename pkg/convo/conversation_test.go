package convo

import (
	"testing"
	"time"
)

func TestConversation_KeyPrefersCallSID(t *testing.T) {
	t.Parallel()
	c := &Conversation{callSID: "CA1", sessionID: "ws_x"}
	if c.Key() != "CA1" {
		t.Fatalf("Key()=%q, want CA1", c.Key())
	}
	c = &Conversation{sessionID: "ws_x"}
	if c.Key() != "ws_x" {
		t.Fatalf("Key()=%q, want ws_x", c.Key())
	}
}

func TestConversation_SetCallIdentityDoesNotOverwrite(t *testing.T) {
	t.Parallel()
	c := &Conversation{callSID: "CA1", callerPhone: "+911234567890"}
	c.SetCallIdentity("CA2", "+910000000000")
	if c.CallSID() != "CA1" {
		t.Fatalf("CallSID=%q, want CA1", c.CallSID())
	}
	if c.CallerPhone() != "+911234567890" {
		t.Fatalf("CallerPhone=%q", c.CallerPhone())
	}

	c = &Conversation{sessionID: "ws_x"}
	c.SetCallIdentity(" CA3 ", "+911111111111")
	if c.CallSID() != "CA3" || c.CallerPhone() != "+911111111111" {
		t.Fatalf("identity not filled: sid=%q phone=%q", c.CallSID(), c.CallerPhone())
	}
}

func TestConversation_MarkEndedOnce(t *testing.T) {
	t.Parallel()
	c := &Conversation{sessionID: "ws_x"}
	if !c.MarkEnded(StatusCompleted) {
		t.Fatalf("first MarkEnded must win")
	}
	if c.MarkEnded(StatusFailed) {
		t.Fatalf("second MarkEnded must be a no-op")
	}
	if !c.Ended() {
		t.Fatalf("Ended()=false after MarkEnded")
	}
}

func TestConversation_StoreIDSetOnce(t *testing.T) {
	t.Parallel()
	c := &Conversation{sessionID: "ws_x"}
	c.SetStoreID("row-1")
	c.SetStoreID("row-2")
	if c.StoreID() != "row-1" {
		t.Fatalf("StoreID=%q, want row-1", c.StoreID())
	}
}

func TestConversation_StatsCounts(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	c := &Conversation{callSID: "CA1", channel: ChannelPhone, startedAt: start}
	c.AddUserMessage("hello", start.Add(time.Second))
	c.AddAssistantMessage("hi, how can I help?", start.Add(2*time.Second))
	c.AddUserMessage("   ", start.Add(3*time.Second)) // blank, dropped
	c.LogFunctionCall(FunctionCall{Name: "find_department", Success: true, Message: "ok"})
	c.LogTransfer(Transfer{Kind: TransferKindEmergency, Destination: "+911"})
	c.LogTransfer(Transfer{Kind: TransferKindOperator, Destination: "+912"})
	c.SetLanguage("hi-IN")

	got := c.StatsAt(start.Add(90 * time.Second))
	if got.MessageCount != 2 {
		t.Fatalf("MessageCount=%d, want 2", got.MessageCount)
	}
	if got.FunctionCallCount != 1 || got.TransferCount != 2 || got.EmergencyCount != 1 {
		t.Fatalf("counts=%+v", got)
	}
	if got.DurationSeconds != 90 {
		t.Fatalf("DurationSeconds=%d, want 90", got.DurationSeconds)
	}
	if got.Language != "hi-IN" {
		t.Fatalf("Language=%q", got.Language)
	}
}
