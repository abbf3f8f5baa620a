package store

import "time"

type Location struct {
	Name    string
	Address string
	Phone   string
}

type Department struct {
	Name        string
	Description string
	Timings     string
	Location    string
}

type Doctor struct {
	Name       string
	Specialty  string
	Department string
	Phone      string
}

type AvailabilitySlot struct {
	Doctor    string
	DayOfWeek string
	StartTime string
	EndTime   string
}

type Contact struct {
	Department string
	Phone      string
}

type InfoEntry struct {
	Topic   string
	Content string
}

// ConversationRecord is the row created when a call or web session is first
// observed. Either CallSID or SessionID is set, never both empty.
type ConversationRecord struct {
	CallSID     string
	SessionID   string
	CallerPhone string
	Channel     string
	StartedAt   time.Time
}

type MessageRecord struct {
	Role      string
	Content   string
	CreatedAt time.Time
}

type SummaryRecord struct {
	MessageCount      int
	FunctionCallCount int
	TransferCount     int
	EmergencyCount    int
	Language          string
	DurationSeconds   int64
}
