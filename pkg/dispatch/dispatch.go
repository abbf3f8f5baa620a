// Package dispatch executes model-issued function calls against the hospital
// directory and normalizes results for speech.
//
// Every result carries a non-empty Message, including on internal failure:
// the message is spoken back to a live caller, and silence is never an
// acceptable failure mode.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/evara-health/voicegate/pkg/store"
)

// Action flags a side effect the bridge must perform before returning the
// function result to the model.
type Action string

const (
	ActionNone              Action = ""
	ActionTransferEmergency Action = "TRANSFER_EMERGENCY"
	ActionTransferOperator  Action = "TRANSFER_OPERATOR"
)

// Result is the normalized outcome of one function call.
type Result struct {
	Success       bool   `json:"success"`
	Message       string `json:"message"`
	Action        Action `json:"action,omitempty"`
	TransferTo    string `json:"transferTo,omitempty"`
	Department    string `json:"department,omitempty"`
	EmergencyType string `json:"emergencyType,omitempty"`
	Data          any    `json:"data,omitempty"`
}

// Directory is the slice of the external store the handlers read. A nil
// Directory degrades every lookup to the human-fallback message.
type Directory interface {
	Locations(ctx context.Context) ([]store.Location, error)
	SearchDepartments(ctx context.Context, query string) ([]store.Department, error)
	SearchDoctors(ctx context.Context, query string) ([]store.Doctor, error)
	DoctorAvailability(ctx context.Context, doctorName string) ([]store.AvailabilitySlot, error)
	HospitalInfo(ctx context.Context, topic string) ([]store.InfoEntry, error)
}

// EmergencyRoutes maps emergency types to transfer destinations. Main is the
// last-resort number and must not be empty.
type EmergencyRoutes struct {
	ByType map[string]string
	Main   string
}

// Resolve never returns an empty number: unknown types fall back to Main.
func (r EmergencyRoutes) Resolve(emergencyType string) string {
	key := strings.ToLower(strings.TrimSpace(emergencyType))
	if number, ok := r.ByType[key]; ok && strings.TrimSpace(number) != "" {
		return number
	}
	return r.Main
}

type Handler func(ctx context.Context, args map[string]any) Result

type Table struct {
	handlers  map[string]Handler
	dir       Directory
	emergency EmergencyRoutes
	logger    *slog.Logger
}

type Config struct {
	Directory Directory
	Emergency EmergencyRoutes
	Logger    *slog.Logger
}

func New(cfg Config) (*Table, error) {
	if strings.TrimSpace(cfg.Emergency.Main) == "" {
		return nil, fmt.Errorf("emergency main number is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	t := &Table{
		dir:       cfg.Directory,
		emergency: cfg.Emergency,
		logger:    cfg.Logger,
	}
	t.handlers = map[string]Handler{
		"get_hospital_info":         t.getHospitalInfo,
		"find_department":           t.findDepartment,
		"find_doctor":               t.findDoctor,
		"check_doctor_availability": t.checkDoctorAvailability,
		"emergency_protocol":        t.emergencyProtocol,
		"transfer_to_operator":      t.transferToOperator,
	}
	return t, nil
}

// Validate checks at startup that every tool name declared to the model has a
// registered handler, so a typo surfaces before the first call instead of at
// call time.
func (t *Table) Validate(declared []string) error {
	for _, name := range declared {
		if _, ok := t.handlers[name]; !ok {
			return fmt.Errorf("declared tool %q has no handler", name)
		}
	}
	return nil
}

// Dispatch runs the named handler. Unknown names and handler failures never
// escape as errors; the caller always gets a speakable Result.
func (t *Table) Dispatch(ctx context.Context, name string, args map[string]any) Result {
	handler, ok := t.handlers[strings.TrimSpace(name)]
	if !ok {
		t.logger.Warn("unknown function call", "name", name)
		return Result{Success: false, Message: msgUnknownFunction}
	}
	res := handler(ctx, args)
	if strings.TrimSpace(res.Message) == "" {
		// Defensive: a speakable message is part of the handler contract.
		res.Message = msgLookupFailed
	}
	return res
}

// Names lists every registered function, for tool declaration.
func (t *Table) Names() []string {
	out := make([]string, 0, len(t.handlers))
	for name := range t.handlers {
		out = append(out, name)
	}
	return out
}

func stringArg(args map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := args[key]; ok {
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
	}
	return ""
}
