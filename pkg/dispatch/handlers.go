package dispatch

import (
	"context"
	"fmt"
	"strings"
)

const (
	msgLookupFailed = "I'm sorry, I'm having trouble looking that up right now. " +
		"Would you like me to connect you to our front desk?"
	msgNoMatch = "I couldn't find anything matching that. " +
		"Would you like me to connect you to someone who can help?"
	msgUnknownFunction = "I'm not able to help with that directly. " +
		"Would you like me to connect you to a human operator?"
)

func (t *Table) getHospitalInfo(ctx context.Context, args map[string]any) Result {
	topic := stringArg(args, "topic", "query")
	if t.dir == nil {
		return Result{Success: false, Message: msgLookupFailed}
	}
	entries, err := t.dir.HospitalInfo(ctx, topic)
	if err != nil {
		t.logger.Warn("hospital info lookup failed", "topic", topic, "error", err)
		return Result{Success: false, Message: msgLookupFailed}
	}
	if len(entries) == 0 {
		return Result{Success: false, Message: msgNoMatch}
	}
	parts := make([]string, 0, len(entries))
	for _, e := range entries {
		parts = append(parts, fmt.Sprintf("%s: %s", e.Topic, e.Content))
	}
	return Result{Success: true, Message: strings.Join(parts, ". "), Data: entries}
}

func (t *Table) findDepartment(ctx context.Context, args map[string]any) Result {
	query := stringArg(args, "query", "department", "name")
	if t.dir == nil {
		return Result{Success: false, Message: msgLookupFailed}
	}
	departments, err := t.dir.SearchDepartments(ctx, query)
	if err != nil {
		t.logger.Warn("department lookup failed", "query", query, "error", err)
		return Result{Success: false, Message: msgLookupFailed}
	}
	if len(departments) == 0 {
		return Result{Success: false, Message: msgNoMatch}
	}
	parts := make([]string, 0, len(departments))
	for _, d := range departments {
		desc := fmt.Sprintf("The %s department", d.Name)
		if d.Location != "" {
			desc += " at " + d.Location
		}
		if d.Timings != "" {
			desc += ", open " + d.Timings
		}
		parts = append(parts, desc)
	}
	return Result{Success: true, Message: strings.Join(parts, ". "), Data: departments}
}

func (t *Table) findDoctor(ctx context.Context, args map[string]any) Result {
	query := stringArg(args, "query", "doctor", "name", "specialty")
	if t.dir == nil {
		return Result{Success: false, Message: msgLookupFailed}
	}
	doctors, err := t.dir.SearchDoctors(ctx, query)
	if err != nil {
		t.logger.Warn("doctor lookup failed", "query", query, "error", err)
		return Result{Success: false, Message: msgLookupFailed}
	}
	if len(doctors) == 0 {
		return Result{Success: false, Message: msgNoMatch}
	}
	parts := make([]string, 0, len(doctors))
	for _, d := range doctors {
		desc := d.Name
		if d.Specialty != "" {
			desc += ", " + d.Specialty
		}
		if d.Department != "" {
			desc += ", in the " + d.Department + " department"
		}
		parts = append(parts, desc)
	}
	return Result{Success: true, Message: strings.Join(parts, ". "), Data: doctors}
}

func (t *Table) checkDoctorAvailability(ctx context.Context, args map[string]any) Result {
	doctor := stringArg(args, "doctor", "name", "query")
	if doctor == "" {
		return Result{Success: false, Message: "Which doctor would you like me to check? " +
			"I can also connect you to the appointments desk."}
	}
	if t.dir == nil {
		return Result{Success: false, Message: msgLookupFailed}
	}
	slots, err := t.dir.DoctorAvailability(ctx, doctor)
	if err != nil {
		t.logger.Warn("availability lookup failed", "doctor", doctor, "error", err)
		return Result{Success: false, Message: msgLookupFailed}
	}
	if len(slots) == 0 {
		return Result{Success: false, Message: msgNoMatch}
	}
	parts := make([]string, 0, len(slots))
	for _, s := range slots {
		parts = append(parts, fmt.Sprintf("%s from %s to %s", s.DayOfWeek, s.StartTime, s.EndTime))
	}
	return Result{
		Success: true,
		Message: fmt.Sprintf("%s is available %s", slots[0].Doctor, strings.Join(parts, ", ")),
		Data:    slots,
	}
}

func (t *Table) emergencyProtocol(ctx context.Context, args map[string]any) Result {
	emergencyType := stringArg(args, "emergencyType", "emergency_type", "type")
	number := t.emergency.Resolve(emergencyType)
	t.logger.Warn("emergency protocol triggered", "emergency_type", emergencyType, "transfer_to", number)
	return Result{
		Success:       true,
		Message:       "I'm connecting you to our emergency team right now. Please stay on the line.",
		Action:        ActionTransferEmergency,
		TransferTo:    number,
		EmergencyType: emergencyType,
	}
}

func (t *Table) transferToOperator(ctx context.Context, args map[string]any) Result {
	department := stringArg(args, "department", "query")
	if department == "" {
		department = "front desk"
	}
	return Result{
		Success:    true,
		Message:    fmt.Sprintf("Of course, connecting you to the %s now. Please hold.", department),
		Action:     ActionTransferOperator,
		Department: department,
	}
}
