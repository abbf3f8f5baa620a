package transfer

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/evara-health/voicegate/pkg/store"
)

// ContactDirectory resolves department names against the external contact
// table.
type ContactDirectory interface {
	DepartmentContact(ctx context.Context, department string) (store.Contact, error)
}

// Resolver maps an operator-transfer department request to a phone number.
// Resolution order: contact directory, then the in-process keyword table,
// then the main hospital number. The chain never returns an empty number.
type Resolver struct {
	Directory  ContactDirectory
	Keywords   map[string]string
	MainNumber string
	Logger     *slog.Logger
}

func (r Resolver) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func (r Resolver) DepartmentNumber(ctx context.Context, department string) string {
	department = strings.TrimSpace(department)

	if r.Directory != nil && department != "" {
		contact, err := r.Directory.DepartmentContact(ctx, department)
		switch {
		case err == nil && strings.TrimSpace(contact.Phone) != "":
			return contact.Phone
		case err != nil && !errors.Is(err, store.ErrNotFound):
			r.logger().Warn("contact directory lookup failed", "department", department, "error", err)
		}
	}

	lowered := strings.ToLower(department)
	for keyword, number := range r.Keywords {
		if strings.TrimSpace(number) == "" {
			continue
		}
		if strings.Contains(lowered, strings.ToLower(keyword)) {
			return number
		}
	}

	return r.MainNumber
}
