package transfer

import (
	"context"
	"errors"
	"testing"

	"github.com/evara-health/voicegate/pkg/store"
)

type fakeContacts struct {
	contacts map[string]string
	err      error
}

func (f *fakeContacts) DepartmentContact(ctx context.Context, department string) (store.Contact, error) {
	if f.err != nil {
		return store.Contact{}, f.err
	}
	if phone, ok := f.contacts[department]; ok {
		return store.Contact{Department: department, Phone: phone}, nil
	}
	return store.Contact{}, store.ErrNotFound
}

func testResolver(dir ContactDirectory) Resolver {
	return Resolver{
		Directory: dir,
		Keywords: map[string]string{
			"cardiac":   "+911140001901",
			"trauma":    "+911140001902",
			"ambulance": "+911140001903",
			"emergency": "+911140001911",
		},
		MainNumber: "+911140001000",
	}
}

func TestDepartmentNumber_DirectoryFirst(t *testing.T) {
	t.Parallel()
	r := testResolver(&fakeContacts{contacts: map[string]string{"billing": "+911140002000"}})
	if got := r.DepartmentNumber(context.Background(), "billing"); got != "+911140002000" {
		t.Fatalf("got %q, want the directory number", got)
	}
}

func TestDepartmentNumber_KeywordFallback(t *testing.T) {
	t.Parallel()
	r := testResolver(&fakeContacts{})
	if got := r.DepartmentNumber(context.Background(), "cardiac care unit"); got != "+911140001901" {
		t.Fatalf("got %q, want the cardiac keyword number", got)
	}
}

func TestDepartmentNumber_MainNumberLastResort(t *testing.T) {
	t.Parallel()
	r := testResolver(&fakeContacts{})
	if got := r.DepartmentNumber(context.Background(), "gift shop"); got != "+911140001000" {
		t.Fatalf("got %q, want the main number", got)
	}
	if got := r.DepartmentNumber(context.Background(), ""); got != "+911140001000" {
		t.Fatalf("got %q, want the main number for empty department", got)
	}
}

func TestDepartmentNumber_DirectoryErrorDegrades(t *testing.T) {
	t.Parallel()
	r := testResolver(&fakeContacts{err: errors.New("db down")})
	if got := r.DepartmentNumber(context.Background(), "trauma ward"); got != "+911140001902" {
		t.Fatalf("got %q, want keyword fallback despite directory error", got)
	}
	r = testResolver(&fakeContacts{err: errors.New("db down")})
	if got := r.DepartmentNumber(context.Background(), "pharmacy"); got == "" {
		t.Fatalf("resolution chain must never return empty")
	}
}

func TestDepartmentNumber_NilDirectory(t *testing.T) {
	t.Parallel()
	r := testResolver(nil)
	if got := r.DepartmentNumber(context.Background(), "emergency desk"); got != "+911140001911" {
		t.Fatalf("got %q", got)
	}
}
