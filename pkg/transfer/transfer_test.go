package transfer

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
)

func TestRedirect_FailsFastWhenNotConfigured(t *testing.T) {
	t.Parallel()
	attempted := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempted = true
	}))
	defer srv.Close()

	e := &Executor{APIBaseURL: srv.URL, HTTPClient: srv.Client()}
	err := e.Redirect(context.Background(), "CA1", "+911140001000")
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("err=%v, want ErrNotConfigured", err)
	}
	if attempted {
		t.Fatalf("network call attempted without configuration")
	}
}

func TestRedirect_PostsRedirectForm(t *testing.T) {
	t.Parallel()
	var gotPath, gotURL, gotMethod string
	var gotUser, gotPass string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotUser, gotPass, _ = r.BasicAuth()
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		gotURL = r.PostFormValue("Url")
		gotMethod = r.PostFormValue("Method")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := &Executor{
		AccountSID:    "AC123",
		AuthToken:     "secret",
		APIBaseURL:    srv.URL,
		PublicBaseURL: "https://voice.example.org",
		HTTPClient:    srv.Client(),
	}
	if err := e.Redirect(context.Background(), "CA1", "+911140001901"); err != nil {
		t.Fatalf("Redirect: %v", err)
	}

	if gotPath != "/Accounts/AC123/Calls/CA1.json" {
		t.Fatalf("path=%q", gotPath)
	}
	if gotUser != "AC123" || gotPass != "secret" {
		t.Fatalf("basic auth=%q/%q", gotUser, gotPass)
	}
	if gotMethod != "POST" {
		t.Fatalf("Method=%q", gotMethod)
	}
	parsed, err := url.Parse(gotURL)
	if err != nil {
		t.Fatalf("redirect url %q: %v", gotURL, err)
	}
	if parsed.Path != "/voice/transfer/CA1" {
		t.Fatalf("webhook path=%q", parsed.Path)
	}
	if parsed.Query().Get("to") != "+911140001901" {
		t.Fatalf("to=%q", parsed.Query().Get("to"))
	}
}

func TestRedirect_ProviderErrorSurfacesButNoPanic(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"call not in progress"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	e := &Executor{
		AccountSID:    "AC123",
		AuthToken:     "secret",
		APIBaseURL:    srv.URL,
		PublicBaseURL: "https://voice.example.org",
		HTTPClient:    srv.Client(),
	}
	if err := e.Redirect(context.Background(), "CA1", "+911140001000"); err == nil {
		t.Fatalf("expected error on non-2xx")
	}
}

func TestRedirect_ValidatesInput(t *testing.T) {
	t.Parallel()
	e := &Executor{AccountSID: "AC", AuthToken: "t", PublicBaseURL: "https://x"}
	if err := e.Redirect(context.Background(), "", "+91"); err == nil {
		t.Fatalf("expected error for empty call sid")
	}
	if err := e.Redirect(context.Background(), "CA1", ""); err == nil {
		t.Fatalf("expected error for empty destination")
	}
}
