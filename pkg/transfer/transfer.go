// Package transfer redirects an in-progress call to a human destination via
// the telephony provider's call-control API.
//
// The provider cannot be handed a destination number directly: the redirect
// points the call at our own transfer webhook, which answers with the actual
// dial instruction when the provider fetches it.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// ErrNotConfigured is returned when credentials or the public base URL are
// missing. The caller must treat this as "transfer unavailable", not retry.
var ErrNotConfigured = errors.New("transfer: telephony credentials or public base url not configured")

type Executor struct {
	AccountSID    string
	AuthToken     string
	APIBaseURL    string
	PublicBaseURL string
	HTTPClient    *http.Client
	Logger        *slog.Logger
}

func (e *Executor) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// Redirect points the live call at the transfer webhook for destination.
// It fails fast without a network attempt when the executor is not fully
// configured: a half-configured transfer would strand the caller in silence.
func (e *Executor) Redirect(ctx context.Context, callSID, destination string) error {
	callSID = strings.TrimSpace(callSID)
	destination = strings.TrimSpace(destination)
	if callSID == "" {
		return fmt.Errorf("transfer: call sid is required")
	}
	if destination == "" {
		return fmt.Errorf("transfer: destination is required")
	}
	if strings.TrimSpace(e.AccountSID) == "" || strings.TrimSpace(e.AuthToken) == "" || strings.TrimSpace(e.PublicBaseURL) == "" {
		e.logger().Error("transfer requested but telephony is not configured",
			"call_sid", callSID, "destination", destination)
		return ErrNotConfigured
	}

	webhookURL := fmt.Sprintf("%s/voice/transfer/%s?to=%s",
		strings.TrimRight(e.PublicBaseURL, "/"),
		url.PathEscape(callSID),
		url.QueryEscape(destination))

	apiBase := strings.TrimRight(e.APIBaseURL, "/")
	if apiBase == "" {
		apiBase = "https://api.twilio.com/2010-04-01"
	}
	endpoint := fmt.Sprintf("%s/Accounts/%s/Calls/%s.json", apiBase, url.PathEscape(e.AccountSID), url.PathEscape(callSID))

	form := url.Values{}
	form.Set("Url", webhookURL)
	form.Set("Method", "POST")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("transfer: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(e.AccountSID, e.AuthToken)

	client := e.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("transfer: redirect call %s: %w", callSID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("transfer: provider returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	e.logger().Info("call redirected for transfer", "call_sid", callSID, "destination", destination)
	return nil
}
