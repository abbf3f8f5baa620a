package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/evara-health/voicegate/pkg/convo"
	"github.com/evara-health/voicegate/pkg/gateway/config"
)

// IncomingHandler answers the inbound-call webhook with TwiML that connects
// the call to the media-stream WebSocket. The call SID and caller number ride
// along as custom parameters so the stream start event can identify the call.
type IncomingHandler struct {
	Config config.Config
	Logger *slog.Logger
}

func (h IncomingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	_ = r.ParseForm()
	callSID := strings.TrimSpace(r.PostFormValue("CallSid"))
	from := strings.TrimSpace(r.PostFormValue("From"))

	streamURL := wsBaseURL(h.Config.PublicBaseURL, r.Host) + "/voice/media-stream"

	params := make([]twimlParameter, 0, 2)
	if callSID != "" {
		params = append(params, twimlParameter{Name: "callSid", Value: callSID})
	}
	if from != "" {
		params = append(params, twimlParameter{Name: "phoneNumber", Value: from})
	}

	if h.Logger != nil {
		h.Logger.Info("incoming call", "call_sid", callSID, "from", from)
	}
	writeTwiML(w, twimlResponse{
		Connect: &twimlConnect{Stream: twimlStream{URL: streamURL, Parameters: params}},
	})
}

// TransferHandler answers the redirect webhook issued during a call transfer.
// The destination number rides in the query string because the provider's
// redirect API only accepts a document URL, never a number.
type TransferHandler struct {
	Logger *slog.Logger
}

func (h TransferHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	callSID := r.PathValue("callSid")
	to := strings.TrimSpace(r.URL.Query().Get("to"))
	if to == "" {
		if h.Logger != nil {
			h.Logger.Error("transfer webhook without destination", "call_sid", callSID)
		}
		writeTwiML(w, twimlResponse{
			Say:    []twimlSay{{Text: "We are sorry, the transfer could not be completed. Please call back."}},
			Hangup: &twimlHangup{},
		})
		return
	}
	if h.Logger != nil {
		h.Logger.Info("transfer webhook served", "call_sid", callSID, "to", to)
	}
	writeTwiML(w, twimlResponse{
		Say:  []twimlSay{{Text: "Transferring your call now. Please hold."}},
		Dial: &twimlDial{Number: to},
	})
}

// StatusHandler consumes call status callbacks and ends the conversation on
// terminal statuses. Unknown call SIDs are normal: the media stream's stop
// event usually wins the race.
type StatusHandler struct {
	Registry *convo.Registry
	Logger   *slog.Logger
}

func (h StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	_ = r.ParseForm()
	callSID := strings.TrimSpace(r.PostFormValue("CallSid"))
	callStatus := strings.ToLower(strings.TrimSpace(r.PostFormValue("CallStatus")))
	if callSID == "" {
		http.Error(w, "CallSid is required", http.StatusBadRequest)
		return
	}

	status, terminal := mapCallStatus(callStatus)
	if !terminal {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	res, ended := h.Registry.End(r.Context(), callSID, status)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(struct {
		Ended           bool         `json:"ended"`
		DurationSeconds int64        `json:"duration_seconds,omitempty"`
		Status          convo.Status `json:"status,omitempty"`
	}{Ended: ended, DurationSeconds: res.DurationSeconds, Status: res.Status})
}

func mapCallStatus(callStatus string) (convo.Status, bool) {
	switch callStatus {
	case "completed":
		return convo.StatusCompleted, true
	case "canceled":
		return convo.StatusCancelled, true
	case "busy", "failed", "no-answer":
		return convo.StatusFailed, true
	default:
		return "", false
	}
}
