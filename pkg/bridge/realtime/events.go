// Package realtime speaks the OpenAI Realtime WebSocket protocol: a JSON
// event stream keyed by "type" in both directions.
package realtime

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Server events. Only the kinds the bridge reacts to get their own type;
// everything else decodes to UnknownEvent so an unhandled kind is visible in
// logs but never fatal.

type SessionCreated struct {
	Type    string `json:"type"`
	Session struct {
		ID string `json:"id"`
	} `json:"session"`
}

type SessionUpdated struct {
	Type string `json:"type"`
}

type ItemCreated struct {
	Type string `json:"type"`
	Item struct {
		ID   string `json:"id"`
		Role string `json:"role"`
	} `json:"item"`
}

// InputTranscriptionCompleted carries the user's transcribed speech for one
// conversation item.
type InputTranscriptionCompleted struct {
	Type       string `json:"type"`
	ItemID     string `json:"item_id"`
	Transcript string `json:"transcript"`
	Language   string `json:"language,omitempty"`
}

// AudioDelta is one chunk of synthesized assistant audio, base64-encoded.
type AudioDelta struct {
	Type       string `json:"type"`
	ResponseID string `json:"response_id"`
	ItemID     string `json:"item_id"`
	Delta      string `json:"delta"`
}

// TranscriptDone carries the full text of a finished assistant audio turn.
type TranscriptDone struct {
	Type       string `json:"type"`
	Transcript string `json:"transcript"`
}

// FunctionCallArgumentsDone signals that the model finished streaming the
// arguments of a function call and expects a result.
type FunctionCallArgumentsDone struct {
	Type      string `json:"type"`
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type ResponseDone struct {
	Type string `json:"type"`
}

type ServerError struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type UnknownEvent struct {
	Type string
	Raw  json.RawMessage
}

// DecodeServerEvent parses one frame from the model socket into a typed
// event.
func DecodeServerEvent(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("invalid model event frame: %w", err)
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, fmt.Errorf("model event frame missing type")
	}

	switch typ {
	case "session.created":
		var ev SessionCreated
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("invalid session.created: %w", err)
		}
		return ev, nil
	case "session.updated":
		var ev SessionUpdated
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("invalid session.updated: %w", err)
		}
		return ev, nil
	case "conversation.item.created":
		var ev ItemCreated
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("invalid conversation.item.created: %w", err)
		}
		return ev, nil
	case "conversation.item.input_audio_transcription.completed":
		var ev InputTranscriptionCompleted
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("invalid input transcription event: %w", err)
		}
		return ev, nil
	case "response.audio.delta":
		var ev AudioDelta
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("invalid response.audio.delta: %w", err)
		}
		return ev, nil
	case "response.audio_transcript.done":
		var ev TranscriptDone
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("invalid response.audio_transcript.done: %w", err)
		}
		return ev, nil
	case "response.function_call_arguments.done":
		var ev FunctionCallArgumentsDone
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("invalid function call event: %w", err)
		}
		return ev, nil
	case "response.done":
		var ev ResponseDone
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("invalid response.done: %w", err)
		}
		return ev, nil
	case "error":
		var ev ServerError
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("invalid error event: %w", err)
		}
		return ev, nil
	default:
		return UnknownEvent{Type: typ, Raw: json.RawMessage(data)}, nil
	}
}
