// Package bridge relays audio between one telephony media-stream socket and
// one realtime model socket, and executes the side effects the model asks for
// mid-call.
package bridge

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Telephony media-stream wire events. The provider frames everything as JSON
// text messages keyed by "event"; kinds the bridge does not react to decode to
// UnknownTelephonyEvent.

type ConnectedEvent struct {
	Protocol string
}

// StartEvent opens the media stream and is the first point the call SID and
// caller number become known on this socket. They arrive either on the start
// block itself or via the custom parameters echoed from the stream TwiML.
type StartEvent struct {
	StreamSID   string
	AccountSID  string
	CallSID     string
	CallerPhone string
}

// MediaEvent is one chunk of caller audio, base64-encoded g711 ulaw.
type MediaEvent struct {
	Payload string
}

type MarkEvent struct {
	Name string
}

type StopEvent struct {
	CallSID string
}

type UnknownTelephonyEvent struct {
	Event string
}

type telephonyFrame struct {
	Event     string `json:"event"`
	Protocol  string `json:"protocol"`
	StreamSID string `json:"streamSid"`
	Start     *struct {
		StreamSID        string            `json:"streamSid"`
		AccountSID       string            `json:"accountSid"`
		CallSID          string            `json:"callSid"`
		CustomParameters map[string]string `json:"customParameters"`
	} `json:"start"`
	Media *struct {
		Payload string `json:"payload"`
	} `json:"media"`
	Mark *struct {
		Name string `json:"name"`
	} `json:"mark"`
	Stop *struct {
		CallSID string `json:"callSid"`
	} `json:"stop"`
}

// DecodeTelephonyEvent parses one inbound frame into a typed event.
func DecodeTelephonyEvent(data []byte) (any, error) {
	var frame telephonyFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("invalid telephony frame: %w", err)
	}
	event := strings.TrimSpace(frame.Event)
	if event == "" {
		return nil, fmt.Errorf("telephony frame missing event")
	}

	switch event {
	case "connected":
		return ConnectedEvent{Protocol: frame.Protocol}, nil
	case "start":
		ev := StartEvent{StreamSID: strings.TrimSpace(frame.StreamSID)}
		if frame.Start != nil {
			if ev.StreamSID == "" {
				ev.StreamSID = strings.TrimSpace(frame.Start.StreamSID)
			}
			ev.AccountSID = strings.TrimSpace(frame.Start.AccountSID)
			ev.CallSID = strings.TrimSpace(frame.Start.CallSID)
			if cp := frame.Start.CustomParameters; cp != nil {
				if ev.CallSID == "" {
					ev.CallSID = strings.TrimSpace(cp["callSid"])
				}
				ev.CallerPhone = strings.TrimSpace(cp["phoneNumber"])
				if ev.CallerPhone == "" {
					ev.CallerPhone = strings.TrimSpace(cp["from"])
				}
			}
		}
		if ev.StreamSID == "" {
			return nil, fmt.Errorf("start frame missing streamSid")
		}
		return ev, nil
	case "media":
		ev := MediaEvent{}
		if frame.Media != nil {
			ev.Payload = frame.Media.Payload
		}
		return ev, nil
	case "mark":
		ev := MarkEvent{}
		if frame.Mark != nil {
			ev.Name = frame.Mark.Name
		}
		return ev, nil
	case "stop":
		ev := StopEvent{}
		if frame.Stop != nil {
			ev.CallSID = strings.TrimSpace(frame.Stop.CallSID)
		}
		return ev, nil
	default:
		return UnknownTelephonyEvent{Event: event}, nil
	}
}

type outboundMediaFrame struct {
	Event     string        `json:"event"`
	StreamSID string        `json:"streamSid"`
	Media     mediaEnvelope `json:"media"`
}

type mediaEnvelope struct {
	Payload string `json:"payload"`
}

// encodeMediaFrame builds an outbound assistant-audio frame addressed to one
// stream. A frame without a stream SID is unroutable and must never be built.
func encodeMediaFrame(streamSID, payloadB64 string) ([]byte, error) {
	if streamSID == "" {
		return nil, fmt.Errorf("media frame requires a stream sid")
	}
	return json.Marshal(outboundMediaFrame{
		Event:     "media",
		StreamSID: streamSID,
		Media:     mediaEnvelope{Payload: payloadB64},
	})
}
