// Package handlers implements the HTTP surface: telephony webhooks, the
// media-stream WebSocket endpoints, session inspection and health.
package handlers

import (
	"encoding/xml"
	"net/http"
	"strings"
)

// TwiML documents returned to the telephony provider. Field order matters:
// the provider executes verbs top to bottom.

type twimlResponse struct {
	XMLName xml.Name      `xml:"Response"`
	Say     []twimlSay    `xml:",omitempty"`
	Connect *twimlConnect `xml:",omitempty"`
	Dial    *twimlDial    `xml:",omitempty"`
	Hangup  *twimlHangup  `xml:",omitempty"`
}

type twimlSay struct {
	XMLName xml.Name `xml:"Say"`
	Text    string   `xml:",chardata"`
}

type twimlConnect struct {
	XMLName xml.Name `xml:"Connect"`
	Stream  twimlStream
}

type twimlStream struct {
	XMLName    xml.Name         `xml:"Stream"`
	URL        string           `xml:"url,attr"`
	Parameters []twimlParameter `xml:",omitempty"`
}

type twimlParameter struct {
	XMLName xml.Name `xml:"Parameter"`
	Name    string   `xml:"name,attr"`
	Value   string   `xml:"value,attr"`
}

type twimlDial struct {
	XMLName xml.Name `xml:"Dial"`
	Number  string   `xml:",chardata"`
}

type twimlHangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

func writeTwiML(w http.ResponseWriter, doc twimlResponse) {
	body, err := xml.Marshal(doc)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(xml.Header))
	_, _ = w.Write(body)
}

// wsBaseURL derives the WebSocket origin the provider should stream to. The
// configured public base URL wins; the request host is the dev fallback.
func wsBaseURL(publicBaseURL, requestHost string) string {
	base := strings.TrimRight(strings.TrimSpace(publicBaseURL), "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	case strings.HasPrefix(base, "wss://"), strings.HasPrefix(base, "ws://"):
		return base
	}
	return "wss://" + requestHost
}
