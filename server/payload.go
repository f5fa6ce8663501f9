package server

import (
	"bytes"
	"encoding/json"
)

// Method reported for messages that arrive on a WebSocket connection.
const MethodWSMessage = "WS_MESSAGE"

// EchoRequest is the protocol-agnostic view of what a client sent.
// It is built once per request/message and never mutated afterwards.
type EchoRequest struct {
	ID          string // log correlation only, never echoed
	Method      string
	Path        string
	Headers     Headers
	QueryParams map[string][]string
	Body        []byte
	SourcePort  int
}

type EchoResponse struct {
	StatusCode  int
	ContentType string
	Payload     []byte
}

// Header is a single name/value pair. Repeated headers are already
// joined with ", ".
type Header struct {
	Name  string
	Value string
}

// Headers keeps header order when encoded as a JSON object.
type Headers []Header

func (h Headers) Get(name string) (string, bool) {
	for _, kv := range h {
		if kv.Name == name {
			return kv.Value, true
		}
	}
	return "", false
}

func (h Headers) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, kv := range h {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeJSONString(&buf, kv.Name); err != nil {
			return nil, err
		}
		buf.WriteByte(':')
		if err := writeJSONString(&buf, kv.Value); err != nil {
			return nil, err
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func writeJSONString(buf *bytes.Buffer, s string) error {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return err
	}
	// Encode always appends a newline
	buf.Truncate(buf.Len() - 1)
	return nil
}
