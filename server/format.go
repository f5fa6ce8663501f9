package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"
	"unicode/utf8"
)

const contentTypeJSON = "application/json"

// httpEcho fixes the key order of the HTTP echo document.
type httpEcho struct {
	Method      string              `json:"method"`
	Path        string              `json:"path"`
	Headers     Headers             `json:"headers"`
	QueryParams map[string][]string `json:"query_params"`
	ServerPort  int                 `json:"server_port"`
	Body        json.RawMessage     `json:"body,omitempty"`
}

// FormatHTTP renders req as the pretty-printed JSON echo document.
// It never fails: a body that is not JSON is echoed as text.
func FormatHTTP(req *EchoRequest) *EchoResponse {
	doc := httpEcho{
		Method:      req.Method,
		Path:        req.Path,
		Headers:     req.Headers,
		QueryParams: req.QueryParams,
		ServerPort:  req.SourcePort,
	}
	if doc.Headers == nil {
		doc.Headers = Headers{}
	}
	if doc.QueryParams == nil {
		doc.QueryParams = map[string][]string{}
	}
	if len(req.Body) > 0 {
		doc.Body = echoBody(req.Body)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		// Every field is a string, a string map or validated raw JSON,
		// so this only happens if the body check above is wrong.
		doc.Body = textBody(req.Body)
		buf.Reset()
		_ = enc.Encode(doc)
	}

	return &EchoResponse{
		StatusCode:  http.StatusOK,
		ContentType: contentTypeJSON,
		Payload:     bytes.TrimSuffix(buf.Bytes(), []byte("\n")),
	}
}

// echoBody returns the body as-is when it is a single JSON value,
// otherwise as a JSON string of the decoded text.
func echoBody(body []byte) json.RawMessage {
	if utf8.Valid(body) && json.Valid(body) {
		return json.RawMessage(body)
	}
	return textBody(body)
}

func textBody(body []byte) json.RawMessage {
	var buf bytes.Buffer
	// invalid UTF-8 is replaced by U+FFFD when encoded
	_ = writeJSONString(&buf, string(body))
	return json.RawMessage(buf.Bytes())
}

// FormatWS renders the reply to a single WebSocket text message.
func FormatWS(msg []byte, port int) []byte {
	prefix := "Server on port " + strconv.Itoa(port) + " echoes: "
	out := make([]byte, 0, len(prefix)+len(msg))
	out = append(out, prefix...)
	return append(out, msg...)
}
