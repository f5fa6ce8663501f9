package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"testing"
	"time"
)

func doRequest(t *testing.T, method string, port int, path, body string) (*http.Response, []byte) {
	t.Helper()

	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, "http://127.0.0.1:"+strconv.Itoa(port)+path, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

func TestHTTPHandlerEchoesSupportedMethods(t *testing.T) {
	l := startListener(t, ProtocolHTTP, nil)
	port := l.Port()

	for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete} {
		for _, path := range []string{"/", "/users/42", "/search?q=go&q=fleet"} {
			resp, data := doRequest(t, method, port, path, "")

			if resp.StatusCode != http.StatusOK {
				t.Fatalf("%s %s: status %d", method, path, resp.StatusCode)
			}
			if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
				t.Fatalf("Content-Type = %q", ct)
			}
			if sp := resp.Header.Get("Server-Port"); sp != strconv.Itoa(port) {
				t.Fatalf("Server-Port = %q, want %d", sp, port)
			}

			doc := decodeEcho(t, data)
			if doc["method"] != method || doc["path"] != path {
				t.Fatalf("echo = %v %v, want %s %s", doc["method"], doc["path"], method, path)
			}
			if doc["server_port"] != float64(port) {
				t.Fatalf("server_port = %v, want %d", doc["server_port"], port)
			}
			if _, ok := doc["body"]; ok {
				t.Fatalf("%s %s: unexpected body key", method, path)
			}
		}
	}
}

func TestHTTPHandlerQueryParams(t *testing.T) {
	l := startListener(t, ProtocolHTTP, nil)

	_, data := doRequest(t, http.MethodGet, l.Port(), "/search?q=go&q=fleet&blank=", "")
	doc := decodeEcho(t, data)

	want := map[string]any{"q": []any{"go", "fleet"}}
	if !reflect.DeepEqual(doc["query_params"], want) {
		t.Fatalf("query_params = %#v, want %#v", doc["query_params"], want)
	}
}

func TestHTTPHandlerKeepsRawPath(t *testing.T) {
	l := startListener(t, ProtocolHTTP, nil)

	resp, data := doRequest(t, http.MethodGet, l.Port(), "/a//b/../c", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, path should not be redirected", resp.StatusCode)
	}
	if doc := decodeEcho(t, data); doc["path"] != "/a//b/../c" {
		t.Fatalf("path = %v", doc["path"])
	}
}

func TestHTTPHandlerJSONBody(t *testing.T) {
	l := startListener(t, ProtocolHTTP, nil)

	body := `{"name":"fleet","ports":[8081,8082],"nested":{"ok":true}}`
	_, data := doRequest(t, http.MethodPost, l.Port(), "/items", body)

	var got struct {
		Body map[string]any `json:"body"`
	}
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	var want map[string]any
	_ = json.Unmarshal([]byte(body), &want)
	if !reflect.DeepEqual(got.Body, want) {
		t.Fatalf("body = %#v, want %#v", got.Body, want)
	}
}

func TestHTTPHandlerTextBody(t *testing.T) {
	l := startListener(t, ProtocolHTTP, nil)

	_, data := doRequest(t, http.MethodPut, l.Port(), "/", "plain text, not json")
	if doc := decodeEcho(t, data); doc["body"] != "plain text, not json" {
		t.Fatalf("body = %#v", doc["body"])
	}
}

func TestHTTPHandlerHeadersEchoed(t *testing.T) {
	l := startListener(t, ProtocolHTTP, nil)

	req, _ := http.NewRequest(http.MethodGet, "http://127.0.0.1:"+strconv.Itoa(l.Port())+"/", nil)
	req.Header.Set("X-Trace", "abc")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)

	headers, ok := decodeEcho(t, data)["headers"].(map[string]any)
	if !ok {
		t.Fatalf("headers missing")
	}
	if headers["X-Trace"] != "abc" {
		t.Fatalf("X-Trace = %v", headers["X-Trace"])
	}
	if headers["Host"] != "127.0.0.1:"+strconv.Itoa(l.Port()) {
		t.Fatalf("Host = %v", headers["Host"])
	}
}

func TestHTTPHandlerUnsupportedMethod(t *testing.T) {
	l := startListener(t, ProtocolHTTP, nil)

	for _, method := range []string{http.MethodPatch, http.MethodOptions} {
		resp, _ := doRequest(t, method, l.Port(), "/x", "")
		if resp.StatusCode != http.StatusNotImplemented {
			t.Fatalf("%s: status = %d, want 501", method, resp.StatusCode)
		}
	}
}

func TestHTTPHandlerIsStateless(t *testing.T) {
	l := startListener(t, ProtocolHTTP, nil)

	_, first := doRequest(t, http.MethodPost, l.Port(), "/same?x=1", `{"a":1}`)
	_, second := doRequest(t, http.MethodPost, l.Port(), "/same?x=1", `{"a":1}`)

	if !bytes.Equal(first, second) {
		t.Fatalf("identical requests produced different echoes:\n%s\n%s", first, second)
	}
}

func TestHTTPHandlerOversizedBodyClosesConnection(t *testing.T) {
	opts := HandlerOptions{MaxBodyBytes: 4}
	l := startListener(t, ProtocolHTTP, opts.Factory())

	req, _ := http.NewRequest(http.MethodPost, "http://127.0.0.1:"+strconv.Itoa(l.Port())+"/", strings.NewReader("far too long"))
	resp, err := http.DefaultClient.Do(req)
	if err == nil {
		resp.Body.Close()
		t.Fatalf("expected the connection to be dropped, got status %d", resp.StatusCode)
	}
}

func TestHTTPHandlerRecordsMetrics(t *testing.T) {
	m := NewMetrics()
	opts := HandlerOptions{Metrics: m}
	l := startListener(t, ProtocolHTTP, opts.Factory())

	doRequest(t, http.MethodGet, l.Port(), "/", "")
	doRequest(t, http.MethodGet, l.Port(), "/", "")

	// the response can reach the client before EndRequest runs
	settled := waitFor(t, 2*time.Second, func() bool {
		s := m.Snapshot()
		return s.TotalRequests == 2 && s.InFlight == 0
	})
	snap := m.Snapshot()
	if !settled {
		t.Fatalf("requests=%d in_flight=%d, want 2 and 0", snap.TotalRequests, snap.InFlight)
	}
	if lm := snap.ByListener[strconv.Itoa(l.Port())]; lm == nil || lm.Count != 2 {
		t.Fatalf("per-listener count = %#v", lm)
	}
}
