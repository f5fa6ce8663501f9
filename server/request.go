package server

import (
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// DefaultMaxBodyBytes bounds how much of a request body is read.
const DefaultMaxBodyBytes int64 = 10 * 1024 * 1024

// NewEchoRequest snapshots r into an EchoRequest. The body is only read
// when the client declared Content-Length > 0; chunked bodies are not
// echoed.
func NewEchoRequest(r *http.Request, port int, maxBody int64) (*EchoRequest, error) {
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}

	req := &EchoRequest{
		ID:          uuid.New().String(),
		Method:      r.Method,
		Path:        requestPath(r),
		Headers:     collectHeaders(r),
		QueryParams: parseQuery(r.URL),
		SourcePort:  port,
	}

	if r.ContentLength > 0 {
		if r.ContentLength > maxBody {
			return nil, errors.Wrapf(ErrBodyTooLarge, "content-length %d exceeds %d", r.ContentLength, maxBody)
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, r.ContentLength))
		if err != nil {
			return nil, errors.Wrap(err, "read body")
		}
		if int64(len(body)) < r.ContentLength {
			return nil, errors.Wrap(io.ErrUnexpectedEOF, "read body")
		}
		req.Body = body
	}

	return req, nil
}

// requestPath is the raw request target, query string included.
func requestPath(r *http.Request) string {
	if r.RequestURI != "" {
		return r.RequestURI
	}
	if r.URL != nil {
		return r.URL.RequestURI()
	}
	return "/"
}

// collectHeaders returns Host first, then the remaining headers sorted by
// canonical name. net/http does not keep the wire order.
func collectHeaders(r *http.Request) Headers {
	names := make([]string, 0, len(r.Header))
	for name := range r.Header {
		names = append(names, http.CanonicalHeaderKey(name))
	}
	sort.Strings(names)

	headers := make(Headers, 0, len(names)+1)
	if r.Host != "" {
		headers = append(headers, Header{Name: "Host", Value: r.Host})
	}
	for i, name := range names {
		if name == "Host" || (i > 0 && names[i-1] == name) {
			continue
		}
		headers = append(headers, Header{
			Name:  name,
			Value: strings.Join(r.Header.Values(name), ", "),
		})
	}
	return headers
}

// parseQuery drops blank values and keys left without values.
func parseQuery(u *url.URL) map[string][]string {
	out := map[string][]string{}
	if u == nil || u.RawQuery == "" {
		return out
	}

	// malformed pairs are skipped, the rest are kept
	values, _ := url.ParseQuery(u.RawQuery)
	for key, vs := range values {
		kept := make([]string, 0, len(vs))
		for _, v := range vs {
			if v != "" {
				kept = append(kept, v)
			}
		}
		if len(kept) > 0 {
			out[key] = kept
		}
	}
	return out
}
