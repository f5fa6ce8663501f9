package server

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
)

type RequestLog struct {
	Time       time.Time `json:"time"`
	ID         string    `json:"id"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	Status     int       `json:"status"`
	DurationMs float64   `json:"duration_ms"`
	RemoteAddr string    `json:"remote_addr,omitempty"`
	UserAgent  string    `json:"user_agent,omitempty"`
	Port       int       `json:"port"`
	Error      string    `json:"error,omitempty"`
}

func logRequestJSON(entry RequestLog) {
	b, err := json.Marshal(entry)
	if err != nil {
		log.Printf("error marshaling log entry: %v", err)
		return
	}
	log.Println(string(b))
}

// HTTPHandler echoes GET, POST, PUT and DELETE on any path. Each request
// is formatted on its own, keep-alive connections share nothing.
type HTTPHandler struct {
	port    int
	maxBody int64
	metrics *Metrics
	router  *mux.Router
}

func NewHTTPHandler(port int, opts HandlerOptions) *HTTPHandler {
	h := &HTTPHandler{
		port:    port,
		maxBody: opts.MaxBodyBytes,
		metrics: opts.Metrics,
	}

	r := mux.NewRouter()
	// echo the path exactly as sent, no clean-up redirects
	r.SkipClean(true)
	r.PathPrefix("/").
		Methods(http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete).
		HandlerFunc(h.echo)
	r.MethodNotAllowedHandler = http.HandlerFunc(notImplemented)
	h.router = r

	return h
}

func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func notImplemented(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "Unsupported method ("+r.Method+")", http.StatusNotImplemented)
}

func (h *HTTPHandler) echo(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	key := strconv.Itoa(h.port)
	h.metrics.StartRequest(key)

	req, err := NewEchoRequest(r, h.port, h.maxBody)
	if err != nil {
		h.metrics.EndRequest(key, time.Since(start), true)
		log.Printf("[http %d] %s %s from %s -> closing connection: %v", h.port, r.Method, r.RequestURI, r.RemoteAddr, err)
		// no error-shaped echo: drop the connection instead
		panic(http.ErrAbortHandler)
	}

	resp := FormatHTTP(req)
	w.Header().Set("Content-Type", resp.ContentType)
	w.Header().Set("Server-Port", key)
	w.Header().Set("Content-Length", strconv.Itoa(len(resp.Payload)))
	w.WriteHeader(resp.StatusCode)
	_, werr := w.Write(resp.Payload)

	elapsed := time.Since(start)
	h.metrics.EndRequest(key, elapsed, werr != nil)

	entry := RequestLog{
		Time:       time.Now(),
		ID:         req.ID,
		Method:     req.Method,
		Path:       req.Path,
		Status:     resp.StatusCode,
		DurationMs: float64(elapsed.Microseconds()) / 1000,
		RemoteAddr: r.RemoteAddr,
		UserAgent:  r.UserAgent(),
		Port:       h.port,
	}
	if werr != nil {
		entry.Error = werr.Error()
	}
	logRequestJSON(entry)
}
