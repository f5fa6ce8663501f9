package server

import (
	"sync"
	"time"
)

type ListenerMetrics struct {
	Count        uint64        `json:"count"`
	Messages     uint64        `json:"messages"`
	TotalLatency time.Duration `json:"total_latency_ns"`
}

// Metrics counts HTTP requests and WebSocket connections per listener.
// Handlers only write to it; nothing in an echo depends on it. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	mu            sync.Mutex
	TotalRequests uint64                      `json:"total_requests"`
	TotalErrors   uint64                      `json:"total_errors"`
	TotalMessages uint64                      `json:"total_messages"`
	InFlight      uint64                      `json:"in_flight"`
	ByListener    map[string]*ListenerMetrics `json:"by_listener"`
}

func NewMetrics() *Metrics {
	return &Metrics{
		ByListener: make(map[string]*ListenerMetrics),
	}
}

func (m *Metrics) StartRequest(key string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.InFlight++
	m.TotalRequests++
	if _, ok := m.ByListener[key]; !ok {
		m.ByListener[key] = &ListenerMetrics{}
	}
}

func (m *Metrics) EndRequest(key string, latency time.Duration, err bool) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.InFlight > 0 {
		m.InFlight--
	}
	if err {
		m.TotalErrors++
	}

	lm := m.listener(key)
	lm.Count++
	lm.TotalLatency += latency
}

// AddMessage records one echoed WebSocket message.
func (m *Metrics) AddMessage(key string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TotalMessages++
	m.listener(key).Messages++
}

func (m *Metrics) listener(key string) *ListenerMetrics {
	lm := m.ByListener[key]
	if lm == nil {
		lm = &ListenerMetrics{}
		m.ByListener[key] = lm
	}
	return lm
}

// MetricsSnapshot is a point-in-time copy of Metrics, safe to encode.
type MetricsSnapshot struct {
	TotalRequests uint64                      `json:"total_requests"`
	TotalErrors   uint64                      `json:"total_errors"`
	TotalMessages uint64                      `json:"total_messages"`
	InFlight      uint64                      `json:"in_flight"`
	ByListener    map[string]*ListenerMetrics `json:"by_listener"`
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{ByListener: map[string]*ListenerMetrics{}}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := MetricsSnapshot{
		TotalRequests: m.TotalRequests,
		TotalErrors:   m.TotalErrors,
		TotalMessages: m.TotalMessages,
		InFlight:      m.InFlight,
		ByListener:    make(map[string]*ListenerMetrics, len(m.ByListener)),
	}

	for key, lm := range m.ByListener {
		lmCopy := *lm
		snap.ByListener[key] = &lmCopy
	}

	return snap
}
