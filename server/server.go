package server

import (
	"net/http"
	"strings"

	"github.com/pkg/errors"
)

type Protocol string

const (
	ProtocolHTTP      Protocol = "http"
	ProtocolWebSocket Protocol = "websocket"
)

func (p Protocol) Valid() bool {
	return p == ProtocolHTTP || p == ProtocolWebSocket
}

// ParseProtocol accepts "http", "ws" and "websocket" in any case.
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "http":
		return ProtocolHTTP, nil
	case "ws", "websocket":
		return ProtocolWebSocket, nil
	}
	return "", errors.Wrapf(ErrInvalidProtocol, "%q", s)
}

// HandlerOptions are shared by every connection handler of a fleet.
type HandlerOptions struct {
	MaxBodyBytes int64
	Metrics      *Metrics
}

// HandlerFactory builds the connection handler for one listener once its
// port is known.
type HandlerFactory func(cfg ListenerConfig) (http.Handler, error)

// NewHandler returns the echo handler for cfg.Protocol. The port is fixed
// at construction and reported in every echo.
func NewHandler(cfg ListenerConfig, opts HandlerOptions) (http.Handler, error) {
	switch cfg.Protocol {
	case ProtocolHTTP:
		return NewHTTPHandler(cfg.Port, opts), nil
	case ProtocolWebSocket:
		return NewWSHandler(cfg.Port, opts), nil
	}
	return nil, errors.Wrapf(ErrInvalidProtocol, "%q", cfg.Protocol)
}

func (o HandlerOptions) Factory() HandlerFactory {
	return func(cfg ListenerConfig) (http.Handler, error) {
		return NewHandler(cfg, o)
	}
}
