package server

import (
	"context"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

var errBinaryFrame = errors.New("binary frame received, text frames only")

// WSHandler upgrades every request and answers each text message with
// FormatWS, strictly in arrival order.
type WSHandler struct {
	port     int
	metrics  *Metrics
	upgrader websocket.Upgrader
}

func NewWSHandler(port int, opts HandlerOptions) *WSHandler {
	return &WSHandler{
		port:    port,
		metrics: opts.Metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// diagnostic tool, any origin may connect
				return true
			},
		},
	}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws %d] upgrade error from %s: %v", h.port, r.RemoteAddr, err)
		return
	}

	id := uuid.New().String()
	key := strconv.Itoa(h.port)
	start := time.Now()
	h.metrics.StartRequest(key)
	log.Printf("[ws %d] client %s connected from %s", h.port, id, r.RemoteAddr)

	// the request context is cancelled when the listener force-closes
	stop := context.AfterFunc(r.Context(), func() {
		_ = conn.Close()
	})

	n, err := h.serve(conn, key)
	stop()
	_ = conn.Close()

	failed := err != nil && !isPeerClose(err)
	h.metrics.EndRequest(key, time.Since(start), failed)

	switch {
	case !failed:
		log.Printf("[ws %d] client %s disconnected after %d messages", h.port, id, n)
	case r.Context().Err() != nil:
		log.Printf("[ws %d] client %s closed by shutdown after %d messages", h.port, id, n)
	default:
		log.Printf("[ws %d] client %s error after %d messages: %v", h.port, id, n, err)
	}
}

// serve runs the read/reply loop until the connection closes. It returns
// the number of messages echoed and the error that ended the loop.
func (h *WSHandler) serve(conn *websocket.Conn, key string) (int, error) {
	n := 0
	for {
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			return n, err
		}

		if mt != websocket.TextMessage {
			_ = conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseUnsupportedData, "text frames only"),
				time.Now().Add(time.Second),
			)
			return n, errBinaryFrame
		}

		if err := conn.WriteMessage(websocket.TextMessage, FormatWS(msg, h.port)); err != nil {
			return n, errors.Wrap(err, "write reply")
		}
		h.metrics.AddMessage(key)
		n++
	}
}

func isPeerClose(err error) bool {
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	)
}
