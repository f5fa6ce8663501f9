package server

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// startListener binds an ephemeral port on 127.0.0.1 and stops it when
// the test ends.
func startListener(t *testing.T, proto Protocol, factory HandlerFactory) *Listener {
	t.Helper()

	l := NewListener(ListenerConfig{Host: "127.0.0.1", Port: 0, Protocol: proto}, factory)
	if err := l.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		_ = l.Stop(context.Background(), DrainClose)
	})
	return l
}

// dialWS opens a WebSocket client to a listener on 127.0.0.1:port.
func dialWS(t *testing.T, port int) *websocket.Conn {
	t.Helper()

	url := "ws://127.0.0.1:" + strconv.Itoa(port) + "/"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// occupyPort returns a port held by another socket until the test ends.
func occupyPort(t *testing.T) int {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	return ln.Addr().(*net.TCPAddr).Port
}

// faultyHandler upgrades the connection and then tears it down without a
// close handshake, simulating a broken connection handler.
func faultyHandler() http.Handler {
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = conn.UnderlyingConn().Close()
	})
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) bool {
	t.Helper()

	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}
