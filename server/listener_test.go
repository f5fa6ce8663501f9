package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestListenerStartBindsEphemeralPort(t *testing.T) {
	l := startListener(t, ProtocolHTTP, nil)

	if l.Port() == 0 {
		t.Fatalf("expected the bound port to replace 0")
	}
	if l.Addr() == nil {
		t.Fatalf("expected an address after Start")
	}
	if !waitFor(t, time.Second, func() bool { return l.State() == StateAccepting }) {
		t.Fatalf("state = %s, want accepting", l.State())
	}
	if !l.Alive() {
		t.Fatalf("expected listener to be alive")
	}
}

func TestListenerStartTwice(t *testing.T) {
	l := startListener(t, ProtocolHTTP, nil)

	if err := l.Start(); err == nil {
		t.Fatalf("expected an error when starting twice")
	}
}

func TestListenerBindFailure(t *testing.T) {
	port := occupyPort(t)
	l := NewListener(ListenerConfig{Host: "127.0.0.1", Port: port, Protocol: ProtocolHTTP}, nil)

	err := l.Start()
	var bindErr *BindError
	if !errors.As(err, &bindErr) {
		t.Fatalf("expected *BindError, got %v", err)
	}
	if bindErr.Config.Port != port {
		t.Fatalf("bind error port = %d, want %d", bindErr.Config.Port, port)
	}
	if l.State() != StateFailed || l.Alive() {
		t.Fatalf("state = %s, want failed", l.State())
	}

	select {
	case <-l.Done():
	default:
		t.Fatalf("Done should be closed after a bind failure")
	}

	// nothing was bound, so stopping is a no-op
	if err := l.Stop(context.Background(), DrainClose); err != nil {
		t.Fatalf("Stop after bind failure: %v", err)
	}
}

func TestListenerFactoryError(t *testing.T) {
	factory := func(ListenerConfig) (http.Handler, error) {
		return nil, errors.New("no handler")
	}
	l := NewListener(ListenerConfig{Host: "127.0.0.1", Protocol: ProtocolHTTP}, factory)

	if err := l.Start(); err == nil {
		t.Fatalf("expected factory error")
	}
	if l.State() != StateFailed {
		t.Fatalf("state = %s, want failed", l.State())
	}
}

func TestListenerFactoryGetsBoundPort(t *testing.T) {
	var got int
	factory := func(cfg ListenerConfig) (http.Handler, error) {
		got = cfg.Port
		return http.NotFoundHandler(), nil
	}
	l := startListener(t, ProtocolHTTP, factory)

	if got == 0 || got != l.Port() {
		t.Fatalf("factory saw port %d, listener bound %d", got, l.Port())
	}
}

func TestListenerAcceptLoopDeath(t *testing.T) {
	l := startListener(t, ProtocolHTTP, nil)

	// yank the socket out from under the accept loop
	l.mu.RLock()
	ln := l.ln
	l.mu.RUnlock()
	_ = ln.Close()

	select {
	case <-l.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("accept loop did not exit")
	}
	if l.State() != StateFailed {
		t.Fatalf("state = %s, want failed", l.State())
	}
	if l.Err() == nil {
		t.Fatalf("expected an error describing the failure")
	}
}

func TestListenerStopCloseDropsConnections(t *testing.T) {
	l := startListener(t, ProtocolWebSocket, nil)
	conn := dialWS(t, l.Port())

	if err := conn.WriteMessage(websocket.TextMessage, []byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}
	expectReply(t, conn, "Server on port "+strconv.Itoa(l.Port())+" echoes: x")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := l.Stop(ctx, DrainClose); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if l.State() != StateStopped {
		t.Fatalf("state = %s, want stopped", l.State())
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected the connection to be closed")
	}
}

func TestListenerStopWaitDrainsConnections(t *testing.T) {
	l := startListener(t, ProtocolWebSocket, nil)
	prefix := "Server on port " + strconv.Itoa(l.Port()) + " echoes: "
	conn := dialWS(t, l.Port())

	if err := conn.WriteMessage(websocket.TextMessage, []byte("before")); err != nil {
		t.Fatalf("write: %v", err)
	}
	expectReply(t, conn, prefix+"before")

	stopped := make(chan error, 1)
	go func() {
		stopped <- l.Stop(context.Background(), DrainWait)
	}()

	if !waitFor(t, 2*time.Second, func() bool { return l.State() == StateStopped }) {
		t.Fatalf("listener did not stop accepting")
	}

	// the open connection keeps being served
	if err := conn.WriteMessage(websocket.TextMessage, []byte("during")); err != nil {
		t.Fatalf("write: %v", err)
	}
	expectReply(t, conn, prefix+"during")

	select {
	case err := <-stopped:
		t.Fatalf("Stop returned before the connection closed: %v", err)
	default:
	}

	closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteMessage(websocket.CloseMessage, closeMsg)

	select {
	case err := <-stopped:
		if err != nil {
			t.Fatalf("Stop: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Stop did not return after the connection closed")
	}
}

func TestListenerStopWaitGracePeriodEscalates(t *testing.T) {
	l := startListener(t, ProtocolWebSocket, nil)
	conn := dialWS(t, l.Port())

	if err := conn.WriteMessage(websocket.TextMessage, []byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}
	expectReply(t, conn, "Server on port "+strconv.Itoa(l.Port())+" echoes: x")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := l.Stop(ctx, DrainWait)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected the connection to be closed after the grace period")
	}
}

func TestListenerStopIsIdempotent(t *testing.T) {
	l := startListener(t, ProtocolHTTP, nil)

	for i := 0; i < 3; i++ {
		if err := l.Stop(context.Background(), DrainWait); err != nil {
			t.Fatalf("Stop #%d: %v", i, err)
		}
	}
	if l.State() != StateStopped {
		t.Fatalf("state = %s, want stopped", l.State())
	}
}

func TestListenerStopBeforeStart(t *testing.T) {
	l := NewListener(ListenerConfig{Host: "127.0.0.1", Port: 0, Protocol: ProtocolHTTP}, nil)

	if err := l.Stop(context.Background(), DrainWait); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if l.State() != StateStopped {
		t.Fatalf("state = %s, want stopped", l.State())
	}
	select {
	case <-l.Done():
	default:
		t.Fatalf("Done should be closed once stopped")
	}

	if err := l.Start(); err == nil {
		t.Fatalf("Start after Stop should fail")
	}
	if l.Addr() != nil || l.Alive() {
		t.Fatalf("listener bound after Stop")
	}
}

func TestListenerStatus(t *testing.T) {
	l := startListener(t, ProtocolWebSocket, nil)

	st := l.Status()
	if st.Port != l.Port() || st.Protocol != ProtocolWebSocket {
		t.Fatalf("unexpected status %#v", st)
	}
	if st.Address != l.Addr().String() {
		t.Fatalf("address = %q, want %q", st.Address, l.Addr())
	}
}
