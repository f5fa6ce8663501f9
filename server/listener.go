package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

type ListenerConfig struct {
	Host     string   `json:"host" yaml:"host"`
	Port     int      `json:"port" yaml:"port"`
	Protocol Protocol `json:"protocol" yaml:"protocol"`
}

func (c ListenerConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

type ListenerState int

const (
	StateUnbound ListenerState = iota
	StateBound
	StateAccepting
	StateStopped
	StateFailed
)

func (s ListenerState) String() string {
	switch s {
	case StateUnbound:
		return "unbound"
	case StateBound:
		return "bound"
	case StateAccepting:
		return "accepting"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

func (s ListenerState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Listener owns one bound socket. Every accepted connection is served on
// its own goroutine by the handler built for this listener.
type Listener struct {
	cfg     ListenerConfig
	factory HandlerFactory

	mu    sync.RWMutex
	state ListenerState
	err   error
	port  int
	ln    net.Listener
	srv   *http.Server

	// cancels the request context of every connection, hijacked ones
	// included
	closeConns context.CancelFunc
	inflight   sync.WaitGroup
	stopping   atomic.Bool
	done       chan struct{}
}

// NewListener returns an unbound listener. A nil factory builds the
// default echo handler for cfg.Protocol.
func NewListener(cfg ListenerConfig, factory HandlerFactory) *Listener {
	if factory == nil {
		factory = HandlerOptions{}.Factory()
	}
	return &Listener{
		cfg:     cfg,
		factory: factory,
		port:    cfg.Port,
		done:    make(chan struct{}),
	}
}

// Start binds the socket and launches the accept loop. A bind failure is
// returned as *BindError and leaves the listener Failed.
func (l *Listener) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != StateUnbound {
		return errors.Errorf("listener %s already started (%s)", l.cfg.Address(), l.state)
	}

	ln, err := net.Listen("tcp", l.cfg.Address())
	if err != nil {
		return l.failLocked(&BindError{Config: l.cfg, Err: err})
	}

	port := ln.Addr().(*net.TCPAddr).Port
	cfg := l.cfg
	cfg.Port = port

	h, err := l.factory(cfg)
	if err != nil {
		_ = ln.Close()
		return l.failLocked(errors.Wrapf(err, "build handler for port %d", port))
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	l.srv = &http.Server{
		Handler:     l.track(h),
		BaseContext: func(net.Listener) context.Context { return baseCtx },
		ErrorLog:    log.New(log.Writer(), fmt.Sprintf("[listener %d] ", port), log.Flags()),
	}
	l.ln = ln
	l.port = port
	l.closeConns = cancel
	l.state = StateBound

	log.Printf("[listener %d] bound %s (%s)", port, ln.Addr(), l.cfg.Protocol)

	go l.serve()
	return nil
}

func (l *Listener) failLocked(err error) error {
	l.state = StateFailed
	l.err = err
	close(l.done)
	return err
}

func (l *Listener) serve() {
	defer close(l.done)

	l.mu.Lock()
	if l.state == StateBound {
		l.state = StateAccepting
	}
	srv, ln := l.srv, l.ln
	l.mu.Unlock()

	err := srv.Serve(ln)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopping.Load() && errors.Is(err, http.ErrServerClosed) {
		l.state = StateStopped
		log.Printf("[listener %d] stopped", l.port)
		return
	}

	l.state = StateFailed
	l.err = errors.Wrapf(err, "accept loop on port %d", l.port)
	// connections already accepted keep running until they close
	log.Printf("[listener %d] failed: %v", l.port, l.err)
}

// track counts handlers still running so a draining stop can wait for
// them, including hijacked WebSocket connections.
func (l *Listener) track(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		l.inflight.Add(1)
		defer l.inflight.Done()
		h.ServeHTTP(w, r)
	})
}

// Stop closes the socket. With DrainWait it then waits for in-flight
// connections until ctx is done, after which they are closed. With
// DrainClose they are closed immediately. Stopping twice is a no-op, and
// stopping a listener that was never started keeps it from starting.
func (l *Listener) Stop(ctx context.Context, mode DrainMode) error {
	l.mu.Lock()
	if l.state == StateUnbound {
		// never bound: a later Start must refuse
		l.state = StateStopped
		l.stopping.Store(true)
		close(l.done)
		l.mu.Unlock()
		return nil
	}
	srv, closeConns := l.srv, l.closeConns
	l.mu.Unlock()

	if srv == nil {
		return nil
	}
	if !l.stopping.CompareAndSwap(false, true) {
		<-l.done
		return nil
	}

	var err error
	if mode == DrainClose {
		closeConns()
		err = srv.Close()
	} else {
		err = srv.Shutdown(ctx)
		if err == nil {
			err = l.waitInflight(ctx)
		}
		if err != nil {
			log.Printf("[listener %d] drain interrupted, closing connections: %v", l.port, err)
			closeConns()
			_ = srv.Close()
		}
	}

	<-l.done
	closeConns()
	return err
}

func (l *Listener) waitInflight(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		l.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Listener) Config() ListenerConfig { return l.cfg }

// Port is the bound port, which differs from Config().Port when that is 0.
func (l *Listener) Port() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.port
}

func (l *Listener) Addr() net.Addr {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

func (l *Listener) State() ListenerState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Alive reports whether the listener is bound and not yet stopped or
// failed. It never blocks on I/O.
func (l *Listener) Alive() bool {
	s := l.State()
	return s == StateBound || s == StateAccepting
}

func (l *Listener) Err() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.err
}

// Done is closed once the accept loop has exited or binding failed.
func (l *Listener) Done() <-chan struct{} { return l.done }

type ListenerStatus struct {
	Port     int           `json:"port"`
	Protocol Protocol      `json:"protocol"`
	Address  string        `json:"address"`
	State    ListenerState `json:"state"`
	Error    string        `json:"error,omitempty"`
}

func (l *Listener) Status() ListenerStatus {
	l.mu.RLock()
	defer l.mu.RUnlock()

	st := ListenerStatus{
		Port:     l.port,
		Protocol: l.cfg.Protocol,
		Address:  l.cfg.Address(),
		State:    l.state,
	}
	if l.ln != nil {
		st.Address = l.ln.Addr().String()
	}
	if l.err != nil {
		st.Error = l.err.Error()
	}
	return st
}
