package server

import (
	"context"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	DefaultProxyBufferSize  = 32 * 1024
	DefaultProxyDialTimeout = time.Second
)

var (
	ErrNoBackends          = errors.New("proxy has no backends")
	ErrBackendsUnavailable = errors.New("all backends are unavailable")
)

// ProxyConfig describes a round-robin TCP proxy. Backends are host:port
// addresses, tried in turn starting after the one used last.
type ProxyConfig struct {
	Addr            string
	Backends        []string
	BufferSize      int
	KeepAlive       bool
	KeepAlivePeriod time.Duration
	DialTimeout     time.Duration
}

// Proxy forwards every accepted TCP connection to one backend and copies
// bytes both ways until either side closes. A backend that refuses the
// dial is skipped for that connection.
type Proxy struct {
	cfg  ProxyConfig
	next atomic.Uint64

	mu     sync.Mutex
	ln     net.Listener
	closed bool
	active map[string]int
	conns  map[net.Conn]struct{}
	wg     sync.WaitGroup
}

func NewProxy(cfg ProxyConfig) (*Proxy, error) {
	if len(cfg.Backends) == 0 {
		return nil, ErrNoBackends
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultProxyBufferSize
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultProxyDialTimeout
	}
	cfg.Backends = append([]string(nil), cfg.Backends...)

	return &Proxy{
		cfg:    cfg,
		active: make(map[string]int),
		conns:  make(map[net.Conn]struct{}),
	}, nil
}

// Start binds the proxy address.
func (p *Proxy) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ln != nil || p.closed {
		return errors.Errorf("proxy %s already started", p.cfg.Addr)
	}

	ln, err := net.Listen("tcp", p.cfg.Addr)
	if err != nil {
		return errors.Wrapf(err, "bind proxy %s", p.cfg.Addr)
	}
	p.ln = ln
	log.Printf("[proxy] listening on %s, backends %v", ln.Addr(), p.cfg.Backends)
	return nil
}

func (p *Proxy) Addr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ln == nil {
		return nil
	}
	return p.ln.Addr()
}

// Serve accepts connections until ctx is done, then closes the listener
// and every proxied connection. It returns nil on cancellation and the
// accept error otherwise.
func (p *Proxy) Serve(ctx context.Context) error {
	p.mu.Lock()
	ln := p.ln
	p.mu.Unlock()
	if ln == nil {
		return errors.New("proxy not started")
	}

	stop := context.AfterFunc(ctx, p.close)
	defer stop()

	for {
		client, err := ln.Accept()
		if err != nil {
			if p.isClosed() {
				p.wg.Wait()
				log.Printf("[proxy] stopped")
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(10 * time.Millisecond)
				continue
			}
			p.close()
			p.wg.Wait()
			return errors.Wrap(err, "proxy accept")
		}

		if !p.track(client) {
			_ = client.Close()
			continue
		}
		p.wg.Add(1)
		go p.handle(client)
	}
}

// Run is Start followed by Serve.
func (p *Proxy) Run(ctx context.Context) error {
	if err := p.Start(); err != nil {
		return err
	}
	return p.Serve(ctx)
}

// ActiveConnections reports open connections per backend.
func (p *Proxy) ActiveConnections() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]int, len(p.active))
	for backend, n := range p.active {
		if n > 0 {
			out[backend] = n
		}
	}
	return out
}

func (p *Proxy) close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	if p.ln != nil {
		_ = p.ln.Close()
	}
	for c := range p.conns {
		_ = c.Close()
	}
}

func (p *Proxy) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// track registers c so close can tear it down. It reports false once the
// proxy is closing.
func (p *Proxy) track(c net.Conn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.conns[c] = struct{}{}
	return true
}

func (p *Proxy) untrack(c net.Conn) {
	p.mu.Lock()
	delete(p.conns, c)
	p.mu.Unlock()
	_ = c.Close()
}

func (p *Proxy) handle(client net.Conn) {
	defer p.wg.Done()
	defer p.untrack(client)

	id := uuid.New().String()
	p.setKeepAlive(client)

	backend, addr, err := p.dialBackend()
	if err != nil {
		log.Printf("[proxy] conn %s from %s: %v", id, client.RemoteAddr(), err)
		return
	}
	if !p.track(backend) {
		_ = backend.Close()
		p.release(addr)
		return
	}
	defer p.release(addr)
	defer p.untrack(backend)
	p.setKeepAlive(backend)

	start := time.Now()
	var up, down int64
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		up = p.pipe(backend, client)
	}()
	go func() {
		defer wg.Done()
		down = p.pipe(client, backend)
	}()
	wg.Wait()

	log.Printf("[proxy] conn %s %s -> %s closed after %s (%d bytes up, %d down)",
		id, client.RemoteAddr(), addr, time.Since(start).Round(time.Millisecond), up, down)
}

// pipe copies src to dst, then half-closes dst so the peer sees EOF.
func (p *Proxy) pipe(dst, src net.Conn) int64 {
	buf := make([]byte, p.cfg.BufferSize)
	n, err := io.CopyBuffer(dst, src, buf)
	if err != nil && !errors.Is(err, net.ErrClosed) {
		log.Printf("[proxy] copy %s -> %s: %v", src.RemoteAddr(), dst.RemoteAddr(), err)
	}
	if cw, ok := dst.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
	return n
}

// dialBackend tries each backend once, starting with the next in
// round-robin order.
func (p *Proxy) dialBackend() (net.Conn, string, error) {
	n := len(p.cfg.Backends)
	start := int((p.next.Add(1) - 1) % uint64(n))

	for i := 0; i < n; i++ {
		addr := p.cfg.Backends[(start+i)%n]
		conn, err := net.DialTimeout("tcp", addr, p.cfg.DialTimeout)
		if err != nil {
			log.Printf("[proxy] backend %s unavailable: %v", addr, err)
			continue
		}

		p.mu.Lock()
		p.active[addr]++
		p.mu.Unlock()
		return conn, addr, nil
	}
	return nil, "", ErrBackendsUnavailable
}

func (p *Proxy) release(addr string) {
	p.mu.Lock()
	p.active[addr]--
	p.mu.Unlock()
}

func (p *Proxy) setKeepAlive(c net.Conn) {
	tcp, ok := c.(*net.TCPConn)
	if !ok {
		return
	}
	_ = tcp.SetKeepAlive(p.cfg.KeepAlive)
	if p.cfg.KeepAlive && p.cfg.KeepAlivePeriod > 0 {
		_ = tcp.SetKeepAlivePeriod(p.cfg.KeepAlivePeriod)
	}
}
