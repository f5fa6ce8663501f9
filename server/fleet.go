package server

import (
	"context"
	stderrors "errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const DefaultPollInterval = time.Second

// DrainMode decides what happens to open connections when listeners stop.
type DrainMode string

const (
	// DrainWait stops accepting and lets open connections finish.
	DrainWait DrainMode = "wait"
	// DrainClose stops accepting and closes open connections.
	DrainClose DrainMode = "close"
)

func (m DrainMode) Valid() bool {
	return m == DrainWait || m == DrainClose
}

// ShutdownPolicy picks the drain mode per shutdown cause. A positive
// GracePeriod bounds DrainWait; zero waits as long as connections stay open.
type ShutdownPolicy struct {
	OnInterrupt DrainMode
	OnFailure   DrainMode
	GracePeriod time.Duration
}

func DefaultShutdownPolicy() ShutdownPolicy {
	return ShutdownPolicy{
		OnInterrupt: DrainWait,
		OnFailure:   DrainClose,
	}
}

type Option func(*Fleet)

func WithPollInterval(d time.Duration) Option {
	return func(f *Fleet) {
		if d > 0 {
			f.pollInterval = d
		}
	}
}

func WithShutdownPolicy(p ShutdownPolicy) Option {
	return func(f *Fleet) {
		if p.OnInterrupt.Valid() {
			f.policy.OnInterrupt = p.OnInterrupt
		}
		if p.OnFailure.Valid() {
			f.policy.OnFailure = p.OnFailure
		}
		if p.GracePeriod > 0 {
			f.policy.GracePeriod = p.GracePeriod
		}
	}
}

func WithHandlerOptions(o HandlerOptions) Option {
	return func(f *Fleet) { f.factory = o.Factory() }
}

// WithHandlerFactory replaces the echo handlers entirely.
func WithHandlerFactory(factory HandlerFactory) Option {
	return func(f *Fleet) {
		if factory != nil {
			f.factory = factory
		}
	}
}

// Fleet runs a set of independent listeners as one service. Listeners
// share no state; the fleet only watches their liveness.
type Fleet struct {
	listeners    []*Listener
	pollInterval time.Duration
	policy       ShutdownPolicy
	factory      HandlerFactory

	shutdownOnce sync.Once
	stopping     chan struct{}
}

// NewFleet validates cfgs and creates one unbound listener per entry.
// Non-zero ports must be pairwise distinct; port 0 binds an ephemeral port.
func NewFleet(cfgs []ListenerConfig, opts ...Option) (*Fleet, error) {
	if len(cfgs) == 0 {
		return nil, ErrNoListeners
	}

	seen := make(map[int]bool, len(cfgs))
	for i, cfg := range cfgs {
		if !cfg.Protocol.Valid() {
			return nil, errors.Wrapf(ErrInvalidProtocol, "listener %d: %q", i, cfg.Protocol)
		}
		if cfg.Port < 0 || cfg.Port > 65535 {
			return nil, errors.Errorf("listener %d: port %d out of range", i, cfg.Port)
		}
		if cfg.Port == 0 {
			continue
		}
		if seen[cfg.Port] {
			return nil, errors.Wrapf(ErrDuplicatePort, "port %d", cfg.Port)
		}
		seen[cfg.Port] = true
	}

	f := &Fleet{
		pollInterval: DefaultPollInterval,
		policy:       DefaultShutdownPolicy(),
		factory:      HandlerOptions{}.Factory(),
		stopping:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}

	f.listeners = make([]*Listener, 0, len(cfgs))
	for _, cfg := range cfgs {
		f.listeners = append(f.listeners, NewListener(cfg, f.factory))
	}

	return f, nil
}

func (f *Fleet) Listeners() []*Listener {
	out := make([]*Listener, len(f.listeners))
	copy(out, f.listeners)
	return out
}

// Run starts every listener concurrently and supervises them until ctx is
// cancelled or a listener fails. Cancellation is the graceful path and
// returns nil; a bind failure or a dead listener stops the rest of the
// fleet and returns an error wrapping ErrListenerFailed.
func (f *Fleet) Run(ctx context.Context) error {
	if f.stopped() {
		// wait for the Shutdown in progress
		f.Shutdown(f.policy.OnInterrupt)
		return nil
	}

	if err := f.start(); err != nil {
		if f.stopped() {
			// Shutdown raced the start; its Stop calls made Start refuse
			// or closed what had bound already
			f.Shutdown(f.policy.OnInterrupt)
			return nil
		}
		log.Printf("[fleet] startup failed, stopping remaining listeners: %v", err)
		f.Shutdown(f.policy.OnFailure)
		return err
	}
	log.Printf("[fleet] %d listeners accepting", len(f.listeners))

	ticker := time.NewTicker(f.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[shutdown] stopping %d listeners (drain=%s)", len(f.listeners), f.policy.OnInterrupt)
			f.Shutdown(f.policy.OnInterrupt)
			return nil

		case <-f.stopping:
			// Shutdown called directly; wait for it to finish
			f.Shutdown(f.policy.OnInterrupt)
			return nil

		case <-ticker.C:
			if err := f.check(); err != nil {
				log.Printf("[fleet] %v, stopping remaining listeners (drain=%s)", err, f.policy.OnFailure)
				f.Shutdown(f.policy.OnFailure)
				return err
			}
		}
	}
}

func (f *Fleet) start() error {
	errs := make([]error, len(f.listeners))

	var wg sync.WaitGroup
	for i, l := range f.listeners {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = l.Start()
		}()
	}
	wg.Wait()

	if err := stderrors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrListenerFailed, err)
	}
	return nil
}

func (f *Fleet) stopped() bool {
	select {
	case <-f.stopping:
		return true
	default:
		return false
	}
}

// check is the liveness poll: any failed listener, or no live listener
// at all, fails the whole fleet.
func (f *Fleet) check() error {
	var failed []error
	live := 0
	for _, l := range f.listeners {
		switch l.State() {
		case StateFailed:
			failed = append(failed, l.Err())
		case StateBound, StateAccepting:
			live++
		}
	}

	if len(failed) > 0 {
		return fmt.Errorf("%w: %w", ErrListenerFailed, stderrors.Join(failed...))
	}
	if live == 0 {
		return errors.Wrap(ErrListenerFailed, "no live listeners")
	}
	return nil
}

// Shutdown stops every listener with the given drain mode, bounded by the
// policy's grace period. Only the first call has an effect; later calls
// wait for it to complete.
func (f *Fleet) Shutdown(mode DrainMode) {
	f.ShutdownWithin(mode, f.policy.GracePeriod)
}

// ShutdownWithin is Shutdown with an explicit grace period for DrainWait.
// Zero waits as long as connections stay open.
func (f *Fleet) ShutdownWithin(mode DrainMode, grace time.Duration) {
	f.shutdownOnce.Do(func() {
		close(f.stopping)

		ctx := context.Background()
		if mode == DrainWait && grace > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, grace)
			defer cancel()
		}

		var wg sync.WaitGroup
		for _, l := range f.listeners {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := l.Stop(ctx, mode); err != nil {
					log.Printf("[shutdown] listener %d: %v", l.Port(), err)
				}
			}()
		}
		wg.Wait()
		log.Printf("[shutdown] fleet stopped")
	})
}

type FleetHealth struct {
	Listeners       []ListenerStatus `json:"listeners"`
	LiveListeners   int              `json:"live_listeners"`
	FailedListeners int              `json:"failed_listeners"`
}

func (f *Fleet) Health() FleetHealth {
	h := FleetHealth{}
	if f == nil {
		return h
	}

	h.Listeners = make([]ListenerStatus, 0, len(f.listeners))
	for _, l := range f.listeners {
		st := l.Status()
		switch st.State {
		case StateBound, StateAccepting:
			h.LiveListeners++
		case StateFailed:
			h.FailedListeners++
		}
		h.Listeners = append(h.Listeners, st)
	}

	return h
}
