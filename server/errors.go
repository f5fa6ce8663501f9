package server

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrNoListeners     = errors.New("fleet has no listeners")
	ErrDuplicatePort   = errors.New("duplicate listener port")
	ErrInvalidProtocol = errors.New("invalid listener protocol")
	ErrListenerFailed  = errors.New("listener failed")
	ErrBodyTooLarge    = errors.New("request body too large")
)

// BindError is returned when a listener cannot bind its address.
// It is fatal for that listener only; the fleet decides what happens next.
type BindError struct {
	Config ListenerConfig
	Err    error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind %s (%s): %v", e.Config.Address(), e.Config.Protocol, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }
