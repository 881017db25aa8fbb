// Package transport is the boundary to the publish/subscribe layer. Both sides are
// non-blocking: Poll returns the number of fragments handled, and Offer either
// accepts a message or reports why it cannot.
package transport

import (
	"errors"

	"gatewaylog/internal/domain"
)

var (
	ErrBackPressured   = errors.New("transport back pressured")
	ErrNotConnected    = errors.New("transport not connected")
	ErrClosed          = errors.New("transport closed")
	ErrMessageTooLarge = errors.New("message too large for term")
)

// Header describes the fragment being delivered. Position is the stream position
// immediately after the fragment's frame.
type Header struct {
	Stream           domain.StreamIdentifier
	SessionID        int32
	Position         int64
	InitialTermID    int32
	TermBufferLength int32
}

// Action is returned by a FragmentHandler to steer the poll loop.
type Action int

const (
	// Continue consumes the fragment and keeps polling.
	Continue Action = iota
	// Abort leaves the fragment in place so the next Poll delivers it again.
	Abort
	// Break consumes the fragment and ends this Poll.
	Break
	// Unhandled is returned by dispatchers that do not know the fragment. Poll
	// treats it like Continue.
	Unhandled
)

func (a Action) String() string {
	switch a {
	case Continue:
		return "CONTINUE"
	case Abort:
		return "ABORT"
	case Break:
		return "BREAK"
	case Unhandled:
		return "UNHANDLED"
	default:
		return "UNKNOWN"
	}
}

// FragmentHandler receives a borrowed fragment. The slice is only valid for the
// duration of the call.
type FragmentHandler func(fragment []byte, h Header) Action

type Subscription interface {
	Poll(handler FragmentHandler, fragmentLimit int) int
	Close() error
}

type Publication interface {
	// Offer returns the new stream position on success, or one of
	// ErrBackPressured, ErrNotConnected, ErrClosed, ErrMessageTooLarge.
	Offer(msg []byte) (int64, error)
	Position() int64
	SessionID() int32
	Close() error
}

// Transport creates publications and subscriptions on named streams.
type Transport interface {
	AddPublication(stream domain.StreamIdentifier, sessionID int32) (Publication, error)
	AddSubscription(stream domain.StreamIdentifier) (Subscription, error)
	Close() error
}

// Retryable reports whether err is a transient offer failure.
func Retryable(err error) bool {
	return errors.Is(err, ErrBackPressured) || errors.Is(err, ErrNotConnected)
}
