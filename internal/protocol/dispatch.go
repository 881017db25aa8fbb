package protocol

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync/atomic"

	"gatewaylog/internal/transport"

	"github.com/golang/protobuf/proto"
)

// Dispatcher routes one fragment. It returns transport.Unhandled when it does not
// know the fragment's template.
type Dispatcher interface {
	Dispatch(fragment []byte, h transport.Header) transport.Action
}

type DispatcherFunc func(fragment []byte, h transport.Header) transport.Action

func (f DispatcherFunc) Dispatch(fragment []byte, h transport.Header) transport.Action {
	return f(fragment, h)
}

// Handler receives data-plane messages. Views passed to it are only valid for the
// duration of the call.
type Handler interface {
	OnMessage(m *FixMessage, position int64) transport.Action
	OnDisconnect(libraryID int32, connection int64, reason DisconnectReason) transport.Action
	OnILinkMessage(connection int64, payload []byte) transport.Action
}

// ControlHandler receives consensus control messages.
type ControlHandler interface {
	OnRequestVote(m *RequestVote, h transport.Header) transport.Action
	OnReplyVote(m *ReplyVote, h transport.Header) transport.Action
	OnConsensusHeartbeat(m *ConsensusHeartbeat, h transport.Header) transport.Action
	OnMessageAcknowledgement(m *MessageAcknowledgement, h transport.Header) transport.Action
	OnResend(m *Resend, h transport.Header) transport.Action
}

// Chain returns a fragment handler that offers each fragment to the dispatchers in
// order and stops at the first that handles it. Fragments nobody handles are
// skipped.
func Chain(dispatchers ...Dispatcher) transport.FragmentHandler {
	return func(fragment []byte, h transport.Header) transport.Action {
		for _, d := range dispatchers {
			if action := d.Dispatch(fragment, h); action != transport.Unhandled {
				return action
			}
		}
		return transport.Continue
	}
}

// decodeFailures is shared by both dispatchers.
type decodeFailures struct {
	log    *slog.Logger
	failed atomic.Int64
}

func (d *decodeFailures) DecodeFailures() int64 { return d.failed.Load() }

func (d *decodeFailures) fail(err error, h transport.Header) transport.Action {
	d.failed.Add(1)
	d.log.Warn("dropping undecodable fragment", "stream", h.Stream, "session", h.SessionID, "position", h.Position, "err", err)
	return transport.Continue
}

func loggerOrDefault(log *slog.Logger) *slog.Logger {
	if log == nil {
		return slog.Default()
	}
	return log
}

// Subscription dispatches data-plane templates to a Handler. It owns reusable
// decoder views and retains nothing between calls.
type Subscription struct {
	decodeFailures
	handler    Handler
	message    FixMessage
	disconnect Disconnect
}

func NewSubscription(handler Handler, log *slog.Logger) *Subscription {
	s := &Subscription{handler: handler}
	s.log = loggerOrDefault(log)
	return s
}

func (s *Subscription) Dispatch(fragment []byte, h transport.Header) transport.Action {
	hdr, err := DecodeHeader(fragment)
	if err != nil {
		return s.fail(err, h)
	}
	switch hdr.TemplateID {
	case TemplateFixMessage, TemplateDisconnect, TemplateILinkMessage:
	default:
		return transport.Unhandled
	}
	if err := hdr.Check(); err != nil {
		return s.fail(err, h)
	}
	block := int(hdr.BlockLength)
	switch hdr.TemplateID {
	case TemplateFixMessage:
		if err := s.message.wrap(fragment, HeaderLength, block); err != nil {
			return s.fail(err, h)
		}
		return s.handler.OnMessage(&s.message, h.Position)
	case TemplateDisconnect:
		if err := s.disconnect.wrap(fragment, HeaderLength, block); err != nil {
			return s.fail(err, h)
		}
		return s.handler.OnDisconnect(s.disconnect.LibraryID, s.disconnect.Connection, s.disconnect.Reason)
	default:
		if block < ILinkMessageBlockLength || len(fragment) < HeaderLength+block {
			return s.fail(fmt.Errorf("%w: ilink block", ErrShortBuffer), h)
		}
		connection := int64(binary.LittleEndian.Uint64(fragment[HeaderLength:]))
		return s.handler.OnILinkMessage(connection, fragment[HeaderLength+block:])
	}
}

// ControlSubscription dispatches consensus templates to a ControlHandler.
type ControlSubscription struct {
	decodeFailures
	handler ControlHandler

	requestVote RequestVote
	replyVote   ReplyVote
	heartbeat   ConsensusHeartbeat
	ack         MessageAcknowledgement
	resend      Resend
}

func NewControlSubscription(handler ControlHandler, log *slog.Logger) *ControlSubscription {
	s := &ControlSubscription{handler: handler}
	s.log = loggerOrDefault(log)
	return s
}

func (s *ControlSubscription) Dispatch(fragment []byte, h transport.Header) transport.Action {
	hdr, err := DecodeHeader(fragment)
	if err != nil {
		return s.fail(err, h)
	}
	if !isControlTemplate(hdr.TemplateID) {
		return transport.Unhandled
	}
	if err := hdr.Check(); err != nil {
		return s.fail(err, h)
	}
	body := fragment[HeaderLength:]
	var msg proto.Message
	switch hdr.TemplateID {
	case TemplateRequestVote:
		msg = &s.requestVote
	case TemplateReplyVote:
		msg = &s.replyVote
	case TemplateConsensusHeartbeat:
		msg = &s.heartbeat
	case TemplateMessageAcknowledgement:
		msg = &s.ack
	default:
		msg = &s.resend
	}
	if err := proto.Unmarshal(body, msg); err != nil {
		return s.fail(fmt.Errorf("decode template %d: %w", hdr.TemplateID, err), h)
	}
	switch m := msg.(type) {
	case *RequestVote:
		return s.handler.OnRequestVote(m, h)
	case *ReplyVote:
		return s.handler.OnReplyVote(m, h)
	case *ConsensusHeartbeat:
		return s.handler.OnConsensusHeartbeat(m, h)
	case *MessageAcknowledgement:
		return s.handler.OnMessageAcknowledgement(m, h)
	default:
		return s.handler.OnResend(m.(*Resend), h)
	}
}
