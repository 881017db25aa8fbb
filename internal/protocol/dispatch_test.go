package protocol

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"gatewaylog/internal/domain"
	"gatewaylog/internal/transport"

	"github.com/golang/protobuf/proto"
)

func nopLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

var testHeader = transport.Header{Stream: domain.NewStreamIdentifier("aeron:ipc", 2), SessionID: 43, Position: 128}

type recordingHandler struct {
	messages    []FixMessage
	bodies      []string
	positions   []int64
	disconnects []Disconnect
	ilinks      []string
	action      transport.Action
}

func (r *recordingHandler) OnMessage(m *FixMessage, position int64) transport.Action {
	r.messages = append(r.messages, *m)
	r.bodies = append(r.bodies, string(m.Body))
	r.positions = append(r.positions, position)
	return r.action
}

func (r *recordingHandler) OnDisconnect(libraryID int32, connection int64, reason DisconnectReason) transport.Action {
	r.disconnects = append(r.disconnects, Disconnect{LibraryID: libraryID, Connection: connection, Reason: reason})
	return r.action
}

func (r *recordingHandler) OnILinkMessage(connection int64, payload []byte) transport.Action {
	r.ilinks = append(r.ilinks, string(payload))
	return r.action
}

type recordingControl struct {
	votes      []RequestVote
	replies    []ReplyVote
	heartbeats []ConsensusHeartbeat
	acks       []MessageAcknowledgement
	resends    []Resend
}

func (r *recordingControl) OnRequestVote(m *RequestVote, _ transport.Header) transport.Action {
	r.votes = append(r.votes, *m)
	return transport.Continue
}

func (r *recordingControl) OnReplyVote(m *ReplyVote, _ transport.Header) transport.Action {
	r.replies = append(r.replies, *m)
	return transport.Continue
}

func (r *recordingControl) OnConsensusHeartbeat(m *ConsensusHeartbeat, _ transport.Header) transport.Action {
	r.heartbeats = append(r.heartbeats, *m)
	return transport.Continue
}

func (r *recordingControl) OnMessageAcknowledgement(m *MessageAcknowledgement, _ transport.Header) transport.Action {
	r.acks = append(r.acks, *m)
	return transport.Continue
}

func (r *recordingControl) OnResend(m *Resend, _ transport.Header) transport.Action {
	r.resends = append(r.resends, *m)
	return transport.Break
}

func encodeFix(t *testing.T, m *FixMessage) []byte {
	t.Helper()
	buf := make([]byte, m.EncodedLength())
	if _, err := EncodeFixMessage(buf, m); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf
}

func TestSubscriptionRoutesFixMessage(t *testing.T) {
	newOrder, _ := MessageTypeByName("NewOrderSingle")
	in := &FixMessage{
		LibraryID:      3,
		Connection:     99,
		Session:        7,
		SequenceIndex:  1,
		MessageType:    newOrder,
		Timestamp:      1_700_000_000_000,
		Status:         StatusOK,
		SequenceNumber: 42,
		MetaData:       []byte("meta"),
		Body:           []byte("8=FIX.4.4\x0135=D\x01"),
	}
	h := &recordingHandler{}
	sub := NewSubscription(h, nopLogger())
	if action := sub.Dispatch(encodeFix(t, in), testHeader); action != transport.Continue {
		t.Fatalf("action=%v", action)
	}
	if len(h.messages) != 1 {
		t.Fatalf("messages=%d", len(h.messages))
	}
	got := h.messages[0]
	if got.LibraryID != 3 || got.Connection != 99 || got.Session != 7 || got.SequenceNumber != 42 || got.MessageType != newOrder {
		t.Fatalf("decoded %+v", got)
	}
	if h.bodies[0] != string(in.Body) || string(got.MetaData) != "meta" || h.positions[0] != 128 {
		t.Fatalf("body=%q meta=%q position=%d", h.bodies[0], got.MetaData, h.positions[0])
	}
}

func TestSubscriptionRoutesDisconnectAndILink(t *testing.T) {
	h := &recordingHandler{action: transport.Break}
	sub := NewSubscription(h, nopLogger())

	buf := make([]byte, 64)
	n, err := EncodeDisconnect(buf, Disconnect{LibraryID: 1, Connection: 5, Reason: ReasonEngineShutdown})
	if err != nil {
		t.Fatal(err)
	}
	if action := sub.Dispatch(buf[:n], testHeader); action != transport.Break {
		t.Fatalf("handler action not propagated: %v", action)
	}
	n, err = EncodeILinkMessage(buf, 77, []byte("ilink3"))
	if err != nil {
		t.Fatal(err)
	}
	sub.Dispatch(buf[:n], testHeader)
	if len(h.disconnects) != 1 || h.disconnects[0].Reason != ReasonEngineShutdown || h.disconnects[0].Connection != 5 {
		t.Fatalf("disconnects=%+v", h.disconnects)
	}
	if len(h.ilinks) != 1 || h.ilinks[0] != "ilink3" {
		t.Fatalf("ilinks=%v", h.ilinks)
	}
}

func TestUnknownTemplateIsUnhandledAndChainFallsBack(t *testing.T) {
	h := &recordingHandler{}
	data := NewSubscription(h, nopLogger())
	ctrl := &recordingControl{}
	control := NewControlSubscription(ctrl, nopLogger())

	enc := NewControlEncoder()
	frag, err := enc.Encode(TemplateRequestVote, &RequestVote{Term: 2, Candidate: 3, LastPosition: 64})
	if err != nil {
		t.Fatal(err)
	}
	if action := data.Dispatch(frag, testHeader); action != transport.Unhandled {
		t.Fatalf("data dispatcher should not handle control template, got %v", action)
	}
	handler := Chain(data, control)
	if action := handler(frag, testHeader); action != transport.Continue {
		t.Fatalf("chain action=%v", action)
	}
	if len(ctrl.votes) != 1 || ctrl.votes[0].Term != 2 || ctrl.votes[0].Candidate != 3 || ctrl.votes[0].LastPosition != 64 {
		t.Fatalf("votes=%+v", ctrl.votes)
	}

	unknown := make([]byte, HeaderLength)
	newHeader(99, 0).Encode(unknown)
	var fallback int
	handler = Chain(data, DispatcherFunc(func([]byte, transport.Header) transport.Action {
		fallback++
		return transport.Unhandled
	}))
	if action := handler(unknown, testHeader); action != transport.Continue || fallback != 1 {
		t.Fatalf("unhandled fragment should be skipped: action=%v fallback=%d", action, fallback)
	}
}

func TestDecodeFailureIsCountedAndPollingContinues(t *testing.T) {
	h := &recordingHandler{}
	sub := NewSubscription(h, nopLogger())
	if action := sub.Dispatch([]byte{1, 2, 3}, testHeader); action != transport.Continue {
		t.Fatalf("short fragment action=%v", action)
	}
	frag := encodeFix(t, &FixMessage{Body: []byte("body")})
	if action := sub.Dispatch(frag[:HeaderLength+10], testHeader); action != transport.Continue {
		t.Fatalf("truncated block action=%v", action)
	}
	wrongSchema := encodeFix(t, &FixMessage{Body: []byte("x")})
	wrongSchema[4] = 1
	sub.Dispatch(wrongSchema, testHeader)
	if sub.DecodeFailures() != 3 || len(h.messages) != 0 {
		t.Fatalf("failures=%d messages=%d", sub.DecodeFailures(), len(h.messages))
	}
}

func TestControlSubscriptionRoutesAllTemplates(t *testing.T) {
	ctrl := &recordingControl{}
	sub := NewControlSubscription(ctrl, nopLogger())
	enc := NewControlEncoder()
	msgs := []struct {
		template uint16
		msg      proto.Message
	}{
		{TemplateReplyVote, &ReplyVote{Term: 4, Voter: 2, Candidate: 1, Granted: true}},
		{TemplateConsensusHeartbeat, &ConsensusHeartbeat{Term: 4, Leader: 1, CommitPosition: 320, ArchivedPosition: 384, DataSessionId: 43}},
		{TemplateMessageAcknowledgement, &MessageAcknowledgement{Term: 4, Node: 3, Leader: 1, Position: 384, Status: int32(AckMissingLogEntries)}},
		{TemplateResend, &Resend{Term: 4, Leader: 1, Follower: 3, SessionId: 43, StartPosition: 320, Body: []byte("frag")}},
	}
	for _, m := range msgs {
		tmpl, ok := TemplateFor(m.msg)
		if !ok || tmpl != m.template {
			t.Fatalf("TemplateFor(%s)=%d,%v", m.msg, tmpl, ok)
		}
		frag, err := enc.Encode(m.template, m.msg)
		if err != nil {
			t.Fatal(err)
		}
		sub.Dispatch(frag, testHeader)
	}
	if len(ctrl.replies) != 1 || !ctrl.replies[0].Granted || ctrl.replies[0].Voter != 2 {
		t.Fatalf("replies=%+v", ctrl.replies)
	}
	if len(ctrl.heartbeats) != 1 || ctrl.heartbeats[0].CommitPosition != 320 || ctrl.heartbeats[0].DataSessionId != 43 {
		t.Fatalf("heartbeats=%+v", ctrl.heartbeats)
	}
	if len(ctrl.acks) != 1 || AckStatus(ctrl.acks[0].Status) != AckMissingLogEntries {
		t.Fatalf("acks=%+v", ctrl.acks)
	}
	if len(ctrl.resends) != 1 || string(ctrl.resends[0].Body) != "frag" || ctrl.resends[0].StartPosition != 320 {
		t.Fatalf("resends=%+v", ctrl.resends)
	}
}

func TestControlDecoderResetsBetweenMessages(t *testing.T) {
	ctrl := &recordingControl{}
	sub := NewControlSubscription(ctrl, nopLogger())
	enc := NewControlEncoder()
	first, _ := enc.Encode(TemplateReplyVote, &ReplyVote{Term: 1, Voter: 2, Granted: true})
	sub.Dispatch(append([]byte(nil), first...), testHeader)
	second, _ := enc.Encode(TemplateReplyVote, &ReplyVote{Term: 2, Voter: 3})
	sub.Dispatch(second, testHeader)
	if ctrl.replies[1].Granted {
		t.Fatalf("granted flag leaked from previous decode")
	}
}

func TestControlBodyCorruptionCounted(t *testing.T) {
	sub := NewControlSubscription(&recordingControl{}, nopLogger())
	frag := make([]byte, HeaderLength+2)
	newHeader(TemplateResend, 0).Encode(frag)
	frag[HeaderLength] = 0xff
	frag[HeaderLength+1] = 0xff
	if action := sub.Dispatch(frag, testHeader); action != transport.Continue {
		t.Fatalf("action=%v", action)
	}
	if sub.DecodeFailures() != 1 {
		t.Fatalf("failures=%d", sub.DecodeFailures())
	}
}

func TestEncodeIntoShortBuffer(t *testing.T) {
	m := &FixMessage{Body: []byte("body")}
	if _, err := EncodeFixMessage(make([]byte, 10), m); !errors.Is(err, ErrShortBuffer) {
		t.Fatalf("expected ErrShortBuffer, got %v", err)
	}
	if _, err := EncodeDisconnect(make([]byte, 10), Disconnect{}); !errors.Is(err, ErrShortBuffer) {
		t.Fatalf("expected ErrShortBuffer, got %v", err)
	}
}
