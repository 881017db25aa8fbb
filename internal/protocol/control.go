package protocol

import (
	"fmt"

	"github.com/golang/protobuf/proto"
)

// AckStatus is carried by MessageAcknowledgement.
type AckStatus int32

const (
	AckOK                AckStatus = 0
	AckMissingLogEntries AckStatus = 1
	AckWrongTerm         AckStatus = 2
)

func (s AckStatus) String() string {
	switch s {
	case AckOK:
		return "OK"
	case AckMissingLogEntries:
		return "MISSING_LOG_ENTRIES"
	case AckWrongTerm:
		return "WRONG_TERM"
	default:
		return fmt.Sprintf("AckStatus(%d)", int32(s))
	}
}

type RequestVote struct {
	Term         int64 `protobuf:"varint,1,opt,name=term,proto3"`
	Candidate    int32 `protobuf:"varint,2,opt,name=candidate,proto3"`
	LastPosition int64 `protobuf:"varint,3,opt,name=last_position,json=lastPosition,proto3"`
}

func (m *RequestVote) Reset()       { *m = RequestVote{} }
func (*RequestVote) String() string { return "RequestVote" }
func (*RequestVote) ProtoMessage()  {}

type ReplyVote struct {
	Term      int64 `protobuf:"varint,1,opt,name=term,proto3"`
	Voter     int32 `protobuf:"varint,2,opt,name=voter,proto3"`
	Candidate int32 `protobuf:"varint,3,opt,name=candidate,proto3"`
	Granted   bool  `protobuf:"varint,4,opt,name=granted,proto3"`
}

func (m *ReplyVote) Reset()       { *m = ReplyVote{} }
func (*ReplyVote) String() string { return "ReplyVote" }
func (*ReplyVote) ProtoMessage()  {}

type ConsensusHeartbeat struct {
	Term             int64 `protobuf:"varint,1,opt,name=term,proto3"`
	Leader           int32 `protobuf:"varint,2,opt,name=leader,proto3"`
	CommitPosition   int64 `protobuf:"varint,3,opt,name=commit_position,json=commitPosition,proto3"`
	ArchivedPosition int64 `protobuf:"varint,4,opt,name=archived_position,json=archivedPosition,proto3"`
	DataSessionId    int32 `protobuf:"varint,5,opt,name=data_session_id,json=dataSessionId,proto3"`
}

func (m *ConsensusHeartbeat) Reset()       { *m = ConsensusHeartbeat{} }
func (*ConsensusHeartbeat) String() string { return "ConsensusHeartbeat" }
func (*ConsensusHeartbeat) ProtoMessage()  {}

type MessageAcknowledgement struct {
	Term     int64 `protobuf:"varint,1,opt,name=term,proto3"`
	Node     int32 `protobuf:"varint,2,opt,name=node,proto3"`
	Leader   int32 `protobuf:"varint,3,opt,name=leader,proto3"`
	Position int64 `protobuf:"varint,4,opt,name=position,proto3"`
	Status   int32 `protobuf:"varint,5,opt,name=status,proto3"`
}

func (m *MessageAcknowledgement) Reset()       { *m = MessageAcknowledgement{} }
func (*MessageAcknowledgement) String() string { return "MessageAcknowledgement" }
func (*MessageAcknowledgement) ProtoMessage()  {}

// Resend carries one archived fragment from the leader to a follower that reported
// missing entries. StartPosition is where the fragment's frame begins.
type Resend struct {
	Term          int64  `protobuf:"varint,1,opt,name=term,proto3"`
	Leader        int32  `protobuf:"varint,2,opt,name=leader,proto3"`
	Follower      int32  `protobuf:"varint,3,opt,name=follower,proto3"`
	SessionId     int32  `protobuf:"varint,4,opt,name=session_id,json=sessionId,proto3"`
	StartPosition int64  `protobuf:"varint,5,opt,name=start_position,json=startPosition,proto3"`
	Body          []byte `protobuf:"bytes,6,opt,name=body,proto3"`
}

func (m *Resend) Reset()       { *m = Resend{} }
func (*Resend) String() string { return "Resend" }
func (*Resend) ProtoMessage()  {}

// ControlEncoder frames control messages into a buffer it reuses between calls.
// The returned slice is valid until the next Encode.
type ControlEncoder struct {
	buf []byte
	pb  *proto.Buffer
}

func NewControlEncoder() *ControlEncoder {
	return &ControlEncoder{buf: make([]byte, HeaderLength, 256), pb: proto.NewBuffer(nil)}
}

func (e *ControlEncoder) Encode(templateID uint16, msg proto.Message) ([]byte, error) {
	e.buf = e.buf[:HeaderLength]
	newHeader(templateID, 0).Encode(e.buf)
	e.pb.SetBuf(e.buf)
	if err := e.pb.Marshal(msg); err != nil {
		return nil, fmt.Errorf("encode template %d: %w", templateID, err)
	}
	e.buf = e.pb.Bytes()
	return e.buf, nil
}

// TemplateFor returns the template id that carries msg.
func TemplateFor(msg proto.Message) (uint16, bool) {
	switch msg.(type) {
	case *RequestVote:
		return TemplateRequestVote, true
	case *ReplyVote:
		return TemplateReplyVote, true
	case *ConsensusHeartbeat:
		return TemplateConsensusHeartbeat, true
	case *MessageAcknowledgement:
		return TemplateMessageAcknowledgement, true
	case *Resend:
		return TemplateResend, true
	default:
		return 0, false
	}
}

func isControlTemplate(id uint16) bool {
	return id >= TemplateRequestVote && id <= TemplateResend
}
