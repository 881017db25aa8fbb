package socket

import (
	"errors"
	"fmt"

	"github.com/golang/protobuf/proto"
)

type Operation int32

const (
	OperationUnknown Operation = 0
	OperationPing    Operation = 1
	OperationHealth  Operation = 2
	OperationStatus  Operation = 3
	OperationReplay  Operation = 4
)

type ErrorCode int32

const (
	ErrorCodeOK              ErrorCode = 0
	ErrorCodeBadRequest      ErrorCode = 1
	ErrorCodeUnauthenticated ErrorCode = 2
	ErrorCodeNotFound        ErrorCode = 3
	ErrorCodeOverloaded      ErrorCode = 4
	ErrorCodeInternal        ErrorCode = 5
	ErrorCodeOutOfRange      ErrorCode = 6
)

func (c ErrorCode) String() string {
	switch c {
	case ErrorCodeOK:
		return "OK"
	case ErrorCodeBadRequest:
		return "BAD_REQUEST"
	case ErrorCodeUnauthenticated:
		return "UNAUTHENTICATED"
	case ErrorCodeNotFound:
		return "NOT_FOUND"
	case ErrorCodeOverloaded:
		return "OVERLOADED"
	case ErrorCodeInternal:
		return "INTERNAL"
	case ErrorCodeOutOfRange:
		return "OUT_OF_RANGE"
	default:
		return fmt.Sprintf("ErrorCode(%d)", int32(c))
	}
}

type Request struct {
	RequestId string         `protobuf:"bytes,1,opt,name=request_id,json=requestId,proto3"`
	AuthToken string         `protobuf:"bytes,2,opt,name=auth_token,json=authToken,proto3"`
	Operation int32          `protobuf:"varint,3,opt,name=operation,proto3"`
	Ping      *PingRequest   `protobuf:"bytes,4,opt,name=ping,proto3"`
	Replay    *ReplayRequest `protobuf:"bytes,5,opt,name=replay,proto3"`
}

func (m *Request) Reset()       { *m = Request{} }
func (*Request) String() string { return "Request" }
func (*Request) ProtoMessage()  {}

type Response struct {
	RequestId    string          `protobuf:"bytes,1,opt,name=request_id,json=requestId,proto3"`
	ErrorCode    int32           `protobuf:"varint,2,opt,name=error_code,json=errorCode,proto3"`
	ErrorMessage string          `protobuf:"bytes,3,opt,name=error_message,json=errorMessage,proto3"`
	Pong         *PongResponse   `protobuf:"bytes,4,opt,name=pong,proto3"`
	Health       *HealthResponse `protobuf:"bytes,5,opt,name=health,proto3"`
	Status       *StatusResponse `protobuf:"bytes,6,opt,name=status,proto3"`
	Replay       *ReplayResponse `protobuf:"bytes,7,opt,name=replay,proto3"`
}

func (m *Response) Reset()       { *m = Response{} }
func (*Response) String() string { return "Response" }
func (*Response) ProtoMessage()  {}

type PingRequest struct{}

func (m *PingRequest) Reset()       { *m = PingRequest{} }
func (*PingRequest) String() string { return "PingRequest" }
func (*PingRequest) ProtoMessage()  {}

type PongResponse struct {
	UnixTimeNs int64 `protobuf:"varint,1,opt,name=unix_time_ns,json=unixTimeNs,proto3"`
}

func (m *PongResponse) Reset()       { *m = PongResponse{} }
func (*PongResponse) String() string { return "PongResponse" }
func (*PongResponse) ProtoMessage()  {}

type HealthResponse struct {
	Ok      bool   `protobuf:"varint,1,opt,name=ok,proto3"`
	Message string `protobuf:"bytes,2,opt,name=message,proto3"`
}

func (m *HealthResponse) Reset()       { *m = HealthResponse{} }
func (*HealthResponse) String() string { return "HealthResponse" }
func (*HealthResponse) ProtoMessage()  {}

type StatusResponse struct {
	NodeId         int32  `protobuf:"varint,1,opt,name=node_id,json=nodeId,proto3"`
	Role           string `protobuf:"bytes,2,opt,name=role,proto3"`
	Term           int64  `protobuf:"varint,3,opt,name=term,proto3"`
	Leader         int32  `protobuf:"varint,4,opt,name=leader,proto3"`
	CommitPosition int64  `protobuf:"varint,5,opt,name=commit_position,json=commitPosition,proto3"`
}

func (m *StatusResponse) Reset()       { *m = StatusResponse{} }
func (*StatusResponse) String() string { return "StatusResponse" }
func (*StatusResponse) ProtoMessage()  {}

type ReplayRequest struct {
	Channel      string `protobuf:"bytes,1,opt,name=channel,proto3"`
	StreamId     int32  `protobuf:"varint,2,opt,name=stream_id,json=streamId,proto3"`
	SessionId    int32  `protobuf:"varint,3,opt,name=session_id,json=sessionId,proto3"`
	FromPosition int64  `protobuf:"varint,4,opt,name=from_position,json=fromPosition,proto3"`
	MaxFragments int32  `protobuf:"varint,5,opt,name=max_fragments,json=maxFragments,proto3"`
}

func (m *ReplayRequest) Reset()       { *m = ReplayRequest{} }
func (*ReplayRequest) String() string { return "ReplayRequest" }
func (*ReplayRequest) ProtoMessage()  {}

type ReplayFragment struct {
	StartPosition int64  `protobuf:"varint,1,opt,name=start_position,json=startPosition,proto3"`
	Position      int64  `protobuf:"varint,2,opt,name=position,proto3"`
	TemplateId    uint32 `protobuf:"varint,3,opt,name=template_id,json=templateId,proto3"`
	Body          []byte `protobuf:"bytes,4,opt,name=body,proto3"`
}

func (m *ReplayFragment) Reset()       { *m = ReplayFragment{} }
func (*ReplayFragment) String() string { return "ReplayFragment" }
func (*ReplayFragment) ProtoMessage()  {}

type ReplayResponse struct {
	Fragments      []*ReplayFragment `protobuf:"bytes,1,rep,name=fragments,proto3"`
	NextPosition   int64             `protobuf:"varint,2,opt,name=next_position,json=nextPosition,proto3"`
	CommitPosition int64             `protobuf:"varint,3,opt,name=commit_position,json=commitPosition,proto3"`
	// Complete is set when NextPosition has reached the commit position.
	Complete bool `protobuf:"varint,4,opt,name=complete,proto3"`
}

func (m *ReplayResponse) Reset()       { *m = ReplayResponse{} }
func (*ReplayResponse) String() string { return "ReplayResponse" }
func (*ReplayResponse) ProtoMessage()  {}

func MarshalMessage(msg proto.Message) ([]byte, error) { return proto.Marshal(msg) }

func UnmarshalRequest(payload []byte) (*Request, error) {
	var req Request
	if err := proto.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

func UnmarshalResponse(payload []byte) (*Response, error) {
	var res Response
	if err := proto.Unmarshal(payload, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func ValidateRequest(req *Request) error {
	if req == nil {
		return errors.New("nil request")
	}
	switch Operation(req.Operation) {
	case OperationUnknown:
		return errors.New("operation is required")
	case OperationReplay:
		if req.Replay == nil {
			return errors.New("replay query required")
		}
		if req.Replay.Channel == "" {
			return errors.New("replay channel required")
		}
		if req.Replay.FromPosition < 0 || req.Replay.MaxFragments < 0 {
			return errors.New("replay positions and limits must not be negative")
		}
	}
	return nil
}

// Error is a non-OK response as a Go error.
type Error struct {
	Code    ErrorCode
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

// Err returns nil for an OK response.
func (r *Response) Err() error {
	if ErrorCode(r.ErrorCode) == ErrorCodeOK {
		return nil
	}
	return &Error{Code: ErrorCode(r.ErrorCode), Message: r.ErrorMessage}
}

// Retryable reports whether a request rejected with code may succeed later.
func Retryable(code int32) bool {
	return ErrorCode(code) == ErrorCodeOverloaded || ErrorCode(code) == ErrorCodeOutOfRange
}
