package protocol

import (
	"encoding/binary"
	"fmt"
)

// MessageStatus flags how a FIX message was handled by the gateway.
type MessageStatus uint8

const (
	StatusOK MessageStatus = iota
	StatusCatchupReplay
	StatusInvalidBodyLength
	StatusInvalidChecksum
	StatusInvalid
)

func (s MessageStatus) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusCatchupReplay:
		return "CATCHUP_REPLAY"
	case StatusInvalidBodyLength:
		return "INVALID_BODYLENGTH"
	case StatusInvalidChecksum:
		return "INVALID_CHECKSUM"
	case StatusInvalid:
		return "INVALID"
	default:
		return fmt.Sprintf("MessageStatus(%d)", uint8(s))
	}
}

type DisconnectReason uint8

const (
	ReasonRemoteDisconnect DisconnectReason = iota
	ReasonApplicationDisconnect
	ReasonLocalDisconnect
	ReasonNoLogon
	ReasonDuplicateSession
	ReasonEngineShutdown
)

// FixMessage block layout.
const (
	fixLibraryIDOffset      = 0
	fixConnectionOffset     = 4
	fixSessionOffset        = 12
	fixSequenceIndexOffset  = 20
	fixMessageTypeOffset    = 24
	fixTimestampOffset      = 32
	fixStatusOffset         = 40
	fixSequenceNumberOffset = 41

	FixMessageBlockLength = 45

	metaDataLengthSize = 2
	bodyLengthSize     = 4
)

// FixMessage is a view of one FIX message fragment. MetaData and Body alias the
// decoded buffer.
type FixMessage struct {
	LibraryID      int32
	Connection     int64
	Session        int64
	SequenceIndex  int32
	MessageType    int64
	Timestamp      int64
	Status         MessageStatus
	SequenceNumber int32
	MetaData       []byte
	Body           []byte

	// BodyOffset is the offset of Body within the fragment.
	BodyOffset int
}

func (m *FixMessage) EncodedLength() int {
	return HeaderLength + FixMessageBlockLength + metaDataLengthSize + len(m.MetaData) + bodyLengthSize + len(m.Body)
}

// EncodeFixMessage writes m into dst and returns the encoded length.
func EncodeFixMessage(dst []byte, m *FixMessage) (int, error) {
	n := m.EncodedLength()
	if len(dst) < n {
		return 0, fmt.Errorf("%w: fix message needs %d bytes, have %d", ErrShortBuffer, n, len(dst))
	}
	if len(m.MetaData) > 0xffff {
		return 0, fmt.Errorf("protocol: metadata too long (%d bytes)", len(m.MetaData))
	}
	newHeader(TemplateFixMessage, FixMessageBlockLength).Encode(dst)
	b := dst[HeaderLength:]
	binary.LittleEndian.PutUint32(b[fixLibraryIDOffset:], uint32(m.LibraryID))
	binary.LittleEndian.PutUint64(b[fixConnectionOffset:], uint64(m.Connection))
	binary.LittleEndian.PutUint64(b[fixSessionOffset:], uint64(m.Session))
	binary.LittleEndian.PutUint32(b[fixSequenceIndexOffset:], uint32(m.SequenceIndex))
	binary.LittleEndian.PutUint64(b[fixMessageTypeOffset:], uint64(m.MessageType))
	binary.LittleEndian.PutUint64(b[fixTimestampOffset:], uint64(m.Timestamp))
	b[fixStatusOffset] = byte(m.Status)
	binary.LittleEndian.PutUint32(b[fixSequenceNumberOffset:], uint32(m.SequenceNumber))
	off := FixMessageBlockLength
	binary.LittleEndian.PutUint16(b[off:], uint16(len(m.MetaData)))
	off += metaDataLengthSize
	off += copy(b[off:], m.MetaData)
	binary.LittleEndian.PutUint32(b[off:], uint32(len(m.Body)))
	off += bodyLengthSize
	copy(b[off:], m.Body)
	return n, nil
}

// wrap decodes the block that starts at offset within fragment. blockLength comes
// from the message header so newer senders may append fields.
func (m *FixMessage) wrap(fragment []byte, offset, blockLength int) error {
	if blockLength < FixMessageBlockLength || len(fragment) < offset+blockLength+metaDataLengthSize {
		return fmt.Errorf("%w: fix message block", ErrShortBuffer)
	}
	b := fragment[offset:]
	m.LibraryID = int32(binary.LittleEndian.Uint32(b[fixLibraryIDOffset:]))
	m.Connection = int64(binary.LittleEndian.Uint64(b[fixConnectionOffset:]))
	m.Session = int64(binary.LittleEndian.Uint64(b[fixSessionOffset:]))
	m.SequenceIndex = int32(binary.LittleEndian.Uint32(b[fixSequenceIndexOffset:]))
	m.MessageType = int64(binary.LittleEndian.Uint64(b[fixMessageTypeOffset:]))
	m.Timestamp = int64(binary.LittleEndian.Uint64(b[fixTimestampOffset:]))
	m.Status = MessageStatus(b[fixStatusOffset])
	m.SequenceNumber = int32(binary.LittleEndian.Uint32(b[fixSequenceNumberOffset:]))

	off := offset + blockLength
	metaLen := int(binary.LittleEndian.Uint16(fragment[off:]))
	off += metaDataLengthSize
	if len(fragment) < off+metaLen+bodyLengthSize {
		return fmt.Errorf("%w: fix message metadata", ErrShortBuffer)
	}
	m.MetaData = fragment[off : off+metaLen]
	off += metaLen
	bodyLen := int(binary.LittleEndian.Uint32(fragment[off:]))
	off += bodyLengthSize
	if bodyLen < 0 || len(fragment)-off < bodyLen {
		return fmt.Errorf("%w: fix message body", ErrShortBuffer)
	}
	m.Body = fragment[off : off+bodyLen]
	m.BodyOffset = off
	return nil
}

// DecodeFixMessage decodes a complete FixMessage fragment, header included.
func DecodeFixMessage(fragment []byte, m *FixMessage) error {
	h, err := DecodeHeader(fragment)
	if err != nil {
		return err
	}
	if err := h.Check(); err != nil {
		return err
	}
	if h.TemplateID != TemplateFixMessage {
		return fmt.Errorf("protocol: template %d is not a fix message", h.TemplateID)
	}
	return m.wrap(fragment, HeaderLength, int(h.BlockLength))
}

// Disconnect block layout.
const (
	disconnectLibraryIDOffset  = 0
	disconnectConnectionOffset = 4
	disconnectReasonOffset     = 12

	DisconnectBlockLength = 13
)

type Disconnect struct {
	LibraryID  int32
	Connection int64
	Reason     DisconnectReason
}

func EncodeDisconnect(dst []byte, d Disconnect) (int, error) {
	n := HeaderLength + DisconnectBlockLength
	if len(dst) < n {
		return 0, fmt.Errorf("%w: disconnect needs %d bytes, have %d", ErrShortBuffer, n, len(dst))
	}
	newHeader(TemplateDisconnect, DisconnectBlockLength).Encode(dst)
	b := dst[HeaderLength:]
	binary.LittleEndian.PutUint32(b[disconnectLibraryIDOffset:], uint32(d.LibraryID))
	binary.LittleEndian.PutUint64(b[disconnectConnectionOffset:], uint64(d.Connection))
	b[disconnectReasonOffset] = byte(d.Reason)
	return n, nil
}

func (d *Disconnect) wrap(fragment []byte, offset, blockLength int) error {
	if blockLength < DisconnectBlockLength || len(fragment) < offset+blockLength {
		return fmt.Errorf("%w: disconnect block", ErrShortBuffer)
	}
	b := fragment[offset:]
	d.LibraryID = int32(binary.LittleEndian.Uint32(b[disconnectLibraryIDOffset:]))
	d.Connection = int64(binary.LittleEndian.Uint64(b[disconnectConnectionOffset:]))
	d.Reason = DisconnectReason(b[disconnectReasonOffset])
	return nil
}

const ILinkMessageBlockLength = 8

// EncodeILinkMessage writes a peer-link message: the connection id followed by the
// raw payload.
func EncodeILinkMessage(dst []byte, connection int64, payload []byte) (int, error) {
	n := HeaderLength + ILinkMessageBlockLength + len(payload)
	if len(dst) < n {
		return 0, fmt.Errorf("%w: ilink message needs %d bytes, have %d", ErrShortBuffer, n, len(dst))
	}
	newHeader(TemplateILinkMessage, ILinkMessageBlockLength).Encode(dst)
	binary.LittleEndian.PutUint64(dst[HeaderLength:], uint64(connection))
	copy(dst[HeaderLength+ILinkMessageBlockLength:], payload)
	return n, nil
}
