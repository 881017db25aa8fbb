// Package protocol frames gateway messages on the wire and routes inbound
// fragments to typed handlers. Every fragment starts with an 8-byte message
// header; data templates carry fixed little-endian blocks and control templates
// carry a protobuf body.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	HeaderLength = 8

	SchemaID      uint16 = 666
	SchemaVersion uint16 = 1
)

// Template ids.
const (
	TemplateFixMessage   uint16 = 1
	TemplateDisconnect   uint16 = 2
	TemplateILinkMessage uint16 = 3

	TemplateRequestVote            uint16 = 10
	TemplateReplyVote              uint16 = 11
	TemplateConsensusHeartbeat     uint16 = 12
	TemplateMessageAcknowledgement uint16 = 13
	TemplateResend                 uint16 = 14
)

var (
	ErrShortBuffer    = errors.New("protocol: buffer too short")
	ErrSchemaMismatch = errors.New("protocol: schema mismatch")
)

type MessageHeader struct {
	BlockLength uint16
	TemplateID  uint16
	SchemaID    uint16
	Version     uint16
}

func (h MessageHeader) Encode(dst []byte) int {
	binary.LittleEndian.PutUint16(dst[0:], h.BlockLength)
	binary.LittleEndian.PutUint16(dst[2:], h.TemplateID)
	binary.LittleEndian.PutUint16(dst[4:], h.SchemaID)
	binary.LittleEndian.PutUint16(dst[6:], h.Version)
	return HeaderLength
}

func newHeader(templateID, blockLength uint16) MessageHeader {
	return MessageHeader{BlockLength: blockLength, TemplateID: templateID, SchemaID: SchemaID, Version: SchemaVersion}
}

// DecodeHeader reads the message header at the start of b. It does not check the
// schema id; see MessageHeader.Check.
func DecodeHeader(b []byte) (MessageHeader, error) {
	if len(b) < HeaderLength {
		return MessageHeader{}, fmt.Errorf("%w: header needs %d bytes, have %d", ErrShortBuffer, HeaderLength, len(b))
	}
	return MessageHeader{
		BlockLength: binary.LittleEndian.Uint16(b[0:]),
		TemplateID:  binary.LittleEndian.Uint16(b[2:]),
		SchemaID:    binary.LittleEndian.Uint16(b[4:]),
		Version:     binary.LittleEndian.Uint16(b[6:]),
	}, nil
}

func (h MessageHeader) Check() error {
	if h.SchemaID != SchemaID {
		return fmt.Errorf("%w: schema %d, want %d", ErrSchemaMismatch, h.SchemaID, SchemaID)
	}
	if h.Version > SchemaVersion {
		return fmt.Errorf("%w: version %d newer than %d", ErrSchemaMismatch, h.Version, SchemaVersion)
	}
	return nil
}
