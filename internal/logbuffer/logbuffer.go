// Package logbuffer holds the framing and position arithmetic shared by the
// transports and the archive, so that an archived position is always the same
// number as the transport position of the fragment it holds.
//
// A term is a fixed power-of-two sized region. Frames are 8-byte aligned and start
// with an 8-byte header. A frame that does not fit in the rest of a term is moved to
// the start of the next term and the remainder of the old term becomes padding.
package logbuffer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"
)

const (
	FrameHeaderLength = 8
	FrameAlignment    = 8

	MinTermLength = 64
	MaxTermLength = 1 << 30

	TypePad  uint16 = 0
	TypeData uint16 = 1

	CurrentVersion uint8 = 1

	frameLengthOffset = 0
	typeOffset        = 4
	flagsOffset       = 6
	versionOffset     = 7
)

var (
	ErrFrameTooLarge  = errors.New("frame larger than term")
	ErrBadTermLength  = errors.New("term length must be a power of two")
	ErrNotOnBoundary  = errors.New("position is not frame aligned")
	ErrTruncatedFrame = errors.New("truncated frame")
)

func Align(n, alignment int) int {
	return (n + alignment - 1) &^ (alignment - 1)
}

// AlignedLength is the number of term bytes a message of messageLength occupies.
func AlignedLength(messageLength int) int {
	return Align(FrameHeaderLength+messageLength, FrameAlignment)
}

// MaxMessageLength is the largest message that fits a single term.
func MaxMessageLength(termLength int32) int {
	return int(termLength) - FrameHeaderLength
}

func CheckTermLength(termLength int32) error {
	if termLength < MinTermLength || termLength > MaxTermLength {
		return fmt.Errorf("%w: %d outside [%d, %d]", ErrBadTermLength, termLength, MinTermLength, MaxTermLength)
	}
	if termLength&(termLength-1) != 0 {
		return fmt.Errorf("%w: %d", ErrBadTermLength, termLength)
	}
	return nil
}

func PositionBitsToShift(termLength int32) int {
	return bits.TrailingZeros32(uint32(termLength))
}

func ComputePosition(termID, termOffset int32, shift int, initialTermID int32) int64 {
	return int64(termID-initialTermID)<<shift + int64(termOffset)
}

func ComputeTermID(position int64, shift int, initialTermID int32) int32 {
	return int32(position>>shift) + initialTermID
}

func ComputeTermOffset(position int64, termLength int32) int32 {
	return int32(position & int64(termLength-1))
}

// TermStart returns the position at which the term containing position begins.
func TermStart(position int64, termLength int32) int64 {
	return position &^ int64(termLength-1)
}

func WriteHeader(buf []byte, frameLength int32, frameType uint16) {
	binary.LittleEndian.PutUint32(buf[frameLengthOffset:], uint32(frameLength))
	binary.LittleEndian.PutUint16(buf[typeOffset:], frameType)
	buf[flagsOffset] = 0
	buf[versionOffset] = CurrentVersion
}

func FrameLength(buf []byte) int32 {
	return int32(binary.LittleEndian.Uint32(buf[frameLengthOffset:]))
}

func FrameType(buf []byte) uint16 {
	return binary.LittleEndian.Uint16(buf[typeOffset:])
}

// WriteData frames msg into dst, which must hold AlignedLength(len(msg)) bytes.
// The alignment tail is zeroed.
func WriteData(dst, msg []byte) int {
	aligned := AlignedLength(len(msg))
	WriteHeader(dst, int32(FrameHeaderLength+len(msg)), TypeData)
	n := copy(dst[FrameHeaderLength:], msg)
	clear(dst[FrameHeaderLength+n : aligned])
	return aligned
}

// WritePadding marks dst as a padding frame and zeroes the body.
func WritePadding(dst []byte) {
	if len(dst) < FrameHeaderLength {
		clear(dst)
		return
	}
	clear(dst[FrameHeaderLength:])
	WriteHeader(dst, int32(len(dst)), TypePad)
}

// Claim describes where the next frame goes. PadLength > 0 means the bytes
// [PadPosition, PadPosition+PadLength) close the previous term.
type Claim struct {
	PadPosition int64
	PadLength   int32
	Start       int64
	End         int64
}

// Tracker applies the term roll rule to a stream of message lengths.
// A Tracker is not safe for concurrent use.
type Tracker struct {
	termLength int32
	position   int64
}

func NewTracker(termLength int32, position int64) *Tracker {
	return &Tracker{termLength: termLength, position: position}
}

func (t *Tracker) Position() int64 { return t.position }

func (t *Tracker) TermLength() int32 { return t.termLength }

// Peek computes the claim for messageLength without reserving it.
func (t *Tracker) Peek(messageLength int) (Claim, error) {
	aligned := AlignedLength(messageLength)
	if aligned > int(t.termLength) {
		return Claim{}, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, aligned, t.termLength)
	}
	var c Claim
	pos := t.position
	offset := ComputeTermOffset(pos, t.termLength)
	if int(offset)+aligned > int(t.termLength) {
		c.PadPosition = pos
		c.PadLength = t.termLength - offset
		pos += int64(c.PadLength)
	}
	c.Start = pos
	c.End = pos + int64(aligned)
	return c, nil
}

// Claim reserves space for messageLength bytes.
func (t *Tracker) Claim(messageLength int) (Claim, error) {
	c, err := t.Peek(messageLength)
	if err != nil {
		return Claim{}, err
	}
	t.position = c.End
	return c, nil
}
