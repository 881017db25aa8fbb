package domain

import (
	"fmt"
	"strings"
)

// NodeID identifies one member of a fixed-size cluster.
type NodeID int16

// NoNode is used where a node id is optional (no leader known, no vote cast).
const NoNode NodeID = -1

// StreamIdentifier names one logical replicated stream. It is a comparable value
// type and is used directly as a map key.
type StreamIdentifier struct {
	Channel  string
	StreamID int32
}

func NewStreamIdentifier(channel string, streamID int32) StreamIdentifier {
	return StreamIdentifier{Channel: channel, StreamID: streamID}
}

func (s StreamIdentifier) String() string {
	return fmt.Sprintf("%s:%d", s.Channel, s.StreamID)
}

// FileSafeChannel renders the channel so it can be embedded in a file name.
func (s StreamIdentifier) FileSafeChannel() string {
	r := strings.NewReplacer(":", "_", "/", "_", "?", "_", "=", "_", "|", "_", "\\", "_")
	return r.Replace(s.Channel)
}

// SessionKey identifies one publisher session within a stream.
type SessionKey struct {
	Stream    StreamIdentifier
	SessionID int32
}

func (k SessionKey) String() string {
	return fmt.Sprintf("%s/%d", k.Stream, k.SessionID)
}
