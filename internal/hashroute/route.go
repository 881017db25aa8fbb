package hashroute

import (
	"encoding/binary"
	"hash/fnv"
	"strings"

	"gatewaylog/internal/domain"
)

// CanonicalChannel normalizes a channel URI before hashing.
func CanonicalChannel(channel string) string {
	return strings.TrimSpace(channel)
}

// PartitionFor maps a session onto one of n partitions. The result is stable across
// processes, so every node agrees on it.
func PartitionFor(key domain.SessionKey, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(CanonicalChannel(key.Stream.Channel)))
	var b [8]byte
	binary.BigEndian.PutUint32(b[0:], uint32(key.Stream.StreamID))
	binary.BigEndian.PutUint32(b[4:], uint32(key.SessionID))
	_, _ = h.Write(b[:])
	return int(h.Sum64() % uint64(n))
}
