package raft

import (
	"math"

	"gatewaylog/internal/domain"

	"go.etcd.io/raft/v3/quorum"
)

// QuorumSize returns the simple majority for a cluster of n members.
func QuorumSize(n int) int {
	if n <= 0 {
		return 0
	}
	return n/2 + 1
}

func majority(members []domain.NodeID) quorum.MajorityConfig {
	c := make(quorum.MajorityConfig, len(members))
	for _, id := range members {
		c[uint64(id)] = struct{}{}
	}
	return c
}

// positionIndexer exposes acknowledged stream positions to quorum.
type positionIndexer map[domain.NodeID]int64

func (p positionIndexer) AckedIndex(id uint64) (quorum.Index, bool) {
	pos, ok := p[domain.NodeID(id)]
	if !ok || pos < 0 {
		return 0, ok
	}
	return quorum.Index(pos), true
}

// committedPosition is the highest position acknowledged by a majority of
// members. Members without an acknowledgement count as position 0.
func committedPosition(members quorum.MajorityConfig, acks positionIndexer) int64 {
	idx := members.CommittedIndex(acks)
	if uint64(idx) > math.MaxInt64 {
		return 0
	}
	return int64(idx)
}

// tally counts the votes received for a candidate.
func tally(members quorum.MajorityConfig, votes map[domain.NodeID]bool) quorum.VoteResult {
	v := make(map[uint64]bool, len(votes))
	for id, granted := range votes {
		v[uint64(id)] = granted
	}
	return members.VoteResult(v)
}
