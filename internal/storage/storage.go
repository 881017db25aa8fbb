// Package storage persists the small amount of consensus state a node must not
// forget across restarts: its current term, its vote in that term and the highest
// commit position it has learned.
package storage

import (
	"context"
	"errors"

	"gatewaylog/internal/domain"
)

var (
	// ErrAlreadyVoted is returned when a different vote is already recorded for
	// the term.
	ErrAlreadyVoted = errors.New("storage: already voted in term")
	ErrStaleTerm    = errors.New("storage: term older than recorded term")
)

// NodeState is the durable consensus state of one node.
type NodeState struct {
	CurrentTerm    int64
	VotedFor       domain.NodeID
	CommitPosition int64
}

// Vote is one entry of the append-only vote history.
type Vote struct {
	Term            int64
	Candidate       domain.NodeID
	RecordedAtUTCNs int64
}

// Engine is the storage contract for durable node state.
type Engine interface {
	Load(ctx context.Context) (NodeState, error)
	// SaveVote moves the node to term and records votedFor as its vote there.
	// domain.NoNode adopts the term without voting. Re-recording the same vote
	// is a no-op.
	SaveVote(ctx context.Context, term int64, votedFor domain.NodeID) error
	// SaveCommit raises the stored commit position; lower positions are ignored.
	SaveCommit(ctx context.Context, term, position int64) error
	Votes(ctx context.Context) ([]Vote, error)
	Close() error
}

// CheckVote applies the voting rules to the recorded state and reports whether
// the vote changes anything.
func CheckVote(st NodeState, term int64, votedFor domain.NodeID) (bool, error) {
	switch {
	case term < st.CurrentTerm:
		return false, ErrStaleTerm
	case term > st.CurrentTerm:
		return true, nil
	case votedFor == domain.NoNode || votedFor == st.VotedFor:
		return false, nil
	case st.VotedFor != domain.NoNode:
		return false, ErrAlreadyVoted
	default:
		return true, nil
	}
}
