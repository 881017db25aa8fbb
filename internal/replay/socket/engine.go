package socket

import (
	"context"
	"fmt"

	"gatewaylog/internal/archive"
	"gatewaylog/internal/domain"
	"gatewaylog/internal/raft"
)

const (
	defaultReplayFragments = 100
	maxReplayFragments     = 1000
	// maxReplayBytes keeps a replay response well inside one frame.
	maxReplayBytes = MaxFrameSize / 2
)

// Status is a node's view of the cluster.
type Status struct {
	NodeID         domain.NodeID
	Role           raft.RoleKind
	Term           int64
	Leader         domain.NodeID
	CommitPosition int64
}

type ReplayQuery struct {
	Key          domain.SessionKey
	From         int64
	MaxFragments int
}

type ReplayedFragment struct {
	StartPosition int64
	Position      int64
	TemplateID    uint16
	Body          []byte
}

type ReplayResult struct {
	Fragments []ReplayedFragment
	Next      int64
	Commit    int64
}

// Engine answers the server's requests. It is called from worker goroutines.
type Engine interface {
	Status(context.Context) Status
	Health(context.Context) (bool, string)
	Replay(context.Context, ReplayQuery) (ReplayResult, error)
}

// Node is the part of a raft node the replay engine reads. Every method must be
// safe to call while the node is being polled.
type Node interface {
	ID() domain.NodeID
	RoleKind() raft.RoleKind
	State() *raft.TermState
	Reader() *archive.Reader
}

var _ Node = (*raft.Node)(nil)

// NodeEngine serves replays of committed data from a node's archive.
type NodeEngine struct {
	node Node
}

func NewNodeEngine(node Node) *NodeEngine { return &NodeEngine{node: node} }

func (e *NodeEngine) Status(context.Context) Status {
	snap := e.node.State().Snapshot()
	return Status{
		NodeID:         e.node.ID(),
		Role:           e.node.RoleKind(),
		Term:           snap.Term,
		Leader:         snap.Leader,
		CommitPosition: snap.CommitPosition,
	}
}

func (e *NodeEngine) Health(context.Context) (bool, string) {
	snap := e.node.State().Snapshot()
	switch {
	case e.node.RoleKind() == raft.RoleLeader:
		return true, fmt.Sprintf("leader in term %d", snap.Term)
	case snap.Leader != domain.NoNode:
		return true, fmt.Sprintf("following %d in term %d", snap.Leader, snap.Term)
	default:
		return false, fmt.Sprintf("no leader in term %d", snap.Term)
	}
}

// Replay returns fragments from q.From up to at most the commit position, so a
// client never sees data a majority has not archived.
func (e *NodeEngine) Replay(ctx context.Context, q ReplayQuery) (ReplayResult, error) {
	commit := e.node.State().CommitPosition()
	res := ReplayResult{Next: q.From, Commit: commit}
	session, err := e.node.Reader().Open(q.Key.Stream, q.Key.SessionID)
	if err != nil {
		return res, err
	}
	to := min(commit, session.End())
	if q.From == to {
		return res, nil
	}
	replay, err := session.ReplayRange(q.From, to)
	if err != nil {
		return res, err
	}
	defer replay.Close()

	limit := q.MaxFragments
	if limit <= 0 {
		limit = defaultReplayFragments
	}
	limit = min(limit, maxReplayFragments)
	size := 0
	for len(res.Fragments) < limit && size < maxReplayBytes && replay.Next() {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		frag := replay.Fragment()
		body := append([]byte(nil), frag.Payload()...)
		res.Fragments = append(res.Fragments, ReplayedFragment{
			StartPosition: frag.StartPosition,
			Position:      frag.Position,
			TemplateID:    frag.TemplateID,
			Body:          body,
		})
		res.Next = frag.Position
		size += len(body)
	}
	return res, replay.Err()
}
