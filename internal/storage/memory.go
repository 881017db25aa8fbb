package storage

import (
	"context"
	"sync"
	"time"

	"gatewaylog/internal/domain"
)

// Memory is an Engine that keeps state in process. It is used by tests and by
// nodes started without a state directory.
type Memory struct {
	mu    sync.Mutex
	state NodeState
	votes []Vote
}

func NewMemory() *Memory {
	return &Memory{state: NodeState{VotedFor: domain.NoNode}}
}

func (m *Memory) Load(context.Context) (NodeState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, nil
}

func (m *Memory) SaveVote(_ context.Context, term int64, votedFor domain.NodeID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	changed, err := CheckVote(m.state, term, votedFor)
	if err != nil || !changed {
		return err
	}
	m.state.CurrentTerm = term
	m.state.VotedFor = votedFor
	if votedFor != domain.NoNode {
		m.votes = append(m.votes, Vote{Term: term, Candidate: votedFor, RecordedAtUTCNs: time.Now().UTC().UnixNano()})
	}
	return nil
}

func (m *Memory) SaveCommit(_ context.Context, term, position int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if term > m.state.CurrentTerm {
		m.state.CurrentTerm = term
		m.state.VotedFor = domain.NoNode
	}
	if position > m.state.CommitPosition {
		m.state.CommitPosition = position
	}
	return nil
}

func (m *Memory) Votes(context.Context) ([]Vote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Vote(nil), m.votes...), nil
}

func (m *Memory) Close() error { return nil }
