package raft

import (
	"fmt"
	"sync/atomic"

	"gatewaylog/internal/domain"
)

// TermSnapshot is a consistent view of a node's term state.
type TermSnapshot struct {
	Term           int64
	Leader         domain.NodeID
	CommitPosition int64
}

// TermState is owned by one Node, which is its only writer. Readers on other
// goroutines see whole snapshots: the term never decreases and the commit
// position never decreases.
type TermState struct {
	snap atomic.Pointer[TermSnapshot]
}

func NewTermState(term int64, commitPosition int64) *TermState {
	s := &TermState{}
	s.snap.Store(&TermSnapshot{Term: term, Leader: domain.NoNode, CommitPosition: commitPosition})
	return s
}

func (s *TermState) Snapshot() TermSnapshot { return *s.snap.Load() }

func (s *TermState) Term() int64 { return s.snap.Load().Term }

func (s *TermState) Leader() domain.NodeID { return s.snap.Load().Leader }

// CommitPosition is the highest stream position known to be archived on a
// majority. Readers use it as the committed boundary.
func (s *TermState) CommitPosition() int64 { return s.snap.Load().CommitPosition }

func (s *TermState) String() string {
	snap := s.Snapshot()
	return fmt.Sprintf("term=%d leader=%d commit=%d", snap.Term, snap.Leader, snap.CommitPosition)
}

// advanceTerm moves to term with the given leader. Moving to an older term is
// refused; staying in the same term only updates the leader.
func (s *TermState) advanceTerm(term int64, leader domain.NodeID) bool {
	cur := s.snap.Load()
	if term < cur.Term {
		return false
	}
	next := *cur
	next.Term = term
	next.Leader = leader
	s.snap.Store(&next)
	return true
}

// advanceCommit raises the commit position. Lower positions are ignored.
func (s *TermState) advanceCommit(position int64) bool {
	cur := s.snap.Load()
	if position <= cur.CommitPosition {
		return false
	}
	next := *cur
	next.CommitPosition = position
	s.snap.Store(&next)
	return true
}
