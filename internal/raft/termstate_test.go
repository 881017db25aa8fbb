package raft

import (
	"testing"
	"testing/quick"

	"gatewaylog/internal/domain"
)

func TestTermStateAdvances(t *testing.T) {
	s := NewTermState(2, 64)
	if snap := s.Snapshot(); snap.Term != 2 || snap.Leader != domain.NoNode || snap.CommitPosition != 64 {
		t.Fatalf("initial snapshot %+v", snap)
	}
	if s.advanceTerm(1, 3) {
		t.Fatalf("moved back to an older term")
	}
	if !s.advanceTerm(2, 3) || s.Leader() != 3 || s.Term() != 2 {
		t.Fatalf("same term should set the leader: %s", s)
	}
	if !s.advanceTerm(4, domain.NoNode) || s.Term() != 4 || s.Leader() != domain.NoNode {
		t.Fatalf("newer term not taken: %s", s)
	}
	if s.CommitPosition() != 64 {
		t.Fatalf("term change moved commit to %d", s.CommitPosition())
	}
	if s.advanceCommit(64) || s.advanceCommit(32) {
		t.Fatalf("commit moved without rising")
	}
	if !s.advanceCommit(96) || s.CommitPosition() != 96 {
		t.Fatalf("commit = %d, want 96", s.CommitPosition())
	}
	if got, want := s.String(), "term=4 leader=-1 commit=96"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestTermStateNeverDecreases(t *testing.T) {
	f := func(terms []uint16, commits []uint32) bool {
		s := NewTermState(0, 0)
		var maxTerm, maxCommit int64
		for i := 0; i < len(terms) || i < len(commits); i++ {
			if i < len(terms) {
				s.advanceTerm(int64(terms[i]), domain.NodeID(i%3+1))
				maxTerm = max(maxTerm, int64(terms[i]))
			}
			if i < len(commits) {
				s.advanceCommit(int64(commits[i]))
				maxCommit = max(maxCommit, int64(commits[i]))
			}
			if s.Term() != maxTerm || s.CommitPosition() != maxCommit {
				return false
			}
		}
		return true
	}
	if err := quick.Check(f, nil); err != nil {
		t.Fatal(err)
	}
}
