package storage

import (
	"context"
	"errors"
	"testing"

	"gatewaylog/internal/domain"
)

func TestCheckVote(t *testing.T) {
	st := NodeState{CurrentTerm: 3, VotedFor: 1}
	cases := []struct {
		term    int64
		vote    domain.NodeID
		changed bool
		err     error
	}{
		{term: 2, vote: 1, err: ErrStaleTerm},
		{term: 3, vote: 1},
		{term: 3, vote: domain.NoNode},
		{term: 3, vote: 2, err: ErrAlreadyVoted},
		{term: 4, vote: 2, changed: true},
		{term: 4, vote: domain.NoNode, changed: true},
	}
	for _, c := range cases {
		changed, err := CheckVote(st, c.term, c.vote)
		if changed != c.changed || !errors.Is(err, c.err) {
			t.Fatalf("CheckVote(term=%d vote=%d) = %v, %v", c.term, c.vote, changed, err)
		}
	}
	if changed, err := CheckVote(NodeState{CurrentTerm: 3, VotedFor: domain.NoNode}, 3, 2); !changed || err != nil {
		t.Fatalf("first vote in term: %v %v", changed, err)
	}
}

func TestMemoryEngine(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	if err := m.SaveVote(ctx, 1, 0); err != nil {
		t.Fatal(err)
	}
	if err := m.SaveVote(ctx, 1, 2); !errors.Is(err, ErrAlreadyVoted) {
		t.Fatalf("got %v", err)
	}
	if err := m.SaveCommit(ctx, 1, 64); err != nil {
		t.Fatal(err)
	}
	m.SaveCommit(ctx, 1, 32)
	st, _ := m.Load(ctx)
	if st.CurrentTerm != 1 || st.VotedFor != 0 || st.CommitPosition != 64 {
		t.Fatalf("state %+v", st)
	}
	votes, _ := m.Votes(ctx)
	if len(votes) != 1 || votes[0].Candidate != 0 {
		t.Fatalf("votes %+v", votes)
	}
}
