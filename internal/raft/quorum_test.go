package raft

import (
	"testing"

	"gatewaylog/internal/domain"

	"go.etcd.io/raft/v3/quorum"
)

func TestQuorumSize(t *testing.T) {
	cases := []struct {
		members int
		want    int
	}{
		{0, 0},
		{1, 1},
		{2, 2},
		{3, 2},
		{4, 3},
		{5, 3},
	}
	for _, c := range cases {
		if got := QuorumSize(c.members); got != c.want {
			t.Fatalf("QuorumSize(%d) = %d, want %d", c.members, got, c.want)
		}
	}
}

func TestCommittedPosition(t *testing.T) {
	members := majority([]domain.NodeID{1, 2, 3})
	cases := []struct {
		name string
		acks positionIndexer
		want int64
	}{
		{"none", positionIndexer{}, 0},
		{"leader only", positionIndexer{1: 320}, 0},
		{"leader and one follower", positionIndexer{1: 320, 2: 96}, 96},
		{"all", positionIndexer{1: 320, 2: 96, 3: 256}, 256},
		{"leader behind", positionIndexer{1: 0, 2: 100, 3: 50}, 50},
		{"non member ignored", positionIndexer{1: 320, 9: 320}, 0},
	}
	for _, c := range cases {
		if got := committedPosition(members, c.acks); got != c.want {
			t.Fatalf("%s: committed %d, want %d", c.name, got, c.want)
		}
	}
}

func TestTally(t *testing.T) {
	members := majority([]domain.NodeID{1, 2, 3})
	cases := []struct {
		votes map[domain.NodeID]bool
		want  quorum.VoteResult
	}{
		{map[domain.NodeID]bool{1: true}, quorum.VotePending},
		{map[domain.NodeID]bool{1: true, 2: true}, quorum.VoteWon},
		{map[domain.NodeID]bool{1: true, 2: false}, quorum.VotePending},
		{map[domain.NodeID]bool{1: true, 2: false, 3: false}, quorum.VoteLost},
	}
	for _, c := range cases {
		if got := tally(members, c.votes); got != c.want {
			t.Fatalf("tally(%v) = %v, want %v", c.votes, got, c.want)
		}
	}
	if got := tally(majority([]domain.NodeID{7}), map[domain.NodeID]bool{7: true}); got != quorum.VoteWon {
		t.Fatalf("single member tally = %v", got)
	}
}
