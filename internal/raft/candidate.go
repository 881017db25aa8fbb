package raft

import (
	"gatewaylog/internal/domain"
	"gatewaylog/internal/protocol"

	"go.etcd.io/raft/v3/quorum"
)

// Candidate votes for itself in a new term and asks the others for their votes.
type Candidate struct {
	c *core
	t transitions

	term       int64
	votes      map[domain.NodeID]bool
	deadlineMs int64
}

func newCandidate(c *core, t transitions) *Candidate {
	return &Candidate{c: c, t: t, votes: make(map[domain.NodeID]bool)}
}

func (c *Candidate) RoleKind() RoleKind { return RoleCandidate }
func (c *Candidate) Term() int64        { return c.c.state.Term() }

func (c *Candidate) enter(nowMs int64) {
	term := c.c.state.Term() + 1
	if err := c.c.persistVote(term, c.c.id); err != nil {
		c.c.fault(err)
		c.t.becomeFollower(c.c.state.Term(), domain.NoNode, nowMs)
		return
	}
	c.c.state.advanceTerm(term, domain.NoNode)
	c.term = term
	clear(c.votes)
	c.votes[c.c.id] = true
	c.deadlineMs = nowMs + c.c.electionTimeout()
	c.c.log.Info("standing for election", "node", c.c.id, "term", term, "position", c.c.archivedPosition())
	c.c.requestVotes(term)
	c.count(nowMs)
}

func (c *Candidate) Poll(fragmentLimit int, nowMs int64) int {
	work := c.c.pollData(fragmentLimit)
	work += c.c.pollControl(fragmentLimit)
	if c.c.current != roleState(c) {
		return work
	}
	if nowMs >= c.deadlineMs {
		c.c.failedElections++
		c.c.log.Info("election timed out", "node", c.c.id, "term", c.term, "failed_elections", c.c.failedElections)
		c.t.becomeFollower(c.term, domain.NoNode, nowMs)
		work++
	}
	return work
}

// onReplyVote handles a reply addressed to this candidate in its term.
func (c *Candidate) onReplyVote(m *protocol.ReplyVote, nowMs int64) {
	voter := domain.NodeID(m.Voter)
	if m.Term != c.term || !c.c.isMember(voter) {
		return
	}
	c.votes[voter] = m.Granted
	c.count(nowMs)
}

func (c *Candidate) count(nowMs int64) {
	if tally(c.c.voters, c.votes) == quorum.VoteWon {
		c.t.becomeLeader(nowMs)
	}
}
