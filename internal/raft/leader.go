package raft

import (
	"gatewaylog/internal/domain"
	"gatewaylog/internal/protocol"
	"gatewaylog/internal/transport"
)

// Leader heartbeats, commits what a majority has archived and resends archived
// fragments to followers with gaps.
type Leader struct {
	c *core
	t transitions

	acks            positionIndexer
	resends         map[domain.NodeID]int64
	nextHeartbeatMs int64
}

func newLeader(c *core, t transitions) *Leader {
	return &Leader{c: c, t: t, acks: make(positionIndexer), resends: make(map[domain.NodeID]int64)}
}

func (l *Leader) RoleKind() RoleKind { return RoleLeader }
func (l *Leader) Term() int64        { return l.c.state.Term() }

func (l *Leader) enter(nowMs int64) {
	term := l.c.state.Term()
	l.c.state.advanceTerm(term, l.c.id)
	l.c.failedElections = 0
	clear(l.acks)
	clear(l.resends)
	l.c.log.Info("elected leader", "node", l.c.id, "term", term, "position", l.c.archivedPosition())
	l.c.sendHeartbeat()
	l.nextHeartbeatMs = nowMs + l.c.cfg.HeartbeatIntervalMs
}

func (l *Leader) Poll(fragmentLimit int, nowMs int64) int {
	work := l.c.pollData(fragmentLimit)
	work += l.c.pollControl(fragmentLimit)
	if l.c.current != roleState(l) {
		return work
	}
	l.updateCommit()
	work += l.resend(fragmentLimit)
	if nowMs >= l.nextHeartbeatMs {
		l.c.sendHeartbeat()
		l.nextHeartbeatMs = nowMs + l.c.cfg.HeartbeatIntervalMs
		work++
	}
	return work
}

// updateCommit advances the commit position to what a majority has
// acknowledged in this term, counting the leader's own archive. The leader
// never commits past its own archive.
func (l *Leader) updateCommit() {
	archived := l.c.archivedPosition()
	l.acks[l.c.id] = archived
	if pos := min(committedPosition(l.c.voters, l.acks), archived); l.c.state.advanceCommit(pos) {
		l.c.log.Debug("commit advanced", "term", l.c.state.Term(), "position", pos)
		l.c.persistCommit()
	}
}

// onAck handles an acknowledgement addressed to this leader in its term.
func (l *Leader) onAck(m *protocol.MessageAcknowledgement) {
	node := domain.NodeID(m.Node)
	if !l.c.isMember(node) {
		return
	}
	if m.Position > l.acks[node] {
		l.acks[node] = m.Position
	}
	switch protocol.AckStatus(m.Status) {
	case protocol.AckMissingLogEntries:
		if _, ok := l.resends[node]; !ok {
			l.c.log.Info("follower missing entries", "follower", node, "position", m.Position)
			l.resends[node] = m.Position
		}
	case protocol.AckOK:
		if from, ok := l.resends[node]; ok && m.Position > from && m.Position >= l.c.archivedPosition() {
			delete(l.resends, node)
		}
	}
}

// resend sends up to fragmentLimit archived fragments to each follower with a
// gap, starting at the position it acknowledged.
func (l *Leader) resend(fragmentLimit int) int {
	if len(l.resends) == 0 {
		return 0
	}
	key := l.c.dataKey()
	session, err := l.c.dataSession(l.c.archivedPosition())
	if err != nil {
		l.c.log.Warn("cannot open archive for resend", "session", key, "err", err)
		clear(l.resends)
		return 0
	}
	term := l.c.state.Term()
	work := 0
	for follower, from := range l.resends {
		replay, err := session.ReplayFrom(from)
		if err != nil {
			l.c.log.Warn("cannot resend", "follower", follower, "from", from, "err", err)
			delete(l.resends, follower)
			continue
		}
		sent := 0
		for sent < fragmentLimit && replay.Next() {
			frag := replay.Fragment()
			_, err := l.c.control.OfferControl(&protocol.Resend{
				Term:          term,
				Leader:        int32(l.c.id),
				Follower:      int32(follower),
				SessionId:     key.SessionID,
				StartPosition: frag.StartPosition,
				Body:          frag.Payload(),
			})
			if err != nil {
				if !transport.Retryable(err) {
					l.c.log.Warn("resend failed", "follower", follower, "position", frag.StartPosition, "err", err)
					delete(l.resends, follower)
				}
				break
			}
			l.resends[follower] = frag.Position
			sent++
		}
		if err := replay.Err(); err != nil {
			l.c.log.Warn("resend replay failed", "follower", follower, "err", err)
			delete(l.resends, follower)
		}
		replay.Close()
		if next, ok := l.resends[follower]; ok && next >= session.End() {
			delete(l.resends, follower)
		}
		work += sent
	}
	return work
}
