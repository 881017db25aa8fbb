package raft

import (
	"errors"

	"gatewaylog/internal/archive"
	"gatewaylog/internal/domain"
	"gatewaylog/internal/protocol"
	"gatewaylog/internal/transport"
)

// Follower archives the data stream, acknowledges what it has archived to the
// leader and stands for election when the leader goes quiet.
type Follower struct {
	c *core
	t transitions

	lastContactMs int64
	timeoutMs     int64
	ackedPosition int64
}

func newFollower(c *core, t transitions) *Follower { return &Follower{c: c, t: t} }

func (f *Follower) RoleKind() RoleKind { return RoleFollower }
func (f *Follower) Term() int64        { return f.c.state.Term() }

func (f *Follower) enter(nowMs int64) {
	f.lastContactMs = nowMs
	f.timeoutMs = f.c.electionTimeout()
	f.ackedPosition = -1
}

func (f *Follower) Poll(fragmentLimit int, nowMs int64) int {
	work := f.c.pollData(fragmentLimit)
	work += f.c.pollControl(fragmentLimit)
	if f.c.current != roleState(f) {
		return work
	}
	snap := f.c.state.Snapshot()
	if snap.Leader != domain.NoNode && f.c.archivedPosition() != f.ackedPosition {
		f.ack(snap.Term, snap.Leader)
		work++
	}
	if nowMs-f.lastContactMs >= f.timeoutMs {
		f.c.log.Info("leader timed out", "node", f.c.id, "term", snap.Term, "leader", snap.Leader, "silent_ms", nowMs-f.lastContactMs)
		f.t.becomeCandidate(nowMs)
		work++
	}
	return work
}

func (f *Follower) ack(term int64, leader domain.NodeID) {
	status := protocol.AckOK
	if f.c.hasGap() {
		status = protocol.AckMissingLogEntries
	}
	if f.c.sendAck(term, leader, status) {
		f.ackedPosition = f.c.archivedPosition()
	}
}

func (f *Follower) touch(nowMs int64) {
	f.lastContactMs = nowMs
	f.c.failedElections = 0
}

// onHeartbeat handles a heartbeat from the leader of the current term.
func (f *Follower) onHeartbeat(m *protocol.ConsensusHeartbeat, nowMs int64) {
	f.touch(nowMs)
	leader := domain.NodeID(m.Leader)
	if f.c.state.Leader() != leader {
		f.c.state.advanceTerm(m.Term, leader)
		f.c.log.Info("following leader", "node", f.c.id, "term", m.Term, "leader", leader)
	}
	if commit := min(m.CommitPosition, f.c.archivedPosition()); f.c.state.advanceCommit(commit) {
		f.c.persistCommit()
	}
	f.ack(m.Term, leader)
}

// onResend archives a fragment the leader resent for a gap.
func (f *Follower) onResend(m *protocol.Resend) {
	h := transport.Header{
		Stream:           f.c.cfg.Streams.DataStream(),
		SessionID:        m.SessionId,
		InitialTermID:    f.c.cfg.InitialTermID,
		TermBufferLength: f.c.cfg.TermBufferLength,
	}
	key := domain.SessionKey{Stream: h.Stream, SessionID: h.SessionID}
	before := f.c.archiver.ArchivedPosition(key)
	err := f.c.archiver.ArchiveAt(h, m.StartPosition, m.Body)
	switch {
	case errors.Is(err, archive.ErrGap):
		f.c.log.Debug("resend ahead of archive", "start", m.StartPosition, "archived", before)
		return
	case errors.Is(err, archive.ErrIO), errors.Is(err, archive.ErrCorruptMetadata):
		// Reported through the archiver's fault callback.
		return
	case err != nil:
		f.c.log.Warn("resend rejected", "start", m.StartPosition, "err", err)
		return
	}
}
