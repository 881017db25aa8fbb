// Package raft elects a leader among a fixed set of nodes and advances a commit
// position over an archived data stream. Every node archives the data stream; the
// leader commits the highest position a majority has acknowledged archiving and
// resends archived fragments to followers that report gaps.
//
// Nodes are driven by polling. Nothing blocks on the network, and all timeouts
// are evaluated against the nowMs passed to Poll.
package raft

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync/atomic"

	"gatewaylog/internal/archive"
	"gatewaylog/internal/domain"
	"gatewaylog/internal/protocol"
	"gatewaylog/internal/storage"
	"gatewaylog/internal/transport"

	"go.etcd.io/raft/v3/quorum"
)

var ErrNotLeader = errors.New("raft: not leader")

type RoleKind int

const (
	RoleFollower RoleKind = iota
	RoleCandidate
	RoleLeader
)

func (k RoleKind) String() string {
	switch k {
	case RoleFollower:
		return "FOLLOWER"
	case RoleCandidate:
		return "CANDIDATE"
	case RoleLeader:
		return "LEADER"
	default:
		return "UNKNOWN"
	}
}

// Role is the capability every role and the Node itself provide to a poll loop.
type Role interface {
	// Poll does a bounded amount of work and returns how much it did.
	Poll(fragmentLimit int, nowMs int64) int
	RoleKind() RoleKind
	Term() int64
}

type roleState interface {
	Role
	enter(nowMs int64)
}

// transitions is how roles ask for a role change.
type transitions interface {
	becomeFollower(term int64, leader domain.NodeID, nowMs int64)
	becomeCandidate(nowMs int64)
	becomeLeader(nowMs int64)
}

// core is the state shared by a node's roles.
type core struct {
	cfg    Config
	id     domain.NodeID
	log    *slog.Logger
	voters quorum.MajorityConfig
	rng    *rand.Rand

	state           *TermState
	votedFor        domain.NodeID
	persistedCommit int64
	failedElections int
	current         roleState
	role            atomic.Int32

	store    storage.Engine
	md       *archive.MetaData
	ti       *archive.TermIndex
	archiver *archive.Archiver
	reader   *archive.Reader

	dataSub    transport.Subscription
	controlSub transport.Subscription
	ackSub     transport.Subscription
	control    *Publication
	acks       *Publication

	onData    transport.FragmentHandler
	onControl transport.FragmentHandler
	dispatch  *protocol.Subscription

	// applied is the position up to which committed data has been handed to
	// dispatch. session is the reader's view of the data session.
	applied int64
	session *archive.Session

	stale  atomic.Int64
	faults chan error
}

// setCurrent switches the active role. role mirrors it for other goroutines.
func (c *core) setCurrent(r roleState) {
	c.current = r
	c.role.Store(int32(r.RoleKind()))
}

func (c *core) dataKey() domain.SessionKey {
	return domain.SessionKey{Stream: c.cfg.Streams.DataStream(), SessionID: c.cfg.Streams.DataSessionID}
}

func (c *core) archivedPosition() int64 { return c.archiver.ArchivedPosition(c.dataKey()) }

func (c *core) hasGap() bool {
	return c.archiver.ObservedPosition(c.dataKey()) > c.archivedPosition()
}

func (c *core) pollData(limit int) int { return c.dataSub.Poll(c.onData, limit) }

func (c *core) pollControl(limit int) int {
	return c.controlSub.Poll(c.onControl, limit) + c.ackSub.Poll(c.onControl, limit)
}

// dataSession returns the reader session of the data stream, refreshed when it
// ends before position. It is opened once and reused.
func (c *core) dataSession(position int64) (*archive.Session, error) {
	if c.session == nil {
		key := c.dataKey()
		s, err := c.reader.Open(key.Stream, key.SessionID)
		if err != nil {
			return nil, err
		}
		c.session = s
	}
	if c.session.End() < position {
		if _, err := c.session.Refresh(); err != nil {
			return nil, err
		}
	}
	return c.session, nil
}

// apply hands up to limit committed data fragments to the data handler. A
// fragment is handed over only once the commit position covers its end.
func (c *core) apply(limit int) int {
	commit := c.state.CommitPosition()
	if c.dispatch == nil || c.applied >= commit {
		return 0
	}
	session, err := c.dataSession(commit)
	if errors.Is(err, archive.ErrNotFound) {
		return 0
	}
	if err != nil {
		c.log.Warn("cannot open archive to apply", "commit", commit, "err", err)
		return 0
	}
	c.applied = max(c.applied, session.Start())
	replay, err := session.ReplayRange(c.applied, commit)
	if err != nil {
		c.log.Warn("cannot apply committed data", "from", c.applied, "commit", commit, "err", err)
		return 0
	}
	defer replay.Close()
	rec := session.Record()
	h := transport.Header{
		Stream:           rec.Stream,
		SessionID:        rec.SessionID,
		InitialTermID:    rec.InitialTermID,
		TermBufferLength: rec.TermBufferLength,
	}
	work := 0
	for work < limit {
		if !replay.Next() {
			if replay.Err() != nil {
				c.log.Warn("apply replay failed", "position", c.applied, "err", replay.Err())
			} else if pos := replay.Position(); pos > c.applied && pos <= min(commit, session.End()) {
				// Only padding was left.
				c.applied = pos
			}
			break
		}
		frag := replay.Fragment()
		if frag.Position > commit {
			break
		}
		h.Position = frag.Position
		c.dispatch.Dispatch(frag.Payload(), h)
		c.applied = frag.Position
		work++
	}
	return work
}

// electionTimeout is randomized in [t, 2t) where t grows with consecutive failed
// elections up to eight times the configured timeout.
func (c *core) electionTimeout() int64 {
	t := c.cfg.TimeoutMs << min(c.failedElections, 3)
	return t + c.rng.Int63n(t)
}

func (c *core) isMember(id domain.NodeID) bool {
	_, ok := c.voters[uint64(id)]
	return ok
}

func (c *core) persistVote(term int64, votedFor domain.NodeID) error {
	if err := c.store.SaveVote(context.Background(), term, votedFor); err != nil {
		return err
	}
	c.votedFor = votedFor
	return nil
}

func (c *core) persistCommit() {
	snap := c.state.Snapshot()
	if snap.CommitPosition <= c.persistedCommit {
		return
	}
	if err := c.store.SaveCommit(context.Background(), snap.Term, snap.CommitPosition); err != nil {
		c.fault(err)
		return
	}
	c.persistedCommit = snap.CommitPosition
}

func (c *core) fault(err error) {
	c.log.Error("node fault", "err", err)
	select {
	case c.faults <- err:
	default:
	}
}

func (c *core) sendHeartbeat() {
	snap := c.state.Snapshot()
	_, err := c.control.OfferControl(&protocol.ConsensusHeartbeat{
		Term:             snap.Term,
		Leader:           int32(c.id),
		CommitPosition:   snap.CommitPosition,
		ArchivedPosition: c.archivedPosition(),
		DataSessionId:    c.cfg.Streams.DataSessionID,
	})
	if err != nil {
		c.log.Debug("heartbeat not sent", "term", snap.Term, "err", err)
	}
}

func (c *core) sendAck(term int64, leader domain.NodeID, status protocol.AckStatus) bool {
	_, err := c.acks.OfferControl(&protocol.MessageAcknowledgement{
		Term:     term,
		Node:     int32(c.id),
		Leader:   int32(leader),
		Position: c.archivedPosition(),
		Status:   int32(status),
	})
	if err != nil {
		c.log.Debug("ack not sent", "term", term, "err", err)
		return false
	}
	return true
}

func (c *core) requestVotes(term int64) {
	_, err := c.control.OfferControl(&protocol.RequestVote{Term: term, Candidate: int32(c.id), LastPosition: c.archivedPosition()})
	if err != nil {
		c.log.Warn("vote request not sent", "term", term, "err", err)
	}
}

func (c *core) replyVote(candidate domain.NodeID, granted bool) {
	_, err := c.control.OfferControl(&protocol.ReplyVote{Term: c.state.Term(), Voter: int32(c.id), Candidate: int32(candidate), Granted: granted})
	if err != nil {
		c.log.Warn("vote reply not sent", "candidate", candidate, "err", err)
	}
}
