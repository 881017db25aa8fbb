package raft

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"gatewaylog/internal/archive"
	"gatewaylog/internal/domain"
	"gatewaylog/internal/protocol"
	"gatewaylog/internal/storage"
	"gatewaylog/internal/transport"
)

// Streams names the three streams a cluster shares on one channel.
type Streams struct {
	Channel         string
	Control         int32
	Data            int32
	Acknowledgement int32
	// DataSessionID is the data session whose position is committed.
	DataSessionID int32
}

func DefaultStreams() Streams {
	return Streams{Channel: "aeron:ipc", Control: 1, Data: 2, Acknowledgement: 3, DataSessionID: 43}
}

func (s Streams) ControlStream() domain.StreamIdentifier {
	return domain.NewStreamIdentifier(s.Channel, s.Control)
}

func (s Streams) DataStream() domain.StreamIdentifier {
	return domain.NewStreamIdentifier(s.Channel, s.Data)
}

func (s Streams) AcknowledgementStream() domain.StreamIdentifier {
	return domain.NewStreamIdentifier(s.Channel, s.Acknowledgement)
}

type Config struct {
	NodeID    domain.NodeID
	Members   []domain.NodeID
	Transport transport.Transport
	Streams   Streams
	Storage   storage.Engine
	// LogDirectory holds this node's archive.
	LogDirectory archive.LogDirectory
	// TermBufferLength and InitialTermID describe the data stream. They are used
	// for sessions first seen through a resend.
	TermBufferLength int32
	InitialTermID    int32
	CacheCapacity    int

	TimeoutMs           int64
	HeartbeatIntervalMs int64
	MaxClaimAttempts    int
	// ClaimIdle runs between offer attempts on a back-pressured publication.
	ClaimIdle   IdleStrategy
	ReliefValve ReliefValve
	// Seed makes election timeouts reproducible. Zero seeds from the time.
	Seed int64
	// DataHandler, if set, receives every data fragment of the committed session
	// in order once it is committed. After a restart it starts again from the
	// beginning of the archive.
	DataHandler protocol.Handler
	Logger      *slog.Logger
}

func (c *Config) withDefaults() {
	if c.Streams == (Streams{}) {
		c.Streams = DefaultStreams()
	}
	if c.TermBufferLength == 0 {
		c.TermBufferLength = 64 << 10
	}
	if c.CacheCapacity <= 0 {
		c.CacheCapacity = 10
	}
	if c.TimeoutMs <= 0 {
		c.TimeoutMs = 100
	}
	if c.HeartbeatIntervalMs <= 0 {
		c.HeartbeatIntervalMs = c.TimeoutMs / 2
	}
	if c.MaxClaimAttempts <= 0 {
		c.MaxClaimAttempts = 100
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Storage == nil {
		c.Storage = storage.NewMemory()
	}
}

func (c Config) validate() error {
	if c.Transport == nil {
		return errors.New("raft: transport is required")
	}
	if c.LogDirectory.Root() == "" {
		return errors.New("raft: log directory is required")
	}
	seen := make(map[domain.NodeID]bool, len(c.Members))
	for _, id := range c.Members {
		if id <= 0 {
			return fmt.Errorf("raft: member id %d must be positive", id)
		}
		if seen[id] {
			return fmt.Errorf("raft: member %d listed twice", id)
		}
		seen[id] = true
	}
	if !seen[c.NodeID] {
		return fmt.Errorf("raft: node %d is not a cluster member", c.NodeID)
	}
	if c.HeartbeatIntervalMs >= c.TimeoutMs {
		return fmt.Errorf("raft: heartbeat interval %dms must be below timeout %dms", c.HeartbeatIntervalMs, c.TimeoutMs)
	}
	return nil
}

// Node is one cluster member. It owns its archive and switches between the
// Follower, Candidate and Leader roles. A Node is driven by one goroutine calling
// Poll; the accessors may be called from any goroutine.
type Node struct {
	c *core

	follower  *Follower
	candidate *Candidate
	leader    *Leader

	nowMs   int64
	closers []func() error
}

var (
	_ Role                    = (*Node)(nil)
	_ protocol.ControlHandler = (*Node)(nil)
)

// NewNode restores the node's durable state and archive and starts it as a
// follower at nowMs.
func NewNode(cfg Config, nowMs int64) (_ *Node, err error) {
	cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	c := &core{
		cfg:      cfg,
		id:       cfg.NodeID,
		log:      cfg.Logger.With("node", cfg.NodeID),
		voters:   majority(cfg.Members),
		rng:      rand.New(rand.NewSource(seed + int64(cfg.NodeID))),
		store:    cfg.Storage,
		faults:   make(chan error, 16),
		votedFor: domain.NoNode,
	}
	n := &Node{c: c}
	defer func() {
		if err != nil {
			n.Close()
		}
	}()

	st, err := cfg.Storage.Load(context.Background())
	if err != nil {
		return nil, fmt.Errorf("load node state: %w", err)
	}
	c.state = NewTermState(st.CurrentTerm, st.CommitPosition)
	c.votedFor = st.VotedFor
	c.persistedCommit = st.CommitPosition

	if c.md, err = archive.OpenMetaData(cfg.LogDirectory, c.log); err != nil {
		return nil, err
	}
	n.closers = append(n.closers, c.md.Close)
	if c.ti, err = archive.OpenTermIndex(cfg.LogDirectory, c.log); err != nil {
		return nil, err
	}
	n.closers = append(n.closers, c.ti.Close)
	c.archiver = archive.NewArchiver(archive.ArchiverConfig{
		Directory:     cfg.LogDirectory,
		MetaData:      c.md,
		TermIndex:     c.ti,
		CacheCapacity: cfg.CacheCapacity,
		Logger:        c.log,
		OnFault:       c.fault,
	}, nil)
	n.closers = append(n.closers, c.archiver.Close)
	c.reader = archive.NewReader(archive.ReaderConfig{
		Directory:     cfg.LogDirectory,
		MetaData:      c.md,
		TermIndex:     c.ti,
		CacheCapacity: cfg.CacheCapacity,
		Logger:        c.log,
	})
	n.closers = append(n.closers, c.reader.Close)
	if err := c.archiver.Resume(c.dataKey()); err != nil && !errors.Is(err, archive.ErrNotFound) {
		return nil, err
	}

	streams := cfg.Streams
	if c.dataSub, err = cfg.Transport.AddSubscription(streams.DataStream()); err != nil {
		return nil, err
	}
	n.closers = append(n.closers, c.dataSub.Close)
	if c.controlSub, err = cfg.Transport.AddSubscription(streams.ControlStream()); err != nil {
		return nil, err
	}
	n.closers = append(n.closers, c.controlSub.Close)
	if c.ackSub, err = cfg.Transport.AddSubscription(streams.AcknowledgementStream()); err != nil {
		return nil, err
	}
	n.closers = append(n.closers, c.ackSub.Close)

	pubCfg := PublicationConfig{MaxClaimAttempts: cfg.MaxClaimAttempts, Idle: cfg.ClaimIdle, ReliefValve: cfg.ReliefValve}
	controlPub, err := cfg.Transport.AddPublication(streams.ControlStream(), int32(cfg.NodeID))
	if err != nil {
		return nil, err
	}
	c.control = NewPublication(controlPub, pubCfg)
	n.closers = append(n.closers, c.control.Close)
	ackPub, err := cfg.Transport.AddPublication(streams.AcknowledgementStream(), int32(cfg.NodeID))
	if err != nil {
		return nil, err
	}
	c.acks = NewPublication(ackPub, pubCfg)
	n.closers = append(n.closers, c.acks.Close)

	c.onData = c.archiver.OnFragment
	c.onControl = protocol.Chain(protocol.NewControlSubscription(n, c.log))
	if cfg.DataHandler != nil {
		c.dispatch = protocol.NewSubscription(cfg.DataHandler, c.log)
	}

	n.follower = newFollower(c, n)
	n.candidate = newCandidate(c, n)
	n.leader = newLeader(c, n)
	n.nowMs = nowMs
	c.setCurrent(n.follower)
	n.follower.enter(nowMs)
	c.log.Info("node started", "term", st.CurrentTerm, "voted_for", st.VotedFor, "commit", st.CommitPosition, "archived", c.archivedPosition())
	return n, nil
}

// Poll runs one duty cycle of the current role, then applies newly committed
// data.
func (n *Node) Poll(fragmentLimit int, nowMs int64) int {
	n.nowMs = nowMs
	work := n.c.current.Poll(fragmentLimit, nowMs)
	return work + n.c.apply(fragmentLimit)
}

func (n *Node) ID() domain.NodeID       { return n.c.id }
func (n *Node) RoleKind() RoleKind      { return RoleKind(n.c.role.Load()) }
func (n *Node) Term() int64             { return n.c.state.Term() }
func (n *Node) State() *TermState       { return n.c.state }
func (n *Node) Reader() *archive.Reader { return n.c.reader }

// ArchivedPosition is the archived position of the committed data session. Only
// the polling goroutine may call it.
func (n *Node) ArchivedPosition() int64 { return n.c.archivedPosition() }

// Faults delivers errors that stop the node from archiving or persisting state.
func (n *Node) Faults() <-chan error { return n.c.faults }

// StaleMessages counts control messages dropped for carrying an old term.
func (n *Node) StaleMessages() int64 { return n.c.stale.Load() }

// ControlFailures counts control messages that could not be offered.
func (n *Node) ControlFailures() int64 {
	return n.c.control.FailCount() + n.c.acks.FailCount()
}

// Status summarizes the node for operators.
type Status struct {
	ID               domain.NodeID
	Role             RoleKind
	Term             int64
	Leader           domain.NodeID
	CommitPosition   int64
	ArchivedPosition int64
	AppliedPosition  int64
	StaleMessages    int64
	ControlFailures  int64
	Archive          archive.Stats
}

// Status may only be called from the polling goroutine.
func (n *Node) Status() Status {
	snap := n.c.state.Snapshot()
	return Status{
		ID:               n.c.id,
		Role:             n.RoleKind(),
		Term:             snap.Term,
		Leader:           snap.Leader,
		CommitPosition:   snap.CommitPosition,
		ArchivedPosition: n.c.archivedPosition(),
		AppliedPosition:  n.c.applied,
		StaleMessages:    n.StaleMessages(),
		ControlFailures:  n.ControlFailures(),
		Archive:          n.c.archiver.Stats(),
	}
}

func (n *Node) Close() error {
	var errs []error
	for i := len(n.closers) - 1; i >= 0; i-- {
		if err := n.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	n.closers = nil
	return errors.Join(errs...)
}

func (n *Node) becomeFollower(term int64, leader domain.NodeID, nowMs int64) {
	c := n.c
	prev, prevTerm := c.current.RoleKind(), c.state.Term()
	if term > prevTerm {
		if err := c.persistVote(term, domain.NoNode); err != nil {
			c.fault(err)
		}
	}
	c.state.advanceTerm(term, leader)
	c.setCurrent(n.follower)
	n.follower.enter(nowMs)
	if prev != RoleFollower || term != prevTerm {
		c.log.Info("role changed", "role", RoleFollower, "from", prev, "term", term, "leader", leader)
	}
}

func (n *Node) becomeCandidate(nowMs int64) {
	n.c.setCurrent(n.candidate)
	n.candidate.enter(nowMs)
}

func (n *Node) becomeLeader(nowMs int64) {
	n.c.setCurrent(n.leader)
	n.leader.enter(nowMs)
}

// observe filters a message by term. Older terms are dropped; a newer term makes
// this node a follower in that term before the message is handled.
func (n *Node) observe(term int64, leader domain.NodeID) bool {
	switch cur := n.c.state.Term(); {
	case term < cur:
		n.c.stale.Add(1)
		return false
	case term > cur:
		n.becomeFollower(term, leader, n.nowMs)
	}
	return true
}

func (n *Node) OnRequestVote(m *protocol.RequestVote, _ transport.Header) transport.Action {
	c := n.c
	candidate := domain.NodeID(m.Candidate)
	if candidate == c.id || !c.isMember(candidate) {
		return transport.Continue
	}
	term := c.state.Term()
	if m.Term <= term {
		if m.Term < term {
			c.stale.Add(1)
		}
		// A repeated request from the candidate we voted for gets the same answer.
		c.replyVote(candidate, m.Term == term && c.votedFor == candidate)
		return transport.Continue
	}
	n.becomeFollower(m.Term, domain.NoNode, n.nowMs)
	if m.LastPosition < c.archivedPosition() {
		c.log.Info("vote refused", "candidate", candidate, "term", m.Term, "candidate_position", m.LastPosition, "archived", c.archivedPosition())
		c.replyVote(candidate, false)
		return transport.Continue
	}
	if err := c.persistVote(m.Term, candidate); err != nil {
		c.log.Warn("vote not recorded", "candidate", candidate, "term", m.Term, "err", err)
		c.replyVote(candidate, false)
		return transport.Continue
	}
	n.follower.touch(n.nowMs)
	c.log.Info("voted", "candidate", candidate, "term", m.Term)
	c.replyVote(candidate, true)
	return transport.Continue
}

func (n *Node) OnReplyVote(m *protocol.ReplyVote, _ transport.Header) transport.Action {
	if domain.NodeID(m.Candidate) != n.c.id || !n.observe(m.Term, domain.NoNode) {
		return transport.Continue
	}
	if n.c.current == roleState(n.candidate) {
		n.candidate.onReplyVote(m, n.nowMs)
	}
	return transport.Continue
}

func (n *Node) OnConsensusHeartbeat(m *protocol.ConsensusHeartbeat, _ transport.Header) transport.Action {
	c := n.c
	leader := domain.NodeID(m.Leader)
	if leader == c.id || !c.isMember(leader) {
		return transport.Continue
	}
	if m.Term < c.state.Term() {
		c.stale.Add(1)
		// Tell the old leader about the newer term.
		c.sendAck(c.state.Term(), leader, protocol.AckWrongTerm)
		return transport.Continue
	}
	if m.Term == c.state.Term() && c.current == roleState(n.leader) {
		c.log.Warn("heartbeat from another leader in the same term", "term", m.Term, "other", leader)
		return transport.Continue
	}
	if m.Term > c.state.Term() || c.current != roleState(n.follower) {
		n.becomeFollower(m.Term, leader, n.nowMs)
	}
	n.follower.onHeartbeat(m, n.nowMs)
	return transport.Continue
}

func (n *Node) OnMessageAcknowledgement(m *protocol.MessageAcknowledgement, _ transport.Header) transport.Action {
	if domain.NodeID(m.Node) == n.c.id || !n.observe(m.Term, domain.NoNode) {
		return transport.Continue
	}
	if n.c.current == roleState(n.leader) && domain.NodeID(m.Leader) == n.c.id {
		n.leader.onAck(m)
	}
	return transport.Continue
}

func (n *Node) OnResend(m *protocol.Resend, _ transport.Header) transport.Action {
	if domain.NodeID(m.Follower) != n.c.id || !n.observe(m.Term, domain.NodeID(m.Leader)) {
		return transport.Continue
	}
	if n.c.current == roleState(n.follower) {
		n.follower.onResend(m)
	}
	return transport.Continue
}
