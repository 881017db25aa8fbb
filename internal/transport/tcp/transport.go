// Package tcp carries streams between cluster nodes over plain TCP. Delivery is
// best effort: a fragment that cannot be written to a peer is dropped, and the
// consensus layer repairs the gap by resending from the archive.
package tcp

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"gatewaylog/internal/domain"
	"gatewaylog/internal/logbuffer"
	"gatewaylog/internal/transport"
)

const maxEnvelopeSize = 8 << 20

type Config struct {
	NodeID           domain.NodeID
	Address          string
	Peers            map[domain.NodeID]string
	TermBufferLength int32
	InitialTermID    int32
	QueueDepth       int
	InboxDepth       int
	DialTimeout      time.Duration
	Logger           *slog.Logger
}

func (c *Config) withDefaults() {
	if c.QueueDepth <= 0 {
		c.QueueDepth = 128
	}
	if c.InboxDepth <= 0 {
		c.InboxDepth = 1024
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 500 * time.Millisecond
	}
	if c.TermBufferLength == 0 {
		c.TermBufferLength = 64 << 10
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

type envelope struct {
	stream    domain.StreamIdentifier
	sessionID int32
	position  int64
	payload   []byte
}

type Transport struct {
	cfg      Config
	listener net.Listener
	log      *slog.Logger

	mu       sync.Mutex
	outbound map[domain.NodeID]chan envelope
	subs     map[domain.StreamIdentifier][]*subscription
	closed   chan struct{}
	dropped  atomic.Int64
	wg       sync.WaitGroup
}

var _ transport.Transport = (*Transport)(nil)

func New(cfg Config) (*Transport, error) {
	cfg.withDefaults()
	if err := logbuffer.CheckTermLength(cfg.TermBufferLength); err != nil {
		return nil, fmt.Errorf("tcp: %w", err)
	}
	ln, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return nil, err
	}
	t := &Transport{
		cfg:      cfg,
		listener: ln,
		log:      cfg.Logger.With("component", "tcp-transport", "node", cfg.NodeID),
		outbound: make(map[domain.NodeID]chan envelope),
		subs:     make(map[domain.StreamIdentifier][]*subscription),
		closed:   make(chan struct{}),
	}
	for peer, addr := range cfg.Peers {
		if peer == cfg.NodeID {
			continue
		}
		ch := make(chan envelope, cfg.QueueDepth)
		t.outbound[peer] = ch
		t.wg.Add(1)
		go t.sender(peer, addr, ch)
	}
	t.wg.Add(1)
	go t.acceptLoop()
	return t, nil
}

// Addr is the bound listen address.
func (t *Transport) Addr() string { return t.listener.Addr().String() }

// Dropped counts inbound fragments discarded because a subscriber inbox was full.
func (t *Transport) Dropped() int64 { return t.dropped.Load() }

func (t *Transport) AddPublication(stream domain.StreamIdentifier, sessionID int32) (transport.Publication, error) {
	select {
	case <-t.closed:
		return nil, transport.ErrClosed
	default:
	}
	return &publication{t: t, stream: stream, sessionID: sessionID, tracker: logbuffer.NewTracker(t.cfg.TermBufferLength, 0)}, nil
}

func (t *Transport) AddSubscription(stream domain.StreamIdentifier) (transport.Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	select {
	case <-t.closed:
		return nil, transport.ErrClosed
	default:
	}
	s := &subscription{t: t, stream: stream, inbox: make(chan envelope, t.cfg.InboxDepth)}
	t.subs[stream] = append(t.subs[stream], s)
	return s, nil
}

func (t *Transport) removeSubscription(s *subscription) {
	t.mu.Lock()
	defer t.mu.Unlock()
	list := t.subs[s.stream]
	for i, other := range list {
		if other == s {
			t.subs[s.stream] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

func (t *Transport) Close() error {
	t.mu.Lock()
	select {
	case <-t.closed:
		t.mu.Unlock()
		return nil
	default:
		close(t.closed)
	}
	t.mu.Unlock()
	err := t.listener.Close()
	t.wg.Wait()
	return err
}

// deliverLocal fans an envelope out to this node's subscribers on its stream.
func (t *Transport) deliverLocal(env envelope) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.subs[env.stream] {
		select {
		case s.inbox <- env:
		default:
			t.dropped.Add(1)
		}
	}
}

func (t *Transport) sender(peer domain.NodeID, addr string, ch <-chan envelope) {
	defer t.wg.Done()
	var conn net.Conn
	var w *bufio.Writer
	defer func() {
		if conn != nil {
			_ = conn.Close()
		}
	}()
	for {
		select {
		case <-t.closed:
			return
		case env := <-ch:
			if conn == nil {
				c, err := net.DialTimeout("tcp", addr, t.cfg.DialTimeout)
				if err != nil {
					continue
				}
				conn, w = c, bufio.NewWriter(c)
			}
			_ = conn.SetWriteDeadline(time.Now().Add(t.cfg.DialTimeout))
			err := writeEnvelope(w, env)
			if err == nil && len(ch) == 0 {
				err = w.Flush()
			}
			if err != nil {
				t.log.Debug("peer write failed", "peer", peer, "err", err)
				_ = conn.Close()
				conn, w = nil, nil
			}
		}
	}
}

func (t *Transport) acceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.closed:
				return
			default:
			}
			continue
		}
		t.wg.Add(1)
		go func(c net.Conn) {
			defer t.wg.Done()
			defer c.Close()
			go func() {
				<-t.closed
				_ = c.Close()
			}()
			br := bufio.NewReader(c)
			for {
				env, err := readEnvelope(br)
				if err != nil {
					return
				}
				t.deliverLocal(env)
			}
		}(conn)
	}
}

type publication struct {
	t         *Transport
	stream    domain.StreamIdentifier
	sessionID int32

	mu      sync.Mutex
	tracker *logbuffer.Tracker
	closed  bool
}

// Offer queues the fragment for every peer and for local subscribers. It fails
// with ErrBackPressured without sending anything if any peer queue is full.
func (p *publication) Offer(msg []byte) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t := p.t
	if p.closed {
		return 0, transport.ErrClosed
	}
	select {
	case <-t.closed:
		return 0, transport.ErrClosed
	default:
	}
	claim, err := p.tracker.Peek(len(msg))
	if err != nil {
		return 0, fmt.Errorf("%w: %d bytes", transport.ErrMessageTooLarge, len(msg))
	}
	t.mu.Lock()
	local := len(t.subs[p.stream])
	t.mu.Unlock()
	if len(t.outbound) == 0 && local == 0 {
		return 0, transport.ErrNotConnected
	}
	for _, ch := range t.outbound {
		if len(ch) == cap(ch) {
			return 0, transport.ErrBackPressured
		}
	}
	if _, err := p.tracker.Claim(len(msg)); err != nil {
		return 0, err
	}
	env := envelope{stream: p.stream, sessionID: p.sessionID, position: claim.End, payload: append([]byte(nil), msg...)}
	for _, ch := range t.outbound {
		select {
		case ch <- env:
		default:
			t.dropped.Add(1)
		}
	}
	t.deliverLocal(env)
	return claim.End, nil
}

func (p *publication) Position() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tracker.Position()
}

func (p *publication) SessionID() int32 { return p.sessionID }

func (p *publication) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

type subscription struct {
	t       *Transport
	stream  domain.StreamIdentifier
	inbox   chan envelope
	pending *envelope
	closed  atomic.Bool
}

func (s *subscription) Poll(handler transport.FragmentHandler, fragmentLimit int) int {
	if s.closed.Load() {
		return 0
	}
	count := 0
	for count < fragmentLimit {
		var env envelope
		if s.pending != nil {
			env = *s.pending
			s.pending = nil
		} else {
			select {
			case env = <-s.inbox:
			default:
				return count
			}
		}
		h := transport.Header{
			Stream:           env.stream,
			SessionID:        env.sessionID,
			Position:         env.position,
			InitialTermID:    s.t.cfg.InitialTermID,
			TermBufferLength: s.t.cfg.TermBufferLength,
		}
		switch handler(env.payload, h) {
		case transport.Abort:
			s.pending = &env
			return count
		case transport.Break:
			return count + 1
		}
		count++
	}
	return count
}

func (s *subscription) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.t.removeSubscription(s)
	return nil
}

// Envelope layout, big endian: total length uint32, then stream id int32,
// session id int32, position int64, channel length uint16, channel, payload.
func writeEnvelope(w io.Writer, env envelope) error {
	size := 4 + 4 + 8 + 2 + len(env.stream.Channel) + len(env.payload)
	buf := make([]byte, 4+size)
	binary.BigEndian.PutUint32(buf[0:], uint32(size))
	binary.BigEndian.PutUint32(buf[4:], uint32(env.stream.StreamID))
	binary.BigEndian.PutUint32(buf[8:], uint32(env.sessionID))
	binary.BigEndian.PutUint64(buf[12:], uint64(env.position))
	binary.BigEndian.PutUint16(buf[20:], uint16(len(env.stream.Channel)))
	n := copy(buf[22:], env.stream.Channel)
	copy(buf[22+n:], env.payload)
	_, err := w.Write(buf)
	return err
}

var errBadEnvelope = errors.New("malformed envelope")

func readEnvelope(r io.Reader) (envelope, error) {
	var sz uint32
	if err := binary.Read(r, binary.BigEndian, &sz); err != nil {
		return envelope{}, err
	}
	if sz < 18 || sz > maxEnvelopeSize {
		return envelope{}, fmt.Errorf("%w: size %d", errBadEnvelope, sz)
	}
	buf := make([]byte, sz)
	if _, err := io.ReadFull(r, buf); err != nil {
		return envelope{}, err
	}
	channelLen := int(binary.BigEndian.Uint16(buf[16:]))
	if 18+channelLen > len(buf) {
		return envelope{}, fmt.Errorf("%w: channel length %d", errBadEnvelope, channelLen)
	}
	return envelope{
		stream: domain.StreamIdentifier{
			Channel:  string(buf[18 : 18+channelLen]),
			StreamID: int32(binary.BigEndian.Uint32(buf[0:])),
		},
		sessionID: int32(binary.BigEndian.Uint32(buf[4:])),
		position:  int64(binary.BigEndian.Uint64(buf[8:])),
		payload:   buf[18+channelLen:],
	}, nil
}
