// Package kafka carries streams over Kafka topics, one topic per stream. Each
// record holds one fragment; the session id and stream position travel in record
// headers.
package kafka

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"gatewaylog/internal/domain"
	"gatewaylog/internal/hashroute"
	"gatewaylog/internal/logbuffer"
	"gatewaylog/internal/transport"

	"github.com/twmb/franz-go/pkg/kgo"
)

const (
	headerSession  = "gl-session"
	headerPosition = "gl-position"
)

var errMissingHeader = errors.New("kafka record missing transport header")

type Config struct {
	Brokers            []string
	TopicPrefix        string
	ClientID           string
	Partitions         int
	MaxBufferedRecords int
	MaxPollRecords     int
	TermBufferLength   int32
	InitialTermID      int32
	TLS                bool
	Logger             *slog.Logger
}

func (c *Config) withDefaults() {
	if c.TopicPrefix == "" {
		c.TopicPrefix = "gatewaylog"
	}
	if c.Partitions <= 0 {
		c.Partitions = 1
	}
	if c.MaxBufferedRecords <= 0 {
		c.MaxBufferedRecords = 1024
	}
	if c.MaxPollRecords <= 0 {
		c.MaxPollRecords = 500
	}
	if c.TermBufferLength == 0 {
		c.TermBufferLength = 64 << 10
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

func (c Config) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("kafka.brokers is required")
	}
	if err := logbuffer.CheckTermLength(c.TermBufferLength); err != nil {
		return fmt.Errorf("kafka: %w", err)
	}
	return nil
}

// Topic is the Kafka topic that carries stream.
func (c Config) Topic(stream domain.StreamIdentifier) string {
	return fmt.Sprintf("%s-%s-%d", c.TopicPrefix, stream.FileSafeChannel(), stream.StreamID)
}

func (c Config) baseOpts() []kgo.Opt {
	opts := []kgo.Opt{kgo.SeedBrokers(c.Brokers...)}
	if c.ClientID != "" {
		opts = append(opts, kgo.ClientID(c.ClientID))
	}
	if c.TLS {
		opts = append(opts, kgo.DialTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12}))
	}
	return opts
}

type Transport struct {
	cfg      Config
	opts     []kgo.Opt
	producer *kgo.Client
	log      *slog.Logger
	failed   atomic.Int64

	mu      sync.Mutex
	clients []*kgo.Client
	closed  bool
}

var _ transport.Transport = (*Transport)(nil)

// New connects the shared producer. Extra options are applied to every client.
func New(cfg Config, opts ...kgo.Opt) (*Transport, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	popts := append(cfg.baseOpts(),
		kgo.MaxBufferedRecords(cfg.MaxBufferedRecords),
		kgo.RecordPartitioner(kgo.ManualPartitioner()),
		kgo.AllowAutoTopicCreation(),
	)
	popts = append(popts, opts...)
	producer, err := kgo.NewClient(popts...)
	if err != nil {
		return nil, fmt.Errorf("new kafka client: %w", err)
	}
	return &Transport{cfg: cfg, opts: opts, producer: producer, log: cfg.Logger.With("component", "kafka-transport")}, nil
}

// FailedProduces counts records the broker did not accept after Offer returned.
func (t *Transport) FailedProduces() int64 { return t.failed.Load() }

func (t *Transport) AddPublication(stream domain.StreamIdentifier, sessionID int32) (transport.Publication, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, transport.ErrClosed
	}
	key := domain.SessionKey{Stream: stream, SessionID: sessionID}
	p := &publication{
		topic:     t.cfg.Topic(stream),
		partition: int32(hashroute.PartitionFor(key, t.cfg.Partitions)),
		sessionID: sessionID,
		tracker:   logbuffer.NewTracker(t.cfg.TermBufferLength, 0),
		limit:     int64(t.cfg.MaxBufferedRecords),
	}
	cl := t.producer
	p.buffered = cl.BufferedProduceRecords
	p.produce = func(r *kgo.Record) {
		cl.TryProduce(context.Background(), r, func(r *kgo.Record, err error) {
			if err != nil {
				t.failed.Add(1)
				t.log.Warn("produce failed", "topic", r.Topic, "err", err)
			}
		})
	}
	return p, nil
}

// AddSubscription starts a consumer that joins the topic at its current end.
func (t *Transport) AddSubscription(stream domain.StreamIdentifier) (transport.Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, transport.ErrClosed
	}
	copts := append(t.cfg.baseOpts(),
		kgo.ConsumeTopics(t.cfg.Topic(stream)),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
		kgo.AllowAutoTopicCreation(),
	)
	copts = append(copts, t.opts...)
	cl, err := kgo.NewClient(copts...)
	if err != nil {
		return nil, fmt.Errorf("new kafka consumer: %w", err)
	}
	t.clients = append(t.clients, cl)
	s := &subscription{stream: stream, cfg: t.cfg, log: t.log, maxPoll: t.cfg.MaxPollRecords}
	s.poll = func(n int) ([]*kgo.Record, error) {
		// A cancelled context makes PollRecords return only what is already buffered.
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		fetches := cl.PollRecords(ctx, n)
		var err error
		fetches.EachError(func(_ string, _ int32, e error) {
			if err == nil && !errors.Is(e, context.Canceled) {
				err = e
			}
		})
		return fetches.Records(), err
	}
	s.close = cl.Close
	return s, nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	for _, cl := range t.clients {
		cl.Close()
	}
	t.producer.Close()
	return nil
}

type publication struct {
	topic     string
	partition int32
	sessionID int32
	limit     int64

	mu       sync.Mutex
	tracker  *logbuffer.Tracker
	closed   bool
	buffered func() int64
	produce  func(*kgo.Record)
}

// Offer hands the fragment to the client buffer. A full buffer is back pressure;
// nothing is queued beyond MaxBufferedRecords.
func (p *publication) Offer(msg []byte) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, transport.ErrClosed
	}
	claim, err := p.tracker.Peek(len(msg))
	if err != nil {
		return 0, fmt.Errorf("%w: %d bytes", transport.ErrMessageTooLarge, len(msg))
	}
	if p.buffered() >= p.limit {
		return 0, transport.ErrBackPressured
	}
	if _, err := p.tracker.Claim(len(msg)); err != nil {
		return 0, err
	}
	p.produce(encodeRecord(p.topic, p.partition, p.sessionID, claim.End, msg))
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

func encodeRecord(topic string, partition, sessionID int32, position int64, msg []byte) *kgo.Record {
	var session [4]byte
	var pos [8]byte
	binary.BigEndian.PutUint32(session[:], uint32(sessionID))
	binary.BigEndian.PutUint64(pos[:], uint64(position))
	return &kgo.Record{
		Topic:     topic,
		Partition: partition,
		Key:       session[:],
		Value:     append([]byte(nil), msg...),
		Headers: []kgo.RecordHeader{
			{Key: headerSession, Value: session[:]},
			{Key: headerPosition, Value: pos[:]},
		},
	}
}

func decodeRecord(r *kgo.Record) (sessionID int32, position int64, err error) {
	var haveSession, havePosition bool
	for _, h := range r.Headers {
		switch {
		case h.Key == headerSession && len(h.Value) == 4:
			sessionID = int32(binary.BigEndian.Uint32(h.Value))
			haveSession = true
		case h.Key == headerPosition && len(h.Value) == 8:
			position = int64(binary.BigEndian.Uint64(h.Value))
			havePosition = true
		}
	}
	if !haveSession || !havePosition {
		return 0, 0, fmt.Errorf("%w: %s/%d/%d", errMissingHeader, r.Topic, r.Partition, r.Offset)
	}
	return sessionID, position, nil
}

type subscription struct {
	stream  domain.StreamIdentifier
	cfg     Config
	log     *slog.Logger
	maxPoll int
	pending []*kgo.Record
	closed  bool
	skipped int64

	poll  func(n int) ([]*kgo.Record, error)
	close func()
}

func (s *subscription) Poll(handler transport.FragmentHandler, fragmentLimit int) int {
	if s.closed {
		return 0
	}
	if len(s.pending) == 0 {
		n := fragmentLimit
		if n > s.maxPoll {
			n = s.maxPoll
		}
		recs, err := s.poll(n)
		if err != nil {
			s.log.Warn("kafka poll", "stream", s.stream, "err", err)
		}
		s.pending = recs
	}
	count := 0
	for count < fragmentLimit && len(s.pending) > 0 {
		rec := s.pending[0]
		sessionID, position, err := decodeRecord(rec)
		if err != nil {
			s.skipped++
			s.log.Warn("skipping record", "err", err)
			s.pending = s.pending[1:]
			continue
		}
		h := transport.Header{
			Stream:           s.stream,
			SessionID:        sessionID,
			Position:         position,
			InitialTermID:    s.cfg.InitialTermID,
			TermBufferLength: s.cfg.TermBufferLength,
		}
		action := handler(rec.Value, h)
		if action == transport.Abort {
			return count
		}
		s.pending = s.pending[1:]
		count++
		if action == transport.Break {
			break
		}
	}
	return count
}

func (s *subscription) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.pending = nil
	if s.close != nil {
		s.close()
	}
	return nil
}
