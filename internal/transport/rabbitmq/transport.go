// Package rabbitmq carries streams over a topic exchange. Each stream has its own
// routing key and each subscription its own exclusive queue, so every subscriber
// sees every fragment. Broker flow control and connection blocking surface as
// back pressure on Offer.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"gatewaylog/internal/domain"
	"gatewaylog/internal/logbuffer"
	"gatewaylog/internal/transport"

	"github.com/rabbitmq/amqp091-go"
)

const (
	headerSession  = "gl-session"
	headerPosition = "gl-position"
)

var errMissingHeader = errors.New("rabbitmq delivery missing transport header")

type Config struct {
	URL              string
	Endpoints        []string
	Exchange         string
	PrefetchCount    int
	Username         string
	Password         string
	TermBufferLength int32
	InitialTermID    int32
	Logger           *slog.Logger
}

func (c *Config) withDefaults() {
	if c.Exchange == "" {
		c.Exchange = "gatewaylog"
	}
	if c.PrefetchCount <= 0 {
		c.PrefetchCount = 256
	}
	if c.TermBufferLength == 0 {
		c.TermBufferLength = 64 << 10
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

func (c Config) Validate() error {
	if c.endpoint() == "" {
		return fmt.Errorf("rabbitmq url or endpoints is required")
	}
	if c.PrefetchCount < 1 {
		return fmt.Errorf("rabbitmq prefetch_count must be >= 1")
	}
	if err := logbuffer.CheckTermLength(c.TermBufferLength); err != nil {
		return fmt.Errorf("rabbitmq: %w", err)
	}
	return nil
}

func (c Config) endpoint() string {
	if strings.TrimSpace(c.URL) != "" {
		return strings.TrimSpace(c.URL)
	}
	for _, e := range c.Endpoints {
		if strings.TrimSpace(e) != "" {
			return strings.TrimSpace(e)
		}
	}
	return ""
}

// RoutingKey is the routing key that carries stream.
func RoutingKey(stream domain.StreamIdentifier) string {
	return fmt.Sprintf("%s.%d", stream.FileSafeChannel(), stream.StreamID)
}

type Transport struct {
	cfg  Config
	conn *amqp091.Connection
	pub  *amqp091.Channel
	log  *slog.Logger

	blocked atomic.Bool
	paused  atomic.Bool

	mu     sync.Mutex
	subs   []*subscription
	closed bool
	wg     sync.WaitGroup
}

var _ transport.Transport = (*Transport)(nil)

func New(cfg Config) (*Transport, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	dialCfg := amqp091.Config{}
	if cfg.Username != "" {
		dialCfg.SASL = []amqp091.Authentication{&amqp091.PlainAuth{Username: cfg.Username, Password: cfg.Password}}
	}
	conn, err := amqp091.DialConfig(cfg.endpoint(), dialCfg)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	t := &Transport{cfg: cfg, conn: conn, pub: ch, log: cfg.Logger.With("component", "rabbitmq-transport")}
	blocked := conn.NotifyBlocked(make(chan amqp091.Blocking, 1))
	flow := ch.NotifyFlow(make(chan bool, 1))
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.watchFlow(blocked, flow)
	}()
	return t, nil
}

// watchFlow mirrors broker flow control into the back pressure flags until both
// notification channels close.
func (t *Transport) watchFlow(blocked <-chan amqp091.Blocking, flow <-chan bool) {
	for blocked != nil || flow != nil {
		select {
		case b, ok := <-blocked:
			if !ok {
				blocked = nil
				continue
			}
			t.blocked.Store(b.Active)
			if b.Active {
				t.log.Warn("connection blocked by broker", "reason", b.Reason)
			}
		case active, ok := <-flow:
			if !ok {
				flow = nil
				continue
			}
			t.paused.Store(!active)
		}
	}
}

func (t *Transport) backPressured() bool {
	return t.blocked.Load() || t.paused.Load()
}

func (t *Transport) AddPublication(stream domain.StreamIdentifier, sessionID int32) (transport.Publication, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, transport.ErrClosed
	}
	key := RoutingKey(stream)
	p := &publication{
		sessionID:     sessionID,
		tracker:       logbuffer.NewTracker(t.cfg.TermBufferLength, 0),
		backPressured: t.backPressured,
	}
	p.publish = func(msg amqp091.Publishing) error {
		return t.pub.PublishWithContext(context.Background(), t.cfg.Exchange, key, false, false, msg)
	}
	return p, nil
}

// AddSubscription declares an exclusive server-named queue bound to the stream.
func (t *Transport) AddSubscription(stream domain.StreamIdentifier) (transport.Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, transport.ErrClosed
	}
	ch, err := t.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	if err := ch.Qos(t.cfg.PrefetchCount, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("set prefetch: %w", err)
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, RoutingKey(stream), t.cfg.Exchange, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("bind queue key=%s: %w", RoutingKey(stream), err)
	}
	deliveries, err := ch.Consume(q.Name, "", false, true, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("consume queue: %w", err)
	}
	s := &subscription{stream: stream, cfg: t.cfg, log: t.log, deliveries: deliveries, close: ch.Close}
	t.subs = append(t.subs, s)
	return s, nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	subs := t.subs
	t.mu.Unlock()
	var errs []error
	for _, s := range subs {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := t.pub.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := t.conn.Close(); err != nil {
		errs = append(errs, err)
	}
	t.wg.Wait()
	return errors.Join(errs...)
}

type publication struct {
	sessionID int32

	mu            sync.Mutex
	tracker       *logbuffer.Tracker
	closed        bool
	backPressured func() bool
	publish       func(amqp091.Publishing) error
}

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
	if p.backPressured() {
		return 0, transport.ErrBackPressured
	}
	err = p.publish(amqp091.Publishing{
		Headers:     amqp091.Table{headerSession: p.sessionID, headerPosition: claim.End},
		ContentType: "application/octet-stream",
		Body:        msg,
	})
	switch {
	case errors.Is(err, amqp091.ErrClosed):
		return 0, transport.ErrClosed
	case err != nil:
		return 0, fmt.Errorf("%w: %v", transport.ErrNotConnected, err)
	}
	if _, err := p.tracker.Claim(len(msg)); err != nil {
		return 0, err
	}
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
	stream     domain.StreamIdentifier
	cfg        Config
	log        *slog.Logger
	deliveries <-chan amqp091.Delivery
	pending    *amqp091.Delivery
	closed     bool
	skipped    int64
	close      func() error
}

func (s *subscription) Poll(handler transport.FragmentHandler, fragmentLimit int) int {
	if s.closed {
		return 0
	}
	count := 0
	for count < fragmentLimit {
		var d amqp091.Delivery
		if s.pending != nil {
			d = *s.pending
			s.pending = nil
		} else {
			select {
			case next, ok := <-s.deliveries:
				if !ok {
					return count
				}
				d = next
			default:
				return count
			}
		}
		action, ok := s.deliver(d, handler)
		if !ok {
			continue
		}
		if action == transport.Abort {
			s.pending = &d
			return count
		}
		count++
		if action == transport.Break {
			return count
		}
	}
	return count
}

// deliver hands d to the handler and acknowledges it unless the handler aborts.
// Deliveries without transport headers are rejected and reported as not ok.
func (s *subscription) deliver(d amqp091.Delivery, handler transport.FragmentHandler) (transport.Action, bool) {
	sessionID, position, err := decodeHeaders(d.Headers)
	if err != nil {
		s.skipped++
		s.log.Warn("skipping delivery", "routing_key", d.RoutingKey, "err", err)
		_ = d.Nack(false, false)
		return transport.Continue, false
	}
	action := handler(d.Body, transport.Header{
		Stream:           s.stream,
		SessionID:        sessionID,
		Position:         position,
		InitialTermID:    s.cfg.InitialTermID,
		TermBufferLength: s.cfg.TermBufferLength,
	})
	if action != transport.Abort {
		_ = d.Ack(false)
	}
	return action, true
}

func decodeHeaders(table amqp091.Table) (int32, int64, error) {
	session, ok1 := asInt64(table[headerSession])
	position, ok2 := asInt64(table[headerPosition])
	if !ok1 || !ok2 {
		return 0, 0, errMissingHeader
	}
	return int32(session), position, nil
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case int16:
		return int64(n), true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}

func (s *subscription) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.close != nil {
		return s.close()
	}
	return nil
}
