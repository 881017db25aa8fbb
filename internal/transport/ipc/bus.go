// Package ipc is an in-process transport. Every subscription on a stream sees
// every session published to it, and a publication may run at most Window bytes
// ahead of its slowest open subscriber.
package ipc

import (
	"fmt"
	"sync"

	"gatewaylog/internal/domain"
	"gatewaylog/internal/logbuffer"
	"gatewaylog/internal/transport"
)

type Config struct {
	TermBufferLength int32
	InitialTermID    int32
	// Window bounds how far a publication may run ahead of its slowest
	// subscriber. Defaults to two terms.
	Window int64
}

func (c *Config) withDefaults() {
	if c.TermBufferLength == 0 {
		c.TermBufferLength = 64 << 10
	}
	if c.Window <= 0 {
		c.Window = 2 * int64(c.TermBufferLength)
	}
}

type Bus struct {
	cfg Config

	mu      sync.Mutex
	streams map[domain.StreamIdentifier]*stream
	closed  bool
}

type stream struct {
	id     domain.StreamIdentifier
	images []*image
	subs   map[*subscription]struct{}
}

// image is the log of one session on one stream.
type image struct {
	sessionID int32
	tracker   *logbuffer.Tracker
	frames    []frame
	first     int
}

type frame struct {
	data  []byte
	start int64
	end   int64
}

func (img *image) nextIndex() int { return img.first + len(img.frames) }

func (img *image) position() int64 { return img.tracker.Position() }

var _ transport.Transport = (*Bus)(nil)

func New(cfg Config) (*Bus, error) {
	cfg.withDefaults()
	if err := logbuffer.CheckTermLength(cfg.TermBufferLength); err != nil {
		return nil, fmt.Errorf("ipc: %w", err)
	}
	return &Bus{cfg: cfg, streams: make(map[domain.StreamIdentifier]*stream)}, nil
}

func (b *Bus) streamLocked(id domain.StreamIdentifier) *stream {
	s, ok := b.streams[id]
	if !ok {
		s = &stream{id: id, subs: make(map[*subscription]struct{})}
		b.streams[id] = s
	}
	return s
}

func (s *stream) imageFor(sessionID int32) *image {
	for _, img := range s.images {
		if img.sessionID == sessionID {
			return img
		}
	}
	return nil
}

func (b *Bus) AddPublication(id domain.StreamIdentifier, sessionID int32) (transport.Publication, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, transport.ErrClosed
	}
	s := b.streamLocked(id)
	img := s.imageFor(sessionID)
	if img == nil {
		img = &image{sessionID: sessionID, tracker: logbuffer.NewTracker(b.cfg.TermBufferLength, 0)}
		s.images = append(s.images, img)
		for sub := range s.subs {
			sub.cursors[img] = img.nextIndex()
		}
	}
	return &publication{bus: b, stream: s, img: img}, nil
}

func (b *Bus) AddSubscription(id domain.StreamIdentifier) (transport.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, transport.ErrClosed
	}
	s := b.streamLocked(id)
	sub := &subscription{bus: b, stream: s, cursors: make(map[*image]int)}
	for _, img := range s.images {
		sub.cursors[img] = img.nextIndex()
	}
	s.subs[sub] = struct{}{}
	return sub, nil
}

func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.streams = make(map[domain.StreamIdentifier]*stream)
	return nil
}

func (b *Bus) header(s *stream, img *image, end int64) transport.Header {
	return transport.Header{
		Stream:           s.id,
		SessionID:        img.sessionID,
		Position:         end,
		InitialTermID:    b.cfg.InitialTermID,
		TermBufferLength: b.cfg.TermBufferLength,
	}
}

// minConsumed returns the lowest stream position consumed by any open subscriber,
// and false when the stream has no subscribers.
func (s *stream) minConsumed(img *image) (int64, bool) {
	if len(s.subs) == 0 {
		return 0, false
	}
	lowest := img.position()
	for sub := range s.subs {
		idx := sub.cursors[img]
		if idx < img.nextIndex() && img.frames[idx-img.first].start < lowest {
			lowest = img.frames[idx-img.first].start
		}
	}
	return lowest, true
}

// trim drops frames every subscriber has consumed.
func (s *stream) trim(img *image) {
	lowest := img.nextIndex()
	for sub := range s.subs {
		if idx := sub.cursors[img]; idx < lowest {
			lowest = idx
		}
	}
	if n := lowest - img.first; n > 0 {
		clear(img.frames[:n])
		img.frames = img.frames[n:]
		img.first = lowest
	}
}

type publication struct {
	bus    *Bus
	stream *stream
	img    *image
	closed bool
}

func (p *publication) Offer(msg []byte) (int64, error) {
	b := p.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if p.closed || b.closed {
		return 0, transport.ErrClosed
	}
	claim, err := p.img.tracker.Peek(len(msg))
	if err != nil {
		return 0, fmt.Errorf("%w: %d bytes", transport.ErrMessageTooLarge, len(msg))
	}
	lowest, ok := p.stream.minConsumed(p.img)
	if !ok {
		return 0, transport.ErrNotConnected
	}
	if claim.End-lowest > b.cfg.Window {
		return 0, transport.ErrBackPressured
	}
	if _, err := p.img.tracker.Claim(len(msg)); err != nil {
		return 0, err
	}
	data := make([]byte, len(msg))
	copy(data, msg)
	p.img.frames = append(p.img.frames, frame{data: data, start: claim.Start, end: claim.End})
	return claim.End, nil
}

func (p *publication) Position() int64 {
	p.bus.mu.Lock()
	defer p.bus.mu.Unlock()
	return p.img.position()
}

func (p *publication) SessionID() int32 { return p.img.sessionID }

func (p *publication) Close() error {
	p.bus.mu.Lock()
	defer p.bus.mu.Unlock()
	p.closed = true
	return nil
}

type subscription struct {
	bus     *Bus
	stream  *stream
	cursors map[*image]int
	next    int
	closed  bool
}

// Poll delivers up to fragmentLimit fragments, visiting sessions round-robin.
// The bus lock is released while the handler runs so handlers may offer.
func (s *subscription) Poll(handler transport.FragmentHandler, fragmentLimit int) int {
	b := s.bus
	count := 0
	b.mu.Lock()
	if s.closed || b.closed || len(s.stream.images) == 0 {
		b.mu.Unlock()
		return 0
	}
	images := append([]*image(nil), s.stream.images...)
	start := s.next % len(images)
	s.next++
	b.mu.Unlock()

	for i := 0; i < len(images) && count < fragmentLimit; i++ {
		img := images[(start+i)%len(images)]
		for count < fragmentLimit {
			b.mu.Lock()
			if s.closed {
				b.mu.Unlock()
				return count
			}
			idx := s.cursors[img]
			if idx >= img.nextIndex() {
				b.mu.Unlock()
				break
			}
			f := img.frames[idx-img.first]
			h := b.header(s.stream, img, f.end)
			b.mu.Unlock()

			action := handler(f.data, h)
			if action == transport.Abort {
				return count
			}

			b.mu.Lock()
			if !s.closed {
				s.cursors[img] = idx + 1
				s.stream.trim(img)
			}
			b.mu.Unlock()
			count++
			if action == transport.Break {
				return count
			}
		}
	}
	return count
}

func (s *subscription) Close() error {
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	delete(s.stream.subs, s)
	for _, img := range s.stream.images {
		s.stream.trim(img)
	}
	return nil
}
