package archive

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"gatewaylog/internal/domain"
	"gatewaylog/internal/logbuffer"
	"gatewaylog/internal/protocol"
)

type ReaderConfig struct {
	Directory     LogDirectory
	MetaData      *MetaData
	TermIndex     *TermIndex
	CacheCapacity int
	Logger        *slog.Logger
}

// Reader replays archived sessions from read-only mappings of their segments.
// It is safe for concurrent use, and tolerates an archiver appending to the
// same files.
type Reader struct {
	cfg   ReaderConfig
	log   *slog.Logger
	cache *segmentCache

	mu       sync.Mutex
	sessions sessionArena[Record]
}

func NewReader(cfg ReaderConfig) *Reader {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.CacheCapacity <= 0 {
		cfg.CacheCapacity = 10
	}
	return &Reader{
		cfg:      cfg,
		log:      cfg.Logger.With("component", "archive_reader"),
		cache:    newSegmentCache(cfg.Directory, cfg.CacheCapacity, false),
		sessions: newSessionArena[Record](),
	}
}

// Open resolves the session's metadata and fixes its end at the last archived
// frame.
func (r *Reader) Open(stream domain.StreamIdentifier, sessionID int32) (*Session, error) {
	rec, err := r.record(domain.SessionKey{Stream: stream, SessionID: sessionID})
	if err != nil {
		return nil, err
	}
	s := &Session{r: r, rec: rec, key: rec.Key(), shift: logbuffer.PositionBitsToShift(rec.TermBufferLength)}
	if _, err := s.Refresh(); err != nil {
		return nil, err
	}
	return s, nil
}

// record reads the session's metadata on every open so a replaced initial term
// id is picked up.
func (r *Reader) record(key domain.SessionKey) (Record, error) {
	rec, err := r.cfg.MetaData.Read(key.Stream, key.SessionID)
	if err != nil {
		return Record{}, err
	}
	if err := logbuffer.CheckTermLength(rec.TermBufferLength); err != nil {
		return Record{}, fmt.Errorf("%w: %s: %v", ErrCorruptMetadata, key, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if cached, ok := r.sessions.lookup(key); ok {
		*cached = rec
		return rec, nil
	}
	return *r.sessions.insert(key, &rec), nil
}

func (r *Reader) Close() error { return r.cache.close() }

// Session is an opened archived session. Its end only moves on Refresh.
type Session struct {
	r     *Reader
	rec   Record
	key   domain.SessionKey
	shift int
	start int64
	end   int64
}

func (s *Session) Record() Record { return s.rec }

// Start is the position of the earliest retained term.
func (s *Session) Start() int64 { return s.start }

// End is the end of the last archived frame when the session was opened or
// last refreshed.
func (s *Session) End() int64 { return s.end }

// Refresh scans the last term for frames archived since the previous end and
// returns the new end.
func (s *Session) Refresh() (int64, error) {
	terms := s.r.cfg.TermIndex
	first, ok := terms.First(s.key)
	if !ok {
		s.start, s.end = 0, 0
		return 0, nil
	}
	last, _ := terms.Last(s.key)
	s.start = first.StartPosition
	key := segmentKey{session: s.key, termID: last.TermID}
	seg, _, err := s.r.cache.acquire(key, s.rec.TermBufferLength)
	if errors.Is(err, ErrNotFound) {
		s.end = last.StartPosition
		return s.end, nil
	}
	if err != nil {
		return 0, err
	}
	defer s.r.cache.release(key)
	from := int32(0)
	if s.end > last.StartPosition {
		from = int32(s.end - last.StartPosition)
	}
	s.end = last.StartPosition + int64(scanTermFrom(seg, s.rec.TermBufferLength, from, s.rec.TermBufferLength))
	return s.end, nil
}

// ReplayFrom replays from position up to End.
func (s *Session) ReplayFrom(position int64) (*Replay, error) {
	return s.ReplayRange(position, s.end)
}

// ReplayRange replays the frames in [from, to). to is clamped to End and must
// not precede from. from must be the start of a frame.
func (s *Session) ReplayRange(from, to int64) (*Replay, error) {
	if to > s.end {
		to = s.end
	}
	if from < s.start || from > s.end || to < from {
		return nil, fmt.Errorf("%w: %s [%d, %d) outside [%d, %d]", ErrOutOfRange, s.key, from, to, s.start, s.end)
	}
	if err := s.checkBoundary(from); err != nil {
		return nil, err
	}
	return &Replay{s: s, position: from, limit: to}, nil
}

func (s *Session) checkBoundary(position int64) error {
	termLength := s.rec.TermBufferLength
	offset := logbuffer.ComputeTermOffset(position, termLength)
	if offset == 0 {
		return nil
	}
	key := segmentKey{session: s.key, termID: logbuffer.ComputeTermID(position, s.shift, s.rec.InitialTermID)}
	seg, _, err := s.r.cache.acquire(key, termLength)
	if err != nil {
		return err
	}
	defer s.r.cache.release(key)
	if scanTerm(seg, termLength, offset) != offset {
		return fmt.Errorf("%w: %s position %d is not a frame boundary", ErrOutOfRange, s.key, position)
	}
	return nil
}

// Fragment is one archived data frame. Buffer is the mapped term and is only
// valid until the next call to Next or Close.
type Fragment struct {
	TemplateID    uint16
	BlockLength   uint16
	Version       uint16
	SessionID     int32
	StartPosition int64
	// Position is the end of the frame, as reported by the transport.
	Position      int64
	PayloadOffset int
	PayloadLength int
	Buffer        []byte
}

func (f Fragment) Payload() []byte {
	return f.Buffer[f.PayloadOffset : f.PayloadOffset+f.PayloadLength]
}

// Replay iterates a session's data frames in position order. Padding is
// skipped. A Replay is not safe for concurrent use.
type Replay struct {
	s        *Session
	position int64
	limit    int64
	pinned   bool
	key      segmentKey
	seg      *segment
	frag     Fragment
	err      error
}

func (p *Replay) Next() bool {
	if p.err != nil {
		return false
	}
	termLength := p.s.rec.TermBufferLength
	for p.position < p.limit {
		if err := p.pin(p.position); err != nil {
			p.err = err
			return false
		}
		offset := logbuffer.ComputeTermOffset(p.position, termLength)
		length := p.seg.frameLength(offset)
		if length <= 0 {
			p.err = fmt.Errorf("%w: %s no frame at %d", ErrCorruptMetadata, p.s.key, p.position)
			return false
		}
		frame := p.seg.data[offset:]
		aligned := int64(logbuffer.Align(int(length), logbuffer.FrameAlignment))
		start := p.position
		p.position += aligned
		if logbuffer.FrameType(frame) == logbuffer.TypePad {
			continue
		}
		p.frag = Fragment{
			SessionID:     p.s.key.SessionID,
			StartPosition: start,
			Position:      p.position,
			PayloadOffset: int(offset) + logbuffer.FrameHeaderLength,
			PayloadLength: int(length) - logbuffer.FrameHeaderLength,
			Buffer:        p.seg.data,
		}
		if h, err := protocol.DecodeHeader(p.frag.Payload()); err == nil {
			p.frag.TemplateID = h.TemplateID
			p.frag.BlockLength = h.BlockLength
			p.frag.Version = h.Version
		}
		return true
	}
	p.unpin()
	return false
}

func (p *Replay) pin(position int64) error {
	termID := logbuffer.ComputeTermID(position, p.s.shift, p.s.rec.InitialTermID)
	if p.pinned && p.key.termID == termID {
		return nil
	}
	p.unpin()
	key := segmentKey{session: p.s.key, termID: termID}
	seg, _, err := p.s.r.cache.acquire(key, p.s.rec.TermBufferLength)
	if err != nil {
		return err
	}
	p.key, p.seg, p.pinned = key, seg, true
	return nil
}

func (p *Replay) unpin() {
	if !p.pinned {
		return
	}
	if err := p.s.r.cache.release(p.key); err != nil && p.err == nil {
		p.err = err
	}
	p.pinned, p.seg = false, nil
}

func (p *Replay) Fragment() Fragment { return p.frag }

// Position is where the next call to Next resumes.
func (p *Replay) Position() int64 { return p.position }

func (p *Replay) Err() error { return p.err }

func (p *Replay) Close() error {
	p.unpin()
	p.position = p.limit
	return p.err
}
