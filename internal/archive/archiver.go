package archive

import (
	"errors"
	"fmt"
	"log/slog"

	"gatewaylog/internal/domain"
	"gatewaylog/internal/logbuffer"
	"gatewaylog/internal/transport"
)

type ArchiverConfig struct {
	Directory     LogDirectory
	MetaData      *MetaData
	TermIndex     *TermIndex
	CacheCapacity int
	Logger        *slog.Logger
	// OnFault is called once with the error that stopped the archiver.
	OnFault func(error)
}

// archivedSession is the archiver's write state for one session.
type archivedSession struct {
	key           domain.SessionKey
	initialTermID int32
	termLength    int32
	shift         int
	tracker       *logbuffer.Tracker
	observed      int64
}

// Archiver appends every fragment of one subscription to that session's term
// segments. It is not safe for concurrent use; distinct archivers may run on
// distinct streams concurrently.
type Archiver struct {
	cfg      ArchiverConfig
	sub      transport.Subscription
	log      *slog.Logger
	cache    *segmentCache
	sessions sessionArena[archivedSession]
	failure  error

	gaps       int64
	duplicates int64
}

func NewArchiver(cfg ArchiverConfig, sub transport.Subscription) *Archiver {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.CacheCapacity <= 0 {
		cfg.CacheCapacity = 10
	}
	return &Archiver{
		cfg:      cfg,
		sub:      sub,
		log:      cfg.Logger.With("component", "archiver"),
		cache:    newSegmentCache(cfg.Directory, cfg.CacheCapacity, true),
		sessions: newSessionArena[archivedSession](),
	}
}

// Poll archives up to fragmentLimit fragments from the subscription. Once the
// archiver has failed it does no more work and returns the failure.
func (a *Archiver) Poll(fragmentLimit int) (int, error) {
	if a.failure != nil {
		return 0, a.failure
	}
	if a.sub == nil {
		return 0, nil
	}
	n := a.sub.Poll(a.OnFragment, fragmentLimit)
	return n, a.failure
}

// OnFragment is a transport.FragmentHandler. Fragments that start beyond the
// archived position are counted as gaps and left for catch-up; fragments already
// archived are skipped.
func (a *Archiver) OnFragment(fragment []byte, h transport.Header) transport.Action {
	if a.failure != nil {
		return transport.Abort
	}
	key := domain.SessionKey{Stream: h.Stream, SessionID: h.SessionID}
	s, err := a.session(key, h.InitialTermID, h.TermBufferLength)
	if err != nil {
		a.fail(err)
		return transport.Abort
	}
	if h.Position > s.observed {
		s.observed = h.Position
	}
	claim, err := s.tracker.Peek(len(fragment))
	if err != nil {
		a.fail(fmt.Errorf("%w: %s: %v", ErrIO, key, err))
		return transport.Abort
	}
	switch {
	case h.Position <= s.tracker.Position():
		a.duplicates++
		return transport.Continue
	case h.Position != claim.End:
		a.gaps++
		a.log.Debug("gap", "session", key, "archived", s.tracker.Position(), "fragment_end", h.Position)
		return transport.Continue
	}
	if err := a.write(s, claim, fragment); err != nil {
		a.fail(err)
		return transport.Abort
	}
	return transport.Continue
}

// ArchiveAt appends a fragment whose frame starts at startPosition, as delivered
// by a resend. h identifies the session and carries its term parameters. It
// returns ErrGap when startPosition is beyond the archived position and nil
// without writing when the fragment is already archived.
func (a *Archiver) ArchiveAt(h transport.Header, startPosition int64, fragment []byte) error {
	if a.failure != nil {
		return a.failure
	}
	key := domain.SessionKey{Stream: h.Stream, SessionID: h.SessionID}
	s, err := a.session(key, h.InitialTermID, h.TermBufferLength)
	if err != nil {
		a.fail(err)
		return a.failure
	}
	claim, err := s.tracker.Peek(len(fragment))
	if err != nil {
		return fmt.Errorf("archive %s: %w", key, err)
	}
	switch {
	case startPosition < claim.Start:
		a.duplicates++
		return nil
	case startPosition > claim.Start:
		return fmt.Errorf("%w: %s archived to %d, fragment starts at %d", ErrGap, key, s.tracker.Position(), startPosition)
	}
	if err := a.write(s, claim, fragment); err != nil {
		a.fail(err)
		return a.failure
	}
	if claim.End > s.observed {
		s.observed = claim.End
	}
	return nil
}

func (a *Archiver) write(s *archivedSession, claim logbuffer.Claim, fragment []byte) error {
	if claim.PadLength > 0 {
		seg, key, err := a.segmentFor(s, claim.PadPosition)
		if err != nil {
			return err
		}
		seg.writePadding(logbuffer.ComputeTermOffset(claim.PadPosition, s.termLength), claim.PadLength)
		if err := a.cache.release(key); err != nil {
			return err
		}
	}
	seg, key, err := a.segmentFor(s, claim.Start)
	if err != nil {
		return err
	}
	seg.writeFrame(logbuffer.ComputeTermOffset(claim.Start, s.termLength), fragment)
	if err := a.cache.release(key); err != nil {
		return err
	}
	if _, err := s.tracker.Claim(len(fragment)); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return nil
}

func (a *Archiver) segmentFor(s *archivedSession, position int64) (*segment, segmentKey, error) {
	termID := logbuffer.ComputeTermID(position, s.shift, s.initialTermID)
	key := segmentKey{session: s.key, termID: termID}
	seg, opened, err := a.cache.acquire(key, s.termLength)
	if err != nil {
		return nil, key, fmt.Errorf("%w: segment %s term %d: %v", ErrIO, s.key, termID, err)
	}
	if opened {
		entry := TermEntry{TermID: termID, StartPosition: logbuffer.TermStart(position, s.termLength)}
		if err := a.cfg.TermIndex.Record(s.key, entry); err != nil {
			a.cache.release(key)
			return nil, key, fmt.Errorf("%w: term index: %v", ErrIO, err)
		}
	}
	return seg, key, nil
}

// session looks the session up, creating its write state on first contact. A
// session already on disk resumes at its last archived frame.
func (a *Archiver) session(key domain.SessionKey, initialTermID, termLength int32) (*archivedSession, error) {
	if s, ok := a.sessions.lookup(key); ok {
		return s, nil
	}
	if err := logbuffer.CheckTermLength(termLength); err != nil {
		return nil, fmt.Errorf("archive %s: %w", key, err)
	}
	if err := a.cfg.MetaData.Write(key.Stream, key.SessionID, initialTermID, termLength); err != nil {
		return nil, err
	}
	end, err := scanEnd(a.cfg.Directory, a.cfg.TermIndex, key, termLength)
	if err != nil {
		return nil, err
	}
	s := &archivedSession{
		key:           key,
		initialTermID: initialTermID,
		termLength:    termLength,
		shift:         logbuffer.PositionBitsToShift(termLength),
		tracker:       logbuffer.NewTracker(termLength, end),
		observed:      end,
	}
	if end > 0 {
		a.log.Info("resuming session", "session", key, "position", end)
	}
	return a.sessions.insert(key, s), nil
}

func (a *Archiver) fail(err error) {
	if a.failure != nil {
		return
	}
	if !errors.Is(err, ErrIO) && !errors.Is(err, ErrCorruptMetadata) {
		err = fmt.Errorf("%w: %w", ErrIO, err)
	}
	a.failure = err
	a.log.Error("archiver stopped", "err", err)
	if a.cfg.OnFault != nil {
		a.cfg.OnFault(err)
	}
}

// Err returns the failure that stopped the archiver, if any.
func (a *Archiver) Err() error { return a.failure }

// ArchivedPosition is the end of the last frame archived for the session.
func (a *Archiver) ArchivedPosition(key domain.SessionKey) int64 {
	if s, ok := a.sessions.lookup(key); ok {
		return s.tracker.Position()
	}
	return 0
}

// ObservedPosition is the highest fragment end delivered for the session,
// archived or not. It exceeds ArchivedPosition while a gap is open.
func (a *Archiver) ObservedPosition(key domain.SessionKey) int64 {
	if s, ok := a.sessions.lookup(key); ok {
		return s.observed
	}
	return 0
}

// Resume loads the write state of a session already on disk, so its archived
// position is known before the first fragment arrives.
func (a *Archiver) Resume(key domain.SessionKey) error {
	if _, ok := a.sessions.lookup(key); ok {
		return nil
	}
	rec, err := a.cfg.MetaData.Read(key.Stream, key.SessionID)
	if err != nil {
		return err
	}
	_, err = a.session(key, rec.InitialTermID, rec.TermBufferLength)
	return err
}

func (a *Archiver) Gaps() int64       { return a.gaps }
func (a *Archiver) Duplicates() int64 { return a.duplicates }

type Stats struct {
	Sessions int
	// OpenGaps counts sessions with fragments delivered past their archived
	// position.
	OpenGaps   int
	Gaps       int64
	Duplicates int64
}

func (a *Archiver) Stats() Stats {
	st := Stats{Sessions: a.sessions.len(), Gaps: a.gaps, Duplicates: a.duplicates}
	a.sessions.each(func(s *archivedSession) {
		if s.observed > s.tracker.Position() {
			st.OpenGaps++
		}
	})
	return st
}

// Sync flushes mapped segments to disk.
func (a *Archiver) Sync() error { return a.cache.syncAll() }

func (a *Archiver) Close() error { return a.cache.close() }

// scanEnd finds the end of the last complete frame in the session's last term.
func scanEnd(dir LogDirectory, terms *TermIndex, key domain.SessionKey, termLength int32) (int64, error) {
	last, ok := terms.Last(key)
	if !ok {
		return 0, nil
	}
	seg, err := openSegment(dir.SegmentPath(key.Stream, key.SessionID, last.TermID), termLength, false)
	if errors.Is(err, ErrNotFound) {
		return last.StartPosition, nil
	}
	if err != nil {
		return 0, err
	}
	defer seg.close()
	return last.StartPosition + int64(scanTerm(seg, termLength, termLength)), nil
}

// scanTerm walks frames from the start of a term and returns the offset after
// the last complete frame, not going past limit.
func scanTerm(seg *segment, termLength, limit int32) int32 {
	return scanTermFrom(seg, termLength, 0, limit)
}

// scanTermFrom is scanTerm starting at off, which must be a frame boundary.
func scanTermFrom(seg *segment, termLength, off, limit int32) int32 {
	for off < limit && off+logbuffer.FrameHeaderLength <= termLength {
		length := seg.frameLength(off)
		if length <= 0 {
			break
		}
		aligned := int32(logbuffer.Align(int(length), logbuffer.FrameAlignment))
		if off+aligned > termLength {
			break
		}
		off += aligned
	}
	return off
}
