package archive

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"gatewaylog/internal/domain"
)

const metaDataMagic = 0x474c4d44 // "GLMD"

// Metadata record layout. Channel length lives at offset 6.
const (
	mdStreamIDOffset         = 8
	mdSessionIDOffset        = 12
	mdInitialTermIDOffset    = 16
	mdTermBufferLengthOffset = 20
	mdChannelOffset          = 24
)

// Record holds the parameters needed to reopen a session's segments.
type Record struct {
	Stream           domain.StreamIdentifier
	SessionID        int32
	InitialTermID    int32
	TermBufferLength int32
}

func (r Record) Key() domain.SessionKey {
	return domain.SessionKey{Stream: r.Stream, SessionID: r.SessionID}
}

// MetaData is the per-node metadata store: one growable file of fixed records and
// an in-memory index from session to record offset, rebuilt by a scan on open.
// The term buffer length of a record never changes. It is safe for concurrent use.
type MetaData struct {
	mu      sync.Mutex
	file    *recordFile
	index   map[domain.SessionKey]int64
	corrupt int
	log     *slog.Logger
}

func OpenMetaData(dir LogDirectory, log *slog.Logger) (*MetaData, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := dir.Ensure(); err != nil {
		return nil, err
	}
	rf, err := openRecordFile(dir.MetaDataPath(), metaDataMagic)
	if err != nil {
		return nil, err
	}
	m := &MetaData{file: rf, index: make(map[domain.SessionKey]int64), log: log}
	err = rf.scan(func(off int64, rec []byte, recErr error) {
		if recErr == nil {
			var r Record
			if r, recErr = decodeRecord(rec); recErr == nil {
				m.index[r.Key()] = off
				return
			}
		}
		m.corrupt++
		log.Error("unreadable metadata record", "offset", off, "err", recErr)
	})
	if err != nil {
		rf.close()
		return nil, err
	}
	return m, nil
}

func decodeRecord(rec []byte) (Record, error) {
	channel, err := getChannel(rec, mdChannelOffset)
	if err != nil {
		return Record{}, err
	}
	r := Record{
		Stream:           domain.NewStreamIdentifier(channel, int32(binary.LittleEndian.Uint32(rec[mdStreamIDOffset:]))),
		SessionID:        int32(binary.LittleEndian.Uint32(rec[mdSessionIDOffset:])),
		InitialTermID:    int32(binary.LittleEndian.Uint32(rec[mdInitialTermIDOffset:])),
		TermBufferLength: int32(binary.LittleEndian.Uint32(rec[mdTermBufferLengthOffset:])),
	}
	if r.TermBufferLength <= 0 {
		return Record{}, fmt.Errorf("%w: term buffer length %d", ErrCorruptMetadata, r.TermBufferLength)
	}
	return r, nil
}

// Write records the session's parameters. Writing identical values again is a
// no-op and a new initial term id replaces the recorded one. A different term
// buffer length for an existing session fails with ErrCorruptMetadata.
func (m *MetaData) Write(stream domain.StreamIdentifier, sessionID, initialTermID, termBufferLength int32) error {
	if termBufferLength <= 0 {
		return fmt.Errorf("archive: term buffer length must be positive, got %d", termBufferLength)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := domain.SessionKey{Stream: stream, SessionID: sessionID}
	if off, ok := m.index[key]; ok {
		existing, err := m.readAt(off, key)
		if err != nil {
			return err
		}
		if existing.TermBufferLength != termBufferLength {
			return fmt.Errorf("%w: %s term buffer length %d, already recorded as %d", ErrCorruptMetadata, key, termBufferLength, existing.TermBufferLength)
		}
		if existing.InitialTermID == initialTermID {
			return nil
		}
		rec, err := encodeRecord(stream, sessionID, initialTermID, termBufferLength)
		if err != nil {
			return err
		}
		m.log.Info("initial term id replaced", "session", key, "from", existing.InitialTermID, "to", initialTermID)
		return m.file.rewrite(off, rec)
	}
	rec, err := encodeRecord(stream, sessionID, initialTermID, termBufferLength)
	if err != nil {
		return err
	}
	off, err := m.file.append(rec)
	if err != nil {
		return err
	}
	m.index[key] = off
	return nil
}

func encodeRecord(stream domain.StreamIdentifier, sessionID, initialTermID, termBufferLength int32) ([]byte, error) {
	rec := make([]byte, RecordSize)
	if err := putChannel(rec, mdChannelOffset, stream.Channel); err != nil {
		return nil, err
	}
	binary.LittleEndian.PutUint32(rec[mdStreamIDOffset:], uint32(stream.StreamID))
	binary.LittleEndian.PutUint32(rec[mdSessionIDOffset:], uint32(sessionID))
	binary.LittleEndian.PutUint32(rec[mdInitialTermIDOffset:], uint32(initialTermID))
	binary.LittleEndian.PutUint32(rec[mdTermBufferLengthOffset:], uint32(termBufferLength))
	return rec, nil
}

// Read returns the record for a session. It re-reads the record from disk, so
// damage after open is reported as ErrCorruptMetadata.
func (m *MetaData) Read(stream domain.StreamIdentifier, sessionID int32) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := domain.SessionKey{Stream: stream, SessionID: sessionID}
	off, ok := m.index[key]
	if !ok {
		if m.corrupt > 0 {
			return Record{}, fmt.Errorf("%w: %s not indexed and %d records are unreadable", ErrCorruptMetadata, key, m.corrupt)
		}
		return Record{}, fmt.Errorf("%w: metadata for %s", ErrNotFound, key)
	}
	return m.readAt(off, key)
}

func (m *MetaData) readAt(off int64, key domain.SessionKey) (Record, error) {
	buf := make([]byte, RecordSize)
	if err := m.file.read(off, buf); err != nil {
		return Record{}, err
	}
	r, err := decodeRecord(buf)
	if err != nil {
		return Record{}, err
	}
	if r.Key() != key {
		return Record{}, fmt.Errorf("%w: record at %d holds %s, want %s", ErrCorruptMetadata, off, r.Key(), key)
	}
	return r, nil
}

// Sessions lists every indexed session in a stable order.
func (m *MetaData) Sessions() []domain.SessionKey {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]domain.SessionKey, 0, len(m.index))
	for k := range m.index {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.Stream.Channel != b.Stream.Channel {
			return a.Stream.Channel < b.Stream.Channel
		}
		if a.Stream.StreamID != b.Stream.StreamID {
			return a.Stream.StreamID < b.Stream.StreamID
		}
		return a.SessionID < b.SessionID
	})
	return keys
}

func (m *MetaData) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.file.close()
}
