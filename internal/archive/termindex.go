package archive

import (
	"encoding/binary"
	"log/slog"
	"sort"
	"sync"

	"gatewaylog/internal/domain"
)

const termIndexMagic = 0x474c5449 // "GLTI"

const (
	tiStreamIDOffset      = 8
	tiSessionIDOffset     = 12
	tiTermIDOffset        = 16
	tiStartPositionOffset = 24
	tiChannelOffset       = 32
)

// TermEntry records that a segment exists for TermID, starting at StartPosition.
type TermEntry struct {
	TermID        int32
	StartPosition int64
}

// TermIndex remembers every term segment the archiver has created, so readers can
// find the first retained and the last written term without listing the directory.
type TermIndex struct {
	mu    sync.Mutex
	file  *recordFile
	terms map[domain.SessionKey][]TermEntry
}

func OpenTermIndex(dir LogDirectory, log *slog.Logger) (*TermIndex, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := dir.Ensure(); err != nil {
		return nil, err
	}
	rf, err := openRecordFile(dir.TermIndexPath(), termIndexMagic)
	if err != nil {
		return nil, err
	}
	ti := &TermIndex{file: rf, terms: make(map[domain.SessionKey][]TermEntry)}
	err = rf.scan(func(off int64, rec []byte, recErr error) {
		if recErr == nil {
			var channel string
			if channel, recErr = getChannel(rec, tiChannelOffset); recErr == nil {
				key := domain.SessionKey{
					Stream:    domain.NewStreamIdentifier(channel, int32(binary.LittleEndian.Uint32(rec[tiStreamIDOffset:]))),
					SessionID: int32(binary.LittleEndian.Uint32(rec[tiSessionIDOffset:])),
				}
				ti.insert(key, TermEntry{
					TermID:        int32(binary.LittleEndian.Uint32(rec[tiTermIDOffset:])),
					StartPosition: int64(binary.LittleEndian.Uint64(rec[tiStartPositionOffset:])),
				})
				return
			}
		}
		log.Error("unreadable term index record", "offset", off, "err", recErr)
	})
	if err != nil {
		rf.close()
		return nil, err
	}
	return ti, nil
}

func (ti *TermIndex) insert(key domain.SessionKey, e TermEntry) bool {
	list := ti.terms[key]
	i := sort.Search(len(list), func(i int) bool { return list[i].TermID >= e.TermID })
	if i < len(list) && list[i].TermID == e.TermID {
		return false
	}
	list = append(list, TermEntry{})
	copy(list[i+1:], list[i:])
	list[i] = e
	ti.terms[key] = list
	return true
}

// Record adds a term. Recording a known term again is a no-op.
func (ti *TermIndex) Record(key domain.SessionKey, e TermEntry) error {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	for _, known := range ti.terms[key] {
		if known.TermID == e.TermID {
			return nil
		}
	}
	rec := make([]byte, RecordSize)
	if err := putChannel(rec, tiChannelOffset, key.Stream.Channel); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(rec[tiStreamIDOffset:], uint32(key.Stream.StreamID))
	binary.LittleEndian.PutUint32(rec[tiSessionIDOffset:], uint32(key.SessionID))
	binary.LittleEndian.PutUint32(rec[tiTermIDOffset:], uint32(e.TermID))
	binary.LittleEndian.PutUint64(rec[tiStartPositionOffset:], uint64(e.StartPosition))
	if _, err := ti.file.append(rec); err != nil {
		return err
	}
	ti.insert(key, e)
	return nil
}

// Terms returns the session's terms in ascending order.
func (ti *TermIndex) Terms(key domain.SessionKey) []TermEntry {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	return append([]TermEntry(nil), ti.terms[key]...)
}

func (ti *TermIndex) First(key domain.SessionKey) (TermEntry, bool) {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	list := ti.terms[key]
	if len(list) == 0 {
		return TermEntry{}, false
	}
	return list[0], true
}

func (ti *TermIndex) Last(key domain.SessionKey) (TermEntry, bool) {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	list := ti.terms[key]
	if len(list) == 0 {
		return TermEntry{}, false
	}
	return list[len(list)-1], true
}

func (ti *TermIndex) Close() error {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	return ti.file.close()
}
