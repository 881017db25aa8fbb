package archive

import (
	"container/list"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"gatewaylog/internal/domain"
	"gatewaylog/internal/logbuffer"

	"golang.org/x/sys/unix"
)

// segment is one term of one session mapped into memory. Writable segments are
// created at full term length so readers never see the file grow.
type segment struct {
	f        *os.File
	data     []byte
	writable bool
}

func openSegment(path string, length int32, writable bool) (*segment, error) {
	flag, prot := os.O_RDONLY, unix.PROT_READ
	if writable {
		flag, prot = os.O_RDWR|os.O_CREATE, unix.PROT_READ|unix.PROT_WRITE
	}
	f, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: segment %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("%w: open segment: %v", ErrIO, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: stat segment: %v", ErrIO, err)
	}
	switch {
	case st.Size() == int64(length):
	case writable && st.Size() == 0:
		if err := f.Truncate(int64(length)); err != nil {
			f.Close()
			return nil, fmt.Errorf("%w: size segment: %v", ErrIO, err)
		}
	case !writable && st.Size() < int64(length):
		// Not yet sized by the archiver.
		f.Close()
		return nil, fmt.Errorf("%w: segment %s not yet allocated", ErrNotFound, path)
	default:
		f.Close()
		return nil, fmt.Errorf("%w: segment %s is %d bytes, want %d", ErrCorruptMetadata, path, st.Size(), length)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(length), prot, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: mmap segment: %v", ErrIO, err)
	}
	return &segment{f: f, data: data, writable: writable}, nil
}

// frameLength loads the length word of the frame at off. The archiver stores it
// last, so a non-zero value means the frame body is complete. The file format is
// little endian and so are the supported hosts.
func (s *segment) frameLength(off int32) int32 {
	return atomic.LoadInt32((*int32)(unsafe.Pointer(&s.data[off])))
}

func (s *segment) writeFrame(off int32, msg []byte) {
	aligned := logbuffer.AlignedLength(len(msg))
	frame := s.data[off : off+int32(aligned)]
	copy(frame[logbuffer.FrameHeaderLength:], msg)
	clear(frame[logbuffer.FrameHeaderLength+len(msg):])
	s.publishHeader(frame, int32(logbuffer.FrameHeaderLength+len(msg)), logbuffer.TypeData)
}

func (s *segment) writePadding(off, length int32) {
	frame := s.data[off : off+length]
	clear(frame[logbuffer.FrameHeaderLength:])
	s.publishHeader(frame, length, logbuffer.TypePad)
}

func (s *segment) publishHeader(frame []byte, length int32, frameType uint16) {
	logbuffer.WriteHeader(frame, 0, frameType)
	atomic.StoreInt32((*int32)(unsafe.Pointer(&frame[0])), length)
}

func (s *segment) sync() error {
	if !s.writable {
		return nil
	}
	if err := unix.Msync(s.data, unix.MS_SYNC); err != nil {
		return fmt.Errorf("%w: msync: %v", ErrIO, err)
	}
	return nil
}

func (s *segment) close() error {
	err := unix.Munmap(s.data)
	s.data = nil
	if cerr := s.f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("%w: close segment: %v", ErrIO, err)
	}
	return nil
}

type segmentKey struct {
	session domain.SessionKey
	termID  int32
}

// segmentCache keeps at most capacity unpinned segments mapped, evicting the
// least recently used. Evicted segments are synced and unmapped. A segment is
// pinned between acquire and release and is never unmapped while pinned.
type segmentCache struct {
	capacity int
	writable bool
	dir      LogDirectory

	mu    sync.Mutex
	ll    *list.List
	items map[segmentKey]*list.Element
}

type cacheEntry struct {
	key  segmentKey
	seg  *segment
	refs int
}

func newSegmentCache(dir LogDirectory, capacity int, writable bool) *segmentCache {
	if capacity < 1 {
		capacity = 1
	}
	return &segmentCache{capacity: capacity, writable: writable, dir: dir, ll: list.New(), items: make(map[segmentKey]*list.Element)}
}

// acquire pins the segment, mapping it on a miss. opened reports a miss.
func (c *segmentCache) acquire(key segmentKey, length int32) (seg *segment, opened bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.ll.MoveToFront(el)
		ent := el.Value.(*cacheEntry)
		ent.refs++
		return ent.seg, false, nil
	}
	path := c.dir.SegmentPath(key.session.Stream, key.session.SessionID, key.termID)
	seg, err = openSegment(path, length, c.writable)
	if err != nil {
		return nil, false, err
	}
	c.items[key] = c.ll.PushFront(&cacheEntry{key: key, seg: seg, refs: 1})
	return seg, true, c.evict()
}

func (c *segmentCache) release(key segmentKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		if ent := el.Value.(*cacheEntry); ent.refs > 0 {
			ent.refs--
		}
	}
	return c.evict()
}

// note: must hold c.mu
func (c *segmentCache) evict() error {
	var errs []error
	for el := c.ll.Back(); el != nil && c.ll.Len() > c.capacity; {
		prev := el.Prev()
		if el.Value.(*cacheEntry).refs == 0 {
			if err := c.remove(el); err != nil {
				errs = append(errs, err)
			}
		}
		el = prev
	}
	return errors.Join(errs...)
}

// note: must hold c.mu
func (c *segmentCache) remove(el *list.Element) error {
	c.ll.Remove(el)
	ent := el.Value.(*cacheEntry)
	delete(c.items, ent.key)
	if err := ent.seg.sync(); err != nil {
		ent.seg.close()
		return err
	}
	return ent.seg.close()
}

func (c *segmentCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

func (c *segmentCache) syncAll() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	for el := c.ll.Front(); el != nil; el = el.Next() {
		if err := el.Value.(*cacheEntry).seg.sync(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *segmentCache) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	for el := c.ll.Back(); el != nil; el = c.ll.Back() {
		if err := c.remove(el); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
