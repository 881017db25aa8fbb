package archive

import (
	"errors"
	"os"
	"testing"

	"gatewaylog/internal/domain"
	"gatewaylog/internal/logbuffer"
)

func segKey(term int32) segmentKey {
	return segmentKey{session: domain.SessionKey{Stream: dataStream, SessionID: 43}, termID: term}
}

func TestSegmentCacheEvictsLeastRecentlyUsed(t *testing.T) {
	dir := NewLogDirectory(t.TempDir())
	c := newSegmentCache(dir, 2, true)
	defer c.close()

	for term := int32(0); term < 3; term++ {
		if _, opened, err := c.acquire(segKey(term), 64); err != nil || !opened {
			t.Fatalf("acquire %d opened=%v err=%v", term, opened, err)
		}
		if err := c.release(segKey(term)); err != nil {
			t.Fatal(err)
		}
	}
	if c.len() != 2 {
		t.Fatalf("cache holds %d segments, want 2", c.len())
	}
	if _, opened, _ := c.acquire(segKey(2), 64); opened {
		t.Fatal("most recent segment was evicted")
	}
	c.release(segKey(2))
	if _, opened, _ := c.acquire(segKey(0), 64); !opened {
		t.Fatal("oldest segment was not evicted")
	}
	c.release(segKey(0))
}

func TestSegmentCacheKeepsPinnedSegments(t *testing.T) {
	dir := NewLogDirectory(t.TempDir())
	c := newSegmentCache(dir, 1, true)
	defer c.close()

	pinned, _, err := c.acquire(segKey(0), 64)
	if err != nil {
		t.Fatal(err)
	}
	for term := int32(1); term < 4; term++ {
		if _, _, err := c.acquire(segKey(term), 64); err != nil {
			t.Fatal(err)
		}
		c.release(segKey(term))
	}
	// Still mapped, so writing must not fault.
	pinned.writeFrame(0, []byte("pinned"))
	if pinned.frameLength(0) != int32(logbuffer.FrameHeaderLength+6) {
		t.Fatalf("frame length %d", pinned.frameLength(0))
	}
	if c.len() != 1 {
		t.Fatalf("cache holds %d segments, want only the pinned one", c.len())
	}
	c.release(segKey(0))
	if _, opened, _ := c.acquire(segKey(0), 64); opened {
		t.Fatal("pinned segment was evicted")
	}
	c.release(segKey(0))
}

func TestReadOnlySegmentStates(t *testing.T) {
	dir := NewLogDirectory(t.TempDir())
	path := dir.SegmentPath(dataStream, 43, 0)
	if _, err := openSegment(path, 64, false); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing: got %v", err)
	}
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := openSegment(path, 64, false); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unsized: got %v", err)
	}
	if err := os.WriteFile(path, make([]byte, 100), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := openSegment(path, 64, false); !errors.Is(err, ErrCorruptMetadata) {
		t.Fatalf("oversized: got %v", err)
	}
}

func TestSegmentPaddingFrame(t *testing.T) {
	dir := NewLogDirectory(t.TempDir())
	seg, err := openSegment(dir.SegmentPath(dataStream, 43, 0), 64, true)
	if err != nil {
		t.Fatal(err)
	}
	defer seg.close()
	seg.writeFrame(0, make([]byte, 30))
	seg.writePadding(40, 24)
	if got := scanTerm(seg, 64, 64); got != 64 {
		t.Fatalf("scan ended at %d, want 64", got)
	}
	if logbuffer.FrameType(seg.data[40:]) != logbuffer.TypePad {
		t.Fatal("padding frame type not set")
	}
	if err := seg.sync(); err != nil {
		t.Fatal(err)
	}
}

func TestSessionArena(t *testing.T) {
	a := newSessionArena[int]()
	k1 := domain.SessionKey{Stream: dataStream, SessionID: 1}
	k2 := domain.SessionKey{Stream: dataStream, SessionID: 2}
	if _, ok := a.lookup(k1); ok {
		t.Fatal("empty arena found a key")
	}
	one, two := 1, 2
	a.insert(k1, &one)
	a.insert(k2, &two)
	if v, ok := a.lookup(k2); !ok || *v != 2 {
		t.Fatalf("lookup k2 = %v %v", v, ok)
	}
	*a.items[0] = 10
	if v, _ := a.lookup(k1); *v != 10 {
		t.Fatal("lookup does not return the stored pointer")
	}
	sum := 0
	a.each(func(v *int) { sum += *v })
	if sum != 12 || a.len() != 2 {
		t.Fatalf("sum %d len %d", sum, a.len())
	}
}
