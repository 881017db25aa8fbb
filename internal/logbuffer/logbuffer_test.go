package logbuffer

import (
	"errors"
	"math/rand"
	"testing"
	"testing/quick"
	"time"
)

func TestAlignedLength(t *testing.T) {
	cases := []struct{ in, want int }{{0, 8}, {1, 16}, {8, 16}, {9, 24}, {24, 32}}
	for _, c := range cases {
		if got := AlignedLength(c.in); got != c.want {
			t.Fatalf("AlignedLength(%d)=%d, want %d", c.in, got, c.want)
		}
	}
}

func TestCheckTermLength(t *testing.T) {
	for _, ok := range []int32{64, 128, 1 << 16} {
		if err := CheckTermLength(ok); err != nil {
			t.Fatalf("CheckTermLength(%d): %v", ok, err)
		}
	}
	for _, bad := range []int32{0, 13, 32, 100, 65535} {
		if err := CheckTermLength(bad); !errors.Is(err, ErrBadTermLength) {
			t.Fatalf("CheckTermLength(%d)=%v, want ErrBadTermLength", bad, err)
		}
	}
}

func TestPositionMath(t *testing.T) {
	const termLength = 256
	shift := PositionBitsToShift(termLength)
	pos := ComputePosition(14, 40, shift, 12)
	if pos != 2*256+40 {
		t.Fatalf("position=%d", pos)
	}
	if id := ComputeTermID(pos, shift, 12); id != 14 {
		t.Fatalf("term id=%d", id)
	}
	if off := ComputeTermOffset(pos, termLength); off != 40 {
		t.Fatalf("term offset=%d", off)
	}
	if start := TermStart(pos, termLength); start != 512 {
		t.Fatalf("term start=%d", start)
	}
}

func TestTrackerRollsWithPadding(t *testing.T) {
	tr := NewTracker(64, 0)
	first, err := tr.Claim(40) // 48 aligned
	if err != nil {
		t.Fatal(err)
	}
	if first.Start != 0 || first.End != 48 || first.PadLength != 0 {
		t.Fatalf("unexpected first claim %+v", first)
	}
	second, err := tr.Claim(20) // 32 aligned, only 16 left
	if err != nil {
		t.Fatal(err)
	}
	if second.PadPosition != 48 || second.PadLength != 16 || second.Start != 64 || second.End != 96 {
		t.Fatalf("unexpected roll claim %+v", second)
	}
}

func TestTrackerRejectsOversized(t *testing.T) {
	tr := NewTracker(64, 0)
	if _, err := tr.Claim(MaxMessageLength(64) + 1); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
	if _, err := tr.Claim(MaxMessageLength(64)); err != nil {
		t.Fatalf("max message should fit: %v", err)
	}
}

func TestTrackerNeverStraddlesTermsProperty(t *testing.T) {
	cfg := &quick.Config{Rand: rand.New(rand.NewSource(time.Now().UnixNano()))}
	if err := quick.Check(func(lengths []uint8) bool {
		tr := NewTracker(128, 0)
		prev := int64(0)
		for _, l := range lengths {
			c, err := tr.Claim(int(l) % 100)
			if err != nil {
				return false
			}
			if c.PadLength > 0 && c.PadPosition != prev {
				return false
			}
			if TermStart(c.Start, 128) != TermStart(c.End-1, 128) {
				return false
			}
			if c.Start%FrameAlignment != 0 {
				return false
			}
			prev = c.End
		}
		return true
	}, cfg); err != nil {
		t.Fatalf("tracker property failed: %v", err)
	}
}

func TestWriteDataAndPadding(t *testing.T) {
	buf := make([]byte, 32)
	for i := range buf {
		buf[i] = 0xff
	}
	n := WriteData(buf, []byte("hello"))
	if n != 16 {
		t.Fatalf("aligned=%d", n)
	}
	if FrameLength(buf) != 13 || FrameType(buf) != TypeData {
		t.Fatalf("bad header: len=%d type=%d", FrameLength(buf), FrameType(buf))
	}
	if string(buf[8:13]) != "hello" || buf[13] != 0 || buf[15] != 0 {
		t.Fatalf("bad body %v", buf[:16])
	}
	WritePadding(buf[16:])
	if FrameLength(buf[16:]) != 16 || FrameType(buf[16:]) != TypePad {
		t.Fatalf("bad padding header")
	}
}
