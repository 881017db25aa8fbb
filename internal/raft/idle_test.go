package raft

import (
	"testing"
	"time"
)

func TestBackoffIdleProgression(t *testing.T) {
	b := NewBackoffIdle(2, 1, time.Microsecond, 4*time.Microsecond)
	b.Idle(0)
	b.Idle(0)
	if b.spins != 2 || b.yields != 0 || b.park != 0 {
		t.Fatalf("after spins: %+v", b)
	}
	b.Idle(0)
	if b.yields != 1 || b.park != 0 {
		t.Fatalf("after yield: %+v", b)
	}
	for _, want := range []time.Duration{2 * time.Microsecond, 4 * time.Microsecond, 4 * time.Microsecond} {
		b.Idle(0)
		if b.park != want {
			t.Fatalf("park = %v, want %v", b.park, want)
		}
	}
	b.Idle(1)
	if b.spins != 0 || b.yields != 0 || b.park != 0 {
		t.Fatalf("work did not reset: %+v", b)
	}
}

func TestIdleStrategiesDoNotBlock(t *testing.T) {
	for _, s := range []IdleStrategy{NoOpIdle{}, YieldIdle{}, NewBackoffIdle(1, 1, time.Nanosecond, time.Nanosecond)} {
		done := make(chan struct{})
		go func() {
			for i := 0; i < 10; i++ {
				s.Idle(0)
			}
			s.Reset()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatalf("%T blocked", s)
		}
	}
}
