package raft

import (
	"runtime"
	"time"
)

// IdleStrategy decides what a poll loop does after a cycle. workCount is the work
// done by the cycle; zero means there was nothing to do.
type IdleStrategy interface {
	Idle(workCount int)
	Reset()
}

// NoOpIdle never waits.
type NoOpIdle struct{}

func (NoOpIdle) Idle(int) {}
func (NoOpIdle) Reset()   {}

// YieldIdle yields the processor when there was no work.
type YieldIdle struct{}

func (YieldIdle) Idle(workCount int) {
	if workCount == 0 {
		runtime.Gosched()
	}
}

func (YieldIdle) Reset() {}

// BackoffIdle spins, then yields, then sleeps for doubling periods up to MaxPark
// while there is no work. Any work resets it.
type BackoffIdle struct {
	MaxSpins  int
	MaxYields int
	MinPark   time.Duration
	MaxPark   time.Duration

	spins  int
	yields int
	park   time.Duration
}

func NewBackoffIdle(maxSpins, maxYields int, minPark, maxPark time.Duration) *BackoffIdle {
	return &BackoffIdle{MaxSpins: maxSpins, MaxYields: maxYields, MinPark: minPark, MaxPark: maxPark}
}

func (b *BackoffIdle) Idle(workCount int) {
	if workCount > 0 {
		b.Reset()
		return
	}
	switch {
	case b.spins < b.MaxSpins:
		b.spins++
	case b.yields < b.MaxYields:
		b.yields++
		runtime.Gosched()
	default:
		if b.park < b.MinPark {
			b.park = b.MinPark
		}
		time.Sleep(b.park)
		b.park *= 2
		if b.park > b.MaxPark {
			b.park = b.MaxPark
		}
	}
}

func (b *BackoffIdle) Reset() {
	b.spins, b.yields, b.park = 0, 0, 0
}
