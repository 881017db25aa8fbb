// Package clock provides the time sources used for election and heartbeat timeouts.
package clock

import (
	"sync/atomic"
	"time"
)

// Clock returns monotonic milliseconds.
type Clock interface {
	NowMs() int64
}

// System is a monotonic millisecond clock anchored at construction time.
type System struct {
	start time.Time
}

func NewSystem() *System { return &System{start: time.Now()} }

func (s *System) NowMs() int64 { return time.Since(s.start).Milliseconds() }

// Fake is an advanceable clock for deterministic tests.
type Fake struct {
	now atomic.Int64
}

func NewFake(startMs int64) *Fake {
	f := &Fake{}
	f.now.Store(startMs)
	return f
}

func (f *Fake) NowMs() int64 { return f.now.Load() }

func (f *Fake) Advance(ms int64) int64 { return f.now.Add(ms) }

func (f *Fake) AdvanceSeconds(s int64) int64 { return f.Advance(s * 1000) }

func (f *Fake) Set(ms int64) { f.now.Store(ms) }
