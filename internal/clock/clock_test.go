package clock

import "testing"

func TestFakeAdvance(t *testing.T) {
	c := NewFake(0)
	c.Advance(150)
	c.AdvanceSeconds(2)
	if got := c.NowMs(); got != 2150 {
		t.Fatalf("now=%d, want 2150", got)
	}
	c.Set(7)
	if got := c.NowMs(); got != 7 {
		t.Fatalf("now=%d, want 7", got)
	}
}

func TestSystemIsMonotonic(t *testing.T) {
	c := NewSystem()
	a := c.NowMs()
	b := c.NowMs()
	if b < a {
		t.Fatalf("clock went backwards: %d then %d", a, b)
	}
}
