package clock

import (
	"testing"
	"time"
)

func TestFake_AfterFuncFiresInDeadlineOrder(t *testing.T) {
	c := NewFake(time.Unix(0, 0))

	var got []int
	c.AfterFunc(3*time.Second, func() { got = append(got, 3) })
	c.AfterFunc(1*time.Second, func() { got = append(got, 1) })
	c.AfterFunc(2*time.Second, func() { got = append(got, 2) })

	c.Advance(1500 * time.Millisecond)
	if len(got) != 1 || got[0] != 1 {
		t.Fatalf("after 1.5s got %v, want [1]", got)
	}
	c.Advance(5 * time.Second)
	if len(got) != 3 || got[1] != 2 || got[2] != 3 {
		t.Fatalf("got %v, want [1 2 3]", got)
	}
	if c.Pending() != 0 {
		t.Fatalf("pending=%d, want 0", c.Pending())
	}
}

func TestFake_StoppedTimerDoesNotFire(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	fired := false
	tm := c.AfterFunc(time.Second, func() { fired = true })
	if !tm.Stop() {
		t.Fatalf("Stop returned false for pending timer")
	}
	if tm.Stop() {
		t.Fatalf("second Stop returned true")
	}
	c.Advance(time.Minute)
	if fired {
		t.Fatalf("stopped timer fired")
	}
}

func TestFake_CallbackCanScheduleFollowUp(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	count := 0
	var tick func()
	tick = func() {
		count++
		c.AfterFunc(time.Second, tick)
	}
	c.AfterFunc(time.Second, tick)

	c.Advance(3 * time.Second)
	if count != 3 {
		t.Fatalf("count=%d, want 3", count)
	}
}

func TestFake_TickerDropsWhenFull(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	tk := c.NewTicker(time.Second)
	defer tk.Stop()

	c.Advance(5 * time.Second)
	select {
	case <-tk.C():
	default:
		t.Fatalf("expected a tick")
	}
	select {
	case <-tk.C():
		t.Fatalf("ticks should not accumulate beyond the buffer")
	default:
	}
	if got := c.Now(); !got.Equal(time.Unix(5, 0)) {
		t.Fatalf("now=%v, want 5s", got)
	}
}
