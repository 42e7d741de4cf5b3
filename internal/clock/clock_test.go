package clock

import (
	"testing"
	"time"
)

func TestFakeClockTimers(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewFakeClock(start)
	early := c.NewTimer(time.Second)
	late := c.NewTimer(time.Minute)
	stopped := c.NewTimer(2 * time.Second)
	if !stopped.Stop() {
		t.Fatalf("stop on pending timer should report true")
	}

	c.Advance(5 * time.Second)
	select {
	case got := <-early.C():
		if !got.Equal(start.Add(5 * time.Second)) {
			t.Fatalf("fired with %v", got)
		}
	default:
		t.Fatalf("early timer did not fire")
	}
	select {
	case <-late.C():
		t.Fatalf("late timer fired early")
	case <-stopped.C():
		t.Fatalf("stopped timer fired")
	default:
	}
	if early.Stop() {
		t.Fatalf("stop after fire should report false")
	}

	c.Set(start.Add(time.Hour))
	select {
	case <-late.C():
	default:
		t.Fatalf("late timer did not fire after Set")
	}
}

func TestFakeClockImmediateTimer(t *testing.T) {
	c := NewFakeClock(time.Unix(0, 0))
	select {
	case <-c.NewTimer(0).C():
	default:
		t.Fatalf("zero duration timer should fire immediately")
	}
}
