// Package scheduler multiplexes every timer in the process onto one goroutine.
//
// Timers live in a min-heap keyed by wake time (ties broken by creation order).
// The loop sleeps until the nearest wake, fires everything that is due and
// executes commands handed over with Do. Timer callbacks and commands never run
// concurrently, so state touched only from them needs no locking.
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"log"
	"time"

	"trailhead/internal/clock"
)

// ErrStopped is returned by Do once the loop has exited.
var ErrStopped = errors.New("scheduler stopped")

// Func is a timer callback. now is the time the timer was due, not the time
// it actually ran, so catch-up after a stall stays deterministic.
type Func func(now time.Time)

// Handle identifies a scheduled timer.
type Handle uint64

type Scheduler struct {
	clock   clock.Clock
	logger  *log.Logger
	cmds    chan func(time.Time)
	stopped chan struct{}

	timers timerHeap
	byID   map[Handle]*entry
	seq    uint64
}

func New(c clock.Clock, logger *log.Logger) *Scheduler {
	if c == nil {
		c = clock.RealClock{}
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Scheduler{
		clock:   c,
		logger:  logger,
		cmds:    make(chan func(time.Time)),
		stopped: make(chan struct{}),
		byID:    make(map[Handle]*entry),
	}
}

// Run drives timers and commands until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	defer close(s.stopped)
	for {
		s.fireDue(s.clock.Now())
		var (
			wake  <-chan time.Time
			timer clock.Timer
		)
		if len(s.timers) > 0 {
			timer = s.clock.NewTimer(s.timers[0].at.Sub(s.clock.Now()))
			wake = timer.C()
		}
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case cmd := <-s.cmds:
			if timer != nil {
				timer.Stop()
			}
			now := s.clock.Now()
			s.fireDue(now)
			s.call("command", func() { cmd(now) })
		case <-wake:
		}
	}
}

// Do runs fn on the scheduler goroutine and waits for it to return. Timers
// already due are fired first.
func (s *Scheduler) Do(ctx context.Context, fn func(now time.Time)) error {
	done := make(chan struct{})
	cmd := func(now time.Time) {
		defer close(done)
		fn(now)
	}
	select {
	case s.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopped:
		return ErrStopped
	}
	<-done
	return nil
}

// At schedules fn for the given time. Only call from the scheduler goroutine.
func (s *Scheduler) At(at time.Time, fn Func) Handle {
	s.seq++
	e := &entry{id: Handle(s.seq), at: at, fn: fn}
	heap.Push(&s.timers, e)
	s.byID[e.id] = e
	return e.id
}

// Cancel removes a timer. It reports false if the timer already fired or was
// cancelled. Only call from the scheduler goroutine.
func (s *Scheduler) Cancel(h Handle) bool {
	e, ok := s.byID[h]
	if !ok {
		return false
	}
	delete(s.byID, h)
	heap.Remove(&s.timers, e.index)
	return true
}

// Pending returns the number of scheduled timers.
func (s *Scheduler) Pending() int {
	return len(s.timers)
}

func (s *Scheduler) fireDue(now time.Time) {
	for len(s.timers) > 0 && !s.timers[0].at.After(now) {
		e := heap.Pop(&s.timers).(*entry)
		delete(s.byID, e.id)
		s.call("timer", func() { e.fn(e.at) })
	}
}

func (s *Scheduler) call(kind string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Printf("scheduler: %s panicked: %v", kind, r)
		}
	}()
	fn()
}

type entry struct {
	id    Handle
	at    time.Time
	fn    Func
	index int
}

type timerHeap []*entry

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].id < h[j].id
	}
	return h[i].at.Before(h[j].at)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}
