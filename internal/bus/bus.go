// Package bus delivers expedition notifications to subscribers.
//
// Every subscriber owns a mailbox drained by its own goroutine, so Publish
// never runs subscriber code and a slow or failing subscriber only delays
// itself. Topics are tagged with a generation so a reused expedition id never
// receives messages from an earlier run.
package bus

import (
	"errors"
	"log"
	"sync"
	"sync/atomic"

	"trailhead/internal/domain"
)

// ErrNoTopic is returned when subscribing to an expedition without an open topic.
var ErrNoTopic = errors.New("no open topic for expedition")

type Handler func(domain.Notification) error

// Topic identifies one run of an expedition on the bus.
type Topic struct {
	ExpeditionID string
	TrainerID    string
	Gen          uint64
}

const (
	topicOpen int32 = iota
	topicDraining
	topicCancelled
)

type topic struct {
	key   Topic
	state atomic.Int32
	subs  map[uint64]*subscription
}

type item struct {
	topic *topic
	n     domain.Notification
}

type subscription struct {
	id       uint64
	name     string
	fn       Handler
	topic    *topic
	mu       sync.Mutex
	cond     *sync.Cond
	queue    []item
	closing  bool
	canceled atomic.Bool
	done     chan struct{}
}

type Bus struct {
	logger *log.Logger

	mu     sync.Mutex
	topics map[string]*topic
	global map[uint64]*subscription
	gen    uint64
	subID  uint64
	seq    uint64
	wg     sync.WaitGroup
}

func New(logger *log.Logger) *Bus {
	if logger == nil {
		logger = log.Default()
	}
	return &Bus{
		logger: logger,
		topics: make(map[string]*topic),
		global: make(map[uint64]*subscription),
	}
}

// Open starts a new topic for an expedition run. A topic still open under the
// same id is cancelled.
func (b *Bus) Open(expeditionID, trainerID string) Topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	if old, ok := b.topics[expeditionID]; ok {
		b.closeLocked(old, false)
	}
	b.gen++
	t := &topic{
		key:  Topic{ExpeditionID: expeditionID, TrainerID: trainerID, Gen: b.gen},
		subs: make(map[uint64]*subscription),
	}
	b.topics[expeditionID] = t
	return t.key
}

// Close detaches a topic. With drain, messages already queued are still
// delivered; without it they are dropped.
func (b *Bus) Close(key Topic, drain bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[key.ExpeditionID]
	if !ok || t.key.Gen != key.Gen {
		return
	}
	b.closeLocked(t, drain)
}

func (b *Bus) closeLocked(t *topic, drain bool) {
	if drain {
		t.state.Store(topicDraining)
	} else {
		t.state.Store(topicCancelled)
	}
	delete(b.topics, t.key.ExpeditionID)
	for _, s := range t.subs {
		s.shutdown()
	}
	t.subs = nil
}

// Publish queues a notification for every subscriber of the topic and every
// global subscriber. It reports false if the topic is no longer open.
func (b *Bus) Publish(key Topic, n domain.Notification) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[key.ExpeditionID]
	if !ok || t.key.Gen != key.Gen || t.state.Load() != topicOpen {
		return false
	}
	b.seq++
	n.Seq = b.seq
	n.ExpeditionID = key.ExpeditionID
	n.TrainerID = key.TrainerID
	it := item{topic: t, n: n}
	for _, s := range t.subs {
		s.enqueue(it)
	}
	for _, s := range b.global {
		s.enqueue(it)
	}
	return true
}

// Subscribe attaches fn to the open topic of an expedition. Messages published
// before the call are not replayed.
func (b *Bus) Subscribe(expeditionID, name string, fn Handler) (func(), error) {
	cancel, _, err := b.Follow(expeditionID, name, fn)
	return cancel, err
}

// Follow is Subscribe plus a channel that is closed once the subscription is
// over: after the topic closed and its backlog was delivered (or dropped, for a
// cancelled topic), or after cancel.
func (b *Bus) Follow(expeditionID, name string, fn Handler) (func(), <-chan struct{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[expeditionID]
	if !ok {
		return nil, nil, ErrNoTopic
	}
	s := b.startLocked(name, fn, t)
	t.subs[s.id] = s
	return func() { b.unsubscribe(s) }, s.done, nil
}

// SubscribeAll attaches fn to every current and future topic.
func (b *Bus) SubscribeAll(name string, fn Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.startLocked(name, fn, nil)
	b.global[s.id] = s
	return func() { b.unsubscribe(s) }
}

// Subscribers returns the number of subscribers attached to an expedition's
// open topic, not counting global ones.
func (b *Bus) Subscribers(expeditionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[expeditionID]; ok {
		return len(t.subs)
	}
	return 0
}

// Shutdown stops accepting messages and waits until every mailbox has drained.
func (b *Bus) Shutdown() {
	b.mu.Lock()
	for _, t := range b.topics {
		b.closeLocked(t, true)
	}
	for id, s := range b.global {
		s.shutdown()
		delete(b.global, id)
	}
	b.mu.Unlock()
	b.wg.Wait()
}

func (b *Bus) startLocked(name string, fn Handler, t *topic) *subscription {
	b.subID++
	s := &subscription{id: b.subID, name: name, fn: fn, topic: t, done: make(chan struct{})}
	s.cond = sync.NewCond(&s.mu)
	b.wg.Add(1)
	go b.pump(s)
	return s
}

func (b *Bus) unsubscribe(s *subscription) {
	b.mu.Lock()
	if s.topic != nil {
		if s.topic.subs != nil {
			delete(s.topic.subs, s.id)
		}
	} else {
		delete(b.global, s.id)
	}
	b.mu.Unlock()
	s.canceled.Store(true)
	s.shutdown()
}

func (b *Bus) pump(s *subscription) {
	defer b.wg.Done()
	defer close(s.done)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closing {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		it := s.queue[0]
		s.queue[0] = item{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		if s.canceled.Load() || it.topic.state.Load() == topicCancelled {
			continue
		}
		b.deliver(s, it.n)
	}
}

func (b *Bus) deliver(s *subscription, n domain.Notification) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Printf("bus: subscriber %s panicked on %s for %s: %v", s.name, n.Kind, n.ExpeditionID, r)
		}
	}()
	if err := s.fn(n); err != nil {
		b.logger.Printf("bus: subscriber %s failed on %s for %s: %v", s.name, n.Kind, n.ExpeditionID, err)
	}
}

func (s *subscription) enqueue(it item) {
	s.mu.Lock()
	if !s.closing {
		s.queue = append(s.queue, it)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

func (s *subscription) shutdown() {
	s.mu.Lock()
	s.closing = true
	s.cond.Signal()
	s.mu.Unlock()
}
