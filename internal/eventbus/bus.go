package eventbus

import (
	"sync"

	"github.com/oklog/ulid/v2"
)

// Bus fans events out to subscribers. Publish never blocks: each
// subscription owns an unbounded backlog drained into its channel, so a
// slow consumer delays only itself and loses nothing.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscription
}

func New() *Bus {
	return &Bus{
		subscribers: make(map[string]*Subscription),
	}
}

// Subscribe registers a subscriber for the given types, or for every type
// when none are given. Cancel the returned subscription to stop delivery.
func (b *Bus) Subscribe(bufSize int, types ...Type) *Subscription {
	s := &Subscription{
		id:   ulid.Make().String(),
		bus:  b,
		ch:   make(chan *Event, bufSize),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	if len(types) > 0 {
		s.types = make(map[Type]struct{}, len(types))
		for _, t := range types {
			s.types[t] = struct{}{}
		}
	}
	b.mu.Lock()
	b.subscribers[s.id] = s
	b.mu.Unlock()
	go s.pump()
	return s
}

func (b *Bus) remove(id string) {
	b.mu.Lock()
	delete(b.subscribers, id)
	b.mu.Unlock()
}

func (b *Bus) Publish(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subscribers {
		s.enqueue(event)
	}
}

// Close cancels every subscription.
func (b *Bus) Close() {
	b.mu.RLock()
	subs := make([]*Subscription, 0, len(b.subscribers))
	for _, s := range b.subscribers {
		subs = append(subs, s)
	}
	b.mu.RUnlock()
	for _, s := range subs {
		s.Cancel()
	}
}

type Subscription struct {
	id    string
	bus   *Bus
	types map[Type]struct{}
	ch    chan *Event

	mu      sync.Mutex
	backlog []*Event
	wake    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func (s *Subscription) ID() string { return s.id }

// C is closed after Cancel.
func (s *Subscription) C() <-chan *Event { return s.ch }

func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.bus.remove(s.id)
		close(s.done)
	})
}

func (s *Subscription) enqueue(e *Event) {
	if s.types != nil {
		if _, ok := s.types[e.Type]; !ok {
			return
		}
	}
	s.mu.Lock()
	s.backlog = append(s.backlog, e)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.ch)
	for {
		s.mu.Lock()
		if len(s.backlog) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		e := s.backlog[0]
		s.backlog[0] = nil
		s.backlog = s.backlog[1:]
		s.mu.Unlock()

		select {
		case s.ch <- e:
		case <-s.done:
			return
		}
	}
}
