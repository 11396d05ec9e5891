package session

import (
	"sync"

	"github.com/BTreeMap/SurveyPipe/internal/models"
)

// Subscription delivers recorded events in order. Its mailbox is unbounded so
// recording never blocks on a slow consumer.
type Subscription struct {
	owner *Coordinator

	mu     sync.Mutex
	queue  []models.Event
	closed bool

	signal chan struct{}
	out    chan models.Event
	done   chan struct{}
	exited chan struct{}
	once   sync.Once
}

func newSubscription(owner *Coordinator) *Subscription {
	s := &Subscription{
		owner:  owner,
		signal: make(chan struct{}, 1),
		out:    make(chan models.Event),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go s.pump()
	return s
}

// C returns the delivery channel. It is closed after Close.
func (s *Subscription) C() <-chan models.Event {
	return s.out
}

// Close stops delivery and releases the subscription. Undelivered events are dropped.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.queue = nil
		s.mu.Unlock()
		close(s.done)
		s.owner.unsubscribe(s)
	})
	<-s.exited
}

func (s *Subscription) push(e models.Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, e)
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.exited)
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.signal:
				continue
			case <-s.done:
				return
			}
		}
		e := s.queue[0]
		s.queue[0] = models.Event{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- e:
		case <-s.done:
			return
		}
	}
}
