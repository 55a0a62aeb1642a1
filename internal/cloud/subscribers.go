package cloud

import (
	"context"
	"sync"
)

const subscriberBuffer = 64

type subscriber struct {
	ctx      context.Context
	resource string
	ch       chan ChangeEvent
}

// subscribers fans change events out to per-resource channels.
type subscribers struct {
	mu     sync.Mutex
	list   []*subscriber
	closed bool
}

func newSubscribers() *subscribers {
	return &subscribers{}
}

func (s *subscribers) add(ctx context.Context, resource string) <-chan ChangeEvent {
	sub := &subscriber{ctx: ctx, resource: resource, ch: make(chan ChangeEvent, subscriberBuffer)}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(sub.ch)
		return sub.ch
	}
	s.list = append(s.list, sub)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.remove(sub)
	}()
	return sub.ch
}

func (s *subscribers) remove(sub *subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, other := range s.list {
		if other == sub {
			s.list = append(s.list[:i], s.list[i+1:]...)
			close(sub.ch)
			return
		}
	}
}

// publish delivers ev to every subscriber of its resource. A full subscriber
// blocks delivery until it reads or its context ends.
func (s *subscribers) publish(ev ChangeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.list {
		if sub.resource != ev.Resource {
			continue
		}
		select {
		case sub.ch <- ev:
		case <-sub.ctx.Done():
		}
	}
}

func (s *subscribers) count(resource string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sub := range s.list {
		if sub.resource == resource {
			n++
		}
	}
	return n
}

func (s *subscribers) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.list {
		close(sub.ch)
	}
	s.list = nil
	s.closed = true
}
