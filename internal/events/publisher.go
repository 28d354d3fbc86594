package events

import (
	"sync"
)

// GlobalRunID subscribes to the events of every run.
const GlobalRunID = "*"

// Publisher defines the interface for event publishing.
type Publisher interface {
	// Publish sends an event to the run's subscribers and to global ones.
	Publish(event Event)
	// Subscribe returns a channel that receives events for the given run.
	// Use GlobalRunID ("*") to receive events for all runs.
	Subscribe(runID string) <-chan Event
	// Unsubscribe removes a subscription channel.
	Unsubscribe(runID string, ch <-chan Event)
	// Close shuts down the publisher and all subscriptions.
	Close()
}

// MemoryPublisher is an in-memory implementation of Publisher.
type MemoryPublisher struct {
	subscribers map[string][]chan Event
	mu          sync.RWMutex
	bufferSize  int
	closed      bool
}

// PublisherOption configures a MemoryPublisher.
type PublisherOption func(*MemoryPublisher)

// WithBufferSize sets the channel buffer size for subscribers.
func WithBufferSize(size int) PublisherOption {
	return func(p *MemoryPublisher) {
		p.bufferSize = size
	}
}

// NewMemoryPublisher creates a new in-memory publisher.
func NewMemoryPublisher(opts ...PublisherOption) *MemoryPublisher {
	p := &MemoryPublisher{
		subscribers: make(map[string][]chan Event),
		bufferSize:  100,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish sends an event to the run's subscribers and to global ones.
// Subscribers with full buffers miss the event.
func (p *MemoryPublisher) Publish(event Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return
	}

	deliver(p.subscribers[event.RunID], event)
	if event.RunID != GlobalRunID {
		deliver(p.subscribers[GlobalRunID], event)
	}
}

func deliver(subs []chan Event, event Event) {
	for _, ch := range subs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribe returns a channel that receives events for the given run.
func (p *MemoryPublisher) Subscribe(runID string) <-chan Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		ch := make(chan Event)
		close(ch)
		return ch
	}

	ch := make(chan Event, p.bufferSize)
	p.subscribers[runID] = append(p.subscribers[runID], ch)
	return ch
}

// Unsubscribe removes a subscription channel.
func (p *MemoryPublisher) Unsubscribe(runID string, ch <-chan Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	subs := p.subscribers[runID]
	for i, sub := range subs {
		if sub == ch {
			p.subscribers[runID] = append(subs[:i], subs[i+1:]...)
			close(sub)
			break
		}
	}
	if len(p.subscribers[runID]) == 0 {
		delete(p.subscribers, runID)
	}
}

// Close shuts down the publisher and closes all subscription channels.
func (p *MemoryPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	p.closed = true

	for runID, subs := range p.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(p.subscribers, runID)
	}
}

// SubscriberCount returns the number of subscribers for a run.
func (p *MemoryPublisher) SubscriberCount(runID string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.subscribers[runID])
}

// RunCount returns the number of runs with subscribers.
func (p *MemoryPublisher) RunCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.subscribers)
}

// NopPublisher is a no-op publisher for testing or when events are disabled.
type NopPublisher struct{}

// Publish does nothing.
func (p *NopPublisher) Publish(event Event) {}

// Subscribe returns a closed channel.
func (p *NopPublisher) Subscribe(runID string) <-chan Event {
	ch := make(chan Event)
	close(ch)
	return ch
}

// Unsubscribe does nothing.
func (p *NopPublisher) Unsubscribe(runID string, ch <-chan Event) {}

// Close does nothing.
func (p *NopPublisher) Close() {}

// NewNopPublisher creates a no-op publisher.
func NewNopPublisher() *NopPublisher {
	return &NopPublisher{}
}
