package nats

import (
	"context"
	"sync"
)

// MockPublisher is an in-memory Publisher for tests.
type MockPublisher struct {
	mu           sync.RWMutex
	published    []*ActivityEvent
	publishError error
	closed       bool
}

func NewMockPublisher() *MockPublisher {
	return &MockPublisher{}
}

func (m *MockPublisher) PublishEvent(ctx context.Context, event *ActivityEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.publishError != nil {
		return m.publishError
	}
	m.published = append(m.published, event)
	return nil
}

func (m *MockPublisher) PublishEvents(ctx context.Context, events []*ActivityEvent) (int, error) {
	n := 0
	for _, ev := range events {
		if err := m.PublishEvent(ctx, ev); err == nil {
			n++
		}
	}
	return n, nil
}

func (m *MockPublisher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Published returns a copy of everything published so far.
func (m *MockPublisher) Published() []*ActivityEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*ActivityEvent, len(m.published))
	copy(out, m.published)
	return out
}

// SetPublishError makes every subsequent publish fail with err.
func (m *MockPublisher) SetPublishError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishError = err
}

func (m *MockPublisher) IsClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}
