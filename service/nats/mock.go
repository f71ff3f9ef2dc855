package nats

import (
	"context"
	"sync"
)

// MockPublisher is a mock implementation of Publisher for testing.
type MockPublisher struct {
	mu                sync.RWMutex
	publishedEntries  []*EntryEvent
	publishedRuns     []*RunSummaryEvent
	publishError      error
	publishBatchError error
	closed            bool
}

// NewMockPublisher creates a new mock publisher for testing.
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{
		publishedEntries: make([]*EntryEvent, 0),
		publishedRuns:    make([]*RunSummaryEvent, 0),
	}
}

// PublishEntry records the event and returns any configured error.
func (m *MockPublisher) PublishEntry(ctx context.Context, event *EntryEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.publishError != nil {
		return m.publishError
	}

	m.publishedEntries = append(m.publishedEntries, event)
	return nil
}

// PublishEntryBatch records the events and returns any configured error.
func (m *MockPublisher) PublishEntryBatch(ctx context.Context, events []*EntryEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.publishBatchError != nil {
		return m.publishBatchError
	}

	m.publishedEntries = append(m.publishedEntries, events...)
	return nil
}

// PublishRunSummary records the event and returns any configured error.
func (m *MockPublisher) PublishRunSummary(ctx context.Context, event *RunSummaryEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.publishError != nil {
		return m.publishError
	}

	m.publishedRuns = append(m.publishedRuns, event)
	return nil
}

// Close marks the publisher as closed.
func (m *MockPublisher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// GetPublishedEntries returns all published entry events.
func (m *MockPublisher) GetPublishedEntries() []*EntryEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := make([]*EntryEvent, len(m.publishedEntries))
	copy(events, m.publishedEntries)
	return events
}

// GetPublishedRuns returns all published run summaries.
func (m *MockPublisher) GetPublishedRuns() []*RunSummaryEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := make([]*RunSummaryEvent, len(m.publishedRuns))
	copy(events, m.publishedRuns)
	return events
}

// GetPublishedEntriesForAccount returns entry events for a specific account.
func (m *MockPublisher) GetPublishedEntriesForAccount(accountID string) []*EntryEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := make([]*EntryEvent, 0)
	for _, event := range m.publishedEntries {
		if event.AccountID == accountID {
			events = append(events, event)
		}
	}
	return events
}

// SetPublishError configures the mock to return an error on publishes.
func (m *MockPublisher) SetPublishError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishError = err
}

// SetPublishBatchError configures the mock to return an error on PublishEntryBatch.
func (m *MockPublisher) SetPublishBatchError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishBatchError = err
}

// Reset clears all published events and errors.
func (m *MockPublisher) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishedEntries = make([]*EntryEvent, 0)
	m.publishedRuns = make([]*RunSummaryEvent, 0)
	m.publishError = nil
	m.publishBatchError = nil
	m.closed = false
}

// IsClosed returns whether the publisher has been closed.
func (m *MockPublisher) IsClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}
