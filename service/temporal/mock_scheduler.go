package temporal

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockScheduler is a mock implementation of Scheduler for testing.
type MockScheduler struct {
	mu        sync.Mutex
	schedules map[string]time.Duration // map[scheduleID]interval
	paused    map[string]bool
	createErr error
	deleteErr error
}

// NewMockScheduler creates a new MockScheduler.
func NewMockScheduler() *MockScheduler {
	return &MockScheduler{
		schedules: make(map[string]time.Duration),
		paused:    make(map[string]bool),
	}
}

// CreateAccountSchedule records that a schedule was created.
func (m *MockScheduler) CreateAccountSchedule(ctx context.Context, accountID string, interval time.Duration) error {
	if m.createErr != nil {
		return m.createErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.schedules[scheduleID(accountID)] = interval
	return nil
}

// UpsertAccountSchedule creates or updates a schedule.
func (m *MockScheduler) UpsertAccountSchedule(ctx context.Context, accountID string, interval time.Duration) error {
	if m.createErr != nil {
		return m.createErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.schedules[scheduleID(accountID)] = interval
	return nil
}

// DeleteAccountSchedule records that a schedule was deleted.
func (m *MockScheduler) DeleteAccountSchedule(ctx context.Context, accountID string) error {
	if m.deleteErr != nil {
		return m.deleteErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	id := scheduleID(accountID)
	if _, exists := m.schedules[id]; !exists {
		return fmt.Errorf("schedule %q not found", id)
	}
	delete(m.schedules, id)
	delete(m.paused, id)
	return nil
}

// PauseAccountSchedule marks a schedule as paused.
func (m *MockScheduler) PauseAccountSchedule(ctx context.Context, accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := scheduleID(accountID)
	if _, exists := m.schedules[id]; !exists {
		return fmt.Errorf("schedule %q not found", id)
	}
	m.paused[id] = true
	return nil
}

// UnpauseAccountSchedule clears a schedule's paused flag.
func (m *MockScheduler) UnpauseAccountSchedule(ctx context.Context, accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := scheduleID(accountID)
	if _, exists := m.schedules[id]; !exists {
		return fmt.Errorf("schedule %q not found", id)
	}
	m.paused[id] = false
	return nil
}

// SetCreateError makes schedule creation return an error.
func (m *MockScheduler) SetCreateError(err error) {
	m.createErr = err
}

// SetDeleteError makes DeleteAccountSchedule return an error.
func (m *MockScheduler) SetDeleteError(err error) {
	m.deleteErr = err
}

// ScheduleExists checks if a schedule exists for an account.
func (m *MockScheduler) ScheduleExists(accountID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, exists := m.schedules[scheduleID(accountID)]
	return exists
}

// GetScheduleInterval returns the interval for an account's schedule.
func (m *MockScheduler) GetScheduleInterval(accountID string) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	interval, exists := m.schedules[scheduleID(accountID)]
	return interval, exists
}

// IsPaused reports whether an account's schedule is paused.
func (m *MockScheduler) IsPaused(accountID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused[scheduleID(accountID)]
}
