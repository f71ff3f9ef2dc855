package temporal

import (
	"context"
	"time"
)

// Scheduler manages Temporal schedules for account syncing. Each account
// gets its own schedule that triggers the SyncAccountWorkflow.
type Scheduler interface {
	// CreateAccountSchedule creates a new schedule for syncing an account.
	CreateAccountSchedule(ctx context.Context, accountID string, interval time.Duration) error

	// UpsertAccountSchedule creates the schedule or updates its interval.
	UpsertAccountSchedule(ctx context.Context, accountID string, interval time.Duration) error

	// DeleteAccountSchedule deletes the schedule for an account. This stops
	// the account from being synced.
	DeleteAccountSchedule(ctx context.Context, accountID string) error

	// PauseAccountSchedule pauses the schedule without deleting it.
	PauseAccountSchedule(ctx context.Context, accountID string) error

	// UnpauseAccountSchedule resumes a paused schedule.
	UnpauseAccountSchedule(ctx context.Context, accountID string) error
}

// scheduleID returns the Temporal schedule ID for an account.
func scheduleID(accountID string) string {
	return "sync-account-" + accountID
}
