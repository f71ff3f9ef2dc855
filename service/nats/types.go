package nats

import (
	"time"

	"github.com/google/uuid"

	"github.com/oakhurst/monzosync/service/reconcile"
)

// EntryEvent is published for every ledger entry created or updated in the
// destination, to the subject "sync.entries.{account_id}".
type EntryEvent struct {
	MonzoID      string `json:"monzo_id"`
	AccountID    string `json:"account_id"`
	Source       string `json:"source"`
	Date         string `json:"date"`
	Payee        string `json:"payee"`
	Amount       string `json:"amount"`
	Currency     string `json:"currency"`
	CategoryName string `json:"category_name"`
	LunchMoneyID *int64 `json:"lunch_money_id,omitempty"`

	// Action is "created" or "updated".
	Action string `json:"action"`

	PublishedAt time.Time `json:"published_at"`
}

// RunSummaryEvent is published once per sync run to the subject
// "sync.runs.{account_id}". Skipped records are enumerated so nothing is
// silently dropped.
type RunSummaryEvent struct {
	RunID            uuid.UUID                 `json:"run_id"`
	AccountID        string                    `json:"account_id"`
	Status           string                    `json:"status"`
	Fetched          int                       `json:"fetched"`
	NewEntries       int                       `json:"new_entries"`
	UpdatedEntries   int                       `json:"updated_entries"`
	UnchangedEntries int                       `json:"unchanged_entries"`
	Skipped          []reconcile.SkippedRecord `json:"skipped"`
	Error            string                    `json:"error,omitempty"`
	CursorAdvancedTo *time.Time                `json:"cursor_advanced_to,omitempty"`
	StartedAt        time.Time                 `json:"started_at"`
	Duration         time.Duration             `json:"duration"`
	PublishedAt      time.Time                 `json:"published_at"`
}

// FromLedgerEntry converts a normalized ledger entry to an EntryEvent for
// publishing. lunchMoneyID is the destination transaction ID when known.
func FromLedgerEntry(e reconcile.LedgerEntry, lunchMoneyID *int64, action string) *EntryEvent {
	return &EntryEvent{
		MonzoID:      e.MonzoID,
		AccountID:    e.AccountID,
		Source:       e.Source,
		Date:         e.Date,
		Payee:        e.Payee,
		Amount:       e.Amount.String(),
		Currency:     e.Currency,
		CategoryName: e.CategoryName,
		LunchMoneyID: lunchMoneyID,
		Action:       action,
		PublishedAt:  time.Now().UTC(),
	}
}
