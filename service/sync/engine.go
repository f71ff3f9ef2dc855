// Package sync orchestrates one run of the source -> reconcile -> sink
// pipeline for a single account. The same steps back the one-shot CLI run
// and the Temporal activities.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/oakhurst/monzosync/service/db"
	"github.com/oakhurst/monzosync/service/lunchmoney"
	"github.com/oakhurst/monzosync/service/metrics"
	"github.com/oakhurst/monzosync/service/monzo"
	natspkg "github.com/oakhurst/monzosync/service/nats"
	"github.com/oakhurst/monzosync/service/reconcile"
)

// Run statuses. A partial run completed its writes but skipped or had
// entries rejected; a failed run hit a transient error and did not advance
// the cursor past its last confirmed write.
const (
	StatusSuccess = "success"
	StatusPartial = "partial"
	StatusFailed  = "failed"
)

// Source is the subset of the Monzo client the engine needs.
type Source interface {
	ListTransactions(ctx context.Context, params monzo.ListTransactionsParams) ([]*monzo.Transaction, error)
	ListPots(ctx context.Context, accountID string) ([]monzo.Pot, error)
}

// Sink is the subset of the Lunch Money client the engine needs.
type Sink interface {
	InsertTransactions(ctx context.Context, txns []lunchmoney.InsertTransaction) ([]int64, error)
	UpdateTransaction(ctx context.Context, id int64, patch lunchmoney.UpdateTransaction) error
	ListCategories(ctx context.Context) ([]lunchmoney.Category, error)
}

// Store is the subset of db.Store the engine needs.
type Store interface {
	GetAccount(ctx context.Context, accountID string) (*db.Account, error)
	ListEntryDigests(ctx context.Context, accountID string) ([]reconcile.EntryDigest, error)
	UpsertEntry(ctx context.Context, e reconcile.LedgerEntry) (*db.Entry, error)
	SetEntryLunchMoneyID(ctx context.Context, monzoID string, lunchMoneyID int64) error
	MarkEntryPushed(ctx context.Context, monzoID, hash string) error
	AdvanceCursor(ctx context.Context, accountID string, to time.Time) error
	RecordSyncRun(ctx context.Context, params db.RecordSyncRunParams) error
}

// Publisher is the subset of the NATS publisher the engine needs.
type Publisher interface {
	PublishEntry(ctx context.Context, event *natspkg.EntryEvent) error
	PublishEntryBatch(ctx context.Context, events []*natspkg.EntryEvent) error
	PublishRunSummary(ctx context.Context, event *natspkg.RunSummaryEvent) error
}

// RejectedRecord reports an entry the destination refused permanently.
type RejectedRecord struct {
	MonzoID string `json:"monzo_id"`
	Reason  string `json:"reason"`
}

// RunSummary describes the outcome of one sync run.
type RunSummary struct {
	RunID            uuid.UUID                 `json:"run_id"`
	AccountID        string                    `json:"account_id"`
	Status           string                    `json:"status"`
	Fetched          int                       `json:"fetched"`
	New              int                       `json:"new"`
	Updated          int                       `json:"updated"`
	Unchanged        int                       `json:"unchanged"`
	Skipped          []reconcile.SkippedRecord `json:"skipped,omitempty"`
	Rejected         []RejectedRecord          `json:"rejected,omitempty"`
	Error            string                    `json:"error,omitempty"`
	CursorAdvancedTo *time.Time                `json:"cursor_advanced_to,omitempty"`
	StartedAt        time.Time                 `json:"started_at"`
	Duration         time.Duration             `json:"duration"`
}

// Clean reports whether the run completed with nothing skipped or rejected.
func (s *RunSummary) Clean() bool {
	return s.Status == StatusSuccess && len(s.Skipped) == 0 && len(s.Rejected) == 0
}

// Options tunes a sync run.
type Options struct {
	// LookbackDays bounds the first fetch when an account has no cursor.
	LookbackDays int
	// ChunkSize is the number of entries per insert request.
	ChunkSize int
	// CategoryReplacements maps custom Monzo category codes to names.
	CategoryReplacements map[string]string
}

// Engine runs the sync pipeline for one account at a time.
type Engine struct {
	store     Store
	source    Source
	sink      Sink
	publisher Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
	opts      Options
}

// NewEngine creates a sync engine with explicit dependencies. publisher and
// m may be nil; events and metrics are then skipped.
func NewEngine(store Store, source Source, sink Sink, publisher Publisher, m *metrics.Metrics, logger *slog.Logger, opts Options) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.LookbackDays <= 0 {
		opts.LookbackDays = 30
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 1
	}
	return &Engine{
		store:     store,
		source:    source,
		sink:      sink,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
		opts:      opts,
	}
}

// Run executes one sync pass for the account. The returned summary is always
// non-nil and is persisted and published even when the run fails; the error
// is non-nil only when the pipeline could not complete (transient source or
// sink failure after retries). Per-record skips and rejections surface as a
// partial status, not an error.
func (e *Engine) Run(ctx context.Context, accountID string) (*RunSummary, error) {
	started := time.Now().UTC()
	summary := &RunSummary{
		RunID:     uuid.New(),
		AccountID: accountID,
		Status:    StatusSuccess,
		StartedAt: started,
	}

	err := e.run(ctx, accountID, summary)
	if err != nil {
		summary.Status = StatusFailed
		summary.Error = err.Error()
	} else if len(summary.Skipped) > 0 || len(summary.Rejected) > 0 {
		summary.Status = StatusPartial
	}
	summary.Duration = time.Since(started)

	e.finish(ctx, summary)
	return summary, err
}

func (e *Engine) run(ctx context.Context, accountID string, summary *RunSummary) error {
	account, err := e.store.GetAccount(ctx, accountID)
	if err != nil {
		return fmt.Errorf("failed to load account %s: %w", accountID, err)
	}

	since := fetchSince(account, e.opts.LookbackDays)
	e.logger.InfoContext(ctx, "starting sync run",
		"run_id", summary.RunID,
		"account_id", accountID,
		"account", account.Name,
		"since", since,
	)

	raw, err := e.source.ListTransactions(ctx, monzo.ListTransactionsParams{
		AccountID:   accountID,
		AccountName: account.Name,
		Since:       since,
	})
	if err != nil {
		return fmt.Errorf("failed to fetch transactions: %w", err)
	}
	summary.Fetched = len(raw)
	if e.metrics != nil {
		e.metrics.RecordTransactionsFetched(account.Name, len(raw))
	}

	opts, err := e.planOptions(ctx, account)
	if err != nil {
		return err
	}

	digests, err := e.store.ListEntryDigests(ctx, accountID)
	if err != nil {
		return fmt.Errorf("failed to load entry digests: %w", err)
	}

	plan := reconcile.Build(raw, digests, opts)
	summary.Unchanged = plan.Unchanged
	summary.Skipped = plan.Skipped

	if e.metrics != nil && len(raw) > 0 {
		e.metrics.RecordDeduplicationRatio(account.Name,
			float64(plan.Unchanged)/float64(len(raw)))
	}

	// Shadow ledger first: every normalized entry lands locally before any
	// destination write, so a crash mid-push is recoverable.
	for _, entry := range plan.Entries {
		if _, err := e.store.UpsertEntry(ctx, entry); err != nil {
			return fmt.Errorf("failed to persist entry %s: %w", entry.MonzoID, err)
		}
	}

	if err := e.pushNew(ctx, account, plan.New, summary); err != nil {
		return err
	}
	if err := e.pushChanged(ctx, account, plan.Changed, summary); err != nil {
		return err
	}

	// All writes confirmed (or permanently rejected); the cursor may move.
	if !plan.MaxTimestamp.IsZero() {
		if err := e.store.AdvanceCursor(ctx, accountID, plan.MaxTimestamp); err != nil {
			return fmt.Errorf("failed to advance cursor: %w", err)
		}
		ts := plan.MaxTimestamp
		summary.CursorAdvancedTo = &ts
		if e.metrics != nil {
			e.metrics.RecordCursorAdvanced(account.Name)
		}
	}

	return nil
}

// planOptions assembles the per-account lookup tables the planner needs.
func (e *Engine) planOptions(ctx context.Context, account *db.Account) (reconcile.Options, error) {
	opts := reconcile.Options{
		BaseCurrency:         account.Currency,
		AssetID:              account.AssetID,
		CategoryReplacements: e.opts.CategoryReplacements,
	}

	categories, err := e.sink.ListCategories(ctx)
	if err != nil {
		return opts, fmt.Errorf("failed to fetch destination categories: %w", err)
	}
	opts.CategoryIDs = make(map[string]int64, len(categories))
	for _, c := range categories {
		opts.CategoryIDs[c.Name] = c.ID
	}

	pots, err := e.source.ListPots(ctx, account.AccountID)
	if err != nil {
		// Pot names only affect display labels; sync on without them.
		e.logger.WarnContext(ctx, "failed to fetch pots, syncing without pot names",
			"account_id", account.AccountID,
			"error", err,
		)
	} else {
		opts.PotNames = make(map[string]string, len(pots))
		for _, p := range pots {
			opts.PotNames[p.ID] = p.Name
		}
	}

	return opts, nil
}

// pushNew inserts new entries into the destination in chunks. A rejected
// chunk is reported per-entry and does not stop the rest of the batch; a
// transient failure aborts so the cursor stays behind the failed write.
func (e *Engine) pushNew(ctx context.Context, account *db.Account, entries []reconcile.LedgerEntry, summary *RunSummary) error {
	for start := 0; start < len(entries); start += e.opts.ChunkSize {
		end := start + e.opts.ChunkSize
		if end > len(entries) {
			end = len(entries)
		}
		chunk := entries[start:end]

		payload := make([]lunchmoney.InsertTransaction, len(chunk))
		for i, entry := range chunk {
			payload[i] = InsertFromEntry(entry)
		}

		ids, err := e.sink.InsertTransactions(ctx, payload)
		var rejected *lunchmoney.RejectedError
		switch {
		case errors.As(err, &rejected):
			for _, entry := range chunk {
				summary.Rejected = append(summary.Rejected, RejectedRecord{
					MonzoID: entry.MonzoID,
					Reason:  rejected.Error(),
				})
			}
			e.logger.WarnContext(ctx, "destination rejected chunk",
				"account", account.Name,
				"count", len(chunk),
				"error", rejected,
			)
			continue
		case err != nil:
			return fmt.Errorf("failed to insert entries: %w", err)
		}

		summary.New += len(chunk)
		events := make([]*natspkg.EntryEvent, 0, len(chunk))
		for i, entry := range chunk {
			var lmID *int64
			if i < len(ids) {
				if err := e.store.SetEntryLunchMoneyID(ctx, entry.MonzoID, ids[i]); err != nil {
					return fmt.Errorf("failed to record destination id for %s: %w", entry.MonzoID, err)
				}
				id := ids[i]
				lmID = &id
			}
			events = append(events, natspkg.FromLedgerEntry(entry, lmID, "created"))
		}
		e.publishEntryBatch(ctx, events)
		if e.metrics != nil {
			e.metrics.RecordEntriesWritten(account.Name, len(chunk))
		}
	}
	return nil
}

// pushChanged applies mutable-field updates for entries whose content
// changed since they were last pushed. The pushed hash moves only after the
// PUT is confirmed, so a transiently failed update stays planned as changed
// on the next run.
func (e *Engine) pushChanged(ctx context.Context, account *db.Account, changed []reconcile.ChangedEntry, summary *RunSummary) error {
	for _, c := range changed {
		err := e.sink.UpdateTransaction(ctx, c.LunchMoneyID, UpdateFromEntry(c.Entry))
		var rejected *lunchmoney.RejectedError
		switch {
		case errors.As(err, &rejected):
			summary.Rejected = append(summary.Rejected, RejectedRecord{
				MonzoID: c.Entry.MonzoID,
				Reason:  rejected.Error(),
			})
			continue
		case err != nil:
			return fmt.Errorf("failed to update entry %s: %w", c.Entry.MonzoID, err)
		}

		if err := e.store.MarkEntryPushed(ctx, c.Entry.MonzoID, c.Entry.Hash); err != nil {
			return fmt.Errorf("failed to record pushed hash for %s: %w", c.Entry.MonzoID, err)
		}

		summary.Updated++
		id := c.LunchMoneyID
		e.publishEntry(ctx, c.Entry, &id, "updated")
		if e.metrics != nil {
			e.metrics.RecordEntriesUpdated(account.Name, 1)
		}
	}
	return nil
}

func (e *Engine) publishEntry(ctx context.Context, entry reconcile.LedgerEntry, lunchMoneyID *int64, action string) {
	if e.publisher == nil {
		return
	}
	event := natspkg.FromLedgerEntry(entry, lunchMoneyID, action)
	if err := e.publisher.PublishEntry(ctx, event); err != nil {
		e.logger.WarnContext(ctx, "failed to publish entry event",
			"monzo_id", entry.MonzoID,
			"error", err,
		)
	}
}

func (e *Engine) publishEntryBatch(ctx context.Context, events []*natspkg.EntryEvent) {
	if e.publisher == nil || len(events) == 0 {
		return
	}
	if err := e.publisher.PublishEntryBatch(ctx, events); err != nil {
		e.logger.WarnContext(ctx, "failed to publish entry event batch",
			"count", len(events),
			"error", err,
		)
	}
}

// finish persists and publishes the run summary. Failures here are logged,
// not returned; the summary is advisory and must not mask the run outcome.
func (e *Engine) finish(ctx context.Context, summary *RunSummary) {
	if e.metrics != nil {
		e.metrics.RecordSyncRun(summary.AccountID, summary.Status, summary.Duration.Seconds())
		byReason := make(map[string]int)
		for _, s := range summary.Skipped {
			byReason[s.Reason]++
		}
		for reason, count := range byReason {
			e.metrics.RecordEntriesSkipped(summary.AccountID, reason, count)
		}
	}

	e.logger.InfoContext(ctx, "sync run finished",
		"run_id", summary.RunID,
		"account_id", summary.AccountID,
		"status", summary.Status,
		"fetched", summary.Fetched,
		"new", summary.New,
		"updated", summary.Updated,
		"unchanged", summary.Unchanged,
		"skipped", len(summary.Skipped),
		"rejected", len(summary.Rejected),
		"duration", summary.Duration,
	)
	for _, s := range summary.Skipped {
		e.logger.WarnContext(ctx, "record skipped", "monzo_id", s.MonzoID, "reason", s.Reason)
	}
	for _, r := range summary.Rejected {
		e.logger.WarnContext(ctx, "record rejected", "monzo_id", r.MonzoID, "reason", r.Reason)
	}

	err := e.store.RecordSyncRun(ctx, db.RecordSyncRunParams{
		RunID:            summary.RunID,
		AccountID:        summary.AccountID,
		Status:           summary.Status,
		Fetched:          int32(summary.Fetched),
		NewEntries:       int32(summary.New),
		UpdatedEntries:   int32(summary.Updated),
		UnchangedEntries: int32(summary.Unchanged),
		Skipped:          summary.Skipped,
		Error:            summary.Error,
		CursorAdvancedTo: summary.CursorAdvancedTo,
		StartedAt:        summary.StartedAt,
		Duration:         summary.Duration,
	})
	if err != nil {
		e.logger.ErrorContext(ctx, "failed to persist run summary",
			"run_id", summary.RunID,
			"error", err,
		)
	}

	if e.publisher != nil {
		event := &natspkg.RunSummaryEvent{
			RunID:            summary.RunID,
			AccountID:        summary.AccountID,
			Status:           summary.Status,
			Fetched:          summary.Fetched,
			NewEntries:       summary.New,
			UpdatedEntries:   summary.Updated,
			UnchangedEntries: summary.Unchanged,
			Skipped:          summary.Skipped,
			Error:            summary.Error,
			CursorAdvancedTo: summary.CursorAdvancedTo,
			StartedAt:        summary.StartedAt,
			Duration:         summary.Duration,
			PublishedAt:      time.Now().UTC(),
		}
		if err := e.publisher.PublishRunSummary(ctx, event); err != nil {
			e.logger.ErrorContext(ctx, "failed to publish run summary",
				"run_id", summary.RunID,
				"error", err,
			)
		}
	}
}

// fetchSince picks the fetch window start: the stored cursor, or the
// lookback bound on a first run.
func fetchSince(account *db.Account, lookbackDays int) time.Time {
	if account.Cursor != nil {
		return *account.Cursor
	}
	return time.Now().UTC().AddDate(0, 0, -lookbackDays)
}

// InsertFromEntry maps a normalized entry to the destination insert payload.
func InsertFromEntry(e reconcile.LedgerEntry) lunchmoney.InsertTransaction {
	return lunchmoney.InsertTransaction{
		Date:       e.Date,
		Payee:      e.Payee,
		Amount:     e.Amount,
		CategoryID: e.CategoryID,
		Notes:      e.Notes,
		AssetID:    e.AssetID,
		Currency:   e.Currency,
		Tags:       e.Tags,
		ExternalID: e.MonzoID,
	}
}

// UpdateFromEntry maps a normalized entry to a mutable-fields-only patch.
func UpdateFromEntry(e reconcile.LedgerEntry) lunchmoney.UpdateTransaction {
	payee := e.Payee
	notes := e.Notes
	return lunchmoney.UpdateTransaction{
		Payee:      &payee,
		CategoryID: e.CategoryID,
		Notes:      &notes,
		Tags:       e.Tags,
	}
}
