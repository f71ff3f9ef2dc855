package temporal

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
	syncpkg "github.com/oakhurst/monzosync/service/sync"
)

// SyncAccountInput contains the input parameters for a scheduled account sync.
type SyncAccountInput struct {
	AccountID    string `json:"account_id"`
	LookbackDays int    `json:"lookback_days"`
	ChunkSize    int    `json:"chunk_size"`
}

// SyncAccountResult contains the outcome of a scheduled account sync.
type SyncAccountResult struct {
	AccountID string                    `json:"account_id"`
	Status    string                    `json:"status"`
	Fetched   int                       `json:"fetched"`
	New       int                       `json:"new"`
	Updated   int                       `json:"updated"`
	Unchanged int                       `json:"unchanged"`
	Skipped   []reconcile.SkippedRecord `json:"skipped,omitempty"`
	Rejected  []syncpkg.RejectedRecord  `json:"rejected,omitempty"`
	SyncTime  time.Time                 `json:"sync_time"`
	Error     *string                   `json:"error,omitempty"`
}

// GetSyncStateInput contains parameters for the GetSyncState activity.
type GetSyncStateInput struct {
	AccountID string `json:"account_id"`
}

// GetSyncStateResult carries the account row and the digests of every entry
// already persisted for it.
type GetSyncStateResult struct {
	AccountID string                  `json:"account_id"`
	Name      string                  `json:"name"`
	Currency  string                  `json:"currency"`
	AssetID   int64                   `json:"asset_id"`
	Cursor    *time.Time              `json:"cursor,omitempty"`
	Digests   []reconcile.EntryDigest `json:"digests"`
}

// FetchTransactionsInput contains parameters for the FetchTransactions activity.
type FetchTransactionsInput struct {
	AccountID   string    `json:"account_id"`
	AccountName string    `json:"account_name"`
	Since       time.Time `json:"since"`
}

// FetchTransactionsResult contains the fetched raw transactions, ascending
// by timestamp.
type FetchTransactionsResult struct {
	Transactions []*monzo.Transaction `json:"transactions"`
}

// GetLookupsInput contains parameters for the GetLookups activity.
type GetLookupsInput struct {
	AccountID string `json:"account_id"`
}

// GetLookupsResult carries the mapping tables normalization needs.
type GetLookupsResult struct {
	CategoryIDs map[string]int64  `json:"category_ids"`
	PotNames    map[string]string `json:"pot_names"`
}

// PersistEntriesInput contains parameters for the PersistEntries activity.
type PersistEntriesInput struct {
	Entries []reconcile.LedgerEntry `json:"entries"`
}

// PersistEntriesResult contains the number of entries persisted locally.
type PersistEntriesResult struct {
	Persisted int `json:"persisted"`
}

// PushNewEntriesInput contains parameters for the PushNewEntries activity.
type PushNewEntriesInput struct {
	AccountName string                  `json:"account_name"`
	Entries     []reconcile.LedgerEntry `json:"entries"`
	ChunkSize   int                     `json:"chunk_size"`
}

// PushNewEntriesResult reports confirmed writes and permanent rejections.
type PushNewEntriesResult struct {
	Written  int                      `json:"written"`
	Rejected []syncpkg.RejectedRecord `json:"rejected,omitempty"`
}

// UpdateChangedEntriesInput contains parameters for the UpdateChangedEntries activity.
type UpdateChangedEntriesInput struct {
	AccountName string                   `json:"account_name"`
	Changed     []reconcile.ChangedEntry `json:"changed"`
}

// UpdateChangedEntriesResult reports confirmed updates and permanent rejections.
type UpdateChangedEntriesResult struct {
	Updated  int                      `json:"updated"`
	Rejected []syncpkg.RejectedRecord `json:"rejected,omitempty"`
}

// AdvanceCursorInput contains parameters for the AdvanceCursor activity.
type AdvanceCursorInput struct {
	AccountID string    `json:"account_id"`
	To        time.Time `json:"to"`
}

// RecordRunSummaryInput contains parameters for the RecordRunSummary activity.
type RecordRunSummaryInput struct {
	RunID            string                    `json:"run_id"`
	AccountID        string                    `json:"account_id"`
	Status           string                    `json:"status"`
	Fetched          int                       `json:"fetched"`
	New              int                       `json:"new"`
	Updated          int                       `json:"updated"`
	Unchanged        int                       `json:"unchanged"`
	Skipped          []reconcile.SkippedRecord `json:"skipped,omitempty"`
	Rejected         []syncpkg.RejectedRecord  `json:"rejected,omitempty"`
	Error            string                    `json:"error,omitempty"`
	CursorAdvancedTo *time.Time                `json:"cursor_advanced_to,omitempty"`
	StartedAt        time.Time                 `json:"started_at"`
	Duration         time.Duration             `json:"duration"`
}

// StoreInterface defines the database operations needed by activities.
// This allows for easy mocking in tests.
type StoreInterface interface {
	GetAccount(ctx context.Context, accountID string) (*db.Account, error)
	ListEntryDigests(ctx context.Context, accountID string) ([]reconcile.EntryDigest, error)
	UpsertEntry(ctx context.Context, e reconcile.LedgerEntry) (*db.Entry, error)
	SetEntryLunchMoneyID(ctx context.Context, monzoID string, lunchMoneyID int64) error
	MarkEntryPushed(ctx context.Context, monzoID, hash string) error
	AdvanceCursor(ctx context.Context, accountID string, to time.Time) error
	RecordSyncRun(ctx context.Context, params db.RecordSyncRunParams) error
}

// SourceInterface defines the Monzo operations needed by activities.
type SourceInterface interface {
	ListTransactions(ctx context.Context, params monzo.ListTransactionsParams) ([]*monzo.Transaction, error)
	ListPots(ctx context.Context, accountID string) ([]monzo.Pot, error)
}

// SinkInterface defines the Lunch Money operations needed by activities.
type SinkInterface interface {
	InsertTransactions(ctx context.Context, txns []lunchmoney.InsertTransaction) ([]int64, error)
	UpdateTransaction(ctx context.Context, id int64, patch lunchmoney.UpdateTransaction) error
	ListCategories(ctx context.Context) ([]lunchmoney.Category, error)
}

// PublisherInterface defines the NATS publishing operations needed by activities.
type PublisherInterface interface {
	PublishEntry(ctx context.Context, event *natspkg.EntryEvent) error
	PublishEntryBatch(ctx context.Context, events []*natspkg.EntryEvent) error
	PublishRunSummary(ctx context.Context, event *natspkg.RunSummaryEvent) error
}

// Activities holds the dependencies needed by Temporal activities.
// All dependencies are explicit.
type Activities struct {
	store     StoreInterface
	source    SourceInterface
	sink      SinkInterface
	publisher PublisherInterface
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewActivities creates a new Activities instance with explicit dependencies.
// If m is nil, no metrics will be recorded; if publisher is nil, no events
// are published.
func NewActivities(
	store StoreInterface,
	source SourceInterface,
	sink SinkInterface,
	publisher PublisherInterface,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Activities {
	if logger == nil {
		logger = slog.Default()
	}
	return &Activities{
		store:     store,
		source:    source,
		sink:      sink,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
	}
}

func (a *Activities) recordDuration(activity, account string, start time.Time) {
	if a.metrics != nil {
		a.metrics.RecordActivityDuration(activity, account, time.Since(start).Seconds())
	}
}

// GetSyncState loads the account row and the digests of its persisted
// entries.
func (a *Activities) GetSyncState(ctx context.Context, input GetSyncStateInput) (*GetSyncStateResult, error) {
	start := time.Now()
	defer a.recordDuration("GetSyncState", input.AccountID, start)

	account, err := a.store.GetAccount(ctx, input.AccountID)
	if err != nil {
		return nil, fmt.Errorf("failed to load account %s: %w", input.AccountID, err)
	}

	digests, err := a.store.ListEntryDigests(ctx, input.AccountID)
	if err != nil {
		return nil, fmt.Errorf("failed to load entry digests: %w", err)
	}

	a.logger.DebugContext(ctx, "loaded sync state",
		"account_id", input.AccountID,
		"cursor", account.Cursor,
		"digests", len(digests),
	)

	return &GetSyncStateResult{
		AccountID: account.AccountID,
		Name:      account.Name,
		Currency:  account.Currency,
		AssetID:   account.AssetID,
		Cursor:    account.Cursor,
		Digests:   digests,
	}, nil
}

// FetchTransactions pulls raw transactions from the source since the cursor.
// Transient source failures return an error so Temporal's retry policy
// applies.
func (a *Activities) FetchTransactions(ctx context.Context, input FetchTransactionsInput) (*FetchTransactionsResult, error) {
	start := time.Now()
	defer a.recordDuration("FetchTransactions", input.AccountName, start)

	txns, err := a.source.ListTransactions(ctx, monzo.ListTransactionsParams{
		AccountID:   input.AccountID,
		AccountName: input.AccountName,
		Since:       input.Since,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch transactions: %w", err)
	}

	if a.metrics != nil {
		a.metrics.RecordTransactionsFetched(input.AccountName, len(txns))
	}
	a.logger.InfoContext(ctx, "fetched transactions",
		"account_id", input.AccountID,
		"since", input.Since,
		"count", len(txns),
	)

	return &FetchTransactionsResult{Transactions: txns}, nil
}

// GetLookups fetches the destination category map and the account's pot
// names. Pot lookup failures are tolerated; categories are required.
func (a *Activities) GetLookups(ctx context.Context, input GetLookupsInput) (*GetLookupsResult, error) {
	start := time.Now()
	defer a.recordDuration("GetLookups", input.AccountID, start)

	categories, err := a.sink.ListCategories(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch destination categories: %w", err)
	}
	categoryIDs := make(map[string]int64, len(categories))
	for _, c := range categories {
		categoryIDs[c.Name] = c.ID
	}

	potNames := make(map[string]string)
	pots, err := a.source.ListPots(ctx, input.AccountID)
	if err != nil {
		a.logger.WarnContext(ctx, "failed to fetch pots, continuing without pot names",
			"account_id", input.AccountID,
			"error", err,
		)
	} else {
		for _, p := range pots {
			potNames[p.ID] = p.Name
		}
	}

	return &GetLookupsResult{CategoryIDs: categoryIDs, PotNames: potNames}, nil
}

// PersistEntries writes normalized entries to the shadow ledger. The upsert
// is keyed on the external reference, so retries are harmless.
func (a *Activities) PersistEntries(ctx context.Context, input PersistEntriesInput) (*PersistEntriesResult, error) {
	start := time.Now()
	defer a.recordDuration("PersistEntries", "", start)

	for _, entry := range input.Entries {
		if _, err := a.store.UpsertEntry(ctx, entry); err != nil {
			return nil, fmt.Errorf("failed to persist entry %s: %w", entry.MonzoID, err)
		}
	}
	return &PersistEntriesResult{Persisted: len(input.Entries)}, nil
}

// PushNewEntries inserts new entries into the destination in chunks.
// Permanent rejections are collected per entry; transient failures return an
// error so the activity is retried and, past the retry budget, fails the
// workflow without the cursor advancing.
func (a *Activities) PushNewEntries(ctx context.Context, input PushNewEntriesInput) (*PushNewEntriesResult, error) {
	start := time.Now()
	defer a.recordDuration("PushNewEntries", input.AccountName, start)

	chunkSize := input.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 1
	}

	result := &PushNewEntriesResult{}
	for s := 0; s < len(input.Entries); s += chunkSize {
		end := s + chunkSize
		if end > len(input.Entries) {
			end = len(input.Entries)
		}
		chunk := input.Entries[s:end]

		payload := make([]lunchmoney.InsertTransaction, len(chunk))
		for i, entry := range chunk {
			payload[i] = syncpkg.InsertFromEntry(entry)
		}

		ids, err := a.sink.InsertTransactions(ctx, payload)
		var rejected *lunchmoney.RejectedError
		switch {
		case errors.As(err, &rejected):
			for _, entry := range chunk {
				result.Rejected = append(result.Rejected, syncpkg.RejectedRecord{
					MonzoID: entry.MonzoID,
					Reason:  rejected.Error(),
				})
			}
			continue
		case err != nil:
			return nil, fmt.Errorf("failed to insert entries: %w", err)
		}

		result.Written += len(chunk)
		events := make([]*natspkg.EntryEvent, 0, len(chunk))
		for i, entry := range chunk {
			var lmID *int64
			if i < len(ids) {
				if err := a.store.SetEntryLunchMoneyID(ctx, entry.MonzoID, ids[i]); err != nil {
					return nil, fmt.Errorf("failed to record destination id for %s: %w", entry.MonzoID, err)
				}
				id := ids[i]
				lmID = &id
			}
			events = append(events, natspkg.FromLedgerEntry(entry, lmID, "created"))
		}
		a.publishEntryBatch(ctx, events)
		if a.metrics != nil {
			a.metrics.RecordEntriesWritten(input.AccountName, len(chunk))
		}
	}

	return result, nil
}

// UpdateChangedEntries applies mutable-field patches for entries whose
// content changed since they were last pushed. The pushed hash is recorded
// only after the destination confirms, so a transiently failed update is
// replanned on the next run.
func (a *Activities) UpdateChangedEntries(ctx context.Context, input UpdateChangedEntriesInput) (*UpdateChangedEntriesResult, error) {
	start := time.Now()
	defer a.recordDuration("UpdateChangedEntries", input.AccountName, start)

	result := &UpdateChangedEntriesResult{}
	for _, c := range input.Changed {
		err := a.sink.UpdateTransaction(ctx, c.LunchMoneyID, syncpkg.UpdateFromEntry(c.Entry))
		var rejected *lunchmoney.RejectedError
		switch {
		case errors.As(err, &rejected):
			result.Rejected = append(result.Rejected, syncpkg.RejectedRecord{
				MonzoID: c.Entry.MonzoID,
				Reason:  rejected.Error(),
			})
			continue
		case err != nil:
			return nil, fmt.Errorf("failed to update entry %s: %w", c.Entry.MonzoID, err)
		}

		if err := a.store.MarkEntryPushed(ctx, c.Entry.MonzoID, c.Entry.Hash); err != nil {
			return nil, fmt.Errorf("failed to record pushed hash for %s: %w", c.Entry.MonzoID, err)
		}

		result.Updated++
		id := c.LunchMoneyID
		a.publishEntry(ctx, c.Entry, &id, "updated")
		if a.metrics != nil {
			a.metrics.RecordEntriesUpdated(input.AccountName, 1)
		}
	}

	return result, nil
}

// AdvanceCursor moves the account cursor forward. The workflow calls this
// only after every destination write is confirmed or permanently rejected.
func (a *Activities) AdvanceCursor(ctx context.Context, input AdvanceCursorInput) error {
	start := time.Now()
	defer a.recordDuration("AdvanceCursor", input.AccountID, start)

	if err := a.store.AdvanceCursor(ctx, input.AccountID, input.To); err != nil {
		return fmt.Errorf("failed to advance cursor: %w", err)
	}
	if a.metrics != nil {
		a.metrics.RecordCursorAdvanced(input.AccountID)
	}
	a.logger.InfoContext(ctx, "cursor advanced",
		"account_id", input.AccountID,
		"to", input.To,
	)
	return nil
}

// RecordRunSummary persists the run summary and publishes it to NATS.
func (a *Activities) RecordRunSummary(ctx context.Context, input RecordRunSummaryInput) error {
	start := time.Now()
	defer a.recordDuration("RecordRunSummary", input.AccountID, start)

	runID, err := uuid.Parse(input.RunID)
	if err != nil {
		runID = uuid.New()
	}

	if a.metrics != nil {
		a.metrics.RecordSyncRun(input.AccountID, input.Status, input.Duration.Seconds())
	}

	err = a.store.RecordSyncRun(ctx, db.RecordSyncRunParams{
		RunID:            runID,
		AccountID:        input.AccountID,
		Status:           input.Status,
		Fetched:          int32(input.Fetched),
		NewEntries:       int32(input.New),
		UpdatedEntries:   int32(input.Updated),
		UnchangedEntries: int32(input.Unchanged),
		Skipped:          input.Skipped,
		Error:            input.Error,
		CursorAdvancedTo: input.CursorAdvancedTo,
		StartedAt:        input.StartedAt,
		Duration:         input.Duration,
	})
	if err != nil {
		return fmt.Errorf("failed to persist run summary: %w", err)
	}

	if a.publisher != nil {
		event := &natspkg.RunSummaryEvent{
			RunID:            runID,
			AccountID:        input.AccountID,
			Status:           input.Status,
			Fetched:          input.Fetched,
			NewEntries:       input.New,
			UpdatedEntries:   input.Updated,
			UnchangedEntries: input.Unchanged,
			Skipped:          input.Skipped,
			Error:            input.Error,
			CursorAdvancedTo: input.CursorAdvancedTo,
			StartedAt:        input.StartedAt,
			Duration:         input.Duration,
			PublishedAt:      time.Now().UTC(),
		}
		if err := a.publisher.PublishRunSummary(ctx, event); err != nil {
			// The summary row is the source of truth; events are advisory.
			a.logger.WarnContext(ctx, "failed to publish run summary",
				"run_id", runID,
				"error", err,
			)
		}
	}

	return nil
}

func (a *Activities) publishEntry(ctx context.Context, entry reconcile.LedgerEntry, lunchMoneyID *int64, action string) {
	if a.publisher == nil {
		return
	}
	event := natspkg.FromLedgerEntry(entry, lunchMoneyID, action)
	if err := a.publisher.PublishEntry(ctx, event); err != nil {
		a.logger.WarnContext(ctx, "failed to publish entry event",
			"monzo_id", entry.MonzoID,
			"error", err,
		)
	}
}

func (a *Activities) publishEntryBatch(ctx context.Context, events []*natspkg.EntryEvent) {
	if a.publisher == nil || len(events) == 0 {
		return
	}
	if err := a.publisher.PublishEntryBatch(ctx, events); err != nil {
		a.logger.WarnContext(ctx, "failed to publish entry event batch",
			"count", len(events),
			"error", err,
		)
	}
}
