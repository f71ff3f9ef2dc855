package temporal

import (
	"fmt"
	"time"

	"github.com/oakhurst/monzosync/service/reconcile"
	syncpkg "github.com/oakhurst/monzosync/service/sync"
	temporalsdk "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

var a *Activities // for type-safe activity invocation

// SyncAccountWorkflow syncs one account from the source to the destination
// ledger. It is triggered by a per-account Temporal schedule, or on demand
// from the API.
//
// The workflow performs these steps:
//  1. Load the account's sync state and entry digests (GetSyncState)
//  2. Fetch raw transactions since the cursor (FetchTransactions)
//  3. Fetch category and pot lookup tables (GetLookups)
//  4. Plan the reconciliation in-workflow (pure, deterministic)
//  5. Persist normalized entries to the shadow ledger (PersistEntries)
//  6. Push new entries and update changed ones (PushNewEntries,
//     UpdateChangedEntries)
//  7. Advance the cursor, only now that writes are confirmed (AdvanceCursor)
//  8. Record and publish the run summary (RecordRunSummary)
//
// Workflow ID uniqueness per account guarantees one run at a time, so two
// runs can never race on the cursor.
func SyncAccountWorkflow(ctx workflow.Context, input SyncAccountInput) (*SyncAccountResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("SyncAccountWorkflow started", "account_id", input.AccountID)

	startedAt := workflow.Now(ctx).UTC()
	result := &SyncAccountResult{
		AccountID: input.AccountID,
		Status:    syncpkg.StatusSuccess,
		SyncTime:  startedAt,
	}

	activityOptions := workflow.ActivityOptions{
		StartToCloseTimeout: 300 * time.Second,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    3,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, activityOptions)

	fail := func(step string, err error) (*SyncAccountResult, error) {
		errMsg := fmt.Sprintf("%s: %v", step, err)
		result.Status = syncpkg.StatusFailed
		result.Error = &errMsg
		recordSummary(ctx, input, result, startedAt, nil)
		return result, fmt.Errorf("%s: %w", step, err)
	}

	// Step 1: sync state.
	var state *GetSyncStateResult
	err := workflow.ExecuteActivity(ctx, a.GetSyncState, GetSyncStateInput{
		AccountID: input.AccountID,
	}).Get(ctx, &state)
	if err != nil {
		return fail("failed to load sync state", err)
	}

	// Step 2: fetch since the cursor (or the lookback bound on first run).
	lookback := input.LookbackDays
	if lookback <= 0 {
		lookback = 30
	}
	since := workflow.Now(ctx).UTC().AddDate(0, 0, -lookback)
	if state.Cursor != nil {
		since = *state.Cursor
	}

	var fetched *FetchTransactionsResult
	err = workflow.ExecuteActivity(ctx, a.FetchTransactions, FetchTransactionsInput{
		AccountID:   input.AccountID,
		AccountName: state.Name,
		Since:       since,
	}).Get(ctx, &fetched)
	if err != nil {
		return fail("failed to fetch transactions", err)
	}
	result.Fetched = len(fetched.Transactions)

	if len(fetched.Transactions) == 0 {
		logger.Info("no new transactions", "account_id", input.AccountID)
		recordSummary(ctx, input, result, startedAt, nil)
		return result, nil
	}

	// Step 3: lookup tables.
	var lookups *GetLookupsResult
	err = workflow.ExecuteActivity(ctx, a.GetLookups, GetLookupsInput{
		AccountID: input.AccountID,
	}).Get(ctx, &lookups)
	if err != nil {
		return fail("failed to fetch lookups", err)
	}

	// Step 4: plan. Pure and deterministic, so it runs in the workflow.
	plan := reconcile.Build(fetched.Transactions, state.Digests, reconcile.Options{
		BaseCurrency: state.Currency,
		AssetID:      state.AssetID,
		PotNames:     lookups.PotNames,
		CategoryIDs:  lookups.CategoryIDs,
	})
	result.Unchanged = plan.Unchanged
	result.Skipped = plan.Skipped

	logger.Info("reconciliation planned",
		"account_id", input.AccountID,
		"new", len(plan.New),
		"changed", len(plan.Changed),
		"unchanged", plan.Unchanged,
		"skipped", len(plan.Skipped),
	)

	// Step 5: shadow ledger.
	if len(plan.Entries) > 0 {
		var persisted *PersistEntriesResult
		err = workflow.ExecuteActivity(ctx, a.PersistEntries, PersistEntriesInput{
			Entries: plan.Entries,
		}).Get(ctx, &persisted)
		if err != nil {
			return fail("failed to persist entries", err)
		}
	}

	// Step 6: destination writes.
	if len(plan.New) > 0 {
		var pushed *PushNewEntriesResult
		err = workflow.ExecuteActivity(ctx, a.PushNewEntries, PushNewEntriesInput{
			AccountName: state.Name,
			Entries:     plan.New,
			ChunkSize:   input.ChunkSize,
		}).Get(ctx, &pushed)
		if err != nil {
			return fail("failed to push new entries", err)
		}
		result.New = pushed.Written
		result.Rejected = append(result.Rejected, pushed.Rejected...)
	}

	if len(plan.Changed) > 0 {
		var updated *UpdateChangedEntriesResult
		err = workflow.ExecuteActivity(ctx, a.UpdateChangedEntries, UpdateChangedEntriesInput{
			AccountName: state.Name,
			Changed:     plan.Changed,
		}).Get(ctx, &updated)
		if err != nil {
			return fail("failed to update changed entries", err)
		}
		result.Updated = updated.Updated
		result.Rejected = append(result.Rejected, updated.Rejected...)
	}

	// Step 7: with every write confirmed or permanently rejected, the
	// cursor may move.
	var cursorTo *time.Time
	if !plan.MaxTimestamp.IsZero() {
		err = workflow.ExecuteActivity(ctx, a.AdvanceCursor, AdvanceCursorInput{
			AccountID: input.AccountID,
			To:        plan.MaxTimestamp,
		}).Get(ctx, nil)
		if err != nil {
			return fail("failed to advance cursor", err)
		}
		ts := plan.MaxTimestamp
		cursorTo = &ts
	}

	if len(result.Skipped) > 0 || len(result.Rejected) > 0 {
		result.Status = syncpkg.StatusPartial
	}

	// Step 8: summary.
	recordSummary(ctx, input, result, startedAt, cursorTo)

	logger.Info("SyncAccountWorkflow finished",
		"account_id", input.AccountID,
		"status", result.Status,
		"fetched", result.Fetched,
		"new", result.New,
		"updated", result.Updated,
	)
	return result, nil
}

// recordSummary persists and publishes the run summary. Summary failures are
// logged, never allowed to change the workflow outcome.
func recordSummary(ctx workflow.Context, input SyncAccountInput, result *SyncAccountResult, startedAt time.Time, cursorTo *time.Time) {
	logger := workflow.GetLogger(ctx)

	var errMsg string
	if result.Error != nil {
		errMsg = *result.Error
	}

	summaryInput := RecordRunSummaryInput{
		RunID:            workflow.GetInfo(ctx).WorkflowExecution.RunID,
		AccountID:        input.AccountID,
		Status:           result.Status,
		Fetched:          result.Fetched,
		New:              result.New,
		Updated:          result.Updated,
		Unchanged:        result.Unchanged,
		Skipped:          result.Skipped,
		Rejected:         result.Rejected,
		Error:            errMsg,
		CursorAdvancedTo: cursorTo,
		StartedAt:        startedAt,
		Duration:         workflow.Now(ctx).Sub(startedAt),
	}

	if err := workflow.ExecuteActivity(ctx, a.RecordRunSummary, summaryInput).Get(ctx, nil); err != nil {
		logger.Warn("failed to record run summary",
			"account_id", input.AccountID,
			"error", err,
		)
	}
}
