package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/oakhurst/monzosync/service/reconcile"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("db: not found")

// Store provides database operations for the service.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store with the given database connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Account is a synced source account and the owner of its sync cursor.
// Kind distinguishes main current accounts from pots.
type Account struct {
	AccountID    string
	Name         string
	Kind         string
	Currency     string
	AssetID      int64
	Cursor       *time.Time
	SyncInterval time.Duration
	LastSyncTime *time.Time
	Status       string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// CreateAccountParams contains the parameters for registering an account.
type CreateAccountParams struct {
	AccountID    string
	Name         string
	Kind         string
	Currency     string
	AssetID      int64
	SyncInterval time.Duration
}

const accountColumns = `account_id, name, kind, currency, asset_id, cursor_ts,
	sync_interval_seconds, last_sync_time, status, created_at, updated_at`

// CreateAccount registers an account for syncing. Re-registering an existing
// account updates its mutable settings and leaves the cursor untouched.
func (s *Store) CreateAccount(ctx context.Context, params CreateAccountParams) (*Account, error) {
	if params.Kind == "" {
		params.Kind = "main"
	}
	if params.Currency == "" {
		params.Currency = "GBP"
	}
	if params.SyncInterval <= 0 {
		params.SyncInterval = time.Hour
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO accounts (account_id, name, kind, currency, asset_id, sync_interval_seconds)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (account_id) DO UPDATE SET
			name = EXCLUDED.name,
			kind = EXCLUDED.kind,
			currency = EXCLUDED.currency,
			asset_id = EXCLUDED.asset_id,
			sync_interval_seconds = EXCLUDED.sync_interval_seconds,
			status = 'active',
			updated_at = now()
		RETURNING `+accountColumns,
		params.AccountID, params.Name, params.Kind, params.Currency,
		params.AssetID, int64(params.SyncInterval.Seconds()),
	)
	return scanAccount(row)
}

// GetAccount retrieves an account by its source account ID.
func (s *Store) GetAccount(ctx context.Context, accountID string) (*Account, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE account_id = $1`, accountID)
	return scanAccount(row)
}

// ListAccounts returns all registered accounts, oldest first.
func (s *Store) ListAccounts(ctx context.Context) ([]*Account, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+accountColumns+` FROM accounts ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// SetAccountStatus updates an account's status ("active" or "paused").
func (s *Store) SetAccountStatus(ctx context.Context, accountID, status string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE accounts SET status = $2, updated_at = now() WHERE account_id = $1`,
		accountID, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteAccount removes an account and its entries.
func (s *Store) DeleteAccount(ctx context.Context, accountID string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM accounts WHERE account_id = $1`, accountID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AdvanceCursor moves the account's sync cursor forward to the given
// timestamp and stamps the last sync time. The cursor only ever moves
// forward; a stale timestamp is a no-op on the cursor.
func (s *Store) AdvanceCursor(ctx context.Context, accountID string, to time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE accounts SET
			cursor_ts = GREATEST(COALESCE(cursor_ts, 'epoch'::timestamptz), $2),
			last_sync_time = now(),
			updated_at = now()
		WHERE account_id = $1`,
		accountID, to)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanAccount(row pgx.Row) (*Account, error) {
	var a Account
	var intervalSeconds int64
	err := row.Scan(
		&a.AccountID, &a.Name, &a.Kind, &a.Currency, &a.AssetID, &a.Cursor,
		&intervalSeconds, &a.LastSyncTime, &a.Status, &a.CreatedAt, &a.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.SyncInterval = time.Duration(intervalSeconds) * time.Second
	return &a, nil
}

// Entry is a persisted ledger entry. LunchMoneyID is nil until the push to
// the destination is confirmed.
type Entry struct {
	MonzoID       string
	AccountID     string
	Source        string
	Date          string
	Timestamp     time.Time
	Payee         string
	Amount        decimal.Decimal
	Currency      string
	CategoryName  string
	CategoryID    *int64
	AssetID       int64
	Notes         string
	Tags          []string
	Declined      bool
	DeclineReason string
	Hash          string
	// PushedHash is the content hash of the last version confirmed at the
	// destination. Empty until the first confirmed push.
	PushedHash   string
	LunchMoneyID *int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

const entryColumns = `monzo_id, account_id, source, entry_date, ts, payee, amount,
	currency, category_name, category_id, asset_id, notes, tags, declined,
	decline_reason, content_hash, pushed_hash, lunch_money_id, created_at, updated_at`

// UpsertEntry inserts a normalized entry, keyed on its external reference.
// On conflict only the mutable fields are updated; amount, timestamp and the
// destination ID are immutable once written, so reprocessing a batch can
// never corrupt confirmed state.
func (s *Store) UpsertEntry(ctx context.Context, e reconcile.LedgerEntry) (*Entry, error) {
	tags := e.Tags
	if tags == nil {
		tags = []string{}
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO entries (
			monzo_id, account_id, source, entry_date, ts, payee, amount,
			currency, category_name, category_id, asset_id, notes, tags,
			declined, decline_reason, content_hash
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		ON CONFLICT (monzo_id) DO UPDATE SET
			payee = EXCLUDED.payee,
			category_name = EXCLUDED.category_name,
			category_id = EXCLUDED.category_id,
			notes = EXCLUDED.notes,
			tags = EXCLUDED.tags,
			declined = EXCLUDED.declined,
			decline_reason = EXCLUDED.decline_reason,
			content_hash = EXCLUDED.content_hash,
			updated_at = now()
		RETURNING `+entryColumns,
		e.MonzoID, e.AccountID, e.Source, e.Date, e.Timestamp, e.Payee, e.Amount,
		e.Currency, e.CategoryName, e.CategoryID, e.AssetID, e.Notes, tags,
		e.Declined, e.DeclineReason, e.Hash,
	)
	return scanEntry(row)
}

// SetEntryLunchMoneyID records the destination ID assigned to an entry after
// a confirmed insert. The stored content hash becomes the pushed hash: the
// destination now holds exactly this version.
func (s *Store) SetEntryLunchMoneyID(ctx context.Context, monzoID string, lunchMoneyID int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE entries SET lunch_money_id = $2, pushed_hash = content_hash, updated_at = now()
		WHERE monzo_id = $1`,
		monzoID, lunchMoneyID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkEntryPushed records the content hash confirmed at the destination
// after an update. Called only once the PUT succeeded, so an update that
// failed transiently is re-planned as changed on the next run.
func (s *Store) MarkEntryPushed(ctx context.Context, monzoID, hash string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE entries SET pushed_hash = $2, updated_at = now()
		WHERE monzo_id = $1`,
		monzoID, hash)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetEntry retrieves an entry by its external reference.
func (s *Store) GetEntry(ctx context.Context, monzoID string) (*Entry, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM entries WHERE monzo_id = $1`, monzoID)
	return scanEntry(row)
}

// ListEntriesParams contains pagination parameters for listing entries.
type ListEntriesParams struct {
	AccountID string
	Limit     int32
	Offset    int32
}

// ListEntries returns an account's entries, most recent first.
func (s *Store) ListEntries(ctx context.Context, params ListEntriesParams) ([]*Entry, error) {
	if params.Limit <= 0 {
		params.Limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+entryColumns+` FROM entries
		WHERE account_id = $1
		ORDER BY ts DESC
		LIMIT $2 OFFSET $3`,
		params.AccountID, params.Limit, params.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ListEntryDigests returns the digest of every persisted entry for an
// account. The digest hash is the pushed hash, not the stored content hash:
// the planner compares against what the destination actually holds, so an
// update whose PUT never completed is re-planned as changed.
func (s *Store) ListEntryDigests(ctx context.Context, accountID string) ([]reconcile.EntryDigest, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT monzo_id, pushed_hash, lunch_money_id
		FROM entries WHERE account_id = $1`,
		accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var digests []reconcile.EntryDigest
	for rows.Next() {
		var d reconcile.EntryDigest
		if err := rows.Scan(&d.MonzoID, &d.Hash, &d.LunchMoneyID); err != nil {
			return nil, err
		}
		digests = append(digests, d)
	}
	return digests, rows.Err()
}

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	err := row.Scan(
		&e.MonzoID, &e.AccountID, &e.Source, &e.Date, &e.Timestamp, &e.Payee,
		&e.Amount, &e.Currency, &e.CategoryName, &e.CategoryID, &e.AssetID,
		&e.Notes, &e.Tags, &e.Declined, &e.DeclineReason, &e.Hash,
		&e.PushedHash, &e.LunchMoneyID, &e.CreatedAt, &e.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// SyncRun is a persisted record of one sync invocation.
type SyncRun struct {
	RunID            uuid.UUID
	AccountID        string
	Status           string
	Fetched          int32
	NewEntries       int32
	UpdatedEntries   int32
	UnchangedEntries int32
	Skipped          []reconcile.SkippedRecord
	Error            string
	CursorAdvancedTo *time.Time
	StartedAt        time.Time
	Duration         time.Duration
}

// RecordSyncRunParams contains the parameters for persisting a run summary.
type RecordSyncRunParams struct {
	RunID            uuid.UUID
	AccountID        string
	Status           string
	Fetched          int32
	NewEntries       int32
	UpdatedEntries   int32
	UnchangedEntries int32
	Skipped          []reconcile.SkippedRecord
	Error            string
	CursorAdvancedTo *time.Time
	StartedAt        time.Time
	Duration         time.Duration
}

// RecordSyncRun persists the summary of a completed (or failed) run.
func (s *Store) RecordSyncRun(ctx context.Context, params RecordSyncRunParams) error {
	skipped := params.Skipped
	if skipped == nil {
		skipped = []reconcile.SkippedRecord{}
	}
	skippedJSON, err := json.Marshal(skipped)
	if err != nil {
		return fmt.Errorf("failed to marshal skipped records: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO sync_runs (
			run_id, account_id, status, fetched, new_entries, updated_entries,
			unchanged_entries, skipped, error, cursor_advanced_to, started_at,
			duration_ms
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		params.RunID, params.AccountID, params.Status, params.Fetched,
		params.NewEntries, params.UpdatedEntries, params.UnchangedEntries,
		skippedJSON, params.Error, params.CursorAdvancedTo, params.StartedAt,
		params.Duration.Milliseconds(),
	)
	return err
}

// ListSyncRuns returns an account's most recent runs, newest first.
func (s *Store) ListSyncRuns(ctx context.Context, accountID string, limit int32) ([]*SyncRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `
		SELECT run_id, account_id, status, fetched, new_entries, updated_entries,
			unchanged_entries, skipped, error, cursor_advanced_to, started_at,
			duration_ms
		FROM sync_runs
		WHERE account_id = $1
		ORDER BY started_at DESC
		LIMIT $2`,
		accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*SyncRun
	for rows.Next() {
		var r SyncRun
		var skippedJSON []byte
		var durationMS int64
		err := rows.Scan(
			&r.RunID, &r.AccountID, &r.Status, &r.Fetched, &r.NewEntries,
			&r.UpdatedEntries, &r.UnchangedEntries, &skippedJSON, &r.Error,
			&r.CursorAdvancedTo, &r.StartedAt, &durationMS,
		)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(skippedJSON, &r.Skipped); err != nil {
			return nil, fmt.Errorf("failed to unmarshal skipped records: %w", err)
		}
		r.Duration = time.Duration(durationMS) * time.Millisecond
		runs = append(runs, &r)
	}
	return runs, rows.Err()
}
