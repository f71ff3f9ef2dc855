package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/oakhurst/monzosync/service/config"
	"github.com/oakhurst/monzosync/service/db"
	"github.com/oakhurst/monzosync/service/reconcile"
	"github.com/oakhurst/monzosync/service/temporal"
)

const (
	maxRequestBodySize = 1 << 20 // 1MB - plenty for account registration
	maxAccountIDLength = 100     // Monzo account IDs are ~30 chars, give buffer
	minSyncInterval    = 5 * time.Minute
	maxSyncInterval    = 24 * time.Hour
)

var (
	// Monzo identifiers: a short prefix, an underscore, then base62.
	validAccountIDRegex = regexp.MustCompile(`^[a-z]+_[0-9A-Za-z]+$`)
)

// handleRegisterAccount returns a handler that registers an account and
// creates a Temporal schedule for syncing it.
// POST /api/v1/accounts
func handleRegisterAccount(store *db.Store, scheduler temporal.Scheduler, cfg *config.Config, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Limit request body size to prevent memory exhaustion
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

		var req struct {
			AccountID    string `json:"account_id"`
			Name         string `json:"name"`
			Kind         string `json:"kind"` // "main" or "joint"
			Currency     string `json:"currency"`
			AssetID      int64  `json:"asset_id"`
			SyncInterval string `json:"sync_interval"`
		}

		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			logger.Debug("failed to decode register request", "error", err)
			if strings.Contains(err.Error(), "http: request body too large") {
				writeError(w, "request body too large: maximum size is 1MB", http.StatusBadRequest)
				return
			}
			writeError(w, "invalid request body: must be valid JSON", http.StatusBadRequest)
			return
		}

		if err := validateAccountID(req.AccountID); err != nil {
			logger.Debug("invalid account id", "account_id", req.AccountID, "error", err)
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		if req.Name == "" {
			writeError(w, "name is required", http.StatusBadRequest)
			return
		}

		if err := validateKind(req.Kind); err != nil {
			logger.Debug("invalid kind", "kind", req.Kind, "error", err)
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		if req.AssetID <= 0 {
			writeError(w, "asset_id is required and must be positive", http.StatusBadRequest)
			return
		}

		// Sync interval defaults from config; an explicit value must parse
		// and sit within bounds.
		syncInterval := cfg.DefaultSyncInterval
		if req.SyncInterval != "" {
			parsed, err := time.ParseDuration(req.SyncInterval)
			if err != nil {
				logger.Debug("invalid sync interval", "interval", req.SyncInterval, "error", err)
				writeError(w, "invalid sync_interval: must be a valid duration (e.g. '30m', '1h')", http.StatusBadRequest)
				return
			}
			if err := validateSyncInterval(parsed); err != nil {
				logger.Debug("invalid sync interval value", "interval", parsed, "error", err)
				writeError(w, err.Error(), http.StatusBadRequest)
				return
			}
			syncInterval = parsed
		}

		currency := strings.ToUpper(req.Currency)
		if currency == "" {
			currency = "GBP"
		}

		// An already-registered account gets its settings refreshed and its
		// schedule interval updated; the cursor is never touched.
		_, getErr := store.GetAccount(r.Context(), req.AccountID)
		isUpdate := getErr == nil
		if getErr != nil && !errors.Is(getErr, db.ErrNotFound) {
			logger.Error("failed to check account existence", "account_id", req.AccountID, "error", getErr)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		account, err := store.CreateAccount(r.Context(), db.CreateAccountParams{
			AccountID:    req.AccountID,
			Name:         req.Name,
			Kind:         req.Kind,
			Currency:     currency,
			AssetID:      req.AssetID,
			SyncInterval: syncInterval,
		})
		if err != nil {
			logger.Error("failed to create account", "account_id", req.AccountID, "error", err)
			writeError(w, "failed to register account", http.StatusInternalServerError)
			return
		}

		if isUpdate {
			if err := scheduler.UpsertAccountSchedule(r.Context(), req.AccountID, syncInterval); err != nil {
				logger.Error("failed to update schedule", "account_id", req.AccountID, "error", err)
				writeError(w, "failed to update schedule for account", http.StatusInternalServerError)
				return
			}

			logger.Info("account updated with new schedule",
				"account_id", account.AccountID,
				"name", account.Name,
				"sync_interval", account.SyncInterval,
			)
			writeJSON(w, accountToResponse(account), http.StatusOK)
			return
		}

		if err := scheduler.CreateAccountSchedule(r.Context(), req.AccountID, syncInterval); err != nil {
			logger.Error("failed to create schedule", "account_id", req.AccountID, "error", err)

			// Rollback: delete the account we just created
			if delErr := store.DeleteAccount(r.Context(), req.AccountID); delErr != nil {
				logger.Error("failed to rollback account creation", "account_id", req.AccountID, "error", delErr)
			}

			writeError(w, "failed to create schedule for account", http.StatusInternalServerError)
			return
		}

		logger.Info("account registered with schedule",
			"account_id", account.AccountID,
			"name", account.Name,
			"asset_id", account.AssetID,
			"sync_interval", account.SyncInterval,
		)
		writeJSON(w, accountToResponse(account), http.StatusCreated)
	})
}

// handleUnregisterAccount returns a handler that unregisters an account and
// deletes its Temporal schedule. The synced entries are kept.
// DELETE /api/v1/accounts/{account_id}
func handleUnregisterAccount(store *db.Store, scheduler temporal.Scheduler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accountID := r.PathValue("account_id")

		if err := validateAccountID(accountID); err != nil {
			logger.Debug("invalid account id", "account_id", accountID, "error", err)
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		if _, err := store.GetAccount(r.Context(), accountID); err != nil {
			if errors.Is(err, db.ErrNotFound) {
				writeError(w, "account not found", http.StatusNotFound)
				return
			}
			logger.Error("failed to check account existence", "account_id", accountID, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		// Delete the Temporal schedule first. If this fails, the account
		// stays registered rather than leaving an orphaned schedule.
		if err := scheduler.DeleteAccountSchedule(r.Context(), accountID); err != nil {
			logger.Error("failed to delete schedule", "account_id", accountID, "error", err)
			writeError(w, "failed to delete schedule for account", http.StatusInternalServerError)
			return
		}

		if err := store.DeleteAccount(r.Context(), accountID); err != nil {
			logger.Error("failed to delete account", "account_id", accountID, "error", err)
			writeError(w, "failed to unregister account", http.StatusInternalServerError)
			return
		}

		logger.Info("account unregistered", "account_id", accountID)
		w.WriteHeader(http.StatusNoContent)
	})
}

// handleGetAccount returns a handler that retrieves a single account.
// GET /api/v1/accounts/{account_id}
func handleGetAccount(store *db.Store, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accountID := r.PathValue("account_id")

		if err := validateAccountID(accountID); err != nil {
			logger.Debug("invalid account id", "account_id", accountID, "error", err)
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		account, err := store.GetAccount(r.Context(), accountID)
		if err != nil {
			if errors.Is(err, db.ErrNotFound) {
				writeError(w, "account not found", http.StatusNotFound)
				return
			}
			logger.Error("failed to get account", "account_id", accountID, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		writeJSON(w, accountToResponse(account), http.StatusOK)
	})
}

// handleListAccounts returns a handler that lists all registered accounts.
// GET /api/v1/accounts
func handleListAccounts(store *db.Store, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accounts, err := store.ListAccounts(r.Context())
		if err != nil {
			logger.Error("failed to list accounts", "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		logger.Debug("accounts listed", "count", len(accounts))

		resp := make([]accountResponse, len(accounts))
		for i, account := range accounts {
			resp[i] = accountToResponse(account)
		}

		writeJSON(w, map[string]interface{}{
			"accounts": resp,
		}, http.StatusOK)
	})
}

// handleSetAccountPaused returns a handler that pauses or resumes an
// account's schedule.
// POST /api/v1/accounts/{account_id}/pause
// POST /api/v1/accounts/{account_id}/resume
func handleSetAccountPaused(store *db.Store, scheduler temporal.Scheduler, pause bool, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accountID := r.PathValue("account_id")

		if err := validateAccountID(accountID); err != nil {
			logger.Debug("invalid account id", "account_id", accountID, "error", err)
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		account, err := store.GetAccount(r.Context(), accountID)
		if err != nil {
			if errors.Is(err, db.ErrNotFound) {
				writeError(w, "account not found", http.StatusNotFound)
				return
			}
			logger.Error("failed to get account", "account_id", accountID, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		status := "active"
		if pause {
			status = "paused"
			err = scheduler.PauseAccountSchedule(r.Context(), accountID)
		} else {
			err = scheduler.UnpauseAccountSchedule(r.Context(), accountID)
		}
		if err != nil {
			logger.Error("failed to change schedule state", "account_id", accountID, "paused", pause, "error", err)
			writeError(w, "failed to change schedule state", http.StatusInternalServerError)
			return
		}

		if err := store.SetAccountStatus(r.Context(), accountID, status); err != nil {
			logger.Error("failed to set account status", "account_id", accountID, "status", status, "error", err)
			writeError(w, "failed to update account status", http.StatusInternalServerError)
			return
		}

		logger.Info("account status changed", "account_id", accountID, "status", status)
		account.Status = status
		writeJSON(w, accountToResponse(account), http.StatusOK)
	})
}

// handleTriggerSync returns a handler that starts an on-demand sync for an
// account. The workflow runs on the worker; the handler only hands back the
// workflow ID.
// POST /api/v1/accounts/{account_id}/sync
func handleTriggerSync(store *db.Store, trigger SyncTrigger, cfg *config.Config, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accountID := r.PathValue("account_id")

		if err := validateAccountID(accountID); err != nil {
			logger.Debug("invalid account id", "account_id", accountID, "error", err)
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		if trigger == nil {
			writeError(w, "on-demand sync is not available", http.StatusServiceUnavailable)
			return
		}

		if _, err := store.GetAccount(r.Context(), accountID); err != nil {
			if errors.Is(err, db.ErrNotFound) {
				writeError(w, "account not found", http.StatusNotFound)
				return
			}
			logger.Error("failed to get account", "account_id", accountID, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		workflowID, err := trigger.TriggerSync(r.Context(), temporal.SyncAccountInput{
			AccountID:    accountID,
			LookbackDays: cfg.LookbackDays,
			ChunkSize:    cfg.PushChunkSize,
		})
		if err != nil {
			logger.Error("failed to trigger sync", "account_id", accountID, "error", err)
			writeError(w, "failed to start sync", http.StatusInternalServerError)
			return
		}

		logger.Info("sync triggered", "account_id", accountID, "workflow_id", workflowID)
		writeJSON(w, map[string]string{
			"account_id":  accountID,
			"workflow_id": workflowID,
		}, http.StatusAccepted)
	})
}

// handleListSyncRuns returns a handler that lists recent sync runs for an
// account, most recent first.
// GET /api/v1/accounts/{account_id}/runs?limit=N
func handleListSyncRuns(store *db.Store, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accountID := r.PathValue("account_id")

		if err := validateAccountID(accountID); err != nil {
			logger.Debug("invalid account id", "account_id", accountID, "error", err)
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		limit, err := parseBoundedInt(r.URL.Query().Get("limit"), 50, 1, 500, "limit")
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		runs, err := store.ListSyncRuns(r.Context(), accountID, int32(limit))
		if err != nil {
			logger.Error("failed to list sync runs", "account_id", accountID, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		resp := make([]syncRunResponse, len(runs))
		for i, run := range runs {
			resp[i] = syncRunToResponse(run)
		}

		writeJSON(w, map[string]interface{}{
			"runs":  resp,
			"count": len(resp),
		}, http.StatusOK)
	})
}

// handleListEntries returns a handler that lists synced ledger entries for an
// account.
// GET /api/v1/entries?account_id=ID&limit=N&offset=N
func handleListEntries(store *db.Store, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		accountID := query.Get("account_id")

		if accountID == "" {
			writeError(w, "account_id query parameter is required", http.StatusBadRequest)
			return
		}

		if err := validateAccountID(accountID); err != nil {
			logger.Debug("invalid account id", "account_id", accountID, "error", err)
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		limit, err := parseBoundedInt(query.Get("limit"), 100, 1, 1000, "limit")
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		offset, err := parseBoundedInt(query.Get("offset"), 0, 0, 1<<30, "offset")
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		entries, err := store.ListEntries(r.Context(), db.ListEntriesParams{
			AccountID: accountID,
			Limit:     int32(limit),
			Offset:    int32(offset),
		})
		if err != nil {
			logger.Error("failed to list entries", "account_id", accountID, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		logger.Debug("entries listed", "account_id", accountID, "count", len(entries))

		resp := make([]entryResponse, len(entries))
		for i, entry := range entries {
			resp[i] = entryToResponse(entry)
		}

		writeJSON(w, map[string]interface{}{
			"entries": resp,
			"count":   len(resp),
			"limit":   limit,
			"offset":  offset,
		}, http.StatusOK)
	})
}

// accountResponse is the JSON response format for an account.
type accountResponse struct {
	AccountID    string     `json:"account_id"`
	Name         string     `json:"name"`
	Kind         string     `json:"kind"`
	Currency     string     `json:"currency"`
	AssetID      int64      `json:"asset_id"`
	Cursor       *time.Time `json:"cursor,omitempty"`
	SyncInterval string     `json:"sync_interval"`
	LastSyncTime *time.Time `json:"last_sync_time,omitempty"`
	Status       string     `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// accountToResponse converts a domain Account to a response format.
func accountToResponse(a *db.Account) accountResponse {
	return accountResponse{
		AccountID:    a.AccountID,
		Name:         a.Name,
		Kind:         a.Kind,
		Currency:     a.Currency,
		AssetID:      a.AssetID,
		Cursor:       a.Cursor,
		SyncInterval: a.SyncInterval.String(),
		LastSyncTime: a.LastSyncTime,
		Status:       a.Status,
		CreatedAt:    a.CreatedAt,
		UpdatedAt:    a.UpdatedAt,
	}
}

// entryResponse is the JSON response format for a ledger entry.
type entryResponse struct {
	MonzoID       string    `json:"monzo_id"`
	AccountID     string    `json:"account_id"`
	Source        string    `json:"source"`
	Date          string    `json:"date"`
	Timestamp     time.Time `json:"timestamp"`
	Payee         string    `json:"payee"`
	Amount        string    `json:"amount"`
	Currency      string    `json:"currency"`
	CategoryName  string    `json:"category_name,omitempty"`
	CategoryID    *int64    `json:"category_id,omitempty"`
	Notes         string    `json:"notes,omitempty"`
	Tags          []string  `json:"tags,omitempty"`
	Declined      bool      `json:"declined,omitempty"`
	DeclineReason string    `json:"decline_reason,omitempty"`
	LunchMoneyID  *int64    `json:"lunch_money_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// entryToResponse converts a domain Entry to a response format.
func entryToResponse(e *db.Entry) entryResponse {
	return entryResponse{
		MonzoID:       e.MonzoID,
		AccountID:     e.AccountID,
		Source:        e.Source,
		Date:          e.Date,
		Timestamp:     e.Timestamp,
		Payee:         e.Payee,
		Amount:        e.Amount.StringFixed(2),
		Currency:      e.Currency,
		CategoryName:  e.CategoryName,
		CategoryID:    e.CategoryID,
		Notes:         e.Notes,
		Tags:          e.Tags,
		Declined:      e.Declined,
		DeclineReason: e.DeclineReason,
		LunchMoneyID:  e.LunchMoneyID,
		CreatedAt:     e.CreatedAt,
		UpdatedAt:     e.UpdatedAt,
	}
}

// syncRunResponse is the JSON response format for a sync run.
type syncRunResponse struct {
	RunID            string                    `json:"run_id"`
	AccountID        string                    `json:"account_id"`
	Status           string                    `json:"status"`
	Fetched          int32                     `json:"fetched"`
	NewEntries       int32                     `json:"new_entries"`
	UpdatedEntries   int32                     `json:"updated_entries"`
	UnchangedEntries int32                     `json:"unchanged_entries"`
	Skipped          []reconcile.SkippedRecord `json:"skipped,omitempty"`
	Error            string                    `json:"error,omitempty"`
	CursorAdvancedTo *time.Time                `json:"cursor_advanced_to,omitempty"`
	StartedAt        time.Time                 `json:"started_at"`
	DurationMS       int64                     `json:"duration_ms"`
}

// syncRunToResponse converts a domain SyncRun to a response format.
func syncRunToResponse(r *db.SyncRun) syncRunResponse {
	return syncRunResponse{
		RunID:            r.RunID.String(),
		AccountID:        r.AccountID,
		Status:           r.Status,
		Fetched:          r.Fetched,
		NewEntries:       r.NewEntries,
		UpdatedEntries:   r.UpdatedEntries,
		UnchangedEntries: r.UnchangedEntries,
		Skipped:          r.Skipped,
		Error:            r.Error,
		CursorAdvancedTo: r.CursorAdvancedTo,
		StartedAt:        r.StartedAt,
		DurationMS:       r.Duration.Milliseconds(),
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

// validateAccountID validates an account identifier for security and format.
func validateAccountID(accountID string) error {
	if accountID == "" {
		return errorf("account_id is required")
	}

	if len(accountID) > maxAccountIDLength {
		return errorf("account_id too long: maximum length is %d characters", maxAccountIDLength)
	}

	for _, r := range accountID {
		if r == 0 || unicode.IsControl(r) {
			return errorf("invalid characters in account_id: control characters not allowed")
		}
	}

	if !validAccountIDRegex.MatchString(accountID) {
		return errorf("invalid account_id format: expected a Monzo identifier like 'acc_00009ABC'")
	}

	return nil
}

// validateKind validates the account kind parameter.
func validateKind(kind string) error {
	if kind == "" {
		return errorf("kind is required")
	}

	switch kind {
	case "main", "joint", "pot":
		return nil
	}
	return errorf("invalid kind: must be 'main', 'joint' or 'pot'")
}

// validateSyncInterval validates a sync interval for reasonable bounds.
func validateSyncInterval(interval time.Duration) error {
	if interval <= 0 {
		return errorf("sync_interval must be positive")
	}

	if interval < minSyncInterval {
		return errorf("sync_interval must be at least %v", minSyncInterval)
	}

	if interval > maxSyncInterval {
		return errorf("sync_interval cannot exceed %v", maxSyncInterval)
	}

	return nil
}

// parseBoundedInt parses an optional integer query parameter with bounds.
func parseBoundedInt(raw string, def, min, max int, name string) (int, error) {
	if raw == "" {
		return def, nil
	}

	var parsed int
	if _, err := fmt.Sscanf(raw, "%d", &parsed); err != nil {
		return 0, errorf("invalid %s parameter: must be an integer", name)
	}
	if parsed < min {
		return 0, errorf("%s must be at least %d", name, min)
	}
	if parsed > max {
		return 0, errorf("%s cannot exceed %d", name, max)
	}
	return parsed, nil
}

// errorf is a helper to format error strings.
func errorf(format string, args ...interface{}) error {
	return &validationError{msg: strings.TrimSpace(fmt.Sprintf(format, args...))}
}

type validationError struct {
	msg string
}

func (e *validationError) Error() string {
	return e.msg
}
