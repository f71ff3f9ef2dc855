package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/oakhurst/monzosync/service/config"
	"github.com/oakhurst/monzosync/service/db"
	"github.com/oakhurst/monzosync/service/temporal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) *db.Store {
	t.Helper()

	db.SkipIfNoTestDB(t)

	ts := db.NewTestStore(t)
	t.Cleanup(ts.Close)
	ts.Cleanup(t)

	return ts.Store
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig() *config.Config {
	return &config.Config{
		DefaultSyncInterval: time.Hour,
		MinSyncInterval:     5 * time.Minute,
		LookbackDays:        30,
		PushChunkSize:       1,
	}
}

func registerBody(accountID, interval string) string {
	return fmt.Sprintf(`{"account_id":%q,"name":"main","kind":"main","currency":"gbp","asset_id":42,"sync_interval":%q}`, accountID, interval)
}

func TestRegisterAccount_CreatesTemporalSchedule(t *testing.T) {
	store := setupTestStore(t)
	scheduler := temporal.NewMockScheduler()
	handler := handleRegisterAccount(store, scheduler, testConfig(), testLogger())

	tests := []struct {
		name      string
		accountID string
		interval  string
		expected  time.Duration
	}{
		{
			name:      "creates schedule with 30m interval",
			accountID: "acc_00009AAAA",
			interval:  "30m",
			expected:  30 * time.Minute,
		},
		{
			name:      "creates schedule with 1h interval",
			accountID: "acc_00009BBBB",
			interval:  "1h",
			expected:  time.Hour,
		},
		{
			name:      "empty interval falls back to the default",
			accountID: "acc_00009CCCC",
			interval:  "",
			expected:  time.Hour,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/api/v1/accounts", strings.NewReader(registerBody(tt.accountID, tt.interval)))
			req.Header.Set("Content-Type", "application/json")

			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			assert.Equal(t, http.StatusCreated, w.Code)

			assert.True(t, scheduler.ScheduleExists(tt.accountID), "schedule should exist for account")
			interval, exists := scheduler.GetScheduleInterval(tt.accountID)
			require.True(t, exists)
			assert.Equal(t, tt.expected, interval)

			var resp accountResponse
			require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
			assert.Equal(t, tt.accountID, resp.AccountID)
			assert.Equal(t, "GBP", resp.Currency)
			assert.Equal(t, int64(42), resp.AssetID)
			assert.Nil(t, resp.Cursor)
		})
	}
}

func TestRegisterAccount_AcceptsAllKinds(t *testing.T) {
	store := setupTestStore(t)
	scheduler := temporal.NewMockScheduler()
	handler := handleRegisterAccount(store, scheduler, testConfig(), testLogger())

	kinds := map[string]string{
		"main":  "acc_0000KMAIN",
		"joint": "acc_0000KJONT",
		"pot":   "acc_0000KPOTS",
	}
	for kind, accountID := range kinds {
		t.Run(kind, func(t *testing.T) {
			body := fmt.Sprintf(`{"account_id":%q,"name":%q,"kind":%q,"currency":"gbp","asset_id":42}`, accountID, kind, kind)
			req := httptest.NewRequest("POST", "/api/v1/accounts", strings.NewReader(body))
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			assert.Equal(t, http.StatusCreated, w.Code)
			assert.True(t, scheduler.ScheduleExists(accountID))
		})
	}
}

func TestRegisterAccount_UpdateKeepsCursor(t *testing.T) {
	store := setupTestStore(t)
	scheduler := temporal.NewMockScheduler()
	handler := handleRegisterAccount(store, scheduler, testConfig(), testLogger())

	accountID := "acc_00009DDDD"
	body := registerBody(accountID, "1h")
	req := httptest.NewRequest("POST", "/api/v1/accounts", strings.NewReader(body))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)

	cursor := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.AdvanceCursor(context.Background(), accountID, cursor))

	// Re-registering changes the interval but must not reset the cursor.
	req = httptest.NewRequest("POST", "/api/v1/accounts", strings.NewReader(registerBody(accountID, "30m")))
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	interval, exists := scheduler.GetScheduleInterval(accountID)
	require.True(t, exists)
	assert.Equal(t, 30*time.Minute, interval)

	account, err := store.GetAccount(context.Background(), accountID)
	require.NoError(t, err)
	require.NotNil(t, account.Cursor)
	assert.True(t, account.Cursor.Equal(cursor))
}

func TestRegisterAccount_SchedulerFailureRollsBack(t *testing.T) {
	store := setupTestStore(t)
	scheduler := temporal.NewMockScheduler()
	scheduler.SetCreateError(fmt.Errorf("temporal service unavailable"))
	handler := handleRegisterAccount(store, scheduler, testConfig(), testLogger())

	accountID := "acc_00009EEEE"
	req := httptest.NewRequest("POST", "/api/v1/accounts", strings.NewReader(registerBody(accountID, "1h")))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)

	var errResp map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&errResp))
	assert.Contains(t, errResp["error"], "failed to create schedule")

	// The account row must not survive a failed schedule creation.
	_, err := store.GetAccount(context.Background(), accountID)
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestRegisterAccount_PathologicalInput(t *testing.T) {
	store := setupTestStore(t)
	scheduler := temporal.NewMockScheduler()
	handler := handleRegisterAccount(store, scheduler, testConfig(), testLogger())

	tests := []struct {
		name           string
		body           string
		expectedStatus int
	}{
		{
			name:           "not json",
			body:           "account_id=acc_1",
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "missing account id",
			body:           `{"name":"main","kind":"main","asset_id":42}`,
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "account id with sql fragment",
			body:           registerBody("acc_1; DROP TABLE accounts", "1h"),
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "missing kind",
			body:           `{"account_id":"acc_00009FFFF","name":"main","asset_id":42}`,
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "unknown kind",
			body:           `{"account_id":"acc_00009FFFF","name":"main","kind":"savings","asset_id":42}`,
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "missing asset id",
			body:           `{"account_id":"acc_00009FFFF","name":"main","kind":"main"}`,
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "interval below the minimum",
			body:           registerBody("acc_00009FFFF", "10s"),
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "interval not a duration",
			body:           registerBody("acc_00009FFFF", "soon"),
			expectedStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/api/v1/accounts", strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code)
		})
	}

	// None of the rejected requests may leave a schedule behind.
	assert.False(t, scheduler.ScheduleExists("acc_00009FFFF"))
}

func TestUnregisterAccount_DeletesTemporalSchedule(t *testing.T) {
	store := setupTestStore(t)
	scheduler := temporal.NewMockScheduler()
	register := handleRegisterAccount(store, scheduler, testConfig(), testLogger())
	unregister := handleUnregisterAccount(store, scheduler, testLogger())

	accountID := "acc_00009GGGG"
	req := httptest.NewRequest("POST", "/api/v1/accounts", strings.NewReader(registerBody(accountID, "1h")))
	w := httptest.NewRecorder()
	register.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)

	req = httptest.NewRequest("DELETE", "/api/v1/accounts/"+accountID, nil)
	req.SetPathValue("account_id", accountID)
	w = httptest.NewRecorder()
	unregister.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.False(t, scheduler.ScheduleExists(accountID), "schedule should be gone")

	_, err := store.GetAccount(context.Background(), accountID)
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestUnregisterAccount_NotFound(t *testing.T) {
	store := setupTestStore(t)
	scheduler := temporal.NewMockScheduler()
	handler := handleUnregisterAccount(store, scheduler, testLogger())

	req := httptest.NewRequest("DELETE", "/api/v1/accounts/acc_00009XXXX", nil)
	req.SetPathValue("account_id", "acc_00009XXXX")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPauseAndResumeAccount(t *testing.T) {
	store := setupTestStore(t)
	scheduler := temporal.NewMockScheduler()
	register := handleRegisterAccount(store, scheduler, testConfig(), testLogger())
	pause := handleSetAccountPaused(store, scheduler, true, testLogger())
	resume := handleSetAccountPaused(store, scheduler, false, testLogger())

	accountID := "acc_00009HHHH"
	req := httptest.NewRequest("POST", "/api/v1/accounts", strings.NewReader(registerBody(accountID, "1h")))
	w := httptest.NewRecorder()
	register.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)

	req = httptest.NewRequest("POST", "/api/v1/accounts/"+accountID+"/pause", nil)
	req.SetPathValue("account_id", accountID)
	w = httptest.NewRecorder()
	pause.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, scheduler.IsPaused(accountID))

	account, err := store.GetAccount(context.Background(), accountID)
	require.NoError(t, err)
	assert.Equal(t, "paused", account.Status)

	req = httptest.NewRequest("POST", "/api/v1/accounts/"+accountID+"/resume", nil)
	req.SetPathValue("account_id", accountID)
	w = httptest.NewRecorder()
	resume.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.False(t, scheduler.IsPaused(accountID))

	account, err = store.GetAccount(context.Background(), accountID)
	require.NoError(t, err)
	assert.Equal(t, "active", account.Status)
}

// fakeTrigger records on-demand sync requests.
type fakeTrigger struct {
	inputs []temporal.SyncAccountInput
	err    error
}

func (f *fakeTrigger) TriggerSync(ctx context.Context, input temporal.SyncAccountInput) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.inputs = append(f.inputs, input)
	return "sync-account-" + input.AccountID + "-manual", nil
}

func TestTriggerSync(t *testing.T) {
	store := setupTestStore(t)
	scheduler := temporal.NewMockScheduler()
	register := handleRegisterAccount(store, scheduler, testConfig(), testLogger())

	trigger := &fakeTrigger{}
	handler := handleTriggerSync(store, trigger, testConfig(), testLogger())

	accountID := "acc_00009IIII"
	req := httptest.NewRequest("POST", "/api/v1/accounts", strings.NewReader(registerBody(accountID, "1h")))
	w := httptest.NewRecorder()
	register.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)

	req = httptest.NewRequest("POST", "/api/v1/accounts/"+accountID+"/sync", nil)
	req.SetPathValue("account_id", accountID)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusAccepted, w.Code)

	var resp map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, accountID, resp["account_id"])
	assert.Contains(t, resp["workflow_id"], accountID)

	require.Len(t, trigger.inputs, 1)
	assert.Equal(t, 30, trigger.inputs[0].LookbackDays)
	assert.Equal(t, 1, trigger.inputs[0].ChunkSize)
}

func TestTriggerSync_UnknownAccount(t *testing.T) {
	store := setupTestStore(t)
	handler := handleTriggerSync(store, &fakeTrigger{}, testConfig(), testLogger())

	req := httptest.NewRequest("POST", "/api/v1/accounts/acc_00009ZZZZ/sync", nil)
	req.SetPathValue("account_id", "acc_00009ZZZZ")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListEntries_RequiresAccountID(t *testing.T) {
	store := setupTestStore(t)
	handler := handleListEntries(store, testLogger())

	req := httptest.NewRequest("GET", "/api/v1/entries", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListEntries_InvalidPagination(t *testing.T) {
	store := setupTestStore(t)
	handler := handleListEntries(store, testLogger())

	tests := []struct {
		name string
		url  string
	}{
		{name: "zero limit", url: "/api/v1/entries?account_id=acc_00009JJJJ&limit=0"},
		{name: "limit too large", url: "/api/v1/entries?account_id=acc_00009JJJJ&limit=9999"},
		{name: "negative offset", url: "/api/v1/entries?account_id=acc_00009JJJJ&offset=-1"},
		{name: "limit not a number", url: "/api/v1/entries?account_id=acc_00009JJJJ&limit=all"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", tt.url, nil)
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}
