package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegister_Success(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "/api/v1/accounts", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]interface{}
		err := json.NewDecoder(r.Body).Decode(&body)
		require.NoError(t, err)

		assert.Equal(t, "acc_00009ABC", body["account_id"])
		assert.Equal(t, "main", body["kind"])
		assert.Equal(t, "30m0s", body["sync_interval"])

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"account_id":    "acc_00009ABC",
			"name":          "main",
			"kind":          "main",
			"currency":      "GBP",
			"asset_id":      42,
			"sync_interval": "30m0s",
			"status":        "active",
			"created_at":    now,
			"updated_at":    now,
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	account, err := client.Register(context.Background(), RegisterParams{
		AccountID:    "acc_00009ABC",
		Name:         "main",
		Kind:         "main",
		Currency:     "GBP",
		AssetID:      42,
		SyncInterval: 30 * time.Minute,
	})
	require.NoError(t, err)
	assert.Equal(t, "acc_00009ABC", account.AccountID)
	assert.Equal(t, 30*time.Minute, account.SyncInterval)
	assert.Equal(t, "active", account.Status)
}

func TestRegister_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{
			"error": "invalid account_id format",
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	_, err := client.Register(context.Background(), RegisterParams{AccountID: "nope", Name: "main", Kind: "main", AssetID: 42})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid account_id format")
}

func TestUnregister_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "DELETE", r.Method)
		assert.Equal(t, "/api/v1/accounts/acc_00009ABC", r.URL.Path)

		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	err := client.Unregister(context.Background(), "acc_00009ABC")
	assert.NoError(t, err)
}

func TestUnregister_NotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{
			"error": "account not found",
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	err := client.Unregister(context.Background(), "acc_00009XXX")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "account not found")
}

func TestGet_Success(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	cursor := now.Add(-time.Hour)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "GET", r.Method)
		assert.Equal(t, "/api/v1/accounts/acc_00009ABC", r.URL.Path)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"account_id":    "acc_00009ABC",
			"name":          "main",
			"kind":          "main",
			"currency":      "GBP",
			"asset_id":      42,
			"cursor":        cursor,
			"sync_interval": "1h0m0s",
			"status":        "active",
			"created_at":    now,
			"updated_at":    now,
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	account, err := client.Get(context.Background(), "acc_00009ABC")
	require.NoError(t, err)
	assert.Equal(t, time.Hour, account.SyncInterval)
	require.NotNil(t, account.Cursor)
	assert.True(t, account.Cursor.Equal(cursor))
}

func TestList_Success(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/accounts", r.URL.Path)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"accounts": []map[string]interface{}{
				{
					"account_id":    "acc_00009ABC",
					"name":          "main",
					"kind":          "main",
					"currency":      "GBP",
					"asset_id":      42,
					"sync_interval": "1h0m0s",
					"status":        "active",
					"created_at":    now,
					"updated_at":    now,
				},
				{
					"account_id":    "acc_00009DEF",
					"name":          "joint",
					"kind":          "joint",
					"currency":      "GBP",
					"asset_id":      43,
					"sync_interval": "30m0s",
					"status":        "paused",
					"created_at":    now,
					"updated_at":    now,
				},
			},
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	accounts, err := client.List(context.Background())
	require.NoError(t, err)
	require.Len(t, accounts, 2)
	assert.Equal(t, "acc_00009ABC", accounts[0].AccountID)
	assert.Equal(t, "paused", accounts[1].Status)
}

func TestTriggerSync_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "/api/v1/accounts/acc_00009ABC/sync", r.URL.Path)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{
			"account_id":  "acc_00009ABC",
			"workflow_id": "sync-account-acc_00009ABC-manual",
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	workflowID, err := client.TriggerSync(context.Background(), "acc_00009ABC")
	require.NoError(t, err)
	assert.Equal(t, "sync-account-acc_00009ABC-manual", workflowID)
}

func TestListRuns_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/accounts/acc_00009ABC/runs", r.URL.Path)
		assert.Equal(t, "5", r.URL.Query().Get("limit"))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"runs": []map[string]interface{}{
				{
					"run_id":      "7b9e7e6e-64f6-4f7e-9c5c-3f2f1a2b3c4d",
					"account_id":  "acc_00009ABC",
					"status":      "partial",
					"fetched":     10,
					"new_entries": 8,
					"skipped": []map[string]string{
						{"monzo_id": "tx_x", "reason": "missing amount"},
					},
					"started_at":  time.Now().UTC(),
					"duration_ms": 1500,
				},
			},
			"count": 1,
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	runs, err := client.ListRuns(context.Background(), "acc_00009ABC", 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "partial", runs[0].Status)
	assert.Equal(t, int32(8), runs[0].NewEntries)
	require.Len(t, runs[0].Skipped, 1)
	assert.Equal(t, "missing amount", runs[0].Skipped[0].Reason)
}

func TestListEntries_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/entries", r.URL.Path)
		assert.Equal(t, "acc_00009ABC", r.URL.Query().Get("account_id"))
		assert.Equal(t, "10", r.URL.Query().Get("limit"))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"entries": []map[string]interface{}{
				{
					"monzo_id":   "tx_1",
					"account_id": "acc_00009ABC",
					"source":     "main",
					"date":       "2024-03-01",
					"payee":      "Tesco",
					"amount":     "5.50",
					"currency":   "gbp",
				},
			},
			"count": 1,
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	entries, err := client.ListEntries(context.Background(), "acc_00009ABC", ListEntriesParams{Limit: 10})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "Tesco", entries[0].Payee)
	assert.Equal(t, "5.50", entries[0].Amount)
}
