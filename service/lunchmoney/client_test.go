package lunchmoney

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "test-token", srv.Client(), nil, nil)
}

func TestInsertTransactions(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/transactions", r.URL.Path)
		require.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))

		var req struct {
			Transactions []map[string]any `json:"transactions"`
			ApplyRules   bool             `json:"apply_rules"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Transactions, 2)
		assert.True(t, req.ApplyRules)
		assert.Equal(t, "tx_1", req.Transactions[0]["external_id"])

		json.NewEncoder(w).Encode(map[string]any{"ids": []int64{101, 102}})
	})

	client := newTestClient(t, handler)

	catID := int64(7)
	ids, err := client.InsertTransactions(context.Background(), []InsertTransaction{
		{
			Date:       "2025-06-01",
			Payee:      "Big Supermarket",
			Amount:     decimal.RequireFromString("5.00"),
			CategoryID: &catID,
			Currency:   "gbp",
			ExternalID: "tx_1",
			AssetID:    3,
		},
		{
			Date:       "2025-06-02",
			Payee:      "Coffee Shop",
			Amount:     decimal.RequireFromString("3.00"),
			Currency:   "gbp",
			ExternalID: "tx_2",
			AssetID:    3,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{101, 102}, ids)
}

func TestInsertTransactions_Empty(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected for empty batch")
	}))

	ids, err := client.InsertTransactions(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, ids)
}

func TestInsertTransactions_ErrorBody(t *testing.T) {
	// Lunch Money can return 200 with an error payload.
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"error": []string{"Transaction 0 is missing a date"},
		})
	})

	client := newTestClient(t, handler)

	_, err := client.InsertTransactions(context.Background(), []InsertTransaction{
		{ExternalID: "tx_bad"},
	})
	require.Error(t, err)

	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Contains(t, rejected.Messages[0], "missing a date")
}

func TestInsertTransactions_ValidationRejectedNotRetried(t *testing.T) {
	var calls atomic.Int32

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]any{"error": "amount is invalid"})
	})

	client := newTestClient(t, handler)

	_, err := client.InsertTransactions(context.Background(), []InsertTransaction{
		{ExternalID: "tx_bad"},
	})
	require.Error(t, err)

	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, http.StatusUnprocessableEntity, rejected.StatusCode)
	assert.Equal(t, []string{"amount is invalid"}, rejected.Messages)
	assert.Equal(t, int32(1), calls.Load())
}

func TestInsertTransactions_RetriesOnServerError(t *testing.T) {
	var calls atomic.Int32

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"ids": []int64{55}})
	})

	client := newTestClient(t, handler)

	ids, err := client.InsertTransactions(context.Background(), []InsertTransaction{
		{Date: "2025-06-01", Amount: decimal.RequireFromString("1.00"), ExternalID: "tx_1"},
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{55}, ids)
	assert.Equal(t, int32(2), calls.Load())
}

func TestInsertTransactions_UnavailableAfterRetries(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	client := newTestClient(t, handler)

	_, err := client.InsertTransactions(context.Background(), []InsertTransaction{
		{Date: "2025-06-01", Amount: decimal.RequireFromString("1.00"), ExternalID: "tx_1"},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestUpdateTransaction(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		require.Equal(t, "/transactions/101", r.URL.Path)

		var req struct {
			Transaction map[string]any `json:"transaction"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, float64(9), req.Transaction["category_id"])
		// Immutable fields must never appear in the patch.
		assert.NotContains(t, req.Transaction, "amount")
		assert.NotContains(t, req.Transaction, "external_id")

		json.NewEncoder(w).Encode(map[string]any{"updated": true})
	})

	client := newTestClient(t, handler)

	catID := int64(9)
	err := client.UpdateTransaction(context.Background(), 101, UpdateTransaction{
		CategoryID: &catID,
	})
	require.NoError(t, err)
}

func TestListCategories(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/categories", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"categories": []map[string]any{
				{"id": 7, "name": "Groceries"},
				{"id": 8, "name": "Eating Out"},
			},
		})
	})

	client := newTestClient(t, handler)

	cats, err := client.ListCategories(context.Background())
	require.NoError(t, err)
	require.Len(t, cats, 2)
	assert.Equal(t, int64(7), cats[0].ID)
	assert.Equal(t, "Groceries", cats[0].Name)
}

func TestListAssets(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/assets", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"assets": []map[string]any{
				{"id": 3, "display_name": "Monzo Personal", "currency": "gbp"},
			},
		})
	})

	client := newTestClient(t, handler)

	assets, err := client.ListAssets(context.Background())
	require.NoError(t, err)
	require.Len(t, assets, 1)
	assert.Equal(t, "Monzo Personal", assets[0].DisplayName)
}
