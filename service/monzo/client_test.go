package monzo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient(srv.URL, "test-token", srv.Client(), nil, nil)
	return c, srv
}

func TestListTransactions(t *testing.T) {
	created1 := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	created2 := time.Date(2025, 6, 2, 11, 30, 0, 0, time.UTC)
	amount1 := int64(-500)
	amount2 := int64(-300)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/transactions", r.URL.Path)
		require.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		require.Equal(t, "acc_123", r.URL.Query().Get("account_id"))
		require.Equal(t, "merchant", r.URL.Query().Get("expand[]"))

		resp := map[string]any{
			"transactions": []map[string]any{
				{
					"id":             "tx_2",
					"created":        created2,
					"description":    "COFFEE SHOP",
					"amount":         amount2,
					"currency":       "GBP",
					"local_amount":   amount2,
					"local_currency": "GBP",
					"category":       "eating_out",
					"account_id":     "acc_123",
				},
				{
					"id":             "tx_1",
					"created":        created1,
					"description":    "SUPERMARKET",
					"amount":         amount1,
					"currency":       "GBP",
					"local_amount":   amount1,
					"local_currency": "GBP",
					"category":       "groceries",
					"account_id":     "acc_123",
					"merchant": map[string]any{
						"id":   "merch_1",
						"name": "Big Supermarket",
					},
				},
			},
		}
		json.NewEncoder(w).Encode(resp)
	})

	client, _ := newTestClient(t, handler)

	txns, err := client.ListTransactions(context.Background(), ListTransactionsParams{
		AccountID:   "acc_123",
		AccountName: "Personal",
		Since:       created1.Add(-time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, txns, 2)

	// Ascending by creation time regardless of API ordering.
	assert.Equal(t, "tx_1", txns[0].ID)
	assert.Equal(t, "tx_2", txns[1].ID)

	assert.Equal(t, "Personal", txns[0].Source)
	require.NotNil(t, txns[0].Merchant)
	assert.Equal(t, "Big Supermarket", txns[0].Merchant.Name)
	require.NotNil(t, txns[0].Amount)
	assert.Equal(t, int64(-500), *txns[0].Amount)
	assert.Nil(t, txns[1].Merchant)
}

func TestListTransactions_Pagination(t *testing.T) {
	var calls atomic.Int32

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := calls.Add(1)

		txns := make([]map[string]any, 0, pageSize)
		switch call {
		case 1:
			// Full first page forces a second request.
			for i := 0; i < pageSize; i++ {
				amt := int64(-100)
				txns = append(txns, map[string]any{
					"id":      fmt.Sprintf("tx_%03d", i),
					"created": time.Date(2025, 6, 1, 0, i/60, i%60, 0, time.UTC),
					"amount":  amt,
				})
			}
		case 2:
			// Second page keyed on last object ID from page one.
			require.Equal(t, fmt.Sprintf("tx_%03d", pageSize-1), r.URL.Query().Get("since"))
			amt := int64(-200)
			txns = append(txns, map[string]any{
				"id":      "tx_final",
				"created": time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC),
				"amount":  amt,
			})
		}
		json.NewEncoder(w).Encode(map[string]any{"transactions": txns})
	})

	client, _ := newTestClient(t, handler)

	txns, err := client.ListTransactions(context.Background(), ListTransactionsParams{
		AccountID: "acc_123",
		Since:     time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.Len(t, txns, pageSize+1)
	assert.Equal(t, "tx_final", txns[len(txns)-1].ID)
}

func TestListTransactions_RetriesOnServerError(t *testing.T) {
	var calls atomic.Int32

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"transactions": []any{}})
	})

	client, _ := newTestClient(t, handler)

	_, err := client.ListTransactions(context.Background(), ListTransactionsParams{
		AccountID: "acc_123",
		Since:     time.Now().Add(-time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestListTransactions_UnavailableAfterRetries(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	client, _ := newTestClient(t, handler)

	_, err := client.ListTransactions(context.Background(), ListTransactionsParams{
		AccountID: "acc_123",
		Since:     time.Now().Add(-time.Hour),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestListTransactions_AuthRejectedNotRetried(t *testing.T) {
	var calls atomic.Int32

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	})

	client, _ := newTestClient(t, handler)

	_, err := client.ListTransactions(context.Background(), ListTransactionsParams{
		AccountID: "acc_123",
		Since:     time.Now().Add(-time.Hour),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, int32(1), calls.Load())
}

func TestListAccounts_FiltersClosed(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/accounts", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"accounts": []map[string]any{
				{"id": "acc_open", "description": "Personal", "currency": "GBP", "closed": false},
				{"id": "acc_closed", "description": "Old", "currency": "GBP", "closed": true},
			},
		})
	})

	client, _ := newTestClient(t, handler)

	accounts, err := client.ListAccounts(context.Background())
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, "acc_open", accounts[0].ID)
}

func TestListPots_FiltersDeleted(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/pots", r.URL.Path)
		require.Equal(t, "acc_123", r.URL.Query().Get("current_account_id"))
		json.NewEncoder(w).Encode(map[string]any{
			"pots": []map[string]any{
				{"id": "pot_1", "name": "Holiday", "deleted": false},
				{"id": "pot_2", "name": "Gone", "deleted": true},
			},
		})
	})

	client, _ := newTestClient(t, handler)

	pots, err := client.ListPots(context.Background(), "acc_123")
	require.NoError(t, err)
	require.Len(t, pots, 1)
	assert.Equal(t, "Holiday", pots[0].Name)
}
