package monzo

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransactionUnmarshal_ExpandedMerchant(t *testing.T) {
	raw := `{
		"id": "tx_1",
		"created": "2025-06-01T10:00:00Z",
		"amount": -500,
		"merchant": {"id": "merch_1", "name": "Big Supermarket", "category": "groceries"},
		"metadata": {"suggested_tags": "#food weekly shop"},
		"settled": "2025-06-02T00:00:00Z"
	}`

	var txn Transaction
	require.NoError(t, json.Unmarshal([]byte(raw), &txn))

	require.NotNil(t, txn.Merchant)
	assert.Equal(t, "Big Supermarket", txn.Merchant.Name)
	assert.Equal(t, "#food weekly shop", txn.Metadata.SuggestedTags)
	require.NotNil(t, txn.Amount)
	assert.Equal(t, int64(-500), *txn.Amount)
	require.NotNil(t, txn.Settled)
}

func TestTransactionUnmarshal_MerchantID(t *testing.T) {
	raw := `{"id": "tx_1", "created": "2025-06-01T10:00:00Z", "merchant": "merch_1"}`

	var txn Transaction
	require.NoError(t, json.Unmarshal([]byte(raw), &txn))

	require.NotNil(t, txn.Merchant)
	assert.Equal(t, "merch_1", txn.Merchant.ID)
	assert.Empty(t, txn.Merchant.Name)
}

func TestTransactionUnmarshal_NullFields(t *testing.T) {
	raw := `{"id": "tx_1", "created": "2025-06-01T10:00:00Z", "amount": null, "merchant": null, "settled": ""}`

	var txn Transaction
	require.NoError(t, json.Unmarshal([]byte(raw), &txn))

	assert.Nil(t, txn.Amount)
	assert.Nil(t, txn.Merchant)
	assert.Nil(t, txn.Settled)
}

func TestDeclined(t *testing.T) {
	assert.False(t, (&Transaction{}).Declined())
	assert.True(t, (&Transaction{DeclineReason: "INSUFFICIENT_FUNDS"}).Declined())
}
