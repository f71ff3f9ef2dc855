package lunchmoney

import (
	"github.com/shopspring/decimal"
)

// InsertTransaction is the payload for creating a transaction in Lunch Money.
// ExternalID carries the source transaction ID and is the idempotence key:
// Lunch Money rejects duplicates per (external_id, asset_id).
type InsertTransaction struct {
	Date       string          `json:"date"` // YYYY-MM-DD
	Payee      string          `json:"payee,omitempty"`
	Amount     decimal.Decimal `json:"amount"`
	CategoryID *int64          `json:"category_id,omitempty"`
	Notes      string          `json:"notes,omitempty"`
	AssetID    int64           `json:"asset_id,omitempty"`
	Currency   string          `json:"currency,omitempty"`
	Tags       []string        `json:"tags,omitempty"`
	ExternalID string          `json:"external_id"`
}

// UpdateTransaction carries only the fields that may change after a
// transaction has been written. Amount, date and external reference are
// immutable once pushed.
type UpdateTransaction struct {
	Payee      *string  `json:"payee,omitempty"`
	CategoryID *int64   `json:"category_id,omitempty"`
	Notes      *string  `json:"notes,omitempty"`
	Tags       []string `json:"tags,omitempty"`
}

// Category is a Lunch Money budgeting category.
type Category struct {
	ID                int64  `json:"id"`
	Name              string `json:"name"`
	IsIncome          bool   `json:"is_income"`
	ExcludeFromBudget bool   `json:"exclude_from_budget"`
}

// Asset is a manually-managed Lunch Money account.
type Asset struct {
	ID          int64  `json:"id"`
	DisplayName string `json:"display_name"`
	Name        string `json:"name"`
	Currency    string `json:"currency"`
}
