package monzo

import (
	"encoding/json"
	"time"
)

// Transaction is a raw transaction record from the Monzo API.
// Records are immutable once fetched; normalization happens downstream in
// the reconciliation engine.
type Transaction struct {
	ID            string     `json:"id"`
	Created       time.Time  `json:"created"`
	Description   string     `json:"description"`
	Amount        *int64     `json:"amount"`       // minor units (pence), negative for debits
	Currency      string     `json:"currency"`     // account currency, e.g. "GBP"
	LocalAmount   *int64     `json:"local_amount"` // minor units in the local currency
	LocalCurrency string     `json:"local_currency"`
	Notes         string     `json:"notes"`
	Category      string     `json:"category"` // Monzo category code, e.g. "eating_out"
	DeclineReason string     `json:"decline_reason,omitempty"`
	Merchant      *Merchant  `json:"merchant,omitempty"`
	Metadata      Metadata   `json:"metadata"`
	AccountID     string     `json:"account_id"`
	Settled       *time.Time `json:"-"`

	// Source is the human-readable account name the transaction was fetched
	// for ("Personal", "Holiday Pot", ...). Set by the client, not the API.
	Source string `json:"source,omitempty"`
}

// Merchant holds the expanded merchant object attached to a transaction.
type Merchant struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Category string `json:"category"`
	Emoji    string `json:"emoji,omitempty"`
}

// Metadata carries the free-form metadata Monzo attaches to transactions.
// Only the keys we consume are modeled.
type Metadata struct {
	SuggestedTags string `json:"suggested_tags,omitempty"`
	Notes         string `json:"notes,omitempty"`
	PotID         string `json:"pot_id,omitempty"`
}

// UnmarshalJSON handles the merchant field being either an expanded object
// (when the request carries expand[]=merchant) or a bare merchant ID string.
func (t *Transaction) UnmarshalJSON(data []byte) error {
	type alias Transaction
	aux := struct {
		*alias
		RawMerchant json.RawMessage `json:"merchant,omitempty"`
		RawSettled  string          `json:"settled,omitempty"`
	}{alias: (*alias)(t)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	if len(aux.RawMerchant) > 0 && string(aux.RawMerchant) != "null" {
		if aux.RawMerchant[0] == '{' {
			var m Merchant
			if err := json.Unmarshal(aux.RawMerchant, &m); err != nil {
				return err
			}
			t.Merchant = &m
		} else {
			var id string
			if err := json.Unmarshal(aux.RawMerchant, &id); err != nil {
				return err
			}
			if id != "" {
				t.Merchant = &Merchant{ID: id}
			}
		}
	}

	// Monzo sends settled as "" for unsettled transactions.
	if aux.RawSettled != "" {
		ts, err := time.Parse(time.RFC3339, aux.RawSettled)
		if err == nil {
			t.Settled = &ts
		}
	}

	return nil
}

// Declined reports whether the transaction was declined by the card network.
func (t *Transaction) Declined() bool {
	return t.DeclineReason != ""
}

// Account is a Monzo current account.
type Account struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	Type        string    `json:"type"`
	Currency    string    `json:"currency"`
	Closed      bool      `json:"closed"`
	Created     time.Time `json:"created"`
}

// Pot is a Monzo savings pot. Pot transfers show up in the owning account's
// feed with the pot ID as the description, so pot names are needed to render
// readable ledger entries.
type Pot struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Deleted bool   `json:"deleted"`
}
