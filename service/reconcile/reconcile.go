// Package reconcile plans the work needed to bring the destination ledger in
// line with a batch of raw source transactions. Planning is pure and
// deterministic: it performs no I/O, so it is safe to call from a Temporal
// workflow as well as from the one-shot sync engine.
package reconcile

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/oakhurst/monzosync/service/monzo"
)

var hashtagRe = regexp.MustCompile(`#(\w+)`)

// LedgerEntry is a normalized transaction ready for the destination ledger.
// MonzoID is the stable external reference that makes writes idempotent.
type LedgerEntry struct {
	MonzoID       string          `json:"monzo_id"`
	AccountID     string          `json:"account_id"`
	Source        string          `json:"source"`
	Date          string          `json:"date"` // YYYY-MM-DD
	Timestamp     time.Time       `json:"timestamp"`
	Payee         string          `json:"payee"`
	Amount        decimal.Decimal `json:"amount"` // major units, sign-flipped
	Currency      string          `json:"currency"`
	CategoryName  string          `json:"category_name"`
	CategoryID    *int64          `json:"category_id,omitempty"` // nil = uncategorized
	AssetID       int64           `json:"asset_id"`
	Notes         string          `json:"notes,omitempty"`
	Tags          []string        `json:"tags,omitempty"`
	Declined      bool            `json:"declined"`
	DeclineReason string          `json:"decline_reason,omitempty"`
	Hash          string          `json:"hash"`
}

// EntryDigest is the minimal view of an already-persisted entry the planner
// needs for deduplication and change detection. Hash is the content hash
// last confirmed at the destination, so an entry whose push or update never
// completed is planned again. LunchMoneyID is nil when the entry was stored
// locally but its push never completed.
type EntryDigest struct {
	MonzoID      string
	Hash         string
	LunchMoneyID *int64
}

// SkippedRecord reports a raw transaction the planner could not normalize.
type SkippedRecord struct {
	MonzoID string `json:"monzo_id"`
	Reason  string `json:"reason"`
}

// ChangedEntry pairs a re-normalized entry with the destination ID it
// updates.
type ChangedEntry struct {
	Entry        LedgerEntry `json:"entry"`
	LunchMoneyID int64       `json:"lunch_money_id"`
}

// Options carries the per-account lookup tables normalization depends on.
type Options struct {
	// BaseCurrency is the account's home currency; foreign-currency spend
	// keeps its local amount and currency. Defaults to GBP.
	BaseCurrency string
	// AssetID is the destination account the entries belong to.
	AssetID int64
	// PotNames maps pot IDs to display names. Pot transfers arrive with the
	// pot ID as their description.
	PotNames map[string]string
	// CategoryReplacements maps custom Monzo category codes to display names
	// ahead of the default formatting.
	CategoryReplacements map[string]string
	// CategoryIDs maps Lunch Money category names to their IDs.
	CategoryIDs map[string]int64
}

// Plan is the reconciliation work for one batch, partitioned by what the
// sink needs to do. Entries preserves the input order.
type Plan struct {
	// Entries holds every successfully normalized record, declined ones
	// included, in input order. All of them are persisted locally.
	Entries []LedgerEntry
	// New are entries absent from the destination, in input order. Entries
	// stored locally without a destination ID are treated as new so an
	// interrupted push is safely repeated.
	New []LedgerEntry
	// Changed are entries whose content hash differs from the stored one.
	Changed []ChangedEntry
	// Unchanged counts entries already in sync.
	Unchanged int
	// Declined counts normalized entries excluded from pushes.
	Declined int
	// Skipped enumerates records dropped by normalization. Never fatal to
	// the batch.
	Skipped []SkippedRecord
	// MaxTimestamp is the latest transaction timestamp seen, the candidate
	// cursor. The caller advances the cursor only after writes are
	// confirmed. Zero when the batch normalized nothing.
	MaxTimestamp time.Time
}

// Build plans the sink work for a batch of raw transactions against the set
// of already-persisted digests. Records that cannot be normalized are
// reported in Skipped and do not affect the rest of the batch.
func Build(raw []*monzo.Transaction, known []EntryDigest, opts Options) *Plan {
	if opts.BaseCurrency == "" {
		opts.BaseCurrency = "GBP"
	}

	digests := make(map[string]EntryDigest, len(known))
	for _, d := range known {
		digests[d.MonzoID] = d
	}

	plan := &Plan{}
	for _, txn := range raw {
		entry, reason := Normalize(txn, opts)
		if reason != "" {
			plan.Skipped = append(plan.Skipped, SkippedRecord{MonzoID: txn.ID, Reason: reason})
			continue
		}

		plan.Entries = append(plan.Entries, entry)
		if entry.Timestamp.After(plan.MaxTimestamp) {
			plan.MaxTimestamp = entry.Timestamp
		}

		if entry.Declined {
			plan.Declined++
			continue
		}

		d, ok := digests[entry.MonzoID]
		switch {
		case !ok || d.LunchMoneyID == nil:
			plan.New = append(plan.New, entry)
		case d.Hash != entry.Hash:
			plan.Changed = append(plan.Changed, ChangedEntry{Entry: entry, LunchMoneyID: *d.LunchMoneyID})
		default:
			plan.Unchanged++
		}
	}

	return plan
}

// Normalize maps a raw transaction onto the destination schema. The returned
// reason is non-empty when a required field is missing; such records are
// skipped, never fatal.
func Normalize(txn *monzo.Transaction, opts Options) (LedgerEntry, string) {
	if txn.ID == "" {
		return LedgerEntry{}, "missing id"
	}
	if txn.Created.IsZero() {
		return LedgerEntry{}, "missing timestamp"
	}
	if txn.Amount == nil {
		return LedgerEntry{}, "missing amount"
	}

	// Minor units to major, sign flipped: Monzo debits are negative, the
	// ledger records spend as positive.
	amount := decimal.New(-*txn.Amount, -2)
	currency := strings.ToLower(txn.Currency)
	if txn.LocalCurrency != "" && !strings.EqualFold(txn.LocalCurrency, opts.BaseCurrency) && txn.LocalAmount != nil {
		amount = decimal.New(-*txn.LocalAmount, -2)
		currency = strings.ToLower(txn.LocalCurrency)
	}

	payee := txn.Description
	if txn.Merchant != nil && txn.Merchant.Name != "" {
		payee = txn.Merchant.Name
	}
	if name, ok := opts.PotNames[payee]; ok {
		payee = name
	}
	// Pot-to-card transfers ("PB" descriptions) carry the useful label in
	// the notes field.
	if strings.HasPrefix(payee, "PB") && txn.Notes != "" {
		payee = txn.Notes
	}

	categoryName, categoryID := MapCategory(txn.Category, opts.CategoryReplacements, opts.CategoryIDs)

	entry := LedgerEntry{
		MonzoID:       txn.ID,
		AccountID:     txn.AccountID,
		Source:        txn.Source,
		Date:          txn.Created.UTC().Format("2006-01-02"),
		Timestamp:     txn.Created.UTC(),
		Payee:         payee,
		Amount:        amount,
		Currency:      currency,
		CategoryName:  categoryName,
		CategoryID:    categoryID,
		AssetID:       opts.AssetID,
		Notes:         txn.Notes,
		Tags:          ExtractTags(txn.Metadata.SuggestedTags),
		Declined:      txn.Declined(),
		DeclineReason: txn.DeclineReason,
	}
	entry.Hash = entry.contentHash()

	return entry, ""
}

// ExtractTags pulls the first #hashtag out of the suggested-tags text.
func ExtractTags(suggested string) []string {
	m := hashtagRe.FindStringSubmatch(suggested)
	if m == nil {
		return nil
	}
	return []string{"#" + m[1]}
}

// contentHash digests the fields that matter for change detection. The
// external reference, destination ID and storage timestamps are excluded so
// re-fetching identical content always hashes the same.
func (e *LedgerEntry) contentHash() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s|%s|%s|%t",
		e.Date,
		e.Payee,
		e.Amount.String(),
		e.Currency,
		e.CategoryName,
		e.Notes,
		strings.Join(e.Tags, ","),
		e.Declined,
	)
	return hex.EncodeToString(h.Sum(nil))
}
