package monzo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/oakhurst/monzosync/service/metrics"
)

// ErrUnavailable indicates a transient failure talking to the Monzo API
// (network error, 5xx, rate limit, auth rejection). Callers retry with
// bounded backoff; the client itself already retries each page.
var ErrUnavailable = errors.New("monzo: source unavailable")

const (
	serviceName = "monzo"

	// pageSize is the maximum number of transactions per API page.
	pageSize = 100

	// maxAttempts bounds per-page retries.
	maxAttempts = 3
)

// Doer is the subset of http.Client used by the Monzo client.
// It exists so tests can substitute a fake transport.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client provides read-only access to the Monzo API.
type Client struct {
	baseURL string
	token   string
	http    Doer
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewClient creates a new Monzo client. If httpClient is nil a default client
// with a 30s timeout is used. If m is nil, no metrics are recorded.
func NewClient(baseURL, token string, httpClient Doer, m *metrics.Metrics, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    httpClient,
		metrics: m,
		logger:  logger,
	}
}

// ListTransactionsParams contains parameters for fetching transactions.
type ListTransactionsParams struct {
	AccountID   string
	AccountName string // stamped onto each transaction as Source
	Since       time.Time
	Before      time.Time // zero means now
}

// ListTransactions fetches all transactions for an account created after
// Since, ascending by creation time, paginating until the window is
// exhausted. The result is finite and safe to re-fetch: the caller
// deduplicates against its own ledger.
func (c *Client) ListTransactions(ctx context.Context, params ListTransactionsParams) ([]*Transaction, error) {
	var all []*Transaction

	// Monzo paginates with since=<object id> once past the first page.
	sinceParam := params.Since.UTC().Format(time.RFC3339)

	for {
		q := url.Values{}
		q.Set("account_id", params.AccountID)
		q.Set("since", sinceParam)
		q.Set("limit", strconv.Itoa(pageSize))
		q.Add("expand[]", "merchant")
		if !params.Before.IsZero() {
			q.Set("before", params.Before.UTC().Format(time.RFC3339))
		}

		var page struct {
			Transactions []*Transaction `json:"transactions"`
		}
		if err := c.get(ctx, "transactions", q, &page); err != nil {
			return nil, err
		}

		for _, txn := range page.Transactions {
			txn.Source = params.AccountName
			all = append(all, txn)
		}

		if len(page.Transactions) < pageSize {
			break
		}
		sinceParam = page.Transactions[len(page.Transactions)-1].ID
	}

	// The API returns pages in ascending order already; sorting keeps the
	// ordering contract explicit and stable across pages.
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].Created.Before(all[j].Created)
	})

	c.logger.InfoContext(ctx, "fetched monzo transactions",
		"account_id", params.AccountID,
		"account_name", params.AccountName,
		"since", params.Since,
		"count", len(all),
	)

	if c.metrics != nil {
		c.metrics.RecordTransactionsFetched(params.AccountID, len(all))
	}

	return all, nil
}

// ListAccounts fetches the user's current accounts, excluding closed ones.
func (c *Client) ListAccounts(ctx context.Context) ([]*Account, error) {
	var resp struct {
		Accounts []*Account `json:"accounts"`
	}
	if err := c.get(ctx, "accounts", nil, &resp); err != nil {
		return nil, err
	}

	open := make([]*Account, 0, len(resp.Accounts))
	for _, acc := range resp.Accounts {
		if !acc.Closed {
			open = append(open, acc)
		}
	}
	return open, nil
}

// ListPots fetches the pots belonging to an account, excluding deleted ones.
func (c *Client) ListPots(ctx context.Context, accountID string) ([]Pot, error) {
	q := url.Values{}
	q.Set("current_account_id", accountID)

	var resp struct {
		Pots []Pot `json:"pots"`
	}
	if err := c.get(ctx, "pots", q, &resp); err != nil {
		return nil, err
	}

	live := make([]Pot, 0, len(resp.Pots))
	for _, pot := range resp.Pots {
		if !pot.Deleted {
			live = append(live, pot)
		}
	}
	return live, nil
}

// get performs an authenticated GET with bounded retry and backoff.
// Transient failures (network, 429, 5xx) are retried up to maxAttempts;
// anything else fails immediately.
func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	u := c.baseURL + "/" + endpoint
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * time.Second // 1s, 2s
			c.logger.WarnContext(ctx, "retrying monzo request",
				"endpoint", endpoint,
				"attempt", attempt+1,
				"backoff", backoff,
				"error", lastErr,
			)
			if c.metrics != nil {
				c.metrics.RecordAPIRetry(serviceName, endpoint, "transient")
			}
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.token)

		start := time.Now()
		resp, err := c.http.Do(req)
		duration := time.Since(start).Seconds()

		if err != nil {
			if c.metrics != nil {
				c.metrics.RecordAPICall(serviceName, endpoint, "error", duration)
			}
			lastErr = fmt.Errorf("%w: %v", ErrUnavailable, err)
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		if c.metrics != nil {
			c.metrics.RecordAPICall(serviceName, endpoint, strconv.Itoa(resp.StatusCode), duration)
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			if readErr != nil {
				lastErr = fmt.Errorf("%w: reading response: %v", ErrUnavailable, readErr)
				continue
			}
			if err := json.Unmarshal(body, out); err != nil {
				return fmt.Errorf("failed to decode %s response: %w", endpoint, err)
			}
			return nil

		case resp.StatusCode == http.StatusTooManyRequests:
			if c.metrics != nil {
				c.metrics.RecordRateLimitHit(serviceName)
			}
			lastErr = fmt.Errorf("%w: rate limited (429)", ErrUnavailable)
			continue

		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("%w: server error (%d)", ErrUnavailable, resp.StatusCode)
			continue

		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			// Auth failures count as source-unavailable per the error
			// taxonomy, but retrying won't help within a run.
			return fmt.Errorf("%w: auth rejected (%d)", ErrUnavailable, resp.StatusCode)

		default:
			return fmt.Errorf("monzo %s request failed with status %d: %s", endpoint, resp.StatusCode, string(body))
		}
	}

	return lastErr
}
