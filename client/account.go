package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// Account represents a registered account that the server is syncing.
type Account struct {
	AccountID    string        `json:"account_id"`
	Name         string        `json:"name"`
	Kind         string        `json:"kind"`
	Currency     string        `json:"currency"`
	AssetID      int64         `json:"asset_id"`
	Cursor       *time.Time    `json:"cursor,omitempty"`
	SyncInterval time.Duration `json:"sync_interval"`
	LastSyncTime *time.Time    `json:"last_sync_time,omitempty"`
	Status       string        `json:"status"` // active, paused
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// Entry is a synced ledger entry as returned by the API.
type Entry struct {
	MonzoID      string    `json:"monzo_id"`
	AccountID    string    `json:"account_id"`
	Source       string    `json:"source"`
	Date         string    `json:"date"`
	Timestamp    time.Time `json:"timestamp"`
	Payee        string    `json:"payee"`
	Amount       string    `json:"amount"`
	Currency     string    `json:"currency"`
	CategoryName string    `json:"category_name,omitempty"`
	Notes        string    `json:"notes,omitempty"`
	Tags         []string  `json:"tags,omitempty"`
	Declined     bool      `json:"declined,omitempty"`
	LunchMoneyID *int64    `json:"lunch_money_id,omitempty"`
}

// SyncRun is the outcome of one sync run as returned by the API.
type SyncRun struct {
	RunID            string          `json:"run_id"`
	AccountID        string          `json:"account_id"`
	Status           string          `json:"status"`
	Fetched          int32           `json:"fetched"`
	NewEntries       int32           `json:"new_entries"`
	UpdatedEntries   int32           `json:"updated_entries"`
	UnchangedEntries int32           `json:"unchanged_entries"`
	Skipped          []SkippedRecord `json:"skipped,omitempty"`
	Error            string          `json:"error,omitempty"`
	CursorAdvancedTo *time.Time      `json:"cursor_advanced_to,omitempty"`
	StartedAt        time.Time       `json:"started_at"`
	DurationMS       int64           `json:"duration_ms"`
}

// SkippedRecord names a source record that could not be normalized.
type SkippedRecord struct {
	MonzoID string `json:"monzo_id"`
	Reason  string `json:"reason"`
}

// RegisterParams are the parameters for registering an account.
type RegisterParams struct {
	AccountID    string
	Name         string
	Kind         string
	Currency     string
	AssetID      int64
	SyncInterval time.Duration
}

// Client is the HTTP client for the sync service API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new sync service client.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
	}
}

// Register tells the server to start syncing an account. Registering an
// already-known account updates its settings and schedule.
func (c *Client) Register(ctx context.Context, params RegisterParams) (*Account, error) {
	reqBody := map[string]interface{}{
		"account_id": params.AccountID,
		"name":       params.Name,
		"kind":       params.Kind,
		"currency":   params.Currency,
		"asset_id":   params.AssetID,
	}
	if params.SyncInterval > 0 {
		reqBody["sync_interval"] = params.SyncInterval.String()
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/v1/accounts", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}

	var apiAccount accountResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiAccount); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	c.logger.Debug("account registered", "account_id", params.AccountID)
	return responseToAccount(&apiAccount)
}

// Unregister tells the server to stop syncing an account. Synced entries
// are kept.
func (c *Client) Unregister(ctx context.Context, accountID string) error {
	u := fmt.Sprintf("%s/api/v1/accounts/%s", c.baseURL, url.PathEscape(accountID))
	req, err := http.NewRequestWithContext(ctx, "DELETE", u, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		return c.parseErrorResponse(resp)
	}

	c.logger.Debug("account unregistered", "account_id", accountID)
	return nil
}

// Get retrieves the registration details for a specific account.
func (c *Client) Get(ctx context.Context, accountID string) (*Account, error) {
	u := fmt.Sprintf("%s/api/v1/accounts/%s", c.baseURL, url.PathEscape(accountID))
	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}

	var apiAccount accountResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiAccount); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return responseToAccount(&apiAccount)
}

// List retrieves all registered accounts.
func (c *Client) List(ctx context.Context) ([]*Account, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/api/v1/accounts", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}

	var response struct {
		Accounts []accountResponse `json:"accounts"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	accounts := make([]*Account, len(response.Accounts))
	for i, apiAccount := range response.Accounts {
		account, err := responseToAccount(&apiAccount)
		if err != nil {
			return nil, fmt.Errorf("failed to parse account %s: %w", apiAccount.AccountID, err)
		}
		accounts[i] = account
	}

	return accounts, nil
}

// Pause suspends the sync schedule for an account.
func (c *Client) Pause(ctx context.Context, accountID string) error {
	return c.postAction(ctx, accountID, "pause")
}

// Resume reactivates a paused account.
func (c *Client) Resume(ctx context.Context, accountID string) error {
	return c.postAction(ctx, accountID, "resume")
}

func (c *Client) postAction(ctx context.Context, accountID, action string) error {
	u := fmt.Sprintf("%s/api/v1/accounts/%s/%s", c.baseURL, url.PathEscape(accountID), action)
	req, err := http.NewRequestWithContext(ctx, "POST", u, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.parseErrorResponse(resp)
	}

	c.logger.Debug("account state changed", "account_id", accountID, "action", action)
	return nil
}

// TriggerSync asks the server to start an immediate sync for an account.
// It returns the workflow ID of the started sync.
func (c *Client) TriggerSync(ctx context.Context, accountID string) (string, error) {
	u := fmt.Sprintf("%s/api/v1/accounts/%s/sync", c.baseURL, url.PathEscape(accountID))
	req, err := http.NewRequestWithContext(ctx, "POST", u, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return "", c.parseErrorResponse(resp)
	}

	var response struct {
		WorkflowID string `json:"workflow_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}

	c.logger.Debug("sync triggered", "account_id", accountID, "workflow_id", response.WorkflowID)
	return response.WorkflowID, nil
}

// ListRuns retrieves recent sync runs for an account, most recent first.
// A limit of 0 uses the server default.
func (c *Client) ListRuns(ctx context.Context, accountID string, limit int) ([]*SyncRun, error) {
	u := fmt.Sprintf("%s/api/v1/accounts/%s/runs", c.baseURL, url.PathEscape(accountID))
	if limit > 0 {
		u += fmt.Sprintf("?limit=%d", limit)
	}
	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}

	var response struct {
		Runs []*SyncRun `json:"runs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return response.Runs, nil
}

// ListEntriesParams are optional filters for ListEntries.
type ListEntriesParams struct {
	Limit  int
	Offset int
}

// ListEntries retrieves synced ledger entries for an account.
func (c *Client) ListEntries(ctx context.Context, accountID string, params ListEntriesParams) ([]*Entry, error) {
	q := url.Values{}
	q.Set("account_id", accountID)
	if params.Limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", params.Limit))
	}
	if params.Offset > 0 {
		q.Set("offset", fmt.Sprintf("%d", params.Offset))
	}

	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/api/v1/entries?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}

	var response struct {
		Entries []*Entry `json:"entries"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return response.Entries, nil
}

// accountResponse is the API response format for an account.
// The server returns sync_interval as a string (e.g. "1h0m0s").
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

// responseToAccount converts an API response to a domain Account.
func responseToAccount(resp *accountResponse) (*Account, error) {
	syncInterval, err := time.ParseDuration(resp.SyncInterval)
	if err != nil {
		return nil, fmt.Errorf("invalid sync_interval %q: %w", resp.SyncInterval, err)
	}

	return &Account{
		AccountID:    resp.AccountID,
		Name:         resp.Name,
		Kind:         resp.Kind,
		Currency:     resp.Currency,
		AssetID:      resp.AssetID,
		Cursor:       resp.Cursor,
		SyncInterval: syncInterval,
		LastSyncTime: resp.LastSyncTime,
		Status:       resp.Status,
		CreatedAt:    resp.CreatedAt,
		UpdatedAt:    resp.UpdatedAt,
	}, nil
}

// parseErrorResponse attempts to parse an error response from the server.
func (c *Client) parseErrorResponse(resp *http.Response) error {
	var errResp struct {
		Error string `json:"error"`
	}

	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(body))
	}

	return fmt.Errorf("request failed: %s", errResp.Error)
}
