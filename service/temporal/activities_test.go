package temporal

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/oakhurst/monzosync/service/db"
	"github.com/oakhurst/monzosync/service/lunchmoney"
	"github.com/oakhurst/monzosync/service/monzo"
	natspkg "github.com/oakhurst/monzosync/service/nats"
	"github.com/oakhurst/monzosync/service/reconcile"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// Mock Store
type MockStore struct {
	mock.Mock
}

func (m *MockStore) GetAccount(ctx context.Context, accountID string) (*db.Account, error) {
	args := m.Called(ctx, accountID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*db.Account), args.Error(1)
}

func (m *MockStore) ListEntryDigests(ctx context.Context, accountID string) ([]reconcile.EntryDigest, error) {
	args := m.Called(ctx, accountID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]reconcile.EntryDigest), args.Error(1)
}

func (m *MockStore) UpsertEntry(ctx context.Context, e reconcile.LedgerEntry) (*db.Entry, error) {
	args := m.Called(ctx, e)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*db.Entry), args.Error(1)
}

func (m *MockStore) SetEntryLunchMoneyID(ctx context.Context, monzoID string, lunchMoneyID int64) error {
	args := m.Called(ctx, monzoID, lunchMoneyID)
	return args.Error(0)
}

func (m *MockStore) MarkEntryPushed(ctx context.Context, monzoID, hash string) error {
	args := m.Called(ctx, monzoID, hash)
	return args.Error(0)
}

func (m *MockStore) AdvanceCursor(ctx context.Context, accountID string, to time.Time) error {
	args := m.Called(ctx, accountID, to)
	return args.Error(0)
}

func (m *MockStore) RecordSyncRun(ctx context.Context, params db.RecordSyncRunParams) error {
	args := m.Called(ctx, params)
	return args.Error(0)
}

// Mock Monzo source
type MockSource struct {
	mock.Mock
}

func (m *MockSource) ListTransactions(ctx context.Context, params monzo.ListTransactionsParams) ([]*monzo.Transaction, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*monzo.Transaction), args.Error(1)
}

func (m *MockSource) ListPots(ctx context.Context, accountID string) ([]monzo.Pot, error) {
	args := m.Called(ctx, accountID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]monzo.Pot), args.Error(1)
}

// Mock Lunch Money sink
type MockSink struct {
	mock.Mock
}

func (m *MockSink) InsertTransactions(ctx context.Context, txns []lunchmoney.InsertTransaction) ([]int64, error) {
	args := m.Called(ctx, txns)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]int64), args.Error(1)
}

func (m *MockSink) UpdateTransaction(ctx context.Context, id int64, patch lunchmoney.UpdateTransaction) error {
	args := m.Called(ctx, id, patch)
	return args.Error(0)
}

func (m *MockSink) ListCategories(ctx context.Context) ([]lunchmoney.Category, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]lunchmoney.Category), args.Error(1)
}

func ledgerEntry(monzoID string, amount string) reconcile.LedgerEntry {
	return reconcile.LedgerEntry{
		MonzoID:   monzoID,
		AccountID: "acc_1",
		Source:    "main",
		Date:      "2024-03-01",
		Timestamp: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
		Payee:     "Tesco",
		Amount:    decimal.RequireFromString(amount),
		Currency:  "gbp",
		AssetID:   42,
	}
}

func TestActivities_GetSyncState(t *testing.T) {
	cursor := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name          string
		setupMock     func(*MockStore)
		expectedError bool
		validate      func(t *testing.T, result *GetSyncStateResult)
	}{
		{
			name: "account with cursor and digests",
			setupMock: func(m *MockStore) {
				m.On("GetAccount", mock.Anything, "acc_1").Return(&db.Account{
					AccountID: "acc_1",
					Name:      "main",
					Currency:  "GBP",
					AssetID:   42,
					Cursor:    &cursor,
				}, nil)
				m.On("ListEntryDigests", mock.Anything, "acc_1").Return([]reconcile.EntryDigest{
					{MonzoID: "tx_1", Hash: "abc"},
				}, nil)
			},
			validate: func(t *testing.T, result *GetSyncStateResult) {
				assert.Equal(t, "main", result.Name)
				assert.Equal(t, int64(42), result.AssetID)
				require.NotNil(t, result.Cursor)
				assert.True(t, result.Cursor.Equal(cursor))
				assert.Len(t, result.Digests, 1)
			},
		},
		{
			name: "unknown account",
			setupMock: func(m *MockStore) {
				m.On("GetAccount", mock.Anything, "acc_1").Return(nil, db.ErrNotFound)
			},
			expectedError: true,
		},
		{
			name: "digest query fails",
			setupMock: func(m *MockStore) {
				m.On("GetAccount", mock.Anything, "acc_1").Return(&db.Account{AccountID: "acc_1"}, nil)
				m.On("ListEntryDigests", mock.Anything, "acc_1").Return(nil, errors.New("db error"))
			},
			expectedError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockStore := new(MockStore)
			tt.setupMock(mockStore)

			activities := NewActivities(mockStore, nil, nil, nil, nil, slog.Default())
			result, err := activities.GetSyncState(context.Background(), GetSyncStateInput{AccountID: "acc_1"})

			if tt.expectedError {
				assert.Error(t, err)
				assert.Nil(t, result)
			} else {
				assert.NoError(t, err)
				require.NotNil(t, result)
				tt.validate(t, result)
			}
		})
	}
}

func TestActivities_GetLookups(t *testing.T) {
	mockSource := new(MockSource)
	mockSink := new(MockSink)

	mockSink.On("ListCategories", mock.Anything).Return([]lunchmoney.Category{
		{ID: 7, Name: "Groceries"},
		{ID: 8, Name: "Eating Out"},
	}, nil)
	mockSource.On("ListPots", mock.Anything, "acc_1").Return([]monzo.Pot{
		{ID: "pot_1", Name: "Savings"},
	}, nil)

	activities := NewActivities(nil, mockSource, mockSink, nil, nil, slog.Default())
	result, err := activities.GetLookups(context.Background(), GetLookupsInput{AccountID: "acc_1"})

	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"Groceries": 7, "Eating Out": 8}, result.CategoryIDs)
	assert.Equal(t, map[string]string{"pot_1": "Savings"}, result.PotNames)
}

func TestActivities_GetLookups_PotFailureTolerated(t *testing.T) {
	mockSource := new(MockSource)
	mockSink := new(MockSink)

	mockSink.On("ListCategories", mock.Anything).Return([]lunchmoney.Category{{ID: 7, Name: "Groceries"}}, nil)
	mockSource.On("ListPots", mock.Anything, "acc_1").Return(nil, monzo.ErrUnavailable)

	activities := NewActivities(nil, mockSource, mockSink, nil, nil, slog.Default())
	result, err := activities.GetLookups(context.Background(), GetLookupsInput{AccountID: "acc_1"})

	require.NoError(t, err)
	assert.Empty(t, result.PotNames)
	assert.Equal(t, int64(7), result.CategoryIDs["Groceries"])
}

func TestActivities_GetLookups_CategoriesRequired(t *testing.T) {
	mockSource := new(MockSource)
	mockSink := new(MockSink)

	mockSink.On("ListCategories", mock.Anything).Return(nil, lunchmoney.ErrUnavailable)

	activities := NewActivities(nil, mockSource, mockSink, nil, nil, slog.Default())
	_, err := activities.GetLookups(context.Background(), GetLookupsInput{AccountID: "acc_1"})

	assert.Error(t, err)
	mockSource.AssertNotCalled(t, "ListPots", mock.Anything, mock.Anything)
}

func TestActivities_PushNewEntries(t *testing.T) {
	tests := []struct {
		name          string
		input         PushNewEntriesInput
		setupMocks    func(store *MockStore, sink *MockSink)
		expectedError bool
		validate      func(t *testing.T, result *PushNewEntriesResult)
	}{
		{
			name: "all entries written and tagged with destination ids",
			input: PushNewEntriesInput{
				AccountName: "main",
				Entries:     []reconcile.LedgerEntry{ledgerEntry("tx_1", "5.50"), ledgerEntry("tx_2", "12.00")},
				ChunkSize:   1,
			},
			setupMocks: func(store *MockStore, sink *MockSink) {
				sink.On("InsertTransactions", mock.Anything, mock.MatchedBy(func(txns []lunchmoney.InsertTransaction) bool {
					return len(txns) == 1 && txns[0].ExternalID == "tx_1"
				})).Return([]int64{101}, nil)
				sink.On("InsertTransactions", mock.Anything, mock.MatchedBy(func(txns []lunchmoney.InsertTransaction) bool {
					return len(txns) == 1 && txns[0].ExternalID == "tx_2"
				})).Return([]int64{102}, nil)
				store.On("SetEntryLunchMoneyID", mock.Anything, "tx_1", int64(101)).Return(nil)
				store.On("SetEntryLunchMoneyID", mock.Anything, "tx_2", int64(102)).Return(nil)
			},
			validate: func(t *testing.T, result *PushNewEntriesResult) {
				assert.Equal(t, 2, result.Written)
				assert.Empty(t, result.Rejected)
			},
		},
		{
			name: "rejected chunk is recorded, later chunks still pushed",
			input: PushNewEntriesInput{
				AccountName: "main",
				Entries:     []reconcile.LedgerEntry{ledgerEntry("tx_bad", "5.50"), ledgerEntry("tx_ok", "12.00")},
				ChunkSize:   1,
			},
			setupMocks: func(store *MockStore, sink *MockSink) {
				sink.On("InsertTransactions", mock.Anything, mock.MatchedBy(func(txns []lunchmoney.InsertTransaction) bool {
					return txns[0].ExternalID == "tx_bad"
				})).Return(nil, &lunchmoney.RejectedError{StatusCode: 422, Messages: []string{"invalid payee"}})
				sink.On("InsertTransactions", mock.Anything, mock.MatchedBy(func(txns []lunchmoney.InsertTransaction) bool {
					return txns[0].ExternalID == "tx_ok"
				})).Return([]int64{103}, nil)
				store.On("SetEntryLunchMoneyID", mock.Anything, "tx_ok", int64(103)).Return(nil)
			},
			validate: func(t *testing.T, result *PushNewEntriesResult) {
				assert.Equal(t, 1, result.Written)
				if assert.Len(t, result.Rejected, 1) {
					assert.Equal(t, "tx_bad", result.Rejected[0].MonzoID)
				}
			},
		},
		{
			name: "transient failure surfaces as an activity error",
			input: PushNewEntriesInput{
				AccountName: "main",
				Entries:     []reconcile.LedgerEntry{ledgerEntry("tx_1", "5.50")},
				ChunkSize:   1,
			},
			setupMocks: func(store *MockStore, sink *MockSink) {
				sink.On("InsertTransactions", mock.Anything, mock.Anything).Return(nil, lunchmoney.ErrUnavailable)
			},
			expectedError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockStore := new(MockStore)
			mockSink := new(MockSink)
			tt.setupMocks(mockStore, mockSink)

			activities := NewActivities(mockStore, nil, mockSink, nil, nil, slog.Default())
			result, err := activities.PushNewEntries(context.Background(), tt.input)

			if tt.expectedError {
				assert.Error(t, err)
				assert.Nil(t, result)
			} else {
				assert.NoError(t, err)
				require.NotNil(t, result)
				tt.validate(t, result)
			}
			mockStore.AssertExpectations(t)
			mockSink.AssertExpectations(t)
		})
	}
}

func TestActivities_UpdateChangedEntries(t *testing.T) {
	changed := ledgerEntry("tx_1", "5.50")
	changed.Hash = "h1"
	rejected := ledgerEntry("tx_2", "12.00")
	rejected.Hash = "h2"

	mockSink := new(MockSink)
	mockSink.On("UpdateTransaction", mock.Anything, int64(101), mock.Anything).Return(nil)
	mockSink.On("UpdateTransaction", mock.Anything, int64(102), mock.Anything).
		Return(&lunchmoney.RejectedError{StatusCode: 422, Messages: []string{"unknown field"}})

	// Only the confirmed update records its pushed hash; the rejected
	// entry keeps its previous one.
	mockStore := new(MockStore)
	mockStore.On("MarkEntryPushed", mock.Anything, "tx_1", "h1").Return(nil).Once()

	activities := NewActivities(mockStore, nil, mockSink, nil, nil, slog.Default())
	result, err := activities.UpdateChangedEntries(context.Background(), UpdateChangedEntriesInput{
		AccountName: "main",
		Changed: []reconcile.ChangedEntry{
			{Entry: changed, LunchMoneyID: 101},
			{Entry: rejected, LunchMoneyID: 102},
		},
	})

	require.NoError(t, err)
	assert.Equal(t, 1, result.Updated)
	if assert.Len(t, result.Rejected, 1) {
		assert.Equal(t, "tx_2", result.Rejected[0].MonzoID)
	}
	mockStore.AssertExpectations(t)
	mockStore.AssertNotCalled(t, "MarkEntryPushed", mock.Anything, "tx_2", mock.Anything)
}

func TestActivities_AdvanceCursor(t *testing.T) {
	to := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	mockStore := new(MockStore)
	mockStore.On("AdvanceCursor", mock.Anything, "acc_1", to).Return(nil)

	activities := NewActivities(mockStore, nil, nil, nil, nil, slog.Default())
	err := activities.AdvanceCursor(context.Background(), AdvanceCursorInput{AccountID: "acc_1", To: to})

	assert.NoError(t, err)
	mockStore.AssertExpectations(t)
}

func TestActivities_RecordRunSummary(t *testing.T) {
	mockStore := new(MockStore)
	mockStore.On("RecordSyncRun", mock.Anything, mock.MatchedBy(func(p db.RecordSyncRunParams) bool {
		return p.AccountID == "acc_1" && p.Status == "partial" && p.NewEntries == 3
	})).Return(nil)

	publisher := natspkg.NewMockPublisher()

	activities := NewActivities(mockStore, nil, nil, publisher, nil, slog.Default())
	err := activities.RecordRunSummary(context.Background(), RecordRunSummaryInput{
		RunID:     "not-a-uuid", // falls back to a generated run id
		AccountID: "acc_1",
		Status:    "partial",
		Fetched:   5,
		New:       3,
		Skipped:   []reconcile.SkippedRecord{{MonzoID: "tx_x", Reason: "missing amount"}},
		StartedAt: time.Now().Add(-time.Second),
		Duration:  time.Second,
	})

	require.NoError(t, err)
	mockStore.AssertExpectations(t)

	runs := publisher.GetPublishedRuns()
	require.Len(t, runs, 1)
	assert.Equal(t, "acc_1", runs[0].AccountID)
	assert.Equal(t, "partial", runs[0].Status)
}

func TestActivities_RecordRunSummary_PublishFailureTolerated(t *testing.T) {
	mockStore := new(MockStore)
	mockStore.On("RecordSyncRun", mock.Anything, mock.Anything).Return(nil)

	publisher := natspkg.NewMockPublisher()
	publisher.SetPublishError(errors.New("nats down"))

	activities := NewActivities(mockStore, nil, nil, publisher, nil, slog.Default())
	err := activities.RecordRunSummary(context.Background(), RecordRunSummaryInput{
		RunID:     "7b9e7e6e-64f6-4f7e-9c5c-3f2f1a2b3c4d",
		AccountID: "acc_1",
		Status:    "success",
		StartedAt: time.Now(),
	})

	// The summary row is the source of truth; the event is best-effort.
	assert.NoError(t, err)
}
