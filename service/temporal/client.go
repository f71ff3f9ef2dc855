package temporal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/client"
)

// Client is a production implementation of Scheduler that talks to Temporal.
type Client struct {
	client    client.Client
	taskQueue string
	logger    *slog.Logger
}

// NewClient creates a new Temporal client.
func NewClient(host, namespace, taskQueue string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("connecting to temporal",
		"host", host,
		"namespace", namespace,
		"task_queue", taskQueue,
	)

	c, err := client.Dial(client.Options{
		HostPort:  host,
		Namespace: namespace,
		Logger:    newTemporalLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Temporal: %w", err)
	}

	logger.Info("connected to temporal successfully")

	return &Client{
		client:    c,
		taskQueue: taskQueue,
		logger:    logger,
	}, nil
}

// CreateAccountSchedule creates a new Temporal schedule for syncing an
// account at the given interval.
func (c *Client) CreateAccountSchedule(ctx context.Context, accountID string, interval time.Duration) error {
	id := scheduleID(accountID)

	c.logger.Debug("creating account schedule",
		"account_id", accountID,
		"schedule_id", id,
		"interval", interval,
	)

	workflowAction := client.ScheduleWorkflowAction{
		ID:        "sync-account-" + accountID,
		Workflow:  "SyncAccountWorkflow",
		TaskQueue: c.taskQueue,
		Args: []interface{}{SyncAccountInput{
			AccountID: accountID,
		}},
	}

	_, err := c.client.ScheduleClient().Create(ctx, client.ScheduleOptions{
		ID: id,
		Spec: client.ScheduleSpec{
			Intervals: []client.ScheduleIntervalSpec{
				{Every: interval},
			},
		},
		Action: &workflowAction,
		// Skipping overlaps keeps one run at a time per account.
		Overlap: enumspb.SCHEDULE_OVERLAP_POLICY_SKIP,
		Memo: map[string]interface{}{
			"account_id": accountID,
			"created_by": "monzosync",
		},
	})
	if err != nil {
		c.logger.Error("failed to create schedule",
			"account_id", accountID,
			"schedule_id", id,
			"error", err,
		)
		return fmt.Errorf("failed to create schedule %q: %w", id, err)
	}

	c.logger.Info("account schedule created",
		"account_id", accountID,
		"schedule_id", id,
		"interval", interval,
	)
	return nil
}

// UpsertAccountSchedule creates or updates a Temporal schedule for syncing
// an account. If the schedule already exists, its interval is updated.
func (c *Client) UpsertAccountSchedule(ctx context.Context, accountID string, interval time.Duration) error {
	id := scheduleID(accountID)

	handle := c.client.ScheduleClient().GetHandle(ctx, id)
	desc, err := handle.Describe(ctx)
	if err != nil {
		c.logger.Debug("schedule not found, creating new one",
			"schedule_id", id,
			"error", err,
		)
		return c.CreateAccountSchedule(ctx, accountID, interval)
	}

	c.logger.Debug("schedule exists, updating interval",
		"schedule_id", id,
		"old_interval", desc.Schedule.Spec.Intervals[0].Every,
		"new_interval", interval,
	)

	err = handle.Update(ctx, client.ScheduleUpdateOptions{
		DoUpdate: func(input client.ScheduleUpdateInput) (*client.ScheduleUpdate, error) {
			input.Description.Schedule.Spec.Intervals = []client.ScheduleIntervalSpec{
				{Every: interval},
			}
			return &client.ScheduleUpdate{
				Schedule: &input.Description.Schedule,
			}, nil
		},
	})
	if err != nil {
		c.logger.Error("failed to update schedule",
			"account_id", accountID,
			"schedule_id", id,
			"error", err,
		)
		return fmt.Errorf("failed to update schedule %q: %w", id, err)
	}

	c.logger.Info("account schedule updated",
		"account_id", accountID,
		"schedule_id", id,
		"interval", interval,
	)
	return nil
}

// DeleteAccountSchedule deletes the Temporal schedule for an account.
func (c *Client) DeleteAccountSchedule(ctx context.Context, accountID string) error {
	id := scheduleID(accountID)

	handle := c.client.ScheduleClient().GetHandle(ctx, id)
	if err := handle.Delete(ctx); err != nil {
		c.logger.Error("failed to delete schedule",
			"account_id", accountID,
			"schedule_id", id,
			"error", err,
		)
		return fmt.Errorf("failed to delete schedule %q: %w", id, err)
	}

	c.logger.Info("account schedule deleted",
		"account_id", accountID,
		"schedule_id", id,
	)
	return nil
}

// PauseAccountSchedule pauses the schedule for an account.
func (c *Client) PauseAccountSchedule(ctx context.Context, accountID string) error {
	id := scheduleID(accountID)
	handle := c.client.ScheduleClient().GetHandle(ctx, id)
	if err := handle.Pause(ctx, client.SchedulePauseOptions{Note: "paused via monzosync"}); err != nil {
		return fmt.Errorf("failed to pause schedule %q: %w", id, err)
	}
	c.logger.Info("account schedule paused", "account_id", accountID, "schedule_id", id)
	return nil
}

// UnpauseAccountSchedule resumes a paused schedule.
func (c *Client) UnpauseAccountSchedule(ctx context.Context, accountID string) error {
	id := scheduleID(accountID)
	handle := c.client.ScheduleClient().GetHandle(ctx, id)
	if err := handle.Unpause(ctx, client.ScheduleUnpauseOptions{Note: "unpaused via monzosync"}); err != nil {
		return fmt.Errorf("failed to unpause schedule %q: %w", id, err)
	}
	c.logger.Info("account schedule unpaused", "account_id", accountID, "schedule_id", id)
	return nil
}

// TriggerSync starts a SyncAccountWorkflow immediately. The workflow ID is
// derived from the account so concurrent on-demand runs for the same account
// are rejected rather than racing on the cursor.
func (c *Client) TriggerSync(ctx context.Context, input SyncAccountInput) (string, error) {
	opts := client.StartWorkflowOptions{
		ID:        "sync-account-" + input.AccountID + "-manual",
		TaskQueue: c.taskQueue,
	}

	run, err := c.client.ExecuteWorkflow(ctx, opts, "SyncAccountWorkflow", input)
	if err != nil {
		return "", fmt.Errorf("failed to start sync workflow: %w", err)
	}

	c.logger.Info("on-demand sync started",
		"account_id", input.AccountID,
		"workflow_id", run.GetID(),
		"run_id", run.GetRunID(),
	)
	return run.GetID(), nil
}

// SDKClient returns the underlying Temporal SDK client for direct workflow
// operations.
func (c *Client) SDKClient() client.Client {
	return c.client
}

// TaskQueue returns the configured task queue for this client.
func (c *Client) TaskQueue() string {
	return c.taskQueue
}

// Close closes the Temporal client connection.
func (c *Client) Close() {
	c.logger.Info("closing temporal client")
	c.client.Close()
}

// temporalLogger adapts slog.Logger to Temporal's logger interface.
type temporalLogger struct {
	logger *slog.Logger
}

func newTemporalLogger(logger *slog.Logger) *temporalLogger {
	return &temporalLogger{logger: logger}
}

func (l *temporalLogger) Debug(msg string, keyvals ...interface{}) {
	l.logger.Debug(msg, keyvals...)
}

func (l *temporalLogger) Info(msg string, keyvals ...interface{}) {
	l.logger.Info(msg, keyvals...)
}

func (l *temporalLogger) Warn(msg string, keyvals ...interface{}) {
	l.logger.Warn(msg, keyvals...)
}

func (l *temporalLogger) Error(msg string, keyvals ...interface{}) {
	l.logger.Error(msg, keyvals...)
}
