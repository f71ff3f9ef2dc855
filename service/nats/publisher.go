package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Publisher defines the interface for publishing sync events to NATS.
type Publisher interface {
	// PublishEntry publishes a single entry event to JetStream.
	// The event is published to the subject "sync.entries.{account_id}".
	PublishEntry(ctx context.Context, event *EntryEvent) error

	// PublishEntryBatch publishes multiple entry events. One bad event does
	// not fail the rest of the batch.
	PublishEntryBatch(ctx context.Context, events []*EntryEvent) error

	// PublishRunSummary publishes a run summary to "sync.runs.{account_id}".
	PublishRunSummary(ctx context.Context, event *RunSummaryEvent) error

	// Close closes the connection to NATS.
	Close() error
}

// JetStreamPublisher publishes sync events to NATS JetStream.
type JetStreamPublisher struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	logger *slog.Logger
}

const (
	// StreamName is the name of the JetStream stream for sync events.
	StreamName = "SYNC"

	// StreamSubjects is the subject pattern for the stream.
	StreamSubjects = "sync.>"

	// StreamRetention is how long messages are retained.
	StreamRetention = 30 * 24 * time.Hour
)

// NewPublisher creates a new JetStream publisher. It connects to NATS and
// ensures the stream exists.
func NewPublisher(natsURL string, logger *slog.Logger) (*JetStreamPublisher, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("monzosync-publisher"),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(1*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	publisher := &JetStreamPublisher{
		nc:     nc,
		js:     js,
		logger: logger,
	}

	if err := publisher.ensureStream(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream exists: %w", err)
	}

	logger.Info("NATS publisher initialized",
		"url", natsURL,
		"stream", StreamName,
	)

	return publisher, nil
}

// ensureStream creates the JetStream stream if it doesn't exist.
func (p *JetStreamPublisher) ensureStream() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stream, err := p.js.Stream(ctx, StreamName)
	if err == nil {
		info, err := stream.Info(ctx)
		if err == nil {
			p.logger.Debug("JetStream stream already exists",
				"stream", StreamName,
				"messages", info.State.Msgs,
			)
		}
		return nil
	}

	p.logger.Info("creating JetStream stream", "stream", StreamName)

	streamConfig := jetstream.StreamConfig{
		Name:        StreamName,
		Description: "Ledger sync events",
		Subjects:    []string{StreamSubjects},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      StreamRetention,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
	}

	_, err = p.js.CreateStream(ctx, streamConfig)
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	p.logger.Info("JetStream stream created successfully", "stream", StreamName)
	return nil
}

// PublishEntry publishes a single entry event.
func (p *JetStreamPublisher) PublishEntry(ctx context.Context, event *EntryEvent) error {
	subject := fmt.Sprintf("sync.entries.%s", event.AccountID)

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal entry event: %w", err)
	}

	_, err = p.js.Publish(ctx, subject, data)
	if err != nil {
		return fmt.Errorf("failed to publish entry event: %w", err)
	}

	p.logger.Debug("published entry event",
		"subject", subject,
		"monzo_id", event.MonzoID,
		"action", event.Action,
	)

	return nil
}

// PublishEntryBatch publishes multiple entry events.
func (p *JetStreamPublisher) PublishEntryBatch(ctx context.Context, events []*EntryEvent) error {
	if len(events) == 0 {
		return nil
	}

	for _, event := range events {
		if err := p.PublishEntry(ctx, event); err != nil {
			// Events are advisory; one failure must not sink the batch.
			p.logger.Error("failed to publish entry event in batch",
				"monzo_id", event.MonzoID,
				"account_id", event.AccountID,
				"error", err,
			)
			continue
		}
	}

	p.logger.Debug("published entry event batch", "count", len(events))
	return nil
}

// PublishRunSummary publishes a run summary event.
func (p *JetStreamPublisher) PublishRunSummary(ctx context.Context, event *RunSummaryEvent) error {
	subject := fmt.Sprintf("sync.runs.%s", event.AccountID)

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal run summary event: %w", err)
	}

	_, err = p.js.Publish(ctx, subject, data)
	if err != nil {
		return fmt.Errorf("failed to publish run summary: %w", err)
	}

	p.logger.Debug("published run summary",
		"subject", subject,
		"run_id", event.RunID,
		"status", event.Status,
	)

	return nil
}

// Close closes the connection to NATS.
func (p *JetStreamPublisher) Close() error {
	if p.nc != nil {
		p.nc.Close()
		p.logger.Info("NATS publisher closed")
	}
	return nil
}
