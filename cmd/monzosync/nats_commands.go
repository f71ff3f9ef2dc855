package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/itchyny/gojq"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/urfave/cli/v2"

	natspkg "github.com/oakhurst/monzosync/service/nats"
)

// subscribeEntriesCommand streams ledger entry events for an account.
func subscribeEntriesCommand() *cli.Command {
	return &cli.Command{
		Name:      "subscribe",
		Usage:     "Subscribe to ledger entry events for an account",
		ArgsUsage: "[account_id]",
		Description: `Subscribe to real-time entry events published to NATS JetStream.

Events are published to the subject: sync.entries.{account_id}

Optionally filter events with jq expressions; only events for which every
--jq filter evaluates to a truthy value are printed.

Example:
  monzosync nats subscribe acc_00009ABCxyz --jq '.action == "created"' --json`,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "durable",
				Aliases: []string{"d"},
				Usage:   "Create a durable consumer (survives restarts)",
			},
			&cli.StringFlag{
				Name:  "consumer-name",
				Usage: "Consumer name (required for durable)",
				Value: "monzosync-cli",
			},
			&cli.StringSliceFlag{
				Name:    "must-jq",
				Aliases: []string{"jq"},
				Usage:   "jq filter that must evaluate to true (can be repeated, all must match)",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("account ID is required")
			}

			accountID := c.Args().Get(0)
			subject := fmt.Sprintf("sync.entries.%s", accountID)

			filters, err := compileJQFilters(c.StringSlice("must-jq"))
			if err != nil {
				return err
			}

			return streamEvents(subject, c.String("nats-url"), c.Bool("durable"),
				c.String("consumer-name"), c.Bool("json"), filters, printEntryEvent)
		},
	}
}

// subscribeRunsCommand streams run summary events for an account.
func subscribeRunsCommand() *cli.Command {
	return &cli.Command{
		Name:      "subscribe-runs",
		Usage:     "Subscribe to sync run summaries for an account",
		ArgsUsage: "[account_id]",
		Description: `Subscribe to run summary events published to NATS JetStream.

Events are published to the subject: sync.runs.{account_id}

Example:
  monzosync nats subscribe-runs acc_00009ABCxyz --jq '.status == "partial"'`,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "durable",
				Aliases: []string{"d"},
				Usage:   "Create a durable consumer (survives restarts)",
			},
			&cli.StringFlag{
				Name:  "consumer-name",
				Usage: "Consumer name (required for durable)",
				Value: "monzosync-cli",
			},
			&cli.StringSliceFlag{
				Name:    "must-jq",
				Aliases: []string{"jq"},
				Usage:   "jq filter that must evaluate to true (can be repeated, all must match)",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("account ID is required")
			}

			accountID := c.Args().Get(0)
			subject := fmt.Sprintf("sync.runs.%s", accountID)

			filters, err := compileJQFilters(c.StringSlice("must-jq"))
			if err != nil {
				return err
			}

			return streamEvents(subject, c.String("nats-url"), c.Bool("durable"),
				c.String("consumer-name"), c.Bool("json"), filters, printRunEvent)
		},
	}
}

// streamEvents connects to NATS and streams events from the given subject
// until interrupted. Events failing any jq filter are skipped.
func streamEvents(subject, natsURL string, durable bool, consumerName string, jsonOutput bool, filters []*gojq.Code, printEvent func(int, []byte)) error {
	nc, err := nats.Connect(natsURL)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	if !jsonOutput {
		fmt.Printf("Subscribing to: %s\n", subject)
		fmt.Printf("  NATS: %s\n", natsURL)
		if durable {
			fmt.Printf("  Consumer: %s (durable)\n", consumerName)
		}
		fmt.Printf("\nWaiting for events... (Ctrl-C to exit)\n\n")
	}

	consumerConfig := jetstream.ConsumerConfig{
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
	}
	if durable {
		consumerConfig.Durable = consumerName
		consumerConfig.Name = consumerName
	}

	cons, err := js.CreateOrUpdateConsumer(context.Background(), natspkg.StreamName, consumerConfig)
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	msgChan := make(chan jetstream.Msg, 10)
	go func() {
		_, _ = cons.Consume(func(msg jetstream.Msg) {
			msgChan <- msg
		})
	}()

	count := 0
	for {
		select {
		case msg := <-msgChan:
			ok, err := matchesJQFilters(filters, msg.Data())
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error applying filter: %v\n", err)
				msg.Ack()
				continue
			}
			if !ok {
				msg.Ack()
				continue
			}

			count++
			if jsonOutput {
				fmt.Println(string(msg.Data()))
			} else {
				printEvent(count, msg.Data())
			}
			msg.Ack()

		case <-sigChan:
			if !jsonOutput {
				fmt.Printf("\n\nReceived %d events\n", count)
				fmt.Println("Shutting down...")
			}
			return nil
		}
	}
}

func printEntryEvent(count int, data []byte) {
	var event natspkg.EntryEvent
	if err := json.Unmarshal(data, &event); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing event: %v\n", err)
		return
	}

	fmt.Printf("─────────────────────────────────────────────────────\n")
	fmt.Printf("Entry #%d (%s)\n", count, event.Action)
	fmt.Printf("─────────────────────────────────────────────────────\n")
	fmt.Printf("Monzo ID:   %s\n", event.MonzoID)
	fmt.Printf("Account:    %s\n", event.AccountID)
	fmt.Printf("Date:       %s\n", event.Date)
	fmt.Printf("Payee:      %s\n", event.Payee)
	fmt.Printf("Amount:     %s %s\n", event.Amount, event.Currency)
	fmt.Printf("Category:   %s\n", event.CategoryName)
	if event.LunchMoneyID != nil {
		fmt.Printf("LM ID:      %d\n", *event.LunchMoneyID)
	}
	fmt.Printf("Published:  %s\n\n", event.PublishedAt.Format(time.RFC3339))
}

func printRunEvent(count int, data []byte) {
	var event natspkg.RunSummaryEvent
	if err := json.Unmarshal(data, &event); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing event: %v\n", err)
		return
	}

	fmt.Printf("─────────────────────────────────────────────────────\n")
	fmt.Printf("Run #%d (%s)\n", count, event.Status)
	fmt.Printf("─────────────────────────────────────────────────────\n")
	fmt.Printf("Run ID:     %s\n", event.RunID)
	fmt.Printf("Account:    %s\n", event.AccountID)
	fmt.Printf("Fetched:    %d\n", event.Fetched)
	fmt.Printf("New:        %d\n", event.NewEntries)
	fmt.Printf("Updated:    %d\n", event.UpdatedEntries)
	fmt.Printf("Unchanged:  %d\n", event.UnchangedEntries)
	for _, rec := range event.Skipped {
		fmt.Printf("Skipped:    %s (%s)\n", rec.MonzoID, rec.Reason)
	}
	if event.Error != "" {
		fmt.Printf("Error:      %s\n", event.Error)
	}
	fmt.Printf("Published:  %s\n\n", event.PublishedAt.Format(time.RFC3339))
}

// compileJQFilters parses and compiles a list of jq expressions.
func compileJQFilters(filters []string) ([]*gojq.Code, error) {
	compiled := make([]*gojq.Code, len(filters))
	for i, filter := range filters {
		query, err := gojq.Parse(filter)
		if err != nil {
			return nil, fmt.Errorf("failed to parse jq filter %q: %w", filter, err)
		}
		compiled[i], err = gojq.Compile(query)
		if err != nil {
			return nil, fmt.Errorf("failed to compile jq filter %q: %w", filter, err)
		}
	}
	return compiled, nil
}

// matchesJQFilters reports whether the raw JSON event satisfies every
// compiled filter. No filters means everything matches.
func matchesJQFilters(filters []*gojq.Code, data []byte) (bool, error) {
	if len(filters) == 0 {
		return true, nil
	}

	var event interface{}
	if err := json.Unmarshal(data, &event); err != nil {
		return false, fmt.Errorf("failed to parse event JSON: %w", err)
	}

	for _, code := range filters {
		iter := code.Run(event)
		v, ok := iter.Next()
		if !ok {
			return false, nil
		}
		if err, isErr := v.(error); isErr {
			return false, err
		}
		if !isTruthy(v) {
			return false, nil
		}
	}
	return true, nil
}

// isTruthy checks if a jq result value is truthy.
// In jq, false and null are falsy, everything else is truthy.
func isTruthy(v interface{}) bool {
	if v == nil {
		return false
	}
	if b, ok := v.(bool); ok {
		return b
	}
	// Everything else (numbers, strings, objects, arrays) is truthy
	return true
}
