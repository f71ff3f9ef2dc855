package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/oakhurst/monzosync/service/temporal"
)

func createScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:      "create-schedule",
		Usage:     "Create or update the sync schedule for an account",
		ArgsUsage: "<account_id>",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:    "interval",
				Aliases: []string{"i"},
				Usage:   "How often to sync the account",
				Value:   time.Hour,
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: account ID")
			}
			accountID := c.Args().First()

			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			interval := c.Duration("interval")
			if err := tc.UpsertAccountSchedule(context.Background(), accountID, interval); err != nil {
				return fmt.Errorf("failed to create schedule: %w", err)
			}

			fmt.Printf("✓ Schedule created for %s (every %v)\n", accountID, interval)
			return nil
		},
	}
}

func pauseScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:      "pause-schedule",
		Usage:     "Pause the sync schedule for an account",
		ArgsUsage: "<account_id>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: account ID")
			}
			accountID := c.Args().First()

			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			if err := tc.PauseAccountSchedule(context.Background(), accountID); err != nil {
				return fmt.Errorf("failed to pause schedule: %w", err)
			}

			fmt.Printf("✓ Schedule paused for %s\n", accountID)
			return nil
		},
	}
}

func resumeScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:      "resume-schedule",
		Usage:     "Resume the sync schedule for an account",
		ArgsUsage: "<account_id>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: account ID")
			}
			accountID := c.Args().First()

			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			if err := tc.UnpauseAccountSchedule(context.Background(), accountID); err != nil {
				return fmt.Errorf("failed to resume schedule: %w", err)
			}

			fmt.Printf("✓ Schedule resumed for %s\n", accountID)
			return nil
		},
	}
}

func deleteScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:      "delete-schedule",
		Usage:     "Delete the sync schedule for an account",
		ArgsUsage: "<account_id>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: account ID")
			}
			accountID := c.Args().First()

			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			if err := tc.DeleteAccountSchedule(context.Background(), accountID); err != nil {
				return fmt.Errorf("failed to delete schedule: %w", err)
			}

			fmt.Printf("✓ Schedule deleted for %s\n", accountID)
			return nil
		},
	}
}

func triggerSyncCommand() *cli.Command {
	return &cli.Command{
		Name:      "trigger-sync",
		Usage:     "Start a sync workflow for an account immediately",
		ArgsUsage: "<account_id>",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "lookback-days",
				Usage: "How far back to fetch when the account has no cursor",
				Value: 30,
			},
			&cli.IntFlag{
				Name:  "chunk-size",
				Usage: "Number of entries per Lunch Money insert request",
				Value: 25,
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: account ID")
			}
			accountID := c.Args().First()

			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			workflowID, err := tc.TriggerSync(context.Background(), temporal.SyncAccountInput{
				AccountID:    accountID,
				LookbackDays: c.Int("lookback-days"),
				ChunkSize:    c.Int("chunk-size"),
			})
			if err != nil {
				return fmt.Errorf("failed to trigger sync: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(map[string]string{
					"account_id":  accountID,
					"workflow_id": workflowID,
				})
			}

			fmt.Printf("✓ Sync started for %s\n", accountID)
			fmt.Printf("  Workflow: %s\n", workflowID)
			return nil
		},
	}
}

// Helper function to connect to Temporal
func getTemporalClient(c *cli.Context) (*temporal.Client, error) {
	host := c.String("temporal-host")
	if host == "" {
		host = "localhost:7233"
	}
	namespace := c.String("temporal-namespace")
	if namespace == "" {
		namespace = "default"
	}
	taskQueue := c.String("temporal-task-queue")
	if taskQueue == "" {
		taskQueue = "monzosync"
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))

	tc, err := temporal.NewClient(host, namespace, taskQueue, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Temporal: %w", err)
	}
	return tc, nil
}
