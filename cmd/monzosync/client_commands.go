package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/oakhurst/monzosync/client"
)

func clientCommands() *cli.Command {
	return &cli.Command{
		Name:  "client",
		Usage: "HTTP client commands for interacting with the sync service",
		Subcommands: []*cli.Command{
			registerCommand(),
			unregisterCommand(),
			clientListCommand(),
			clientGetCommand(),
			clientPauseCommand(),
			clientResumeCommand(),
			clientSyncCommand(),
			clientRunsCommand(),
		},
	}
}

// getAPIClient builds the HTTP client from the global server-url flag.
func getAPIClient(c *cli.Context) (*client.Client, error) {
	serverURL := c.String("server-url")
	if serverURL == "" {
		return nil, fmt.Errorf("server-url is required (set SERVER_URL env var or use --server-url)")
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError, // Only errors to stderr
	}))

	return client.NewClient(serverURL, nil, logger), nil
}

func registerCommand() *cli.Command {
	return &cli.Command{
		Name:      "register",
		Usage:     "Register an account for scheduled syncing",
		ArgsUsage: "ACCOUNT_ID",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "name",
				Usage:    "Display name for the account",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "kind",
				Usage: "Account kind (main, joint or pot)",
				Value: "main",
			},
			&cli.StringFlag{
				Name:  "currency",
				Usage: "Account currency",
				Value: "GBP",
			},
			&cli.Int64Flag{
				Name:     "asset-id",
				Usage:    "Lunch Money asset ID the account maps to",
				Required: true,
			},
			&cli.DurationFlag{
				Name:    "interval",
				Aliases: []string{"i"},
				Usage:   "How often to sync the account",
				Value:   time.Hour,
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return fmt.Errorf("account ID is required")
			}

			cl, err := getAPIClient(c)
			if err != nil {
				return err
			}

			account, err := cl.Register(context.Background(), client.RegisterParams{
				AccountID:    c.Args().First(),
				Name:         c.String("name"),
				Kind:         c.String("kind"),
				Currency:     c.String("currency"),
				AssetID:      c.Int64("asset-id"),
				SyncInterval: c.Duration("interval"),
			})
			if err != nil {
				return fmt.Errorf("failed to register account: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(account)
			}

			fmt.Printf("✓ Registered %s (%s)\n", account.AccountID, account.Name)
			fmt.Printf("  Interval: %v\n", account.SyncInterval)
			fmt.Printf("  Status:   %s\n", account.Status)
			return nil
		},
	}
}

func unregisterCommand() *cli.Command {
	return &cli.Command{
		Name:      "unregister",
		Usage:     "Unregister an account and delete its schedule",
		ArgsUsage: "ACCOUNT_ID",
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return fmt.Errorf("account ID is required")
			}
			accountID := c.Args().First()

			cl, err := getAPIClient(c)
			if err != nil {
				return err
			}

			if err := cl.Unregister(context.Background(), accountID); err != nil {
				return fmt.Errorf("failed to unregister account: %w", err)
			}

			fmt.Printf("✓ Unregistered %s\n", accountID)
			return nil
		},
	}
}

func clientListCommand() *cli.Command {
	return &cli.Command{
		Name:    "list",
		Usage:   "List registered accounts",
		Aliases: []string{"ls"},
		Action: func(c *cli.Context) error {
			cl, err := getAPIClient(c)
			if err != nil {
				return err
			}

			accounts, err := cl.List(context.Background())
			if err != nil {
				return fmt.Errorf("failed to list accounts: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(accounts)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ACCOUNT\tNAME\tSTATUS\tINTERVAL")
			for _, a := range accounts {
				fmt.Fprintf(w, "%s\t%s\t%s\t%v\n", a.AccountID, a.Name, a.Status, a.SyncInterval)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d accounts\n", len(accounts))
			return nil
		},
	}
}

func clientGetCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "Get account details",
		ArgsUsage: "ACCOUNT_ID",
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return fmt.Errorf("account ID is required")
			}

			cl, err := getAPIClient(c)
			if err != nil {
				return err
			}

			account, err := cl.Get(context.Background(), c.Args().First())
			if err != nil {
				return fmt.Errorf("failed to get account: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(account)
			}

			fmt.Printf("Account:       %s\n", account.AccountID)
			fmt.Printf("Name:          %s\n", account.Name)
			fmt.Printf("Status:        %s\n", account.Status)
			fmt.Printf("Sync Interval: %v\n", account.SyncInterval)
			if account.Cursor != nil {
				fmt.Printf("Cursor:        %s\n", account.Cursor.Format(time.RFC3339))
			} else {
				fmt.Printf("Cursor:        none\n")
			}
			return nil
		},
	}
}

func clientPauseCommand() *cli.Command {
	return &cli.Command{
		Name:      "pause",
		Usage:     "Pause scheduled syncing for an account",
		ArgsUsage: "ACCOUNT_ID",
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return fmt.Errorf("account ID is required")
			}
			accountID := c.Args().First()

			cl, err := getAPIClient(c)
			if err != nil {
				return err
			}

			if err := cl.Pause(context.Background(), accountID); err != nil {
				return fmt.Errorf("failed to pause account: %w", err)
			}

			fmt.Printf("✓ Paused %s\n", accountID)
			return nil
		},
	}
}

func clientResumeCommand() *cli.Command {
	return &cli.Command{
		Name:      "resume",
		Usage:     "Resume scheduled syncing for an account",
		ArgsUsage: "ACCOUNT_ID",
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return fmt.Errorf("account ID is required")
			}
			accountID := c.Args().First()

			cl, err := getAPIClient(c)
			if err != nil {
				return err
			}

			if err := cl.Resume(context.Background(), accountID); err != nil {
				return fmt.Errorf("failed to resume account: %w", err)
			}

			fmt.Printf("✓ Resumed %s\n", accountID)
			return nil
		},
	}
}

func clientSyncCommand() *cli.Command {
	return &cli.Command{
		Name:      "sync",
		Usage:     "Trigger an immediate sync for an account",
		ArgsUsage: "ACCOUNT_ID",
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return fmt.Errorf("account ID is required")
			}
			accountID := c.Args().First()

			cl, err := getAPIClient(c)
			if err != nil {
				return err
			}

			workflowID, err := cl.TriggerSync(context.Background(), accountID)
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

func clientRunsCommand() *cli.Command {
	return &cli.Command{
		Name:      "runs",
		Usage:     "List recent sync runs for an account",
		ArgsUsage: "ACCOUNT_ID",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Usage:   "Limit number of runs",
				Value:   20,
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return fmt.Errorf("account ID is required")
			}

			cl, err := getAPIClient(c)
			if err != nil {
				return err
			}

			runs, err := cl.ListRuns(context.Background(), c.Args().First(), c.Int("limit"))
			if err != nil {
				return fmt.Errorf("failed to list runs: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(runs)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "RUN\tSTATUS\tFETCHED\tNEW\tUPDATED\tSKIPPED\tSTARTED")
			for _, r := range runs {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%s\n",
					r.RunID,
					r.Status,
					r.Fetched,
					r.NewEntries,
					r.UpdatedEntries,
					len(r.Skipped),
					r.StartedAt.Format(time.RFC3339),
				)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d runs\n", len(runs))
			return nil
		},
	}
}
