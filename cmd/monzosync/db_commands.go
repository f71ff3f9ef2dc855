package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/urfave/cli/v2"

	"github.com/oakhurst/monzosync/service/db"
)

func listAccountsCommand() *cli.Command {
	return &cli.Command{
		Name:    "list-accounts",
		Usage:   "List all registered accounts",
		Aliases: []string{"ls"},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "status",
				Aliases: []string{"s"},
				Usage:   "Filter by status (active, paused, error)",
			},
		},
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			accounts, err := store.ListAccounts(context.Background())
			if err != nil {
				return fmt.Errorf("failed to list accounts: %w", err)
			}

			// Filter by status if specified
			statusFilter := c.String("status")
			if statusFilter != "" {
				filtered := make([]*db.Account, 0)
				for _, a := range accounts {
					if a.Status == statusFilter {
						filtered = append(filtered, a)
					}
				}
				accounts = filtered
			}

			if c.Bool("json") {
				return outputJSON(accounts)
			}

			// Pretty table output
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ACCOUNT\tNAME\tSTATUS\tINTERVAL\tCURSOR\tLAST SYNC")
			for _, account := range accounts {
				cursor := "none"
				if account.Cursor != nil {
					cursor = account.Cursor.Format(time.RFC3339)
				}
				lastSync := "never"
				if account.LastSyncTime != nil {
					lastSync = account.LastSyncTime.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%s\t%s\n",
					account.AccountID,
					account.Name,
					account.Status,
					account.SyncInterval,
					cursor,
					lastSync,
				)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d accounts\n", len(accounts))
			return nil
		},
	}
}

func getAccountCommand() *cli.Command {
	return &cli.Command{
		Name:      "get-account",
		Usage:     "Get account details",
		Aliases:   []string{"get"},
		ArgsUsage: "<account_id>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: account ID")
			}

			accountID := c.Args().First()
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			account, err := store.GetAccount(context.Background(), accountID)
			if err != nil {
				return fmt.Errorf("failed to get account: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(account)
			}

			// Pretty output
			fmt.Printf("Account:       %s\n", account.AccountID)
			fmt.Printf("Name:          %s\n", account.Name)
			fmt.Printf("Kind:          %s\n", account.Kind)
			fmt.Printf("Currency:      %s\n", account.Currency)
			fmt.Printf("Asset ID:      %d\n", account.AssetID)
			fmt.Printf("Status:        %s\n", account.Status)
			fmt.Printf("Sync Interval: %v\n", account.SyncInterval)
			if account.Cursor != nil {
				fmt.Printf("Cursor:        %s\n", account.Cursor.Format(time.RFC3339))
			} else {
				fmt.Printf("Cursor:        none\n")
			}
			if account.LastSyncTime != nil {
				fmt.Printf("Last Sync:     %s\n", account.LastSyncTime.Format(time.RFC3339))
			} else {
				fmt.Printf("Last Sync:     never\n")
			}
			fmt.Printf("Created:       %s\n", account.CreatedAt.Format(time.RFC3339))
			fmt.Printf("Updated:       %s\n", account.UpdatedAt.Format(time.RFC3339))

			return nil
		},
	}
}

func listEntriesCommand() *cli.Command {
	return &cli.Command{
		Name:    "list-entries",
		Usage:   "List ledger entries for an account",
		Aliases: []string{"entries"},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "account",
				Aliases: []string{"a"},
				Usage:   "Account ID to list entries for",
			},
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Usage:   "Limit number of entries",
				Value:   50,
			},
			&cli.IntFlag{
				Name:  "offset",
				Usage: "Number of entries to skip",
			},
		},
		Action: func(c *cli.Context) error {
			accountID := c.String("account")
			if accountID == "" {
				return fmt.Errorf("please specify --account flag to list entries")
			}

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			entries, err := store.ListEntries(context.Background(), db.ListEntriesParams{
				AccountID: accountID,
				Limit:     int32(c.Int("limit")),
				Offset:    int32(c.Int("offset")),
			})
			if err != nil {
				return fmt.Errorf("failed to list entries: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(entries)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "MONZO ID\tDATE\tPAYEE\tAMOUNT\tCATEGORY\tLM ID")
			for _, e := range entries {
				lmID := "-"
				if e.LunchMoneyID != nil {
					lmID = fmt.Sprintf("%d", *e.LunchMoneyID)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s %s\t%s\t%s\n",
					e.MonzoID,
					e.Date,
					e.Payee,
					e.Amount.StringFixed(2),
					e.Currency,
					e.CategoryName,
					lmID,
				)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d entries\n", len(entries))
			return nil
		},
	}
}

func listRunsCommand() *cli.Command {
	return &cli.Command{
		Name:    "list-runs",
		Usage:   "List recent sync runs for an account",
		Aliases: []string{"runs"},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "account",
				Aliases: []string{"a"},
				Usage:   "Account ID to list runs for",
			},
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Usage:   "Limit number of runs",
				Value:   20,
			},
		},
		Action: func(c *cli.Context) error {
			accountID := c.String("account")
			if accountID == "" {
				return fmt.Errorf("please specify --account flag to list runs")
			}

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			runs, err := store.ListSyncRuns(context.Background(), accountID, int32(c.Int("limit")))
			if err != nil {
				return fmt.Errorf("failed to list runs: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(runs)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "RUN\tSTATUS\tFETCHED\tNEW\tUPDATED\tSKIPPED\tSTARTED\tDURATION")
			for _, r := range runs {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%s\t%s\n",
					r.RunID,
					r.Status,
					r.Fetched,
					r.NewEntries,
					r.UpdatedEntries,
					len(r.Skipped),
					r.StartedAt.Format(time.RFC3339),
					r.Duration.Round(time.Millisecond),
				)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d runs\n", len(runs))
			return nil
		},
	}
}

// Helper function to connect to database
func getStore(c *cli.Context) (*db.Store, func(), error) {
	// Try to get from parent context first (for global flags)
	dbURL := c.String("database-url")
	if dbURL == "" && c.App != nil {
		// Try environment variable directly if flag not found
		dbURL = os.Getenv("DATABASE_URL")
	}
	if dbURL == "" {
		return nil, nil, fmt.Errorf("database-url is required (set DATABASE_URL env var or use --database-url)")
	}

	pool, err := pgxpool.New(context.Background(), dbURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := db.NewStore(pool)
	closer := func() { pool.Close() }

	return store, closer, nil
}

// Helper function to output JSON
func outputJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
