package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/urfave/cli/v2"

	"github.com/oakhurst/monzosync/service/config"
	"github.com/oakhurst/monzosync/service/db"
	"github.com/oakhurst/monzosync/service/lunchmoney"
	"github.com/oakhurst/monzosync/service/monzo"
	natspkg "github.com/oakhurst/monzosync/service/nats"
	"github.com/oakhurst/monzosync/service/sync"
)

// Exit codes for the run command. Partial runs completed their writes but
// skipped or had entries rejected; callers (cron, CI) can distinguish them
// from hard failures.
const (
	exitCodeSuccess = 0
	exitCodeFailed  = 1
	exitCodePartial = 2
)

func runCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "Run a single sync pass for an account",
		ArgsUsage: "ACCOUNT_ID",
		Description: `Fetch new Monzo transactions since the account's cursor, reconcile them
against the local ledger, and push inserts and updates to Lunch Money.

Exit codes:
  0  all entries synced cleanly
  1  the run failed (transient source, sink, or database error)
  2  the run completed but skipped or had entries rejected

Example:
  monzosync run acc_00009ABCxyz --lookback-days 7`,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "lookback-days",
				Usage: "How far back to fetch when the account has no cursor",
			},
			&cli.IntFlag{
				Name:  "chunk-size",
				Usage: "Number of entries per Lunch Money insert request",
			},
			&cli.BoolFlag{
				Name:  "no-publish",
				Usage: "Skip publishing sync events to NATS",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: account ID")
			}
			accountID := c.Args().First()

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if dbURL := c.String("database-url"); dbURL != "" {
				cfg.DatabaseURL = dbURL
			}
			if natsURL := c.String("nats-url"); natsURL != "" {
				cfg.NATSURL = natsURL
			}

			logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
				Level: slog.LevelInfo,
			}))

			ctx := context.Background()

			pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			defer pool.Close()
			if err := pool.Ping(ctx); err != nil {
				return fmt.Errorf("failed to ping database: %w", err)
			}
			store := db.NewStore(pool)

			source := monzo.NewClient(cfg.MonzoAPIURL, cfg.MonzoAccessToken, nil, nil, logger)
			sink := lunchmoney.NewClient(cfg.LunchMoneyAPIURL, cfg.LunchMoneyAccessToken, nil, nil, logger)

			var publisher sync.Publisher
			if !c.Bool("no-publish") {
				p, err := natspkg.NewPublisher(cfg.NATSURL, logger)
				if err != nil {
					logger.Warn("nats unavailable, events will not be published", "error", err)
				} else {
					defer p.Close()
					publisher = p
				}
			}

			opts := sync.Options{
				LookbackDays:         cfg.LookbackDays,
				ChunkSize:            cfg.PushChunkSize,
				CategoryReplacements: cfg.CategoryReplacements,
			}
			if d := c.Int("lookback-days"); d > 0 {
				opts.LookbackDays = d
			}
			if n := c.Int("chunk-size"); n > 0 {
				opts.ChunkSize = n
			}

			engine := sync.NewEngine(store, source, sink, publisher, nil, logger, opts)
			summary, runErr := engine.Run(ctx, accountID)

			if c.Bool("json") {
				if err := outputJSON(summary); err != nil {
					return err
				}
			} else {
				printRunSummary(summary)
			}

			switch statusExitCode(summary.Status) {
			case exitCodeFailed:
				if runErr != nil {
					return cli.Exit(fmt.Sprintf("sync failed: %v", runErr), exitCodeFailed)
				}
				return cli.Exit("sync failed: "+summary.Error, exitCodeFailed)
			case exitCodePartial:
				return cli.Exit(fmt.Sprintf("sync completed with %d skipped, %d rejected",
					len(summary.Skipped), len(summary.Rejected)), exitCodePartial)
			default:
				return nil
			}
		},
	}
}

// statusExitCode maps a run status to the process exit code.
func statusExitCode(status string) int {
	switch status {
	case sync.StatusSuccess:
		return exitCodeSuccess
	case sync.StatusPartial:
		return exitCodePartial
	default:
		return exitCodeFailed
	}
}

func printRunSummary(s *sync.RunSummary) {
	fmt.Fprintf(os.Stderr, "Run:       %s\n", s.RunID)
	fmt.Fprintf(os.Stderr, "Account:   %s\n", s.AccountID)
	fmt.Fprintf(os.Stderr, "Status:    %s\n", s.Status)
	fmt.Fprintf(os.Stderr, "Fetched:   %d\n", s.Fetched)
	fmt.Fprintf(os.Stderr, "New:       %d\n", s.New)
	fmt.Fprintf(os.Stderr, "Updated:   %d\n", s.Updated)
	fmt.Fprintf(os.Stderr, "Unchanged: %d\n", s.Unchanged)
	for _, rec := range s.Skipped {
		fmt.Fprintf(os.Stderr, "Skipped:   %s (%s)\n", rec.MonzoID, rec.Reason)
	}
	for _, rec := range s.Rejected {
		fmt.Fprintf(os.Stderr, "Rejected:  %s (%s)\n", rec.MonzoID, rec.Reason)
	}
	if s.CursorAdvancedTo != nil {
		fmt.Fprintf(os.Stderr, "Cursor:    %s\n", s.CursorAdvancedTo.Format(time.RFC3339))
	}
	fmt.Fprintf(os.Stderr, "Duration:  %s\n", s.Duration)
}
