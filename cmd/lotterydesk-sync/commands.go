package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/kimhsiao/lotterydesk/internal/db"
	apperrors "github.com/kimhsiao/lotterydesk/internal/errors"
	"github.com/kimhsiao/lotterydesk/internal/models"
	"github.com/kimhsiao/lotterydesk/internal/sync/queue"
)

var runOnceCmd = &cobra.Command{
	Use:     "run-once",
	GroupID: "sync",
	Short:   "Run a single sync pass and print the outcome",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		engine, _, err := a.engine()
		if err != nil {
			return err
		}

		if _, err := a.logs.ReclaimStale(cmd.Context(), cfg.Store.ID, cfg.Sync.StaleAfter); err != nil {
			return err
		}
		if _, err := engine.TriggerSync(cmd.Context()); err != nil {
			return err
		}
		return printStatus(cmd.Context(), cmd.OutOrStdout(), a, cfg.Store.ID)
	},
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show queue counts and the latest sync run",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		storeID, err := a.requireStore()
		if err != nil {
			return err
		}
		return printStatus(cmd.Context(), cmd.OutOrStdout(), a, storeID)
	},
}

func printStatus(ctx context.Context, out io.Writer, a *app, storeID string) error {
	stats, err := a.queue.GetStats(ctx, storeID)
	if err != nil {
		return err
	}
	latest, err := a.logs.Latest(ctx, storeID)
	if err != nil {
		return err
	}
	running, err := a.logs.Running(ctx, storeID)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Store:\t%s\n", storeID)
	fmt.Fprintf(w, "Pending:\t%s\n", humanize.Comma(int64(stats.Pending)))
	fmt.Fprintf(w, "Retrying:\t%s\n", humanize.Comma(int64(stats.Failed)))
	fmt.Fprintf(w, "Synced today:\t%s\n", humanize.Comma(int64(stats.SyncedToday)))
	fmt.Fprintf(w, "Dead-lettered:\t%s\n", humanize.Comma(int64(stats.DeadLettered)))
	if stats.OldestPending != nil {
		fmt.Fprintf(w, "Oldest pending:\t%s\n", humanize.Time(*stats.OldestPending))
	}
	if len(running) > 0 {
		fmt.Fprintf(w, "In progress:\t%d run(s), oldest started %s\n", len(running), humanize.Time(running[0].StartedAt))
	}

	if latest == nil {
		fmt.Fprintf(w, "Last sync:\tnever\n")
		return w.Flush()
	}
	fmt.Fprintf(w, "Last sync:\t%s (%s)\n", latest.Status, humanize.Time(latest.StartedAt))
	fmt.Fprintf(w, "Records:\t%d sent, %d succeeded, %d failed\n",
		latest.RecordsSent, latest.RecordsSucceeded, latest.RecordsFailed)
	if latest.CompletedAt != nil {
		fmt.Fprintf(w, "Duration:\t%s\n", latest.CompletedAt.Sub(latest.StartedAt).Round(time.Millisecond))
	}
	if latest.ErrorMessage != nil {
		fmt.Fprintf(w, "Error:\t%s\n", apperrors.SanitizeMessage(*latest.ErrorMessage))
	}
	return w.Flush()
}

var (
	enqueueEntity   string
	enqueueID       string
	enqueueOp       string
	enqueuePayload  string
	enqueuePriority int
)

var enqueueCmd = &cobra.Command{
	Use:     "enqueue",
	GroupID: "queue",
	Short:   "Record a mutation for delivery",
	Example: `  lotterydesk-sync enqueue --entity pack --id p-100 --op CREATE \
    --payload '{"pack_id":"p-100","store_id":"s-1","pack_number":"0042","game_code":"1234"}'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		storeID, err := a.requireStore()
		if err != nil {
			return err
		}
		op, err := models.ParseOperation(enqueueOp)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrValidation, "invalid --op", err)
		}

		var payload interface{}
		if enqueuePayload != "" {
			payload = json.RawMessage(enqueuePayload)
		}
		item, err := a.queue.Enqueue(cmd.Context(), queue.EnqueueRequest{
			StoreID:     storeID,
			EntityType:  enqueueEntity,
			EntityID:    enqueueID,
			Operation:   string(op),
			Payload:     payload,
			Priority:    enqueuePriority,
			MaxAttempts: cfg.Sync.MaxAttempts,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Enqueued %s %s %s as %s\n", item.Operation, item.EntityType, item.EntityID, item.ID)
		return nil
	},
}

var cleanupDays int

var cleanupCmd = &cobra.Command{
	Use:     "cleanup",
	GroupID: "queue",
	Short:   "Delete synced items older than the retention period",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		storeID, err := a.requireStore()
		if err != nil {
			return err
		}
		days := cleanupDays
		if days <= 0 {
			days = cfg.Sync.RetentionDays
		}
		removed, err := a.queue.CleanupSynced(cmd.Context(), storeID, days)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %s synced item(s) older than %d day(s)\n", humanize.Comma(removed), days)
		return nil
	},
}

var migrateDown bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := db.Open(cfg.Database.DSN)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "failed to open sync database", err)
		}
		defer database.Close()

		m := db.NewMigrator(database)
		if migrateDown {
			if err := m.Down(); err != nil {
				return apperrors.Wrap(apperrors.ErrMigration, "rollback failed", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Rolled back one migration")
			return nil
		}

		n, err := m.Up()
		if err != nil {
			return apperrors.Wrap(apperrors.ErrMigration, "migration failed", err)
		}
		version, err := m.CurrentVersion()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s), schema at version %d\n", n, version)
		return nil
	},
}

var deadLettersLimit int

var deadLettersCmd = &cobra.Command{
	Use:     "dead-letters",
	GroupID: "queue",
	Short:   "List items that will not be retried",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		storeID, err := a.requireStore()
		if err != nil {
			return err
		}
		items, err := a.queue.GetDeadLettered(cmd.Context(), storeID, deadLettersLimit)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No dead-lettered items")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tENTITY\tOP\tATTEMPTS\tREASON\tWHEN\tERROR")
		for _, item := range items {
			reason, when, msg := "-", "-", ""
			if item.DeadLetterReason != nil {
				reason = string(*item.DeadLetterReason)
			}
			if item.DeadLetteredAt != nil {
				when = humanize.Time(*item.DeadLetteredAt)
			}
			if item.LastSyncError != nil {
				msg = apperrors.SanitizeMessage(*item.LastSyncError)
			}
			fmt.Fprintf(w, "%s\t%s/%s\t%s\t%d\t%s\t%s\t%s\n",
				item.ID, item.EntityType, item.EntityID, item.Operation, item.SyncAttempts, reason, when, msg)
		}
		return w.Flush()
	},
}

func init() {
	enqueueCmd.Flags().StringVar(&enqueueEntity, "entity", "", "entity type, e.g. pack")
	enqueueCmd.Flags().StringVar(&enqueueID, "id", "", "entity id")
	enqueueCmd.Flags().StringVar(&enqueueOp, "op", "", "operation: CREATE, UPDATE, DELETE or ACTIVATE")
	enqueueCmd.Flags().StringVar(&enqueuePayload, "payload", "", "JSON payload")
	enqueueCmd.Flags().IntVar(&enqueuePriority, "priority", 0, "lower runs first")
	for _, f := range []string{"entity", "id", "op"} {
		_ = enqueueCmd.MarkFlagRequired(f)
	}

	cleanupCmd.Flags().IntVar(&cleanupDays, "days", 0, "retention in days (default sync.retention_days)")
	migrateCmd.Flags().BoolVar(&migrateDown, "down", false, "roll back the latest migration")
	deadLettersCmd.Flags().IntVar(&deadLettersLimit, "limit", 50, "maximum items to list")

}
