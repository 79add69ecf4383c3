package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"blaze-sync/internal/app"
	"blaze-sync/internal/data/store"
	"blaze-sync/internal/infra/config"
	"blaze-sync/internal/infra/logger"
)

// --- run ---

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect and sync until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		log := logger.New("Blaze", cfg.LogLevel, cfg.LogFormat)

		session, err := app.NewSession(cfg, log, app.Options{})
		if err != nil {
			return err
		}
		defer session.Close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return session.Run(ctx)
	},
}

// --- stats ---

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue and store counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		stores, err := openStores()
		if err != nil {
			return err
		}
		defer stores.Close()

		stats, err := stores.GetStats()
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "http jobs\t%d\n", stats.HTTPJobs)
		fmt.Fprintf(w, "websocket jobs\t%d\n", stats.WebSocketJobs)
		fmt.Fprintf(w, "backlog\t%d\n", stats.Backlog)
		fmt.Fprintf(w, "messages\t%d\n", stats.Messages)
		fmt.Fprintf(w, "conversations\t%d\n", stats.Conversations)
		fmt.Fprintf(w, "sessions\t%d\n", stats.Sessions)
		return w.Flush()
	},
}

// --- jobs ---

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List queued outbound jobs in send order",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		stores, err := openStores()
		if err != nil {
			return err
		}
		defer stores.Close()

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "QUEUE\tACTION\tCONVERSATION\tMESSAGE\tCREATED")
		for _, category := range []store.JobCategory{store.JobCategoryHTTP, store.JobCategoryWebSocket} {
			jobs, err := stores.Jobs.NextBatchJobs(category, "", limit)
			if err != nil {
				return err
			}
			for _, j := range jobs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", j.Category, j.Action, j.ConversationID, j.MessageID,
					j.CreatedAt.Format("2006-01-02 15:04:05"))
			}
		}
		return w.Flush()
	},
}

// openStores opens the session database without connecting.
func openStores() (*store.Container, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	db, err := store.New(cfg.DatabasePath(), logger.New("Blaze", cfg.LogLevel, cfg.LogFormat))
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	return store.NewContainer(db), nil
}
