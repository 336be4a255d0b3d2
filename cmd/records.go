package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/teemow/obsidian-mcp/internal/logging"
	"github.com/teemow/obsidian-mcp/internal/store"
)

const recordTimeFormat = "2006-01-02 15:04:05"

func newRecordsCmd() *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:   "records",
		Short: "Inspect the record store",
		Long: `Inspect the SQLite record store that holds protocol sessions and OAuth
authorization state. Record ids are shown hashed.`,
	}
	cmd.PersistentFlags().StringVar(&dbPath, "db-path", "/data/sessions.db", "SQLite database for sessions and OAuth state. Can also use DB_PATH env var.")

	cmd.AddCommand(newRecordsListCmd(&dbPath))
	cmd.AddCommand(newRecordsSweepCmd(&dbPath))
	return cmd
}

func newRecordsListCmd(dbPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored records",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openRecordStore(cmd, dbPath)
			if err != nil {
				return err
			}
			defer st.Close()

			renderRecords(cmd.OutOrStdout(), st.List())
			return nil
		},
	}
}

func newRecordsSweepCmd(dbPath *string) *cobra.Command {
	var maxAge time.Duration

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Evict records idle for longer than --max-age",
		RunE: func(cmd *cobra.Command, args []string) error {
			if maxAge <= 0 {
				return fmt.Errorf("--max-age must be positive")
			}
			st, err := openRecordStore(cmd, dbPath)
			if err != nil {
				return err
			}
			defer st.Close()

			removed, err := st.Sweep(context.Background(), maxAge)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d record(s) idle for more than %s\n", removed, maxAge)
			return nil
		},
	}

	cmd.Flags().DurationVar(&maxAge, "max-age", store.DefaultRetention, "Remove records not accessed within this duration")
	return cmd
}

// openRecordStore opens the store named by dbPath after applying the DB_PATH
// fallback. Only warnings are logged so the output stays readable.
func openRecordStore(cmd *cobra.Command, dbPath *string) (*store.Store, error) {
	if err := applyEnvFallbacks(cmd, []envBinding{{flag: "db-path", env: "DB_PATH"}}, os.Getenv); err != nil {
		return nil, err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	quiet := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelWarn}))
	st, err := store.Open(ctx, *dbPath, store.WithLogger(quiet))
	if err != nil {
		return nil, fmt.Errorf("failed to open record store: %w", err)
	}
	return st, nil
}

func renderRecords(w io.Writer, records []store.Record) {
	if len(records) == 0 {
		fmt.Fprintln(w, text.FgYellow.Sprint("No records found"))
		return
	}

	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{
		text.FgHiCyan.Sprint("ID"),
		text.FgHiCyan.Sprint("KIND"),
		text.FgHiCyan.Sprint("CREATED"),
		text.FgHiCyan.Sprint("LAST ACCESS"),
		text.FgHiCyan.Sprint("SIZE"),
	})
	for _, rec := range records {
		t.AppendRow(table.Row{
			logging.HashValue(rec.ID),
			string(rec.Kind),
			rec.CreatedAt.UTC().Format(recordTimeFormat),
			rec.LastAccessedAt.UTC().Format(recordTimeFormat),
			len(rec.Payload),
		})
	}
	t.AppendFooter(table.Row{"", "", "", "TOTAL", len(records)})
	fmt.Fprintln(w, t.Render())
}
