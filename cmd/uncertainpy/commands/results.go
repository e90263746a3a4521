package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Chaztikov/uncertainpy/pkg/engine"
	"github.com/Chaztikov/uncertainpy/pkg/stores"
)

func newResultsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "results",
		Short: "Inspect stored results",
		Long:  `List, show and delete the runs stored in the results database.`,
	}

	cmd.AddCommand(newResultsListCommand())
	cmd.AddCommand(newResultsShowCommand())
	cmd.AddCommand(newResultsEventsCommand())
	cmd.AddCommand(newResultsDeleteCommand())

	return cmd
}

// openExistingStore opens the database named by --db, which must already exist.
func openExistingStore(cmd *cobra.Command) (*stores.SQLiteStore, error) {
	path, _ := cmd.Flags().GetString("db")
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("no results database at %s (run uncertainpy init or pass --db)", path)
	}
	return openStore(cmd.Context(), path)
}

func newResultsListCommand() *cobra.Command {
	var (
		name   string
		limit  int
		offset int
		format string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored runs, newest first",
		Example: `  uncertainpy results list
  uncertainpy results list --name coffee-cup --limit 5 --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateFormat(format); err != nil {
				return err
			}
			store, err := openExistingStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			var filter *string
			if name != "" {
				filter = &name
			}
			runs, err := store.ListRuns(cmd.Context(), filter, limit, offset)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if format != formatTable {
				return writeValue(w, format, runs)
			}
			if len(runs) == 0 {
				fmt.Fprintln(w, "No runs stored")
				return nil
			}
			tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "RUN ID\tNAME\tMETHOD\tSTATE\tNODES\tFAILED\tSTARTED")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
					r.ID, r.Name, r.Method, r.State, r.Nodes, r.Failed, r.StartedAt.Local().Format(time.DateTime))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "only runs of this study")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of runs to skip")
	cmd.Flags().StringVarP(&format, "format", "o", formatTable, "output format (table, json, yaml)")

	return cmd
}

func newResultsShowCommand() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show the statistics of a stored run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateFormat(format); err != nil {
				return err
			}
			store, err := openExistingStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			report, err := storedReport(cmd.Context(), store, args[0])
			if err != nil {
				return err
			}
			return writeReports(cmd.OutOrStdout(), format, []*runReport{report})
		},
	}

	cmd.Flags().StringVarP(&format, "format", "o", formatTable, "output format (table, json, yaml)")

	return cmd
}

// storedReport rebuilds a run report from the database.
func storedReport(ctx context.Context, store *stores.SQLiteStore, id string) (*runReport, error) {
	run, err := store.GetRun(ctx, id)
	if errors.Is(err, stores.ErrNotFound) {
		return nil, fmt.Errorf("run %s not found", id)
	}
	if err != nil {
		return nil, err
	}

	report := &runReport{
		RunID:     run.ID,
		Name:      run.Name,
		Method:    run.Method,
		State:     string(run.State),
		Nodes:     run.Nodes,
		StartedAt: run.StartedAt,
		Outputs:   []outputReport{},
	}
	if run.CompletedAt != nil {
		report.Duration = run.CompletedAt.Sub(run.StartedAt).Round(time.Millisecond).String()
	}
	if run.Error != nil {
		report.Error = *run.Error
	}
	if err := decodeJSON(run.Uncertain, &report.Uncertain); err != nil {
		return nil, fmt.Errorf("failed to decode uncertain parameters: %w", err)
	}
	if run.Diagnostics != "" {
		report.Diagnostics = &engine.Diagnostics{}
		if err := decodeJSON(run.Diagnostics, report.Diagnostics); err != nil {
			return nil, fmt.Errorf("failed to decode diagnostics: %w", err)
		}
	}
	if run.Policy != nil {
		report.Policy = &engine.PolicyReport{}
		if err := decodeJSON(*run.Policy, report.Policy); err != nil {
			return nil, fmt.Errorf("failed to decode policy report: %w", err)
		}
	}

	outputs, err := store.ListOutputs(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, o := range outputs {
		rec, err := o.DecodeRecord()
		if err != nil {
			return nil, fmt.Errorf("failed to decode output %s: %w", o.Name, err)
		}
		report.Outputs = append(report.Outputs, newOutputReport(rec))
	}
	return report, nil
}

func decodeJSON(s string, v any) error {
	if s == "" {
		return nil
	}
	return json.Unmarshal([]byte(s), v)
}

func newResultsEventsCommand() *cobra.Command {
	var (
		level     string
		eventType string
		limit     int
		format    string
	)

	cmd := &cobra.Command{
		Use:   "events <run-id>",
		Short: "Show the events recorded during a run",
		Example: `  uncertainpy results events 3f1c... --level warning
  uncertainpy results events 3f1c... --type node.failed --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateFormat(format); err != nil {
				return err
			}
			store, err := openExistingStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			filter := stores.EventFilter{RunID: &args[0]}
			if eventType != "" {
				filter.Type = &eventType
			}
			if level != "" {
				l := stores.EventLevel(level)
				filter.Level = &l
			}
			events, err := store.GetEvents(cmd.Context(), filter, limit, 0)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if format != formatTable {
				return writeValue(w, format, events)
			}
			tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tLEVEL\tTYPE\tOUTPUT\tNODE\tMESSAGE")
			for _, e := range events {
				output, node := "-", "-"
				if e.Output != nil {
					output = *e.Output
				}
				if e.Node != nil {
					node = fmt.Sprint(*e.Node)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					e.Timestamp.Local().Format(time.TimeOnly), e.Level, e.Type, output, node, e.Message)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&level, "level", "", "only events of this level (info, warning, error)")
	cmd.Flags().StringVar(&eventType, "type", "", "only events of this type")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of events")
	cmd.Flags().StringVarP(&format, "format", "o", formatTable, "output format (table, json, yaml)")

	return cmd
}

func newResultsDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <run-id>...",
		Short: "Delete stored runs with their outputs and events",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openExistingStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			for _, id := range args {
				err := store.DeleteRun(cmd.Context(), id)
				if errors.Is(err, stores.ErrNotFound) {
					return fmt.Errorf("run %s not found", id)
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✓ Deleted run %s\n", id)
			}
			return nil
		},
	}
}
