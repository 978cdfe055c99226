package cli

import (
	"context"
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/formulabench/internal/ir"
	"github.com/roach88/formulabench/internal/store"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Database string
	Formula  string // optional - without it every formula is summarized
	Row      string // optional - filter to one row
}

// TraceEvent represents a single event in the trace timeline.
type TraceEvent struct {
	Seq      int64      `json:"seq"`
	Type     string     `json:"type"` // "cell_update" or "calculation"
	ID       string     `json:"id"`
	RowID    string     `json:"row_id"`
	ColumnID string     `json:"column_id,omitempty"`
	Value    ir.IRValue `json:"value,omitempty"`
	Valid    *bool      `json:"valid,omitempty"`
	Trigger  ir.Trigger `json:"trigger,omitempty"`
	Success  *bool      `json:"success,omitempty"`
	Result   ir.IRValue `json:"result,omitempty"`
	Error    string     `json:"error,omitempty"`
	Stale    bool       `json:"stale,omitempty"`
	TimeMs   float64    `json:"execution_time_ms,omitempty"`
}

// TraceResult holds the timeline of one formula.
type TraceResult struct {
	FormulaID string       `json:"formula_id"`
	Timeline  []TraceEvent `json:"timeline"`
	Stats     TraceStats   `json:"stats"`
}

// TraceStats holds summary statistics for the trace.
type TraceStats struct {
	TotalEvents  int `json:"total_events"`
	CellUpdates  int `json:"cell_updates"`
	Calculations int `json:"calculations"`
	Failed       int `json:"failed"`
	Stale        int `json:"stale"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Show the recorded event log",
		Long: `Show the cell updates and calculations recorded in a database.

Without --formula, prints one summary line per formula with its
calculation counts and average execution time. With --formula, prints the
formula's timeline in seq order.

Examples:
  formulabench trace --db ./bench.db
  formulabench trace --db ./bench.db --formula discount
  formulabench trace --db ./bench.db --formula discount --row row-discount-0 --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.Formula, "formula", "", "formula id to trace")
	cmd.Flags().StringVar(&opts.Row, "row", "", "filter to a single row id")

	return cmd
}

func runTrace(opts *TraceOptions, cmd *cobra.Command) error {
	ctx := context.Background()
	formatter := newFormatter(opts.RootOptions, cmd)

	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	if opts.Formula == "" {
		summaries, err := st.ResultsByFormula(ctx)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to summarize results", err)
		}
		return outputSummaries(formatter, summaries)
	}

	updates, err := st.ReadCellUpdates(ctx, opts.Formula)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read cell updates", err)
	}
	calcs, err := st.ReadCalculations(ctx, opts.Formula)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read calculations", err)
	}

	result := TraceResult{
		FormulaID: opts.Formula,
		Timeline:  buildTimeline(updates, calcs, opts.Row),
	}
	for _, ev := range result.Timeline {
		result.Stats.TotalEvents++
		if ev.Type == "cell_update" {
			result.Stats.CellUpdates++
			continue
		}
		result.Stats.Calculations++
		if ev.Stale {
			result.Stats.Stale++
		} else if !*ev.Success {
			result.Stats.Failed++
		}
	}

	if formatter.Format == "json" {
		return formatter.Success(result)
	}
	outputTraceText(formatter, result)
	return nil
}

// buildTimeline merges both logs in seq order, keeping only rowID when set.
func buildTimeline(updates []ir.CellUpdateEvent, calcs []ir.CalculationEvent, rowID string) []TraceEvent {
	timeline := []TraceEvent{}
	for _, u := range updates {
		if rowID != "" && u.RowID != rowID {
			continue
		}
		valid := u.IsValid
		timeline = append(timeline, TraceEvent{
			Seq:      u.Seq,
			Type:     "cell_update",
			ID:       u.ID,
			RowID:    u.RowID,
			ColumnID: u.ColumnID,
			Value:    u.Value,
			Valid:    &valid,
		})
	}
	for _, c := range calcs {
		if rowID != "" && c.RowID != rowID {
			continue
		}
		success := c.Success
		timeline = append(timeline, TraceEvent{
			Seq:     c.Seq,
			Type:    "calculation",
			ID:      c.ID,
			RowID:   c.RowID,
			Trigger: c.Trigger,
			Success: &success,
			Result:  c.Result,
			Error:   c.Error,
			Stale:   c.Stale,
			TimeMs:  c.ExecutionTimeMs,
		})
	}

	sort.SliceStable(timeline, func(i, j int) bool {
		if timeline[i].Seq != timeline[j].Seq {
			return timeline[i].Seq < timeline[j].Seq
		}
		return timeline[i].ID < timeline[j].ID
	})
	return timeline
}

// describeTraceEvent renders one timeline entry for text output.
func describeTraceEvent(ev TraceEvent) string {
	if ev.Type == "cell_update" {
		return fmt.Sprintf("edit %s.%s = %s (valid=%t)", ev.RowID, ev.ColumnID, ir.String(ev.Value), *ev.Valid)
	}
	switch {
	case ev.Stale:
		return fmt.Sprintf("calc %s [%s] stale", ev.RowID, ev.Trigger)
	case *ev.Success:
		return fmt.Sprintf("calc %s [%s] -> %s (%.2fms)", ev.RowID, ev.Trigger, ir.String(ev.Result), ev.TimeMs)
	default:
		return fmt.Sprintf("calc %s [%s] failed: %s", ev.RowID, ev.Trigger, ev.Error)
	}
}

func outputTraceText(formatter *OutputFormatter, result TraceResult) {
	w := formatter.Writer
	fmt.Fprintf(w, "Trace for formula: %s\n", result.FormulaID)
	fmt.Fprintln(w, "═══════════════════════════════════════════════════════════════")

	if len(result.Timeline) == 0 {
		fmt.Fprintln(w, "\nNo events recorded.")
		return
	}

	fmt.Fprintln(w, "\nTimeline:")
	for _, ev := range result.Timeline {
		fmt.Fprintf(w, "  [%d] %s\n", ev.Seq, describeTraceEvent(ev))
	}

	s := result.Stats
	fmt.Fprintln(w, "\nStats:")
	fmt.Fprintf(w, "  Total events:  %d\n", s.TotalEvents)
	fmt.Fprintf(w, "  Cell updates:  %d\n", s.CellUpdates)
	fmt.Fprintf(w, "  Calculations:  %d\n", s.Calculations)
	fmt.Fprintf(w, "  Failed:        %d\n", s.Failed)
	fmt.Fprintf(w, "  Stale:         %d\n", s.Stale)
}

func outputSummaries(formatter *OutputFormatter, summaries []store.FormulaSummary) error {
	if formatter.Format == "json" {
		return formatter.Success(summaries)
	}
	if len(summaries) == 0 {
		fmt.Fprintln(formatter.Writer, "No calculations recorded.")
		return nil
	}

	tw := tabwriter.NewWriter(formatter.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FORMULA\tCALCULATIONS\tSUCCEEDED\tFAILED\tSTALE\tAVG TIME\tROWS WITH RESULTS")
	for _, s := range summaries {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%.2fms\t%d\n",
			s.FormulaID, s.Calculations, s.Succeeded, s.Failed, s.Stale, s.AverageTimeMs, s.RowsWithResults)
	}
	return tw.Flush()
}
