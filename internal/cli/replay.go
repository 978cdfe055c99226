package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/formulabench/internal/ir"
	"github.com/roach88/formulabench/internal/store"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Database string
	Formula  string // optional - replay one formula only
}

// RowDrift describes a saved row whose recalculated outcome differs.
type RowDrift struct {
	RowID       string     `json:"row_id"`
	SavedResult ir.IRValue `json:"saved_result,omitempty"`
	SavedError  string     `json:"saved_error,omitempty"`
	Result      ir.IRValue `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// ReplayFormulaResult holds the replay result for a single formula.
type ReplayFormulaResult struct {
	FormulaID     string     `json:"formula_id"`
	Rows          int        `json:"rows"`
	Recalculated  int        `json:"recalculated"`
	SourceChanged bool       `json:"source_changed"`
	Drift         []RowDrift `json:"drift"`
	Deterministic bool       `json:"deterministic"`
}

// ReplayResult holds the overall replay result.
type ReplayResult struct {
	Formulas         []ReplayFormulaResult `json:"formulas"`
	TotalFormulas    int                   `json:"total_formulas"`
	AllDeterministic bool                  `json:"all_deterministic"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay [formulas-dir]",
		Short: "Recalculate saved rows and verify determinism",
		Long: `Recalculate saved rows in a fresh engine and compare the outcomes
with the saved results.

Each saved formula is looked up by id in the formulas directory. A formula
whose source hash no longer matches the saved one is reported as changed,
and its drift is expected.

Exit codes:
  0 - Every recalculated row matches its saved outcome
  1 - At least one row drifted
  2 - Command error (database not found, formula missing, etc.)

Examples:
  formulabench replay --db ./bench.db
  formulabench replay --db ./bench.db --formula discount --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, formulasDir(rootOpts, args), cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.Formula, "formula", "", "replay specific formula only")

	return cmd
}

func runReplay(opts *ReplayOptions, dir string, cmd *cobra.Command) error {
	ctx := context.Background()
	formatter := newFormatter(opts.RootOptions, cmd)

	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	var records []store.FormulaRecord
	if opts.Formula != "" {
		rec, err := st.LoadFormula(ctx, opts.Formula)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to load formula", err)
		}
		records = []store.FormulaRecord{rec}
	} else if records, err = st.ListFormulas(ctx); err != nil {
		return WrapExitError(ExitCommandError, "failed to list formulas", err)
	}

	result := ReplayResult{
		Formulas:         make([]ReplayFormulaResult, 0, len(records)),
		TotalFormulas:    len(records),
		AllDeterministic: true,
	}
	if len(records) == 0 {
		if formatter.Format == "json" {
			return formatter.Success(result)
		}
		fmt.Fprintln(formatter.Writer, "No formulas found in database.")
		return nil
	}

	formulas, err := loadFormulas(dir)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load formulas", err)
	}

	for _, rec := range records {
		schema, err := selectFormula(formulas, rec.ID)
		if err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("formula %s", rec.ID), err)
		}
		formatter.VerboseLog("Replaying formula: %s", rec.ID)

		fr, err := replayFormula(ctx, opts, st, rec, schema)
		if err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("failed to replay formula %s", rec.ID), err)
		}
		result.Formulas = append(result.Formulas, fr)
		if !fr.Deterministic {
			result.AllDeterministic = false
		}
	}

	if formatter.Format == "json" {
		if err := formatter.Success(result); err != nil {
			return err
		}
	} else {
		outputReplayText(formatter, result)
	}

	if !result.AllDeterministic {
		return NewExitError(ExitFailure, "replay drift detected")
	}
	return nil
}

// replayFormula restores the saved inputs of one formula into a fresh
// engine, recalculates every row and compares the outcomes.
func replayFormula(ctx context.Context, opts *ReplayOptions, st *store.Store, rec store.FormulaRecord, schema ir.FormulaSchema) (ReplayFormulaResult, error) {
	saved, err := st.LoadRows(ctx, rec.ID)
	if err != nil {
		return ReplayFormulaResult{}, err
	}

	fr := ReplayFormulaResult{
		FormulaID:     rec.ID,
		Rows:          len(saved),
		SourceChanged: schema.SourceHash != rec.SourceHash,
		Drift:         []RowDrift{},
	}
	if len(saved) == 0 {
		fr.Deterministic = true
		return fr, nil
	}

	rt, err := newRuntime(opts.Config, "")
	if err != nil {
		return ReplayFormulaResult{}, err
	}
	defer rt.Close()

	count := rec.RowCount
	if count < len(saved) {
		count = len(saved)
	}
	if err := rt.engine.SetFormula(ctx, schema, count); err != nil {
		return ReplayFormulaResult{}, err
	}

	inputs := make([]ir.Row, len(saved))
	for i, r := range saved {
		inputs[i] = ir.Row{ID: r.ID, Values: r.Values}
	}
	if err := rt.engine.Restore(ctx, inputs); err != nil {
		return ReplayFormulaResult{}, err
	}

	batch := rt.engine.ExecuteAllRows(ctx)
	fr.Recalculated = batch.Calculated

	current := make(map[string]ir.Row, count)
	for _, r := range rt.engine.Snapshot() {
		current[r.ID] = r
	}
	for _, r := range saved {
		got := current[r.ID]
		if ir.Equal(got.Result, r.Result) && got.Error == r.Error {
			continue
		}
		fr.Drift = append(fr.Drift, RowDrift{
			RowID:       r.ID,
			SavedResult: r.Result,
			SavedError:  r.Error,
			Result:      got.Result,
			Error:       got.Error,
		})
	}
	fr.Deterministic = len(fr.Drift) == 0
	return fr, nil
}

func outputReplayText(formatter *OutputFormatter, result ReplayResult) {
	w := formatter.Writer
	for _, fr := range result.Formulas {
		status := "✓"
		if !fr.Deterministic {
			status = "✗"
		}
		fmt.Fprintf(w, "%s %s: %d row(s), %d recalculated, %d drifted\n",
			status, fr.FormulaID, fr.Rows, fr.Recalculated, len(fr.Drift))
		if fr.SourceChanged {
			fmt.Fprintln(w, "    formula source changed since the rows were saved")
		}
		for _, d := range fr.Drift {
			fmt.Fprintf(w, "    %s: saved %s, now %s\n", d.RowID, outcomeText(d.SavedResult, d.SavedError), outcomeText(d.Result, d.Error))
		}
	}

	fmt.Fprintln(w)
	if result.AllDeterministic {
		fmt.Fprintf(w, "All %d formula(s) replayed deterministically.\n", result.TotalFormulas)
	} else {
		fmt.Fprintln(w, "Replay drift detected.")
	}
}

// outcomeText renders a row outcome: its result, its error or "-".
func outcomeText(result ir.IRValue, errMsg string) string {
	switch {
	case errMsg != "":
		return "error " + errMsg
	case result != nil:
		return ir.String(result)
	default:
		return "-"
	}
}
