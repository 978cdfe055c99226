package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/formulabench/internal/argcheck"
	"github.com/roach88/formulabench/internal/engine"
	"github.com/roach88/formulabench/internal/ir"
)

// CalcOptions holds flags for the calc command.
type CalcOptions struct {
	*RootOptions
	RowsFile string
	Formula  string
	Database string // optional - save formula, rows and events
}

// RowsFile is the YAML input of the calc command. Each row maps input names
// to (possibly nested) values; missing inputs keep their defaults.
type RowsFile struct {
	Formula string           `yaml:"formula"`
	Rows    []map[string]any `yaml:"rows"`
}

// CalcResult is the output of the calc command.
type CalcResult struct {
	FormulaID string             `json:"formula_id"`
	Rows      []ir.Row           `json:"rows"`
	Batch     engine.BatchResult `json:"batch"`
	Metrics   engine.RowMetrics  `json:"metrics"`
}

// NewCalcCommand creates the calc command.
func NewCalcCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CalcOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "calc [formulas-dir]",
		Short: "Calculate rows of inputs in one batch",
		Long: `Load a formula, fill rows from a YAML file and calculate them all.

The rows file lists one mapping of input values per row:

  formula: discount
  rows:
    - price: 120
      rate: 0.1
    - price: 80

Invalid rows are skipped and failed rows carry their error.

Exit codes:
  0 - Every valid row calculated
  1 - At least one row failed
  2 - Command error (bad formulas, unreadable rows file, etc.)

Examples:
  formulabench calc --rows rows.yaml ./formulas
  formulabench calc --rows rows.yaml --formula discount --db ./bench.db`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCalc(cmd.Context(), opts, formulasDir(rootOpts, args), cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.RowsFile, "rows", "r", "", "path to YAML rows file (required)")
	_ = cmd.MarkFlagRequired("rows")
	cmd.Flags().StringVar(&opts.Formula, "formula", "", "formula id (overrides the rows file)")
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database for saving results")

	return cmd
}

func runCalc(ctx context.Context, opts *CalcOptions, dir string, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	formatter := newFormatter(opts.RootOptions, cmd)

	rowsFile, err := readRowsFile(opts.RowsFile)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeInvalidRows, err.Error())
	}

	formulas, err := loadFormulas(dir)
	if err != nil {
		code, message := parseCompileError(err)
		return formatter.Fail(ExitCommandError, code, message)
	}

	id := rowsFile.Formula
	if opts.Formula != "" {
		id = opts.Formula
	}
	schema, err := selectFormula(formulas, id)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeUnknownFormula, err.Error())
	}

	rows, err := buildRows(schema, rowsFile.Rows)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeInvalidRows, err.Error())
	}
	formatter.VerboseLog("Calculating %d row(s) of %s", len(rows), schema.ID)

	rt, err := newRuntime(opts.Config, opts.Database)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeDatabase, err.Error())
	}
	defer rt.Close()

	if err := rt.engine.SetFormula(ctx, schema, len(rows)); err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeInvalidBody, err.Error())
	}
	if err := rt.engine.Restore(ctx, rows); err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeGeneric, err.Error())
	}

	batch := rt.engine.ExecuteAllRows(ctx)
	result := CalcResult{
		FormulaID: schema.ID,
		Rows:      rt.engine.Snapshot(),
		Batch:     batch,
		Metrics:   rt.engine.Metrics(),
	}

	if rt.store != nil {
		if err := rt.store.SaveFormula(ctx, schema, len(result.Rows), time.Now()); err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeDatabase, err.Error())
		}
		if err := rt.store.SaveRows(ctx, schema.ID, result.Rows); err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeDatabase, err.Error())
		}
		formatter.VerboseLog("Saved %d row(s) to %s", len(result.Rows), opts.Database)
	}

	if err := outputCalcResult(formatter, schema, result); err != nil {
		return err
	}
	if batch.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d row(s) failed", batch.Failed))
	}
	return nil
}

// readRowsFile decodes a rows file, rejecting unknown keys.
func readRowsFile(path string) (RowsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RowsFile{}, fmt.Errorf("read rows file: %w", err)
	}

	var rf RowsFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&rf); err != nil && !errors.Is(err, io.EOF) {
		return RowsFile{}, fmt.Errorf("parse rows file: %w", err)
	}
	if len(rf.Rows) == 0 {
		return RowsFile{}, errors.New("rows file has no rows")
	}
	return rf, nil
}

// buildRows converts nested input mappings into the formula's flattened
// cell values.
func buildRows(schema ir.FormulaSchema, raw []map[string]any) ([]ir.Row, error) {
	rows := make([]ir.Row, len(raw))
	for i, m := range raw {
		for name := range m {
			if _, ok := argcheck.Lookup(schema, name); !ok {
				return nil, fmt.Errorf("rows[%d]: unknown input %q", i, name)
			}
		}
		v, err := ir.FromAny(m)
		if err != nil {
			return nil, fmt.Errorf("rows[%d]: %w", i, err)
		}
		rows[i] = ir.Row{
			ID:     ir.RowID(schema.ID, i),
			Values: argcheck.Flatten(schema, v.(ir.IRObject)),
		}
	}
	return rows, nil
}

// outputCalcResult writes the calculated rows as a table or JSON.
func outputCalcResult(formatter *OutputFormatter, schema ir.FormulaSchema, result CalcResult) error {
	if formatter.Format == "json" {
		return formatter.Success(result)
	}

	b := result.Batch
	fmt.Fprintf(formatter.Writer, "Formula %s: %d row(s), %d succeeded, %d failed, %d skipped\n\n",
		schema.ID, b.Total, b.Succeeded, b.Failed, b.Skipped)

	tw := tabwriter.NewWriter(formatter.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ROW\tVALID\tRESULT\tERROR\tTIME")
	for _, r := range result.Rows {
		value := "-"
		if r.HasResult() {
			value = ir.String(r.Result)
		}
		errText := "-"
		if r.Error != "" {
			errText = r.Error
		}
		elapsed := "-"
		if r.ExecutionTimeMs != nil {
			elapsed = fmt.Sprintf("%.2fms", *r.ExecutionTimeMs)
		}
		fmt.Fprintf(tw, "%s\t%t\t%s\t%s\t%s\n", r.ID, r.Valid(), value, errText, elapsed)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	m := result.Metrics
	fmt.Fprintf(formatter.Writer, "\nAverage time %.2fms over %d calculated row(s)\n", m.AverageTime, m.CalculatedRows)
	return nil
}
