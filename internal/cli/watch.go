package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/roach88/formulabench/internal/engine"
	"github.com/roach88/formulabench/internal/ir"
)

// defaultSettle is how long the formulas directory must be quiet before a
// reload.
const defaultSettle = 200 * time.Millisecond

// ReloadResult describes one reload of the formulas directory.
type ReloadResult struct {
	Formulas  []ir.FormulaSchema
	FormulaID string
	Changed   bool
	Batch     engine.BatchResult
}

// reloader keeps an engine's active formula in sync with a formulas
// directory. Row inputs survive a reload; their outcomes are recalculated.
type reloader struct {
	dir     string
	formula string // id to activate when the engine has none
	rows    int
	eng     *engine.Engine

	mu sync.Mutex
}

// Reload reads the directory and, when the active formula's source changed,
// re-activates it with the current row inputs and recalculates every row.
func (r *reloader) Reload(ctx context.Context) (ReloadResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	formulas, err := loadFormulas(r.dir)
	if err != nil {
		return ReloadResult{}, err
	}
	res := ReloadResult{Formulas: formulas}

	id := r.formula
	active := r.eng.Formula()
	if active != nil {
		id = active.ID
	}
	schema, err := selectFormula(formulas, id)
	if err != nil {
		return res, err
	}
	res.FormulaID = schema.ID
	if active != nil && active.SourceHash == schema.SourceHash {
		return res, nil
	}

	var inputs []ir.Row
	count := r.rows
	if active != nil && active.ID == schema.ID {
		for _, row := range r.eng.Snapshot() {
			inputs = append(inputs, ir.Row{ID: row.ID, Values: row.Values})
		}
		count = max(count, len(inputs))
	}

	if err := r.eng.SetFormula(ctx, schema, count); err != nil {
		return res, err
	}
	if len(inputs) > 0 {
		if err := r.eng.Restore(ctx, inputs); err != nil {
			return res, err
		}
	}
	res.Changed = true
	res.Batch = r.eng.ExecuteAllRows(ctx)

	slog.Info("formula reloaded",
		"formula", schema.ID,
		"source_hash", schema.SourceHash,
		"succeeded", res.Batch.Succeeded,
		"failed", res.Batch.Failed,
	)
	return res, nil
}

// formulaWatcher calls onChange once the formulas directory has been quiet
// for settle after a change to a .cue file.
type formulaWatcher struct {
	dir      string
	settle   time.Duration
	watcher  *fsnotify.Watcher
	onChange func(context.Context)
}

func newFormulaWatcher(dir string, settle time.Duration, onChange func(context.Context)) (*formulaWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	return &formulaWatcher{
		dir:      dir,
		settle:   settle,
		watcher:  watcher,
		onChange: onChange,
	}, nil
}

// Start blocks until ctx is cancelled or the watcher is stopped.
func (w *formulaWatcher) Start(ctx context.Context) {
	slog.Debug("watching formulas", "dir", w.dir)

	var settled <-chan time.Time
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if relevantChange(event) {
				settled = time.After(w.settle)
			}

		case <-settled:
			settled = nil
			w.onChange(ctx)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("formula watcher error", "error", err)

		case <-ctx.Done():
			return
		}
	}
}

// Stop releases the watcher. Safe to call multiple times.
func (w *formulaWatcher) Stop() error {
	return w.watcher.Close()
}

// relevantChange reports whether event touches a CUE file.
func relevantChange(event fsnotify.Event) bool {
	if filepath.Ext(event.Name) != ".cue" {
		return false
	}
	return event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0
}

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	*RootOptions
	RowsFile string
	Formula  string
	Settle   time.Duration
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch [formulas-dir]",
		Short: "Recalculate rows whenever formulas change",
		Long: `Calculate a set of rows, then recalculate them every time a CUE file
in the formulas directory changes. Runs until interrupted.

Examples:
  formulabench watch --rows rows.yaml ./formulas
  formulabench watch --formula discount --settle 500ms`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(opts, formulasDir(rootOpts, args), cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.RowsFile, "rows", "r", "", "path to YAML rows file")
	cmd.Flags().StringVar(&opts.Formula, "formula", "", "formula id to calculate")
	cmd.Flags().DurationVar(&opts.Settle, "settle", defaultSettle, "quiet period before reloading")

	return cmd
}

func runWatch(opts *WatchOptions, dir string, cmd *cobra.Command) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	formatter := newFormatter(opts.RootOptions, cmd)

	var rows []ir.Row
	var rf RowsFile
	if opts.RowsFile != "" {
		var err error
		if rf, err = readRowsFile(opts.RowsFile); err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeInvalidRows, err.Error())
		}
	}
	id := rf.Formula
	if opts.Formula != "" {
		id = opts.Formula
	}

	rt, err := newRuntime(opts.Config, "")
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeGeneric, err.Error())
	}
	defer rt.Close()

	r := &reloader{dir: dir, formula: id, rows: opts.Config.Engine.Rows, eng: rt.engine}
	if len(rf.Rows) > 0 {
		formulas, err := loadFormulas(dir)
		if err != nil {
			code, message := parseCompileError(err)
			return formatter.Fail(ExitCommandError, code, message)
		}
		schema, err := selectFormula(formulas, id)
		if err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeUnknownFormula, err.Error())
		}
		if rows, err = buildRows(schema, rf.Rows); err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeInvalidRows, err.Error())
		}
		if err := rt.engine.SetFormula(ctx, schema, len(rows)); err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeInvalidBody, err.Error())
		}
		if err := rt.engine.Restore(ctx, rows); err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeGeneric, err.Error())
		}
		r.formula = schema.ID
		rt.engine.ExecuteAllRows(ctx)
		if err := outputWatchRows(formatter, rt.engine); err != nil {
			return err
		}
	} else {
		if _, err := r.Reload(ctx); err != nil {
			code, message := parseCompileError(err)
			return formatter.Fail(ExitCommandError, code, message)
		}
		if err := outputWatchRows(formatter, rt.engine); err != nil {
			return err
		}
	}

	w, err := newFormulaWatcher(dir, opts.Settle, func(ctx context.Context) {
		res, err := r.Reload(ctx)
		if err != nil {
			_ = formatter.Error(ErrCodeGeneric, err.Error(), nil)
			return
		}
		if !res.Changed {
			formatter.VerboseLog("Formula %s unchanged", res.FormulaID)
			return
		}
		_ = outputWatchRows(formatter, rt.engine)
	})
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeNotFound, err.Error())
	}
	defer w.Stop()

	formatter.Textf("Watching %s for changes (Ctrl+C to stop)", dir)
	w.Start(ctx)
	return nil
}

// outputWatchRows prints the engine's current rows.
func outputWatchRows(formatter *OutputFormatter, eng *engine.Engine) error {
	schema := eng.Formula()
	if schema == nil {
		return nil
	}
	rows := eng.Snapshot()
	var batch engine.BatchResult
	batch.Total = len(rows)
	for _, r := range rows {
		switch {
		case !r.Valid():
			batch.Skipped++
		case r.Error != "":
			batch.Failed++
		case r.HasResult():
			batch.Succeeded++
		}
	}
	return outputCalcResult(formatter, *schema, CalcResult{
		FormulaID: schema.ID,
		Rows:      rows,
		Batch:     batch,
		Metrics:   eng.Metrics(),
	})
}
