package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/formulabench/internal/ir"
	"github.com/roach88/formulabench/internal/server"
	"github.com/roach88/formulabench/internal/store"
	"github.com/roach88/formulabench/internal/telemetry"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr     string
	Database string
	Formula  string
	Watch    bool
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve [formulas-dir]",
		Short: "Start the engine and its HTTP API",
		Long: `Start the calculation engine and serve it over HTTP.

The first formula (or --formula) is activated with the configured number
of rows. With a database, rows saved for the same formula source are
restored, every event is recorded, and POST /snapshot saves the rows.
With --watch, formula files are reloaded as they change.

Examples:
  formulabench serve ./formulas
  formulabench serve --config bench.yaml --db ./bench.db --watch`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, formulasDir(rootOpts, args), cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (overrides config)")
	cmd.Flags().StringVar(&opts.Formula, "formula", "", "formula id to activate at startup")
	cmd.Flags().BoolVarP(&opts.Watch, "watch", "w", false, "reload formulas when files change")

	return cmd
}

func runServe(opts *ServeOptions, dir string, cmd *cobra.Command) error {
	cfg := opts.Config
	if opts.Addr != "" {
		cfg.Server.Addr = opts.Addr
	}
	if opts.Database != "" {
		cfg.Store.Path = opts.Database
	}

	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry, cmd.ErrOrStderr())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to initialize telemetry", err)
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			slog.Error("error flushing telemetry", "error", err)
		}
	}()

	slog.Info("loading formulas", "dir", dir)
	formulas, err := loadFormulas(dir)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load formulas", err)
	}
	schema, err := selectFormula(formulas, opts.Formula)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to select formula", err)
	}

	rt, err := newRuntime(cfg, cfg.Store.Path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer func() {
		if closeErr := rt.Close(); closeErr != nil {
			slog.Error("error closing runtime", "error", closeErr)
		}
	}()

	if err := activate(ctx, rt, schema, cfg.Engine.Rows); err != nil {
		return WrapExitError(ExitCommandError, "failed to activate formula", err)
	}

	srvOpts := []server.Option{
		server.WithFormulas(formulas, cfg.Engine.Rows),
		server.WithMetrics(rt.metrics),
	}
	if rt.store != nil {
		srvOpts = append(srvOpts, server.WithStore(rt.store))
	}
	srv := server.New(rt.engine, rt.cache, srvOpts...)

	rt.cache.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := rt.engine.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("engine: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return srv.Start(cfg.Server.Addr)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		slog.Info("shutting down server")
		return srv.Shutdown(shutdownCtx)
	})

	if opts.Watch {
		r := &reloader{dir: dir, formula: schema.ID, rows: cfg.Engine.Rows, eng: rt.engine}
		w, err := newFormulaWatcher(dir, defaultSettle, func(ctx context.Context) {
			res, err := r.Reload(ctx)
			if err != nil {
				slog.Warn("formula reload failed", "dir", dir, "error", err)
				return
			}
			srv.SetFormulas(res.Formulas)
		})
		if err != nil {
			cancel()
			_ = g.Wait()
			return WrapExitError(ExitCommandError, "failed to watch formulas", err)
		}
		defer w.Stop()
		g.Go(func() error {
			w.Start(gctx)
			return nil
		})
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Serving formula %s on http://%s\n", schema.ID, cfg.Server.Addr)
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")

	if err := g.Wait(); err != nil {
		return WrapExitError(ExitFailure, "server error", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// activate makes schema the active formula and restores rows saved for the
// same formula source.
func activate(ctx context.Context, rt *runtime, schema ir.FormulaSchema, rows int) error {
	var saved []ir.Row
	if rt.store != nil {
		rec, err := rt.store.LoadFormula(ctx, schema.ID)
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			return err
		case rec.SourceHash == schema.SourceHash:
			if saved, err = rt.store.LoadRows(ctx, schema.ID); err != nil {
				return err
			}
			rows = max(rows, len(saved))
		default:
			slog.Info("saved rows skipped: formula changed", "formula", schema.ID)
		}
	}

	// A body that fails to compile stays active so a watched edit can fix it
	if err := rt.engine.SetFormula(ctx, schema, rows); err != nil {
		slog.Warn("formula activated without an artifact", "formula", schema.ID, "error", err)
	}
	if len(saved) == 0 {
		return nil
	}
	return rt.engine.Restore(ctx, saved)
}
