package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/formulabench/internal/cache"
	"github.com/roach88/formulabench/internal/cellstore"
	"github.com/roach88/formulabench/internal/config"
	"github.com/roach88/formulabench/internal/engine"
	"github.com/roach88/formulabench/internal/metrics"
	"github.com/roach88/formulabench/internal/store"
	"github.com/roach88/formulabench/internal/tracker"
)

// runtime bundles the services behind one engine.
type runtime struct {
	cells   *cellstore.Store
	cache   *cache.Cache
	tracker *tracker.Tracker
	metrics *metrics.Metrics
	store   *store.Store // nil without a database
	engine  *engine.Engine
}

// newRuntime wires an engine from cfg. A non-empty dbPath opens the store,
// records every event into it and resumes seq numbering after its log.
func newRuntime(cfg config.Config, dbPath string, extra ...engine.EngineOption) (*runtime, error) {
	rt := &runtime{
		cells:   cellstore.New(),
		metrics: metrics.New(),
	}
	rt.cache = cache.New(cache.WithConfig(cfg.CacheOptions()), cache.WithMetrics(rt.metrics))

	trackerOpts := []tracker.Option{tracker.WithMaxEvents(cfg.Engine.MaxEvents)}
	clock := engine.NewClock()
	if dbPath != "" {
		st, err := store.Open(dbPath)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		last, err := st.LastSeq(context.Background())
		if err != nil {
			st.Close()
			return nil, err
		}
		rt.store = st
		trackerOpts = append(trackerOpts, tracker.WithSink(st))
		clock = engine.NewClockAt(last)
	}
	rt.tracker = tracker.New(trackerOpts...)

	opts := []engine.EngineOption{
		engine.WithClock(clock),
		engine.WithMetrics(rt.metrics),
		engine.WithDebounce(cfg.Engine.Debounce),
		engine.WithAutoDelay(cfg.Engine.AutoDelay),
		engine.WithInvokeTimeout(cfg.Engine.InvokeTimeout),
		engine.WithConcurrency(cfg.Engine.Concurrency),
		engine.WithAutoCompile(cfg.Engine.AutoCompile),
	}
	rt.engine = engine.New(rt.cells, rt.cache, rt.tracker, append(opts, extra...)...)
	return rt, nil
}

// Close releases the engine, cache and store.
func (rt *runtime) Close() error {
	errs := []error{rt.engine.Close(), rt.cache.Close()}
	if rt.store != nil {
		errs = append(errs, rt.store.Close())
	}
	return errors.Join(errs...)
}
