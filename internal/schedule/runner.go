package schedule

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerdDan/braavos/internal/agent"
	"github.com/nerdDan/braavos/internal/metrics"
)

// Routine is one periodic reconciliation task. Each routine runs in its
// own goroutine; a tick that overruns its interval simply delays the next
// one, ticks never overlap.
type Routine struct {
	Name     string
	Coin     string
	Interval time.Duration
	Tick     func(ctx context.Context) error
}

type Runner struct {
	logger   *slog.Logger
	routines []Routine
}

func NewRunner(logger *slog.Logger) *Runner {
	return &Runner{logger: logger.With("component", "schedule")}
}

func (r *Runner) Add(rt Routine) {
	r.routines = append(r.routines, rt)
}

// Run drives all registered routines until ctx is cancelled. A halted
// routine stops permanently; the rest keep running. Only context
// cancellation ends the group.
func (r *Runner) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)
	for _, rt := range r.routines {
		rt := rt
		g.Go(func() error {
			return r.runRoutine(gCtx, rt)
		})
	}
	return g.Wait()
}

func (r *Runner) runRoutine(ctx context.Context, rt Routine) error {
	logger := r.logger.With("routine", rt.Name, "coin", rt.Coin)
	logger.Info("routine started", "interval", rt.Interval)

	metrics.RoutineHalted.WithLabelValues(rt.Coin, rt.Name).Set(0)

	if halted := r.tick(ctx, rt, logger); halted {
		return nil
	}

	ticker := time.NewTicker(rt.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("routine stopping")
			return ctx.Err()
		case <-ticker.C:
			if halted := r.tick(ctx, rt, logger); halted {
				return nil
			}
		}
	}
}

// tick runs one invocation and reports whether the routine must halt.
func (r *Runner) tick(ctx context.Context, rt Routine, logger *slog.Logger) bool {
	metrics.RoutineTicksTotal.WithLabelValues(rt.Coin, rt.Name).Inc()

	start := time.Now()
	err := rt.Tick(ctx)
	metrics.RoutineTickDuration.WithLabelValues(rt.Coin, rt.Name).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		return false
	case ctx.Err() != nil:
		return false
	case agent.IsHalt(err):
		logger.Error("routine halted, operator intervention required", "error", err)
		metrics.RoutineHalted.WithLabelValues(rt.Coin, rt.Name).Set(1)
		return true
	default:
		logger.Warn("routine tick failed", "error", err)
		metrics.RoutineTickErrors.WithLabelValues(rt.Coin, rt.Name).Inc()
		return false
	}
}
