// Package scheduler runs extraction units with bounded concurrency and
// collects one outcome per unit.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/withObsrvr/obsrvr-extract/internal/logging"
	"github.com/withObsrvr/obsrvr-extract/internal/metrics"
	"github.com/withObsrvr/obsrvr-extract/internal/target"
	"github.com/withObsrvr/obsrvr-extract/internal/worker"
)

// Task processes one unit and returns the number of records it produced.
type Task func(ctx context.Context, unit target.Unit) (int64, error)

// Outcome is the result of one unit.
type Outcome struct {
	Index    int // position in the unit list
	Label    string
	Records  int64
	Err      error
	Skipped  bool // never dispatched because the run was cancelled or stopped
	Duration time.Duration
}

// OK reports whether the unit ran and succeeded.
func (o Outcome) OK() bool {
	return o.Err == nil && !o.Skipped
}

// ErrStopped is wrapped by the error of units skipped after Stop.
var ErrStopped = errors.New("dispatch stopped")

// Scheduler dispatches units so that at most Parallel run at once.
type Scheduler struct {
	parallel int
	log      *slog.Logger
	peak     int

	stopOnce sync.Once
	stop     chan struct{}
	stopErr  error
}

// New creates a scheduler. parallel below 1 is treated as 1.
func New(parallel int) *Scheduler {
	if parallel < 1 {
		parallel = 1
	}
	return &Scheduler{
		parallel: parallel,
		log:      logging.Component("scheduler"),
		stop:     make(chan struct{}),
	}
}

// Stop ends dispatch: units already running finish, the rest are skipped
// with an error wrapping ErrStopped and cause. Only the first call counts.
// Stop is safe to call from a Task.
func (s *Scheduler) Stop(cause error) {
	s.stopOnce.Do(func() {
		s.stopErr = fmt.Errorf("%w: %w", ErrStopped, cause)
		close(s.stop)
	})
}

// halted returns the reason dispatch must not continue, if any.
func (s *Scheduler) halted(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-s.stop:
		return s.stopErr
	default:
		return nil
	}
}

type result struct {
	index    int
	records  int64
	err      error
	duration time.Duration
}

// Run dispatches every unit exactly once, in order, and waits for all
// dispatched units to finish. A failing unit does not stop the others.
// When ctx is cancelled or Stop is called no further units are dispatched;
// those units are reported as skipped. Outcomes are indexed like units.
func (s *Scheduler) Run(ctx context.Context, units []target.Unit, task Task) []Outcome {
	outcomes := make([]Outcome, len(units))
	if len(units) == 0 {
		return outcomes
	}

	limit := min(s.parallel, len(units))
	s.log.Info("dispatching units", "units", len(units), "workers", limit)

	results := make(chan result, limit)
	next, running, finished := 0, 0, 0
	cancelled, stopped := ctx.Done(), s.stop
	m := metrics.Get()

	for next < len(units) || running > 0 {
		halt := s.halted(ctx)
		if next < len(units) && running < limit && halt == nil {
			i, unit := next, units[next]
			next++
			running++
			s.peak = max(s.peak, running)
			if m != nil {
				m.IncUnitsDispatched()
				m.SetInFlightWorkers(float64(running))
			}
			go func() {
				start := time.Now()
				n, err := task(ctx, unit)
				results <- result{index: i, records: n, err: err, duration: time.Since(start)}
			}()
			continue
		}

		if halt != nil && next < len(units) {
			for ; next < len(units); next++ {
				outcomes[next] = Outcome{
					Index:   next,
					Label:   units[next].Label(),
					Err:     halt,
					Skipped: true,
				}
			}
			s.log.Warn("not dispatching remaining units", "running", running, "reason", halt)
			continue
		}

		select {
		case r := <-results:
			running--
			finished++
			if m != nil {
				m.SetInFlightWorkers(float64(running))
				m.ObserveUnit(Reason(r.err), r.duration.Seconds())
			}
			outcomes[r.index] = Outcome{
				Index:    r.index,
				Label:    units[r.index].Label(),
				Records:  r.records,
				Err:      r.err,
				Duration: r.duration,
			}
			s.logOutcome(outcomes[r.index], finished, len(units))
		case <-cancelled:
			cancelled = nil
		case <-stopped:
			stopped = nil
		}
	}
	return outcomes
}

// Peak returns the highest number of units that were in flight at once
// during the last Run.
func (s *Scheduler) Peak() int {
	return s.peak
}

func (s *Scheduler) logOutcome(o Outcome, finished, total int) {
	progress := fmt.Sprintf("%d/%d", finished, total)
	if o.Err != nil {
		s.log.Error("unit failed", "progress", progress, "unit", o.Label, "error", o.Err)
		return
	}
	s.log.Info("unit completed", "progress", progress, "unit", o.Label,
		"records", o.Records, "duration", o.Duration.Round(time.Millisecond))
}

// Reason classifies a unit error for metrics. Success is the empty string.
func Reason(err error) string {
	var se *worker.SpawnError
	var ee *worker.ExitError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &se):
		return "spawn"
	case errors.As(err, &ee):
		return "exit"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "error"
	}
}
