package sched

import (
	"context"
	"sync"
	"time"

	"github.com/volteria/controller/pkg/log"
	"github.com/volteria/controller/pkg/metrics"
)

// clockJumpLimit is the forward jump beyond which the schedule is
// re-aligned instead of accounted as drift (NTP step, suspend/resume).
const clockJumpLimit = 30 * time.Second

// Stats is a snapshot of a runner's counters.
type Stats struct {
	Executions      uint64
	Skipped         uint64
	CumulativeDrift time.Duration
	LastDrift       time.Duration
	LastDuration    time.Duration
	ClockJumps      uint64
}

// Runner fires a callback at exact wall-clock multiples of an interval.
// The first fire is aligned to the next boundary; each subsequent boundary
// is prior-boundary + interval. Boundaries the callback overran are skipped,
// never queued.
type Runner struct {
	name     string
	interval time.Duration
	fn       func(context.Context)

	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool

	mu    sync.Mutex
	stats Stats

	// test hooks
	now   func() time.Time
	sleep func(d time.Duration, stop <-chan struct{}) bool
}

// NewRunner creates a runner. The callback receives a context cancelled on
// Stop; blocking work inside the callback should honor it.
func NewRunner(name string, interval time.Duration, fn func(context.Context)) *Runner {
	return &Runner{
		name:     name,
		interval: interval,
		fn:       fn,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		now:      time.Now,
		sleep:    sleepUntil,
	}
}

// sleepUntil waits d or until stop closes. Returns false when stopped.
func sleepUntil(d time.Duration, stop <-chan struct{}) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-stop:
		return false
	}
}

// Start begins the loop. A stopped runner can be started again; services
// restarted by the supervisor reuse their runners.
func (r *Runner) Start() {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	r.running = true
	r.mu.Unlock()
	go r.run()
}

// Stop requests a cooperative stop and waits for the loop to exit. An
// in-flight callback completes first. Stopping a runner that is not
// running is a no-op.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	stop, done := r.stopCh, r.doneCh
	r.mu.Unlock()
	close(stop)
	<-done
}

// Stats returns a copy of the counters.
func (r *Runner) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

func (r *Runner) run() {
	r.mu.Lock()
	stop, done := r.stopCh, r.doneCh
	r.mu.Unlock()
	defer close(done)

	logger := log.WithComponent("sched").With().Str("runner", r.name).Logger()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	next := AlignDown(r.now(), r.interval).Add(r.interval)

	for {
		if !r.sleep(next.Sub(r.now()), stop) {
			return
		}

		start := r.now()
		drift := start.Sub(next)
		if drift < 0 {
			drift = 0
		}

		if drift > clockJumpLimit {
			// Wall clock stepped forward; re-align without accruing drift.
			logger.Warn().Dur("jump", drift).Msg("clock jump detected, re-aligning schedule")
			r.mu.Lock()
			r.stats.ClockJumps++
			r.mu.Unlock()
			next = AlignDown(start, r.interval).Add(r.interval)
			continue
		}

		r.fire(ctx)

		end := r.now()
		r.mu.Lock()
		r.stats.Executions++
		r.stats.LastDrift = drift
		r.stats.CumulativeDrift += drift
		r.stats.LastDuration = end.Sub(start)
		r.mu.Unlock()
		metrics.SchedulerDriftSeconds.WithLabelValues(r.name).Observe(drift.Seconds())
		metrics.SchedulerExecutionsTotal.WithLabelValues(r.name).Inc()

		next = next.Add(r.interval)
		if !next.After(end) {
			// The callback overran one or more boundaries; skip them
			// rather than queueing.
			missed := end.Sub(next)/r.interval + 1
			r.mu.Lock()
			r.stats.Skipped += uint64(missed)
			r.mu.Unlock()
			metrics.SchedulerSkippedTotal.WithLabelValues(r.name).Add(float64(missed))
			logger.Warn().
				Int64("skipped", int64(missed)).
				Dur("duration", end.Sub(start)).
				Msg("callback overran interval boundaries")
			next = next.Add(time.Duration(missed) * r.interval)
		}

		select {
		case <-stop:
			return
		default:
		}
	}
}

// fire runs the callback, recovering a panic so one bad cycle does not skip
// the next boundary.
func (r *Runner) fire(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Logger.Error().Str("runner", r.name).Interface("panic", rec).Msg("scheduler callback panicked")
		}
	}()
	r.fn(ctx)
}
