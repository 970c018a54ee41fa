package replication

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/kilupskalvis/replica/internal/graphql"
)

// Phase is the state of a queue processor.
type Phase int

const (
	// Suspended: offline, stopped, or the network state is not yet known.
	Suspended Phase = iota
	// Idle: allowed to drain, no loop running.
	Idle
	// Draining: exactly one loop is sending queue items.
	Draining
)

func (p Phase) String() string {
	switch p {
	case Suspended:
		return "suspended"
	case Idle:
		return "idle"
	case Draining:
		return "draining"
	default:
		return "unknown"
	}
}

// transitions lists the legal phase changes. A Suspended processor has to
// become Idle before it may drain.
var transitions = map[Phase][]Phase{
	Suspended: {Idle},
	Idle:      {Suspended, Draining},
	Draining:  {Idle, Suspended},
}

// gate guards a queue processor. open follows the network signal and enabled
// follows Start/Stop; the phase is derived from both whenever no loop runs.
type gate struct {
	mu      sync.Mutex
	phase   Phase
	open    bool
	enabled bool
	rerun   bool
}

func (g *gate) moveLocked(to Phase) bool {
	if g.phase == to {
		return true
	}
	if !slices.Contains(transitions[g.phase], to) {
		return false
	}
	g.phase = to
	return true
}

func (g *gate) settleLocked() {
	if g.phase == Draining {
		// The loop may already have decided to stop; make it look again.
		if g.open && g.enabled {
			g.rerun = true
		}
		return
	}
	if g.open && g.enabled {
		g.moveLocked(Idle)
	} else {
		g.moveLocked(Suspended)
	}
}

// setOpen records the network state and reports whether a drain may start.
func (g *gate) setOpen(open bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.open = open
	g.settleLocked()
	return g.phase == Idle
}

// setEnabled records Start/Stop and reports whether a drain may start.
func (g *gate) setEnabled(enabled bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.enabled = enabled
	g.settleLocked()
	return g.phase == Idle
}

// begin claims the drain loop. A caller arriving while another loop runs
// asks that loop for one more pass instead.
func (g *gate) begin() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch g.phase {
	case Idle:
		return g.moveLocked(Draining)
	case Draining:
		g.rerun = true
	}
	return false
}

// proceed reports whether the running loop may send the next item.
func (g *gate) proceed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.phase == Draining && g.open && g.enabled
}

// end releases the loop. It returns true when a pass was requested while
// draining and the loop should run again without releasing.
func (g *gate) end(failed bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	again := g.rerun && !failed && g.open && g.enabled
	g.rerun = false
	if again {
		return true
	}
	if g.open && g.enabled {
		g.moveLocked(Idle)
	} else {
		g.moveLocked(Suspended)
	}
	return false
}

func (g *gate) current() Phase {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.phase
}

// drainer runs one queue processor: a step sends the head item and reports
// whether more may follow. A failed pass leaves the head in place and arms a
// backoff timer that triggers the next attempt.
type drainer struct {
	gate    gate
	step    func(ctx context.Context) (bool, error)
	retry   *graphql.RetryConfig
	logger  *slog.Logger
	onError func(err error)

	mu       sync.Mutex
	ctx      context.Context
	timer    *time.Timer
	failures int
}

func newDrainer(step func(ctx context.Context) (bool, error), retry *graphql.RetryConfig, logger *slog.Logger) *drainer {
	return &drainer{step: step, retry: retry, logger: logger}
}

func (d *drainer) activate(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ctx = ctx
}

func (d *drainer) baseContext() context.Context {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ctx == nil {
		return context.Background()
	}
	return d.ctx
}

// trigger starts a pass in the background.
func (d *drainer) trigger() {
	go d.process(d.baseContext())
}

// process runs a pass on the calling goroutine. It returns at once when the
// processor is suspended or another loop is active.
func (d *drainer) process(ctx context.Context) {
	if !d.gate.begin() {
		return
	}
	for {
		err := d.drain(ctx)
		if err != nil {
			d.gate.end(true)
			if ctx.Err() != nil {
				return
			}
			d.logger.Warn("replication cycle aborted", "error", err)
			d.scheduleRetry()
			if d.onError != nil {
				d.onError(err)
			}
			return
		}
		d.resetRetry()
		if !d.gate.end(false) {
			return
		}
	}
}

func (d *drainer) drain(ctx context.Context) error {
	for d.gate.proceed() {
		if err := ctx.Err(); err != nil {
			return err
		}
		more, err := d.step(ctx)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
	return nil
}

func (d *drainer) scheduleRetry() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	delay := d.retry.Backoff(d.failures)
	d.failures++
	d.logger.Debug("retry scheduled", "in", delay, "failures", d.failures)
	d.timer = time.AfterFunc(delay, d.trigger)
}

func (d *drainer) resetRetry() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures = 0
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

func (d *drainer) cancelRetry() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

func (d *drainer) start() {
	if d.gate.setEnabled(true) {
		d.trigger()
	}
}

func (d *drainer) stop() {
	d.gate.setEnabled(false)
	d.cancelRetry()
}

func (d *drainer) setOpen(open bool) {
	if d.gate.setOpen(open) {
		d.trigger()
	}
	if !open {
		d.cancelRetry()
	}
}
