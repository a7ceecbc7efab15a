// Package control runs the keep-alive loop that re-sends the last accepted
// setpoint to every commanded controller at a fixed period.
package control

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/pslog"
	"vawter.tech/stopper"

	"github.com/importly/moteus-motor/internal/device"
	"github.com/importly/moteus-motor/internal/logging"
	"github.com/importly/moteus-motor/internal/metrics"
	"github.com/importly/moteus-motor/internal/registry"
	"github.com/importly/moteus-motor/internal/state"
)

// Phase of the loop.
type Phase int32

const (
	Starting Phase = iota
	Running
)

func (p Phase) String() string {
	switch p {
	case Starting:
		return "STARTING"
	case Running:
		return "RUNNING"
	default:
		return "UNKNOWN"
	}
}

// Options configures the loop.
type Options struct {
	// Period between ticks. It must stay well below the device watchdog.
	Period time.Duration
	// CommandTimeout bounds each keep-alive operation.
	CommandTimeout time.Duration
	// StatsInterval is how often the achieved rate is logged. Zero disables it.
	StatsInterval time.Duration
}

// Loop is the keep-alive control loop.
type Loop struct {
	registry *registry.Registry
	state    *state.CommandState
	opts     Options
	logger   pslog.Logger
	metrics  *metrics.Metrics

	phase   atomic.Int32
	healthy map[device.ControllerID]*atomic.Bool

	total  atomic.Uint64
	ticks  atomic.Uint64
	errors atomic.Uint64
}

// New creates a loop. Run starts it.
func New(reg *registry.Registry, st *state.CommandState, opts Options, logger pslog.Logger, m *metrics.Metrics) *Loop {
	if opts.Period <= 0 {
		opts.Period = 5 * time.Millisecond
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 20 * time.Millisecond
	}
	l := &Loop{
		registry: reg,
		state:    st,
		opts:     opts,
		logger:   logging.WithSubsystem(logger, "bridge.control"),
		metrics:  m,
		healthy:  make(map[device.ControllerID]*atomic.Bool, reg.Len()),
	}
	for _, id := range reg.IDs() {
		h := &atomic.Bool{}
		h.Store(true)
		l.healthy[id] = h
	}
	return l
}

// Phase returns the current phase.
func (l *Loop) Phase() Phase {
	return Phase(l.phase.Load())
}

// Running reports whether the loop has finished its startup stop sequence.
func (l *Loop) Running() bool {
	return l.Phase() == Running
}

// Ticks returns the number of completed ticks.
func (l *Loop) Ticks() uint64 {
	return l.total.Load()
}

// Run clears every controller's fault, then ticks until sctx starts stopping.
// A tick in progress always completes, so no device operation is abandoned
// when Run returns.
func (l *Loop) Run(sctx *stopper.Context) error {
	l.stopAll()
	l.phase.Store(int32(Running))
	l.logger.Info("control.loop.running",
		"period", l.opts.Period.String(),
		"controllers", l.registry.Len(),
	)

	ticker := time.NewTicker(l.opts.Period)
	defer ticker.Stop()

	var stats <-chan time.Time
	if l.opts.StatsInterval > 0 {
		statsTicker := time.NewTicker(l.opts.StatsInterval)
		defer statsTicker.Stop()
		stats = statsTicker.C
	}
	lastReport := time.Now()

	for {
		select {
		case <-sctx.Stopping():
			l.logger.Info("control.loop.stopped", "ticks", l.total.Load())
			return nil
		case <-ticker.C:
			l.tick()
		case now := <-stats:
			l.reportRate(now.Sub(lastReport))
			lastReport = now
		}
	}
}

func (l *Loop) stopAll() {
	var wg sync.WaitGroup
	for _, ctrl := range l.registry.Controllers() {
		wg.Add(1)
		go func(ctrl *registry.Controller) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), l.opts.CommandTimeout)
			defer cancel()

			err := ctrl.Stop(ctx)
			l.metrics.DeviceOperation(metrics.SourceLoop, "stop", err)
			if err != nil {
				l.logger.Warn("control.startup.stop_failed",
					"controller", int(ctrl.ID()),
					"code", device.Code(err),
					"error", err,
				)
			}
		}(ctrl)
	}
	wg.Wait()
}

// tick sends one keep-alive per set controller. Controllers run in parallel;
// the tick returns once all of them have finished.
func (l *Loop) tick() {
	start := time.Now()
	setpoints := l.state.Snapshot()

	var wg sync.WaitGroup
	for _, sp := range setpoints {
		ctrl, ok := l.registry.Lookup(sp.ID)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(ctrl *registry.Controller, position float64) {
			defer wg.Done()
			l.keepAlive(ctrl, position)
		}(ctrl, sp.Position)
	}
	wg.Wait()

	l.total.Add(1)
	l.ticks.Add(1)
	l.metrics.ObserveTick(time.Since(start))
}

func (l *Loop) keepAlive(ctrl *registry.Controller, position float64) {
	// Detached from the loop context so shutdown never cuts an operation short.
	ctx, cancel := context.WithTimeout(context.Background(), l.opts.CommandTimeout)
	defer cancel()

	_, err := ctrl.SetPosition(ctx, position, true)
	l.metrics.DeviceOperation(metrics.SourceLoop, "setPosition", err)

	healthy := l.healthy[ctrl.ID()]
	if err != nil {
		l.errors.Add(1)
		if healthy == nil || healthy.Swap(false) {
			l.logger.Warn("control.tick.device_error",
				"controller", int(ctrl.ID()),
				"position", position,
				"code", device.Code(err),
				"error", err,
			)
		}
		return
	}
	if healthy != nil && !healthy.Swap(true) {
		l.logger.Info("control.tick.device_recovered", "controller", int(ctrl.ID()))
	}
}

func (l *Loop) reportRate(elapsed time.Duration) {
	ticks := l.ticks.Swap(0)
	errs := l.errors.Swap(0)
	if elapsed <= 0 {
		return
	}
	l.logger.Info("control.loop.rate",
		"hz", float64(ticks)/elapsed.Seconds(),
		"ticks", ticks,
		"device_errors", errs,
	)
}
