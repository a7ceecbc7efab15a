package command

import (
	"context"
	"fmt"
	"math"
	"time"

	"pkt.systems/pslog"

	"github.com/importly/moteus-motor/internal/device"
	"github.com/importly/moteus-motor/internal/logging"
	"github.com/importly/moteus-motor/internal/metrics"
	"github.com/importly/moteus-motor/internal/protocol"
	"github.com/importly/moteus-motor/internal/registry"
	"github.com/importly/moteus-motor/internal/state"
)

// Device operation names used in logs, metrics and audit entries.
const (
	ActionSetPosition = "setPosition"
	ActionQuery       = "query"
)

// Options configures the orchestrator.
type Options struct {
	// CommandTimeout bounds each device operation, including the wait for
	// exclusive access to the controller.
	CommandTimeout time.Duration
}

// Orchestrator routes decoded client batches to the command state and the
// controllers.
type Orchestrator struct {
	registry *registry.Registry
	state    *state.CommandState
	opts     Options
	logger   pslog.Logger
	metrics  *metrics.Metrics

	auditLogger AuditLogger
}

// Compile-time assertion that Orchestrator implements Handler
var _ Handler = (*Orchestrator)(nil)

// NewOrchestrator creates a new command orchestrator.
func NewOrchestrator(reg *registry.Registry, st *state.CommandState, opts Options, logger pslog.Logger, m *metrics.Metrics) *Orchestrator {
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 20 * time.Millisecond
	}
	return &Orchestrator{
		registry: reg,
		state:    st,
		opts:     opts,
		logger:   logging.WithSubsystem(logger, "bridge.command"),
		metrics:  m,
	}
}

// SetAuditLogger sets the audit logger.
func (o *Orchestrator) SetAuditLogger(logger AuditLogger) {
	o.auditLogger = logger
}

// Apply processes batch in order. Unknown controllers are skipped and device
// errors drop only the failing item.
func (o *Orchestrator) Apply(ctx context.Context, remote string, batch protocol.RequestBatch) protocol.ResponseBatch {
	resp := make(protocol.ResponseBatch, 0, len(batch))

	for _, item := range batch {
		ctrl, ok := o.registry.Lookup(item.ID)
		if !ok {
			o.logger.Debug("command.unknown_controller", "remote", remote, "controller", int(item.ID))
			continue
		}

		action := ActionQuery
		if item.Apply {
			action = ActionSetPosition
			o.state.Set(item.ID, item.Position)
			o.metrics.SetpointAccepted()
			o.logSetpoint(ctx, remote, item.ID, item.Position)
		}

		tel, err := o.execute(ctx, ctrl, item)
		o.metrics.DeviceOperation(metrics.SourceClient, action, err)
		if err != nil {
			o.logger.Warn("command.device_error",
				"remote", remote,
				"controller", int(item.ID),
				"action", action,
				"code", device.Code(err),
				"error", err,
			)
			o.logDeviceError(ctx, remote, item.ID, action, err)
			continue
		}

		resp = append(resp, protocol.ResponseItem{ID: item.ID, Telemetry: *tel})
	}
	return resp
}

func (o *Orchestrator) execute(ctx context.Context, ctrl *registry.Controller, item protocol.RequestItem) (*device.Telemetry, error) {
	ctx, cancel := context.WithTimeout(ctx, o.opts.CommandTimeout)
	defer cancel()

	var (
		tel *device.Telemetry
		err error
	)
	if item.Apply {
		tel, err = ctrl.SetPosition(ctx, item.Position, true)
	} else {
		tel, err = ctrl.Query(ctx)
	}
	if err != nil {
		return nil, err
	}
	if tel == nil {
		return nil, device.Normalize(item.ID, fmt.Errorf("%w: no telemetry returned", device.ErrInternal))
	}
	if !finite(tel) {
		return nil, device.Normalize(item.ID, fmt.Errorf("%w: non-finite telemetry", device.ErrInternal))
	}
	return tel, nil
}

func finite(tel *device.Telemetry) bool {
	for _, v := range []float64{tel.Position, tel.Velocity, tel.Torque, tel.Voltage, tel.Temperature} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func (o *Orchestrator) logSetpoint(ctx context.Context, remote string, id device.ControllerID, position float64) {
	if o.auditLogger != nil {
		o.auditLogger.LogSetpoint(ctx, remote, id, position)
	}
}

func (o *Orchestrator) logDeviceError(ctx context.Context, remote string, id device.ControllerID, action string, err error) {
	if o.auditLogger != nil {
		o.auditLogger.LogDeviceError(ctx, remote, id, action, err)
	}
}
