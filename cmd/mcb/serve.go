package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"pkt.systems/pslog"
	"vawter.tech/stopper"

	"github.com/importly/moteus-motor/internal/api"
	"github.com/importly/moteus-motor/internal/audit"
	"github.com/importly/moteus-motor/internal/command"
	"github.com/importly/moteus-motor/internal/config"
	"github.com/importly/moteus-motor/internal/control"
	"github.com/importly/moteus-motor/internal/device"
	"github.com/importly/moteus-motor/internal/device/sim"
	"github.com/importly/moteus-motor/internal/logging"
	"github.com/importly/moteus-motor/internal/metrics"
	"github.com/importly/moteus-motor/internal/protocol"
	"github.com/importly/moteus-motor/internal/registry"
	"github.com/importly/moteus-motor/internal/server"
	"github.com/importly/moteus-motor/internal/state"
)

func runServe(cmd *cobra.Command, flags *serveFlags, logger pslog.Logger) error {
	cfg, err := flags.load(cmd.Flags())
	if err != nil {
		return err
	}
	b, err := newBridge(cfg, logger)
	if err != nil {
		return err
	}
	return b.Run(cmd.Context())
}

// bridge is the wired process: registry, command state, control loop,
// client server and the optional ops server and audit journal.
type bridge struct {
	cfg    *config.Config
	logger pslog.Logger

	metrics  *metrics.Metrics
	registry *registry.Registry
	state    *state.CommandState
	loop     *control.Loop
	server   *server.Server
	ops      *api.Server
	audit    *audit.Logger
}

func newBridge(cfg *config.Config, logger pslog.Logger) (*bridge, error) {
	logger = logging.Ensure(logger)
	m := metrics.New()

	ids := make([]device.ControllerID, 0, len(cfg.Controllers.IDs))
	for _, id := range cfg.Controllers.IDs {
		ids = append(ids, device.ControllerID(id))
	}
	open, err := transport(cfg, logger)
	if err != nil {
		return nil, err
	}
	reg, err := registry.Build(ids, open)
	if err != nil {
		return nil, fmt.Errorf("failed to build controller registry: %w", err)
	}

	st := state.New()
	orch := command.NewOrchestrator(reg, st, command.Options{CommandTimeout: cfg.Loop.CommandTimeout}, logger, m)

	b := &bridge{
		cfg:      cfg,
		logger:   logging.WithSubsystem(logger, "bridge"),
		metrics:  m,
		registry: reg,
		state:    st,
	}

	if cfg.Audit.Dir != "" {
		al, err := audit.NewLogger(audit.Options{
			Dir:        cfg.Audit.Dir,
			MaxSizeMB:  cfg.Audit.MaxSizeMB,
			MaxBackups: cfg.Audit.MaxBackups,
			MaxAgeDays: cfg.Audit.MaxAgeDays,
			Compress:   cfg.Audit.Compress,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize audit logger: %w", err)
		}
		orch.SetAuditLogger(al)
		b.audit = al
	}

	b.loop = control.New(reg, st, control.Options{
		Period:         cfg.Loop.Period,
		CommandTimeout: cfg.Loop.CommandTimeout,
		StatsInterval:  cfg.Loop.StatsInterval,
	}, logger, m)

	codec, err := protocol.New(cfg.Network.Protocol)
	if err != nil {
		return nil, err
	}
	b.server = server.New(server.Options{
		Address:        cfg.Network.Address,
		Port:           cfg.Network.Port,
		MaxConnections: cfg.Network.MaxConnections,
		ReadTimeout:    cfg.Network.ReadTimeout,
		WriteTimeout:   cfg.Network.WriteTimeout,
		MaxFrameBytes:  cfg.Network.MaxFrameBytes,
	}, codec, orch, logger, m)

	if cfg.Ops.Address != "" {
		b.ops = api.NewServer(cfg.Ops.Address, b.loop, reg, st, m, logger)
	}
	return b, nil
}

// transport returns the channel constructor for the configured transport.
func transport(cfg *config.Config, logger pslog.Logger) (func(device.ControllerID) (device.Channel, error), error) {
	switch cfg.Controllers.Transport {
	case "sim":
		opts := sim.DefaultOptions()
		opts.WatchdogTimeout = cfg.Loop.WatchdogTimeout
		return func(id device.ControllerID) (device.Channel, error) {
			return sim.New(id, opts, logger), nil
		}, nil
	default:
		return nil, fmt.Errorf("unsupported transport %q", cfg.Controllers.Transport)
	}
}

// Run starts every component and blocks until ctx is cancelled or a component
// fails. Shutdown waits for the control loop to finish its current tick.
func (b *bridge) Run(ctx context.Context) error {
	if err := b.server.Listen(); err != nil {
		return err
	}

	sctx := stopper.WithContext(context.Background())
	failed := make(chan error, 3)
	run := func(name string, fn func(*stopper.Context) error) {
		sctx.Go(func(sctx *stopper.Context) error {
			err := fn(sctx)
			if err != nil && !sctx.IsStopping() {
				failed <- fmt.Errorf("%s: %w", name, err)
			}
			return err
		})
	}

	run("control loop", b.loop.Run)
	run("server", b.server.Serve)
	if b.ops != nil {
		run("ops server", b.ops.Run)
	}
	b.logger.Info("bridge.started",
		"addr", b.server.Addr().String(),
		"protocol", b.cfg.Network.Protocol,
		"controllers", b.registry.Len(),
		"ops", b.cfg.Ops.Address,
	)

	var runErr error
	select {
	case <-ctx.Done():
		b.logger.Info("bridge.stopping", "reason", "signal")
	case runErr = <-failed:
		b.logger.Error("bridge.stopping", "reason", "component failed", "error", runErr)
	}

	sctx.Stop(b.cfg.Loop.ShutdownGrace)
	waitErr := sctx.Wait()

	if b.audit != nil {
		if err := b.audit.Close(); err != nil {
			b.logger.Warn("bridge.audit.close_failed", "error", err)
		}
	}
	b.logger.Info("bridge.stopped")

	if runErr != nil {
		return runErr
	}
	if waitErr != nil && !errors.Is(waitErr, context.Canceled) {
		return waitErr
	}
	return nil
}
