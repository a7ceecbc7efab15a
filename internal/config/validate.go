package config

import (
	"errors"
	"fmt"
)

// Validate checks cfg for values the bridge cannot run with.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if err := validateNetwork(&cfg.Network); err != nil {
		return err
	}
	if err := validateControllers(&cfg.Controllers); err != nil {
		return err
	}
	return validateLoop(&cfg.Loop)
}

func validateNetwork(n *NetworkConfig) error {
	if n.Port < 1 || n.Port > 65535 {
		return fmt.Errorf("network.port %d out of range 1-65535", n.Port)
	}
	switch n.Protocol {
	case "line", "json":
	default:
		return fmt.Errorf("network.protocol %q must be line or json", n.Protocol)
	}
	if n.MaxConnections < 1 {
		return fmt.Errorf("network.maxConnections must be at least 1, got %d", n.MaxConnections)
	}
	if n.ReadTimeout <= 0 {
		return errors.New("network.readTimeout must be positive")
	}
	if n.WriteTimeout <= 0 {
		return errors.New("network.writeTimeout must be positive")
	}
	if n.MaxFrameBytes < 64 {
		return fmt.Errorf("network.maxFrameBytes must be at least 64, got %d", n.MaxFrameBytes)
	}
	return nil
}

func validateControllers(c *ControllersConfig) error {
	if len(c.IDs) == 0 {
		return errors.New("controllers.ids must list at least one controller")
	}
	seen := make(map[int]bool, len(c.IDs))
	for _, id := range c.IDs {
		if id <= 0 {
			return fmt.Errorf("controllers.ids: id %d must be positive", id)
		}
		if seen[id] {
			return fmt.Errorf("controllers.ids: duplicate id %d", id)
		}
		seen[id] = true
	}
	if c.Transport != "sim" {
		return fmt.Errorf("controllers.transport %q is not supported (available: sim)", c.Transport)
	}
	return nil
}

func validateLoop(l *LoopConfig) error {
	if l.WatchdogTimeout <= 0 {
		return errors.New("loop.watchdogTimeout must be positive")
	}
	if l.Period <= 0 {
		return errors.New("loop.period must be positive")
	}
	// Keep at least four keep-alives inside every watchdog window.
	if l.Period > l.WatchdogTimeout/4 {
		return fmt.Errorf("loop.period %s must not exceed a quarter of loop.watchdogTimeout %s", l.Period, l.WatchdogTimeout)
	}
	if l.CommandTimeout <= 0 {
		return errors.New("loop.commandTimeout must be positive")
	}
	if l.CommandTimeout >= l.WatchdogTimeout {
		return fmt.Errorf("loop.commandTimeout %s must be below loop.watchdogTimeout %s", l.CommandTimeout, l.WatchdogTimeout)
	}
	if l.StatsInterval < 0 {
		return errors.New("loop.statsInterval must not be negative")
	}
	if l.ShutdownGrace < 0 {
		return errors.New("loop.shutdownGrace must not be negative")
	}
	return nil
}
