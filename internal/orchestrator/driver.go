package orchestrator

import (
	"context"
	"sync"
	"time"
)

// DriverConfig holds tunable parameters for the driver loop.
type DriverConfig struct {
	Interval time.Duration
}

// Driver ticks an orchestrator periodically until the protocol stops for
// good or the driver is stopped. Blocked and idle protocols keep ticking so
// that timeouts fire and queued input is picked up.
type Driver struct {
	Orchestrator *Orchestrator
	Config       DriverConfig
	stopCh       chan struct{}
	stopOnce     sync.Once
	done         chan struct{}
}

// NewDriver creates a Driver with sensible defaults for zero-value config fields.
func NewDriver(o *Orchestrator, cfg DriverConfig) *Driver {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	return &Driver{
		Orchestrator: o,
		Config:       cfg,
		stopCh:       make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Start spawns the ticking goroutine.
func (d *Driver) Start(ctx context.Context) {
	ticker := time.NewTicker(d.Config.Interval)
	go func() {
		defer close(d.done)
		defer ticker.Stop()
		for {
			select {
			case <-d.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				res := d.Orchestrator.Tick(ctx)
				if terminal(res.StopReason) {
					d.Orchestrator.log.Info("driver stopping", "stop_reason", string(res.StopReason))
					return
				}
			}
		}
	}()
}

// Stop signals the ticking goroutine to stop. Safe to call multiple times.
func (d *Driver) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
}

// Done is closed once the ticking goroutine has exited.
func (d *Driver) Done() <-chan struct{} {
	return d.done
}

// terminal reports whether no further tick can change the state without
// operator action.
func terminal(r StopReason) bool {
	switch r {
	case StopComplete, StopFailed, StopNoValidTransition:
		return true
	default:
		return false
	}
}
