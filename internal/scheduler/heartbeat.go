// Package scheduler owns the periodic work of the cell: it fires the
// Controller's heartbeat at a fixed interval, one tick at a time.
package scheduler

import (
	"context"
	"time"

	"github.com/fleetcell/cell/internal/logger"
)

// Alarmer is the one thing the scheduler needs from the Controller.
type Alarmer interface {
	Alarm(ctx context.Context) error
}

// Heartbeat drives the periodic maintenance pass. The first tick fires
// one full interval after Start, matching the cell's init contract of
// scheduling the next heartbeat at now + interval rather than running
// one immediately.
type Heartbeat struct {
	cell     Alarmer
	logger   logger.Logger
	interval time.Duration
	stopCh   chan struct{}
	done     chan struct{}
}

// NewHeartbeat creates a heartbeat scheduler for the given cell.
func NewHeartbeat(cell Alarmer, log logger.Logger, interval time.Duration) *Heartbeat {
	return &Heartbeat{
		cell:     cell,
		logger:   log,
		interval: interval,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins the periodic heartbeat process.
func (h *Heartbeat) Start(ctx context.Context) error {
	ticker := time.NewTicker(h.interval)
	go func() {
		defer close(h.done)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := h.cell.Alarm(ctx); err != nil {
					h.logger.Error("heartbeat pass failed",
						logger.Error(err))
				}
			case <-h.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// Stop stops the heartbeat and waits for a pass already in progress to
// finish, so no Alarm call runs after Stop returns.
func (h *Heartbeat) Stop() {
	close(h.stopCh)
	<-h.done
}
