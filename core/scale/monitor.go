// Package scale implements the Scale Monitor: a stateless-across-restarts,
// per-process heartbeat that samples change backlog and throughput and
// recommends adding or removing workers.
package scale

import (
	"context"
	"time"

	"github.com/natolumin/changefeed/core"
	"github.com/natolumin/changefeed/logger"
)

var log = logger.GetLogger("core/scale")

// scaleUninitialized marks lastChanges/lastRowsProcessed as not yet seeded;
// a real sample is always >= 0, so -1 is never a legitimate value.
const scaleUninitialized = -1

// Config carries the tunables the heartbeat algorithm needs.
type Config struct {
	BatchSize       int
	PollingInterval time.Duration
	// OnlyUnprocessed selects whether CurrentChanges counts every row in the
	// change table or only rows that are actually unprocessed. Default
	// false -- count all.
	OnlyUnprocessed bool
}

// Monitor runs one Scale Monitor heartbeat loop. It is stateful only within
// this process: lastChanges and lastRowsProcessed reset to the
// uninitialized sentinel whenever a new Monitor is constructed, and carry
// no state across a restart.
type Monitor struct {
	source core.ScaleSource
	cfg    Config

	lastChanges       int64
	lastRowsProcessed int64
}

// New constructs a Monitor with its counters reset to the uninitialized
// sentinel.
func New(source core.ScaleSource, cfg Config) *Monitor {
	return &Monitor{
		source:            source,
		cfg:               cfg,
		lastChanges:       scaleUninitialized,
		lastRowsProcessed: scaleUninitialized,
	}
}

// Heartbeat runs one pass of the scaling algorithm and returns the
// recommendation. It never returns an error: a failed read degrades to
// NoAction/keepAlive=true, since a scaling decision is advisory and a
// transient read failure must not shrink or grow the fleet.
func (m *Monitor) Heartbeat(ctx context.Context) core.ScaleRecommendation {
	currentChanges, ok, err := m.source.CurrentChanges(ctx, m.cfg.OnlyUnprocessed)
	if err != nil || !ok {
		log.Warningf("read current changes: ok=%v err=%v", ok, err)
		return core.ScaleRecommendation{Action: core.NoAction, Reason: "could not read current change count", KeepAlive: true}
	}

	rowsProcessed, err := m.source.RowsProcessed(ctx)
	if err != nil {
		log.Warningf("read rows processed: %v", err)
		return core.ScaleRecommendation{Action: core.NoAction, Reason: "could not read rows processed", KeepAlive: true}
	}

	if m.lastChanges == scaleUninitialized {
		m.lastChanges = currentChanges
		m.lastRowsProcessed = rowsProcessed
		return core.ScaleRecommendation{Action: core.NoAction, Reason: "first heartbeat, seeding baseline", KeepAlive: true}
	}

	newChanges := currentChanges - m.lastChanges
	newRowsProcessed := core.WrapDelta(rowsProcessed, m.lastRowsProcessed)
	m.lastChanges = currentChanges
	m.lastRowsProcessed = rowsProcessed

	if newChanges < 0 {
		return core.ScaleRecommendation{
			Action: core.NoAction, Reason: "change table was cleaned up since last heartbeat", KeepAlive: true,
			NewChanges: newChanges, NewRowsProcessed: newRowsProcessed,
		}
	}

	if newRowsProcessed < newChanges {
		return core.ScaleRecommendation{
			Action: core.AddWorker, Reason: "throughput is not keeping up with new changes", KeepAlive: true,
			NewChanges: newChanges, NewRowsProcessed: newRowsProcessed,
		}
	}

	activeWorkers, err := m.source.ActiveWorkerCount(ctx, m.cfg.PollingInterval)
	if err != nil {
		log.Warningf("read active worker count: %v", err)
		return core.ScaleRecommendation{
			Action: core.NoAction, Reason: "could not read active worker count", KeepAlive: true,
			NewChanges: newChanges, NewRowsProcessed: newRowsProcessed,
		}
	}

	unusedCapacity := int64(activeWorkers)*int64(m.cfg.BatchSize) - newRowsProcessed
	if unusedCapacity >= int64(m.cfg.BatchSize) {
		return core.ScaleRecommendation{
			Action: core.RemoveWorker, Reason: "spare capacity exceeds one worker's batch size", KeepAlive: false,
			NewChanges: newChanges, NewRowsProcessed: newRowsProcessed,
		}
	}

	return core.ScaleRecommendation{
		Action: core.NoAction, Reason: "throughput matches backlog", KeepAlive: true,
		NewChanges: newChanges, NewRowsProcessed: newRowsProcessed,
	}
}
