// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

// Package lease implements the Lease Manager, the concurrency core of a
// single worker's processing of one tracked table: a small state machine
// (checkingForChanges <-> processingChanges) driven by a poll task, kept
// alive by a renew task, and monitored for liveness by a housekeep task.
// The in-flight batch and state variable are guarded by a single mutex,
// with a revision-guarded, mutex-per-entry discipline generalized from
// per-client in-memory records to one shared in-flight batch backed by the
// SQL lease ledger.
package lease

import (
	"context"
	"sync"
	"time"

	"github.com/natolumin/changefeed/core"
	"github.com/natolumin/changefeed/logger"
)

var log = logger.GetLogger("core/lease")

type managerState int

const (
	checkingForChanges managerState = iota
	processingChanges
)

// Config carries the tunables of the worker configuration that the Lease
// Manager itself consumes.
type Config struct {
	WorkerID             string
	PollingInterval      time.Duration
	LeaseInterval        time.Duration
	MaxLeaseRenewalCount int
	CleanupInterval      time.Duration
}

// Manager runs the poll/renew/housekeep tasks for one worker against one
// tracked table. It is not safe to call Start more than once.
type Manager struct {
	reader core.Reader
	leases core.LeaseStore
	house  core.Housekeeper
	clock  core.Clock
	handle core.Handler
	cfg    Config

	// mu guards batch, state, token and renewalCount, the only fields
	// contended between the poll and renew tasks. The handler runs without
	// mu held.
	mu           sync.Mutex
	state        managerState
	batch        core.Batch
	token        *core.BatchToken
	renewalCount int
	cancelBatch  context.CancelFunc

	stop chan struct{}
	done chan struct{}
}

// ReleaseBatchToken implements core.BatchOwner. It only logs: it is called
// from Invalidate while m.mu is already held, just before m.token is set to
// nil, so it must not take m.mu itself.
func (m *Manager) ReleaseBatchToken(t *core.BatchToken) {
	log.Debugf("batch token released")
}

// New constructs a Manager. Call Start to begin the three tasks; call Stop
// to end them and deregister this worker's liveness row.
func New(reader core.Reader, leases core.LeaseStore, house core.Housekeeper, clock core.Clock, handler core.Handler, cfg Config) *Manager {
	return &Manager{
		reader: reader,
		leases: leases,
		house:  house,
		clock:  clock,
		handle: handler,
		cfg:    cfg,
		state:  checkingForChanges,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the poll, renew and housekeep tasks and returns
// immediately. Cancelling ctx, or calling Stop, ends all three; Stop blocks
// until they have exited and this worker's liveness row is deleted.
func (m *Manager) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); m.pollTask(ctx) }()
	go func() { defer wg.Done(); m.renewTask(ctx) }()
	go func() { defer wg.Done(); m.housekeepTask(ctx) }()

	go func() {
		<-m.stop
		cancel()
	}()

	go func() {
		wg.Wait()
		if err := m.house.DeleteWorker(context.Background(), m.cfg.WorkerID); err != nil {
			log.Warningf("delete worker liveness row on shutdown: %v", err)
		}
		close(m.done)
	}()
}

// Stop signals all three tasks to exit and waits for them to finish.
func (m *Manager) Stop() {
	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
	<-m.done
}

func (m *Manager) pollTask(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		batch, err := m.reader.FetchBatch(ctx)
		if err != nil {
			log.Warningf("fetch batch: %v", err)
			m.mu.Lock()
			m.batch = nil
			m.state = checkingForChanges
			m.mu.Unlock()
			if !sleepOrDone(ctx, m.clock, m.cfg.PollingInterval) {
				return
			}
			continue
		}

		if len(batch) == 0 {
			if !sleepOrDone(ctx, m.clock, m.cfg.PollingInterval) {
				return
			}
			continue
		}

		handlerCtx, cancel := context.WithCancel(ctx)
		m.mu.Lock()
		m.batch = batch
		m.state = processingChanges
		m.renewalCount = 0
		m.cancelBatch = cancel
		m.token = core.NewBatchToken(m, nil)
		m.mu.Unlock()

		err = m.invokeHandler(handlerCtx, batch)
		cancel()

		if err != nil {
			log.Warningf("handler error, leaving leases to expire: %v", err)
		} else if err := m.leases.ReleaseAndAdvance(ctx, batch, m.cfg.WorkerID); err != nil {
			log.Warningf("release and advance: %v", err)
		}

		m.mu.Lock()
		m.batch = nil
		m.state = checkingForChanges
		m.cancelBatch = nil
		if m.token != nil {
			m.token.Invalidate()
			m.token = nil
		}
		m.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
	}
}

// invokeHandler wraps the user handler so a panic in it is treated
// identically to a returned error.
func (m *Manager) invokeHandler(ctx context.Context, batch core.Batch) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &core.HandlerError{Err: panicError{r}}
		}
	}()
	if handlerErr := m.handle(ctx, batch); handlerErr != nil {
		return &core.HandlerError{Err: handlerErr}
	}
	return nil
}

type panicError struct{ v interface{} }

func (p panicError) Error() string { return "panic in handler" }

func (m *Manager) renewTask(ctx context.Context) {
	interval := m.cfg.LeaseInterval / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := m.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			m.renewTick(ctx)
		}
	}
}

func (m *Manager) renewTick(ctx context.Context) {
	m.mu.Lock()
	// token.IsOwnedBy(m) catches the case where the poll task has already
	// cleared this generation's batch (handler returned, or a fetch error
	// reset the state machine) between this tick being scheduled and it
	// acquiring mu: a cleared token means there is nothing left to renew,
	// even if state/batch briefly look stale.
	if m.state != processingChanges || len(m.batch) == 0 || !m.token.IsOwnedBy(m) {
		m.mu.Unlock()
		return
	}
	batch := m.batch
	token := m.token
	m.renewalCount++
	count := m.renewalCount
	cancel := m.cancelBatch
	m.mu.Unlock()

	if count >= m.cfg.MaxLeaseRenewalCount {
		log.Warningf("%v", &core.HandlerWedgeError{RenewalCount: count})
		m.mu.Lock()
		if m.token == token {
			m.token.Invalidate()
			m.token = nil
		}
		m.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return
	}

	if err := m.leases.RenewLeases(ctx, batch, m.cfg.WorkerID, m.cfg.LeaseInterval); err != nil {
		log.Warningf("renew leases: %v", err)
	}
}

func (m *Manager) housekeepTask(ctx context.Context) {
	interval := m.cfg.CleanupInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := m.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if err := m.house.CleanupAbandoned(ctx, interval); err != nil {
				log.Warningf("cleanup abandoned workers: %v", err)
			}
			if err := m.house.Heartbeat(ctx, m.cfg.WorkerID, m.batchSize()); err != nil {
				log.Warningf("heartbeat: %v", err)
			}
		}
	}
}

func (m *Manager) batchSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.batch)
}

// sleepOrDone waits for d via clock.After, returning false if ctx is
// cancelled first.
func sleepOrDone(ctx context.Context, clock core.Clock, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-clock.After(d):
		return true
	}
}
