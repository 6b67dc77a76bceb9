package lease

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/natolumin/changefeed/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTicker is a manually-driven core.Ticker: tests control exactly when it
// fires instead of waiting on real wall-clock time.
type fakeTicker struct {
	ch chan time.Time
}

func newFakeTicker() *fakeTicker { return &fakeTicker{ch: make(chan time.Time, 1)} }
func (t *fakeTicker) C() <-chan time.Time       { return t.ch }
func (t *fakeTicker) Stop()                     {}
func (t *fakeTicker) Reset(_ time.Duration)     {}
func (t *fakeTicker) fire()                     { t.ch <- time.Now() }

// fakeClock gives the test direct control over every ticker and After
// channel a Manager creates, the way the pack's juju lease workers inject a
// fake clock to drive tickers deterministically (see core/clock.go's doc
// comment). Tickers are looked up by the interval they were created with
// (renew fires at LeaseInterval/2, housekeep at CleanupInterval) rather than
// by creation order, since the poll/renew/housekeep goroutines race to call
// NewTicker and their relative order is not guaranteed.
type fakeClock struct {
	mu      sync.Mutex
	tickers map[time.Duration]*fakeTicker
	afterCh chan time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{tickers: make(map[time.Duration]*fakeTicker), afterCh: make(chan time.Time, 8)}
}

func (c *fakeClock) Now() time.Time { return time.Unix(0, 0) }

func (c *fakeClock) NewTicker(d time.Duration) core.Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := newFakeTicker()
	c.tickers[d] = t
	return t
}

func (c *fakeClock) After(_ time.Duration) <-chan time.Time { return c.afterCh }

func (c *fakeClock) fire(d time.Duration) {
	c.mu.Lock()
	t := c.tickers[d]
	c.mu.Unlock()
	if t != nil {
		t.fire()
	}
}

func (c *fakeClock) hasTicker(d time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.tickers[d]
	return ok
}

type fakeReader struct {
	batches []core.Batch
	idx     int32
	mu      sync.Mutex
}

func (r *fakeReader) FetchBatch(ctx context.Context) (core.Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if int(r.idx) >= len(r.batches) {
		return nil, nil
	}
	b := r.batches[r.idx]
	r.idx++
	return b, nil
}

type fakeLeaseStore struct {
	renewCount   int32
	releaseCount int32
	releasedWith core.Batch
}

func (l *fakeLeaseStore) RenewLeases(ctx context.Context, batch core.Batch, workerID string, leaseInterval time.Duration) error {
	atomic.AddInt32(&l.renewCount, 1)
	return nil
}

func (l *fakeLeaseStore) ReleaseAndAdvance(ctx context.Context, batch core.Batch, workerID string) error {
	atomic.AddInt32(&l.releaseCount, 1)
	l.releasedWith = batch
	return nil
}

type fakeHousekeeper struct {
	heartbeats    int32
	cleanups      int32
	deletedWorker string
}

func (h *fakeHousekeeper) Heartbeat(ctx context.Context, workerID string, batchSize int) error {
	atomic.AddInt32(&h.heartbeats, 1)
	return nil
}

func (h *fakeHousekeeper) CleanupAbandoned(ctx context.Context, cleanupInterval time.Duration) error {
	atomic.AddInt32(&h.cleanups, 1)
	return nil
}

func (h *fakeHousekeeper) DeleteWorker(ctx context.Context, workerID string) error {
	h.deletedWorker = workerID
	return nil
}

func (h *fakeHousekeeper) ActiveWorkerCount(ctx context.Context, within time.Duration) (int, error) {
	return 1, nil
}

func testBatch() core.Batch {
	return core.Batch{
		{PK: core.NewPKValue([]core.PKColumn{{Name: "Id", Value: 1}}), ChangeType: core.Inserted, Version: 10, Data: map[string]interface{}{"Id": 1}},
	}
}

func TestManagerProcessesBatchAndReleases(t *testing.T) {
	reader := &fakeReader{batches: []core.Batch{testBatch()}}
	leases := &fakeLeaseStore{}
	house := &fakeHousekeeper{}
	clock := newFakeClock()

	handled := make(chan core.Batch, 1)
	handler := func(ctx context.Context, batch core.Batch) error {
		handled <- batch
		return nil
	}

	mgr := New(reader, leases, house, clock, handler, Config{
		WorkerID:             "w1",
		PollingInterval:      time.Hour,
		LeaseInterval:        time.Minute,
		MaxLeaseRenewalCount: 10,
		CleanupInterval:      time.Hour,
	})

	mgr.Start(context.Background())

	select {
	case b := <-handled:
		assert.Len(t, b, 1)
	case <-time.After(2 * time.Second):
		t.Fatal("handler was never invoked")
	}

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&leases.releaseCount) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mgr.Stop()
	assert.Equal(t, "w1", house.deletedWorker)
}

func TestManagerRenewTickRenewsInFlightBatch(t *testing.T) {
	reader := &fakeReader{batches: []core.Batch{}}
	leases := &fakeLeaseStore{}
	house := &fakeHousekeeper{}
	clock := newFakeClock()

	block := make(chan struct{})
	handler := func(ctx context.Context, batch core.Batch) error {
		<-block
		return nil
	}

	mgr := New(reader, leases, house, clock, handler, Config{
		WorkerID:             "w1",
		PollingInterval:      time.Hour,
		LeaseInterval:        time.Minute,
		MaxLeaseRenewalCount: 10,
		CleanupInterval:      time.Hour,
	})

	reader.batches = []core.Batch{testBatch()}
	mgr.Start(context.Background())

	require.Eventually(t, func() bool {
		mgr.mu.Lock()
		defer mgr.mu.Unlock()
		return mgr.state == processingChanges
	}, 2*time.Second, 10*time.Millisecond)

	clock.fire(30 * time.Second)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&leases.renewCount) >= 1
	}, 2*time.Second, 10*time.Millisecond)

	close(block)
	mgr.Stop()
}

func TestManagerWedgeDetectionCancelsHandler(t *testing.T) {
	reader := &fakeReader{batches: []core.Batch{testBatch()}}
	leases := &fakeLeaseStore{}
	house := &fakeHousekeeper{}
	clock := newFakeClock()

	cancelled := make(chan struct{})
	handler := func(ctx context.Context, batch core.Batch) error {
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	}

	mgr := New(reader, leases, house, clock, handler, Config{
		WorkerID:             "w1",
		PollingInterval:      time.Hour,
		LeaseInterval:        time.Minute,
		MaxLeaseRenewalCount: 2,
		CleanupInterval:      time.Hour,
	})

	mgr.Start(context.Background())

	require.Eventually(t, func() bool {
		mgr.mu.Lock()
		defer mgr.mu.Unlock()
		return mgr.state == processingChanges
	}, 2*time.Second, 10*time.Millisecond)

	clock.fire(30 * time.Second)
	clock.fire(30 * time.Second)

	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("handler was never cancelled after hitting MaxLeaseRenewalCount")
	}

	mgr.Stop()
	assert.Zero(t, leases.releaseCount, "a cancelled handler must not release leases")
}

func TestManagerHousekeepTickRunsCleanupAndHeartbeat(t *testing.T) {
	reader := &fakeReader{}
	leases := &fakeLeaseStore{}
	house := &fakeHousekeeper{}
	clock := newFakeClock()

	mgr := New(reader, leases, house, clock, func(ctx context.Context, b core.Batch) error { return nil }, Config{
		WorkerID:             "w1",
		PollingInterval:      time.Hour,
		LeaseInterval:        time.Minute,
		MaxLeaseRenewalCount: 10,
		CleanupInterval:      time.Minute,
	})

	mgr.Start(context.Background())

	require.Eventually(t, func() bool {
		return clock.hasTicker(30*time.Second) && clock.hasTicker(time.Minute)
	}, 2*time.Second, 10*time.Millisecond)

	clock.fire(time.Minute)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&house.cleanups) >= 1 && atomic.LoadInt32(&house.heartbeats) >= 1
	}, 2*time.Second, 10*time.Millisecond)

	mgr.Stop()
}
