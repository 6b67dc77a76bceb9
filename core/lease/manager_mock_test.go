package lease

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/natolumin/changefeed/core"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// mockHousekeeper uses testify/mock instead of a hand-rolled fake, for the
// two tests below where asserting the exact call arguments (not just a
// count) is the point.
type mockHousekeeper struct{ mock.Mock }

func (m *mockHousekeeper) Heartbeat(ctx context.Context, workerID string, batchSize int) error {
	args := m.Called(ctx, workerID, batchSize)
	return args.Error(0)
}

func (m *mockHousekeeper) CleanupAbandoned(ctx context.Context, cleanupInterval time.Duration) error {
	args := m.Called(ctx, cleanupInterval)
	return args.Error(0)
}

func (m *mockHousekeeper) DeleteWorker(ctx context.Context, workerID string) error {
	args := m.Called(ctx, workerID)
	return args.Error(0)
}

func (m *mockHousekeeper) ActiveWorkerCount(ctx context.Context, within time.Duration) (int, error) {
	args := m.Called(ctx, within)
	return args.Int(0), args.Error(1)
}

// TestManagerDeletesExactWorkerIDOnStop pins down that Stop deregisters
// precisely this manager's WorkerID, not whatever the last housekeep tick
// happened to report.
func TestManagerDeletesExactWorkerIDOnStop(t *testing.T) {
	house := &mockHousekeeper{}
	house.On("DeleteWorker", mock.Anything, "worker-under-test").Return(nil).Once()

	reader := &fakeReader{}
	leases := &fakeLeaseStore{}
	clock := newFakeClock()

	mgr := New(reader, leases, house, clock, func(ctx context.Context, b core.Batch) error { return nil }, Config{
		WorkerID:             "worker-under-test",
		PollingInterval:      time.Hour,
		LeaseInterval:        time.Minute,
		MaxLeaseRenewalCount: 10,
		CleanupInterval:      time.Hour,
	})

	mgr.Start(context.Background())
	mgr.Stop()

	house.AssertExpectations(t)
}

// TestManagerLogsButSwallowsHeartbeatFailure checks a housekeep-tick
// heartbeat error never escapes the task: the tick still runs cleanup and
// heartbeat, and Stop still deregisters the worker afterwards.
func TestManagerLogsButSwallowsHeartbeatFailure(t *testing.T) {
	house := &mockHousekeeper{}
	house.On("CleanupAbandoned", mock.Anything, mock.Anything).Return(nil)
	house.On("Heartbeat", mock.Anything, "worker-under-test", mock.Anything).Return(errors.New("deadlock")).Once()
	house.On("DeleteWorker", mock.Anything, "worker-under-test").Return(nil)

	reader := &fakeReader{}
	leases := &fakeLeaseStore{}
	clock := newFakeClock()

	mgr := New(reader, leases, house, clock, func(ctx context.Context, b core.Batch) error { return nil }, Config{
		WorkerID:             "worker-under-test",
		PollingInterval:      time.Hour,
		LeaseInterval:        time.Minute,
		MaxLeaseRenewalCount: 10,
		CleanupInterval:      time.Minute,
	})

	mgr.Start(context.Background())
	require.Eventually(t, func() bool {
		return clock.hasTicker(time.Minute)
	}, 2*time.Second, 10*time.Millisecond)

	clock.fire(time.Minute)

	require.Eventually(t, func() bool {
		return len(house.Calls) >= 2
	}, 2*time.Second, 10*time.Millisecond)

	mgr.Stop()
	house.AssertExpectations(t)
}
