// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package core

import (
	"context"
	"time"
)

// Reader is the Change Reader's public contract: fetch a bounded, ordered
// batch of claimed changes.
type Reader interface {
	FetchBatch(ctx context.Context) (Batch, error)
}

// LeaseStore is the subset of the coordination store the Lease Manager
// needs once it has a batch in hand: renewing leases on it, and running the
// release-and-advance protocol once the handler finishes.
type LeaseStore interface {
	// RenewLeases re-stamps LeaseExpirationTime on every row in batch.
	RenewLeases(ctx context.Context, batch Batch, workerID string, leaseInterval time.Duration) error

	// ReleaseAndAdvance runs the two-transaction release-and-advance
	// protocol for a successfully processed batch.
	ReleaseAndAdvance(ctx context.Context, batch Batch, workerID string) error
}

// Housekeeper is the liveness-table maintenance contract used by the
// housekeep task and by the Scale Monitor's activeWorkerCount sampling.
type Housekeeper interface {
	// Heartbeat upserts this worker's WorkerBatchSizes row.
	Heartbeat(ctx context.Context, workerID string, batchSize int) error
	// CleanupAbandoned deletes WorkerBatchSizes rows older than
	// cleanupInterval.
	CleanupAbandoned(ctx context.Context, cleanupInterval time.Duration) error
	// DeleteWorker deletes exactly this worker's liveness row, used on
	// clean shutdown.
	DeleteWorker(ctx context.Context, workerID string) error
	// ActiveWorkerCount counts WorkerBatchSizes rows whose Timestamp is
	// within the given window.
	ActiveWorkerCount(ctx context.Context, within time.Duration) (int, error)
}

// ScaleSource is what the Scale Monitor samples each heartbeat. It is
// read-only: the Scale Monitor holds no leases and writes nothing to the
// change state.
type ScaleSource interface {
	// CurrentChanges returns the count of rows in the change table (or of
	// actually-unprocessed rows, selected by onlyUnprocessed), and whether
	// the read succeeded.
	CurrentChanges(ctx context.Context, onlyUnprocessed bool) (count int64, ok bool, err error)
	// RowsProcessed returns GlobalState.RowsProcessed for the tracked table.
	RowsProcessed(ctx context.Context) (int64, error)
	// ActiveWorkerCount counts live WorkerBatchSizes rows within the given
	// window.
	ActiveWorkerCount(ctx context.Context, within time.Duration) (int, error)
}
