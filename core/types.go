// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

// Package core implements the distributed coordination and scaling
// subsystem: the Schema Provisioner, Change Reader, Lease Manager, and
// Scale Monitor, built on top of a SQL Server database as the shared
// coordinator. Sub-packages core/schema, core/reader, core/lease and
// core/scale hold the SQL-backed implementations; this package holds the
// shared types, interfaces and pure logic they all build on.
package core

import (
	"context"
	"time"
)

// ChangeType identifies the kind of row mutation a change represents,
// mirroring SQL Server's SYS_CHANGE_OPERATION values (I/U/D).
type ChangeType int

const (
	// Inserted corresponds to SYS_CHANGE_OPERATION = 'I'.
	Inserted ChangeType = iota
	// Updated corresponds to SYS_CHANGE_OPERATION = 'U'.
	Updated
	// Deleted corresponds to SYS_CHANGE_OPERATION = 'D'. Deleted rows carry
	// only primary-key columns in Data, since the user row no longer exists
	// to join against.
	Deleted
)

func (c ChangeType) String() string {
	switch c {
	case Inserted:
		return "Inserted"
	case Updated:
		return "Updated"
	case Deleted:
		return "Deleted"
	default:
		return "Unknown"
	}
}

// ChangeTypeFromSQL maps a SYS_CHANGE_OPERATION column value to a ChangeType.
func ChangeTypeFromSQL(op string) (ChangeType, bool) {
	switch op {
	case "I":
		return Inserted, true
	case "U":
		return Updated, true
	case "D":
		return Deleted, true
	default:
		return 0, false
	}
}

// ChangeRow is one row returned by the Change Reader: a primary key, its
// change metadata, and its column values (or, for deletes, just the PK
// columns, since the user row no longer exists to join against).
type ChangeRow struct {
	PK         PKValue
	ChangeType ChangeType
	Version    int64
	Data       map[string]interface{}
}

// Batch is an ordered list of ChangeRow, ascending by Version, as returned
// by FetchBatch.
type Batch []ChangeRow

// Handler is the user-supplied callback invoked with a decoded batch. It
// must be idempotent: the runtime delivers at-least-once, never
// exactly-once.
type Handler func(ctx context.Context, batch Batch) error

// GlobalState mirrors the GlobalState table: one row per tracked user
// table, holding the monotonic lower bound of "fully processed".
type GlobalState struct {
	UserTableID         string
	GlobalVersionNumber  int64
	DatabaseID           int64
	RowsProcessed        int64
}

// LeaseRow mirrors one row of a per-user-table Worker_Table_<id> lease
// ledger, keyed by the user table's primary-key tuple.
type LeaseRow struct {
	PK                  PKValue
	LeaseExpirationTime *time.Time
	DequeueCount         int
	VersionNumber        *int64
}

// Expired reports whether the lease is free for the taking as of now: no
// expiration recorded, or it has already passed.
func (l LeaseRow) Expired(now time.Time) bool {
	return l.LeaseExpirationTime == nil || l.LeaseExpirationTime.Before(now)
}

// Poisoned reports whether the lease has been dequeued at least
// maxDequeueCount times and must never be returned again.
func (l LeaseRow) Poisoned(maxDequeueCount int) bool {
	return l.DequeueCount >= maxDequeueCount
}

// WorkerBatchSize mirrors one row of the WorkerBatchSizes liveness table:
// a worker's last reported batch size and the time it reported it.
type WorkerBatchSize struct {
	UserTableID string
	WorkerID    string
	BatchSize   int
	Timestamp   time.Time
}

// Alive reports whether this worker's liveness row is fresh enough to be
// counted as active, given a cleanup interval.
func (w WorkerBatchSize) Alive(now time.Time, within time.Duration) bool {
	return now.Sub(w.Timestamp) <= within
}

// ScaleAction is the Scale Monitor's recommendation.
type ScaleAction int

const (
	// NoAction recommends no change to the worker fleet.
	NoAction ScaleAction = iota
	// AddWorker recommends growing the fleet: throughput is not keeping up
	// with the rate of new changes.
	AddWorker
	// RemoveWorker recommends shrinking the fleet: there is more spare
	// capacity than a single worker's batch size.
	RemoveWorker
)

func (a ScaleAction) String() string {
	switch a {
	case AddWorker:
		return "AddWorker"
	case RemoveWorker:
		return "RemoveWorker"
	default:
		return "None"
	}
}

// ScaleRecommendation is the result of one Scale Monitor heartbeat.
type ScaleRecommendation struct {
	Action           ScaleAction
	Reason           string
	KeepAlive        bool
	NewChanges       int64
	NewRowsProcessed int64
}
