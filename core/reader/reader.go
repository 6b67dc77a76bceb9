package reader

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/natolumin/changefeed/core"
	"github.com/natolumin/changefeed/core/schema"
	"github.com/natolumin/changefeed/logger"
)

var log = logger.GetLogger("core/reader")

// Config carries everything Reader needs to build its per-table query
// templates once, up front.
type Config struct {
	Table           core.TableName
	UserTableID     int64
	PrimaryKey      []schema.PKColumnDef
	BatchSize       int
	LeaseInterval   time.Duration
	MaxDequeueCount int
	WorkerID        string
}

// Reader implements core.Reader, core.LeaseStore, core.Housekeeper and
// core.ScaleSource against a real *sql.DB (or anything satisfying
// core.DB). It owns the per-user-table SQL templates, built once from the
// primary-key schema discovered by the Schema Provisioner, then
// parameterized per call.
type Reader struct {
	db     core.DB
	clock  core.Clock
	cfg    Config
	leaseTable string

	acquireQuery            string
	releaseQuery            string
	renewQuery              string
	heartbeatQuery          string
	cleanupAbandonedQuery   string
	deleteWorkerQuery       string
	activeWorkerCountQuery  string
	rowsProcessedQuery      string
	globalStateSnapshotQuery string
	updateGlobalStateQuery  string
	truncateLeaseTableQuery string
	advanceGlobalVersionQuery string
	deleteRetiredLeasesQuery string
}

var (
	_ core.Reader      = (*Reader)(nil)
	_ core.LeaseStore  = (*Reader)(nil)
	_ core.Housekeeper = (*Reader)(nil)
	_ core.ScaleSource = (*Reader)(nil)
)

// New builds a Reader, pre-rendering its SQL templates from cfg.PrimaryKey.
func New(db core.DB, clock core.Clock, cfg Config) *Reader {
	leaseTable := quoteIdent(core.SchemaName) + "." + quoteIdent(core.LeaseTableName(cfg.UserTableID))
	return &Reader{
		db:         db,
		clock:      clock,
		cfg:        cfg,
		leaseTable: leaseTable,

		acquireQuery:              buildAcquireQuery(cfg.Table.Quoted(), leaseTable, cfg.PrimaryKey),
		releaseQuery:              buildReleaseQuery(leaseTable, cfg.PrimaryKey),
		renewQuery:                buildRenewQuery(leaseTable, cfg.PrimaryKey),
		heartbeatQuery:            buildHeartbeatQuery(core.SchemaName, core.WorkerBatchSizesTable),
		cleanupAbandonedQuery:     buildCleanupAbandonedQuery(core.SchemaName, core.WorkerBatchSizesTable),
		deleteWorkerQuery:         buildDeleteWorkerQuery(core.SchemaName, core.WorkerBatchSizesTable),
		activeWorkerCountQuery:    buildActiveWorkerCountQuery(core.SchemaName, core.WorkerBatchSizesTable),
		rowsProcessedQuery:        buildRowsProcessedQuery(core.SchemaName, core.GlobalStateTable),
		globalStateSnapshotQuery:  buildGlobalStateSnapshotQuery(core.SchemaName, core.GlobalStateTable),
		updateGlobalStateQuery:    buildUpdateGlobalStateQuery(core.SchemaName, core.GlobalStateTable),
		truncateLeaseTableQuery:   buildTruncateLeaseTableQuery(leaseTable),
		advanceGlobalVersionQuery: buildAdvanceGlobalVersionQuery(core.SchemaName, core.GlobalStateTable),
		deleteRetiredLeasesQuery:  buildDeleteRetiredLeasesQuery(leaseTable),
	}
}

// refreshGlobalState is the FetchBatch preamble: it detects database
// recreation (DatabaseID mismatch, truncates the lease table and resets
// the version) or background cleanup of old changes (stored version below
// CHANGE_TRACKING_MIN_VALID_VERSION, advances it). Deliberately not wrapped
// in a single transaction with the snapshot read -- see DESIGN.md's
// decision to preserve that behavior.
func (r *Reader) refreshGlobalState(ctx context.Context) (globalVersion int64, err error) {
	storedDBID, storedVersion, err := r.readGlobalStateSnapshot(ctx)
	if err != nil {
		return 0, &core.TransientDatabaseError{Op: "read global state snapshot", Err: err}
	}

	var currentDBID int64
	var minValidVersion sql.NullInt64
	row := r.db.QueryRowContext(ctx, `SELECT DB_ID(), CHANGE_TRACKING_MIN_VALID_VERSION(OBJECT_ID(@p1, N'U'))`, r.cfg.Table.String())
	if err := row.Scan(&currentDBID, &minValidVersion); err != nil {
		return 0, &core.TransientDatabaseError{Op: "read change tracking state", Err: err}
	}

	newVersion := storedVersion
	if currentDBID != storedDBID {
		if _, err := r.db.ExecContext(ctx, r.truncateLeaseTableQuery); err != nil {
			return 0, &core.TransientDatabaseError{Op: "truncate lease table on database recreation", Err: err}
		}
		if minValidVersion.Valid {
			newVersion = minValidVersion.Int64
		}
	} else if minValidVersion.Valid && storedVersion < minValidVersion.Int64 {
		newVersion = minValidVersion.Int64
	}

	if _, err := r.db.ExecContext(ctx, r.updateGlobalStateQuery,
		sql.Named("databaseID", currentDBID),
		sql.Named("globalVersion", newVersion),
		sql.Named("userTableID", r.cfg.Table.String()),
	); err != nil {
		return 0, &core.TransientDatabaseError{Op: "update global state", Err: err}
	}
	return newVersion, nil
}

// FetchBatch implements core.Reader.
func (r *Reader) FetchBatch(ctx context.Context) (core.Batch, error) {
	priorVersion, err := r.refreshGlobalState(ctx)
	if err != nil {
		return nil, err
	}

	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead})
	if err != nil {
		return nil, &core.TransientDatabaseError{Op: "begin fetch transaction", Err: err}
	}
	defer tx.Rollback()

	now := r.clock.Now()
	leaseExpiration := now.Add(r.cfg.LeaseInterval)

	rows, err := tx.QueryContext(ctx, r.acquireQuery,
		sql.Named("batchSize", r.cfg.BatchSize),
		sql.Named("lastSyncVersion", priorVersion),
		sql.Named("now", now),
		sql.Named("maxDequeueCount", r.cfg.MaxDequeueCount),
		sql.Named("leaseExpiration", leaseExpiration),
	)
	if err != nil {
		return nil, &core.TransientDatabaseError{Op: "acquire leases", Err: err}
	}

	type claimed struct {
		pk      []interface{}
		version int64
		op      string
	}
	var claims []claimed
	names := pkColumnNames(r.cfg.PrimaryKey)
	for rows.Next() {
		vals := make([]interface{}, len(names)+2)
		ptrs := make([]interface{}, len(vals))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			rows.Close()
			return nil, &core.TransientDatabaseError{Op: "scan claimed change", Err: err}
		}
		claims = append(claims, claimed{
			pk:      vals[:len(names)],
			version: toInt64(vals[len(names)]),
			op:      fmt.Sprintf("%v", vals[len(names)+1]),
		})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, &core.TransientDatabaseError{Op: "iterate claimed changes", Err: err}
	}
	rows.Close()

	if len(claims) == 0 {
		return nil, tx.Commit()
	}

	rowData := make(map[string]map[string]interface{}, len(claims))
	var lookupKeys [][]interface{}
	for _, c := range claims {
		if c.op != "D" {
			lookupKeys = append(lookupKeys, c.pk)
		}
	}
	if len(lookupKeys) > 0 {
		q := buildRowLookupQuery(r.cfg.Table.Quoted(), r.cfg.PrimaryKey, len(lookupKeys))
		var args []interface{}
		for _, key := range lookupKeys {
			args = append(args, key...)
		}
		dataRows, err := tx.QueryContext(ctx, q, args...)
		if err != nil {
			return nil, &core.TransientDatabaseError{Op: "look up changed row data", Err: err}
		}
		cols, err := dataRows.Columns()
		if err != nil {
			dataRows.Close()
			return nil, &core.TransientDatabaseError{Op: "read row lookup columns", Err: err}
		}
		for dataRows.Next() {
			vals := make([]interface{}, len(cols))
			ptrs := make([]interface{}, len(cols))
			for i := range vals {
				ptrs[i] = &vals[i]
			}
			if err := dataRows.Scan(ptrs...); err != nil {
				dataRows.Close()
				return nil, &core.TransientDatabaseError{Op: "scan row lookup", Err: err}
			}
			m := make(map[string]interface{}, len(cols))
			for i, c := range cols {
				m[c] = vals[i]
			}
			key := pkValueFromColumns(r.cfg.PrimaryKey, m).Key()
			rowData[key] = m
		}
		dataRows.Close()
	}

	batch := make(core.Batch, 0, len(claims))
	for _, c := range claims {
		pkCols := make([]core.PKColumn, len(names))
		for i, n := range names {
			pkCols[i] = core.PKColumn{Name: n, Value: c.pk[i]}
		}
		pkv := core.NewPKValue(pkCols)

		changeType, ok := core.ChangeTypeFromSQL(c.op)
		if !ok {
			continue
		}

		var data map[string]interface{}
		if changeType == core.Deleted {
			data = make(map[string]interface{}, len(names))
			for i, n := range names {
				data[n] = c.pk[i]
			}
		} else {
			data = rowData[pkv.Key()]
		}

		batch = append(batch, core.ChangeRow{PK: pkv, ChangeType: changeType, Version: c.version, Data: data})
	}

	sort.SliceStable(batch, func(i, j int) bool { return batch[i].Version < batch[j].Version })

	if err := tx.Commit(); err != nil {
		return nil, &core.TransientDatabaseError{Op: "commit fetch transaction", Err: err}
	}
	return batch, nil
}

func pkValueFromColumns(pk []schema.PKColumnDef, row map[string]interface{}) core.PKValue {
	cols := make([]core.PKColumn, len(pk))
	for i, c := range pk {
		cols[i] = core.PKColumn{Name: c.Name, Value: row[c.Name]}
	}
	return core.NewPKValue(cols)
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int32:
		return int64(n)
	case int:
		return int64(n)
	default:
		return 0
	}
}

// RenewLeases implements core.LeaseStore.
func (r *Reader) RenewLeases(ctx context.Context, batch core.Batch, workerID string, leaseInterval time.Duration) error {
	expiration := r.clock.Now().Add(leaseInterval)
	for _, row := range batch {
		args := append([]interface{}{sql.Named("leaseExpiration", expiration)}, namedPKArgs(row.PK, r.cfg.PrimaryKey)...)
		if _, err := r.db.ExecContext(ctx, r.renewQuery, args...); err != nil {
			return &core.TransientDatabaseError{Op: "renew lease", Err: err}
		}
	}
	return nil
}

// namedPKArgs renders pk's columns as sql.Named("pk1", ...), ... in
// declaration order, matching pkWhereClause's @pk1, @pk2, ... placeholders.
func namedPKArgs(pk core.PKValue, defs []schema.PKColumnDef) []interface{} {
	values := make(map[string]interface{}, len(defs))
	for _, c := range pk.Columns() {
		values[c.Name] = c.Value
	}
	out := make([]interface{}, len(defs))
	for i, d := range defs {
		out[i] = sql.Named(fmt.Sprintf("pk%d", i+1), values[d.Name])
	}
	return out
}

// ReleaseAndAdvance implements core.LeaseStore's release-and-advance
// protocol. It runs as two transactions so the released leases are
// committed and visible before the advance check reads them back.
func (r *Reader) ReleaseAndAdvance(ctx context.Context, batch core.Batch, workerID string) error {
	if len(batch) == 0 {
		return nil
	}
	newVersion := core.ReleaseVersion(batch)

	tx1, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return &core.TransientDatabaseError{Op: "begin release transaction", Err: err}
	}
	for _, row := range batch {
		args := append([]interface{}{sql.Named("newVersion", row.Version)}, namedPKArgs(row.PK, r.cfg.PrimaryKey)...)
		if _, err := tx1.ExecContext(ctx, r.releaseQuery, args...); err != nil {
			tx1.Rollback()
			return &core.TransientDatabaseError{Op: "release lease", Err: err}
		}
	}
	if _, err := tx1.ExecContext(ctx, r.heartbeatQuery,
		sql.Named("userTableID", r.cfg.Table.String()),
		sql.Named("workerID", workerID),
		sql.Named("batchSize", len(batch)),
		sql.Named("now", r.clock.Now()),
	); err != nil {
		tx1.Rollback()
		return &core.TransientDatabaseError{Op: "update worker batch size", Err: err}
	}
	if err := tx1.Commit(); err != nil {
		return &core.TransientDatabaseError{Op: "commit release transaction", Err: err}
	}

	tx2, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return &core.TransientDatabaseError{Op: "begin advance transaction", Err: err}
	}
	defer tx2.Rollback()

	var priorGlobalVersion int64
	if err := tx2.QueryRowContext(ctx, r.globalStateSnapshotQuery,
		sql.Named("userTableID", r.cfg.Table.String()),
	).Scan(new(int64), &priorGlobalVersion); err != nil {
		return &core.TransientDatabaseError{Op: "read global state for advance check", Err: err}
	}

	existsQuery := buildUnprocessedExistsQuery(r.cfg.Table.Quoted(), r.leaseTable, r.cfg.PrimaryKey)
	row := tx2.QueryRowContext(ctx, existsQuery,
		sql.Named("priorVersion", priorGlobalVersion),
		sql.Named("newVersion", newVersion),
		sql.Named("maxDequeueCount", r.cfg.MaxDequeueCount),
	)
	var dummy int
	switch err := row.Scan(&dummy); err {
	case nil:
		// Unprocessed rows remain at or below newVersion; don't advance yet.
		return tx2.Commit()
	case sql.ErrNoRows:
		// Safe to advance.
	default:
		return &core.TransientDatabaseError{Op: "check unprocessed changes", Err: err}
	}

	var currentRowsProcessed int64
	if err := tx2.QueryRowContext(ctx, r.rowsProcessedQuery,
		sql.Named("userTableID", r.cfg.Table.String()),
	).Scan(&currentRowsProcessed); err != nil {
		return &core.TransientDatabaseError{Op: "read rows processed", Err: err}
	}
	newRowsProcessed := core.AddWrapping(currentRowsProcessed, int64(len(batch)))

	if _, err := tx2.ExecContext(ctx, r.advanceGlobalVersionQuery,
		sql.Named("newVersion", newVersion),
		sql.Named("newRowsProcessed", newRowsProcessed),
		sql.Named("userTableID", r.cfg.Table.String()),
	); err != nil {
		return &core.TransientDatabaseError{Op: "advance global version", Err: err}
	}
	if _, err := tx2.ExecContext(ctx, r.deleteRetiredLeasesQuery, sql.Named("newVersion", newVersion)); err != nil {
		return &core.TransientDatabaseError{Op: "delete retired leases", Err: err}
	}
	if err := tx2.Commit(); err != nil {
		return &core.TransientDatabaseError{Op: "commit advance transaction", Err: err}
	}
	log.Debugf("advanced global version to %d, retired leases below it", newVersion)
	return nil
}

// Heartbeat implements core.Housekeeper.
func (r *Reader) Heartbeat(ctx context.Context, workerID string, batchSize int) error {
	_, err := r.db.ExecContext(ctx, r.heartbeatQuery,
		sql.Named("userTableID", r.cfg.Table.String()),
		sql.Named("workerID", workerID),
		sql.Named("batchSize", batchSize),
		sql.Named("now", r.clock.Now()),
	)
	if err != nil {
		return &core.TransientDatabaseError{Op: "heartbeat", Err: err}
	}
	return nil
}

// CleanupAbandoned implements core.Housekeeper.
func (r *Reader) CleanupAbandoned(ctx context.Context, cleanupInterval time.Duration) error {
	cutoff := r.clock.Now().Add(-cleanupInterval)
	_, err := r.db.ExecContext(ctx, r.cleanupAbandonedQuery,
		sql.Named("userTableID", r.cfg.Table.String()),
		sql.Named("cutoff", cutoff),
	)
	if err != nil {
		return &core.TransientDatabaseError{Op: "cleanup abandoned workers", Err: err}
	}
	return nil
}

// DeleteWorker implements core.Housekeeper (clean shutdown).
func (r *Reader) DeleteWorker(ctx context.Context, workerID string) error {
	_, err := r.db.ExecContext(ctx, r.deleteWorkerQuery,
		sql.Named("userTableID", r.cfg.Table.String()),
		sql.Named("workerID", workerID),
	)
	if err != nil {
		return &core.TransientDatabaseError{Op: "delete worker liveness row", Err: err}
	}
	return nil
}

// ActiveWorkerCount implements core.Housekeeper / core.ScaleSource.
func (r *Reader) ActiveWorkerCount(ctx context.Context, within time.Duration) (int, error) {
	cutoff := r.clock.Now().Add(-within)
	var count int
	err := r.db.QueryRowContext(ctx, r.activeWorkerCountQuery,
		sql.Named("userTableID", r.cfg.Table.String()),
		sql.Named("cutoff", cutoff),
	).Scan(&count)
	if err != nil {
		return 0, &core.TransientDatabaseError{Op: "count active workers", Err: err}
	}
	return count, nil
}

// CurrentChanges implements core.ScaleSource.
func (r *Reader) CurrentChanges(ctx context.Context, onlyUnprocessed bool) (int64, bool, error) {
	_, globalVersion, err := r.readGlobalStateSnapshot(ctx)
	if err != nil {
		return 0, false, nil
	}
	q := buildCurrentChangesQuery(r.cfg.Table.Quoted(), r.leaseTable, r.cfg.PrimaryKey, onlyUnprocessed)
	var count int64
	row := r.db.QueryRowContext(ctx, q,
		sql.Named("priorVersion", globalVersion),
		sql.Named("now", r.clock.Now()),
		sql.Named("maxDequeueCount", r.cfg.MaxDequeueCount),
	)
	if err := row.Scan(&count); err != nil {
		return 0, false, nil
	}
	return count, true, nil
}

func (r *Reader) readGlobalStateSnapshot(ctx context.Context) (databaseID, globalVersion int64, err error) {
	row := r.db.QueryRowContext(ctx, r.globalStateSnapshotQuery, sql.Named("userTableID", r.cfg.Table.String()))
	if err := row.Scan(&databaseID, &globalVersion); err != nil {
		return 0, 0, err
	}
	return databaseID, globalVersion, nil
}

// RowsProcessed implements core.ScaleSource.
func (r *Reader) RowsProcessed(ctx context.Context) (int64, error) {
	var rowsProcessed int64
	err := r.db.QueryRowContext(ctx, r.rowsProcessedQuery, sql.Named("userTableID", r.cfg.Table.String())).Scan(&rowsProcessed)
	if err != nil {
		return 0, &core.TransientDatabaseError{Op: "read rows processed", Err: err}
	}
	return rowsProcessed, nil
}
