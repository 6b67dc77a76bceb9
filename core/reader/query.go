// Package reader implements the Change Reader: it builds the parameterized
// query joining the database's change table against the shared
// worker-lease table, returns a bounded batch of unclaimed (or
// lease-expired) changes, and atomically acquires leases on the returned
// rows in a single transaction. The same type also implements the release-
// and-advance protocol and the liveness housekeeping the Lease Manager
// needs, since both operate on the same lease ledger.
package reader

import (
	"fmt"
	"strings"

	"github.com/natolumin/changefeed/core/schema"
)

// pkColumnNames returns just the column names of pk, in declaration order.
func pkColumnNames(pk []schema.PKColumnDef) []string {
	names := make([]string, len(pk))
	for i, c := range pk {
		names[i] = c.Name
	}
	return names
}

func quoteIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

func quotedList(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = quoteIdent(n)
	}
	return strings.Join(quoted, ", ")
}

// joinOn renders "left.[Col] = right.[Col] AND ..." for a composite
// primary-key join, the way a parameterized query must when a tracked
// table's key spans more than one column (generalizing the single-column
// join a simpler design would assume).
func joinOn(left, right string, pk []schema.PKColumnDef) string {
	parts := make([]string, len(pk))
	for i, c := range pk {
		parts[i] = fmt.Sprintf("%s.%s = %s.%s", left, quoteIdent(c.Name), right, quoteIdent(c.Name))
	}
	return strings.Join(parts, " AND ")
}

// buildAcquireQuery renders the single statement that, within the caller's
// transaction, selects up to @batchSize unclaimed-or-expired, non-poisoned
// changes ordered by SYS_CHANGE_VERSION and atomically claims leases on
// them via MERGE ... OUTPUT. The OUTPUT rows carry the
// primary key, version and operation; full column values for inserts and
// updates are fetched in a second query against the user table, since
// CHANGETABLE(CHANGES ...) for a delete cannot be joined against the user
// table (the row is gone) and MERGE's OUTPUT clause cannot itself reach
// into a third table.
func buildAcquireQuery(table, leaseTable string, pk []schema.PKColumnDef) string {
	names := pkColumnNames(pk)
	srcCols := quotedList(names)
	ctCols := make([]string, len(names))
	for i, n := range names {
		ctCols[i] = "CT." + quoteIdent(n) + " AS " + quoteIdent(n)
	}

	var b strings.Builder
	fmt.Fprintf(&b, `MERGE %s AS target
USING (
    SELECT TOP (@batchSize) %s, CT.[SYS_CHANGE_VERSION] AS [SYS_CHANGE_VERSION], CT.[SYS_CHANGE_OPERATION] AS [SYS_CHANGE_OPERATION]
    FROM CHANGETABLE(CHANGES %s, @lastSyncVersion) AS CT
    LEFT JOIN %s AS l ON %s
    WHERE (l.[LeaseExpirationTime] IS NULL OR l.[LeaseExpirationTime] < @now)
      AND (l.[VersionNumber] IS NULL OR l.[VersionNumber] < CT.[SYS_CHANGE_VERSION])
      AND (l.[DequeueCount] IS NULL OR l.[DequeueCount] < @maxDequeueCount)
    ORDER BY CT.[SYS_CHANGE_VERSION] ASC
) AS src ON %s
WHEN MATCHED THEN UPDATE SET
    [LeaseExpirationTime] = @leaseExpiration,
    [DequeueCount] = target.[DequeueCount] + 1,
    [VersionNumber] = src.[SYS_CHANGE_VERSION]
WHEN NOT MATCHED THEN INSERT (%s, [LeaseExpirationTime], [DequeueCount], [VersionNumber])
    VALUES (%s, @leaseExpiration, 1, src.[SYS_CHANGE_VERSION])
OUTPUT %s, src.[SYS_CHANGE_VERSION], src.[SYS_CHANGE_OPERATION];`,
		leaseTable,
		strings.Join(ctCols, ", "),
		table,
		leaseTable, joinOn("l", "CT", pk),
		joinOn("target", "src", pk),
		srcCols,
		quotedSrcRefs(names),
		outputRefs(names),
	)
	return b.String()
}

func quotedSrcRefs(names []string) string {
	parts := make([]string, len(names))
	for i, n := range names {
		parts[i] = "src." + quoteIdent(n)
	}
	return strings.Join(parts, ", ")
}

func outputRefs(names []string) string {
	parts := make([]string, len(names))
	for i, n := range names {
		parts[i] = "src." + quoteIdent(n)
	}
	return strings.Join(parts, ", ")
}

// buildRowLookupQuery renders the query used to fetch full column values
// for the Inserted/Updated primary keys claimed by buildAcquireQuery, using
// a VALUES-derived table of claimed keys to avoid a huge OR-chain: deleted
// rows cannot be joined against the user table since the row is gone.
func buildRowLookupQuery(table string, pk []schema.PKColumnDef, n int) string {
	names := pkColumnNames(pk)
	rows := make([]string, n)
	for i := range rows {
		placeholders := make([]string, len(names))
		for j := range names {
			placeholders[j] = fmt.Sprintf("@p%d", i*len(names)+j+1)
		}
		rows[i] = "(" + strings.Join(placeholders, ", ") + ")"
	}

	colAliases := make([]string, len(names))
	for i, n := range names {
		colAliases[i] = quoteIdent(n)
	}

	return fmt.Sprintf(`SELECT u.*
FROM %s AS u
JOIN (VALUES %s) AS keys(%s) ON %s`,
		table,
		strings.Join(rows, ", "),
		strings.Join(colAliases, ", "),
		joinOn("u", "keys", pk),
	)
}

// buildReleaseQuery renders the first transaction of the release-and-
// advance protocol: for each batch row whose versionNumber is >= the
// currently-stored VersionNumber, clear the lease and record the new
// VersionNumber. The "@newVersion >= [VersionNumber]" guard is what keeps a slow worker's
// release from regressing state a faster worker (or a thief that stole the
// expired lease) already advanced.
func buildReleaseQuery(leaseTable string, pk []schema.PKColumnDef) string {
	return fmt.Sprintf(`UPDATE %s
SET [LeaseExpirationTime] = NULL, [DequeueCount] = 0, [VersionNumber] = @newVersion
WHERE %s
  AND (@newVersion >= [VersionNumber] OR [VersionNumber] IS NULL)`,
		leaseTable, pkWhereClause("", pk))
}

func pkWhereClause(alias string, pk []schema.PKColumnDef) string {
	prefix := ""
	if alias != "" {
		prefix = alias + "."
	}
	parts := make([]string, len(pk))
	for i, c := range pk {
		parts[i] = fmt.Sprintf("%s%s = @pk%d", prefix, quoteIdent(c.Name), i+1)
	}
	return strings.Join(parts, " AND ")
}

// buildUnprocessedExistsQuery renders the guard query that must return no
// rows before GlobalVersionNumber can be advanced to @newVersion: every
// change at or below that version must either have a released lease with a
// matching VersionNumber, or be poison-quarantined.
func buildUnprocessedExistsQuery(table, leaseTable string, pk []schema.PKColumnDef) string {
	return fmt.Sprintf(`SELECT TOP (1) 1
FROM CHANGETABLE(CHANGES %s, @priorVersion) AS CT
LEFT JOIN %s AS l ON %s
WHERE CT.[SYS_CHANGE_VERSION] <= @newVersion
  AND (l.[VersionNumber] IS NULL OR l.[VersionNumber] <> CT.[SYS_CHANGE_VERSION])
  AND (l.[DequeueCount] IS NULL OR l.[DequeueCount] < @maxDequeueCount)`,
		table, leaseTable, joinOn("l", "CT", pk))
}

// buildAdvanceGlobalVersionQuery renders the statement that advances
// GlobalVersionNumber and increments RowsProcessed, run only once
// buildUnprocessedExistsQuery confirms it is safe. RowsProcessed's
// wrap-on-overflow arithmetic (core.AddWrapping) is computed in Go and
// passed in as @newRowsProcessed, since T-SQL has no convenient
// signed-64-bit-wrap primitive.
func buildAdvanceGlobalVersionQuery(schemaName, tableName string) string {
	return fmt.Sprintf(`UPDATE %s.%s
SET [GlobalVersionNumber] = @newVersion, [RowsProcessed] = @newRowsProcessed
WHERE [UserTableID] = @userTableID AND [GlobalVersionNumber] < @newVersion`,
		quoteIdent(schemaName), quoteIdent(tableName))
}

// buildDeleteRetiredLeasesQuery deletes WorkerLease_T rows that are now
// safely retired: VersionNumber <= the newly advanced GlobalVersionNumber.
func buildDeleteRetiredLeasesQuery(leaseTable string) string {
	return fmt.Sprintf(`DELETE FROM %s WHERE [VersionNumber] <= @newVersion`, leaseTable)
}

// buildRenewQuery re-stamps LeaseExpirationTime for exactly the rows in the
// current in-flight batch. One UPDATE per batch row is issued (n is the
// batch size); SQL Server has no portable table-valued-parameter-free way
// to do a single multi-key UPDATE without either a TVP or a temp table,
// and TVPs require a lease-table-specific type the Schema Provisioner
// would also have to create.
func buildRenewQuery(leaseTable string, pk []schema.PKColumnDef) string {
	return fmt.Sprintf(`UPDATE %s SET [LeaseExpirationTime] = @leaseExpiration WHERE %s`,
		leaseTable, pkWhereClause("", pk))
}

// buildHeartbeatQuery upserts this worker's WorkerBatchSizes row.
func buildHeartbeatQuery(schemaName, tableName string) string {
	return fmt.Sprintf(`MERGE %[1]s.%[2]s AS target
USING (SELECT @userTableID AS UserTableID, @workerID AS WorkerID) AS src
ON target.[UserTableID] = src.UserTableID AND target.[WorkerID] = src.WorkerID
WHEN MATCHED THEN UPDATE SET [BatchSize] = @batchSize, [Timestamp] = @now
WHEN NOT MATCHED THEN INSERT ([UserTableID], [WorkerID], [BatchSize], [Timestamp])
VALUES (src.UserTableID, src.WorkerID, @batchSize, @now);`,
		quoteIdent(schemaName), quoteIdent(tableName))
}

// buildCleanupAbandonedQuery deletes WorkerBatchSizes rows whose Timestamp
// is older than the cleanup window, marking their workers abandoned.
func buildCleanupAbandonedQuery(schemaName, tableName string) string {
	return fmt.Sprintf(`DELETE FROM %s.%s WHERE [UserTableID] = @userTableID AND [Timestamp] < @cutoff`,
		quoteIdent(schemaName), quoteIdent(tableName))
}

// buildDeleteWorkerQuery deletes exactly this worker's liveness row, used
// on clean shutdown.
func buildDeleteWorkerQuery(schemaName, tableName string) string {
	return fmt.Sprintf(`DELETE FROM %s.%s WHERE [UserTableID] = @userTableID AND [WorkerID] = @workerID`,
		quoteIdent(schemaName), quoteIdent(tableName))
}

// buildActiveWorkerCountQuery counts WorkerBatchSizes rows whose Timestamp
// is within the polling window.
func buildActiveWorkerCountQuery(schemaName, tableName string) string {
	return fmt.Sprintf(`SELECT COUNT(*) FROM %s.%s WHERE [UserTableID] = @userTableID AND [Timestamp] >= @cutoff`,
		quoteIdent(schemaName), quoteIdent(tableName))
}

// buildCurrentChangesQuery counts rows in the change table, or only those
// that are actually unprocessed, selectable by flag (default: all).
func buildCurrentChangesQuery(table, leaseTable string, pk []schema.PKColumnDef, onlyUnprocessed bool) string {
	if !onlyUnprocessed {
		return fmt.Sprintf(`SELECT COUNT(*) FROM CHANGETABLE(CHANGES %s, @priorVersion) AS CT`, table)
	}
	return fmt.Sprintf(`SELECT COUNT(*)
FROM CHANGETABLE(CHANGES %s, @priorVersion) AS CT
LEFT JOIN %s AS l ON %s
WHERE (l.[LeaseExpirationTime] IS NULL OR l.[LeaseExpirationTime] < @now)
  AND (l.[VersionNumber] IS NULL OR l.[VersionNumber] < CT.[SYS_CHANGE_VERSION])
  AND (l.[DequeueCount] IS NULL OR l.[DequeueCount] < @maxDequeueCount)`,
		table, leaseTable, joinOn("l", "CT", pk))
}

// buildRowsProcessedQuery reads GlobalState.RowsProcessed for the tracked
// table.
func buildRowsProcessedQuery(schemaName, tableName string) string {
	return fmt.Sprintf(`SELECT [RowsProcessed] FROM %s.%s WHERE [UserTableID] = @userTableID`,
		quoteIdent(schemaName), quoteIdent(tableName))
}

// buildGlobalStateSnapshotQuery reads the stored DatabaseID and
// GlobalVersionNumber for the preamble's database-recreation /
// cleanup-advance check.
func buildGlobalStateSnapshotQuery(schemaName, tableName string) string {
	return fmt.Sprintf(`SELECT [DatabaseID], [GlobalVersionNumber] FROM %s.%s WHERE [UserTableID] = @userTableID`,
		quoteIdent(schemaName), quoteIdent(tableName))
}

// buildUpdateGlobalStateQuery writes back the refreshed DatabaseID and
// GlobalVersionNumber after the preamble's comparison runs in Go. It is
// kept as its own statement rather than wrapped with the snapshot read in
// a transaction: idempotent statements, last writer wins.
func buildUpdateGlobalStateQuery(schemaName, tableName string) string {
	return fmt.Sprintf(`UPDATE %s.%s SET [DatabaseID] = @databaseID, [GlobalVersionNumber] = @globalVersion WHERE [UserTableID] = @userTableID`,
		quoteIdent(schemaName), quoteIdent(tableName))
}

// buildTruncateLeaseTableQuery truncates the per-table lease ledger when a
// database recreation is detected.
func buildTruncateLeaseTableQuery(leaseTable string) string {
	return fmt.Sprintf(`TRUNCATE TABLE %s`, leaseTable)
}
