//go:build integration

// This file requires a real SQL Server instance with change tracking
// enabled, reachable via the CHANGEFEED_TEST_DSN environment variable.
package reader

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"
	"time"

	_ "github.com/microsoft/go-mssqldb"
	"github.com/natolumin/changefeed/core"
	"github.com/natolumin/changefeed/core/schema"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *sql.DB {
	dsn := os.Getenv("CHANGEFEED_TEST_DSN")
	if dsn == "" {
		t.Skip("CHANGEFEED_TEST_DSN not set")
	}
	db, err := sql.Open("sqlserver", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// provisionReaderFixture creates a tracked table and runs the Schema
// Provisioner against it, returning a ready-to-use Reader.
func provisionReaderFixture(t *testing.T, db *sql.DB, tableName string) *Reader {
	ctx := context.Background()
	_, err := db.ExecContext(ctx, fmt.Sprintf(`
IF OBJECT_ID(N'dbo.%[1]s', N'U') IS NULL
BEGIN
    CREATE TABLE dbo.%[1]s (Id int NOT NULL PRIMARY KEY, Amount decimal(18,2) NOT NULL);
    ALTER TABLE dbo.%[1]s ENABLE CHANGE_TRACKING;
END`, tableName))
	require.NoError(t, err)

	table := core.TableName{Schema: "dbo", Name: tableName}
	p := schema.New(db)
	require.NoError(t, p.Start(ctx, schema.Config{Table: table, WorkerID: "test-worker"}))

	var tableID int64
	require.NoError(t, db.QueryRowContext(ctx, `SELECT OBJECT_ID(@p1, N'U')`, table.String()).Scan(&tableID))

	return New(db, core.SystemClock{}, Config{
		Table:           table,
		UserTableID:     tableID,
		PrimaryKey:      []schema.PKColumnDef{{Name: "Id", Type: schema.ColumnType{SQLType: "int"}}},
		BatchSize:       10,
		LeaseInterval:   30 * time.Second,
		MaxDequeueCount: 5,
		WorkerID:        "test-worker",
	})
}

func TestReaderFetchBatchClaimsInsertedRow(t *testing.T) {
	db := openTestDB(t)
	r := provisionReaderFixture(t, db, "ReaderTestOrders1")
	ctx := context.Background()

	_, err := db.ExecContext(ctx, `INSERT INTO dbo.ReaderTestOrders1 (Id, Amount) VALUES (1, 9.99)`)
	require.NoError(t, err)

	batch, err := r.FetchBatch(ctx)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	require.Equal(t, core.Inserted, batch[0].ChangeType)
	require.EqualValues(t, 9.99, batch[0].Data["Amount"])

	// A second fetch before the lease expires must not reclaim the row.
	second, err := r.FetchBatch(ctx)
	require.NoError(t, err)
	require.Empty(t, second)
}

func TestReaderReleaseAndAdvanceRetiresLease(t *testing.T) {
	db := openTestDB(t)
	r := provisionReaderFixture(t, db, "ReaderTestOrders2")
	ctx := context.Background()

	_, err := db.ExecContext(ctx, `INSERT INTO dbo.ReaderTestOrders2 (Id, Amount) VALUES (1, 1.00)`)
	require.NoError(t, err)

	batch, err := r.FetchBatch(ctx)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	require.NoError(t, r.ReleaseAndAdvance(ctx, batch, "test-worker"))

	rowsProcessed, err := r.RowsProcessed(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, rowsProcessed)
}

func TestReaderHeartbeatAndActiveWorkerCount(t *testing.T) {
	db := openTestDB(t)
	r := provisionReaderFixture(t, db, "ReaderTestOrders3")
	ctx := context.Background()

	require.NoError(t, r.Heartbeat(ctx, "test-worker", 5))
	count, err := r.ActiveWorkerCount(ctx, time.Minute)
	require.NoError(t, err)
	require.GreaterOrEqual(t, count, 1)

	require.NoError(t, r.DeleteWorker(ctx, "test-worker"))
	count, err = r.ActiveWorkerCount(ctx, time.Minute)
	require.NoError(t, err)
	require.Equal(t, 0, count)
}
