//go:build integration

// This file requires a real SQL Server instance with change tracking
// enabled, reachable via the CHANGEFEED_TEST_DSN environment variable.
package schema

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/microsoft/go-mssqldb"
	"github.com/natolumin/changefeed/core"
	"github.com/stretchr/testify/require"
)

func TestProvisionerStartIsIdempotent(t *testing.T) {
	dsn := os.Getenv("CHANGEFEED_TEST_DSN")
	if dsn == "" {
		t.Skip("CHANGEFEED_TEST_DSN not set")
	}

	db, err := sql.Open("sqlserver", dsn)
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	_, err = db.ExecContext(ctx, `
IF OBJECT_ID(N'dbo.ProvisionerTestOrders', N'U') IS NULL
BEGIN
    CREATE TABLE dbo.ProvisionerTestOrders (Id int NOT NULL PRIMARY KEY, Amount decimal(18,2) NOT NULL);
    ALTER TABLE dbo.ProvisionerTestOrders ENABLE CHANGE_TRACKING;
END`)
	require.NoError(t, err)

	p := New(db)
	cfg := Config{Table: core.TableName{Schema: "dbo", Name: "ProvisionerTestOrders"}, WorkerID: "test-worker"}

	require.NoError(t, p.Start(ctx, cfg))
	// Running twice concurrently-equivalent must not fail: every step is
	// guarded by an existence check.
	require.NoError(t, p.Start(ctx, cfg))
}

func TestProvisionerStartFailsOnMissingTable(t *testing.T) {
	dsn := os.Getenv("CHANGEFEED_TEST_DSN")
	if dsn == "" {
		t.Skip("CHANGEFEED_TEST_DSN not set")
	}

	db, err := sql.Open("sqlserver", dsn)
	require.NoError(t, err)
	defer db.Close()

	p := New(db)
	cfg := Config{Table: core.TableName{Schema: "dbo", Name: "DoesNotExist12345"}, WorkerID: "test-worker"}

	err = p.Start(context.Background(), cfg)
	require.Error(t, err)
	var schemaErr *core.SchemaError
	require.ErrorAs(t, err, &schemaErr)
}
