// Package schema implements the Schema Provisioner: on startup, it ensures
// the coordination tables exist and the per-user-table metadata row
// exists, reading the user table's primary-key columns and types so the
// lease ledger's key columns match them exactly.
package schema

import (
	"fmt"
	"strings"
)

// ColumnType is a SQL Server column type description, preserving enough
// detail to recreate the column verbatim on the lease ledger table:
// declared length for variable-length string/binary types, and
// (precision, scale) for numeric types.
type ColumnType struct {
	// SQLType is the base type name, e.g. "int", "varchar", "decimal".
	SQLType string
	// MaxLength applies to variable-length string/binary types. -1 means
	// MAX (e.g. varchar(max)). Zero means not applicable.
	MaxLength int
	// Precision and Scale apply to numeric types. Zero means not
	// applicable.
	Precision int
	Scale     int
	// Nullable reports whether the source column allows NULL. Primary key
	// columns are never nullable in SQL Server, but we preserve this for
	// fidelity with the column metadata query.
	Nullable bool
}

// PKColumnDef is one column of the tracked table's primary key: its name
// and its SQL Server type, read verbatim from sys.columns/sys.types so the
// generated lease ledger table matches exactly.
type PKColumnDef struct {
	Name string
	Type ColumnType
}

// DDL renders the column's type as it would appear in a CREATE TABLE
// statement, e.g. "varchar(50)", "decimal(18,4)", "int".
func (t ColumnType) DDL() string {
	switch {
	case t.MaxLength == -1:
		return fmt.Sprintf("%s(max)", t.SQLType)
	case t.MaxLength > 0:
		return fmt.Sprintf("%s(%d)", t.SQLType, t.MaxLength)
	case t.Precision > 0:
		return fmt.Sprintf("%s(%d,%d)", t.SQLType, t.Precision, t.Scale)
	default:
		return t.SQLType
	}
}

// quoteIdent brackets a SQL Server identifier. Only ever applied to
// identifiers discovered from catalog views or supplied as configuration,
// never to user data.
func quoteIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// leaseTableDDL renders the CREATE TABLE statement for a user table's
// Worker_Table_<id> lease ledger: one column per primary-key column (with
// its source type preserved), plus the lease bookkeeping columns of the
// WorkerLease_T row shape.
func leaseTableDDL(schemaName, tableName string, pk []PKColumnDef) string {
	var b strings.Builder
	fmt.Fprintf(&b, "IF OBJECT_ID(N'%s.%s', N'U') IS NULL\nCREATE TABLE %s.%s (\n",
		schemaName, tableName, quoteIdent(schemaName), quoteIdent(tableName))

	for _, col := range pk {
		fmt.Fprintf(&b, "    %s %s NOT NULL,\n", quoteIdent(col.Name), col.Type.DDL())
	}
	b.WriteString("    [LeaseExpirationTime] datetime2 NULL,\n")
	b.WriteString("    [DequeueCount] int NOT NULL DEFAULT 0,\n")
	b.WriteString("    [VersionNumber] bigint NULL,\n")
	b.WriteString("    CONSTRAINT ")
	b.WriteString(quoteIdent("PK_" + tableName))
	b.WriteString(" PRIMARY KEY (")
	for i, col := range pk {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(quoteIdent(col.Name))
	}
	b.WriteString(")\n);")
	return b.String()
}

// globalStateTableDDL renders the CREATE TABLE statement for the shared
// GlobalState table.
func globalStateTableDDL(schemaName, tableName string) string {
	return fmt.Sprintf(`IF OBJECT_ID(N'%[1]s.%[2]s', N'U') IS NULL
CREATE TABLE %[3]s.%[4]s (
    [UserTableID] nvarchar(256) NOT NULL PRIMARY KEY,
    [GlobalVersionNumber] bigint NOT NULL,
    [DatabaseID] bigint NOT NULL,
    [RowsProcessed] bigint NOT NULL DEFAULT 0
);`, schemaName, tableName, quoteIdent(schemaName), quoteIdent(tableName))
}

// workerBatchSizesTableDDL renders the CREATE TABLE statement for the
// shared WorkerBatchSizes liveness table.
func workerBatchSizesTableDDL(schemaName, tableName string) string {
	return fmt.Sprintf(`IF OBJECT_ID(N'%[1]s.%[2]s', N'U') IS NULL
CREATE TABLE %[3]s.%[4]s (
    [UserTableID] nvarchar(256) NOT NULL,
    [WorkerID] nvarchar(256) NOT NULL,
    [BatchSize] int NOT NULL,
    [Timestamp] datetime2 NOT NULL,
    CONSTRAINT [PK_WorkerBatchSizes] PRIMARY KEY ([UserTableID], [WorkerID])
);`, schemaName, tableName, quoteIdent(schemaName), quoteIdent(tableName))
}

// createSchemaDDL renders the CREATE SCHEMA statement, guarded the same
// idempotent way as the table DDLs.
func createSchemaDDL(schemaName string) string {
	return fmt.Sprintf("IF SCHEMA_ID(N'%[1]s') IS NULL EXEC('CREATE SCHEMA %[2]s');",
		schemaName, quoteIdent(schemaName))
}
