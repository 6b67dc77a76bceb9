package core

import "fmt"

// SchemaName is the fixed dedicated schema the coordination tables live
// under.
const SchemaName = "az_changefeed"

// GlobalStateTable and WorkerBatchSizesTable are shared across all tracked
// user tables.
const (
	GlobalStateTable      = "GlobalState"
	WorkerBatchSizesTable = "WorkerBatchSizes"
)

// TableName identifies the user table being tracked, already normalized
// and quotable for interpolation into generated SQL. Only primary-key
// values and change metadata are ever interpolated alongside it --
// TableName itself is operator-supplied configuration, not user input.
type TableName struct {
	Schema string
	Name   string
}

// Quoted returns the bracket-quoted, schema-qualified SQL Server
// identifier, e.g. "[dbo].[Orders]".
func (t TableName) Quoted() string {
	return fmt.Sprintf("[%s].[%s]", t.Schema, t.Name)
}

func (t TableName) String() string {
	return t.Schema + "." + t.Name
}

// LeaseTableName returns the name of the per-user-table worker lease
// ledger, named by the user table's object id so that two user tables
// never collide even if they share a name across schemas.
func LeaseTableName(userTableID int64) string {
	return fmt.Sprintf("Worker_Table_%d", userTableID)
}
