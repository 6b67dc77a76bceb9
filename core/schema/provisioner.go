package schema

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/natolumin/changefeed/core"
	"github.com/natolumin/changefeed/logger"
)

var log = logger.GetLogger("core/schema")

// Config carries the inputs the Schema Provisioner needs: the table to
// track and this worker's identity, for the initial liveness announcement.
type Config struct {
	Table    core.TableName
	WorkerID string
}

// Provisioner brings the coordination schema for one tracked table up to
// date on startup. It is safe to run concurrently from many workers: every
// step is its own idempotent, individually atomic statement, guarded by a
// CREATE TABLE IF NOT EXISTS (or equivalent existence check), generated per
// tracked table's primary key rather than against a single fixed schema.
type Provisioner struct {
	db core.DB
}

// New constructs a Provisioner over db.
func New(db core.DB) *Provisioner {
	return &Provisioner{db: db}
}

// Start resolves the user table, provisions the coordination tables and
// seeds GlobalState and this worker's liveness row, in order. It does not
// open a single transaction spanning them -- each step is independently
// idempotent, which is sufficient.
func (p *Provisioner) Start(ctx context.Context, cfg Config) error {
	tableID, err := p.lookupObjectID(ctx, cfg.Table)
	if err != nil {
		return &core.SchemaError{Op: "lookup user table", Err: err}
	}
	if tableID == 0 {
		return &core.SchemaError{Op: "lookup user table", Err: fmt.Errorf(
			"table %s does not exist, or change tracking is not enabled on it", cfg.Table)}
	}

	pkCols, err := p.readPrimaryKeyColumns(ctx, cfg.Table)
	if err != nil {
		return &core.SchemaError{Op: "read primary key columns", Err: err}
	}
	if len(pkCols) == 0 {
		return &core.SchemaError{Op: "read primary key columns", Err: fmt.Errorf(
			"table %s has no primary key", cfg.Table)}
	}

	if _, err := p.readColumnNames(ctx, cfg.Table); err != nil {
		return &core.SchemaError{Op: "read column names", Err: err}
	}

	leaseTable := core.LeaseTableName(tableID)
	if err := p.createCoordinationTables(ctx, leaseTable, pkCols); err != nil {
		return &core.SchemaError{Op: "create coordination tables", Err: err}
	}

	databaseID, minValidVersion, err := p.currentDatabaseState(ctx, cfg.Table)
	if err != nil {
		return &core.SchemaError{Op: "read change tracking state", Err: err}
	}
	if err := p.seedGlobalState(ctx, cfg.Table.String(), databaseID, minValidVersion); err != nil {
		return &core.SchemaError{Op: "seed global state", Err: err}
	}

	if err := p.announceLiveness(ctx, cfg.Table.String(), cfg.WorkerID); err != nil {
		return &core.SchemaError{Op: "announce liveness", Err: err}
	}

	log.Infof("provisioned coordination tables for %s (table id %d, lease table %s)",
		cfg.Table, tableID, leaseTable)
	return nil
}

// Describe resolves the object_id and primary-key column definitions for an
// already-provisioned table. Callers use it after Start to build a
// core/reader.Config without re-deriving the catalog lookups themselves.
func (p *Provisioner) Describe(ctx context.Context, table core.TableName) (tableID int64, pk []PKColumnDef, err error) {
	tableID, err = p.lookupObjectID(ctx, table)
	if err != nil {
		return 0, nil, &core.SchemaError{Op: "lookup user table", Err: err}
	}
	if tableID == 0 {
		return 0, nil, &core.SchemaError{Op: "lookup user table", Err: fmt.Errorf(
			"table %s does not exist, or change tracking is not enabled on it", table)}
	}
	pk, err = p.readPrimaryKeyColumns(ctx, table)
	if err != nil {
		return 0, nil, &core.SchemaError{Op: "read primary key columns", Err: err}
	}
	return tableID, pk, nil
}

// lookupObjectID resolves the user table's object_id via OBJECT_ID(),
// returning 0 if the table does not exist.
func (p *Provisioner) lookupObjectID(ctx context.Context, table core.TableName) (int64, error) {
	const q = `SELECT OBJECT_ID(@p1, N'U')`
	var id sql.NullInt64
	if err := p.db.QueryRowContext(ctx, q, table.String()).Scan(&id); err != nil {
		return 0, err
	}
	if !id.Valid {
		return 0, nil
	}
	return id.Int64, nil
}

// readPrimaryKeyColumns reads the user table's primary-key columns with
// their SQL types from the catalog views, preserving length/precision/scale.
func (p *Provisioner) readPrimaryKeyColumns(ctx context.Context, table core.TableName) ([]PKColumnDef, error) {
	const q = `
SELECT c.name, t.name, c.max_length, c.precision, c.scale, c.is_nullable
FROM sys.indexes i
JOIN sys.index_columns ic ON ic.object_id = i.object_id AND ic.index_id = i.index_id
JOIN sys.columns c ON c.object_id = ic.object_id AND c.column_id = ic.column_id
JOIN sys.types t ON t.user_type_id = c.user_type_id
WHERE i.object_id = OBJECT_ID(@p1, N'U') AND i.is_primary_key = 1
ORDER BY ic.key_ordinal`

	rows, err := p.db.QueryContext(ctx, q, table.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PKColumnDef
	for rows.Next() {
		var (
			name, sqlType          string
			maxLength, prec, scale int
			nullable               bool
		)
		if err := rows.Scan(&name, &sqlType, &maxLength, &prec, &scale, &nullable); err != nil {
			return nil, err
		}
		// sys.columns.max_length is in bytes (-1 for MAX) and is set for
		// every type, as is precision; keep only what the DDL needs.
		switch sqlType {
		case "nvarchar", "nchar":
			if maxLength > 0 {
				maxLength /= 2
			}
		case "varchar", "char", "varbinary", "binary":
		default:
			maxLength = 0
		}
		if sqlType != "decimal" && sqlType != "numeric" {
			prec, scale = 0, 0
		}
		out = append(out, PKColumnDef{
			Name: name,
			Type: ColumnType{
				SQLType:   sqlType,
				MaxLength: maxLength,
				Precision: prec,
				Scale:     scale,
				Nullable:  nullable,
			},
		})
	}
	return out, rows.Err()
}

// readColumnNames reads the full list of user-table column names. Start
// reads it as a provisioning step and does not keep the result; the Change
// Reader selects every user-table column with u.* instead.
func (p *Provisioner) readColumnNames(ctx context.Context, table core.TableName) ([]string, error) {
	const q = `SELECT name FROM sys.columns WHERE object_id = OBJECT_ID(@p1, N'U') ORDER BY column_id`
	rows, err := p.db.QueryContext(ctx, q, table.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// createCoordinationTables creates the dedicated schema plus GlobalState,
// the per-table lease ledger, and WorkerBatchSizes if absent.
func (p *Provisioner) createCoordinationTables(ctx context.Context, leaseTable string, pk []PKColumnDef) error {
	stmts := []string{
		createSchemaDDL(core.SchemaName),
		globalStateTableDDL(core.SchemaName, core.GlobalStateTable),
		workerBatchSizesTableDDL(core.SchemaName, core.WorkerBatchSizesTable),
		leaseTableDDL(core.SchemaName, leaseTable, pk),
	}
	for _, stmt := range stmts {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// currentDatabaseState reads DB_ID() and CHANGE_TRACKING_MIN_VALID_VERSION
// for the tracked table, used to seed GlobalState.
func (p *Provisioner) currentDatabaseState(ctx context.Context, table core.TableName) (databaseID int64, minValidVersion sql.NullInt64, err error) {
	const q = `SELECT DB_ID(), CHANGE_TRACKING_MIN_VALID_VERSION(OBJECT_ID(@p1, N'U'))`
	row := p.db.QueryRowContext(ctx, q, table.String())
	if err := row.Scan(&databaseID, &minValidVersion); err != nil {
		return 0, sql.NullInt64{}, err
	}
	return databaseID, minValidVersion, nil
}

// seedGlobalState inserts the GlobalState row for this user table if
// absent, seeded with CHANGE_TRACKING_MIN_VALID_VERSION, the current
// DatabaseID, and RowsProcessed = 0. If the seed version is null, change
// tracking is not enabled and this surfaces as a SchemaError rather than
// silently seeding garbage.
func (p *Provisioner) seedGlobalState(ctx context.Context, userTableID string, databaseID int64, minValidVersion sql.NullInt64) error {
	if !minValidVersion.Valid {
		return errors.New("change tracking is not enabled on the table or database")
	}

	q := fmt.Sprintf(`
IF NOT EXISTS (SELECT 1 FROM %s.%s WHERE [UserTableID] = @p1)
INSERT INTO %s.%s ([UserTableID], [GlobalVersionNumber], [DatabaseID], [RowsProcessed])
VALUES (@p1, @p2, @p3, 0)`,
		"["+core.SchemaName+"]", "["+core.GlobalStateTable+"]",
		"["+core.SchemaName+"]", "["+core.GlobalStateTable+"]")

	_, err := p.db.ExecContext(ctx, q, userTableID, minValidVersion.Int64, databaseID)
	return err
}

// announceLiveness upserts this worker's WorkerBatchSizes row with
// BatchSize = 0.
func (p *Provisioner) announceLiveness(ctx context.Context, userTableID, workerID string) error {
	q := fmt.Sprintf(`
MERGE %[1]s.%[2]s AS target
USING (SELECT @p1 AS UserTableID, @p2 AS WorkerID) AS src
ON target.[UserTableID] = src.UserTableID AND target.[WorkerID] = src.WorkerID
WHEN MATCHED THEN UPDATE SET [BatchSize] = 0, [Timestamp] = SYSUTCDATETIME()
WHEN NOT MATCHED THEN INSERT ([UserTableID], [WorkerID], [BatchSize], [Timestamp])
VALUES (src.UserTableID, src.WorkerID, 0, SYSUTCDATETIME());`,
		"["+core.SchemaName+"]", "["+core.WorkerBatchSizesTable+"]")

	_, err := p.db.ExecContext(ctx, q, userTableID, workerID)
	return err
}
