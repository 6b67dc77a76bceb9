package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestColumnTypeDDL(t *testing.T) {
	cases := []struct {
		name string
		ct   ColumnType
		want string
	}{
		{"plain", ColumnType{SQLType: "int"}, "int"},
		{"varlen", ColumnType{SQLType: "varchar", MaxLength: 50}, "varchar(50)"},
		{"max", ColumnType{SQLType: "varbinary", MaxLength: -1}, "varbinary(max)"},
		{"numeric", ColumnType{SQLType: "decimal", Precision: 18, Scale: 4}, "decimal(18,4)"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.ct.DDL())
		})
	}
}

func TestLeaseTableDDLIncludesAllPKColumnsAndLeaseColumns(t *testing.T) {
	pk := []PKColumnDef{
		{Name: "OrderId", Type: ColumnType{SQLType: "int"}},
		{Name: "Region", Type: ColumnType{SQLType: "varchar", MaxLength: 10}},
	}
	ddl := leaseTableDDL("az_changefeed", "Worker_Table_123", pk)

	assert.Contains(t, ddl, "[OrderId] int NOT NULL")
	assert.Contains(t, ddl, "[Region] varchar(10) NOT NULL")
	assert.Contains(t, ddl, "[LeaseExpirationTime] datetime2 NULL")
	assert.Contains(t, ddl, "[DequeueCount] int NOT NULL DEFAULT 0")
	assert.Contains(t, ddl, "[VersionNumber] bigint NULL")
	assert.Contains(t, ddl, "PRIMARY KEY ([OrderId], [Region])")
	assert.Contains(t, ddl, "IF OBJECT_ID(N'az_changefeed.Worker_Table_123', N'U') IS NULL")
}

func TestQuoteIdentEscapesBrackets(t *testing.T) {
	assert.Equal(t, "[a]]b]", quoteIdent("a]b"))
}

func TestGlobalStateTableDDLIsIdempotentGuarded(t *testing.T) {
	ddl := globalStateTableDDL("az_changefeed", "GlobalState")
	assert.Contains(t, ddl, "IF OBJECT_ID(N'az_changefeed.GlobalState', N'U') IS NULL")
	assert.Contains(t, ddl, "[GlobalVersionNumber] bigint NOT NULL")
}

func TestWorkerBatchSizesTableDDLHasCompositeKey(t *testing.T) {
	ddl := workerBatchSizesTableDDL("az_changefeed", "WorkerBatchSizes")
	assert.Contains(t, ddl, "PRIMARY KEY ([UserTableID], [WorkerID])")
}
