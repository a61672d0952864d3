package lineage

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRebindRewritesPlaceholders(t *testing.T) {
	l := &Ledger{driver: DriverPostgres}
	assert.Equal(t,
		"SELECT record_json FROM lineage WHERE cycle_id = $1 AND created_at >= $2",
		l.rebind("SELECT record_json FROM lineage WHERE cycle_id = ? AND created_at >= ?"))

	sqlite := &Ledger{driver: DriverSQLite}
	assert.Equal(t, "WHERE id = ?", sqlite.rebind("WHERE id = ?"))
}

func TestAppendAgainstPostgres(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS lineage").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS idx_lineage_cycle_id").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS idx_lineage_intent_id").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS idx_lineage_escalated").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT signature, created_at FROM lineage").
		WillReturnRows(sqlmock.NewRows([]string{"signature", "created_at"}))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM lineage`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	ctx := context.Background()
	ledger, err := Open(ctx, db, DriverPostgres)
	require.NoError(t, err)

	mock.ExpectExec(`INSERT INTO lineage[\s\S]*VALUES \(\$1, \$2, \$3`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	rec := testRecord("cycle_pg", "intent_1")
	require.NoError(t, ledger.Append(ctx, rec))
	assert.Len(t, rec.Signature, 64)
	assert.NoError(t, mock.ExpectationsWereMet())
}
