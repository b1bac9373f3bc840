package database

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRebind(t *testing.T) {
	pg := &DB{Dialect: Postgres}
	assert.Equal(t, "UPDATE a SET x = $1 WHERE id = $2", pg.Rebind("UPDATE a SET x = ? WHERE id = ?"))

	my := &DB{Dialect: MySQL}
	assert.Equal(t, "SELECT ?", my.Rebind("SELECT ?"))
}

func TestMigrateSQLiteIsIdempotent(t *testing.T) {
	db, err := Connect("sqlite", ":memory:")
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	require.NoError(t, Migrate(ctx, db))
	require.NoError(t, Migrate(ctx, db))

	var n int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM accounts`).Scan(&n))
	assert.Zero(t, n)
}

func TestSchemaForDialects(t *testing.T) {
	assert.Contains(t, schemaFor(Postgres)[3], "BIGSERIAL")
	assert.Contains(t, schemaFor(MySQL)[3], "AUTO_INCREMENT")
	assert.Contains(t, schemaFor(SQLite)[3], "AUTOINCREMENT")
}

func TestConnectRejectsUnknownDriver(t *testing.T) {
	_, err := Connect("oracle", "x")
	require.Error(t, err)
}
