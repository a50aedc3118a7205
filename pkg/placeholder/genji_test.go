package placeholder

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	_ "github.com/genjidb/genji/driver"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"dbfix/pkg/database"
)

// seedGenjiDB opens a Pebble-backed Genji store with the chat users table.
func seedGenjiDB(t *testing.T) *database.Database {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.genji")
	require.NoError(t, os.MkdirAll(path, 0o755))
	db, err := database.NewDatabase(context.Background(), database.Config{DBType: "genji", DBPath: path}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	for _, s := range []string{
		`CREATE TABLE users (id INT PRIMARY KEY, username TEXT NOT NULL, email TEXT, api_key TEXT)`,
		`INSERT INTO users (id, username, email, api_key) VALUES
			(1, 'alice', 'alice@example.com', 'k1'),
			(2, 'bob', 'placeholder', 'placeholder'),
			(3, 'carol', '  ', 'TODO')`,
	} {
		_, err := db.DB.Exec(s)
		require.NoError(t, err, s)
	}
	return db
}

func TestGenjiSchema(t *testing.T) {
	db := seedGenjiDB(t)
	ctx := context.Background()

	tables, err := db.Tables(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"users"}, tables)

	cols, err := db.Columns(ctx, "users")
	require.NoError(t, err)
	require.Len(t, cols, 4)
	assert.Equal(t, database.Column{Name: "id", Type: "INTEGER", PrimaryKey: true}, cols[0])
	assert.False(t, cols[1].Nullable)
	assert.True(t, cols[2].Nullable)
}

func TestGenjiScan(t *testing.T) {
	db := seedGenjiDB(t)
	report, err := NewScanner(db, nil).Scan(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Tables)
	assert.Equal(t, []Finding{
		{Table: "users", Column: "api_key", Value: "TODO", Count: 1},
		{Table: "users", Column: "api_key", Value: "placeholder", Count: 1},
		{Table: "users", Column: "email", Value: "", Count: 1},
		{Table: "users", Column: "email", Value: "placeholder", Count: 1},
	}, report.Findings)
}

func TestGenjiRejectsUnsupportedRules(t *testing.T) {
	db := seedGenjiDB(t)
	fixer := NewFixer(db, nil)
	ctx := context.Background()

	_, err := fixer.Plan(ctx, []Rule{{Table: "users", Column: "email", Match: []string{"placeholder"}, CaseInsensitive: true, Replace: Replacement{Kind: KindNull}}})
	assert.ErrorIs(t, err, ErrInvalidRule)

	_, err = fixer.Plan(ctx, []Rule{{Table: "users", Column: "username", Match: []string{"bob"}, Replace: Replacement{Kind: KindNull}}})
	assert.ErrorIs(t, err, ErrInvalidRule)
}

func TestGenjiApply(t *testing.T) {
	db := seedGenjiDB(t)
	fixer := NewFixer(db, nil)
	ctx := context.Background()
	rules := []Rule{
		{Table: "users", Column: "email", Match: []string{"placeholder", "  "}, Replace: Replacement{Kind: KindNull}},
		{Table: "users", Column: "api_key", Match: []string{"placeholder", "TODO"}, Replace: Replacement{Kind: KindUUID}},
	}

	plan, err := fixer.Plan(ctx, rules)
	require.NoError(t, err)
	assert.Equal(t, int64(4), plan.Total())

	result, err := fixer.Apply(ctx, rules)
	require.NoError(t, err)
	require.Len(t, result.Items, 2)
	assert.Equal(t, int64(2), result.Items[0].Rows)
	assert.Equal(t, int64(2), result.Items[1].Rows)

	rows, err := db.DB.Query("SELECT email, api_key FROM users WHERE id > 1")
	require.NoError(t, err)
	defer rows.Close()
	seen := map[string]bool{}
	for rows.Next() {
		var email, key sql.NullString
		require.NoError(t, rows.Scan(&email, &key))
		assert.False(t, email.Valid)
		_, err := uuid.Parse(key.String)
		assert.NoError(t, err)
		seen[key.String] = true
	}
	require.NoError(t, rows.Err())
	assert.Len(t, seen, 2)
	require.NoError(t, rows.Close())

	again, err := fixer.Apply(ctx, rules)
	require.NoError(t, err)
	assert.Equal(t, int64(0), again.Total())
}
