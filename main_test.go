package main

import (
	"bytes"
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"

	_ "github.com/genjidb/genji/driver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	_ "modernc.org/sqlite"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	if args == nil {
		args = []string{}
	}
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func seedDB(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "sql_app.db")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()
	for _, s := range []string{
		`CREATE TABLE users (id INTEGER PRIMARY KEY, username VARCHAR NOT NULL, email VARCHAR, hashed_password VARCHAR NOT NULL)`,
		`CREATE TABLE chat_sessions (id INTEGER PRIMARY KEY, user_id INTEGER, title VARCHAR)`,
		`INSERT INTO users (username, email, hashed_password) VALUES ('alice', 'alice@example.com', 'h'), ('bob', 'placeholder', 'placeholder')`,
		`INSERT INTO chat_sessions (user_id, title) VALUES (2, 'TODO')`,
	} {
		_, err := db.Exec(s)
		require.NoError(t, err, s)
	}
	return path
}

func dbURL(path string) string { return "sqlite:///" + filepath.ToSlash(path) }

func TestRootIsSilentNoop(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	out, err := runCLI(t)
	require.NoError(t, err)
	assert.Empty(t, out)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "a bare invocation must not create files")
}

func TestVersion(t *testing.T) {
	out, err := runCLI(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "dbfix version dev\n", out)
}

func TestLocateFromURL(t *testing.T) {
	path := seedDB(t)
	out, err := runCLI(t, "locate", "--db-url", dbURL(path))
	require.NoError(t, err)
	assert.Equal(t, "sqlite\t"+path+"\t(flag)\n", out)
}

func TestInspect(t *testing.T) {
	path := seedDB(t)
	out, err := runCLI(t, "inspect", "--db-url", dbURL(path), "users")
	require.NoError(t, err)
	assert.Contains(t, out, "TABLE")
	assert.Contains(t, out, "hashed_password")
	assert.NotContains(t, out, "chat_sessions")
}

func TestScanReportsPlaceholders(t *testing.T) {
	path := seedDB(t)
	out, err := runCLI(t, "scan", "--db-url", dbURL(path))
	require.NoError(t, err)
	assert.Contains(t, out, `"TODO"`)
	assert.Contains(t, out, "3 rows with placeholders")

	out, err = runCLI(t, "scan", "--db-url", dbURL(path), "--token", "nothing-matches")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "no placeholders found (2 tables"), out)
}

func TestFixDryRunThenApply(t *testing.T) {
	path := seedDB(t)
	backups := filepath.Join(t.TempDir(), "backups")
	args := []string{"fix", "--db-url", dbURL(path), "--backup-dir", backups,
		"--table", "users", "--column", "email", "--match", "placeholder", "--replace-kind", "null"}

	out, err := runCLI(t, args...)
	require.NoError(t, err)
	assert.Contains(t, out, "dry run")
	assert.Contains(t, out, "total: 1 rows")

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM users WHERE email = 'placeholder'`).Scan(&n))
	assert.Equal(t, 1, n)

	out, err = runCLI(t, append(args, "--apply")...)
	require.NoError(t, err)
	assert.Contains(t, out, "backup: "+backups)
	assert.Contains(t, out, "total: 1 rows")

	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM users WHERE email = 'placeholder'`).Scan(&n))
	assert.Equal(t, 0, n)

	entries, err := os.ReadDir(backups)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	out, err = runCLI(t, append(args, "--apply", "--no-backup")...)
	require.NoError(t, err)
	assert.Contains(t, out, "total: 0 rows")
}

func TestFixWithRulesFile(t *testing.T) {
	path := seedDB(t)
	rules := filepath.Join(t.TempDir(), "dbfix.yaml")
	require.NoError(t, os.WriteFile(rules, []byte(`
rules:
  - table: chat_sessions
    column: title
    match: ["todo"]
    case_insensitive: true
    replace: {kind: literal, value: "Untitled chat"}
  - table: users
    column: hashed_password
    match: ["placeholder"]
    replace: {kind: bcrypt, value: "s3cret"}
`), 0o600))

	out, err := runCLI(t, "fix", "--db-url", dbURL(path), "--config", rules, "--apply", "--no-backup", "--bcrypt-cost", "4")
	require.NoError(t, err)
	assert.Contains(t, out, "chat_sessions.title")
	assert.Contains(t, out, "total: 2 rows")
}

func TestFixErrors(t *testing.T) {
	path := seedDB(t)

	_, err := runCLI(t, "fix", "--db-url", dbURL(path))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no rules")

	_, err = runCLI(t, "fix", "--db-url", dbURL(path), "--read-only", "--apply",
		"--table", "users", "--column", "email", "--match", "x")
	require.Error(t, err)

	_, err = runCLI(t, "fix", "--db-url", dbURL(path),
		"--table", "users", "--column", "username", "--match", "bob")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NOT NULL")
}

func TestRestoreUndoesFix(t *testing.T) {
	path := seedDB(t)
	backups := filepath.Join(t.TempDir(), "backups")
	out, err := runCLI(t, "fix", "--db-url", dbURL(path), "--backup-dir", backups, "--apply",
		"--table", "users", "--column", "email", "--match", "placeholder")
	require.NoError(t, err)
	taken := strings.TrimPrefix(strings.SplitN(out, "\n", 2)[0], "backup: ")
	require.FileExists(t, taken)

	require.NoError(t, os.WriteFile(path+"-wal", []byte("stale frames"), 0o600))

	out, err = runCLI(t, "restore", "--db-url", dbURL(path), "--backup-dir", backups, taken)
	require.NoError(t, err)
	assert.Contains(t, out, "restored "+path)
	assert.Contains(t, out, "backup: "+backups)
	assert.NoFileExists(t, path+"-wal")

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM users WHERE email = 'placeholder'`).Scan(&n))
	assert.Equal(t, 1, n)

	_, err = runCLI(t, "restore", "--db-url", dbURL(path), "--read-only", taken)
	assert.Error(t, err)
}

func TestScanMissingDatabaseFile(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "typo.db")
	_, err := runCLI(t, "scan", "--db-url", dbURL(missing))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database not found")
	assert.NoFileExists(t, missing)
}

func TestFixGenjiBacksUpDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.genji")
	db, err := sql.Open("genji", path)
	require.NoError(t, err)
	for _, s := range []string{
		`CREATE TABLE users (id INT PRIMARY KEY, username TEXT NOT NULL, email TEXT)`,
		`INSERT INTO users (id, username, email) VALUES (1, 'alice', 'alice@example.com'), (2, 'bob', 'placeholder')`,
	} {
		_, err := db.Exec(s)
		require.NoError(t, err, s)
	}
	require.NoError(t, db.Close())

	backups := filepath.Join(t.TempDir(), "backups")
	out, err := runCLI(t, "fix", "--db-type", "genji", "--db-path", path, "--backup-dir", backups, "--apply",
		"--table", "users", "--column", "email", "--match", "placeholder")
	require.NoError(t, err)
	assert.Contains(t, out, "backup: "+backups)
	assert.Contains(t, out, "total: 1 rows")

	entries, err := os.ReadDir(backups)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].IsDir())
}
