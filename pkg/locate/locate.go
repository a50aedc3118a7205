// Package locate finds the application's SQLite file when no URL is given.
package locate

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrNotFound is returned when neither a known location nor the directory
// walk turns up a SQLite file.
var ErrNotFound = errors.New("no sqlite database found")

var sqliteHeader = []byte("SQLite format 3\x00")

// knownPaths mirrors where FastAPI projects usually keep their database.
var knownPaths = []string{
	"sql_app.db",
	"app.db",
	filepath.Join("backend", "sql_app.db"),
	filepath.Join("backend", "app.db"),
	filepath.Join("app", "sql_app.db"),
}

var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"venv":         true,
	".venv":        true,
	"__pycache__":  true,
}

// Candidates returns the fixed probe list rooted at root.
func Candidates(root string) []string {
	out := make([]string, 0, len(knownPaths))
	for _, p := range knownPaths {
		out = append(out, filepath.Join(root, p))
	}
	return out
}

// IsSQLite reports whether path starts with the SQLite file header.
func IsSQLite(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	buf := make([]byte, len(sqliteHeader))
	if _, err := io.ReadFull(f, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return false, nil
		}
		return false, err
	}
	return bytes.Equal(buf, sqliteHeader), nil
}

// Find returns the first known candidate that is a SQLite file, falling back
// to a walk of root. The walk examines files whose directory is at most
// maxDepth levels below root (0 means root itself) and whose extension is
// .db, .sqlite, .sqlite3 or .db3. Walk results are ranked by path length,
// then lexically, so the shallowest match wins.
func Find(ctx context.Context, root string, maxDepth int) (string, error) {
	for _, candidate := range Candidates(root) {
		if ok, _ := IsSQLite(candidate); ok {
			return candidate, nil
		}
	}

	var found []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable entries are skipped, not fatal.
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if path != root && (skipDirs[d.Name()] || depth(root, path) > maxDepth) {
				return fs.SkipDir
			}
			return nil
		}
		if depth(root, filepath.Dir(path)) > maxDepth || !looksLikeDBName(d.Name()) {
			return nil
		}
		if ok, _ := IsSQLite(path); ok {
			found = append(found, path)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if len(found) == 0 {
		return "", ErrNotFound
	}
	sort.Slice(found, func(i, j int) bool {
		if len(found[i]) != len(found[j]) {
			return len(found[i]) < len(found[j])
		}
		return found[i] < found[j]
	})
	return found[0], nil
}

func looksLikeDBName(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".db", ".sqlite", ".sqlite3", ".db3":
		return true
	}
	return false
}

func depth(root, path string) int {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." {
		return 0
	}
	return strings.Count(rel, string(filepath.Separator)) + 1
}
