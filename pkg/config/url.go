package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"dbfix/pkg/database"
)

var (
	// ErrEmptyURL is returned by ParseURL for blank input.
	ErrEmptyURL = errors.New("database url is empty")
	// ErrUnsupportedScheme is returned for URL dialects dbfix cannot open.
	ErrUnsupportedScheme = errors.New("unsupported database url scheme")
)

// ParseURL converts a SQLAlchemy-style URL into a database.Config. The
// "+driver" suffix (postgresql+psycopg2, sqlite+pysqlite) is ignored since
// the Go driver is chosen by dialect alone.
//
//	sqlite:///./sql_app.db      relative path ./sql_app.db
//	sqlite:////var/lib/app.db   absolute path /var/lib/app.db
//	sqlite://                   in-memory
func ParseURL(raw string) (database.Config, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return database.Config{}, ErrEmptyURL
	}
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok {
		return database.Config{}, fmt.Errorf("%w: %q has no scheme", ErrUnsupportedScheme, raw)
	}
	dialect, _, _ := strings.Cut(strings.ToLower(scheme), "+")

	switch dialect {
	case "sqlite", "duckdb", "genji":
		path, query, _ := strings.Cut(rest, "?")
		cfg := database.Config{DBType: dialect, DBPath: filePath(path)}
		if values, err := url.ParseQuery(query); err == nil && values.Get("mode") == "ro" {
			cfg.ReadOnly = true
		}
		if dialect == "sqlite" && cfg.DBPath == "" {
			cfg.DBPath = ":memory:"
		}
		return cfg, nil
	case "postgresql", "postgres", "pgx":
		return database.Config{DBType: "pgx", DBConn: "postgres://" + rest}, nil
	default:
		return database.Config{}, fmt.Errorf("%w: %s", ErrUnsupportedScheme, scheme)
	}
}

// filePath strips the host separator SQLAlchemy puts before the path: three
// slashes mean relative, four mean absolute.
func filePath(rest string) string {
	if rest == "" {
		return ""
	}
	if !strings.HasPrefix(rest, "/") {
		// sqlite://host/path is not valid SQLAlchemy, but treat the whole
		// remainder as a path rather than guessing at a host.
		return rest
	}
	return strings.TrimPrefix(rest, "/")
}
