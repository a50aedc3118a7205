package database

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

var (
	// ErrUnsupportedDriver is returned for driver names dbfix cannot open.
	ErrUnsupportedDriver = errors.New("unsupported database type")
	// ErrUnknownTable is returned when a rule or query names a missing table.
	ErrUnknownTable = errors.New("unknown table")
	// ErrUnknownColumn is returned when a rule names a missing column.
	ErrUnknownColumn = errors.New("unknown column")
	// ErrNotFound is returned when a file-backed database does not exist.
	// dbfix never creates databases.
	ErrNotFound = errors.New("database not found")
)

// Database wraps the open connection together with the facts the rest of
// dbfix needs to build dialect-aware SQL.
type Database struct {
	DB     *sqlx.DB // The underlying SQL database connection
	Driver string   // Normalized driver name so SQL builders can stay declarative
	Path   string   // File path for file-backed engines, empty for pgx

	dsn string
	log *zap.Logger
}

// Config holds the configuration details for opening the database.
type Config struct {
	DBType    string // The type of the database driver: "sqlite", "pgx", "duckdb" or "genji"
	DBPath    string // The file path to the database file (for file-based databases)
	DBConn    string // Raw DSN for pgx
	DBHost    string // The host for PostgreSQL
	DBPort    int    // The port for PostgreSQL
	DBUser    string // The user for PostgreSQL
	DBPass    string // The password for PostgreSQL
	DBName    string // The name of the PostgreSQL database
	PGSSLMode string // The SSL mode for PostgreSQL
	ReadOnly  bool   // Open file-backed engines read-only
}

// normalizeDBType trims and lowercases driver names and folds the common
// aliases so downstream switch blocks only see canonical names.
func normalizeDBType(dbType string) string {
	switch name := strings.ToLower(strings.TrimSpace(dbType)); name {
	case "", "sqlite3":
		return "sqlite"
	case "postgres", "postgresql", "pg":
		return "pgx"
	default:
		return name
	}
}

// IsFileBacked reports whether the driver keeps the whole dataset on local
// disk (a file, or a directory for Genji) that can be copied for backups.
func IsFileBacked(dbType string) bool {
	switch normalizeDBType(dbType) {
	case "sqlite", "duckdb", "genji":
		return true
	}
	return false
}

// PostgresDSNFromConfig assembles a pgx URL. Credentials go through url.URL
// so passwords with reserved characters survive.
func PostgresDSNFromConfig(cfg Config) string {
	if trimmed := strings.TrimSpace(cfg.DBConn); trimmed != "" {
		return trimmed
	}

	host := strings.TrimSpace(cfg.DBHost)
	if host == "" {
		host = "127.0.0.1"
	}
	if _, _, err := net.SplitHostPort(host); err != nil {
		port := cfg.DBPort
		if port <= 0 {
			port = 5432
		}
		host = net.JoinHostPort(host, strconv.Itoa(port))
	}

	dsn := url.URL{Scheme: "postgres", Host: host}
	if user := strings.TrimSpace(cfg.DBUser); user != "" {
		if cfg.DBPass != "" {
			dsn.User = url.UserPassword(user, cfg.DBPass)
		} else {
			dsn.User = url.User(user)
		}
	}
	if name := strings.Trim(strings.TrimSpace(cfg.DBName), "/"); name != "" {
		dsn.Path = "/" + name
	}
	params := url.Values{}
	if mode := strings.TrimSpace(cfg.PGSSLMode); mode != "" {
		params.Set("sslmode", mode)
	}
	dsn.RawQuery = params.Encode()
	return dsn.String()
}

// buildDSN turns the config into the driver name and DSN passed to sql.Open.
func buildDSN(cfg Config) (string, string, error) {
	driverName := normalizeDBType(cfg.DBType)
	path := strings.TrimSpace(cfg.DBPath)

	switch driverName {
	case "sqlite":
		if path == "" || path == ":memory:" {
			return driverName, ":memory:", nil
		}
		if cfg.ReadOnly {
			return driverName, "file:" + sqliteURIPath(path) + "?mode=ro", nil
		}
		return driverName, "file:" + sqliteURIPath(path) + "?mode=rw", nil
	case "duckdb":
		if path == "" {
			return driverName, "", nil
		}
		if cfg.ReadOnly {
			return driverName, path + "?access_mode=read_only", nil
		}
		return driverName, path, nil
	case "genji":
		if path == "" {
			return driverName, ":memory:", nil
		}
		return driverName, path, nil
	case "pgx":
		return driverName, PostgresDSNFromConfig(cfg), nil
	default:
		return "", "", fmt.Errorf("%w: %s", ErrUnsupportedDriver, cfg.DBType)
	}
}

// sqliteURIPath escapes the characters SQLite treats specially in a file: URI.
func sqliteURIPath(path string) string {
	return strings.NewReplacer("%", "%25", "?", "%3f", "#", "%23").Replace(filepath.ToSlash(path))
}

// requireFile fails with ErrNotFound when a file-backed engine points at a
// path that does not exist, instead of letting the driver create it.
func requireFile(cfg Config) error {
	path := strings.TrimSpace(cfg.DBPath)
	if !IsFileBacked(cfg.DBType) || path == "" || path == ":memory:" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return err
	}
	return nil
}

// NewDatabase opens DB and configures connection pooling.
// For file-backed engines we force single-connection mode so a fix run never
// competes with itself for the write lock.
func NewDatabase(ctx context.Context, config Config, log *zap.Logger) (*Database, error) {
	if log == nil {
		log = zap.NewNop()
	}
	driverName, dsn, err := buildDSN(config)
	if err != nil {
		return nil, err
	}
	if err := requireFile(config); err != nil {
		return nil, err
	}

	db, err := sqlx.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("error opening the database: %w", err)
	}

	switch driverName {
	case "sqlite", "duckdb", "genji":
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	case "pgx":
		db.SetMaxOpenConns(4)
		db.SetMaxIdleConns(4)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	// Cheap liveness probe with timeout so we don't hang on a dead server.
	{
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("error connecting to the database: %w", err)
		}
	}

	d := &Database{
		DB:     db,
		Driver: driverName,
		dsn:    dsn,
		log:    log,
	}
	if path := strings.TrimSpace(config.DBPath); IsFileBacked(driverName) && path != "" && path != ":memory:" {
		d.Path = path
	}

	if driverName == "sqlite" {
		tuneCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := tuneSQLiteConnection(tuneCtx, d, config.ReadOnly); err != nil {
			log.Warn("sqlite tuning skipped", zap.Error(err))
		}
		cancel()
	}

	log.Debug("database opened",
		zap.String("driver", driverName),
		zap.String("dsn", d.DSNForLog()))
	return d, nil
}

// Close releases the connection pool.
func (d *Database) Close() error {
	if d == nil || d.DB == nil {
		return nil
	}
	return d.DB.Close()
}

// DSNForLog returns the DSN with any password replaced so it can be printed.
func (d *Database) DSNForLog() string {
	return RedactDSN(d.Driver, d.dsn)
}

// RedactDSN hides the password of a pgx URL; file DSNs are returned as is.
func RedactDSN(driver, dsn string) string {
	if normalizeDBType(driver) != "pgx" {
		return dsn
	}
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	return u.Redacted()
}

// Rebind rewrites ? placeholders into the driver's bindvar style.
func (d *Database) Rebind(query string) string {
	return d.DB.Rebind(query)
}

// tuneSQLiteConnection applies the pragmas a maintenance run relies on. The
// journal mode is left untouched so we never convert the application's file
// to WAL behind its back.
func tuneSQLiteConnection(ctx context.Context, d *Database, readOnly bool) error {
	type pragma struct {
		label string
		query string
	}

	steps := []pragma{
		{label: "busy_timeout", query: "PRAGMA busy_timeout=5000;"},
	}
	if !readOnly {
		steps = append(steps, pragma{label: "foreign_keys", query: "PRAGMA foreign_keys=ON;"})
	}

	for _, step := range steps {
		if _, err := d.DB.ExecContext(ctx, step.query); err != nil {
			return fmt.Errorf("apply %s: %w", step.label, err)
		}
		d.log.Debug("sqlite tuning applied", zap.String("pragma", step.label))
	}
	return nil
}

// Checkpoint folds the write-ahead log back into the main file so a plain
// file copy captures every committed row. SQLite and DuckDB need this;
// Genji's directory is copied whole.
func (d *Database) Checkpoint(ctx context.Context) error {
	if d.Path == "" {
		return nil
	}
	switch d.Driver {
	case "sqlite":
		var busy, logFrames, checkpointed int
		err := d.DB.QueryRowContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE);").Scan(&busy, &logFrames, &checkpointed)
		if err != nil {
			return fmt.Errorf("wal checkpoint: %w", err)
		}
		d.log.Debug("wal checkpoint",
			zap.Int("busy", busy),
			zap.Int("log_frames", logFrames),
			zap.Int("checkpointed", checkpointed))
	case "duckdb":
		if _, err := d.DB.ExecContext(ctx, "CHECKPOINT;"); err != nil {
			return fmt.Errorf("checkpoint: %w", err)
		}
		d.log.Debug("duckdb checkpoint")
	}
	return nil
}
